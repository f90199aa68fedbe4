package flowguard

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// API is the HTTP operational surface: threat queries, manual mitigation
// and rollback, statistics, anomaly scoring and threshold management.
// Authentication is the deployment's reverse proxy's concern, not this
// service's.
type API struct {
	app        *fiber.App
	ledger     ThreatLedger
	mitigator  *Mitigator
	scorer     *AnomalyScorer
	store      *MetricsStore
	thresholds *ThresholdStore
	detections *DetectionCache
	metrics    *Collector
	events     *EventPublisher
	limiter    *TokenBucketRateLimiter
	logger     *zap.Logger
}

// APIOptions wires the API's collaborators.
type APIOptions struct {
	Ledger     ThreatLedger
	Mitigator  *Mitigator
	Scorer     *AnomalyScorer
	Store      *MetricsStore
	Thresholds *ThresholdStore
	Detections *DetectionCache
	Metrics    *Collector
	Events     *EventPublisher
	Logger     *zap.Logger
}

func NewAPI(opts APIOptions) *API {
	a := &API{
		ledger:     opts.Ledger,
		mitigator:  opts.Mitigator,
		scorer:     opts.Scorer,
		store:      opts.Store,
		thresholds: opts.Thresholds,
		detections: opts.Detections,
		metrics:    opts.Metrics,
		events:     opts.Events,
		limiter:    NewTokenBucketRateLimiter(30, time.Minute),
		logger:     opts.Logger,
	}
	a.app = fiber.New(fiber.Config{
		AppName:               "flowguard",
		DisableStartupMessage: true,
		ErrorHandler:          a.errorHandler,
	})
	a.routes()
	return a
}

// App exposes the underlying Fiber app for serving and for tests.
func (a *API) App() *fiber.App {
	return a.app
}

func (a *API) errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		code = fiberErr.Code
	} else if errors.Is(err, ErrNotFound) {
		code = fiber.StatusNotFound
	} else if errors.Is(err, ErrInvalidTransition) {
		code = fiber.StatusConflict
	}
	if code >= fiber.StatusInternalServerError {
		a.logger.Error("request failed",
			zap.String("path", c.Path()), zap.Error(err))
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}

func (a *API) routes() {
	a.app.Use(cors.New())
	a.app.Use(a.requestID)
	a.app.Use(a.accessLog)

	a.app.Get("/health", a.handleHealth)
	a.app.Get("/metrics", a.handleMetrics)

	v1 := a.app.Group("/api/v1")
	v1.Get("/threats", a.handleListThreats)
	v1.Get("/threats/:id", a.handleGetThreat)
	v1.Post("/threats/:id/resolve", a.rateLimit, a.handleResolveThreat)
	v1.Post("/mitigate", a.rateLimit, a.handleMitigate)
	v1.Post("/rollback/:threatID", a.rateLimit, a.handleRollback)
	v1.Get("/stats", a.handleStats)
	v1.Get("/stats/attacks", a.handleAttackStats)
	v1.Post("/anomaly/analyze", a.handleAnalyze)
	v1.Get("/anomaly/model", a.handleModelInfo)
	v1.Post("/anomaly/retrain", a.rateLimit, a.handleRetrain)
	v1.Get("/config", a.handleGetConfig)
	v1.Get("/config/thresholds", a.handleGetThresholds)
	v1.Put("/config/thresholds", a.rateLimit, a.handleUpdateThresholds)
	v1.Get("/detections/recent", a.handleRecentDetections)
	v1.Get("/patterns", a.handlePatterns)
}

func (a *API) requestID(c *fiber.Ctx) error {
	id := c.Get("X-Request-ID")
	if id == "" {
		id = uuid.NewString()
	}
	c.Set("X-Request-ID", id)
	c.Locals("request_id", id)
	return c.Next()
}

func (a *API) accessLog(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	a.logger.Debug("request",
		zap.String("method", c.Method()),
		zap.String("path", c.Path()),
		zap.Int("status", c.Response().StatusCode()),
		zap.Duration("duration", time.Since(start)))
	return err
}

// rateLimit guards mutating routes per caller address.
func (a *API) rateLimit(c *fiber.Ctx) error {
	allowed, _, reset := a.limiter.Allow(c.IP())
	if !allowed {
		c.Set("Retry-After", reset.UTC().Format(time.RFC1123))
		return fiber.NewError(fiber.StatusTooManyRequests, "rate limit exceeded")
	}
	return c.Next()
}

func (a *API) handleHealth(c *fiber.Ctx) error {
	if err := a.ledger.Ping(c.Context()); err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status": "degraded",
			"error":  err.Error(),
		})
	}
	return c.JSON(fiber.Map{
		"status":          "healthy",
		"anomaly_scorer":  a.scorer.ModelInfo().State,
		"tracked_sources": a.store.SourceCount(),
	})
}

func (a *API) handleMetrics(c *fiber.Ctx) error {
	c.Set("Content-Type", "text/plain; version=0.0.4")
	return c.SendString(a.metrics.ExportPrometheus())
}

func (a *API) handleListThreats(c *fiber.Ctx) error {
	filter := ThreatFilter{
		Status:   c.Query("status"),
		Severity: c.Query("severity"),
		Type:     c.Query("type"),
		Limit:    c.QueryInt("limit", 0),
	}
	threats, err := a.ledger.ListThreats(c.Context(), filter)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"threats": threats, "count": len(threats)})
}

func (a *API) handleGetThreat(c *fiber.Ctx) error {
	id := c.Params("id")
	threat, err := a.ledger.GetThreat(c.Context(), id)
	if err != nil {
		return err
	}
	attacks, err := a.ledger.GetAttacksByThreat(c.Context(), id)
	if err != nil {
		return err
	}
	mitigations, err := a.ledger.GetMitigationsByThreat(c.Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"threat":      threat,
		"attacks":     attacks,
		"mitigations": mitigations,
	})
}

func (a *API) handleResolveThreat(c *fiber.Ctx) error {
	id := c.Params("id")
	if err := a.ledger.UpdateThreatStatus(c.Context(), id, StatusResolved); err != nil {
		return err
	}
	a.events.ThreatStatusChanged(c.Context(), id, StatusResolved)
	return c.JSON(fiber.Map{"threat_id": id, "status": StatusResolved})
}

type mitigateRequest struct {
	ThreatID       string         `json:"threat_id"`
	MitigationType string         `json:"mitigation_type"`
	TargetIPs      []string       `json:"target_ips"`
	Parameters     map[string]any `json:"parameters"`
}

func (a *API) handleMitigate(c *fiber.Ctx) error {
	var req mitigateRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if req.ThreatID == "" {
		return fiber.NewError(fiber.StatusBadRequest, "threat_id is required")
	}
	mitigationType := MitigationType(req.MitigationType)
	if _, ok := strategies[mitigationType]; !ok {
		return fiber.NewError(fiber.StatusBadRequest, "unknown mitigation_type")
	}

	threat, err := a.ledger.GetThreat(c.Context(), req.ThreatID)
	if err != nil {
		return err
	}
	mitigations, err := a.mitigator.Mitigate(c.Context(), threat, mitigationType, req.TargetIPs, req.Parameters)
	if err != nil {
		return err
	}
	a.events.ThreatStatusChanged(c.Context(), threat.ID, StatusMitigated)
	return c.JSON(fiber.Map{
		"threat_id":   threat.ID,
		"status":      StatusMitigated,
		"mitigations": mitigations,
	})
}

func (a *API) handleRollback(c *fiber.Ctx) error {
	threatID := c.Params("threatID")
	if _, err := a.ledger.GetThreat(c.Context(), threatID); err != nil {
		return err
	}
	mitigations, err := a.ledger.GetMitigationsByThreat(c.Context(), threatID)
	if err != nil {
		return err
	}
	active := make([]*Mitigation, 0, len(mitigations))
	for _, m := range mitigations {
		if m.Status == MitigationStatusActive {
			active = append(active, m)
		}
	}
	if len(active) == 0 {
		return fiber.NewError(fiber.StatusConflict, "no active mitigations to roll back")
	}

	outcomes := a.mitigator.Rollback(c.Context(), threatID, active)
	if err := a.ledger.UpdateThreatStatus(c.Context(), threatID, StatusRolledBack); err != nil {
		return err
	}
	a.events.ThreatStatusChanged(c.Context(), threatID, StatusRolledBack)
	return c.JSON(fiber.Map{
		"threat_id": threatID,
		"status":    StatusRolledBack,
		"outcomes":  outcomes,
	})
}

func (a *API) handleStats(c *fiber.Ctx) error {
	stats, err := a.ledger.GetStatistics(c.Context())
	if err != nil {
		return err
	}
	return c.JSON(stats)
}

func (a *API) handleAttackStats(c *fiber.Ctx) error {
	hours := c.QueryInt("hours", 24)
	stats, err := a.ledger.GetAttackStatistics(c.Context(), hours)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"hours": hours, "attacks": stats})
}

func (a *API) handleAnalyze(c *fiber.Ctx) error {
	var sample TrafficSample
	if err := c.BodyParser(&sample); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid traffic sample")
	}
	anomalous, score, err := a.scorer.Score(c.Context(), &sample)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"is_anomaly": anomalous,
		"score":      score,
		"state":      a.scorer.ModelInfo().State,
	})
}

func (a *API) handleModelInfo(c *fiber.Ctx) error {
	return c.JSON(a.scorer.ModelInfo())
}

func (a *API) handleRetrain(c *fiber.Ctx) error {
	info, err := a.scorer.Retrain()
	if err != nil {
		return fiber.NewError(fiber.StatusConflict, err.Error())
	}
	return c.JSON(fiber.Map{"status": "retrained", "model": info})
}

func (a *API) handleGetConfig(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"thresholds": a.thresholds.Current(),
		"anomaly":    a.scorer.ModelInfo(),
	})
}

func (a *API) handleGetThresholds(c *fiber.Ctx) error {
	return c.JSON(a.thresholds.Current())
}

func (a *API) handleUpdateThresholds(c *fiber.Ctx) error {
	// Start from the live set so a partial body updates only the supplied
	// keys.
	set := a.thresholds.Current()
	if err := c.BodyParser(&set); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid threshold payload")
	}
	if err := a.thresholds.Update(set); err != nil {
		return fiber.NewError(fiber.StatusUnprocessableEntity, err.Error())
	}
	a.logger.Info("detection thresholds updated via api",
		zap.Float64("pps_threshold", set.PPSThreshold),
		zap.Float64("bps_threshold", set.BPSThreshold))
	return c.JSON(set)
}

func (a *API) handleRecentDetections(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"detections": a.detections.Snapshot(),
		"summary":    a.detections.Summary(),
	})
}

func (a *API) handlePatterns(c *fiber.Ctx) error {
	patterns := make([]fiber.Map, 0, len(wafRules))
	for _, ruleType := range WAFRuleTypes() {
		patterns = append(patterns, fiber.Map{
			"rule_type": ruleType,
			"rule":      wafRules[ruleType],
		})
	}
	return c.JSON(fiber.Map{"patterns": patterns})
}
