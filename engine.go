package flowguard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Engine wires the detection pipeline together and owns its long-lived
// tasks: the flow consumer, the optional NetFlow collector and the window
// analyzer.
type Engine struct {
	cfg    *Config
	logger *zap.Logger

	ledger     ThreatLedger
	store      *MetricsStore
	ingestor   *Ingestor
	consumer   *FlowConsumer
	netflow    *NetFlowCollector
	analyzer   *Analyzer
	scorer     *AnomalyScorer
	mitigator  *Mitigator
	thresholds *ThresholdStore
	detections *DetectionCache
	events     *EventPublisher
	notifier   *Notifier
	metrics    *Collector
	samples    *SampleStore
	api        *API

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine assembles the engine around an already-connected ledger. The
// caller verifies the ledger with Ping before construction; an engine never
// starts without its persistence layer.
func NewEngine(cfg *Config, ledger ThreatLedger, logger *zap.Logger) (*Engine, error) {
	thresholds, err := NewThresholdStore(cfg.Detection.ThresholdsFile, logger)
	if err != nil {
		return nil, err
	}

	metrics := NewCollector()
	store := NewMetricsStore(cfg.Detection.MaxSources)
	ingestor := NewIngestor(store, metrics, logger)
	detections := NewDetectionCache(5 * time.Minute)
	events := NewEventPublisher(cfg.Redis.Addr, cfg.Redis.Channel, logger)
	notifier := NewNotifier(cfg.Notifications.Webhooks, cfg.Notifications.MinSeverity, logger)
	devices := NewHTTPDeviceManager(cfg.DeviceManager.URL,
		time.Duration(cfg.DeviceManager.TimeoutSeconds)*time.Second, logger)
	mitigator := NewMitigator(ledger, devices, metrics, logger)

	var samples *SampleStore
	if cfg.Anomaly.SamplesPath != "" {
		samples, err = NewSampleStore(cfg.Anomaly.SamplesPath)
		if err != nil {
			return nil, fmt.Errorf("anomaly sample store: %w", err)
		}
	}
	scorer := NewAnomalyScorer(ledger, samples, events, metrics, logger)

	e := &Engine{
		cfg:        cfg,
		logger:     logger,
		ledger:     ledger,
		store:      store,
		ingestor:   ingestor,
		scorer:     scorer,
		mitigator:  mitigator,
		thresholds: thresholds,
		detections: detections,
		events:     events,
		notifier:   notifier,
		metrics:    metrics,
		samples:    samples,
	}

	e.analyzer = NewAnalyzer(AnalyzerOptions{
		Store:       store,
		Ledger:      ledger,
		Thresholds:  thresholds,
		Detections:  detections,
		Events:      events,
		Notifier:    notifier,
		Metrics:     metrics,
		Logger:      logger,
		Interval:    time.Duration(cfg.Detection.AnalysisIntervalSeconds) * time.Second,
		IdleTimeout: time.Duration(cfg.Detection.IdleTimeoutSeconds) * time.Second,
		OnThreat:    e.autoMitigate,
	})
	e.consumer = NewFlowConsumer(cfg.AMQPURL(), cfg.RabbitMQ.Queue, ingestor, metrics, logger)
	if cfg.Collectors.NetFlow.Enabled {
		e.netflow = NewNetFlowCollector(cfg.Collectors.NetFlow.Listen,
			cfg.Collectors.NetFlow.Workers, ingestor, metrics, logger)
	}
	e.api = NewAPI(APIOptions{
		Ledger:     ledger,
		Mitigator:  mitigator,
		Scorer:     scorer,
		Store:      store,
		Thresholds: thresholds,
		Detections: detections,
		Metrics:    metrics,
		Events:     events,
		Logger:     logger,
	})
	return e, nil
}

// API returns the HTTP surface for serving.
func (e *Engine) API() *API {
	return e.api
}

// Start launches the long-lived tasks. They run until Stop.
func (e *Engine) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	if err := e.thresholds.Watch(runCtx); err != nil {
		cancel()
		return err
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.consumer.Run(runCtx)
	}()

	if e.netflow != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.netflow.Run(runCtx); err != nil {
				e.logger.Error("netflow collector stopped", zap.Error(err))
			}
		}()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.analyzer.Run(runCtx)
	}()

	e.logger.Info("engine started",
		zap.Int("analysis_interval_seconds", e.cfg.Detection.AnalysisIntervalSeconds),
		zap.Bool("netflow_collector", e.netflow != nil),
		zap.Bool("auto_mitigation", e.cfg.AutoMitigation.Enabled))
	return nil
}

// Stop cancels the long-lived tasks and waits for them. In-flight
// mitigations run on their own contexts and are left to complete; rollback
// of anything applied is the operator's call.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()

	if err := e.events.Close(); err != nil {
		e.logger.Warn("event publisher close failed", zap.Error(err))
	}
	if e.samples != nil {
		if err := e.samples.Close(); err != nil {
			e.logger.Warn("sample store close failed", zap.Error(err))
		}
	}
	e.logger.Info("engine stopped")
}

// autoMitigate applies the configured default strategy to qualifying
// threats. Anomaly threats never auto-mitigate: their evidence is a model
// score, not an attack signature, and acting on them is an operator call.
func (e *Engine) autoMitigate(ctx context.Context, threat *Threat) {
	if !e.cfg.AutoMitigation.Enabled {
		return
	}
	if threat.Type == ThreatTypeAnomaly {
		return
	}
	if !severityAtLeast(threat.Severity, e.cfg.AutoMitigation.MinSeverity) {
		return
	}
	if len(threat.SourceIPs) == 0 {
		return
	}

	// Detached context: shutting the engine down lets a started mitigation
	// finish rather than abandoning half-deployed configuration.
	go func() {
		mitigateCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		strategy := MitigationType(e.cfg.AutoMitigation.Strategy)
		e.logger.Info("auto-mitigating threat",
			zap.String("threat_id", threat.ID),
			zap.String("strategy", string(strategy)))
		if _, err := e.mitigator.Mitigate(mitigateCtx, threat, strategy, nil, nil); err != nil {
			e.logger.Error("auto-mitigation failed",
				zap.String("threat_id", threat.ID), zap.Error(err))
			return
		}
		e.events.ThreatStatusChanged(mitigateCtx, threat.ID, StatusMitigated)
	}()
}
