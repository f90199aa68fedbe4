package flowguard

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Scorer states: cold buffers samples until the minimum training set exists,
// ready scores every sample against the live model.
const (
	ScorerStateCold  = "cold"
	ScorerStateReady = "ready"
)

const (
	minTrainingSamples = 100
	maxTrainingSamples = 10000
	contamination      = 0.10

	// Raw model scores below this mark an anomaly as high severity.
	highSeverityScore = -0.7
)

// featureNames is the fixed feature order of the anomaly model.
var featureNames = []string{
	"packets_per_second",
	"bytes_per_second",
	"avg_packet_size",
	"protocol_entropy",
	"port_entropy",
	"connection_rate",
	"syn_ack_ratio",
	"unique_dst_ips",
	"unique_src_ports",
	"unique_dst_ports",
}

// TrafficSample is one traffic summary submitted for anomaly scoring.
type TrafficSample struct {
	SourceIP             string           `json:"source_ip,omitempty"`
	PacketsPerSecond     float64          `json:"packets_per_second"`
	BytesPerSecond       float64          `json:"bytes_per_second"`
	Packets              int64            `json:"packets"`
	Bytes                int64            `json:"bytes"`
	ProtocolDistribution map[string]int64 `json:"protocol_distribution,omitempty"`
	PortDistribution     map[string]int64 `json:"port_distribution,omitempty"`
	ConnectionRate       float64          `json:"connection_rate"`
	SYNCount             int64            `json:"syn_count"`
	ACKCount             int64            `json:"ack_count"`
	UniqueDstIPs         int              `json:"unique_dst_ips"`
	UniqueSrcPorts       int              `json:"unique_src_ports"`
	UniqueDstPorts       int              `json:"unique_dst_ports"`
}

// features derives the model's 10-dimensional vector in featureNames order.
func (s *TrafficSample) features() []float64 {
	avgPacketSize := 0.0
	if s.Packets > 0 {
		avgPacketSize = float64(s.Bytes) / float64(s.Packets)
	}
	synAckRatio := 0.0
	if s.SYNCount+s.ACKCount > 0 {
		synAckRatio = float64(s.SYNCount) / float64(s.SYNCount+s.ACKCount)
	}
	return []float64{
		s.PacketsPerSecond,
		s.BytesPerSecond,
		avgPacketSize,
		shannonEntropy(s.ProtocolDistribution),
		shannonEntropy(s.PortDistribution),
		s.ConnectionRate,
		synAckRatio,
		float64(s.UniqueDstIPs),
		float64(s.UniqueSrcPorts),
		float64(s.UniqueDstPorts),
	}
}

// shannonEntropy computes the base-2 Shannon entropy of a count
// distribution. An empty distribution has entropy 0.
func shannonEntropy(distribution map[string]int64) float64 {
	var total int64
	for _, count := range distribution {
		total += count
	}
	if total == 0 {
		return 0
	}
	entropy := 0.0
	for _, count := range distribution {
		if count <= 0 {
			continue
		}
		p := float64(count) / float64(total)
		entropy -= p * math.Log2(p)
	}
	return entropy
}

// anomalyModel pairs the fitted standardizer with its forest. The pair is
// swapped through one atomic pointer so a scorer never sees a standardizer
// from one fit and a forest from another.
type anomalyModel struct {
	scaler    *standardizer
	forest    *IsolationForest
	trainedAt time.Time
	samples   int
}

// AnomalyScorer maintains the online-trained outlier model. Cold until
// minTrainingSamples have been buffered, then ready; every accepted sample
// joins the bounded training buffer for later retraining.
type AnomalyScorer struct {
	mu     sync.Mutex
	buffer [][]float64
	model  atomic.Pointer[anomalyModel]

	ledger  ThreatLedger
	samples *SampleStore
	events  *EventPublisher
	metrics *Collector
	logger  *zap.Logger
	seed    int64
}

// NewAnomalyScorer builds a scorer. samples and events may be nil. When a
// sample store is supplied, previously persisted samples are reloaded so a
// restart does not reset cold-start progress; a reload reaching the minimum
// training size trains immediately.
func NewAnomalyScorer(ledger ThreatLedger, samples *SampleStore, events *EventPublisher, metrics *Collector, logger *zap.Logger) *AnomalyScorer {
	s := &AnomalyScorer{
		ledger:  ledger,
		samples: samples,
		events:  events,
		metrics: metrics,
		logger:  logger,
		seed:    42,
	}
	if samples != nil {
		restored, err := samples.Load(maxTrainingSamples)
		if err != nil {
			logger.Warn("could not restore anomaly samples", zap.Error(err))
		} else if len(restored) > 0 {
			s.buffer = restored
			logger.Info("restored anomaly training samples", zap.Int("count", len(restored)))
			if len(restored) >= minTrainingSamples {
				s.train()
			}
		}
	}
	return s
}

// Score accepts one sample and reports (anomalous, score). Cold-state
// scoring is defined as not-yet-anomalous: (false, 0). Anomalous samples
// create one anomaly threat; a failed threat write propagates.
func (s *AnomalyScorer) Score(ctx context.Context, sample *TrafficSample) (bool, float64, error) {
	features := sample.features()
	s.accept(features)

	model := s.model.Load()
	if model == nil {
		return false, 0, nil
	}

	scaled := model.scaler.transform(features)
	score := model.forest.Score(scaled)
	decision := model.forest.Decision(scaled)
	s.metrics.IncrementCounter("flowguard_anomaly_samples_scored_total", nil)

	if decision >= 0 {
		return false, score, nil
	}

	severity := SeverityMedium
	if score < highSeverityScore {
		severity = SeverityHigh
	}
	var sources []string
	if sample.SourceIP != "" {
		sources = []string{sample.SourceIP}
	}
	details := map[string]any{
		"detection_method": "isolation_forest",
		"anomaly_score":    score,
		"decision":         decision,
		"features":         featureMap(features),
	}
	threat, err := s.ledger.CreateThreat(ctx, ThreatTypeAnomaly, severity, sources, nil, details)
	if err != nil {
		return true, score, fmt.Errorf("persist anomaly threat: %w", err)
	}

	s.logger.Warn("traffic anomaly detected",
		zap.String("threat_id", threat.ID),
		zap.Float64("score", score),
		zap.String("severity", severity))
	s.metrics.IncrementCounter("flowguard_detections_total", map[string]string{"attack_type": "anomaly"})
	if s.events != nil {
		s.events.ThreatCreated(ctx, threat)
	}
	return true, score, nil
}

func featureMap(features []float64) map[string]float64 {
	out := make(map[string]float64, len(featureNames))
	for i, name := range featureNames {
		out[name] = features[i]
	}
	return out
}

// accept buffers the feature vector, trims the buffer to its cap and
// triggers the cold-to-ready transition at the minimum training size.
func (s *AnomalyScorer) accept(features []float64) {
	s.mu.Lock()
	s.buffer = append(s.buffer, features)
	if len(s.buffer) > maxTrainingSamples {
		s.buffer = s.buffer[len(s.buffer)-maxTrainingSamples:]
	}
	count := len(s.buffer)
	s.mu.Unlock()

	if s.samples != nil {
		if err := s.samples.Append(features); err != nil {
			s.logger.Debug("could not persist anomaly sample", zap.Error(err))
		}
	}
	s.metrics.SetGauge("flowguard_anomaly_training_samples", float64(count), nil)

	if count >= minTrainingSamples && s.model.Load() == nil {
		s.train()
	}
}

// train fits on a copy of the buffer and swaps the model pair atomically.
// Scoring keeps serving the prior model until the swap.
func (s *AnomalyScorer) train() {
	s.mu.Lock()
	training := make([][]float64, len(s.buffer))
	copy(training, s.buffer)
	s.mu.Unlock()

	if len(training) < minTrainingSamples {
		return
	}

	scaler := fitStandardizer(training)
	scaled := make([][]float64, len(training))
	for i, sample := range training {
		scaled[i] = scaler.transform(sample)
	}
	forest, err := fitForest(scaled, contamination, s.seed)
	if err != nil {
		s.logger.Error("anomaly model training failed", zap.Error(err))
		return
	}

	s.model.Store(&anomalyModel{
		scaler:    scaler,
		forest:    forest,
		trainedAt: time.Now().UTC(),
		samples:   len(training),
	})
	s.logger.Info("anomaly model trained", zap.Int("training_samples", len(training)))
}

// Retrain refits on the current buffer. Scoring continues against the prior
// model until the new pair swaps in.
func (s *AnomalyScorer) Retrain() (*ModelInfo, error) {
	s.mu.Lock()
	count := len(s.buffer)
	s.mu.Unlock()
	if count < minTrainingSamples {
		return nil, fmt.Errorf("retrain: %d samples buffered, need %d", count, minTrainingSamples)
	}
	s.train()
	info := s.ModelInfo()
	return &info, nil
}

// ModelInfo describes the scorer for the operational surface.
type ModelInfo struct {
	State           string     `json:"state"`
	ModelType       string     `json:"model_type"`
	TrainingSamples int        `json:"training_samples"`
	Contamination   float64    `json:"contamination"`
	Features        []string   `json:"features"`
	TrainedAt       *time.Time `json:"trained_at,omitempty"`
	FittedSamples   int        `json:"fitted_samples,omitempty"`
}

func (s *AnomalyScorer) ModelInfo() ModelInfo {
	s.mu.Lock()
	count := len(s.buffer)
	s.mu.Unlock()

	info := ModelInfo{
		State:           ScorerStateCold,
		ModelType:       "isolation_forest",
		TrainingSamples: count,
		Contamination:   contamination,
		Features:        featureNames,
	}
	if model := s.model.Load(); model != nil {
		info.State = ScorerStateReady
		trainedAt := model.trainedAt
		info.TrainedAt = &trainedAt
		info.FittedSamples = model.samples
	}
	return info
}
