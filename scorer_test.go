package flowguard

import (
	"context"
	"math"
	"testing"

	"go.uber.org/zap"
)

func TestShannonEntropy(t *testing.T) {
	if got := shannonEntropy(nil); got != 0 {
		t.Errorf("entropy(nil) = %v, want 0", got)
	}
	if got := shannonEntropy(map[string]int64{}); got != 0 {
		t.Errorf("entropy(empty) = %v, want 0", got)
	}

	// Uniform distribution over k categories has entropy log2(k).
	for _, k := range []int{2, 4, 8} {
		dist := make(map[string]int64)
		for i := 0; i < k; i++ {
			dist[string(rune('a'+i))] = 10
		}
		want := math.Log2(float64(k))
		if got := shannonEntropy(dist); math.Abs(got-want) > 1e-9 {
			t.Errorf("entropy(uniform %d) = %v, want %v", k, got, want)
		}
	}

	// A single category is fully predictable.
	if got := shannonEntropy(map[string]int64{"tcp": 100}); got != 0 {
		t.Errorf("entropy(single) = %v, want 0", got)
	}
}

func TestSampleFeatureVector(t *testing.T) {
	sample := &TrafficSample{
		PacketsPerSecond: 100,
		BytesPerSecond:   6400,
		Packets:          50,
		Bytes:            3200,
		SYNCount:         30,
		ACKCount:         10,
		UniqueDstIPs:     5,
		UniqueSrcPorts:   7,
		UniqueDstPorts:   9,
	}
	features := sample.features()
	if len(features) != len(featureNames) {
		t.Fatalf("feature vector has %d dims, want %d", len(features), len(featureNames))
	}
	if features[2] != 64 {
		t.Errorf("avg packet size = %v, want 64", features[2])
	}
	if features[6] != 0.75 {
		t.Errorf("syn/ack ratio = %v, want 0.75", features[6])
	}
	if features[7] != 5 || features[8] != 7 || features[9] != 9 {
		t.Errorf("unique counts = %v %v %v, want 5 7 9", features[7], features[8], features[9])
	}
}

// normalSample returns a sample from a tight cluster, varied deterministically
// by i so the training set has some spread without randomness in the test.
func normalSample(i int) *TrafficSample {
	jitter := float64(i % 10)
	return &TrafficSample{
		PacketsPerSecond:     100 + jitter,
		BytesPerSecond:       64000 + 100*jitter,
		Packets:              100,
		Bytes:                64000,
		ProtocolDistribution: map[string]int64{"tcp": 80, "udp": 20},
		PortDistribution:     map[string]int64{"443": 60, "80": 40},
		ConnectionRate:       10 + jitter/10,
		SYNCount:             10,
		ACKCount:             90,
		UniqueDstIPs:         3,
		UniqueSrcPorts:       5,
		UniqueDstPorts:       2,
	}
}

func TestScorerColdStart(t *testing.T) {
	scorer := NewAnomalyScorer(NewMemoryLedger(), nil, nil, NewCollector(), zap.NewNop())
	ctx := context.Background()

	for i := 0; i < minTrainingSamples-1; i++ {
		anomalous, score, err := scorer.Score(ctx, normalSample(i))
		if err != nil {
			t.Fatalf("cold score %d: %v", i, err)
		}
		if anomalous || score != 0 {
			t.Fatalf("sample %d scored while cold: (%v, %v)", i, anomalous, score)
		}
	}
	if state := scorer.ModelInfo().State; state != ScorerStateCold {
		t.Fatalf("state after 99 samples = %s, want cold", state)
	}

	// The 100th sample triggers training.
	if _, _, err := scorer.Score(ctx, normalSample(99)); err != nil {
		t.Fatalf("100th sample: %v", err)
	}
	info := scorer.ModelInfo()
	if info.State != ScorerStateReady {
		t.Fatalf("state after 100 samples = %s, want ready", info.State)
	}
	if info.TrainedAt == nil {
		t.Error("trained model should report its training time")
	}

	// The 101st sample always returns a defined pair.
	if _, score, err := scorer.Score(ctx, normalSample(100)); err != nil {
		t.Fatalf("101st sample: %v", err)
	} else if math.IsNaN(score) || math.IsInf(score, 0) {
		t.Errorf("score = %v, want a finite value", score)
	}
}

func TestScorerFlagsOutlier(t *testing.T) {
	ledger := NewMemoryLedger()
	scorer := NewAnomalyScorer(ledger, nil, nil, NewCollector(), zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 200; i++ {
		if _, _, err := scorer.Score(ctx, normalSample(i)); err != nil {
			t.Fatalf("training sample %d: %v", i, err)
		}
	}

	outlier := &TrafficSample{
		SourceIP:             "203.0.113.99",
		PacketsPerSecond:     500000,
		BytesPerSecond:       4e9,
		Packets:              5000000,
		Bytes:                4e10,
		ProtocolDistribution: map[string]int64{"udp": 100},
		PortDistribution:     map[string]int64{"53": 100},
		ConnectionRate:       90000,
		SYNCount:             100000,
		ACKCount:             1,
		UniqueDstIPs:         5000,
		UniqueSrcPorts:       60000,
		UniqueDstPorts:       1,
	}
	anomalous, score, err := scorer.Score(ctx, outlier)
	if err != nil {
		t.Fatalf("outlier score: %v", err)
	}
	if !anomalous {
		t.Fatalf("extreme outlier not flagged, score %v", score)
	}

	// The contamination setting lets some training-like samples score as
	// outliers too, so locate the outlier's threat by its source.
	threats, _ := ledger.ListThreats(ctx, ThreatFilter{Type: ThreatTypeAnomaly})
	var threat *Threat
	for _, candidate := range threats {
		if len(candidate.SourceIPs) == 1 && candidate.SourceIPs[0] == outlier.SourceIP {
			threat = candidate
			break
		}
	}
	if threat == nil {
		t.Fatalf("no anomaly threat recorded for %s among %d threats", outlier.SourceIP, len(threats))
	}
	if threat.Severity != SeverityHigh && threat.Severity != SeverityMedium {
		t.Errorf("severity = %s, want high or medium", threat.Severity)
	}
	if threat.Details["anomaly_score"] == nil {
		t.Error("anomaly threat should record its score")
	}
	attacks, _ := ledger.GetAttacksByThreat(ctx, threat.ID)
	if len(attacks) != 0 {
		t.Errorf("anomaly threats must not create attack records, got %d", len(attacks))
	}
}

func TestScorerRetrain(t *testing.T) {
	scorer := NewAnomalyScorer(NewMemoryLedger(), nil, nil, NewCollector(), zap.NewNop())
	ctx := context.Background()

	if _, err := scorer.Retrain(); err == nil {
		t.Error("retrain with an empty buffer should fail")
	}

	for i := 0; i < 150; i++ {
		scorer.Score(ctx, normalSample(i))
	}
	info, err := scorer.Retrain()
	if err != nil {
		t.Fatalf("retrain: %v", err)
	}
	if info.State != ScorerStateReady || info.FittedSamples != 150 {
		t.Errorf("retrained model = %+v, want ready over 150 samples", info)
	}
}

func TestScorerBufferBounded(t *testing.T) {
	scorer := &AnomalyScorer{
		ledger:  NewMemoryLedger(),
		metrics: NewCollector(),
		logger:  zap.NewNop(),
		seed:    42,
	}
	for i := 0; i < maxTrainingSamples+50; i++ {
		scorer.accept([]float64{float64(i)})
	}
	scorer.mu.Lock()
	defer scorer.mu.Unlock()
	if len(scorer.buffer) != maxTrainingSamples {
		t.Errorf("buffer = %d entries, want cap %d", len(scorer.buffer), maxTrainingSamples)
	}
	if scorer.buffer[0][0] != 50 {
		t.Errorf("oldest retained sample = %v, want 50", scorer.buffer[0][0])
	}
}
