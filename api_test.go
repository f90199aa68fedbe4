package flowguard

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"
)

type apiFixture struct {
	api     *API
	ledger  *MemoryLedger
	devices *fakeDeviceManager
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	ledger := NewMemoryLedger()
	devices := newFakeDeviceManager()
	metrics := NewCollector()
	thresholds, err := NewThresholdStore("", zap.NewNop())
	if err != nil {
		t.Fatalf("threshold store: %v", err)
	}
	api := NewAPI(APIOptions{
		Ledger:     ledger,
		Mitigator:  NewMitigator(ledger, devices, metrics, zap.NewNop()),
		Scorer:     NewAnomalyScorer(ledger, nil, nil, metrics, zap.NewNop()),
		Store:      NewMetricsStore(0),
		Thresholds: thresholds,
		Detections: NewDetectionCache(0),
		Metrics:    metrics,
		Logger:     zap.NewNop(),
	})
	return &apiFixture{api: api, ledger: ledger, devices: devices}
}

func (f *apiFixture) request(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := f.api.App().Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	resp := f.request(t, http.MethodGet, "/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body map[string]any
	decodeBody(t, resp, &body)
	if body["status"] != "healthy" || body["anomaly_scorer"] != ScorerStateCold {
		t.Errorf("health body = %v", body)
	}
}

func TestThreatEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	threat, _ := f.ledger.CreateThreat(ctx, ThreatTypeProtocol, SeverityHigh,
		[]string{"192.0.2.1"}, nil, map[string]any{"attack_type": "syn_flood"})
	f.ledger.CreateThreat(ctx, ThreatTypeVolumetric, SeverityCritical, nil, nil, nil)
	f.ledger.CreateAttack(ctx, threat.ID, AttackSYNFlood, "192.0.2.1", "", 150, 9600, nil)

	resp := f.request(t, http.MethodGet, "/api/v1/threats?severity=high", nil)
	var list struct {
		Threats []Threat `json:"threats"`
		Count   int      `json:"count"`
	}
	decodeBody(t, resp, &list)
	if list.Count != 1 || list.Threats[0].ID != threat.ID {
		t.Fatalf("filtered list = %+v", list)
	}

	resp = f.request(t, http.MethodGet, "/api/v1/threats/"+threat.ID, nil)
	var detail struct {
		Threat  Threat   `json:"threat"`
		Attacks []Attack `json:"attacks"`
	}
	decodeBody(t, resp, &detail)
	if detail.Threat.ID != threat.ID || len(detail.Attacks) != 1 {
		t.Fatalf("detail = %+v", detail)
	}

	resp = f.request(t, http.MethodGet, "/api/v1/threats/threat-0", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing threat status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestResolveEndpointRejectsInvalidTransition(t *testing.T) {
	f := newAPIFixture(t)
	threat, _ := f.ledger.CreateThreat(context.Background(), ThreatTypeProtocol, SeverityHigh, nil, nil, nil)

	// detected -> resolved is not a legal transition.
	resp := f.request(t, http.MethodPost, "/api/v1/threats/"+threat.ID+"/resolve", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("resolve from detected = %d, want 409", resp.StatusCode)
	}
	resp.Body.Close()

	f.ledger.UpdateThreatStatus(context.Background(), threat.ID, StatusMitigated)
	resp = f.request(t, http.MethodPost, "/api/v1/threats/"+threat.ID+"/resolve", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("resolve from mitigated = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestMitigateAndRollbackEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	threat, _ := f.ledger.CreateThreat(context.Background(), ThreatTypeProtocol, SeverityHigh,
		[]string{"192.0.2.1"}, nil, nil)

	resp := f.request(t, http.MethodPost, "/api/v1/mitigate", map[string]any{
		"threat_id":       threat.ID,
		"mitigation_type": "blackhole",
	})
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("mitigate = %d: %s", resp.StatusCode, body)
	}
	var mitigated struct {
		Status      string        `json:"status"`
		Mitigations []*Mitigation `json:"mitigations"`
	}
	decodeBody(t, resp, &mitigated)
	if mitigated.Status != StatusMitigated || len(mitigated.Mitigations) != 1 {
		t.Fatalf("mitigate response = %+v", mitigated)
	}

	resp = f.request(t, http.MethodPost, "/api/v1/rollback/"+threat.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("rollback = %d", resp.StatusCode)
	}
	var rolled struct {
		Status   string            `json:"status"`
		Outcomes []RollbackOutcome `json:"outcomes"`
	}
	decodeBody(t, resp, &rolled)
	if rolled.Status != StatusRolledBack || len(rolled.Outcomes) != 1 || !rolled.Outcomes[0].RolledBack {
		t.Fatalf("rollback response = %+v", rolled)
	}

	// Everything is rolled back; a second rollback has nothing to undo.
	resp = f.request(t, http.MethodPost, "/api/v1/rollback/"+threat.ID, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second rollback = %d, want 409", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestMitigateEndpointValidation(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.request(t, http.MethodPost, "/api/v1/mitigate", map[string]any{
		"mitigation_type": "blackhole",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing threat_id = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()

	resp = f.request(t, http.MethodPost, "/api/v1/mitigate", map[string]any{
		"threat_id":       "threat-1",
		"mitigation_type": "tarpit",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown type = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestThresholdEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	// Partial update: unlisted keys keep their live values.
	resp := f.request(t, http.MethodPut, "/api/v1/config/thresholds", map[string]any{
		"pps_threshold": 25000,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = f.request(t, http.MethodGet, "/api/v1/config/thresholds", nil)
	var set Thresholds
	decodeBody(t, resp, &set)
	if set.PPSThreshold != 25000 {
		t.Errorf("pps_threshold = %v, want 25000", set.PPSThreshold)
	}
	if set.SYNRatioThreshold != DefaultThresholds().SYNRatioThreshold {
		t.Errorf("partial update clobbered syn_ratio_threshold: %v", set.SYNRatioThreshold)
	}

	resp = f.request(t, http.MethodPut, "/api/v1/config/thresholds", map[string]any{
		"syn_ratio_threshold": 3.0,
	})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("invalid set = %d, want 422", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestAnomalyEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.request(t, http.MethodGet, "/api/v1/anomaly/model", nil)
	var info ModelInfo
	decodeBody(t, resp, &info)
	if info.State != ScorerStateCold || info.ModelType != "isolation_forest" {
		t.Errorf("model info = %+v", info)
	}

	resp = f.request(t, http.MethodPost, "/api/v1/anomaly/analyze", map[string]any{
		"packets_per_second": 100,
		"bytes_per_second":   6400,
	})
	var analysis map[string]any
	decodeBody(t, resp, &analysis)
	if analysis["is_anomaly"] != false {
		t.Errorf("cold analysis = %v, want is_anomaly false", analysis)
	}

	// Retraining needs a full training buffer.
	resp = f.request(t, http.MethodPost, "/api/v1/anomaly/retrain", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("cold retrain = %d, want 409", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestMetricsEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	f.api.metrics.IncrementCounter("flowguard_detections_total", map[string]string{"attack_type": "syn_flood"})

	resp := f.request(t, http.MethodGet, "/metrics", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `flowguard_detections_total{attack_type="syn_flood"} 1`) {
		t.Errorf("exported metrics missing counter:\n%s", body)
	}
}

func TestPatternsEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	resp := f.request(t, http.MethodGet, "/api/v1/patterns", nil)
	var body struct {
		Patterns []map[string]string `json:"patterns"`
	}
	decodeBody(t, resp, &body)
	if len(body.Patterns) != len(WAFRuleTypes()) {
		t.Fatalf("got %d patterns, want %d", len(body.Patterns), len(WAFRuleTypes()))
	}
}
