package flowguard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Threat classifications.
const (
	ThreatTypeVolumetric  = "ddos_volumetric"
	ThreatTypeProtocol    = "ddos_protocol"
	ThreatTypeApplication = "ddos_application"
	ThreatTypeAnomaly     = "anomaly"
)

// Severity levels, lowest to highest.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Threat lifecycle states.
const (
	StatusDetected         = "detected"
	StatusMitigated        = "mitigated"
	StatusResolved         = "resolved"
	StatusRolledBack       = "rolled_back"
	StatusMitigationFailed = "mitigation_failed"
)

// MitigationType selects one of the closed set of mitigation strategies.
type MitigationType string

const (
	MitigationBlackhole MitigationType = "blackhole"
	MitigationRateLimit MitigationType = "rate_limit"
	MitigationACL       MitigationType = "acl"
	MitigationWAF       MitigationType = "waf"
)

// Mitigation record states.
const (
	MitigationStatusActive     = "active"
	MitigationStatusRolledBack = "rolled_back"
	MitigationStatusFailed     = "failed"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Threat is the persisted record of a detected malicious or anomalous
// condition. It is never deleted; it moves through lifecycle states.
type Threat struct {
	ID          string         `json:"id"`
	Type        string         `json:"threat_type"`
	Severity    string         `json:"severity"`
	Status      string         `json:"status"`
	SourceIPs   []string       `json:"source_ips"`
	TargetIPs   []string       `json:"target_ips"`
	DetectedAt  time.Time      `json:"detected_at"`
	MitigatedAt *time.Time     `json:"mitigated_at,omitempty"`
	ResolvedAt  *time.Time     `json:"resolved_at,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
}

// Attack is one concrete observed event contributing evidence to a Threat.
// Immutable once created.
type Attack struct {
	ID          int64          `json:"id"`
	ThreatID    string         `json:"threat_id"`
	Type        string         `json:"attack_type"`
	SourceIP    string         `json:"source_ip"`
	TargetIP    string         `json:"target_ip,omitempty"`
	PacketCount int64          `json:"packet_count"`
	ByteCount   int64          `json:"byte_count"`
	DetectedAt  time.Time      `json:"detected_at"`
	Details     map[string]any `json:"details,omitempty"`
}

// Mitigation is a concrete countermeasure applied in response to a Threat.
// Only its status changes after creation.
type Mitigation struct {
	ID            int64          `json:"id"`
	ThreatID      string         `json:"threat_id"`
	Type          MitigationType `json:"mitigation_type"`
	TargetIPs     []string       `json:"target_ips"`
	Configuration string         `json:"configuration"`
	Parameters    map[string]any `json:"parameters,omitempty"`
	AppliedAt     time.Time      `json:"applied_at"`
	Status        string         `json:"status"`
}

// ThreatFilter narrows ListThreats results. Supplied fields combine
// conjunctively; zero values mean "any".
type ThreatFilter struct {
	Status   string
	Severity string
	Type     string
	Limit    int
}

// Statistics aggregates the threat table for the operational surface.
type Statistics struct {
	Total      int64            `json:"total_threats"`
	ByStatus   map[string]int64 `json:"by_status"`
	BySeverity map[string]int64 `json:"by_severity"`
	Last24h    int64            `json:"last_24h"`
}

// AttackTypeStats aggregates attacks of one subtype over a trailing window.
type AttackTypeStats struct {
	AttackType  string `json:"attack_type"`
	Count       int64  `json:"count"`
	PacketCount int64  `json:"total_packets"`
	ByteCount   int64  `json:"total_bytes"`
}

// ThreatLedger is the persistence contract for the threat lifecycle. Writes
// must either succeed or return an error; silent loss is not an option.
type ThreatLedger interface {
	CreateThreat(ctx context.Context, threatType, severity string, sourceIPs, targetIPs []string, details map[string]any) (*Threat, error)
	CreateAttack(ctx context.Context, threatID, attackType, sourceIP, targetIP string, packetCount, byteCount int64, details map[string]any) (*Attack, error)
	CreateMitigation(ctx context.Context, threatID string, mitigationType MitigationType, targetIPs []string, configuration string, parameters map[string]any) (*Mitigation, error)
	UpdateThreatStatus(ctx context.Context, threatID, status string) error
	UpdateMitigationStatus(ctx context.Context, mitigationID int64, status string) error
	GetThreat(ctx context.Context, id string) (*Threat, error)
	ListThreats(ctx context.Context, filter ThreatFilter) ([]*Threat, error)
	GetAttacksByThreat(ctx context.Context, threatID string) ([]*Attack, error)
	GetMitigationsByThreat(ctx context.Context, threatID string) ([]*Mitigation, error)
	GetStatistics(ctx context.Context) (*Statistics, error)
	GetAttackStatistics(ctx context.Context, hours int) ([]AttackTypeStats, error)
	Ping(ctx context.Context) error
	Close() error
}

// threatTransitions is the closed state machine: detected is the only
// initial state, resolved and rolled_back are terminal. mitigation_failed
// keeps successors so a failed mitigation can be retried, rolled back when
// it partially deployed, or closed out.
var threatTransitions = map[string][]string{
	StatusDetected:         {StatusMitigated, StatusMitigationFailed},
	StatusMitigated:        {StatusResolved, StatusRolledBack, StatusMitigationFailed},
	StatusMitigationFailed: {StatusMitigated, StatusMitigationFailed, StatusResolved, StatusRolledBack},
	StatusResolved:         {},
	StatusRolledBack:       {},
}

func validTransition(from, to string) bool {
	for _, next := range threatTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func validStatus(status string) bool {
	_, ok := threatTransitions[status]
	return ok
}

// threatIDGenerator issues time-ordered identifiers of the form
// threat-<microseconds>. Concurrent creations within the same microsecond
// bump forward instead of colliding.
type threatIDGenerator struct {
	mu   sync.Mutex
	last int64
}

func (g *threatIDGenerator) next(now time.Time) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	micros := now.UnixMicro()
	if micros <= g.last {
		micros = g.last + 1
	}
	g.last = micros
	return fmt.Sprintf("threat-%d", micros)
}

// applyStatus validates and applies a transition on an in-memory Threat,
// stamping MitigatedAt/ResolvedAt the first time the matching state is
// entered. Shared by the ledger implementations.
func applyStatus(t *Threat, status string, now time.Time) error {
	if !validStatus(status) {
		return fmt.Errorf("unknown threat status %q", status)
	}
	if !validTransition(t.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, status)
	}
	t.Status = status
	switch status {
	case StatusMitigated:
		if t.MitigatedAt == nil {
			ts := now
			t.MitigatedAt = &ts
		}
	case StatusResolved:
		if t.ResolvedAt == nil {
			ts := now
			t.ResolvedAt = &ts
		}
	}
	return nil
}
