package flowguard

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryLedger implements ThreatLedger with in-memory storage. It backs
// tests and database-less development runs with the same filter, ordering
// and state-machine semantics as the PostgreSQL ledger.
type MemoryLedger struct {
	mu           sync.RWMutex
	threats      map[string]*Threat
	attacks      map[string][]*Attack
	mitigations  map[string][]*Mitigation
	nextAttackID int64
	nextMitID    int64
	ids          threatIDGenerator
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		threats:     make(map[string]*Threat),
		attacks:     make(map[string][]*Attack),
		mitigations: make(map[string][]*Mitigation),
	}
}

func (l *MemoryLedger) CreateThreat(ctx context.Context, threatType, severity string, sourceIPs, targetIPs []string, details map[string]any) (*Threat, error) {
	now := time.Now().UTC()
	threat := &Threat{
		ID:         l.ids.next(now),
		Type:       threatType,
		Severity:   severity,
		Status:     StatusDetected,
		SourceIPs:  append([]string(nil), sourceIPs...),
		TargetIPs:  append([]string(nil), targetIPs...),
		DetectedAt: now,
		Details:    details,
	}

	l.mu.Lock()
	l.threats[threat.ID] = threat
	l.mu.Unlock()
	return copyThreat(threat), nil
}

func (l *MemoryLedger) CreateAttack(ctx context.Context, threatID, attackType, sourceIP, targetIP string, packetCount, byteCount int64, details map[string]any) (*Attack, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.threats[threatID]; !ok {
		return nil, fmt.Errorf("create attack: threat %s: %w", threatID, ErrNotFound)
	}
	l.nextAttackID++
	attack := &Attack{
		ID:          l.nextAttackID,
		ThreatID:    threatID,
		Type:        attackType,
		SourceIP:    sourceIP,
		TargetIP:    targetIP,
		PacketCount: packetCount,
		ByteCount:   byteCount,
		DetectedAt:  time.Now().UTC(),
		Details:     details,
	}
	l.attacks[threatID] = append(l.attacks[threatID], attack)
	out := *attack
	return &out, nil
}

func (l *MemoryLedger) CreateMitigation(ctx context.Context, threatID string, mitigationType MitigationType, targetIPs []string, configuration string, parameters map[string]any) (*Mitigation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.threats[threatID]; !ok {
		return nil, fmt.Errorf("create mitigation: threat %s: %w", threatID, ErrNotFound)
	}
	l.nextMitID++
	mitigation := &Mitigation{
		ID:            l.nextMitID,
		ThreatID:      threatID,
		Type:          mitigationType,
		TargetIPs:     append([]string(nil), targetIPs...),
		Configuration: configuration,
		Parameters:    parameters,
		AppliedAt:     time.Now().UTC(),
		Status:        MitigationStatusActive,
	}
	l.mitigations[threatID] = append(l.mitigations[threatID], mitigation)
	out := *mitigation
	out.TargetIPs = append([]string(nil), mitigation.TargetIPs...)
	return &out, nil
}

func (l *MemoryLedger) UpdateThreatStatus(ctx context.Context, threatID, status string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	threat, ok := l.threats[threatID]
	if !ok {
		return fmt.Errorf("update threat %s: %w", threatID, ErrNotFound)
	}
	return applyStatus(threat, status, time.Now().UTC())
}

func (l *MemoryLedger) UpdateMitigationStatus(ctx context.Context, mitigationID int64, status string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, list := range l.mitigations {
		for _, m := range list {
			if m.ID == mitigationID {
				m.Status = status
				return nil
			}
		}
	}
	return fmt.Errorf("update mitigation %d: %w", mitigationID, ErrNotFound)
}

func (l *MemoryLedger) GetThreat(ctx context.Context, id string) (*Threat, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	threat, ok := l.threats[id]
	if !ok {
		return nil, fmt.Errorf("threat %s: %w", id, ErrNotFound)
	}
	return copyThreat(threat), nil
}

func (l *MemoryLedger) ListThreats(ctx context.Context, filter ThreatFilter) ([]*Threat, error) {
	l.mu.RLock()
	matched := make([]*Threat, 0, len(l.threats))
	for _, threat := range l.threats {
		if filter.Status != "" && threat.Status != filter.Status {
			continue
		}
		if filter.Severity != "" && threat.Severity != filter.Severity {
			continue
		}
		if filter.Type != "" && threat.Type != filter.Type {
			continue
		}
		matched = append(matched, copyThreat(threat))
	}
	l.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].DetectedAt.After(matched[j].DetectedAt)
	})
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

func (l *MemoryLedger) GetAttacksByThreat(ctx context.Context, threatID string) ([]*Attack, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	attacks := make([]*Attack, 0, len(l.attacks[threatID]))
	for _, a := range l.attacks[threatID] {
		out := *a
		attacks = append(attacks, &out)
	}
	return attacks, nil
}

func (l *MemoryLedger) GetMitigationsByThreat(ctx context.Context, threatID string) ([]*Mitigation, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	mitigations := make([]*Mitigation, 0, len(l.mitigations[threatID]))
	for _, m := range l.mitigations[threatID] {
		out := *m
		out.TargetIPs = append([]string(nil), m.TargetIPs...)
		mitigations = append(mitigations, &out)
	}
	return mitigations, nil
}

func (l *MemoryLedger) GetStatistics(ctx context.Context) (*Statistics, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := &Statistics{
		ByStatus:   make(map[string]int64),
		BySeverity: make(map[string]int64),
	}
	cutoff := time.Now().UTC().Add(-24 * time.Hour)
	for _, threat := range l.threats {
		stats.Total++
		stats.ByStatus[threat.Status]++
		stats.BySeverity[threat.Severity]++
		if threat.DetectedAt.After(cutoff) {
			stats.Last24h++
		}
	}
	return stats, nil
}

func (l *MemoryLedger) GetAttackStatistics(ctx context.Context, hours int) ([]AttackTypeStats, error) {
	if hours <= 0 {
		hours = 24
	}
	cutoff := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)

	l.mu.RLock()
	byType := make(map[string]*AttackTypeStats)
	for _, list := range l.attacks {
		for _, a := range list {
			if a.DetectedAt.Before(cutoff) {
				continue
			}
			entry, ok := byType[a.Type]
			if !ok {
				entry = &AttackTypeStats{AttackType: a.Type}
				byType[a.Type] = entry
			}
			entry.Count++
			entry.PacketCount += a.PacketCount
			entry.ByteCount += a.ByteCount
		}
	}
	l.mu.RUnlock()

	stats := make([]AttackTypeStats, 0, len(byType))
	for _, entry := range byType {
		stats = append(stats, *entry)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Count > stats[j].Count })
	return stats, nil
}

func (l *MemoryLedger) Ping(ctx context.Context) error { return nil }

func (l *MemoryLedger) Close() error { return nil }

func copyThreat(t *Threat) *Threat {
	out := *t
	out.SourceIPs = append([]string(nil), t.SourceIPs...)
	out.TargetIPs = append([]string(nil), t.TargetIPs...)
	if t.MitigatedAt != nil {
		ts := *t.MitigatedAt
		out.MitigatedAt = &ts
	}
	if t.ResolvedAt != nil {
		ts := *t.ResolvedAt
		out.ResolvedAt = &ts
	}
	return &out
}
