package flowguard

import (
	"sort"
	"sync"
	"time"
)

// Detection is one recent detection as exposed on the operational surface.
// The authoritative record is the Threat in the ledger; this cache exists so
// dashboards can poll cheaply without hitting the database.
type Detection struct {
	ThreatID   string         `json:"threat_id"`
	ThreatType string         `json:"threat_type"`
	AttackType string         `json:"attack_type"`
	Severity   string         `json:"severity"`
	SourceIP   string         `json:"source_ip,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	Recorded   time.Time      `json:"recorded"`
}

// DetectionCache keeps detections for a TTL, newest first.
type DetectionCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]Detection
}

func NewDetectionCache(ttl time.Duration) *DetectionCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &DetectionCache{
		ttl:     ttl,
		entries: make(map[string]Detection),
	}
}

func (c *DetectionCache) Record(detection Detection) {
	if detection.ThreatID == "" {
		return
	}
	detection.Recorded = time.Now()
	c.mu.Lock()
	c.entries[detection.ThreatID] = detection
	c.mu.Unlock()
}

// Snapshot returns the live entries, newest first.
func (c *DetectionCache) Snapshot() []Detection {
	now := time.Now()
	c.mu.RLock()
	detections := make([]Detection, 0, len(c.entries))
	for _, entry := range c.entries {
		if now.Sub(entry.Recorded) > c.ttl {
			continue
		}
		detections = append(detections, entry)
	}
	c.mu.RUnlock()

	sort.Slice(detections, func(i, j int) bool {
		return detections[i].Recorded.After(detections[j].Recorded)
	})
	return detections
}

// Cleanup drops expired entries. The analyzer calls this on its tick.
func (c *DetectionCache) Cleanup() {
	now := time.Now()
	c.mu.Lock()
	for id, entry := range c.entries {
		if now.Sub(entry.Recorded) > c.ttl {
			delete(c.entries, id)
		}
	}
	c.mu.Unlock()
}

// DetectionSummary aggregates the cache for the operational surface.
type DetectionSummary struct {
	ActiveAttacks map[string]int `json:"active_attacks"`
	Total         int            `json:"total"`
	LastUpdated   time.Time      `json:"last_updated"`
}

func (c *DetectionCache) Summary() DetectionSummary {
	summary := DetectionSummary{ActiveAttacks: make(map[string]int)}
	for _, detection := range c.Snapshot() {
		summary.ActiveAttacks[detection.AttackType]++
		summary.Total++
		if detection.Recorded.After(summary.LastUpdated) {
			summary.LastUpdated = detection.Recorded
		}
	}
	return summary
}
