package flowguard

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ThreatEvent is the JSON payload published on the threat event channel.
type ThreatEvent struct {
	Event     string    `json:"event"`
	ThreatID  string    `json:"threat_id"`
	Type      string    `json:"threat_type"`
	Severity  string    `json:"severity"`
	Status    string    `json:"status"`
	SourceIPs []string  `json:"source_ips,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventPublisher publishes threat lifecycle events to a Redis channel so
// dashboards and downstream automations can subscribe without polling the
// ledger. A nil publisher is valid and publishes nothing; publish failures
// log and never surface into the detection pipeline.
type EventPublisher struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger
}

// NewEventPublisher connects to Redis at addr. An empty addr returns nil,
// which every publish method treats as "publishing disabled".
func NewEventPublisher(addr, channel string, logger *zap.Logger) *EventPublisher {
	if addr == "" {
		return nil
	}
	return &EventPublisher{
		client:  redis.NewClient(&redis.Options{Addr: addr}),
		channel: channel,
		logger:  logger,
	}
}

// ThreatCreated publishes a created event for the threat.
func (p *EventPublisher) ThreatCreated(ctx context.Context, threat *Threat) {
	if p == nil {
		return
	}
	p.publish(ctx, ThreatEvent{
		Event:     "threat.created",
		ThreatID:  threat.ID,
		Type:      threat.Type,
		Severity:  threat.Severity,
		Status:    threat.Status,
		SourceIPs: threat.SourceIPs,
		Timestamp: time.Now().UTC(),
	})
}

// ThreatStatusChanged publishes a status-change event.
func (p *EventPublisher) ThreatStatusChanged(ctx context.Context, threatID, status string) {
	if p == nil {
		return
	}
	p.publish(ctx, ThreatEvent{
		Event:     "threat.status_changed",
		ThreatID:  threatID,
		Status:    status,
		Timestamp: time.Now().UTC(),
	})
}

func (p *EventPublisher) publish(ctx context.Context, event ThreatEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.Warn("could not encode threat event", zap.Error(err))
		return
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		p.logger.Warn("could not publish threat event",
			zap.String("channel", p.channel), zap.Error(err))
	}
}

// Close releases the Redis connection.
func (p *EventPublisher) Close() error {
	if p == nil {
		return nil
	}
	return p.client.Close()
}
