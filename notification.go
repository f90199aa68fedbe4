package flowguard

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// WebhookConfig configures one alert webhook. Message supports the
// placeholders {{threat_id}}, {{threat_type}}, {{attack_type}},
// {{severity}}, {{source_ips}} and {{timestamp}}.
type WebhookConfig struct {
	Name    string            `yaml:"name"`
	URL     string            `yaml:"url"`
	Message string            `yaml:"message"`
	Headers map[string]string `yaml:"headers"`
}

// Notifier posts threat alerts to configured webhooks when a threat reaches
// the severity floor. Delivery is asynchronous and best-effort; a dead
// webhook never slows the detection pipeline.
type Notifier struct {
	webhooks    []WebhookConfig
	minSeverity string
	client      *http.Client
	logger      *zap.Logger
}

// severityRank orders severities for floor comparisons.
var severityRank = map[string]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// NewNotifier returns nil when no webhooks are configured; a nil notifier
// notifies nothing.
func NewNotifier(webhooks []WebhookConfig, minSeverity string, logger *zap.Logger) *Notifier {
	if len(webhooks) == 0 {
		return nil
	}
	if _, ok := severityRank[minSeverity]; !ok {
		minSeverity = SeverityHigh
	}
	return &Notifier{
		webhooks:    webhooks,
		minSeverity: minSeverity,
		client:      &http.Client{Timeout: 10 * time.Second},
		logger:      logger,
	}
}

// NotifyThreat fans the threat out to every configured webhook if it meets
// the severity floor.
func (n *Notifier) NotifyThreat(threat *Threat, attackType string) {
	if n == nil {
		return
	}
	if severityRank[threat.Severity] < severityRank[n.minSeverity] {
		return
	}
	for _, webhook := range n.webhooks {
		go n.send(webhook, threat, attackType)
	}
}

func (n *Notifier) send(webhook WebhookConfig, threat *Threat, attackType string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	message := webhook.Message
	if message == "" {
		message = "{{severity}} threat {{threat_id}}: {{attack_type}} from {{source_ips}}"
	}
	message = replacePlaceholders(message, threat, attackType)

	payload, err := json.Marshal(map[string]any{
		"message":     message,
		"threat_id":   threat.ID,
		"threat_type": threat.Type,
		"attack_type": attackType,
		"severity":    threat.Severity,
		"source_ips":  threat.SourceIPs,
		"detected_at": threat.DetectedAt.Format(time.RFC3339),
	})
	if err != nil {
		n.logger.Warn("could not encode alert payload", zap.Error(err))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhook.URL, bytes.NewReader(payload))
	if err != nil {
		n.logger.Warn("could not build alert request",
			zap.String("webhook", webhook.Name), zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range webhook.Headers {
		req.Header.Set(key, value)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Warn("alert delivery failed",
			zap.String("webhook", webhook.Name), zap.Error(err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		n.logger.Warn("alert webhook rejected payload",
			zap.String("webhook", webhook.Name),
			zap.Int("status", resp.StatusCode))
	}
}

func replacePlaceholders(template string, threat *Threat, attackType string) string {
	replacer := strings.NewReplacer(
		"{{threat_id}}", threat.ID,
		"{{threat_type}}", threat.Type,
		"{{attack_type}}", attackType,
		"{{severity}}", threat.Severity,
		"{{source_ips}}", strings.Join(threat.SourceIPs, ", "),
		"{{timestamp}}", threat.DetectedAt.Format(time.RFC3339),
	)
	return replacer.Replace(template)
}

// severityAtLeast reports whether severity meets the floor. Unknown
// severities never qualify.
func severityAtLeast(severity, floor string) bool {
	rank, ok := severityRank[severity]
	if !ok {
		return false
	}
	return rank >= severityRank[floor]
}
