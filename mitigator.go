package flowguard

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrNotRollbackable marks mitigation types with no inverse configuration.
// WAF rules are rollback-ineligible by design; operators retire them through
// the firewall's own policy workflow.
var ErrNotRollbackable = errors.New("mitigation type is not rollbackable")

// wafRules is the fixed pattern library for WAF mitigations, keyed by the
// rule_type parameter.
var wafRules = map[string]string{
	"sql_injection": `!
! WAF Rule: Block SQL Injection
inspect http request pattern "(?i)(union.*select|select.*from|insert.*into|delete.*from|drop.*table)"
action block
log enabled
`,
	"xss": `!
! WAF Rule: Block Cross-Site Scripting
inspect http request pattern "(?i)(<script|javascript:|onerror=|onload=)"
action block
log enabled
`,
	"command_injection": `!
! WAF Rule: Block Command Injection
inspect http request pattern "(?i)(;.*whoami|&&.*ls|\|.*cat|` + "`.*id`" + `)"
action block
log enabled
`,
}

const defaultWAFRule = "sql_injection"

// WAFRuleTypes lists the available WAF pattern rules.
func WAFRuleTypes() []string {
	return []string{"sql_injection", "xss", "command_injection"}
}

// mitigationStrategy is one closed variant of the mitigation engine: its
// device class, whether it expands per target address, and its forward and
// inverse template generators.
type mitigationStrategy struct {
	devices   DeviceFilter
	perTarget bool
	render    func(target string, params map[string]any) string
	inverse   func(m *Mitigation) (string, error)
}

// strategies is the dispatch table over the closed MitigationType set.
var strategies = map[MitigationType]mitigationStrategy{
	MitigationBlackhole: {
		devices:   DeviceFilter{Role: "edge_router"},
		perTarget: true,
		render:    renderBlackhole,
		inverse:   inverseBlackhole,
	},
	MitigationRateLimit: {
		devices:   DeviceFilter{Role: "edge_router"},
		perTarget: true,
		render:    renderRateLimit,
		inverse:   inverseRateLimit,
	},
	MitigationACL: {
		devices:   DeviceFilter{Role: "edge_router"},
		perTarget: true,
		render:    renderACL,
		inverse:   inverseACL,
	},
	MitigationWAF: {
		devices:   DeviceFilter{Type: "firewall"},
		perTarget: false,
		render:    renderWAF,
		inverse: func(*Mitigation) (string, error) {
			return "", ErrNotRollbackable
		},
	},
}

func ipName(ip string) string {
	return strings.ReplaceAll(ip, ".", "_")
}

func renderBlackhole(target string, _ map[string]any) string {
	return fmt.Sprintf(`!
! Blackhole route for %s
ip route %s 255.255.255.255 Null0
!
! Log dropped packets
access-list 199 deny ip host %s any log
!
`, target, target, target)
}

func inverseBlackhole(m *Mitigation) (string, error) {
	if len(m.TargetIPs) == 0 {
		return "", fmt.Errorf("blackhole mitigation %d has no target", m.ID)
	}
	target := m.TargetIPs[0]
	return fmt.Sprintf("no ip route %s 255.255.255.255 Null0\nno access-list 199 deny ip host %s any log\n", target, target), nil
}

func renderRateLimit(target string, params map[string]any) string {
	pps := paramInt(params, "rate_pps", 1000)
	name := ipName(target)
	return fmt.Sprintf(`!
! Rate limit traffic from %s to %d pps
ip access-list extended RATE_LIMIT_%s
 permit ip host %s any
!
class-map match-all RATELIMIT-%s
 match access-group name RATE_LIMIT_%s
!
policy-map DDOS-RATELIMIT
 class RATELIMIT-%s
  police %d pps conform-action transmit exceed-action drop
!
interface GigabitEthernet0/0/0
 service-policy input DDOS-RATELIMIT
!
`, target, pps, name, target, name, name, name, pps)
}

func inverseRateLimit(m *Mitigation) (string, error) {
	if len(m.TargetIPs) == 0 {
		return "", fmt.Errorf("rate_limit mitigation %d has no target", m.ID)
	}
	name := ipName(m.TargetIPs[0])
	return fmt.Sprintf("no policy-map DDOS-RATELIMIT\nno class-map RATELIMIT-%s\nno ip access-list extended RATE_LIMIT_%s\n", name, name), nil
}

func renderACL(target string, params map[string]any) string {
	protocol := paramString(params, "protocol", "ip")
	port := paramInt(params, "port", 0)
	aclName := "BLOCK_" + ipName(target)

	denyLine := fmt.Sprintf("deny %s host %s any", protocol, target)
	if port > 0 && (protocol == "tcp" || protocol == "udp") {
		denyLine = fmt.Sprintf("deny %s host %s any eq %d", protocol, target, port)
	}
	return fmt.Sprintf(`!
! Block traffic from %s
ip access-list extended %s
 %s
 permit ip any any
!
interface GigabitEthernet0/0/0
 ip access-group %s in
!
`, target, aclName, denyLine, aclName)
}

func inverseACL(m *Mitigation) (string, error) {
	if len(m.TargetIPs) == 0 {
		return "", fmt.Errorf("acl mitigation %d has no target", m.ID)
	}
	return fmt.Sprintf("no ip access-list extended BLOCK_%s\n", ipName(m.TargetIPs[0])), nil
}

func renderWAF(_ string, params map[string]any) string {
	ruleType := paramString(params, "rule_type", defaultWAFRule)
	rule, ok := wafRules[ruleType]
	if !ok {
		rule = wafRules[defaultWAFRule]
	}
	return rule
}

func paramString(params map[string]any, key, fallback string) string {
	if params == nil {
		return fallback
	}
	if value, ok := params[key].(string); ok && value != "" {
		return value
	}
	return fallback
}

func paramInt(params map[string]any, key string, fallback int) int {
	if params == nil {
		return fallback
	}
	switch value := params[key].(type) {
	case int:
		return value
	case int64:
		return int(value)
	case float64:
		// JSON numbers decode as float64.
		return int(value)
	}
	return fallback
}

// RollbackOutcome reports one per-step rollback result. Skipped marks steps
// with no inverse configuration; Err carries the failure for steps that had
// one and could not be undone.
type RollbackOutcome struct {
	MitigationID int64          `json:"mitigation_id"`
	Type         MitigationType `json:"mitigation_type"`
	RolledBack   bool           `json:"rolled_back"`
	Skipped      bool           `json:"skipped,omitempty"`
	Error        string         `json:"error,omitempty"`
}

// Mitigator generates countermeasure configuration, deploys it through the
// device manager and records mitigation entities against the threat.
type Mitigator struct {
	ledger        ThreatLedger
	devices       DeviceManager
	metrics       *Collector
	logger        *zap.Logger
	deployTimeout time.Duration
}

func NewMitigator(ledger ThreatLedger, devices DeviceManager, metrics *Collector, logger *zap.Logger) *Mitigator {
	return &Mitigator{
		ledger:        ledger,
		devices:       devices,
		metrics:       metrics,
		logger:        logger,
		deployTimeout: 30 * time.Second,
	}
}

// Mitigate applies one mitigation strategy for the threat. Targets default
// to the threat's recorded sources. The threat must be in a state that can
// transition to mitigated; nothing is rendered or deployed otherwise. Any
// deployment or persistence failure marks the threat mitigation_failed and
// propagates; full success marks it mitigated.
func (m *Mitigator) Mitigate(ctx context.Context, threat *Threat, mitigationType MitigationType, targetIPs []string, params map[string]any) ([]*Mitigation, error) {
	strategy, ok := strategies[mitigationType]
	if !ok {
		return nil, fmt.Errorf("unknown mitigation type %q", mitigationType)
	}
	if !validTransition(threat.Status, StatusMitigated) {
		return nil, fmt.Errorf("threat %s cannot be mitigated: %w: %s -> %s",
			threat.ID, ErrInvalidTransition, threat.Status, StatusMitigated)
	}

	targets := targetIPs
	if len(targets) == 0 {
		targets = threat.SourceIPs
	}
	if strategy.perTarget {
		if len(targets) == 0 {
			return nil, fmt.Errorf("mitigation %s: no target addresses", mitigationType)
		}
		// Target addresses are spliced into device configuration; reject
		// anything that does not parse before touching a device.
		for _, target := range targets {
			if net.ParseIP(target) == nil {
				return nil, fmt.Errorf("mitigation %s: invalid target address %q", mitigationType, target)
			}
		}
	}

	m.logger.Info("applying mitigation",
		zap.String("threat_id", threat.ID),
		zap.String("mitigation_type", string(mitigationType)),
		zap.Strings("targets", targets))

	mitigations, err := m.apply(ctx, threat, mitigationType, strategy, targets, params)
	if err != nil {
		if statusErr := m.ledger.UpdateThreatStatus(ctx, threat.ID, StatusMitigationFailed); statusErr != nil {
			m.logger.Error("could not mark threat mitigation_failed",
				zap.String("threat_id", threat.ID), zap.Error(statusErr))
		}
		m.metrics.IncrementCounter("flowguard_mitigations_total",
			map[string]string{"type": string(mitigationType), "result": "failed"})
		return nil, err
	}

	if err := m.ledger.UpdateThreatStatus(ctx, threat.ID, StatusMitigated); err != nil {
		return mitigations, fmt.Errorf("mitigation deployed but status update failed: %w", err)
	}
	m.metrics.IncrementCounter("flowguard_mitigations_total",
		map[string]string{"type": string(mitigationType), "result": "applied"})
	m.logger.Info("mitigation applied",
		zap.String("threat_id", threat.ID),
		zap.String("mitigation_type", string(mitigationType)),
		zap.Int("records", len(mitigations)))
	return mitigations, nil
}

func (m *Mitigator) apply(ctx context.Context, threat *Threat, mitigationType MitigationType, strategy mitigationStrategy, targets []string, params map[string]any) ([]*Mitigation, error) {
	devices, err := m.devices.ListDevices(ctx, strategy.devices)
	if err != nil {
		return nil, fmt.Errorf("resolve devices for %s: %w", mitigationType, err)
	}
	if len(devices) == 0 {
		return nil, fmt.Errorf("no devices matched %+v for %s", strategy.devices, mitigationType)
	}

	recordParams := normalizeParams(mitigationType, params)
	var mitigations []*Mitigation

	if !strategy.perTarget {
		config := strategy.render("", params)
		if err := m.deployAll(ctx, devices, config); err != nil {
			return nil, err
		}
		mitigation, err := m.ledger.CreateMitigation(ctx, threat.ID, mitigationType, nil, config, recordParams)
		if err != nil {
			return nil, fmt.Errorf("record %s mitigation: %w", mitigationType, err)
		}
		return []*Mitigation{mitigation}, nil
	}

	for _, target := range targets {
		config := strategy.render(target, params)
		if err := m.deployAll(ctx, devices, config); err != nil {
			return nil, err
		}
		mitigation, err := m.ledger.CreateMitigation(ctx, threat.ID, mitigationType, []string{target}, config, recordParams)
		if err != nil {
			return nil, fmt.Errorf("record %s mitigation for %s: %w", mitigationType, target, err)
		}
		mitigations = append(mitigations, mitigation)
	}
	return mitigations, nil
}

// normalizeParams pins down the parameters a mitigation record carries so
// reads show the values actually used, defaults included.
func normalizeParams(mitigationType MitigationType, params map[string]any) map[string]any {
	switch mitigationType {
	case MitigationRateLimit:
		return map[string]any{"rate_pps": paramInt(params, "rate_pps", 1000)}
	case MitigationACL:
		out := map[string]any{"protocol": paramString(params, "protocol", "ip")}
		if port := paramInt(params, "port", 0); port > 0 {
			out["port"] = port
		}
		return out
	case MitigationWAF:
		return map[string]any{"rule_type": paramString(params, "rule_type", defaultWAFRule)}
	default:
		return nil
	}
}

func (m *Mitigator) deployAll(ctx context.Context, devices []Device, config string) error {
	for _, device := range devices {
		deployCtx, cancel := context.WithTimeout(ctx, m.deployTimeout)
		err := m.devices.DeployConfiguration(deployCtx, device.ID, config)
		cancel()
		if err != nil {
			m.logger.Error("deployment failed", zap.String("device_id", device.ID), zap.Error(err))
			return err
		}
	}
	return nil
}

// Rollback undoes the given mitigations in reverse application order. It is
// best-effort: a failed step is reported in its outcome and the loop
// continues. The caller transitions the threat to rolled_back afterwards.
func (m *Mitigator) Rollback(ctx context.Context, threatID string, mitigations []*Mitigation) []RollbackOutcome {
	m.logger.Info("rolling back mitigations",
		zap.String("threat_id", threatID), zap.Int("count", len(mitigations)))

	outcomes := make([]RollbackOutcome, 0, len(mitigations))
	for i := len(mitigations) - 1; i >= 0; i-- {
		mit := mitigations[i]
		outcome := RollbackOutcome{MitigationID: mit.ID, Type: mit.Type}

		strategy, ok := strategies[mit.Type]
		if !ok {
			outcome.Error = fmt.Sprintf("unknown mitigation type %q", mit.Type)
			outcomes = append(outcomes, outcome)
			continue
		}
		config, err := strategy.inverse(mit)
		if errors.Is(err, ErrNotRollbackable) {
			outcome.Skipped = true
			m.logger.Info("skipping non-rollbackable mitigation",
				zap.Int64("mitigation_id", mit.ID),
				zap.String("mitigation_type", string(mit.Type)))
			outcomes = append(outcomes, outcome)
			continue
		}
		if err != nil {
			outcome.Error = err.Error()
			m.logger.Error("could not generate inverse configuration",
				zap.Int64("mitigation_id", mit.ID), zap.Error(err))
			outcomes = append(outcomes, outcome)
			continue
		}

		devices, err := m.devices.ListDevices(ctx, strategy.devices)
		if err == nil {
			err = m.deployAll(ctx, devices, config)
		}
		if err != nil {
			outcome.Error = err.Error()
			m.logger.Error("rollback step failed",
				zap.Int64("mitigation_id", mit.ID), zap.Error(err))
			outcomes = append(outcomes, outcome)
			continue
		}

		if err := m.ledger.UpdateMitigationStatus(ctx, mit.ID, MitigationStatusRolledBack); err != nil {
			outcome.Error = err.Error()
			outcomes = append(outcomes, outcome)
			continue
		}
		outcome.RolledBack = true
		m.metrics.IncrementCounter("flowguard_mitigations_total",
			map[string]string{"type": string(mit.Type), "result": "rolled_back"})
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}
