package flowguard

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
)

// Attack subtypes emitted by the window analyzer.
const (
	AttackSYNFlood             = "syn_flood"
	AttackUDPFlood             = "udp_flood"
	AttackICMPFlood            = "icmp_flood"
	AttackConnectionExhaustion = "connection_exhaustion"
	AttackPortScan             = "port_scan"
	AttackVolumetric           = "volumetric_flood"
)

// Floors under which a rule never fires regardless of ratio, keeping quiet
// sources from tripping ratio thresholds on a handful of packets.
const (
	synFloodFloor     = 100
	udpFloodFloor     = 1000
	icmpFloodFloor    = 500
	portScanPortFloor = 100
)

type ruleOutcome struct {
	triggered bool
	reason    string
	details   map[string]any
}

// sourceRule is one per-source detection rule. The rule set is closed:
// detection behavior changes by editing this table, not by registering
// handlers at runtime.
type sourceRule struct {
	threatType string
	severity   string
	detector   func(SourceSnapshot, Thresholds) ruleOutcome
}

var sourceRules = map[string]sourceRule{
	AttackSYNFlood: {
		threatType: ThreatTypeProtocol,
		severity:   SeverityHigh,
		detector:   detectSYNFlood,
	},
	AttackUDPFlood: {
		threatType: ThreatTypeProtocol,
		severity:   SeverityHigh,
		detector:   detectUDPFlood,
	},
	AttackICMPFlood: {
		threatType: ThreatTypeProtocol,
		severity:   SeverityMedium,
		detector:   detectICMPFlood,
	},
	AttackConnectionExhaustion: {
		threatType: ThreatTypeProtocol,
		severity:   SeverityHigh,
		detector:   detectConnectionExhaustion,
	},
	AttackPortScan: {
		threatType: ThreatTypeApplication,
		severity:   SeverityMedium,
		detector:   detectPortScan,
	},
}

// ruleNames is the stable evaluation order for the rule table.
var ruleNames = func() []string {
	names := make([]string, 0, len(sourceRules))
	for name := range sourceRules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}()

func detectSYNFlood(s SourceSnapshot, t Thresholds) ruleOutcome {
	if s.SYNCount == 0 {
		return ruleOutcome{}
	}
	synRatio := float64(s.SYNCount) / float64(s.SYNCount+s.ACKCount+1)
	if synRatio > t.SYNRatioThreshold && s.SYNCount > synFloodFloor {
		return ruleOutcome{
			triggered: true,
			reason:    fmt.Sprintf("syn ratio %.3f over %d SYNs", synRatio, s.SYNCount),
			details: map[string]any{
				"syn_count": s.SYNCount,
				"ack_count": s.ACKCount,
				"syn_ratio": synRatio,
			},
		}
	}
	return ruleOutcome{}
}

func detectUDPFlood(s SourceSnapshot, t Thresholds) ruleOutcome {
	if s.Packets == 0 {
		return ruleOutcome{}
	}
	udpRatio := float64(s.UDPCount) / float64(s.Packets)
	if udpRatio > t.UDPRatioThreshold && s.UDPCount > udpFloodFloor {
		return ruleOutcome{
			triggered: true,
			reason:    fmt.Sprintf("udp ratio %.3f over %d packets", udpRatio, s.UDPCount),
			details: map[string]any{
				"udp_count": s.UDPCount,
				"udp_ratio": udpRatio,
			},
		}
	}
	return ruleOutcome{}
}

func detectICMPFlood(s SourceSnapshot, t Thresholds) ruleOutcome {
	if s.Packets == 0 {
		return ruleOutcome{}
	}
	icmpRatio := float64(s.ICMPCount) / float64(s.Packets)
	if icmpRatio > t.ICMPRatioThreshold && s.ICMPCount > icmpFloodFloor {
		return ruleOutcome{
			triggered: true,
			reason:    fmt.Sprintf("icmp ratio %.3f over %d packets", icmpRatio, s.ICMPCount),
			details: map[string]any{
				"icmp_count": s.ICMPCount,
				"icmp_ratio": icmpRatio,
			},
		}
	}
	return ruleOutcome{}
}

func detectConnectionExhaustion(s SourceSnapshot, t Thresholds) ruleOutcome {
	if s.ConnectionCount > t.ConnectionsThreshold {
		return ruleOutcome{
			triggered: true,
			reason:    fmt.Sprintf("%d distinct connections in window", s.ConnectionCount),
			details: map[string]any{
				"connection_count": s.ConnectionCount,
			},
		}
	}
	return ruleOutcome{}
}

func detectPortScan(s SourceSnapshot, _ Thresholds) ruleOutcome {
	if s.PortCount > portScanPortFloor {
		return ruleOutcome{
			triggered: true,
			reason:    fmt.Sprintf("%d distinct destination ports in window", s.PortCount),
			details: map[string]any{
				"unique_ports": s.PortCount,
				"ports":        s.SamplePorts,
			},
		}
	}
	return ruleOutcome{}
}

// Analyzer evaluates the metrics store on a fixed period, persists emitted
// detections through the ledger and fans them out to the recent-detection
// cache, the event channel and the notifier.
type Analyzer struct {
	store       *MetricsStore
	ledger      ThreatLedger
	thresholds  *ThresholdStore
	detections  *DetectionCache
	events      *EventPublisher
	notifier    *Notifier
	metrics     *Collector
	logger      *zap.Logger
	interval    time.Duration
	idleTimeout time.Duration

	// onThreat, when set, receives every persisted threat. The engine uses
	// it to drive auto-mitigation.
	onThreat func(context.Context, *Threat)
}

// AnalyzerOptions wires the analyzer's collaborators. Detections, Events and
// Notifier may be nil; fan-out to them is then skipped.
type AnalyzerOptions struct {
	Store       *MetricsStore
	Ledger      ThreatLedger
	Thresholds  *ThresholdStore
	Detections  *DetectionCache
	Events      *EventPublisher
	Notifier    *Notifier
	Metrics     *Collector
	Logger      *zap.Logger
	Interval    time.Duration
	IdleTimeout time.Duration
	OnThreat    func(context.Context, *Threat)
}

func NewAnalyzer(opts AnalyzerOptions) *Analyzer {
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 60 * time.Second
	}
	return &Analyzer{
		store:       opts.Store,
		ledger:      opts.Ledger,
		thresholds:  opts.Thresholds,
		detections:  opts.Detections,
		events:      opts.Events,
		notifier:    opts.Notifier,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
		interval:    opts.Interval,
		idleTimeout: opts.IdleTimeout,
		onThreat:    opts.OnThreat,
	}
}

// Run ticks until ctx is cancelled.
func (a *Analyzer) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			a.Tick(ctx, now)
		}
	}
}

// Tick runs one analysis pass. Exposed for tests; Run is the production
// entry point.
func (a *Analyzer) Tick(ctx context.Context, now time.Time) {
	window := a.store.Window()
	snap, ok := window.snapshot(now)
	if !ok {
		// Too little elapsed time for a meaningful rate; leave the window
		// accumulating and try again next tick.
		return
	}
	thresholds := a.thresholds.Current()

	a.metrics.SetGauge("flowguard_network_pps", snap.PPS, nil)
	a.metrics.SetGauge("flowguard_network_bps", snap.BPS, nil)

	if snap.PPS > thresholds.PPSThreshold || snap.BPS > thresholds.BPSThreshold {
		a.recordVolumetric(ctx, snap, thresholds)
	}

	if a.detections != nil {
		a.detections.Cleanup()
	}

	active, evicted := a.store.Sweep(now, a.idleTimeout)
	if evicted > 0 {
		a.logger.Debug("evicted idle sources", zap.Int("count", evicted))
	}
	a.metrics.SetGauge("flowguard_tracked_sources", float64(len(active)), nil)

	for _, source := range active {
		sourceSnap, ok := a.store.Collect(source)
		if !ok {
			continue
		}
		for _, name := range ruleNames {
			rule := sourceRules[name]
			outcome := rule.detector(sourceSnap, thresholds)
			if !outcome.triggered {
				continue
			}
			a.recordSourceDetection(ctx, name, rule, sourceSnap, outcome)
		}
	}

	window.reset(now)
}

func (a *Analyzer) recordVolumetric(ctx context.Context, snap NetworkSnapshot, thresholds Thresholds) {
	top := a.store.TopSources(10)
	sources := make([]string, 0, len(top))
	for _, t := range top {
		sources = append(sources, t.Source)
	}
	crossed := make([]string, 0, 2)
	if snap.PPS > thresholds.PPSThreshold {
		crossed = append(crossed, "pps")
	}
	if snap.BPS > thresholds.BPSThreshold {
		crossed = append(crossed, "bps")
	}
	details := map[string]any{
		"attack_type":        AttackVolumetric,
		"pps":                snap.PPS,
		"bps":                snap.BPS,
		"pps_threshold":      thresholds.PPSThreshold,
		"bps_threshold":      thresholds.BPSThreshold,
		"thresholds_crossed": crossed,
		"top_sources":        top,
	}

	threat, err := a.ledger.CreateThreat(ctx, ThreatTypeVolumetric, SeverityCritical, sources, nil, details)
	if err != nil {
		a.logger.Error("failed to persist volumetric threat", zap.Error(err))
		return
	}
	a.logger.Warn("volumetric ddos detected",
		zap.String("threat_id", threat.ID),
		zap.Float64("pps", snap.PPS),
		zap.Float64("bps", snap.BPS))
	a.fanOut(ctx, threat, AttackVolumetric, "", details)
}

func (a *Analyzer) recordSourceDetection(ctx context.Context, name string, rule sourceRule, snap SourceSnapshot, outcome ruleOutcome) {
	details := map[string]any{"attack_type": name}
	for k, v := range outcome.details {
		details[k] = v
	}

	threat, err := a.ledger.CreateThreat(ctx, rule.threatType, rule.severity, []string{snap.Source}, nil, details)
	if err != nil {
		a.logger.Error("failed to persist threat",
			zap.String("attack_type", name),
			zap.String("source_ip", snap.Source),
			zap.Error(err))
		return
	}
	if _, err := a.ledger.CreateAttack(ctx, threat.ID, name, snap.Source, "",
		snap.Packets, snap.Bytes, outcome.details); err != nil {
		a.logger.Error("failed to persist attack record",
			zap.String("threat_id", threat.ID), zap.Error(err))
	}

	a.logger.Warn("attack detected",
		zap.String("threat_id", threat.ID),
		zap.String("attack_type", name),
		zap.String("source_ip", snap.Source),
		zap.String("reason", outcome.reason))
	a.fanOut(ctx, threat, name, snap.Source, details)
}

// fanOut feeds the side channels after a detection is durably recorded.
// Every one of these is best-effort; the detection pipeline never fails on
// a side channel.
func (a *Analyzer) fanOut(ctx context.Context, threat *Threat, attackType, sourceIP string, details map[string]any) {
	a.metrics.IncrementCounter("flowguard_detections_total", map[string]string{"attack_type": attackType})
	if a.detections != nil {
		a.detections.Record(Detection{
			ThreatID:   threat.ID,
			ThreatType: threat.Type,
			AttackType: attackType,
			Severity:   threat.Severity,
			SourceIP:   sourceIP,
			Details:    details,
		})
	}
	if a.events != nil {
		a.events.ThreatCreated(ctx, threat)
	}
	if a.notifier != nil {
		a.notifier.NotifyThreat(threat, attackType)
	}
	if a.onThreat != nil {
		a.onThreat(ctx, threat)
	}
}
