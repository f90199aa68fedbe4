package flowguard

import (
	"sort"
	"sync"
	"time"
)

type connTuple struct {
	srcPort int
	dstIP   string
	dstPort int
}

// SourceMetrics accumulates window-scoped traffic counters for one source
// address. All window fields reset together under the entry mutex; lastUpdate
// survives resets because it drives idle eviction, not rule evaluation.
type SourceMetrics struct {
	mu          sync.Mutex
	packets     int64
	bytes       int64
	synCount    int64
	ackCount    int64
	tcpCount    int64
	udpCount    int64
	icmpCount   int64
	connections map[connTuple]struct{}
	ports       map[int]int64
	lastUpdate  time.Time
}

func newSourceMetrics() *SourceMetrics {
	return &SourceMetrics{
		connections: make(map[connTuple]struct{}),
		ports:       make(map[int]int64),
	}
}

func (m *SourceMetrics) apply(f *FlowRecord, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.packets += f.PacketCount
	m.bytes += f.ByteCount

	// SYN/ACK count flow observations, not packets: one handshake signal
	// per flow record regardless of how many packets it summarizes.
	if f.hasFlag("SYN") {
		m.synCount++
	}
	if f.hasFlag("ACK") {
		m.ackCount++
	}

	switch f.Protocol {
	case ProtocolTCP:
		m.tcpCount += f.PacketCount
	case ProtocolUDP:
		m.udpCount += f.PacketCount
	case ProtocolICMP:
		m.icmpCount += f.PacketCount
	}

	if f.DestPort > 0 {
		m.ports[f.DestPort] += f.PacketCount
	}
	m.connections[connTuple{srcPort: f.SourcePort, dstIP: f.DestAddr, dstPort: f.DestPort}] = struct{}{}
	m.lastUpdate = now
}

// SourceSnapshot is the immutable view of one source's window handed to the
// detection rules after the live counters have been reset.
type SourceSnapshot struct {
	Source          string
	Packets         int64
	Bytes           int64
	SYNCount        int64
	ACKCount        int64
	TCPCount        int64
	UDPCount        int64
	ICMPCount       int64
	ConnectionCount int
	PortCount       int
	SamplePorts     []int
	LastUpdate      time.Time
}

const portSampleLimit = 20

// snapshotAndReset copies the window counters and clears them in a single
// critical section, so no rule can observe packets reset while synCount is
// not. Resetting an already-reset window is a no-op.
func (m *SourceMetrics) snapshotAndReset(source string) SourceSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := SourceSnapshot{
		Source:          source,
		Packets:         m.packets,
		Bytes:           m.bytes,
		SYNCount:        m.synCount,
		ACKCount:        m.ackCount,
		TCPCount:        m.tcpCount,
		UDPCount:        m.udpCount,
		ICMPCount:       m.icmpCount,
		ConnectionCount: len(m.connections),
		PortCount:       len(m.ports),
		LastUpdate:      m.lastUpdate,
	}
	for port := range m.ports {
		if len(snap.SamplePorts) >= portSampleLimit {
			break
		}
		snap.SamplePorts = append(snap.SamplePorts, port)
	}

	m.packets = 0
	m.bytes = 0
	m.synCount = 0
	m.ackCount = 0
	m.tcpCount = 0
	m.udpCount = 0
	m.icmpCount = 0
	m.connections = make(map[connTuple]struct{})
	m.ports = make(map[int]int64)
	return snap
}

func (m *SourceMetrics) last() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastUpdate
}

func (m *SourceMetrics) packetCount() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.packets
}

// NetworkWindow accumulates network-wide packet and bit totals for the
// current analysis window.
type NetworkWindow struct {
	mu      sync.Mutex
	packets int64
	bits    int64
	start   time.Time
}

func newNetworkWindow(now time.Time) *NetworkWindow {
	return &NetworkWindow{start: now}
}

func (w *NetworkWindow) add(packets, bytes int64) {
	w.mu.Lock()
	w.packets += packets
	w.bits += bytes * 8
	w.mu.Unlock()
}

// NetworkSnapshot carries the per-second rates derived from one window.
type NetworkSnapshot struct {
	PPS         float64
	BPS         float64
	Elapsed     float64
	WindowStart time.Time
}

// snapshot derives current rates without resetting. ok is false when the
// window has run for less than a second, an insufficient sample.
func (w *NetworkWindow) snapshot(now time.Time) (NetworkSnapshot, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	elapsed := now.Sub(w.start).Seconds()
	if elapsed < 1 {
		return NetworkSnapshot{Elapsed: elapsed, WindowStart: w.start}, false
	}
	return NetworkSnapshot{
		PPS:         float64(w.packets) / elapsed,
		BPS:         float64(w.bits) / elapsed,
		Elapsed:     elapsed,
		WindowStart: w.start,
	}, true
}

func (w *NetworkWindow) reset(now time.Time) {
	w.mu.Lock()
	w.packets = 0
	w.bits = 0
	w.start = now
	w.mu.Unlock()
}

// MetricsStore maps source addresses to their live window metrics. It is the
// only structure mutated by both the ingest path and the analyzer; growth is
// bounded by idle sweeps plus a hard cap with oldest-first displacement.
type MetricsStore struct {
	mu         sync.RWMutex
	sources    map[string]*SourceMetrics
	window     *NetworkWindow
	maxSources int
}

const defaultMaxSources = 100000

func NewMetricsStore(maxSources int) *MetricsStore {
	if maxSources <= 0 {
		maxSources = defaultMaxSources
	}
	return &MetricsStore{
		sources:    make(map[string]*SourceMetrics),
		window:     newNetworkWindow(time.Now()),
		maxSources: maxSources,
	}
}

// Apply folds one validated flow record into the per-source entry and the
// network window. Safe for concurrent use with the analyzer's sweep/reset.
func (s *MetricsStore) Apply(f *FlowRecord, now time.Time) {
	entry := s.entry(f.SourceAddr)
	entry.apply(f, now)
	s.window.add(f.PacketCount, f.ByteCount)
}

func (s *MetricsStore) entry(source string) *SourceMetrics {
	s.mu.RLock()
	entry, ok := s.sources[source]
	s.mu.RUnlock()
	if ok {
		return entry
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok = s.sources[source]; ok {
		return entry
	}
	if len(s.sources) >= s.maxSources {
		s.displaceOldest()
	}
	entry = newSourceMetrics()
	s.sources[source] = entry
	return entry
}

// displaceOldest drops the stalest entry among a small sample. Sampling keeps
// the cap check O(1) during spoofed-source floods where every flow is a new
// source. Caller holds the write lock.
func (s *MetricsStore) displaceOldest() {
	const sampleSize = 16
	var (
		victim string
		oldest time.Time
		seen   int
	)
	for source, entry := range s.sources {
		if ts := entry.last(); victim == "" || ts.Before(oldest) {
			victim = source
			oldest = ts
		}
		seen++
		if seen >= sampleSize {
			break
		}
	}
	if victim != "" {
		delete(s.sources, victim)
	}
}

// Sweep removes entries idle longer than timeout and returns the survivors'
// addresses paired with the evicted count.
func (s *MetricsStore) Sweep(now time.Time, timeout time.Duration) (active []string, evicted int) {
	s.mu.RLock()
	idle := make([]string, 0)
	for source, entry := range s.sources {
		if now.Sub(entry.last()) > timeout {
			idle = append(idle, source)
		} else {
			active = append(active, source)
		}
	}
	s.mu.RUnlock()

	if len(idle) > 0 {
		s.mu.Lock()
		for _, source := range idle {
			// Re-check under the write lock; the entry may have seen
			// traffic between the scan and now.
			if entry, ok := s.sources[source]; ok && now.Sub(entry.last()) > timeout {
				delete(s.sources, source)
				evicted++
			}
		}
		s.mu.Unlock()
	}
	return active, evicted
}

// Collect snapshots and resets the named source's window. The entry may have
// been evicted since the sweep; ok reports whether it still existed.
func (s *MetricsStore) Collect(source string) (SourceSnapshot, bool) {
	s.mu.RLock()
	entry, ok := s.sources[source]
	s.mu.RUnlock()
	if !ok {
		return SourceSnapshot{}, false
	}
	return entry.snapshotAndReset(source), true
}

func (s *MetricsStore) Window() *NetworkWindow {
	return s.window
}

func (s *MetricsStore) SourceCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sources)
}

// TopSource pairs a source address with its in-window packet count.
type TopSource struct {
	Source  string `json:"source_ip"`
	Packets int64  `json:"packets"`
}

// TopSources returns the n busiest sources in the current window, packet
// count descending.
func (s *MetricsStore) TopSources(n int) []TopSource {
	s.mu.RLock()
	top := make([]TopSource, 0, len(s.sources))
	for source, entry := range s.sources {
		top = append(top, TopSource{Source: source, Packets: entry.packetCount()})
	}
	s.mu.RUnlock()

	sort.Slice(top, func(i, j int) bool { return top[i].Packets > top[j].Packets })
	if n > 0 && len(top) > n {
		top = top[:n]
	}
	return top
}
