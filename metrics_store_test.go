package flowguard

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func tcpFlow(source string, packets, bytes int64, flags string) *FlowRecord {
	return &FlowRecord{
		SourceAddr:  source,
		DestAddr:    "10.0.0.1",
		SourcePort:  40000,
		DestPort:    443,
		Protocol:    ProtocolTCP,
		PacketCount: packets,
		ByteCount:   bytes,
		TCPFlags:    flags,
	}
}

func TestApplyAccumulatesCounters(t *testing.T) {
	store := NewMetricsStore(0)
	now := time.Now()

	var wantPackets, wantBytes int64
	for i := 1; i <= 50; i++ {
		f := tcpFlow("198.51.100.7", int64(i), int64(i*10), "SYN")
		wantPackets += f.PacketCount
		wantBytes += f.ByteCount
		store.Apply(f, now)
	}

	snap, ok := store.Collect("198.51.100.7")
	if !ok {
		t.Fatal("expected source entry to exist")
	}
	if snap.Packets != wantPackets {
		t.Errorf("packets = %d, want %d", snap.Packets, wantPackets)
	}
	if snap.Bytes != wantBytes {
		t.Errorf("bytes = %d, want %d", snap.Bytes, wantBytes)
	}
	if snap.SYNCount != 50 {
		t.Errorf("synCount = %d, want 50", snap.SYNCount)
	}
}

func TestCollectResetsAllWindowFieldsTogether(t *testing.T) {
	store := NewMetricsStore(0)
	now := time.Now()
	store.Apply(tcpFlow("198.51.100.8", 10, 100, "SYN|ACK"), now)

	if _, ok := store.Collect("198.51.100.8"); !ok {
		t.Fatal("expected source entry to exist")
	}
	snap, ok := store.Collect("198.51.100.8")
	if !ok {
		t.Fatal("entry should survive a reset")
	}
	if snap.Packets != 0 || snap.Bytes != 0 || snap.SYNCount != 0 ||
		snap.ACKCount != 0 || snap.ConnectionCount != 0 || snap.PortCount != 0 {
		t.Errorf("window not fully reset: %+v", snap)
	}
}

// Concurrent ingest against collect must never yield a snapshot where
// packets were reset but synCount was not: every flow carries a SYN, so a
// consistent snapshot always has synCount <= packets.
func TestResetAtomicityUnderConcurrency(t *testing.T) {
	store := NewMetricsStore(0)
	done := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
				store.Apply(tcpFlow("203.0.113.9", 1, 64, "SYN"), time.Now())
			}
		}
	}()

	for i := 0; i < 1000; i++ {
		snap, ok := store.Collect("203.0.113.9")
		if !ok {
			continue
		}
		if snap.SYNCount > snap.Packets {
			t.Fatalf("torn snapshot: synCount=%d > packets=%d", snap.SYNCount, snap.Packets)
		}
	}
	close(done)
	wg.Wait()
}

func TestSweepEvictsIdleSources(t *testing.T) {
	store := NewMetricsStore(0)
	start := time.Now()

	store.Apply(tcpFlow("192.0.2.1", 1, 64, ""), start.Add(-2*time.Minute))
	store.Apply(tcpFlow("192.0.2.2", 1, 64, ""), start)

	active, evicted := store.Sweep(start, time.Minute)
	if evicted != 1 {
		t.Errorf("evicted = %d, want 1", evicted)
	}
	if len(active) != 1 || active[0] != "192.0.2.2" {
		t.Errorf("active = %v, want [192.0.2.2]", active)
	}
	if store.SourceCount() != 1 {
		t.Errorf("source count = %d, want 1", store.SourceCount())
	}
}

func TestMaxSourcesCapDisplaces(t *testing.T) {
	store := NewMetricsStore(10)
	now := time.Now()
	for i := 0; i < 25; i++ {
		store.Apply(tcpFlow(fmt.Sprintf("10.1.0.%d", i), 1, 64, ""), now.Add(time.Duration(i)*time.Second))
	}
	if store.SourceCount() > 10 {
		t.Errorf("source count = %d, want <= 10", store.SourceCount())
	}
}

func TestNetworkWindowSnapshot(t *testing.T) {
	now := time.Now()
	window := newNetworkWindow(now)
	window.add(1000, 125) // 125 bytes = 1000 bits

	if _, ok := window.snapshot(now.Add(500 * time.Millisecond)); ok {
		t.Error("sub-second window should be an insufficient sample")
	}

	snap, ok := window.snapshot(now.Add(10 * time.Second))
	if !ok {
		t.Fatal("10s window should snapshot")
	}
	if snap.PPS != 100 {
		t.Errorf("pps = %v, want 100", snap.PPS)
	}
	if snap.BPS != 100 {
		t.Errorf("bps = %v, want 100", snap.BPS)
	}

	window.reset(now.Add(10 * time.Second))
	snap, ok = window.snapshot(now.Add(20 * time.Second))
	if !ok {
		t.Fatal("window should snapshot after reset")
	}
	if snap.PPS != 0 {
		t.Errorf("pps after reset = %v, want 0", snap.PPS)
	}
}

func TestTopSources(t *testing.T) {
	store := NewMetricsStore(0)
	now := time.Now()
	store.Apply(tcpFlow("10.2.0.1", 5, 100, ""), now)
	store.Apply(tcpFlow("10.2.0.2", 50, 100, ""), now)
	store.Apply(tcpFlow("10.2.0.3", 20, 100, ""), now)

	top := store.TopSources(2)
	if len(top) != 2 {
		t.Fatalf("len(top) = %d, want 2", len(top))
	}
	if top[0].Source != "10.2.0.2" || top[1].Source != "10.2.0.3" {
		t.Errorf("top = %v, want busiest first", top)
	}
}
