package flowguard

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// NetFlowCollector listens for NetFlow v5 export packets over UDP and feeds
// the decoded flows into the ingestor. It is the binary alternative to the
// JSON queue: both paths converge on Ingest.
type NetFlowCollector struct {
	listen   string
	workers  int
	parser   *NetFlowParser
	ingestor *Ingestor
	metrics  *Collector
	logger   *zap.Logger
}

func NewNetFlowCollector(listen string, workers int, ingestor *Ingestor, metrics *Collector, logger *zap.Logger) *NetFlowCollector {
	if workers <= 0 {
		workers = 1
	}
	return &NetFlowCollector{
		listen:   listen,
		workers:  workers,
		parser:   NewNetFlowParser(),
		ingestor: ingestor,
		metrics:  metrics,
		logger:   logger,
	}
}

// Run binds the UDP socket and processes packets until ctx is cancelled.
func (c *NetFlowCollector) Run(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", c.listen)
	if err != nil {
		return fmt.Errorf("resolve netflow listen %s: %w", c.listen, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("listen netflow on %s: %w", c.listen, err)
	}
	defer conn.Close()

	c.logger.Info("netflow collector listening",
		zap.String("address", c.listen), zap.Int("workers", c.workers))

	packets := make(chan []byte, 1024)
	var wg sync.WaitGroup
	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for packet := range packets {
				c.handle(packet)
			}
		}()
	}

	buf := make([]byte, 65535)
	for {
		select {
		case <-ctx.Done():
			close(packets)
			wg.Wait()
			return nil
		default:
		}

		// A short deadline keeps the read loop responsive to cancellation.
		conn.SetReadDeadline(time.Now().Add(time.Second))
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			c.logger.Warn("netflow read error", zap.Error(err))
			continue
		}
		packet := make([]byte, n)
		copy(packet, buf[:n])

		select {
		case packets <- packet:
		default:
			c.metrics.IncrementCounter("flowguard_netflow_dropped_total", map[string]string{"reason": "backlog"})
		}
	}
}

func (c *NetFlowCollector) handle(packet []byte) {
	flows, err := c.parser.Parse(packet)
	if err != nil {
		c.metrics.IncrementCounter("flowguard_netflow_dropped_total", map[string]string{"reason": "parse"})
		c.logger.Debug("dropping netflow packet", zap.Error(err))
		return
	}
	for i := range flows {
		c.ingestor.Ingest(&flows[i])
	}
	c.metrics.AddCounter("flowguard_netflow_records_total", int64(len(flows)), nil)
}
