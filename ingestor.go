package flowguard

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

// Ingestor folds flow records into the per-source metrics store and the
// network window. Malformed records are dropped and counted; the stream is
// never failed by a bad record.
type Ingestor struct {
	store   *MetricsStore
	metrics *Collector
	logger  *zap.Logger
}

func NewIngestor(store *MetricsStore, metrics *Collector, logger *zap.Logger) *Ingestor {
	return &Ingestor{store: store, metrics: metrics, logger: logger}
}

// Ingest accepts one flow record. Safe for concurrent use with the analyzer.
func (in *Ingestor) Ingest(f *FlowRecord) {
	if err := f.Validate(); err != nil {
		in.metrics.IncrementCounter("flowguard_flows_dropped_total", map[string]string{"reason": "malformed"})
		in.logger.Debug("dropping malformed flow record", zap.Error(err))
		return
	}
	f.normalize()
	in.store.Apply(f, time.Now())
	in.metrics.IncrementCounter("flowguard_flows_ingested_total", nil)
	in.metrics.AddCounter("flowguard_packets_ingested_total", f.PacketCount, nil)
}

// FlowConsumer drains JSON flow records from a durable RabbitMQ queue into
// the ingestor. Connection failures trigger reconnects with a fixed backoff
// until the context is cancelled.
type FlowConsumer struct {
	url      string
	queue    string
	ingestor *Ingestor
	metrics  *Collector
	logger   *zap.Logger

	backoff time.Duration
}

func NewFlowConsumer(url, queue string, ingestor *Ingestor, metrics *Collector, logger *zap.Logger) *FlowConsumer {
	return &FlowConsumer{
		url:      url,
		queue:    queue,
		ingestor: ingestor,
		metrics:  metrics,
		logger:   logger,
		backoff:  5 * time.Second,
	}
}

// Run consumes until ctx is cancelled. It never returns a terminal error for
// broker unavailability; the flow source coming and going is an expected
// operating condition.
func (c *FlowConsumer) Run(ctx context.Context) {
	for {
		if err := c.consume(ctx); err != nil {
			c.logger.Warn("flow consumer disconnected",
				zap.String("queue", c.queue), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.backoff):
		}
	}
}

func (c *FlowConsumer) consume(ctx context.Context) error {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return err
	}
	defer conn.Close()

	channel, err := conn.Channel()
	if err != nil {
		return err
	}
	defer channel.Close()

	if _, err := channel.QueueDeclare(c.queue, true, false, false, false, nil); err != nil {
		return err
	}

	tag := "flowguard-" + uuid.NewString()
	deliveries, err := channel.Consume(c.queue, tag, false, false, false, false, nil)
	if err != nil {
		return err
	}
	c.logger.Info("consuming flow records",
		zap.String("queue", c.queue), zap.String("consumer_tag", tag))

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	for {
		select {
		case <-ctx.Done():
			// Cancel the consumer so the broker requeues nothing mid-flight,
			// then release the connection.
			channel.Cancel(tag, false)
			return nil
		case err := <-closed:
			if err != nil {
				return err
			}
			return nil
		case delivery, ok := <-deliveries:
			if !ok {
				return nil
			}
			c.handle(delivery)
		}
	}
}

// handle acks every delivery, including poison messages: an unparseable
// body must never wedge the queue.
func (c *FlowConsumer) handle(delivery amqp.Delivery) {
	defer delivery.Ack(false)

	var flow FlowRecord
	if err := json.Unmarshal(delivery.Body, &flow); err != nil {
		c.metrics.IncrementCounter("flowguard_flows_dropped_total", map[string]string{"reason": "unparseable"})
		c.logger.Warn("dropping unparseable flow message", zap.Error(err))
		return
	}
	c.ingestor.Ingest(&flow)
}
