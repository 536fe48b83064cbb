// Package ingest consumes the raw_telemetry topic: decode, deduplicate by
// event_id, and hand frames to the core pipeline in the order the
// partitioned log delivered them. Grounded on kafka-go for transport and
// the hashicorp LRU for the bounded dedup set, with the reconnect policy
// in internal/bus.
package ingest

import (
	"context"
	"sync/atomic"
	"time"

	"anomaly-engine/internal/bus"
	"anomaly-engine/internal/logging"
	"anomaly-engine/internal/telemetry"

	lru "github.com/hashicorp/golang-lru/v2"
	kafka "github.com/segmentio/kafka-go"
)

// Reader is the subset of *kafka.Reader the consumer depends on, so tests
// can substitute a fake transport.
type Reader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// ReaderFactory lazily constructs a fresh Reader, invoked once up front
// and again after every transport fault (close-and-reinit, never retry
// the same handle).
type ReaderFactory func() (Reader, error)

// Config configures the Kafka transport the consumer connects to.
type Config struct {
	Brokers       []string
	GroupID       string
	Topic         string
	DedupCapacity int
}

// NewKafkaReaderFactory returns a ReaderFactory backed by kafka-go,
// consuming cfg.Topic as part of cfg.GroupID.
func NewKafkaReaderFactory(cfg Config) ReaderFactory {
	return func() (Reader, error) {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.Brokers,
			GroupID:  cfg.GroupID,
			Topic:    cfg.Topic,
			MinBytes: 1,
			MaxBytes: 10e6,
		}), nil
	}
}

// Metrics accumulates the counters the health endpoint reports.
type Metrics struct {
	decodeErrors   int64
	dedupDrops     int64
	lastIngestedAt int64 // unix nanos; 0 means never
}

// DecodeErrors returns the number of messages dropped for failing to
// decode or validate as a Frame.
func (m *Metrics) DecodeErrors() int64 { return atomic.LoadInt64(&m.decodeErrors) }

// DedupDrops returns the number of messages dropped as duplicate event ids.
func (m *Metrics) DedupDrops() int64 { return atomic.LoadInt64(&m.dedupDrops) }

// LastIngestedAt returns the event_time of the most recently delivered
// frame, or the zero time if none has arrived yet.
func (m *Metrics) LastIngestedAt() time.Time {
	nanos := atomic.LoadInt64(&m.lastIngestedAt)
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos).UTC()
}

// Consumer drives the reconnect-decode-dedup-deliver loop. Back-pressure
// is implicit: deliver is called synchronously, so a slow core simply
// delays the next ReadMessage instead of the adapter buffering
// unboundedly.
type Consumer struct {
	newReader    ReaderFactory
	dedupe       *lru.Cache[string, struct{}]
	logger       *logging.Logger
	decodeErrLog *decodeErrorLogThrottle
	metrics      Metrics
}

// New constructs a Consumer. dedupCapacity bounds the event_id LRU set;
// a non-positive value falls back to a default of 10000.
func New(logger *logging.Logger, newReader ReaderFactory, dedupCapacity int) (*Consumer, error) {
	if logger == nil {
		logger = logging.NewTestLogger()
	}
	if dedupCapacity <= 0 {
		dedupCapacity = 10000
	}
	cache, err := lru.New[string, struct{}](dedupCapacity)
	if err != nil {
		return nil, err
	}
	return &Consumer{
		newReader:    newReader,
		dedupe:       cache,
		logger:       logger.With(logging.String("component", "ingest")),
		decodeErrLog: newDecodeErrorLogThrottle(time.Second, 5, nil),
	}, nil
}

// Metrics returns a snapshot of the consumer's counters.
func (c *Consumer) Metrics() *Metrics { return &c.metrics }

// Run consumes until ctx is cancelled, delivering decoded, deduplicated
// frames to deliver. It never returns an error for transport faults —
// those are retried with backoff per internal/bus — only ctx cancellation
// ends the loop cleanly.
func (c *Consumer) Run(ctx context.Context, deliver func(telemetry.Frame)) error {
	var backoff bus.Backoff
	for {
		reader, ok := c.connect(ctx, &backoff)
		if !ok {
			return nil
		}
		if err := c.consumeUntilFault(ctx, reader, &backoff, deliver); err != nil {
			delay, exhausted := backoff.Next()
			c.logger.Warn("ingest transport fault, reconnecting", logging.Error(err), logging.Duration("retry_in", delay))
			if exhausted {
				c.logger.Warn("ingest reconnect attempts exhausted, pausing burst")
			}
			if !bus.Sleep(ctx.Done(), delay) {
				return nil
			}
			continue
		}
		return nil
	}
}

func (c *Consumer) connect(ctx context.Context, backoff *bus.Backoff) (Reader, bool) {
	for {
		if ctx.Err() != nil {
			return nil, false
		}
		reader, err := c.newReader()
		if err == nil {
			return reader, true
		}
		delay, exhausted := backoff.Next()
		c.logger.Warn("failed to open ingest reader", logging.Error(err), logging.Duration("retry_in", delay))
		if exhausted {
			c.logger.Warn("ingest reconnect attempts exhausted, pausing burst")
		}
		if !bus.Sleep(ctx.Done(), delay) {
			return nil, false
		}
	}
}

func (c *Consumer) consumeUntilFault(ctx context.Context, reader Reader, backoff *bus.Backoff, deliver func(telemetry.Frame)) error {
	defer reader.Close()
	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		backoff.Reset()
		c.handle(msg.Value, deliver)
	}
}

func (c *Consumer) handle(payload []byte, deliver func(telemetry.Frame)) {
	frame, err := telemetry.DecodeFrame(payload)
	if err != nil {
		c.dropMalformed(err)
		return
	}
	if ok, _ := c.dedupe.ContainsOrAdd(frame.EventID, struct{}{}); ok {
		atomic.AddInt64(&c.metrics.dedupDrops, 1)
		return
	}
	atomic.StoreInt64(&c.metrics.lastIngestedAt, frame.EventTime.UnixNano())
	deliver(frame)
}

func (c *Consumer) dropMalformed(err error) {
	atomic.AddInt64(&c.metrics.decodeErrors, 1)
	if c.decodeErrLog.allowLog() {
		c.logger.Warn("dropping malformed frame", logging.Error(err))
	}
}
