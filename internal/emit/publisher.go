// Package emit publishes Anomaly records to the anomalies topic,
// partitioned by vehicle_id. A publish failure closes and lazily
// reinitializes the writer on the next call rather than retrying the
// same handle, using the same reconnect policy as the ingest side.
package emit

import (
	"context"
	"sync"

	"anomaly-engine/internal/bus"
	"anomaly-engine/internal/logging"
	"anomaly-engine/internal/telemetry"

	kafka "github.com/segmentio/kafka-go"
)

// Writer is the subset of *kafka.Writer the publisher depends on, so
// tests can substitute a fake transport.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// WriterFactory lazily constructs a fresh Writer.
type WriterFactory func() (Writer, error)

// Config configures the Kafka transport the publisher writes to.
type Config struct {
	Brokers []string
	Topic   string
}

// NewKafkaWriterFactory returns a WriterFactory backed by kafka-go,
// balancing by the explicit message key (vehicle_id) rather than
// round-robin, so every anomaly for a vehicle lands on the same partition.
func NewKafkaWriterFactory(cfg Config) WriterFactory {
	return func() (Writer, error) {
		return &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
		}, nil
	}
}

// Metrics accumulates the counters the health endpoint reports.
type Metrics struct {
	mu      sync.Mutex
	emitted int64
	dropped int64
}

// Emitted returns the number of anomalies successfully published.
func (m *Metrics) Emitted() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.emitted
}

// Dropped returns the number of anomalies discarded: those that failed to
// encode, those whose retries were exhausted within a publish burst, and
// those abandoned because the publish context ended.
func (m *Metrics) Dropped() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

func (m *Metrics) recordEmitted() {
	m.mu.Lock()
	m.emitted++
	m.mu.Unlock()
}

func (m *Metrics) recordDropped() {
	m.mu.Lock()
	m.dropped++
	m.mu.Unlock()
}

// Publisher owns a lazily (re)initialized Writer and retries transient
// publish failures with the shared backoff policy before giving up and
// dropping the anomaly. Retries run inside Publish, so a failing publish
// holds up its caller until the burst is exhausted or ctx ends.
type Publisher struct {
	newWriter WriterFactory
	logger    *logging.Logger

	mu      sync.Mutex
	writer  Writer
	backoff bus.Backoff

	metrics Metrics
}

// New constructs a Publisher. The underlying Writer is created lazily on
// the first Publish call.
func New(logger *logging.Logger, newWriter WriterFactory) *Publisher {
	if logger == nil {
		logger = logging.NewTestLogger()
	}
	return &Publisher{
		newWriter: newWriter,
		logger:    logger.With(logging.String("component", "emit")),
	}
}

// Metrics returns a snapshot accessor for the publisher's counters.
func (p *Publisher) Metrics() *Metrics { return &p.metrics }

// Publish writes a over the current Writer, keyed by vehicle_id so every
// anomaly for a vehicle lands on the same partition. On failure it closes
// the writer (forcing reinitialization on the next attempt) and retries
// with backoff, sleeping between attempts before it returns; once the
// burst is exhausted or ctx ends, the anomaly is logged at warning and
// dropped.
func (p *Publisher) Publish(ctx context.Context, a telemetry.Anomaly) {
	payload, err := telemetry.EncodeAnomaly(a)
	if err != nil {
		p.logger.Error("failed to encode anomaly, dropping", logging.Error(err), logging.String("vehicle_id", a.VehicleID))
		p.metrics.recordDropped()
		return
	}
	msg := kafka.Message{Key: []byte(a.VehicleID), Value: payload}

	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		writer, werr := p.ensureWriter()
		if werr == nil {
			if werr = writer.WriteMessages(ctx, msg); werr == nil {
				p.backoff.Reset()
				p.metrics.recordEmitted()
				return
			}
			p.closeWriterLocked()
		}

		delay, exhausted := p.backoff.Next()
		p.logger.Warn("publish attempt failed", logging.Error(werr), logging.Duration("retry_in", delay), logging.String("vehicle_id", a.VehicleID))
		if exhausted {
			p.logger.Warn("emit retries exhausted, dropping anomaly", logging.String("vehicle_id", a.VehicleID))
			p.metrics.recordDropped()
			return
		}
		if !bus.Sleep(ctx.Done(), delay) {
			p.metrics.recordDropped()
			return
		}
	}
}

func (p *Publisher) ensureWriter() (Writer, error) {
	if p.writer != nil {
		return p.writer, nil
	}
	writer, err := p.newWriter()
	if err != nil {
		return nil, err
	}
	p.writer = writer
	return writer, nil
}

func (p *Publisher) closeWriterLocked() {
	if p.writer != nil {
		_ = p.writer.Close()
		p.writer = nil
	}
}

// Close releases the underlying writer, if any.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writer == nil {
		return nil
	}
	err := p.writer.Close()
	p.writer = nil
	return err
}
