package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"anomaly-engine/internal/dropout"
	"anomaly-engine/internal/emit"
	"anomaly-engine/internal/ingest"
	"anomaly-engine/internal/logging"
	"anomaly-engine/internal/rules"
	"anomaly-engine/internal/state"
	"anomaly-engine/internal/telemetry"

	kafka "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
)

// fakeReader replays a fixed slice of messages then blocks until ctx is done.
type fakeReader struct {
	mu       sync.Mutex
	messages []kafka.Message
}

func (f *fakeReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	f.mu.Lock()
	if len(f.messages) > 0 {
		msg := f.messages[0]
		f.messages = f.messages[1:]
		f.mu.Unlock()
		return msg, nil
	}
	f.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (f *fakeReader) Close() error { return nil }

// fakeWriter records every message it is asked to write.
type fakeWriter struct {
	mu     sync.Mutex
	writes []kafka.Message
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writes = append(w.writes, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func (w *fakeWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.writes)
}

func decelerationFrame(eventID, vehicleID string, frameIndex int64, t time.Time) telemetry.Frame {
	return telemetry.Frame{
		EventID:    eventID,
		EventTime:  t,
		VehicleID:  vehicleID,
		SceneID:    "scene-1",
		FrameIndex: frameIndex,
		Speed:      1,
		Velocity:   telemetry.Vector2{VX: -10, VY: 0},
	}
}

func newTestSupervisor(t *testing.T, reader ingest.Reader, writer emit.Writer) (*Supervisor, *ingest.Consumer) {
	t.Helper()
	logger := logging.NewTestLogger()

	consumer, err := ingest.New(logger, func() (ingest.Reader, error) { return reader, nil }, 100)
	require.NoError(t, err)

	publisher := emit.New(logger, func() (emit.Writer, error) { return writer, nil })

	store := state.New(30)
	thresholds := rules.DefaultThresholds()
	engine := rules.NewEngine(logger, rules.NewSuddenDecelerationRule(thresholds))

	s := New(logger, store, engine, consumer, publisher, Config{
		DropoutWindow:        time.Hour,
		ShutdownGraceSeconds: 1,
	})
	return s, consumer
}

func TestSupervisorRunProcessesFramesIntoAnomalies(t *testing.T) {
	base := time.Date(2026, time.July, 31, 0, 0, 0, 0, time.UTC)
	first := decelerationFrame("evt-1", "vehicle-a", 0, base)
	first.Speed = 10
	reader := &fakeReader{messages: []kafka.Message{
		{Value: mustEncode(t, first)},
		{Value: mustEncode(t, decelerationFrame("evt-2", "vehicle-a", 1, base.Add(time.Second)))},
	}}
	writer := &fakeWriter{}
	s, _ := newTestSupervisor(t, reader, writer)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return writer.count() > 0 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not stop after cancellation")
	}
}

func TestSupervisorHealthReflectsIngestAndEmitCounters(t *testing.T) {
	base := time.Date(2026, time.July, 31, 0, 0, 0, 0, time.UTC)
	first := decelerationFrame("evt-0", "vehicle-a", 0, base.Add(-100*time.Millisecond))
	first.Speed = 10
	reader := &fakeReader{messages: []kafka.Message{
		{Value: mustEncode(t, first)},
		{Value: mustEncode(t, decelerationFrame("evt-1", "vehicle-a", 1, base))},
	}}
	writer := &fakeWriter{}
	s, _ := newTestSupervisor(t, reader, writer)
	s.WithClock(func() time.Time { return base.Add(5 * time.Second) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return writer.count() > 0 }, 2*time.Second, 10*time.Millisecond)

	health := s.Health()
	require.Equal(t, 1, health.VehiclesTracked)
	require.Equal(t, int64(1), health.AnomaliesEmitted)
	require.Equal(t, base, health.LastIngestedAt)
	require.InDelta(t, 5.0, health.IngestLagSeconds, 0.001)

	cancel()
	<-done
}

func TestSupervisorHealthBeforeAnyIngestHasZeroLag(t *testing.T) {
	reader := &fakeReader{}
	writer := &fakeWriter{}
	s, _ := newTestSupervisor(t, reader, writer)

	health := s.Health()
	require.True(t, health.LastIngestedAt.IsZero())
	require.Equal(t, 0.0, health.IngestLagSeconds)
	require.Equal(t, 0, health.VehiclesTracked)
}

func TestSupervisorEmitsDropoutProxyOnceAcrossMultipleFramesInOneWindow(t *testing.T) {
	logger := logging.NewTestLogger()
	store := state.New(30)
	thresholds := rules.DefaultThresholds()
	engine := rules.NewEngine(logger, rules.NewDropoutProxyRule(thresholds))

	consumer, err := ingest.New(logger, func() (ingest.Reader, error) { return &fakeReader{}, nil }, 100)
	require.NoError(t, err)
	writer := &fakeWriter{}
	publisher := emit.New(logger, func() (emit.Writer, error) { return writer, nil })

	s := New(logger, store, engine, consumer, publisher, Config{
		DropoutWindow:        time.Hour,
		ShutdownGraceSeconds: 1,
	})

	active := 20
	counter := dropout.New(time.Hour, func() int { return active })
	s.WithDropoutCounter(counter)

	counter.Tick() // generation 1: current=20, previous=0, no baseline to compare against.
	active = 5
	counter.Tick() // generation 2: current=5, previous=20, drop of 15 >= the default threshold of 5.

	base := time.Date(2026, time.July, 31, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		frame := decelerationFrame("evt", "vehicle-a", int64(i), base.Add(time.Duration(i)*time.Millisecond))
		s.process(context.Background(), frame)
	}
	require.Equal(t, 1, writer.count(), "dropout_proxy must fire at most once per window transition even across many frames")

	active = 1
	counter.Tick() // generation 3: current=1, previous=5, drop of 4 < threshold, should not fire.
	s.process(context.Background(), decelerationFrame("evt-later", "vehicle-a", 5, base.Add(5*time.Millisecond)))
	require.Equal(t, 1, writer.count())

	active = 30
	counter.Tick() // generation 4: current=30, previous=1, no drop, should not fire.
	counter.Tick() // generation 5: resample current=30 again as previous, still no drop.
	active = 10
	counter.Tick() // generation 6: current=10, previous=30, drop of 20 >= threshold, new window transition.
	s.process(context.Background(), decelerationFrame("evt-next-window", "vehicle-a", 6, base.Add(6*time.Millisecond)))
	require.Equal(t, 2, writer.count(), "a later window transition must be allowed to fire again")
}

func TestConsumeDropoutGenerationLatchesPerWindow(t *testing.T) {
	s, _ := newTestSupervisor(t, &fakeReader{}, &fakeWriter{})

	require.True(t, s.consumeDropoutGeneration(1))
	require.False(t, s.consumeDropoutGeneration(1))
	require.False(t, s.consumeDropoutGeneration(1))

	require.True(t, s.consumeDropoutGeneration(2))
	require.False(t, s.consumeDropoutGeneration(2))
}

func mustEncode(t *testing.T, f telemetry.Frame) []byte {
	t.Helper()
	payload, err := telemetry.EncodeFrame(f)
	require.NoError(t, err)
	return payload
}
