package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"anomaly-engine/internal/logging"
	"anomaly-engine/internal/telemetry"

	kafka "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
)

func encodeFrame(t *testing.T, f telemetry.Frame) []byte {
	t.Helper()
	payload, err := telemetry.EncodeFrame(f)
	require.NoError(t, err)
	return payload
}

func testFrame(eventID, vehicleID string, frameIndex int64) telemetry.Frame {
	return telemetry.Frame{
		EventID:    eventID,
		EventTime:  time.Date(2026, time.July, 31, 0, 0, 0, 0, time.UTC),
		VehicleID:  vehicleID,
		SceneID:    "scene-1",
		FrameIndex: frameIndex,
		Speed:      5,
		Centroid:   telemetry.Vector3{X: 1, Y: 2, Z: 0},
		Velocity:   telemetry.Vector2{VX: 1, VY: 0},
		Yaw:        0,
	}
}

// fakeReader replays a fixed slice of messages then blocks until ctx is done.
type fakeReader struct {
	mu       sync.Mutex
	messages []kafka.Message
	closed   bool
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

func (f *fakeReader) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func TestConsumerDeliversDecodedFrames(t *testing.T) {
	frame := testFrame("evt-1", "vehicle-a", 3)
	reader := &fakeReader{messages: []kafka.Message{{Value: encodeFrame(t, frame)}}}
	consumer, err := New(logging.NewTestLogger(), func() (Reader, error) { return reader, nil }, 100)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var delivered []telemetry.Frame
	var mu sync.Mutex
	done := make(chan error, 1)
	go func() {
		done <- consumer.Run(ctx, func(f telemetry.Frame) {
			mu.Lock()
			delivered = append(delivered, f)
			mu.Unlock()
			if len(delivered) == 1 {
				cancel()
			}
		})
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop after cancellation")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, delivered, 1)
	require.Equal(t, "evt-1", delivered[0].EventID)
	require.Equal(t, frame.EventTime, consumer.Metrics().LastIngestedAt())
}

func TestConsumerDropsDuplicateEventIDs(t *testing.T) {
	frame := testFrame("evt-dup", "vehicle-a", 1)
	payload := encodeFrame(t, frame)
	reader := &fakeReader{messages: []kafka.Message{{Value: payload}, {Value: payload}}}
	consumer, err := New(logging.NewTestLogger(), func() (Reader, error) { return reader, nil }, 100)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	count := 0
	var mu sync.Mutex
	done := make(chan error, 1)
	go func() {
		done <- consumer.Run(ctx, func(f telemetry.Frame) {
			mu.Lock()
			count++
			mu.Unlock()
		})
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, count)
	require.Equal(t, int64(1), consumer.Metrics().DedupDrops())
}

func TestConsumerSkipsMalformedPayloads(t *testing.T) {
	reader := &fakeReader{messages: []kafka.Message{{Value: []byte("not json")}}}
	consumer, err := New(logging.NewTestLogger(), func() (Reader, error) { return reader, nil }, 100)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- consumer.Run(ctx, func(telemetry.Frame) {
			t.Fatal("deliver should not be called for malformed payload")
		})
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	require.Equal(t, int64(1), consumer.Metrics().DecodeErrors())
}

func TestConsumerReconnectsAfterTransportFault(t *testing.T) {
	frame := testFrame("evt-reconnect", "vehicle-a", 1)
	firstReader := &faultingReader{err: errors.New("connection reset")}
	secondReader := &fakeReader{messages: []kafka.Message{{Value: encodeFrame(t, frame)}}}

	attempt := 0
	factory := func() (Reader, error) {
		attempt++
		if attempt == 1 {
			return firstReader, nil
		}
		return secondReader, nil
	}
	consumer, err := New(logging.NewTestLogger(), factory, 100)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	delivered := make(chan telemetry.Frame, 1)
	done := make(chan error, 1)
	go func() {
		done <- consumer.Run(ctx, func(f telemetry.Frame) {
			delivered <- f
		})
	}()

	select {
	case f := <-delivered:
		require.Equal(t, "evt-reconnect", f.EventID)
	case <-time.After(5 * time.Second):
		t.Fatal("consumer never recovered after transport fault")
	}
	cancel()
	<-done
	require.True(t, firstReader.closed)
}

// faultingReader fails on its first read; later reads return ctx.Err()
// at once. It exercises the close-and-reconnect path: the fault is the
// first of its burst, so Backoff waits its base delay of 2s before the
// reconnect, inside the test's 5s limit.
type faultingReader struct {
	mu     sync.Mutex
	err    error
	failed bool
	closed bool
}

func (f *faultingReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.failed {
		f.failed = true
		return kafka.Message{}, f.err
	}
	return kafka.Message{}, ctx.Err()
}

func (f *faultingReader) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}
