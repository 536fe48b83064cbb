// Package supervisor wires Ingest, StateStore, FeatureExtractor, RuleEngine
// and Emit into one pipeline, owns the cross-vehicle dropout counter, and
// exposes the health endpoint. Goroutine lifecycle follows an
// errgroup.WithContext pattern: every stage runs under one cancellation
// scope, and the first failure tears the rest down.
package supervisor

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"anomaly-engine/internal/dropout"
	"anomaly-engine/internal/emit"
	"anomaly-engine/internal/features"
	httpapi "anomaly-engine/internal/http"
	"anomaly-engine/internal/ingest"
	"anomaly-engine/internal/logging"
	"anomaly-engine/internal/rules"
	"anomaly-engine/internal/state"
	"anomaly-engine/internal/telemetry"

	"golang.org/x/sync/errgroup"
)

// Config carries the runtime knobs the supervisor needs beyond the
// pre-built components it is handed (ring buffer size belongs to the
// store, thresholds belong to the rules, so neither is repeated here).
type Config struct {
	DropoutWindow        time.Duration
	ShutdownGraceSeconds int
	HealthAddr           string
}

// Supervisor wires the pipeline stages together and runs them until ctx
// is cancelled, then drains cooperatively.
type Supervisor struct {
	logger    *logging.Logger
	store     *state.Store
	engine    *rules.Engine
	consumer  *ingest.Consumer
	publisher *emit.Publisher
	counter   *dropout.Counter
	handlers  *httpapi.HandlerSet

	healthAddr    string
	shutdownGrace time.Duration
	now           func() time.Time

	// dropoutGenerationConsumed latches the dropout-proxy window so only
	// the first frame processed after a window transition is allowed to
	// see real active-agent counts; every later frame in the same window
	// sees HasActiveAgentCounts=false, per spec.md's "fires at most once
	// per window transition" requirement.
	dropoutGenerationConsumed int64
}

// New constructs a Supervisor from its already-configured collaborators.
func New(logger *logging.Logger, store *state.Store, engine *rules.Engine, consumer *ingest.Consumer, publisher *emit.Publisher, cfg Config) *Supervisor {
	if logger == nil {
		logger = logging.NewTestLogger()
	}
	s := &Supervisor{
		logger:        logger.With(logging.String("component", "supervisor")),
		store:         store,
		engine:        engine,
		consumer:      consumer,
		publisher:     publisher,
		healthAddr:    cfg.HealthAddr,
		shutdownGrace: time.Duration(cfg.ShutdownGraceSeconds) * time.Second,
		now:           time.Now,
	}
	s.counter = dropout.New(cfg.DropoutWindow, store.Len)
	s.handlers = httpapi.NewHandlerSet(httpapi.Options{
		Logger:     logger,
		Health:     httpapi.HealthProviderFunc(s.Health),
		TimeSource: s.now,
	})
	return s
}

// WithClock overrides the wall clock used to compute ingest lag, for
// deterministic tests.
func (s *Supervisor) WithClock(now func() time.Time) *Supervisor {
	if s != nil && now != nil {
		s.now = now
	}
	return s
}

// WithDropoutCounter overrides the cross-vehicle dropout counter, for
// tests that need to drive window transitions deterministically via
// dropout.Counter.Tick instead of waiting on the wall-clock cadence.
func (s *Supervisor) WithDropoutCounter(counter *dropout.Counter) *Supervisor {
	if s != nil && counter != nil {
		s.counter = counter
	}
	return s
}

// Health reports the liveness counters exposed at /healthz.
func (s *Supervisor) Health() httpapi.HealthStatus {
	metrics := s.consumer.Metrics()
	lastIngested := metrics.LastIngestedAt()
	var lag float64
	if !lastIngested.IsZero() {
		lag = s.now().Sub(lastIngested).Seconds()
	}
	return httpapi.HealthStatus{
		LastIngestedAt:     lastIngested,
		IngestLagSeconds:   lag,
		VehiclesTracked:    s.store.Len(),
		AnomaliesEmitted:   s.publisher.Metrics().Emitted(),
		DecodeErrors:       metrics.DecodeErrors(),
		DedupDrops:         metrics.DedupDrops(),
		RuleNumericalEdges: s.engine.RuleNumericalEdges(),
	}
}

// Run starts every pipeline stage and blocks until ctx is cancelled or a
// stage fails. Ingest stops as soon as ctx is done; any anomaly publish
// already in flight gets up to the configured shutdown grace period to
// finish before it is abandoned, after which the emitter is closed:
// stop ingest, drain in-flight frames, flush the emitter, exit.
func (s *Supervisor) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)

	publishCtx, cancelPublish := context.WithCancel(context.Background())
	group.Go(func() error {
		<-groupCtx.Done()
		timer := time.NewTimer(s.drainDeadline())
		defer timer.Stop()
		<-timer.C
		cancelPublish()
		return nil
	})

	group.Go(func() error {
		return s.counter.Run(groupCtx)
	})

	var server *http.Server
	if s.healthAddr != "" {
		mux := http.NewServeMux()
		s.handlers.Register(mux)
		server = &http.Server{Addr: s.healthAddr, Handler: logging.HTTPTraceMiddleware(s.logger)(mux)}
		group.Go(func() error {
			s.logger.Info("health endpoint listening", logging.String("address", s.healthAddr))
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		group.Go(func() error {
			<-groupCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), s.drainDeadline())
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	group.Go(func() error {
		return s.consumer.Run(groupCtx, func(frame telemetry.Frame) {
			s.process(publishCtx, frame)
		})
	})

	err := group.Wait()
	cancelPublish()
	if cerr := s.publisher.Close(); cerr != nil {
		s.logger.Warn("failed to close emit writer during shutdown", logging.Error(cerr))
	}
	return err
}

// drainDeadline bounds how long shutdown-time work (HTTP drain, trailing
// publishes) is allowed to run, defaulting to 5s.
func (s *Supervisor) drainDeadline() time.Duration {
	if s.shutdownGrace <= 0 {
		return 5 * time.Second
	}
	return s.shutdownGrace
}

// process runs one frame through StateStore, FeatureExtractor and
// RuleEngine, then publishes any resulting anomalies. This is the body
// Ingest calls synchronously per message, which is what gives the
// pipeline its back-pressure: a slow publish delays the next ReadMessage
// instead of buffering unboundedly.
func (s *Supervisor) process(publishCtx context.Context, frame telemetry.Frame) {
	vehicle := s.store.Ingest(frame)
	history := vehicle.Snapshot()
	feats := features.Extract(history)

	snapshot := s.counter.Snapshot()
	var ctx rules.Context
	if snapshot.HasSample && s.consumeDropoutGeneration(snapshot.Generation) {
		ctx = rules.Context{
			ActiveAgentCount:     snapshot.Current,
			PrevActiveAgentCount: snapshot.Previous,
			HasActiveAgentCounts: true,
		}
	}

	anomalies := s.engine.Detect(frame, feats, history, ctx)
	for _, anomaly := range anomalies {
		s.publisher.Publish(publishCtx, anomaly)
	}
}

// consumeDropoutGeneration reports whether generation is the first one
// observed by any processed frame, latching it so every later frame in
// the same window sees HasActiveAgentCounts=false. This is what bounds
// DropoutProxy to at most one anomaly per window transition regardless
// of how many frames arrive while the drop condition holds.
func (s *Supervisor) consumeDropoutGeneration(generation int64) bool {
	for {
		last := atomic.LoadInt64(&s.dropoutGenerationConsumed)
		if generation <= last {
			return false
		}
		if atomic.CompareAndSwapInt64(&s.dropoutGenerationConsumed, last, generation) {
			return true
		}
	}
}
