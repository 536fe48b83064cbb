package rules

import (
	"math"
	"sync/atomic"
	"time"

	"anomaly-engine/internal/features"
	"anomaly-engine/internal/logging"
	"anomaly-engine/internal/telemetry"

	"github.com/google/uuid"
)

// IDGenerator produces fresh unique identifiers for emitted anomalies.
// Exposed as a field so tests can inject deterministic ids.
type IDGenerator func() string

func defaultIDGenerator() string { return uuid.NewString() }

// Clock returns the current time. Exposed so tests can inject a fixed
// processing_time.
type Clock func() time.Time

// Engine evaluates every registered rule, in insertion order, against a
// frame and emits at most one Anomaly per triggering rule. The engine
// never panics: a rule that would otherwise divide by zero or produce
// NaN/Inf is caught upstream inside each rule's Evaluate and reported as
// not triggered.
type Engine struct {
	rules            []Rule
	newID            IDGenerator
	clock            Clock
	logger           *logging.Logger
	ruleNumericEdges int64
}

// NewEngine constructs a RuleEngine with rules registered in the order
// they should be evaluated and tie-broken on.
func NewEngine(logger *logging.Logger, rules ...Rule) *Engine {
	if logger == nil {
		logger = logging.NewTestLogger()
	}
	return &Engine{
		rules:  rules,
		newID:  defaultIDGenerator,
		clock:  time.Now,
		logger: logger,
	}
}

// WithIDGenerator overrides anomaly id generation, for deterministic tests.
func (e *Engine) WithIDGenerator(gen IDGenerator) *Engine {
	if e != nil && gen != nil {
		e.newID = gen
	}
	return e
}

// WithClock overrides the processing-time clock, for deterministic tests.
func (e *Engine) WithClock(clock Clock) *Engine {
	if e != nil && clock != nil {
		e.clock = clock
	}
	return e
}

// Detect evaluates every registered rule against the frame and returns the
// anomalies triggered, in rule insertion order. feats must be the output
// of features.Extract over the same vehicle's history snapshot.
func (e *Engine) Detect(frame telemetry.Frame, feats features.Map, history []telemetry.Frame, ctx Context) []telemetry.Anomaly {
	if e == nil {
		return nil
	}
	var anomalies []telemetry.Anomaly
	for _, rule := range e.rules {
		decision := e.safeEvaluate(rule, frame, feats, history, ctx)
		if !decision.Triggered {
			continue
		}
		anomalies = append(anomalies, e.buildAnomaly(frame, decision))
	}
	return anomalies
}

// safeEvaluate guards rule evaluation against numerical edges (NaN/Inf)
// that a rule's own feature inputs might carry despite the extractor's
// own guards: rules never raise.
func (e *Engine) safeEvaluate(rule Rule, frame telemetry.Frame, feats features.Map, history []telemetry.Frame, ctx Context) Decision {
	decision := rule.Evaluate(frame, feats, history, ctx)
	for _, v := range decision.FeaturesUsed {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			atomic.AddInt64(&e.ruleNumericEdges, 1)
			e.logger.Debug("rule numerical edge suppressed",
				logging.String("rule", rule.Name()),
				logging.String("vehicle_id", frame.VehicleID),
			)
			return notTriggered(rule.Name())
		}
	}
	return decision
}

// RuleNumericalEdges reports how many rule decisions were suppressed for
// carrying a NaN/Inf feature value, per spec.md's rule_numerical_edge
// error-taxonomy counter.
func (e *Engine) RuleNumericalEdges() int64 {
	if e == nil {
		return 0
	}
	return atomic.LoadInt64(&e.ruleNumericEdges)
}

func (e *Engine) buildAnomaly(frame telemetry.Frame, decision Decision) telemetry.Anomaly {
	return telemetry.Anomaly{
		AnomalyID:      e.newID(),
		EventTime:      frame.EventTime,
		ProcessingTime: e.clock(),
		VehicleID:      frame.VehicleID,
		SceneID:        frame.SceneID,
		FrameIndex:     frame.FrameIndex,
		RuleName:       decision.RuleName,
		Features:       decision.FeaturesUsed,
		Thresholds:     decision.ThresholdsUsed,
		Severity:       decision.Severity,
		Explanation:    decision.Explanation,
	}
}
