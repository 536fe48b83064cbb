// Package rules evaluates threshold-based rules against a frame's computed
// features and cross-vehicle context, and assembles the resulting
// anomalies with graded severity.
package rules

import (
	"anomaly-engine/internal/features"
	"anomaly-engine/internal/telemetry"
)

// Context carries cross-vehicle state that a rule may need beyond the
// single vehicle's own history, namely the rolling active-agent counts
// the supervisor maintains for DropoutProxy.
type Context struct {
	//1.- ActiveAgentCount/PrevActiveAgentCount are absent until the first tick.
	ActiveAgentCount     int
	PrevActiveAgentCount int
	HasActiveAgentCounts bool
}

// Decision is the outcome of evaluating a single rule against one frame.
type Decision struct {
	Triggered      bool
	Severity       telemetry.Severity
	RuleName       string
	FeaturesUsed   map[string]float64
	ThresholdsUsed map[string]float64
	Explanation    string
}

// Rule is a pure predicate over a frame, its computed features, its
// vehicle's frame history, and cross-vehicle context. A rule is
// constructed with the threshold configuration it evaluates against and
// must never mutate any of its inputs.
type Rule interface {
	Name() string
	Evaluate(frame telemetry.Frame, feats features.Map, history []telemetry.Frame, ctx Context) Decision
}

// notTriggered is the zero-cost "did not fire" decision shared by every rule.
func notTriggered(name string) Decision {
	return Decision{RuleName: name}
}
