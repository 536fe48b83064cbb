package rules

import (
	"fmt"
	"math"

	"anomaly-engine/internal/features"
	"anomaly-engine/internal/telemetry"
)

// SuddenDecelerationRule fires when the newest frame's acceleration breaches
// the configured deceleration thresholds (both negative, m/s^2).
type SuddenDecelerationRule struct {
	thresholds Thresholds
}

// NewSuddenDecelerationRule constructs the rule bound to thresholds.
func NewSuddenDecelerationRule(thresholds Thresholds) *SuddenDecelerationRule {
	return &SuddenDecelerationRule{thresholds: thresholds}
}

// Name identifies the rule in emitted anomalies.
func (r *SuddenDecelerationRule) Name() string { return "sudden_deceleration" }

// Evaluate grades the acceleration feature, if present, against the
// configured warning/critical thresholds. Inclusive boundaries: a value
// exactly at a threshold triggers that tier.
func (r *SuddenDecelerationRule) Evaluate(_ telemetry.Frame, feats features.Map, _ []telemetry.Frame, _ Context) Decision {
	const name = "sudden_deceleration"
	accel, ok := feats[features.Acceleration]
	if !ok || math.IsNaN(accel) || math.IsInf(accel, 0) {
		return notTriggered(name)
	}

	thresholdsUsed := map[string]float64{
		"warning":  r.thresholds.SuddenDecelerationWarning,
		"critical": r.thresholds.SuddenDecelerationCritical,
	}
	featuresUsed := map[string]float64{features.Acceleration: accel}

	switch {
	case accel <= r.thresholds.SuddenDecelerationCritical:
		return Decision{
			Triggered:      true,
			Severity:       telemetry.SeverityCritical,
			RuleName:       name,
			FeaturesUsed:   featuresUsed,
			ThresholdsUsed: thresholdsUsed,
			Explanation:    fmt.Sprintf("acceleration %.2f m/s^2 breached critical threshold %.2f", accel, r.thresholds.SuddenDecelerationCritical),
		}
	case accel <= r.thresholds.SuddenDecelerationWarning:
		return Decision{
			Triggered:      true,
			Severity:       telemetry.SeverityWarning,
			RuleName:       name,
			FeaturesUsed:   featuresUsed,
			ThresholdsUsed: thresholdsUsed,
			Explanation:    fmt.Sprintf("acceleration %.2f m/s^2 breached warning threshold %.2f", accel, r.thresholds.SuddenDecelerationWarning),
		}
	default:
		return notTriggered(name)
	}
}

// PerceptionInstabilityRule fires when the centroid displacement between
// consecutive frames breaches the configured distance thresholds (m).
type PerceptionInstabilityRule struct {
	thresholds Thresholds
}

// NewPerceptionInstabilityRule constructs the rule bound to thresholds.
func NewPerceptionInstabilityRule(thresholds Thresholds) *PerceptionInstabilityRule {
	return &PerceptionInstabilityRule{thresholds: thresholds}
}

// Name identifies the rule in emitted anomalies.
func (r *PerceptionInstabilityRule) Name() string { return "perception_instability" }

// Evaluate grades the centroid_displacement feature, if present, against
// the configured warning/critical thresholds. Inclusive boundaries.
func (r *PerceptionInstabilityRule) Evaluate(_ telemetry.Frame, feats features.Map, _ []telemetry.Frame, _ Context) Decision {
	const name = "perception_instability"
	displacement, ok := feats[features.CentroidDisplacement]
	if !ok || math.IsNaN(displacement) || math.IsInf(displacement, 0) {
		return notTriggered(name)
	}

	thresholdsUsed := map[string]float64{
		"centroid_warning":  r.thresholds.CentroidWarning,
		"centroid_critical": r.thresholds.CentroidCritical,
	}
	featuresUsed := map[string]float64{features.CentroidDisplacement: displacement}

	switch {
	case displacement >= r.thresholds.CentroidCritical:
		return Decision{
			Triggered:      true,
			Severity:       telemetry.SeverityCritical,
			RuleName:       name,
			FeaturesUsed:   featuresUsed,
			ThresholdsUsed: thresholdsUsed,
			Explanation:    fmt.Sprintf("centroid displacement %.2f m breached critical threshold %.2f", displacement, r.thresholds.CentroidCritical),
		}
	case displacement >= r.thresholds.CentroidWarning:
		return Decision{
			Triggered:      true,
			Severity:       telemetry.SeverityWarning,
			RuleName:       name,
			FeaturesUsed:   featuresUsed,
			ThresholdsUsed: thresholdsUsed,
			Explanation:    fmt.Sprintf("centroid displacement %.2f m breached warning threshold %.2f", displacement, r.thresholds.CentroidWarning),
		}
	default:
		return notTriggered(name)
	}
}

// DropoutProxyRule fires when the cross-vehicle active-agent count drops by
// at least the configured amount between consecutive windows. It has no
// critical tier; every trigger is a WARNING.
type DropoutProxyRule struct {
	thresholds Thresholds
}

// NewDropoutProxyRule constructs the rule bound to thresholds.
func NewDropoutProxyRule(thresholds Thresholds) *DropoutProxyRule {
	return &DropoutProxyRule{thresholds: thresholds}
}

// Name identifies the rule in emitted anomalies.
func (r *DropoutProxyRule) Name() string { return "dropout_proxy" }

// Evaluate grades the drop in active-agent count, if both counts are
// available, against the configured agent_drop threshold.
func (r *DropoutProxyRule) Evaluate(_ telemetry.Frame, _ features.Map, _ []telemetry.Frame, ctx Context) Decision {
	const name = "dropout_proxy"
	if !ctx.HasActiveAgentCounts {
		return notTriggered(name)
	}

	drop := ctx.PrevActiveAgentCount - ctx.ActiveAgentCount
	if drop < r.thresholds.AgentDrop {
		return notTriggered(name)
	}

	return Decision{
		Triggered: true,
		Severity:  telemetry.SeverityWarning,
		RuleName:  name,
		FeaturesUsed: map[string]float64{
			"active_agent_count":      float64(ctx.ActiveAgentCount),
			"prev_active_agent_count": float64(ctx.PrevActiveAgentCount),
		},
		ThresholdsUsed: map[string]float64{"agent_drop": float64(r.thresholds.AgentDrop)},
		Explanation:    fmt.Sprintf("active agent count dropped from %d to %d", ctx.PrevActiveAgentCount, ctx.ActiveAgentCount),
	}
}
