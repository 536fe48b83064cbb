// Package features computes kinematic features over a short window of
// telemetry frames. Every function here is pure: given the same ordered
// frame slice it returns bit-identical results, and it never mutates its
// input.
package features

import (
	"math"

	"anomaly-engine/internal/telemetry"
)

// Names of the feature map keys produced by Extract.
const (
	Acceleration         = "acceleration"
	CentroidDisplacement = "centroid_displacement"
	HeadingChange        = "heading_change"
)

// maxAccelerationGapSeconds rejects acceleration computation across a gap
// or clock anomaly rather than reporting a spurious spike.
const maxAccelerationGapSeconds = 1.0

// Map holds the feature values computed for the newest frame in a window.
// Absent features are represented as missing keys, never as zero.
type Map map[string]float64

// Has reports whether the named feature was computed.
func (m Map) Has(name string) bool {
	_, ok := m[name]
	return ok
}

// Extract computes all kinematic features for the newest frame in the
// ordered snapshot frames (oldest first). frames must come from
// Buffer.Snapshot or an equivalent non-aliasing ordered slice.
func Extract(frames []telemetry.Frame) Map {
	out := make(Map, 3)
	k := len(frames)
	if k < 2 {
		return out
	}
	curr := frames[k-1]
	prev := frames[k-2]

	if accel, ok := acceleration(prev, curr); ok {
		out[Acceleration] = accel
	}
	if disp, ok := centroidDisplacement(prev, curr); ok {
		out[CentroidDisplacement] = disp
	}
	if heading, ok := headingChange(prev, curr); ok {
		out[HeadingChange] = heading
	}
	return out
}

// acceleration computes delta-speed over delta-time between two
// consecutive frames. Absent when the elapsed time is non-positive or
// exceeds the gap-rejection window (clock anomaly or dropped frames).
func acceleration(prev, curr telemetry.Frame) (float64, bool) {
	dt := curr.EventTime.Sub(prev.EventTime).Seconds()
	if dt <= 0 || dt > maxAccelerationGapSeconds {
		return 0, false
	}
	ds := curr.Speed - prev.Speed
	value := ds / dt
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, false
	}
	return value, true
}

// centroidDisplacement computes the planar (XY) Euclidean distance
// between two consecutive centroids. Z is ignored.
func centroidDisplacement(prev, curr telemetry.Frame) (float64, bool) {
	dx := curr.Centroid.X - prev.Centroid.X
	dy := curr.Centroid.Y - prev.Centroid.Y
	value := math.Hypot(dx, dy)
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, false
	}
	return value, true
}

// headingChange computes the absolute wrapped yaw delta between two
// consecutive frames, in [0, pi].
func headingChange(prev, curr telemetry.Frame) (float64, bool) {
	delta := curr.Yaw - prev.Yaw
	//1.- Wrap into (-pi, pi] the same way the source wraps angular deltas.
	wrapped := math.Atan2(math.Sin(delta), math.Cos(delta))
	value := math.Abs(wrapped)
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, false
	}
	return value, true
}
