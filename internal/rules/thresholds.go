package rules

// Thresholds is the process-wide immutable threshold configuration,
// parsed once at startup and shared by every rule instance.
type Thresholds struct {
	//1.- SuddenDeceleration grades acceleration (m/s^2); both are negative.
	SuddenDecelerationWarning  float64
	SuddenDecelerationCritical float64

	//2.- PerceptionInstability grades centroid displacement (m).
	CentroidWarning  float64
	CentroidCritical float64

	//3.- DropoutProxy grades the drop in active-agent count (a unitless count).
	AgentDrop int
}

// DefaultThresholds returns the engine's built-in threshold values.
func DefaultThresholds() Thresholds {
	return Thresholds{
		SuddenDecelerationWarning:  -3.0,
		SuddenDecelerationCritical: -5.0,
		CentroidWarning:            5.0,
		CentroidCritical:           10.0,
		AgentDrop:                  5,
	}
}
