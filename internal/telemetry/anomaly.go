package telemetry

import (
	"encoding/json"
	"fmt"
	"time"
)

// Severity grades how urgently an anomaly needs operator attention.
type Severity string

const (
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Anomaly is the outbound record published to the anomalies topic.
type Anomaly struct {
	AnomalyID      string             `json:"anomaly_id"`
	EventTime      time.Time          `json:"event_time"`
	ProcessingTime time.Time          `json:"processing_time"`
	VehicleID      string             `json:"vehicle_id"`
	SceneID        string             `json:"scene_id"`
	FrameIndex     int64              `json:"frame_index"`
	RuleName       string             `json:"rule_name"`
	Features       map[string]float64 `json:"features"`
	Thresholds     map[string]float64 `json:"thresholds"`
	Severity       Severity           `json:"severity"`
	Explanation    string             `json:"explanation,omitempty"`
}

// EncodeAnomaly serializes an Anomaly to its wire form.
func EncodeAnomaly(a Anomaly) ([]byte, error) {
	payload, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("telemetry: encode anomaly: %w", err)
	}
	return payload, nil
}

// DecodeAnomaly parses a bus message payload into an Anomaly. Used by
// operator-side tooling and round-trip tests.
func DecodeAnomaly(payload []byte) (Anomaly, error) {
	var a Anomaly
	if err := json.Unmarshal(payload, &a); err != nil {
		return Anomaly{}, fmt.Errorf("telemetry: decode anomaly: %w", err)
	}
	return a, nil
}
