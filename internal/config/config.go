// Package config loads the engine's process-wide immutable configuration
// from environment variables at startup, accumulating every parse
// problem into one error instead of failing on the first.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultInTopic is the inbound raw telemetry topic name.
	DefaultInTopic = "raw_telemetry"
	// DefaultOutTopic is the outbound anomalies topic name.
	DefaultOutTopic = "anomalies"
	// DefaultRingBufferSize is the per-vehicle history length.
	DefaultRingBufferSize = 30
	// DefaultDedupCapacity bounds the ingest LRU dedup set.
	DefaultDedupCapacity = 10000
	// DefaultShutdownGraceSeconds bounds the cooperative drain window.
	DefaultShutdownGraceSeconds = 5

	// DefaultSuddenDecelerationWarning in m/s^2.
	DefaultSuddenDecelerationWarning = -3.0
	// DefaultSuddenDecelerationCritical in m/s^2.
	DefaultSuddenDecelerationCritical = -5.0
	// DefaultCentroidWarning in meters.
	DefaultCentroidWarning = 5.0
	// DefaultCentroidCritical in meters.
	DefaultCentroidCritical = 10.0
	// DefaultAgentDrop is the dropout-proxy count threshold.
	DefaultAgentDrop = 5

	// DefaultDropoutWindow is the cadence of the cross-vehicle agent counter.
	DefaultDropoutWindow = time.Second

	// DefaultLogLevel controls verbosity for engine logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "anomaly-engine.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true

	// DefaultHealthAddr is the local health endpoint listen address.
	DefaultHealthAddr = ":8089"
)

// BusConfig describes the partitioned-log endpoint and topic names.
type BusConfig struct {
	Bootstrap []string
	GroupID   string
	InTopic   string
	OutTopic  string
}

// ThresholdConfig mirrors rules.Thresholds but lives in config so Load can
// validate raw environment input before the rules package ever sees it.
type ThresholdConfig struct {
	SuddenDecelerationWarning  float64
	SuddenDecelerationCritical float64
	CentroidWarning            float64
	CentroidCritical           float64
	AgentDrop                  int
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Config captures all runtime tunables for the anomaly-detection engine.
type Config struct {
	Bus                  BusConfig
	RingBufferSize       int
	Thresholds           ThresholdConfig
	DedupCapacity        int
	ShutdownGraceSeconds int
	DropoutWindow        time.Duration
	Logging              LoggingConfig
	HealthAddr           string
}

// Load reads the engine configuration from environment variables, applying
// sane defaults and returning a single error naming every violation.
func Load(getenv func(string) string) (*Config, error) {
	if getenv == nil {
		getenv = func(string) string { return "" }
	}

	cfg := &Config{
		Bus: BusConfig{
			Bootstrap: parseList(getenv("ENGINE_BUS_BOOTSTRAP")),
			GroupID:   strings.TrimSpace(getenv("ENGINE_BUS_GROUP_ID")),
			InTopic:   getString(getenv, "ENGINE_BUS_IN_TOPIC", DefaultInTopic),
			OutTopic:  getString(getenv, "ENGINE_BUS_OUT_TOPIC", DefaultOutTopic),
		},
		RingBufferSize: DefaultRingBufferSize,
		Thresholds: ThresholdConfig{
			SuddenDecelerationWarning:  DefaultSuddenDecelerationWarning,
			SuddenDecelerationCritical: DefaultSuddenDecelerationCritical,
			CentroidWarning:            DefaultCentroidWarning,
			CentroidCritical:           DefaultCentroidCritical,
			AgentDrop:                  DefaultAgentDrop,
		},
		DedupCapacity:        DefaultDedupCapacity,
		ShutdownGraceSeconds: DefaultShutdownGraceSeconds,
		DropoutWindow:        DefaultDropoutWindow,
		Logging: LoggingConfig{
			Level:      getString(getenv, "ENGINE_LOG_LEVEL", DefaultLogLevel),
			Path:       getString(getenv, "ENGINE_LOG_PATH", DefaultLogPath),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
		HealthAddr: getString(getenv, "ENGINE_HEALTH_ADDR", DefaultHealthAddr),
	}

	var problems []string

	if len(cfg.Bus.Bootstrap) == 0 {
		problems = append(problems, "ENGINE_BUS_BOOTSTRAP is required")
	}
	if cfg.Bus.GroupID == "" {
		problems = append(problems, "ENGINE_BUS_GROUP_ID is required")
	}

	if raw := strings.TrimSpace(getenv("ENGINE_RING_BUFFER_SIZE")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("ENGINE_RING_BUFFER_SIZE must be a positive integer, got %q", raw))
		} else {
			cfg.RingBufferSize = value
		}
	}

	if raw := strings.TrimSpace(getenv("ENGINE_DEDUP_CAPACITY")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("ENGINE_DEDUP_CAPACITY must be a positive integer, got %q", raw))
		} else {
			cfg.DedupCapacity = value
		}
	}

	if raw := strings.TrimSpace(getenv("ENGINE_SHUTDOWN_GRACE_SECONDS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("ENGINE_SHUTDOWN_GRACE_SECONDS must be a non-negative integer, got %q", raw))
		} else {
			cfg.ShutdownGraceSeconds = value
		}
	}

	parseFloatEnv(getenv, "ENGINE_THRESHOLD_SUDDEN_DECELERATION_WARNING", &cfg.Thresholds.SuddenDecelerationWarning, &problems)
	parseFloatEnv(getenv, "ENGINE_THRESHOLD_SUDDEN_DECELERATION_CRITICAL", &cfg.Thresholds.SuddenDecelerationCritical, &problems)
	parseFloatEnv(getenv, "ENGINE_THRESHOLD_PERCEPTION_CENTROID_WARNING", &cfg.Thresholds.CentroidWarning, &problems)
	parseFloatEnv(getenv, "ENGINE_THRESHOLD_PERCEPTION_CENTROID_CRITICAL", &cfg.Thresholds.CentroidCritical, &problems)

	if raw := strings.TrimSpace(getenv("ENGINE_THRESHOLD_DROPOUT_AGENT_DROP")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("ENGINE_THRESHOLD_DROPOUT_AGENT_DROP must be a positive integer, got %q", raw))
		} else {
			cfg.Thresholds.AgentDrop = value
		}
	}

	if raw := strings.TrimSpace(getenv("ENGINE_LOG_MAX_SIZE_MB")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("ENGINE_LOG_MAX_SIZE_MB must be a positive integer, got %q", raw))
		} else {
			cfg.Logging.MaxSizeMB = value
		}
	}

	if raw := strings.TrimSpace(getenv("ENGINE_DROPOUT_WINDOW")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("ENGINE_DROPOUT_WINDOW must be a positive duration, got %q", raw))
		} else {
			cfg.DropoutWindow = duration
		}
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("%s", strings.Join(problems, "; "))
	}

	return cfg, nil
}

func parseFloatEnv(getenv func(string) string, key string, dst *float64, problems *[]string) {
	raw := strings.TrimSpace(getenv(key))
	if raw == "" {
		return
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		*problems = append(*problems, fmt.Sprintf("%s must be a number, got %q", key, raw))
		return
	}
	*dst = value
}

func getString(getenv func(string) string, key, fallback string) string {
	if value := strings.TrimSpace(getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if item := strings.TrimSpace(part); item != "" {
			values = append(values, item)
		}
	}
	return values
}
