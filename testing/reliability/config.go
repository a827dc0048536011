package reliability

import (
	"os"
	"strconv"
	"time"
)

// ReliabilityConfig holds configuration for reliability testing.
type ReliabilityConfig struct {
	Level         string        // "basic" or "stress"
	Duration      time.Duration // Test duration for stress tests
	MaxGoroutines int           // Maximum goroutines for concurrent tests
	FailureRate   float64       // Share of harvests the flaky transmitter rejects (0.0-1.0)
}

func getReliabilityConfig() ReliabilityConfig {
	return ReliabilityConfig{
		Level:         getEnv("APMZ_RELIABILITY_LEVEL", ""),
		Duration:      parseDuration(getEnv("APMZ_RELIABILITY_DURATION", "10s")),
		MaxGoroutines: parseInt(getEnv("APMZ_RELIABILITY_MAX_GOROUTINES", "100")),
		FailureRate:   parseFloat(getEnv("APMZ_RELIABILITY_FAILURE_RATE", "0.3")),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseInt(s string) int {
	if value, err := strconv.Atoi(s); err == nil {
		return value
	}
	return 0
}

func parseFloat(s string) float64 {
	if value, err := strconv.ParseFloat(s, 64); err == nil {
		return value
	}
	return 0.0
}

func parseDuration(s string) time.Duration {
	if duration, err := time.ParseDuration(s); err == nil {
		return duration
	}
	return 10 * time.Second
}

// stressDuration caps cfg.Duration in basic mode.
func (c ReliabilityConfig) stressDuration() time.Duration {
	if c.Level != "stress" && c.Duration > time.Second {
		return time.Second
	}
	return c.Duration
}
