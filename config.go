package apmz

import "time"

const (
	DefaultHarvestInterval = 60 * time.Second
	DefaultMaxSegments     = 900
	DefaultTraceBufferSize = 256
	DefaultTransmitTimeout = 10 * time.Second
)

// Config holds agent tuning. Zero durations and buffer sizes fall
// back to defaults. MaxSegments is taken as given, so the zero Config runs
// without a segment cap; use DefaultConfig for the capped defaults.
type Config struct {
	HarvestInterval time.Duration `mapstructure:"harvest-interval"`
	TransmitTimeout time.Duration `mapstructure:"transmit-timeout"`
	TraceBufferSize int           `mapstructure:"trace-buffer-size"`

	// MaxSegments caps the segments created per transaction, root included.
	// Zero or negative disables the cap.
	MaxSegments int `mapstructure:"max-segments"`
}

// DefaultConfig returns the configuration used by New when fields are unset.
func DefaultConfig() Config {
	return Config{
		HarvestInterval: DefaultHarvestInterval,
		TransmitTimeout: DefaultTransmitTimeout,
		MaxSegments:     DefaultMaxSegments,
		TraceBufferSize: DefaultTraceBufferSize,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HarvestInterval <= 0 {
		c.HarvestInterval = d.HarvestInterval
	}
	if c.TransmitTimeout <= 0 {
		c.TransmitTimeout = d.TransmitTimeout
	}
	if c.TraceBufferSize <= 0 {
		c.TraceBufferSize = d.TraceBufferSize
	}
	return c
}
