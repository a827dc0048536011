package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/zoobzio/apmz"
	"github.com/zoobzio/apmz/diag"
	"github.com/zoobzio/apmz/otlp"
)

const (
	defaultLogLevel         = "info"
	defaultServiceName      = "apmzd"
	defaultWorkloadWorkers  = 4
	defaultWorkloadInterval = 250 * time.Millisecond
)

type appConfig struct {
	HarvestInterval  time.Duration     `mapstructure:"harvest-interval"`
	TransmitTimeout  time.Duration     `mapstructure:"transmit-timeout"`
	MaxSegments      int               `mapstructure:"max-segments"`
	TraceBufferSize  int               `mapstructure:"trace-buffer-size"`
	LogLevel         string            `mapstructure:"log-level"`
	ServiceName      string            `mapstructure:"service-name"`
	OTLPEnabled      bool              `mapstructure:"otlp-enabled"`
	OTLPEndpoint     string            `mapstructure:"otlp-endpoint"`
	OTLPHeaders      map[string]string `mapstructure:"otlp-headers"`
	DiagEnabled      bool              `mapstructure:"diag-enabled"`
	DiagAddr         string            `mapstructure:"diag-addr"`
	WorkloadWorkers  int               `mapstructure:"workload-workers"`
	WorkloadInterval time.Duration     `mapstructure:"workload-interval"`
	ConfigPath       string            `mapstructure:"-"` // not from config file
}

func (c appConfig) agentConfig() apmz.Config {
	return apmz.Config{
		HarvestInterval: c.HarvestInterval,
		TransmitTimeout: c.TransmitTimeout,
		MaxSegments:     c.MaxSegments,
		TraceBufferSize: c.TraceBufferSize,
	}
}

func (c appConfig) otlpConfig() otlp.Config {
	return otlp.Config{
		Endpoint:    c.OTLPEndpoint,
		ServiceName: c.ServiceName,
		Headers:     c.OTLPHeaders,
	}
}

func loadConfig(configPath string) (appConfig, error) {
	var cfg appConfig

	v := viper.New()
	v.SetEnvPrefix("APMZ")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	v.SetDefault("harvest-interval", apmz.DefaultHarvestInterval)
	v.SetDefault("transmit-timeout", apmz.DefaultTransmitTimeout)
	v.SetDefault("max-segments", apmz.DefaultMaxSegments)
	v.SetDefault("trace-buffer-size", apmz.DefaultTraceBufferSize)
	v.SetDefault("log-level", defaultLogLevel)
	v.SetDefault("service-name", defaultServiceName)
	v.SetDefault("otlp-enabled", false)
	v.SetDefault("otlp-endpoint", otlp.DefaultEndpoint)
	v.SetDefault("diag-enabled", true)
	v.SetDefault("diag-addr", diag.DefaultAddr)
	v.SetDefault("workload-workers", defaultWorkloadWorkers)
	v.SetDefault("workload-interval", defaultWorkloadInterval)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else if home, err := os.UserHomeDir(); err == nil {
		v.SetConfigFile(filepath.Join(home, ".config", "apmz", "config.yml"))
	}

	if v.ConfigFileUsed() != "" {
		if err := v.ReadInConfig(); err != nil {
			var configFileNotFound viper.ConfigFileNotFoundError
			if !errors.As(err, &configFileNotFound) && !os.IsNotExist(err) {
				return cfg, err
			}
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	cfg.ConfigPath = v.ConfigFileUsed()

	if cfg.HarvestInterval <= 0 {
		return cfg, fmt.Errorf("invalid harvest-interval: %s", cfg.HarvestInterval)
	}
	if cfg.WorkloadWorkers < 0 {
		return cfg, fmt.Errorf("invalid workload-workers: %d", cfg.WorkloadWorkers)
	}
	return cfg, nil
}
