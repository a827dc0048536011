// Command apmzd runs an apmz agent against a synthetic workload, harvesting
// to an OTLP collector or the log, with a diagnostics API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/zoobzio/apmz"
	"github.com/zoobzio/apmz/diag"
	"github.com/zoobzio/apmz/otlp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Build variables - set by ldflags during build.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var configPath string
	var showVersion bool

	flag.StringVar(&configPath, "config", "", "config file (default is $HOME/.config/apmz/config.yml)")
	flag.BoolVar(&showVersion, "version", false, "print version information")
	flag.Parse()

	if showVersion {
		fmt.Printf("apmzd %s (%s)\n", version, commit)
		return
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("apmzd exited", zap.Error(err))
		os.Exit(1)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parsing log-level: %w", err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = lvl
	return zcfg.Build()
}

// run wires the agent and its surfaces and blocks until ctx is done.
func run(ctx context.Context, cfg appConfig, logger *zap.Logger) error {
	var transmitter apmz.Transmitter = apmz.LogTransmitter{Logger: logger}
	if cfg.OTLPEnabled {
		t, err := otlp.New(cfg.otlpConfig(), logger)
		if err != nil {
			return fmt.Errorf("failed to initialize OTLP transmitter: %w", err)
		}
		defer t.Close()
		transmitter = t
	}

	agent := apmz.New(cfg.agentConfig(), apmz.WithLogger(logger), apmz.WithTransmitter(transmitter))
	if err := agent.EnableWorkerPool(2, cfg.TraceBufferSize); err != nil {
		return fmt.Errorf("failed to start handler workers: %w", err)
	}

	traces := apmz.NewTraceCollector(cfg.TraceBufferSize)
	defer traces.Close()
	agent.OnTransactionEndAsync(traces.Handler())

	agent.Harvester().OnStateChange(func(s apmz.HarvestState) {
		if s == apmz.StateTransmitFailed {
			logger.Warn("harvest failed; metrics kept for next cycle")
		}
	})
	agent.Start()
	defer func() {
		if err := agent.Close(); err != nil {
			logger.Warn("final harvest failed", zap.Error(err))
		}
	}()

	if cfg.DiagEnabled {
		srv := diag.NewServer(cfg.DiagAddr, agent.Harvester(), traces, logger)
		if err := srv.Start(); err != nil {
			return fmt.Errorf("failed to start diagnostics server: %w", err)
		}
		defer srv.Stop()
	}

	logger.Info("apmzd started",
		zap.String("version", version),
		zap.Duration("harvest_interval", agent.Config().HarvestInterval),
		zap.Bool("otlp", cfg.OTLPEnabled),
		zap.String("config", cfg.ConfigPath),
	)

	g, gctx := errgroup.WithContext(ctx)

	w := &workload{agent: agent, interval: cfg.WorkloadInterval, logger: logger}
	for i := 0; i < cfg.WorkloadWorkers; i++ {
		g.Go(func() error {
			return w.run(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("shutting down")
	return nil
}
