package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatsync/internal/config"
	"chatsync/internal/constants"
	"chatsync/internal/database"
	"chatsync/internal/metrics"
	"chatsync/internal/models"
	"chatsync/internal/retry"
	"chatsync/internal/service"
	"chatsync/internal/tracing"
	"chatsync/pkg/circuitbreaker"
	"chatsync/pkg/protocol"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	// CLI flags
	verbose    = flag.Bool("verbose", false, "Enable verbose logging (includes addresses and message ids)")
	configPath = flag.String("config", "config.json", "Path to configuration file")
	version    = flag.Bool("version", false, "Show version information")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("chatsync %s\nBuild Time: %s\nGit Commit: %s\n", Version, BuildTime, GitCommit)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logrus.Fatalf("Application error: %v", err)
	}
}

func run(ctx context.Context) error {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	logger.WithFields(logrus.Fields{
		"version": Version,
		"build":   BuildTime,
		"commit":  GitCommit,
	}).Info("Starting chatsync")

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	applyLogLevel(logger, cfg.LogLevel, *verbose)

	tracingManager := tracing.NewTracingManager(tracing.FromModel(cfg.Tracing), logger)
	if err := tracingManager.Initialize(ctx); err != nil {
		logger.Warnf("Failed to initialize tracing: %v", err)
	}
	defer func() {
		if err := tracingManager.Shutdown(context.Background()); err != nil {
			logger.Warnf("Failed to shutdown tracing: %v", err)
		}
	}()

	db, err := openDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	client, err := protocol.NewClient(protocol.Config{
		BaseURL:                cfg.Gateway.URL,
		AuthToken:              cfg.Gateway.AuthToken,
		Timeout:                time.Duration(cfg.Gateway.TimeoutSec) * time.Second,
		CircuitBreakerFailures: uint32(cfg.Gateway.CircuitBreakerFailures),
		CircuitBreakerReset:    time.Duration(cfg.Gateway.CircuitBreakerResetSec) * time.Second,
		ReconnectInitial:       constants.DefaultGatewayReconnectInitialMs * time.Millisecond,
		ReconnectMax:           constants.DefaultGatewayReconnectMaxSec * time.Second,
		OnBreakerStateChange:   breakerObserver(logger),
	}, nil, logger)
	if err != nil {
		return fmt.Errorf("failed to create gateway client: %w", err)
	}

	engine := service.NewEngine(db, client, cfg.Sync, logger)
	monitor := service.NewDeliveryMonitor(db.Store(),
		time.Duration(cfg.Sync.MonitorIntervalSec)*time.Second,
		time.Duration(cfg.Sync.StaleThresholdMin)*time.Minute,
		logger)
	scheduler := service.NewScheduler(engine, time.Duration(cfg.Sync.SweepIntervalSec)*time.Second, logger)

	watcher := config.NewConfigWatcher(*configPath, logger)
	watcher.OnConfigChange(func(newCfg *models.Config) {
		applyLogLevel(logger, newCfg.LogLevel, *verbose)
	})

	server := NewServer(cfg.Server, engine, client, logger, *verbose)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return client.Run(gctx)
	})
	g.Go(func() error {
		return engine.Run(gctx)
	})
	g.Go(func() error {
		scheduler.Run(gctx)
		return nil
	})
	g.Go(func() error {
		monitor.Run(gctx)
		return nil
	})
	g.Go(func() error {
		if err := watcher.Start(gctx); err != nil {
			logger.WithError(err).Warn("Configuration watcher stopped")
		}
		return nil
	})
	g.Go(func() error {
		if err := server.Start(); err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(constants.DefaultGracefulShutdownSec)*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown server gracefully: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error(err)
		return err
	}

	logger.Info("Shutdown completed")
	return nil
}

// openDatabase opens the timeline store with exponential backoff.
func openDatabase(ctx context.Context, cfg *models.Config, logger *logrus.Logger) (*database.Database, error) {
	backoffConfig := retry.FromRetryConfig(cfg.Retry)
	backoffConfig.MaxAttempts = constants.DefaultDatabaseRetryAttempts
	backoff := retry.NewBackoff(backoffConfig)

	var db *database.Database
	err := backoff.Retry(ctx, func() error {
		var initErr error
		db, initErr = database.New(cfg.Database.Path, cfg.Account.Address)
		if initErr != nil {
			logger.Warnf("Failed to initialize database: %v", initErr)
		}
		return initErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database after retries: %w", err)
	}
	return db, nil
}

// applyLogLevel sets the configured level, capped at info. Only -verbose
// enables debug output.
func applyLogLevel(logger *logrus.Logger, configured string, verbose bool) {
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
		return
	}
	if configured == "" {
		logger.SetLevel(logrus.InfoLevel)
		return
	}

	level, err := logrus.ParseLevel(configured)
	if err != nil {
		logger.Warnf("Invalid log level %q, defaulting to info", configured)
		logger.SetLevel(logrus.InfoLevel)
		return
	}
	if level > logrus.InfoLevel {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
}

func breakerObserver(logger *logrus.Logger) func(name string, from, to circuitbreaker.State) {
	return func(name string, from, to circuitbreaker.State) {
		metrics.SetGauge("gateway_circuit_breaker_state", float64(to), map[string]string{"breaker": name}, "Gateway circuit breaker state (0 closed, 1 open, 2 half-open)")
		metrics.IncrementCounter("gateway_circuit_breaker_transitions_total", map[string]string{
			"breaker": name,
			"to":      to.String(),
		}, "Gateway circuit breaker state transitions")

		entry := logger.WithFields(logrus.Fields{
			"breaker": name,
			"from":    from.String(),
			"to":      to.String(),
		})
		if to == circuitbreaker.StateOpen {
			entry.Warn("Gateway circuit breaker opened")
		} else {
			entry.Info("Gateway circuit breaker state changed")
		}
	}
}
