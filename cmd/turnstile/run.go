package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/spf13/cobra"

	"gatewise/turnstile/pkg/admission"
	"gatewise/turnstile/pkg/admission/escalation"
	"gatewise/turnstile/pkg/config"
	"gatewise/turnstile/pkg/scheduler"
	"gatewise/turnstile/pkg/server"
	"gatewise/turnstile/pkg/store"
	"gatewise/turnstile/pkg/telemetry/health"
	"gatewise/turnstile/pkg/telemetry/logging"
	"gatewise/turnstile/pkg/usage"
)

var runFlags struct {
	listenAddress string
	logLevel      string
	watch         bool
	dryRun        bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the admission engine",
	Long: `Start the admission engine with the specified configuration.

The engine serves admission, usage, reset, and state endpoints over HTTP,
backed by the configured shared store.

Examples:
  # Start with default config
  turnstile run

  # Start with custom config
  turnstile run --config /etc/turnstile/config.yaml

  # Override listen address
  turnstile run --listen 0.0.0.0:8080

  # Reload limits when the config file changes
  turnstile run --watch

  # Validate config without starting
  turnstile run --dry-run`,
	RunE: runEngine,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runFlags.listenAddress, "listen", "l", "", "override listen address")
	runCmd.Flags().StringVar(&runFlags.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	runCmd.Flags().BoolVar(&runFlags.watch, "watch", false, "reload limits when the config file changes")
	runCmd.Flags().BoolVar(&runFlags.dryRun, "dry-run", false, "validate config without starting the engine")
}

// schedulerCalendar picks the reset time and timezone for the calendar
// jobs from the scope configuration. When every configured limit spec
// agrees on a calendar the scheduler follows it; when scopes disagree it
// falls back to the engine defaults and the off-calendar ledgers are left
// to expire on their own TTLs.
func schedulerCalendar(scopes map[string]config.ScopeConfig) (string, string) {
	resetTime, timezone := "", ""
	uniform := true
	observe := func(spec config.QuotaSpec) {
		rt, tz := spec.ResetTime, spec.Timezone
		if rt == "" {
			rt = config.DefaultResetTime
		}
		if tz == "" {
			tz = config.DefaultTimezone
		}
		if resetTime == "" && timezone == "" {
			resetTime, timezone = rt, tz
			return
		}
		if rt != resetTime || tz != timezone {
			uniform = false
		}
	}
	for _, scope := range scopes {
		if scope.AllowUnknown {
			observe(scope.Default.Quota)
		}
		for _, spec := range scope.Identifiers {
			observe(spec.Quota)
		}
	}
	if !uniform || resetTime == "" {
		return config.DefaultResetTime, config.DefaultTimezone
	}
	return resetTime, timezone
}

func runEngine(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Apply flag overrides
	if runFlags.listenAddress != "" {
		cfg.Server.ListenAddress = runFlags.listenAddress
	}
	if runFlags.logLevel != "" {
		cfg.Telemetry.Logging.Level = runFlags.logLevel
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}

	logger, err := logging.New(logging.Config{
		Level:     cfg.Telemetry.Logging.Level,
		Format:    cfg.Telemetry.Logging.Format,
		AddSource: cfg.Telemetry.Logging.AddSource,
	})
	if err != nil {
		return err
	}

	if runFlags.dryRun {
		fmt.Println("✓ Configuration valid")
		return nil
	}

	// Shared counter store
	var counters store.Store
	switch cfg.Store.Backend {
	case "memory":
		counters = store.NewMemoryStore()
		logger.Warn("using in-memory store, state is neither shared nor durable")
	default:
		counters, err = store.NewRedisStore(store.RedisConfig{
			Addr:      cfg.Store.Redis.Addr,
			Password:  cfg.Store.Redis.Password,
			DB:        cfg.Store.Redis.DB,
			OpTimeout: cfg.Store.Redis.OpTimeout,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
	}
	defer counters.Close()
	fmt.Printf("✓ Store connected (%s)\n", cfg.Store.Backend)

	// Limit provider, optionally watching the file
	provider := config.NewProvider(cfg, logger)
	if runFlags.watch {
		provider, err = config.LoadProvider(cfgFile, logger)
		if err != nil {
			return err
		}
		if err := provider.Watch(); err != nil {
			return fmt.Errorf("failed to watch config: %w", err)
		}
		defer provider.Close()
	}

	// Durable usage store and async commit queue
	db, err := usage.NewSQLiteStore(cfg.Usage.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open usage database: %w", err)
	}
	defer db.Close()

	recorder := usage.NewRecorder(logger,
		usage.WithQueueSize(cfg.Usage.QueueSize),
		usage.WithWorkers(cfg.Usage.Workers),
	)
	defer recorder.Close()

	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "turnstile_usage_queue_depth",
		Help: "Commit tasks waiting in the usage recorder queue.",
	}, func() float64 { return float64(recorder.QueueDepth()) })
	promauto.NewCounterFunc(prometheus.CounterOpts{
		Name: "turnstile_usage_dropped_total",
		Help: "Commit tasks dropped because the recorder queue was full.",
	}, func() float64 {
		_, _, _, dropped := recorder.Stats()
		return float64(dropped)
	})

	// Warning escalation
	escalator := escalation.NewEngine(counters, nil, logger,
		escalation.WithQueueSize(cfg.Escalation.QueueSize),
		escalation.WithDeliverTimeout(cfg.Escalation.DeliverTimeout),
	)
	defer escalator.Close()

	// One gate per configured scope type
	metrics := admission.NewMetrics(nil)
	gates := make(map[string]*admission.Gate, len(cfg.Scopes))
	for scopeType := range cfg.Scopes {
		gates[scopeType] = admission.NewGate(scopeType, counters, provider,
			admission.WithLogger(logger),
			admission.WithMetrics(metrics),
			admission.WithEscalation(escalator),
			admission.WithPersistence(recorder, db),
		)
	}
	fmt.Printf("✓ Admission gates ready (%d scopes)\n", len(gates))

	// Calendar jobs
	if cfg.Scheduler.Enabled {
		scopes := make([]string, 0, len(gates))
		for scopeType := range gates {
			scopes = append(scopes, scopeType)
		}
		resetTime, timezone := schedulerCalendar(cfg.Scopes)
		sched, err := scheduler.New(scheduler.Config{
			ResetTime: resetTime,
			Timezone:  timezone,
			Namespace: cfg.Store.Namespace,
			Retention: time.Duration(cfg.Usage.RetentionDays) * 24 * time.Hour,
		}, counters, db, scopes, logger, nil)
		if err != nil {
			return fmt.Errorf("failed to create scheduler: %w", err)
		}
		sched.Start()
		defer sched.Stop()
	}

	// HTTP API with readiness probes over both backing stores
	srv := server.NewServer(cfg.Server, cfg.Telemetry.Metrics, gates, db, nil, logger)

	checker := health.New(0)
	probeKey := store.LedgerKey(cfg.Store.Namespace, "probe", "daily", "readiness", "probe")
	checker.Register("store", func(ctx context.Context) error {
		_, err := counters.LedgerRead(ctx, probeKey)
		return err
	})
	checker.Register("usage_db", func(ctx context.Context) error {
		_, err := db.Totals(ctx, "probe", "readiness", "daily", "probe")
		return err
	})
	srv.SetReadiness(checker)

	errChan := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errChan:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
