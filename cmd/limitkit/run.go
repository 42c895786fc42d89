package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nhalm/canonlog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nhalm/limitkit"
	"github.com/nhalm/limitkit/api"
	"github.com/nhalm/limitkit/config"
	"github.com/nhalm/limitkit/store"
)

var runFlags struct {
	listenAddress string
	logLevel      string
	dryRun        bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the limitkit server",
	Long: `Start the limitkit HTTP server with the specified configuration.

Examples:
  # Start with defaults (in-memory store on :8080)
  limitkit run

  # Start with a config file
  limitkit run --config /etc/limitkit/config.yaml

  # Override listen address
  limitkit run --listen 0.0.0.0:9090

  # Validate config and limits without starting the server
  limitkit run --dry-run`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runFlags.listenAddress, "listen", "l", "", "override listen address")
	runCmd.Flags().StringVar(&runFlags.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	runCmd.Flags().BoolVar(&runFlags.dryRun, "dry-run", false, "validate config without starting server")
}

func runServer(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if runFlags.listenAddress != "" {
		cfg.Server.Address = runFlags.listenAddress
	}
	if runFlags.logLevel != "" {
		cfg.LogLevel = runFlags.logLevel
	}

	slog.SetDefault(newLogger(cfg.LogLevel))

	if _, err := cron.ParseStandard(cfg.PurgeSchedule); err != nil {
		return fmt.Errorf("invalid purge schedule %q: %w", cfg.PurgeSchedule, err)
	}
	if cfg.LimitsFile != "" {
		if _, err := config.LoadLimits(cfg.LimitsFile); err != nil {
			return err
		}
	}
	if runFlags.dryRun {
		fmt.Fprintln(cmd.OutOrStdout(), "✓ Configuration valid")
		return nil
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := openStorage(cfg)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	st := store.NewInstrumented(backend, reg)
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("failed to close storage", "error", err)
		}
	}()

	limiter := limitkit.NewRateLimiter(st)

	loader := &limitsLoader{path: cfg.LimitsFile, limiter: limiter}
	if cfg.LimitsFile != "" {
		if err := loader.reload(ctx); err != nil {
			return err
		}
	}

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.PurgeSchedule, purgeJob(ctx, st)); err != nil {
		return fmt.Errorf("failed to schedule purge: %w", err)
	}
	scheduler.Start()
	defer func() { <-scheduler.Stop().Done() }()

	router := api.NewServer(limiter,
		api.WithAPIKey(cfg.Server.APIKey),
		api.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
		api.WithHandlerOptions(api.WithCanonlog(), api.WithSLOs()),
	).Router()
	router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("server listening", "address", cfg.Server.Address, "storage", cfg.Storage.Kind)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if cfg.WatchLimits && cfg.LimitsFile != "" {
		watcher := config.NewWatcher(cfg.LimitsFile, config.WithErrorHandler(func(err error) {
			slog.Error("limits watcher error", "path", cfg.LimitsFile, "error", err)
		}))
		g.Go(func() error {
			return watcher.Watch(gctx, loader.reload)
		})
	}

	return g.Wait()
}

func newLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
}

func openStorage(cfg *config.Config) (limitkit.Storage, error) {
	switch cfg.Storage.Kind {
	case "redis":
		st, err := store.NewRedis(cfg.RedisStoreConfig())
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return store.NewMemory(), nil
	}
}

// limitsLoader applies the limits file to the limiter. Namespaces dropped
// from the file between two loads are deleted.
type limitsLoader struct {
	path    string
	limiter *limitkit.RateLimiter

	mu    sync.Mutex
	known []string
}

func (l *limitsLoader) reload(ctx context.Context) error {
	lctx := canonlog.NewContext(ctx)
	defer canonlog.Flush(lctx)
	canonlog.InfoAddMany(lctx, map[string]any{"job": "reload_limits", "path": l.path})

	limits, err := config.LoadLimits(l.path)
	if err != nil {
		canonlog.ErrorAdd(lctx, err)
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.limiter.ConfigureWith(ctx, l.known, limits); err != nil {
		canonlog.ErrorAdd(lctx, err)
		return fmt.Errorf("failed to apply limits: %w", err)
	}
	l.known = config.Namespaces(limits)

	canonlog.InfoAddMany(lctx, map[string]any{"limits": len(limits), "namespaces": len(l.known)})
	return nil
}

func purgeJob(ctx context.Context, p store.Purger) func() {
	return func() {
		jctx := canonlog.NewContext(ctx)
		start := time.Now()
		n := p.PurgeExpired()
		canonlog.InfoAddMany(jctx, map[string]any{
			"job":         "purge_expired",
			"purged":      n,
			"duration_ms": time.Since(start).Milliseconds(),
		})
		canonlog.Flush(jctx)
	}
}
