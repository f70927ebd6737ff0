package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/p-blackswan/backlog-sync/internal/api"
	"github.com/p-blackswan/backlog-sync/internal/cache"
	"github.com/p-blackswan/backlog-sync/internal/chat"
	"github.com/p-blackswan/backlog-sync/internal/config"
	"github.com/p-blackswan/backlog-sync/internal/conn"
	"github.com/p-blackswan/backlog-sync/internal/controller"
	"github.com/p-blackswan/backlog-sync/internal/drift"
	"github.com/p-blackswan/backlog-sync/internal/events"
	"github.com/p-blackswan/backlog-sync/internal/health"
	"github.com/p-blackswan/backlog-sync/internal/metrics"
	"github.com/p-blackswan/backlog-sync/internal/models"
	"github.com/p-blackswan/backlog-sync/internal/retry"
	"github.com/p-blackswan/backlog-sync/internal/statusapi"
	"github.com/p-blackswan/backlog-sync/internal/store"
)

func main() {
	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

	if os.Getenv("ENVIRONMENT") == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	log.Logger = logger

	// Load config (env, plus optional YAML overrides)
	var cfg *config.Config
	var err error
	if path := os.Getenv("SYNC_CONFIG_FILE"); path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	// Set log level
	if level, lvlErr := zerolog.ParseLevel(cfg.LogLevel); lvlErr == nil {
		zerolog.SetGlobalLevel(level)
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Str("server_url", cfg.ServerURL).
		Str("status_addr", cfg.StatusListenAddr).
		Str("db_path", cfg.DBPath).
		Msg("starting backlog sync daemon")

	// Context with graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Snapshot store
	st, err := store.New(cfg.DBPath, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open snapshot store")
	}
	defer st.Close()

	m := metrics.New()

	// HTTP boundary and connection tracker
	apiClient := api.NewClient(cfg.ServerURL, logger)
	tracker := conn.NewTracker(apiClient, logger)
	tracker.OnProbeFailure = m.ProbeFailuresTotal.Inc

	// Mirror connection mode into the gauge
	states, cancelStates := tracker.Subscribe()
	defer cancelStates()
	go func() {
		for s := range states {
			m.ConnectionMode.Set(float64(s.Mode))
		}
	}()

	entityCache := cache.New(st, logger)

	backoff := retry.Config{
		BaseDelay:   cfg.ReconnectDelay,
		MaxDelay:    cfg.MaxReconnectDelay,
		Exponential: cfg.ReconnectBackoff,
		Jitter:      cfg.ReconnectBackoff,
	}

	// Event channel
	evClient := events.NewClient(events.Config{
		URL:          cfg.EventsURL,
		PingInterval: cfg.PingInterval,
		Backoff:      backoff,
	}, m, logger)
	evClient.OnTransportFailure = tracker.Kick

	// Streaming refinement session
	chatSession := chat.NewSession(chat.Config{
		URL:          cfg.ChatURL,
		PingInterval: cfg.PingInterval,
		Throttle:     cfg.ChunkThrottle,
		Backoff:      backoff,
	}, m, logger)
	chatSession.OnTransportFailure = tracker.Kick
	chatSession.OnChunkPublish = m.ChunkPublishes.Inc

	// Drift reconciler; the refetch hook binds to the controller below.
	var ctrl *controller.Controller
	reconciler := drift.NewReconciler(apiClient, func(ctx context.Context, projectID string) error {
		return ctrl.RefetchProject(ctx, projectID)
	}, logger)
	reconciler.OnReport = func(r *models.HealthReport) {
		m.DriftIssues.Set(float64(len(r.Issues)))
	}

	ctrl = controller.New(apiClient, tracker, entityCache, evClient, reconciler, chatSession, logger)
	ctrl.OnRefetch = m.RefetchesTotal.Inc

	// Health checker
	checker := health.NewChecker(logger)
	checker.Register("server", func(ctx context.Context) health.Status {
		resp, err := apiClient.Status(ctx)
		switch {
		case err != nil:
			return health.StatusDown
		case !resp.BackingHostOnline:
			return health.StatusDegraded
		default:
			return health.StatusOK
		}
	})
	checker.Register("store", func(ctx context.Context) health.Status {
		if err := st.DB().PingContext(ctx); err != nil {
			return health.StatusDown
		}
		return health.StatusOK
	})
	checker.Register("events", func(ctx context.Context) health.Status {
		if evClient.Status() == events.StatusOpen {
			return health.StatusOK
		}
		return health.StatusDegraded
	})

	statusServer := statusapi.NewServer(
		cfg.StatusListenAddr, ctrl, entityCache, apiClient, reconciler, checker, m, logger)

	// WaitGroup for background loops
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		tracker.RunProbeLoop(ctx, cfg.ProbeInterval)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		reconciler.RunLoop(ctx, cfg.DriftInterval)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		ctrl.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := statusServer.Start(); err != nil {
			logger.Error().Err(err).Msg("status api server error")
		}
	}()

	if cfg.DefaultProject != "" {
		if err := ctrl.SelectProject(ctx, cfg.DefaultProject); err != nil {
			logger.Warn().Err(err).Str("project", cfg.DefaultProject).Msg("initial project selection failed")
		}
	}

	// Wait for shutdown signal
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down gracefully")

	cancel()

	if err := statusServer.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("status api shutdown error")
	}
	ctrl.Shutdown()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("all goroutines stopped")
	case <-time.After(10 * time.Second):
		logger.Warn().Msg("forced shutdown after timeout")
	}

	logger.Info().Msg("backlog sync daemon stopped")
}
