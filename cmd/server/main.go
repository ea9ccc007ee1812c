package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"submission-orchestrator/internal/api"
	"submission-orchestrator/internal/authgate"
	"submission-orchestrator/internal/common"
	"submission-orchestrator/internal/coordinator"
	"submission-orchestrator/internal/database"
	"submission-orchestrator/internal/export"
	"submission-orchestrator/internal/health"
	"submission-orchestrator/internal/models"
	"submission-orchestrator/internal/payload"
	"submission-orchestrator/internal/ratelimit"
	"submission-orchestrator/internal/websocket"
	"submission-orchestrator/internal/worker"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg := common.LoadConfig()
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Open the job store
	store, err := database.Open(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	logger.Info("job store ready", "driver", cfg.Database.Driver)

	// Approval gate
	var provider authgate.Provider
	if cfg.Auth.IdPBaseURL != "" {
		provider = authgate.NewHTTPProvider(cfg.Auth.IdPBaseURL, cfg.Auth.IdPAPIKey, &http.Client{Timeout: cfg.Auth.IdPTimeout}, logger)
		logger.Info("using identity provider", "base_url", cfg.Auth.IdPBaseURL)
	} else {
		provider = authgate.NewSandboxProvider(cfg.Auth.SandboxDelay, cfg.Auth.Window)
		logger.Warn("IDP_BASE_URL not set, approvals are simulated", "delay", cfg.Auth.SandboxDelay)
	}
	gate := authgate.New(provider, cfg.Auth.Window, logger)

	// The websocket manager and the coordinator refer to each other through closures.
	var coord *coordinator.Coordinator
	wsManager := websocket.New(
		func(ctx context.Context, submissionID string) (models.StatusSnapshot, error) {
			return coord.GetStatus(ctx, "", submissionID)
		},
		func(ctx context.Context) (*models.Metrics, error) { return coord.Metrics(ctx) },
		logger,
	)
	coord = coordinator.New(store, gate, logger,
		coordinator.WithHeartbeatThreshold(cfg.Worker.HeartbeatThreshold),
		coordinator.WithRetention(cfg.Retention.Window),
		coordinator.WithLostAfter(cfg.Retention.LostAfter),
		coordinator.WithAbandonAfter(cfg.Retention.AbandonAfter),
		coordinator.WithPayloadInspector(payload.NewInspector(cfg.Server.PayloadRoot).Inspect),
		coordinator.WithNotifier(wsManager.Notify),
	)

	limiter := ratelimit.New(cfg.Server.CreatesPerMin)
	apiServer, err := api.NewServer(coord, export.NewService(coord, logger), limiter, wsManager, logger)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	apiServer.SetupRoutes(mux)

	var bg sync.WaitGroup
	spawn := func(fn func()) {
		bg.Add(1)
		go func() {
			defer bg.Done()
			fn()
		}()
	}

	// Start workers
	if cfg.Worker.Count > 0 {
		if !cfg.Worker.Simulate {
			return common.NewAppError("CONFIG_ERROR", "no automation backend configured; set WORKER_SIMULATE=true or WORKER_COUNT=0", common.ErrInvalidInput)
		}
		workers := worker.StartPool(ctx, cfg.Worker.Count, store, worker.NewSimulatedAutomation(2*time.Second), worker.Config{
			PollInterval:      cfg.Worker.PollInterval,
			HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		}, logger, wsManager.Notify)
		defer workers.Wait()
	}

	checker := health.NewChecker(store, logger)
	spawn(func() { checker.Run(ctx, 10*time.Second) })
	spawn(func() {
		if err := health.Serve(ctx, cfg.Server.HealthAddr, checker, logger); err != nil {
			logger.Error("health server failed", "error", err)
		}
	})
	spawn(func() { coord.RunRetention(ctx, cfg.Retention.Interval) })
	spawn(func() { pruneLimiter(ctx, limiter, logger) })

	srv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.Server.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		stop()
		bg.Wait()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	bg.Wait()
	return nil
}

func pruneLimiter(ctx context.Context, rl *ratelimit.RateLimiter, logger *slog.Logger) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := rl.Prune(); n > 0 {
				logger.Debug("pruned idle rate limit buckets", "count", n)
			}
		}
	}
}
