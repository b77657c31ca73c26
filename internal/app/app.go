// Package app wires repopulse's components together and runs one of the
// "api", "worker", or "migrate" modes, mirroring the teacher's top-level
// Run/runAPI/runWorker shape.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/kmanoj03/repopulse/internal/config"
	"github.com/kmanoj03/repopulse/internal/httpserver"
	"github.com/kmanoj03/repopulse/internal/platform"
	"github.com/kmanoj03/repopulse/internal/queue"
	"github.com/kmanoj03/repopulse/internal/telemetry"
	"github.com/kmanoj03/repopulse/pkg/broker"
	"github.com/kmanoj03/repopulse/pkg/genmodel"
	"github.com/kmanoj03/repopulse/pkg/installsync"
	"github.com/kmanoj03/repopulse/pkg/notify"
	"github.com/kmanoj03/repopulse/pkg/store"
	"github.com/kmanoj03/repopulse/pkg/summary"
	"github.com/kmanoj03/repopulse/pkg/webhook"
)

const (
	queuePRSummary    = "pr-summary"
	queuePRNotifyChat = "pr-notify-chat"
)

// Run reads config, connects to infrastructure, and starts the mode
// named by cfg.Mode.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting repopulse", "mode", cfg.Mode, "listen", cfg.ListenAddr())

	if cfg.Mode == "migrate" {
		if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		logger.Info("migrations applied")
		return nil
	}

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisAddr(), cfg.RedisPassword)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	metricsReg := telemetry.NewMetricsRegistry()

	st := store.New(db)
	q := queue.New(rdb, logger)

	brokerClient, err := newBrokerClient(cfg)
	if err != nil {
		return fmt.Errorf("initializing credential broker: %w", err)
	}
	if brokerClient == nil {
		logger.Info("credential broker disabled (PLATFORM_APP_ID not set)")
	}

	var syncer *installsync.Syncer
	if brokerClient != nil {
		syncer = installsync.New(brokerClient, st, logger)
	}

	genmodelClient := genmodel.New(cfg.GenModelAPIKey, cfg.GenModelModel)
	notifyWorker := notify.NewWorker(st, cfg.ChatEnabled, cfg.ChatWebhookURL, logger)

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, db, rdb, metricsReg, st, q, brokerClient, syncer)
	case "worker":
		return runWorker(ctx, cfg, logger, q, st, brokerClient, genmodelClient, notifyWorker)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

func newBrokerClient(cfg *config.Config) (*broker.Client, error) {
	if cfg.PlatformAppID == "" {
		return nil, nil
	}

	var keyPEM []byte
	switch {
	case cfg.PlatformPrivateKey != "":
		keyPEM = []byte(cfg.PlatformPrivateKey)
	case cfg.PlatformPrivateKeyPath != "":
		raw, err := os.ReadFile(cfg.PlatformPrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("reading platform private key: %w", err)
		}
		keyPEM = raw
	default:
		return nil, fmt.Errorf("PLATFORM_APP_ID is set but no private key is configured")
	}

	b, err := broker.New(cfg.PlatformAppID, keyPEM, cfg.PlatformAPIBaseURL)
	if err != nil {
		return nil, err
	}
	return broker.NewClient(b, cfg.PlatformAPIBaseURL), nil
}

func runAPI(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	db *pgxpool.Pool,
	rdb *redis.Client,
	metricsReg *prometheus.Registry,
	st *store.Store,
	q *queue.Queue,
	brokerClient *broker.Client,
	syncer *installsync.Syncer,
) error {
	srv := httpserver.NewServer(httpserver.ServerConfig{
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	}, logger, db, rdb, metricsReg)

	var client webhook.PRFilesFetcher
	var orgSyncer webhook.OrgSyncer
	if brokerClient != nil {
		client = brokerClient
	}
	if syncer != nil {
		orgSyncer = syncer
	}

	webhookHandler := webhook.NewHandler(st, q, client, orgSyncer, cfg.PlatformWebhookSecret, logger)
	srv.Router.Mount("/webhooks", webhookHandler.Routes())

	mountQueryStubs(srv, st)

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// mountQueryStubs mounts the authenticated query surface (spec §6: GET
// /prs, GET /prs/:id, POST /prs/:id/regenerate, GET /repositories, GET
// /me) as thin handlers over pkg/store. Authentication/authorization is
// an external collaborator not specified here; these stubs exist so the
// routes are discoverable, not to carry the full contract.
func mountQueryStubs(srv *httpserver.Server, st *store.Store) {
	srv.APIRouter.Get("/prs/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		pr, err := st.GetPRByID(r.Context(), id)
		if err != nil {
			httpserver.RespondError(w, http.StatusNotFound, "not_found", "pull request not found")
			return
		}
		httpserver.Respond(w, http.StatusOK, pr)
	})

	// TODO: wire real auth before exposing these — each needs the caller's
	// user/installation context, which is an external collaborator (spec
	// §6 "auth is not specified").
	authRequired := func(w http.ResponseWriter, r *http.Request) {
		httpserver.RespondError(w, http.StatusNotImplemented, "not_implemented", "requires authentication, not yet wired")
	}
	srv.APIRouter.Get("/prs", authRequired)
	srv.APIRouter.Post("/prs/{id}/regenerate", authRequired)
	srv.APIRouter.Get("/repositories", authRequired)
	srv.APIRouter.Get("/me", authRequired)
}

func runWorker(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	q *queue.Queue,
	st *store.Store,
	brokerClient *broker.Client,
	genmodelClient *genmodel.Client,
	notifyWorker *notify.Worker,
) error {
	logger.Info("worker started", "concurrency", cfg.WorkerConcurrency)

	summaryCfg := summary.Config{
		ChatEnabled:   cfg.ChatEnabled,
		RiskThreshold: cfg.ChatRiskThreshold,
		FrontendURL:   cfg.FrontendBaseURL,
	}

	var fetcher summary.PRFetcher
	if brokerClient != nil {
		fetcher = brokerClient
	}

	summaryWorker := summary.NewWorker(st, fetcher, genmodelClient, q, summaryCfg, logger)
	summaryRunner := queue.NewRunner(q, queuePRSummary, cfg.WorkerConcurrency, summaryWorker.Handle, logger)
	notifyRunner := queue.NewRunner(q, queuePRNotifyChat, cfg.WorkerConcurrency, notifyHandler(notifyWorker), logger)

	errCh := make(chan error, 2)
	go func() { errCh <- summaryRunner.Run(ctx) }()
	go func() { errCh <- notifyRunner.Run(ctx) }()

	var firstErr error
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// notifyHandler adapts notify.Worker.Notify (which never returns an error
// by design — delivery failures are swallowed per spec §4.F step 4) to
// internal/queue.Handler.
func notifyHandler(w *notify.Worker) queue.Handler {
	return func(ctx context.Context, job queue.Job) error {
		var payload notify.Payload
		if err := json.Unmarshal(job.Data, &payload); err != nil {
			return fmt.Errorf("decoding pr-notify-chat payload: %w", err)
		}
		return w.Notify(ctx, payload)
	}
}
