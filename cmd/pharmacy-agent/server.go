package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/chromylcl/pharmacy-agentic-ai/internal/config"
	"github.com/chromylcl/pharmacy-agentic-ai/internal/domain/admin"
	"github.com/chromylcl/pharmacy-agentic-ai/internal/domain/conversation"
	"github.com/chromylcl/pharmacy-agentic-ai/internal/domain/emergency"
	"github.com/chromylcl/pharmacy-agentic-ai/internal/domain/medication"
	"github.com/chromylcl/pharmacy-agentic-ai/internal/domain/safety"
	"github.com/chromylcl/pharmacy-agentic-ai/internal/domain/session"
	"github.com/chromylcl/pharmacy-agentic-ai/internal/platform/blobstore"
	"github.com/chromylcl/pharmacy-agentic-ai/internal/platform/db"
	"github.com/chromylcl/pharmacy-agentic-ai/internal/platform/middleware"
	"github.com/chromylcl/pharmacy-agentic-ai/internal/platform/responder"
	"github.com/chromylcl/pharmacy-agentic-ai/internal/platform/speech"
	"github.com/chromylcl/pharmacy-agentic-ai/internal/platform/webhook"
	"github.com/chromylcl/pharmacy-agentic-ai/internal/platform/websocket"
	"github.com/chromylcl/pharmacy-agentic-ai/migrations"
)

const (
	connectTimeout  = 5 * time.Second
	shutdownTimeout = 10 * time.Second
	version         = "0.1.0"
)

// app holds the wired components of one server process.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	pool     *pgxpool.Pool
	registry *conversation.Registry
	catalog  medication.Catalog
	blobs    blobstore.BlobStore
	hub      *websocket.Hub
	admin    *admin.Service
	webhooks *webhook.Dispatcher
}

// buildApp wires every component from cfg. pool may be nil, in which case
// sessions live in memory only.
func buildApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger, pool *pgxpool.Pool) (*app, error) {
	client, err := responder.NewClient(cfg.ResponderURL, cfg.ResponderTimeout, responder.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("responder client: %w", err)
	}

	var seed []medication.Medicine
	if cfg.CatalogFile != "" {
		seed, err = medication.LoadCatalogFile(cfg.CatalogFile)
		if err != nil {
			return nil, err
		}
		logger.Info().Int("medicines", len(seed)).Str("file", cfg.CatalogFile).Msg("seed catalog loaded")
	}
	catalog := medication.NewCachedCatalog(medication.NewResponderSource(client), cfg.CatalogTTL, seed, logger)

	var store session.Store = session.NewMemoryStore()
	if pool != nil {
		store = session.NewStorePG(pool)
	}

	hub := websocket.NewHub(logger)
	adminSvc := admin.NewService(admin.NewResponderFeed(client), cfg.CatalogTTL, logger)
	bus := session.NewBus(hub, adminSvc)

	var hooks *webhook.Dispatcher
	if len(cfg.WebhookURLs) > 0 {
		hooks, err = webhook.NewDispatcher(cfg.WebhookURLs, cfg.WebhookSecret, logger)
		if err != nil {
			return nil, err
		}
		bus.Subscribe(hooks)
		logger.Info().Int("endpoints", len(cfg.WebhookURLs)).Msg("webhook delivery enabled")
	}

	blobs := blobstore.NewInMemoryBlobStore(cfg.PrescriptionMaxBytes)

	deps := conversation.Deps{
		Responder:    client,
		Catalog:      catalog,
		Detector:     emergency.NewDetector(cfg.EmergencyKeywords...),
		Restricted:   safety.NewRestrictedList(cfg.RestrictedDrugs...),
		Archive:      blobstore.NewArchive(blobs),
		Store:        store,
		Notifier:     bus,
		DefaultLimit: cfg.DefaultMaxSafeDosage,
		Logger:       logger,
	}

	return &app{
		cfg:      cfg,
		logger:   logger,
		pool:     pool,
		registry: conversation.NewRegistry(deps, speechFactory(cfg, logger)),
		catalog:  catalog,
		blobs:    blobs,
		hub:      hub,
		admin:    adminSvc,
		webhooks: hooks,
	}, nil
}

// speechBackend is implemented by both speech providers.
type speechBackend interface {
	speech.Transcriber
	speech.Voice
}

// speechFactory returns nil when speech is disabled; controllers then fall
// back to no-op recognizers and synthesizers.
func speechFactory(cfg *config.Config, logger zerolog.Logger) conversation.SpeechFactory {
	var backend speechBackend
	switch cfg.SpeechProvider {
	case "whisper":
		backend = speech.NewWhisperBackend(cfg.STTURL, cfg.TTSURL, cfg.TTSVoice)
	case "openai":
		backend = speech.NewOpenAIBackend(cfg.OpenAIAPIKey)
	default:
		return nil
	}
	return func(sessionID string, notifier session.Notifier) (speech.SpeechRecognizer, speech.SpeechSynthesizer) {
		l := logger.With().Str("session_id", sessionID).Logger()
		return speech.NewStreamRecognizer(backend, l),
			speech.NewSpeaker(backend, conversation.NewAudioSink(notifier), l)
	}
}

// routes builds the HTTP surface.
func (a *app) routes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(middleware.SecurityHeaders(a.cfg.IsProduction()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: a.cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders: []string{"Content-Type", middleware.RequestIDHeader},
	}))
	// Multipart framing on top of the largest accepted prescription file.
	uploadLimit := strconv.FormatInt(a.cfg.PrescriptionMaxBytes+(64<<10), 10)
	e.Use(middleware.BodyLimit(a.cfg.BodyLimit, uploadLimit))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(a.pool))

	apiV1 := e.Group("/api/v1")

	// The socket is long-lived; it is registered before the per-request
	// timeout and rate limit apply to the rest of the API.
	websocket.NewHandler(a.hub, a.cfg.CORSOrigins, a.logger).RegisterRoutes(apiV1)

	api := apiV1.Group("")
	rl := middleware.DefaultRateLimitConfig()
	if a.cfg.RateLimitRPS > 0 && a.cfg.RateLimitBurst > 0 {
		rl.RequestsPerSecond, rl.BurstSize = a.cfg.RateLimitRPS, a.cfg.RateLimitBurst
	}
	rl.SessionRequestsPerSecond, rl.SessionBurst = a.cfg.SessionRateLimitRPS, a.cfg.SessionRateLimitBurst
	api.Use(middleware.RateLimit(rl))
	api.Use(middleware.RequestTimeout(a.cfg.RequestTimeout))

	conversation.NewHandler(a.registry, a.cfg.PrescriptionMaxBytes).RegisterRoutes(api)
	medication.NewHandler(a.catalog).RegisterRoutes(api)
	blobstore.NewBlobHandler(a.blobs).RegisterRoutes(api)
	admin.NewHandler(a.admin).RegisterRoutes(api)
	if a.webhooks != nil {
		a.webhooks.RegisterRoutes(api)
	}

	return e
}

func runServer(cfg *config.Config, logger zerolog.Logger) error {
	ctx := context.Background()

	var pool *pgxpool.Pool
	if cfg.PersistenceEnabled() {
		p, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, connectTimeout)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer p.Close()
		pool = p
		logger.Info().Msg("connected to database")

		n, err := db.NewMigrator(pool, migrations.FS, logger).Up(ctx)
		if err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
		if n > 0 {
			logger.Info().Int("applied", n).Msg("migrations applied")
		}
	} else {
		logger.Warn().Msg("DATABASE_URL not set; sessions are kept in memory only")
	}

	a, err := buildApp(ctx, cfg, logger, pool)
	if err != nil {
		return err
	}
	defer a.registry.Close()

	e := a.routes()

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().
			Str("addr", addr).
			Str("responder", cfg.ResponderURL).
			Str("speech", cfg.SpeechProvider).
			Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	if a.webhooks != nil {
		a.webhooks.Wait()
	}
	logger.Info().Msg("server stopped")
	return nil
}
