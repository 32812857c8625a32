package main

import (
	"context"
	crypto_rand "crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/carepulse/carepulse/internal/config"
	"github.com/carepulse/carepulse/internal/domain/appointment"
	"github.com/carepulse/carepulse/internal/domain/patient"
	"github.com/carepulse/carepulse/internal/domain/validation"
	"github.com/carepulse/carepulse/internal/platform/auth"
	"github.com/carepulse/carepulse/internal/platform/blobstore"
	"github.com/carepulse/carepulse/internal/platform/db"
	"github.com/carepulse/carepulse/internal/platform/gateway"
	"github.com/carepulse/carepulse/internal/platform/middleware"
	"github.com/carepulse/carepulse/internal/platform/notification"
	"github.com/carepulse/carepulse/internal/platform/telemetry"
)

const (
	serviceName     = "carepulse"
	requestTimeout  = 30 * time.Second
	cleanupInterval = 5 * time.Minute
	shutdownTimeout = 10 * time.Second
)

// backends holds the persistence gateway implementations selected by
// GATEWAY_BACKEND.
type backends struct {
	docs     gateway.DocumentStore
	users    gateway.UserDirectory
	blobs    blobstore.Store
	messages notification.Store
	sender   notification.SMSSender
	probe    db.Probe

	closers []func()
}

func (b *backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func openBackends(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*backends, error) {
	b := &backends{}

	switch cfg.GatewayBackend {
	case "memory":
		mem := gateway.NewMemory()
		b.docs, b.users = mem, mem
		b.blobs = blobstore.NewInMemoryStore()
		b.messages = notification.NewMemoryStore()
		logger.Warn().Msg("using in-memory gateway, data is lost on restart")
	default:
		pool, err := db.NewPool(ctx, db.PoolOptions{
			URL:      cfg.DatabaseURL,
			MaxConns: cfg.DBMaxConns,
			MinConns: cfg.DBMinConns,
			Schema:   cfg.DatabaseID,
		})
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, pool.Close)
		usePostgres(b, pool)
		logger.Info().Str("schema", cfg.DatabaseID).Msg("connected to database")
	}

	if len(cfg.SMSKafkaBrokers) > 0 {
		sender := notification.NewKafkaSender(cfg.SMSKafkaBrokers, cfg.SMSKafkaTopic)
		b.sender = sender
		b.closers = append(b.closers, func() {
			if err := sender.Close(); err != nil {
				logger.Error().Err(err).Msg("close kafka writer")
			}
		})
		logger.Info().Strs("brokers", cfg.SMSKafkaBrokers).Str("topic", cfg.SMSKafkaTopic).Msg("sms via kafka")
	} else {
		b.sender = notification.NewLogSender(logger)
		logger.Warn().Msg("SMS_KAFKA_BROKERS not set, sms messages are only logged")
	}
	return b, nil
}

func usePostgres(b *backends, pool *pgxpool.Pool) {
	pg := gateway.NewPostgres(pool)
	b.docs, b.users = pg, pg
	b.blobs = blobstore.NewPostgresStore(pool)
	b.messages = notification.NewPostgresStore(pool)
	b.probe = db.NewProbe(pool)
}

// services is the wired domain layer shared by serve and reminders.
type services struct {
	metrics       *telemetry.Metrics
	engine        *validation.Engine
	patients      *patient.Service
	notifications *notification.Manager
	appointments  *appointment.Service
	cacheStore    *middleware.InMemoryCacheStore
	cache         *middleware.ResponseCache
}

func newServices(cfg *config.Config, b *backends, logger zerolog.Logger) (*services, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	s := &services{
		metrics:    telemetry.New(serviceName),
		engine:     validation.NewEngine(time.Now),
		cacheStore: middleware.NewInMemoryCacheStore(),
	}
	if b.probe != nil {
		s.metrics.RegisterPool(b.probe)
	}
	s.cache = middleware.NewResponseCache(s.cacheStore, cfg.DashboardCacheTTL)

	s.patients = patient.NewService(b.users, b.docs, b.blobs, cfg.PatientCollectionID, patient.Storage{
		Endpoint:  cfg.Endpoint,
		ProjectID: cfg.ProjectID,
		Bucket:    cfg.BucketID,
	}, logger)
	s.patients.SetMetrics(s.metrics)

	s.notifications = notification.NewManager(b.sender, s.patients, b.messages, logger)

	repo := appointment.NewRepository(b.docs, cfg.AppointmentCollectionID)
	s.appointments = appointment.NewService(repo, s.notifications, logger)
	s.appointments.SetMetrics(s.metrics)
	s.appointments.SetLocation(loc)
	s.appointments.SetCache(s.cache)
	return s, nil
}

// resolveSigningKey returns SESSION_SIGNING_KEY, or in development a random
// key that invalidates sessions on restart.
func resolveSigningKey(cfg *config.Config) ([]byte, bool, error) {
	if cfg.SessionSigningKey != "" {
		return []byte(cfg.SessionSigningKey), false, nil
	}
	if !cfg.IsDev() {
		return nil, false, errors.New("SESSION_SIGNING_KEY is required outside development")
	}
	key := make([]byte, 32)
	if _, err := crypto_rand.Read(key); err != nil {
		return nil, false, fmt.Errorf("failed to generate session signing key: %w", err)
	}
	return key, true, nil
}

// server is the assembled HTTP surface.
type server struct {
	echo     *echo.Echo
	limiter  *middleware.RateLimiter
	revoked  *auth.RevocationList
	services *services
}

// startCleanup runs the periodic sweepers until ctx is done.
func (srv *server) startCleanup(ctx context.Context) {
	srv.limiter.StartCleanup(ctx, cleanupInterval)
	srv.revoked.StartCleanup(ctx, cleanupInterval)
	srv.services.cacheStore.StartCleanup(ctx, cleanupInterval)
}

func buildServer(cfg *config.Config, b *backends, s *services, logger zerolog.Logger) (*server, error) {
	signingKey, generated, err := resolveSigningKey(cfg)
	if err != nil {
		return nil, err
	}
	if generated {
		logger.Warn().Msg("SESSION_SIGNING_KEY not set, using a random key; admin sessions end on restart")
	}
	revoked := auth.NewRevocationList()
	sessions, err := auth.NewSessionManager(auth.SessionConfig{
		SigningKey:  signingKey,
		TTL:         cfg.SessionTTL,
		PasskeyHash: cfg.AdminPasskeyHash,
		Passkey:     cfg.AdminPasskey,
	}, revoked)
	if err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(s.metrics.Middleware())
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders:     []string{"Authorization", "Content-Type", middleware.RequestIDHeader, "X-Api-Key"},
		AllowCredentials: true,
	}))
	e.Use(middleware.BodyLimit("1M", map[string]string{
		"/api/v1/patients": "60M",
	}))
	e.Use(middleware.RequestTimeout(requestTimeout, "/storage/", "/metrics"))

	// Health and metrics
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"backend": cfg.GatewayBackend,
		})
	})
	e.GET("/health/db", db.HealthHandler(b.probe))
	e.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))

	// Uploaded identification documents
	if cfg.APIKey != "" {
		logger.Warn().Msg("API_KEY is set: document view URLs require the X-Api-Key header and cannot be opened as browser links")
	}
	blobstore.NewViewHandler(b.blobs, cfg.ProjectID, cfg.APIKey).RegisterRoutes(e)

	// API groups
	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 || rateLimitCfg.BurstSize <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	limiter := middleware.NewRateLimiter(rateLimitCfg)

	apiV1 := e.Group("/api/v1", limiter.Middleware())
	admin := apiV1.Group("/admin")
	auth.NewHandler(sessions, cfg.IsProduction(), logger).RegisterRoutes(admin)
	protected := admin.Group("", sessions.RequireAdmin())

	patient.NewHandler(s.patients, s.engine).RegisterRoutes(apiV1)
	appointment.NewHandler(s.appointments, s.engine, s.patients).RegisterRoutes(apiV1, protected, s.cache.Middleware())
	notification.NewHandler(s.notifications).RegisterRoutes(protected)

	return &server{echo: e, limiter: limiter, revoked: revoked, services: s}, nil
}

func runServer() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to open backends")
		return err
	}
	defer b.Close()

	s, err := newServices(cfg, b, logger)
	if err != nil {
		return err
	}
	srv, err := buildServer(cfg, b, s, logger)
	if err != nil {
		return err
	}
	srv.startCleanup(ctx)

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("backend", cfg.GatewayBackend).Msg("starting server")
		if err := srv.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			logger.Error().Err(err).Msg("server error")
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.echo.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
