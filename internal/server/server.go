// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/pressly/goose/v3"
	"github.com/redis/go-redis/v9"

	"github.com/daniallc-1994/TaskUp/internal/circuitbreaker"
	"github.com/daniallc-1994/TaskUp/internal/config"
	"github.com/daniallc-1994/TaskUp/internal/disputes"
	"github.com/daniallc-1994/TaskUp/internal/escrow"
	"github.com/daniallc-1994/TaskUp/internal/health"
	"github.com/daniallc-1994/TaskUp/internal/idgen"
	"github.com/daniallc-1994/TaskUp/internal/ledger"
	"github.com/daniallc-1994/TaskUp/internal/logging"
	"github.com/daniallc-1994/TaskUp/internal/metrics"
	"github.com/daniallc-1994/TaskUp/internal/processor"
	"github.com/daniallc-1994/TaskUp/internal/reconciliation"
	"github.com/daniallc-1994/TaskUp/internal/security"
	"github.com/daniallc-1994/TaskUp/internal/validation"
	"github.com/daniallc-1994/TaskUp/internal/webhooks"
	"github.com/daniallc-1994/TaskUp/migrations"
)

// Version is reported by the info endpoint; cmd/server overrides it.
var Version = "dev"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg        *config.Config
	store      ledger.Store
	proc       processor.Processor
	breaker    *circuitbreaker.Breaker
	dedupe     webhooks.Deduper
	escrow     *escrow.Service
	disputes   *disputes.Service
	reconciler *webhooks.Reconciler
	recon      *reconciliation.Service
	reconTimer *reconciliation.Timer
	health     *health.Registry
	db         *sql.DB       // nil if using in-memory
	redis      *redis.Client // nil if dedupe is in-memory
	router     *gin.Engine
	httpSrv    *http.Server
	logger     *slog.Logger
	drainDelay time.Duration

	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithStore sets the ledger store instead of selecting one from config.
func WithStore(store ledger.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// WithProcessor sets the payment processor instead of selecting one from
// config. It is still wrapped with the timeout and circuit breaker.
func WithProcessor(p processor.Processor) Option {
	return func(s *Server) {
		s.proc = p
	}
}

// WithDeduper sets the webhook deduper instead of selecting one from config.
func WithDeduper(d webhooks.Deduper) Option {
	return func(s *Server) {
		s.dedupe = d
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers to stop
// sending traffic before closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		health:     health.NewRegistry(),
		drainDelay: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if s.store == nil {
		if cfg.DatabaseURL != "" {
			db, err := openDB(ctx, cfg.DatabaseURL)
			if err != nil {
				return nil, err
			}
			s.db = db
			s.store = ledger.NewPostgresStore(db)
			s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
		} else {
			s.store = ledger.NewMemoryStore()
			s.logger.Info("using in-memory storage (data will not persist)")
		}
	}
	s.health.Register("ledger", health.PingChecker("ledger", s.store))

	// Payment processor (Stripe if STRIPE_SECRET_KEY set, otherwise the null processor)
	if s.proc == nil {
		if cfg.StripeSecretKey != "" {
			s.proc = processor.NewStripeProcessor(cfg.StripeSecretKey, cfg.StripeWebhookSecret, cfg.WebhookTolerance)
			s.logger.Info("using Stripe processor")
		} else {
			s.proc = processor.NewNullProcessor(cfg.StripeWebhookSecret, cfg.WebhookTolerance)
			s.logger.Warn("using null processor (no money moves)")
		}
	}
	s.breaker = circuitbreaker.New(cfg.BreakerThreshold, cfg.BreakerCooldown)
	guarded := processor.NewGuarded(s.proc, s.breaker, cfg.ProcessorTimeout, s.logger)
	s.health.Register("processor", health.BreakerChecker("processor", s.breaker))

	// Webhook dedupe (Redis if REDIS_URL set, otherwise in-memory)
	if s.dedupe == nil {
		if cfg.RedisURL != "" {
			rdb, err := openRedis(ctx, cfg.RedisURL)
			if err != nil {
				return nil, err
			}
			s.redis = rdb
			s.dedupe = webhooks.NewRedisDeduper(rdb, webhooks.DefaultDedupeTTL)
			s.health.Register("dedupe", health.PingChecker("dedupe", redisPinger{rdb}))
			s.logger.Info("webhook dedupe using Redis")
		} else {
			s.dedupe = webhooks.NewMemoryDeduper(webhooks.DefaultDedupeTTL)
		}
	}

	s.escrow = escrow.NewService(s.store, guarded).
		WithLogger(s.logger).
		WithDefaultCurrency(cfg.DefaultCurrency).
		WithSourceRefunds(cfg.SourceRefunds)
	s.disputes = disputes.NewService(s.store, s.escrow).WithLogger(s.logger)
	s.reconciler = webhooks.NewReconciler(s.store, guarded).WithDeduper(s.dedupe).WithLogger(s.logger)
	s.recon = reconciliation.NewService(s.store, s.escrow).WithLogger(s.logger)
	s.reconTimer = reconciliation.NewTimer(s.recon, cfg.ReconcileInterval, s.logger)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
		if cfg.InternalAPIToken == "" {
			s.logger.Warn("INTERNAL_API_TOKEN not set; /v1 is unguarded")
		}
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

func openDB(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return db, nil
}

func openRedis(ctx context.Context, rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rdb, nil
}

type redisPinger struct{ c *redis.Client }

func (p redisPinger) Ping(ctx context.Context) error { return p.c.Ping(ctx).Err() }

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"ok": false,
			"error": gin.H{
				"kind":      "internal",
				"code":      "internal_error",
				"message":   "internal error",
				"retryable": false,
			},
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	if len(s.cfg.CORSOrigins) > 0 {
		s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	}
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Keep an id set upstream (load balancer, calling service)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = idgen.New()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		logger := logging.L(c.Request.Context())

		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", latency.Milliseconds(),
		}
		switch {
		case status >= 500:
			if len(c.Errors) > 0 {
				attrs = append(attrs, "error", c.Errors.String())
			}
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.health.RegisterRoutes(s.router)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/", s.infoHandler)

	v1 := s.router.Group("/v1")

	// Processor webhooks authenticate by signature, not by token
	webhooks.NewHandler(s.reconciler).RegisterRoutes(v1)

	api := v1.Group("")
	api.Use(security.InternalToken(s.cfg.InternalAPIToken))
	escrow.NewHandler(s.escrow).RegisterRoutes(api)
	disputes.NewHandler(s.disputes).RegisterRoutes(api)

	internal := s.router.Group("/internal")
	internal.Use(security.InternalToken(s.cfg.InternalAPIToken))
	reconciliation.NewHandler(s.recon).RegisterRoutes(internal)
}

func (s *Server) infoHandler(c *gin.Context) {
	processorName := "null"
	if s.cfg.StripeSecretKey != "" {
		processorName = "stripe"
	}
	storage := "memory"
	if s.db != nil {
		storage = "postgres"
	}
	c.JSON(http.StatusOK, gin.H{
		"name":            "TaskUp payments",
		"version":         Version,
		"defaultCurrency": s.cfg.DefaultCurrency,
		"processor":       processorName,
		"storage":         storage,
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.reconTimer.Start(runCtx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.health.SetReady(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		cancel()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.health.SetReady(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.reconTimer.Stop()
	s.logger.Info("reconciliation timer stopped")

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
