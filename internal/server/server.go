// Package server wires the settlement service together and serves its HTTP API.
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
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/settlement/internal/alerts"
	"github.com/mbd888/settlement/internal/chain"
	"github.com/mbd888/settlement/internal/circuitbreaker"
	"github.com/mbd888/settlement/internal/config"
	"github.com/mbd888/settlement/internal/escrow"
	"github.com/mbd888/settlement/internal/health"
	"github.com/mbd888/settlement/internal/idgen"
	"github.com/mbd888/settlement/internal/logging"
	"github.com/mbd888/settlement/internal/metrics"
	"github.com/mbd888/settlement/internal/ratelimit"
	"github.com/mbd888/settlement/internal/realtime"
	"github.com/mbd888/settlement/internal/reconciliation"
	"github.com/mbd888/settlement/internal/security"
	"github.com/mbd888/settlement/internal/settlement"
	"github.com/mbd888/settlement/internal/traces"
	"github.com/mbd888/settlement/internal/validation"
)

// Version is reported by /health and /v1/info.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	db          *sql.DB // nil if using in-memory
	chain       *chain.Client
	gateway     settlement.Gateway
	catalog     escrow.Catalog
	queue       *settlement.Queue
	executor    *settlement.Executor
	worker      *settlement.Worker
	escrow      *escrow.Service
	dispatcher  *alerts.Dispatcher
	reconciler  *reconciliation.Runner
	reconTimer  *reconciliation.Timer
	realtimeHub *realtime.Hub
	health      *health.Registry
	rateLimiter *ratelimit.Limiter
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger

	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run
	traceShutdown func(context.Context) error
	drainDelay    time.Duration

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithGateway replaces the chain client for contract execution (for testing).
// Read-only /v1/chain routes still use the real client.
func WithGateway(g settlement.Gateway) Option {
	return func(s *Server) {
		s.gateway = g
	}
}

// WithCatalog sets the product catalog. Without a database the default is an
// empty in-memory catalog.
func WithCatalog(c escrow.Catalog) Option {
	return func(s *Server) {
		s.catalog = c
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

	var (
		jobStore    settlement.Store
		orderStore  escrow.Store
		alertsStore alerts.Store
	)

	// Postgres if DATABASE_URL set, otherwise in-memory
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = db.PingContext(ctx)
		cancel()
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		jobStore = settlement.NewPostgresStore(db)
		orderStore = escrow.NewPostgresStore(db)
		alertsStore = alerts.NewPostgresStore(db)
		if s.catalog == nil {
			s.catalog = escrow.NewPostgresCatalog(db)
		}
		s.health.Register("database", health.DBChecker("database", db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		jobStore = settlement.NewMemoryStore()
		orderStore = escrow.NewMemoryStore()
		alertsStore = alerts.NewMemoryStore()
		if s.catalog == nil {
			s.catalog = escrow.NewMemoryCatalog()
		}
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Remote chain API. The credential cache is process-scoped so every
	// client shares one admin token.
	breaker := circuitbreaker.New(5, 30*time.Second)
	breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		s.logger.Warn("chain circuit breaker transition", "host", key, "from", from.String(), "to", to.String())
	})
	s.chain = chain.New(chain.Config{
		BaseURL:       cfg.ChainAPIURL,
		APIKey:        cfg.ChainAPIKey,
		AdminEmail:    cfg.ChainAdminEmail,
		AdminPassword: cfg.ChainAdminPassword,
		ExecutePath:   cfg.ChainExecutePath,
		Timeout:       cfg.ChainTimeout,
	}, chain.NewCredentialCache(), s.logger, chain.WithBreaker(breaker))
	if s.gateway == nil {
		s.gateway = s.chain
	}
	s.health.Register("chain", s.breakerChecker)

	s.realtimeHub = realtime.NewHub(s.logger)

	// The dispatcher resolves order participants through the escrow service,
	// which does not exist yet; the resolver is attached below.
	s.dispatcher = alerts.NewDispatcher(alertsStore, nil, s.logger).WithBroadcaster(s.realtimeHub)

	s.queue = settlement.NewQueue(jobStore, cfg.MaxRetry, cfg.RetryDelay, s.logger).
		WithAlerter(&alertAdapter{s.dispatcher}).
		WithNotifier(s.dispatcher).
		WithPublisher(s.realtimeHub)
	s.executor = settlement.NewExecutor(s.queue, s.gateway, cfg.SettlementContract, cfg.AllowedCallers, s.logger)
	s.worker = settlement.NewWorker(s.queue, s.gateway, cfg.WorkerInterval, cfg.WorkerBatchSize, s.logger)
	s.health.Register("worker", health.RunnerChecker("worker", s.worker))

	s.escrow = escrow.NewService(orderStore, s.catalog, s.executor, s.queue, escrow.Config{
		FeePercent: cfg.FeePercent,
		FeeMin:     cfg.FeeMin,
		Network:    cfg.ChainNetwork,
	}, s.logger)
	s.dispatcher.WithResolver(s.escrow)

	s.reconciler = reconciliation.NewRunner(jobStore, s.escrow, cfg.StaleJobWindow, s.logger)
	if cfg.ReconcileEnabled {
		s.reconTimer = reconciliation.NewTimer(s.reconciler, reconciliation.DefaultInterval, s.logger)
		s.health.Register("reconciliation", health.RunnerChecker("reconciliation", s.reconTimer))
	}

	s.logger.Info("settlement configured",
		"contract", cfg.SettlementContract,
		"maxRetry", cfg.MaxRetry,
		"retryDelay", cfg.RetryDelay,
		"workerInterval", cfg.WorkerInterval,
		"allowedCallers", len(cfg.AllowedCallers),
	)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		if _, hasPassword := u.User.Password(); hasPassword {
			u.User = url.UserPassword(u.User.Username(), "***")
		}
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
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Reuse the caller's ID only when it is a well-formed UUID.
		requestID := c.GetHeader("X-Request-ID")
		if !idgen.ValidRequestID(requestID) {
			requestID = idgen.RequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger.With("request_id", requestID))
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

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
		}

		logger := logging.L(c.Request.Context())
		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		default:
			logger.Debug("request completed", attrs...)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/ws", gin.WrapF(s.realtimeHub.HandleWebSocket))

	v1 := s.router.Group("/v1")
	v1.GET("/info", s.infoHandler)
	v1.GET("/realtime/stats", s.realtimeStatsHandler)

	// Reads are unthrottled; anything that can reach the chain is limited
	// per caller.
	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitPerMinute,
		BurstSize:         s.cfg.RateLimitBurst,
	})
	limited := v1.Group("")
	limited.Use(s.writeLimit())

	settlement.NewHandler(s.executor, s.queue, s.worker).RegisterRoutes(limited)
	escrow.NewHandler(s.escrow).RegisterRoutes(limited)
	alerts.NewHandler(s.dispatcher).RegisterRoutes(v1)
	reconciliation.NewHandler(s.reconciler).RegisterRoutes(limited)
	chain.NewHandler(s.chain).RegisterRoutes(v1)
}

// writeLimit applies the rate limiter to POST requests only.
func (s *Server) writeLimit() gin.HandlerFunc {
	limit := s.rateLimiter.Middleware()
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodPost {
			c.Next()
			return
		}
		limit(c)
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	ok, checks := s.health.CheckAll(ctx)
	status, httpStatus := "healthy", http.StatusOK
	if !ok {
		status, httpStatus = "degraded", http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) breakerChecker(context.Context) health.Status {
	state := s.chain.BreakerState()
	if state == circuitbreaker.StateOpen {
		return health.Status{Name: "chain", Healthy: false, Detail: "circuit open for " + s.chain.Host()}
	}
	return health.Status{Name: "chain", Healthy: true, Detail: state.String()}
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":               "settlement",
		"version":            Version,
		"network":            s.cfg.ChainNetwork,
		"settlementContract": s.cfg.SettlementContract,
		"maxRetry":           s.cfg.MaxRetry,
		"retryDelayMs":       s.cfg.RetryDelay.Milliseconds(),
		"workerIntervalMs":   s.cfg.WorkerInterval.Milliseconds(),
		"workerBatchSize":    s.cfg.WorkerBatchSize,
		"feePercent":         s.cfg.FeePercent,
		"feeMin":             s.cfg.FeeMin,
		"callerAllowlist":    len(s.cfg.AllowedCallers) > 0,
	})
}

func (s *Server) realtimeStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"stats": s.realtimeHub.Stats()})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and background loops, and blocks until a
// signal, ctx cancellation or a listener error.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	shutdown, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("tracing init failed, continuing without traces", "error", err)
	} else {
		s.traceShutdown = shutdown
	}

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
		s.logger.Info("starting server", "port", s.cfg.Port, "chain", s.chain.Host())
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	go s.worker.Start(runCtx)
	if s.reconTimer != nil {
		go s.reconTimer.Start(runCtx)
	}
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server. A job claimed by the worker when
// shutdown begins stays PROCESSING and shows up in the reconciliation report.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	s.worker.Stop()
	if s.reconTimer != nil {
		s.reconTimer.Stop()
	}
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.rateLimiter.Stop()

	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Warn("trace exporter shutdown error", "error", err)
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
	return shutdownErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Worker returns the queue worker so tests and tools can run a tick directly.
func (s *Server) Worker() *settlement.Worker {
	return s.worker
}

// -----------------------------------------------------------------------------
// Adapters
// -----------------------------------------------------------------------------

// alertAdapter adapts alerts.Dispatcher to settlement.Alerter
type alertAdapter struct {
	d *alerts.Dispatcher
}

func (a *alertAdapter) Alert(ctx context.Context, severity, message string, metadata map[string]any, callID string) error {
	sev, err := alerts.ParseSeverity(severity)
	if err != nil {
		return err
	}
	_, err = a.d.Alert(ctx, sev, message, metadata, callID)
	return err
}
