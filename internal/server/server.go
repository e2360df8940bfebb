// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/crewlyhq/crewly-billing/internal/catalog"
	"github.com/crewlyhq/crewly-billing/internal/config"
	"github.com/crewlyhq/crewly-billing/internal/gateway"
	"github.com/crewlyhq/crewly-billing/internal/health"
	"github.com/crewlyhq/crewly-billing/internal/locking"
	"github.com/crewlyhq/crewly-billing/internal/logging"
	"github.com/crewlyhq/crewly-billing/internal/metrics"
	"github.com/crewlyhq/crewly-billing/internal/payment"
	"github.com/crewlyhq/crewly-billing/internal/ratelimit"
	"github.com/crewlyhq/crewly-billing/internal/realtime"
	"github.com/crewlyhq/crewly-billing/internal/reconcile"
	"github.com/crewlyhq/crewly-billing/internal/renewal"
	"github.com/crewlyhq/crewly-billing/internal/security"
	"github.com/crewlyhq/crewly-billing/internal/subscription"
	"github.com/crewlyhq/crewly-billing/internal/tenant"
	"github.com/crewlyhq/crewly-billing/internal/traces"
	"github.com/crewlyhq/crewly-billing/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	cat          *catalog.Catalog
	tenants      tenant.Store
	subs         subscription.Store
	payments     payment.Store
	gw           gateway.Adapter
	locks        *locking.SubscriptionLocks
	subService   *subscription.Service
	engine       *renewal.Engine
	renewalTimer *renewal.Timer
	reconciler   *reconcile.Reconciler
	hub          *realtime.Hub
	rateLimiter  *ratelimit.Limiter
	checks       *health.Registry
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
	shutdownOTel func(context.Context) error

	// Health state
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

// WithGateway sets a custom payment gateway (for testing)
func WithGateway(gw gateway.Adapter) Option {
	return func(s *Server) {
		s.gw = gw
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		cat:    catalog.Default(),
		locks:  locking.NewSubscriptionLocks(),
		checks: health.NewRegistry(),
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set gateway/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.tenants = tenant.NewPostgresStore(db)
		s.subs = subscription.NewPostgresStore(db)
		s.payments = payment.NewPostgresStore(db)
		s.checks.Register("database", health.DatabaseChecker(db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.tenants = tenant.NewMemoryStore()
		s.subs = subscription.NewMemoryStore()
		s.payments = payment.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Create gateway adapter if not injected. Without credentials, a fake
	// adapter keeps development and demos working end to end.
	if s.gw == nil {
		if key := cfg.StripeSecretKey(); key != "" {
			s.gw = gateway.NewStripeAdapter(key, cfg.StripeWebhookSecret(), s.logger)
			s.logger.Info("stripe gateway enabled", "mode", cfg.BillingMode)
		} else {
			s.gw = gateway.NewFake()
			s.logger.Warn("no gateway credentials, using fake gateway (charges always succeed)")
		}
	}

	// Create realtime hub for billing event streaming
	s.hub = realtime.NewHub(s.logger)

	// Billing core: interactive operations, renewal sweep, webhook reconciler
	currency := strings.ToUpper(cfg.Currency)
	runner := tenant.NewRunner(s.tenants)

	s.subService = subscription.NewService(s.cat, s.subs, s.payments, s.tenants,
		s.gw, s.locks, s.hub, subscription.Settings{
			Currency:       currency,
			GatewayTimeout: cfg.GatewayTimeout,
			TrialDays:      cfg.TrialDays,
		})

	s.engine = renewal.NewEngine(s.cat, s.subs, s.payments, s.tenants, runner,
		s.gw, s.locks, s.hub, renewal.Settings{
			Currency:       currency,
			GatewayTimeout: cfg.GatewayTimeout,
			GraceDays:      cfg.GraceDays,
		})
	s.renewalTimer = renewal.NewTimer(s.engine, cfg.RenewalEvery, s.logger)

	s.reconciler = reconcile.NewReconciler(s.subs, s.payments, runner, s.locks,
		s.hub, cfg.GraceDays)

	// Configure gin
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
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
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

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins in development - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
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

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// API info
	s.router.GET("/api", s.infoHandler)

	// Gateway webhooks: unauthenticated, the signature check is the auth.
	// Registered outside the tenant-scoped group so deliveries for any
	// tenant land here.
	webhookHandler := reconcile.NewHandler(s.reconciler, s.gw)
	webhookHandler.RegisterRoutes(&s.router.RouterGroup)

	// V1 billing API: every route below requires a resolvable active tenant.
	billing := s.router.Group("/v1/billing")
	billing.Use(tenant.Middleware(s.tenants))

	// Rate limiting per tenant (after tenant resolution so buckets key correctly)
	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         s.cfg.RateLimitRPM / 6,
		CleanupInterval:   time.Minute,
	})
	billing.Use(s.rateLimiter.Middleware())

	subscription.NewHandler(s.subService).RegisterRoutes(billing)
	payment.NewHandler(s.payments).RegisterRoutes(billing)

	// Admin API: operator-only, guarded by shared secret
	admin := s.router.Group("/admin")
	admin.Use(security.AdminMiddleware(s.cfg.AdminSecret))

	tenant.NewHandler(s.tenants).RegisterAdminRoutes(admin)
	renewal.NewHandler(s.engine, s.renewalTimer).RegisterAdminRoutes(admin)
	admin.GET("/events/stats", s.eventStatsHandler)

	// WebSocket stream of billing events for admin dashboards
	admin.GET("/events/stream", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    statuses,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
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
		"name":        "crewly-billing",
		"description": "Subscription billing for Crewly workspaces",
		"version":     "0.1.0",
		"currency":    strings.ToUpper(s.cfg.Currency),
		"mode":        s.cfg.BillingMode,
	})
}

func (s *Server) eventStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.hub.Stats())
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// Tracing
	shutdownOTel, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.shutdownOTel = shutdownOTel
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.hub.Run(runCtx)

	// Start renewal sweep timer. The health check is registered only once
	// the loop exists, so /health stays green before Run.
	go s.renewalTimer.Start(runCtx)
	s.checks.Register("renewal_sweep", health.TimerChecker("renewal_sweep", s.renewalTimer))

	// Sample database pool stats
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
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
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, timer, collectors)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop renewal timer
	if s.renewalTimer != nil {
		s.renewalTimer.Stop()
		s.logger.Info("renewal timer stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Flush traces
	if s.shutdownOTel != nil {
		if err := s.shutdownOTel(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

	// Close database connection pool
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

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
