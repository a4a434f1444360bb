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
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/farmlink/escrow/internal/circuitbreaker"
	"github.com/farmlink/escrow/internal/config"
	"github.com/farmlink/escrow/internal/docstore"
	"github.com/farmlink/escrow/internal/escrow"
	"github.com/farmlink/escrow/internal/health"
	"github.com/farmlink/escrow/internal/idgen"
	"github.com/farmlink/escrow/internal/logging"
	"github.com/farmlink/escrow/internal/metrics"
	"github.com/farmlink/escrow/internal/payment"
	"github.com/farmlink/escrow/internal/ratelimit"
	"github.com/farmlink/escrow/internal/retry"
	"github.com/farmlink/escrow/internal/security"
)

const version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg     *config.Config
	router  *gin.Engine
	httpSrv *http.Server
	logger  *slog.Logger
	db      *sql.DB

	store         docstore.Store
	gateway       payment.Gateway
	breaker       *circuitbreaker.Breaker // nil when the gateway was injected
	escrowService *escrow.Service
	resumer       *escrow.Resumer
	health        *health.Registry

	cancelRunCtx context.CancelFunc

	healthy atomic.Bool
	ready   atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithStore sets the document store, bypassing DATABASE_URL (for testing)
func WithStore(store docstore.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// WithGateway sets the payment gateway (for testing)
func WithGateway(gw payment.Gateway) Option {
	return func(s *Server) {
		s.gateway = gw
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
	}

	// Apply options first (may set store/gateway/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Storage: Postgres if DATABASE_URL set, otherwise in-memory
	if s.store == nil {
		if cfg.DatabaseURL != "" {
			db, err := openDatabase(ctx, cfg.DatabaseURL)
			if err != nil {
				return nil, err
			}
			s.db = db

			pg := docstore.NewPostgresStore(db)
			if err := pg.Migrate(ctx); err != nil {
				s.logger.Warn("failed to migrate document store", "error", err)
			}
			s.store = pg
			s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
		} else {
			s.store = docstore.NewMemoryStore()
			s.logger.Info("using in-memory storage (data will not persist)")
		}
	}

	// Simulated mobile-money provider behind a per-method circuit breaker
	if s.gateway == nil {
		breaker := circuitbreaker.New(cfg.BreakerThreshold, cfg.BreakerCooldown)
		breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
			s.logger.Warn("payment gateway circuit changed", "method", key, "from", from.String(), "to", to.String())
		})
		s.breaker = breaker
		s.gateway = payment.WithBreaker(
			payment.NewSimulated(cfg.CollectSuccessRate, cfg.ReleaseSuccessRate),
			breaker,
		)
		s.logger.Info("simulated payment gateway enabled",
			"collectRate", cfg.CollectSuccessRate,
			"releaseRate", cfg.ReleaseSuccessRate,
		)
	}

	s.escrowService = escrow.NewService(s.store, s.gateway).
		WithRetryPolicy(escrow.RetryPolicy{
			MaxRetries:     cfg.MaxPaymentRetries,
			Interval:       cfg.RetryInterval,
			AttemptTimeout: cfg.AttemptTimeout,
		}).
		WithLogger(s.logger)
	s.resumer = escrow.NewResumer(s.escrowService, cfg.ResumeInterval, s.logger)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.setupHealth()
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// openDatabase opens a pooled connection, retrying the first ping while the
// database comes up.
func openDatabase(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	err = retry.Do(ctx, nil, 5, 500*time.Millisecond, func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return db.PingContext(pingCtx)
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
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

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))

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
			requestID = idgen.WithPrefix("req_")
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
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	if s.cfg.RateLimitRPM > 0 {
		limiter := ratelimit.New(ratelimit.Config{
			RequestsPerMinute: s.cfg.RateLimitRPM,
			BurstSize:         s.cfg.RateLimitBurst,
		})
		v1.Use(limiter.Middleware())
	}
	escrow.NewHandler(s.escrowService).RegisterRoutes(v1)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.health.CheckAll(c.Request.Context())

	checks := make(map[string]string, len(statuses))
	for _, st := range statuses {
		checks[st.Name] = st.Detail
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) setupHealth() {
	s.health = health.NewRegistry(5 * time.Second)

	var db health.Pinger
	if s.db != nil {
		db = s.db
	}
	s.health.Register("database", health.Database(db))

	s.health.Register("resumer", health.Info(func() string {
		switch {
		case s.cfg.ResumeInterval <= 0:
			return "disabled"
		case s.resumer.Running():
			return "running"
		default:
			return "stopped"
		}
	}))

	if s.breaker != nil {
		s.health.Register("payment_gateway", health.Info(func() string {
			var open []string
			for _, m := range []escrow.PaymentMethod{escrow.MethodMpesa, escrow.MethodMTNMobileMoney} {
				if s.breaker.State(string(m)) != circuitbreaker.StateClosed {
					open = append(open, string(m))
				}
			}
			if len(open) == 0 {
				return "available"
			}
			return "circuit open: " + strings.Join(open, ",")
		}))
	}
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

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		// Payment requests wait out the retry sequence.
		WriteTimeout: s.paymentBudget() + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.StartBackground(ctx)

	s.ready.Store(true)
	s.logger.Info("server ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		s.cancelRunCtx()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// StartBackground launches the payment resumer and the connection pool
// collector. Shutdown stops them.
func (s *Server) StartBackground(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// Resume payment retries interrupted by a restart
	go s.resumer.Start(runCtx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}
}

// paymentBudget is the longest a single pay request can take.
func (s *Server) paymentBudget() time.Duration {
	attempts := time.Duration(s.cfg.MaxPaymentRetries + 1)
	return attempts*s.cfg.AttemptTimeout + time.Duration(s.cfg.MaxPaymentRetries)*s.cfg.RetryInterval
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.resumer.Stop()

	// Give load balancers time to stop sending traffic
	if s.cfg.IsProduction() {
		time.Sleep(5 * time.Second)
	}

	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
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

// Escrow returns the escrow service
func (s *Server) Escrow() *escrow.Service {
	return s.escrowService
}
