// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
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
	"github.com/mbd888/visitlens/internal/config"
	"github.com/mbd888/visitlens/internal/health"
	"github.com/mbd888/visitlens/internal/ingest"
	"github.com/mbd888/visitlens/internal/ipbehavior"
	"github.com/mbd888/visitlens/internal/logging"
	"github.com/mbd888/visitlens/internal/materialize"
	"github.com/mbd888/visitlens/internal/metrics"
	"github.com/mbd888/visitlens/internal/ratelimit"
	"github.com/mbd888/visitlens/internal/realtime"
	"github.com/mbd888/visitlens/internal/scoring"
	"github.com/mbd888/visitlens/internal/security"
	"github.com/mbd888/visitlens/internal/traces"
	"github.com/mbd888/visitlens/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	eventStore    ingest.Store
	recordStore   materialize.Store
	enricher      *ipbehavior.Enricher
	materializer  *materialize.Materializer
	pipelineTimer *materialize.Timer
	realtimeHub   *realtime.Hub
	rateLimiter   *ratelimit.Limiter
	checks        *health.Registry
	db            *sql.DB // nil if using in-memory
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	traceShutdown func(context.Context) error
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run

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

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

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
		s.eventStore = ingest.NewPostgresStore(db)
		s.recordStore = materialize.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		raw := ingest.NewMemoryStore()
		s.eventStore = raw
		s.recordStore = materialize.NewMemoryStore(raw)
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// IP behavior enrichment for incoming beacons
	s.enricher = ipbehavior.New()

	// Create realtime hub for WebSocket streaming
	s.realtimeHub = realtime.NewHub(s.logger)
	s.logger.Info("realtime streaming enabled")

	// Materializer with a post-commit hook feeding the live feed
	s.materializer = materialize.New(
		s.recordStore,
		cfg.PipelineName,
		cfg.BatchSize,
		materialize.WithLogger(s.logger),
		materialize.WithNotify(s.broadcastRecords),
	)
	s.pipelineTimer = materialize.NewTimer(s.materializer, cfg.MaterializeInterval, s.logger)

	// Subsystem health checks surfaced by /health. The pipeline check
	// reads the scheduler's attempt clock, not the watermark: empty
	// batches leave the watermark untouched, and an idle site must not
	// read as a dead pipeline.
	s.checks = health.NewRegistry()
	if s.db != nil {
		s.checks.Register("database", health.DatabaseChecker(s.db))
	}
	s.checks.Register("pipeline", health.PipelineChecker(func(context.Context) (time.Time, error) {
		return s.pipelineTimer.LastAttempt(), nil
	}, 3*cfg.MaterializeInterval))

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	if !cfg.TrustProxyHeaders {
		_ = s.router.SetTrustedProxies(nil)
	}
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

// broadcastRecords pushes every committed record plus one batch summary to
// WebSocket subscribers. Called by the materializer after commit only.
func (s *Server) broadcastRecords(records []*materialize.Record) {
	if s.realtimeHub == nil || len(records) == 0 {
		return
	}
	for _, r := range records {
		s.realtimeHub.BroadcastVisit(map[string]interface{}{
			"sourceId":     r.SourceID,
			"ipAddress":    r.IPAddress,
			"receivedAt":   r.ReceivedAt,
			"botScore":     float64(r.BotScore),
			"anomalyScore": float64(r.AnomalyScore),
			"riskBucket":   scoring.RiskBucket(r.BotScore),
			"botFlags":     r.BotFlags,
		})
	}
	s.realtimeHub.BroadcastBatch(map[string]interface{}{
		"rowsParsed":   float64(len(records)),
		"fromSourceId": records[0].SourceID,
		"toSourceId":   records[len(records)-1].SourceID,
	})
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

	// CORS (beacons arrive cross-origin from every instrumented page)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	limitCfg := ratelimit.CollectConfig()
	if s.cfg.RateLimitRPM > 0 {
		limitCfg.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	s.rateLimiter = ratelimit.New(limitCfg)
	s.router.Use(s.rateLimiter.Middleware())

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

// requireAdmin gates the pipeline admin surface on X-Admin-Secret. In
// development with no secret configured the gate is open for local work.
func (s *Server) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminSecret == "" {
			if s.cfg.IsDevelopment() {
				c.Next()
				return
			}
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "admin_disabled",
				"message": "Admin endpoints are disabled without ADMIN_SECRET",
			})
			return
		}

		provided := c.GetHeader("X-Admin-Secret")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(s.cfg.AdminSecret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Invalid admin secret",
			})
			return
		}
		c.Next()
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

	// WebSocket for real-time streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info endpoint
	s.router.GET("/api", s.infoHandler)

	// Beacon collection, with its own tighter body limit
	collect := s.router.Group("")
	collect.Use(validation.RequestSizeMiddleware(s.cfg.CollectMaxBodyBytes))
	ingestHandler := ingest.NewHandler(s.eventStore, s.enricher)
	ingestHandler.RegisterRoutes(collect)

	// V1 API group
	v1 := s.router.Group("/v1")
	v1.Use(validation.SourceIDParamMiddleware())

	recordsHandler := materialize.NewHandler(s.recordStore, s.materializer)
	recordsHandler.RegisterRoutes(v1)

	// Ingest-side stats (raw event counts)
	v1.GET("/ingest/stats", s.ingestStatsHandler)

	// Pipeline admin surface
	admin := v1.Group("/admin")
	admin.Use(s.requireAdmin())
	recordsHandler.RegisterAdminRoutes(admin)
	admin.POST("/retention/purge", s.purgeHandler)
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
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)

	checks := make(map[string]string, len(statuses)+1)
	if s.db == nil {
		checks["database"] = "in-memory"
	}
	for _, st := range statuses {
		if st.Healthy {
			checks[st.Name] = "healthy"
		} else {
			checks[st.Name] = "unhealthy: " + st.Detail
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    checks,
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
		"name":        "visitlens",
		"description": "Browser signal scoring and visit materialization",
		"version":     "0.1.0",
		"pipeline":    s.cfg.PipelineName,
	})
}

// ingestStatsHandler reports raw event volume over the last day.
func (s *Server) ingestStatsHandler(c *gin.Context) {
	ctx := c.Request.Context()

	maxID, err := s.eventStore.MaxSourceID(ctx)
	if err != nil {
		logging.L(ctx).Error("failed to read max source id", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to read ingest stats",
		})
		return
	}

	last24h, err := s.eventStore.CountSince(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		logging.L(ctx).Error("failed to count recent events", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to read ingest stats",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"maxSourceId":   maxID,
		"eventsLast24h": last24h,
	})
}

// purgeHandler deletes raw events past the retention window. Parsed
// records are kept; they no longer need their source rows.
func (s *Server) purgeHandler(c *gin.Context) {
	ctx := c.Request.Context()

	cutoff := time.Now().AddDate(0, 0, -s.cfg.RetentionDays)
	purged, err := s.eventStore.PurgeBefore(ctx, cutoff)
	if err != nil {
		logging.L(ctx).Error("retention purge failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Retention purge failed",
		})
		return
	}

	logging.L(ctx).Info("retention purge completed", "purged", purged, "cutoff", cutoff)
	c.JSON(http.StatusOK, gin.H{
		"purged": purged,
		"cutoff": cutoff.UTC().Format(time.RFC3339),
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// Tracing (no-op when no endpoint is configured)
	shutdown, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
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

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"pipeline", s.cfg.PipelineName,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start the incremental materialization scheduler
	go s.pipelineTimer.Start(runCtx)

	// Periodic retention sweep for raw events
	go s.retentionLoop(runCtx)

	// DB pool gauges
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
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

// retentionLoop purges raw events past the retention window once an hour.
func (s *Server) retentionLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().AddDate(0, 0, -s.cfg.RetentionDays)
			purged, err := s.eventStore.PurgeBefore(ctx, cutoff)
			if err != nil {
				s.logger.Error("retention sweep failed", "error", err)
				continue
			}
			if purged > 0 {
				s.logger.Info("retention sweep completed", "purged", purged)
			}
		}
	}
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, timer, sweeps)
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

	// Stop the pipeline scheduler
	if s.pipelineTimer != nil {
		s.pipelineTimer.Stop()
		s.logger.Info("pipeline timer stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Stop the enrichment window janitor
	if s.enricher != nil {
		s.enricher.Stop()
	}

	// Flush traces
	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
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
