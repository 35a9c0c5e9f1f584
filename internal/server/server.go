// Package server exposes the sentinel's status API: run history,
// transition and payment audit trails, budget state, replay, and
// operator controls (pause, resume, manual override, budget reset).
package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mishablank/treasury-sentinel/internal/budget"
	"github.com/mishablank/treasury-sentinel/internal/config"
	"github.com/mishablank/treasury-sentinel/internal/escalation"
	"github.com/mishablank/treasury-sentinel/internal/health"
	"github.com/mishablank/treasury-sentinel/internal/idgen"
	"github.com/mishablank/treasury-sentinel/internal/logging"
	"github.com/mishablank/treasury-sentinel/internal/metrics"
	"github.com/mishablank/treasury-sentinel/internal/ratelimit"
	"github.com/mishablank/treasury-sentinel/internal/realtime"
	"github.com/mishablank/treasury-sentinel/internal/scheduler"
	"github.com/mishablank/treasury-sentinel/internal/security"
	"github.com/mishablank/treasury-sentinel/internal/store"
	"github.com/mishablank/treasury-sentinel/internal/validation"
	"github.com/mishablank/treasury-sentinel/internal/webhooks"
)

// maxRunListLimit caps the ?limit query on GET /v1/runs.
const maxRunListLimit = 200

// Replayer re-executes a recorded run. *agent.Runner satisfies it.
type Replayer interface {
	Replay(ctx context.Context, runID string, dryRun bool) ([]*escalation.Transition, error)
}

// Deps are the wired sentinel components the API serves.
type Deps struct {
	Store    store.Store
	Machine  *escalation.Machine
	Budget   *budget.Ledger
	Replayer Replayer
	Sched    *scheduler.Scheduler // optional; /status reports idle without one
	Hub      *realtime.Hub        // optional; /ws 404s without one
	Webhooks *webhooks.Handler    // optional; subscription routes absent without one
}

// Server wraps the HTTP server and dependencies.
type Server struct {
	cfg         *config.Config
	deps        Deps
	checks      *health.Registry
	rateLimiter *ratelimit.Limiter
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger
	cancelRun   context.CancelFunc // cancels background goroutines started in Run

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
func New(cfg *config.Config, deps Deps, opts ...Option) (*Server, error) {
	if deps.Store == nil || deps.Machine == nil || deps.Budget == nil {
		return nil, fmt.Errorf("server: store, machine, and budget are required")
	}

	s := &Server{
		cfg:    cfg,
		deps:   deps,
		checks: health.NewRegistry(),
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.checks.Register("store", func(ctx context.Context) health.Status {
		_, err := deps.Store.LatestRun(ctx)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return health.Status{Healthy: false, Detail: err.Error()}
		}
		return health.Status{Healthy: true}
	})
	if deps.Sched != nil {
		s.checks.Register("scheduler", func(ctx context.Context) health.Status {
			if deps.Sched.Halted() {
				return health.Status{Healthy: false, Detail: "halted on persistent store failure"}
			}
			return health.Status{Healthy: true}
		})
	}

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

	// CORS (the status API is read-mostly and advisory; restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	s.router.Use(s.rateLimiter.Middleware())

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
	s.router.GET("/metrics", gin.WrapH(metrics.Handler()))

	// WebSocket for real-time streaming
	if s.deps.Hub != nil {
		s.router.GET("/ws", func(c *gin.Context) {
			s.deps.Hub.HandleWebSocket(c.Writer, c.Request)
		})
	}

	// API info
	s.router.GET("/api", s.infoHandler)
	s.router.GET("/status", s.statusHandler)

	// V1 API group
	v1 := s.router.Group("/v1")

	// Audit trail (read-only)
	v1.GET("/runs", s.listRunsHandler)
	v1.GET("/runs/:id", s.getRunHandler)
	v1.GET("/runs/:id/transitions", s.listTransitionsHandler)
	v1.GET("/runs/:id/payments", s.listPaymentsHandler)
	v1.GET("/runs/:id/snapshots", s.listSnapshotsHandler)
	v1.GET("/snapshots/:id", s.getSnapshotHandler)
	v1.GET("/budget", s.budgetHandler)

	// Replay a recorded run against the recorded inputs
	v1.POST("/runs/:id/replay", s.replayHandler)

	// Webhook subscriptions for transition / payment / budget alerts
	if s.deps.Webhooks != nil {
		s.deps.Webhooks.RegisterRoutes(v1)
	}

	// Operator controls
	v1.POST("/pause", s.pauseHandler)
	v1.POST("/resume", s.resumeHandler)
	v1.POST("/override", s.overrideHandler)
	v1.POST("/budget/reset", s.budgetResetHandler)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Treasury Sentinel",
		"description": "Advisory multi-chain treasury monitor with metered escalation",
		"version":     "0.1.0",
		"settlement":  "base",
		"currency":    "USDC",
	})
}

// statusHandler reports the sentinel's current posture in one response.
func (s *Server) statusHandler(c *gin.Context) {
	resp := gin.H{
		"level":            s.deps.Machine.Level().String(),
		"level_entered_at": s.deps.Machine.EnteredAt().UTC().Format(time.RFC3339),
		"budget":           s.deps.Budget.Status(),
	}

	if s.deps.Sched != nil {
		resp["scheduler"] = gin.H{
			"running": s.deps.Sched.Running(),
			"halted":  s.deps.Sched.Halted(),
		}
	}

	latest, err := s.deps.Store.LatestRun(c.Request.Context())
	switch {
	case err == nil:
		resp["latest_run"] = latest
	case errors.Is(err, store.ErrNotFound):
		// No runs yet
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load latest run"})
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) listRunsHandler(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxRunListLimit)
	}

	runs, err := s.deps.Store.ListRuns(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list runs"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs, "count": len(runs)})
}

func (s *Server) getRunHandler(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	run, err := s.deps.Store.GetRun(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load run"})
		return
	}

	transitions, err := s.deps.Store.ListTransitions(ctx, id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load transitions"})
		return
	}
	payments, err := s.deps.Store.ListPayments(ctx, id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load payments"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"run":         run,
		"transitions": transitions,
		"payments":    payments,
	})
}

func (s *Server) listTransitionsHandler(c *gin.Context) {
	transitions, err := s.deps.Store.ListTransitions(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load transitions"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transitions": transitions, "count": len(transitions)})
}

func (s *Server) listPaymentsHandler(c *gin.Context) {
	payments, err := s.deps.Store.ListPayments(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load payments"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"payments": payments, "count": len(payments)})
}

func (s *Server) listSnapshotsHandler(c *gin.Context) {
	snaps, err := s.deps.Store.ListSnapshots(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load snapshots"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": snaps, "count": len(snaps)})
}

func (s *Server) getSnapshotHandler(c *gin.Context) {
	snap, err := s.deps.Store.GetSnapshot(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "snapshot not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load snapshot"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) budgetHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Budget.Status())
}

type replayRequest struct {
	DryRun *bool `json:"dry_run"`
}

// replayHandler re-executes a recorded run against its recorded inputs.
// Only dry runs are supported: replays never touch the live budget or
// the live ladder.
func (s *Server) replayHandler(c *gin.Context) {
	if s.deps.Replayer == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "replay not available"})
		return
	}

	var req replayRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	dryRun := true
	if req.DryRun != nil {
		dryRun = *req.DryRun
	}

	transitions, err := s.deps.Replayer.Replay(c.Request.Context(), c.Param("id"), dryRun)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	default:
		// Covers live-replay rejection and runs without recorded metadata.
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"run_id":      c.Param("id"),
		"dry_run":     dryRun,
		"transitions": transitions,
	})
}

func (s *Server) pauseHandler(c *gin.Context) {
	s.deps.Machine.Pause()
	s.logger.Warn("escalation ladder paused by operator")
	c.JSON(http.StatusOK, gin.H{"paused": true, "level": s.deps.Machine.Level().String()})
}

func (s *Server) resumeHandler(c *gin.Context) {
	s.deps.Machine.Resume()
	s.logger.Info("escalation ladder resumed by operator")
	c.JSON(http.StatusOK, gin.H{"paused": false, "level": s.deps.Machine.Level().String()})
}

type overrideRequest struct {
	Target string `json:"target" binding:"required"`
}

// overrideHandler forces the ladder to a target level. The attempt is
// recorded on the transition ledger like any other trigger.
func (s *Server) overrideHandler(c *gin.Context) {
	var req overrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "target is required"})
		return
	}

	target, err := escalation.ParseLevel(req.Target)
	if err != nil || !target.OnLadder() {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid target level %q", req.Target)})
		return
	}

	t, _ := s.deps.Machine.Apply(c.Request.Context(), escalation.Event{
		Trigger: escalation.TriggerManualOverride,
		RunID:   idgen.WithPrefix("ovr_"),
		Target:  target,
	})
	if !t.Successful {
		c.JSON(http.StatusConflict, gin.H{
			"error":      "override rejected",
			"transition": t,
			"level":      s.deps.Machine.Level().String(),
		})
		return
	}

	s.logger.Warn("manual override applied", "from", t.From.String(), "to", t.To.String())
	c.JSON(http.StatusOK, gin.H{"transition": t, "level": s.deps.Machine.Level().String()})
}

// budgetResetHandler clears spend and, if the sentinel is budget
// blocked, steps it back onto the ladder.
func (s *Server) budgetResetHandler(c *gin.Context) {
	t := s.deps.Machine.ResetBudget(c.Request.Context(), idgen.WithPrefix("ovr_"))
	s.logger.Warn("budget reset by operator")

	resp := gin.H{
		"budget": s.deps.Budget.Status(),
		"level":  s.deps.Machine.Level().String(),
	}
	if t != nil {
		resp["transition"] = t
	}
	c.JSON(http.StatusOK, resp)
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

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

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   "0.1.0",
		"checks":    statuses,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
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

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server plus the background loops (scheduler,
// realtime hub) and blocks until a shutdown signal or fatal error.
func (s *Server) Run(ctx context.Context) error {
	// Cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRun = cancel

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

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	if s.deps.Hub != nil {
		go s.deps.Hub.Run(runCtx)
	}

	// Start the run scheduler
	if s.deps.Sched != nil {
		go s.deps.Sched.Start(runCtx)
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

	// Cancel the context for background goroutines (hub, scheduler loop)
	if s.cancelRun != nil {
		s.cancelRun()
	}

	// Let an in-flight run finish before the store goes away
	if s.deps.Sched != nil {
		s.deps.Sched.Stop()
		s.logger.Info("scheduler stopped")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	if err := s.deps.Store.Close(); err != nil {
		s.logger.Error("store close error", "error", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// MarkReady flips the readiness probe. The composition root calls this
// after restore-on-startup completes.
func (s *Server) MarkReady() {
	s.ready.Store(true)
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
