// Package server sets up the HTTP server with all routes.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agentpay/facilitator/internal/config"
	"github.com/agentpay/facilitator/internal/dispute"
	"github.com/agentpay/facilitator/internal/health"
	"github.com/agentpay/facilitator/internal/idgen"
	"github.com/agentpay/facilitator/internal/ledger"
	"github.com/agentpay/facilitator/internal/logging"
	"github.com/agentpay/facilitator/internal/metrics"
	"github.com/agentpay/facilitator/internal/monitoring"
	"github.com/agentpay/facilitator/internal/ratelimit"
	"github.com/agentpay/facilitator/internal/realtime"
	"github.com/agentpay/facilitator/internal/settlement"
	"github.com/agentpay/facilitator/internal/solana"
	"github.com/agentpay/facilitator/internal/traces"
	"github.com/agentpay/facilitator/internal/validation"
)

// Server wraps the HTTP server and dependencies.
type Server struct {
	cfg         *config.Config
	ledger      *ledger.Ledger
	engine      *settlement.Engine
	scheduler   *settlement.Scheduler
	disputes    *dispute.Manager
	monitor     *monitoring.Service
	collector   *monitoring.Collector
	hub         *realtime.Hub
	rateLimiter *ratelimit.Limiter
	checks      *health.Registry
	eventStore  ledger.EventStore
	signer      settlement.Signer

	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc

	schedulerMu     sync.Mutex
	schedulerOn     bool
	schedulerCancel context.CancelFunc

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithSigner sets a custom settlement signer (for testing).
func WithSigner(signer settlement.Signer) Option {
	return func(s *Server) { s.signer = signer }
}

// New creates a new server instance.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}
	for _, opt := range opts {
		opt(s)
	}

	// Event journal: Postgres when configured, memory otherwise.
	if cfg.DatabaseURL != "" {
		store, err := ledger.NewPostgresEventStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("event store: %w", err)
		}
		s.eventStore = store
		s.logger.Info("event journal using PostgreSQL", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.eventStore = ledger.NewMemoryEventStore()
		s.logger.Info("event journal in memory")
	}

	s.ledger = ledger.New(
		ledger.WithEventStore(s.eventStore),
		ledger.WithLogger(s.logger),
	)

	// A durable journal survives restarts; rebuild the usage
	// projections from it before taking traffic.
	if cfg.DatabaseURL != "" {
		if _, err := s.ledger.ReplayUsage(context.Background()); err != nil {
			s.logger.Warn("usage replay failed", "error", err)
		}
	}

	if s.signer == nil {
		if cfg.SolanaPrivateKey != "" {
			signer, err := solana.NewSigner(cfg.SolanaRPCURL, cfg.SolanaPrivateKey, cfg.USDCMint, s.logger)
			if err != nil {
				return nil, fmt.Errorf("solana signer: %w", err)
			}
			s.signer = signer
			s.logger.Info("settlement signer ready", "wallet", signer.Address())
		} else {
			s.signer = noopSigner{logger: s.logger}
			s.logger.Warn("no SOLANA_PRIVATE_KEY set, settlements use the no-op signer")
		}
	}

	s.engine = settlement.NewEngine(s.ledger, s.signer, settlement.Thresholds{
		Amount: cfg.ThresholdAmount,
		Count:  cfg.ThresholdCount,
		Time:   cfg.ThresholdTime,
	}, s.logger)
	s.ledger.SetChecker(s.engine)

	s.scheduler = settlement.NewScheduler(s.engine, cfg.CheckInterval, s.logger)
	s.disputes = dispute.NewManager(s.ledger, s.logger)
	s.monitor = monitoring.NewService(s.ledger, s.disputes, s.scheduler, cfg.AutoSettlement)
	s.collector = monitoring.NewCollector(s.monitor, cfg.SnapshotInterval, s.logger)
	s.hub = realtime.NewHub(s.logger)
	s.rateLimiter = ratelimit.New(ratelimit.Config{RequestsPerMinute: cfg.RateLimitRPM})

	s.checks = health.NewRegistry()
	s.checks.Register(func(context.Context) health.Check {
		if s.cfg.AutoSettlement && !s.scheduler.Running() {
			return health.Fail("scheduler", "settlement scheduler not running")
		}
		return health.Pass("scheduler")
	})
	s.checks.Register(func(context.Context) health.Check {
		if backlog := s.ledger.QueueSize(); backlog > 1000 {
			return health.Fail("queue", fmt.Sprintf("backlog %d", backlog))
		}
		return health.Pass("queue")
	})

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		s.logger.Error("panic recovered",
			"panic", fmt.Sprint(recovered),
			"path", c.Request.URL.Path)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "internal server error",
		})
	}))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(s.rateLimiter.Middleware())
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.WithPrefix("req_")
		}
		c.Header("X-Request-ID", requestID)
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		if c.Request.URL.Path == "/health" || c.Request.URL.Path == "/metrics" {
			return
		}
		s.logger.Info("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start).String(),
			"requestId", c.Writer.Header().Get("X-Request-ID"))
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")

	v1.POST("/verify", s.verifyHandler)
	v1.POST("/queue", s.queueHandler)
	v1.POST("/data-hash", s.dataHashHandler)
	v1.GET("/list", s.listHandler)
	v1.GET("/pending", s.pendingHandler)
	v1.GET("/merchants", s.merchantsHandler)
	v1.GET("/usage", s.usageHandler)
	v1.GET("/events", s.eventsHandler)

	v1.POST("/batch/create", s.batchCreateHandler)
	v1.POST("/batch/complete", s.batchCompleteHandler)
	v1.POST("/batch/fail", s.batchFailHandler)
	v1.GET("/batches", s.batchesHandler)

	v1.POST("/settlement/trigger", s.settlementTriggerHandler)
	v1.POST("/settlement/start", s.settlementStartHandler)
	v1.POST("/settlement/stop", s.settlementStopHandler)

	v1.POST("/dispute", s.disputeCreateHandler)
	v1.POST("/dispute/resolve", s.disputeResolveHandler)
	v1.GET("/disputes", s.disputesHandler)

	mon := v1.Group("/monitoring")
	mon.GET("/dashboard", s.monitoringDashboardHandler)
	mon.GET("/metrics", s.monitoringMetricsHandler)
	mon.GET("/agent/:address", s.monitoringAgentHandler)
	mon.GET("/agents", s.monitoringAgentsHandler)
	mon.GET("/health", s.monitoringHealthHandler)
	mon.GET("/history", s.monitoringHistoryHandler)
}

// Run starts the server and blocks until shutdown.
func (s *Server) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelRunCtx = cancel
	defer cancel()

	shutdownTraces, err := traces.Init(ctx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("tracing init failed", "error", err)
	}

	go s.hub.Run(ctx)
	go s.collector.Start(ctx)
	go metrics.StartRuntimeCollector(ctx, 15*time.Second)
	if s.cfg.AutoSettlement {
		s.startScheduler()
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "port", s.cfg.Port, "env", s.cfg.Env)
		s.ready.Store(true)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		s.logger.Info("shutting down", "signal", sig.String())
	}

	s.ready.Store(false)
	s.stopScheduler()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("forced shutdown", "error", err)
	}
	if shutdownTraces != nil {
		if err := shutdownTraces(shutdownCtx); err != nil {
			s.logger.Warn("trace shutdown failed", "error", err)
		}
	}
	s.rateLimiter.Stop()
	if err := s.eventStore.Close(); err != nil {
		s.logger.Warn("event store close failed", "error", err)
	}
	s.logger.Info("server stopped")
	return nil
}

// startScheduler launches the settlement loop if it is not already
// running. The mutex makes start/stop transitions synchronous: two
// concurrent starts cannot both launch a loop.
func (s *Server) startScheduler() bool {
	s.schedulerMu.Lock()
	defer s.schedulerMu.Unlock()
	if s.schedulerOn {
		return false
	}
	// A loop from a previous stop may still be winding down; it exits
	// on its next select pass, so this wait is brief.
	for s.scheduler.Running() {
		time.Sleep(5 * time.Millisecond)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.schedulerCancel = cancel
	s.schedulerOn = true
	go s.scheduler.Start(ctx)
	return true
}

func (s *Server) stopScheduler() bool {
	s.schedulerMu.Lock()
	defer s.schedulerMu.Unlock()
	if !s.schedulerOn {
		return false
	}
	s.scheduler.Stop()
	s.schedulerCancel()
	s.schedulerOn = false
	return true
}

// Router exposes the gin engine for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) healthHandler(c *gin.Context) {
	ok, checks := s.checks.CheckAll(c.Request.Context())
	status := http.StatusOK
	state := "healthy"
	if !ok {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	c.JSON(status, gin.H{
		"status":     state,
		"components": checks,
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "down"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// maskDSN hides credentials in a database URL for logging.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	return u.String()
}
