// Package api exposes the HTTP control plane: portfolio/decision
// read endpoints, scheduler and runtime-mode control, a Prometheus
// metrics endpoint, and a WebSocket push channel for market and
// portfolio updates.
package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"autotrade-core/internal/broker"
	"autotrade-core/internal/database"
	"autotrade-core/internal/events"
	"autotrade-core/internal/logging"
	"autotrade-core/internal/marketcache"
	"autotrade-core/internal/marketdatasched"
	"autotrade-core/internal/runtimectl"
	"autotrade-core/internal/scheduler"
	"autotrade-core/internal/tools"
	"autotrade-core/internal/types"
)

const basePath = "/internal/autotrade/v1"

// Config holds HTTP server settings.
type Config struct {
	Port             int
	Host             string
	AllowedOrigins   string
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	ShutdownTimeout  time.Duration
	CronTriggerToken string
}

// Server wires the HTTP control plane onto a gin.Engine plus a WSHub
// for /ws/market-data: CORS, request logging, and panic recovery
// middleware in front of the portfolio, decision, scheduler, and
// runtime-mode routes.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	cfg        Config

	portfolioPort broker.Port
	decisionSched *scheduler.Scheduler
	marketSched   *marketdatasched.Scheduler
	runtimeCtl    *runtimectl.Controller
	cache         *marketcache.MarketCache
	repo          *database.Repository
	registry      *tools.Registry
	symbols       []string
	wsHub         *WSHub
	metrics       *metricsRegistry
	log           *logging.Logger
}

// Deps bundles every dependency NewServer needs. repo may be nil
// (simulator mode without a database), in which case the
// decision-history endpoints degrade to 503. The runtime-mode
// endpoints do not consult repo: they return 503 only when RuntimeCtl
// is nil, and otherwise read and set the mode whether or not a
// database is connected.
type Deps struct {
	PortfolioPort broker.Port
	DecisionSched *scheduler.Scheduler
	MarketSched   *marketdatasched.Scheduler
	RuntimeCtl    *runtimectl.Controller
	Cache         *marketcache.MarketCache
	Repo          *database.Repository
	Registry      *tools.Registry
	Symbols       []string
	Bus           *events.EventBus
}

// NewServer builds the router, registers every route, and starts the
// WebSocket hub's broadcast goroutine.
func NewServer(cfg Config, deps Deps, log *logging.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = []string{cfg.AllowedOrigins}
	if cfg.AllowedOrigins == "*" {
		corsConfig.AllowAllOrigins = true
		corsConfig.AllowOrigins = nil
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PATCH", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "x-cron-token"}
	router.Use(cors.New(corsConfig))

	hub := NewWSHub()
	go hub.Run()
	if deps.Bus != nil {
		deps.Bus.SubscribeAll(func(event events.Event) {
			hub.BroadcastEvent(event)
		})
	}

	s := &Server{
		router:        router,
		cfg:           cfg,
		portfolioPort: deps.PortfolioPort,
		decisionSched: deps.DecisionSched,
		marketSched:   deps.MarketSched,
		runtimeCtl:    deps.RuntimeCtl,
		cache:         deps.Cache,
		repo:          deps.Repo,
		registry:      deps.Registry,
		symbols:       deps.Symbols,
		wsHub:         hub,
		metrics:       newMetricsRegistry(),
		log:           log.WithComponent("api_server"),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/healthz", s.handleHealthz)
	s.router.GET("/readyz", s.handleHealthz)
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{})))
	s.router.GET("/ws/market-data", s.handleWebSocket)

	v1 := s.router.Group(basePath)
	v1.GET("/portfolio", s.handleGetPortfolio)
	v1.POST("/portfolio/sync", s.handleSyncPortfolio)
	v1.GET("/decisions", s.handleListDecisions)
	v1.GET("/decisions/:id", s.handleGetDecision)
	v1.GET("/market/indicators/:symbol", s.handleGetIndicators)
	v1.GET("/scheduler/status", s.handleSchedulerStatus)
	v1.POST("/scheduler/pause", s.handleSchedulerPause)
	v1.POST("/scheduler/resume", s.handleSchedulerResume)
	v1.POST("/scheduler/trigger", s.handleSchedulerTrigger)
	v1.POST("/scheduler/cron-trigger", s.handleSchedulerCronTrigger)
	v1.GET("/runtime-mode", s.handleGetRuntimeMode)
	v1.PATCH("/runtime-mode", s.handleSetRuntimeMode)
	v1.GET("/metrics/latency/okx-order", s.handleOrderLatencyMetrics)
}

// Start launches the HTTP listener in a background goroutine.
func (s *Server) Start() {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("http server stopped unexpectedly")
		}
	}()
	s.log.WithField("addr", s.httpServer.Addr).Info("api server started")
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "autotrade-core",
		"status":  "ok",
		"time":    time.Now().UTC(),
	})
}

func (s *Server) handleHealthz(c *gin.Context) {
	status := gin.H{"status": "ok"}
	code := http.StatusOK

	if s.cache != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.cache.Ping(ctx); err != nil {
			status["status"] = "degraded"
			status["cache"] = "unreachable"
			code = http.StatusServiceUnavailable
		}
	}
	if s.decisionSched != nil {
		status["scheduler"] = s.decisionSched.Status()
	}
	if s.marketSched != nil {
		status["marketData"] = s.marketSched.Status()
	}
	c.JSON(code, status)
}

func (s *Server) handleGetPortfolio(c *gin.Context) {
	if s.portfolioPort == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "portfolio unavailable"})
		return
	}
	c.JSON(http.StatusOK, s.portfolioPort.Portfolio())
}

func (s *Server) handleSyncPortfolio(c *gin.Context) {
	if s.portfolioPort == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "portfolio unavailable"})
		return
	}
	if err := s.portfolioPort.MarkToMarket(c.Request.Context(), nil); err != nil {
		s.log.WithError(err).Warn("portfolio sync mark-to-market failed")
	}
	c.JSON(http.StatusOK, s.portfolioPort.Portfolio())
}

func (s *Server) handleListDecisions(c *gin.Context) {
	if s.repo == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "decision history unavailable"})
		return
	}
	symbol := c.Query("symbol")
	if symbol != "" && !s.tracksSymbol(symbol) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown symbol: " + symbol})
		return
	}
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	entries, err := s.repo.ListDecisionLogs(c.Request.Context(), symbol, limit)
	if err != nil {
		s.log.WithError(err).Error("failed to list decision logs")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list decisions"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"decisions": entries, "symbol": symbol})
}

func (s *Server) tracksSymbol(symbol string) bool {
	for _, tracked := range s.symbols {
		if tracked == symbol {
			return true
		}
	}
	return false
}

func (s *Server) handleGetDecision(c *gin.Context) {
	if s.repo == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "decision history unavailable"})
		return
	}
	runID := c.Param("id")
	entries, err := s.repo.FetchDecisionRun(c.Request.Context(), runID)
	if err != nil {
		s.log.WithError(err).Error("failed to fetch decision run")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch decision"})
		return
	}
	if len(entries) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "decision not found", "id": runID})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runId": runID, "decisions": entries})
}

func (s *Server) handleGetIndicators(c *gin.Context) {
	symbol := c.Param("symbol")
	if s.registry == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "indicator registry unavailable"})
		return
	}
	source := "live"
	if s.cache != nil {
		var snapshot types.IndicatorSnapshot
		if err := s.cache.GetJSON(c.Request.Context(), marketcache.IndicatorSnapshotKey(symbol), &snapshot); err == nil {
			c.JSON(http.StatusOK, gin.H{"indicators": snapshot, "source": "redis"})
			return
		}
	}
	cache := tools.NewToolCache()
	raw, err := s.registry.IndicatorCalculator(c.Request.Context(), cache, symbol)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/json", []byte(fmt.Sprintf(`{"indicators":%s,"source":%q}`, raw, source)))
}

func (s *Server) handleSchedulerStatus(c *gin.Context) {
	if s.decisionSched == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "scheduler unavailable"})
		return
	}
	c.JSON(http.StatusOK, s.decisionSched.Status())
}

func (s *Server) handleSchedulerPause(c *gin.Context) {
	if s.decisionSched == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "scheduler unavailable"})
		return
	}
	s.decisionSched.Pause()
	c.JSON(http.StatusOK, s.decisionSched.Status())
}

func (s *Server) handleSchedulerResume(c *gin.Context) {
	if s.decisionSched == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "scheduler unavailable"})
		return
	}
	s.decisionSched.Resume()
	c.JSON(http.StatusOK, s.decisionSched.Status())
}

func (s *Server) handleSchedulerTrigger(c *gin.Context) {
	if s.decisionSched == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "scheduler unavailable"})
		return
	}
	s.decisionSched.Trigger(c.Request.Context())
	c.JSON(http.StatusOK, s.decisionSched.Status())
}

func (s *Server) handleSchedulerCronTrigger(c *gin.Context) {
	supplied := c.GetHeader("x-cron-token")
	if subtle.ConstantTimeCompare([]byte(supplied), []byte(s.cfg.CronTriggerToken)) != 1 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid cron token"})
		return
	}
	if s.decisionSched == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "scheduler unavailable"})
		return
	}
	s.decisionSched.Trigger(c.Request.Context())
	c.JSON(http.StatusOK, s.decisionSched.Status())
}

func (s *Server) handleGetRuntimeMode(c *gin.Context) {
	if s.runtimeCtl == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "runtime controller unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"mode": s.runtimeCtl.Mode()})
}

func (s *Server) handleSetRuntimeMode(c *gin.Context) {
	if s.runtimeCtl == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "runtime controller unavailable"})
		return
	}
	var body struct {
		Mode types.RuntimeMode `json:"mode"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := s.runtimeCtl.SetMode(body.Mode); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"mode": s.runtimeCtl.Mode()})
}

func (s *Server) handleOrderLatencyMetrics(c *gin.Context) {
	stats, ok := s.metrics.orderLatencyStats()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no order latency recorded yet"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats})
}
