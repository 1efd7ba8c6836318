// Package api exposes the operational server: health, risk state, open and
// historical positions, signals, rejection counts, backtest runs and cache
// administration. Order placement stays inside the pipeline; the only
// mutation offered here is a cache flush.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"consensus-trading-bot/config"
	"consensus-trading-bot/internal/cache"
	"consensus-trading-bot/internal/circuit"
	"consensus-trading-bot/internal/execution"
	"consensus-trading-bot/internal/models"
	"consensus-trading-bot/internal/risk"
)

// Store serves persisted history for the status endpoints. Backed by the
// database repository in production, by a fixture in tests.
type Store interface {
	GetRecentSignals(ctx context.Context, limit int) ([]*models.Signal, error)
	GetPositionHistory(ctx context.Context, limit, offset int) ([]*models.Position, error)
	CountRejectionsByReason(ctx context.Context, since time.Time) (map[string]int, error)
	ListBacktestRuns(ctx context.Context, limit int) ([]*models.BacktestRun, error)
	GetBacktestRun(ctx context.Context, runID string) (*models.BacktestRun, error)
	GetBacktestTrades(ctx context.Context, runID string) ([]models.BacktestTrade, error)
}

// HealthReporter is anything that can report a named health status
type HealthReporter interface {
	IsHealthy() bool
}

// Server is the operational HTTP server
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	cfg        config.ServerConfig
	state      *risk.RiskState
	book       *execution.PositionBook
	breaker    *circuit.Breaker
	store      Store
	cache      *cache.MarketCache
	health     map[string]HealthReporter
	logger     zerolog.Logger
	startedAt  time.Time
}

// NewServer wires the operational endpoints. breaker and store may be nil
// when those subsystems are disabled.
func NewServer(
	cfg config.ServerConfig,
	state *risk.RiskState,
	book *execution.PositionBook,
	breaker *circuit.Breaker,
	store Store,
	logger zerolog.Logger,
) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = strings.Split(cfg.AllowedOrigins, ",")
	if cfg.AllowedOrigins == "*" {
		corsConfig.AllowAllOrigins = true
		corsConfig.AllowOrigins = nil
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	router.Use(cors.New(corsConfig))

	server := &Server{
		router:    router,
		cfg:       cfg,
		state:     state,
		book:      book,
		breaker:   breaker,
		store:     store,
		health:    make(map[string]HealthReporter),
		logger:    logger.With().Str("component", "api").Logger(),
		startedAt: time.Now(),
	}

	server.setupRoutes()
	return server
}

// RegisterHealth adds a named component to the health report
func (s *Server) RegisterHealth(name string, reporter HealthReporter) {
	s.health[name] = reporter
}

// RegisterCache attaches the market cache so its stats and flush endpoints
// go live, and folds it into the health report
func (s *Server) RegisterCache(mc *cache.MarketCache) {
	s.cache = mc
	s.RegisterHealth("cache", mc)
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	api := s.router.Group("/api")
	{
		api.GET("/risk", s.handleRiskState)
		api.GET("/positions", s.handleOpenPositions)
		api.GET("/positions/history", s.handlePositionHistory)
		api.GET("/signals", s.handleRecentSignals)
		api.GET("/rejections", s.handleRejectionCounts)
		api.GET("/breaker", s.handleBreaker)
		api.GET("/backtests", s.handleBacktestRuns)
		api.GET("/backtests/:id", s.handleBacktestRun)
		api.GET("/cache", s.handleCacheStats)
		api.POST("/cache/flush", s.handleCacheFlush)
	}
}

// Start runs the HTTP server until Shutdown is called
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.cfg.WriteTimeout) * time.Second,
	}

	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("Operational server listening")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("operational server failed: %w", err)
	}
	return nil
}

// Shutdown stops the server, waiting for in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Router exposes the gin engine for tests
func (s *Server) Router() http.Handler {
	return s.router
}
