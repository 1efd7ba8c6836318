package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"consensus-trading-bot/internal/cache"
	"consensus-trading-bot/internal/database"
)

// parseBoundedInt reads an integer query parameter, rejecting anything
// outside [min, max]
func parseBoundedInt(c *gin.Context, name string, def, min, max int) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return def, true
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed < min || parsed > max {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": name + " must be an integer in [" + strconv.Itoa(min) + ", " + strconv.Itoa(max) + "]",
		})
		return 0, false
	}
	return parsed, true
}

func (s *Server) handleHealth(c *gin.Context) {
	components := make(map[string]bool, len(s.health))
	healthy := true
	for name, reporter := range s.health {
		ok := reporter.IsHealthy()
		components[name] = ok
		if !ok {
			healthy = false
		}
	}

	status := http.StatusOK
	text := "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		text = "degraded"
	}

	c.JSON(status, gin.H{
		"status":     text,
		"uptime":     time.Since(s.startedAt).Round(time.Second).String(),
		"components": components,
	})
}

func (s *Server) handleRiskState(c *gin.Context) {
	snapshot := s.state.Snapshot()
	c.JSON(http.StatusOK, snapshot)
}

func (s *Server) handleOpenPositions(c *gin.Context) {
	positions := s.book.List()
	c.JSON(http.StatusOK, gin.H{
		"count":     len(positions),
		"positions": positions,
	})
}

func (s *Server) handleRecentSignals(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusOK, gin.H{"signals": []interface{}{}})
		return
	}

	limit, ok := parseBoundedInt(c, "limit", 50, 1, 500)
	if !ok {
		return
	}

	signals, err := s.store.GetRecentSignals(c.Request.Context(), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to load recent signals")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load signals"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"signals": signals})
}

func (s *Server) handlePositionHistory(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusOK, gin.H{"positions": []interface{}{}})
		return
	}

	limit, ok := parseBoundedInt(c, "limit", 50, 1, 500)
	if !ok {
		return
	}
	offset, ok := parseBoundedInt(c, "offset", 0, 0, 1_000_000)
	if !ok {
		return
	}

	positions, err := s.store.GetPositionHistory(c.Request.Context(), limit, offset)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to load position history")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load position history"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"count":     len(positions),
		"offset":    offset,
		"positions": positions,
	})
}

func (s *Server) handleRejectionCounts(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusOK, gin.H{"rejections": map[string]int{}})
		return
	}

	hours, ok := parseBoundedInt(c, "hours", 24, 1, 720)
	if !ok {
		return
	}
	since := time.Now().Add(-time.Duration(hours) * time.Hour)

	counts, err := s.store.CountRejectionsByReason(c.Request.Context(), since)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to count rejections")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to count rejections"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"since":      since,
		"rejections": counts,
	})
}

func (s *Server) handleBreaker(c *gin.Context) {
	if s.breaker == nil {
		c.JSON(http.StatusOK, gin.H{"enabled": false})
		return
	}
	c.JSON(http.StatusOK, s.breaker.Stats())
}

func (s *Server) handleBacktestRuns(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusOK, gin.H{"runs": []interface{}{}})
		return
	}

	limit, ok := parseBoundedInt(c, "limit", 20, 1, 200)
	if !ok {
		return
	}

	runs, err := s.store.ListBacktestRuns(c.Request.Context(), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list backtest runs")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list backtest runs"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (s *Server) handleBacktestRun(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "backtest history is not available"})
		return
	}

	runID := c.Param("id")
	run, err := s.store.GetBacktestRun(c.Request.Context(), runID)
	if err != nil {
		if database.IsNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "backtest run not found"})
			return
		}
		s.logger.Error().Str("run_id", runID).Err(err).Msg("Failed to load backtest run")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load backtest run"})
		return
	}

	trades, err := s.store.GetBacktestTrades(c.Request.Context(), runID)
	if err != nil {
		s.logger.Error().Str("run_id", runID).Err(err).Msg("Failed to load backtest trades")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load backtest trades"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"run":    run,
		"trades": trades,
	})
}

func (s *Server) handleCacheStats(c *gin.Context) {
	if s.cache == nil {
		c.JSON(http.StatusOK, gin.H{"enabled": false})
		return
	}
	c.JSON(http.StatusOK, s.cache.GetStats())
}

func (s *Server) handleCacheFlush(c *gin.Context) {
	if s.cache == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "cache is not enabled"})
		return
	}

	if err := s.cache.Flush(c.Request.Context()); err != nil {
		if errors.Is(err, cache.ErrUnavailable) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "cache is unavailable"})
			return
		}
		s.logger.Error().Err(err).Msg("Cache flush failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cache flush failed"})
		return
	}

	s.logger.Info().Msg("Cache flushed")
	c.JSON(http.StatusOK, gin.H{"flushed": true})
}
