// Package api is the thin REST/WebSocket surface: it parses requests,
// delegates to the engine facade/monitor/cache/graph-store components,
// and serialises their results. No domain logic lives here, the same
// separation the engine's Gin router has always kept from its
// heuristics/db packages.
package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rawblock/coinjoin-tracer/internal/cache"
	"github.com/rawblock/coinjoin-tracer/internal/config"
	"github.com/rawblock/coinjoin-tracer/internal/engine"
	"github.com/rawblock/coinjoin-tracer/internal/graph"
	"github.com/rawblock/coinjoin-tracer/internal/monitor"
)

// APIHandler holds the components every route delegates to.
type APIHandler struct {
	facade  *engine.Facade
	monitor *monitor.Poller
	cache   *cache.Cache
	store   *graph.Writer
	wsHub   *Hub
}

// SetupRouter builds the Gin engine and wires every route to its
// component.
func SetupRouter(cfg config.ServerConfig, facade *engine.Facade, poller *monitor.Poller, txCache *cache.Cache, store *graph.Writer, wsHub *Hub) *gin.Engine {
	r := gin.Default()

	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if cfg.AllowedOrigins == "" || cfg.AllowedOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			for _, allowed := range strings.Split(cfg.AllowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})

	h := &APIHandler{facade: facade, monitor: poller, cache: txCache, store: store, wsHub: wsHub}

	pub := r.Group("/api/v1")
	{
		pub.GET("/health", h.handleHealth)
		pub.GET("/stream", wsHub.Subscribe)
	}

	protected := r.Group("/api/v1")
	protected.Use(AuthMiddleware(cfg.AuthToken))
	protected.Use(NewRateLimiter(30, 5).Middleware())
	{
		protected.POST("/monitoring/start", h.handleMonitoringStart)
		protected.POST("/monitoring/stop", h.handleMonitoringStop)
		protected.GET("/monitoring/status", h.handleMonitoringStatus)

		protected.POST("/investigate", h.handleInvestigate)
		protected.POST("/search/address", h.handleSearchAddress)

		protected.GET("/statistics", h.handleStatistics)

		protected.GET("/cache/status", h.handleCacheStatus)
		protected.POST("/cache/clear", h.handleCacheClear)
		protected.POST("/cache/cleanup", h.handleCacheCleanup)
	}

	return r
}

// handleHealth reports store connectivity and last-tick freshness, the
// same service-discovery shape the engine's /health has always returned.
func (h *APIHandler) handleHealth(c *gin.Context) {
	storeHealth := h.store.Health(c.Request.Context())
	monitorStatus := h.monitor.StatusSnapshot()

	c.JSON(http.StatusOK, gin.H{
		"status":      "operational",
		"store":       storeHealth,
		"monitor":     monitorStatus,
		"lastTickAge": time.Since(monitorStatus.LastTick).String(),
	})
}

// POST /api/v1/investigate {txid, max_depth?}
func (h *APIHandler) handleInvestigate(c *gin.Context) {
	var req struct {
		Txid     string `json:"txid" binding:"required"`
		MaxDepth int    `json:"max_depth"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	tree, err := h.facade.InvestigateTx(c.Request.Context(), req.Txid, engine.Option{MaxDepth: req.MaxDepth})
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, tree)
}

// POST /api/v1/search/address {address, max_depth?}
func (h *APIHandler) handleSearchAddress(c *gin.Context) {
	var req struct {
		Address  string `json:"address" binding:"required"`
		MaxDepth int    `json:"max_depth"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	tree, err := h.facade.InvestigateAddress(c.Request.Context(), req.Address, engine.Option{MaxDepth: req.MaxDepth})
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, tree)
}

func writeEngineError(c *gin.Context, err error) {
	switch err {
	case engine.ErrBusy:
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "busy", "details": err.Error()})
	default:
		c.JSON(http.StatusBadGateway, gin.H{"error": "upstream_unavailable", "details": err.Error()})
	}
}

// POST /api/v1/monitoring/start
func (h *APIHandler) handleMonitoringStart(c *gin.Context) {
	h.monitor.Start(context.Background())
	c.JSON(http.StatusOK, gin.H{"status": "started"})
}

// POST /api/v1/monitoring/stop
func (h *APIHandler) handleMonitoringStop(c *gin.Context) {
	h.monitor.Stop()
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

// GET /api/v1/monitoring/status
func (h *APIHandler) handleMonitoringStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.monitor.StatusSnapshot())
}

// GET /api/v1/statistics aggregates counts from the graph store and
// monitor loop.
func (h *APIHandler) handleStatistics(c *gin.Context) {
	storeHealth := h.store.Health(c.Request.Context())
	monitorStatus := h.monitor.StatusSnapshot()

	c.JSON(http.StatusOK, gin.H{
		"nodeCount":              storeHealth.NodeCount,
		"edgeCount":              storeHealth.EdgeCount,
		"monitorProcessed":       monitorStatus.Processed,
		"monitorPositive":        monitorStatus.Positive,
		"monitorDropped":         monitorStatus.Dropped,
		"investigationsInFlight": h.facade.InFlight(),
	})
}

// GET /api/v1/cache/status
func (h *APIHandler) handleCacheStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.cache.Status())
}

// POST /api/v1/cache/clear
func (h *APIHandler) handleCacheClear(c *gin.Context) {
	h.cache.Clear()
	c.JSON(http.StatusOK, gin.H{"status": "cleared"})
}

// POST /api/v1/cache/cleanup
func (h *APIHandler) handleCacheCleanup(c *gin.Context) {
	elapsed := h.cache.Cleanup()
	c.JSON(http.StatusOK, gin.H{"status": "cleaned", "elapsed": elapsed.String()})
}
