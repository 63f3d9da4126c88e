package router

import (
	"net/http"

	"hetbalancer/app/handler"
	"hetbalancer/app/middleware"

	"github.com/gin-gonic/gin"
)

// Options router settings
type Options struct {
	APIKey         string       // bearer token for write endpoints, empty disables auth
	MetricsPath    string       // Prometheus exposition path
	MetricsHandler http.Handler // nil disables the metrics endpoint
}

// Router Router
type Router struct {
	balancerHandler *handler.BalancerHandler
	streamHandler   *handler.StreamHandler
	opts            Options
}

// NewRouter creates a new Router
func NewRouter(balancerHandler *handler.BalancerHandler, streamHandler *handler.StreamHandler, opts Options) *Router {
	return &Router{
		balancerHandler: balancerHandler,
		streamHandler:   streamHandler,
		opts:            opts,
	}
}

// Setup sets up routes
func (r *Router) Setup(engine *gin.Engine) {
	engine.Use(middleware.Recovery())
	engine.Use(middleware.Logger())

	auth := middleware.AuthMiddleware(r.opts.APIKey)

	api := engine.Group("/api/v1")
	{
		workers := api.Group("/workers")
		{
			workers.GET("", r.balancerHandler.ListWorkers)
			workers.GET("/:id/batch-size", r.balancerHandler.GetBatchSize)
			workers.POST("/register", auth, r.balancerHandler.RegisterWorkers)
			workers.POST("/:id/telemetry", auth, r.balancerHandler.ReportTelemetry)
		}

		allocation := api.Group("/allocation")
		{
			allocation.GET("", r.balancerHandler.GetAllocation)
			allocation.POST("/step", auth, r.balancerHandler.Step)
			allocation.POST("/rebalance", auth, r.balancerHandler.Rebalance)
		}

		api.GET("/status", r.balancerHandler.GetStatus)
		api.GET("/status/stream", r.streamHandler.StreamStatus) // WebSocket
		api.GET("/metrics/efficiency", r.balancerHandler.GetEfficiency)
		api.GET("/history", r.balancerHandler.ListHistory)
		api.POST("/state/checkpoint", auth, r.balancerHandler.Checkpoint)
	}

	if r.opts.MetricsHandler != nil {
		path := r.opts.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		engine.GET(path, gin.WrapH(r.opts.MetricsHandler))
	}

	// Health check
	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}
