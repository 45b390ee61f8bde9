package main

import (
	"offline-phone/internal/httpapi"
	"offline-phone/internal/metrics"

	"github.com/gin-gonic/gin"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, h httpapi.Handlers, authMW gin.HandlerFunc) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.GET("/metrics", metrics.Handler())

	// AUTH routes (token issuance) stay public; everything else requires
	// an access token.
	v1 := r.Group("/v1")
	{
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/register", h.Register)
			authGroup.POST("/refresh", h.Refresh)
		}
	}

	protected := v1.Group("")
	protected.Use(authMW)
	{
		protected.GET("/me", h.Me)
		protected.GET("/state", h.State)

		// CALL control
		callGroup := protected.Group("/calls")
		{
			callGroup.POST("/dial", h.Dial)
			callGroup.POST("/accept", h.Accept)
			callGroup.POST("/reject", h.Reject)
			callGroup.POST("/hangup", h.Hangup)
			callGroup.GET("/:call_id/chunks", h.CallChunks)
		}

		// PLAYBACK control
		playbackGroup := protected.Group("/playback")
		{
			playbackGroup.POST("/play", h.Play)
			playbackGroup.POST("/pause", h.Pause)
			playbackGroup.POST("/seek", h.Seek)
		}

		protected.GET("/presence", h.OnlinePeers)
		protected.GET("/history", h.CallHistory)
		protected.GET("/history/summary", h.CallHistorySummary)
		protected.GET("/journal", h.RecentTransitions)
	}
}
