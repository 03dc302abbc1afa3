package api

import (
	"encodeagent/config"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func SetupRouter(agent Controller, cfg *config.Config) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())
	h := NewHandler(agent)

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	read := v1.Group("", AuthMiddleware(cfg, ScopeRead))
	{
		read.GET("/status", h.handleStatus)
		read.GET("/queue", h.handleQueue)
	}
	control := v1.Group("", AuthMiddleware(cfg, ScopeControl))
	{
		control.POST("/pause", h.handlePause)
		control.POST("/unpause", h.handleUnpause)
		control.POST("/abort", h.handleAbort)
		control.POST("/restart", h.handleRestart)
	}
	return r
}
