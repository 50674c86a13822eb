// Package server exposes the HTTP and WebSocket surface over the task
// engine. Handlers validate input, call the manager and translate errors;
// they hold no business logic.
package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/scoutflow/scoutflow/internal/common/httpmw"
	"github.com/scoutflow/scoutflow/internal/common/logger"
)

// NewRouter builds the gin engine with the shared middleware stack and the
// health probe. Route groups are registered separately per handler set.
func NewRouter(log *logger.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(CORSMiddleware())
	router.Use(httpmw.RequestLogger(log, "scoutflow"))
	router.Use(httpmw.OtelTracing("scoutflow"))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "scoutflow",
		})
	})

	return router
}

// CORSMiddleware allows browser dashboards and WebSocket upgrades from any
// origin.
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
