package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/scoutflow/scoutflow/internal/accounts"
	"github.com/scoutflow/scoutflow/internal/common/logger"
	"github.com/scoutflow/scoutflow/internal/sessions"
)

// PoolHandlers exposes read-only admin views of the account and session
// pools.
type PoolHandlers struct {
	accounts *accounts.Pool
	sessions *sessions.Pool
	logger   *logger.Logger
}

// RegisterPoolRoutes mounts the pool status endpoints.
func RegisterPoolRoutes(router *gin.Engine, accts *accounts.Pool, sess *sessions.Pool, log *logger.Logger) {
	h := &PoolHandlers{
		accounts: accts,
		sessions: sess,
		logger:   log.WithFields(zap.String("component", "pool-handlers")),
	}
	api := router.Group("/api/v1")
	api.GET("/accounts", h.httpListAccounts)
	api.GET("/sessions", h.httpListSessions)
}

func (h *PoolHandlers) httpListAccounts(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"accounts": h.accounts.Status()})
}

func (h *PoolHandlers) httpListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": h.sessions.Status()})
}
