package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/scoutflow/scoutflow/internal/common/logger"
	"github.com/scoutflow/scoutflow/internal/engine"
	"github.com/scoutflow/scoutflow/internal/task/models"
	"github.com/scoutflow/scoutflow/internal/task/store"
)

// respondError maps engine and store errors onto HTTP status codes. Anything
// unrecognized is logged and hidden behind a generic 500.
func respondError(c *gin.Context, log *logger.Logger, err error) {
	switch {
	case errors.Is(err, models.ErrInvalidPayload):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrTaskNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
	case errors.Is(err, engine.ErrTaskNotPending),
		errors.Is(err, engine.ErrDuplicateTaskID),
		errors.Is(err, engine.ErrTaskDirCollision):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, engine.ErrManagerClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "shutting down"})
	default:
		log.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "request failed"})
	}
}
