package server

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/scoutflow/scoutflow/internal/common/logger"
)

// CurrentCanceller force-cancels whatever task a consumer route is
// currently running inline. A disabled consumer reports no active run.
type CurrentCanceller interface {
	CancelCurrent(ctx context.Context) (taskID string, issued bool, err error)
}

// ConsumerHandlers exposes the broker-side control endpoint.
type ConsumerHandlers struct {
	canceller CurrentCanceller
	logger    *logger.Logger
}

// RegisterConsumerRoutes mounts the consumer control endpoint.
func RegisterConsumerRoutes(router *gin.Engine, canceller CurrentCanceller, log *logger.Logger) {
	h := &ConsumerHandlers{
		canceller: canceller,
		logger:    log.WithFields(zap.String("component", "consumer-handlers")),
	}
	api := router.Group("/api/v1")
	api.POST("/consumer/cancel-current", h.httpCancelCurrent)
}

func (h *ConsumerHandlers) httpCancelCurrent(c *gin.Context) {
	id, issued, err := h.canceller.CancelCurrent(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if !issued {
		c.JSON(http.StatusOK, gin.H{"cancelled": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": true, "task_id": id})
}
