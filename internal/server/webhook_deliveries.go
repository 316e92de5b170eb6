package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func (s *Server) GetWebhookDelivery(c *gin.Context) {
	id, err := parseDeliveryID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	delivery, err := s.webhook.GetDelivery(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if delivery == nil {
		AbortWithError(c, ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": delivery})
}

// RetryWebhookDelivery resets a permanently failed delivery and queues it.
func (s *Server) RetryWebhookDelivery(c *gin.Context) {
	id, err := parseDeliveryID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	delivery, err := s.webhook.ManualRetry(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	s.log.Info("webhook.delivery.manual_retry",
		zap.String("delivery_id", id.String()),
		zap.String("event", delivery.Event),
	)
	c.JSON(http.StatusAccepted, gin.H{"data": delivery})
}

func parseDeliveryID(c *gin.Context) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(c.Param("id")))
	if err != nil || id <= 0 {
		return 0, ErrInvalidRequest
	}
	return id, nil
}
