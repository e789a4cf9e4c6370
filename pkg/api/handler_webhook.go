package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cerebro-sh/cerebro/pkg/models"
	"github.com/cerebro-sh/cerebro/pkg/run"
)

// WebhookRequest is the body of POST /webhooks/:slug.
type WebhookRequest struct {
	Identifier string          `json:"identifier" binding:"required"`
	Token      string          `json:"token" binding:"required"`
	Payload    json.RawMessage `json:"payload"`
}

// receiveWebhook handles POST /webhooks/:slug. The submission is matched
// against outstanding (slug, identifier, token) registrations; a match
// resumes the suspended run. Always 200: the caller learns the outcome from
// the action field, not the status code.
func (s *Server) receiveWebhook(c *gin.Context) {
	var req WebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	runID, err := s.manager.DeliverWebhook(c.Request.Context(), models.WebhookDelivery{
		Slug:       c.Param("slug"),
		Identifier: req.Identifier,
		Token:      req.Token,
		Response:   req.Payload,
	})
	if err != nil {
		if errors.Is(err, run.ErrNotSuspended) {
			c.JSON(http.StatusOK, gin.H{"received": true, "action": "no-match"})
			return
		}
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true, "action": "resumed", "brainRunId": runID})
}
