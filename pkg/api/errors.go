package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cerebro-sh/cerebro/pkg/eventlog"
)

// abortWithError maps runtime errors to the JSON error envelope.
func abortWithError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, eventlog.ErrRunNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
	case errors.Is(err, eventlog.ErrRunTerminal):
		c.JSON(http.StatusConflict, gin.H{"error": "run is terminal"})
	case errors.Is(err, eventlog.ErrRunExists):
		c.JSON(http.StatusConflict, gin.H{"error": "run already exists"})
	default:
		slog.Error("Unexpected handler error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
