package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-cardmarket-lifecycle/internal/domain"
)

// writeError maps lifecycle errors onto HTTP responses. Validation messages are returned verbatim;
// rejected actions get a generic body and the detail goes to the log.
func writeError(c *gin.Context, logger *zap.Logger, err error) {
	fields := []zap.Field{
		zap.String("route", c.FullPath()),
		zap.String("actor", actorFrom(c).ID),
		zap.Error(err),
	}
	switch {
	case domain.IsValidation(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "msg": err.Error()})
	case errors.Is(err, domain.ErrAlreadyShipped):
		c.JSON(http.StatusConflict, gin.H{"error": "already_shipped"})
	case errors.Is(err, domain.ErrIllegalTransition):
		logger.Warn("action rejected", fields...)
		c.JSON(http.StatusConflict, gin.H{"error": "action_not_permitted"})
	case errors.Is(err, domain.ErrUnauthorized):
		logger.Warn("action denied", fields...)
		c.JSON(http.StatusForbidden, gin.H{"error": "action_not_permitted"})
	case errors.Is(err, domain.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	default:
		logger.Error("request failed", fields...)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}
