// Package api exposes the four HTTP surfaces: inference config, missions,
// command proposals, and governance. Handlers are thin; every business rule
// lives in the service packages.
package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/roastops/roastd/pkg/command"
	"github.com/roastops/roastd/pkg/inference"
	"github.com/roastops/roastd/pkg/mission"
	"github.com/roastops/roastd/pkg/models"
	"github.com/roastops/roastd/pkg/storage"
)

// mapServiceError maps service-layer errors onto the HTTP response.
func mapServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, models.ErrValidation), errors.Is(err, inference.ErrBadPayload):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "resource not found"})
	case errors.Is(err, mission.ErrBadLease):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, command.ErrIllegalTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		slog.Error("Unexpected service error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
