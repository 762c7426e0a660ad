package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Gopher0727/UbiquiTimes/internal/models"
	"github.com/Gopher0727/UbiquiTimes/internal/pkg/redis"
	"github.com/Gopher0727/UbiquiTimes/internal/repositories"
	"github.com/Gopher0727/UbiquiTimes/internal/services"
)

// statusFor maps a service error to an HTTP status and a client-safe message.
func statusFor(err error) (int, string) {
	var rangeErr *models.IdentifierRangeError
	var endpointErr *services.EndpointError
	var storageErr *repositories.StorageError

	switch {
	case errors.As(err, &rangeErr):
		return http.StatusBadRequest, rangeErr.Error()
	case errors.Is(err, repositories.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, services.ErrEmptyMessage), errors.Is(err, services.ErrEmptyUserName):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, services.ErrChannelMismatch):
		return http.StatusConflict, services.ErrChannelMismatch.Error()
	case errors.Is(err, services.ErrChannelInUse):
		return http.StatusConflict, services.ErrChannelInUse.Error()
	case errors.Is(err, redis.ErrLockNotAcquired):
		return http.StatusConflict, "another update for this times is in progress"
	case errors.Is(err, services.ErrQueueDisabled):
		return http.StatusServiceUnavailable, services.ErrQueueDisabled.Error()
	case errors.As(err, &endpointErr):
		return http.StatusBadGateway, endpointErr.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "upstream timed out"
	case errors.As(err, &storageErr):
		return http.StatusInternalServerError, "storage unavailable"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

// respondError records err for the request logger and writes the mapped status.
func respondError(c *gin.Context, err error) {
	_ = c.Error(err)
	status, message := statusFor(err)
	c.JSON(status, gin.H{"error": message})
}

func parseIDParam(c *gin.Context, name string) (models.ID, bool) {
	id, err := models.ParseID(name, c.Param(name))
	if err != nil {
		respondError(c, err)
		return 0, false
	}
	return id, true
}

// respondBindError reports a malformed body; identifier range errors keep their detail.
func respondBindError(c *gin.Context, err error) {
	var rangeErr *models.IdentifierRangeError
	if errors.As(err, &rangeErr) {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
}
