package api

import (
	"database/sql"
	"errors"
	"net/http"

	"corpuschat/internal/registry"
	"corpuschat/internal/service/ai"
	"corpuschat/internal/service/assistant"
	"corpuschat/internal/storage"
	"corpuschat/internal/worker"

	"github.com/gin-gonic/gin"
)

var errRateLimited = errors.New("too many messages, slow down")

// statusFor maps domain errors onto HTTP status codes and client-safe messages.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ai.ErrUnsupportedModel), errors.Is(err, registry.ErrUnknownModel):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, assistant.ErrEmptyContent), errors.Is(err, assistant.ErrInvalidMode):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, assistant.ErrConversationNotFound), errors.Is(err, assistant.ErrTenantNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound, "not found"
	case errors.Is(err, worker.ErrDispatcherBusy):
		return http.StatusTooManyRequests, "server is busy, please retry"
	case errors.Is(err, errRateLimited):
		return http.StatusTooManyRequests, err.Error()
	case errors.Is(err, assistant.ErrRetrieval):
		return http.StatusBadGateway, "document retrieval failed"
	case errors.Is(err, ai.ErrNotImplemented):
		return http.StatusNotImplemented, err.Error()
	case errors.Is(err, storage.ErrCredentialsDisabled):
		return http.StatusServiceUnavailable, err.Error()
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func (h *Handler) writeError(c *gin.Context, err error) {
	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.JSON(status, gin.H{"error": msg})
}
