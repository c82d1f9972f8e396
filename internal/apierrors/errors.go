package apierrors

import (
	"context"
	"errors"
	"net/http"

	"call-relay/internal/observability"
	"call-relay/internal/store"
	"call-relay/internal/voicecall/agents"
	"call-relay/internal/voicecall/callcontext"

	"github.com/gin-gonic/gin"
)

var logger = observability.NewLogger()

// ErrorResponse is the JSON structure returned to API clients
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// respond writes the error response and logs correlation info
func respond(c *gin.Context, statusCode int, code, message string) {
	ctx := c.Request.Context()
	ctx = observability.WithFields(ctx,
		observability.Field{Key: "status_code", Value: statusCode},
		observability.Field{Key: "error_code", Value: code},
		observability.Field{Key: "error_message", Value: message},
	)
	logger.Info(ctx, "API error response")

	c.JSON(statusCode, ErrorResponse{
		Error: message,
		Code:  code,
	})
}

// NotFound sends a 404 response
func NotFound(c *gin.Context, message string) {
	respond(c, http.StatusNotFound, "NOT_FOUND", message)
}

// BadRequest sends a 400 response
func BadRequest(c *gin.Context, code, message string) {
	respond(c, http.StatusBadRequest, code, message)
}

// ServiceUnavailable sends a 503 response and logs the internal error
func ServiceUnavailable(c *gin.Context, code, message string, internalErr error) {
	ctx := c.Request.Context()
	logger.Error(ctx, "service unavailable", internalErr)
	respond(c, http.StatusServiceUnavailable, code, message)
}

// InternalError sends a sanitized 500 response - never exposes internal details
func InternalError(c *gin.Context, internalErr error) {
	ctx := c.Request.Context()
	logger.Error(ctx, "internal error", internalErr)
	respond(c, http.StatusInternalServerError, "INTERNAL_ERROR", "An internal error occurred. Please try again later.")
}

// RespondWithError maps a domain error onto the matching response.
func RespondWithError(c *gin.Context, err error) {
	switch {
	case err == nil:
		return
	case errors.Is(err, store.ErrNotFound), errors.Is(err, callcontext.ErrNotFound):
		NotFound(c, "Call not found")
	case errors.Is(err, agents.ErrUnknownAgent):
		NotFound(c, "Agent not found")
	case errors.Is(err, context.DeadlineExceeded):
		ServiceUnavailable(c, "ARCHIVE_UNAVAILABLE", "Call archive is temporarily unavailable. Please try again later.", err)
	default:
		InternalError(c, err)
	}
}
