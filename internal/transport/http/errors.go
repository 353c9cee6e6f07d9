package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vovakirdan/breedchat-server/internal/core"
)

// ErrorResponse represents an error response body.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// statusFor maps a core error class to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrAuthorization):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// abortWithCoreError writes err as JSON. Only CoreError messages reach the client.
func abortWithCoreError(c *gin.Context, err error) {
	var coreErr *core.CoreError
	if errors.As(err, &coreErr) {
		c.AbortWithStatusJSON(statusFor(err), ErrorResponse{Error: coreErr.Message, Code: coreErr.Code})
		return
	}
	c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorResponse{
		Error: "internal server error",
		Code:  core.ErrCodePersistenceFailed,
	})
}
