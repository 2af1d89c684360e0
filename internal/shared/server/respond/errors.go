package respond

import (
	"github.com/gin-gonic/gin"

	"tryon-backend/internal/shared/telemetry"
)

// ErrorBody defines the standardized error object.
type ErrorBody struct {
	Code      string      `json:"code"`
	Message   string      `json:"message"`
	Retriable bool        `json:"retriable"`
	Details   interface{} `json:"details,omitempty"`
}

// ErrorResponse wraps the error body.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// Error sends a standardized, non-retriable error response.
func Error(c *gin.Context, status int, code, message string, details interface{}) {
	Fail(c, status, code, message, false, details)
}

// Fail sends a standardized error response with an explicit retry hint.
func Fail(c *gin.Context, status int, code, message string, retriable bool, details interface{}) {
	fields := map[string]any{
		"status":     status,
		"code":       code,
		"message":    message,
		"retriable":  retriable,
		"path":       c.Request.URL.Path,
		"method":     c.Request.Method,
		"request_id": c.GetString("requestId"),
	}
	if userID := c.GetString("userId"); userID != "" {
		fields["user_id"] = userID
	}
	if isGuest, ok := c.Get("isGuest"); ok {
		fields["is_guest"] = isGuest
	}
	telemetry.Error("http.error", fields)

	c.AbortWithStatusJSON(status, ErrorResponse{
		Error: ErrorBody{
			Code:      code,
			Message:   message,
			Retriable: retriable,
			Details:   details,
		},
	})
}
