package httputil

import (
	stderrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/notification-engine/pkg/errors"
)

// Response wraps all API responses
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// Error represents API error
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
	TraceID string      `json:"trace_id,omitempty"`
}

// detailer is implemented by errors that carry per-field problems.
type detailer interface {
	Details() interface{}
}

// RespondWithSuccess sends a 200 success response
func RespondWithSuccess(c *gin.Context, data interface{}) {
	RespondWithStatus(c, http.StatusOK, data)
}

func RespondWithStatus(c *gin.Context, status int, data interface{}) {
	c.JSON(status, Response{
		Success: true,
		Data:    data,
	})
}

// RespondWithError maps an AppError code to its HTTP status. Anything else is
// reported as a 500 without leaking the underlying message.
func RespondWithError(c *gin.Context, err error) {
	statusCode := http.StatusInternalServerError
	message := "Internal server error"
	var details interface{}

	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		statusCode = StatusFor(appErr.Code)
		message = appErr.Message
		var d detailer
		if stderrors.As(appErr, &d) {
			details = d.Details()
		}
	}

	c.AbortWithStatusJSON(statusCode, Response{
		Success: false,
		Error: &Error{
			Code:    statusCode,
			Message: message,
			Details: details,
			TraceID: c.GetString("request_id"),
		},
	})
}

// RespondWithMessage aborts with a plain error message.
func RespondWithMessage(c *gin.Context, statusCode int, message string) {
	c.AbortWithStatusJSON(statusCode, Response{
		Success: false,
		Error: &Error{
			Code:    statusCode,
			Message: message,
			TraceID: c.GetString("request_id"),
		},
	})
}

func StatusFor(code errors.ErrorCode) int {
	switch code {
	case errors.ErrNotFound:
		return http.StatusNotFound
	case errors.ErrBadRequest, errors.ErrValidation:
		return http.StatusBadRequest
	case errors.ErrUnauthorized:
		return http.StatusUnauthorized
	case errors.ErrForbidden:
		return http.StatusForbidden
	case errors.ErrUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
