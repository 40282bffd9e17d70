package app

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
)

// Error codes returned in the JSON envelope. Each maps to one HTTP status.
const (
	CodeValidation      = "validation_error" // 400
	CodeAuth            = "auth_error"       // 401
	CodePermission      = "permission_error" // 403
	CodeNotFound        = "not_found"        // 404
	CodeVersionConflict = "version_conflict" // 409
	CodeRateLimited     = "rate_limited"     // 429
	CodeInternal        = "internal_error"   // 500
)

// Error represents a structured error response.
type Error struct {
	Code        string            `json:"code"`
	Message     string            `json:"message"`
	FieldErrors map[string]string `json:"field_errors,omitempty"`
}

// Envelope wraps successful data or an error.
type Envelope struct {
	Data  interface{} `json:"data,omitempty"`
	Error *Error      `json:"error,omitempty"`
}

// AbortError records an error and aborts the handler. The response will be
// rendered by the Errors middleware.
func AbortError(c *gin.Context, status int, code, message string, fields map[string]string) {
	c.Set("app_error", &Error{Code: code, Message: message, FieldErrors: fields})
	c.AbortWithStatus(status)
}

// FieldErrors converts a binding failure into a field->reason map, or nil
// when the error carries no per-field detail.
func FieldErrors(err error) map[string]string {
	var verr validator.ValidationErrors
	if !errors.As(err, &verr) {
		return nil
	}
	out := map[string]string{}
	for _, fe := range verr {
		out[strings.ToLower(fe.Field())] = fe.Tag()
	}
	return out
}

// Validation aborts with a 400 validation error.
func Validation(c *gin.Context, message string, fields map[string]string) {
	AbortError(c, http.StatusBadRequest, CodeValidation, message, fields)
}

// Permission aborts with a 403.
func Permission(c *gin.Context, message string) {
	AbortError(c, http.StatusForbidden, CodePermission, message, nil)
}

// NotFound aborts with a 404.
func NotFound(c *gin.Context, message string) {
	AbortError(c, http.StatusNotFound, CodeNotFound, message, nil)
}

// VersionConflict aborts with a 409 stale-version error.
func VersionConflict(c *gin.Context) {
	AbortError(c, http.StatusConflict, CodeVersionConflict, "stale version", nil)
}

// Internal logs the underlying failure with the acting account id when one is
// known and aborts with a 500.
func Internal(c *gin.Context, err error) {
	ev := log.Ctx(c.Request.Context()).Error().Err(err)
	if id, ok := c.Get("account_id"); ok {
		ev = ev.Interface("account_id", id)
	}
	ev.Msg("internal error")
	AbortError(c, http.StatusInternalServerError, CodeInternal, "internal error", nil)
}

// Errors emits a JSON error envelope and structured log entry when an error
// was recorded via AbortError.
func Errors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		v, ok := c.Get("app_error")
		if !ok {
			return
		}
		err, ok := v.(*Error)
		if !ok {
			return
		}
		status := c.Writer.Status()
		logger := log.Ctx(c.Request.Context()).Error().Str("code", err.Code)
		if id, ok := c.Get("account_id"); ok {
			logger = logger.Interface("account_id", id)
		}
		if err.FieldErrors != nil {
			for k, v := range err.FieldErrors {
				logger = logger.Str("field_"+k, v)
			}
		}
		logger.Msg(err.Message)
		c.JSON(status, Envelope{Error: err})
	}
}
