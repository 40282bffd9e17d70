package app

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// RequestID tags each request with an id for log correlation. An id supplied
// by the proxy via X-Request-ID is kept, otherwise one is generated.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		c.Set("request_id", id)
		c.Writer.Header().Set("X-Request-ID", id)
		logger := log.With().Str("request_id", id).Logger()
		c.Request = c.Request.WithContext(logger.WithContext(c.Request.Context()))
		c.Next()
	}
}

// RateLimit applies a global token bucket. It runs ahead of the Errors
// middleware, so the envelope is rendered here directly.
func RateLimit(l *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests,
				Envelope{Error: &Error{Code: CodeRateLimited, Message: "too many requests"}})
			return
		}
		c.Next()
	}
}

// Logger writes one structured entry per request, at error level for server
// failures. The acting account id is included once auth has resolved it.
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		ev := log.Ctx(c.Request.Context()).Info()
		if status >= http.StatusInternalServerError {
			ev = log.Ctx(c.Request.Context()).Error()
		}
		if id, ok := c.Get("account_id"); ok {
			ev = ev.Interface("account_id", id)
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Str("client_ip", c.ClientIP()).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Msg("request")
	}
}
