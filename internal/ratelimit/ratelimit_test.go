package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	l := New(rdb, 2, time.Minute)
	r := gin.New()
	r.Use(l.Middleware(func(c *gin.Context) string { return "login:1.2.3.4" }))
	r.POST("/login", func(c *gin.Context) { c.String(200, "ok") })

	req := httptest.NewRequest(http.MethodPost, "/login", nil)
	for i := 0; i < 2; i++ {
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, req)
		if rr.Code != 200 {
			t.Fatalf("attempt %d: expected 200, got %d", i, rr.Code)
		}
	}
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	mr.FastForward(time.Minute)
	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	if rr.Code != 200 {
		t.Fatalf("expected 200 after window, got %d", rr.Code)
	}
}

func TestDisabledLimiter(t *testing.T) {
	l := New(nil, 0, time.Minute)
	if !l.Allow(context.Background(), "x") {
		t.Fatalf("disabled limiter must allow")
	}
}
