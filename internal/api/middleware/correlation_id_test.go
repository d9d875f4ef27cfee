package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func newCorrelationRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(CorrelationIDMiddleware())
	router.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, GetCorrelationID(c))
	})
	return router
}

func TestCorrelationIDPassesThroughInboundHeader(t *testing.T) {
	router := newCorrelationRouter()

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(CorrelationIDHeader, "req-123")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if got := w.Header().Get(CorrelationIDHeader); got != "req-123" {
		t.Fatalf("response header = %q, want req-123", got)
	}
	if w.Body.String() != "req-123" {
		t.Fatalf("context id = %q, want req-123", w.Body.String())
	}
}

func TestCorrelationIDGeneratedWhenMissingOrOversized(t *testing.T) {
	router := newCorrelationRouter()

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	generated := w.Header().Get(CorrelationIDHeader)
	if generated == "" {
		t.Fatal("expected a generated correlation id")
	}

	req = httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(CorrelationIDHeader, strings.Repeat("x", maxCorrelationIDLength+1))
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if got := w.Header().Get(CorrelationIDHeader); got == "" || len(got) > maxCorrelationIDLength {
		t.Fatalf("oversized inbound id not replaced, got %q", got)
	}
}
