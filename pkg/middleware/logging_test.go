package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"onlyone/pkg/logger"
)

func chain(lm *LoggingMiddleware, h http.Handler) http.Handler {
	return lm.SetupTracing(lm.SetupLogging(lm.AccessLog(h)))
}

func TestLoggingMiddleware(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	lm := NewLoggingMiddleware(zap.New(core).Sugar())

	t.Run("should assign a request id and log the access", func(t *testing.T) {
		var seen string
		h := chain(lm, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = RequestID(r.Context())
			logger.Log(r.Context()).Info("inside")
			w.WriteHeader(http.StatusTeapot)
		}))

		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest("GET", "/api/feed/world", nil))

		assert.NotEmpty(t, seen)
		assert.Equal(t, seen, w.Header().Get(RequestIDHeader))

		entries := logs.TakeAll()
		assert.Len(t, entries, 2)
		assert.Equal(t, "inside", entries[0].Message)
		assert.Equal(t, seen, entries[0].ContextMap()["request_id"])
		assert.Equal(t, "access", entries[1].Message)
		assert.Equal(t, int64(http.StatusTeapot), entries[1].ContextMap()["status"])
		assert.Equal(t, "/api/feed/world", entries[1].ContextMap()["path"])
	})

	t.Run("should keep the caller's request id", func(t *testing.T) {
		h := chain(lm, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

		r := httptest.NewRequest("GET", "/", nil)
		r.Header.Set(RequestIDHeader, "abc-123")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)

		assert.Equal(t, "abc-123", w.Header().Get(RequestIDHeader))
		logs.TakeAll()
	})
}
