package middleware

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"onlyone/pkg/logger"
)

const RequestIDHeader = "X-Request-Id"

type (
	ctxKey string

	LoggingMiddleware struct {
		log *zap.SugaredLogger
	}

	statusRecorder struct {
		http.ResponseWriter
		status int
	}
)

const requestIDKey ctxKey = "requestID"

func NewLoggingMiddleware(l *zap.SugaredLogger) *LoggingMiddleware {
	return &LoggingMiddleware{log: l}
}

// SetupTracing assigns a request id, reusing the caller's one when present.
func (lm *LoggingMiddleware) SetupTracing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(RequestIDHeader)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, reqID)
		ctx := contextWithRequestID(r.Context(), reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SetupLogging puts a logger carrying the request fields into the context,
// so that logger.Log(ctx) works everywhere down the call chain.
func (lm *LoggingMiddleware) SetupLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		l := lm.log.With(
			"request_id", RequestID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
		)
		ctx := logger.WithLogger(r.Context(), l)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (lm *LoggingMiddleware) AccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.Log(r.Context()).Infow("access",
			"remote_addr", r.RemoteAddr,
			"status", rec.status,
			"elapsed", time.Since(start),
		)
	})
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}
