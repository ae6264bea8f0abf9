package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	gwerrors "github.com/mrmushfiq/llm0-smart-gateway/internal/gateway/errors"
	"github.com/mrmushfiq/llm0-smart-gateway/internal/gateway/ratelimit"
)

// UserIDHeader carries the caller identity set by the upstream application
const UserIDHeader = "X-User-ID"

type contextKey string

const userIDKey contextKey = "user_id"

// UserID returns the caller identity stored by Identity
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}

// EdgeLimiter is the per-caller request window
type EdgeLimiter interface {
	Reserve(ctx context.Context, scope string, minuteLimit, dailyLimit int) (*ratelimit.Reservation, error)
}

type Middleware struct {
	limiter      EdgeLimiter
	defaultLimit int
	logger       *zap.Logger
}

func NewMiddleware(limiter EdgeLimiter, defaultLimit int, logger *zap.Logger) *Middleware {
	if defaultLimit <= 0 {
		defaultLimit = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Middleware{
		limiter:      limiter,
		defaultLimit: defaultLimit,
		logger:       logger,
	}
}

// Identity requires the X-User-ID header and stores it in the request context
func (m *Middleware) Identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(UserIDHeader))
		if id == "" {
			writeJSON(w, http.StatusUnauthorized, ErrorBody{Error: ErrorDetail{
				Message: "missing " + UserIDHeader + " header",
				Type:    "unauthorized",
			}})
			return
		}
		ctx := context.WithValue(r.Context(), userIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RateLimit enforces the per-caller minute window
func (m *Middleware) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := UserID(r.Context())
		if id == "" {
			next.ServeHTTP(w, r)
			return
		}

		res, err := m.limiter.Reserve(r.Context(), ratelimit.CallerScope(id), m.defaultLimit, 0)
		if err != nil {
			m.logger.Warn("caller rate limit check failed", zap.String("user_id", id), zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}

		remaining := int64(m.defaultLimit) - res.MinuteCount
		if remaining < 0 {
			remaining = 0
		}
		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", m.defaultLimit))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))

		if !res.Allowed {
			writeJSON429(w)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON429(w http.ResponseWriter) {
	w.Header().Set("Retry-After", "60")
	writeJSON(w, http.StatusTooManyRequests, ErrorBody{Error: ErrorDetail{
		Message:   "rate limit exceeded",
		Type:      "rate_limited",
		Retryable: true,
	}})
}

// CORSMiddleware handles CORS
func (m *Middleware) CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+UserIDHeader)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// RequestLogger logs one line per request through zap
func (m *Middleware) RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		m.logger.Info("http request",
			zap.String("request_id", chimiddleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

// Recoverer turns a handler panic into a 500 envelope
func (m *Middleware) Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				m.logger.Error("handler panic", zap.Any("panic", rec), zap.String("path", r.URL.Path), zap.Stack("stack"))
				writeError(w, gwerrors.Internal(fmt.Errorf("panic: %v", rec)))
			}
		}()
		next.ServeHTTP(w, r)
	})
}
