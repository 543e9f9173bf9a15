// Package server exposes the HTTP API: live event streams, operator send/queue and
// moderation endpoints, health and metrics. Correlation IDs are injected into request
// contexts for consistent logging.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/onnwee/chatrelay/events"
	"github.com/onnwee/chatrelay/ingest"
	"github.com/onnwee/chatrelay/moderation"
	"github.com/onnwee/chatrelay/platform"
	"github.com/onnwee/chatrelay/queue"
	"github.com/onnwee/chatrelay/relay"
	"github.com/onnwee/chatrelay/telemetry"
)

// Options carries the HTTP-facing configuration.
type Options struct {
	AdminToken        string
	AdminUsername     string
	AdminPassword     string
	RateLimitEnabled  bool
	RateLimitRequests int
	RateLimitWindow   time.Duration
	CORSPermissive    bool
	CORSOrigins       []string
	// SSEHeartbeat is the keep-alive comment interval on event streams, default 15s.
	SSEHeartbeat time.Duration
}

// Deps are the services the handlers call into. DB may be nil when the in-memory store is used.
type Deps struct {
	Hub        *events.Hub
	Relay      *relay.Service
	Queue      *queue.Queue
	Moderation *moderation.Service
	Tracker    *ingest.Tracker
	Limiter    SendLimiter
	DB         *sql.DB
	// Platforms are the adapters expected to report healthy for readiness.
	Platforms []platform.Platform
	// OwnerUserID is used for /api/send when the caller names no user.
	OwnerUserID string
}

// NewMux returns the HTTP handler with all routes.
func NewMux(deps Deps, opts Options) http.Handler {
	authCfg := newAuthConfig(opts)
	limiter := newIPRateLimiter(opts)
	h := NewHandlers(deps, opts)

	protect := func(fn http.HandlerFunc) http.Handler {
		return apiAuth(fn, authCfg)
	}
	protectAndLimit := func(fn http.HandlerFunc) http.Handler {
		return apiAuth(rateLimitMiddleware(fn, limiter), authCfg)
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", h.HandleHealthz)
	mux.HandleFunc("GET /readyz", h.HandleReadyz)

	mux.HandleFunc("GET /events", h.HandleEvents)
	mux.HandleFunc("GET /status/stream", h.HandleStatusStream)

	mux.Handle("POST /api/send", protectAndLimit(h.HandleSend))
	mux.Handle("POST /api/queue", protectAndLimit(h.HandleEnqueue))
	mux.Handle("GET /api/queue", protect(h.HandleQueueSnapshot))
	mux.Handle("POST /api/moderation/{action}", protectAndLimit(h.HandleModeration))

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, r.Method+" "+routeOf(r.URL.Path),
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
		)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		mux.ServeHTTP(rec, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.status_code", rec.statusCode))
		if rec.statusCode >= 400 {
			span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", rec.statusCode))
		} else {
			telemetry.SetSpanSuccess(span)
		}
	})
	return withCORSConfig(handler, newCORSConfig(opts))
}

// routeOf collapses path parameters so span names stay low-cardinality.
func routeOf(path string) string {
	if strings.HasPrefix(path, "/api/moderation/") {
		return "/api/moderation/{action}"
	}
	return path
}

// statusRecorder wraps ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Flush implements http.Flusher if the underlying ResponseWriter supports it
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		BaseContext:       func(net.Listener) context.Context { return ctx },
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// streams clear their own write deadline
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	slog.Info("http server listening", slog.String("addr", addr), slog.String("component", "http"))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
