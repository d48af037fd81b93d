package worker

import (
	"context"
	"log"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/bc-dunia/preforkd/internal/metrics"
	"github.com/bc-dunia/preforkd/internal/otel"
)

// ChainConfig carries the identity and instrumentation the dispatch chain
// bakes in per worker.
type ChainConfig struct {
	WorkerID   string
	Slot       int
	Generation int

	// Tracer instruments dispatch spans. Nil disables tracing.
	Tracer *otel.Tracer

	// Collector feeds the Prometheus endpoint. Nil disables collection.
	Collector *metrics.Collector
}

// Chain wraps app in the dispatch middleware, outermost first: request ID,
// trace span, metrics, panic recovery. Recovery sits innermost so the
// outer layers observe the 500 it synthesizes. A panic carrying
// http.ErrAbortHandler is re-raised past the whole chain and retires the
// worker crash-class, mirroring net/http's convention.
func Chain(app http.Handler, cfg ChainConfig) http.Handler {
	h := app
	h = recoverMiddleware(cfg.Collector, cfg.WorkerID)(h)
	h = metricsMiddleware(cfg.Collector, cfg.WorkerID)(h)
	if cfg.Tracer != nil {
		h = otel.DispatchMiddleware(cfg.Tracer, cfg.WorkerID, cfg.Slot, cfg.Generation)(h)
	}
	h = requestIDMiddleware(h)
	return h
}

type requestIDKey struct{}

// RequestIDFromContext returns the request ID the dispatch chain assigned,
// or "" outside a dispatched request.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

// requestIDMiddleware tags each request with a UUID, honoring one the
// client already sent, and reflects it in the X-Request-ID response
// header.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		id := req.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		rw.Header().Set("X-Request-ID", id)
		req = req.WithContext(context.WithValue(req.Context(), requestIDKey{}, id))
		next.ServeHTTP(rw, req)
	})
}

// statusRecorder captures the response code for the metrics layer.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(p)
}

// metricsMiddleware times the request and feeds both the Prometheus
// collector and the OpenTelemetry counters.
func metricsMiddleware(c *metrics.Collector, workerID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: rw}

			next.ServeHTTP(rec, req)

			if rec.status == 0 {
				rec.status = http.StatusOK
			}
			elapsed := time.Since(start)
			if c != nil {
				c.RecordRequest(req.Method, rec.status, elapsed.Milliseconds())
			}
			if m := otel.GetGlobalMetrics(); m != nil {
				latencyMs := float64(elapsed.Microseconds()) / 1000.0
				m.RecordRequestLatency(req.Context(), req.Method, workerID, latencyMs, rec.status < 500)
			}
		})
	}
}

// recoverMiddleware converts a handler panic into a 500 and keeps the
// worker alive. http.ErrAbortHandler is re-raised so it escapes the chain.
func recoverMiddleware(c *metrics.Collector, workerID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				if r == http.ErrAbortHandler {
					panic(r)
				}
				if c != nil {
					c.RecordPanic()
				}
				if m := otel.GetGlobalMetrics(); m != nil {
					m.RecordError(req.Context(), "handler_panic")
				}
				log.Printf("worker %s: handler panic on %s %s: %v\n%s",
					workerID, req.Method, req.URL.Path, r, debug.Stack())
				http.Error(rw, "internal server error", http.StatusInternalServerError)
			}()
			next.ServeHTTP(rw, req)
		})
	}
}
