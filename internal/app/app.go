// Package app is the built-in application served when no embedding
// program supplies its own handler. It is an echo and fault-injection
// rig: delays, arbitrary status codes, CPU spin, oversized payloads,
// recoverable panics and worker-killing crashes, for exercising the
// pool end to end.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

const maxEchoBody = 1 << 20

// Config bounds the fault-injection surface.
type Config struct {
	Version      string
	MaxDelay     time.Duration
	MaxPayloadKB int
}

func DefaultConfig() *Config {
	return &Config{
		Version:      "dev",
		MaxDelay:     30 * time.Second,
		MaxPayloadKB: 10 * 1024,
	}
}

// New builds the application handler. A nil config gets defaults.
func New(cfg *Config) http.Handler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	a := &application{cfg: *cfg, startedAt: time.Now()}

	mux := http.NewServeMux()
	mux.HandleFunc("/", a.handleInfo)
	mux.HandleFunc("/echo", a.handleEcho)
	mux.HandleFunc("/delay", a.handleDelay)
	mux.HandleFunc("/status", a.handleStatus)
	mux.HandleFunc("/work", a.handleWork)
	mux.HandleFunc("/payload", a.handlePayload)
	mux.HandleFunc("/counter", a.handleCounter)
	mux.HandleFunc("/panic", a.handlePanic)
	mux.HandleFunc("/crash", a.handleCrash)
	return mux
}

type application struct {
	cfg       Config
	startedAt time.Time
	counter   atomic.Int64
}

func (a *application) handleInfo(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"server":    "preforkd",
		"version":   a.cfg.Version,
		"pid":       os.Getpid(),
		"uptime_ms": time.Since(a.startedAt).Milliseconds(),
		"endpoints": []string{
			"/", "/echo", "/delay", "/status", "/work",
			"/payload", "/counter", "/panic", "/crash",
		},
	})
}

// handleEcho reflects the request back as JSON.
func (a *application) handleEcho(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEchoBody))
	if err != nil {
		http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"method":  r.Method,
		"path":    r.URL.Path,
		"query":   r.URL.RawQuery,
		"headers": flattenHeaders(r.Header),
		"body":    string(body),
	})
}

// handleDelay sleeps for d before responding. d is a Go duration
// ("250ms") or a bare integer of milliseconds.
func (a *application) handleDelay(w http.ResponseWriter, r *http.Request) {
	d, err := parseDelay(r.URL.Query().Get("d"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if a.cfg.MaxDelay > 0 && d > a.cfg.MaxDelay {
		http.Error(w, fmt.Sprintf("d exceeds maximum %s", a.cfg.MaxDelay), http.StatusBadRequest)
		return
	}
	if !sleepWithContext(r.Context(), d) {
		return
	}
	fmt.Fprintf(w, "slept %s\n", d)
}

func (a *application) handleStatus(w http.ResponseWriter, r *http.Request) {
	code, ok := intParam(r, "code")
	if !ok || code < 100 || code > 599 {
		http.Error(w, "invalid code", http.StatusBadRequest)
		return
	}
	w.WriteHeader(code)
	fmt.Fprintf(w, "status %d\n", code)
}

// handleWork burns CPU for ms milliseconds. The spin checks the request
// context between batches so an abandoned connection stops the burn.
func (a *application) handleWork(w http.ResponseWriter, r *http.Request) {
	ms, ok := intParam(r, "ms")
	if !ok || ms < 0 {
		http.Error(w, "invalid ms", http.StatusBadRequest)
		return
	}
	deadline := time.Now().Add(time.Duration(ms) * time.Millisecond)
	var spins uint64
	for time.Now().Before(deadline) {
		for i := 0; i < 4096; i++ {
			spins++
		}
		if r.Context().Err() != nil {
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ms":    ms,
		"spins": spins,
	})
}

func (a *application) handlePayload(w http.ResponseWriter, r *http.Request) {
	kb, ok := intParam(r, "kb")
	if !ok || kb <= 0 {
		http.Error(w, "invalid kb", http.StatusBadRequest)
		return
	}
	if a.cfg.MaxPayloadKB > 0 && kb > a.cfg.MaxPayloadKB {
		http.Error(w, fmt.Sprintf("kb exceeds maximum %d", a.cfg.MaxPayloadKB), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = io.WriteString(w, strings.Repeat("a", kb*1024))
}

func (a *application) handleCounter(w http.ResponseWriter, r *http.Request) {
	value := a.counter.Add(1)
	fmt.Fprintf(w, "%s\n", strconv.FormatInt(value, 10))
}

// handlePanic panics with the given message. Dispatch recovery turns it
// into a 500 and the worker keeps serving.
func (a *application) handlePanic(w http.ResponseWriter, r *http.Request) {
	msg := r.URL.Query().Get("msg")
	if msg == "" {
		msg = "injected panic"
	}
	panic(msg)
}

// handleCrash panics with http.ErrAbortHandler, the one value dispatch
// re-raises, taking the whole worker down crash-class.
func (a *application) handleCrash(w http.ResponseWriter, r *http.Request) {
	panic(http.ErrAbortHandler)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

func parseDelay(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, fmt.Errorf("missing d parameter")
	}
	if n, err := strconv.Atoi(raw); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("negative delay")
		}
		return time.Duration(n) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", raw)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative delay")
	}
	return d, nil
}

func intParam(r *http.Request, key string) (int, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
