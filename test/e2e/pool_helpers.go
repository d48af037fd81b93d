// Package e2e exercises the full serving stack end to end: supervisor,
// workers, health monitor, event ring and admin API assembled the way
// cmd/preforkd assembles them, driven over real sockets.
package e2e

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/bc-dunia/preforkd/internal/app"
	"github.com/bc-dunia/preforkd/internal/config"
	"github.com/bc-dunia/preforkd/internal/events"
	"github.com/bc-dunia/preforkd/internal/health"
	"github.com/bc-dunia/preforkd/internal/metrics"
	"github.com/bc-dunia/preforkd/internal/supervisor"
	"github.com/bc-dunia/preforkd/internal/types"
)

// stack is one running pool plus the ambient pieces wired around it.
type stack struct {
	cfg       *config.Config
	sup       *supervisor.Supervisor
	monitor   *health.Monitor
	ring      *events.Ring
	collector *metrics.Collector
	baseURL   string
	client    *http.Client
}

// testConfig returns a pool config with timings tightened for tests.
func testConfig(workers int) *config.Config {
	cfg := config.Default()
	cfg.BindAddr = "127.0.0.1:0"
	cfg.AdminAddr = ""
	cfg.Workers = workers
	cfg.RequestTimeout = 1 * time.Second
	cfg.GracePeriod = 3 * time.Second
	cfg.KeepAlive = 30 * time.Second
	cfg.StartupTimeout = 5 * time.Second
	cfg.HeartbeatGrace = 300 * time.Millisecond
	cfg.MonitorInterval = 50 * time.Millisecond
	cfg.CrashLoopLimit = 5
	cfg.CrashLoopWindow = time.Minute
	cfg.EventBufferSize = 256
	return cfg
}

// startStack brings up a supervisor over the built-in app with the monitor,
// ring and collector wired in, and blocks until every worker is ready.
func startStack(t *testing.T, cfg *config.Config) *stack {
	t.Helper()

	ring := events.NewRing(cfg.EventBufferSize)
	collector := metrics.NewCollector()
	monitor := health.NewMonitor(cfg.RequestTimeout, cfg.HeartbeatGrace, cfg.EffectiveMonitorInterval())

	appCfg := app.DefaultConfig()
	appCfg.Version = "e2e"
	sup := supervisor.New(cfg, app.New(appCfg))
	sup.SetMonitor(monitor)
	sup.SetRing(ring)
	sup.SetCollector(collector)
	collector.SetPoolProvider(sup)

	monitor.Start()
	t.Cleanup(monitor.Stop)

	if err := sup.Start(); err != nil {
		t.Fatalf("Failed to start supervisor: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		sup.Shutdown(ctx, supervisor.ShutdownImmediate)
	})

	readyCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sup.WaitReady(readyCtx); err != nil {
		t.Fatalf("Pool never became ready: %v", err)
	}

	return &stack{
		cfg:       cfg,
		sup:       sup,
		monitor:   monitor,
		ring:      ring,
		collector: collector,
		baseURL:   "http://" + sup.Addr().String(),
		client:    newDataClient(),
	}
}

// newDataClient returns the client used against the data socket: one fresh
// connection per request so load spreads across workers.
func newDataClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{DisableKeepAlives: true},
		Timeout:   10 * time.Second,
	}
}

// get performs a GET against the data socket and returns status and body.
func (s *stack) get(t *testing.T, path string) (int, string) {
	t.Helper()
	resp, err := s.client.Get(s.baseURL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("GET %s: read body: %v", path, err)
	}
	return resp.StatusCode, string(body)
}

// tryGet is get without the failure being fatal; used where an error is an
// expected outcome (crashed worker, force-closed connection).
func (s *stack) tryGet(path string) (int, error) {
	resp, err := s.client.Get(s.baseURL + path)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, err = io.Copy(io.Discard, resp.Body)
	if err != nil {
		return resp.StatusCode, err
	}
	return resp.StatusCode, nil
}

// waitFor polls cond until it holds or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out after %s waiting for %s", timeout, what)
}

// hasEvent reports whether the list contains an event of the given type.
func hasEvent(list []types.Event, eventType string) bool {
	for _, e := range list {
		if e.Type == eventType {
			return true
		}
	}
	return false
}

// eventsOfType filters the list down to one event type.
func eventsOfType(list []types.Event, eventType string) []types.Event {
	var out []types.Event
	for _, e := range list {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// workerIDs collects the IDs of all workers in a snapshot.
func workerIDs(snap types.StatusResponse) map[string]bool {
	ids := make(map[string]bool, len(snap.Workers))
	for _, w := range snap.Workers {
		ids[w.ID] = true
	}
	return ids
}

// servingWorkers counts workers currently able to take traffic.
func servingWorkers(snap types.StatusResponse) int {
	n := 0
	for _, w := range snap.Workers {
		if w.State == "idle" || w.State == "busy" {
			n++
		}
	}
	return n
}

// idleWorkers counts workers waiting for a connection.
func idleWorkers(snap types.StatusResponse) int {
	n := 0
	for _, w := range snap.Workers {
		if w.State == "idle" {
			n++
		}
	}
	return n
}
