package worker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bc-dunia/preforkd/internal/metrics"
)

// eventLog drains a worker's event channel until EventExited.
type eventLog struct {
	mu     sync.Mutex
	events []Event
	exited chan struct{}
}

func collectEvents(ch <-chan Event) *eventLog {
	l := &eventLog{exited: make(chan struct{})}
	go func() {
		for ev := range ch {
			l.mu.Lock()
			l.events = append(l.events, ev)
			l.mu.Unlock()
			if ev.Type == EventExited {
				close(l.exited)
				return
			}
		}
	}()
	return l
}

func (l *eventLog) waitExit(t *testing.T) Event {
	t.Helper()
	select {
	case <-l.exited:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit in time")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.events[len(l.events)-1]
}

func (l *eventLog) count(typ EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func (l *eventLog) has(typ EventType) bool {
	return l.count(typ) > 0
}

func (l *eventLog) find(typ EventType) (Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ev := range l.events {
		if ev.Type == typ {
			return ev, true
		}
	}
	return Event{}, false
}

func startTestWorker(t *testing.T, cfg Config) (chan net.Conn, *eventLog, context.CancelFunc, *Worker) {
	t.Helper()

	if cfg.ID == "" {
		cfg.ID = "wkr_test"
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 200 * time.Millisecond
	}
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = time.Second
	}
	if cfg.Handler == nil {
		id := cfg.ID
		cfg.Handler = http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
			fmt.Fprintf(rw, "hello from %s", id)
		})
	}

	conns := make(chan net.Conn)
	events := make(chan Event, 64)
	w := New(cfg, conns, events)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go w.Run(ctx)

	return conns, collectEvents(events), cancel, w
}

// sendConn hands the worker a piped connection with raw already written.
func sendConn(t *testing.T, conns chan<- net.Conn, raw string) (net.Conn, *bufio.Reader) {
	t.Helper()

	server, client := net.Pipe()
	select {
	case conns <- server:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not take the connection")
	}
	if _, err := client.Write([]byte(raw)); err != nil {
		t.Fatalf("write request: %v", err)
	}
	return client, bufio.NewReader(client)
}

func readResponse(t *testing.T, br *bufio.Reader) (*http.Response, string) {
	t.Helper()

	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response body: %v", err)
	}
	resp.Body.Close()
	return resp, string(body)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

const simpleGET = "GET /hello HTTP/1.1\r\nHost: pool.test\r\n\r\n"

func TestWorkerServesRequest(t *testing.T) {
	conns, log, cancel, _ := startTestWorker(t, Config{ID: "wkr_a", Slot: 3, Generation: 1})

	client, br := sendConn(t, conns, simpleGET)
	resp, body := readResponse(t, br)

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	if body != "hello from wkr_a" {
		t.Errorf("unexpected body: %q", body)
	}

	client.Close()
	waitFor(t, func() bool { return log.has(EventIdle) }, "worker never went back to idle")
	cancel()

	exit := log.waitExit(t)
	if exit.Reason != ExitDrained {
		t.Errorf("expected drained exit, got %q", exit.Reason)
	}
	if exit.Requests != 1 {
		t.Errorf("expected 1 request served, got %d", exit.Requests)
	}
	if exit.WorkerID != "wkr_a" || exit.Slot != 3 || exit.Generation != 1 {
		t.Errorf("exit event missing identity: %+v", exit)
	}
	for _, typ := range []EventType{EventReady, EventBusy, EventRequestDone, EventIdle} {
		if !log.has(typ) {
			t.Errorf("missing %s event", typ)
		}
	}
}

func TestWorkerKeepAliveServesSequential(t *testing.T) {
	conns, log, cancel, _ := startTestWorker(t, Config{ID: "wkr_ka"})

	client, br := sendConn(t, conns, simpleGET)
	resp1, _ := readResponse(t, br)
	if resp1.Close {
		t.Error("first response should keep the connection alive")
	}

	if _, err := client.Write([]byte(simpleGET)); err != nil {
		t.Fatalf("write second request: %v", err)
	}
	resp2, _ := readResponse(t, br)
	if resp2.StatusCode != http.StatusOK {
		t.Errorf("second request: expected 200, got %d", resp2.StatusCode)
	}

	client.Close()
	waitFor(t, func() bool { return log.has(EventIdle) }, "worker never released the connection")
	cancel()

	exit := log.waitExit(t)
	if exit.Requests != 2 {
		t.Errorf("expected 2 requests on one connection, got %d", exit.Requests)
	}
	if got := log.count(EventBusy); got != 1 {
		t.Errorf("expected 1 busy event for 1 connection, got %d", got)
	}
	if got := log.count(EventRequestDone); got != 2 {
		t.Errorf("expected 2 request_done events, got %d", got)
	}
}

func TestWorkerRequestTimeoutRetires(t *testing.T) {
	stuck := http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		<-req.Context().Done()
	})
	conns, log, _, _ := startTestWorker(t, Config{
		ID:             "wkr_to",
		RequestTimeout: 50 * time.Millisecond,
		Handler:        stuck,
	})

	client, br := sendConn(t, conns, simpleGET)
	defer client.Close()

	exit := log.waitExit(t)
	if exit.Reason != ExitTimeout {
		t.Fatalf("expected timeout exit, got %q", exit.Reason)
	}
	if exit.Requests != 0 {
		t.Errorf("timed-out request must not count as served, got %d", exit.Requests)
	}

	tev, ok := log.find(EventTimeout)
	if !ok {
		t.Fatal("missing timeout event")
	}
	if tev.Method != "GET" || tev.Path != "/hello" {
		t.Errorf("timeout event not annotated: %+v", tev)
	}
	if tev.Elapsed != 50*time.Millisecond {
		t.Errorf("expected elapsed 50ms, got %s", tev.Elapsed)
	}

	// The connection was closed without a response.
	if _, err := http.ReadResponse(br, nil); err == nil {
		t.Error("expected closed connection, got a response")
	}
}

func TestWorkerRecyclesAtQuota(t *testing.T) {
	conns, log, _, _ := startTestWorker(t, Config{ID: "wkr_rec", MaxRequests: 2})

	client, br := sendConn(t, conns, simpleGET)
	defer client.Close()

	resp1, _ := readResponse(t, br)
	if resp1.Close {
		t.Error("first response should keep the connection alive")
	}

	if _, err := client.Write([]byte(simpleGET)); err != nil {
		t.Fatalf("write second request: %v", err)
	}
	resp2, _ := readResponse(t, br)
	if !resp2.Close {
		t.Error("final response before recycling should announce Connection: close")
	}

	exit := log.waitExit(t)
	if exit.Reason != ExitRecycled {
		t.Errorf("expected recycled exit, got %q", exit.Reason)
	}
	if exit.Requests != 2 {
		t.Errorf("expected quota of 2 served, got %d", exit.Requests)
	}
}

func TestWorkerHandlerPanicIsolated(t *testing.T) {
	collector := metrics.NewCollector()
	var calls int
	var mu sync.Mutex
	app := http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		if first {
			panic("boom")
		}
		rw.WriteHeader(http.StatusOK)
	})

	conns, log, cancel, _ := startTestWorker(t, Config{
		ID:      "wkr_pan",
		Handler: Chain(app, ChainConfig{WorkerID: "wkr_pan", Collector: collector}),
	})

	client, br := sendConn(t, conns, simpleGET)
	defer client.Close()

	resp1, body1 := readResponse(t, br)
	if resp1.StatusCode != http.StatusInternalServerError {
		t.Errorf("panicking handler: expected 500, got %d", resp1.StatusCode)
	}
	if !strings.Contains(body1, "internal server error") {
		t.Errorf("unexpected 500 body: %q", body1)
	}

	// The worker survives and keeps serving on the same connection.
	if _, err := client.Write([]byte(simpleGET)); err != nil {
		t.Fatalf("write second request: %v", err)
	}
	resp2, _ := readResponse(t, br)
	if resp2.StatusCode != http.StatusOK {
		t.Errorf("after panic: expected 200, got %d", resp2.StatusCode)
	}

	client.Close()
	cancel()
	exit := log.waitExit(t)
	if exit.Reason != ExitDrained {
		t.Errorf("expected drained exit, got %q", exit.Reason)
	}
	if exit.Requests != 2 {
		t.Errorf("expected both requests counted, got %d", exit.Requests)
	}
	if !strings.Contains(collector.Expose(), "preforkd_handler_panics_total 1") {
		t.Error("handler panic not recorded in metrics")
	}
}

func TestWorkerAbortHandlerPanicCrashes(t *testing.T) {
	app := http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		panic(http.ErrAbortHandler)
	})
	conns, log, _, _ := startTestWorker(t, Config{
		ID:      "wkr_cr",
		Handler: Chain(app, ChainConfig{WorkerID: "wkr_cr"}),
	})

	client, _ := sendConn(t, conns, simpleGET)
	defer client.Close()

	exit := log.waitExit(t)
	if exit.Reason != ExitCrashed {
		t.Fatalf("expected crashed exit, got %q", exit.Reason)
	}
	if exit.Err == nil || !strings.Contains(exit.Err.Error(), "abort") {
		t.Errorf("expected abort detail in exit error, got %v", exit.Err)
	}
}

func TestWorkerDrainWhileIdle(t *testing.T) {
	_, log, cancel, _ := startTestWorker(t, Config{ID: "wkr_idle"})

	waitFor(t, func() bool { return log.has(EventReady) }, "worker never became ready")
	cancel()

	exit := log.waitExit(t)
	if exit.Reason != ExitDrained {
		t.Errorf("expected drained exit, got %q", exit.Reason)
	}
	if exit.Requests != 0 {
		t.Errorf("expected no requests served, got %d", exit.Requests)
	}
}

func TestWorkerExitsWhenConnsClosed(t *testing.T) {
	conns, log, _, _ := startTestWorker(t, Config{ID: "wkr_lc"})

	waitFor(t, func() bool { return log.has(EventReady) }, "worker never became ready")
	close(conns)

	exit := log.waitExit(t)
	if exit.Reason != ExitDrained {
		t.Errorf("expected drained exit on listener close, got %q", exit.Reason)
	}
}

func TestWorkerIdleHeartbeats(t *testing.T) {
	_, log, cancel, _ := startTestWorker(t, Config{
		ID:             "wkr_hb",
		RequestTimeout: 60 * time.Millisecond,
	})

	waitFor(t, func() bool { return log.count(EventHeartbeat) >= 2 }, "idle worker stopped heartbeating")
	cancel()
	log.waitExit(t)
}

func TestWorkerAbortInterruptsRequest(t *testing.T) {
	stuck := http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		<-req.Context().Done()
	})
	conns, log, _, w := startTestWorker(t, Config{
		ID:             "wkr_ab",
		RequestTimeout: 5 * time.Second,
		Handler:        stuck,
	})

	client, _ := sendConn(t, conns, simpleGET)
	defer client.Close()

	waitFor(t, func() bool { return log.has(EventBusy) }, "worker never took the connection")
	w.Abort()

	exit := log.waitExit(t)
	if exit.Reason != ExitDrained {
		t.Errorf("expected drained exit after abort, got %q", exit.Reason)
	}
	if log.has(EventTimeout) {
		t.Error("abort must not be reported as a timeout")
	}
	if exit.Requests != 0 {
		t.Errorf("interrupted request must not count, got %d", exit.Requests)
	}
}

func TestWorkerForceCloseConn(t *testing.T) {
	stuckCh := make(chan struct{})
	stuck := http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		close(stuckCh)
		<-req.Context().Done()
	})
	conns, log, _, w := startTestWorker(t, Config{
		ID:             "wkr_fc",
		RequestTimeout: 5 * time.Second,
		Handler:        stuck,
	})

	// No active connection yet: must not panic.
	w.ForceCloseConn()

	client, _ := sendConn(t, conns, simpleGET)
	defer client.Close()
	select {
	case <-stuckCh:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never started")
	}

	w.ForceCloseConn()

	// The client side observes the close.
	buf := make([]byte, 1)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := client.Read(buf); err == nil {
		t.Error("expected read error after force close")
	}

	w.Abort()
	exit := log.waitExit(t)
	if exit.Reason != ExitDrained {
		t.Errorf("expected drained exit, got %q", exit.Reason)
	}
}
