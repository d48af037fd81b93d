package worker

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bc-dunia/preforkd/internal/metrics"
)

func TestChainAssignsRequestID(t *testing.T) {
	app := http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		fmt.Fprint(rw, RequestIDFromContext(req.Context()))
	})
	h := Chain(app, ChainConfig{WorkerID: "wkr_id"})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	header := rec.Header().Get("X-Request-ID")
	if header == "" {
		t.Fatal("missing X-Request-ID response header")
	}
	if rec.Body.String() != header {
		t.Errorf("context request ID %q does not match header %q", rec.Body.String(), header)
	}
}

func TestChainHonorsClientRequestID(t *testing.T) {
	app := http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		fmt.Fprint(rw, RequestIDFromContext(req.Context()))
	})
	h := Chain(app, ChainConfig{WorkerID: "wkr_id"})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "req-12345")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Header().Get("X-Request-ID") != "req-12345" {
		t.Errorf("client request ID not reflected: %q", rec.Header().Get("X-Request-ID"))
	}
	if rec.Body.String() != "req-12345" {
		t.Errorf("client request ID not propagated: %q", rec.Body.String())
	}
}

func TestRequestIDFromContextEmpty(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if got := RequestIDFromContext(req.Context()); got != "" {
		t.Errorf("expected empty request ID outside dispatch, got %q", got)
	}
}

func TestChainRecordsMetrics(t *testing.T) {
	collector := metrics.NewCollector()
	app := http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		if req.URL.Path == "/missing" {
			rw.WriteHeader(http.StatusNotFound)
			return
		}
		rw.Write([]byte("ok"))
	})
	h := Chain(app, ChainConfig{WorkerID: "wkr_m", Collector: collector})

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/missing", nil))

	out := collector.Expose()
	if !strings.Contains(out, `preforkd_requests_total{method="GET",code="2xx"} 1`) {
		t.Errorf("missing 2xx count in exposition:\n%s", out)
	}
	if !strings.Contains(out, `preforkd_requests_total{method="GET",code="4xx"} 1`) {
		t.Errorf("missing 4xx count in exposition:\n%s", out)
	}
}

func TestChainRecoversPanic(t *testing.T) {
	old := log.Writer()
	log.SetOutput(io.Discard)
	defer log.SetOutput(old)

	collector := metrics.NewCollector()
	app := http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		panic("boom")
	})
	h := Chain(app, ChainConfig{WorkerID: "wkr_r", Collector: collector})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "internal server error") {
		t.Errorf("unexpected 500 body: %q", rec.Body.String())
	}
	if !strings.Contains(collector.Expose(), "preforkd_handler_panics_total 1") {
		t.Error("panic not recorded")
	}
}

func TestChainReRaisesAbortHandler(t *testing.T) {
	app := http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		panic(http.ErrAbortHandler)
	})
	h := Chain(app, ChainConfig{WorkerID: "wkr_ab"})

	defer func() {
		r := recover()
		if r != http.ErrAbortHandler {
			t.Errorf("expected ErrAbortHandler to escape the chain, got %v", r)
		}
	}()
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	t.Error("abort panic did not escape the chain")
}

func TestChainNilInstrumentation(t *testing.T) {
	app := http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		rw.WriteHeader(http.StatusNoContent)
	})
	h := Chain(app, ChainConfig{WorkerID: "wkr_n"})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204 through bare chain, got %d", rec.Code)
	}
}

func TestStatusRecorderDefaultsTo200(t *testing.T) {
	rec := httptest.NewRecorder()
	sr := &statusRecorder{ResponseWriter: rec}

	sr.Write([]byte("implicit"))
	if sr.status != http.StatusOK {
		t.Errorf("expected implicit 200, got %d", sr.status)
	}

	rec2 := httptest.NewRecorder()
	sr2 := &statusRecorder{ResponseWriter: rec2}
	sr2.WriteHeader(http.StatusTeapot)
	sr2.WriteHeader(http.StatusOK)
	if sr2.status != http.StatusTeapot {
		t.Errorf("first status wins, got %d", sr2.status)
	}
}
