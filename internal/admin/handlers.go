package admin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/bc-dunia/preforkd/internal/auth"
	"github.com/bc-dunia/preforkd/internal/supervisor"
	"github.com/bc-dunia/preforkd/internal/types"
)

const (
	maxRequestBodySize = 64 * 1024
	defaultEventLimit  = 100
)

const (
	ErrorTypeInvalidArgument = "invalid_argument"
	ErrorTypeConflict        = "conflict"
	ErrorTypeInternal        = "internal"
	ErrorTypeUnavailable     = "unavailable"
	ErrorTypeForbidden       = "forbidden"
)

// ErrorResponse is the JSON error body for every non-2xx admin reply.
type ErrorResponse struct {
	ErrorType    string                 `json:"error_type"`
	ErrorCode    string                 `json:"error_code"`
	ErrorMessage string                 `json:"error_message"`
	Retryable    bool                   `json:"retryable"`
	Details      map[string]interface{} `json:"details,omitempty"`
}

// HealthResponse is the GET /healthz payload.
type HealthResponse struct {
	Status string `json:"status"`
}

// ReadyResponse is the GET /readyz payload.
type ReadyResponse struct {
	Status string `json:"status"`
	Ready  bool   `json:"ready"`
	State  string `json:"state"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeMethodNotAllowed(w, r.Method, "GET")
		return
	}
	s.writeJSON(w, http.StatusOK, &HealthResponse{Status: "ok"})
}

// handleReadyz reports whether the pool is taking traffic. A reload in
// progress still counts as ready: capacity never drops below N-1.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeMethodNotAllowed(w, r.Method, "GET")
		return
	}

	state := s.supervisor.State()
	ready := state == supervisor.StateRunning || state == supervisor.StateReloadInProgress
	status := "ready"
	if !ready {
		status = "not_ready"
	}

	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, &ReadyResponse{
		Status: status,
		Ready:  ready,
		State:  string(state),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeMethodNotAllowed(w, r.Method, "GET")
		return
	}

	snap := s.supervisor.Snapshot()
	if snap.Process == nil && s.sampler != nil {
		snap.Process = s.sampler.LastSample()
	}
	s.writeJSON(w, http.StatusOK, &snap)
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeMethodNotAllowed(w, r.Method, "GET")
		return
	}

	snap := s.supervisor.Snapshot()
	s.writeJSON(w, http.StatusOK, &types.WorkersResponse{
		Generation: snap.Generation,
		Workers:    snap.Workers,
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeMethodNotAllowed(w, r.Method, "GET")
		return
	}

	if s.ring == nil {
		s.writeError(w, http.StatusServiceUnavailable, &ErrorResponse{
			ErrorType:    ErrorTypeUnavailable,
			ErrorCode:    "EVENTS_NOT_CONFIGURED",
			ErrorMessage: "Event ring not configured",
			Retryable:    false,
		})
		return
	}

	limit := defaultEventLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, &ErrorResponse{
				ErrorType:    ErrorTypeInvalidArgument,
				ErrorCode:    "INVALID_LIMIT",
				ErrorMessage: "limit must be a positive integer",
				Retryable:    false,
				Details:      map[string]interface{}{"limit": raw},
			})
			return
		}
		limit = n
	}

	s.writeJSON(w, http.StatusOK, &types.EventsResponse{
		Events: s.ring.Recent(limit),
		Total:  s.ring.Total(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeMethodNotAllowed(w, r.Method, "GET")
		return
	}

	if s.collector == nil {
		s.writeError(w, http.StatusServiceUnavailable, &ErrorResponse{
			ErrorType:    ErrorTypeUnavailable,
			ErrorCode:    "METRICS_NOT_CONFIGURED",
			ErrorMessage: "Metrics collector not configured",
			Retryable:    false,
		})
		return
	}

	s.collector.SyncFromProviders()
	output := s.collector.Expose()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(output))
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeMethodNotAllowed(w, r.Method, "POST")
		return
	}
	if !s.requireOperator(w, r) {
		return
	}

	err := s.supervisor.Reload(r.Context())
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, &types.ControlResponse{Status: "reloaded"})
	case errors.Is(err, supervisor.ErrReloadInProgress):
		s.writeError(w, http.StatusConflict, &ErrorResponse{
			ErrorType:    ErrorTypeConflict,
			ErrorCode:    "RELOAD_IN_PROGRESS",
			ErrorMessage: err.Error(),
			Retryable:    true,
		})
	case errors.Is(err, supervisor.ErrNotRunning):
		s.writeError(w, http.StatusConflict, &ErrorResponse{
			ErrorType:    ErrorTypeConflict,
			ErrorCode:    "NOT_RUNNING",
			ErrorMessage: err.Error(),
			Retryable:    false,
		})
	case errors.Is(err, supervisor.ErrReloadAborted):
		s.writeError(w, http.StatusInternalServerError, &ErrorResponse{
			ErrorType:    ErrorTypeInternal,
			ErrorCode:    "RELOAD_ABORTED",
			ErrorMessage: err.Error(),
			Retryable:    true,
		})
	default:
		s.writeError(w, http.StatusInternalServerError, &ErrorResponse{
			ErrorType:    ErrorTypeInternal,
			ErrorCode:    "RELOAD_FAILED",
			ErrorMessage: err.Error(),
			Retryable:    false,
		})
	}
}

// handleStop acknowledges immediately and drains in the background; the
// daemon's Wait observes the supervisor reaching stopped.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeMethodNotAllowed(w, r.Method, "POST")
		return
	}
	if !s.requireOperator(w, r) {
		return
	}

	var req types.StopRequest
	if err := json.NewDecoder(limitedBody(w, r)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, &ErrorResponse{
			ErrorType:    ErrorTypeInvalidArgument,
			ErrorCode:    "INVALID_REQUEST_BODY",
			ErrorMessage: "Invalid JSON request body",
			Retryable:    false,
			Details:      map[string]interface{}{"parse_error": err.Error()},
		})
		return
	}

	var mode supervisor.ShutdownMode
	switch req.Mode {
	case "", "graceful":
		mode = supervisor.ShutdownGraceful
	case "immediate":
		mode = supervisor.ShutdownImmediate
	default:
		s.writeError(w, http.StatusBadRequest, &ErrorResponse{
			ErrorType:    ErrorTypeInvalidArgument,
			ErrorCode:    "INVALID_MODE",
			ErrorMessage: "mode must be graceful or immediate",
			Retryable:    false,
			Details:      map[string]interface{}{"mode": req.Mode},
		})
		return
	}

	go func() {
		_ = s.supervisor.Shutdown(context.Background(), mode)
	}()

	s.writeJSON(w, http.StatusOK, &types.ControlResponse{Status: "stopping"})
}

// requireOperator enforces the operator/admin role on mutating endpoints
// when authentication is enabled.
func (s *Server) requireOperator(w http.ResponseWriter, r *http.Request) bool {
	if s.authConfig == nil || s.authConfig.Mode == auth.AuthModeNone {
		return true
	}
	if !auth.HasAnyRole(r.Context(), auth.RoleAdmin, auth.RoleOperator) {
		s.writeError(w, http.StatusForbidden, &ErrorResponse{
			ErrorType:    ErrorTypeForbidden,
			ErrorCode:    "INSUFFICIENT_PERMISSIONS",
			ErrorMessage: "This action requires operator or admin role",
			Retryable:    false,
		})
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, errResp *ErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errResp)
}

func (s *Server) writeMethodNotAllowed(w http.ResponseWriter, method, allowed string) {
	w.Header().Set("Allow", allowed)
	s.writeError(w, http.StatusMethodNotAllowed, &ErrorResponse{
		ErrorType:    ErrorTypeInvalidArgument,
		ErrorCode:    "METHOD_NOT_ALLOWED",
		ErrorMessage: "Method not allowed",
		Retryable:    false,
		Details: map[string]interface{}{
			"method":  method,
			"allowed": allowed,
		},
	})
}

func limitedBody(w http.ResponseWriter, r *http.Request) io.Reader {
	return http.MaxBytesReader(w, r.Body, maxRequestBodySize)
}
