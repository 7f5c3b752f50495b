// Package api provides the dispatcher's admin/control HTTP surface.
//
// # Endpoints
//
//   - POST /v1/predict  - submit a batch; blocks for results unless "async" is set
//   - GET  /v1/tasks/{id} - non-blocking poll of a task submitted with async
//   - GET  /v1/healthz  - liveness check
//   - GET  /v1/metrics  - process and batching metrics snapshot
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/pilot-net/dynabatch/internal/metrics"
	"github.com/pilot-net/dynabatch/pkg/streamer"
	"github.com/pilot-net/dynabatch/pkg/types"
)

// defaultPredictTimeout bounds how long /v1/predict will block when the
// caller doesn't specify a timeout_ms.
const defaultPredictTimeout = 20 * time.Second

// Server is the HTTP admin API server.
type Server struct {
	streamer  *streamer.Streamer
	collector *metrics.Collector
	logger    *slog.Logger
	mux       *http.ServeMux
}

// NewServer creates a new admin API server.
func NewServer(s *streamer.Streamer, collector *metrics.Collector, logger *slog.Logger) *Server {
	srv := &Server{
		streamer:  s,
		collector: collector,
		logger:    logger,
		mux:       http.NewServeMux(),
	}
	srv.registerRoutes()
	return srv
}

// Mux returns the underlying ServeMux for registering additional routes.
func (s *Server) Mux() *http.ServeMux {
	return s.mux
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	s.mux.ServeHTTP(w, r)
	s.logger.Debug("request",
		"method", r.Method,
		"path", r.URL.Path,
		"duration", time.Since(start))
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /v1/healthz", s.handleHealthz)
	s.mux.HandleFunc("GET /v1/metrics", s.handleMetrics)
	s.mux.HandleFunc("POST /v1/predict", s.handlePredict)
	s.mux.HandleFunc("GET /v1/tasks/{id}", s.handleTaskStatus)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	health, err := s.collector.Snapshot(r.Context())
	if err != nil {
		s.logger.Error("metrics snapshot failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to collect metrics")
		return
	}
	s.writeJSON(w, http.StatusOK, health)
}

type predictRequest struct {
	Payloads  []types.Payload `json:"payloads"`
	TimeoutMS int             `json:"timeout_ms,omitempty"`

	// Async, if true, returns the task id immediately instead of
	// blocking for results; poll GET /v1/tasks/{id} for completion.
	Async bool `json:"async,omitempty"`
}

type predictResponse struct {
	TaskID  types.TaskID   `json:"task_id"`
	Results []types.Result `json:"results,omitempty"`
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	var req predictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Payloads) == 0 {
		s.writeError(w, http.StatusBadRequest, "payloads must be non-empty")
		return
	}

	future, err := s.streamer.Submit(r.Context(), req.Payloads)
	if err != nil {
		s.logger.Error("submit failed", "error", err)
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.Async {
		s.writeJSON(w, http.StatusAccepted, predictResponse{TaskID: future.TaskID()})
		return
	}

	timeout := defaultPredictTimeout
	if req.TimeoutMS > 0 {
		timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}

	results, err := s.streamer.Await(r.Context(), future, timeout)
	if err != nil {
		switch err.(type) {
		case *types.ErrTimeout:
			s.writeError(w, http.StatusGatewayTimeout, err.Error())
		case *types.ErrPredictionFailure:
			s.writeError(w, http.StatusBadGateway, err.Error())
		default:
			s.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	s.writeJSON(w, http.StatusOK, predictResponse{
		TaskID:  future.TaskID(),
		Results: results,
	})
}

type taskStatusResponse struct {
	TaskID  types.TaskID   `json:"task_id"`
	Status  string         `json:"status"` // "pending", "done", or "unknown"
	Results []types.Result `json:"results,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// handleTaskStatus serves a non-blocking poll of a task submitted via
// POST /v1/predict with async set. A task that was never submitted
// through this server's Streamer, or that has already been removed
// (polled to completion, awaited successfully, or reaped), reports
// "unknown". A task submitted without async stays pollable while its
// blocking request is in flight, and after that request fails.
func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	taskID := types.TaskID(id)

	status, results, predictErr := s.streamer.Poll(taskID)
	resp := taskStatusResponse{TaskID: taskID, Status: string(status)}

	switch status {
	case streamer.TaskUnknown:
		s.writeJSON(w, http.StatusNotFound, resp)
	case streamer.TaskPending:
		s.writeJSON(w, http.StatusOK, resp)
	case streamer.TaskDone:
		if predictErr != nil {
			resp.Error = predictErr.Error()
		} else {
			resp.Results = results
		}
		s.writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{
		"error": message,
	})
}
