// Package api exposes the writing-desk HTTP surface: start endpoints that
// kick off or attach to streaming runs, SSE stream endpoints serving the run's
// payload sequence, and an operator cancel. Authentication is delegated to
// the fronting gateway, which injects the user id header.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"goa.design/clue/debug"
	"goa.design/clue/log"

	"github.com/openletter/writingdesk/features/stream/sse"
	"github.com/openletter/writingdesk/runtime/orchestrator"
	"github.com/openletter/writingdesk/runtime/orchestrator/executor"
	"github.com/openletter/writingdesk/runtime/orchestrator/registry"
)

// UserHeader carries the authenticated user id injected by the gateway.
const UserHeader = "X-User-ID"

type (
	// Service wires the HTTP surface to the run registry.
	Service struct {
		registry *registry.Registry
	}

	// startRequest is the body of the start endpoints.
	startRequest struct {
		JobID   string `json:"jobId,omitempty"`
		Tone    string `json:"tone,omitempty"`
		Resume  bool   `json:"resume,omitempty"`
		Restart bool   `json:"restart,omitempty"`
	}

	// startResponse returns the job and its SSE stream path.
	startResponse struct {
		JobID      string `json:"jobId"`
		StreamPath string `json:"streamPath"`
	}

	errorResponse struct {
		Message string `json:"message"`
	}
)

// New constructs the service.
func New(reg *registry.Registry) (*Service, error) {
	if reg == nil {
		return nil, errors.New("registry is required")
	}
	return &Service{registry: reg}, nil
}

// Handler returns the routed HTTP handler with request logging mounted. ctx
// carries the logger used for per-request log entries.
func (s *Service) Handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /writing-desk/jobs/active/research/start", s.start(orchestrator.KindResearch))
	mux.HandleFunc("POST /writing-desk/jobs/active/letter/start", s.start(orchestrator.KindLetter))
	mux.HandleFunc("GET /writing-desk/jobs/{jobId}/research/stream", s.stream(orchestrator.KindResearch))
	mux.HandleFunc("GET /writing-desk/jobs/{jobId}/letter/stream", s.stream(orchestrator.KindLetter))
	mux.HandleFunc("POST /writing-desk/jobs/{jobId}/research/cancel", s.cancel(orchestrator.KindResearch))
	mux.HandleFunc("POST /writing-desk/jobs/{jobId}/letter/cancel", s.cancel(orchestrator.KindLetter))

	handler := debug.HTTP()(mux)
	return log.HTTP(ctx)(handler)
}

// start begins (or attaches to) a run and returns its stream path.
func (s *Service) start(kind orchestrator.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get(UserHeader)
		if userID == "" {
			writeError(w, orchestrator.ErrUnauthorized, kind)
			return
		}

		var req startRequest
		if r.Body != nil && r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeJSON(w, http.StatusBadRequest, errorResponse{Message: "malformed request body"})
				return
			}
		}

		ex, err := s.registry.Begin(r.Context(), userID, kind, registry.BeginOptions{
			JobID:      req.JobID,
			Tone:       req.Tone,
			Restart:    req.Restart,
			ResumeOnly: req.Resume,
		})
		if err != nil {
			writeError(w, err, kind)
			return
		}

		writeJSON(w, http.StatusAccepted, startResponse{
			JobID:      jobIDOf(ex.RunKey(), userID),
			StreamPath: fmt.Sprintf("/writing-desk/jobs/%s/%s/stream", jobIDOf(ex.RunKey(), userID), kind),
		})
	}
}

// stream serves the run's payload sequence as server-sent events.
func (s *Service) stream(kind orchestrator.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get(UserHeader)
		if userID == "" {
			writeError(w, orchestrator.ErrUnauthorized, kind)
			return
		}
		jobID := r.PathValue("jobId")
		sub, err := s.registry.Subscribe(kind, orchestrator.RunKey(userID, jobID))
		if err != nil {
			writeError(w, err, kind)
			return
		}
		if err := sse.Serve(r.Context(), w, sub); err != nil {
			log.Info(r.Context(), log.KV{K: "msg", V: "stream ended"}, log.KV{K: "err", V: err.Error()})
		}
	}
}

// cancel aborts a run on the caller's behalf.
func (s *Service) cancel(kind orchestrator.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get(UserHeader)
		if userID == "" {
			writeError(w, orchestrator.ErrUnauthorized, kind)
			return
		}
		jobID := r.PathValue("jobId")
		if err := s.registry.Cancel(r.Context(), kind, orchestrator.RunKey(userID, jobID)); err != nil {
			writeError(w, err, kind)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// jobIDOf recovers the job id from a "<userId>::<jobId>" run key.
func jobIDOf(runKey, userID string) string {
	return runKey[len(userID)+len("::"):]
}

// writeError maps orchestrator error kinds onto HTTP statuses with
// human-readable bodies.
func writeError(w http.ResponseWriter, err error, kind orchestrator.Kind) {
	switch {
	case errors.Is(err, orchestrator.ErrUnauthorized):
		writeJSON(w, http.StatusUnauthorized, errorResponse{Message: "authentication required"})
	case errors.Is(err, orchestrator.ErrPreconditionNotMet):
		msg := "no active job matches this request"
		if kind == orchestrator.KindLetter {
			msg = executor.MsgResearchRequired
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Message: msg})
	case errors.Is(err, orchestrator.ErrAlreadyRunning):
		writeJSON(w, http.StatusConflict, errorResponse{Message: "a run is already in progress for this job"})
	case errors.Is(err, orchestrator.ErrNoRunToResume):
		writeJSON(w, http.StatusNotFound, errorResponse{Message: "no run to resume"})
	default:
		writeJSON(w, http.StatusInternalServerError, errorResponse{Message: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
