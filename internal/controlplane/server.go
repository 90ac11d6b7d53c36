// Package controlplane exposes the HTTP control-plane surface spec.md
// §6 describes "by semantic shape only": approvals list/approve/deny,
// agents list/pause/abort, and scheduler jobs/run-now. SSE streaming
// and the chat-complete/tools-invoke routes are out of scope here —
// RVB and TIM already own that traffic on their own transports; this
// surface is the thin slice foremanctl actually needs to drive an
// operator session.
package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/foreman-ai/foreman/internal/agentruntime"
	"github.com/foreman-ai/foreman/internal/approvals"
	"github.com/foreman-ai/foreman/internal/cron"
	"github.com/foreman-ai/foreman/internal/store"
)

// Server is the control-plane HTTP surface.
type Server struct {
	store     *store.Store
	approvals *approvals.Store
	runtime   *agentruntime.Runtime
	scheduler *cron.Scheduler
	logger    *slog.Logger
}

// New builds a Server. Any dependency may be nil; the routes it backs
// respond 503 rather than panicking.
func New(st *store.Store, appr *approvals.Store, runtime *agentruntime.Runtime, scheduler *cron.Scheduler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{store: st, approvals: appr, runtime: runtime, scheduler: scheduler, logger: logger}
}

// Mount registers the control-plane routes on mux.
func (s *Server) Mount(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/approvals", s.handleApprovals)
	mux.HandleFunc("/approvals/", s.handleApprovalAction)
	mux.HandleFunc("/agents", s.handleAgentsList)
	mux.HandleFunc("/agents/", s.handleAgentAction)
	mux.HandleFunc("/scheduler/jobs", s.handleSchedulerJobs)
	mux.HandleFunc("/scheduler/jobs/", s.handleSchedulerRunNow)
}

// Serve runs an http.Server on addr until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	s.Mount(mux)
	httpServer := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleApprovals(w http.ResponseWriter, r *http.Request) {
	if s.approvals == nil {
		writeError(w, http.StatusServiceUnavailable, "approvals store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.approvals.List())
}

// handleApprovalAction serves POST /approvals/{id}/approve and
// /approvals/{id}/deny.
func (s *Server) handleApprovalAction(w http.ResponseWriter, r *http.Request) {
	if s.approvals == nil {
		writeError(w, http.StatusServiceUnavailable, "approvals store unavailable")
		return
	}
	id, action, ok := splitTrailingSegment(r.URL.Path, "/approvals/")
	if !ok || r.Method != http.MethodPost {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	var err error
	switch action {
	case "approve":
		result, approveErr := s.approvals.Approve(id)
		err = approveErr
		if err == nil {
			writeJSON(w, http.StatusOK, result)
			return
		}
	case "deny":
		result, denyErr := s.approvals.Deny(id)
		err = denyErr
		if err == nil {
			writeJSON(w, http.StatusOK, result)
			return
		}
	default:
		writeError(w, http.StatusNotFound, "unknown action")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func (s *Server) handleAgentsList(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "memory store unavailable")
		return
	}
	ctx := r.Context()
	tasks, err := s.store.ListTasks(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	var all []any
	for _, task := range tasks {
		agents, err := s.store.ListAgents(ctx, task.ID)
		if err != nil {
			continue
		}
		for _, a := range agents {
			all = append(all, a)
		}
	}
	writeJSON(w, http.StatusOK, all)
}

// handleAgentAction serves POST /agents/{id}/pause, /abort, /run.
func (s *Server) handleAgentAction(w http.ResponseWriter, r *http.Request) {
	if s.runtime == nil {
		writeError(w, http.StatusServiceUnavailable, "agent runtime unavailable")
		return
	}
	id, action, ok := splitTrailingSegment(r.URL.Path, "/agents/")
	if !ok || r.Method != http.MethodPost {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	ctx := r.Context()
	var err error
	switch action {
	case "pause":
		err = s.runtime.Pause(ctx, id)
	case "abort":
		err = s.runtime.Abort(ctx, id)
	case "run":
		err = s.runtime.Run(ctx, id)
	default:
		writeError(w, http.StatusNotFound, "unknown action")
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSchedulerJobs(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.scheduler.Jobs())
}

// handleSchedulerRunNow serves POST /scheduler/jobs/{id}/run.
func (s *Server) handleSchedulerRunNow(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler unavailable")
		return
	}
	id, action, ok := splitTrailingSegment(r.URL.Path, "/scheduler/jobs/")
	if !ok || action != "run" || r.Method != http.MethodPost {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err := s.scheduler.RunJob(r.Context(), id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func splitTrailingSegment(path, prefix string) (id, action string, ok bool) {
	rest := strings.TrimPrefix(path, prefix)
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
