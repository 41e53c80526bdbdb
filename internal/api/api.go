// Package api exposes the HTTP surface: refresh, active loops, status
// transitions, and the orchestrator endpoints.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/loopline/loopline/internal/extract"
	"github.com/loopline/loopline/internal/loops"
	"github.com/loopline/loopline/internal/orchestrator"
	"github.com/loopline/loopline/internal/store"
)

// Server holds the handler dependencies.
type Server struct {
	store     *store.Store
	pipeline  *extract.Pipeline
	orch      *orchestrator.Orchestrator
	authToken string
}

func NewServer(st *store.Store, p *extract.Pipeline, o *orchestrator.Orchestrator, authToken string) *Server {
	return &Server{store: st, pipeline: p, orch: o, authToken: authToken}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	mux.HandleFunc("POST /open-loops/refresh", s.handleRefresh)
	mux.HandleFunc("GET /open-loops/active", s.handleActive)
	mux.HandleFunc("POST /open-loops/{id}/complete", s.handleStatus(loops.StatusDone))
	mux.HandleFunc("POST /open-loops/{id}/dismiss", s.handleStatus(loops.StatusDismissed))
	mux.HandleFunc("POST /open-loops/{id}/snooze", s.handleSnooze)
	mux.HandleFunc("GET /orchestrator/status", s.handleOrchStatus)
	mux.HandleFunc("POST /orchestrator/run", s.handleOrchRun)
	mux.HandleFunc("GET /debug/refresh-errors", s.handleRefreshErrors)
	return s.auth(mux)
}

// auth enforces the bearer token on everything but the health check.
func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.authToken != "" && r.URL.Path != "/healthz" {
			token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if token != s.authToken {
				writeErr(w, http.StatusUnauthorized, "invalid token")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	hours := intQuery(r, "hours", 24)
	force := boolQuery(r, "force")
	res, err := s.pipeline.Refresh(r.Context(), hours, force)
	if err != nil {
		writeErr(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleActive(w http.ResponseWriter, r *http.Request) {
	lane := strings.TrimSpace(r.URL.Query().Get("lane"))
	if lane != "" && lane != loops.LaneNow && lane != loops.LaneLater && lane != loops.LaneBacklog {
		writeErr(w, http.StatusBadRequest, "unknown lane")
		return
	}
	obs, err := s.store.ListObligations("")
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	var out []loops.SurfacedLoop
	for _, sl := range loops.Consolidate(obs, time.Now().UTC()) {
		if sl.Status != loops.StatusOpen {
			continue
		}
		if lane != "" && sl.Lane != lane {
			continue
		}
		out = append(out, sl)
	}
	if out == nil {
		out = []loops.SurfacedLoop{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"loops": out})
}

func (s *Server) handleStatus(target loops.Status) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		ob, err := s.store.GetObligation(id)
		if err != nil {
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		if ob == nil {
			writeErr(w, http.StatusNotFound, "no such loop")
			return
		}
		if err := s.store.SetObligationStatus(id, target); err != nil {
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		slog.Info("loop status changed", "id", id, "status", target)
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": target})
	}
}

func (s *Server) handleSnooze(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	hours := intQuery(r, "hours", 24)
	if hours <= 0 {
		writeErr(w, http.StatusBadRequest, "hours must be positive")
		return
	}
	ob, err := s.store.GetObligation(id)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	if ob == nil {
		writeErr(w, http.StatusNotFound, "no such loop")
		return
	}
	until := time.Now().UTC().Add(time.Duration(hours) * time.Hour)
	if err := s.store.SnoozeObligation(id, until); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "snoozed_until": until})
}

func (s *Server) handleOrchStatus(w http.ResponseWriter, r *http.Request) {
	rep, err := s.orch.Status()
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleOrchRun(w http.ResponseWriter, r *http.Request) {
	plan, err := s.orch.RunTick(r.Context(), boolQuery(r, "force"))
	if err != nil {
		if errors.Is(err, orchestrator.ErrTickInProgress) {
			writeErr(w, http.StatusConflict, err.Error())
			return
		}
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (s *Server) handleRefreshErrors(w http.ResponseWriter, r *http.Request) {
	errs, err := s.store.ListRefreshErrors()
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	if errs == nil {
		errs = []store.RefreshError{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"errors": errs})
}

func intQuery(r *http.Request, key string, def int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func boolQuery(r *http.Request, key string) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return v
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encode response", "error", err)
	}
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
