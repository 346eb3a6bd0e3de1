// Package server exposes the health, metrics and admin HTTP endpoints.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/user/issuebot/internal/metrics"
	"github.com/user/issuebot/internal/poller"
	"github.com/user/issuebot/pkg/logger"
)

// Poller is the part of the poller the admin endpoints drive.
type Poller interface {
	RunCycle(ctx context.Context) (*poller.CycleSummary, error)
	Resume() bool
	Status() poller.Status
}

// NewRouter builds the HTTP handler. Admin routes are only mounted when
// adminToken is set.
func NewRouter(p Poller, adminToken string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", metrics.Handler())

	if adminToken == "" {
		return r
	}

	a := &admin{poller: p}
	r.Route("/admin", func(r chi.Router) {
		r.Use(bearerAuth(adminToken))
		r.Use(middleware.Timeout(5 * time.Minute))
		r.Get("/status", a.status)
		r.Post("/poll", a.poll)
		r.Post("/resume", a.resume)
	})
	return r
}

func bearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type admin struct {
	poller Poller
}

type statusResponse struct {
	Phase     string               `json:"phase"`
	Halted    bool                 `json:"halted"`
	HaltError string               `json:"halt_error,omitempty"`
	NextRun   *time.Time           `json:"next_run,omitempty"`
	LastCycle *poller.CycleSummary `json:"last_cycle,omitempty"`
}

func (a *admin) status(w http.ResponseWriter, r *http.Request) {
	st := a.poller.Status()
	resp := statusResponse{
		Phase:     st.Phase.String(),
		Halted:    st.Halted,
		HaltError: st.HaltErr,
		LastCycle: st.LastCycle,
	}
	if !st.NextRun.IsZero() {
		resp.NextRun = &st.NextRun
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *admin) poll(w http.ResponseWriter, r *http.Request) {
	summary, err := a.poller.RunCycle(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, summary)
	case errors.Is(err, poller.ErrCycleRunning), errors.Is(err, poller.ErrLockHeld):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, poller.ErrHalted):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
	default:
		logger.Error().Err(err).Msg("Manual poll cycle failed")
		body := map[string]interface{}{"error": err.Error()}
		if summary != nil {
			body["summary"] = summary
		}
		writeJSON(w, http.StatusInternalServerError, body)
	}
}

func (a *admin) resume(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"resumed": a.poller.Resume()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn().Err(err).Msg("Failed to write response")
	}
}
