package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/user/issuebot/internal/poller"
)

type fakePoller struct {
	summary *poller.CycleSummary
	err     error
	halted  bool
	runs    int
}

func (f *fakePoller) RunCycle(context.Context) (*poller.CycleSummary, error) {
	f.runs++
	return f.summary, f.err
}

func (f *fakePoller) Resume() bool {
	was := f.halted
	f.halted = false
	return was
}

func (f *fakePoller) Status() poller.Status {
	st := poller.Status{Phase: poller.PhaseIdle, Halted: f.halted}
	if f.halted {
		st.HaltErr = "bad credentials"
	}
	return st
}

func do(t *testing.T, h http.Handler, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	h := NewRouter(&fakePoller{}, "")
	rec := do(t, h, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Errorf("GET /health = %d %q, want 200 OK", rec.Code, rec.Body.String())
	}
}

func TestAdminDisabledWithoutToken(t *testing.T) {
	p := &fakePoller{}
	rec := do(t, NewRouter(p, ""), http.MethodPost, "/admin/poll", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("POST /admin/poll = %d, want 404", rec.Code)
	}
	if p.runs != 0 {
		t.Errorf("cycle ran %d times, want 0", p.runs)
	}
}

func TestAdminAuth(t *testing.T) {
	h := NewRouter(&fakePoller{}, "s3cret")
	tests := []struct {
		token string
		want  int
	}{
		{"", http.StatusUnauthorized},
		{"wrong", http.StatusUnauthorized},
		{"s3cret", http.StatusOK},
	}
	for _, tt := range tests {
		if rec := do(t, h, http.MethodGet, "/admin/status", tt.token); rec.Code != tt.want {
			t.Errorf("token %q: status %d, want %d", tt.token, rec.Code, tt.want)
		}
	}
}

func TestAdminPoll(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"ok", nil, http.StatusOK},
		{"running", poller.ErrCycleRunning, http.StatusConflict},
		{"halted", poller.ErrHalted, http.StatusServiceUnavailable},
		{"failed", errors.New("list repositories: disk I/O error"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakePoller{summary: &poller.CycleSummary{ID: 3, Notified: 2}, err: tt.err}
			rec := do(t, NewRouter(p, "tok"), http.MethodPost, "/admin/poll", "tok")
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			if tt.err != nil {
				return
			}
			var got poller.CycleSummary
			if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if diff := cmp.Diff(*p.summary, got); diff != "" {
				t.Errorf("summary mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestAdminStatusAndResume(t *testing.T) {
	p := &fakePoller{halted: true}
	h := NewRouter(p, "tok")

	var st statusResponse
	rec := do(t, h, http.MethodGet, "/admin/status", "tok")
	if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := statusResponse{Phase: "idle", Halted: true, HaltError: "bad credentials"}
	if diff := cmp.Diff(want, st); diff != "" {
		t.Errorf("status mismatch (-want +got):\n%s", diff)
	}

	for _, wantResumed := range []bool{true, false} {
		var got map[string]bool
		rec := do(t, h, http.MethodPost, "/admin/resume", "tok")
		if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got["resumed"] != wantResumed {
			t.Errorf("resumed = %v, want %v", got["resumed"], wantResumed)
		}
	}
}
