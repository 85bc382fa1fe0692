package web

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/macjediwizard/calendarsync/internal/auth"
	"github.com/macjediwizard/calendarsync/internal/calsync"
	"github.com/macjediwizard/calendarsync/internal/db"
	"github.com/macjediwizard/calendarsync/internal/scheduler"
)

// sessionCookies signs user in and returns the session cookies and CSRF token.
func sessionCookies(t *testing.T, sm *auth.SessionManager, user *db.User) ([]*http.Cookie, string) {
	t.Helper()
	data := &auth.SessionData{UserID: user.ID, Email: user.Email, Name: user.Name}
	rec := httptest.NewRecorder()
	if err := sm.Set(rec, httptest.NewRequest(http.MethodGet, "/", nil), data); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	return rec.Result().Cookies(), data.CSRFToken
}

func TestRoutesRequireAuth(t *testing.T) {
	th := setupTestHandlers(t)
	router := NewRouter(th.handlers)

	for _, path := range []string{"/api/syncs", "/api/calendars", "/api/activity"} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != http.StatusUnauthorized {
			t.Errorf("GET %s: expected status 401, got %d", path, w.Code)
		}
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/auth/status", nil))
	if w.Code != http.StatusOK {
		t.Errorf("auth status should be public, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Errorf("health should be public, got %d", w.Code)
	}
	if w.Header().Get("X-Frame-Options") != "DENY" {
		t.Error("expected security headers on every route")
	}
}

func TestRoutesStateChangingChecks(t *testing.T) {
	th := setupTestHandlers(t)
	router := NewRouter(th.handlers)
	owner := createTestUser(t, th.db, "owner@example.com")
	s := createTestSync(t, th.db, owner.ID)
	cookies, csrf := sessionCookies(t, th.session, owner)

	tests := []struct {
		name   string
		origin string
		csrf   string
		status int
	}{
		{name: "valid", origin: "https://sync.example.com", csrf: csrf, status: http.StatusOK},
		{name: "missing csrf", origin: "https://sync.example.com", status: http.StatusForbidden},
		{name: "wrong csrf", origin: "https://sync.example.com", csrf: "nope", status: http.StatusForbidden},
		{name: "foreign origin", origin: "https://evil.example.com", csrf: csrf, status: http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodDelete, "/api/syncs/"+s.ID, nil)
			for _, ck := range cookies {
				req.AddCookie(ck)
			}
			req.Header.Set("Origin", tt.origin)
			if tt.csrf != "" {
				req.Header.Set("X-CSRF-Token", tt.csrf)
			}

			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			if w.Code != tt.status {
				t.Errorf("expected status %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
		})
	}

	if _, err := th.db.GetSyncByID(s.ID); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("expected the valid request to delete the sync, got %v", err)
	}
}

func TestRoutesNotFound(t *testing.T) {
	th := setupTestHandlers(t)
	router := NewRouter(th.handlers)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nowhere", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Code)
	}
}

func TestTaskSyncOne(t *testing.T) {
	th := setupTestHandlers(t)
	router := NewRouter(th.handlers)
	owner := createTestUser(t, th.db, "owner@example.com")
	s := createTestSync(t, th.db, owner.ID)

	post := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/tasks/sync_one", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	w := post(`{"sync_id":"` + s.ID + `"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode[map[string]string](t, w)
	if resp["status"] != "success" {
		t.Errorf("expected status success, got %q", resp["status"])
	}

	if w := post(`{"sync_id":"missing"}`); w.Code != http.StatusNotFound {
		t.Errorf("expected status 404 for unknown sync, got %d", w.Code)
	}
	if w := post(`{}`); w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400 without sync_id, got %d", w.Code)
	}

	th.runner.run = func(context.Context, string) (*calsync.RunReport, error) {
		return nil, errors.New("destination unavailable")
	}
	if w := post(`{"sync_id":"` + s.ID + `"}`); w.Code != http.StatusInternalServerError {
		t.Errorf("expected status 500 so the caller retries, got %d", w.Code)
	}
}

func TestTaskSyncOneSkipsRunningSync(t *testing.T) {
	th := setupTestHandlers(t)
	owner := createTestUser(t, th.db, "owner@example.com")
	s := createTestSync(t, th.db, owner.ID)

	started := make(chan struct{})
	release := make(chan struct{})
	th.runner.run = func(context.Context, string) (*calsync.RunReport, error) {
		close(started)
		<-release
		return &calsync.RunReport{}, nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = th.scheduler.RunNow(context.Background(), s.ID, scheduler.TriggerScheduled)
	}()
	<-started

	w := serve(th.handlers.TaskSyncOne, nil, http.MethodPost, "/tasks/sync_one", TaskSyncOneRequest{SyncID: s.ID})
	close(release)
	<-done

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	resp := decode[map[string]string](t, w)
	if resp["status"] != "skipped" {
		t.Errorf("expected status skipped, got %q", resp["status"])
	}
}

func TestTaskSyncAll(t *testing.T) {
	th := setupTestHandlers(t)
	router := NewRouter(th.handlers)
	owner := createTestUser(t, th.db, "owner@example.com")
	createTestSync(t, th.db, owner.ID)
	createTestSync(t, th.db, owner.ID)

	req := httptest.NewRequest(http.MethodPost, "/tasks/sync_all", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	result := decode[scheduler.DispatchResult](t, w)
	if result.Total != 2 || result.Succeeded != 2 {
		t.Errorf("unexpected dispatch result %+v", result)
	}
}

func TestTaskRoutesRequireToken(t *testing.T) {
	th := setupTestHandlers(t)
	// A verifier without an invoker fails closed.
	th.handlers.tasks = &auth.TaskVerifier{}
	router := NewRouter(th.handlers)

	req := httptest.NewRequest(http.MethodPost, "/tasks/sync_all", nil)
	req.Header.Set("Authorization", "Bearer token")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("expected status 403 without a configured invoker, got %d", w.Code)
	}
	if th.runner.callCount() != 0 {
		t.Error("no sync should run without authorization")
	}
}
