package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/macjediwizard/calendarsync/internal/auth"
	"github.com/macjediwizard/calendarsync/internal/calsync"
	"github.com/macjediwizard/calendarsync/internal/config"
	"github.com/macjediwizard/calendarsync/internal/db"
	"github.com/macjediwizard/calendarsync/internal/gcal"
	"github.com/macjediwizard/calendarsync/internal/logging"
	"github.com/macjediwizard/calendarsync/internal/scheduler"
)

const testSessionSecret = "0123456789abcdef0123456789abcdef"

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeCalendar serves a fixed calendar list.
type fakeCalendar struct {
	calendars []gcal.CalendarEntry
	err       error
}

func (f *fakeCalendar) ListEvents(context.Context, string, time.Time, time.Time) (*gcal.EventList, error) {
	return &gcal.EventList{}, nil
}

func (f *fakeCalendar) LookupEvents(context.Context, string, []string) (map[string]string, error) {
	return map[string]string{}, nil
}

func (f *fakeCalendar) WriteEvents(_ context.Context, _ string, writes []gcal.Write) ([]error, error) {
	return make([]error, len(writes)), nil
}

func (f *fakeCalendar) ListCalendars(context.Context) ([]gcal.CalendarEntry, error) {
	return f.calendars, f.err
}

// fakeOpener serves one feed body for every URL.
type fakeOpener struct {
	body string
}

func (f fakeOpener) Open(context.Context, string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(f.body)), nil
}

// fakeRunner runs syncs through a function field.
type fakeRunner struct {
	mu    sync.Mutex
	calls []string
	run   func(ctx context.Context, syncID string) (*calsync.RunReport, error)
}

func (f *fakeRunner) Run(ctx context.Context, syncID string) (*calsync.RunReport, error) {
	f.mu.Lock()
	f.calls = append(f.calls, syncID)
	f.mu.Unlock()
	if f.run != nil {
		return f.run(ctx, syncID)
	}
	return &calsync.RunReport{SyncID: syncID, Sources: 1, Created: 2}, nil
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// testHandlers holds test dependencies.
type testHandlers struct {
	db        *db.DB
	handlers  *Handlers
	calendar  *fakeCalendar
	runner    *fakeRunner
	scheduler *scheduler.Scheduler
	session   *auth.SessionManager
}

const feedBody = "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nX-WR-CALNAME:Team Feed\r\nBEGIN:VEVENT\r\nUID:1\r\nEND:VEVENT\r\nEND:VCALENDAR\r\n"

// setupTestHandlers creates handlers backed by a temp database, a fake
// Calendar API and a scheduler with a fake runner.
func setupTestHandlers(t *testing.T) *testHandlers {
	t.Helper()

	database, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	cfg := &config.Config{
		Server: config.ServerConfig{
			Port:        8080,
			BaseURL:     "https://sync.example.com",
			Environment: config.EnvDevelopment,
		},
		RateLimiting: config.RateLimitConfig{RPS: 1000, Burst: 1000},
	}

	calendar := &fakeCalendar{calendars: []gcal.CalendarEntry{
		{ID: "dest@group.calendar.google.com", Summary: "Combined"},
		{ID: "team@group.calendar.google.com", Summary: "Team"},
	}}
	services := func(_ context.Context, refreshToken string) (calsync.Calendar, error) {
		if refreshToken == "revoked" {
			return nil, calsync.ErrCredentials
		}
		return calendar, nil
	}

	runner := &fakeRunner{}
	sched := scheduler.New(database, runner, scheduler.Options{
		ManualCooldown: time.Minute,
		Logger:         logging.Discard(),
	})
	if err := sched.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(sched.Stop)

	tasks, err := auth.NewTaskVerifier(context.Background(), "", "", true)
	if err != nil {
		t.Fatalf("NewTaskVerifier() error = %v", err)
	}

	session := auth.NewSessionManager(testSessionSecret, false, 3600)
	h := NewHandlers(Deps{
		Config:    cfg,
		DB:        database,
		Session:   session,
		Tasks:     tasks,
		Scheduler: sched,
		Services:  services,
		Feeds:     fakeOpener{body: feedBody},
		Logger:    logging.Discard(),
	})

	return &testHandlers{
		db:        database,
		handlers:  h,
		calendar:  calendar,
		runner:    runner,
		scheduler: sched,
		session:   session,
	}
}

// setAuthContext sets the authenticated user context for testing.
func setAuthContext(c *gin.Context, userID, email string) {
	session := &auth.SessionData{
		UserID:    userID,
		Email:     email,
		Name:      "Test User",
		CSRFToken: "test-csrf-token",
	}
	c.Set(auth.ContextKeySession, session)
}

// createTestUser creates a user holding a calendar grant.
func createTestUser(t *testing.T, database *db.DB, email string) *db.User {
	t.Helper()
	user, err := database.GetOrCreateUser(email, "Test User")
	if err != nil {
		t.Fatalf("GetOrCreateUser() error = %v", err)
	}
	if err := database.UpdateUserRefreshToken(user.ID, "refresh-"+email); err != nil {
		t.Fatalf("UpdateUserRefreshToken() error = %v", err)
	}
	user.RefreshToken = "refresh-" + email
	return user
}

// createTestSync stores a one-source sync for userID.
func createTestSync(t *testing.T, database *db.DB, userID string) *db.Sync {
	t.Helper()
	s := &db.Sync{
		UserID:                     userID,
		DestinationCalendarID:      "dest@group.calendar.google.com",
		DestinationCalendarSummary: "Combined",
		Sources: []calsync.Source{
			{Type: calsync.SourceICal, Locator: "https://example.com/team.ics", Prefix: "[Team]"},
		},
		SourceNames: map[string]string{"https://example.com/team.ics": "Team Feed"},
	}
	if err := database.CreateSync(s); err != nil {
		t.Fatalf("CreateSync() error = %v", err)
	}
	return s
}

// serve runs handler on a fresh context built from method, path and body.
func serve(handler gin.HandlerFunc, user *db.User, method, path string, body any, params ...gin.Param) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = strings.NewReader(string(data))
	}

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(method, path, reader)
	if body != nil {
		c.Request.Header.Set("Content-Type", "application/json")
	}
	c.Params = params
	if user != nil {
		setAuthContext(c, user.ID, user.Email)
	}
	handler(c)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to decode response %q: %v", w.Body.String(), err)
	}
	return v
}

func TestNewHandlers(t *testing.T) {
	th := setupTestHandlers(t)

	if th.handlers.db != th.db {
		t.Error("expected db to be wired")
	}
	if th.handlers.scheduler != th.scheduler {
		t.Error("expected scheduler to be wired")
	}
	if th.handlers.logger == nil {
		t.Error("expected a logger")
	}
}

func TestHealthCheck(t *testing.T) {
	th := setupTestHandlers(t)

	w := serve(th.handlers.HealthCheck, nil, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	resp := decode[map[string]string](t, w)
	if resp["status"] != "ok" {
		t.Errorf("expected status ok, got %q", resp["status"])
	}

	th.db.Close()
	w = serve(th.handlers.HealthCheck, nil, http.MethodGet, "/health", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503 after close, got %d", w.Code)
	}
}

func TestRespondError(t *testing.T) {
	th := setupTestHandlers(t)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/api/syncs", nil)

	th.handlers.respondError(c, http.StatusBadGateway, "Failed to load calendars", errors.New("dial tcp: secret detail"))

	if w.Code != http.StatusBadGateway {
		t.Errorf("expected status 502, got %d", w.Code)
	}
	if !c.IsAborted() {
		t.Error("expected context to be aborted")
	}
	if strings.Contains(w.Body.String(), "secret detail") {
		t.Error("internal error leaked to the client")
	}
	resp := decode[map[string]string](t, w)
	if resp["error"] != "Failed to load calendars" {
		t.Errorf("unexpected error message %q", resp["error"])
	}
}

func TestCallbackRejectsBadState(t *testing.T) {
	th := setupTestHandlers(t)

	tests := []struct {
		name   string
		cookie bool
		query  string
	}{
		{name: "no saved state", query: "?state=abc&code=x"},
		{name: "state mismatch", cookie: true, query: "?state=other&code=x"},
		{name: "missing state", cookie: true, query: "?code=x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/auth/callback"+tt.query, nil)
			if tt.cookie {
				rec := httptest.NewRecorder()
				if err := th.session.SetOAuthState(rec, httptest.NewRequest(http.MethodGet, "/auth/login", nil), "abc"); err != nil {
					t.Fatalf("SetOAuthState() error = %v", err)
				}
				for _, ck := range rec.Result().Cookies() {
					req.AddCookie(ck)
				}
			}

			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = req
			th.handlers.Callback(c)

			if w.Code != http.StatusBadRequest {
				t.Errorf("expected status 400, got %d", w.Code)
			}
		})
	}
}

func TestLogout(t *testing.T) {
	th := setupTestHandlers(t)

	w := serve(th.handlers.Logout, nil, http.MethodPost, "/auth/logout", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var cleared bool
	for _, ck := range w.Result().Cookies() {
		if ck.Name == "calendarsync_session" && ck.MaxAge < 0 {
			cleared = true
		}
	}
	if !cleared {
		t.Error("expected the session cookie to be expired")
	}
}
