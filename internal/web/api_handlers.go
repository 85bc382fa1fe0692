package web

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/macjediwizard/calendarsync/internal/auth"
	"github.com/macjediwizard/calendarsync/internal/calsync"
	"github.com/macjediwizard/calendarsync/internal/db"
	"github.com/macjediwizard/calendarsync/internal/gcal"
	"github.com/macjediwizard/calendarsync/internal/logging"
	"github.com/macjediwizard/calendarsync/internal/scheduler"
	"github.com/macjediwizard/calendarsync/internal/validator"
)

const (
	maxSourcesPerSync = 50
	maxPrefixLength   = 50
	maxWindowDays     = 3650
	logsPerPage       = 20
)

// prefixDisallowed matches everything a prefix may not contain.
var prefixDisallowed = regexp.MustCompile(`[^a-zA-Z0-9 \-_\[\]\(\)]`)

var errNoCalendarGrant = errors.New("user has not granted calendar access")

// SanitizePrefix strips characters outside the allowed set and bounds the length.
func SanitizePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefixDisallowed.ReplaceAllString(prefix, ""))
	if len(prefix) > maxPrefixLength {
		prefix = strings.TrimSpace(prefix[:maxPrefixLength])
	}
	return prefix
}

// APISource is one source of a sync in API responses and requests.
type APISource struct {
	Type    string `json:"type"`
	Locator string `json:"locator"`
	Prefix  string `json:"prefix,omitempty"`
	Name    string `json:"name,omitempty"`
}

// APISync represents a sync in JSON format for the API.
type APISync struct {
	ID                         string      `json:"id"`
	DestinationCalendarID      string      `json:"destination_calendar_id"`
	DestinationCalendarSummary string      `json:"destination_calendar_summary"`
	Sources                    []APISource `json:"sources"`
	WindowPastDays             int         `json:"window_past_days"`
	WindowFutureDays           int         `json:"window_future_days"`
	LastSyncedAt               *string     `json:"last_synced_at"`
	LastSyncStatus             string      `json:"last_sync_status"`
	LastSyncMessage            string      `json:"last_sync_message"`
	CreatedAt                  string      `json:"created_at"`
	UpdatedAt                  string      `json:"updated_at"`
}

// APISyncLog represents a run log in JSON format for the API.
type APISyncLog struct {
	ID              string   `json:"id"`
	SyncID          string   `json:"sync_id"`
	Status          string   `json:"status"`
	Message         string   `json:"message"`
	Details         *string  `json:"details"`
	SourcesSynced   int      `json:"sources_synced"`
	EventsCandidate int      `json:"events_candidate"`
	EventsCreated   int      `json:"events_created"`
	EventsUpdated   int      `json:"events_updated"`
	EventsFailed    int      `json:"events_failed"`
	Duration        *float64 `json:"duration"`
	CreatedAt       string   `json:"created_at"`
}

// APIAuthStatus represents auth status response.
type APIAuthStatus struct {
	Authenticated bool     `json:"authenticated"`
	User          *APIUser `json:"user,omitempty"`
	CSRFToken     string   `json:"csrf_token,omitempty"`
}

// APIUser represents a user in JSON format.
type APIUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// APISyncRequest is the body of create and update requests.
type APISyncRequest struct {
	DestinationCalendarID string      `json:"destination_calendar_id" binding:"required"`
	Sources               []APISource `json:"sources"`
	WindowPastDays        int         `json:"window_past_days"`
	WindowFutureDays      int         `json:"window_future_days"`
}

// syncToAPI converts a db.Sync to APISync. Legacy rows are shown with their
// effective sources.
func syncToAPI(s *db.Sync) *APISync {
	api := &APISync{
		ID:                         s.ID,
		DestinationCalendarID:      s.DestinationCalendarID,
		DestinationCalendarSummary: s.DestinationCalendarSummary,
		Sources:                    []APISource{},
		WindowPastDays:             s.WindowPastDays,
		WindowFutureDays:           s.WindowFutureDays,
		LastSyncStatus:             string(s.LastSyncStatus),
		LastSyncMessage:            s.LastSyncMessage,
		CreatedAt:                  s.CreatedAt.Format(time.RFC3339),
		UpdatedAt:                  s.UpdatedAt.Format(time.RFC3339),
	}
	for _, src := range s.Config().EffectiveSources() {
		typ := src.Type
		if typ == "" {
			typ = calsync.SourceICal
		}
		api.Sources = append(api.Sources, APISource{
			Type:    string(typ),
			Locator: src.Locator,
			Prefix:  src.Prefix,
			Name:    s.SourceNames[src.Locator],
		})
	}
	if s.LastSyncedAt != nil {
		ts := s.LastSyncedAt.Format(time.RFC3339)
		api.LastSyncedAt = &ts
	}
	return api
}

// syncLogToAPI converts a db.SyncLog to APISyncLog.
func syncLogToAPI(l *db.SyncLog) *APISyncLog {
	api := &APISyncLog{
		ID:              l.ID,
		SyncID:          l.SyncID,
		Status:          string(l.Status),
		Message:         l.Message,
		SourcesSynced:   l.SourcesSynced,
		EventsCandidate: l.EventsCandidate,
		EventsCreated:   l.EventsCreated,
		EventsUpdated:   l.EventsUpdated,
		EventsFailed:    l.EventsFailed,
		CreatedAt:       l.CreatedAt.Format(time.RFC3339),
	}
	if l.Details != "" {
		api.Details = &l.Details
	}
	if l.Duration > 0 {
		dur := l.Duration.Seconds()
		api.Duration = &dur
	}
	return api
}

// APIAuthStatus returns the authentication status and the CSRF token the
// client must echo on state-changing requests.
func (h *Handlers) APIAuthStatus(c *gin.Context) {
	session := auth.GetCurrentUser(c)
	if session == nil {
		c.JSON(http.StatusOK, APIAuthStatus{Authenticated: false})
		return
	}

	c.JSON(http.StatusOK, APIAuthStatus{
		Authenticated: true,
		User: &APIUser{
			ID:    session.UserID,
			Email: session.Email,
			Name:  session.Name,
		},
		CSRFToken: session.CSRFToken,
	})
}

// APIListSyncs returns all syncs of the user.
func (h *Handlers) APIListSyncs(c *gin.Context) {
	session := auth.GetCurrentUser(c)
	if session == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	syncs, err := h.db.GetSyncsByUserID(session.UserID)
	if err != nil {
		h.respondError(c, http.StatusInternalServerError, "Failed to load syncs", err)
		return
	}

	apiSyncs := make([]*APISync, len(syncs))
	for i, s := range syncs {
		apiSyncs[i] = syncToAPI(s)
	}
	c.JSON(http.StatusOK, apiSyncs)
}

// APIGetSync returns a single sync.
func (h *Handlers) APIGetSync(c *gin.Context) {
	s, ok := h.ownedSync(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, syncToAPI(s))
}

// APICreateSync creates a sync and starts its first run in the background.
func (h *Handlers) APICreateSync(c *gin.Context) {
	session := auth.GetCurrentUser(c)
	if session == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	var req APISyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	s := &db.Sync{UserID: session.UserID}
	if !h.applySyncRequest(c, session.UserID, &req, s) {
		return
	}

	if err := h.db.CreateSync(s); err != nil {
		h.respondError(c, http.StatusInternalServerError, "Failed to create sync", err)
		return
	}

	h.logger.Info("sync created", "sync_id", s.ID, "user_id", session.UserID, "sources", len(s.Sources))
	h.scheduler.Trigger(s.ID, scheduler.TriggerCreated)

	c.JSON(http.StatusCreated, syncToAPI(s))
}

// APIUpdateSync replaces the destination, sources and window of a sync.
func (h *Handlers) APIUpdateSync(c *gin.Context) {
	s, ok := h.ownedSync(c)
	if !ok {
		return
	}

	var req APISyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	if !h.applySyncRequest(c, s.UserID, &req, s) {
		return
	}

	if err := h.db.UpdateSync(s); err != nil {
		h.respondError(c, http.StatusInternalServerError, "Failed to update sync", err)
		return
	}

	c.JSON(http.StatusOK, syncToAPI(s))
}

// APIDeleteSync deletes a sync. Events it already wrote stay in the destination.
func (h *Handlers) APIDeleteSync(c *gin.Context) {
	s, ok := h.ownedSync(c)
	if !ok {
		return
	}

	if err := h.db.DeleteSync(s.ID); err != nil {
		h.respondError(c, http.StatusInternalServerError, "Failed to delete sync", err)
		return
	}
	h.scheduler.Forget(s.ID)

	c.JSON(http.StatusOK, gin.H{"message": "Sync deleted"})
}

// APIRunSync runs a sync now on behalf of its owner and reports the result.
func (h *Handlers) APIRunSync(c *gin.Context) {
	s, ok := h.ownedSync(c)
	if !ok {
		return
	}

	// The run outlives a client that disconnects.
	ctx := context.WithoutCancel(c.Request.Context())
	report, err := h.scheduler.RunManual(ctx, s.ID)
	switch {
	case errors.Is(err, scheduler.ErrCooldown):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": h.scheduler.CooldownMessage()})
		return
	case errors.Is(err, scheduler.ErrAlreadyRunning):
		c.JSON(http.StatusConflict, gin.H{"error": "Sync is already running"})
		return
	case errors.Is(err, calsync.ErrCredentials):
		h.respondError(c, http.StatusBadGateway, "Calendar access was revoked. Please sign in again.", err)
		return
	case err != nil:
		h.respondError(c, http.StatusInternalServerError, "Sync failed", err)
		return
	}

	status := db.SyncStatusSuccess
	if report.Partial() {
		status = db.SyncStatusPartial
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  status,
		"message": report.Summary(),
		"report":  report,
	})
}

// APIGetSyncLogs returns the run history of a sync, paginated.
func (h *Handlers) APIGetSyncLogs(c *gin.Context) {
	s, ok := h.ownedSync(c)
	if !ok {
		return
	}

	page := 1
	if p := c.Query("page"); p != "" {
		if parsed, err := strconv.Atoi(p); err == nil && parsed > 0 {
			page = parsed
		}
	}

	logs, err := h.db.GetSyncLogs(s.ID, 1000)
	if err != nil {
		h.respondError(c, http.StatusInternalServerError, "Failed to load logs", err)
		return
	}

	totalPages := (len(logs) + logsPerPage - 1) / logsPerPage
	if totalPages < 1 {
		totalPages = 1
	}

	start := min((page-1)*logsPerPage, len(logs))
	end := min(start+logsPerPage, len(logs))

	apiLogs := make([]*APISyncLog, 0, end-start)
	for _, l := range logs[start:end] {
		apiLogs = append(apiLogs, syncLogToAPI(l))
	}

	c.JSON(http.StatusOK, gin.H{
		"logs":        apiLogs,
		"page":        page,
		"total_pages": totalPages,
	})
}

// APIListCalendars returns the user's Google calendars, for picking a
// destination or a google source.
func (h *Handlers) APIListCalendars(c *gin.Context) {
	session := auth.GetCurrentUser(c)
	if session == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	calendars, err := h.userCalendars(c.Request.Context(), session.UserID)
	if err != nil {
		h.respondCalendarError(c, err)
		return
	}
	if calendars == nil {
		calendars = []gcal.CalendarEntry{}
	}
	c.JSON(http.StatusOK, calendars)
}

// APIActivity returns the running and recent runs of the user's syncs.
func (h *Handlers) APIActivity(c *gin.Context) {
	session := auth.GetCurrentUser(c)
	if session == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	syncs, err := h.db.GetSyncsByUserID(session.UserID)
	if err != nil {
		h.respondError(c, http.StatusInternalServerError, "Failed to load activity", err)
		return
	}
	owned := make(map[string]bool, len(syncs))
	for _, s := range syncs {
		owned[s.ID] = true
	}

	all := h.scheduler.Tracker().GetAll()
	active := all.Active[:0]
	for _, a := range all.Active {
		if owned[a.SyncID] {
			active = append(active, a)
		}
	}
	recent := all.Recent[:0]
	for _, a := range all.Recent {
		if owned[a.SyncID] {
			recent = append(recent, a)
		}
	}

	c.JSON(http.StatusOK, gin.H{"active": active, "recent": recent})
}

// ownedSync loads the :id sync and checks it belongs to the session user.
// Missing and foreign syncs both answer 404.
func (h *Handlers) ownedSync(c *gin.Context) (*db.Sync, bool) {
	session := auth.GetCurrentUser(c)
	if session == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return nil, false
	}

	s, err := h.db.GetSyncByID(c.Param("id"))
	if err != nil || s.UserID != session.UserID {
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			h.logger.Error("failed to load sync", "sync_id", c.Param("id"), "error", err)
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "Sync not found"})
		return nil, false
	}
	return s, true
}

// applySyncRequest validates req and copies it into s, resolving the
// destination summary and the source names. It writes the error response
// and returns false when the request cannot be applied.
func (h *Handlers) applySyncRequest(c *gin.Context, userID string, req *APISyncRequest, s *db.Sync) bool {
	dest := strings.TrimSpace(req.DestinationCalendarID)
	sources, msg := h.validateSources(dest, req.Sources)
	if msg != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": msg})
		return false
	}
	if req.WindowPastDays < 0 || req.WindowPastDays > maxWindowDays ||
		req.WindowFutureDays < 0 || req.WindowFutureDays > maxWindowDays {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Window must be between 0 and 3650 days"})
		return false
	}

	ctx := c.Request.Context()
	calendars, err := h.userCalendars(ctx, userID)
	if err != nil {
		h.respondCalendarError(c, err)
		return false
	}

	var summary string
	found := false
	for _, cal := range calendars {
		if cal.ID == dest {
			summary, found = cal.Summary, true
			break
		}
	}
	if !found {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Destination calendar not found"})
		return false
	}

	s.DestinationCalendarID = dest
	s.DestinationCalendarSummary = summary
	s.Sources = sources
	s.SourceNames = calsync.ResolveSourceNames(ctx, sources, calendars, h.feeds)
	s.WindowPastDays = req.WindowPastDays
	s.WindowFutureDays = req.WindowFutureDays
	return true
}

// validateSources normalizes the requested sources. It returns a user-facing
// message when they are unacceptable.
func (h *Handlers) validateSources(dest string, in []APISource) ([]calsync.Source, string) {
	if len(in) == 0 {
		return nil, "At least one source is required"
	}
	if len(in) > maxSourcesPerSync {
		return nil, "Too many sources (maximum 50)"
	}

	out := make([]calsync.Source, 0, len(in))
	seen := make(map[calsync.Source]bool, len(in))
	for _, src := range in {
		typ := calsync.SourceType(strings.ToLower(strings.TrimSpace(src.Type)))
		if typ == "" {
			typ = calsync.SourceICal
		}
		if !typ.Valid() {
			return nil, "Unsupported source type: " + string(typ)
		}

		locator := strings.TrimSpace(src.Locator)
		if locator == "" {
			return nil, "Every source needs a URL or calendar ID"
		}
		switch typ {
		case calsync.SourceGoogle:
			if locator == dest {
				return nil, "A calendar cannot sync into itself"
			}
		default:
			if err := validator.ValidateURL(locator, h.cfg.IsProduction()); err != nil {
				return nil, "Invalid source URL: " + logging.RedactURL(locator)
			}
		}

		// A locator is fetched once per run, so a second prefix could never apply.
		key := calsync.Source{Type: typ, Locator: locator}
		if seen[key] {
			return nil, "Duplicate source: " + logging.RedactURL(locator)
		}
		seen[key] = true

		out = append(out, calsync.Source{Type: typ, Locator: locator, Prefix: SanitizePrefix(src.Prefix)})
	}
	return out, ""
}

// userCalendars lists the user's calendars with their stored grant.
func (h *Handlers) userCalendars(ctx context.Context, userID string) ([]gcal.CalendarEntry, error) {
	user, err := h.db.GetUserByID(userID)
	if err != nil {
		return nil, err
	}
	if user.RefreshToken == "" {
		return nil, errNoCalendarGrant
	}

	svc, err := h.services(ctx, user.RefreshToken)
	if err != nil {
		return nil, err
	}
	return svc.ListCalendars(ctx)
}

func (h *Handlers) respondCalendarError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, errNoCalendarGrant), gcal.IsAuthError(err):
		h.respondError(c, http.StatusConflict, "Calendar access has not been granted. Please sign in again.", err)
	default:
		h.respondError(c, http.StatusBadGateway, "Failed to load calendars", err)
	}
}
