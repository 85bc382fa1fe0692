package web

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/macjediwizard/calendarsync/internal/auth"
	"github.com/macjediwizard/calendarsync/internal/calsync"
	"github.com/macjediwizard/calendarsync/internal/config"
	"github.com/macjediwizard/calendarsync/internal/db"
	"github.com/macjediwizard/calendarsync/internal/feed"
	"github.com/macjediwizard/calendarsync/internal/scheduler"
)

const redirectCookie = "redirect_after_login"

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	cfg       *config.Config
	db        *db.DB
	login     *auth.LoginProvider
	session   *auth.SessionManager
	tasks     *auth.TaskVerifier
	scheduler *scheduler.Scheduler
	services  calsync.ServiceFactory
	feeds     feed.Opener
	logger    *slog.Logger
}

// Deps are the collaborators of the HTTP layer.
type Deps struct {
	Config    *config.Config
	DB        *db.DB
	Login     *auth.LoginProvider
	Session   *auth.SessionManager
	Tasks     *auth.TaskVerifier
	Scheduler *scheduler.Scheduler
	// Services builds a Google Calendar client for a user's refresh token.
	Services calsync.ServiceFactory
	// Feeds opens iCal feeds for name resolution.
	Feeds  feed.Opener
	Logger *slog.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(d Deps) *Handlers {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		cfg:       d.Config,
		db:        d.DB,
		login:     d.Login,
		session:   d.Session,
		tasks:     d.Tasks,
		scheduler: d.Scheduler,
		services:  d.Services,
		feeds:     d.Feeds,
		logger:    logger.With("component", "web"),
	}
}

// HealthCheck reports whether the database is reachable.
func (h *Handlers) HealthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := h.db.Ping(ctx); err != nil {
		h.logger.Error("health check failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "database": "unreachable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "database": "ok"})
}

// Login starts the Google sign-in round trip.
func (h *Handlers) Login(c *gin.Context) {
	state, err := auth.GenerateState()
	if err != nil {
		h.respondError(c, http.StatusInternalServerError, "Failed to generate state", err)
		return
	}

	if err := h.session.SetOAuthState(c.Writer, c.Request, state); err != nil {
		h.respondError(c, http.StatusInternalServerError, "Failed to save state", err)
		return
	}

	if next := c.Query("next"); IsSafeRedirectURL(next) {
		c.SetCookie(redirectCookie, next, 600, "/", "", h.cfg.IsProduction(), true)
	}

	c.Redirect(http.StatusFound, h.login.AuthCodeURL(state))
}

// Callback completes the sign-in, storing the user's refresh token so syncs
// can run without them.
func (h *Handlers) Callback(c *gin.Context) {
	state := c.Query("state")
	savedState, err := h.session.GetOAuthState(c.Writer, c.Request)
	if err != nil || state == "" || state != savedState {
		h.respondError(c, http.StatusBadRequest, "Invalid state parameter", err)
		return
	}

	if errParam := c.Query("error"); errParam != "" {
		h.respondError(c, http.StatusBadRequest, "Authentication failed: "+errParam, nil)
		return
	}

	ctx := c.Request.Context()
	token, err := h.login.Exchange(ctx, c.Query("code"))
	if err != nil {
		h.respondError(c, http.StatusBadRequest, "Failed to exchange code", err)
		return
	}

	claims, err := h.login.VerifyIDToken(ctx, token)
	if err != nil {
		h.respondError(c, http.StatusBadRequest, "Failed to verify token", err)
		return
	}

	user, err := h.db.GetOrCreateUser(claims.Email, claims.Name)
	if err != nil {
		h.respondError(c, http.StatusInternalServerError, "Failed to create user", err)
		return
	}

	// Google only returns a refresh token on consent; keep the stored one otherwise.
	if err := h.db.UpdateUserRefreshToken(user.ID, token.RefreshToken); err != nil {
		h.respondError(c, http.StatusInternalServerError, "Failed to store credentials", err)
		return
	}

	sessionData := &auth.SessionData{
		UserID: user.ID,
		Email:  user.Email,
		Name:   user.Name,
	}
	if err := h.session.Set(c.Writer, c.Request, sessionData); err != nil {
		h.respondError(c, http.StatusInternalServerError, "Failed to create session", err)
		return
	}

	h.logger.Info("user signed in", "user_id", user.ID)

	redirectURL := "/"
	if cookie, err := c.Cookie(redirectCookie); err == nil && cookie != "" {
		if IsSafeRedirectURL(cookie) {
			redirectURL = cookie
		}
		c.SetCookie(redirectCookie, "", -1, "/", "", h.cfg.IsProduction(), true)
	}

	c.Redirect(http.StatusFound, redirectURL)
}

// Logout clears the session.
func (h *Handlers) Logout(c *gin.Context) {
	if err := h.session.Clear(c.Writer, c.Request); err != nil {
		h.respondError(c, http.StatusInternalServerError, "Failed to logout", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Logged out"})
}

// respondError logs err server-side and returns only message to the client.
func (h *Handlers) respondError(c *gin.Context, status int, message string, err error) {
	if err != nil {
		h.logger.Warn(message, "path", c.Request.URL.Path, "error", err)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": message})
}
