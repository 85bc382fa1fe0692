package web

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/macjediwizard/calendarsync/internal/auth"
)

// SetupRoutes configures all application routes.
func SetupRoutes(r *gin.Engine, h *Handlers) {
	sm := h.session

	// Health endpoint (no auth, no rate limit)
	r.GET("/health", h.HealthCheck)

	// Auth endpoints with rate limiting to prevent brute force attacks
	authGroup := r.Group("/auth")
	authGroup.Use(RateLimiter(5, 10))
	{
		authGroup.GET("/login", h.Login)
		authGroup.GET("/callback", h.Callback)
		authGroup.POST("/logout", ValidateOrigin(h.allowedOrigins()), h.Logout)
	}

	apiRateLimiter := RateLimiter(h.cfg.RateLimiting.RPS, h.cfg.RateLimiting.Burst)

	publicAPI := r.Group("/api")
	publicAPI.Use(apiRateLimiter, auth.OptionalAuth(sm))
	{
		publicAPI.GET("/auth/status", h.APIAuthStatus)
	}

	protectedAPI := r.Group("/api")
	protectedAPI.Use(
		apiRateLimiter,
		auth.RequireAuth(sm),
		ValidateOrigin(h.allowedOrigins()),
		auth.ValidateCSRF(sm),
		RequireJSONContentType(),
	)
	{
		protectedAPI.POST("/auth/logout", h.Logout)
		protectedAPI.GET("/syncs", h.APIListSyncs)
		protectedAPI.GET("/syncs/:id", h.APIGetSync)
		protectedAPI.PUT("/syncs/:id", h.APIUpdateSync)
		protectedAPI.DELETE("/syncs/:id", h.APIDeleteSync)
		protectedAPI.GET("/syncs/:id/logs", h.APIGetSyncLogs)
		protectedAPI.GET("/activity", h.APIActivity)
	}

	// Calls that reach Google or fetch feeds get a stricter limit
	expensiveAPI := r.Group("/api")
	expensiveAPI.Use(
		RateLimiter(2, 5),
		auth.RequireAuth(sm),
		ValidateOrigin(h.allowedOrigins()),
		auth.ValidateCSRF(sm),
		RequireJSONContentType(),
	)
	{
		expensiveAPI.POST("/syncs", h.APICreateSync)
		expensiveAPI.POST("/syncs/:id/run", h.APIRunSync)
		expensiveAPI.GET("/calendars", h.APIListCalendars)
	}

	tasks := r.Group("/tasks")
	tasks.Use(auth.RequireTaskToken(h.tasks), RequireJSONContentType())
	{
		tasks.POST("/sync_one", h.TaskSyncOne)
		tasks.POST("/sync_all", h.TaskSyncAll)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	})
}

func (h *Handlers) allowedOrigins() []string {
	return AllowedOrigins(h.cfg.Server.BaseURL, h.cfg.IsDevelopment())
}

// NewRouter builds the gin engine with the global middleware and all routes.
func NewRouter(h *Handlers) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(h.logger), SecurityHeaders())
	SetupRoutes(r, h)
	return r
}
