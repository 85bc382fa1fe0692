package web

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/macjediwizard/calendarsync/internal/calsync"
	"github.com/macjediwizard/calendarsync/internal/db"
	"github.com/macjediwizard/calendarsync/internal/scheduler"
)

// TaskSyncOneRequest is the body of POST /tasks/sync_one.
type TaskSyncOneRequest struct {
	SyncID string `json:"sync_id" binding:"required"`
}

// TaskSyncOne runs one sync for an external scheduler. Any failure answers
// 500 so the caller retries; a run already in progress counts as done.
func (h *Handlers) TaskSyncOne(c *gin.Context) {
	var req TaskSyncOneRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.SyncID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sync_id is required"})
		return
	}

	report, err := h.scheduler.RunNow(c.Request.Context(), strings.TrimSpace(req.SyncID), scheduler.TriggerTask)
	switch {
	case errors.Is(err, scheduler.ErrAlreadyRunning):
		c.JSON(http.StatusOK, gin.H{"status": "skipped", "message": "Sync is already running"})
		return
	case errors.Is(err, calsync.ErrConfigNotFound):
		h.respondError(c, http.StatusNotFound, "Sync not found", err)
		return
	case err != nil:
		h.respondError(c, http.StatusInternalServerError, "Sync failed", err)
		return
	}

	status := db.SyncStatusSuccess
	if report.Partial() {
		status = db.SyncStatusPartial
	}
	c.JSON(http.StatusOK, gin.H{"status": status, "message": report.Summary()})
}

// TaskSyncAll runs every sync through the scheduler's bounded executor.
func (h *Handlers) TaskSyncAll(c *gin.Context) {
	result, err := h.scheduler.DispatchAll(c.Request.Context(), scheduler.TriggerTask)
	if err != nil {
		h.respondError(c, http.StatusInternalServerError, "Dispatch failed", err)
		return
	}
	c.JSON(http.StatusOK, result)
}
