package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/maestro-run/maestro/pkg/models"
	"github.com/maestro-run/maestro/pkg/store"
	"github.com/maestro-run/maestro/pkg/supervisor"
)

func contextWithTimeout(c *gin.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), d)
}

// CreateRun handles POST /api/runs: one supervisor turn. The response
// arrives when the turn settles or defers, whichever happens first.
func (s *Server) CreateRun(c *gin.Context) {
	var req supervisor.TurnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	resp, err := s.service.StartTurn(c.Request.Context(), req)
	if err != nil {
		s.logger.Error("turn failed", "owner_id", req.OwnerID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, resp)
}

// GetRun handles GET /api/runs/:id.
func (s *Server) GetRun(c *gin.Context) {
	run, err := s.store.Runs().Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, runView(run))
}

// CancelRun handles POST /api/runs/:id/cancel.
func (s *Server) CancelRun(c *gin.Context) {
	err := s.service.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusConflict, gin.H{"error": "run is not in a cancellable state"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": string(models.RunCancelled)})
}

// ListRunEvents handles GET /api/runs/:id/events?since=<id>&limit=<n>, the
// REST catch-up path mirroring the WebSocket catchup action.
func (s *Server) ListRunEvents(c *gin.Context) {
	runID := c.Param("id")
	sinceID := int64Query(c, "since", 0)
	limit := int(int64Query(c, "limit", 200))
	if limit <= 0 || limit > 500 {
		limit = 200
	}

	rootID, err := s.store.Runs().RootRunID(c.Request.Context(), runID)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	evts, err := s.store.Events().ListByRootRun(c.Request.Context(), rootID, sinceID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]gin.H, 0, len(evts))
	for _, e := range evts {
		out = append(out, gin.H{
			"id":        e.ID,
			"runId":     e.RunID,
			"type":      e.EventType,
			"payload":   json.RawMessage(e.Payload),
			"createdAt": e.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"events": out})
}

// ListRunJobs handles GET /api/runs/:id/jobs.
func (s *Server) ListRunJobs(c *gin.Context) {
	jobs, err := s.store.Jobs().ListBySupervisorRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]gin.H, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, jobView(j))
	}
	c.JSON(http.StatusOK, gin.H{"jobs": out})
}

// GetJob handles GET /api/jobs/:id.
func (s *Server) GetJob(c *gin.Context) {
	job, err := s.store.Jobs().Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, jobView(job))
}

// CancelJob handles POST /api/jobs/:id/cancel. The status flip makes queued
// jobs unclaimable; for a job running on this pod the processor's cancel
// registry stops it immediately, otherwise its owner observes the status on
// the next heartbeat.
func (s *Server) CancelJob(c *gin.Context) {
	jobID := c.Param("id")
	ctx := c.Request.Context()
	cancelled := false
	for _, from := range []models.JobStatus{models.JobCreated, models.JobQueued, models.JobRunning} {
		won, err := s.store.Jobs().CASStatus(ctx, jobID, from, models.JobCancelled)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if won {
			cancelled = true
			break
		}
	}
	if !cancelled {
		c.JSON(http.StatusConflict, gin.H{"error": "job is not in a cancellable state"})
		return
	}
	s.processor.CancelJob(jobID)
	c.JSON(http.StatusOK, gin.H{"status": string(models.JobCancelled)})
}

func respondStoreError(c *gin.Context, err error) {
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "resource not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

func int64Query(c *gin.Context, key string, def int64) int64 {
	v := c.Query(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func runView(r *models.Run) gin.H {
	view := gin.H{
		"id":        r.ID,
		"ownerId":   r.OwnerID,
		"threadId":  r.ThreadID,
		"agentId":   r.AgentID,
		"status":    string(r.Status),
		"model":     r.Model,
		"rootRunId": r.RootRunID,
		"traceId":   r.TraceID,
		"createdAt": r.CreatedAt,
	}
	if r.ContinuationOfRunID != "" {
		view["continuationOfRunId"] = r.ContinuationOfRunID
	}
	if r.Error != "" {
		view["error"] = r.Error
	}
	if r.FinishedAt != nil {
		view["finishedAt"] = r.FinishedAt
	}
	if r.DurationMs != nil {
		view["durationMs"] = *r.DurationMs
	}
	if r.TotalTokens != nil {
		view["totalTokens"] = *r.TotalTokens
	}
	return view
}

func jobView(j *models.WorkerJob) gin.H {
	view := gin.H{
		"id":              j.ID,
		"ownerId":         j.OwnerID,
		"supervisorRunId": j.SupervisorRunID,
		"status":          string(j.Status),
		"task":            j.Task,
		"createdAt":       j.CreatedAt,
	}
	if j.WorkerID != "" {
		view["workerId"] = j.WorkerID
	}
	if j.Error != "" {
		view["error"] = j.Error
	}
	if j.StartedAt != nil {
		view["startedAt"] = j.StartedAt
	}
	if j.FinishedAt != nil {
		view["finishedAt"] = j.FinishedAt
	}
	return view
}
