package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yourorg/convoy/internal/domain"
	"github.com/yourorg/convoy/internal/queue"
	"github.com/yourorg/convoy/internal/store"
)

type jobRequest struct {
	Image             string            `json:"image" binding:"required"`
	Command           []string          `json:"command"`
	Env               map[string]string `json:"env"`
	MemoryMB          int               `json:"memory_mb"`
	CPUMillis         int               `json:"cpu_millis"`
	TimeoutSeconds    int               `json:"timeout_seconds"`
	PreferredExecutor string            `json:"preferred_executor"`
	Category          string            `json:"category"`
	Tier              string            `json:"tier"`
	MaxRetries        int               `json:"max_retries"`

	// Queue submits the job in the same request instead of leaving it
	// pending for a later queue call.
	Queue        bool       `json:"queue"`
	ScheduledFor *time.Time `json:"scheduled_for"`
}

func (r *jobRequest) spec() queue.JobSpec {
	return queue.JobSpec{
		Image:             r.Image,
		Command:           r.Command,
		Env:               r.Env,
		MemoryMB:          r.MemoryMB,
		CPUMillis:         r.CPUMillis,
		TimeoutSeconds:    r.TimeoutSeconds,
		PreferredExecutor: domain.ExecutorType(r.PreferredExecutor),
		Category:          r.Category,
		Tier:              r.Tier,
		MaxRetries:        r.MaxRetries,
	}
}

// jobView is the wire shape of a job. The domain struct stays free of
// serialization concerns.
type jobView struct {
	ID                string            `json:"id"`
	Image             string            `json:"image"`
	Command           []string          `json:"command,omitempty"`
	Env               map[string]string `json:"env,omitempty"`
	MemoryMB          int               `json:"memory_mb"`
	CPUMillis         int               `json:"cpu_millis"`
	TimeoutSeconds    int               `json:"timeout_seconds"`
	PreferredExecutor string            `json:"preferred_executor,omitempty"`
	Category          string            `json:"category,omitempty"`
	Tier              string            `json:"tier,omitempty"`
	Status            string            `json:"status"`
	QueuedAt          *time.Time        `json:"queued_at,omitempty"`
	ScheduledFor      *time.Time        `json:"scheduled_for,omitempty"`
	LaunchedAt        *time.Time        `json:"launched_at,omitempty"`
	RetryCount        int               `json:"retry_count"`
	MaxRetries        int               `json:"max_retries"`
	ExecutionID       *string           `json:"execution_id,omitempty"`
	ExecutorType      string            `json:"executor_type,omitempty"`
	ExecutorHostID    string            `json:"executor_host_id,omitempty"`
	RoutingReason     string            `json:"routing_reason,omitempty"`
	ExitCode          *int              `json:"exit_code,omitempty"`
	LastError         *string           `json:"last_error,omitempty"`
	CancelRequestedAt *time.Time        `json:"cancel_requested_at,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
	StartedAt         *time.Time        `json:"started_at,omitempty"`
	FinishedAt        *time.Time        `json:"finished_at,omitempty"`
}

func viewOf(j *domain.Job) jobView {
	return jobView{
		ID:                j.ID.String(),
		Image:             j.Image,
		Command:           j.Command,
		Env:               j.Env,
		MemoryMB:          j.MemoryMB,
		CPUMillis:         j.CPUMillis,
		TimeoutSeconds:    j.TimeoutSeconds,
		PreferredExecutor: string(j.PreferredExecutor),
		Category:          j.Category,
		Tier:              j.Tier,
		Status:            string(j.Status),
		QueuedAt:          j.QueuedAt,
		ScheduledFor:      j.ScheduledFor,
		LaunchedAt:        j.LaunchedAt,
		RetryCount:        j.RetryCount,
		MaxRetries:        j.MaxRetries,
		ExecutionID:       j.ExecutionID,
		ExecutorType:      string(j.ExecutorType),
		ExecutorHostID:    j.ExecutorHostID,
		RoutingReason:     j.RoutingReason,
		ExitCode:          j.ExitCode,
		LastError:         j.LastError,
		CancelRequestedAt: j.CancelRequestedAt,
		CreatedAt:         j.CreatedAt,
		UpdatedAt:         j.UpdatedAt,
		StartedAt:         j.StartedAt,
		FinishedAt:        j.FinishedAt,
	}
}

func (s *Server) createJob(c *gin.Context) {
	var req jobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}

	job, err := queue.CreateJob(c.Request.Context(), s.store, req.spec())
	if err != nil {
		var verr *queue.ValidationError
		if errors.As(err, &verr) {
			c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error()})
			return
		}
		s.logger.Error("create job failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create job"})
		return
	}

	if req.Queue {
		if _, err := queue.QueueJob(c.Request.Context(), s.store, job.ID, req.ScheduledFor); err != nil {
			s.logger.Error("queue job failed", "job_id", job.ID, "err", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "job created but queueing failed"})
			return
		}
		job, err = s.store.GetJob(c.Request.Context(), job.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load job"})
			return
		}
	}

	s.logger.Info("job created", "job_id", job.ID, "image", job.Image, "queued", req.Queue)
	c.JSON(http.StatusCreated, viewOf(job))
}

func (s *Server) getJob(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}
	job, err := s.store.GetJob(c.Request.Context(), id)
	if err != nil {
		jobError(c, s, id, err, "get job")
		return
	}
	c.JSON(http.StatusOK, viewOf(job))
}

func (s *Server) listJobs(c *gin.Context) {
	f := store.JobFilter{Limit: 100}

	if raw := c.Query("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			f.Statuses = append(f.Statuses, domain.JobStatus(strings.TrimSpace(part)))
		}
	}
	f.ExecutorType = domain.ExecutorType(c.Query("executor_type"))
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		f.Limit = n
	}
	if raw := c.Query("created_after"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "created_after must be RFC3339"})
			return
		}
		f.CreatedAfter = &t
	}
	if raw := c.Query("created_before"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "created_before must be RFC3339"})
			return
		}
		f.CreatedBefore = &t
	}

	jobs, err := s.store.ListJobs(c.Request.Context(), f)
	if err != nil {
		s.logger.Error("list jobs failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list jobs"})
		return
	}

	views := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, viewOf(j))
	}
	c.JSON(http.StatusOK, gin.H{"jobs": views, "count": len(views)})
}

type scheduleRequest struct {
	ScheduledFor *time.Time `json:"scheduled_for"`
}

func (s *Server) queueJob(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}
	var req scheduleRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
			return
		}
	}

	applied, err := queue.QueueJob(c.Request.Context(), s.store, id, req.ScheduledFor)
	if err != nil {
		jobError(c, s, id, err, "queue job")
		return
	}
	if !applied {
		c.JSON(http.StatusConflict, gin.H{"error": "job is not pending"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "queued"})
}

func (s *Server) requeueJob(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}
	var req scheduleRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
			return
		}
	}

	applied, err := queue.RequeueJob(c.Request.Context(), s.store, id, req.ScheduledFor)
	if err != nil {
		jobError(c, s, id, err, "requeue job")
		return
	}
	if !applied {
		c.JSON(http.StatusConflict, gin.H{"error": "job is not requeueable"})
		return
	}
	s.logger.Info("job requeued", "job_id", id)
	c.JSON(http.StatusOK, gin.H{"status": "queued"})
}

func (s *Server) cancelJob(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}
	outcome, err := queue.CancelJob(c.Request.Context(), s.store, id)
	if err != nil {
		jobError(c, s, id, err, "cancel job")
		return
	}
	if !outcome.Found {
		c.JSON(http.StatusConflict, gin.H{"error": "job cannot be cancelled from its current status"})
		return
	}
	if outcome.Immediate {
		c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "cancel_requested"})
}

func (s *Server) getJobLogs(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}
	tail := 0
	if raw := c.Query("tail"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "tail must be a non-negative integer"})
			return
		}
		tail = n
	}

	job, err := s.store.GetJob(c.Request.Context(), id)
	if err != nil {
		jobError(c, s, id, err, "get job logs")
		return
	}

	// Live fetch while the execution is active; the harvested copy after.
	logs := job.Logs
	if job.Status == domain.StatusRunning && job.ExecutionID != nil {
		adapter, aerr := s.reg.Get(c.Request.Context(), job.ExecutorType, job.ExecutorHostID)
		if aerr == nil {
			if live, lerr := adapter.GetLogs(c.Request.Context(), *job.ExecutionID, tail); lerr == nil {
				logs = live
			} else {
				s.logger.Warn("live log fetch failed", "job_id", id, "err", lerr)
			}
		}
	}

	c.JSON(http.StatusOK, gin.H{"job_id": id.String(), "status": string(job.Status), "logs": logs})
}

func (s *Server) getCapacity(c *gin.Context) {
	execType := domain.ExecutorType(c.Param("type"))
	cap, err := s.reg.CapacityOf(c.Request.Context(), execType)
	if err != nil {
		s.logger.Error("capacity lookup failed", "executor_type", execType, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to compute capacity"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"executor_type": string(execType),
		"total":         cap.Total,
		"used":          cap.Used,
		"available":     cap.Available,
	})
}

func parseJobID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return uuid.Nil, false
	}
	return id, true
}

func jobError(c *gin.Context, s *Server, id uuid.UUID, err error, op string) {
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	s.logger.Error(op+" failed", "job_id", id, "err", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
