package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yourorg/convoy/internal/bulk"
	"github.com/yourorg/convoy/internal/domain"
)

type bulkCreateRequest struct {
	jobRequest
	Count int `json:"count" binding:"required,min=1"`
}

type bulkStatusRequest struct {
	JobIDs []string `json:"job_ids" binding:"required,min=1"`
	Status string   `json:"status" binding:"required"`
	Reason string   `json:"reason"`
}

type bulkMigrateRequest struct {
	JobIDs     []string `json:"job_ids" binding:"required,min=1"`
	TargetHost string   `json:"target_host" binding:"required"`
}

type opErrorView struct {
	JobID string `json:"job_id,omitempty"`
	Index int    `json:"index,omitempty"`
	Error string `json:"error"`
}

func opErrorViews(errs []bulk.OpError) []opErrorView {
	views := make([]opErrorView, 0, len(errs))
	for _, e := range errs {
		v := opErrorView{Index: e.Index, Error: e.Err.Error()}
		if e.JobID != uuid.Nil {
			v.JobID = e.JobID.String()
		}
		views = append(views, v)
	}
	return views
}

func parseJobIDs(c *gin.Context, raw []string) ([]uuid.UUID, bool) {
	ids := make([]uuid.UUID, 0, len(raw))
	for _, r := range raw {
		id, err := uuid.Parse(r)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id " + r})
			return nil, false
		}
		ids = append(ids, id)
	}
	return ids, true
}

func (s *Server) bulkCreate(c *gin.Context) {
	var req bulkCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}

	jobs, errs := s.bulk.CreateMany(c.Request.Context(), req.spec(), req.Count)
	views := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, viewOf(j))
	}

	status := http.StatusCreated
	if len(jobs) == 0 {
		status = http.StatusBadRequest
	}
	c.JSON(status, gin.H{
		"created": len(jobs),
		"jobs":    views,
		"errors":  opErrorViews(errs),
	})
}

func (s *Server) bulkStatus(c *gin.Context) {
	var req bulkStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}
	ids, ok := parseJobIDs(c, req.JobIDs)
	if !ok {
		return
	}

	updated, errs := s.bulk.BulkUpdateStatus(c.Request.Context(), ids, domain.JobStatus(req.Status), req.Reason)
	c.JSON(http.StatusOK, gin.H{
		"updated": updated,
		"errors":  opErrorViews(errs),
	})
}

func (s *Server) bulkMigrate(c *gin.Context) {
	var req bulkMigrateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}
	ids, ok := parseJobIDs(c, req.JobIDs)
	if !ok {
		return
	}

	migrated, errs := s.bulk.Migrate(c.Request.Context(), ids, req.TargetHost)
	c.JSON(http.StatusOK, gin.H{
		"migrated": migrated,
		"errors":   opErrorViews(errs),
	})
}
