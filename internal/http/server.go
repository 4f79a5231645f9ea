// Package http carries the HTTP surface of the orchestration core. The
// routes are a thin translation layer over PipelineService; no pipeline
// logic lives here.
package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	pkgerrors "github.com/atelierhq/helix/internal/pkg/errors"
	"github.com/atelierhq/helix/internal/pkg/logger"
	"github.com/atelierhq/helix/internal/service"
)

type Server struct {
	log *logger.Logger
	svc *service.PipelineService
}

func NewServer(svc *service.PipelineService, baseLog *logger.Logger) *Server {
	return &Server{
		log: baseLog.With("component", "HTTPServer"),
		svc: svc,
	}
}

func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := router.Group("/v1")
	{
		v1.POST("/jobs", s.submitJob)
		v1.GET("/jobs/:id", s.getJob)
		v1.GET("/jobs/:id/events", s.listJobEvents)
		v1.POST("/jobs/:id/cancel", s.cancelJob)
		v1.GET("/tasks/:id", s.getTask)
		v1.GET("/tasks/:id/artifacts/:name", s.getArtifact)
	}
	return router
}

func (s *Server) submitJob(c *gin.Context) {
	var req service.SubmitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	job, err := s.svc.SubmitJob(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"job_id": job.ID, "status": job.Status})
}

func (s *Server) getJob(c *gin.Context) {
	id, ok := s.parseID(c)
	if !ok {
		return
	}
	view, err := s.svc.GetJob(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) listJobEvents(c *gin.Context) {
	id, ok := s.parseID(c)
	if !ok {
		return
	}
	events, err := s.svc.ListJobEvents(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (s *Server) cancelJob(c *gin.Context) {
	id, ok := s.parseID(c)
	if !ok {
		return
	}
	if err := s.svc.CancelJob(c.Request.Context(), id); err != nil {
		if errors.Is(err, pkgerrors.ErrNotInProgress) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job_id": id, "status": "cancelled"})
}

func (s *Server) getTask(c *gin.Context) {
	id, ok := s.parseID(c)
	if !ok {
		return
	}
	task, err := s.svc.GetTask(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) getArtifact(c *gin.Context) {
	id, ok := s.parseID(c)
	if !ok {
		return
	}
	artifact, err := s.svc.GetArtifact(c.Request.Context(), id, c.Param("name"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, artifact)
}

func (s *Server) parseID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) fail(c *gin.Context, err error) {
	if errors.Is(err, pkgerrors.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	s.log.Error("Request failed", "path", c.FullPath(), "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
