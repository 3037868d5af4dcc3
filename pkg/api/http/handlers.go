package http

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/aescanero/dagrun/pkg/domain"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const maxTriggerBody = 1 << 20

// ExecutionResponse is returned when a run is submitted
type ExecutionResponse struct {
	WorkflowID string `json:"workflow_id"`
	JobID      string `json:"job_id"`
	Status     string `json:"status"`
}

// StopResponse is returned when a run is stopped
type StopResponse struct {
	WorkflowID   string `json:"workflow_id"`
	Acknowledged bool   `json:"acknowledged"`
}

// JobResponse describes a workflow's latest job
type JobResponse struct {
	*domain.Job
	Active bool `json:"active"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail represents error details
type ErrorDetail struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func abort(c *gin.Context, status int, code, message string) {
	c.JSON(status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// writeError maps the error taxonomy onto HTTP statuses
func (s *Server) writeError(c *gin.Context, err error) {
	var (
		ve *domain.ValidationError
		re *domain.ResourceError
		de *domain.DispatchError
	)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		abort(c, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, domain.ErrAlreadyRunning):
		abort(c, http.StatusConflict, "ALREADY_RUNNING", err.Error())
	case errors.As(err, &ve):
		abort(c, http.StatusUnprocessableEntity, "INVALID_WORKFLOW", err.Error())
	case errors.As(err, &re):
		abort(c, http.StatusServiceUnavailable, "SANDBOX_UNAVAILABLE", err.Error())
	case errors.As(err, &de):
		abort(c, http.StatusBadGateway, "DISPATCH_FAILED", err.Error())
	default:
		s.logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
		abort(c, http.StatusInternalServerError, "INTERNAL", err.Error())
	}
}

// handleHealth handles health check requests
func (s *Server) handleHealth(c *gin.Context) {
	checks := gin.H{"orchestrator": "ok"}
	status := http.StatusOK
	if s.health != nil {
		pool := s.health.GetStatus()
		checks["workers"] = pool
		if !pool.Healthy {
			status = http.StatusServiceUnavailable
		}
	}

	health := "healthy"
	if status != http.StatusOK {
		health = "unhealthy"
	}
	c.JSON(status, gin.H{
		"status":    health,
		"timestamp": time.Now().UTC(),
		"checks":    checks,
	})
}

// handleStartExecution submits a background run
func (s *Server) handleStartExecution(c *gin.Context) {
	workflowID := c.Param("id")

	jobID, err := s.controller.StartExecution(c.Request.Context(), workflowID)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, ExecutionResponse{
		WorkflowID: workflowID,
		JobID:      jobID,
		Status:     string(domain.JobStatusPending),
	})
}

// handleStopExecution stops a run, waiting up to ?timeout= for the
// owner's acknowledgement
func (s *Server) handleStopExecution(c *gin.Context) {
	workflowID := c.Param("id")

	timeout := s.stopTimeout
	if raw := c.Query("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			abort(c, http.StatusBadRequest, "INVALID_REQUEST", "timeout must be a duration such as 5s")
			return
		}
		timeout = d
	}

	acked, err := s.controller.StopExecution(c.Request.Context(), workflowID, timeout)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, StopResponse{WorkflowID: workflowID, Acknowledged: acked})
}

// handleGetJob returns the latest job of a workflow
func (s *Server) handleGetJob(c *gin.Context) {
	job, err := s.controller.GetTaskStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, JobResponse{Job: job, Active: job.Status.IsActive()})
}

// handleGetState returns the shared execution state. A workflow that
// never ran reports the idle state.
func (s *Server) handleGetState(c *gin.Context) {
	state, err := s.reader.GetFullState(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, state)
}

// handleGetResources returns the most recent resource samples, oldest
// first, limited by ?limit=
func (s *Server) handleGetResources(c *gin.Context) {
	if s.samples == nil {
		abort(c, http.StatusServiceUnavailable, "MONITOR_NOT_AVAILABLE", "resource monitoring is not configured")
		return
	}

	limit := s.maxSamples
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			abort(c, http.StatusBadRequest, "INVALID_REQUEST", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	workflowID := c.Param("id")
	samples, err := s.samples.Samples(c.Request.Context(), workflowID, limit)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"workflow_id": workflowID,
		"samples":     samples,
	})
}

// handleExecuteNode runs one node in the workflow's dev sandbox
func (s *Server) handleExecuteNode(c *gin.Context) {
	if s.nodes == nil {
		abort(c, http.StatusServiceUnavailable, "SANDBOX_NOT_AVAILABLE", "on-demand execution is not configured")
		return
	}

	result, err := s.nodes.ExecuteNode(c.Request.Context(), c.Param("id"), c.Param("node_id"))
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// handleGetSandbox inspects the workflow's run and dev sandboxes
func (s *Server) handleGetSandbox(c *gin.Context) {
	if s.sandboxes == nil {
		abort(c, http.StatusServiceUnavailable, "SANDBOX_NOT_AVAILABLE", "sandbox runtime is not configured")
		return
	}

	workflowID := c.Param("id")
	found := make([]*domain.SandboxHandle, 0, 2)
	for _, name := range []string{domain.SandboxName(workflowID), domain.DevSandboxName(workflowID)} {
		handle, err := s.sandboxes.Status(c.Request.Context(), name)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			s.writeError(c, err)
			return
		}
		found = append(found, handle)
	}

	c.JSON(http.StatusOK, gin.H{
		"workflow_id": workflowID,
		"sandboxes":   found,
	})
}

// handleTeardownSandbox removes the workflow's dev sandbox, or its run
// sandbox with ?which=run
func (s *Server) handleTeardownSandbox(c *gin.Context) {
	if s.sandboxes == nil {
		abort(c, http.StatusServiceUnavailable, "SANDBOX_NOT_AVAILABLE", "sandbox runtime is not configured")
		return
	}

	workflowID := c.Param("id")
	name := domain.DevSandboxName(workflowID)
	switch c.DefaultQuery("which", "dev") {
	case "dev":
	case "run":
		name = domain.SandboxName(workflowID)
	default:
		abort(c, http.StatusBadRequest, "INVALID_REQUEST", "which must be dev or run")
		return
	}

	if err := s.sandboxes.Teardown(c.Request.Context(), name); err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"workflow_id": workflowID,
		"sandbox":     name,
		"removed":     true,
	})
}

// handleTrigger publishes the request body on the trigger's topic. Nobody
// waiting means the payload is dropped.
func (s *Server) handleTrigger(c *gin.Context) {
	triggerID := c.Param("id")

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxTriggerBody))
	if err != nil {
		abort(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if len(body) == 0 {
		body = []byte("{}")
	}

	if err := s.broker.Publish(c.Request.Context(), domain.TriggerTopic(triggerID), body); err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"trigger_id": triggerID,
		"published":  true,
	})
}
