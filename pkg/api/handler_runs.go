package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/testpilot-ai/testpilot/pkg/executor"
	"github.com/testpilot-ai/testpilot/pkg/models"
)

// runOptionsRequest is the JSON shape of plan execution options. Pointer
// fields distinguish "absent" from zero so the platform defaults apply.
type runOptionsRequest struct {
	Headless             *bool  `json:"headless"`
	ContinueOnFailure    bool   `json:"continue_on_failure"`
	AutoHeal             *bool  `json:"auto_heal"`
	DefaultStepTimeoutMs int    `json:"default_step_timeout_ms"`
	MaxStepRetries       *int   `json:"max_step_retries"`
	TimeoutMs            int64  `json:"timeout_ms"`
	Browser              string `json:"browser"`
	TestType             string `json:"test_type"`
}

func (r *runOptionsRequest) toExecutor() executor.Options {
	opts := executor.DefaultOptions()
	if r == nil {
		return opts
	}
	if r.Headless != nil {
		opts.Headless = *r.Headless
	}
	opts.ContinueOnFailure = r.ContinueOnFailure
	if r.AutoHeal != nil {
		opts.AutoHeal = *r.AutoHeal
	}
	if r.DefaultStepTimeoutMs > 0 {
		opts.DefaultStepTimeout = time.Duration(r.DefaultStepTimeoutMs) * time.Millisecond
	}
	if r.MaxStepRetries != nil {
		opts.MaxStepRetries = *r.MaxStepRetries
	}
	if r.TimeoutMs > 0 {
		opts.RunTimeout = time.Duration(r.TimeoutMs) * time.Millisecond
	}
	opts.Browser = r.Browser
	opts.TestType = r.TestType
	return opts
}

type startRunRequest struct {
	Plan    models.Plan        `json:"plan"`
	Options *runOptionsRequest `json:"options"`
}

// handleStartRun launches a plan run asynchronously and returns its id.
func (s *Server) handleStartRun(c *gin.Context) {
	var req startRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, validationError(err))
		return
	}
	if err := req.Plan.Validate(); err != nil {
		abortError(c, validationError(err))
		return
	}
	runID, err := s.deps.Launcher.StartRun(&req.Plan, req.Options.toExecutor())
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"run_id": runID})
}

// handleGetRun returns a full run record, or its in-flight status.
func (s *Server) handleGetRun(c *gin.Context) {
	runID := c.Param("runId")
	run, done, err := s.deps.Launcher.Run(runID)
	if err == nil {
		if !done {
			c.JSON(http.StatusOK, gin.H{"run_id": runID, "status": "running"})
			return
		}
		c.JSON(http.StatusOK, run)
		return
	}
	if s.deps.Runs != nil {
		if stored, serr := s.deps.Runs.Run(c.Request.Context(), runID); serr == nil {
			c.JSON(http.StatusOK, stored)
			return
		}
	}
	abortError(c, err)
}

// handleListRuns lists stored runs, optionally filtered by plan id.
func (s *Server) handleListRuns(c *gin.Context) {
	if s.deps.Runs == nil {
		c.JSON(http.StatusOK, gin.H{"runs": []any{}})
		return
	}
	runs, err := s.deps.Runs.List(c.Request.Context(), c.Query("planId"))
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

// handleCancelRun cancels an in-flight run.
func (s *Server) handleCancelRun(c *gin.Context) {
	if err := s.deps.Launcher.Cancel(c.Param("runId")); err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "cancelling"})
}
