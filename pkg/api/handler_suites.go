package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/testpilot-ai/testpilot/pkg/models"
	"github.com/testpilot-ai/testpilot/pkg/orchestrator"
)

// suiteRunRequest is the JSON shape of suite orchestration options.
type suiteRunRequest struct {
	Mode                   string             `json:"mode"` // sequential | parallel
	MaxConcurrent          int                `json:"max_concurrent"`
	ContinueSuiteOnFailure *bool              `json:"continue_suite_on_failure"`
	PlanOptions            *runOptionsRequest `json:"plan_options"`
}

func (r *suiteRunRequest) toOrchestrator() orchestrator.Options {
	opts := orchestrator.DefaultOptions()
	if r == nil {
		return opts
	}
	if r.Mode != "" {
		opts.Mode = orchestrator.Mode(r.Mode)
	}
	if r.MaxConcurrent > 0 {
		opts.MaxConcurrent = r.MaxConcurrent
	}
	if r.ContinueSuiteOnFailure != nil {
		opts.ContinueSuiteOnFailure = *r.ContinueSuiteOnFailure
	}
	if r.PlanOptions != nil {
		opts.PlanOptions = r.PlanOptions.toExecutor()
	}
	return opts
}

// handleSaveSuite creates or replaces a suite definition.
func (s *Server) handleSaveSuite(c *gin.Context) {
	var suite models.Suite
	if err := c.ShouldBindJSON(&suite); err != nil {
		abortError(c, validationError(err))
		return
	}
	if err := suite.Validate(); err != nil {
		abortError(c, validationError(err))
		return
	}
	if err := s.deps.Suites.Save(c.Request.Context(), &suite); err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusCreated, suite)
}

// handleListSuites lists stored suites.
func (s *Server) handleListSuites(c *gin.Context) {
	suites, err := s.deps.Suites.List(c.Request.Context())
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"suites": suites})
}

// handleGetSuite returns one suite definition.
func (s *Server) handleGetSuite(c *gin.Context) {
	suite, err := s.deps.Suites.Suite(c.Request.Context(), c.Param("suiteId"))
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, suite)
}

// handleRunSuite enqueues a suite run and returns its id.
func (s *Server) handleRunSuite(c *gin.Context) {
	var req suiteRunRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			abortError(c, validationError(err))
			return
		}
	}
	mode := orchestrator.Mode(req.Mode)
	if req.Mode != "" && mode != orchestrator.ModeSequential && mode != orchestrator.ModeParallel {
		abortError(c, validationError(errUnknownMode(req.Mode)))
		return
	}
	suiteRunID, err := s.deps.Launcher.EnqueueSuite(c.Request.Context(), c.Param("suiteId"), req.toOrchestrator())
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"suite_run_id": suiteRunID})
}

// handleSuiteStatus returns the live snapshot; unknown suites report idle.
func (s *Server) handleSuiteStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Tracker.Snapshot(c.Param("suiteId")))
}

// handleSuiteRunResult returns a completed suite-run result.
func (s *Server) handleSuiteRunResult(c *gin.Context) {
	result, done, err := s.deps.Launcher.SuiteRun(c.Param("suiteRunId"))
	if err != nil {
		abortError(c, err)
		return
	}
	if !done {
		c.JSON(http.StatusOK, gin.H{"suite_run_id": c.Param("suiteRunId"), "status": "running"})
		return
	}
	c.JSON(http.StatusOK, result)
}

// handleCancelSuiteRun cancels an in-flight suite run.
func (s *Server) handleCancelSuiteRun(c *gin.Context) {
	if err := s.deps.Launcher.Cancel(c.Param("suiteRunId")); err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "cancelling"})
}

type errUnknownMode string

func (e errUnknownMode) Error() string { return "unknown suite run mode: " + string(e) }
