package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/testpilot-ai/testpilot/pkg/models"
	"github.com/testpilot-ai/testpilot/pkg/storage"
)

// handleCreateTrigger creates a trigger definition; existing ids conflict.
func (s *Server) handleCreateTrigger(c *gin.Context) {
	var trigger models.Trigger
	if err := c.ShouldBindJSON(&trigger); err != nil {
		abortError(c, validationError(err))
		return
	}
	if err := trigger.Validate(); err != nil {
		abortError(c, validationError(err))
		return
	}
	if _, err := s.deps.Triggers.Trigger(c.Request.Context(), trigger.ID); err == nil {
		abortError(c, fmt.Errorf("trigger %s: %w", trigger.ID, errAlreadyExists))
		return
	} else if !errors.Is(err, storage.ErrNotFound) {
		abortError(c, err)
		return
	}
	if err := s.deps.Triggers.Save(c.Request.Context(), &trigger); err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusCreated, trigger)
}

// handleListTriggers lists trigger definitions.
func (s *Server) handleListTriggers(c *gin.Context) {
	triggers, err := s.deps.Triggers.List(c.Request.Context())
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"triggers": triggers})
}

// handleGetTrigger returns one trigger definition.
func (s *Server) handleGetTrigger(c *gin.Context) {
	trigger, err := s.deps.Triggers.Trigger(c.Request.Context(), c.Param("triggerId"))
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, trigger)
}

// handleUpdateTrigger replaces an existing trigger definition.
func (s *Server) handleUpdateTrigger(c *gin.Context) {
	id := c.Param("triggerId")
	if _, err := s.deps.Triggers.Trigger(c.Request.Context(), id); err != nil {
		abortError(c, err)
		return
	}
	var trigger models.Trigger
	if err := c.ShouldBindJSON(&trigger); err != nil {
		abortError(c, validationError(err))
		return
	}
	trigger.ID = id
	if err := trigger.Validate(); err != nil {
		abortError(c, validationError(err))
		return
	}
	if err := s.deps.Triggers.Save(c.Request.Context(), &trigger); err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, trigger)
}

// handleDeleteTrigger removes a trigger definition.
func (s *Server) handleDeleteTrigger(c *gin.Context) {
	if err := s.deps.Triggers.Delete(c.Request.Context(), c.Param("triggerId")); err != nil {
		abortError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleFireTrigger fires a trigger manually.
func (s *Server) handleFireTrigger(c *gin.Context) {
	exec, err := s.deps.Dispatcher.Manual(c.Request.Context(), c.Param("triggerId"))
	if err != nil {
		abortError(c, err)
		return
	}
	status := http.StatusAccepted
	if exec.Status == models.ExecutionRejected {
		if exec.Reason == "queue_full" {
			status = http.StatusTooManyRequests
		} else {
			status = http.StatusConflict
		}
	}
	c.JSON(status, exec)
}

// handleTriggerExecutions returns the dispatch history of a trigger.
func (s *Server) handleTriggerExecutions(c *gin.Context) {
	id := c.Param("triggerId")
	if _, err := s.deps.Triggers.Trigger(c.Request.Context(), id); err != nil {
		abortError(c, err)
		return
	}
	execs, err := s.deps.Triggers.Executions(c.Request.Context(), id)
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"executions": execs})
}

// webhookRequest is the provider-neutral VCS event shape. Provider-specific
// payload parsing happens upstream; this endpoint accepts the normalised
// form.
type webhookRequest struct {
	Branch        string   `json:"branch"`
	CommitSha     string   `json:"commit_sha"`
	ChangedFiles  []string `json:"changed_files"`
	CommitMessage string   `json:"commit_message"`
}

// handleWebhook normalises a webhook into a VCS event and forwards it to the
// dispatcher. Responds 429 when every matching trigger was rejected for a
// full queue, 409 when every match was a duplicate.
func (s *Server) handleWebhook(c *gin.Context) {
	var req webhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, validationError(err))
		return
	}
	if req.Branch == "" {
		abortError(c, validationError(fmt.Errorf("branch is required")))
		return
	}

	execs := s.deps.Dispatcher.VCSEvent(c.Request.Context(), models.VCSEvent{
		Provider:      c.Param("provider"),
		Branch:        req.Branch,
		CommitSha:     req.CommitSha,
		ChangedFiles:  req.ChangedFiles,
		CommitMessage: req.CommitMessage,
	})

	status := http.StatusAccepted
	if len(execs) > 0 {
		allDuplicate, allQueueFull := true, true
		for _, exec := range execs {
			if exec.Status != models.ExecutionDuplicate {
				allDuplicate = false
			}
			if exec.Status != models.ExecutionRejected || exec.Reason != "queue_full" {
				allQueueFull = false
			}
		}
		if allDuplicate {
			status = http.StatusConflict
		} else if allQueueFull {
			status = http.StatusTooManyRequests
		}
	}
	c.JSON(status, gin.H{"executions": execs})
}
