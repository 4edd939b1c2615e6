// Package api exposes the HTTP surface: run and suite execution, knowledge
// queries, trigger CRUD, webhooks, live status and the websocket feed.
package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/testpilot-ai/testpilot/pkg/knowledge"
	"github.com/testpilot-ai/testpilot/pkg/orchestrator"
	"github.com/testpilot-ai/testpilot/pkg/storage"
)

// errorBody is the structured JSON error shape. No stack traces, no raw
// internals.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// abortError writes a mapped error response and stops the handler chain.
func abortError(c *gin.Context, err error) {
	status, code := mapError(err)
	if status == http.StatusInternalServerError {
		slog.Error("Unexpected handler error", "path", c.FullPath(), "error", err)
		c.AbortWithStatusJSON(status, errorBody{Code: code, Message: "internal server error"})
		return
	}
	c.AbortWithStatusJSON(status, errorBody{Code: code, Message: err.Error()})
}

func mapError(err error) (int, string) {
	switch {
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, knowledge.ErrNotFound),
		errors.Is(err, orchestrator.ErrRunNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, orchestrator.ErrQueueFull):
		return http.StatusTooManyRequests, "queue_full"
	case errors.Is(err, errAlreadyExists):
		return http.StatusConflict, "already_exists"
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return http.StatusBadRequest, "validation"
	}
	return http.StatusInternalServerError, "internal"
}

// ValidationError tags request-shape and domain-validation failures.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string { return e.Err.Error() }
func (e *ValidationError) Unwrap() error { return e.Err }

func validationError(err error) error { return &ValidationError{Err: err} }

// errAlreadyExists tags duplicate-creation conflicts.
var errAlreadyExists = errors.New("already exists")
