// Package llm defines the provider-neutral chat client the core depends on,
// with OpenAI and Anthropic implementations and helpers for schema-validated
// JSON responses.
package llm

import (
	"context"
	"errors"
	"fmt"
)

// Role is a chat message role.
type Role string

// Chat roles.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one chat turn.
type Message struct {
	Role    Role
	Content string
}

// Request is a provider-neutral completion request.
type Request struct {
	System      string
	Messages    []Message
	MaxTokens   int
	Temperature float32
}

// Client is the pluggable LLM dependency. Implementations are shared across
// components and assumed internally concurrent.
type Client interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// ErrorKind classifies an LLM failure.
type ErrorKind string

// LLM error kinds.
const (
	KindTransient ErrorKind = "transient"
	KindSchema    ErrorKind = "schema"
	KindInternal  ErrorKind = "internal"
)

// Error is a classified LLM failure.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("llm %s: %v", e.Kind, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified LLM error.
func NewError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// KindOf extracts the error kind; unclassified failures are internal.
func KindOf(err error) ErrorKind {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	return KindInternal
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool { return KindOf(err) == KindTransient }
