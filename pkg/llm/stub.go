package llm

import (
	"context"
	"sync"
)

// ScriptedClient replays canned responses in order. Shared by tests across
// the resolver, analyser and impact packages.
type ScriptedClient struct {
	mu        sync.Mutex
	responses []string
	err       error
	calls     []Request
}

// NewScriptedClient creates a client that returns the given responses in
// order, repeating the last one when exhausted.
func NewScriptedClient(responses ...string) *ScriptedClient {
	return &ScriptedClient{responses: responses}
}

// Fail makes every Complete call return err.
func (c *ScriptedClient) Fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

// Complete implements Client.
func (c *ScriptedClient) Complete(_ context.Context, req Request) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, req)
	if c.err != nil {
		return "", c.err
	}
	if len(c.responses) == 0 {
		return "", NewError(KindInternal, errNoScript)
	}
	resp := c.responses[0]
	if len(c.responses) > 1 {
		c.responses = c.responses[1:]
	}
	return resp, nil
}

// Calls returns a copy of the recorded requests.
func (c *ScriptedClient) Calls() []Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Request(nil), c.calls...)
}

// CallCount returns how many times Complete was invoked.
func (c *ScriptedClient) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

var errNoScript = &scriptErr{}

type scriptErr struct{}

func (*scriptErr) Error() string { return "scripted client has no responses" }
