package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{
			name: "bare object",
			raw:  `{"a": 1}`,
			want: `{"a": 1}`,
		},
		{
			name: "markdown fence",
			raw:  "```json\n{\"a\": 1}\n```",
			want: `{"a": 1}`,
		},
		{
			name: "fence without language tag",
			raw:  "```\n{\"a\": 1}\n```",
			want: `{"a": 1}`,
		},
		{
			name: "surrounding prose",
			raw:  `Sure, here is the result: {"a": 1} hope that helps!`,
			want: `{"a": 1}`,
		},
		{
			name: "nested objects",
			raw:  `{"outer": {"inner": 2}} trailing`,
			want: `{"outer": {"inner": 2}}`,
		},
		{
			name: "braces inside strings ignored",
			raw:  `{"text": "a } b { c"}`,
			want: `{"text": "a } b { c"}`,
		},
		{
			name:    "no object",
			raw:     "I cannot answer that.",
			wantErr: true,
		},
		{
			name:    "unbalanced",
			raw:     `{"a": {"b": 1}`,
			wantErr: true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ExtractJSON(tc.raw)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

var testSchema = MustCompileSchema(`{
	"type": "object",
	"required": ["name", "score"],
	"properties": {
		"name": {"type": "string"},
		"score": {"type": "number", "minimum": 0, "maximum": 1}
	}
}`)

func TestDecodeValidated(t *testing.T) {
	var out struct {
		Name  string  `json:"name"`
		Score float64 `json:"score"`
	}
	err := DecodeValidated(`Result: {"name": "login", "score": 0.8}`, testSchema, &out)
	require.NoError(t, err)
	assert.Equal(t, "login", out.Name)
	assert.Equal(t, 0.8, out.Score)
}

func TestDecodeValidatedTagsSchemaErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "prose only", raw: "no object here"},
		{name: "malformed", raw: `{"name": `},
		{name: "missing field", raw: `{"name": "login"}`},
		{name: "out of range", raw: `{"name": "login", "score": 3}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var out map[string]any
			err := DecodeValidated(tc.raw, testSchema, &out)
			require.Error(t, err)
			assert.Equal(t, KindSchema, KindOf(err))
		})
	}
}

func TestScriptedClientReplay(t *testing.T) {
	c := NewScriptedClient("first", "second")
	ctx := context.Background()

	for _, want := range []string{"first", "second", "second"} {
		got, err := c.Complete(ctx, Request{})
		require.NoError(t, err)
		assert.Equal(t, want, got, "last response repeats when exhausted")
	}
	assert.Equal(t, 3, c.CallCount())
}

func TestScriptedClientFail(t *testing.T) {
	c := NewScriptedClient("unused")
	boom := NewError(KindTransient, errors.New("rate limited"))
	c.Fail(boom)

	_, err := c.Complete(context.Background(), Request{})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Len(t, c.Calls(), 1, "failed calls are still recorded")
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindSchema, KindOf(NewError(KindSchema, errors.New("bad"))))
	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))
}

// flakyClient fails transiently n times, then succeeds.
type flakyClient struct {
	failures int
	calls    int
}

func (c *flakyClient) Complete(_ context.Context, _ Request) (string, error) {
	c.calls++
	if c.calls <= c.failures {
		return "", NewError(KindTransient, errors.New("overloaded"))
	}
	return "ok", nil
}

func TestWithRetryRecoversFromTransientFailures(t *testing.T) {
	inner := &flakyClient{failures: 2}
	c := WithRetry(inner, 2)

	got, err := c.Complete(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, inner.calls)
}

func TestWithRetryDoesNotRetrySchemaErrors(t *testing.T) {
	c := NewScriptedClient("unused")
	c.Fail(NewError(KindSchema, errors.New("invalid response")))

	_, err := WithRetry(c, 3).Complete(context.Background(), Request{})
	require.Error(t, err)
	assert.Equal(t, 1, c.CallCount(), "permanent errors stop the retry loop")
}
