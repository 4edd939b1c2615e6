package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "testpilot.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.True(t, cfg.Browser.HeadlessOrDefault())
	assert.Equal(t, 3, cfg.Browser.MaxConcurrent)
	assert.Equal(t, 32, cfg.Run.QueueHighWater)
	assert.Equal(t, "openai", cfg.LLM.Provider)
	assert.Equal(t, "sk-test", cfg.LLM.APIKey, "key falls back to the provider env var")
	assert.Equal(t, 2048, cfg.LLM.MaxTokens)
	assert.Equal(t, 1536, cfg.Embedding.Dimensions)
	assert.Equal(t, "memory", cfg.Knowledge.Backend)
	assert.Equal(t, "./data", cfg.Storage.Root)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
browser:
  headless: false
  max_concurrent: 5
llm:
  provider: none
embedding:
  provider: hash
  dimensions: 256
run:
  timeout_ms: 120000
  max_step_retries: 0
storage:
  root: /var/lib/testpilot
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.False(t, cfg.Browser.HeadlessOrDefault())
	assert.Equal(t, 5, cfg.Browser.MaxConcurrent)
	assert.Equal(t, "hash", cfg.Embedding.Provider)
	assert.Equal(t, 256, cfg.Embedding.Dimensions)
	require.NotNil(t, cfg.Run.MaxStepRetries)
	assert.Zero(t, *cfg.Run.MaxStepRetries, "explicit zero retries survives defaulting")
	assert.Equal(t, int64(120000), cfg.Run.TimeoutMs)
	assert.Equal(t, "/var/lib/testpilot", cfg.Storage.Root)
}

func TestLoadExpandsEnvTemplates(t *testing.T) {
	t.Setenv("TP_TEST_LLM_KEY", "sk-from-env")
	path := writeConfig(t, `
llm:
  provider: anthropic
  api_key: "{{.TP_TEST_LLM_KEY}}"
embedding:
  provider: hash
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sk-from-env", cfg.LLM.APIKey)
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "unknown llm provider",
			yaml:    "llm:\n  provider: cohere\nembedding:\n  provider: hash\n",
			wantErr: "unknown llm provider",
		},
		{
			name:    "openai without key",
			yaml:    "llm:\n  provider: openai\nembedding:\n  provider: hash\n",
			wantErr: "requires an api key",
		},
		{
			name:    "unknown embedding provider",
			yaml:    "llm:\n  provider: none\nembedding:\n  provider: local\n",
			wantErr: "unknown embedding provider",
		},
		{
			name:    "unknown knowledge backend",
			yaml:    "llm:\n  provider: none\nembedding:\n  provider: hash\nknowledge:\n  backend: redis\n",
			wantErr: "unknown knowledge backend",
		},
		{
			name:    "postgres without host",
			yaml:    "llm:\n  provider: none\nembedding:\n  provider: hash\nknowledge:\n  backend: postgres\n",
			wantErr: "requires host and database",
		},
		{
			name:    "invalid port",
			yaml:    "server:\n  port: 70000\nllm:\n  provider: none\nembedding:\n  provider: hash\n",
			wantErr: "invalid server port",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("OPENAI_API_KEY", "")
			t.Setenv("ANTHROPIC_API_KEY", "")
			_, err := Load(writeConfig(t, tc.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestLoadPostgresDefaults(t *testing.T) {
	path := writeConfig(t, `
llm:
  provider: none
embedding:
  provider: hash
knowledge:
  backend: postgres
  postgres:
    host: localhost
    database: testpilot
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5432, cfg.Knowledge.Postgres.Port)
	assert.Equal(t, "disable", cfg.Knowledge.Postgres.SSLMode)
}

func TestExpandEnvLeavesPlainYAMLAlone(t *testing.T) {
	in := []byte("llm:\n  provider: none\n")
	assert.Equal(t, in, ExpandEnv(in))
}
