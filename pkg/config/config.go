// Package config loads the testpilot.yaml configuration: YAML parse, ${VAR}
// environment expansion, defaults, then validation.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the resolved runtime configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Browser   BrowserConfig   `yaml:"browser"`
	Run       RunConfig       `yaml:"run"`
	LLM       LLMConfig       `yaml:"llm"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Knowledge KnowledgeConfig `yaml:"knowledge"`
	Storage   StorageConfig   `yaml:"storage"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// BrowserConfig configures the driver backend.
type BrowserConfig struct {
	Headless           *bool `yaml:"headless"`
	MaxConcurrent      int   `yaml:"max_concurrent"`
	OperationTimeoutMs int   `yaml:"operation_timeout_ms"`
}

// RunConfig configures plan execution defaults.
type RunConfig struct {
	TimeoutMs      int64 `yaml:"timeout_ms"`
	MaxStepRetries *int  `yaml:"max_step_retries"`
	QueueHighWater int   `yaml:"queue_high_water"`
}

// LLMConfig selects and configures the model provider.
type LLMConfig struct {
	Provider  string `yaml:"provider"` // openai | anthropic | none
	Model     string `yaml:"model"`
	APIKey    string `yaml:"api_key"`
	MaxTokens int    `yaml:"max_tokens"`
}

// EmbeddingConfig configures the embedding client. Provider "hash" selects
// the deterministic local embedder (no API needed).
type EmbeddingConfig struct {
	Provider   string `yaml:"provider"` // openai | hash
	Model      string `yaml:"model"`
	APIKey     string `yaml:"api_key"`
	Dimensions int    `yaml:"dimensions"`
}

// KnowledgeConfig selects the vector store backend.
type KnowledgeConfig struct {
	Backend  string         `yaml:"backend"` // memory | postgres
	Postgres PostgresConfig `yaml:"postgres"`
}

// PostgresConfig carries pgvector connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
}

// StorageConfig anchors filesystem persistence.
type StorageConfig struct {
	Root string `yaml:"root"`
}

// Headless resolves the headless flag (default true).
func (c *BrowserConfig) HeadlessOrDefault() bool {
	if c.Headless == nil {
		return true
	}
	return *c.Headless
}

// OperationTimeout resolves the per-operation driver timeout.
func (c *BrowserConfig) OperationTimeout() time.Duration {
	if c.OperationTimeoutMs <= 0 {
		return 0
	}
	return time.Duration(c.OperationTimeoutMs) * time.Millisecond
}

// RunTimeout resolves the per-run deadline.
func (c *RunConfig) RunTimeout() time.Duration {
	if c.TimeoutMs <= 0 {
		return 0
	}
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// Load reads, expands, defaults and validates a configuration file. A
// missing file yields the pure defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else {
			data = ExpandEnv(data)
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Browser.MaxConcurrent == 0 {
		c.Browser.MaxConcurrent = 3
	}
	if c.Run.QueueHighWater == 0 {
		c.Run.QueueHighWater = 32
	}
	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.APIKey == "" {
		switch c.LLM.Provider {
		case "anthropic":
			c.LLM.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		case "openai":
			c.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
		}
	}
	if c.LLM.MaxTokens == 0 {
		c.LLM.MaxTokens = 2048
	}
	if c.Embedding.Provider == "" {
		c.Embedding.Provider = "openai"
	}
	if c.Embedding.APIKey == "" {
		c.Embedding.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if c.Embedding.Dimensions == 0 {
		c.Embedding.Dimensions = 1536
	}
	if c.Knowledge.Backend == "" {
		c.Knowledge.Backend = "memory"
	}
	if c.Knowledge.Backend == "postgres" {
		if c.Knowledge.Postgres.Port == 0 {
			c.Knowledge.Postgres.Port = 5432
		}
		if c.Knowledge.Postgres.SSLMode == "" {
			c.Knowledge.Postgres.SSLMode = "disable"
		}
	}
	if c.Storage.Root == "" {
		c.Storage.Root = "./data"
	}
}

// Validate rejects configurations the process cannot start with.
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case "openai", "anthropic":
		if c.LLM.APIKey == "" {
			return fmt.Errorf("llm provider %q requires an api key (llm.api_key or provider env var)", c.LLM.Provider)
		}
	case "none":
	default:
		return fmt.Errorf("unknown llm provider %q", c.LLM.Provider)
	}
	switch c.Embedding.Provider {
	case "openai":
		if c.Embedding.APIKey == "" {
			return fmt.Errorf("embedding provider openai requires an api key")
		}
	case "hash":
	default:
		return fmt.Errorf("unknown embedding provider %q", c.Embedding.Provider)
	}
	switch c.Knowledge.Backend {
	case "memory":
	case "postgres":
		if c.Knowledge.Postgres.Host == "" || c.Knowledge.Postgres.Database == "" {
			return fmt.Errorf("postgres knowledge backend requires host and database")
		}
	default:
		return fmt.Errorf("unknown knowledge backend %q", c.Knowledge.Backend)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Browser.MaxConcurrent <= 0 {
		return fmt.Errorf("browser.max_concurrent must be positive")
	}
	return nil
}
