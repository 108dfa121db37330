// Package config provides environment and per-agent prompt configuration
// for the MAICE orchestrator, adapted from the teacher's env-expansion
// approach (pkg/config/env.go) but scoped to spec §6's Environment and
// Configuration contracts instead of a general agent-framework config tree.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the process-wide environment configuration: bus URL,
// repository URL, LLM provider credentials/model selectors, logging
// level and format, prompt directory, timeouts and retry defaults, the
// demo HTTP address, and metrics settings (spec §6 Environment).
type Config struct {
	BusURL        string
	RepositoryURL string
	LogLevel      string
	LogFormat     string

	LLM LLMConfig

	// PromptDir holds the per-agent prompt YAML files (spec §6 Configuration).
	PromptDir string

	// Phase timeouts and retry defaults (spec §5 Timeouts).
	RelayTimeout          time.Duration
	ClassifierLLMTimeout  time.Duration
	AnswerLLMTimeout      time.Duration
	ClarifierLLMTimeout   time.Duration
	ObserverLLMTimeout    time.Duration
	ChunkSendRetries      int
	ChunkSendBaseDelay    time.Duration
	ChunkSendMaxDelay     time.Duration
	MaxClarifications     int
	SlidingWindowNew      int
	SlidingWindowFollowUp int

	// HTTP front door (demo/dev server only, spec Non-goals — the real
	// front door is external).
	HTTPAddr string

	// Metrics (pkg/metrics).
	MetricsEnabled  bool
	MetricsEndpoint string
}

// LLMConfig names the provider and model selector per agent role, matching
// spec §6's "Configured per-agent" LLM provider contract.
type LLMConfig struct {
	ClassifierProvider string
	ClassifierModel    string
	ClarifierProvider  string
	ClarifierModel     string
	AnswerProvider     string
	AnswerModel        string
	ObserverProvider   string
	ObserverModel      string

	AnthropicAPIKey string
	OpenAIAPIKey    string
	GeminiAPIKey    string
	OllamaBaseURL   string
}

// Load loads .env files via LoadEnvFiles, then reads configuration from
// the environment; getEnv applies the teacher's ${VAR:-default}
// expansion rules to each string value it reads.
func Load() (*Config, error) {
	if err := LoadEnvFiles(); err != nil {
		return nil, fmt.Errorf("load env files: %w", err)
	}

	cfg := &Config{
		BusURL:        getEnv("MAICE_BUS_URL", "redis://localhost:6379/0"),
		RepositoryURL: getEnv("MAICE_REPOSITORY_URL", "postgres://localhost:5432/maice?sslmode=disable"),
		LogLevel:      getEnv("MAICE_LOG_LEVEL", "info"),
		LogFormat:     getEnv("MAICE_LOG_FORMAT", "simple"),
		PromptDir:     getEnv("MAICE_PROMPT_DIR", "./prompts"),

		RelayTimeout:          getEnvDuration("MAICE_RELAY_TIMEOUT", 120*time.Second),
		ClassifierLLMTimeout:  getEnvDuration("MAICE_CLASSIFIER_LLM_TIMEOUT", 300*time.Second),
		AnswerLLMTimeout:      getEnvDuration("MAICE_ANSWER_LLM_TIMEOUT", 60*time.Second),
		ClarifierLLMTimeout:   getEnvDuration("MAICE_CLARIFIER_LLM_TIMEOUT", 60*time.Second),
		ObserverLLMTimeout:    getEnvDuration("MAICE_OBSERVER_LLM_TIMEOUT", 60*time.Second),
		ChunkSendRetries:      getEnvInt("MAICE_CHUNK_SEND_RETRIES", 3),
		ChunkSendBaseDelay:    getEnvDuration("MAICE_CHUNK_SEND_BASE_DELAY", 100*time.Millisecond),
		ChunkSendMaxDelay:     getEnvDuration("MAICE_CHUNK_SEND_MAX_DELAY", 400*time.Millisecond),
		MaxClarifications:     getEnvInt("MAICE_MAX_CLARIFICATIONS", 3),
		SlidingWindowNew:      getEnvInt("MAICE_SLIDING_WINDOW_NEW", 20),
		SlidingWindowFollowUp: getEnvInt("MAICE_SLIDING_WINDOW_FOLLOWUP", 30),

		HTTPAddr: getEnv("MAICE_HTTP_ADDR", ":8080"),

		MetricsEnabled:  getEnvBool("MAICE_METRICS_ENABLED", true),
		MetricsEndpoint: getEnv("MAICE_METRICS_ENDPOINT", "/metrics"),

		LLM: LLMConfig{
			ClassifierProvider: getEnv("MAICE_CLASSIFIER_PROVIDER", "anthropic"),
			ClassifierModel:    getEnv("MAICE_CLASSIFIER_MODEL", "claude-haiku-4-5"),
			ClarifierProvider:  getEnv("MAICE_CLARIFIER_PROVIDER", "anthropic"),
			ClarifierModel:     getEnv("MAICE_CLARIFIER_MODEL", "claude-haiku-4-5"),
			AnswerProvider:     getEnv("MAICE_ANSWER_PROVIDER", "anthropic"),
			AnswerModel:        getEnv("MAICE_ANSWER_MODEL", "claude-sonnet-4-5"),
			ObserverProvider:   getEnv("MAICE_OBSERVER_PROVIDER", "anthropic"),
			ObserverModel:      getEnv("MAICE_OBSERVER_MODEL", "claude-haiku-4-5"),
			AnthropicAPIKey:    GetProviderAPIKey("anthropic"),
			OpenAIAPIKey:       GetProviderAPIKey("openai"),
			GeminiAPIKey:       GetProviderAPIKey("gemini"),
			OllamaBaseURL:      getEnv("OLLAMA_BASE_URL", "http://localhost:11434"),
		},
	}

	return cfg, nil
}

func getEnv(key, def string) string {
	v := expandEnvVars(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
