package llm

import (
	"context"
	"fmt"

	"github.com/maice-tutor/orchestrator/pkg/config"
)

// New builds the Provider named by providerType, reading credentials
// from cfg (spec §6: "Configured per-agent").
func New(ctx context.Context, providerType string, cfg config.LLMConfig) (Provider, error) {
	switch providerType {
	case "anthropic":
		return NewAnthropic(cfg.AnthropicAPIKey), nil
	case "openai":
		return NewOpenAI(cfg.OpenAIAPIKey), nil
	case "gemini":
		return NewGemini(ctx, cfg.GeminiAPIKey)
	case "ollama":
		return NewOllama(cfg.OllamaBaseURL), nil
	default:
		return nil, fmt.Errorf("llm: unsupported provider %q", providerType)
	}
}
