package llm

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// geminiProvider satisfies an agent configured with provider=gemini,
// via Google's official genai SDK (the teacher's own pkg/llms/gemini.go
// instead hand-rolls the REST payload over its httpclient; this adapter
// uses the SDK directly since the orchestrator's dependency surface is
// meant to exercise it rather than reimplement it).
type geminiProvider struct {
	client *genai.Client
}

// NewGemini builds a provider against the Gemini Developer API.
func NewGemini(ctx context.Context, apiKey string) (Provider, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("llm: gemini client: %w", err)
	}
	return &geminiProvider{client: client}, nil
}

func (p *geminiProvider) Name() string { return "gemini" }

func toGeminiContents(messages []Message) (system string, contents []*genai.Content) {
	for _, m := range messages {
		if m.Role == "system" {
			system = m.Content
			continue
		}
		role := genai.RoleUser
		if m.Role == "assistant" {
			role = genai.RoleModel
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{genai.NewPartFromText(m.Content)},
		})
	}
	return system, contents
}

func geminiConfig(system string, opts CallOptions) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if system != "" {
		cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	if opts.Temperature > 0 {
		t := float32(opts.Temperature)
		cfg.Temperature = &t
	}
	if opts.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(opts.MaxTokens)
	}
	if opts.JSONMode {
		cfg.ResponseMIMEType = "application/json"
	}
	return cfg
}

func (p *geminiProvider) Call(ctx context.Context, messages []Message, opts CallOptions) (Result, error) {
	system, contents := toGeminiContents(messages)
	cfg := geminiConfig(system, opts)

	resp, err := p.client.Models.GenerateContent(ctx, opts.Model, contents, cfg)
	if err != nil {
		return Result{}, fmt.Errorf("llm: gemini call: %w", err)
	}

	var inputTokens, outputTokens int
	if resp.UsageMetadata != nil {
		inputTokens = int(resp.UsageMetadata.PromptTokenCount)
		outputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}

	return Result{
		Content:      resp.Text(),
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
	}, nil
}

func (p *geminiProvider) Stream(ctx context.Context, messages []Message, opts CallOptions) (<-chan StreamChunk, error) {
	system, contents := toGeminiContents(messages)
	cfg := geminiConfig(system, opts)

	out := make(chan StreamChunk, 16)
	go func() {
		defer close(out)

		var outputTokens int
		for resp, err := range p.client.Models.GenerateContentStream(ctx, opts.Model, contents, cfg) {
			if err != nil {
				out <- StreamChunk{Err: fmt.Errorf("llm: gemini stream: %w", err)}
				return
			}
			if resp.UsageMetadata != nil {
				outputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
			}
			if text := resp.Text(); text != "" {
				out <- StreamChunk{Text: text}
			}
		}

		out <- StreamChunk{Done: true, Usage: Result{OutputTokens: outputTokens}}
	}()

	return out, nil
}
