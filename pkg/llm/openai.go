package llm

import (
	"context"
	"fmt"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// openaiProvider satisfies the classifier/answer/observer slots when
// an agent is configured with provider=openai.
type openaiProvider struct {
	client openai.Client
}

// NewOpenAI builds a provider against the Chat Completions API.
func NewOpenAI(apiKey string) Provider {
	return &openaiProvider{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
	}
}

func (p *openaiProvider) Name() string { return "openai" }

func toOpenAIParams(messages []Message, opts CallOptions) openai.ChatCompletionNewParams {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case "system":
			msgs = append(msgs, openai.SystemMessage(m.Content))
		case "assistant":
			msgs = append(msgs, openai.AssistantMessage(m.Content))
		default:
			msgs = append(msgs, openai.UserMessage(m.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(opts.Model),
		Messages: msgs,
	}
	if opts.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(opts.MaxTokens))
	}
	if opts.Temperature > 0 {
		params.Temperature = openai.Float(opts.Temperature)
	}
	if opts.JSONMode {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &openai.ResponseFormatJSONObjectParam{},
		}
	}
	return params
}

func (p *openaiProvider) Call(ctx context.Context, messages []Message, opts CallOptions) (Result, error) {
	params := toOpenAIParams(messages, opts)

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return Result{}, fmt.Errorf("llm: openai call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Result{}, fmt.Errorf("llm: openai call: empty choices")
	}

	return Result{
		Content:      resp.Choices[0].Message.Content,
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
	}, nil
}

func (p *openaiProvider) Stream(ctx context.Context, messages []Message, opts CallOptions) (<-chan StreamChunk, error) {
	params := toOpenAIParams(messages, opts)

	out := make(chan StreamChunk, 16)
	go func() {
		defer close(out)

		stream := p.client.Chat.Completions.NewStreaming(ctx, params)
		var outputTokens int

		for stream.Next() {
			chunk := stream.Current()
			if chunk.Usage.CompletionTokens > 0 {
				outputTokens = int(chunk.Usage.CompletionTokens)
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Delta.Content
			out <- StreamChunk{Text: delta}
		}

		if err := stream.Err(); err != nil {
			out <- StreamChunk{Err: fmt.Errorf("llm: openai stream: %w", err)}
			return
		}

		out <- StreamChunk{Done: true, Usage: Result{OutputTokens: outputTokens}}
	}()

	return out, nil
}
