package llm

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// anthropicProvider is the default classifier/clarifier/answer/observer
// backend: the official SDK's Messages resource, used both for a
// single non-streamed call and for token streaming. CallOptions.JSONMode
// is not applied to the request.
type anthropicProvider struct {
	client anthropic.Client
}

// NewAnthropic builds a provider against the Anthropic Messages API.
func NewAnthropic(apiKey string) Provider {
	return &anthropicProvider{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
	}
}

func (p *anthropicProvider) Name() string { return "anthropic" }

func splitSystem(messages []Message) (system string, rest []Message) {
	for _, m := range messages {
		if m.Role == "system" {
			system = m.Content
			continue
		}
		rest = append(rest, m)
	}
	return system, rest
}

func toAnthropicParams(messages []Message, opts CallOptions) anthropic.MessageNewParams {
	system, rest := splitSystem(messages)

	msgs := make([]anthropic.MessageParam, 0, len(rest))
	for _, m := range rest {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == "assistant" {
			msgs = append(msgs, anthropic.NewAssistantMessage(block))
		} else {
			msgs = append(msgs, anthropic.NewUserMessage(block))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(opts.Model),
		MaxTokens: int64(opts.MaxTokens),
		Messages:  msgs,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if opts.Temperature > 0 {
		params.Temperature = anthropic.Float(opts.Temperature)
	}
	return params
}

func (p *anthropicProvider) Call(ctx context.Context, messages []Message, opts CallOptions) (Result, error) {
	params := toAnthropicParams(messages, opts)

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return Result{}, fmt.Errorf("llm: anthropic call: %w", err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	return Result{
		Content:      text,
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}, nil
}

func (p *anthropicProvider) Stream(ctx context.Context, messages []Message, opts CallOptions) (<-chan StreamChunk, error) {
	params := toAnthropicParams(messages, opts)

	out := make(chan StreamChunk, 16)
	go func() {
		defer close(out)

		stream := p.client.Messages.NewStreaming(ctx, params)
		var outputTokens int

		for stream.Next() {
			event := stream.Current()
			switch variant := event.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				if variant.Delta.Text != "" {
					out <- StreamChunk{Text: variant.Delta.Text}
				}
			case anthropic.MessageDeltaEvent:
				outputTokens = int(variant.Usage.OutputTokens)
			}
		}

		if err := stream.Err(); err != nil {
			out <- StreamChunk{Err: fmt.Errorf("llm: anthropic stream: %w", err)}
			return
		}

		out <- StreamChunk{Done: true, Usage: Result{OutputTokens: outputTokens}}
	}()

	return out, nil
}
