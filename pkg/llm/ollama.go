package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/maice-tutor/orchestrator/pkg/httpclient"
)

// ollamaProvider satisfies the "local" provider slot from spec §6 by
// talking to an Ollama-compatible /api/chat endpoint, grounded on the
// teacher's pkg/llms/ollama.go request/response shape (streamed NDJSON
// objects terminated by one with done=true) but issued through the
// retrying pkg/httpclient instead of a raw *http.Client.
type ollamaProvider struct {
	baseURL    string
	httpClient *httpclient.Client
}

// NewOllama builds a provider against an Ollama server at baseURL.
func NewOllama(baseURL string) Provider {
	return &ollamaProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: httpclient.New(
			httpclient.WithMaxRetries(3),
			httpclient.WithBaseDelay(200*time.Millisecond),
		),
	}
}

func (p *ollamaProvider) Name() string { return "ollama" }

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   string          `json:"format,omitempty"`
	Options  ollamaOptions   `json:"options,omitempty"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaResponse struct {
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
	Error           string        `json:"error,omitempty"`
}

func toOllamaRequest(messages []Message, opts CallOptions, stream bool) ollamaRequest {
	msgs := make([]ollamaMessage, 0, len(messages))
	for _, m := range messages {
		msgs = append(msgs, ollamaMessage{Role: m.Role, Content: m.Content})
	}
	req := ollamaRequest{
		Model:    opts.Model,
		Messages: msgs,
		Stream:   stream,
		Options: ollamaOptions{
			Temperature: opts.Temperature,
			NumPredict:  opts.MaxTokens,
		},
	}
	if opts.JSONMode {
		req.Format = "json"
	}
	return req
}

func (p *ollamaProvider) do(ctx context.Context, body ollamaRequest) (*http.Response, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("llm: ollama encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("llm: ollama build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return p.httpClient.Do(httpReq)
}

func (p *ollamaProvider) Call(ctx context.Context, messages []Message, opts CallOptions) (Result, error) {
	resp, err := p.do(ctx, toOllamaRequest(messages, opts, false))
	if err != nil {
		return Result{}, fmt.Errorf("llm: ollama call: %w", err)
	}
	defer resp.Body.Close()

	var out ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("llm: ollama decode response: %w", err)
	}
	if out.Error != "" {
		return Result{}, fmt.Errorf("llm: ollama error: %s", out.Error)
	}

	return Result{
		Content:      out.Message.Content,
		InputTokens:  out.PromptEvalCount,
		OutputTokens: out.EvalCount,
	}, nil
}

func (p *ollamaProvider) Stream(ctx context.Context, messages []Message, opts CallOptions) (<-chan StreamChunk, error) {
	resp, err := p.do(ctx, toOllamaRequest(messages, opts, true))
	if err != nil {
		return nil, fmt.Errorf("llm: ollama stream: %w", err)
	}

	out := make(chan StreamChunk, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		var outputTokens int
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			var chunk ollamaResponse
			if err := json.Unmarshal([]byte(line), &chunk); err != nil {
				out <- StreamChunk{Err: fmt.Errorf("llm: ollama decode chunk: %w", err)}
				return
			}
			if chunk.Error != "" {
				out <- StreamChunk{Err: fmt.Errorf("llm: ollama error: %s", chunk.Error)}
				return
			}
			if chunk.Message.Content != "" {
				out <- StreamChunk{Text: chunk.Message.Content}
			}
			if chunk.Done {
				outputTokens = chunk.EvalCount
				break
			}
		}
		if err := scanner.Err(); err != nil {
			out <- StreamChunk{Err: fmt.Errorf("llm: ollama stream read: %w", err)}
			return
		}
		out <- StreamChunk{Done: true, Usage: Result{OutputTokens: outputTokens}}
	}()

	return out, nil
}
