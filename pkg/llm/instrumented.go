package llm

import (
	"context"
	"time"

	"github.com/maice-tutor/orchestrator/pkg/metrics"
	"github.com/maice-tutor/orchestrator/pkg/orcherr"
)

// Instrumented wraps a Provider with Prometheus recording, so every
// agent's LLM traffic shows up under the same metric names regardless
// of which concrete provider backs it.
type Instrumented struct {
	Provider
	Metrics *metrics.Metrics
}

// WithMetrics wraps p for metrics recording. m may be nil (all
// recorders degrade to no-ops), so callers can wire this
// unconditionally.
func WithMetrics(p Provider, m *metrics.Metrics) Provider {
	return &Instrumented{Provider: p, Metrics: m}
}

func (i *Instrumented) Call(ctx context.Context, messages []Message, opts CallOptions) (Result, error) {
	start := time.Now()
	res, err := i.Provider.Call(ctx, messages, opts)
	i.Metrics.RecordLLMCall(opts.Model, i.Provider.Name(), false, time.Since(start))
	if err != nil {
		i.Metrics.RecordLLMError(opts.Model, i.Provider.Name(), kindLabel(err))
		return res, err
	}
	i.Metrics.RecordLLMTokens(opts.Model, i.Provider.Name(), res.InputTokens, res.OutputTokens)
	return res, nil
}

func (i *Instrumented) Stream(ctx context.Context, messages []Message, opts CallOptions) (<-chan StreamChunk, error) {
	start := time.Now()
	ch, err := i.Provider.Stream(ctx, messages, opts)
	if err != nil {
		i.Metrics.RecordLLMCall(opts.Model, i.Provider.Name(), true, time.Since(start))
		i.Metrics.RecordLLMError(opts.Model, i.Provider.Name(), kindLabel(err))
		return nil, err
	}

	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		for chunk := range ch {
			out <- chunk
			if chunk.Done {
				i.Metrics.RecordLLMCall(opts.Model, i.Provider.Name(), true, time.Since(start))
				i.Metrics.RecordLLMTokens(opts.Model, i.Provider.Name(), chunk.Usage.InputTokens, chunk.Usage.OutputTokens)
			}
			if chunk.Err != nil {
				i.Metrics.RecordLLMCall(opts.Model, i.Provider.Name(), true, time.Since(start))
				i.Metrics.RecordLLMError(opts.Model, i.Provider.Name(), kindLabel(chunk.Err))
			}
		}
	}()
	return out, nil
}

func kindLabel(err error) string {
	if k, ok := orcherr.KindOf(err); ok {
		return string(k)
	}
	return "unknown"
}
