package llm

import "context"

// Fake is an in-memory Provider used by agent package tests so they
// never make real network calls. CallFunc/StreamFunc default to
// returning empty, successful results if left nil.
type Fake struct {
	CallFunc   func(ctx context.Context, messages []Message, opts CallOptions) (Result, error)
	StreamFunc func(ctx context.Context, messages []Message, opts CallOptions) (<-chan StreamChunk, error)
	NameValue  string
}

func (f *Fake) Name() string {
	if f.NameValue != "" {
		return f.NameValue
	}
	return "fake"
}

func (f *Fake) Call(ctx context.Context, messages []Message, opts CallOptions) (Result, error) {
	if f.CallFunc != nil {
		return f.CallFunc(ctx, messages, opts)
	}
	return Result{}, nil
}

func (f *Fake) Stream(ctx context.Context, messages []Message, opts CallOptions) (<-chan StreamChunk, error) {
	if f.StreamFunc != nil {
		return f.StreamFunc(ctx, messages, opts)
	}
	ch := make(chan StreamChunk, 1)
	ch <- StreamChunk{Done: true}
	close(ch)
	return ch, nil
}

// StreamFromText returns a StreamFunc that emits text split into
// word-sized chunks, useful for tests asserting chunk_index/is_final behavior.
func StreamFromText(words []string) func(ctx context.Context, messages []Message, opts CallOptions) (<-chan StreamChunk, error) {
	return func(ctx context.Context, messages []Message, opts CallOptions) (<-chan StreamChunk, error) {
		ch := make(chan StreamChunk, len(words)+1)
		for _, w := range words {
			ch <- StreamChunk{Text: w}
		}
		ch <- StreamChunk{Done: true}
		close(ch)
		return ch, nil
	}
}
