package answerer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maice-tutor/orchestrator/pkg/bus"
	"github.com/maice-tutor/orchestrator/pkg/classifier"
	"github.com/maice-tutor/orchestrator/pkg/llm"
	"github.com/maice-tutor/orchestrator/pkg/prompt"
)

func testConfig() *prompt.AgentConfig {
	return &prompt.AgentConfig{
		Templates: map[string]prompt.Template{
			"answer_k1_factual":      {System: "answer", User: "q={question} ctx={context}"},
			"answer_k3_procedural":   {System: "answer", User: "q={question} ctx={context}"},
		},
	}
}

func TestAnswerer_Unanswerable_EmitsFixedRejectionNoLLMCall(t *testing.T) {
	b := bus.NewMemory()
	called := false
	fake := &llm.Fake{
		CallFunc:   func(ctx context.Context, messages []llm.Message, opts llm.CallOptions) (llm.Result, error) { called = true; return llm.Result{}, nil },
		StreamFunc: func(ctx context.Context, messages []llm.Message, opts llm.CallOptions) (<-chan llm.StreamChunk, error) { called = true; return nil, nil },
	}
	a := &Answerer{Bus: b, LLM: fake, Config: testConfig(), Model: "test-model"}

	err := a.Answer(context.Background(), Input{SessionID: "s1", RequestID: "r1", Question: "what's for dinner", Quality: classifier.QualityUnanswerable})
	require.NoError(t, err)
	assert.False(t, called, "unanswerable path must never call the LLM")

	envs, err := b.Read(context.Background(), "s1", 10, 0)
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, bus.TypeAnswerResult, envs[0].Type)
	assert.Contains(t, envs[0].Get("content"), "only answers math")
}

func TestAnswerer_ClarificationFailed_MentionsAttemptCount(t *testing.T) {
	b := bus.NewMemory()
	a := &Answerer{Bus: b, LLM: &llm.Fake{}, Config: testConfig(), Model: "test-model"}

	err := a.Answer(context.Background(), Input{
		SessionID: "s1", RequestID: "r1", Quality: classifier.QualityUnanswerable,
		UnanswerableReason: "clarification_failed", ClarificationCount: 3,
	})
	require.NoError(t, err)

	envs, err := b.Read(context.Background(), "s1", 10, 0)
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Contains(t, envs[0].Get("content"), "3 times")
}

func TestAnswerer_Answerable_StreamsChunksInOrderThenCompletes(t *testing.T) {
	b := bus.NewMemory()
	fake := &llm.Fake{StreamFunc: llm.StreamFromText([]string{"The ", "formula ", "is ", "a_n = a_1 + (n-1)d"})}
	a := &Answerer{Bus: b, LLM: fake, Config: testConfig(), Model: "test-model"}

	err := a.Answer(context.Background(), Input{SessionID: "s1", RequestID: "r1", Question: "formula?", KnowledgeCode: "K3", Quality: classifier.QualityAnswerable})
	require.NoError(t, err)

	envs, err := b.Read(context.Background(), "s1", 20, 0)
	require.NoError(t, err)

	var chunks []bus.Envelope
	var completes []bus.Envelope
	for _, e := range envs {
		switch e.Type {
		case bus.TypeStreamingChunk:
			chunks = append(chunks, e)
		case bus.TypeAnswerComplete:
			completes = append(completes, e)
		}
	}
	require.Len(t, chunks, 4)
	require.Len(t, completes, 1)

	var full string
	for i, c := range chunks {
		assert.Equal(t, itoa(i), c.Get("chunk_index"))
		full += c.Get("content")
		if i == len(chunks)-1 {
			assert.Equal(t, "true", c.Get("is_final"))
		} else {
			assert.Equal(t, "false", c.Get("is_final"))
		}
	}
	assert.Equal(t, "The formula is a_n = a_1 + (n-1)d", full)
	assert.Equal(t, full, completes[0].Get("full_response"))
}

func TestAnswerer_StreamError_IsFatal(t *testing.T) {
	b := bus.NewMemory()
	fake := &llm.Fake{StreamFunc: func(ctx context.Context, messages []llm.Message, opts llm.CallOptions) (<-chan llm.StreamChunk, error) {
		ch := make(chan llm.StreamChunk, 2)
		ch <- llm.StreamChunk{Text: "partial "}
		ch <- llm.StreamChunk{Err: assertErr}
		close(ch)
		return ch, nil
	}}
	a := &Answerer{Bus: b, LLM: fake, Config: testConfig(), Model: "test-model"}

	err := a.Answer(context.Background(), Input{SessionID: "s1", RequestID: "r1", Quality: classifier.QualityAnswerable, KnowledgeCode: "K1"})
	require.Error(t, err)
}

var assertErr = &fakeErr{"provider disconnected"}

type fakeErr struct{ msg string }

func (e *fakeErr) Error() string { return e.msg }

func itoa(i int) string {
	digits := "0123456789"
	if i < 10 {
		return string(digits[i])
	}
	return string(digits[i/10]) + string(digits[i%10])
}
