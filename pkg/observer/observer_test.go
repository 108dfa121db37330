package observer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maice-tutor/orchestrator/pkg/bus"
	"github.com/maice-tutor/orchestrator/pkg/llm"
	"github.com/maice-tutor/orchestrator/pkg/prompt"
	"github.com/maice-tutor/orchestrator/pkg/session"
)

func testConfig() *prompt.AgentConfig {
	return &prompt.AgentConfig{
		Templates: map[string]prompt.Template{
			"summarize_turn":        {System: "sum", User: "q={question} a={answer}"},
			"summarize_incremental": {System: "inc", User: "older={older_messages}"},
		},
	}
}

func TestObserver_GenerateSummary_EmitsLifecycleThenStructuredComplete(t *testing.T) {
	b := bus.NewMemory()
	fake := &llm.Fake{CallFunc: func(ctx context.Context, messages []llm.Message, opts llm.CallOptions) (llm.Result, error) {
		return llm.Result{Content: `{"title":"Arithmetic sequences","summary":"Explained the nth-term formula.","key_concepts":["arithmetic sequence"],"student_progress":"understands the formula"}`}, nil
	}}
	o := &Observer{Bus: b, LLM: fake, Config: testConfig(), Model: "test-model"}

	err := o.GenerateSummary(context.Background(), GenerateSummaryInput{
		SessionID: "s1", RequestID: "r1",
		Question: "what's the nth term formula", Answer: "a_n = a_1 + (n-1)d",
	})
	require.NoError(t, err)

	envs, err := b.Read(context.Background(), "s1", 10, 0)
	require.NoError(t, err)
	require.Len(t, envs, 3)
	assert.Equal(t, bus.TypeSummaryStart, envs[0].Type)
	assert.Equal(t, bus.TypeSummaryProgress, envs[1].Type)
	assert.Equal(t, bus.TypeSummaryComplete, envs[2].Type)

	var s Summary
	require.NoError(t, bus.UnmarshalPayload(envs[2].Get("summary"), &s))
	assert.Equal(t, "Arithmetic sequences", s.Title)
	assert.Equal(t, "Explained the nth-term formula.", s.Summary)
	assert.Equal(t, []string{"arithmetic sequence"}, s.KeyConcepts)
}

func TestObserver_GenerateSummary_TruncatesOverlongFields(t *testing.T) {
	b := bus.NewMemory()
	longTitle := ""
	for i := 0; i < 80; i++ {
		longTitle += "x"
	}
	longSummary := ""
	for i := 0; i < 600; i++ {
		longSummary += "y"
	}
	fake := &llm.Fake{CallFunc: func(ctx context.Context, messages []llm.Message, opts llm.CallOptions) (llm.Result, error) {
		payload, _ := bus.MarshalPayload(Summary{Title: longTitle, Summary: longSummary})
		return llm.Result{Content: payload}, nil
	}}
	o := &Observer{Bus: b, LLM: fake, Config: testConfig(), Model: "test-model"}

	err := o.GenerateSummary(context.Background(), GenerateSummaryInput{SessionID: "s1", RequestID: "r1"})
	require.NoError(t, err)

	envs, err := b.Read(context.Background(), "s1", 10, 0)
	require.NoError(t, err)
	var s Summary
	require.NoError(t, bus.UnmarshalPayload(envs[len(envs)-1].Get("summary"), &s))
	assert.LessOrEqual(t, len([]rune(s.Title)), MaxTitleLen)
	assert.LessOrEqual(t, len([]rune(s.Summary)), MaxSummaryLen)
	assert.Contains(t, s.Title, "…")
	assert.Contains(t, s.Summary, "…")
}

func TestObserver_UpdateSummary_PersistsDirectlyWithoutTouchingSessionStream(t *testing.T) {
	b := bus.NewMemory()
	repo := session.NewMemoryRepository()
	sid, err := repo.CreateSession(context.Background(), "u1", "how do derivatives work")
	require.NoError(t, err)

	fake := &llm.Fake{CallFunc: func(ctx context.Context, messages []llm.Message, opts llm.CallOptions) (llm.Result, error) {
		return llm.Result{Content: "Covered derivatives and the chain rule."}, nil
	}}
	o := &Observer{Bus: b, Repo: repo, LLM: fake, Config: testConfig(), Model: "test-model"}

	err = o.UpdateSummary(context.Background(), UpdateSummaryInput{
		SessionID:     itoa64(sid),
		OlderMessages: "student: what is a derivative\nmaice: the instantaneous rate of change",
	})
	require.NoError(t, err)

	sess, err := repo.GetSession(context.Background(), sid)
	require.NoError(t, err)
	require.NotNil(t, sess.ConversationSummary)
	assert.Equal(t, "Covered derivatives and the chain rule.", *sess.ConversationSummary)
	assert.NotNil(t, sess.LastSummaryAt)

	envs, err := b.Read(context.Background(), itoa64(sid), 10, 0)
	require.NoError(t, err)
	assert.Empty(t, envs, "incremental summarization never rides the session stream")
}

func TestObserver_Dispatch_RoutesByEnvelopeType(t *testing.T) {
	b := bus.NewMemory()
	repo := session.NewMemoryRepository()
	sid, err := repo.CreateSession(context.Background(), "u1", "q")
	require.NoError(t, err)

	fake := &llm.Fake{CallFunc: func(ctx context.Context, messages []llm.Message, opts llm.CallOptions) (llm.Result, error) {
		return llm.Result{Content: `{"title":"t","summary":"s"}`}, nil
	}}
	o := &Observer{Bus: b, Repo: repo, LLM: fake, Config: testConfig(), Model: "test-model"}

	olderPayload, err := bus.MarshalPayload(map[string]string{"messages": "student: hi"})
	require.NoError(t, err)
	o.dispatch(context.Background(), bus.Envelope{
		Type:      bus.TypeUpdateSummary,
		SessionID: itoa64(sid),
		Payload:   map[string]string{"older_messages": olderPayload},
	})

	sess, err := repo.GetSession(context.Background(), sid)
	require.NoError(t, err)
	require.NotNil(t, sess.ConversationSummary)
}

func itoa64(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	if neg {
		return "-" + string(digits)
	}
	return string(digits)
}
