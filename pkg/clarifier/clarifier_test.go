package clarifier

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
			"seed_clarification":   {System: "seed", User: "code={knowledge_code} fields={missing_fields}"},
			"evaluate_clarification": {System: "eval", User: "q={original_question} a={current_answer} hist={history}"},
		},
	}
}

func TestClarifier_OnNeedClarification_UsesSeedQuestionFromClassifier(t *testing.T) {
	b := bus.NewMemory()
	c := New(b, &llm.Fake{}, testConfig(), "test-model", 0, 0)

	err := c.OnNeedClarification(context.Background(), NeedClarificationInput{
		SessionID: "s1", RequestID: "r1",
		Question: "how do I solve this",
		Result:   classifier.Result{KnowledgeCode: "K3", MissingFields: []string{"grade_level"}, ClarificationQuestions: []string{"What grade level are you in?"}},
	})
	require.NoError(t, err)

	envs, err := b.Read(context.Background(), "s1", 10, 0)
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, bus.TypeClarificationQuestion, envs[0].Type)
	assert.Equal(t, "What grade level are you in?", envs[0].Get("message"))
	assert.Equal(t, "1", envs[0].Get("question_index"))
}

func TestClarifier_ProcessClarification_PassHandsOffToAnswer(t *testing.T) {
	b := bus.NewMemory()
	fake := &llm.Fake{CallFunc: func(ctx context.Context, messages []llm.Message, opts llm.CallOptions) (llm.Result, error) {
		return llm.Result{Content: `{"evaluation":"PASS","confidence":0.9,"reasoning":"enough detail now","missing_field_coverage":["grade_level"]}`}, nil
	}}
	c := New(b, fake, testConfig(), "test-model", 0, 3)

	require.NoError(t, c.OnNeedClarification(context.Background(), NeedClarificationInput{
		SessionID: "s1", RequestID: "r1",
		Question: "how do I solve this",
		Result:   classifier.Result{KnowledgeCode: "K3", MissingFields: []string{"grade_level"}, ClarificationQuestions: []string{"seed?"}},
	}))

	ch, err := b.Subscribe(context.Background(), "Answer")
	require.NoError(t, err)

	err = c.ProcessClarification(context.Background(), ProcessClarificationInput{
		SessionID: "s1", RequestID: "r1", Answer: "I'm in 10th grade",
		History: []Exchange{{Question: "seed?", Answer: "I'm in 10th grade"}},
	})
	require.NoError(t, err)

	select {
	case env := <-ch:
		assert.Equal(t, bus.TypeGenerateAnswer, env.Type)
		assert.Equal(t, string(classifier.QualityAnswerable), env.Get("quality"))
	default:
		t.Fatal("expected a generate_answer broadcast")
	}

	_, ok := c.get("s1")
	assert.False(t, ok, "clarification session should be destroyed after PASS")
}

func TestClarifier_ProcessClarification_GivesUpAfterMaxClarifications(t *testing.T) {
	b := bus.NewMemory()
	fake := &llm.Fake{CallFunc: func(ctx context.Context, messages []llm.Message, opts llm.CallOptions) (llm.Result, error) {
		return llm.Result{Content: `{"evaluation":"NEED_MORE","reasoning":"still vague"}`}, nil
	}}
	c := New(b, fake, testConfig(), "test-model", 0, 1)

	require.NoError(t, c.OnNeedClarification(context.Background(), NeedClarificationInput{
		SessionID: "s1", RequestID: "r1", Question: "how?", Result: classifier.Result{ClarificationQuestions: []string{"seed?"}},
	}))

	ch, err := b.Subscribe(context.Background(), "Answer")
	require.NoError(t, err)

	err = c.ProcessClarification(context.Background(), ProcessClarificationInput{
		SessionID: "s1", RequestID: "r1", Answer: "not sure",
		History: []Exchange{{Question: "seed?", Answer: "not sure"}},
	})
	require.NoError(t, err)

	select {
	case env := <-ch:
		assert.Equal(t, bus.TypeReadyForAnswer, env.Type)
		assert.Equal(t, string(classifier.QualityUnanswerable), env.Get("quality"))
		assert.Equal(t, "clarification_failed", env.Get("unanswerable_reason"))
	default:
		t.Fatal("expected a ready_for_answer broadcast")
	}

	_, ok := c.get("s1")
	assert.False(t, ok, "clarification session should be destroyed after giving up")
}

func TestClarifier_ProcessClarification_NeedMoreUnderLimitAsksAgain(t *testing.T) {
	b := bus.NewMemory()
	fake := &llm.Fake{CallFunc: func(ctx context.Context, messages []llm.Message, opts llm.CallOptions) (llm.Result, error) {
		next := "What unit are you working in?"
		return llm.Result{Content: `{"evaluation":"NEED_MORE","next_clarification":"` + next + `"}`}, nil
	}}
	c := New(b, fake, testConfig(), "test-model", 0, 3)

	require.NoError(t, c.OnNeedClarification(context.Background(), NeedClarificationInput{
		SessionID: "s1", RequestID: "r1", Question: "how?", Result: classifier.Result{ClarificationQuestions: []string{"seed?"}},
	}))

	err := c.ProcessClarification(context.Background(), ProcessClarificationInput{
		SessionID: "s1", RequestID: "r1", Answer: "vague",
		History: []Exchange{{Question: "seed?", Answer: "vague"}},
	})
	require.NoError(t, err)

	envs, err := b.Read(context.Background(), "s1", 10, 0)
	require.NoError(t, err)
	require.Len(t, envs, 2)
	assert.Equal(t, bus.TypeClarificationQuestion, envs[1].Type)
	assert.Equal(t, "2", envs[1].Get("question_index"))

	sess, ok := c.get("s1")
	require.True(t, ok)
	assert.Equal(t, 2, sess.ClarificationCount)
}
