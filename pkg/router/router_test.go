package router

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maice-tutor/orchestrator/pkg/bus"
	"github.com/maice-tutor/orchestrator/pkg/contextassembler"
	"github.com/maice-tutor/orchestrator/pkg/session"
)

func TestInferRole(t *testing.T) {
	assert.Equal(t, RoleClarificationResponse, inferRole(session.StageClarification, session.TypeMaiceClarificationAsk))
	assert.Equal(t, RoleFollowUpQuestion, inferRole(session.StageReadyForNewQuestion, session.TypeMaiceAnswer))
	assert.Equal(t, RoleNewQuestion, inferRole(session.StageInitial, ""))
}

func newTestRouter(b bus.Bus, repo session.Repository) *Router {
	assembler, err := contextassembler.New(repo, b, "")
	if err != nil {
		panic(err)
	}
	r := New(b, repo, assembler)
	r.PhaseTimeout = 300 * time.Millisecond
	r.ReadBlockMS = 5
	return r
}

func TestRouter_NewQuestion_AssemblesContextAndPublishesClassify(t *testing.T) {
	b := bus.NewMemory()
	repo := session.NewMemoryRepository()
	r := newTestRouter(b, repo)

	ch, err := r.Bus.Subscribe(context.Background(), "Classifier")
	require.NoError(t, err)

	out, err := r.HandleUtterance(context.Background(), UtteranceInput{UserID: "u1", Text: "what is a derivative"})
	require.NoError(t, err)

	select {
	case ev := <-ch:
		assert.Equal(t, bus.TypeClassifyQuestion, ev.Type)
		assert.Equal(t, "what is a derivative", ev.Get("question"))
		assert.Equal(t, "true", ev.Get("is_new_question"))
	case <-time.After(time.Second):
		t.Fatal("expected classify_question to be published")
	}

	select {
	case ev := <-out:
		assert.Equal(t, "session_info", ev.Type)
	case <-time.After(time.Second):
		t.Fatal("expected session_info for a brand-new session")
	}
	// The relay loop itself is left to time out in the background since
	// nothing ever answers the classify_question on the session stream.
}

func TestRouter_ClarificationResponse_ReconstructsHistoryAndPublishesProcessClarification(t *testing.T) {
	b := bus.NewMemory()
	repo := session.NewMemoryRepository()
	sid, err := repo.CreateSession(context.Background(), "u1", "what is x")
	require.NoError(t, err)
	stage := session.StageClarification
	lmt := session.TypeMaiceClarificationAsk
	require.NoError(t, repo.UpdateSessionState(context.Background(), sid, session.SessionStateUpdate{CurrentStage: &stage, LastMessageType: &lmt}))
	_, err = repo.SaveMaiceMessage(context.Background(), sid, "", "which x do you mean?", session.TypeMaiceClarificationAsk, nil, "r0")
	require.NoError(t, err)

	r := newTestRouter(b, repo)
	ch, err := r.Bus.Subscribe(context.Background(), "Clarifier")
	require.NoError(t, err)

	sidStr := itoa64(sid)
	_, err = r.HandleUtterance(context.Background(), UtteranceInput{SessionID: sidStr, UserID: "u1", Text: "x in the equation 2x=4"})
	require.NoError(t, err)

	select {
	case ev := <-ch:
		assert.Equal(t, bus.TypeProcessClarification, ev.Type)
		assert.Equal(t, "x in the equation 2x=4", ev.Get("answer"))
		var history []clarificationExchange
		require.NoError(t, bus.UnmarshalPayload(ev.Get("history"), &history))
		require.Len(t, history, 1)
		assert.Equal(t, "which x do you mean?", history[0].Question)
	case <-time.After(time.Second):
		t.Fatal("expected process_clarification to be published")
	}
}

func TestRouter_RelayLoop_ClarificationQuestionIsTerminal(t *testing.T) {
	b := bus.NewMemory()
	repo := session.NewMemoryRepository()
	sid, err := repo.CreateSession(context.Background(), "u1", "what is x")
	require.NoError(t, err)
	r := newTestRouter(b, repo)

	sidStr := itoa64(sid)
	requestID := "req-1"
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = b.Send(context.Background(), bus.Envelope{
			Type: bus.TypeClarificationQuestion, SessionID: sidStr, RequestID: requestID,
			Payload: map[string]string{"message": "which x?", "question_index": "1", "total_questions": "3"},
		})
	}()

	out := make(chan Event, 8)
	r.relayLoop(context.Background(), sid, sidStr, requestID, out)
	close(out)

	var events []Event
	for ev := range out {
		events = append(events, ev)
	}
	require.Len(t, events, 1)
	assert.Equal(t, "clarification_question", events[0].Type)

	sess, err := repo.GetSession(context.Background(), sid)
	require.NoError(t, err)
	assert.Equal(t, session.StageClarification, sess.CurrentStage)
	assert.Equal(t, session.TypeMaiceClarificationAsk, sess.LastMessageType)
}

func TestRouter_RelayLoop_StreamingThenAnswerCompleteThenSummaryComplete(t *testing.T) {
	b := bus.NewMemory()
	repo := session.NewMemoryRepository()
	sid, err := repo.CreateSession(context.Background(), "u1", "what is x")
	require.NoError(t, err)
	r := newTestRouter(b, repo)

	sidStr := itoa64(sid)
	requestID := "req-2"
	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = b.Send(context.Background(), bus.Envelope{Type: bus.TypeStreamingChunk, SessionID: sidStr, RequestID: requestID,
			Payload: map[string]string{"content": "The ", "chunk_index": "0", "is_final": "false"}})
		_ = b.Send(context.Background(), bus.Envelope{Type: bus.TypeStreamingChunk, SessionID: sidStr, RequestID: requestID,
			Payload: map[string]string{"content": "answer.", "chunk_index": "1", "is_final": "true"}})
		_ = b.Send(context.Background(), bus.Envelope{Type: bus.TypeAnswerComplete, SessionID: sidStr, RequestID: requestID,
			Payload: map[string]string{"full_response": "The answer."}})
		summaryPayload, _ := bus.MarshalPayload(map[string]string{"title": "X basics", "summary": "Covered x."})
		_ = b.Send(context.Background(), bus.Envelope{Type: bus.TypeSummaryComplete, SessionID: sidStr, RequestID: requestID,
			Payload: map[string]string{"summary": summaryPayload}})
	}()

	out := make(chan Event, 8)
	r.relayLoop(context.Background(), sid, sidStr, requestID, out)
	close(out)

	var types []string
	for ev := range out {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{"streaming_chunk", "streaming_chunk", "answer_complete", "summary_complete"}, types)

	sess, err := repo.GetSession(context.Background(), sid)
	require.NoError(t, err)
	require.NotNil(t, sess.ConversationSummary)
	assert.Equal(t, "Covered x.", *sess.ConversationSummary)
	assert.Equal(t, "X basics", sess.Title)
	assert.Equal(t, session.StageReadyForNewQuestion, sess.CurrentStage)

	history, err := repo.GetConversationHistory(context.Background(), sid, "")
	require.NoError(t, err)
	var sawAnswer bool
	for _, m := range history {
		if m.MessageType == session.TypeMaiceAnswer {
			sawAnswer = true
		}
	}
	assert.True(t, sawAnswer)
}

func TestRouter_RelayLoop_AnswerResultSynthesizesFinalChunk(t *testing.T) {
	b := bus.NewMemory()
	repo := session.NewMemoryRepository()
	sid, err := repo.CreateSession(context.Background(), "u1", "off topic")
	require.NoError(t, err)
	r := newTestRouter(b, repo)

	sidStr := itoa64(sid)
	requestID := "req-3"
	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = b.Send(context.Background(), bus.Envelope{Type: bus.TypeAnswerResult, SessionID: sidStr, RequestID: requestID,
			Payload: map[string]string{"content": "I can only answer math questions."}})
	}()

	out := make(chan Event, 8)
	done := make(chan struct{})
	go func() {
		r.relayLoop(context.Background(), sid, sidStr, requestID, out)
		close(out)
		close(done)
	}()

	var types []string
	for ev := range out {
		types = append(types, ev.Type)
		if ev.Type == "answer_complete" {
			break
		}
	}
	assert.Equal(t, []string{"streaming_chunk", "answer_complete"}, types)
}

func TestRouter_RelayLoop_ErrorEnvelopeIsTerminal(t *testing.T) {
	b := bus.NewMemory()
	repo := session.NewMemoryRepository()
	sid, err := repo.CreateSession(context.Background(), "u1", "q")
	require.NoError(t, err)
	r := newTestRouter(b, repo)

	sidStr := itoa64(sid)
	requestID := "req-4"
	require.NoError(t, b.Send(context.Background(), bus.Envelope{Type: bus.TypeError, SessionID: sidStr, RequestID: requestID,
		Payload: map[string]string{"message": "llm provider exhausted retries"}}))

	out := make(chan Event, 8)
	r.relayLoop(context.Background(), sid, sidStr, requestID, out)
	close(out)

	var events []Event
	for ev := range out {
		events = append(events, ev)
	}
	require.Len(t, events, 1)
	assert.Equal(t, "error", events[0].Type)
}

func TestRouter_RelayLoop_PhaseTimeoutEmitsError(t *testing.T) {
	b := bus.NewMemory()
	repo := session.NewMemoryRepository()
	sid, err := repo.CreateSession(context.Background(), "u1", "q")
	require.NoError(t, err)
	r := newTestRouter(b, repo)
	r.PhaseTimeout = 30 * time.Millisecond

	out := make(chan Event, 8)
	r.relayLoop(context.Background(), sid, itoa64(sid), "req-5", out)
	close(out)

	var events []Event
	for ev := range out {
		events = append(events, ev)
	}
	require.Len(t, events, 1)
	assert.Equal(t, "error", events[0].Type)
	assert.Contains(t, events[0].Data["message"], "timeout")
}

func TestRouter_PerSessionSerialization_SecondUtteranceWaitsForFirstRelayLoopToExit(t *testing.T) {
	b := bus.NewMemory()
	repo := session.NewMemoryRepository()
	sid, err := repo.CreateSession(context.Background(), "u1", "q")
	require.NoError(t, err)
	r := newTestRouter(b, repo)
	r.PhaseTimeout = 50 * time.Millisecond

	sidStr := itoa64(sid)
	start := time.Now()
	out1, err := r.HandleUtterance(context.Background(), UtteranceInput{SessionID: sidStr, UserID: "u1", Text: "q1"})
	require.NoError(t, err)
	out2, err := r.HandleUtterance(context.Background(), UtteranceInput{SessionID: sidStr, UserID: "u1", Text: "q2"})
	require.NoError(t, err)

	for range out1 {
	}
	for range out2 {
	}
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond, "the second utterance's relay loop must not start before the first exits")
}

func itoa64(n int64) string {
	if n == 0 {
		return "0"
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}
