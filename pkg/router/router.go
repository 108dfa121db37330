// Package router implements the Session Router (C8, spec §4.2): the
// single entry point for an incoming user utterance. It infers the
// utterance's role from session state, dispatches to the Classifier or
// Clarifier, then relays every envelope the agents produce back to the
// caller as a shaped Event stream, owning timeouts and all session
// state transitions along the way.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/maice-tutor/orchestrator/pkg/bus"
	"github.com/maice-tutor/orchestrator/pkg/classifier"
	"github.com/maice-tutor/orchestrator/pkg/clarifier"
	"github.com/maice-tutor/orchestrator/pkg/contextassembler"
	"github.com/maice-tutor/orchestrator/pkg/metrics"
	"github.com/maice-tutor/orchestrator/pkg/observer"
	"github.com/maice-tutor/orchestrator/pkg/orcherr"
	"github.com/maice-tutor/orchestrator/pkg/session"
)

// Defaults per spec §5.
const (
	DefaultPhaseTimeout = 120 * time.Second
	DefaultReadBlockMS  = 200
	DefaultMaxReadBatch = 50
)

// Role is the Router's pure-function classification of an incoming
// utterance (spec §4.2 step 2).
type Role string

const (
	RoleNewQuestion           Role = "new_question"
	RoleFollowUpQuestion      Role = "follow_up_question"
	RoleClarificationResponse Role = "clarification_response"
)

// inferRole applies spec §4.2's role-inference table.
func inferRole(stage session.Stage, lastType session.MessageType) Role {
	if stage == session.StageClarification && lastType == session.TypeMaiceClarificationAsk {
		return RoleClarificationResponse
	}
	if lastType == session.TypeMaiceAnswer {
		return RoleFollowUpQuestion
	}
	return RoleNewQuestion
}

// Event is the Router's client-facing, SSE-shaped output (spec §6).
// The HTTP/SSE front door (an external collaborator per spec §1)
// serializes these as `data: {json}\n\n`.
type Event struct {
	Type      string
	SessionID string
	Data      map[string]any
}

// MarshalJSON flattens Data alongside type/session_id, matching the
// flat discriminated-object shape spec §6 requires on the wire.
func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Data)+2)
	for k, v := range e.Data {
		out[k] = v
	}
	out["type"] = e.Type
	out["session_id"] = e.SessionID
	return json.Marshal(out)
}

// UtteranceInput is one incoming user message (spec §4.2).
type UtteranceInput struct {
	SessionID string // empty creates a new session
	UserID    string
	Text      string
}

// Router is the C8 orchestrator. Clarifier is optional and used only
// by CancelSession to destroy an in-flight clarification (spec §5
// "cancel session" administrative signal).
type Router struct {
	Bus       bus.Bus
	Repo      session.Repository
	Assembler *contextassembler.Assembler
	Clarifier *clarifier.Clarifier
	Metrics   *metrics.Metrics

	PhaseTimeout time.Duration
	ReadBlockMS  int
	MaxReadBatch int

	sessMu    sync.Mutex
	sessLocks map[string]*sync.Mutex
}

// New builds a Router with spec §5's default timeouts and batch sizes.
func New(b bus.Bus, repo session.Repository, assembler *contextassembler.Assembler) *Router {
	return &Router{
		Bus:          b,
		Repo:         repo,
		Assembler:    assembler,
		PhaseTimeout: DefaultPhaseTimeout,
		ReadBlockMS:  DefaultReadBlockMS,
		MaxReadBatch: DefaultMaxReadBatch,
		sessLocks:    make(map[string]*sync.Mutex),
	}
}

// sessionLock returns the per-session mutex used to serialize
// utterances within a session (spec §4.2 "a new user utterance cannot
// be accepted until the previous Relay Loop exits").
func (r *Router) sessionLock(id string) *sync.Mutex {
	r.sessMu.Lock()
	defer r.sessMu.Unlock()
	m, ok := r.sessLocks[id]
	if !ok {
		m = &sync.Mutex{}
		r.sessLocks[id] = m
	}
	return m
}

// HandleUtterance is the Router's single entry point. It returns
// immediately with an Event channel; the caller ranges over it until
// it closes (a terminal event, a timeout, or ctx cancellation).
func (r *Router) HandleUtterance(ctx context.Context, in UtteranceInput) (<-chan Event, error) {
	isNewSession := in.SessionID == ""

	var sid int64
	var sessionIDStr string
	if isNewSession {
		id, err := r.Repo.CreateSession(ctx, in.UserID, in.Text)
		if err != nil {
			return nil, orcherr.Wrap(orcherr.KindRepository, "router.HandleUtterance", err)
		}
		sid = id
		sessionIDStr = strconv.FormatInt(sid, 10)
		r.Metrics.RecordSessionCreated()
	} else {
		id, err := strconv.ParseInt(in.SessionID, 10, 64)
		if err != nil {
			return nil, orcherr.Wrap(orcherr.KindValidation, "router.HandleUtterance", err)
		}
		sid = id
		sessionIDStr = in.SessionID
	}

	requestID := uuid.NewString()
	lock := r.sessionLock(sessionIDStr)
	out := make(chan Event, 64)

	go func() {
		lock.Lock()
		defer lock.Unlock()
		defer close(out)

		if isNewSession {
			r.send(ctx, out, Event{Type: "session_info", SessionID: sessionIDStr, Data: map[string]any{
				"session_id": sessionIDStr,
				"message":    "session created",
			}})
		}

		if err := r.dispatch(ctx, sid, sessionIDStr, requestID, in); err != nil {
			r.send(ctx, out, Event{Type: "error", SessionID: sessionIDStr, Data: map[string]any{"message": err.Error()}})
			return
		}

		r.relayLoop(ctx, sid, sessionIDStr, requestID, out)
	}()

	return out, nil
}

// dispatch persists the user message under its inferred role and sends
// the appropriate handoff envelope (spec §4.2 steps 3-4).
func (r *Router) dispatch(ctx context.Context, sid int64, sessionIDStr, requestID string, in UtteranceInput) error {
	sess, err := r.Repo.GetSession(ctx, sid)
	if err != nil {
		return orcherr.Wrap(orcherr.KindRepository, "router.dispatch", err)
	}
	role := inferRole(sess.CurrentStage, sess.LastMessageType)

	if role == RoleClarificationResponse {
		if _, err := r.Repo.SaveUserMessage(ctx, sid, in.UserID, in.Text, session.TypeUserClarificationAnswer, nil, requestID); err != nil {
			return orcherr.Wrap(orcherr.KindRepository, "router.dispatch", err)
		}
		history, err := r.buildClarificationHistory(ctx, sid)
		if err != nil {
			return err
		}
		histPayload, err := bus.MarshalPayload(history)
		if err != nil {
			return fmt.Errorf("router: marshal clarification history: %w", err)
		}
		if err := r.Bus.Publish(ctx, bus.Envelope{
			Type:        bus.TypeProcessClarification,
			SessionID:   sessionIDStr,
			RequestID:   requestID,
			TargetAgent: "Clarifier",
			Payload:     map[string]string{"answer": in.Text, "history": histPayload},
		}); err != nil {
			return orcherr.Wrap(orcherr.KindBusTransient, "router.dispatch", err)
		}
		return nil
	}

	isFollowUp := role == RoleFollowUpQuestion
	msgType := session.TypeUserQuestion
	if isFollowUp {
		msgType = session.TypeUserFollowUp
	}
	if _, err := r.Repo.SaveUserMessage(ctx, sid, in.UserID, in.Text, msgType, nil, requestID); err != nil {
		return orcherr.Wrap(orcherr.KindRepository, "router.dispatch", err)
	}

	assembled, err := r.Assembler.Assemble(ctx, sid, sessionIDStr, isFollowUp)
	if err != nil {
		return orcherr.Wrap(orcherr.KindRepository, "router.dispatch", err)
	}
	if err := r.Bus.Publish(ctx, bus.Envelope{
		Type:        bus.TypeClassifyQuestion,
		SessionID:   sessionIDStr,
		RequestID:   requestID,
		TargetAgent: "Classifier",
		Payload: map[string]string{
			"question":        in.Text,
			"context":         assembled.Text,
			"is_new_question": strconv.FormatBool(!isFollowUp),
		},
	}); err != nil {
		return orcherr.Wrap(orcherr.KindBusTransient, "router.dispatch", err)
	}
	return nil
}

// clarificationExchange mirrors clarifier.Exchange's JSON shape; kept
// local so this package doesn't need to import pkg/clarifier just for
// a two-field struct.
type clarificationExchange struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// buildClarificationHistory reconstructs the authoritative clarification
// dialogue for the current round by walking the persisted history
// backward while it alternates maice_clarification_question /
// user_clarification_response (spec §4.5 step 1: "the Router is the
// source of truth for persistence").
func (r *Router) buildClarificationHistory(ctx context.Context, sid int64) ([]clarificationExchange, error) {
	msgs, err := r.Repo.GetRecentMessages(ctx, sid, 50)
	if err != nil {
		return nil, orcherr.Wrap(orcherr.KindRepository, "router.buildClarificationHistory", err)
	}
	var pairs []clarificationExchange
	i := len(msgs) - 1
	for i >= 1 {
		if msgs[i].MessageType == session.TypeUserClarificationAnswer && msgs[i-1].MessageType == session.TypeMaiceClarificationAsk {
			pairs = append([]clarificationExchange{{Question: msgs[i-1].Content, Answer: msgs[i].Content}}, pairs...)
			i -= 2
			continue
		}
		break
	}
	return pairs, nil
}

// relayLoop reads the session stream until a terminal envelope, a
// phase timeout, or client cancellation (spec §4.2 step 5, §5).
func (r *Router) relayLoop(ctx context.Context, sid int64, sessionIDStr, requestID string, out chan<- Event) {
	r.Metrics.IncSessionsActive()
	defer r.Metrics.DecSessionsActive()

	deadline := time.Now().Add(r.PhaseTimeout)
	for {
		if ctx.Err() != nil {
			// Client disconnect: abandon the loop. In-flight agent work
			// continues and is silently ACKed by the next reader (spec
			// §4.2 "Cancellation").
			return
		}
		if time.Now().After(deadline) {
			r.send(ctx, out, Event{Type: "error", SessionID: sessionIDStr, Data: map[string]any{"message": "phase timeout exceeded"}})
			return
		}

		envs, err := r.Bus.Read(ctx, sessionIDStr, r.MaxReadBatch, r.ReadBlockMS)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}

		for _, env := range envs {
			if env.RequestID != requestID {
				_ = r.Bus.Ack(ctx, sessionIDStr, env.ID)
				continue
			}
			terminal := r.handle(ctx, sid, sessionIDStr, requestID, env, out)
			_ = r.Bus.Ack(ctx, sessionIDStr, env.ID)
			if terminal {
				return
			}
		}
	}
}

// handle applies one envelope's action from spec §4.2's Relay Loop
// table and reports whether it terminates the loop.
func (r *Router) handle(ctx context.Context, sid int64, sessionIDStr, requestID string, env bus.Envelope, out chan<- Event) bool {
	switch env.Type {
	case bus.TypeClassificationComplete:
		var result classifier.Result
		_ = bus.UnmarshalPayload(env.Get("result"), &result)
		if result.Quality == classifier.QualityNeedsClarify {
			stage := session.StageClarification
			_ = r.Repo.UpdateSessionState(ctx, sid, session.SessionStateUpdate{CurrentStage: &stage})
		}
		r.send(ctx, out, Event{Type: "classification_complete", SessionID: sessionIDStr, Data: map[string]any{
			"result":          result,
			"question":        env.Get("question"),
			"is_new_question": env.Get("is_new_question") == "true",
		}})
		return false

	case bus.TypeClarificationQuestion:
		stage := session.StageClarification
		lmt := session.TypeMaiceClarificationAsk
		_ = r.Repo.UpdateSessionState(ctx, sid, session.SessionStateUpdate{CurrentStage: &stage, LastMessageType: &lmt})
		_, _ = r.Repo.SaveMaiceMessage(ctx, sid, "", env.Get("message"), session.TypeMaiceClarificationAsk, nil, requestID)
		r.send(ctx, out, Event{Type: "clarification_question", SessionID: sessionIDStr, Data: map[string]any{
			"message":         env.Get("message"),
			"question_index":  env.Get("question_index"),
			"total_questions": env.Get("total_questions"),
		}})
		return true

	case bus.TypeClarificationSufficient:
		r.send(ctx, out, Event{Type: "clarification_status", SessionID: sessionIDStr, Data: map[string]any{
			"status":  "sufficient",
			"message": env.Get("message"),
		}})
		return false

	case bus.TypeStreamingChunk:
		if env.Get("chunk_index") == "0" {
			stage := session.StageGeneratingAnswer
			lmt := session.TypeMaiceAnswer
			_ = r.Repo.UpdateSessionState(ctx, sid, session.SessionStateUpdate{CurrentStage: &stage, LastMessageType: &lmt})
		}
		isFinal := env.Get("is_final") == "true"
		if isFinal {
			stage := session.StageReadyForNewQuestion
			_ = r.Repo.UpdateSessionState(ctx, sid, session.SessionStateUpdate{CurrentStage: &stage})
		}
		r.send(ctx, out, Event{Type: "streaming_chunk", SessionID: sessionIDStr, Data: map[string]any{
			"request_id":  requestID,
			"content":     env.Get("content"),
			"chunk_index": env.Get("chunk_index"),
			"is_final":    isFinal,
		}})
		return false

	case bus.TypeAnswerResult:
		// A degenerate one-chunk stream (spec §9 Open Question
		// resolution): synthesize the final chunk, then fall through the
		// same persistence/forwarding path as a real answer_complete.
		content := env.Get("content")
		r.send(ctx, out, Event{Type: "streaming_chunk", SessionID: sessionIDStr, Data: map[string]any{
			"request_id":  requestID,
			"content":     content,
			"chunk_index": "0",
			"is_final":    true,
		}})
		r.persistAndForwardAnswer(ctx, sid, sessionIDStr, requestID, content, out)
		return false

	case bus.TypeAnswerComplete:
		r.persistAndForwardAnswer(ctx, sid, sessionIDStr, requestID, env.Get("full_response"), out)
		return false

	case bus.TypeSummaryStart, bus.TypeSummaryProgress:
		// Advisory lifecycle only; spec §6's client event table has no
		// entry for these.
		return false

	case bus.TypeSummaryComplete:
		var s observer.Summary
		_ = bus.UnmarshalPayload(env.Get("summary"), &s)
		_ = r.Repo.SaveSummary(ctx, sid, "", "", s.Summary, requestID)
		if s.Title != "" {
			_ = r.Repo.UpdateSessionTitle(ctx, sid, s.Title)
		}
		stage := session.StageReadyForNewQuestion
		_ = r.Repo.UpdateSessionState(ctx, sid, session.SessionStateUpdate{CurrentStage: &stage})
		r.send(ctx, out, Event{Type: "summary_complete", SessionID: sessionIDStr, Data: map[string]any{
			"summary":                s.Summary,
			"status":                 "complete",
			"ready_for_new_question": true,
		}})
		return true

	case bus.TypeError:
		_, _ = r.Repo.SaveMaiceMessage(ctx, sid, "", env.Get("message"), session.TypeError, nil, requestID)
		r.send(ctx, out, Event{Type: "error", SessionID: sessionIDStr, Data: map[string]any{"message": env.Get("message")}})
		return true
	}
	return false
}

// persistAndForwardAnswer persists the MAICE answer (duplicate
// suppression applies) and forwards the answer_complete safety-net
// event (spec §4.2 table row "answer_complete").
func (r *Router) persistAndForwardAnswer(ctx context.Context, sid int64, sessionIDStr, requestID, fullResponse string, out chan<- Event) {
	_, _ = r.Repo.SaveMaiceMessage(ctx, sid, "", fullResponse, session.TypeMaiceAnswer, nil, requestID)
	r.send(ctx, out, Event{Type: "answer_complete", SessionID: sessionIDStr, Data: map[string]any{
		"request_id":    requestID,
		"full_response": fullResponse,
		"status":        "complete",
	}})
}

func (r *Router) send(ctx context.Context, out chan<- Event, ev Event) {
	select {
	case out <- ev:
	case <-ctx.Done():
	}
}

// CancelSession is the administrative "cancel session" signal (spec
// §5): it ACKs any pending envelopes for sessionIDStr and destroys the
// Clarifier's in-memory clarification session, if any.
func (r *Router) CancelSession(ctx context.Context, sessionIDStr string) error {
	envs, err := r.Bus.Read(ctx, sessionIDStr, r.MaxReadBatch, 0)
	if err != nil {
		return orcherr.Wrap(orcherr.KindBusTransient, "router.CancelSession", err)
	}
	for _, env := range envs {
		_ = r.Bus.Ack(ctx, sessionIDStr, env.ID)
	}
	if r.Clarifier != nil {
		r.Clarifier.Destroy(sessionIDStr)
	}
	return nil
}
