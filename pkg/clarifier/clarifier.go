// Package clarifier implements the Clarifier Agent (C5, spec §4.5): the
// clarification state machine that asks follow-up questions when the
// Classifier judges a question under-specified, evaluates the
// student's reply, and either hands off to the Answer Agent or gives
// up after max_clarifications rounds. Its in-memory session table
// mirrors the teacher's single-writer-per-entry map pattern: a
// table-level lock guards insert/delete, and per-session mutation is
// safe because a given session is only ever driven by one goroutine at
// a time (the Router serializes requests within a session).
package clarifier

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/maice-tutor/orchestrator/pkg/bus"
	"github.com/maice-tutor/orchestrator/pkg/classifier"
	"github.com/maice-tutor/orchestrator/pkg/llm"
	"github.com/maice-tutor/orchestrator/pkg/orcherr"
	"github.com/maice-tutor/orchestrator/pkg/prompt"
	"github.com/maice-tutor/orchestrator/pkg/security"
)

// State is one of the Clarifier's per-session state-machine states
// (spec §4.5): idle → asking → awaiting_response → evaluating →
// asking | finalizing_answerable | finalizing_unanswerable → idle.
type State string

const (
	StateIdle                   State = "idle"
	StateAsking                 State = "asking"
	StateAwaitingResponse       State = "awaiting_response"
	StateEvaluating             State = "evaluating"
	StateFinalizingAnswerable   State = "finalizing_answerable"
	StateFinalizingUnanswerable State = "finalizing_unanswerable"
)

// DefaultMaxClarifications is the spec §3 default for a fresh session.
const DefaultMaxClarifications = 3

const (
	evalPass     = "PASS"
	evalNeedMore = "NEED_MORE"
)

// Exchange is one clarification question/answer pair (spec §3 `history`).
type Exchange struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// Session is the Clarifier's ephemeral per-session record, held only in
// memory and keyed by session_id (spec §3 "Clarification Session").
type Session struct {
	OriginalQuestion          string
	Context                   string
	MissingFields             []string
	KnowledgeCode             string
	ClarificationCount        int
	MaxClarifications         int
	History                   []Exchange
	FinalQuestion             string
	ReclassifiedKnowledgeCode string
	State                     State
}

// evalResult mirrors the evaluation LLM's required JSON output fields
// (spec §4.5 step 2).
type evalResult struct {
	Evaluation                string   `json:"evaluation"`
	Confidence                float64  `json:"confidence"`
	Reasoning                 string   `json:"reasoning"`
	MissingFieldCoverage      []string `json:"missing_field_coverage"`
	NextClarification         *string  `json:"next_clarification"`
	ReclassifiedKnowledgeCode *string  `json:"reclassified_knowledge_code"`
	FinalQuestion             *string  `json:"final_question"`
}

// Clarifier is the C5 state machine.
type Clarifier struct {
	Bus               bus.Bus
	LLM               llm.Provider
	Config            *prompt.AgentConfig
	Model             string
	Timeout           time.Duration
	MaxClarifications int

	tableMu  sync.Mutex
	sessions map[string]*Session
}

// New builds a Clarifier. A maxClarifications <= 0 falls back to
// DefaultMaxClarifications.
func New(b bus.Bus, provider llm.Provider, cfg *prompt.AgentConfig, model string, timeout time.Duration, maxClarifications int) *Clarifier {
	if maxClarifications <= 0 {
		maxClarifications = DefaultMaxClarifications
	}
	return &Clarifier{
		Bus:               b,
		LLM:               provider,
		Config:            cfg,
		Model:             model,
		Timeout:           timeout,
		MaxClarifications: maxClarifications,
		sessions:          make(map[string]*Session),
	}
}

func (c *Clarifier) get(sessionID string) (*Session, bool) {
	c.tableMu.Lock()
	defer c.tableMu.Unlock()
	s, ok := c.sessions[sessionID]
	return s, ok
}

func (c *Clarifier) put(sessionID string, s *Session) {
	c.tableMu.Lock()
	defer c.tableMu.Unlock()
	c.sessions[sessionID] = s
}

// Destroy removes sessionID's in-flight clarification session, if any.
// Called on success, on give-up, and by an administrative "cancel
// session" signal (spec §5 Cancellation).
func (c *Clarifier) Destroy(sessionID string) {
	c.tableMu.Lock()
	defer c.tableMu.Unlock()
	delete(c.sessions, sessionID)
}

// NeedClarificationInput is the `need_clarification` broadcast payload
// published by the Classifier (spec §4.4 step 6).
type NeedClarificationInput struct {
	SessionID string
	RequestID string
	Question  string
	Context   string
	Result    classifier.Result
}

// OnNeedClarification creates a Clarification Session, selects the seed
// question, and emits the first clarification_question (spec §4.5 "On
// need_clarification").
func (c *Clarifier) OnNeedClarification(ctx context.Context, in NeedClarificationInput) error {
	sess := &Session{
		OriginalQuestion:  in.Question,
		Context:           in.Context,
		MissingFields:     in.Result.MissingFields,
		KnowledgeCode:     in.Result.KnowledgeCode,
		MaxClarifications: c.MaxClarifications,
		State:             StateAsking,
	}

	question, err := c.selectSeedQuestion(ctx, in)
	if err != nil {
		return err
	}

	sess.ClarificationCount = 1
	sess.State = StateAwaitingResponse
	c.put(in.SessionID, sess)

	return c.emitClarificationQuestion(ctx, in.SessionID, in.RequestID, question, sess.ClarificationCount)
}

// selectSeedQuestion prefers the Classifier's proposed question; if it
// didn't propose one, a single most-informative question is
// synthesized via LLM (spec §4.5 step 2, §4.4 "must pick a single
// most-informative one").
func (c *Clarifier) selectSeedQuestion(ctx context.Context, in NeedClarificationInput) (string, error) {
	for _, q := range in.Result.ClarificationQuestions {
		if strings.TrimSpace(q) != "" {
			return q, nil
		}
	}

	system, user := c.Config.RenderBoth("seed_clarification", map[string]string{
		"knowledge_code": in.Result.KnowledgeCode,
		"missing_fields": strings.Join(in.Result.MissingFields, ", "),
		"context":        in.Context,
	})

	callCtx := ctx
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	res, err := c.LLM.Call(callCtx, []llm.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	}, llm.CallOptions{Model: c.Model})
	if err != nil {
		return "", orcherr.Wrap(orcherr.KindLLMTransient, "clarifier.selectSeedQuestion", err)
	}

	q := strings.TrimSpace(res.Content)
	if q == "" {
		q = "Could you tell me more about what you're trying to solve?"
	}
	return q, nil
}

func (c *Clarifier) emitClarificationQuestion(ctx context.Context, sessionID, requestID, question string, index int) error {
	err := c.Bus.Send(ctx, bus.Envelope{
		Type:      bus.TypeClarificationQuestion,
		SessionID: sessionID,
		RequestID: requestID,
		Payload: map[string]string{
			"message":         question,
			"question_index":  fmt.Sprint(index),
			"total_questions": fmt.Sprint(c.MaxClarifications),
		},
	})
	if err != nil {
		return orcherr.Wrap(orcherr.KindBusTransient, "clarifier.emitClarificationQuestion", err)
	}
	return nil
}

// ProcessClarificationInput is the `process_clarification` payload the
// Router dispatches once a clarification reply arrives. History is the
// Router's authoritative, persisted history — the source of truth the
// Clarifier's in-memory copy is replaced with (spec §4.5 step 1).
type ProcessClarificationInput struct {
	SessionID string
	RequestID string
	Answer    string
	History   []Exchange
}

// ProcessClarification evaluates the student's reply and applies the
// outcome table in spec §4.5 step 3.
func (c *Clarifier) ProcessClarification(ctx context.Context, in ProcessClarificationInput) error {
	sess, ok := c.get(in.SessionID)
	if !ok {
		return orcherr.Wrap(orcherr.KindValidation, "clarifier.ProcessClarification",
			fmt.Errorf("no in-flight clarification session for %s", in.SessionID))
	}

	sess.History = in.History
	sess.State = StateEvaluating

	result, err := c.evaluate(ctx, sess, in.Answer)
	if err != nil {
		return err
	}

	if result.Evaluation == evalPass {
		return c.finalizeAnswerable(ctx, in.SessionID, in.RequestID, sess, result)
	}

	if sess.ClarificationCount < sess.MaxClarifications {
		return c.askAgain(ctx, in.SessionID, in.RequestID, sess, result)
	}
	return c.finalizeUnanswerable(ctx, in.SessionID, in.RequestID, sess)
}

// evaluate calls the evaluation LLM with the full clarification
// exchange and applies the same separator-hash defense the Classifier
// uses (spec §4.5 "Security").
func (c *Clarifier) evaluate(ctx context.Context, sess *Session, answer string) (evalResult, error) {
	sep := security.NewSeparator(c.Config.SecuritySettings.SafeSeparators)

	var hist strings.Builder
	for _, ex := range sess.History {
		hist.WriteString("Q: ")
		hist.WriteString(ex.Question)
		hist.WriteString("\nA: ")
		hist.WriteString(ex.Answer)
		hist.WriteString("\n")
	}

	system, user := c.Config.RenderBoth("evaluate_clarification", map[string]string{
		"original_question":   sess.OriginalQuestion,
		"missing_fields":       strings.Join(sess.MissingFields, ", "),
		"current_answer":       sep.Wrap(answer),
		"history":              hist.String(),
		"clarification_count":  fmt.Sprint(sess.ClarificationCount),
	})

	callCtx := ctx
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	res, err := c.LLM.Call(callCtx, []llm.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	}, llm.CallOptions{Model: c.Model, JSONMode: true, Temperature: 0})
	if err != nil {
		return evalResult{}, orcherr.Wrap(orcherr.KindLLMTransient, "clarifier.evaluate", err)
	}

	if sep.Echoed(res.Content) {
		return evalResult{}, orcherr.Wrap(orcherr.KindSecurity, "clarifier.evaluate",
			fmt.Errorf("model output echoed the separator token"))
	}

	var parsed evalResult
	if err := json.Unmarshal([]byte(res.Content), &parsed); err != nil {
		return evalResult{}, orcherr.Wrap(orcherr.KindValidation, "clarifier.evaluate", err)
	}
	if parsed.Evaluation == "" {
		parsed.Evaluation = evalNeedMore
	}
	return parsed, nil
}

func (c *Clarifier) askAgain(ctx context.Context, sessionID, requestID string, sess *Session, result evalResult) error {
	question := "Could you be a little more specific about what you need help with?"
	if result.NextClarification != nil && strings.TrimSpace(*result.NextClarification) != "" {
		question = *result.NextClarification
	}
	sess.ClarificationCount++
	sess.State = StateAwaitingResponse
	return c.emitClarificationQuestion(ctx, sessionID, requestID, question, sess.ClarificationCount)
}

func (c *Clarifier) finalizeAnswerable(ctx context.Context, sessionID, requestID string, sess *Session, result evalResult) error {
	sess.State = StateFinalizingAnswerable

	finalQuestion := sess.OriginalQuestion
	if result.FinalQuestion != nil && strings.TrimSpace(*result.FinalQuestion) != "" {
		finalQuestion = *result.FinalQuestion
	}
	knowledgeCode := sess.KnowledgeCode
	if result.ReclassifiedKnowledgeCode != nil && strings.TrimSpace(*result.ReclassifiedKnowledgeCode) != "" {
		knowledgeCode = *result.ReclassifiedKnowledgeCode
	}
	sess.FinalQuestion = finalQuestion
	sess.ReclassifiedKnowledgeCode = knowledgeCode

	if err := c.Bus.Send(ctx, bus.Envelope{
		Type:      bus.TypeClarificationSufficient,
		SessionID: sessionID,
		RequestID: requestID,
		Payload:   map[string]string{"message": "clarification complete, generating answer"},
	}); err != nil {
		return orcherr.Wrap(orcherr.KindBusTransient, "clarifier.finalizeAnswerable", err)
	}

	histPayload, err := bus.MarshalPayload(sess.History)
	if err != nil {
		return fmt.Errorf("clarifier: marshal history: %w", err)
	}

	if err := c.Bus.Publish(ctx, bus.Envelope{
		Type:        bus.TypeGenerateAnswer,
		SessionID:   sessionID,
		RequestID:   requestID,
		TargetAgent: "Answer",
		Payload: map[string]string{
			"question":               finalQuestion,
			"context":                sess.Context,
			"knowledge_code":         knowledgeCode,
			"quality":                string(classifier.QualityAnswerable),
			"clarification_history":  histPayload,
		},
	}); err != nil {
		return orcherr.Wrap(orcherr.KindBusTransient, "clarifier.finalizeAnswerable", err)
	}

	c.Destroy(sessionID)
	return nil
}

func (c *Clarifier) finalizeUnanswerable(ctx context.Context, sessionID, requestID string, sess *Session) error {
	sess.State = StateFinalizingUnanswerable

	histPayload, err := bus.MarshalPayload(sess.History)
	if err != nil {
		return fmt.Errorf("clarifier: marshal history: %w", err)
	}

	if err := c.Bus.Publish(ctx, bus.Envelope{
		Type:        bus.TypeReadyForAnswer,
		SessionID:   sessionID,
		RequestID:   requestID,
		TargetAgent: "Answer",
		Payload: map[string]string{
			"question":               sess.OriginalQuestion,
			"context":                sess.Context,
			"quality":                string(classifier.QualityUnanswerable),
			"unanswerable_reason":    "clarification_failed",
			"clarification_history":  histPayload,
			"clarification_count":    fmt.Sprint(sess.ClarificationCount),
		},
	}); err != nil {
		return orcherr.Wrap(orcherr.KindBusTransient, "clarifier.finalizeUnanswerable", err)
	}

	c.Destroy(sessionID)
	return nil
}
