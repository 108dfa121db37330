// Package observer implements the Observer Agent (C7, spec §4.7): a
// per-turn summarizer that titles and digests a just-completed answer,
// and a background incremental summarizer that keeps the session's
// rolling conversation_summary current as history outgrows the
// sliding window (spec §4.3 step 4).
package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/maice-tutor/orchestrator/pkg/bus"
	"github.com/maice-tutor/orchestrator/pkg/llm"
	"github.com/maice-tutor/orchestrator/pkg/orcherr"
	"github.com/maice-tutor/orchestrator/pkg/prompt"
	"github.com/maice-tutor/orchestrator/pkg/schema"
	"github.com/maice-tutor/orchestrator/pkg/session"
)

// Output bounds (spec §4.7, soft-enforced by truncation with ellipsis).
const (
	MaxTitleLen   = 50
	MaxSummaryLen = 500
)

// Summary is the structured per-turn payload an LLM call produces in
// JSON mode (spec §4.7 mode 1).
type Summary struct {
	Title           string   `json:"title"`
	Summary         string   `json:"summary"`
	KeyConcepts     []string `json:"key_concepts"`
	StudentProgress string   `json:"student_progress"`
}

// Observer is the C7 agent. Repo is used only by the incremental mode,
// which persists directly rather than riding the session stream
// (spec §4.3 step 4: "This never blocks classification").
type Observer struct {
	Bus     bus.Bus
	Repo    session.Repository
	LLM     llm.Provider
	Config  *prompt.AgentConfig
	Model   string
	Timeout time.Duration
}

// GenerateSummaryInput is the generate_summary request payload, fired
// by the Answer Agent after completion (spec §4.7 mode 1).
type GenerateSummaryInput struct {
	SessionID string
	RequestID string
	Question  string
	Answer    string
}

// GenerateSummary runs the per-turn lifecycle: summary_start →
// summary_progress → summary_complete, the last carrying the
// structured payload the Router persists as title+summary.
func (o *Observer) GenerateSummary(ctx context.Context, in GenerateSummaryInput) error {
	if err := o.emitLifecycle(ctx, in.SessionID, in.RequestID, bus.TypeSummaryStart); err != nil {
		return err
	}
	if err := o.emitLifecycle(ctx, in.SessionID, in.RequestID, bus.TypeSummaryProgress); err != nil {
		return err
	}

	system, user := o.Config.RenderBoth("summarize_turn", map[string]string{
		"question": in.Question,
		"answer":   in.Answer,
	})

	callCtx := ctx
	if o.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, o.Timeout)
		defer cancel()
	}
	res, err := o.LLM.Call(callCtx, []llm.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	}, llm.CallOptions{Model: o.Model, JSONMode: true})
	if err != nil {
		return orcherr.Wrap(orcherr.KindLLMTransient, "observer.GenerateSummary", err)
	}

	if err := schema.Validate([]byte(schema.Summary), []byte(res.Content)); err != nil {
		return orcherr.Wrap(orcherr.KindValidation, "observer.GenerateSummary", err)
	}
	var s Summary
	if err := json.Unmarshal([]byte(res.Content), &s); err != nil {
		return orcherr.Wrap(orcherr.KindValidation, "observer.GenerateSummary", err)
	}
	s.Title = truncate(s.Title, MaxTitleLen)
	s.Summary = truncate(s.Summary, MaxSummaryLen)

	payload, err := bus.MarshalPayload(s)
	if err != nil {
		return fmt.Errorf("observer: marshal summary: %w", err)
	}

	if err := o.Bus.Send(ctx, bus.Envelope{
		Type:      bus.TypeSummaryComplete,
		SessionID: in.SessionID,
		RequestID: in.RequestID,
		Payload: map[string]string{
			"summary":                 payload,
			"status":                  "complete",
			"ready_for_new_question":  "true",
		},
	}); err != nil {
		return orcherr.Wrap(orcherr.KindBusTransient, "observer.GenerateSummary", err)
	}
	return nil
}

func (o *Observer) emitLifecycle(ctx context.Context, sessionID, requestID string, t bus.EnvelopeType) error {
	if err := o.Bus.Send(ctx, bus.Envelope{Type: t, SessionID: sessionID, RequestID: requestID, Payload: map[string]string{}}); err != nil {
		return orcherr.Wrap(orcherr.KindBusTransient, "observer.emitLifecycle", err)
	}
	return nil
}

// UpdateSummaryInput is the update_summary advisory payload (spec
// §4.3 step 4).
type UpdateSummaryInput struct {
	SessionID     string
	OlderMessages string
}

// UpdateSummary produces a new cumulative summary covering messages
// older than the sliding window and persists it directly — there is no
// client-facing request this work rides on (spec §4.7 mode 2).
func (o *Observer) UpdateSummary(ctx context.Context, in UpdateSummaryInput) error {
	sid, err := strconv.ParseInt(in.SessionID, 10, 64)
	if err != nil {
		return orcherr.Wrap(orcherr.KindValidation, "observer.UpdateSummary", err)
	}

	system, user := o.Config.RenderBoth("summarize_incremental", map[string]string{
		"older_messages": in.OlderMessages,
	})

	callCtx := ctx
	if o.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, o.Timeout)
		defer cancel()
	}
	res, err := o.LLM.Call(callCtx, []llm.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	}, llm.CallOptions{Model: o.Model})
	if err != nil {
		return orcherr.Wrap(orcherr.KindLLMTransient, "observer.UpdateSummary", err)
	}

	summary := truncate(strings.TrimSpace(res.Content), MaxSummaryLen)
	if err := o.Repo.SaveSummary(ctx, sid, "", "", summary, ""); err != nil {
		return orcherr.Wrap(orcherr.KindRepository, "observer.UpdateSummary", err)
	}
	return nil
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}
