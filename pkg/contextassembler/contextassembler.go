// Package contextassembler implements the Context Assembler (spec
// §4.3): sliding-window recent history plus a rolling summary,
// assembled fresh at each classification dispatch. The window-size
// policy (N=20 for new questions, N=30 for follow-ups) and the
// background-resummarization trigger are adapted from the teacher's
// pkg/agent/history_selector.go smart-history-selection pattern and
// its token-aware trimming via pkg/utils' tiktoken wrapper, generalized
// here from "fit a token budget" to "fit a fixed message-count window
// plus a token ceiling".
package contextassembler

import (
	"context"
	"fmt"
	"strings"

	"github.com/maice-tutor/orchestrator/pkg/bus"
	"github.com/maice-tutor/orchestrator/pkg/session"
	"github.com/maice-tutor/orchestrator/pkg/utils"
)

const (
	// WindowNewQuestion is N for a new_question/clarification_response dispatch.
	WindowNewQuestion = 20
	// WindowFollowUp is N for a follow_up_question dispatch (spec §4.3).
	WindowFollowUp = 30

	followUpMarker = "=== follow-up ===\n"
	summaryMarker  = "=== prior summary ===\n"

	// MaxContextTokens bounds the assembled context regardless of
	// message count, trimming oldest-first if the token encoder reports
	// the text would blow the model's practical context budget.
	MaxContextTokens = 6000
)

// Assembled is the result handed to the Classifier/Clarifier.
type Assembled struct {
	Text        string
	MessageCount int
}

// Assembler implements the policy in spec §4.3.
type Assembler struct {
	repo    session.Repository
	bus     bus.Bus
	counter *utils.TokenCounter
}

// New builds an Assembler. model selects the tiktoken encoding used
// for trimming (falls back to cl100k_base if unrecognized).
func New(repo session.Repository, b bus.Bus, model string) (*Assembler, error) {
	counter, err := utils.NewTokenCounter(model)
	if err != nil {
		return nil, fmt.Errorf("contextassembler: token counter: %w", err)
	}
	return &Assembler{repo: repo, bus: b, counter: counter}, nil
}

// Assemble builds the context string for one classification dispatch
// (spec §4.3 steps 1-5). sessionIDStr is used as the bus session key
// for the advisory update_summary envelope.
func (a *Assembler) Assemble(ctx context.Context, sessionID int64, sessionIDStr string, isFollowUp bool) (Assembled, error) {
	n := WindowNewQuestion
	if isFollowUp {
		n = WindowFollowUp
	}

	sess, err := a.repo.GetSession(ctx, sessionID)
	if err != nil {
		return Assembled{}, fmt.Errorf("contextassembler: get session: %w", err)
	}

	all, err := a.repo.GetConversationHistory(ctx, sessionID, "")
	if err != nil {
		return Assembled{}, fmt.Errorf("contextassembler: get history: %w", err)
	}

	window := all
	if len(all) > n {
		window = all[len(all)-n:]
	}

	var b strings.Builder
	if sess.ConversationSummary != nil && *sess.ConversationSummary != "" {
		b.WriteString(summaryMarker)
		b.WriteString(*sess.ConversationSummary)
		b.WriteString("\n\n")
	}
	if isFollowUp {
		b.WriteString(followUpMarker)
	}
	for _, m := range window {
		b.WriteString(string(m.Sender))
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}

	text := a.trimToTokenBudget(b.String())

	if len(all) > n {
		a.scheduleResummarization(ctx, sessionIDStr, all[:len(all)-n])
	}

	return Assembled{Text: text, MessageCount: len(window)}, nil
}

// trimToTokenBudget drops oldest lines until the text fits
// MaxContextTokens, preserving any leading summary marker block.
func (a *Assembler) trimToTokenBudget(text string) string {
	if a.counter.Count(text) <= MaxContextTokens {
		return text
	}
	head := ""
	if strings.HasPrefix(text, summaryMarker) {
		if end := strings.Index(text, "\n\n"); end >= 0 {
			head, text = text[:end+2], text[end+2:]
		}
	}
	lines := strings.Split(text, "\n")
	for a.counter.Count(head+strings.Join(lines, "\n")) > MaxContextTokens && len(lines) > 1 {
		lines = lines[1:]
	}
	return head + strings.Join(lines, "\n")
}

// scheduleResummarization publishes the advisory update_summary
// broadcast (spec §4.3 step 4). Never blocks or errors the caller;
// a publish failure is swallowed since this is advisory-only.
func (a *Assembler) scheduleResummarization(ctx context.Context, sessionID string, older []session.Message) {
	var ids []string
	var text strings.Builder
	for _, m := range older {
		ids = append(ids, fmt.Sprint(m.ID))
		text.WriteString(string(m.Sender))
		text.WriteString(": ")
		text.WriteString(m.Content)
		text.WriteString("\n")
	}
	payload, err := bus.MarshalPayload(map[string]string{
		"messages": text.String(),
	})
	if err != nil {
		return
	}
	_ = a.bus.Publish(ctx, bus.Envelope{
		Type:        bus.TypeUpdateSummary,
		SessionID:   sessionID,
		TargetAgent: "Observer",
		Payload:     map[string]string{"older_messages": payload},
	})
}
