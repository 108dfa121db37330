// Package answerer implements the Answer Agent (C6, spec §4.6): it
// consumes a classified/clarified question and either streams an
// educational answer token-by-token, or — for unanswerable questions —
// returns a fixed rejection message without ever calling the LLM.
package answerer

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/maice-tutor/orchestrator/pkg/bus"
	"github.com/maice-tutor/orchestrator/pkg/classifier"
	"github.com/maice-tutor/orchestrator/pkg/llm"
	"github.com/maice-tutor/orchestrator/pkg/orcherr"
	"github.com/maice-tutor/orchestrator/pkg/prompt"
)

// rejectionMathOnly is the fixed reply for any unanswerable_reason
// other than clarification_failed (spec §4.6).
const rejectionMathOnly = "MAICE only answers math questions. Please ask something related to mathematics."

func rejectionClarificationFailed(count int) string {
	if count <= 0 {
		count = 1
	}
	return "We tried " + strconv.Itoa(count) + " times to pin down your question but couldn't get enough detail to answer it. " +
		"Please rephrase with more detail — for example, the specific topic, the grade level, and what you've already tried."
}

// Input is the generate_answer / ready_for_answer payload (spec §4.6).
type Input struct {
	SessionID            string
	RequestID            string
	Question             string
	Context              string
	KnowledgeCode        string
	Quality              classifier.Quality
	UnanswerableReason   string
	ClarificationHistory string
	ClarificationCount   int
}

// Answerer is the C6 pipeline.
type Answerer struct {
	Bus     bus.Bus
	LLM     llm.Provider
	Config  *prompt.AgentConfig
	Model   string
	Timeout time.Duration
	Retries int
}

// Answer dispatches to the unanswerable or streaming path by in.Quality.
func (a *Answerer) Answer(ctx context.Context, in Input) error {
	if in.Quality == classifier.QualityUnanswerable {
		return a.answerUnanswerable(ctx, in)
	}
	return a.answerStreaming(ctx, in)
}

// answerUnanswerable emits the single degenerate answer_result envelope
// (spec §4.6 "do not call the LLM"). The Router synthesizes a one-chunk
// stream from this for uniform client handling.
func (a *Answerer) answerUnanswerable(ctx context.Context, in Input) error {
	text := rejectionMathOnly
	if in.UnanswerableReason == "clarification_failed" {
		text = rejectionClarificationFailed(in.ClarificationCount)
	}

	if err := a.Bus.Send(ctx, bus.Envelope{
		Type:      bus.TypeAnswerResult,
		SessionID: in.SessionID,
		RequestID: in.RequestID,
		Payload:   map[string]string{"content": text},
	}); err != nil {
		return orcherr.Wrap(orcherr.KindBusTransient, "answerer.answerUnanswerable", err)
	}

	a.notifyObserver(ctx, in.SessionID, in.RequestID, in.Question, text)
	return nil
}

func templateForKnowledgeCode(code string) string {
	switch code {
	case "K1":
		return "answer_k1_factual"
	case "K2":
		return "answer_k2_conceptual"
	case "K3":
		return "answer_k3_procedural"
	case "K4":
		return "answer_k4_metacognitive"
	default:
		return "answer_k1_factual"
	}
}

// answerStreaming renders the knowledge-code-keyed template, streams
// the model's reply as an ordered sequence of streaming_chunk
// envelopes (the last carrying is_final=true), then emits the
// answer_complete safety net (spec §4.6 "Streaming protocol").
func (a *Answerer) answerStreaming(ctx context.Context, in Input) error {
	templateName := templateForKnowledgeCode(in.KnowledgeCode)
	system, user := a.Config.RenderBoth(templateName, map[string]string{
		"question":               in.Question,
		"context":                in.Context,
		"clarification_summary":  in.ClarificationHistory,
	})

	stream, err := a.callWithRetries(ctx, system, user)
	if err != nil {
		return err
	}

	var full strings.Builder
	chunkIndex := 0
	var pending *llm.StreamChunk

	for chunk := range stream {
		if chunk.Err != nil {
			return orcherr.Wrap(orcherr.KindLLMStreamBroken, "answerer.answerStreaming", chunk.Err)
		}
		if chunk.Done {
			break
		}
		if pending != nil {
			if err := a.emitChunk(ctx, in, chunkIndex, pending.Text, false); err != nil {
				return err
			}
			full.WriteString(pending.Text)
			chunkIndex++
		}
		c := chunk
		pending = &c
	}

	lastText := ""
	if pending != nil {
		lastText = pending.Text
	}
	if err := a.emitChunk(ctx, in, chunkIndex, lastText, true); err != nil {
		return err
	}
	full.WriteString(lastText)
	chunkIndex++

	fullText := full.String()

	// streaming_complete is the Answer Agent's own record of having
	// finished; answer_complete is what the Router actually persists
	// and forwards to the client as the safety-net SSE event.
	if err := a.Bus.Send(ctx, bus.Envelope{
		Type:      bus.TypeStreamingComplete,
		SessionID: in.SessionID,
		RequestID: in.RequestID,
		Payload: map[string]string{
			"full_response": fullText,
			"total_chunks":  strconv.Itoa(chunkIndex),
		},
	}); err != nil {
		return orcherr.Wrap(orcherr.KindBusTransient, "answerer.answerStreaming", err)
	}

	if err := a.Bus.Send(ctx, bus.Envelope{
		Type:      bus.TypeAnswerComplete,
		SessionID: in.SessionID,
		RequestID: in.RequestID,
		Payload: map[string]string{
			"full_response": fullText,
			"status":        "complete",
		},
	}); err != nil {
		return orcherr.Wrap(orcherr.KindBusTransient, "answerer.answerStreaming", err)
	}

	a.notifyObserver(ctx, in.SessionID, in.RequestID, in.Question, fullText)
	return nil
}

func (a *Answerer) emitChunk(ctx context.Context, in Input, index int, text string, isFinal bool) error {
	err := a.Bus.Send(ctx, bus.Envelope{
		Type:      bus.TypeStreamingChunk,
		SessionID: in.SessionID,
		RequestID: in.RequestID,
		Payload: map[string]string{
			"content":     text,
			"chunk_index": strconv.Itoa(index),
			"is_final":    strconv.FormatBool(isFinal),
		},
	})
	if err != nil {
		return orcherr.Wrap(orcherr.KindBusTransient, "answerer.emitChunk", err)
	}
	return nil
}

// callWithRetries retries the initial connect before any chunk has
// arrived; once a stream is established, errors inside it are fatal
// (spec §4.6 "Retries").
func (a *Answerer) callWithRetries(ctx context.Context, system, user string) (<-chan llm.StreamChunk, error) {
	retries := a.Retries
	if retries <= 0 {
		retries = 3
	}
	delay := 150 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		stream, err := a.LLM.Stream(ctx, []llm.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		}, llm.CallOptions{Model: a.Model, Stream: true})
		if err == nil {
			return stream, nil
		}
		lastErr = orcherr.Wrap(orcherr.KindLLMTransient, "answerer.callWithRetries", err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return nil, lastErr
}

// notifyObserver fires the advisory generate_summary handoff (spec
// §4.6 "The Observer is notified via broadcast ..."). Failure is
// swallowed: summarization is never on the critical answering path.
func (a *Answerer) notifyObserver(ctx context.Context, sessionID, requestID, question, answerText string) {
	_ = a.Bus.Publish(ctx, bus.Envelope{
		Type:        bus.TypeGenerateSummary,
		SessionID:   sessionID,
		RequestID:   requestID,
		TargetAgent: "Observer",
		Payload: map[string]string{
			"question": question,
			"answer":   answerText,
		},
	})
}

// historyExchange mirrors clarifier.Exchange just enough to render a
// clarification summary for the answer prompt, without importing the
// clarifier package.
type historyExchange struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

func summarizeHistoryPayload(raw string) string {
	if raw == "" {
		return ""
	}
	var hist []historyExchange
	if err := json.Unmarshal([]byte(raw), &hist); err != nil {
		return ""
	}
	var b strings.Builder
	for _, ex := range hist {
		b.WriteString("Q: ")
		b.WriteString(ex.Question)
		b.WriteString("\nA: ")
		b.WriteString(ex.Answer)
		b.WriteString("\n")
	}
	return b.String()
}
