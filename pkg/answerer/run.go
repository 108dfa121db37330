package answerer

import (
	"context"
	"strconv"

	"github.com/maice-tutor/orchestrator/pkg/bus"
	"github.com/maice-tutor/orchestrator/pkg/classifier"
)

// Run subscribes to the "Answer" broadcast channel, which both the
// Classifier (ready_for_answer) and the Clarifier (generate_answer,
// or ready_for_answer on give-up) publish to.
func (a *Answerer) Run(ctx context.Context) error {
	ch, err := a.Bus.Subscribe(ctx, "Answer")
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-ch:
			if !ok {
				return nil
			}
			go a.dispatch(ctx, env)
		}
	}
}

func (a *Answerer) dispatch(ctx context.Context, env bus.Envelope) {
	if env.Type != bus.TypeReadyForAnswer && env.Type != bus.TypeGenerateAnswer {
		return
	}

	in := Input{
		SessionID:            env.SessionID,
		RequestID:            env.RequestID,
		Question:             env.Get("question"),
		Context:              env.Get("context"),
		KnowledgeCode:        env.Get("knowledge_code"),
		Quality:              classifier.Quality(env.Get("quality")),
		UnanswerableReason:   env.Get("unanswerable_reason"),
		ClarificationHistory: summarizeHistoryPayload(env.Get("clarification_history")),
	}
	if cc := env.Get("clarification_count"); cc != "" {
		if n, err := strconv.Atoi(cc); err == nil {
			in.ClarificationCount = n
		}
	}

	// The Classifier's ready_for_answer handoff carries the full
	// classification Result under "result" rather than flat fields.
	if in.Quality == "" {
		var result classifier.Result
		if err := bus.UnmarshalPayload(env.Get("result"), &result); err == nil {
			in.Quality = result.Quality
			if in.KnowledgeCode == "" {
				in.KnowledgeCode = result.KnowledgeCode
			}
			if in.UnanswerableReason == "" {
				in.UnanswerableReason = result.UnanswerableReason
			}
		}
	}

	if err := a.Answer(ctx, in); err != nil {
		_ = a.Bus.Send(ctx, bus.Envelope{
			Type:      bus.TypeError,
			SessionID: env.SessionID,
			RequestID: env.RequestID,
			Payload:   map[string]string{"message": err.Error()},
		})
	}
}
