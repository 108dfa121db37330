package classifier

import (
	"context"

	"github.com/maice-tutor/orchestrator/pkg/bus"
)

// Run subscribes to this agent's broadcast channel and runs Classify
// for each classify_question envelope until ctx is cancelled.
func (c *Classifier) Run(ctx context.Context) error {
	ch, err := c.Bus.Subscribe(ctx, "Classifier")
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
			go c.dispatch(ctx, env)
		}
	}
}

func (c *Classifier) dispatch(ctx context.Context, env bus.Envelope) {
	if env.Type != bus.TypeClassifyQuestion {
		return
	}
	in := Input{
		SessionID:     env.SessionID,
		RequestID:     env.RequestID,
		Question:      env.Get("question"),
		Context:       env.Get("context"),
		IsNewQuestion: env.Get("is_new_question") == "true",
	}
	if _, err := c.Classify(ctx, in); err != nil {
		_ = c.Bus.Send(ctx, bus.Envelope{
			Type:      bus.TypeError,
			SessionID: env.SessionID,
			RequestID: env.RequestID,
			Payload:   map[string]string{"message": err.Error()},
		})
	}
}
