package clarifier

import (
	"context"

	"github.com/maice-tutor/orchestrator/pkg/bus"
	"github.com/maice-tutor/orchestrator/pkg/classifier"
)

// Run subscribes to the broadcast channel under this agent's name and
// dispatches each matching envelope to OnNeedClarification or
// ProcessClarification, until ctx is cancelled (spec §5 "Suspension
// points": bus reads, LLM calls, never holding a lock across either).
func (c *Clarifier) Run(ctx context.Context) error {
	ch, err := c.Bus.Subscribe(ctx, "Clarifier")
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

func (c *Clarifier) dispatch(ctx context.Context, env bus.Envelope) {
	var err error
	switch env.Type {
	case bus.TypeNeedClarification:
		var result classifier.Result
		_ = bus.UnmarshalPayload(env.Get("result"), &result)
		err = c.OnNeedClarification(ctx, NeedClarificationInput{
			SessionID: env.SessionID,
			RequestID: env.RequestID,
			Question:  env.Get("question"),
			Context:   env.Get("context"),
			Result:    result,
		})
	case bus.TypeProcessClarification:
		var hist []Exchange
		_ = bus.UnmarshalPayload(env.Get("history"), &hist)
		err = c.ProcessClarification(ctx, ProcessClarificationInput{
			SessionID: env.SessionID,
			RequestID: env.RequestID,
			Answer:    env.Get("answer"),
			History:   hist,
		})
	default:
		return
	}
	if err != nil {
		_ = c.Bus.Send(ctx, bus.Envelope{
			Type:      bus.TypeError,
			SessionID: env.SessionID,
			RequestID: env.RequestID,
			Payload:   map[string]string{"message": err.Error()},
		})
	}
}
