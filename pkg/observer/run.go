package observer

import (
	"context"

	"github.com/maice-tutor/orchestrator/pkg/bus"
)

// Run subscribes to the "Observer" broadcast channel, where the Answer
// Agent fires generate_summary and the Context Assembler fires
// update_summary (spec §4.7).
func (o *Observer) Run(ctx context.Context) error {
	ch, err := o.Bus.Subscribe(ctx, "Observer")
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
			go o.dispatch(ctx, env)
		}
	}
}

func (o *Observer) dispatch(ctx context.Context, env bus.Envelope) {
	switch env.Type {
	case bus.TypeGenerateSummary:
		if err := o.GenerateSummary(ctx, GenerateSummaryInput{
			SessionID: env.SessionID,
			RequestID: env.RequestID,
			Question:  env.Get("question"),
			Answer:    env.Get("answer"),
		}); err != nil {
			_ = o.Bus.Send(ctx, bus.Envelope{
				Type:      bus.TypeError,
				SessionID: env.SessionID,
				RequestID: env.RequestID,
				Payload:   map[string]string{"message": err.Error()},
			})
		}

	case bus.TypeUpdateSummary:
		var wrapped struct {
			Messages string `json:"messages"`
		}
		_ = bus.UnmarshalPayload(env.Get("older_messages"), &wrapped)
		// Advisory background path: errors are never surfaced to the
		// client, since no request is waiting on this work.
		_ = o.UpdateSummary(ctx, UpdateSummaryInput{
			SessionID:     env.SessionID,
			OlderMessages: wrapped.Messages,
		})
	}
}
