package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Bus is the two-primitive contract every agent and the Router depend
// on: a durable per-session stream, and an advisory broadcast channel.
type Bus interface {
	// Send appends env to its session's stream. env.ID is assigned if empty.
	Send(ctx context.Context, env Envelope) error

	// Read returns up to maxCount un-ACKed envelopes for sessionID, in
	// order, blocking up to blockMS if none are available.
	Read(ctx context.Context, sessionID string, maxCount int, blockMS int) ([]Envelope, error)

	// Ack marks envelopeID delivered; future Read calls skip it.
	Ack(ctx context.Context, sessionID, envelopeID string) error

	// Publish fans env out to every active broadcast subscriber. No
	// persistence, no ACK, no ordering guarantee across sessions.
	Publish(ctx context.Context, env Envelope) error

	// Subscribe returns a channel of broadcast envelopes matching
	// targetAgent (or all envelopes if targetAgent is ""). The channel
	// closes when ctx is done.
	Subscribe(ctx context.Context, targetAgent string) (<-chan Envelope, error)
}

// MarshalPayload JSON-encodes v into a payload field value, the
// "nested structures are JSON-encoded" rule from spec §4.1.
func MarshalPayload(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("bus: marshal payload: %w", err)
	}
	return string(b), nil
}

// UnmarshalPayload decodes a JSON payload field value into v.
func UnmarshalPayload(s string, v any) error {
	if err := json.Unmarshal([]byte(s), v); err != nil {
		return fmt.Errorf("bus: unmarshal payload: %w", err)
	}
	return nil
}

// checkSize enforces MaxEnvelopeBytes at Send/Publish time.
func checkSize(env Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("bus: encode envelope: %w", err)
	}
	if len(b) > MaxEnvelopeBytes {
		return fmt.Errorf("bus: envelope exceeds %d bytes", MaxEnvelopeBytes)
	}
	return nil
}

// defaultBlockInterval is how often an in-memory Read poll loop wakes
// up while waiting for new envelopes, used when a backend has no
// native blocking-read primitive.
const defaultBlockInterval = 20 * time.Millisecond
