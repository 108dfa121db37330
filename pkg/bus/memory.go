package bus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memoryBus is an in-process Bus for tests and single-process demos:
// one append-only slice per session stream guarded by a single mutex,
// plus a slice of subscriber channels for broadcast. No cross-process
// durability.
type memoryBus struct {
	mu      sync.Mutex
	streams map[string][]Envelope
	acked   map[string]map[string]bool

	subsMu sync.Mutex
	subs   []subscription
}

type subscription struct {
	targetAgent string
	ch          chan Envelope
}

// NewMemory returns an in-process Bus.
func NewMemory() Bus {
	return &memoryBus{
		streams: make(map[string][]Envelope),
		acked:   make(map[string]map[string]bool),
	}
}

func (b *memoryBus) Send(ctx context.Context, env Envelope) error {
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now()
	}
	if err := checkSize(env); err != nil {
		return err
	}
	b.mu.Lock()
	b.streams[env.SessionID] = append(b.streams[env.SessionID], env)
	b.mu.Unlock()
	return nil
}

func (b *memoryBus) Read(ctx context.Context, sessionID string, maxCount int, blockMS int) ([]Envelope, error) {
	deadline := time.Now().Add(time.Duration(blockMS) * time.Millisecond)
	for {
		b.mu.Lock()
		acked := b.acked[sessionID]
		var out []Envelope
		for _, env := range b.streams[sessionID] {
			if acked[env.ID] {
				continue
			}
			out = append(out, env)
			if maxCount > 0 && len(out) >= maxCount {
				break
			}
		}
		b.mu.Unlock()

		if len(out) > 0 {
			return out, nil
		}
		if blockMS <= 0 || time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(defaultBlockInterval):
		}
	}
}

func (b *memoryBus) Ack(ctx context.Context, sessionID, envelopeID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.acked[sessionID] == nil {
		b.acked[sessionID] = make(map[string]bool)
	}
	b.acked[sessionID][envelopeID] = true
	return nil
}

func (b *memoryBus) Publish(ctx context.Context, env Envelope) error {
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now()
	}
	if err := checkSize(env); err != nil {
		return err
	}
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	for _, s := range b.subs {
		if s.targetAgent != "" && s.targetAgent != env.TargetAgent {
			continue
		}
		select {
		case s.ch <- env:
		default:
			// Slow subscriber: drop rather than block the publisher,
			// consistent with the bus's no-persistence broadcast contract.
		}
	}
	return nil
}

func (b *memoryBus) Subscribe(ctx context.Context, targetAgent string) (<-chan Envelope, error) {
	ch := make(chan Envelope, 64)
	sub := subscription{targetAgent: targetAgent, ch: ch}

	b.subsMu.Lock()
	b.subs = append(b.subs, sub)
	b.subsMu.Unlock()

	go func() {
		<-ctx.Done()
		b.subsMu.Lock()
		defer b.subsMu.Unlock()
		for i, s := range b.subs {
			if s.ch == ch {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()

	return ch, nil
}
