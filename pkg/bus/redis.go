package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// redisBus is the production Bus: Redis Streams back the durable,
// ordered per-session stream (XADD/XREADGROUP/XACK give exactly the
// append/read/ack primitives spec §4.1 names), and Redis Pub/Sub backs
// the advisory broadcast channel. Grounded on the teacher pack's
// go-redis usage (redis.UniversalClient, Ping-on-connect, context-scoped
// calls).
type redisBus struct {
	client redis.UniversalClient
	group  string
}

const (
	streamKeyPrefix  = "maice:session:"
	broadcastChannel = "maice:broadcast"
	consumerGroup    = "router"
	consumerName     = "router-1"
)

// NewRedis connects to addr and returns a Redis-backed Bus.
func NewRedis(ctx context.Context, addr string) (Bus, error) {
	opts, err := redis.ParseURL(addr)
	if err != nil {
		// Fall back to treating addr as a bare host:port.
		opts = &redis.Options{Addr: addr}
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("bus: redis ping: %w", err)
	}
	return &redisBus{client: client, group: consumerGroup}, nil
}

func streamKey(sessionID string) string { return streamKeyPrefix + sessionID }

func envelopeToFields(env Envelope) map[string]any {
	fields := map[string]any{
		"id":           env.ID,
		"type":         string(env.Type),
		"session_id":   env.SessionID,
		"request_id":   env.RequestID,
		"target_agent": env.TargetAgent,
		"timestamp":    env.Timestamp.Format(time.RFC3339Nano),
	}
	for k, v := range env.Payload {
		fields["payload."+k] = v
	}
	return fields
}

func fieldsToEnvelope(id string, fields map[string]any) Envelope {
	env := Envelope{
		ID:      id,
		Payload: make(map[string]string),
	}
	for k, v := range fields {
		s := fmt.Sprint(v)
		switch {
		case k == "type":
			env.Type = EnvelopeType(s)
		case k == "session_id":
			env.SessionID = s
		case k == "request_id":
			env.RequestID = s
		case k == "target_agent":
			env.TargetAgent = s
		case k == "timestamp":
			if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
				env.Timestamp = t
			}
		case len(k) > len("payload.") && k[:len("payload.")] == "payload.":
			env.Payload[k[len("payload."):]] = s
		}
	}
	return env
}

func (b *redisBus) ensureGroup(ctx context.Context, key string) error {
	err := b.client.XGroupCreateMkStream(ctx, key, b.group, "0").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return err
	}
	return nil
}

func (b *redisBus) Send(ctx context.Context, env Envelope) error {
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now()
	}
	if err := checkSize(env); err != nil {
		return err
	}
	key := streamKey(env.SessionID)
	op := func() (string, error) {
		return b.client.XAdd(ctx, &redis.XAddArgs{
			Stream: key,
			Values: envelopeToFields(env),
		}).Result()
	}
	_, err := backoff.Retry(ctx, op, backoff.WithMaxTries(3))
	if err != nil {
		return fmt.Errorf("bus: send: %w", err)
	}
	return nil
}

func (b *redisBus) Read(ctx context.Context, sessionID string, maxCount int, blockMS int) ([]Envelope, error) {
	key := streamKey(sessionID)
	if err := b.ensureGroup(ctx, key); err != nil {
		return nil, fmt.Errorf("bus: ensure group: %w", err)
	}
	if maxCount <= 0 {
		maxCount = 50
	}
	// Entries read earlier but not yet ACKed ("0") come before new ones
	// (">"). A negative Block sends no BLOCK argument, so blockMS <= 0
	// returns at once instead of waiting indefinitely.
	var res []redis.XStream
	var err error
	for _, start := range []string{"0", ">"} {
		block := time.Duration(-1)
		if start == ">" && blockMS > 0 {
			block = time.Duration(blockMS) * time.Millisecond
		}
		res, err = b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.group,
			Consumer: consumerName,
			Streams:  []string{key, start},
			Count:    int64(maxCount),
			Block:    block,
		}).Result()
		if err != nil || (len(res) > 0 && len(res[0].Messages) > 0) {
			break
		}
	}
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("bus: read: %w", err)
	}

	var out []Envelope
	for _, stream := range res {
		for _, msg := range stream.Messages {
			out = append(out, fieldsToEnvelope(msg.ID, msg.Values))
		}
	}
	return out, nil
}

func (b *redisBus) Ack(ctx context.Context, sessionID, envelopeID string) error {
	key := streamKey(sessionID)
	if err := b.client.XAck(ctx, key, b.group, envelopeID).Err(); err != nil {
		return fmt.Errorf("bus: ack: %w", err)
	}
	return nil
}

func (b *redisBus) Publish(ctx context.Context, env Envelope) error {
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now()
	}
	if err := checkSize(env); err != nil {
		return err
	}
	payload, err := MarshalPayload(env)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, broadcastChannel, payload).Err(); err != nil {
		return fmt.Errorf("bus: publish: %w", err)
	}
	return nil
}

func (b *redisBus) Subscribe(ctx context.Context, targetAgent string) (<-chan Envelope, error) {
	pubsub := b.client.Subscribe(ctx, broadcastChannel)
	raw := pubsub.Channel()
	out := make(chan Envelope, 64)

	go func() {
		defer close(out)
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-raw:
				if !ok {
					return
				}
				var env Envelope
				if err := UnmarshalPayload(msg.Payload, &env); err != nil {
					continue
				}
				if targetAgent != "" && env.TargetAgent != targetAgent {
					continue
				}
				select {
				case out <- env:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}
