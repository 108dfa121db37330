package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBus_SendReadAck(t *testing.T) {
	b := NewMemory()
	ctx := context.Background()

	require.NoError(t, b.Send(ctx, Envelope{Type: TypeClassifyQuestion, SessionID: "s1", RequestID: "r1"}))
	require.NoError(t, b.Send(ctx, Envelope{Type: TypeClassificationComplete, SessionID: "s1", RequestID: "r1"}))

	envs, err := b.Read(ctx, "s1", 10, 0)
	require.NoError(t, err)
	require.Len(t, envs, 2)
	assert.Equal(t, TypeClassifyQuestion, envs[0].Type)
	assert.Equal(t, TypeClassificationComplete, envs[1].Type)

	require.NoError(t, b.Ack(ctx, "s1", envs[0].ID))
	remaining, err := b.Read(ctx, "s1", 10, 0)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, TypeClassificationComplete, remaining[0].Type)
}

func TestMemoryBus_SessionsAreIndependent(t *testing.T) {
	b := NewMemory()
	ctx := context.Background()

	require.NoError(t, b.Send(ctx, Envelope{Type: TypeStreamingChunk, SessionID: "a"}))
	require.NoError(t, b.Send(ctx, Envelope{Type: TypeStreamingChunk, SessionID: "b"}))

	aEnvs, err := b.Read(ctx, "a", 10, 0)
	require.NoError(t, err)
	require.Len(t, aEnvs, 1)

	bEnvs, err := b.Read(ctx, "b", 10, 0)
	require.NoError(t, err)
	require.Len(t, bEnvs, 1)
}

func TestMemoryBus_PublishSubscribe(t *testing.T) {
	b := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := b.Subscribe(ctx, "Clarifier")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, Envelope{Type: TypeNeedClarification, TargetAgent: "Clarifier", SessionID: "s1"}))
	require.NoError(t, b.Publish(ctx, Envelope{Type: TypeGenerateAnswer, TargetAgent: "Answer", SessionID: "s1"}))

	select {
	case env := <-ch:
		assert.Equal(t, TypeNeedClarification, env.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast")
	}

	select {
	case env := <-ch:
		t.Fatalf("unexpected second envelope for this subscriber: %+v", env)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBus_ReadBlocksUntilTimeout(t *testing.T) {
	b := NewMemory()
	ctx := context.Background()

	start := time.Now()
	envs, err := b.Read(ctx, "empty", 10, 80)
	require.NoError(t, err)
	assert.Empty(t, envs)
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}
