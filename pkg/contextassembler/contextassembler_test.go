package contextassembler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maice-tutor/orchestrator/pkg/bus"
	"github.com/maice-tutor/orchestrator/pkg/session"
)

func seedMessages(t *testing.T, repo session.Repository, sessionID int64, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		_, err := repo.SaveUserMessage(ctx, sessionID, "alice", "question", session.TypeUserFollowUp, nil, "req")
		require.NoError(t, err)
	}
}

func TestAssembler_WindowSizeNewQuestion(t *testing.T) {
	repo := session.NewMemoryRepository()
	b := bus.NewMemory()
	ctx := context.Background()

	sid, err := repo.CreateSession(ctx, "alice", "q")
	require.NoError(t, err)
	seedMessages(t, repo, sid, 25)

	asm, err := New(repo, b, "gpt-4o")
	require.NoError(t, err)

	result, err := asm.Assemble(ctx, sid, "1", false)
	require.NoError(t, err)
	assert.Equal(t, WindowNewQuestion, result.MessageCount)
}

func TestAssembler_WindowSizeFollowUp(t *testing.T) {
	repo := session.NewMemoryRepository()
	b := bus.NewMemory()
	ctx := context.Background()

	sid, err := repo.CreateSession(ctx, "alice", "q")
	require.NoError(t, err)
	seedMessages(t, repo, sid, 35)

	asm, err := New(repo, b, "gpt-4o")
	require.NoError(t, err)

	result, err := asm.Assemble(ctx, sid, "1", true)
	require.NoError(t, err)
	assert.Equal(t, WindowFollowUp, result.MessageCount)
	assert.Contains(t, result.Text, "=== follow-up ===")
}

func TestAssembler_PrependsSummary(t *testing.T) {
	repo := session.NewMemoryRepository()
	b := bus.NewMemory()
	ctx := context.Background()

	sid, err := repo.CreateSession(ctx, "alice", "q")
	require.NoError(t, err)
	require.NoError(t, repo.SaveSummary(ctx, sid, "alice", "q", "student is studying sequences", "req"))

	asm, err := New(repo, b, "gpt-4o")
	require.NoError(t, err)

	result, err := asm.Assemble(ctx, sid, "1", false)
	require.NoError(t, err)
	assert.Contains(t, result.Text, "=== prior summary ===")
	assert.Contains(t, result.Text, "student is studying sequences")
}

func TestAssembler_SchedulesResummarizationBeyondWindow(t *testing.T) {
	repo := session.NewMemoryRepository()
	b := bus.NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sid, err := repo.CreateSession(ctx, "alice", "q")
	require.NoError(t, err)
	seedMessages(t, repo, sid, 25)

	sub, err := b.Subscribe(ctx, "Observer")
	require.NoError(t, err)

	asm, err := New(repo, b, "gpt-4o")
	require.NoError(t, err)

	_, err = asm.Assemble(ctx, sid, "1", false)
	require.NoError(t, err)

	select {
	case env := <-sub:
		assert.Equal(t, bus.TypeUpdateSummary, env.Type)
	default:
		t.Fatal("expected an update_summary broadcast when history exceeds the window")
	}
}
