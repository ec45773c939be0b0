package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guided-scan/backend/internal/logging"
	"guided-scan/backend/pkg/models"
)

func testPollConfig() PollConfig {
	return PollConfig{Interval: time.Millisecond, MaxAttempts: 10, Timeout: time.Second}
}

func TestSendTurnCompletedRun(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	client := &fakeAssistant{
		statuses: []models.RunStatus{models.RunStatusQueued, models.RunStatusInProgress, models.RunStatusCompleted},
		replies: []ThreadMessage{
			{ID: "m2", RunID: "run-1", Role: models.MessageRoleAssistant, Content: "the answer"},
			{ID: "m1", Role: models.MessageRoleUser, Content: "the question"},
		},
	}
	executor := NewRunExecutor(repo, client, logging.NewLogger(), testPollConfig())

	conv, err := repo.GetOrCreateConversation(ctx, "agent-1", "user-1")
	require.NoError(t, err)

	response, err := executor.SendTurn(ctx, conv, "asst-1", "the question")
	require.NoError(t, err)
	assert.Equal(t, "the answer", response)

	// Exactly one user and one assistant message persisted, user first.
	msgs, err := repo.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, models.MessageRoleUser, msgs[0].Role)
	assert.Equal(t, "the question", msgs[0].Content)
	assert.Equal(t, models.MessageRoleAssistant, msgs[1].Role)
	assert.Equal(t, "the answer", msgs[1].Content)

	// Thread id was persisted on the conversation.
	require.NotNil(t, conv.ThreadID)
	assert.Equal(t, "thread-1", *conv.ThreadID)
}

func TestSendTurnRunNeverCompletes(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	client := &fakeAssistant{} // always in_progress
	executor := NewRunExecutor(repo, client, logging.NewLogger(), PollConfig{
		Interval:    time.Millisecond,
		MaxAttempts: 3,
		Timeout:     time.Second,
	})

	conv, err := repo.GetOrCreateConversation(ctx, "agent-1", "user-1")
	require.NoError(t, err)

	_, err = executor.SendTurn(ctx, conv, "asst-1", "hello")
	require.ErrorIs(t, err, ErrRunTimeout)
	assert.Equal(t, 3, client.statusCalls)

	// Nothing persisted on failure.
	assert.Equal(t, 0, repo.messageCount())
}

func TestSendTurnWallClockBudget(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	client := &fakeAssistant{}
	executor := NewRunExecutor(repo, client, logging.NewLogger(), PollConfig{
		Interval:    50 * time.Millisecond,
		MaxAttempts: 1000,
		Timeout:     10 * time.Millisecond,
	})

	conv, err := repo.GetOrCreateConversation(ctx, "agent-1", "user-1")
	require.NoError(t, err)

	start := time.Now()
	_, err = executor.SendTurn(ctx, conv, "asst-1", "hello")
	require.ErrorIs(t, err, ErrRunTimeout)
	// The wall-clock budget cut the loop long before 1000 attempts.
	assert.Less(t, time.Since(start), time.Second)
	assert.Less(t, client.statusCalls, 5)
}

func TestSendTurnRunFailed(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	client := &fakeAssistant{
		statuses: []models.RunStatus{models.RunStatusInProgress, models.RunStatusFailed},
	}
	executor := NewRunExecutor(repo, client, logging.NewLogger(), testPollConfig())

	conv, err := repo.GetOrCreateConversation(ctx, "agent-1", "user-1")
	require.NoError(t, err)

	_, err = executor.SendTurn(ctx, conv, "asst-1", "hello")

	var runErr *RunFailedError
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, "run-1", runErr.RunID)
	assert.Equal(t, string(models.RunStatusFailed), runErr.Status)
	assert.Equal(t, 0, repo.messageCount())
}

func TestSendTurnContextCancelled(t *testing.T) {
	repo := newFakeRepo()
	client := &fakeAssistant{}
	executor := NewRunExecutor(repo, client, logging.NewLogger(), PollConfig{
		Interval:    time.Hour,
		MaxAttempts: 10,
		Timeout:     24 * time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	conv, err := repo.GetOrCreateConversation(ctx, "agent-1", "user-1")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := executor.SendTurn(ctx, conv, "asst-1", "hello")
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("SendTurn did not return after context cancellation")
	}
}

func TestEnsureThreadIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	client := &fakeAssistant{}
	executor := NewRunExecutor(repo, client, logging.NewLogger(), testPollConfig())

	conv, err := repo.GetOrCreateConversation(ctx, "agent-1", "user-1")
	require.NoError(t, err)

	first, err := executor.EnsureThread(ctx, conv)
	require.NoError(t, err)
	second, err := executor.EnsureThread(ctx, conv)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, client.threadsCreated)
}

func TestSendTurnFallbackAssistantMessage(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	client := &fakeAssistant{
		statuses: []models.RunStatus{models.RunStatusCompleted},
		// No run id on the reply; the executor falls back to the newest
		// assistant message on the thread.
		replies: []ThreadMessage{
			{ID: "m2", Role: models.MessageRoleAssistant, Content: "untagged reply"},
		},
	}
	executor := NewRunExecutor(repo, client, logging.NewLogger(), testPollConfig())

	conv, err := repo.GetOrCreateConversation(ctx, "agent-1", "user-1")
	require.NoError(t, err)

	response, err := executor.SendTurn(ctx, conv, "asst-1", "hello")
	require.NoError(t, err)
	assert.Equal(t, "untagged reply", response)
}

func TestSendTurnNoAssistantMessage(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	client := &fakeAssistant{
		statuses: []models.RunStatus{models.RunStatusCompleted},
	}
	executor := NewRunExecutor(repo, client, logging.NewLogger(), testPollConfig())

	conv, err := repo.GetOrCreateConversation(ctx, "agent-1", "user-1")
	require.NoError(t, err)

	_, err = executor.SendTurn(ctx, conv, "asst-1", "hello")
	var runErr *RunFailedError
	require.True(t, errors.As(err, &runErr))
	assert.Equal(t, 0, repo.messageCount())
}
