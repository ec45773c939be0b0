package services

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"guided-scan/backend/internal/logging"
	"guided-scan/backend/internal/repository"
	"guided-scan/backend/pkg/models"
)

// PollConfig bounds the run polling loop. Both the attempt cap and the
// wall-clock budget are enforced; exceeding either yields ErrRunTimeout.
type PollConfig struct {
	Interval    time.Duration
	MaxAttempts int
	Timeout     time.Duration
}

// DefaultPollConfig returns the default polling budgets.
func DefaultPollConfig() PollConfig {
	return PollConfig{
		Interval:    time.Second,
		MaxAttempts: 60,
		Timeout:     30 * time.Second,
	}
}

// RunExecutor drives one request/response turn of a remote conversational
// agent: reuse or create the thread, submit the message, start a run,
// poll until terminal, fetch the response and persist the transcript.
type RunExecutor struct {
	repo   repository.Repository
	client AssistantClient
	logger *logging.Logger
	poll   PollConfig

	pollCounter metric.Int64Counter
	runCounter  metric.Int64Counter
}

// NewRunExecutor creates a new RunExecutor.
func NewRunExecutor(repo repository.Repository, client AssistantClient, logger *logging.Logger, poll PollConfig) *RunExecutor {
	if poll.Interval <= 0 {
		poll = DefaultPollConfig()
	}
	meter := otel.Meter("guided-scan/run-executor")
	pollCounter, _ := meter.Int64Counter("scan.run.polls",
		metric.WithDescription("Status polls issued against remote runs"))
	runCounter, _ := meter.Int64Counter("scan.run.outcomes",
		metric.WithDescription("Terminal outcomes of remote runs"))
	return &RunExecutor{
		repo:        repo,
		client:      client,
		logger:      logger,
		poll:        poll,
		pollCounter: pollCounter,
		runCounter:  runCounter,
	}
}

// EnsureThread returns the conversation's remote thread id, creating and
// persisting one first if needed. The thread id is stored before any
// message is sent, so a retried call reuses the persisted thread instead
// of creating a duplicate.
func (e *RunExecutor) EnsureThread(ctx context.Context, conv *models.Conversation) (string, error) {
	if conv.ThreadID != nil && *conv.ThreadID != "" {
		return *conv.ThreadID, nil
	}

	threadID, err := e.client.CreateThread(ctx)
	if err != nil {
		return "", fmt.Errorf("ensure thread: %w", err)
	}
	if err := e.repo.SetConversationThread(ctx, conv.ID, threadID); err != nil {
		return "", fmt.Errorf("persist thread id: %w", err)
	}
	conv.ThreadID = &threadID
	e.logger.Debug("created remote thread", "conversation_id", conv.ID, "thread_id", threadID)
	return threadID, nil
}

// SendTurn submits a user message, runs the assistant against the thread
// and returns the assistant's response text. On success exactly one user
// and one assistant message are persisted locally. On any failure nothing
// is persisted, so a fresh SendTurn (which starts a new run) is safe.
func (e *RunExecutor) SendTurn(ctx context.Context, conv *models.Conversation, assistantID, message string) (string, error) {
	threadID, err := e.EnsureThread(ctx, conv)
	if err != nil {
		return "", err
	}

	// Remote failures before and during the run all surface as RunFailed,
	// so callers see one taxonomy for "the service did not produce a turn".
	if err := e.client.PostMessage(ctx, threadID, message); err != nil {
		return "", &RunFailedError{Status: fmt.Sprintf("post message failed: %v", err)}
	}

	runID, err := e.client.StartRun(ctx, threadID, assistantID)
	if err != nil {
		return "", &RunFailedError{Status: fmt.Sprintf("start run failed: %v", err)}
	}

	status, err := e.awaitRun(ctx, threadID, runID)
	if err != nil {
		return "", err
	}
	e.runCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
	if status != models.RunStatusCompleted {
		return "", &RunFailedError{RunID: runID, Status: string(status)}
	}

	responseText, err := e.latestAssistantMessage(ctx, threadID, runID)
	if err != nil {
		return "", err
	}

	userMsg := &models.Message{ConversationID: conv.ID, Role: models.MessageRoleUser, Content: message}
	if err := e.repo.AppendMessage(ctx, userMsg); err != nil {
		return "", fmt.Errorf("persist user message: %w", err)
	}
	assistantMsg := &models.Message{ConversationID: conv.ID, Role: models.MessageRoleAssistant, Content: responseText}
	if err := e.repo.AppendMessage(ctx, assistantMsg); err != nil {
		return "", fmt.Errorf("persist assistant message: %w", err)
	}

	return responseText, nil
}

// awaitRun polls the run status on a fixed interval until the run reaches
// a terminal status or the budget is exhausted. The sleep between polls
// honours ctx, so an abandoned request does not leak the loop.
func (e *RunExecutor) awaitRun(ctx context.Context, threadID, runID string) (models.RunStatus, error) {
	deadline := time.Now().Add(e.poll.Timeout)

	for attempt := 0; attempt < e.poll.MaxAttempts; attempt++ {
		status, err := e.client.GetRunStatus(ctx, threadID, runID)
		if err != nil {
			return "", &RunFailedError{RunID: runID, Status: fmt.Sprintf("status check failed: %v", err)}
		}
		e.pollCounter.Add(ctx, 1)

		if status.Terminal() {
			return status, nil
		}
		if time.Now().Add(e.poll.Interval).After(deadline) {
			break
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(e.poll.Interval):
		}
	}

	e.logger.Warn("run polling budget exhausted",
		"thread_id", threadID, "run_id", runID,
		"max_attempts", e.poll.MaxAttempts, "timeout", e.poll.Timeout)
	return "", ErrRunTimeout
}

// latestAssistantMessage returns the newest assistant message authored by
// the given run, falling back to the newest assistant message on the
// thread when the service does not tag messages with run ids.
func (e *RunExecutor) latestAssistantMessage(ctx context.Context, threadID, runID string) (string, error) {
	msgs, err := e.client.ListThreadMessages(ctx, threadID)
	if err != nil {
		return "", &RunFailedError{RunID: runID, Status: fmt.Sprintf("fetch messages failed: %v", err)}
	}

	var fallback string
	for _, msg := range msgs {
		if msg.Role != models.MessageRoleAssistant {
			continue
		}
		if msg.RunID == runID {
			return msg.Content, nil
		}
		if fallback == "" {
			fallback = msg.Content
		}
	}
	if fallback != "" {
		return fallback, nil
	}
	return "", &RunFailedError{RunID: runID, Status: "completed without assistant message"}
}
