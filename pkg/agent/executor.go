package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/autopoiesis-io/autopoiesis/pkg/approval"
	"github.com/autopoiesis-io/autopoiesis/pkg/checkpoint"
	"github.com/autopoiesis-io/autopoiesis/pkg/events"
	"github.com/autopoiesis-io/autopoiesis/pkg/models"
	"github.com/autopoiesis-io/autopoiesis/pkg/notify"
)

// Work item outcome statuses, published with the stream's done event and
// carried into completion notifications.
const (
	StatusDone          = "done"
	StatusDeferred      = "deferred"
	StatusPartialResult = "partial_result"
	StatusFailed        = "failed"
	StatusCancelled     = "cancelled"
)

// StreamFactory builds the stream handle observing one work item. A nil
// factory (or a nil return) runs the item unobserved.
type StreamFactory func(item *models.WorkItem) events.StreamHandle

// Executor runs work items against agent runtimes. It satisfies the queue's
// executor contract: the dispatcher hands it one item at a time per agent.
type Executor struct {
	registry *Registry
	notifier *notify.Service
	streams  StreamFactory
	logger   *slog.Logger
}

// NewExecutor wires the work item executor. notifier may be nil.
func NewExecutor(registry *Registry, notifier *notify.Service, streams StreamFactory) *Executor {
	return &Executor{
		registry: registry,
		notifier: notifier,
		streams:  streams,
		logger:   slog.Default().With("component", "agent.executor"),
	}
}

// Execute runs one work item to a terminal output. Fresh items start a turn
// from the prompt; continuations verify the signed decisions, consume the
// envelope, and resume the deferred turn. Guard breaches degrade into a
// partial_result output; every other failure propagates to the waiter.
func (e *Executor) Execute(ctx context.Context, item *models.WorkItem) (*models.WorkItemOutput, error) {
	rt, err := e.registry.GetOrCreate(ctx, item.AgentID)
	if err != nil {
		return nil, err
	}

	// Continuations execute under the deferring item's id so the checkpoint,
	// scope, and event channel all line up with the original turn.
	turnID := item.ID
	if item.IsContinuation() {
		turnID = item.Input.ApprovalContextID
	}
	logger := e.logger.With("work_item_id", turnID, "agent_id", rt.AgentID)

	stream := e.newStream(item)
	status := StatusFailed
	defer func() {
		if s, ok := stream.(interface{ SetStatus(string) }); ok {
			s.SetStatus(status)
		}
		stream.Close()
	}()

	messages, rounds, recovered, err := loadHistory(ctx, rt, item, turnID)
	if err != nil {
		return nil, err
	}

	var resumed *models.DeferredToolResults
	switch {
	case item.IsContinuation():
		resumed, err = rt.Approvals.VerifyAndConsume(ctx,
			[]byte(item.Input.DeferredToolResultsJSON), rt.Scope(turnID), rt.Keys)
		if err != nil {
			logger.Warn("Continuation rejected", "code", approval.VerificationCode(err), "error", err)
			return nil, err
		}
	case recovered:
		// A checkpoint on a fresh item means a crashed run: its history
		// already opens with this prompt, so the turn resumes instead of
		// replaying it.
		logger.Info("Resuming from checkpoint", "rounds", rounds)
	default:
		messages = append(messages, models.Message{Role: models.RoleUser, Content: item.Input.Prompt})
	}

	ctx = checkpoint.WithWorkItem(ctx, turnID)
	pipeline, err := rt.Pipeline(item.TopicRef)
	if err != nil {
		return nil, err
	}
	messages, err = pipeline.Run(ctx, messages)
	if err != nil {
		return nil, fmt.Errorf("history pipeline failed: %w", err)
	}

	result, err := rt.Turn(ctx, messages, resumed, rounds, stream)
	if err != nil {
		var lerr *LimitError
		switch {
		case errors.As(err, &lerr):
			status = StatusPartialResult
			output := e.partialResult(ctx, rt, turnID, messages, lerr)
			e.notifyCompletion(ctx, rt, turnID, StatusPartialResult, output.Text)
			return output, nil
		case errors.Is(err, context.Canceled):
			status = StatusCancelled
			logger.Info("Work item cancelled")
			return nil, err
		default:
			// Provider and infrastructure errors keep the checkpoint so a
			// resubmitted item resumes instead of replaying from scratch.
			logger.Error("Turn failed", "error", err)
			e.notifyCompletion(ctx, rt, turnID, StatusFailed, err.Error())
			return nil, err
		}
	}

	historyJSON, err := models.EncodeHistory(result.Messages)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result history: %w", err)
	}

	if len(result.Deferred) > 0 {
		output, err := e.deferTurn(ctx, rt, turnID, result, historyJSON)
		if err != nil {
			return nil, err
		}
		status = StatusDeferred
		return output, nil
	}

	if err := rt.Checkpoints.Clear(ctx, turnID); err != nil {
		logger.Error("Failed to clear checkpoint", "error", err)
	}
	status = StatusDone
	logger.Info("Work item done", "rounds", result.Rounds, "tokens_used", result.TokensUsed)
	e.notifyCompletion(ctx, rt, turnID, StatusDone, result.Text)
	return &models.WorkItemOutput{
		Text:               result.Text,
		MessageHistoryJSON: historyJSON,
	}, nil
}

// deferTurn stores an approval envelope for the turn's pending calls and
// shapes the deferred output. The checkpoint stays in place; the
// continuation resumes from it.
func (e *Executor) deferTurn(ctx context.Context, rt *Runtime, turnID string, result *TurnResult, historyJSON string) (*models.WorkItemOutput, error) {
	keyID, err := rt.Keys.CurrentKeyID()
	if err != nil {
		return nil, fmt.Errorf("cannot defer for approval without a keyring: %w", err)
	}
	env, err := rt.Approvals.CreateEnvelope(ctx, rt.Scope(turnID), result.Deferred, keyID)
	if err != nil {
		return nil, err
	}
	payload, err := approval.DeferredRequestsPayload(env)
	if err != nil {
		return nil, err
	}
	requestsJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode deferred requests: %w", err)
	}

	e.notifier.NotifyApprovalPending(ctx, notify.ApprovalPendingInput{
		WorkItemID: turnID,
		AgentID:    rt.AgentID,
		Nonce:      env.Nonce,
		Requests:   requestLines(payload.Requests),
	})
	return &models.WorkItemOutput{
		DeferredToolRequestsJSON: string(requestsJSON),
		MessageHistoryJSON:       historyJSON,
	}, nil
}

// partialResult converts a guard breach into the degraded output. The last
// checkpoint carries the furthest saved history; with none saved yet the
// pre-turn history stands in. The checkpoint is cleared because the item is
// terminal.
func (e *Executor) partialResult(ctx context.Context, rt *Runtime, turnID string, preTurn []models.Message, lerr *LimitError) *models.WorkItemOutput {
	historyJSON := ""
	if cp, err := rt.Checkpoints.Load(ctx, turnID); err == nil && cp != nil {
		historyJSON = cp.HistoryJSON
	}
	if historyJSON == "" {
		if encoded, err := models.EncodeHistory(preTurn); err == nil {
			historyJSON = encoded
		}
	}
	if err := rt.Checkpoints.Clear(ctx, turnID); err != nil {
		e.logger.Error("Failed to clear checkpoint", "work_item_id", turnID, "error", err)
	}
	e.logger.Warn("Turn aborted by guard", "work_item_id", turnID, "guard", lerr.Code)
	return &models.WorkItemOutput{
		Text:               fmt.Sprintf("[partial_result: %s] %s", lerr.Code, lerr.Message),
		MessageHistoryJSON: historyJSON,
	}
}

func (e *Executor) newStream(item *models.WorkItem) events.StreamHandle {
	if e.streams == nil {
		return events.NullHandle{}
	}
	if handle := e.streams(item); handle != nil {
		return handle
	}
	return events.NullHandle{}
}

func (e *Executor) notifyCompletion(ctx context.Context, rt *Runtime, turnID, status, summary string) {
	e.notifier.NotifyCompletion(ctx, notify.CompletionInput{
		WorkItemID: turnID,
		AgentID:    rt.AgentID,
		Status:     status,
		Summary:    summarise(summary),
	})
}

// loadHistory picks the turn's starting history: a checkpoint found at
// pickup wins over the transported history, which covers both crash
// recovery and approval continuations.
func loadHistory(ctx context.Context, rt *Runtime, item *models.WorkItem, turnID string) ([]models.Message, int, bool, error) {
	cp, err := rt.Checkpoints.Load(ctx, turnID)
	if err != nil {
		return nil, 0, false, err
	}
	if cp != nil {
		messages, err := models.DecodeHistory(cp.HistoryJSON)
		if err != nil {
			return nil, 0, false, fmt.Errorf("failed to decode checkpoint history: %w", err)
		}
		return messages, cp.RoundCount, true, nil
	}
	messages, err := models.DecodeHistory(item.Input.MessageHistoryJSON)
	if err != nil {
		return nil, 0, false, fmt.Errorf("failed to decode transported history: %w", err)
	}
	return messages, 0, false, nil
}

// requestLines renders deferred calls for the notification card, one line
// per call.
func requestLines(requests []models.ToolCallRequest) []string {
	lines := make([]string, 0, len(requests))
	for _, r := range requests {
		args := strings.Join(strings.Fields(string(r.Args)), " ")
		if len(args) > 120 {
			args = args[:120] + "..."
		}
		lines = append(lines, fmt.Sprintf("%s %s", r.ToolName, args))
	}
	return lines
}

func summarise(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i]
	}
	if len(text) > 200 {
		text = text[:200] + "..."
	}
	return text
}
