package history

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/autopoiesis-io/autopoiesis/pkg/checkpoint"
	"github.com/autopoiesis-io/autopoiesis/pkg/models"
)

// CheckpointStage persists the post-pipeline history under the work item
// bound to the context. Without a binding the stage passes through, which
// keeps the pipeline usable for offline history reshaping.
type CheckpointStage struct {
	store  *checkpoint.Store
	logger *slog.Logger
}

// NewCheckpointStage builds the stage over the agent's checkpoint store.
func NewCheckpointStage(store *checkpoint.Store) *CheckpointStage {
	return &CheckpointStage{
		store:  store,
		logger: slog.Default().With("component", "history.checkpoint"),
	}
}

func (c *CheckpointStage) Name() string { return "checkpoint" }

// Process saves the history, preserving the round counter the executor last
// wrote so a continuation does not restart its iteration count.
func (c *CheckpointStage) Process(ctx context.Context, messages []models.Message) ([]models.Message, error) {
	workItemID, ok := checkpoint.WorkItemFromContext(ctx)
	if !ok {
		return messages, nil
	}

	encoded, err := models.EncodeHistory(messages)
	if err != nil {
		return nil, err
	}

	existing, err := c.store.Load(ctx, workItemID)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	round := 0
	if existing != nil {
		round = existing.RoundCount
	}

	if err := c.store.Save(ctx, workItemID, encoded, round); err != nil {
		return nil, fmt.Errorf("save checkpoint: %w", err)
	}
	return messages, nil
}
