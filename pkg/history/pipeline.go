// Package history reshapes a work item's conversation before each turn. The
// stage order is fixed: truncate oversized tool returns, compact under token
// pressure, materialise subscriptions, inject topic context, checkpoint the
// result. Stages report recoverable problems in-band as message content so
// the model sees them; a returned error aborts the turn.
package history

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/autopoiesis-io/autopoiesis/pkg/models"
)

// Processor is one pipeline stage.
type Processor interface {
	// Name identifies the stage in logs and error wrapping.
	Name() string

	// Process transforms the history. Implementations never mutate the
	// input slice.
	Process(ctx context.Context, messages []models.Message) ([]models.Message, error)
}

// Pipeline applies processors in registration order.
type Pipeline struct {
	processors []Processor
	logger     *slog.Logger
}

// NewPipeline builds a pipeline over the given stages.
func NewPipeline(processors ...Processor) *Pipeline {
	return &Pipeline{
		processors: processors,
		logger:     slog.Default().With("component", "history.pipeline"),
	}
}

// Run passes the history through every stage in order.
func (p *Pipeline) Run(ctx context.Context, messages []models.Message) ([]models.Message, error) {
	for _, proc := range p.processors {
		out, err := proc.Process(ctx, messages)
		if err != nil {
			return nil, fmt.Errorf("history stage %s: %w", proc.Name(), err)
		}
		messages = out
	}
	return messages, nil
}

// stripOrigin drops pipeline-injected messages of one origin so the owning
// stage can regenerate them from current state.
func stripOrigin(messages []models.Message, origin string) []models.Message {
	out := make([]models.Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Origin == origin {
			continue
		}
		out = append(out, msg)
	}
	return out
}
