// Package queue dispatches work items onto per-agent queues, each drained
// by exactly one worker goroutine. One in-flight item per agent keeps every
// per-agent store single-writer; distinct agents run in parallel.
package queue

import (
	"context"
	"errors"

	"github.com/autopoiesis-io/autopoiesis/pkg/models"
)

// Sentinel errors for queue operations.
var (
	// ErrQueueFull rejects an enqueue when the agent's queue is at its
	// configured depth.
	ErrQueueFull = errors.New("agent queue is full")

	// ErrDispatcherStopped rejects work submitted after shutdown began and
	// fails waiters whose items never started.
	ErrDispatcherStopped = errors.New("dispatcher is stopped")

	// ErrCancelled is delivered to waiters of cancelled work items.
	ErrCancelled = errors.New("work item cancelled")
)

// Executor runs one work item to a terminal output. The dispatcher calls it
// from the owning agent's worker goroutine, never concurrently for the same
// agent.
type Executor interface {
	Execute(ctx context.Context, item *models.WorkItem) (*models.WorkItemOutput, error)
}

// ExecutionResult is delivered to enqueue-and-wait callers.
type ExecutionResult struct {
	Output *models.WorkItemOutput
	Err    error
}

// DispatcherHealth is the dispatcher-wide health snapshot.
type DispatcherHealth struct {
	Running     bool          `json:"running"`
	Agents      int           `json:"agents"`
	QueuedItems int           `json:"queued_items"`
	InFlight    int           `json:"in_flight"`
	Processed   int           `json:"processed"`
	Queues      []QueueHealth `json:"queues,omitempty"`
}

// QueueHealth is one agent queue's health snapshot.
type QueueHealth struct {
	AgentID      string `json:"agent_id"`
	Depth        int    `json:"depth"`
	InFlightItem string `json:"in_flight_item,omitempty"`
	Processed    int    `json:"processed"`
}
