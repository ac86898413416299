package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autopoiesis-io/autopoiesis/pkg/config"
	"github.com/autopoiesis-io/autopoiesis/pkg/models"
)

// executorFunc adapts a function to the Executor interface.
type executorFunc func(ctx context.Context, item *models.WorkItem) (*models.WorkItemOutput, error)

func (f executorFunc) Execute(ctx context.Context, item *models.WorkItem) (*models.WorkItemOutput, error) {
	return f(ctx, item)
}

func testQueueConfig() *config.QueueConfig {
	return &config.QueueConfig{
		MaxQueueDepth:           8,
		EnqueueWaitTimeout:      5 * time.Second,
		GracefulShutdownTimeout: 5 * time.Second,
	}
}

func dispatchItem(id, agentID string) *models.WorkItem {
	return &models.WorkItem{
		ID:       id,
		Type:     models.WorkItemChat,
		Priority: models.PriorityNormal,
		AgentID:  agentID,
		Input:    models.WorkItemInput{Prompt: "hello"},
	}
}

func echoExecutor() Executor {
	return executorFunc(func(_ context.Context, item *models.WorkItem) (*models.WorkItemOutput, error) {
		return &models.WorkItemOutput{Text: "echo:" + item.ID, MessageHistoryJSON: "[]"}, nil
	})
}

func startedDispatcher(t *testing.T, cfg *config.QueueConfig, exec Executor) *Dispatcher {
	t.Helper()
	d := NewDispatcher(cfg, exec)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(d.Stop)
	return d
}

func TestDispatcherEnqueueAndWait(t *testing.T) {
	d := startedDispatcher(t, testQueueConfig(), echoExecutor())

	output, err := d.EnqueueAndWait(context.Background(), dispatchItem("w1", "coder"))
	require.NoError(t, err)
	require.NotNil(t, output)
	assert.Equal(t, "echo:w1", output.Text)
}

func TestDispatcherRejectsInvalidItem(t *testing.T) {
	d := startedDispatcher(t, testQueueConfig(), echoExecutor())

	item := dispatchItem("bad", "coder")
	item.Input.Prompt = ""
	require.Error(t, d.Enqueue(item))
}

func TestDispatcherStartTwice(t *testing.T) {
	d := startedDispatcher(t, testQueueConfig(), echoExecutor())
	assert.NoError(t, d.Start(context.Background()))
}

func TestDispatcherRequiresStart(t *testing.T) {
	d := NewDispatcher(testQueueConfig(), echoExecutor())
	assert.ErrorIs(t, d.Enqueue(dispatchItem("w1", "coder")), ErrDispatcherStopped)
}

func TestDispatcherSerialPerAgent(t *testing.T) {
	var mu sync.Mutex
	concurrent, peak := 0, 0

	exec := executorFunc(func(_ context.Context, _ *models.WorkItem) (*models.WorkItemOutput, error) {
		mu.Lock()
		concurrent++
		if concurrent > peak {
			peak = concurrent
		}
		mu.Unlock()

		time.Sleep(10 * time.Millisecond)

		mu.Lock()
		concurrent--
		mu.Unlock()
		return &models.WorkItemOutput{Text: "ok", MessageHistoryJSON: "[]"}, nil
	})

	d := startedDispatcher(t, testQueueConfig(), exec)

	for i := 0; i < 4; i++ {
		require.NoError(t, d.Enqueue(dispatchItem(string(rune('a'+i)), "coder")))
	}
	// Same priority drains FIFO, so waiting on the last item waits for all.
	_, err := d.EnqueueAndWait(context.Background(), dispatchItem("last", "coder"))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, peak, "one agent must never run two items at once")
}

func TestDispatcherParallelAcrossAgents(t *testing.T) {
	started := make(chan string, 2)
	release := make(chan struct{})

	exec := executorFunc(func(_ context.Context, item *models.WorkItem) (*models.WorkItemOutput, error) {
		started <- item.AgentID
		<-release
		return &models.WorkItemOutput{Text: "ok", MessageHistoryJSON: "[]"}, nil
	})

	d := startedDispatcher(t, testQueueConfig(), exec)
	require.NoError(t, d.Enqueue(dispatchItem("a1", "alpha")))
	require.NoError(t, d.Enqueue(dispatchItem("b1", "beta")))

	// Both items must start while neither has finished.
	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case agentID := <-started:
			seen[agentID] = true
		case <-time.After(2 * time.Second):
			t.Fatal("expected both agents to be running in parallel")
		}
	}
	close(release)

	assert.True(t, seen["alpha"])
	assert.True(t, seen["beta"])
}

func TestDispatcherPriorityAcrossQueuedItems(t *testing.T) {
	var mu sync.Mutex
	var order []string
	gateStarted := make(chan struct{})
	release := make(chan struct{})

	exec := executorFunc(func(_ context.Context, item *models.WorkItem) (*models.WorkItemOutput, error) {
		if item.ID == "gate" {
			close(gateStarted)
			<-release
		}
		mu.Lock()
		order = append(order, item.ID)
		mu.Unlock()
		return &models.WorkItemOutput{Text: "ok", MessageHistoryJSON: "[]"}, nil
	})

	d := startedDispatcher(t, testQueueConfig(), exec)
	require.NoError(t, d.Enqueue(dispatchItem("gate", "coder")))
	<-gateStarted

	// Queue while the gate holds the worker so ordering is decided by the
	// heap, not by arrival timing.
	low := dispatchItem("low", "coder")
	low.Priority = models.PriorityLow
	critical := dispatchItem("critical", "coder")
	critical.Priority = models.PriorityCritical
	require.NoError(t, d.Enqueue(low))
	require.NoError(t, d.Enqueue(dispatchItem("normal", "coder")))
	require.NoError(t, d.Enqueue(critical))

	close(release)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 4
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"gate", "critical", "normal", "low"}, order)
}

func TestDispatcherQueueFull(t *testing.T) {
	cfg := testQueueConfig()
	cfg.MaxQueueDepth = 1

	gateStarted := make(chan struct{})
	release := make(chan struct{})
	exec := executorFunc(func(_ context.Context, item *models.WorkItem) (*models.WorkItemOutput, error) {
		if item.ID == "gate" {
			close(gateStarted)
			<-release
		}
		return &models.WorkItemOutput{Text: "ok", MessageHistoryJSON: "[]"}, nil
	})

	d := startedDispatcher(t, cfg, exec)
	require.NoError(t, d.Enqueue(dispatchItem("gate", "coder")))
	<-gateStarted

	require.NoError(t, d.Enqueue(dispatchItem("queued", "coder")))
	assert.ErrorIs(t, d.Enqueue(dispatchItem("overflow", "coder")), ErrQueueFull)

	// A different agent is unaffected by this queue's depth.
	assert.NoError(t, d.Enqueue(dispatchItem("other", "reviewer")))
	close(release)
}

func TestDispatcherCancelQueued(t *testing.T) {
	gateStarted := make(chan struct{})
	release := make(chan struct{})
	exec := executorFunc(func(_ context.Context, item *models.WorkItem) (*models.WorkItemOutput, error) {
		if item.ID == "gate" {
			close(gateStarted)
			<-release
		}
		return &models.WorkItemOutput{Text: "ok", MessageHistoryJSON: "[]"}, nil
	})

	d := startedDispatcher(t, testQueueConfig(), exec)
	require.NoError(t, d.Enqueue(dispatchItem("gate", "coder")))
	<-gateStarted

	waitErr := make(chan error, 1)
	go func() {
		_, err := d.EnqueueAndWait(context.Background(), dispatchItem("victim", "coder"))
		waitErr <- err
	}()

	require.Eventually(t, func() bool {
		return d.Health().QueuedItems == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.True(t, d.Cancel("victim"))
	assert.ErrorIs(t, <-waitErr, ErrCancelled)
	assert.False(t, d.Cancel("victim"))
	close(release)
}

func TestDispatcherCancelInFlight(t *testing.T) {
	started := make(chan struct{})
	exec := executorFunc(func(ctx context.Context, _ *models.WorkItem) (*models.WorkItemOutput, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	d := startedDispatcher(t, testQueueConfig(), exec)

	waitErr := make(chan error, 1)
	go func() {
		_, err := d.EnqueueAndWait(context.Background(), dispatchItem("running", "coder"))
		waitErr <- err
	}()
	<-started

	assert.True(t, d.Cancel("running"))
	assert.ErrorIs(t, <-waitErr, ErrCancelled)
}

func TestDispatcherCancelUnknown(t *testing.T) {
	d := startedDispatcher(t, testQueueConfig(), echoExecutor())
	assert.False(t, d.Cancel("no-such-item"))
}

func TestDispatcherStopFailsQueuedAndRejectsNewWork(t *testing.T) {
	gateStarted := make(chan struct{})
	release := make(chan struct{})
	exec := executorFunc(func(_ context.Context, item *models.WorkItem) (*models.WorkItemOutput, error) {
		if item.ID == "gate" {
			close(gateStarted)
			<-release
		}
		return &models.WorkItemOutput{Text: "ok", MessageHistoryJSON: "[]"}, nil
	})

	d := NewDispatcher(testQueueConfig(), exec)
	require.NoError(t, d.Start(context.Background()))
	require.NoError(t, d.Enqueue(dispatchItem("gate", "coder")))
	<-gateStarted

	waitErr := make(chan error, 1)
	go func() {
		_, err := d.EnqueueAndWait(context.Background(), dispatchItem("queued", "coder"))
		waitErr <- err
	}()
	require.Eventually(t, func() bool {
		return d.Health().QueuedItems == 1
	}, 2*time.Second, 5*time.Millisecond)

	stopDone := make(chan struct{})
	go func() {
		d.Stop()
		close(stopDone)
	}()

	// Queued waiters fail immediately; the in-flight gate keeps Stop blocked
	// until released.
	assert.ErrorIs(t, <-waitErr, ErrDispatcherStopped)
	close(release)
	<-stopDone

	assert.ErrorIs(t, d.Enqueue(dispatchItem("late", "coder")), ErrDispatcherStopped)
	assert.NotPanics(t, d.Stop)
}

func TestDispatcherStopCancelsInFlightAfterGracePeriod(t *testing.T) {
	cfg := testQueueConfig()
	cfg.GracefulShutdownTimeout = 50 * time.Millisecond

	started := make(chan struct{})
	exec := executorFunc(func(ctx context.Context, _ *models.WorkItem) (*models.WorkItemOutput, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	d := NewDispatcher(cfg, exec)
	require.NoError(t, d.Start(context.Background()))

	waitErr := make(chan error, 1)
	go func() {
		_, err := d.EnqueueAndWait(context.Background(), dispatchItem("stuck", "coder"))
		waitErr <- err
	}()
	<-started

	d.Stop()
	assert.ErrorIs(t, <-waitErr, ErrCancelled)
}

func TestDispatcherHealth(t *testing.T) {
	gateStarted := make(chan struct{})
	release := make(chan struct{})
	exec := executorFunc(func(_ context.Context, item *models.WorkItem) (*models.WorkItemOutput, error) {
		if item.ID == "gate" {
			close(gateStarted)
			<-release
		}
		return &models.WorkItemOutput{Text: "ok", MessageHistoryJSON: "[]"}, nil
	})

	d := startedDispatcher(t, testQueueConfig(), exec)

	h := d.Health()
	assert.True(t, h.Running)
	assert.Zero(t, h.Agents)

	require.NoError(t, d.Enqueue(dispatchItem("gate", "coder")))
	<-gateStarted
	require.NoError(t, d.Enqueue(dispatchItem("queued", "coder")))

	h = d.Health()
	assert.Equal(t, 1, h.Agents)
	assert.Equal(t, 1, h.QueuedItems)
	assert.Equal(t, 1, h.InFlight)
	require.Len(t, h.Queues, 1)
	assert.Equal(t, "coder", h.Queues[0].AgentID)
	assert.Equal(t, "gate", h.Queues[0].InFlightItem)

	close(release)
	require.Eventually(t, func() bool {
		return d.Health().Processed == 2
	}, 5*time.Second, 10*time.Millisecond)
}

func TestDispatcherWaitTimeoutLeavesItemRunning(t *testing.T) {
	cfg := testQueueConfig()
	cfg.EnqueueWaitTimeout = 30 * time.Millisecond

	finished := make(chan struct{})
	exec := executorFunc(func(_ context.Context, _ *models.WorkItem) (*models.WorkItemOutput, error) {
		time.Sleep(100 * time.Millisecond)
		close(finished)
		return &models.WorkItemOutput{Text: "ok", MessageHistoryJSON: "[]"}, nil
	})

	d := startedDispatcher(t, cfg, exec)

	_, err := d.EnqueueAndWait(context.Background(), dispatchItem("slow", "coder"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The abandoned item still runs to completion.
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("work item should have kept running after the wait was abandoned")
	}
}
