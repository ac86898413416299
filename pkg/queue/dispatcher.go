package queue

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/autopoiesis-io/autopoiesis/pkg/config"
	"github.com/autopoiesis-io/autopoiesis/pkg/models"
)

// Dispatcher routes work items onto per-agent queues. A queue and its worker
// goroutine are created on the first item for that agent and live until
// Stop; the worker drains its queue one item at a time.
type Dispatcher struct {
	cfg      *config.QueueConfig
	executor Executor
	logger   *slog.Logger

	mu      sync.Mutex
	queues  map[string]*agentQueue
	cancels map[string]context.CancelFunc
	running bool
	stopped bool
	baseCtx context.Context

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewDispatcher creates a dispatcher. Call Start before enqueueing.
func NewDispatcher(cfg *config.QueueConfig, executor Executor) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg,
		executor: executor,
		logger:   slog.Default().With("component", "dispatcher"),
		queues:   make(map[string]*agentQueue),
		cancels:  make(map[string]context.CancelFunc),
		baseCtx:  context.Background(),
		stopCh:   make(chan struct{}),
	}
}

// Start accepts work from this point on. ctx is the lifetime every work
// item's context derives from, so a caller abandoning its wait does not
// cancel execution. It is safe to call multiple times; subsequent calls are
// no-ops.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return ErrDispatcherStopped
	}
	if d.running {
		d.logger.Warn("Dispatcher already started, ignoring duplicate Start call")
		return nil
	}
	d.running = true
	d.baseCtx = ctx
	d.logger.Info("Dispatcher started",
		"max_queue_depth", d.cfg.MaxQueueDepth,
		"enqueue_wait_timeout", d.cfg.EnqueueWaitTimeout)
	return nil
}

// Enqueue submits an item without waiting for its result.
func (d *Dispatcher) Enqueue(item *models.WorkItem) error {
	return d.enqueue(item, nil)
}

// EnqueueAndWait submits an item and blocks until it reaches a terminal
// result, ctx is done, or the configured wait ceiling passes. An abandoned
// wait does not stop the item; it keeps running to completion.
func (d *Dispatcher) EnqueueAndWait(ctx context.Context, item *models.WorkItem) (*models.WorkItemOutput, error) {
	resultCh := make(chan ExecutionResult, 1)
	if err := d.enqueue(item, resultCh); err != nil {
		return nil, err
	}

	if wait := d.cfg.EnqueueWaitTimeout; wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, wait)
		defer cancel()
	}

	select {
	case res := <-resultCh:
		return res.Output, res.Err
	case <-ctx.Done():
		d.logger.Warn("Waiter gone before work item finished",
			"work_item_id", item.ID, "agent_id", item.AgentID, "reason", ctx.Err())
		return nil, ctx.Err()
	}
}

// Cancel stops a work item. A queued item is dropped and its waiter fails
// with ErrCancelled; an in-flight item has its context cancelled and ends
// when the executor observes it. Returns false for unknown ids.
func (d *Dispatcher) Cancel(workItemID string) bool {
	d.mu.Lock()
	if cancel, ok := d.cancels[workItemID]; ok {
		d.mu.Unlock()
		d.logger.Info("Cancelling in-flight work item", "work_item_id", workItemID)
		cancel()
		return true
	}
	queues := d.snapshotQueuesLocked()
	d.mu.Unlock()

	for _, q := range queues {
		if q.cancel(workItemID) {
			d.logger.Info("Cancelled queued work item",
				"work_item_id", workItemID, "agent_id", q.agentID)
			return true
		}
	}
	return false
}

// Stop rejects further work, fails all queued items, and waits for in-flight
// items to finish. Past the graceful window the remaining items have their
// contexts cancelled.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running || d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	queues := d.snapshotQueuesLocked()
	inFlight := len(d.cancels)
	d.mu.Unlock()

	d.logger.Info("Stopping dispatcher gracefully", "in_flight", inFlight)

	failed := 0
	for _, q := range queues {
		failed += q.failAll(ErrDispatcherStopped)
	}
	if failed > 0 {
		d.logger.Info("Failed queued work items on shutdown", "count", failed)
	}

	d.stopOnce.Do(func() { close(d.stopCh) })

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	if timeout := d.cfg.GracefulShutdownTimeout; timeout > 0 {
		select {
		case <-done:
		case <-time.After(timeout):
			d.logger.Warn("Graceful shutdown window passed, cancelling in-flight work",
				"timeout", timeout)
			d.cancelAllInFlight()
			<-done
		}
	} else {
		<-done
	}

	d.logger.Info("Dispatcher stopped")
}

// Health returns the dispatcher-wide snapshot with one entry per agent
// queue, ordered by agent id.
func (d *Dispatcher) Health() DispatcherHealth {
	d.mu.Lock()
	running := d.running && !d.stopped
	inFlight := len(d.cancels)
	queues := d.snapshotQueuesLocked()
	d.mu.Unlock()

	health := DispatcherHealth{
		Running:  running,
		Agents:   len(queues),
		InFlight: inFlight,
	}
	for _, q := range queues {
		qh := q.health()
		health.QueuedItems += qh.Depth
		health.Processed += qh.Processed
		health.Queues = append(health.Queues, qh)
	}
	sort.Slice(health.Queues, func(i, j int) bool {
		return health.Queues[i].AgentID < health.Queues[j].AgentID
	})
	return health
}

// enqueue validates and pushes the item, creating the agent's queue and
// worker on first use. Holding mu across the push closes the race with Stop
// failing the queues.
func (d *Dispatcher) enqueue(item *models.WorkItem, resultCh chan ExecutionResult) error {
	if err := item.Validate(); err != nil {
		return err
	}

	d.mu.Lock()
	if !d.running || d.stopped {
		d.mu.Unlock()
		return ErrDispatcherStopped
	}
	q, ok := d.queues[item.AgentID]
	if !ok {
		q = newAgentQueue(item.AgentID)
		d.queues[item.AgentID] = q
		d.wg.Add(1)
		go d.runWorker(q)
	}
	err := q.push(item, resultCh, d.cfg.MaxQueueDepth)
	d.mu.Unlock()
	if err != nil {
		return err
	}

	d.logger.Info("Work item queued",
		"work_item_id", item.ID,
		"agent_id", item.AgentID,
		"type", item.Type,
		"priority", item.Priority,
		"continuation", item.IsContinuation())
	return nil
}

// runWorker drains one agent's queue. Exactly one goroutine runs per queue,
// which is what serialises all work for that agent.
func (d *Dispatcher) runWorker(q *agentQueue) {
	defer d.wg.Done()

	log := d.logger.With("agent_id", q.agentID)
	log.Info("Agent worker started")

	for {
		qi := q.pop()
		if qi == nil {
			select {
			case <-d.stopCh:
				log.Info("Agent worker shutting down")
				return
			case <-q.wake:
				continue
			}
		}

		d.process(q, qi, log)

		select {
		case <-d.stopCh:
			// Anything still queued was failed by Stop.
			log.Info("Agent worker shutting down")
			return
		default:
		}
	}
}

// process runs one item through the executor and delivers the result to its
// waiter. The item context derives from the dispatcher lifetime and is
// registered for Cancel.
func (d *Dispatcher) process(q *agentQueue, qi *queuedItem, log *slog.Logger) {
	item := qi.item
	log = log.With("work_item_id", item.ID)

	itemCtx, cancel := context.WithCancel(d.baseCtx)
	defer cancel()
	d.registerCancel(item.ID, cancel)
	defer d.unregisterCancel(item.ID)

	q.setInFlight(item.ID)
	defer q.finishInFlight()

	log.Info("Work item started", "type", item.Type, "priority", item.Priority)
	start := time.Now()

	output, err := d.executor.Execute(itemCtx, item)
	if err != nil && itemCtx.Err() != nil && errors.Is(err, context.Canceled) {
		err = ErrCancelled
	}

	switch {
	case err != nil:
		log.Warn("Work item finished", "error", err, "duration_ms", time.Since(start).Milliseconds())
	case output != nil && output.IsDeferred():
		log.Info("Work item deferred for approval", "duration_ms", time.Since(start).Milliseconds())
	default:
		log.Info("Work item finished", "duration_ms", time.Since(start).Milliseconds())
	}

	qi.deliver(ExecutionResult{Output: output, Err: err})
}

func (d *Dispatcher) registerCancel(workItemID string, cancel context.CancelFunc) {
	d.mu.Lock()
	d.cancels[workItemID] = cancel
	d.mu.Unlock()
}

func (d *Dispatcher) unregisterCancel(workItemID string) {
	d.mu.Lock()
	delete(d.cancels, workItemID)
	d.mu.Unlock()
}

// cancelAllInFlight cancels the context of every registered in-flight work
// item, as Stop does once the graceful window has passed.
func (d *Dispatcher) cancelAllInFlight() {
	d.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(d.cancels))
	for _, cancel := range d.cancels {
		cancels = append(cancels, cancel)
	}
	d.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

func (d *Dispatcher) snapshotQueuesLocked() []*agentQueue {
	queues := make([]*agentQueue, 0, len(d.queues))
	for _, q := range d.queues {
		queues = append(queues, q)
	}
	return queues
}
