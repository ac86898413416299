package queue

import (
	"container/heap"
	"fmt"
	"sync"

	"github.com/autopoiesis-io/autopoiesis/pkg/models"
)

// queuedItem is one pending work item with its dequeue ordering key and the
// waiter's result channel (nil for fire-and-forget submissions).
type queuedItem struct {
	item     *models.WorkItem
	weight   int
	seq      uint64
	resultCh chan ExecutionResult
	heapIdx  int
}

// deliver hands the terminal result to the waiter, if one is attached. The
// channel is buffered and written exactly once, so this never blocks.
func (qi *queuedItem) deliver(res ExecutionResult) {
	if qi.resultCh != nil {
		qi.resultCh <- res
	}
}

// agentQueue holds one agent's pending items, ordered by priority weight
// and, within a weight, by arrival. A single worker goroutine drains it.
type agentQueue struct {
	agentID string

	mu        sync.Mutex
	items     itemHeap
	byID      map[string]*queuedItem
	seq       uint64
	inFlight  string
	processed int

	// wake carries at most one token; the worker parks on it when the
	// queue runs dry.
	wake chan struct{}
}

func newAgentQueue(agentID string) *agentQueue {
	return &agentQueue{
		agentID: agentID,
		byID:    make(map[string]*queuedItem),
		wake:    make(chan struct{}, 1),
	}
}

// push enqueues an item and wakes the worker. maxDepth 0 means unbounded.
func (q *agentQueue) push(item *models.WorkItem, resultCh chan ExecutionResult, maxDepth int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if maxDepth > 0 && q.items.Len() >= maxDepth {
		return fmt.Errorf("%w: agent %s has %d queued items", ErrQueueFull, q.agentID, q.items.Len())
	}
	if _, exists := q.byID[item.ID]; exists {
		return fmt.Errorf("work item %s is already queued for agent %s", item.ID, q.agentID)
	}

	q.seq++
	qi := &queuedItem{
		item:     item,
		weight:   item.Priority.Weight(),
		seq:      q.seq,
		resultCh: resultCh,
	}
	heap.Push(&q.items, qi)
	q.byID[item.ID] = qi
	q.signal()
	return nil
}

// pop removes the highest-priority item, or nil when the queue is empty.
func (q *agentQueue) pop() *queuedItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.items.Len() == 0 {
		return nil
	}
	qi := heap.Pop(&q.items).(*queuedItem)
	delete(q.byID, qi.item.ID)
	return qi
}

// cancel drops an unstarted item and fails its waiter with ErrCancelled.
func (q *agentQueue) cancel(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	qi, ok := q.byID[id]
	if !ok {
		return false
	}
	heap.Remove(&q.items, qi.heapIdx)
	delete(q.byID, id)
	qi.deliver(ExecutionResult{Err: ErrCancelled})
	return true
}

// failAll empties the queue, failing every waiter with err. Used when the
// dispatcher stops with items still queued.
func (q *agentQueue) failAll(err error) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.byID)
	for _, qi := range q.byID {
		qi.deliver(ExecutionResult{Err: err})
	}
	q.items = nil
	q.byID = make(map[string]*queuedItem)
	return n
}

func (q *agentQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *agentQueue) setInFlight(id string) {
	q.mu.Lock()
	q.inFlight = id
	q.mu.Unlock()
}

func (q *agentQueue) finishInFlight() {
	q.mu.Lock()
	q.inFlight = ""
	q.processed++
	q.mu.Unlock()
}

func (q *agentQueue) health() QueueHealth {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueHealth{
		AgentID:      q.agentID,
		Depth:        q.items.Len(),
		InFlightItem: q.inFlight,
		Processed:    q.processed,
	}
}

// itemHeap implements container/heap ordered by weight descending, then
// sequence ascending for FIFO within a priority.
type itemHeap []*queuedItem

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].weight != h[j].weight {
		return h[i].weight > h[j].weight
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}

func (h *itemHeap) Push(x any) {
	qi := x.(*queuedItem)
	qi.heapIdx = len(*h)
	*h = append(*h, qi)
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	qi := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return qi
}
