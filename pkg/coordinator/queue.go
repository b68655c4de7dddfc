package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/parafile/pkg/types"
)

// popWait bounds a blocking pop so abort stays observable even when
// no queue activity wakes the waiter.
const popWait = 2 * time.Second

// inputQueue is the bounded FIFO of work items. Capacity is the
// initial item count: removal always happens before re-enqueue, so the
// queue never exceeds its original high-water mark. pop blocks while
// the queue is empty but items are still outstanding at other mappers,
// because any of them may fail and requeue.
type inputQueue struct {
	mu         sync.Mutex
	items      []types.WorkItem
	inFlight   map[string]types.WorkItem
	dropped    int
	maxRetries int
	wake       chan struct{}
}

func newInputQueue(items []types.WorkItem, maxRetries int) *inputQueue {
	q := &inputQueue{
		items:      append(make([]types.WorkItem, 0, len(items)), items...),
		inFlight:   make(map[string]types.WorkItem),
		maxRetries: maxRetries,
		wake:       make(chan struct{}, 1),
	}
	return q
}

// pop removes and returns the next work item. ok is false when the
// queue has drained (nothing queued, nothing outstanding) or ctx is
// done; either way the caller closes its mapper's input.
func (q *inputQueue) pop(ctx context.Context) (item types.WorkItem, ok bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item = q.items[0]
			q.items = q.items[1:]
			q.inFlight[item.URI] = item
			q.mu.Unlock()
			return item, true
		}
		outstanding := len(q.inFlight)
		q.mu.Unlock()

		if outstanding == 0 {
			return types.WorkItem{}, false
		}
		select {
		case <-ctx.Done():
			return types.WorkItem{}, false
		case <-q.wake:
		case <-time.After(popWait):
		}
	}
}

// ack marks uri successfully processed, retiring it from the queue's
// accounting.
func (q *inputQueue) ack(uri string) {
	q.mu.Lock()
	delete(q.inFlight, uri)
	q.mu.Unlock()
	q.notify()
}

// requeue puts uri back on the queue after a per-file failure. Returns
// false when the retry cap is exhausted and the item was dropped
// instead.
func (q *inputQueue) requeue(uri string) bool {
	q.mu.Lock()
	item, known := q.inFlight[uri]
	delete(q.inFlight, uri)
	if !known {
		item = types.WorkItem{URI: uri}
	}
	item.Attempts++
	if q.maxRetries > 0 && item.Attempts >= q.maxRetries {
		q.dropped++
		q.mu.Unlock()
		q.notify()
		return false
	}
	q.items = append(q.items, item)
	q.mu.Unlock()
	q.notify()
	return true
}

func (q *inputQueue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// droppedCount reports how many items the retry cap retired without a
// successful run.
func (q *inputQueue) droppedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
