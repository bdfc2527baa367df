package jobs

import (
	"context"
	"sync"
)

// starvationLimit is how many consecutive dispatches one lane may win while
// a lower-priority lane has work waiting. The next dispatch then comes from
// the highest non-empty lower lane.
const starvationLimit = 4

// queue is an in-memory three-lane priority queue. Jobs within a lane
// dispatch FIFO. Queue state does not survive a restart; callers needing
// durability re-enqueue on boot.
type queue struct {
	mu    sync.Mutex
	lanes [3][]*Job

	// consecutive dispatches won by lastLane since another lane last won.
	lastLane    Priority
	consecutive int

	signal chan struct{}
}

func newQueue() *queue {
	return &queue{signal: make(chan struct{}, 1)}
}

// enqueue appends the job to its priority lane.
func (q *queue) enqueue(job *Job) {
	q.mu.Lock()
	q.lanes[job.Priority] = append(q.lanes[job.Priority], job)
	q.mu.Unlock()
	q.wake()
}

func (q *queue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// dequeue blocks until a job is available or the context ends.
func (q *queue) dequeue(ctx context.Context) (*Job, error) {
	for {
		q.mu.Lock()
		if job := q.pickLocked(); job != nil {
			if q.sizeLocked() > 0 {
				// More work remains; wake the next waiting worker.
				q.wake()
			}
			q.mu.Unlock()
			return job, nil
		}
		q.mu.Unlock()

		select {
		case <-q.signal:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// pickLocked chooses the next lane honoring priority order and the
// anti-starvation limit.
func (q *queue) pickLocked() *Job {
	lane := q.chooseLaneLocked()
	if lane < 0 {
		return nil
	}

	p := Priority(lane)
	job := q.lanes[p][0]
	q.lanes[p] = q.lanes[p][1:]

	if p == q.lastLane {
		q.consecutive++
	} else {
		q.lastLane = p
		q.consecutive = 1
	}
	return job
}

func (q *queue) chooseLaneLocked() int {
	// After starvationLimit consecutive wins by one lane, yield to the
	// highest-priority non-empty lane below it.
	if q.consecutive >= starvationLimit {
		for lane := int(q.lastLane) + 1; lane < len(q.lanes); lane++ {
			if len(q.lanes[lane]) > 0 {
				return lane
			}
		}
	}
	for lane := 0; lane < len(q.lanes); lane++ {
		if len(q.lanes[lane]) > 0 {
			return lane
		}
	}
	return -1
}

func (q *queue) sizeLocked() int {
	n := 0
	for _, lane := range q.lanes {
		n += len(lane)
	}
	return n
}

// size returns the total number of queued jobs.
func (q *queue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sizeLocked()
}

// sizeByLane returns queued counts keyed by priority name.
func (q *queue) sizeByLane() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return map[string]int{
		PriorityHigh.String():   len(q.lanes[PriorityHigh]),
		PriorityMedium.String(): len(q.lanes[PriorityMedium]),
		PriorityLow.String():    len(q.lanes[PriorityLow]),
	}
}
