package task

import (
	"sync"

	"gridmesh/internal/wire"
)

// DefaultQueueCap bounds each priority tier's queue.
const DefaultQueueCap = 1024

// Queue is four bounded FIFO queues, one per tier. Dequeue always
// drains the highest non-empty tier; a full tier surfaces QueueFull to
// the submitter instead of silently dropping.
type Queue struct {
	mu    sync.Mutex
	cap   int
	tiers [numPriorities][]*Task
}

func NewQueue(capPerTier int) *Queue {
	if capPerTier <= 0 {
		capPerTier = DefaultQueueCap
	}
	return &Queue{cap: capPerTier}
}

func (q *Queue) Enqueue(t *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	tier := t.Priority
	if tier < Low || tier >= numPriorities {
		tier = Normal
	}
	if len(q.tiers[tier]) >= q.cap {
		return wire.ErrQueueFull
	}
	q.tiers[tier] = append(q.tiers[tier], t)
	return nil
}

// Dequeue pops the oldest task from the highest non-empty tier, or
// nil when all tiers are empty.
func (q *Queue) Dequeue() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	for tier := Critical; tier >= Low; tier-- {
		if items := q.tiers[tier]; len(items) > 0 {
			t := items[0]
			q.tiers[tier] = items[1:]
			return t
		}
	}
	return nil
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, items := range q.tiers {
		n += len(items)
	}
	return n
}

// TierLen reports the depth of one tier.
func (q *Queue) TierLen(p Priority) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if p < Low || p >= numPriorities {
		return 0
	}
	return len(q.tiers[p])
}
