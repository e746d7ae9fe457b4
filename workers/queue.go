package workers

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type TaskKind string

const (
	TaskScrapeMarket TaskKind = "scrape_market"
	TaskVerify       TaskKind = "verify_listing"
)

// Task is one unit of asynchronous work. Scrape tasks carry the job created by
// the dispatcher; Attempt counts retries already consumed.
type Task struct {
	ID         string    `json:"id"`
	Kind       TaskKind  `json:"kind"`
	MarketID   string    `json:"market_id,omitempty"`
	JobID      uuid.UUID `json:"job_id,omitempty"`
	ListingID  uuid.UUID `json:"listing_id,omitempty"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

func NewScrapeTask(marketID string, jobID uuid.UUID) Task {
	return Task{ID: uuid.NewString(), Kind: TaskScrapeMarket, MarketID: marketID, JobID: jobID}
}

func NewVerifyTask(listingID uuid.UUID) Task {
	return Task{ID: uuid.NewString(), Kind: TaskVerify, ListingID: listingID}
}

// Queue is a delayed task queue. Dequeue blocks until a task is ready or ctx
// is done.
type Queue interface {
	Enqueue(ctx context.Context, task Task, delay time.Duration) error
	Dequeue(ctx context.Context) (Task, error)
	Len(ctx context.Context) (int, error)
	Close() error
}

var ErrQueueClosed = errors.New("queue closed")

type delayedTask struct {
	task    Task
	readyAt time.Time
}

// MemoryQueue is the in-process queue used when no Redis is configured.
type MemoryQueue struct {
	mu     sync.Mutex
	items  []delayedTask
	notify chan struct{}
	done   chan struct{}
	closed bool
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{notify: make(chan struct{}, 1), done: make(chan struct{})}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, task Task, delay time.Duration) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	now := time.Now()
	task.EnqueuedAt = now

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	item := delayedTask{task: task, readyAt: now.Add(delay)}
	i := sort.Search(len(q.items), func(i int) bool { return q.items[i].readyAt.After(item.readyAt) })
	q.items = append(q.items, delayedTask{})
	copy(q.items[i+1:], q.items[i:])
	q.items[i] = item
	q.mu.Unlock()

	q.wake()
	return nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (Task, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return Task{}, ErrQueueClosed
		}
		var wait time.Duration = -1
		if len(q.items) > 0 {
			head := q.items[0]
			wait = time.Until(head.readyAt)
			if wait <= 0 {
				q.items = q.items[1:]
				more := len(q.items) > 0
				q.mu.Unlock()
				if more {
					q.wake()
				}
				return head.task, nil
			}
		}
		q.mu.Unlock()

		var timer *time.Timer
		var fire <-chan time.Time
		if wait > 0 {
			timer = time.NewTimer(wait)
			fire = timer.C
		}

		select {
		case <-ctx.Done():
			stopTimer(timer)
			return Task{}, ctx.Err()
		case <-q.done:
		case <-q.notify:
		case <-fire:
		}
		stopTimer(timer)
	}
}

func (q *MemoryQueue) Len(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items), nil
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
	return nil
}

func (q *MemoryQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
