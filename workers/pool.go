package workers

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
)

// HandlerFunc processes one task. Returned errors are logged; retry policy is
// the handler's own business.
type HandlerFunc func(ctx context.Context, task Task) error

// Pool runs a fixed number of goroutines that pull from a Queue and dispatch
// by task kind.
type Pool struct {
	queue    Queue
	workers  int
	handlers map[TaskKind]HandlerFunc
	logFunc  LogFunc
	wg       sync.WaitGroup
}

func NewPool(queue Queue, workers int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	return &Pool{
		queue:    queue,
		workers:  workers,
		handlers: make(map[TaskKind]HandlerFunc),
		logFunc:  NoOpLogger,
	}
}

func (p *Pool) SetLogger(fn LogFunc) {
	p.logFunc = fn
}

// Handle registers the handler for a task kind. Call before Run.
func (p *Pool) Handle(kind TaskKind, fn HandlerFunc) {
	p.handlers[kind] = fn
}

// Run starts the workers and blocks until ctx is cancelled or the queue is
// closed.
func (p *Pool) Run(ctx context.Context) {
	p.wg.Add(p.workers)
	for i := 0; i < p.workers; i++ {
		go p.loop(ctx, i)
	}
	p.wg.Wait()
	log.Println("Worker pool stopped")
}

func (p *Pool) loop(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		task, err := p.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, ErrQueueClosed) || ctx.Err() != nil {
				return
			}
			log.Printf("Worker %d: dequeue error: %v", id, err)
			continue
		}
		if err := p.run(ctx, task); err != nil {
			log.Printf("Worker %d: %s task %s failed: %v", id, task.Kind, task.ID, err)
		}
	}
}

func (p *Pool) run(ctx context.Context, task Task) (err error) {
	fn, ok := p.handlers[task.Kind]
	if !ok {
		return fmt.Errorf("no handler for task kind %q", task.Kind)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx, task)
}
