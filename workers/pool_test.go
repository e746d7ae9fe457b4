package workers

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestPoolDispatchesByKind(t *testing.T) {
	q := NewMemoryQueue()
	pool := NewPool(q, 2)

	var mu sync.Mutex
	seen := map[TaskKind]int{}
	var wg sync.WaitGroup
	wg.Add(3)
	record := func(ctx context.Context, task Task) error {
		mu.Lock()
		seen[task.Kind]++
		mu.Unlock()
		wg.Done()
		return nil
	}
	pool.Handle(TaskScrapeMarket, record)
	pool.Handle(TaskVerify, record)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(stopped)
	}()

	q.Enqueue(ctx, Task{Kind: TaskScrapeMarket}, 0)
	q.Enqueue(ctx, Task{Kind: TaskVerify}, 0)
	q.Enqueue(ctx, Task{Kind: TaskVerify}, 0)

	waitOrFail(t, &wg)
	cancel()
	<-stopped

	if seen[TaskScrapeMarket] != 1 || seen[TaskVerify] != 2 {
		t.Errorf("seen = %v", seen)
	}
}

func TestPoolSurvivesPanicsAndUnknownKinds(t *testing.T) {
	q := NewMemoryQueue()
	pool := NewPool(q, 1)

	var wg sync.WaitGroup
	wg.Add(1)
	pool.Handle(TaskScrapeMarket, func(ctx context.Context, task Task) error {
		panic("boom")
	})
	pool.Handle(TaskVerify, func(ctx context.Context, task Task) error {
		wg.Done()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pool.Run(ctx)

	q.Enqueue(ctx, Task{Kind: "unknown"}, 0)
	q.Enqueue(ctx, Task{Kind: TaskScrapeMarket}, 0)
	q.Enqueue(ctx, Task{Kind: TaskVerify}, 0)

	waitOrFail(t, &wg)
}

func TestPoolStopsWhenQueueCloses(t *testing.T) {
	q := NewMemoryQueue()
	pool := NewPool(q, 3)

	stopped := make(chan struct{})
	go func() {
		pool.Run(context.Background())
		close(stopped)
	}()
	q.Close()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("pool did not stop after queue close")
	}
}

func waitOrFail(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for tasks")
	}
}
