package workers

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestMemoryQueueOrdersByReadyTime(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	q.Enqueue(ctx, Task{ID: "late", Kind: TaskVerify}, 40*time.Millisecond)
	q.Enqueue(ctx, Task{ID: "now", Kind: TaskVerify}, 0)
	q.Enqueue(ctx, Task{ID: "soon", Kind: TaskVerify}, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	var got []string
	for i := 0; i < 3; i++ {
		task, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue: %v", err)
		}
		got = append(got, task.ID)
	}
	want := []string{"now", "soon", "late"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestMemoryQueueHoldsDelayedTask(t *testing.T) {
	q := NewMemoryQueue()
	q.Enqueue(context.Background(), Task{ID: "later"}, time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := q.Dequeue(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Dequeue err = %v, want deadline exceeded", err)
	}
	if n, _ := q.Len(context.Background()); n != 1 {
		t.Errorf("Len = %d, want 1", n)
	}
}

func TestMemoryQueueWakesBlockedConsumer(t *testing.T) {
	q := NewMemoryQueue()
	done := make(chan Task, 1)
	go func() {
		task, err := q.Dequeue(context.Background())
		if err == nil {
			done <- task
		}
	}()

	time.Sleep(10 * time.Millisecond)
	q.Enqueue(context.Background(), Task{ID: "wake"}, 0)

	select {
	case task := <-done:
		if task.ID != "wake" {
			t.Errorf("got %q", task.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("consumer was not woken")
	}
}

func TestMemoryQueueClose(t *testing.T) {
	q := NewMemoryQueue()
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background())
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrQueueClosed) {
			t.Errorf("err = %v, want ErrQueueClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Dequeue did not return after Close")
	}
	if err := q.Enqueue(context.Background(), Task{}, 0); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Enqueue after close = %v", err)
	}
}

func TestNewTasks(t *testing.T) {
	jobID := uuid.New()
	scrape := NewScrapeTask("boston", jobID)
	if scrape.Kind != TaskScrapeMarket || scrape.JobID != jobID || scrape.ID == "" || scrape.Attempt != 0 {
		t.Errorf("scrape task = %+v", scrape)
	}
	listingID := uuid.New()
	verify := NewVerifyTask(listingID)
	if verify.Kind != TaskVerify || verify.ListingID != listingID {
		t.Errorf("verify task = %+v", verify)
	}
}

func TestRedisQueue(t *testing.T) {
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL not set")
	}
	ctx := context.Background()
	q, err := NewRedisQueue(ctx, url)
	if err != nil {
		t.Fatalf("NewRedisQueue: %v", err)
	}
	defer q.Close()
	q.key = "ingest:test:" + uuid.NewString()
	defer q.client.Del(ctx, q.key)
	q.poll = 10 * time.Millisecond

	jobID := uuid.New()
	if err := q.Enqueue(ctx, NewScrapeTask("nyc", jobID), 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	q.Enqueue(ctx, NewScrapeTask("later", uuid.New()), time.Hour)

	dctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	task, err := q.Dequeue(dctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if task.MarketID != "nyc" || task.JobID != jobID {
		t.Errorf("task = %+v", task)
	}
	if n, _ := q.Len(ctx); n != 1 {
		t.Errorf("Len = %d, want 1", n)
	}
}
