package queue

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 20 * time.Millisecond}
}

func dequeueWithin(t *testing.T, q Queue, timeout time.Duration) Delivery {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	delivery, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	return delivery
}

func expectNoDelivery(t *testing.T, q Queue, timeout time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if delivery, err := q.Dequeue(ctx); err == nil {
		t.Fatalf("unexpected delivery %+v", delivery)
	} else if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Dequeue error = %v, want deadline exceeded", err)
	}
}

func TestMemoryQueueAckStopsRedelivery(t *testing.T) {
	q := NewMemoryQueue(testPolicy())
	t.Cleanup(func() { q.Close() })

	job := Job{AssetID: "lesson-1", InputPath: "raw/lesson-1/input.mp4"}
	if err := q.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	delivery := dequeueWithin(t, q, time.Second)
	if delivery.Job != job || delivery.Attempt != 1 {
		t.Fatalf("delivery = %+v", delivery)
	}
	if err := q.Ack(context.Background(), delivery); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	expectNoDelivery(t, q, 150*time.Millisecond)
}

func TestMemoryQueueRedeliversWithBackoff(t *testing.T) {
	q := NewMemoryQueue(testPolicy())
	t.Cleanup(func() { q.Close() })

	job := Job{AssetID: "lesson-2", InputPath: "raw/lesson-2/input.mp4"}
	if err := q.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	for want := 1; want <= 3; want++ {
		delivery := dequeueWithin(t, q, 2*time.Second)
		if delivery.Attempt != want {
			t.Fatalf("attempt = %d, want %d", delivery.Attempt, want)
		}
		// Never acked, so the job comes back after its backoff.
	}

	// All attempts used. The job stays pending and is never handed out again.
	expectNoDelivery(t, q, 300*time.Millisecond)
}

func TestMemoryQueueRejectsIncompleteJobs(t *testing.T) {
	q := NewMemoryQueue(testPolicy())
	t.Cleanup(func() { q.Close() })

	if err := q.Enqueue(context.Background(), Job{InputPath: "raw/x/input.mp4"}); err == nil {
		t.Fatal("expected error for missing assetId")
	}
	if err := q.Enqueue(context.Background(), Job{AssetID: "lesson-3"}); err == nil {
		t.Fatal("expected error for missing inputPath")
	}
}

func TestMemoryQueueClose(t *testing.T) {
	q := NewMemoryQueue(testPolicy())
	if err := q.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := q.Enqueue(context.Background(), Job{AssetID: "a", InputPath: "b"}); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("Enqueue error = %v, want ErrQueueClosed", err)
	}
}
