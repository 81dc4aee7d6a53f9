package queue

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestRedisQueue(t *testing.T, policy RetryPolicy) *RedisQueue {
	t.Helper()
	server := miniredis.RunT(t)
	q, err := NewRedisQueue(RedisQueueConfig{
		Addr:         server.Addr(),
		BlockTimeout: 50 * time.Millisecond,
		Policy:       policy,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewRedisQueue: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func TestRedisQueueRoundTrip(t *testing.T) {
	q := newTestRedisQueue(t, testPolicy())

	job := Job{AssetID: "lesson-1", InputPath: "raw/lesson-1/input.mp4"}
	if err := q.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	delivery := dequeueWithin(t, q, 2*time.Second)
	if delivery.Job != job {
		t.Fatalf("job = %+v, want %+v", delivery.Job, job)
	}
	if delivery.Attempt != 1 {
		t.Fatalf("attempt = %d, want 1", delivery.Attempt)
	}
	if err := q.Ack(context.Background(), delivery); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	expectNoDelivery(t, q, 300*time.Millisecond)
}

func TestRedisQueueRedeliversUnacked(t *testing.T) {
	q := newTestRedisQueue(t, testPolicy())

	job := Job{AssetID: "lesson-2", InputPath: "raw/lesson-2/input.mp4"}
	if err := q.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	first := dequeueWithin(t, q, 2*time.Second)
	if first.Attempt != 1 {
		t.Fatalf("attempt = %d, want 1", first.Attempt)
	}

	second := dequeueWithin(t, q, 5*time.Second)
	if second.Attempt != 2 {
		t.Fatalf("attempt = %d, want 2", second.Attempt)
	}
	if second.Job != job {
		t.Fatalf("redelivered job = %+v, want %+v", second.Job, job)
	}
	if err := q.Ack(context.Background(), second); err != nil {
		t.Fatalf("Ack: %v", err)
	}
}

func TestRedisQueueRetainsExhaustedJobs(t *testing.T) {
	q := newTestRedisQueue(t, RetryPolicy{MaxAttempts: 2, BaseDelay: 20 * time.Millisecond})

	job := Job{AssetID: "lesson-3", InputPath: "raw/lesson-3/input.mp4"}
	if err := q.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	for want := 1; want <= 2; want++ {
		delivery := dequeueWithin(t, q, 5*time.Second)
		if delivery.Attempt != want {
			t.Fatalf("attempt = %d, want %d", delivery.Attempt, want)
		}
	}

	// Out of attempts: the entry must stay pending instead of being redelivered.
	expectNoDelivery(t, q, 500*time.Millisecond)
}

func TestRedisQueueAcksPoisonEntries(t *testing.T) {
	server := miniredis.RunT(t)
	q, err := NewRedisQueue(RedisQueueConfig{
		Addr:         server.Addr(),
		Stream:       "lectern:transcode",
		BlockTimeout: 50 * time.Millisecond,
		Policy:       testPolicy(),
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewRedisQueue: %v", err)
	}
	t.Cleanup(func() { q.Close() })

	if _, err := server.XAdd("lectern:transcode", "*", []string{"payload", "not-json"}); err != nil {
		t.Fatalf("XAdd: %v", err)
	}
	job := Job{AssetID: "lesson-4", InputPath: "raw/lesson-4/input.mp4"}
	if err := q.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// The malformed entry ahead of the real job is discarded, not delivered.
	delivery := dequeueWithin(t, q, 2*time.Second)
	if delivery.Job != job {
		t.Fatalf("job = %+v, want %+v", delivery.Job, job)
	}
}
