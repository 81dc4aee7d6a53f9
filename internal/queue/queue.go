package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// Job describes a single transcode request. The asset identifier doubles as
// the lesson identifier, and the input path points at the raw upload inside
// the blob store.
type Job struct {
	AssetID   string `json:"assetId"`
	InputPath string `json:"inputPath"`
}

// Delivery is one handoff of a job to a consumer. Attempt starts at 1 and
// increments on every redelivery of the same job.
type Delivery struct {
	Job     Job
	Attempt int
	ID      string
}

// Queue is a durable at-least-once job queue. Jobs stay pending until the
// consumer acknowledges them; unacknowledged jobs are redelivered after a
// per-attempt backoff, up to the retry policy's attempt limit.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	Dequeue(ctx context.Context) (Delivery, error)
	Ack(ctx context.Context, delivery Delivery) error
	Close() error
}

// RetryPolicy bounds redelivery. Delay doubles with each attempt, so the
// defaults yield waits of 1s, 2s and 4s between the three attempts.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second}
}

func (p RetryPolicy) normalize() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Second
	}
	return p
}

// Delay reports how long a job rests after the given attempt before it
// becomes eligible for redelivery.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return p.BaseDelay << (attempt - 1)
}

// Exhausted reports whether a job delivered attempt times has no retries left.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}

// ErrQueueClosed is returned once a queue has been shut down.
var ErrQueueClosed = errors.New("queue closed")

func validateJob(job Job) error {
	if job.AssetID == "" {
		return errors.New("job assetId is required")
	}
	if job.InputPath == "" {
		return errors.New("job inputPath is required")
	}
	return nil
}

// NewMemoryQueue initialises an in-process queue with the same delivery
// semantics as the Redis implementation. It suits tests and single-node
// deployments where Redis is not available.
func NewMemoryQueue(policy RetryPolicy) Queue {
	return &memoryQueue{
		policy:  policy.normalize(),
		pending: make(map[string]*memoryEntry),
		wake:    make(chan struct{}, 1),
	}
}

type memoryEntry struct {
	id          string
	job         Job
	attempts    int
	deliveredAt time.Time
}

type memoryQueue struct {
	policy RetryPolicy

	mu      sync.Mutex
	seq     int64
	ready   []*memoryEntry
	pending map[string]*memoryEntry
	closed  bool

	wake chan struct{}
}

func (q *memoryQueue) Enqueue(ctx context.Context, job Job) error {
	if err := validateJob(job); err != nil {
		return err
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.seq++
	q.ready = append(q.ready, &memoryEntry{id: strconv.FormatInt(q.seq, 10), job: job})
	q.mu.Unlock()
	q.signal()
	return nil
}

func (q *memoryQueue) Dequeue(ctx context.Context) (Delivery, error) {
	for {
		delivery, ok, err := q.tryDequeue()
		if err != nil {
			return Delivery{}, err
		}
		if ok {
			return delivery, nil
		}
		timer := time.NewTimer(50 * time.Millisecond)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Delivery{}, ctx.Err()
		case <-q.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (q *memoryQueue) tryDequeue() (Delivery, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return Delivery{}, false, ErrQueueClosed
	}
	q.reclaimLocked(time.Now())
	if len(q.ready) == 0 {
		return Delivery{}, false, nil
	}
	entry := q.ready[0]
	q.ready = q.ready[1:]
	entry.attempts++
	entry.deliveredAt = time.Now()
	q.pending[entry.id] = entry
	return Delivery{Job: entry.job, Attempt: entry.attempts, ID: entry.id}, true, nil
}

// reclaimLocked moves timed-out pending entries back onto the ready list.
// Entries that already used every attempt stay pending for inspection.
func (q *memoryQueue) reclaimLocked(now time.Time) {
	for id, entry := range q.pending {
		if q.policy.Exhausted(entry.attempts) {
			continue
		}
		if now.Sub(entry.deliveredAt) < q.policy.Delay(entry.attempts) {
			continue
		}
		delete(q.pending, id)
		q.ready = append(q.ready, entry)
	}
}

func (q *memoryQueue) Ack(ctx context.Context, delivery Delivery) error {
	if delivery.ID == "" {
		return errors.New("delivery id is required")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if _, ok := q.pending[delivery.ID]; !ok {
		return fmt.Errorf("delivery %s is not pending", delivery.ID)
	}
	delete(q.pending, delivery.ID)
	return nil
}

func (q *memoryQueue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
	return nil
}

func (q *memoryQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
