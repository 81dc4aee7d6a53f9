package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"lectern/internal/observability/metrics"
	"lectern/internal/queue"
	"lectern/internal/storage"
	"lectern/internal/transcode"
)

// Runner is the slice of the transcode pipeline the worker drives.
type Runner interface {
	Run(ctx context.Context, assetID, inputPath string) (transcode.Result, error)
}

// Config wires a Worker to its collaborators.
type Config struct {
	Queue       queue.Queue
	Store       storage.Repository
	Pipeline    Runner
	Metrics     *metrics.Recorder
	Logger      *slog.Logger
	Policy      queue.RetryPolicy
	Concurrency int64
	JobTimeout  time.Duration
}

const defaultJobTimeout = 30 * time.Minute

// Worker consumes transcode jobs from the queue and runs them through the
// pipeline. Transcodes are CPU-heavy, so parallelism is bounded by a weighted
// semaphore; the default of one keeps a small host responsive.
type Worker struct {
	queue      queue.Queue
	store      storage.Repository
	pipeline   Runner
	metrics    *metrics.Recorder
	logger     *slog.Logger
	policy     queue.RetryPolicy
	sem        *semaphore.Weighted
	jobTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
}

// New constructs a Worker from the configuration, applying defaults for any
// zero-valued tuning knobs.
func New(cfg Config) *Worker {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	jobTimeout := cfg.JobTimeout
	if jobTimeout <= 0 {
		jobTimeout = defaultJobTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		queue:      cfg.Queue,
		store:      cfg.Store,
		pipeline:   cfg.Pipeline,
		metrics:    cfg.Metrics,
		logger:     logger,
		policy:     cfg.Policy,
		sem:        semaphore.NewWeighted(concurrency),
		jobTimeout: jobTimeout,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start launches the consume loop. Calling Start twice is a no-op.
func (w *Worker) Start() {
	if w == nil {
		return
	}
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()

	w.wg.Add(1)
	go w.consume()
}

// Shutdown stops consuming and waits for in-flight transcodes to finish or
// the context to expire.
func (w *Worker) Shutdown(ctx context.Context) error {
	if w == nil {
		return nil
	}
	w.cancel()
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) consume() {
	defer w.wg.Done()
	for {
		delivery, err := w.queue.Dequeue(w.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, queue.ErrQueueClosed) {
				return
			}
			w.logger.Warn("queue dequeue failed", "error", err)
			continue
		}
		if err := w.sem.Acquire(w.ctx, 1); err != nil {
			return
		}
		w.wg.Add(1)
		go func(delivery queue.Delivery) {
			defer w.wg.Done()
			defer w.sem.Release(1)
			w.process(delivery)
		}(delivery)
	}
}

func (w *Worker) process(delivery queue.Delivery) {
	assetID := delivery.Job.AssetID
	logger := w.logger.With("asset_id", assetID, "attempt", delivery.Attempt)
	if delivery.Attempt > 1 {
		w.observeQueueEvent("redelivered")
	} else {
		w.observeQueueEvent("delivered")
	}

	if _, err := w.store.MarkAssetProcessing(assetID); err != nil {
		if errors.Is(err, storage.ErrAssetNotFound) {
			// The asset was deleted between enqueue and delivery. Drop the job.
			logger.Info("asset gone, dropping job")
			w.ack(delivery)
			return
		}
		logger.Error("mark processing failed", "error", err)
		return
	}

	if w.metrics != nil {
		w.metrics.TranscodeJobStarted()
	}
	ctx, cancel := context.WithTimeout(w.ctx, w.jobTimeout)
	result, err := w.pipeline.Run(ctx, assetID, delivery.Job.InputPath)
	cancel()
	if err != nil {
		if w.metrics != nil {
			w.metrics.TranscodeJobFailed()
		}
		logger.Error("transcode failed", "error", err)
		if w.policy.Exhausted(delivery.Attempt) {
			w.exhaust(delivery, err, logger)
		}
		// Not acked: the queue redelivers after the backoff.
		return
	}

	if _, err := w.store.MarkAssetReady(assetID, result.ManifestPath); err != nil {
		logger.Error("mark ready failed", "error", err)
		return
	}
	if w.metrics != nil {
		w.metrics.TranscodeJobCompleted()
	}
	w.ack(delivery)
	logger.Info("asset transcoded", "manifest", result.ManifestPath)
}

// exhaust records the terminal failure once every attempt is spent. The queue
// entry stays pending for inspection, so the asset must be marked failed here.
func (w *Worker) exhaust(delivery queue.Delivery, cause error, logger *slog.Logger) {
	if w.metrics != nil {
		w.metrics.TranscodeJobExhausted()
	}
	w.observeQueueEvent("exhausted")
	if _, err := w.store.MarkAssetFailed(delivery.Job.AssetID, cause.Error()); err != nil {
		if !errors.Is(err, storage.ErrAssetNotFound) {
			logger.Error("mark failed failed", "error", err)
		}
		return
	}
	logger.Error("transcode attempts exhausted", "error", cause)
}

func (w *Worker) ack(delivery queue.Delivery) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.queue.Ack(ctx, delivery); err != nil {
		w.logger.Warn("queue ack failed", "id", delivery.ID, "error", err)
		return
	}
	w.observeQueueEvent("acked")
}

func (w *Worker) observeQueueEvent(event string) {
	if w.metrics != nil {
		w.metrics.ObserveQueueEvent(event)
	}
}
