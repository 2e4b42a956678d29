// Package queue runs material processing in the background with bounded
// concurrency. Tasks live only in memory: delivery is at-least-once while
// the process is alive, and the server replays the pending backlog from the
// store at boot.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"studymate/internal/logging"
	"studymate/internal/metrics"
)

// ErrQueueFull is returned when the queue stays full past the enqueue wait.
// The material remains pending and is picked up on the next boot replay.
var ErrQueueFull = errors.New("processing queue full")

// ErrStopped is returned for enqueues after shutdown began.
var ErrStopped = errors.New("queue stopped")

// Processor is the work the queue dispatches.
type Processor interface {
	Process(ctx context.Context, materialID string) error
}

// Queue is a bounded in-memory task queue over a worker budget.
type Queue struct {
	proc        Processor
	tasks       chan string
	sem         *semaphore.Weighted
	enqueueWait time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	stopped bool
}

// New creates a queue with the given buffer depth and worker concurrency.
func New(proc Processor, depth, concurrency int, enqueueWait time.Duration) *Queue {
	if depth <= 0 {
		depth = 32
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		proc:        proc,
		tasks:       make(chan string, depth),
		sem:         semaphore.NewWeighted(int64(concurrency)),
		enqueueWait: enqueueWait,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start launches the dispatcher. Each task runs in its own goroutine under
// the semaphore, so slow materials do not starve the channel.
func (q *Queue) Start() {
	q.wg.Add(1)
	go q.dispatch()
}

func (q *Queue) dispatch() {
	defer q.wg.Done()
	log := logging.Get(logging.CategoryQueue)

	for {
		select {
		case <-q.ctx.Done():
			return
		case id, ok := <-q.tasks:
			if !ok {
				return
			}
			metrics.QueueDepth.Dec()
			if err := q.sem.Acquire(q.ctx, 1); err != nil {
				return
			}
			q.wg.Add(1)
			go func(id string) {
				defer q.wg.Done()
				defer q.sem.Release(1)
				if err := q.proc.Process(q.ctx, id); err != nil {
					log.Warnw("task failed", "material_id", id, "error", err)
				}
			}(id)
		}
	}
}

// Enqueue submits a material for processing. It blocks up to the configured
// enqueue wait under backpressure, then gives up with ErrQueueFull.
func (q *Queue) Enqueue(id string) error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return ErrStopped
	}
	q.mu.Unlock()

	select {
	case q.tasks <- id:
		metrics.QueueDepth.Inc()
		return nil
	default:
	}

	if q.enqueueWait <= 0 {
		return ErrQueueFull
	}
	timer := time.NewTimer(q.enqueueWait)
	defer timer.Stop()
	select {
	case q.tasks <- id:
		metrics.QueueDepth.Inc()
		return nil
	case <-timer.C:
		return ErrQueueFull
	case <-q.ctx.Done():
		return ErrStopped
	}
}

// Replay enqueues a backlog of material IDs, stopping at the first
// backpressure failure. Used at boot for rows left pending by a previous
// run.
func (q *Queue) Replay(ids []string) int {
	accepted := 0
	for _, id := range ids {
		if err := q.Enqueue(id); err != nil {
			break
		}
		accepted++
	}
	if accepted > 0 {
		logging.Get(logging.CategoryQueue).Infow("replayed pending backlog",
			"accepted", accepted, "total", len(ids))
	}
	return accepted
}

// Shutdown stops accepting work, cancels in-flight tasks, and waits for the
// workers to drain or ctx to expire. In-flight materials record a cancelled
// failure through the processor's own terminal write.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil
	}
	q.stopped = true
	q.mu.Unlock()

	q.cancel()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
