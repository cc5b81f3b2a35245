package hifetch

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultQueueCapacity is the bounded work queue's default size (spec.md §5:
// "HI callbacks enqueue records into a bounded work queue (capacity default
// 1024), processed by a worker pool of 8").
const DefaultQueueCapacity = 1024

// CallbackQueue decouples the HI-records webhook from IngestHIRecords'
// processing: a full queue signals ABDM to retry instead of blocking the
// webhook handler or applying unbounded backpressure to the HTTP server
// (spec.md §5 "Scheduling model").
type CallbackQueue struct {
	svc *Service
	log zerolog.Logger

	items chan queuedCallback

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

type queuedCallback struct {
	ctx     context.Context
	payload CallbackPayload
}

// NewCallbackQueue starts a worker pool of n goroutines draining a buffered
// channel of capacity. A capacity <= 0 falls back to DefaultQueueCapacity; n
// <= 0 falls back to defaultWorkers.
func NewCallbackQueue(svc *Service, capacity, workers int, log zerolog.Logger) *CallbackQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	if workers <= 0 {
		workers = defaultWorkers
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &CallbackQueue{
		svc:    svc,
		log:    log.With().Str("component", "hi_callback_queue").Logger(),
		items:  make(chan queuedCallback, capacity),
		cancel: cancel,
	}

	q.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go q.drain(ctx)
	}
	return q
}

func (q *CallbackQueue) drain(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-q.items:
			if !ok {
				return
			}
			if err := q.svc.IngestHIRecords(item.ctx, item.payload); err != nil {
				q.log.Error().Err(err).Str("abdm_request_id", item.payload.ABDMRequestID).Msg("failed to ingest HI record callback")
			}
		}
	}
}

// ErrQueueFull is returned by Enqueue when the work queue has no spare
// capacity; callers should reply 503 with Retry-After (spec.md §5).
var ErrQueueFull = errQueueFull{}

type errQueueFull struct{}

func (errQueueFull) Error() string { return "hifetch: callback queue full" }

// Enqueue accepts a decoded, signature-verified callback for asynchronous
// processing. It detaches the payload from the request's context (which is
// cancelled the instant the webhook handler returns) while preserving any
// request-scoped values a worker might need to log.
func (q *CallbackQueue) Enqueue(ctx context.Context, payload CallbackPayload) error {
	select {
	case q.items <- queuedCallback{ctx: detach(ctx), payload: payload}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting new work and waits up to the given timeout for
// in-flight callbacks to drain.
func (q *CallbackQueue) Close(timeout time.Duration) {
	close(q.items)
	q.cancel()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		q.log.Warn().Msg("callback queue drain timed out, in-flight callbacks abandoned")
	}
}

// detachedContext carries a parent's values without its cancellation, so a
// queued callback can still read e.g. a request ID for logging after the
// HTTP request that enqueued it has completed.
type detachedContext struct {
	context.Context
}

func (detachedContext) Deadline() (time.Time, bool) { return time.Time{}, false }
func (detachedContext) Done() <-chan struct{}       { return nil }
func (detachedContext) Err() error                  { return nil }

func detach(ctx context.Context) context.Context {
	return detachedContext{ctx}
}
