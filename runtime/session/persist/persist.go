// Package persist implements the asynchronous write-behind pipeline between
// the live event stream and the durable history store.
//
// Enqueue never blocks the emitting turn: records land on an unbounded
// in-memory queue and dedicated workers drain it in the background. Sessions
// are sharded onto workers by hashing the session id, so records of one
// session always flow through the same worker and retain FIFO order while
// different sessions proceed in parallel.
//
// Failed writes are retried with exponential backoff up to a bounded number
// of attempts. Because the store upserts by (session, sequence), a retry
// after a partially applied write never duplicates a record. A record that
// exhausts its retries is dropped with an error log and counted; the queue
// depth feeds the writer's health check so operators see sustained backlog.
package persist

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"goa.design/relay/runtime/session/history"
	"goa.design/relay/runtime/session/stream"
	"goa.design/relay/runtime/session/telemetry"
)

type (
	// Writer is the asynchronous history writer. Construct with New and
	// stop with Close; Drain flushes outstanding records without stopping.
	Writer struct {
		store   history.Store
		log     telemetry.Logger
		metrics telemetry.Metrics
		cfg     Config
		limiter *rate.Limiter

		workers []*worker
		pending atomic.Int64
		dropped atomic.Int64
		closed  atomic.Bool
		wg      sync.WaitGroup
	}

	// Config tunes the writer. Zero values fall back to defaults.
	Config struct {
		// Workers is the number of drain goroutines. Default 4.
		Workers int
		// MaxAttempts bounds write attempts per record, first try
		// included. Default 5.
		MaxAttempts int
		// RetryBackoff is the initial backoff between attempts; it doubles
		// per retry. Default 50ms.
		RetryBackoff time.Duration
		// HealthyBacklog is the queue depth above which the writer reports
		// itself unhealthy. Default 1000.
		HealthyBacklog int
		// WriteRate optionally caps store writes per second across all
		// workers. Zero means unlimited.
		WriteRate rate.Limit
	}

	worker struct {
		mu     sync.Mutex
		cond   *sync.Cond
		queue  []history.Record
		closed bool
	}
)

// ErrClosed indicates the writer no longer accepts records.
var ErrClosed = errors.New("persist writer closed")

// New constructs a Writer and starts its workers.
func New(store history.Store, log telemetry.Logger, metrics telemetry.Metrics, cfg Config) (*Writer, error) {
	if store == nil {
		return nil, errors.New("persist: history store is required")
	}
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	if cfg.Workers < 1 {
		cfg.Workers = 4
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 50 * time.Millisecond
	}
	if cfg.HealthyBacklog < 1 {
		cfg.HealthyBacklog = 1000
	}

	w := &Writer{store: store, log: log, metrics: metrics, cfg: cfg}
	if cfg.WriteRate > 0 {
		w.limiter = rate.NewLimiter(cfg.WriteRate, 1)
	}
	w.workers = make([]*worker, cfg.Workers)
	for i := range w.workers {
		wk := &worker{}
		wk.cond = sync.NewCond(&wk.mu)
		w.workers[i] = wk
		w.wg.Add(1)
		go w.run(wk)
	}
	return w, nil
}

// Enqueue converts the event to its durable record and queues it for
// writing. It never blocks: the queue is unbounded and backpressure is
// reported through Ping instead. Transient events are rejected.
func (w *Writer) Enqueue(ev stream.Event) error {
	if w.closed.Load() {
		return ErrClosed
	}
	rec, err := history.RecordOf(ev)
	if err != nil {
		return err
	}
	wk := w.workers[w.shard(rec.SessionID)]

	wk.mu.Lock()
	if wk.closed {
		wk.mu.Unlock()
		return ErrClosed
	}
	wk.queue = append(wk.queue, rec)
	// Count under the lock: the record must be reflected in pending before a
	// worker can pop and decrement it, or Drain could observe zero with the
	// record still queued.
	w.pending.Add(1)
	wk.mu.Unlock()

	w.metrics.IncCounter("persist.enqueued", 1, "type", string(rec.Type))
	wk.cond.Signal()
	return nil
}

// Pending returns the number of records queued or in flight.
func (w *Writer) Pending() int {
	return int(w.pending.Load())
}

// Drain blocks until every queued record has been written (or dropped after
// exhausting retries) or the context expires. The writer keeps accepting new
// records while draining.
func (w *Writer) Drain(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	settled := false
	for {
		if w.pending.Load() == 0 {
			// Hold at zero for one extra tick before declaring the queue
			// flushed, so an enqueue racing the first observation is caught.
			if settled {
				return nil
			}
			settled = true
		} else {
			settled = false
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("drain interrupted with %d records pending: %w", w.pending.Load(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// Close drains outstanding records and stops the workers. After Close,
// Enqueue returns ErrClosed.
func (w *Writer) Close(ctx context.Context) error {
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := w.Drain(ctx)
	for _, wk := range w.workers {
		wk.mu.Lock()
		wk.closed = true
		wk.mu.Unlock()
		wk.cond.Signal()
	}
	w.wg.Wait()
	return err
}

// Name implements health.Pinger.
func (w *Writer) Name() string { return "persist-writer" }

// Ping implements health.Pinger. The writer is unhealthy when closed or
// when its backlog exceeds the configured threshold.
func (w *Writer) Ping(context.Context) error {
	if w.closed.Load() {
		return ErrClosed
	}
	if n := int(w.pending.Load()); n > w.cfg.HealthyBacklog {
		return fmt.Errorf("persist backlog %d exceeds %d", n, w.cfg.HealthyBacklog)
	}
	return nil
}

func (w *Writer) shard(sessionID string) int {
	h := fnv.New32a()
	h.Write([]byte(sessionID))
	return int(h.Sum32() % uint32(len(w.workers)))
}

func (w *Writer) run(wk *worker) {
	defer w.wg.Done()
	for {
		wk.mu.Lock()
		for len(wk.queue) == 0 && !wk.closed {
			wk.cond.Wait()
		}
		if len(wk.queue) == 0 && wk.closed {
			wk.mu.Unlock()
			return
		}
		rec := wk.queue[0]
		wk.queue = wk.queue[1:]
		wk.mu.Unlock()

		w.write(rec)
		w.pending.Add(-1)
	}
}

func (w *Writer) write(rec history.Record) {
	ctx := context.Background()
	backoff := w.cfg.RetryBackoff
	var lastErr error
	for attempt := 1; attempt <= w.cfg.MaxAttempts; attempt++ {
		if w.limiter != nil {
			_ = w.limiter.Wait(ctx)
		}
		start := time.Now()
		lastErr = w.store.Upsert(ctx, rec)
		w.metrics.RecordTimer("persist.write", time.Since(start), "type", string(rec.Type))
		if lastErr == nil {
			if attempt > 1 {
				w.metrics.IncCounter("persist.retried", 1)
			}
			return
		}
		w.log.Warn(ctx, "history write failed",
			"session_id", rec.SessionID, "sequence", rec.Sequence,
			"attempt", attempt, "error", lastErr)
		if attempt < w.cfg.MaxAttempts {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	w.dropped.Add(1)
	w.metrics.IncCounter("persist.dropped", 1, "type", string(rec.Type))
	w.log.Error(ctx, "history record dropped after retries",
		"session_id", rec.SessionID, "sequence", rec.Sequence,
		"event_id", rec.EventID, "error", lastErr)
}

// Dropped returns the number of records abandoned after exhausting retries.
func (w *Writer) Dropped() int {
	return int(w.dropped.Load())
}
