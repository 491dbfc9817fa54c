// Package persist writes coordinator events to durable storage off the
// command path. Events are applied one at a time in the order recorded.
package persist

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"lobbyline/internal/domain"
)

// Store applies one event to durable storage.
type Store interface {
	Apply(ctx context.Context, evt domain.Event) error
}

type Options struct {
	Logger     *slog.Logger
	MaxRetries int
	Backoff    time.Duration
}

// Writer implements engine.Recorder. Record never blocks on I/O; a single
// worker drains the queue.
type Writer struct {
	store   Store
	logger  *slog.Logger
	retries int
	backoff time.Duration

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []domain.Event
	closed  bool
	busy    bool
	done    chan struct{}
	failed  int
	written int
}

func NewWriter(store Store, opts Options) *Writer {
	w := &Writer{
		store:   store,
		logger:  opts.Logger,
		retries: opts.MaxRetries,
		backoff: opts.Backoff,
		done:    make(chan struct{}),
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	if w.retries <= 0 {
		w.retries = 3
	}
	if w.backoff <= 0 {
		w.backoff = 100 * time.Millisecond
	}
	w.cond = sync.NewCond(&w.mu)
	go w.run()
	return w
}

func (w *Writer) Record(evt domain.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		w.logger.Warn("persist writer closed, dropping event", "branch_id", evt.BranchID, "type", evt.Type)
		return
	}
	w.queue = append(w.queue, evt)
	w.cond.Signal()
}

// Pending reports events recorded but not yet applied.
func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := len(w.queue)
	if w.busy {
		n++
	}
	return n
}

// Stats returns the number of applied and abandoned events.
func (w *Writer) Stats() (written, failed int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written, w.failed
}

// Flush waits until everything recorded so far has been applied.
func (w *Writer) Flush(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for w.Pending() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Close stops accepting events and drains the queue.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	w.closed = true
	w.cond.Broadcast()
	w.mu.Unlock()
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Writer) run() {
	defer close(w.done)
	for {
		w.mu.Lock()
		for len(w.queue) == 0 && !w.closed {
			w.cond.Wait()
		}
		if len(w.queue) == 0 && w.closed {
			w.mu.Unlock()
			return
		}
		evt := w.queue[0]
		w.queue = w.queue[1:]
		w.busy = true
		w.mu.Unlock()

		err := w.apply(evt)

		w.mu.Lock()
		w.busy = false
		if err != nil {
			w.failed++
		} else {
			w.written++
		}
		w.mu.Unlock()
	}
}

func (w *Writer) apply(evt domain.Event) error {
	var err error
	for attempt := 1; attempt <= w.retries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = w.store.Apply(ctx, evt)
		cancel()
		if err == nil {
			return nil
		}
		w.logger.Warn("persist event failed", "branch_id", evt.BranchID, "ticket_id", evt.TicketID(), "type", evt.Type, "attempt", attempt, "err", err)
		time.Sleep(w.backoff * time.Duration(attempt))
	}
	w.logger.Error("persist event abandoned", "branch_id", evt.BranchID, "ticket_id", evt.TicketID(), "type", evt.Type, "err", err)
	return err
}
