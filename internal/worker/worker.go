// Package worker runs one Service on its own goroutine, draining a private
// FIFO one item at a time.
//
// A Worker never decides its own lifetime. After every item, successful or
// not, it reports the item's token through the release callback and the
// dispatcher decides whether to stop it.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/snapsvc/internal/component"
	"github.com/mattjoyce/snapsvc/internal/mailbox"
)

// ReleaseFunc is called after each item with its token. It must not block.
type ReleaseFunc func(key component.Key, token component.Token)

// Observer receives per-item outcomes. err is nil on success.
type Observer func(key component.Key, req component.Request, token component.Token, elapsed time.Duration, err error)

type item struct {
	req   component.Request
	token component.Token
}

// Worker runs one Service on its own goroutine. Items are handled strictly
// in submission order, one at a time, and every item is released with its
// token once handled.
type Worker struct {
	key      component.Key
	svc      Service
	release  ReleaseFunc
	observe  Observer
	logger   *slog.Logger
	inbox    *mailbox.Mailbox[item]
	state    atomic.Int32
	procd    atomic.Int64
	failed   atomic.Int64
	created  time.Time
	startMu  sync.Mutex
	started  bool
	stopOnce sync.Once
	done     chan struct{}
	cancel   context.CancelFunc
}

// New returns a worker in StateCreated. Nothing runs until Start.
func New(key component.Key, svc Service, release ReleaseFunc, observe Observer, logger *slog.Logger) *Worker {
	w := &Worker{
		key:     key,
		svc:     svc,
		release: release,
		observe: observe,
		logger:  logger.With("worker", string(key)),
		inbox:   mailbox.New[item](),
		created: time.Now(),
		done:    make(chan struct{}),
	}
	w.state.Store(int32(component.StateCreated))
	return w
}

// Start runs OnCreate and launches the consuming goroutine. It is a no-op
// after the first successful call.
func (w *Worker) Start(ctx context.Context) error {
	w.startMu.Lock()
	defer w.startMu.Unlock()
	if w.started {
		return nil
	}

	if err := safely(func() error { return w.svc.OnCreate(ctx) }); err != nil {
		return fmt.Errorf("create worker %s: %w", w.key, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.started = true
	w.state.Store(int32(component.StateIdle))
	go w.run(runCtx)
	return nil
}

// Enqueue appends an item. It never blocks and reports false once the
// worker is stopping.
func (w *Worker) Enqueue(req component.Request, token component.Token) bool {
	return w.inbox.Put(item{req: req, token: token})
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	for {
		it, err := w.inbox.Take(ctx)
		if err != nil {
			return
		}
		w.process(ctx, it)
	}
}

func (w *Worker) process(ctx context.Context, it item) {
	w.state.CompareAndSwap(int32(component.StateIdle), int32(component.StateRunning))
	start := time.Now()

	err := safely(func() error { return w.svc.Handle(ctx, it.req) })
	elapsed := time.Since(start)

	w.procd.Add(1)
	if err != nil {
		w.failed.Add(1)
		w.logger.Error("Work item failed", "action", it.req.Action, "token", int32(it.token), "error", err)
	} else {
		w.logger.Debug("Work item completed", "action", it.req.Action, "token", int32(it.token), "elapsed", elapsed)
	}
	if w.observe != nil {
		w.observe(w.key, it.req, it.token, elapsed, err)
	}

	w.state.CompareAndSwap(int32(component.StateRunning), int32(component.StateIdle))
	w.release(w.key, it.token)
}

// Stop closes the inbox, waits for the goroutine to finish whatever it has
// already taken, and runs OnDestroy. Items still queued are discarded.
// Stop is idempotent.
func (w *Worker) Stop(ctx context.Context) int {
	dropped := 0
	w.stopOnce.Do(func() {
		w.state.Store(int32(component.StateStopping))
		w.inbox.Close()
		dropped = len(w.inbox.Drain())

		w.startMu.Lock()
		started := w.started
		w.startMu.Unlock()
		if started {
			<-w.done
			w.cancel()
		}

		if err := safely(func() error { w.svc.OnDestroy(ctx); return nil }); err != nil {
			w.logger.Error("OnDestroy failed", "error", err)
		}
		w.state.Store(int32(component.StateDestroyed))
	})
	return dropped
}

// Stopped is closed when the goroutine has exited.
func (w *Worker) Stopped() <-chan struct{} { return w.done }

func (w *Worker) Key() component.Key { return w.key }

func (w *Worker) Service() Service { return w.svc }

func (w *Worker) State() component.State { return component.State(w.state.Load()) }

func (w *Worker) Pending() int { return w.inbox.Len() }

func (w *Worker) Processed() int64 { return w.procd.Load() }

func (w *Worker) Failed() int64 { return w.failed.Load() }

func (w *Worker) CreatedAt() time.Time { return w.created }

var errPanic = errors.New("panic")

// safely converts a panic in fn into an error.
func safely(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errPanic, r)
		}
	}()
	return fn()
}
