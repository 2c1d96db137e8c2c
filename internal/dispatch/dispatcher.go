package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/snapsvc/internal/alarm"
	"github.com/mattjoyce/snapsvc/internal/binding"
	"github.com/mattjoyce/snapsvc/internal/component"
	"github.com/mattjoyce/snapsvc/internal/domain"
	"github.com/mattjoyce/snapsvc/internal/events"
	"github.com/mattjoyce/snapsvc/internal/foreground"
	"github.com/mattjoyce/snapsvc/internal/forward"
	"github.com/mattjoyce/snapsvc/internal/log"
	"github.com/mattjoyce/snapsvc/internal/mailbox"
	"github.com/mattjoyce/snapsvc/internal/worker"
)

var (
	ErrNotStarted     = errors.New("dispatcher not started")
	ErrAlreadyStarted = errors.New("dispatcher already started")
	ErrNoDelivery     = errors.New("no delivery service configured")
)

// Options configure a Dispatcher. Registry is required.
type Options struct {
	Registry *worker.Registry

	// Presenters back the foreground slots, one per slot. Empty means
	// foreground.DefaultSlots log presenters.
	Presenters []foreground.Presenter

	// Delivery carries requests to the other domain and user alarms. Nil
	// disables both.
	Delivery     forward.DeliveryService
	ForwardDelay time.Duration

	Classifier *domain.Classifier
	Hub        *events.Hub
	Logger     *slog.Logger

	// KillSecondaryOnDrain calls Terminator once the secondary domain has no
	// live workers and no bound connections. A stop that leaves another
	// worker running does not terminate the process, and neither does Stop.
	KillSecondaryOnDrain bool
	Terminator           func()
}

type message func(ctx context.Context)

type entry struct {
	w         *worker.Worker
	everBound bool
}

// Dispatcher owns every worker of one domain. All state changes run on a
// single control goroutine fed by a mailbox; public methods only post to it.
type Dispatcher struct {
	registry   *worker.Registry
	classifier *domain.Classifier
	hub        *events.Hub
	forwarder  *forward.Forwarder
	logger     *slog.Logger

	killOnDrain bool
	terminator  func()

	control *mailbox.Mailbox[message]
	started atomic.Bool
	closing atomic.Bool
	done    chan struct{}
	cancel  context.CancelFunc

	// Owned by the control goroutine.
	workers   map[component.Key]*entry
	latest    map[component.Key]component.Token
	nextToken component.Token
	bindings  *binding.Registry
	slots     *foreground.Allocator
	drained   bool
}

// New creates a Dispatcher. Call Start before use.
func New(opts Options) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = log.WithComponent("dispatch")
	}
	registry := opts.Registry
	if registry == nil {
		registry = worker.NewRegistry()
	}
	classifier := opts.Classifier
	if classifier == nil {
		classifier = domain.NewClassifier(nil, "")
	}
	presenters := opts.Presenters
	if len(presenters) == 0 {
		presenters = foreground.Pool(foreground.DefaultSlots, foreground.NewLogPresenter(logger))
	}

	d := &Dispatcher{
		registry:    registry,
		classifier:  classifier,
		hub:         opts.Hub,
		logger:      logger,
		killOnDrain: opts.KillSecondaryOnDrain,
		terminator:  opts.Terminator,
		control:     mailbox.New[message](),
		done:        make(chan struct{}),
		workers:     make(map[component.Key]*entry),
		latest:      make(map[component.Key]component.Token),
		bindings:    binding.NewRegistry(),
		slots:       foreground.NewAllocator(presenters),
	}
	if opts.Delivery != nil {
		d.forwarder = forward.NewForwarder(opts.Delivery, opts.ForwardDelay, logger)
	}
	return d
}

// Start launches the control goroutine. Work runs under a context derived
// from ctx that is only cancelled by Stop.
func (d *Dispatcher) Start(ctx context.Context) error {
	if d == nil {
		return ErrNotStarted
	}
	if !d.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	d.cancel = cancel
	d.logger.Info("dispatcher started", "domain", d.classifier.Current().String(), "slots", d.slots.Size())
	go d.loop(runCtx)
	return nil
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer close(d.done)
	for {
		msg, err := d.control.Take(ctx)
		if err != nil {
			return
		}
		d.exec(ctx, msg)
	}
}

func (d *Dispatcher) exec(ctx context.Context, msg message) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("control message panicked", "panic", r)
		}
	}()
	msg(ctx)
}

// Stop refuses new work, disconnects bound connections, destroys every
// worker (waiting for in-flight items) and waits for the control goroutine.
func (d *Dispatcher) Stop(ctx context.Context) error {
	if d == nil || !d.started.Load() {
		return nil
	}
	if !d.closing.CompareAndSwap(false, true) {
		<-d.done
		return nil
	}
	d.logger.Info("stopping dispatcher")
	d.control.Put(d.shutdown)
	d.control.Close()

	select {
	case <-d.done:
		d.cancel()
		d.logger.Info("dispatcher stopped")
		return nil
	case <-ctx.Done():
		d.cancel()
		return fmt.Errorf("stop dispatcher: %w", ctx.Err())
	}
}

func (d *Dispatcher) shutdown(ctx context.Context) {
	d.drained = true
	for _, key := range d.bindings.Keys() {
		for _, c := range d.bindings.RemoveKey(key) {
			d.notifyDisconnected(c, key)
		}
	}
	keys := make([]component.Key, 0, len(d.workers))
	for k := range d.workers {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, k := range keys {
		d.destroy(ctx, k, d.workers[k], "shutdown")
	}
}

// ready reports whether public calls may proceed, warning otherwise.
func (d *Dispatcher) ready(op string) bool {
	if d == nil {
		log.Warn("dispatcher is nil", "op", op)
		return false
	}
	if !d.started.Load() {
		d.logger.Warn("dispatcher not started", "op", op)
		return false
	}
	if d.closing.Load() {
		d.logger.Warn("dispatcher is stopping", "op", op)
		return false
	}
	return true
}

func (d *Dispatcher) post(msg message) bool {
	return d.control.Put(msg)
}

// call posts msg and waits for it to run. It reports false if the
// dispatcher shut down first.
func (d *Dispatcher) call(msg message) bool {
	ran := make(chan struct{})
	if !d.post(func(ctx context.Context) {
		defer close(ran)
		msg(ctx)
	}) {
		return false
	}
	select {
	case <-ran:
		return true
	case <-d.done:
		select {
		case <-ran:
			return true
		default:
			return false
		}
	}
}

// Submit routes req to its worker, creating the worker if needed. It never
// blocks on a worker. Requests for the other domain are forwarded.
func (d *Dispatcher) Submit(req component.Request) {
	if !d.ready("Submit") {
		return
	}
	if req.Target.Empty() {
		d.logger.Warn("dropping unaddressed request", "action", req.Action)
		return
	}
	req = req.Clone()

	if cur := d.classifier.Current(); req.Domain != cur {
		d.forward(req)
		return
	}
	d.post(func(ctx context.Context) { d.deliver(ctx, req) })
}

// SubmitToOtherDomain submits req for execution in the secondary domain.
func (d *Dispatcher) SubmitToOtherDomain(req component.Request) {
	req.Domain = component.Secondary
	d.Submit(req)
}

func (d *Dispatcher) forward(req component.Request) {
	if d.forwarder == nil {
		d.logger.Warn("dropping cross-domain request", "worker", req.Target, "target", req.Domain.String(), "error", ErrNoDelivery)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	id, err := d.forwarder.Forward(ctx, req, req.Domain)
	if err != nil {
		d.logger.Error("forward failed", "worker", req.Target, "error", err)
		return
	}
	d.hub.Publish(events.ForwardScheduled, map[string]any{
		"worker":      req.Target,
		"action":      req.Action,
		"target":      req.Domain.String(),
		"envelope_id": id.String(),
	})
}

func (d *Dispatcher) deliver(ctx context.Context, req component.Request) {
	e, _, err := d.resolve(ctx, req.Target)
	if err != nil {
		d.logger.Error("dropping request", "worker", req.Target, "action", req.Action, "error", err)
		d.hub.Publish(events.WorkFailed, map[string]any{
			"worker": req.Target,
			"action": req.Action,
			"error":  err.Error(),
		})
		return
	}

	tok := d.allocToken()
	d.latest[req.Target] = tok
	e.w.Enqueue(req, tok)
	log.Verbose("enqueued", "worker", req.Target, "action", req.Action, "token", int32(tok))
	d.hub.Publish(events.WorkEnqueued, map[string]any{
		"worker":  req.Target,
		"action":  req.Action,
		"token":   tok,
		"pending": e.w.Pending(),
	})
}

func (d *Dispatcher) allocToken() component.Token {
	d.nextToken++
	if d.nextToken <= 0 {
		d.nextToken = 1
	}
	return d.nextToken
}

// resolve returns the live worker for key, creating and starting it if
// necessary.
func (d *Dispatcher) resolve(ctx context.Context, key component.Key) (*entry, bool, error) {
	if e, ok := d.workers[key]; ok {
		return e, false, nil
	}
	if d.drained {
		return nil, false, ErrNotStarted
	}
	factory, ok := d.registry.Lookup(key)
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", worker.ErrUnknownKey, key)
	}

	var svc worker.Service
	if err := guard(func() error {
		var err error
		svc, err = factory(key, &host{d: d, key: key})
		return err
	}); err != nil {
		return nil, false, fmt.Errorf("build worker %s: %w", key, err)
	}

	e := &entry{}
	release := func(_ component.Key, tok component.Token) {
		d.post(func(ctx context.Context) { d.release(ctx, e, tok) })
	}
	e.w = worker.New(key, svc, release, d.observe, d.logger)
	if err := e.w.Start(ctx); err != nil {
		return nil, false, err
	}
	d.workers[key] = e
	d.logger.Debug("worker created", "worker", key)
	d.hub.Publish(events.WorkerCreated, map[string]any{"worker": key})
	return e, true, nil
}

func (d *Dispatcher) observe(key component.Key, req component.Request, tok component.Token, elapsed time.Duration, err error) {
	data := map[string]any{
		"worker":     key,
		"action":     req.Action,
		"token":      tok,
		"elapsed_ms": elapsed.Milliseconds(),
	}
	if err != nil {
		data["error"] = err.Error()
		d.hub.Publish(events.WorkFailed, data)
		return
	}
	d.hub.Publish(events.WorkCompleted, data)
}

// release applies the stop rule for a token reported by e's worker or by
// the last unbind.
func (d *Dispatcher) release(ctx context.Context, e *entry, tok component.Token) {
	key := e.w.Key()
	if cur, ok := d.workers[key]; !ok || cur != e {
		return
	}

	latest, outstanding := d.latest[key]
	switch {
	case tok == component.BindToken:
		if outstanding || !e.everBound {
			return
		}
	case !outstanding || tok != latest:
		return
	}
	delete(d.latest, key)

	if d.bindings.IsBound(key) {
		d.logger.Debug("worker kept alive by binding", "worker", key, "connections", d.bindings.Count(key))
		return
	}
	d.destroy(ctx, key, e, "released")
}

func (d *Dispatcher) destroy(ctx context.Context, key component.Key, e *entry, reason string) {
	delete(d.workers, key)
	delete(d.latest, key)
	if d.slots.Stop(ctx, key) {
		d.hub.Publish(events.ForegroundStop, map[string]any{"worker": key})
	}
	dropped := e.w.Stop(ctx)
	d.logger.Debug("worker destroyed", "worker", key, "reason", reason, "processed", e.w.Processed(), "dropped", dropped)
	d.hub.Publish(events.WorkerDestroyed, map[string]any{
		"worker":    key,
		"reason":    reason,
		"processed": e.w.Processed(),
		"dropped":   dropped,
	})
	d.maybeTerminate()
}

func (d *Dispatcher) maybeTerminate() {
	if !d.killOnDrain || d.closing.Load() {
		return
	}
	if len(d.workers) > 0 || d.bindings.Len() > 0 {
		return
	}
	if d.classifier.Current() != component.Secondary {
		return
	}
	d.logger.Info("secondary domain drained, terminating")
	if d.terminator != nil {
		go d.terminator()
	}
}

// Bind connects conn to the worker for req.Target, creating the worker if
// needed. It reports false if the worker could not be created or refused
// the bind. Binding an identity that is already bound to the key succeeds
// without side effects. Binding always happens in the current domain.
func (d *Dispatcher) Bind(req component.Request, conn component.Connection) bool {
	if !d.ready("Bind") {
		return false
	}
	if conn == nil || req.Target.Empty() {
		d.logger.Warn("bind needs a target and a connection", "worker", req.Target)
		return false
	}
	req = req.Clone()

	var ok bool
	if !d.call(func(ctx context.Context) { ok = d.bind(ctx, req, conn) }) {
		return false
	}
	return ok
}

func (d *Dispatcher) bind(ctx context.Context, req component.Request, conn component.Connection) bool {
	key := req.Target
	if d.bindings.Contains(key, conn.ID()) {
		return true
	}

	e, created, err := d.resolve(ctx, key)
	if err != nil {
		d.logger.Error("bind failed", "worker", key, "error", err)
		return false
	}

	fail := func(err error) bool {
		d.logger.Error("bind failed", "worker", key, "connection", conn.ID(), "error", err)
		if created {
			d.destroy(ctx, key, e, "bind failed")
		}
		return false
	}

	var capability any
	if b, ok := e.w.Service().(worker.Binder); ok {
		if err := guard(func() error {
			var err error
			capability, err = b.OnBind(ctx, req)
			return err
		}); err != nil {
			return fail(err)
		}
	}
	if err := guard(func() error { conn.OnConnected(key, capability); return nil }); err != nil {
		return fail(err)
	}

	d.bindings.Add(key, conn)
	e.everBound = true
	d.hub.Publish(events.BindConnected, map[string]any{
		"worker":      key,
		"connection":  conn.ID(),
		"connections": d.bindings.Count(key),
	})
	return true
}

// Unbind disconnects conn from whichever worker it is bound to. It reports
// whether conn was bound. Unbinding an unknown connection is a no-op.
func (d *Dispatcher) Unbind(conn component.Connection) bool {
	if !d.ready("Unbind") || conn == nil {
		return false
	}
	var found bool
	if !d.call(func(ctx context.Context) { found = d.unbind(ctx, conn) }) {
		return false
	}
	return found
}

func (d *Dispatcher) unbind(ctx context.Context, conn component.Connection) bool {
	key, registered, ok := d.bindings.Remove(conn)
	if !ok {
		return false
	}
	d.notifyDisconnected(registered, key)
	d.hub.Publish(events.BindDisconnected, map[string]any{
		"worker":      key,
		"connection":  registered.ID(),
		"connections": d.bindings.Count(key),
	})

	if !d.bindings.IsBound(key) {
		if e, ok := d.workers[key]; ok {
			d.release(ctx, e, component.BindToken)
		}
	}
	return true
}

func (d *Dispatcher) notifyDisconnected(c component.Connection, key component.Key) {
	if err := guard(func() error { c.OnDisconnected(key); return nil }); err != nil {
		d.logger.Error("OnDisconnected failed", "worker", key, "connection", c.ID(), "error", err)
	}
}

// StartForeground puts key's live worker into a foreground slot. It
// reports false when the worker isn't live or every slot is taken.
func (d *Dispatcher) StartForeground(key component.Key, id int, desc foreground.Descriptor) bool {
	if !d.ready("StartForeground") {
		return false
	}
	var ok bool
	if !d.call(func(ctx context.Context) { ok = d.startForeground(ctx, key, id, desc) }) {
		return false
	}
	return ok
}

func (d *Dispatcher) startForeground(ctx context.Context, key component.Key, id int, desc foreground.Descriptor) bool {
	if _, live := d.workers[key]; !live {
		d.logger.Warn("foreground requested for idle worker", "worker", key)
		return false
	}
	slot, ok := d.slots.Start(ctx, key, id, desc)
	if !ok {
		d.logger.Warn("no free foreground slot, dropping", "worker", key, "slots", d.slots.Size())
		return false
	}
	d.hub.Publish(events.ForegroundStart, map[string]any{"worker": key, "slot": slot, "id": id})
	return true
}

// StopForeground frees key's slot. It reports false if key held none.
func (d *Dispatcher) StopForeground(key component.Key) bool {
	if !d.ready("StopForeground") {
		return false
	}
	var ok bool
	if !d.call(func(ctx context.Context) { ok = d.stopForeground(ctx, key) }) {
		return false
	}
	return ok
}

func (d *Dispatcher) stopForeground(ctx context.Context, key component.Key) bool {
	if !d.slots.Stop(ctx, key) {
		return false
	}
	d.hub.Publish(events.ForegroundStop, map[string]any{"worker": key})
	return true
}

// IsCurrentDomainSecondary reports whether this process is the secondary domain.
func (d *Dispatcher) IsCurrentDomainSecondary() bool {
	if d == nil {
		log.Warn("dispatcher is nil", "op", "IsCurrentDomainSecondary")
		return false
	}
	return d.classifier.Current() == component.Secondary
}

// CurrentDomain returns the domain of this process.
func (d *Dispatcher) CurrentDomain() component.Domain {
	if d == nil {
		return component.Primary
	}
	return d.classifier.Current()
}

// GenerateDeferredHandle wraps req into a handle that, when fired,
// resubmits req through a dispatcher.
func (d *Dispatcher) GenerateDeferredHandle(req component.Request) (*forward.Handle, error) {
	if d == nil {
		log.Warn("dispatcher is nil", "op", "GenerateDeferredHandle")
		return nil, ErrNotStarted
	}
	if req.Target.Empty() {
		return nil, fmt.Errorf("deferred handle: empty target")
	}
	return forward.NewHandle(req.Clone())
}

// ScheduleAlarm submits req after delay in the domain req names. A later
// call with the same key, domain and requestCode replaces this one.
func (d *Dispatcher) ScheduleAlarm(ctx context.Context, req component.Request, requestCode int64, delay time.Duration) error {
	if err := d.alarmsReady("ScheduleAlarm"); err != nil {
		return err
	}
	return d.forwarder.ScheduleAlarm(ctx, req.Clone(), requestCode, delay)
}

// IsAlarmScheduled reports whether a user alarm for req and requestCode is
// still pending.
func (d *Dispatcher) IsAlarmScheduled(ctx context.Context, req component.Request, requestCode int64) (bool, error) {
	if err := d.alarmsReady("IsAlarmScheduled"); err != nil {
		return false, err
	}
	return d.forwarder.IsAlarmScheduled(ctx, req, requestCode)
}

// CancelAlarm removes a pending user alarm. Cancelling one that is not
// scheduled is not an error.
func (d *Dispatcher) CancelAlarm(ctx context.Context, req component.Request, requestCode int64) error {
	if err := d.alarmsReady("CancelAlarm"); err != nil {
		return err
	}
	return d.forwarder.CancelAlarm(ctx, req, requestCode)
}

// AlarmHandler returns the handler a delivery poller feeds claimed alarms
// to. Each alarm is decoded and resubmitted here.
func (d *Dispatcher) AlarmHandler() alarm.Handler {
	recv := forward.NewReceiver(d, d.logger).OnDelivered(func(env forward.Envelope, a alarm.Alarm, req component.Request) {
		d.hub.Publish(events.ForwardReceived, map[string]any{
			"worker":      req.Target,
			"action":      req.Action,
			"type":        string(a.Type),
			"envelope_id": env.ID.String(),
		})
	})
	return recv.Handle
}

func (d *Dispatcher) alarmsReady(op string) error {
	if !d.ready(op) {
		return ErrNotStarted
	}
	if d.forwarder == nil {
		return ErrNoDelivery
	}
	return nil
}

// host is the Host handed to services. Every call is a post.
type host struct {
	d   *Dispatcher
	key component.Key
}

func (h *host) Submit(req component.Request) { h.d.Submit(req) }

func (h *host) StartForeground(id int, desc foreground.Descriptor) {
	if h.d.ready("StartForeground") {
		h.d.post(func(ctx context.Context) { h.d.startForeground(ctx, h.key, id, desc) })
	}
}

func (h *host) StopForeground() {
	if h.d.ready("StopForeground") {
		h.d.post(func(ctx context.Context) { h.d.stopForeground(ctx, h.key) })
	}
}

func (h *host) DeferredHandle(req component.Request) (*forward.Handle, error) {
	return h.d.GenerateDeferredHandle(req)
}

func (h *host) ScheduleAlarm(ctx context.Context, req component.Request, requestCode int64, delay time.Duration) error {
	return h.d.ScheduleAlarm(ctx, req, requestCode, delay)
}

func (h *host) CancelAlarm(ctx context.Context, req component.Request, requestCode int64) error {
	return h.d.CancelAlarm(ctx, req, requestCode)
}

// guard converts a panic in fn into an error.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
