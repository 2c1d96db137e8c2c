package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mattjoyce/snapsvc/internal/component"
	"github.com/mattjoyce/snapsvc/internal/foreground"
	"github.com/mattjoyce/snapsvc/internal/forward"
)

var (
	ErrDuplicateFactory = errors.New("worker factory already registered")
	ErrUnknownKey       = errors.New("no worker factory for key")
)

// Service is the user handler behind a key.
type Service interface {
	OnCreate(ctx context.Context) error
	Handle(ctx context.Context, req component.Request) error
	OnDestroy(ctx context.Context)
}

// Binder is implemented by services that expose a capability to bound
// connections. Services without it bind with a nil capability.
type Binder interface {
	OnBind(ctx context.Context, req component.Request) (any, error)
}

// Host is what a running service may ask of its dispatcher. Submit and the
// foreground calls are asynchronous.
type Host interface {
	Submit(req component.Request)
	StartForeground(id int, d foreground.Descriptor)
	StopForeground()

	// DeferredHandle wraps req for later firing, e.g. from a presentation.
	DeferredHandle(req component.Request) (*forward.Handle, error)
	ScheduleAlarm(ctx context.Context, req component.Request, requestCode int64, delay time.Duration) error
	CancelAlarm(ctx context.Context, req component.Request, requestCode int64) error
}

// Factory builds the service for key.
type Factory func(key component.Key, host Host) (Service, error)

// Registry maps keys to factories. It is populated at startup.
type Registry struct {
	mu        sync.RWMutex
	factories map[component.Key]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[component.Key]Factory)}
}

// Register adds the factory for key. Registering a key twice fails with
// ErrDuplicateFactory.
func (r *Registry) Register(key component.Key, f Factory) error {
	if key.Empty() {
		return fmt.Errorf("register worker: empty key")
	}
	if f == nil {
		return fmt.Errorf("register worker %s: nil factory", key)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[key]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateFactory, key)
	}
	r.factories[key] = f
	return nil
}

// Lookup returns the factory for key.
func (r *Registry) Lookup(key component.Key) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[key]
	return f, ok
}

// Keys returns registered keys in sorted order.
func (r *Registry) Keys() []component.Key {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]component.Key, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Funcs adapts plain functions into a Service.
type Funcs struct {
	Create  func(ctx context.Context) error
	Run     func(ctx context.Context, req component.Request) error
	Destroy func(ctx context.Context)
	Bind    func(ctx context.Context, req component.Request) (any, error)
}

func (f Funcs) OnCreate(ctx context.Context) error {
	if f.Create == nil {
		return nil
	}
	return f.Create(ctx)
}

func (f Funcs) Handle(ctx context.Context, req component.Request) error {
	if f.Run == nil {
		return nil
	}
	return f.Run(ctx, req)
}

func (f Funcs) OnDestroy(ctx context.Context) {
	if f.Destroy != nil {
		f.Destroy(ctx)
	}
}

func (f Funcs) OnBind(ctx context.Context, req component.Request) (any, error) {
	if f.Bind == nil {
		return nil, nil
	}
	return f.Bind(ctx, req)
}
