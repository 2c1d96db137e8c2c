package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/snapsvc/internal/component"
)

type releases struct {
	mu     sync.Mutex
	tokens []component.Token
}

func (r *releases) fn(_ component.Key, tok component.Token) {
	r.mu.Lock()
	r.tokens = append(r.tokens, tok)
	r.mu.Unlock()
}

func (r *releases) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tokens)
}

func quietLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func TestWorkerProcessesInOrder(t *testing.T) {
	var (
		mu  sync.Mutex
		got []string
	)
	svc := Funcs{Run: func(_ context.Context, req component.Request) error {
		mu.Lock()
		got = append(got, req.Action)
		mu.Unlock()
		return nil
	}}
	rel := &releases{}
	w := New("X", svc, rel.fn, nil, quietLogger())
	require.NoError(t, w.Start(context.Background()))

	want := []string{"a", "b", "c", "d", "e"}
	for i, a := range want {
		require.True(t, w.Enqueue(component.Request{Target: "X", Action: a}, component.Token(i+1)))
	}

	require.Eventually(t, func() bool { return rel.count() == len(want) }, time.Second, 5*time.Millisecond)
	assert.Equal(t, want, got)
	assert.Equal(t, []component.Token{1, 2, 3, 4, 5}, rel.tokens)
	assert.Equal(t, int64(5), w.Processed())

	w.Stop(context.Background())
	assert.Equal(t, component.StateDestroyed, w.State())
}

func TestWorkerReleasesAfterErrorAndPanic(t *testing.T) {
	var observed []error
	var mu sync.Mutex
	svc := Funcs{Run: func(_ context.Context, req component.Request) error {
		switch req.Action {
		case "fail":
			return errors.New("boom")
		case "panic":
			panic("kaboom")
		}
		return nil
	}}
	observe := func(_ component.Key, _ component.Request, _ component.Token, _ time.Duration, err error) {
		mu.Lock()
		observed = append(observed, err)
		mu.Unlock()
	}
	rel := &releases{}
	w := New("X", svc, rel.fn, observe, quietLogger())
	require.NoError(t, w.Start(context.Background()))

	w.Enqueue(component.Request{Action: "fail"}, 1)
	w.Enqueue(component.Request{Action: "panic"}, 2)
	w.Enqueue(component.Request{Action: "ok"}, 3)

	require.Eventually(t, func() bool { return rel.count() == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(2), w.Failed())
	require.Len(t, observed, 3)
	assert.ErrorContains(t, observed[0], "boom")
	assert.True(t, errors.Is(observed[1], errPanic))
	assert.NoError(t, observed[2])
	w.Stop(context.Background())
}

func TestWorkerOneItemAtATime(t *testing.T) {
	var active, maxActive int
	var mu sync.Mutex
	svc := Funcs{Run: func(context.Context, component.Request) error {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()
		time.Sleep(time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return nil
	}}
	rel := &releases{}
	w := New("X", svc, rel.fn, nil, quietLogger())
	require.NoError(t, w.Start(context.Background()))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				w.Enqueue(component.Request{}, 1)
			}
		}()
	}
	wg.Wait()
	require.Eventually(t, func() bool { return rel.count() == 20 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, maxActive)
	w.Stop(context.Background())
}

func TestWorkerStartFailure(t *testing.T) {
	destroyed := false
	svc := Funcs{
		Create:  func(context.Context) error { return errors.New("no db") },
		Destroy: func(context.Context) { destroyed = true },
	}
	w := New("X", svc, func(component.Key, component.Token) {}, nil, quietLogger())
	err := w.Start(context.Background())
	assert.ErrorContains(t, err, "no db")
	assert.Equal(t, component.StateCreated, w.State())
	assert.False(t, destroyed)
}

func TestWorkerStopIsIdempotentAndDropsQueue(t *testing.T) {
	block := make(chan struct{})
	destroys := 0
	svc := Funcs{
		Run:     func(context.Context, component.Request) error { <-block; return nil },
		Destroy: func(context.Context) { destroys++ },
	}
	w := New("X", svc, func(component.Key, component.Token) {}, nil, quietLogger())
	require.NoError(t, w.Start(context.Background()))
	w.Enqueue(component.Request{}, 1)
	require.Eventually(t, func() bool { return w.State() == component.StateRunning }, time.Second, time.Millisecond)
	w.Enqueue(component.Request{}, 2)
	w.Enqueue(component.Request{}, 3)

	stopped := make(chan int)
	go func() { stopped <- w.Stop(context.Background()) }()
	require.Eventually(t, func() bool {
		return w.State() == component.StateStopping && w.Pending() == 0
	}, time.Second, time.Millisecond)
	close(block)

	assert.Equal(t, 2, <-stopped)
	assert.Equal(t, 0, w.Stop(context.Background()))
	assert.Equal(t, 1, destroys)
	assert.False(t, w.Enqueue(component.Request{}, 4))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	f := func(component.Key, Host) (Service, error) { return Funcs{}, nil }

	require.NoError(t, r.Register("b", f))
	require.NoError(t, r.Register("a", f))
	err := r.Register("a", f)
	assert.True(t, errors.Is(err, ErrDuplicateFactory))
	assert.Error(t, r.Register("", f))
	assert.Error(t, r.Register("c", nil))

	_, ok := r.Lookup("a")
	assert.True(t, ok)
	_, ok = r.Lookup("zzz")
	assert.False(t, ok)
	assert.Equal(t, []component.Key{"a", "b"}, r.Keys())
}
