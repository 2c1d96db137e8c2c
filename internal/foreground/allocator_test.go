package foreground

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/snapsvc/internal/component"
	"github.com/mattjoyce/snapsvc/internal/forward"
)

type recorded struct {
	slot int
	cmd  Command
}

type recordingPresenter struct {
	calls []recorded
}

func (r *recordingPresenter) Present(_ context.Context, slot int, cmd Command) {
	r.calls = append(r.calls, recorded{slot, cmd})
}

func newTestAllocator(n int) (*Allocator, []*recordingPresenter) {
	recs := make([]*recordingPresenter, n)
	ps := make([]Presenter, n)
	for i := range recs {
		recs[i] = &recordingPresenter{}
		ps[i] = recs[i]
	}
	return NewAllocator(ps), recs
}

func desc(s string) Descriptor { return Descriptor{Title: s} }

func TestFiveKeysOnFourSlots(t *testing.T) {
	ctx := context.Background()
	a, recs := newTestAllocator(4)

	for i, k := range []component.Key{"A", "B", "C", "D"} {
		slot, ok := a.Start(ctx, k, i+1, desc(string(k)))
		require.True(t, ok)
		assert.Equal(t, i, slot)
	}

	_, ok := a.Start(ctx, "E", 5, desc("E"))
	assert.False(t, ok)
	assert.Equal(t, 0, a.Free())
	for _, r := range recs {
		assert.Len(t, r.calls, 1)
	}

	assert.True(t, a.Stop(ctx, "B"))
	require.Len(t, recs[1].calls, 2)
	assert.Equal(t, ActionStop, recs[1].calls[1].cmd.Action)

	slot, ok := a.Start(ctx, "E", 5, desc("E"))
	require.True(t, ok)
	assert.Equal(t, 1, slot)
	assert.Equal(t, ActionStart, recs[1].calls[2].cmd.Action)
	assert.Equal(t, 5, recs[1].calls[2].cmd.ID)
}

func TestStartReusesExistingSlot(t *testing.T) {
	ctx := context.Background()
	a, recs := newTestAllocator(4)

	a.Start(ctx, "A", 1, desc("one"))
	slot, ok := a.Start(ctx, "A", 1, desc("two"))
	require.True(t, ok)
	assert.Equal(t, 0, slot)
	assert.Len(t, recs[0].calls, 2)
	assert.Empty(t, recs[1].calls)
	assert.Equal(t, 3, a.Free())
}

func TestStopIsIdempotent(t *testing.T) {
	ctx := context.Background()
	a, recs := newTestAllocator(2)

	a.Start(ctx, "A", 1, desc("a"))
	assert.True(t, a.Stop(ctx, "A"))
	assert.False(t, a.Stop(ctx, "A"))
	assert.False(t, a.Stop(ctx, "never"))
	assert.Len(t, recs[0].calls, 2)
}

func TestAssignmentStaysInjective(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestAllocator(4)

	for i := 0; i < 200; i++ {
		k := component.Key(fmt.Sprintf("k%d", i%7))
		if i%3 == 0 {
			a.Stop(ctx, k)
		} else {
			a.Start(ctx, k, i+1, desc("x"))
		}

		seen := map[int]component.Key{}
		for key, slot := range a.Assignments() {
			other, dup := seen[slot]
			require.False(t, dup, "slot %d held by %s and %s", slot, key, other)
			seen[slot] = key
		}
		assert.LessOrEqual(t, len(seen), 4)
	}
}

func TestLogPresenterIgnoresZeroID(t *testing.T) {
	var buf bytes.Buffer
	p := NewLogPresenter(slog.New(slog.NewJSONHandler(&buf, nil)))

	p.Present(context.Background(), 0, Command{Action: ActionStart, ID: 0, Descriptor: desc("x")})
	assert.Contains(t, buf.String(), "Ignoring foreground start")

	buf.Reset()
	p.Present(context.Background(), 0, Command{Action: ActionStart, ID: 3, Descriptor: desc("x")})
	assert.Contains(t, buf.String(), "Foreground start")
}

func TestDescriptorEmpty(t *testing.T) {
	h := &forward.Handle{Envelope: []byte("x")}
	tests := []struct {
		name string
		d    Descriptor
		want bool
	}{
		{"zero", Descriptor{}, true},
		{"title", Descriptor{Title: "t"}, false},
		{"content only", Descriptor{Content: h}, false},
		{"delete only", Descriptor{Delete: h}, false},
		{"actions only", Descriptor{Actions: []ActionButton{{Label: "go", Handle: h}}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.d.Empty())
		})
	}
}

func TestLogPresenterShowsDeleteOnlyDescriptor(t *testing.T) {
	var buf bytes.Buffer
	p := NewLogPresenter(slog.New(slog.NewJSONHandler(&buf, nil)))
	p.Present(context.Background(), 0, Command{Action: ActionStart, ID: 2, Descriptor: Descriptor{Delete: &forward.Handle{}}})
	assert.Contains(t, buf.String(), "Foreground start")
	assert.NotContains(t, buf.String(), "Ignoring")
}

func TestPoolSharesPresenters(t *testing.T) {
	r := &recordingPresenter{}
	ps := Pool(0, r)
	require.Len(t, ps, DefaultSlots)

	a := NewAllocator(ps)
	a.Start(context.Background(), "A", 1, desc("a"))
	a.Start(context.Background(), "B", 2, desc("b"))
	require.Len(t, r.calls, 2)
	assert.Equal(t, 1, r.calls[1].slot)
}
