package alarm

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/snapsvc/internal/component"
	"github.com/mattjoyce/snapsvc/internal/storage"
)

type backend interface {
	Source
	Schedule(ctx context.Context, a Alarm) error
	IsScheduled(ctx context.Context, ref Ref) (bool, error)
	Get(ctx context.Context, ref Ref) (Alarm, error)
	Cancel(ctx context.Context, ref Ref) error
}

func backends(t *testing.T) map[string]backend {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "delivery.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return map[string]backend{
		"sqlite": NewStore(db),
		"memory": NewMemory(),
	}
}

func TestScheduleReplacesSameRef(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			ref := Ref{Domain: component.Secondary, Type: TypeUser, RequestCode: 1}
			base := time.Unix(1000, 0)

			require.NoError(t, b.Schedule(ctx, Alarm{Ref: ref, Payload: []byte("first"), DueAt: base}))
			require.NoError(t, b.Schedule(ctx, Alarm{Ref: ref, Payload: []byte("second"), DueAt: base.Add(time.Second)}))

			got, err := b.Get(ctx, ref)
			require.NoError(t, err)
			assert.Equal(t, []byte("second"), got.Payload)
			assert.True(t, got.DueAt.Equal(base.Add(time.Second)))

			due, err := b.ClaimDue(ctx, component.Secondary, base.Add(time.Hour))
			require.NoError(t, err)
			assert.Len(t, due, 1)
		})
	}
}

func TestClaimDueIsDomainScopedAndOnce(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Unix(5000, 0)

			schedule := func(d component.Domain, code int64, due time.Time) {
				require.NoError(t, b.Schedule(ctx, Alarm{
					Ref:     Ref{Domain: d, Type: TypeForward, RequestCode: code},
					Payload: []byte{byte(code)},
					DueAt:   due,
				}))
			}
			schedule(component.Secondary, 2, now.Add(-time.Second))
			schedule(component.Secondary, 1, now.Add(-2*time.Second))
			schedule(component.Secondary, 3, now.Add(time.Minute))
			schedule(component.Primary, 4, now.Add(-time.Second))

			due, err := b.ClaimDue(ctx, component.Secondary, now)
			require.NoError(t, err)
			require.Len(t, due, 2)
			assert.Equal(t, int64(1), due[0].RequestCode)
			assert.Equal(t, int64(2), due[1].RequestCode)

			again, err := b.ClaimDue(ctx, component.Secondary, now)
			require.NoError(t, err)
			assert.Empty(t, again)

			ok, err := b.IsScheduled(ctx, Ref{Domain: component.Secondary, Type: TypeForward, RequestCode: 3})
			require.NoError(t, err)
			assert.True(t, ok)
			ok, err = b.IsScheduled(ctx, Ref{Domain: component.Primary, Type: TypeForward, RequestCode: 4})
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestCancel(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			ref := Ref{Domain: component.Primary, Type: TypeUser, RequestCode: 9}
			require.NoError(t, b.Schedule(ctx, Alarm{Ref: ref, DueAt: time.Now()}))
			require.NoError(t, b.Cancel(ctx, ref))
			require.NoError(t, b.Cancel(ctx, ref))

			ok, err := b.IsScheduled(ctx, ref)
			require.NoError(t, err)
			assert.False(t, ok)

			_, err = b.Get(ctx, ref)
			assert.True(t, errors.Is(err, ErrNotFound))
		})
	}
}

func TestScheduleRequiresType(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			err := b.Schedule(context.Background(), Alarm{Ref: Ref{RequestCode: 1}})
			assert.Error(t, err)
		})
	}
}

func TestPollerDeliversDueAlarms(t *testing.T) {
	mem := NewMemory()
	ctx := context.Background()
	require.NoError(t, mem.Schedule(ctx, Alarm{
		Ref:     Ref{Domain: component.Secondary, Type: TypeForward, RequestCode: 1},
		Payload: []byte("x"),
		DueAt:   time.Now().Add(-time.Millisecond),
	}))
	require.NoError(t, mem.Schedule(ctx, Alarm{
		Ref:   Ref{Domain: component.Primary, Type: TypeForward, RequestCode: 2},
		DueAt: time.Now().Add(-time.Millisecond),
	}))

	var (
		mu  sync.Mutex
		got []Alarm
	)
	p := NewPoller(mem, component.Secondary, 10*time.Millisecond, func(_ context.Context, a Alarm) error {
		mu.Lock()
		got = append(got, a)
		mu.Unlock()
		return errors.New("handler errors are logged, not fatal")
	}, slog.New(slog.DiscardHandler))
	p.Start(ctx)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)
	p.Stop()
	p.Stop()

	assert.Equal(t, []byte("x"), got[0].Payload)
	ok, _ := mem.IsScheduled(ctx, Ref{Domain: component.Primary, Type: TypeForward, RequestCode: 2})
	assert.True(t, ok)
}
