package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/snapsvc/internal/foreground"
)

func TestHubRingOverwritesOldest(t *testing.T) {
	h := NewHub(3)
	for i := 0; i < 5; i++ {
		h.Publish(WorkEnqueued, map[string]int{"n": i})
	}

	snap := h.SnapshotSince(0)
	require.Len(t, snap, 3)
	assert.Equal(t, int64(3), snap[0].ID)
	assert.Equal(t, int64(5), snap[2].ID)

	after := h.SnapshotSince(4)
	require.Len(t, after, 1)
	assert.Equal(t, int64(5), after[0].ID)
}

func TestHubSubscribeReceivesAndCancels(t *testing.T) {
	h := NewHub(10)
	ch, cancel := h.Subscribe()

	h.Publish(WorkerCreated, map[string]string{"worker": "X"})

	select {
	case ev := <-ch:
		assert.Equal(t, WorkerCreated, ev.Type)
		assert.JSONEq(t, `{"worker":"X"}`, string(ev.Data))
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}

	cancel()
	_, ok := <-ch
	assert.False(t, ok)
	cancel()
}

func TestNilHubPublishIsNoop(t *testing.T) {
	var h *Hub
	h.Publish(WorkerCreated, nil)
}

func TestPresenterPublishesPresentation(t *testing.T) {
	h := NewHub(10)
	p := NewPresenter(h)

	p.Present(context.Background(), 2, foreground.Command{
		Action:     foreground.ActionStart,
		ID:         7,
		Descriptor: foreground.Descriptor{Title: "sync", Text: "running"},
	})
	p.Present(context.Background(), 2, foreground.Command{Action: foreground.ActionStop})

	snap := h.SnapshotSince(0)
	require.Len(t, snap, 2)

	var start presentation
	require.NoError(t, json.Unmarshal(snap[0].Data, &start))
	assert.Equal(t, 2, start.Slot)
	assert.Equal(t, "start", start.Action)
	assert.Equal(t, 7, start.ID)
	require.NotNil(t, start.Descriptor)
	assert.Equal(t, "sync", start.Descriptor.Title)

	var stop presentation
	require.NoError(t, json.Unmarshal(snap[1].Data, &stop))
	assert.Equal(t, "stop", stop.Action)
	assert.Nil(t, stop.Descriptor)
}
