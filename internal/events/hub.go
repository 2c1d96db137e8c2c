package events

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/snapsvc/internal/component"
	"github.com/mattjoyce/snapsvc/internal/foreground"
)

// Lifecycle event types published by the dispatcher.
const (
	WorkerCreated      = "worker.created"
	WorkerDestroyed    = "worker.destroyed"
	WorkEnqueued       = "work.enqueued"
	WorkCompleted      = "work.completed"
	WorkFailed         = "work.failed"
	BindConnected      = "bind.connected"
	BindDisconnected   = "bind.disconnected"
	ForegroundStart    = "foreground.start"
	ForegroundStop     = "foreground.stop"
	ForwardScheduled   = "forward.scheduled"
	ForwardReceived    = "forward.received"
	PresentationUpdate = "presentation.update"
)

type Event struct {
	ID   int64     `json:"id"`
	Type string    `json:"type"`
	At   time.Time `json:"at"`
	Data []byte    `json:"data"` // JSON payload
}

// Hub is an in-memory pub/sub with a small ring buffer for late clients.
type Hub struct {
	nextID atomic.Int64

	mu    sync.Mutex
	ring  []Event
	start int
	size  int

	subs      map[int]chan Event
	nextSubID int
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 100
	}
	return &Hub{
		ring: make([]Event, capacity),
		subs: make(map[int]chan Event),
	}
}

func (h *Hub) Publish(eventType string, data any) {
	if h == nil {
		return
	}
	id := h.nextID.Add(1)

	payload := []byte("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	ev := Event{
		ID:   id,
		Type: eventType,
		At:   time.Now().UTC(),
		Data: payload,
	}

	h.mu.Lock()
	h.pushLocked(ev)
	for _, ch := range h.subs {
		// Slow subscribers miss events rather than stall the control loop.
		select {
		case ch <- ev:
		default:
		}
	}
	h.mu.Unlock()
}

func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Event, 128)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
		h.mu.Unlock()
	}

	return ch, cancel
}

// SnapshotSince returns buffered events with ID > lastID, oldest-first.
// If lastID is 0, the full ring buffer snapshot is returned.
func (h *Hub) SnapshotSince(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.size)
	for i := 0; i < h.size; i++ {
		ev := h.ring[(h.start+i)%len(h.ring)]
		if lastID == 0 || ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}

func (h *Hub) pushLocked(ev Event) {
	capacity := len(h.ring)
	if h.size < capacity {
		h.ring[(h.start+h.size)%capacity] = ev
		h.size++
		return
	}
	h.ring[h.start] = ev
	h.start = (h.start + 1) % capacity
}

// Presenter renders foreground commands as hub events, one presenter per slot.
// It is the presentation surface API and TUI clients observe.
type Presenter struct {
	hub *Hub
}

func NewPresenter(hub *Hub) *Presenter {
	return &Presenter{hub: hub}
}

type presentation struct {
	Slot       int                    `json:"slot"`
	Worker     component.Key          `json:"worker"`
	Action     string                 `json:"action"`
	ID         int                    `json:"id,omitempty"`
	Descriptor *foreground.Descriptor `json:"descriptor,omitempty"`
}

func (p *Presenter) Present(_ context.Context, slot int, cmd foreground.Command) {
	ev := presentation{Slot: slot, Worker: cmd.Key, Action: string(cmd.Action), ID: cmd.ID}
	if cmd.Action == foreground.ActionStart {
		d := cmd.Descriptor
		ev.Descriptor = &d
	}
	p.hub.Publish(PresentationUpdate, ev)
}
