// Package foreground assigns workers to a fixed pool of presentation slots.
//
// Each slot is backed by one Presenter. A worker asking for a slot when all
// are taken is dropped; the caller retries later. The Allocator is owned by
// the dispatcher's control goroutine and is not safe for concurrent use.
package foreground

import (
	"context"
	"sort"

	"github.com/mattjoyce/snapsvc/internal/component"
	"github.com/mattjoyce/snapsvc/internal/forward"
)

const DefaultSlots = 4

type Action string

const (
	ActionStart Action = "start"
	ActionStop  Action = "stop"
)

// Descriptor is the presentation payload. Interactions are Handles, which
// resubmit through the dispatcher when fired.
type Descriptor struct {
	Title   string          `json:"title,omitempty"`
	Text    string          `json:"text,omitempty"`
	Info    string          `json:"info,omitempty"`
	Content *forward.Handle `json:"content,omitempty"`
	Delete  *forward.Handle `json:"delete,omitempty"`
	Actions []ActionButton  `json:"actions,omitempty"`
}

type ActionButton struct {
	Label  string          `json:"label"`
	Handle *forward.Handle `json:"handle"`
}

// Empty reports whether there is nothing to show.
func (d Descriptor) Empty() bool {
	return d.Title == "" && d.Text == "" && d.Info == "" &&
		d.Content == nil && d.Delete == nil && len(d.Actions) == 0
}

// Command is one presentation change for the slot's owner Key.
type Command struct {
	Action     Action
	Key        component.Key
	ID         int
	Descriptor Descriptor
}

// Presenter renders commands for one slot.
type Presenter interface {
	Present(ctx context.Context, slot int, cmd Command)
}

// Allocator maps keys to slots. A key holds at most one slot and a slot
// has at most one owner.
type Allocator struct {
	presenters []Presenter
	owner      []component.Key
	slotOf     map[component.Key]int
}

// NewAllocator returns an allocator with one slot per presenter.
func NewAllocator(presenters []Presenter) *Allocator {
	return &Allocator{
		presenters: presenters,
		owner:      make([]component.Key, len(presenters)),
		slotOf:     make(map[component.Key]int),
	}
}

// Start shows d for key. A key that already holds a slot keeps it;
// otherwise the lowest free slot is taken. ok is false when every slot is
// held by another key, and nothing is presented.
func (a *Allocator) Start(ctx context.Context, key component.Key, id int, d Descriptor) (slot int, ok bool) {
	slot, held := a.slotOf[key]
	if !held {
		slot = -1
		for i, k := range a.owner {
			if k == "" {
				slot = i
				break
			}
		}
		if slot < 0 {
			return -1, false
		}
		a.owner[slot] = key
		a.slotOf[key] = slot
	}
	a.presenters[slot].Present(ctx, slot, Command{Action: ActionStart, Key: key, ID: id, Descriptor: d})
	return slot, true
}

// Stop releases key's slot. Stopping a key without a slot is a no-op.
func (a *Allocator) Stop(ctx context.Context, key component.Key) bool {
	slot, held := a.slotOf[key]
	if !held {
		return false
	}
	delete(a.slotOf, key)
	a.owner[slot] = ""
	a.presenters[slot].Present(ctx, slot, Command{Action: ActionStop, Key: key})
	return true
}

// Slot returns the slot key holds.
func (a *Allocator) Slot(key component.Key) (int, bool) {
	s, ok := a.slotOf[key]
	return s, ok
}

func (a *Allocator) Size() int { return len(a.presenters) }

func (a *Allocator) Free() int { return len(a.presenters) - len(a.slotOf) }

// Assignments returns a copy of the key→slot map.
func (a *Allocator) Assignments() map[component.Key]int {
	out := make(map[component.Key]int, len(a.slotOf))
	for k, v := range a.slotOf {
		out[k] = v
	}
	return out
}

// Keys returns the keys holding slots, ordered by slot.
func (a *Allocator) Keys() []component.Key {
	out := make([]component.Key, 0, len(a.slotOf))
	for k := range a.slotOf {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return a.slotOf[out[i]] < a.slotOf[out[j]] })
	return out
}
