package dispatch

import (
	"context"
	"sort"
	"time"

	"github.com/mattjoyce/snapsvc/internal/component"
)

type WorkerStatus struct {
	Key         component.Key   `json:"key"`
	State       component.State `json:"state"`
	Pending     int             `json:"pending"`
	Processed   int64           `json:"processed"`
	Failed      int64           `json:"failed"`
	Connections []string        `json:"connections,omitempty"`
	Slot        *int            `json:"slot,omitempty"`
	LatestToken *int32          `json:"latest_token,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

type Status struct {
	Domain     component.Domain `json:"domain"`
	Workers    []WorkerStatus   `json:"workers"`
	Slots      int              `json:"slots"`
	FreeSlots  int              `json:"free_slots"`
	Registered []component.Key  `json:"registered"`
}

// Snapshot reports the live workers. ok is false if the dispatcher is not running.
func (d *Dispatcher) Snapshot() (Status, bool) {
	if !d.ready("Snapshot") {
		return Status{}, false
	}
	var st Status
	if !d.call(func(context.Context) { st = d.snapshot() }) {
		return Status{}, false
	}
	return st, true
}

func (d *Dispatcher) snapshot() Status {
	st := Status{
		Domain:     d.classifier.Current(),
		Workers:    make([]WorkerStatus, 0, len(d.workers)),
		Slots:      d.slots.Size(),
		FreeSlots:  d.slots.Free(),
		Registered: d.registry.Keys(),
	}
	for key, e := range d.workers {
		ws := WorkerStatus{
			Key:         key,
			State:       e.w.State(),
			Pending:     e.w.Pending(),
			Processed:   e.w.Processed(),
			Failed:      e.w.Failed(),
			Connections: d.bindings.ConnectionIDs(key),
			CreatedAt:   e.w.CreatedAt(),
		}
		if slot, ok := d.slots.Slot(key); ok {
			ws.Slot = &slot
		}
		if tok, ok := d.latest[key]; ok {
			v := int32(tok)
			ws.LatestToken = &v
		}
		st.Workers = append(st.Workers, ws)
	}
	sort.Slice(st.Workers, func(i, j int) bool { return st.Workers[i].Key < st.Workers[j].Key })
	return st
}
