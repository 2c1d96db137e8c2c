package alarm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mattjoyce/snapsvc/internal/component"
)

// Memory is an in-process alarm table for single-process runs. Both domains
// must share the same instance to see each other's alarms.
type Memory struct {
	mu     sync.Mutex
	alarms map[Ref]Alarm
}

func NewMemory() *Memory {
	return &Memory{alarms: make(map[Ref]Alarm)}
}

func (m *Memory) Schedule(_ context.Context, a Alarm) error {
	if a.Type == "" {
		return fmt.Errorf("alarm type is empty")
	}
	m.mu.Lock()
	m.alarms[a.Ref] = a
	m.mu.Unlock()
	return nil
}

func (m *Memory) IsScheduled(_ context.Context, ref Ref) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.alarms[ref]
	return ok, nil
}

func (m *Memory) Get(_ context.Context, ref Ref) (Alarm, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alarms[ref]
	if !ok {
		return Alarm{}, ErrNotFound
	}
	return a, nil
}

func (m *Memory) Cancel(_ context.Context, ref Ref) error {
	m.mu.Lock()
	delete(m.alarms, ref)
	m.mu.Unlock()
	return nil
}

func (m *Memory) ClaimDue(_ context.Context, domain component.Domain, now time.Time) ([]Alarm, error) {
	m.mu.Lock()
	var out []Alarm
	for ref, a := range m.alarms {
		if ref.Domain != domain || a.DueAt.After(now) {
			continue
		}
		out = append(out, a)
		delete(m.alarms, ref)
	}
	m.mu.Unlock()
	sortByDue(out)
	return out, nil
}
