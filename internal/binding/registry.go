// Package binding tracks which consumer connections are bound to which worker.
//
// A Registry is not safe for concurrent use; the dispatcher owns it and only
// touches it from its control goroutine.
package binding

import (
	"sort"

	"github.com/mattjoyce/snapsvc/internal/component"
)

// Registry maps worker keys to the connections bound to them. Connections
// are identified by ID.
type Registry struct {
	byKey map[component.Key]map[string]component.Connection
}

func NewRegistry() *Registry {
	return &Registry{byKey: make(map[component.Key]map[string]component.Connection)}
}

// Add registers conn for key. Adding an identity that is already registered
// for key is a no-op and returns false.
func (r *Registry) Add(key component.Key, conn component.Connection) bool {
	set, ok := r.byKey[key]
	if !ok {
		set = make(map[string]component.Connection)
		r.byKey[key] = set
	}
	if _, dup := set[conn.ID()]; dup {
		return false
	}
	set[conn.ID()] = conn
	return true
}

// Remove finds conn's identity under any key and removes it, pruning the key
// when its set becomes empty. The registered Connection is returned so the
// caller can notify the instance that actually bound.
func (r *Registry) Remove(conn component.Connection) (component.Key, component.Connection, bool) {
	id := conn.ID()
	for key, set := range r.byKey {
		registered, ok := set[id]
		if !ok {
			continue
		}
		delete(set, id)
		if len(set) == 0 {
			delete(r.byKey, key)
		}
		return key, registered, true
	}
	return "", nil, false
}

// RemoveKey drops every connection registered for key and returns them.
func (r *Registry) RemoveKey(key component.Key) []component.Connection {
	set := r.byKey[key]
	delete(r.byKey, key)
	out := make([]component.Connection, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// Contains reports whether the identity id is bound to key.
func (r *Registry) Contains(key component.Key, id string) bool {
	_, ok := r.byKey[key][id]
	return ok
}

func (r *Registry) IsBound(key component.Key) bool {
	return len(r.byKey[key]) > 0
}

func (r *Registry) Count(key component.Key) int {
	return len(r.byKey[key])
}

func (r *Registry) Len() int {
	return len(r.byKey)
}

// Keys returns bound keys in sorted order.
func (r *Registry) Keys() []component.Key {
	out := make([]component.Key, 0, len(r.byKey))
	for k := range r.byKey {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ConnectionIDs returns the identities bound to key in sorted order.
func (r *Registry) ConnectionIDs(key component.Key) []string {
	set := r.byKey[key]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
