package api

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/snapsvc/internal/component"
)

// connection is a bind made over HTTP. It lives until the client deletes it
// or the dispatcher tears the worker down.
type connection struct {
	id      string
	created time.Time

	mu         sync.Mutex
	key        component.Key
	capability any
	onGone     func(id string)
}

type connectionInfo struct {
	ID        string        `json:"id"`
	Worker    component.Key `json:"worker"`
	CreatedAt time.Time     `json:"created_at"`
}

func newConnection(onGone func(id string)) *connection {
	return &connection{id: uuid.NewString(), created: time.Now().UTC(), onGone: onGone}
}

func (c *connection) ID() string { return c.id }

func (c *connection) OnConnected(key component.Key, capability any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.key = key
	c.capability = capability
}

func (c *connection) OnDisconnected(key component.Key) {
	if c.onGone != nil {
		c.onGone(c.id)
	}
}

func (c *connection) info() connectionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return connectionInfo{ID: c.id, Worker: c.key, CreatedAt: c.created}
}

func (s *Server) track(c *connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[c.id] = c
}

func (s *Server) forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, id)
}

func (s *Server) lookup(id string) (*connection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[id]
	return c, ok
}

func (s *Server) connections() []connectionInfo {
	s.mu.Lock()
	out := make([]connectionInfo, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c.info())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// dropConnections unbinds every HTTP connection.
func (s *Server) dropConnections() {
	s.mu.Lock()
	conns := make([]*connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		s.dispatcher.Unbind(c)
	}
}
