package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/snapsvc/internal/auth"
	"github.com/mattjoyce/snapsvc/internal/component"
	"github.com/mattjoyce/snapsvc/internal/events"
)

const sseKeepAlive = 15 * time.Second

// eventFilter selects which events a stream carries. Types are matched by
// prefix, so "worker." covers worker.created and worker.destroyed.
type eventFilter struct {
	types     []string
	worker    component.Key
	principal auth.Principal
}

func newEventFilter(r *http.Request) eventFilter {
	f := eventFilter{worker: component.Key(strings.Trim(r.URL.Query().Get("worker"), "/"))}
	for _, t := range strings.Split(r.URL.Query().Get("types"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			f.types = append(f.types, t)
		}
	}
	f.principal, _ = auth.PrincipalFromContext(r.Context())
	return f
}

func (f eventFilter) match(ev events.Event) bool {
	if len(f.types) > 0 {
		ok := false
		for _, t := range f.types {
			ok = ok || strings.HasPrefix(ev.Type, t)
		}
		if !ok {
			return false
		}
	}
	if f.worker.Empty() && len(f.principal.Keys) == 0 {
		return true
	}
	key := eventWorker(ev)
	if !f.worker.Empty() && key != f.worker {
		return false
	}
	// Events naming no worker are only shown to unrestricted tokens.
	if len(f.principal.Keys) > 0 && (key.Empty() || !f.principal.CanReach(key)) {
		return false
	}
	return true
}

// eventWorker returns the worker an event is about, if it names one.
func eventWorker(ev events.Event) component.Key {
	var body struct {
		Worker component.Key `json:"worker"`
	}
	if err := json.Unmarshal(ev.Data, &body); err != nil {
		return ""
	}
	return body.Worker
}

// sseStream writes server-sent events. Callers flush.
type sseStream struct {
	w http.ResponseWriter
}

func (s sseStream) send(ev events.Event) error {
	_, err := fmt.Fprintf(s.w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, ev.Data)
	return err
}

func (s sseStream) ping() error {
	_, err := fmt.Fprint(s.w, ": keep-alive\n\n")
	return err
}

// handleEvents handles GET /events. A Last-Event-ID header replays what the
// hub still holds after that id. Query parameters types and worker narrow
// the stream.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	if s.hub == nil {
		s.writeError(w, http.StatusServiceUnavailable, "event stream disabled")
		return
	}
	filter := newEventFilter(r)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	stream := sseStream{w: w}

	// Subscribe before replaying so nothing published in between is lost;
	// ids already replayed are skipped.
	ch, cancel := s.hub.Subscribe()
	defer cancel()

	last := parseLastEventID(r.Header.Get("Last-Event-ID"))
	for _, ev := range s.hub.SnapshotSince(last) {
		if filter.match(ev) {
			if err := stream.send(ev); err != nil {
				return
			}
		}
		last = ev.ID
	}
	flusher.Flush()

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()
	for {
		var err error
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			if ev.ID <= last || !filter.match(ev) {
				continue
			}
			last = ev.ID
			err = stream.send(ev)
		case <-keepAlive.C:
			err = stream.ping()
		}
		if err != nil {
			return
		}
		flusher.Flush()
	}
}

func parseLastEventID(v string) int64 {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
