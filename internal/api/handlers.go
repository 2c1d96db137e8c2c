package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/snapsvc/internal/component"
	"github.com/mattjoyce/snapsvc/internal/foreground"
	"github.com/mattjoyce/snapsvc/internal/forward"
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	st, ok := s.dispatcher.Snapshot()
	if !ok {
		s.writeError(w, http.StatusServiceUnavailable, "dispatcher not running")
		return
	}
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Domain:        st.Domain,
		LiveWorkers:   len(st.Workers),
		FreeSlots:     st.FreeSlots,
		Connections:   len(s.connections()),
		StartedAt:     s.startedAt.UTC(),
	})
}

// handleSubmit handles POST /submit/{key}.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	key, ok := s.keyParam(w, r)
	if !ok {
		return
	}

	var body SubmitRequest
	if !s.decodeBody(w, r, &body) {
		return
	}
	payload, ok := s.payload(w, body.Payload)
	if !ok {
		return
	}

	domain := s.dispatcher.CurrentDomain()
	if d, ok := s.domainFor(key); ok {
		domain = d
	}
	if body.Domain != "" {
		d, err := component.ParseDomain(body.Domain)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		domain = d
	}

	s.dispatcher.Submit(component.Request{Target: key, Action: body.Action, Payload: payload, Domain: domain})
	respondJSON(w, http.StatusAccepted, SubmitResponse{Status: "accepted", Worker: key, Action: body.Action, Domain: domain})
}

// handleBind handles POST /bind/{key}.
func (s *Server) handleBind(w http.ResponseWriter, r *http.Request) {
	key, ok := s.keyParam(w, r)
	if !ok {
		return
	}

	var body BindRequest
	if !s.decodeBody(w, r, &body) {
		return
	}
	payload, ok := s.payload(w, body.Payload)
	if !ok {
		return
	}

	conn := newConnection(s.forget)
	s.track(conn)
	req := component.Request{Target: key, Action: body.Action, Payload: payload, Domain: s.dispatcher.CurrentDomain()}
	if !s.dispatcher.Bind(req, conn) {
		s.forget(conn.id)
		s.writeError(w, http.StatusConflict, "bind refused")
		return
	}

	conn.mu.Lock()
	capability := conn.capability
	conn.mu.Unlock()
	respondJSON(w, http.StatusOK, BindResponse{ConnectionID: conn.id, Worker: key, Capability: capability})
}

// handleUnbind handles DELETE /connections/{connectionID}.
func (s *Server) handleUnbind(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "connectionID")
	conn, ok := s.lookup(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "connection not found")
		return
	}
	if !s.reachable(w, r, conn.info().Worker) {
		return
	}
	s.dispatcher.Unbind(conn)
	s.forget(id)
	w.WriteHeader(http.StatusNoContent)
}

// handleListConnections handles GET /connections.
func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	all := s.connections()
	visible := make([]connectionInfo, 0, len(all))
	for _, c := range all {
		if canReach(r, c.Worker) {
			visible = append(visible, c)
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"connections": visible})
}

// handleWorkers handles GET /workers.
func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	st, ok := s.dispatcher.Snapshot()
	if !ok {
		s.writeError(w, http.StatusServiceUnavailable, "dispatcher not running")
		return
	}
	visible := st.Workers[:0:0]
	for _, wk := range st.Workers {
		if canReach(r, wk.Key) {
			visible = append(visible, wk)
		}
	}
	st.Workers = visible
	respondJSON(w, http.StatusOK, st)
}

// handleStartForeground handles POST /foreground/{key}.
func (s *Server) handleStartForeground(w http.ResponseWriter, r *http.Request) {
	key, ok := s.keyParam(w, r)
	if !ok {
		return
	}
	var body ForegroundRequest
	if !s.decodeBody(w, r, &body) {
		return
	}
	desc := foreground.Descriptor{Title: body.Title, Text: body.Text, Info: body.Info}
	var err error
	if desc.Content, err = s.interaction(r, key, body.Content); err != nil {
		s.writeError(w, http.StatusBadRequest, "content: "+err.Error())
		return
	}
	if desc.Delete, err = s.interaction(r, key, body.Delete); err != nil {
		s.writeError(w, http.StatusBadRequest, "delete: "+err.Error())
		return
	}
	for i, a := range body.Actions {
		if a.Label == "" {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("actions[%d]: label is required", i))
			return
		}
		ia := a.Interaction
		h, err := s.interaction(r, key, &ia)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("actions[%d]: %v", i, err))
			return
		}
		desc.Actions = append(desc.Actions, foreground.ActionButton{Label: a.Label, Handle: h})
	}
	if !s.dispatcher.StartForeground(key, body.ID, desc) {
		s.writeError(w, http.StatusConflict, "worker not live or no free slot")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"worker": key, "id": body.ID})
}

// interaction wraps in as a deferred handle. An empty worker means owner.
func (s *Server) interaction(r *http.Request, owner component.Key, in *Interaction) (*forward.Handle, error) {
	if in == nil {
		return nil, nil
	}
	req := component.Request{Target: component.Key(strings.Trim(in.Worker, "/")), Action: in.Action, Domain: s.dispatcher.CurrentDomain()}
	if req.Target.Empty() {
		req.Target = owner
	}
	if !canReach(r, req.Target) {
		return nil, fmt.Errorf("token may not address worker %s", req.Target)
	}
	if in.Domain != "" {
		d, err := component.ParseDomain(in.Domain)
		if err != nil {
			return nil, err
		}
		req.Domain = d
	}
	if len(in.Payload) > 0 && string(in.Payload) != "null" {
		if err := json.Unmarshal(in.Payload, &req.Payload); err != nil {
			return nil, fmt.Errorf("payload must be a JSON object")
		}
	}
	return s.dispatcher.GenerateDeferredHandle(req)
}

// handleFireHandle handles POST /handles/fire. The handle's request is
// resubmitted exactly as it was wrapped.
func (s *Server) handleFireHandle(w http.ResponseWriter, r *http.Request) {
	var body FireRequest
	if !s.decodeBody(w, r, &body) {
		return
	}
	if body.Handle == nil || len(body.Handle.Envelope) == 0 {
		s.writeError(w, http.StatusBadRequest, "handle is required")
		return
	}
	req, err := body.Handle.Request()
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid handle: "+err.Error())
		return
	}
	if !s.reachable(w, r, req.Target) {
		return
	}
	if err := body.Handle.Fire(s.dispatcher); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid handle: "+err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, SubmitResponse{Status: "accepted", Worker: req.Target, Action: req.Action, Domain: req.Domain})
}

// handleStopForeground handles DELETE /foreground/{key}.
func (s *Server) handleStopForeground(w http.ResponseWriter, r *http.Request) {
	key, ok := s.keyParam(w, r)
	if !ok {
		return
	}
	if !s.dispatcher.StopForeground(key) {
		s.writeError(w, http.StatusNotFound, "worker holds no slot")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) keyParam(w http.ResponseWriter, r *http.Request) (component.Key, bool) {
	key := component.Key(strings.Trim(chi.URLParam(r, "*"), "/"))
	if key.Empty() {
		s.writeError(w, http.StatusBadRequest, "worker key is required")
		return "", false
	}
	if !s.reachable(w, r, key) {
		return "", false
	}
	return key, true
}

// decodeBody decodes an optional JSON body into v.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (s *Server) payload(w http.ResponseWriter, raw json.RawMessage) (map[string]any, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, true
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		s.writeError(w, http.StatusBadRequest, "payload must be a JSON object")
		return nil, false
	}
	return out, true
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
