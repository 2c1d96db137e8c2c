package api

import (
	"encoding/json"
	"time"

	"github.com/mattjoyce/snapsvc/internal/component"
	"github.com/mattjoyce/snapsvc/internal/forward"
)

// SubmitRequest is the JSON body for POST /submit/{key}.
type SubmitRequest struct {
	Action  string          `json:"action,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	// Domain is optional; empty means the worker's configured domain.
	Domain string `json:"domain,omitempty"`
}

// SubmitResponse is returned once a request has been queued.
type SubmitResponse struct {
	Status string           `json:"status"`
	Worker component.Key    `json:"worker"`
	Action string           `json:"action,omitempty"`
	Domain component.Domain `json:"domain"`
}

// BindRequest is the optional JSON body for POST /bind/{key}.
type BindRequest struct {
	Action  string          `json:"action,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// BindResponse carries the connection handle and the worker's capability.
type BindResponse struct {
	ConnectionID string        `json:"connection_id"`
	Worker       component.Key `json:"worker"`
	Capability   any           `json:"capability,omitempty"`
}

// ForegroundRequest is the JSON body for POST /foreground/{key}.
type ForegroundRequest struct {
	ID      int                `json:"id"`
	Title   string             `json:"title,omitempty"`
	Text    string             `json:"text,omitempty"`
	Info    string             `json:"info,omitempty"`
	Content *Interaction       `json:"content,omitempty"`
	Delete  *Interaction       `json:"delete,omitempty"`
	Actions []ForegroundAction `json:"actions,omitempty"`
}

// Interaction is work a presentation submits when used. Worker defaults to
// the presenting worker and Domain to the server's own.
type Interaction struct {
	Worker  string          `json:"worker,omitempty"`
	Action  string          `json:"action,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Domain  string          `json:"domain,omitempty"`
}

// ForegroundAction is a labelled button.
type ForegroundAction struct {
	Label string `json:"label"`
	Interaction
}

// FireRequest is the JSON body for POST /handles/fire. Handles reach clients
// through presentation.update events.
type FireRequest struct {
	Handle *forward.Handle `json:"handle"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string           `json:"status"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	Domain        component.Domain `json:"domain"`
	LiveWorkers   int              `json:"live_workers"`
	FreeSlots     int              `json:"free_slots"`
	Connections   int              `json:"connections"`
	StartedAt     time.Time        `json:"started_at"`
}
