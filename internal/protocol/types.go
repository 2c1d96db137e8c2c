package protocol

import "time"

// Version is the plugin wire protocol version.
const Version = 1

// Request is the envelope sent to a plugin process on stdin, one per work item.
type Request struct {
	Protocol   int            `json:"protocol"`
	RequestID  string         `json:"request_id"`
	Worker     string         `json:"worker"`
	Action     string         `json:"action"`
	Payload    map[string]any `json:"payload,omitempty"`
	Config     map[string]any `json:"config,omitempty"`
	Domain     string         `json:"domain"`
	DeadlineAt time.Time      `json:"deadline_at"`
}

// Response is what a plugin writes to stdout.
type Response struct {
	Status     string       `json:"status"` // ok | error
	Error      string       `json:"error,omitempty"`
	Logs       []LogEntry   `json:"logs,omitempty"`
	Submit     []Submission `json:"submit,omitempty"`
	Foreground *Foreground  `json:"foreground,omitempty"`
	Alarms     []Alarm      `json:"alarms,omitempty"`
}

// Submission asks the dispatcher to queue follow-up work. Inside foreground
// interactions and alarms an empty Worker means the plugin's own worker.
type Submission struct {
	Worker  string         `json:"worker"`
	Action  string         `json:"action,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
	Domain  string         `json:"domain,omitempty"`
}

// Foreground asks for the plugin's worker to be shown (start) or hidden (stop).
type Foreground struct {
	Action string `json:"action"` // start | stop
	ID     int    `json:"id,omitempty"`
	Title  string `json:"title,omitempty"`
	Text   string `json:"text,omitempty"`
	Info   string `json:"info,omitempty"`

	// Content fires when the presentation body is activated, Delete when it
	// is dismissed.
	Content *Submission        `json:"content,omitempty"`
	Delete  *Submission        `json:"delete,omitempty"`
	Actions []ForegroundAction `json:"actions,omitempty"`
}

// ForegroundAction is a labelled button that submits work when pressed.
type ForegroundAction struct {
	Label string `json:"label"`
	Submission
}

// Alarm schedules (or, with Cancel, removes) a delayed submission.
// RequestCode identifies the alarm per worker; reusing it replaces the
// pending one. Delay is a Go duration string such as "90s".
type Alarm struct {
	RequestCode int64  `json:"request_code"`
	Delay       string `json:"delay,omitempty"`
	Cancel      bool   `json:"cancel,omitempty"`
	Submission
}

// LogEntry represents a log message from a plugin.
type LogEntry struct {
	Level   string `json:"level"` // debug | info | warn | error
	Message string `json:"message"`
}
