package component

import (
	"fmt"
	"strings"
)

// Key names a logical worker type. The empty key is unaddressed.
type Key string

func (k Key) String() string { return string(k) }

// Empty reports whether the key addresses nothing.
func (k Key) Empty() bool { return strings.TrimSpace(string(k)) == "" }

// Domain is the execution domain a request is intended for.
type Domain int

const (
	Primary Domain = iota
	Secondary
)

func (d Domain) String() string {
	switch d {
	case Primary:
		return "primary"
	case Secondary:
		return "secondary"
	default:
		return fmt.Sprintf("domain(%d)", int(d))
	}
}

// ParseDomain accepts "primary"/"secondary" (case-insensitive). Empty means primary.
func ParseDomain(s string) (Domain, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "primary":
		return Primary, nil
	case "secondary":
		return Secondary, nil
	default:
		return Primary, fmt.Errorf("unknown domain %q", s)
	}
}

func (d Domain) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Domain) UnmarshalText(b []byte) error {
	v, err := ParseDomain(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// Token is a start token. Tokens are allocated once per accepted non-bind
// start and increase monotonically for the life of the process.
type Token int32

// BindToken is the reserved token reported when the last connection of a
// worker goes away.
const BindToken Token = -1

// Request is a unit of work addressed to a worker.
type Request struct {
	Target  Key            `json:"target"`
	Action  string         `json:"action,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
	Domain  Domain         `json:"domain"`
}

// Clone returns a copy whose payload map can't be mutated through r.
func (r Request) Clone() Request {
	out := r
	if r.Payload != nil {
		out.Payload = make(map[string]any, len(r.Payload))
		for k, v := range r.Payload {
			out.Payload[k] = v
		}
	}
	return out
}

// Connection is a consumer's bind handle. Two connections with the same ID
// are the same consumer.
type Connection interface {
	ID() string
	OnConnected(key Key, capability any)
	OnDisconnected(key Key)
}

// State is a worker lifecycle state.
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateIdle
	StateStopping
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateIdle:
		return "idle"
	case StateStopping:
		return "stopping"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for st := StateCreated; st <= StateDestroyed; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown worker state %q", b)
}
