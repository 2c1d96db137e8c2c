package forward

import (
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/snapsvc/internal/component"
)

// Handle is a deferred trigger: an opaque, serialisable token that, when
// fired, resubmits its request through the dispatcher. Presentation actions
// and timers hold Handles instead of callbacks into a worker.
type Handle struct {
	Envelope []byte `json:"envelope"`
}

// NewHandle wraps req so it is delivered in the domain the request names.
func NewHandle(req component.Request) (*Handle, error) {
	env, err := Seal(uuid.New(), req, req.Domain, time.Now())
	if err != nil {
		return nil, err
	}
	b, err := Encode(env)
	if err != nil {
		return nil, err
	}
	return &Handle{Envelope: b}, nil
}

// Request returns the request the handle carries.
func (h *Handle) Request() (component.Request, error) {
	_, req, err := Decode(h.Envelope)
	return req, err
}

// Fire resubmits the wrapped request through s.
func (h *Handle) Fire(s Submitter) error {
	req, err := h.Request()
	if err != nil {
		return err
	}
	s.Submit(req)
	return nil
}
