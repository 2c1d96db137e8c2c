// Package alarm is the deferred-delivery capability: payloads scheduled for a
// domain at a due time, claimed exactly once by that domain's poller.
//
// Scheduling the same Ref twice replaces the earlier alarm.
package alarm

import (
	"context"
	"errors"
	"time"

	"github.com/mattjoyce/snapsvc/internal/component"
)

var ErrNotFound = errors.New("alarm not found")

// Type separates forwarded requests from user-scheduled alarms so their
// request codes never collide.
type Type string

const (
	TypeForward Type = "forward"
	TypeUser    Type = "alarm"
)

// Ref identifies an alarm slot.
type Ref struct {
	Domain      component.Domain
	Type        Type
	RequestCode int64
}

type Alarm struct {
	Ref
	Payload []byte
	DueAt   time.Time
}

// Handler receives a claimed alarm.
type Handler func(ctx context.Context, a Alarm) error
