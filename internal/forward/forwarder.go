// Package forward carries requests across the process domain boundary and
// wraps requests into deferred handles.
//
// Nothing here ever calls a worker. A forwarded request or a fired handle
// always re-enters through a Submitter, which is the dispatcher.
package forward

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/snapsvc/internal/alarm"
	"github.com/mattjoyce/snapsvc/internal/component"
)

//go:generate mockgen -destination=mocks/mock_delivery.go -package=mocks github.com/mattjoyce/snapsvc/internal/forward DeliveryService

// DeliveryService is the deferred-delivery capability.
type DeliveryService interface {
	Schedule(ctx context.Context, a alarm.Alarm) error
	IsScheduled(ctx context.Context, ref alarm.Ref) (bool, error)
	Cancel(ctx context.Context, ref alarm.Ref) error
}

// Submitter accepts a request for routing.
type Submitter interface {
	Submit(req component.Request)
}

// DefaultDelay is the near-zero delay used for cross-domain hand-off.
const DefaultDelay = time.Millisecond

type Forwarder struct {
	delivery DeliveryService
	delay    time.Duration
	logger   *slog.Logger

	now   func() time.Time
	newID func() uuid.UUID
}

func NewForwarder(delivery DeliveryService, delay time.Duration, logger *slog.Logger) *Forwarder {
	if delay <= 0 {
		delay = DefaultDelay
	}
	return &Forwarder{
		delivery: delivery,
		delay:    delay,
		logger:   logger.With("component", "forwarder"),
		now:      time.Now,
		newID:    uuid.New,
	}
}

// Forward schedules req for immediate delivery in target. Each forward gets
// its own request code so concurrent forwards never replace one another.
func (f *Forwarder) Forward(ctx context.Context, req component.Request, target component.Domain) (uuid.UUID, error) {
	id := f.newID()
	now := f.now()
	env, err := Seal(id, req, target, now)
	if err != nil {
		return uuid.Nil, err
	}
	payload, err := Encode(env)
	if err != nil {
		return uuid.Nil, err
	}
	a := alarm.Alarm{
		Ref:     alarm.Ref{Domain: target, Type: alarm.TypeForward, RequestCode: RequestCode(id)},
		Payload: payload,
		DueAt:   now.Add(f.delay),
	}
	if err := f.delivery.Schedule(ctx, a); err != nil {
		return uuid.Nil, fmt.Errorf("forward %s to %s: %w", req.Target, target, err)
	}
	f.logger.Debug("Forwarded request", "worker", req.Target, "action", req.Action, "target", target.String(), "envelope_id", id)
	return id, nil
}

// ScheduleAlarm arranges for req to be submitted after delay, in the domain
// req names. requestCode identifies the alarm for IsScheduled/Cancel, and
// scheduling the same code again replaces the pending one.
func (f *Forwarder) ScheduleAlarm(ctx context.Context, req component.Request, requestCode int64, delay time.Duration) error {
	now := f.now()
	env, err := Seal(f.newID(), req, req.Domain, now)
	if err != nil {
		return err
	}
	payload, err := Encode(env)
	if err != nil {
		return err
	}
	return f.delivery.Schedule(ctx, alarm.Alarm{
		Ref:     UserAlarmRef(req, requestCode),
		Payload: payload,
		DueAt:   now.Add(delay),
	})
}

func (f *Forwarder) IsAlarmScheduled(ctx context.Context, req component.Request, requestCode int64) (bool, error) {
	return f.delivery.IsScheduled(ctx, UserAlarmRef(req, requestCode))
}

func (f *Forwarder) CancelAlarm(ctx context.Context, req component.Request, requestCode int64) error {
	return f.delivery.Cancel(ctx, UserAlarmRef(req, requestCode))
}

// UserAlarmRef is the slot a user alarm for req occupies. Request codes are
// scoped to the target key.
func UserAlarmRef(req component.Request, requestCode int64) alarm.Ref {
	return alarm.Ref{Domain: req.Domain, Type: alarm.TypeUser, RequestCode: UserAlarmCode(req.Target, requestCode)}
}

// Receiver turns claimed alarms back into submissions on the local side.
type Receiver struct {
	local     Submitter
	logger    *slog.Logger
	delivered func(env Envelope, a alarm.Alarm, req component.Request)
}

func NewReceiver(local Submitter, logger *slog.Logger) *Receiver {
	return &Receiver{local: local, logger: logger.With("component", "forward-receiver")}
}

// OnDelivered registers fn to run after each request is resubmitted.
func (r *Receiver) OnDelivered(fn func(env Envelope, a alarm.Alarm, req component.Request)) *Receiver {
	r.delivered = fn
	return r
}

// Handle is an alarm.Handler.
func (r *Receiver) Handle(_ context.Context, a alarm.Alarm) error {
	env, req, err := Decode(a.Payload)
	if err != nil {
		return fmt.Errorf("receive %s alarm %d: %w", a.Type, a.RequestCode, err)
	}
	r.logger.Debug("Received request", "worker", req.Target, "action", req.Action, "envelope_id", env.ID, "type", a.Type)
	r.local.Submit(req)
	if r.delivered != nil {
		r.delivered(env, a, req)
	}
	return nil
}
