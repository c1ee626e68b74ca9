// Package provider is the single point of contact with the platform call
// subsystem: reporting calls so the native call surface renders them,
// requesting user actions, and receiving the action callbacks the platform
// delivers in response.
package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/voxline/voxline/internal/telemetry"
)

// ErrCallCapExceeded is returned when a second concurrent call would be
// reported. The subsystem is configured for one call group with one call.
var ErrCallCapExceeded = errors.New("provider: concurrent call cap exceeded")

// ErrActionRejected is the failure handed to the platform when the delegate
// declines an action.
var ErrActionRejected = errors.New("provider: action rejected")

// EndedReason tells the platform why a call record is being closed; it
// drives the native UI messaging.
type EndedReason int

const (
	ReasonFailed EndedReason = iota + 1
	ReasonRemoteEnded
	ReasonUnanswered
	ReasonAnsweredElsewhere
	ReasonDeclinedElsewhere
)

func (r EndedReason) String() string {
	switch r {
	case ReasonFailed:
		return "failed"
	case ReasonRemoteEnded:
		return "remote-ended"
	case ReasonUnanswered:
		return "unanswered"
	case ReasonAnsweredElsewhere:
		return "answered-elsewhere"
	case ReasonDeclinedElsewhere:
		return "declined-elsewhere"
	default:
		return "unknown"
	}
}

// CallUpdate describes a call record for the platform UI.
type CallUpdate struct {
	Handle       string
	DisplayName  string
	SupportsHold bool
	SupportsDTMF bool
}

// ActionType is the platform action being performed.
type ActionType int

const (
	ActionStart ActionType = iota + 1
	ActionAnswer
	ActionEnd
	ActionHold
	ActionMute
	ActionDigits
)

func (t ActionType) String() string {
	switch t {
	case ActionStart:
		return "start"
	case ActionAnswer:
		return "answer"
	case ActionEnd:
		return "end"
	case ActionHold:
		return "hold"
	case ActionMute:
		return "mute"
	case ActionDigits:
		return "digits"
	default:
		return "unknown"
	}
}

// Action is one platform transaction. Fulfill or Fail must be called
// exactly once; later calls are no-ops.
type Action struct {
	Type   ActionType
	CallID uuid.UUID
	Handle string
	Hold   bool
	Muted  bool
	Digits string

	once sync.Once
	done func(error)
}

// NewAction creates an action whose completion is reported through done.
// A nil done is allowed.
func NewAction(t ActionType, callID uuid.UUID, done func(error)) *Action {
	return &Action{Type: t, CallID: callID, done: done}
}

// Fulfill completes the action successfully.
func (a *Action) Fulfill() {
	a.once.Do(func() {
		if a.done != nil {
			a.done(nil)
		}
	})
}

// Fail completes the action with an error.
func (a *Action) Fail(err error) {
	a.once.Do(func() {
		if a.done != nil {
			a.done(err)
		}
	})
}

// Delegate receives platform action callbacks. Implemented by the call
// session orchestrator. Boolean results report whether the action took
// effect; false fails the platform transaction.
type Delegate interface {
	PerformStart(id uuid.UUID) error
	PerformAnswer(id uuid.UUID) error
	PerformEnd(id uuid.UUID) error
	PerformHold(id uuid.UUID, hold bool) bool
	PerformMute(id uuid.UUID, muted bool) bool
	PerformDigits(id uuid.UUID, digits string) bool
	AudioActivated()
	AudioDeactivated()
}

// PlatformCalls is the OS call subsystem surface the provider drives.
type PlatformCalls interface {
	// SetPerformer registers the sink that receives platform actions.
	SetPerformer(fn func(*Action))

	// ReportIncoming registers an incoming call so the native ringing UI
	// shows. It completes (success or rejection) within the caller's
	// context deadline.
	ReportIncoming(ctx context.Context, id uuid.UUID, update CallUpdate) error

	// ReportOutgoing, UpdateCall and Close are fire-and-forget mutations of
	// the platform call record.
	ReportOutgoing(id uuid.UUID, handle string)
	UpdateCall(id uuid.UUID, update CallUpdate)
	Close(id uuid.UUID, reason EndedReason)

	// Request submits a user action transaction. The platform delivers the
	// action back through the performer, which completes it.
	Request(a *Action) error
}

// Provider mediates between the app and the platform call subsystem.
type Provider struct {
	platform PlatformCalls
	logger   *slog.Logger
	rec      *telemetry.Recorder
	dispatch func(func())

	mu       sync.Mutex
	delegate Delegate
	active   map[uuid.UUID]struct{}
}

// New creates a provider over the given platform and installs itself as
// the platform's action performer.
func New(platform PlatformCalls, logger *slog.Logger, rec *telemetry.Recorder) *Provider {
	p := &Provider{
		platform: platform,
		logger:   logger.With("subsystem", "provider"),
		rec:      rec,
		active:   make(map[uuid.UUID]struct{}),
	}
	platform.SetPerformer(p.Perform)
	return p
}

// SetDelegate installs the action delegate.
func (p *Provider) SetDelegate(d Delegate) {
	p.mu.Lock()
	p.delegate = d
	p.mu.Unlock()
}

// SetDispatch installs the scheduling funnel for platform callbacks. A nil
// funnel runs them inline.
func (p *Provider) SetDispatch(d func(func())) {
	p.dispatch = d
}

func (p *Provider) run(fn func()) {
	if p.dispatch == nil {
		fn()
		return
	}
	p.dispatch(fn)
}

// ReportIncoming registers an incoming call with the platform, enforcing
// the single concurrent call cap. Failures are recorded to telemetry and
// returned; callers must still complete their processing cycle.
func (p *Provider) ReportIncoming(ctx context.Context, id uuid.UUID, update CallUpdate) error {
	p.mu.Lock()
	if _, ok := p.active[id]; !ok && len(p.active) >= 1 {
		p.mu.Unlock()
		return ErrCallCapExceeded
	}
	p.active[id] = struct{}{}
	p.mu.Unlock()

	if err := p.platform.ReportIncoming(ctx, id, update); err != nil {
		p.release(id)
		p.rec.RecordError("provider", err)
		return fmt.Errorf("provider: reporting incoming call: %w", err)
	}
	p.logger.Info("incoming call reported", "call_id", id, "handle", update.Handle)
	return nil
}

// ReportOutgoing registers an outgoing call record.
func (p *Provider) ReportOutgoing(id uuid.UUID, handle string) error {
	p.mu.Lock()
	if _, ok := p.active[id]; !ok && len(p.active) >= 1 {
		p.mu.Unlock()
		return ErrCallCapExceeded
	}
	p.active[id] = struct{}{}
	p.mu.Unlock()

	p.platform.ReportOutgoing(id, handle)
	return nil
}

// UpdateCall pushes new display data to the platform call record.
func (p *Provider) UpdateCall(id uuid.UUID, update CallUpdate) {
	p.platform.UpdateCall(id, update)
}

// Close removes the platform call record with the given reason and frees
// the concurrency slot. Safe for unknown ids; closing a never-registered
// record is how out-of-order cancel pushes are absorbed.
func (p *Provider) Close(id uuid.UUID, reason EndedReason) {
	p.release(id)
	p.platform.Close(id, reason)
	p.logger.Info("call record closed", "call_id", id, "reason", reason)
}

func (p *Provider) release(id uuid.UUID) {
	p.mu.Lock()
	delete(p.active, id)
	p.mu.Unlock()
}

// RequestStart asks the platform to begin an outgoing call transaction.
func (p *Provider) RequestStart(id uuid.UUID, handle string, done func(error)) error {
	a := NewAction(ActionStart, id, done)
	a.Handle = handle
	return p.platform.Request(a)
}

// RequestEnd asks the platform to end the call.
func (p *Provider) RequestEnd(id uuid.UUID, done func(error)) error {
	return p.platform.Request(NewAction(ActionEnd, id, done))
}

// RequestHold asks the platform to change hold state.
func (p *Provider) RequestHold(id uuid.UUID, hold bool, done func(error)) error {
	a := NewAction(ActionHold, id, done)
	a.Hold = hold
	return p.platform.Request(a)
}

// RequestMute asks the platform to change mute state.
func (p *Provider) RequestMute(id uuid.UUID, muted bool, done func(error)) error {
	a := NewAction(ActionMute, id, done)
	a.Muted = muted
	return p.platform.Request(a)
}

// RequestDigits asks the platform to play DTMF on the call.
func (p *Provider) RequestDigits(id uuid.UUID, digits string, done func(error)) error {
	a := NewAction(ActionDigits, id, done)
	a.Digits = digits
	return p.platform.Request(a)
}

// Perform handles one platform action callback: it funnels onto the
// scheduling context, invokes the delegate, and completes the action
// exactly once, synchronously relative to the delegate's return.
func (p *Provider) Perform(a *Action) {
	p.run(func() {
		p.mu.Lock()
		d := p.delegate
		p.mu.Unlock()
		if d == nil {
			a.Fail(fmt.Errorf("provider: no delegate for %s action", a.Type))
			return
		}

		switch a.Type {
		case ActionStart:
			if err := d.PerformStart(a.CallID); err != nil {
				a.Fail(err)
				return
			}
			a.Fulfill()
		case ActionAnswer:
			if err := d.PerformAnswer(a.CallID); err != nil {
				a.Fail(err)
				return
			}
			a.Fulfill()
		case ActionEnd:
			if err := d.PerformEnd(a.CallID); err != nil {
				a.Fail(err)
				return
			}
			p.release(a.CallID)
			a.Fulfill()
		case ActionHold:
			if !d.PerformHold(a.CallID, a.Hold) {
				a.Fail(ErrActionRejected)
				return
			}
			a.Fulfill()
		case ActionMute:
			if !d.PerformMute(a.CallID, a.Muted) {
				a.Fail(ErrActionRejected)
				return
			}
			a.Fulfill()
		case ActionDigits:
			if !d.PerformDigits(a.CallID, a.Digits) {
				a.Fail(ErrActionRejected)
				return
			}
			a.Fulfill()
		default:
			a.Fail(fmt.Errorf("provider: unknown action type %d", a.Type))
		}
	})
}

// AudioActivated and AudioDeactivated forward platform audio session
// signals to the delegate.
func (p *Provider) AudioActivated() {
	p.run(func() {
		p.mu.Lock()
		d := p.delegate
		p.mu.Unlock()
		if d != nil {
			d.AudioActivated()
		}
	})
}

func (p *Provider) AudioDeactivated() {
	p.run(func() {
		p.mu.Lock()
		d := p.delegate
		p.mu.Unlock()
		if d != nil {
			d.AudioDeactivated()
		}
	})
}
