package call

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxline/voxline/internal/backend"
	"github.com/voxline/voxline/internal/telemetry"
)

// Call is one call session. All mutation is funneled through the dispatch
// function so observers and state always agree; backends may report events
// from their own goroutines and the funnel serializes them.
type Call struct {
	ID          uuid.UUID
	Outgoing    bool
	Handle      string
	DisplayName string

	dispatch func(func())
	logger   *slog.Logger
	rec      *telemetry.Recorder

	state         State
	connectingAt  time.Time
	connectedAt   time.Time
	endedAt       time.Time
	failure       error
	invitePending bool
	bk            backend.Backend

	obsMu     sync.Mutex
	observers map[int]func(State)
	nextObsID int

	disconnectFn   func(error)
	disconnectOnce sync.Once
}

// NewOutgoing creates a user-dialed session to the given handle.
func NewOutgoing(handle string, logger *slog.Logger, rec *telemetry.Recorder) *Call {
	return &Call{
		ID:        uuid.New(),
		Outgoing:  true,
		Handle:    handle,
		logger:    logger.With("subsystem", "call"),
		rec:       rec,
		observers: make(map[int]func(State)),
	}
}

// NewIncoming creates a push-announced session with a pending invite. The
// id is the correlation identifier the push carried (or a fresh one when
// the payload had none).
func NewIncoming(id uuid.UUID, handle string, logger *slog.Logger, rec *telemetry.Recorder) *Call {
	return &Call{
		ID:            id,
		Handle:        handle,
		logger:        logger.With("subsystem", "call"),
		rec:           rec,
		invitePending: true,
		observers:     make(map[int]func(State)),
	}
}

// SetDispatch installs the scheduling funnel. A nil funnel runs callbacks
// inline, which tests rely on.
func (c *Call) SetDispatch(d func(func())) {
	c.dispatch = d
}

func (c *Call) run(fn func()) {
	if c.dispatch == nil {
		fn()
		return
	}
	c.dispatch(fn)
}

// State returns the current lifecycle state.
func (c *Call) State() State { return c.state }

// ConnectingAt is the time of the first transition into connecting, zero if
// it never happened. ConnectedAt and EndedAt follow the same rule for their
// states.
func (c *Call) ConnectingAt() time.Time { return c.connectingAt }
func (c *Call) ConnectedAt() time.Time  { return c.connectedAt }
func (c *Call) EndedAt() time.Time      { return c.endedAt }

// Failure returns the error that drove the session to failed, nil
// otherwise.
func (c *Call) Failure() error { return c.failure }

// InvitePending reports whether an unanswered incoming invite exists.
func (c *Call) InvitePending() bool { return c.invitePending }

// Backend returns the bound provider leg, nil before Bind.
func (c *Call) Backend() backend.Backend { return c.bk }

// Observe registers a state-change observer and returns its cancellation
// function. The observer fires on every accepted transition, after the
// state and timestamps are updated.
func (c *Call) Observe(fn func(State)) func() {
	c.obsMu.Lock()
	id := c.nextObsID
	c.nextObsID++
	c.observers[id] = fn
	c.obsMu.Unlock()
	return func() {
		c.obsMu.Lock()
		delete(c.observers, id)
		c.obsMu.Unlock()
	}
}

// OnDisconnect registers the callback invoked exactly once when the session
// first reaches a terminal state. The argument is nil for a clean end.
func (c *Call) OnDisconnect(fn func(error)) {
	c.disconnectFn = fn
}

// Bind attaches the provider leg and wires its events into the state
// machine.
func (c *Call) Bind(bk backend.Backend) {
	c.bk = bk
	bk.Subscribe(backend.Events{
		OnConnecting: func() { c.run(func() { c.Advance(StateConnecting) }) },
		OnConnected:  func() { c.run(func() { c.Advance(StateConnected) }) },
		OnEnded:      func() { c.run(func() { c.Advance(StateEnded) }) },
		OnFailed: func(err error) {
			c.run(func() { c.Fail(err) })
		},
	})
}

// Advance moves the session to next if the transition is accepted and
// reports whether it was. Rejected transitions are silent no-ops, which
// absorbs duplicate and late provider callbacks.
func (c *Call) Advance(next State) bool {
	if !advanceable(c.state, next) {
		return false
	}
	prev := c.state
	c.state = next
	now := time.Now()
	switch next {
	case StateConnecting:
		if c.connectingAt.IsZero() {
			c.connectingAt = now
		}
	case StateConnected:
		if c.connectedAt.IsZero() {
			c.connectedAt = now
		}
	case StateEnded, StateFailed:
		if c.endedAt.IsZero() {
			c.endedAt = now
		}
	}
	c.logger.Debug("state advanced", "call_id", c.ID, "from", prev, "to", next)
	c.rec.RecordTransition(next.String())

	c.obsMu.Lock()
	fns := make([]func(State), 0, len(c.observers))
	for _, fn := range c.observers {
		fns = append(fns, fn)
	}
	c.obsMu.Unlock()
	for _, fn := range fns {
		fn(next)
	}

	if next.Terminal() {
		c.disconnectOnce.Do(func() {
			if c.disconnectFn != nil {
				c.disconnectFn(c.failure)
			}
		})
	}
	return true
}

// Fail records the cause and moves the session to failed. The cause is kept
// out of the state value so ordering stays unambiguous.
func (c *Call) Fail(err error) {
	if c.failure == nil {
		c.failure = err
	}
	c.Advance(StateFailed)
}

// Connect opens the outgoing backend session with a fresh access token.
// The session moves to start before the backend is dialed so the UI can
// render immediately.
func (c *Call) Connect(ctx context.Context, token string) error {
	if c.bk == nil {
		return backend.ErrBackendUndefined
	}
	c.Advance(StateStart)
	if c.connectingAt.IsZero() {
		c.connectingAt = time.Now()
	}
	if err := c.bk.Connect(ctx, token); err != nil {
		c.Fail(err)
		return fmt.Errorf("call: connecting backend: %w", err)
	}
	return nil
}

// Answer accepts the pending incoming invite. Fails with
// ErrNoPendingInvite when nothing is ringing.
func (c *Call) Answer(ctx context.Context) error {
	if !c.invitePending {
		return backend.ErrNoPendingInvite
	}
	if c.bk == nil {
		return backend.ErrBackendUndefined
	}
	c.invitePending = false
	c.Advance(StateStart)
	if c.connectingAt.IsZero() {
		c.connectingAt = time.Now()
	}
	if err := c.bk.Accept(ctx); err != nil {
		c.Fail(err)
		return fmt.Errorf("call: accepting invite: %w", err)
	}
	return nil
}

// Disconnect ends the session. A pending invite is rejected and the session
// goes straight to ended; an active session requests backend hangup and
// moves to ending, with the backend's end event completing the transition.
func (c *Call) Disconnect(ctx context.Context) error {
	if c.invitePending {
		c.invitePending = false
		err := c.bk.Reject(ctx)
		c.Advance(StateEnded)
		if err != nil {
			return fmt.Errorf("call: rejecting invite: %w", err)
		}
		return nil
	}
	if c.bk == nil {
		c.Advance(StateEnded)
		return nil
	}
	c.Advance(StateEnding)
	if err := c.bk.Hangup(ctx); err != nil {
		c.Advance(StateEnded)
		return fmt.Errorf("call: hanging up: %w", err)
	}
	return nil
}

// SetMuted forwards to the backend and reports whether it took effect.
func (c *Call) SetMuted(muted bool) bool {
	if c.bk == nil {
		return false
	}
	return c.bk.SetMuted(muted)
}

// SetOnHold forwards to the backend. False when the backend does not
// support hold in the session's current mode.
func (c *Call) SetOnHold(hold bool) bool {
	if c.bk == nil {
		return false
	}
	return c.bk.SetOnHold(hold)
}

// SendDigits forwards DTMF to the backend.
func (c *Call) SendDigits(digits string) bool {
	if c.bk == nil {
		return false
	}
	return c.bk.SendDigits(digits)
}

// ConnectedDuration returns how long the call has been connected, zero when
// it never connected.
func (c *Call) ConnectedDuration(now time.Time) time.Duration {
	if c.connectedAt.IsZero() {
		return 0
	}
	end := now
	if !c.endedAt.IsZero() && c.endedAt.Before(now) {
		end = c.endedAt
	}
	return end.Sub(c.connectedAt)
}
