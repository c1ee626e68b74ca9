package callflow

import (
	"log/slog"
	"sync"
	"time"

	"github.com/voxline/voxline/internal/call"
	"github.com/voxline/voxline/internal/telemetry"
)

// Screen is the always-on-top call surface. The device agent renders it as
// log and state output; a UI host would draw a window.
type Screen interface {
	Show(c *call.Call)
	ShowEnded(c *call.Call, cause error)
	Hide()
}

// Flow owns the single on-screen call. At most one live session exists at
// a time; start requests while one is live are rejected before any
// platform registration.
type Flow struct {
	screen    Screen
	logger    *slog.Logger
	rec       *telemetry.Recorder
	hideDelay time.Duration

	mu      sync.Mutex
	session *Session
	shown   bool
}

// minHandleLength guards against malformed caller identifiers; anything
// shorter cannot be a dialable number.
const minHandleLength = 6

// NewFlow creates the flow controller. hideDelay is how long the ended
// state stays on screen before teardown.
func NewFlow(screen Screen, hideDelay time.Duration, logger *slog.Logger, rec *telemetry.Recorder) *Flow {
	return &Flow{
		screen:    screen,
		logger:    logger.With("subsystem", "flow"),
		rec:       rec,
		hideDelay: hideDelay,
	}
}

// Start adopts a session as the live call. Outgoing sessions show the call
// surface immediately; incoming ones wait for the answer action.
func (f *Flow) Start(s *Session) error {
	if len(s.Call.Handle) < minHandleLength {
		return ErrHandleTooShort
	}

	f.mu.Lock()
	if f.session != nil {
		f.mu.Unlock()
		return ErrInactiveNumber
	}
	f.session = s
	f.mu.Unlock()

	// Only the adopted session owns the provider delegate. Installing it
	// any earlier would let a rejected start steal platform actions from
	// the live call.
	s.prov.SetDelegate(s)
	s.onEnded = f.sessionEnded
	s.onAnswered = func(*Session) { f.ShowCall() }

	if s.Call.Outgoing {
		f.show(s)
	}
	f.logger.Info("session started", "call_id", s.Call.ID, "outgoing", s.Call.Outgoing)
	return nil
}

// Active returns the live session, nil when idle.
func (f *Flow) Active() *Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.session
}

// ShowCall brings the call surface up for the live session. Fired on the
// explicit show signal and on answer.
func (f *Flow) ShowCall() {
	f.mu.Lock()
	s := f.session
	f.mu.Unlock()
	if s != nil {
		f.show(s)
	}
}

// HandleForeground re-shows the call surface when the app returns to the
// foreground mid-call.
func (f *Flow) HandleForeground() {
	f.ShowCall()
}

func (f *Flow) show(s *Session) {
	f.mu.Lock()
	already := f.shown
	f.shown = true
	f.mu.Unlock()
	if !already {
		f.screen.Show(s.Call)
	}
}

// sessionEnded shows the terminal state, then tears down after the hide
// delay. Overlapping end signals are safe; teardown is idempotent.
func (f *Flow) sessionEnded(s *Session, cause error) {
	f.mu.Lock()
	live := f.session == s
	f.mu.Unlock()
	if !live {
		return
	}

	f.screen.ShowEnded(s.Call, cause)
	time.AfterFunc(f.hideDelay, func() { f.teardown(s) })
}

// teardown clears the live session and hides the surface. Safe to call
// more than once and with a stale session.
func (f *Flow) teardown(s *Session) {
	f.mu.Lock()
	if f.session != s {
		f.mu.Unlock()
		return
	}
	f.session = nil
	f.shown = false
	f.mu.Unlock()

	f.screen.Hide()
	f.logger.Info("session torn down", "call_id", s.Call.ID)
}

// Abort drops a session that never became the live call or must be
// released immediately, without the ended display.
func (f *Flow) Abort(s *Session) {
	f.teardown(s)
}
