// Package callflow coordinates the pieces of one phone call: the session
// orchestrator that bridges platform actions to the call entity, the flow
// controller that owns the single on-screen call, and the manager that
// wires backends, accounts and push reconciliation together.
package callflow

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/voxline/voxline/internal/backend"
	"github.com/voxline/voxline/internal/call"
	"github.com/voxline/voxline/internal/flags"
	"github.com/voxline/voxline/internal/provider"
	"github.com/voxline/voxline/internal/telemetry"
)

// Connector opens backend legs for a session. Implemented by the Manager,
// which owns the provider clients and the account token fetch.
type Connector interface {
	// Connect opens the outgoing leg; the access token is fetched fresh
	// inside.
	Connect(ctx context.Context, s *Session) error

	// PrepareAnswer ensures an incoming session has its backend leg bound
	// before Answer runs.
	PrepareAnswer(ctx context.Context, s *Session) error
}

// Session orchestrates one call: it registers the call with the platform,
// receives platform action callbacks as the provider delegate, and drives
// the call entity. It implements provider.Delegate.
type Session struct {
	Call *call.Call

	prov      *provider.Provider
	connector Connector
	flags     *flags.Flags
	logger    *slog.Logger
	rec       *telemetry.Recorder

	onEnded    func(*Session, error)
	onAnswered func(*Session)
	cancelObs  func()
	closers    []io.Closer

	// endRetryDelay is the pause before retrying teardown after the
	// platform rejects an end action.
	endRetryDelay time.Duration
}

// NewSession creates the orchestrator for a user-dialed outgoing call.
func NewSession(c *call.Call, prov *provider.Provider, connector Connector, fl *flags.Flags, logger *slog.Logger, rec *telemetry.Recorder) *Session {
	s := &Session{
		Call:          c,
		prov:          prov,
		connector:     connector,
		flags:         fl,
		logger:        logger.With("subsystem", "callflow", "call_id", c.ID),
		rec:           rec,
		endRetryDelay: 2 * time.Second,
	}
	s.attach()
	return s
}

// attach wires the session into the call entity's lifecycle. The provider
// delegate is not installed here; the flow does that only when it adopts
// the session, so a rejected session never displaces the live call's
// delegate.
func (s *Session) attach() {
	s.Call.OnDisconnect(s.disconnected)
	s.cancelObs = s.Call.Observe(s.stateChanged)
}

// AddCloser registers a resource torn down when the session ends.
func (s *Session) AddCloser(c io.Closer) {
	s.closers = append(s.closers, c)
}

// RequestStart registers the outgoing call with the platform and submits
// the start transaction. The backend leg opens when the platform delivers
// the start action back.
func (s *Session) RequestStart(ctx context.Context) error {
	if err := s.prov.ReportOutgoing(s.Call.ID, s.Call.Handle); err != nil {
		return err
	}
	return s.prov.RequestStart(s.Call.ID, s.Call.Handle, func(err error) {
		if err != nil {
			s.logger.Error("start action failed", "error", err)
			s.rec.RecordError("callflow", err)
			s.Call.Fail(err)
		}
	})
}

// RequestEnd submits the end transaction, applying short-call suppression:
// a connected call below the configured duration with the restriction flag
// on is left untouched, and the caller must re-issue the end later.
func (s *Session) RequestEnd(now time.Time) error {
	if s.suppressShortCallEnd(now) {
		s.logger.Info("end request suppressed by short-call policy",
			"connected_for", s.Call.ConnectedDuration(now).String(),
		)
		return nil
	}
	return s.prov.RequestEnd(s.Call.ID, func(err error) {
		if err == nil {
			return
		}
		// The platform rejected the end action. The user must still see the
		// call finish, so retry teardown after a short delay instead of
		// surfacing the error.
		s.logger.Error("end action failed, scheduling teardown retry", "error", err)
		s.rec.RecordError("callflow", err)
		time.AfterFunc(s.endRetryDelay, func() {
			s.Call.Advance(call.StateEnding)
			if derr := s.Call.Disconnect(context.Background()); derr != nil {
				s.logger.Error("teardown retry failed", "error", derr)
				s.Call.Advance(call.StateEnded)
			}
		})
	})
}

func (s *Session) suppressShortCallEnd(now time.Time) bool {
	if s.flags == nil || !s.flags.ShortCallRestriction() {
		return false
	}
	if s.Call.State() != call.StateConnected {
		return false
	}
	return s.Call.ConnectedDuration(now) < s.flags.ShortCallDuration()
}

// RequestHold, RequestMute and RequestDigits submit the corresponding
// platform transactions.
func (s *Session) RequestHold(hold bool) error {
	return s.prov.RequestHold(s.Call.ID, hold, nil)
}

func (s *Session) RequestMute(muted bool) error {
	return s.prov.RequestMute(s.Call.ID, muted, nil)
}

func (s *Session) RequestDigits(digits string) error {
	return s.prov.RequestDigits(s.Call.ID, digits, nil)
}

// PerformStart handles the platform start action: open the backend leg.
func (s *Session) PerformStart(id uuid.UUID) error {
	if id != s.Call.ID {
		return fmt.Errorf("callflow: start action for unknown call %s", id)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.connector.Connect(ctx, s)
}

// PerformAnswer handles the platform answer action.
func (s *Session) PerformAnswer(id uuid.UUID) error {
	if id != s.Call.ID {
		return fmt.Errorf("callflow: answer action for unknown call %s", id)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.connector.PrepareAnswer(ctx, s); err != nil {
		s.rec.RecordError("callflow", err)
		s.Call.Fail(err)
		return err
	}
	if err := s.Call.Answer(ctx); err != nil {
		return err
	}
	if s.onAnswered != nil {
		s.onAnswered(s)
	}
	return nil
}

// PerformEnd handles the platform end action.
func (s *Session) PerformEnd(id uuid.UUID) error {
	if id != s.Call.ID {
		return fmt.Errorf("callflow: end action for unknown call %s", id)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.Call.Disconnect(ctx)
}

func (s *Session) PerformHold(id uuid.UUID, hold bool) bool {
	if id != s.Call.ID {
		return false
	}
	return s.Call.SetOnHold(hold)
}

func (s *Session) PerformMute(id uuid.UUID, muted bool) bool {
	if id != s.Call.ID {
		return false
	}
	return s.Call.SetMuted(muted)
}

func (s *Session) PerformDigits(id uuid.UUID, digits string) bool {
	if id != s.Call.ID {
		return false
	}
	return s.Call.SendDigits(digits)
}

func (s *Session) AudioActivated() {
	s.logger.Debug("audio session activated")
}

func (s *Session) AudioDeactivated() {
	s.logger.Debug("audio session deactivated")
}

// stateChanged reports outgoing connection progress to the platform call
// record. The SIP provider signals early media at connecting, so its
// record shows connected then; the cloud provider's record waits for the
// leg to go active.
func (s *Session) stateChanged(st call.State) {
	if !s.Call.Outgoing {
		return
	}
	bk := s.Call.Backend()
	if bk == nil {
		return
	}
	report := (st == call.StateConnecting && bk.Kind() == backend.KindSIP) ||
		(st == call.StateConnected && bk.Kind() == backend.KindCloud)
	if report {
		s.prov.UpdateCall(s.Call.ID, provider.CallUpdate{
			Handle:       s.Call.Handle,
			DisplayName:  s.displayName(),
			SupportsHold: bk.Kind() == backend.KindCloud,
			SupportsDTMF: true,
		})
	}
}

func (s *Session) displayName() string {
	if s.Call.DisplayName != "" {
		return s.Call.DisplayName
	}
	return s.Call.Handle
}

// disconnected runs exactly once when the call reaches a terminal state:
// close the platform record, release resources, notify the flow.
func (s *Session) disconnected(cause error) {
	reason := provider.ReasonRemoteEnded
	if cause != nil {
		reason = provider.ReasonFailed
	}
	s.prov.Close(s.Call.ID, reason)

	if s.cancelObs != nil {
		s.cancelObs()
	}
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			s.logger.Debug("session resource close failed", "error", err)
		}
	}

	outcome := "ended"
	if cause != nil {
		outcome = "failed"
	}
	s.rec.RecordCallOutcome(outcome)

	if s.onEnded != nil {
		s.onEnded(s, cause)
	}
}
