package provider

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// SimPlatform is a software stand-in for the OS call subsystem. The device
// agent runs on hosts with no native call UI, so reported calls become log
// and state entries; action requests are delivered straight back to the
// registered performer the way the real subsystem invokes its delegate.
// Failure knobs simulate platform rejections.
type SimPlatform struct {
	mu        sync.Mutex
	performer func(*Action)

	incoming map[uuid.UUID]CallUpdate
	outgoing map[uuid.UUID]string
	closed   map[uuid.UUID]EndedReason

	// Failure knobs.
	IncomingErr error
	RequestErr  error
	FailActions map[ActionType]error
}

// NewSimPlatform creates an empty simulated platform.
func NewSimPlatform() *SimPlatform {
	return &SimPlatform{
		incoming: make(map[uuid.UUID]CallUpdate),
		outgoing: make(map[uuid.UUID]string),
		closed:   make(map[uuid.UUID]EndedReason),
	}
}

func (s *SimPlatform) SetPerformer(fn func(*Action)) {
	s.mu.Lock()
	s.performer = fn
	s.mu.Unlock()
}

func (s *SimPlatform) ReportIncoming(ctx context.Context, id uuid.UUID, update CallUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.IncomingErr != nil {
		return s.IncomingErr
	}
	s.incoming[id] = update
	return nil
}

func (s *SimPlatform) ReportOutgoing(id uuid.UUID, handle string) {
	s.mu.Lock()
	s.outgoing[id] = handle
	s.mu.Unlock()
}

func (s *SimPlatform) UpdateCall(id uuid.UUID, update CallUpdate) {
	s.mu.Lock()
	if _, ok := s.incoming[id]; ok {
		s.incoming[id] = update
	}
	s.mu.Unlock()
}

func (s *SimPlatform) Close(id uuid.UUID, reason EndedReason) {
	s.mu.Lock()
	delete(s.incoming, id)
	delete(s.outgoing, id)
	s.closed[id] = reason
	s.mu.Unlock()
}

// Request delivers the action to the performer synchronously, mirroring the
// platform invoking its delegate. A configured action failure fails the
// action rather than the request, matching how the real subsystem reports
// transaction errors.
func (s *SimPlatform) Request(a *Action) error {
	s.mu.Lock()
	performer := s.performer
	reqErr := s.RequestErr
	actErr := s.FailActions[a.Type]
	s.mu.Unlock()

	if reqErr != nil {
		return reqErr
	}
	if actErr != nil {
		a.Fail(actErr)
		return nil
	}
	if performer == nil {
		return errors.New("provider: no performer attached")
	}
	performer(a)
	return nil
}

// IncomingReported returns the update for a reported incoming call.
func (s *SimPlatform) IncomingReported(id uuid.UUID) (CallUpdate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.incoming[id]
	return u, ok
}

// OutgoingReported returns the handle for a reported outgoing call.
func (s *SimPlatform) OutgoingReported(id uuid.UUID) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.outgoing[id]
	return h, ok
}

// ClosedReason returns the reason a call record was closed with.
func (s *SimPlatform) ClosedReason(id uuid.UUID) (EndedReason, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.closed[id]
	return r, ok
}
