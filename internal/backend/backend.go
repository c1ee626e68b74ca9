// Package backend abstracts the two telephony providers behind one
// interface. A call session binds to exactly one backend for its lifetime;
// the session layer never switches on the provider kind.
package backend

import (
	"context"
	"errors"
)

// Kind identifies which provider owns a session.
type Kind string

const (
	KindSIP   Kind = "sip"
	KindCloud Kind = "cloud"
)

// ErrNoPendingInvite is returned by Accept or Reject when the backend holds
// no incoming invite to act on.
var ErrNoPendingInvite = errors.New("backend: no pending invite")

// ErrBackendUndefined is returned when an operation requires backend data
// that was never provided (missing credentials, no bound backend).
var ErrBackendUndefined = errors.New("backend: undefined")

// Events are the callbacks a backend fires as the remote leg progresses.
// Backends may invoke them from network goroutines; subscribers are
// responsible for funneling onto their own scheduling context. Nil fields
// are skipped.
type Events struct {
	OnConnecting func()
	OnConnected  func()
	OnEnded      func()
	OnFailed     func(error)
}

func (e Events) connecting() {
	if e.OnConnecting != nil {
		e.OnConnecting()
	}
}

func (e Events) connected() {
	if e.OnConnected != nil {
		e.OnConnected()
	}
}

func (e Events) ended() {
	if e.OnEnded != nil {
		e.OnEnded()
	}
}

func (e Events) failed(err error) {
	if e.OnFailed != nil {
		e.OnFailed(err)
	}
}

// Backend is one telephony provider leg. Implementations are not safe for
// concurrent mutation; the call session serializes access.
type Backend interface {
	Kind() Kind

	// Subscribe registers the event sink. Must be called before Connect or
	// Accept; later calls replace the sink.
	Subscribe(Events)

	// Connect opens an outgoing session to the bound destination using a
	// freshly fetched access token.
	Connect(ctx context.Context, token string) error

	// Accept answers the pending incoming invite.
	Accept(ctx context.Context) error

	// Reject declines the pending incoming invite.
	Reject(ctx context.Context) error

	// Hangup tears down an established or in-progress session.
	Hangup(ctx context.Context) error

	// SetMuted, SetOnHold and SendDigits return false when the operation is
	// unsupported in the session's current mode.
	SetMuted(muted bool) bool
	SetOnHold(hold bool) bool
	SendDigits(digits string) bool
}
