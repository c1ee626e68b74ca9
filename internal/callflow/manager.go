package callflow

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/voxline/voxline/internal/account"
	"github.com/voxline/voxline/internal/backend"
	"github.com/voxline/voxline/internal/call"
	"github.com/voxline/voxline/internal/contacts"
	"github.com/voxline/voxline/internal/flags"
	"github.com/voxline/voxline/internal/keystore"
	"github.com/voxline/voxline/internal/provider"
	"github.com/voxline/voxline/internal/telemetry"
	"github.com/voxline/voxline/internal/voippush"
)

// PermissionStatus is the recording permission state.
type PermissionStatus int

const (
	PermissionUndetermined PermissionStatus = iota
	PermissionGranted
	PermissionDenied
)

// MicrophonePermission models the recording permission gate. Request
// prompts the user and reports the outcome.
type MicrophonePermission interface {
	Status() PermissionStatus
	Request(ctx context.Context) bool
}

// PushRegistrar registers the device push token with the delivery gateway.
type PushRegistrar interface {
	Register(ctx context.Context, deviceToken string, kind backend.Kind) error
	Unregister(ctx context.Context, deviceToken string) error
}

// TokenStore is the slice of the credential store the manager needs.
type TokenStore interface {
	PushToken() (string, error)
	SetPushToken(token string) error
}

// AccessTokens fetches per-line access tokens.
type AccessTokens interface {
	AccessToken(ctx context.Context, numberID int64) (account.AccessData, error)
}

// ManagerOptions wires the manager's collaborators. SIP and Cloud may each
// be nil when the line's provider kind never uses them.
type ManagerOptions struct {
	Account  AccessTokens
	Tokens   TokenStore
	Flow     *Flow
	Provider *provider.Provider
	SIP      *backend.SIPClient
	Cloud    *backend.CloudClient
	Contacts contacts.Resolver
	Flags    *flags.Flags
	Mic      MicrophonePermission
	PushReg  PushRegistrar

	NumberID   int64
	LineKind   backend.Kind
	LineActive bool
	UserID     string
	SocketURL  string

	Dispatch func(func())
	Logger   *slog.Logger
	Recorder *telemetry.Recorder
}

// Manager is the top-level call coordinator: it starts outgoing calls,
// adopts push-announced incoming ones, and owns the backend clients.
type Manager struct {
	account  AccessTokens
	tokens   TokenStore
	flow     *Flow
	prov     *provider.Provider
	sip      *backend.SIPClient
	cloud    *backend.CloudClient
	contacts contacts.Resolver
	flags    *flags.Flags
	mic      MicrophonePermission
	pushReg  PushRegistrar

	numberID   int64
	lineKind   backend.Kind
	lineActive bool
	userID     string
	socketURL  string

	dispatch func(func())
	logger   *slog.Logger
	rec      *telemetry.Recorder
}

// NewManager creates the coordinator and hooks the SIP invite listener.
func NewManager(opts ManagerOptions) *Manager {
	m := &Manager{
		account:    opts.Account,
		tokens:     opts.Tokens,
		flow:       opts.Flow,
		prov:       opts.Provider,
		sip:        opts.SIP,
		cloud:      opts.Cloud,
		contacts:   opts.Contacts,
		flags:      opts.Flags,
		mic:        opts.Mic,
		pushReg:    opts.PushReg,
		numberID:   opts.NumberID,
		lineKind:   opts.LineKind,
		lineActive: opts.LineActive,
		userID:     opts.UserID,
		socketURL:  opts.SocketURL,
		dispatch:   opts.Dispatch,
		logger:     opts.Logger.With("subsystem", "manager"),
		rec:        opts.Recorder,
	}
	if m.sip != nil {
		m.sip.OnIncoming(m.handleSIPInvite)
	}
	return m
}

// AttachGateway wires push reconciliation into the manager: announced
// calls become incoming sessions, and the legacy subtype handler attaches
// so buffered payloads replay.
func (m *Manager) AttachGateway(gw *voippush.Gateway) {
	gw.OnIncoming(m.handleIncoming)
	gw.AttachSIPHandler(gw.HandleSIPMessage)
}

// SetLineActive flips the line's availability for new outgoing calls.
func (m *Manager) SetLineActive(active bool) {
	m.lineActive = active
}

// Dial starts an outgoing call to handle. The microphone permission gate
// runs first: denial aborts, an undetermined state prompts once and
// retries. Inactive lines and live calls reject before anything reaches
// the platform.
func (m *Manager) Dial(ctx context.Context, handle string) (*Session, error) {
	if !m.lineActive {
		return nil, ErrInactiveNumber
	}
	if err := m.checkMicrophone(ctx); err != nil {
		return nil, err
	}

	c := call.NewOutgoing(handle, m.logger, m.rec)
	c.SetDispatch(m.dispatch)
	s := NewSession(c, m.prov, m, m.flags, m.logger, m.rec)

	if err := m.flow.Start(s); err != nil {
		return nil, err
	}

	m.enrichDisplayName(s)

	if err := s.RequestStart(ctx); err != nil {
		m.rec.RecordError("manager", err)
		m.flow.Abort(s)
		return nil, err
	}
	return s, nil
}

func (m *Manager) checkMicrophone(ctx context.Context) error {
	if m.mic == nil {
		return nil
	}
	switch m.mic.Status() {
	case PermissionGranted:
		return nil
	case PermissionDenied:
		m.rec.RecordError("manager", ErrNoMicrophoneAccess)
		return ErrNoMicrophoneAccess
	default:
		// A single prompt, then one retry of the gate.
		if m.mic.Request(ctx) {
			return nil
		}
		m.rec.RecordError("manager", ErrNoMicrophoneAccess)
		return ErrNoMicrophoneAccess
	}
}

// enrichDisplayName resolves the contact name off the hot path; the call
// proceeds with the raw number until the lookup lands.
func (m *Manager) enrichDisplayName(s *Session) {
	if m.contacts == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		name, ok := m.contacts.LookupName(ctx, s.Call.Handle)
		if !ok {
			return
		}
		run := m.dispatch
		if run == nil {
			run = func(fn func()) { fn() }
		}
		run(func() {
			s.Call.DisplayName = name
			m.prov.UpdateCall(s.Call.ID, provider.CallUpdate{
				Handle:       s.Call.Handle,
				DisplayName:  name,
				SupportsHold: m.lineKind == backend.KindCloud,
				SupportsDTMF: true,
			})
		})
	}()
}

// handleIncoming adopts a push-announced call as the live session.
func (m *Manager) handleIncoming(rc *voippush.RegistrationContext) {
	id, update, ok := rc.Consume()
	if !ok {
		m.logger.Warn("registration context already consumed")
		return
	}

	c := call.NewIncoming(id, update.Handle, m.logger, m.rec)
	c.DisplayName = update.DisplayName
	c.SetDispatch(m.dispatch)
	s := NewSession(c, rc.Provider, m, m.flags, m.logger, m.rec)

	if err := m.flow.Start(s); err != nil {
		m.logger.Warn("incoming call rejected", "call_id", id, "error", err)
		m.rec.RecordError("manager", err)
		rc.Provider.Close(id, provider.ReasonFailed)
		return
	}
}

// sipRegistrationExpiry is the Expires value requested on each REGISTER;
// the registrar may grant less.
const sipRegistrationExpiry = 300

// MaintainRegistration keeps a SIP line registered with the provider edge
// so incoming invites reach this device. Credentials are fetched fresh for
// every REGISTER cycle. It blocks until ctx is cancelled and is a no-op
// for non-SIP lines.
func (m *Manager) MaintainRegistration(ctx context.Context) {
	if m.lineKind != backend.KindSIP || m.sip == nil {
		return
	}
	m.logger.Info("maintaining sip registration", "number_id", m.numberID)
	m.sip.RunRegistration(ctx, m.sipCredentials, sipRegistrationExpiry)
}

// sipCredentials fetches the line's digest credential pair. Single use, per
// the token policy.
func (m *Manager) sipCredentials(ctx context.Context) (backend.SIPCredentials, error) {
	data, err := m.account.AccessToken(ctx, m.numberID)
	if err != nil {
		m.rec.RecordError("manager", err)
		return backend.SIPCredentials{}, err
	}
	if data.Data == nil {
		return backend.SIPCredentials{}, backend.ErrBackendUndefined
	}
	return backend.SIPCredentials{
		Username: data.Data.Username,
		Password: data.Data.Password,
	}, nil
}

// handleSIPInvite binds an arriving SIP invite to the waiting push-created
// session. An invite with no waiting session is declined; call setup is
// push-first on this device.
func (m *Manager) handleSIPInvite(ss *backend.SIPSession) {
	active := m.flow.Active()
	if active == nil || active.Call.Outgoing || active.Call.Backend() != nil {
		m.logger.Warn("unexpected sip invite, declining", "sip_call_id", ss.CallID())
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := ss.Reject(ctx); err != nil {
			m.logger.Debug("declining stray invite failed", "error", err)
		}
		return
	}
	active.Call.Bind(ss)
	m.logger.Info("sip invite bound to session", "call_id", active.Call.ID, "sip_call_id", ss.CallID())
}

// Connect opens the outgoing backend leg with a freshly fetched access
// token. Tokens are single use; nothing here caches them.
func (m *Manager) Connect(ctx context.Context, s *Session) error {
	data, err := m.account.AccessToken(ctx, m.numberID)
	if err != nil {
		m.rec.RecordError("manager", err)
		return err
	}

	switch m.lineKind {
	case backend.KindSIP:
		if data.Data == nil {
			m.rec.RecordError("manager", backend.ErrBackendUndefined)
			return backend.ErrBackendUndefined
		}
		creds := backend.SIPCredentials{
			Username: data.Data.Username,
			Password: data.Data.Password,
		}
		if _, err := m.sip.Register(ctx, creds, sipRegistrationExpiry); err != nil {
			m.rec.RecordError("manager", err)
			return err
		}
		s.Call.Bind(m.sip.Outgoing(s.Call.Handle))
		return s.Call.Connect(ctx, data.Token)

	case backend.KindCloud:
		cs := m.cloud.Outgoing(s.Call.Handle)
		s.Call.Bind(cs)
		if err := s.Call.Connect(ctx, data.Token); err != nil {
			return err
		}
		m.watchLeg(ctx, s, cs)
		return nil

	default:
		m.rec.RecordError("manager", backend.ErrBackendUndefined)
		return backend.ErrBackendUndefined
	}
}

// watchLeg arms the correlation socket for an outgoing cloud leg. Failure
// degrades to provider callbacks alone; the call keeps going.
func (m *Manager) watchLeg(ctx context.Context, s *Session, cs *backend.CloudSession) {
	if m.socketURL == "" {
		return
	}
	cor := call.NewCorrelator(m.logger, m.rec)
	err := cor.Watch(ctx, m.socketURL, m.userID, cs.CallSID(), func() {
		cs.HandleEvent("in-progress")
	})
	if err != nil {
		m.logger.Warn("correlation socket unavailable, relying on provider callbacks", "error", err)
		return
	}
	s.AddCloser(cor)
}

// PrepareAnswer binds the backend leg of an incoming session if the push
// arrived before the leg did. SIP invites bind on arrival; a cloud session
// is constructed here with a fresh token.
func (m *Manager) PrepareAnswer(ctx context.Context, s *Session) error {
	if s.Call.Backend() != nil {
		return nil
	}

	switch m.lineKind {
	case backend.KindCloud:
		data, err := m.account.AccessToken(ctx, m.numberID)
		if err != nil {
			m.rec.RecordError("manager", err)
			return err
		}
		s.Call.Bind(m.cloud.Incoming(s.Call.ID, data.Token))
		return nil
	case backend.KindSIP:
		// The invite never arrived; nothing to answer yet.
		return backend.ErrNoPendingInvite
	default:
		return backend.ErrBackendUndefined
	}
}

// RegisterPush stores the device push token and registers it with the
// delivery gateway for this line's provider kind.
func (m *Manager) RegisterPush(ctx context.Context, deviceToken string) error {
	if err := m.tokens.SetPushToken(deviceToken); err != nil {
		return err
	}
	if m.pushReg == nil {
		return nil
	}
	if err := m.pushReg.Register(ctx, deviceToken, m.lineKind); err != nil {
		m.rec.RecordError("manager", err)
		return err
	}
	m.logger.Info("push token registered", "kind", m.lineKind)
	return nil
}

// UnregisterPush removes the stored token and the gateway registration.
func (m *Manager) UnregisterPush(ctx context.Context) error {
	token, err := m.tokens.PushToken()
	if err != nil && !errors.Is(err, keystore.ErrNotFound) {
		return err
	}
	if m.pushReg != nil && token != "" {
		if err := m.pushReg.Unregister(ctx, token); err != nil {
			m.rec.RecordError("manager", err)
			return err
		}
	}
	return m.tokens.SetPushToken("")
}
