package call

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/google/uuid"

	"github.com/voxline/voxline/internal/backend"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type mockBackend struct {
	kind       backend.Kind
	events     backend.Events
	connectErr error
	acceptErr  error

	connected  bool
	accepted   bool
	rejected   bool
	hungUp     bool
	lastToken  string
	muted      *bool
	held       *bool
	digits     string
	holdOK     bool
	digitsSent bool
}

func (m *mockBackend) Kind() backend.Kind         { return m.kind }
func (m *mockBackend) Subscribe(e backend.Events) { m.events = e }

func (m *mockBackend) Connect(_ context.Context, token string) error {
	m.connected = true
	m.lastToken = token
	return m.connectErr
}

func (m *mockBackend) Accept(context.Context) error {
	m.accepted = true
	return m.acceptErr
}

func (m *mockBackend) Reject(context.Context) error {
	m.rejected = true
	return nil
}

func (m *mockBackend) Hangup(context.Context) error {
	m.hungUp = true
	return nil
}

func (m *mockBackend) SetMuted(v bool) bool { m.muted = &v; return true }
func (m *mockBackend) SetOnHold(v bool) bool {
	if !m.holdOK {
		return false
	}
	m.held = &v
	return true
}
func (m *mockBackend) SendDigits(d string) bool {
	m.digits = d
	m.digitsSent = true
	return true
}

func TestOutgoingLifecycle(t *testing.T) {
	c := NewOutgoing("+15551234567", testLogger(), nil)
	bk := &mockBackend{kind: backend.KindCloud}
	c.Bind(bk)

	var seen []State
	cancel := c.Observe(func(s State) { seen = append(seen, s) })
	defer cancel()

	if err := c.Connect(context.Background(), "tok"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if c.State() != StateStart {
		t.Fatalf("state = %v, want start", c.State())
	}
	if bk.lastToken != "tok" {
		t.Errorf("backend token = %q", bk.lastToken)
	}
	if c.ConnectingAt().IsZero() {
		t.Error("connecting-at not set on connect")
	}

	bk.events.OnConnecting()
	bk.events.OnConnected()
	if c.State() != StateConnected {
		t.Fatalf("state = %v, want connected", c.State())
	}
	connectedAt := c.ConnectedAt()
	if connectedAt.IsZero() {
		t.Fatal("connected-at not set")
	}

	// Duplicate connected callback must not move the clock or the state.
	bk.events.OnConnected()
	if !c.ConnectedAt().Equal(connectedAt) {
		t.Error("connected-at changed on duplicate callback")
	}

	bk.events.OnEnded()
	if c.State() != StateEnded {
		t.Fatalf("state = %v, want ended", c.State())
	}

	want := []State{StateStart, StateConnecting, StateConnected, StateEnded}
	if len(seen) != len(want) {
		t.Fatalf("observed %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("observed %v, want %v", seen, want)
		}
	}
}

func TestLateCallbackDoesNotRegress(t *testing.T) {
	c := NewOutgoing("+15551234567", testLogger(), nil)
	bk := &mockBackend{kind: backend.KindSIP}
	c.Bind(bk)

	c.Advance(StateConnected)
	bk.events.OnConnecting()
	if c.State() != StateConnected {
		t.Fatalf("state = %v, late connecting callback regressed state", c.State())
	}
}

func TestFailAbsorbs(t *testing.T) {
	c := NewOutgoing("+15551234567", testLogger(), nil)
	cause := errors.New("ice timeout")
	c.Fail(cause)

	if c.State() != StateFailed {
		t.Fatalf("state = %v, want failed", c.State())
	}
	if !errors.Is(c.Failure(), cause) {
		t.Errorf("Failure() = %v, want cause", c.Failure())
	}
	if c.Advance(StateEnded) {
		t.Error("transition accepted after failed")
	}
	if c.EndedAt().IsZero() {
		t.Error("ended-at not set on failure")
	}
}

func TestDisconnectCallbackFiresOnce(t *testing.T) {
	c := NewOutgoing("+15551234567", testLogger(), nil)
	fired := 0
	c.OnDisconnect(func(error) { fired++ })

	c.Advance(StateEnded)
	c.Fail(errors.New("late"))
	if fired != 1 {
		t.Fatalf("disconnect callback fired %d times, want 1", fired)
	}
}

func TestAnswerRequiresPendingInvite(t *testing.T) {
	c := NewOutgoing("+15551234567", testLogger(), nil)
	c.Bind(&mockBackend{kind: backend.KindSIP})
	if err := c.Answer(context.Background()); !errors.Is(err, backend.ErrNoPendingInvite) {
		t.Fatalf("err = %v, want ErrNoPendingInvite", err)
	}
}

func TestAnswerIncoming(t *testing.T) {
	c := NewIncoming(uuid.New(), "+15550001111", testLogger(), nil)
	bk := &mockBackend{kind: backend.KindSIP}
	c.Bind(bk)

	if err := c.Answer(context.Background()); err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if !bk.accepted {
		t.Error("backend invite not accepted")
	}
	if c.State() != StateStart {
		t.Errorf("state = %v, want start", c.State())
	}
	if c.InvitePending() {
		t.Error("invite still pending after answer")
	}
}

func TestDisconnectPendingInviteRejects(t *testing.T) {
	c := NewIncoming(uuid.New(), "+15550001111", testLogger(), nil)
	bk := &mockBackend{kind: backend.KindSIP}
	c.Bind(bk)

	if err := c.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if !bk.rejected {
		t.Error("invite not rejected")
	}
	if bk.hungUp {
		t.Error("hangup issued for a pending invite")
	}
	if c.State() != StateEnded {
		t.Errorf("state = %v, want ended", c.State())
	}
}

func TestDisconnectActiveHangsUp(t *testing.T) {
	c := NewOutgoing("+15551234567", testLogger(), nil)
	bk := &mockBackend{kind: backend.KindCloud}
	c.Bind(bk)
	c.Advance(StateConnected)

	if err := c.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if !bk.hungUp {
		t.Error("hangup not issued")
	}
	if c.State() != StateEnding {
		t.Errorf("state = %v, want ending until backend confirms", c.State())
	}
	bk.events.OnEnded()
	if c.State() != StateEnded {
		t.Errorf("state = %v, want ended", c.State())
	}
}

func TestConnectWithoutBackend(t *testing.T) {
	c := NewOutgoing("+15551234567", testLogger(), nil)
	if err := c.Connect(context.Background(), "tok"); !errors.Is(err, backend.ErrBackendUndefined) {
		t.Fatalf("err = %v, want ErrBackendUndefined", err)
	}
}

func TestConnectFailureFailsSession(t *testing.T) {
	c := NewOutgoing("+15551234567", testLogger(), nil)
	bk := &mockBackend{kind: backend.KindCloud, connectErr: errors.New("dial refused")}
	c.Bind(bk)

	if err := c.Connect(context.Background(), "tok"); err == nil {
		t.Fatal("expected connect error")
	}
	if c.State() != StateFailed {
		t.Errorf("state = %v, want failed", c.State())
	}
}

func TestHoldUnsupportedReturnsFalse(t *testing.T) {
	c := NewOutgoing("+15551234567", testLogger(), nil)
	bk := &mockBackend{kind: backend.KindSIP, holdOK: false}
	c.Bind(bk)
	if c.SetOnHold(true) {
		t.Error("hold reported supported, want false")
	}
	if !c.SetMuted(true) {
		t.Error("mute rejected")
	}
	if !c.SendDigits("123#") {
		t.Error("digits rejected")
	}
	if bk.digits != "123#" {
		t.Errorf("digits = %q", bk.digits)
	}
}

func TestObserverCancellation(t *testing.T) {
	c := NewOutgoing("+15551234567", testLogger(), nil)
	calls := 0
	cancel := c.Observe(func(State) { calls++ })
	c.Advance(StateStart)
	cancel()
	c.Advance(StateConnecting)
	if calls != 1 {
		t.Fatalf("observer fired %d times after cancellation, want 1", calls)
	}
}

func TestDispatchFunnelsObservers(t *testing.T) {
	c := NewOutgoing("+15551234567", testLogger(), nil)
	bk := &mockBackend{kind: backend.KindCloud}
	c.Bind(bk)

	var queued []func()
	c.SetDispatch(func(fn func()) { queued = append(queued, fn) })

	bk.events.OnConnecting()
	if c.State() != StateNone {
		t.Fatalf("state mutated before dispatch ran")
	}
	for _, fn := range queued {
		fn()
	}
	if c.State() != StateConnecting {
		t.Fatalf("state = %v after dispatch, want connecting", c.State())
	}
}
