package backend

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/google/uuid"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type eventSink struct {
	connecting int
	connected  int
	ended      int
	failed     []error
}

func (e *eventSink) events() Events {
	return Events{
		OnConnecting: func() { e.connecting++ },
		OnConnected:  func() { e.connected++ },
		OnEnded:      func() { e.ended++ },
		OnFailed:     func(err error) { e.failed = append(e.failed, err) },
	}
}

func TestCloudConnect(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]string{"call_sid": "CA123"})
	}))
	defer srv.Close()

	c := NewCloudClient(srv.URL, testLogger(), nil)
	s := c.Outgoing("+15551234567")
	sink := &eventSink{}
	s.Subscribe(sink.events())

	if err := s.Connect(context.Background(), "tok-1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if gotPath != "/v1/calls" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "Bearer tok-1" {
		t.Errorf("auth = %q", gotAuth)
	}
	if gotBody["to"] != "+15551234567" {
		t.Errorf("body = %v", gotBody)
	}
	if s.CallSID() != "CA123" {
		t.Errorf("call sid = %q", s.CallSID())
	}
	if sink.connecting != 1 {
		t.Errorf("connecting events = %d, want 1", sink.connecting)
	}
}

func TestCloudConnectRequiresToken(t *testing.T) {
	c := NewCloudClient("http://unused", testLogger(), nil)
	s := c.Outgoing("+15551234567")
	if err := s.Connect(context.Background(), ""); !errors.Is(err, ErrBackendUndefined) {
		t.Fatalf("err = %v, want ErrBackendUndefined", err)
	}
}

func TestCloudAcceptIncoming(t *testing.T) {
	id := uuid.New()
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewCloudClient(srv.URL, testLogger(), nil)
	s := c.Incoming(id, "tok")
	sink := &eventSink{}
	s.Subscribe(sink.events())

	if err := s.Accept(context.Background()); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if gotPath != "/v1/calls/"+id.String()+"/answer" {
		t.Errorf("path = %q", gotPath)
	}
	if sink.connected != 1 {
		t.Errorf("connected events = %d, want 1", sink.connected)
	}
	if err := s.Accept(context.Background()); !errors.Is(err, ErrNoPendingInvite) {
		t.Fatalf("second accept err = %v, want ErrNoPendingInvite", err)
	}
}

func TestCloudRejectOnlyWhilePending(t *testing.T) {
	c := NewCloudClient("http://unused", testLogger(), nil)
	s := c.Outgoing("+15551234567")
	if err := s.Reject(context.Background()); !errors.Is(err, ErrNoPendingInvite) {
		t.Fatalf("err = %v, want ErrNoPendingInvite", err)
	}
}

func TestCloudHangupWithoutLegReportsEnded(t *testing.T) {
	c := NewCloudClient("http://unused", testLogger(), nil)
	s := c.Outgoing("+15551234567")
	sink := &eventSink{}
	s.Subscribe(sink.events())

	if err := s.Hangup(context.Background()); err != nil {
		t.Fatalf("Hangup: %v", err)
	}
	if sink.ended != 1 {
		t.Errorf("ended events = %d, want 1", sink.ended)
	}
}

func TestCloudHandleEvent(t *testing.T) {
	for _, tc := range []struct {
		status string
		check  func(*eventSink) bool
	}{
		{"ringing", func(e *eventSink) bool { return e.connecting == 1 }},
		{"ACTIVE", func(e *eventSink) bool { return e.connected == 1 }},
		{"in-progress", func(e *eventSink) bool { return e.connected == 1 }},
		{"done", func(e *eventSink) bool { return e.ended == 1 }},
		{"busy", func(e *eventSink) bool { return len(e.failed) == 1 }},
		{"held", func(e *eventSink) bool { return e.connecting+e.connected+e.ended+len(e.failed) == 0 }},
		{"whatever", func(e *eventSink) bool { return e.connecting+e.connected+e.ended+len(e.failed) == 0 }},
	} {
		c := NewCloudClient("http://unused", testLogger(), nil)
		s := c.Outgoing("+15551234567")
		sink := &eventSink{}
		s.Subscribe(sink.events())
		s.HandleEvent(tc.status)
		if !tc.check(sink) {
			t.Errorf("status %q produced events %+v", tc.status, sink)
		}
	}
}

func TestCloudMuteFailureReturnsFalse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewCloudClient(srv.URL, testLogger(), nil)
	s := c.Incoming(uuid.New(), "tok")
	if s.SetMuted(true) {
		t.Error("SetMuted reported success on failing API")
	}
}
