package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/voxline/voxline/internal/telemetry"
)

// CloudClient talks to the cloud provider's call-control API. Leg progress
// arrives out of band (push payloads and the correlation socket) and is fed
// into sessions through HandleEvent.
type CloudClient struct {
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger
	rec        *telemetry.Recorder
}

// NewCloudClient creates a call-control client against the given base URL.
func NewCloudClient(baseURL string, logger *slog.Logger, rec *telemetry.Recorder) *CloudClient {
	return &CloudClient{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		baseURL:    baseURL,
		logger:     logger.With("subsystem", "cloud"),
		rec:        rec,
	}
}

// Outgoing creates a session that will dial the given handle on Connect.
func (c *CloudClient) Outgoing(handle string) *CloudSession {
	return &CloudSession{
		client:      c,
		outgoing:    true,
		destination: handle,
		logger:      c.logger,
	}
}

// Incoming creates a session for a push-announced call. callID is the
// provider call identifier carried in the push metadata.
func (c *CloudClient) Incoming(callID uuid.UUID, token string) *CloudSession {
	return &CloudSession{
		client:  c,
		callSID: callID.String(),
		token:   token,
		pending: true,
		logger:  c.logger,
	}
}

func (c *CloudClient) do(ctx context.Context, method, path, token string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("backend: encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("backend: creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("backend: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("backend: reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("backend: %s %s returned status %d", method, path, resp.StatusCode)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("backend: decoding response: %w", err)
		}
	}
	return nil
}

// CloudSession is one call leg on the cloud provider. It implements
// Backend.
type CloudSession struct {
	client      *CloudClient
	logger      *slog.Logger
	outgoing    bool
	destination string

	events Events

	callSID string
	token   string
	pending bool
	muted   bool
	held    bool
}

func (s *CloudSession) Kind() Kind { return KindCloud }

func (s *CloudSession) Subscribe(e Events) { s.events = e }

// Connect creates the outgoing call with a fresh access token. Progress to
// connected is driven by HandleEvent, not by this request.
func (s *CloudSession) Connect(ctx context.Context, token string) error {
	if !s.outgoing {
		return fmt.Errorf("backend: connect on incoming session")
	}
	if token == "" {
		return ErrBackendUndefined
	}
	s.token = token

	var out struct {
		CallSID string `json:"call_sid"`
	}
	body := map[string]string{"to": s.destination}
	if err := s.client.do(ctx, http.MethodPost, "/v1/calls", token, body, &out); err != nil {
		s.client.rec.RecordError("cloud", err)
		return err
	}
	if out.CallSID == "" {
		return fmt.Errorf("backend: call create response missing call_sid")
	}
	s.callSID = out.CallSID
	s.logger.Debug("outgoing call created", "call_sid", s.callSID, "to", s.destination)
	s.events.connecting()
	return nil
}

// Accept answers the push-announced call.
func (s *CloudSession) Accept(ctx context.Context) error {
	if !s.pending {
		return ErrNoPendingInvite
	}
	s.pending = false
	if err := s.client.do(ctx, http.MethodPost, "/v1/calls/"+s.callSID+"/answer", s.token, nil, nil); err != nil {
		s.client.rec.RecordError("cloud", err)
		return err
	}
	s.events.connected()
	return nil
}

// Reject declines the push-announced call.
func (s *CloudSession) Reject(ctx context.Context) error {
	if !s.pending {
		return ErrNoPendingInvite
	}
	s.pending = false
	if err := s.client.do(ctx, http.MethodPost, "/v1/calls/"+s.callSID+"/reject", s.token, nil, nil); err != nil {
		s.client.rec.RecordError("cloud", err)
		return err
	}
	return nil
}

// Hangup ends the call leg. The done event from the provider completes the
// session; a transport error still reports ended so teardown never hangs.
func (s *CloudSession) Hangup(ctx context.Context) error {
	if s.callSID == "" {
		s.events.ended()
		return nil
	}
	if err := s.client.do(ctx, http.MethodPost, "/v1/calls/"+s.callSID+"/hangup", s.token, nil, nil); err != nil {
		s.client.rec.RecordError("cloud", err)
		s.events.ended()
		return err
	}
	return nil
}

func (s *CloudSession) SetMuted(muted bool) bool {
	if s.callSID == "" {
		return false
	}
	body := map[string]bool{"muted": muted}
	if err := s.client.do(context.Background(), http.MethodPost, "/v1/calls/"+s.callSID+"/mute", s.token, body, nil); err != nil {
		s.logger.Warn("mute request failed", "call_sid", s.callSID, "error", err)
		return false
	}
	s.muted = muted
	return true
}

// SetOnHold is supported in both directions on this provider.
func (s *CloudSession) SetOnHold(hold bool) bool {
	if s.callSID == "" {
		return false
	}
	body := map[string]bool{"hold": hold}
	if err := s.client.do(context.Background(), http.MethodPost, "/v1/calls/"+s.callSID+"/hold", s.token, body, nil); err != nil {
		s.logger.Warn("hold request failed", "call_sid", s.callSID, "error", err)
		return false
	}
	s.held = hold
	return true
}

func (s *CloudSession) SendDigits(digits string) bool {
	if s.callSID == "" {
		return false
	}
	body := map[string]string{"digits": digits}
	if err := s.client.do(context.Background(), http.MethodPost, "/v1/calls/"+s.callSID+"/dtmf", s.token, body, nil); err != nil {
		s.logger.Warn("dtmf request failed", "call_sid", s.callSID, "error", err)
		return false
	}
	return true
}

// CallSID returns the provider call identifier, empty before Connect.
func (s *CloudSession) CallSID() string { return s.callSID }

// HandleEvent maps a provider leg status to a session event. Unknown
// statuses are ignored; the monotonic state machine upstream absorbs
// duplicates and stale statuses.
func (s *CloudSession) HandleEvent(status string) {
	switch strings.ToLower(status) {
	case "new", "connecting", "ringing":
		s.events.connecting()
	case "active", "in-progress":
		s.events.connected()
	case "held":
		// Hold is a media-path change, not a lifecycle change.
	case "done", "completed", "canceled":
		s.events.ended()
	case "failed", "busy", "no-answer":
		s.events.failed(fmt.Errorf("backend: remote leg reported %s", strings.ToLower(status)))
	default:
		s.logger.Debug("ignoring unknown leg status", "status", status, "call_sid", s.callSID)
	}
}
