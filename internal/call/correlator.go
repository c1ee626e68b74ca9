package call

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/voxline/voxline/internal/telemetry"
)

// Correlator is the socket companion for outgoing cloud calls. The cloud
// provider announces leg progress on a per-user channel before its SDK
// callbacks fire; matching the announced parent call SID to the local
// session lets the UI show connected as soon as the remote leg answers.
// Correlation is best effort: a socket failure degrades to provider
// callbacks alone.
type Correlator struct {
	logger *slog.Logger
	rec    *telemetry.Recorder

	mu       sync.Mutex
	conn     net.Conn
	closed   bool
	closeErr error
}

type channelMessage struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Ref     int             `json:"ref"`
	Payload json.RawMessage `json:"payload"`
}

type callUpdate struct {
	ParentCallSID string `json:"parent_call_sid"`
	Status        string `json:"status"`
}

// NewCorrelator creates an unconnected correlator.
func NewCorrelator(logger *slog.Logger, rec *telemetry.Recorder) *Correlator {
	return &Correlator{
		logger: logger.With("subsystem", "correlator"),
		rec:    rec,
	}
}

// Watch dials the socket, joins the user's dial channel, and invokes
// onConnected once when a leg matching parentSID reports in-progress. The
// receive loop re-arms after every message until Close or a read error.
func (c *Correlator) Watch(ctx context.Context, socketURL, userID, parentSID string, onConnected func()) error {
	conn, _, _, err := ws.Dial(ctx, socketURL)
	if err != nil {
		c.rec.RecordError("correlator", err)
		return fmt.Errorf("call: dialing correlation socket: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return nil
	}
	c.conn = conn
	c.mu.Unlock()

	join := channelMessage{
		Topic:   "dial:" + userID,
		Event:   "phx_join",
		Ref:     1,
		Payload: json.RawMessage(`{}`),
	}
	data, err := json.Marshal(join)
	if err != nil {
		c.Close()
		return fmt.Errorf("call: encoding join: %w", err)
	}
	if err := wsutil.WriteClientText(conn, data); err != nil {
		c.rec.RecordError("correlator", err)
		c.Close()
		return fmt.Errorf("call: joining dial channel: %w", err)
	}

	go c.receiveLoop(conn, parentSID, onConnected)
	return nil
}

func (c *Correlator) receiveLoop(conn net.Conn, parentSID string, onConnected func()) {
	fired := false
	for {
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				c.logger.Debug("correlation socket read ended", "error", err)
				c.rec.RecordError("correlator", err)
				c.Close()
			}
			return
		}

		var msg channelMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Debug("discarding unparseable channel message", "error", err)
			continue
		}
		if msg.Event != "call_update" {
			continue
		}
		var update callUpdate
		if err := json.Unmarshal(msg.Payload, &update); err != nil {
			continue
		}
		if fired || update.ParentCallSID != parentSID {
			continue
		}
		if update.Status == "in-progress" {
			fired = true
			c.logger.Debug("remote leg answered", "parent_call_sid", parentSID)
			onConnected()
		}
	}
}

// Close shuts the socket down. Safe to call multiple times and before
// Watch.
func (c *Correlator) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return c.closeErr
	}
	c.closed = true
	if c.conn != nil {
		c.closeErr = c.conn.Close()
	}
	return c.closeErr
}
