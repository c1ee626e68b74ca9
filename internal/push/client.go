// Package push is the device-side client for the push gateway: it keeps
// the device's token registered so incoming calls can wake the app.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/voxline/voxline/internal/backend"
)

// RegisterRequest is the payload sent to the gateway's POST /v1/devices
// endpoint.
type RegisterRequest struct {
	NumberID     int64  `json:"number_id"`
	PushToken    string `json:"push_token"`
	PushPlatform string `json:"push_platform"` // "fcm" or "apns"
	LineKind     string `json:"line_kind"`     // "sip" or "cloud"
}

// UnregisterRequest is the payload sent to DELETE /v1/devices.
type UnregisterRequest struct {
	PushToken string `json:"push_token"`
}

// envelope is the standard push gateway response wrapper.
type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error,omitempty"`
}

// Client is an HTTP client for the push gateway's device registry.
type Client struct {
	httpClient *http.Client
	baseURL    string
	platform   string
	numberID   int64
}

// NewClient creates a push gateway registry client. baseURL is the gateway
// endpoint; platform is the push transport this device receives on.
func NewClient(baseURL, platform string, numberID int64) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    baseURL,
		platform:   platform,
		numberID:   numberID,
	}
}

// Register stores the device token with the gateway so pushes for the
// number reach this device. kind selects which wire payload form the
// gateway builds for it.
func (c *Client) Register(ctx context.Context, token string, kind backend.Kind) error {
	req := RegisterRequest{
		NumberID:     c.numberID,
		PushToken:    token,
		PushPlatform: c.platform,
		LineKind:     string(kind),
	}
	if err := c.do(ctx, http.MethodPost, req); err != nil {
		return err
	}
	slog.Debug("push token registered", "number_id", c.numberID, "platform", c.platform)
	return nil
}

// Unregister removes the device token from the gateway.
func (c *Client) Unregister(ctx context.Context, token string) error {
	if err := c.do(ctx, http.MethodDelete, UnregisterRequest{PushToken: token}); err != nil {
		return err
	}
	slog.Debug("push token unregistered", "number_id", c.numberID)
	return nil
}

func (c *Client) do(ctx context.Context, method string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("push: marshalling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/v1/devices", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("push: creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("push: sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("push: reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var env envelope
		if json.Unmarshal(respBody, &env) == nil && env.Error != "" {
			return fmt.Errorf("push: gateway error (status %d): %s", resp.StatusCode, env.Error)
		}
		return fmt.Errorf("push: gateway returned status %d", resp.StatusCode)
	}
	return nil
}

// Configured returns true if the client has a base URL to talk to.
func (c *Client) Configured() bool {
	return c.baseURL != ""
}
