// Package account is the narrow client for the external account service:
// per-line access-token fetch for backend registration and connect. Tokens
// are requested fresh per use and never cached here.
package account

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// ErrTokenExpired is returned when the account service hands back an access
// token that is already past its expiry.
var ErrTokenExpired = errors.New("account: access token already expired")

// ErrNoCredentials is returned when a SIP-line token response carries no
// embedded credential pair.
var ErrNoCredentials = errors.New("account: response missing sip credentials")

// SIPCredentials is the credential pair embedded in SIP-line token
// responses.
type SIPCredentials struct {
	Username string `json:"sip_username"`
	Password string `json:"sip_password"`
}

// AccessData is the access-token response for one phone line. Data is only
// present for SIP-provider lines.
type AccessData struct {
	Token string          `json:"token"`
	Data  *SIPCredentials `json:"data,omitempty"`
}

// TokenSource provides the session bearer token used to authenticate with
// the account service. Implemented by the keystore.
type TokenSource interface {
	UserToken() (string, error)
}

// Client is an HTTP client for the account service.
type Client struct {
	httpClient *http.Client
	baseURL    string
	tokens     TokenSource
	logger     *slog.Logger
}

// NewClient creates an account service client. baseURL is the service
// endpoint (e.g. "https://api.voxline.app").
func NewClient(baseURL string, tokens TokenSource, logger *slog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    baseURL,
		tokens:     tokens,
		logger:     logger.With("subsystem", "account"),
	}
}

// AccessToken fetches a fresh call access token for the given phone line.
// The response is valid for a single registration or connect attempt.
func (c *Client) AccessToken(ctx context.Context, numberID int64) (AccessData, error) {
	userToken, err := c.tokens.UserToken()
	if err != nil {
		return AccessData{}, fmt.Errorf("account: loading session token: %w", err)
	}

	url := fmt.Sprintf("%s/v1/numbers/%d/access_token", c.baseURL, numberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(nil))
	if err != nil {
		return AccessData{}, fmt.Errorf("account: creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+userToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return AccessData{}, fmt.Errorf("account: fetching access token: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return AccessData{}, fmt.Errorf("account: reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return AccessData{}, fmt.Errorf("account: access token request failed with status %d", resp.StatusCode)
	}

	var data AccessData
	if err := json.Unmarshal(body, &data); err != nil {
		return AccessData{}, fmt.Errorf("account: decoding response: %w", err)
	}
	if data.Token == "" {
		return AccessData{}, fmt.Errorf("account: response missing token")
	}

	// Reject tokens that are already expired rather than failing later in
	// the middle of a connect attempt. Signature verification is the
	// backend's job; only the expiry claim is inspected here.
	if err := checkExpiry(data.Token); err != nil {
		return AccessData{}, err
	}

	c.logger.Debug("access token fetched", "number_id", numberID, "sip_credentials", data.Data != nil)
	return data, nil
}

// checkExpiry parses the token without verifying its signature and returns
// ErrTokenExpired if the exp claim is in the past. Opaque (non-JWT) tokens
// pass through untouched.
func checkExpiry(token string) error {
	var claims jwt.RegisteredClaims
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, &claims); err != nil {
		return nil
	}
	if claims.ExpiresAt != nil && claims.ExpiresAt.Before(time.Now()) {
		return ErrTokenExpired
	}
	return nil
}
