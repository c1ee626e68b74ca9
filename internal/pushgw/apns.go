package pushgw

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

const (
	apnsProductionURL = "https://api.push.apple.com"
	apnsSandboxURL    = "https://api.sandbox.push.apple.com"

	// Apple caps provider token lifetime at 60 minutes; reissue at 50 so an
	// in-flight request never carries an expired one.
	apnsTokenTTL = 50 * time.Minute
)

// APNsSender delivers VoIP pushes over the token-based APNs HTTP/2 API.
type APNsSender struct {
	client  *http.Client
	baseURL string
	topic   string // <bundle id>.voip

	signingKey *ecdsa.PrivateKey
	keyID      string
	teamID     string

	mu       sync.Mutex
	token    string
	tokenExp time.Time
}

// APNsConfig holds the configuration for creating an APNsSender.
type APNsConfig struct {
	// KeyFile is the path to the .p8 private key file from Apple.
	KeyFile string
	// KeyID is the 10-character key identifier from Apple.
	KeyID string
	// TeamID is the 10-character Apple Developer Team ID.
	TeamID string
	// BundleID is the app's bundle identifier; the VoIP topic derives from it.
	BundleID string
	// Sandbox uses the APNs sandbox environment instead of production.
	Sandbox bool
}

// NewAPNsSender creates an APNsSender from the given configuration.
func NewAPNsSender(cfg APNsConfig) (*APNsSender, error) {
	switch {
	case cfg.KeyFile == "":
		return nil, fmt.Errorf("apns: key file path is required")
	case cfg.KeyID == "":
		return nil, fmt.Errorf("apns: key id is required")
	case cfg.TeamID == "":
		return nil, fmt.Errorf("apns: team id is required")
	case cfg.BundleID == "":
		return nil, fmt.Errorf("apns: bundle id is required")
	}

	key, err := loadP8Key(cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("apns: %w", err)
	}

	baseURL := apnsProductionURL
	if cfg.Sandbox {
		baseURL = apnsSandboxURL
	}

	slog.Info("apns sender initialised", "key_id", cfg.KeyID, "team_id", cfg.TeamID, "topic", cfg.BundleID+".voip", "sandbox", cfg.Sandbox)

	return &APNsSender{
		client:     &http.Client{Timeout: 30 * time.Second},
		baseURL:    baseURL,
		topic:      cfg.BundleID + ".voip",
		signingKey: key,
		keyID:      cfg.KeyID,
		teamID:     cfg.TeamID,
	}, nil
}

// Send delivers a notification to the given APNs device token. VoIP pushes
// must be priority 10 on the .voip topic and carry the wire payload as the
// notification body verbatim, so the app's push handler sees the same keys
// an FCM device would.
func (a *APNsSender) Send(platform, token string, n Notification) error {
	if platform != "apns" {
		return fmt.Errorf("apns sender: unsupported platform %q", platform)
	}

	bearer, err := a.providerToken(time.Now())
	if err != nil {
		return fmt.Errorf("apns: provider token: %w", err)
	}

	body, err := json.Marshal(n.Data)
	if err != nil {
		return fmt.Errorf("apns: encoding payload: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, a.baseURL+"/3/device/"+token, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("apns: creating request: %w", err)
	}

	req.Header.Set("Authorization", "bearer "+bearer)
	req.Header.Set("apns-topic", a.topic)
	req.Header.Set("apns-push-type", "voip")
	req.Header.Set("apns-priority", "10")
	req.Header.Set("apns-expiration", "0")
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("apns: sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		slog.Debug("apns notification sent", "apns_id", resp.Header.Get("apns-id"))
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	var apnsErr apnsError
	if err := json.Unmarshal(respBody, &apnsErr); err == nil && apnsErr.Reason != "" {
		return fmt.Errorf("apns: %s (status %d)", apnsErr.Reason, resp.StatusCode)
	}

	return fmt.Errorf("apns: unexpected status %d: %s", resp.StatusCode, string(respBody))
}

// providerToken returns the cached JWT, minting a fresh one past the TTL.
func (a *APNsSender) providerToken(now time.Time) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.token != "" && now.Before(a.tokenExp) {
		return a.token, nil
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.RegisteredClaims{
		Issuer:   a.teamID,
		IssuedAt: jwt.NewNumericDate(now),
	})
	tok.Header["kid"] = a.keyID

	signed, err := tok.SignedString(a.signingKey)
	if err != nil {
		return "", fmt.Errorf("signing jwt: %w", err)
	}

	a.token = signed
	a.tokenExp = now.Add(apnsTokenTTL)

	return signed, nil
}

// apnsError is the JSON error body returned by APNs.
type apnsError struct {
	Reason    string `json:"reason"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// loadP8Key reads an Apple .p8 file (PEM-wrapped PKCS#8 ECDSA P-256 key).
func loadP8Key(path string) (*ecdsa.PrivateKey, error) {
	pemData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}

	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in key file")
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing PKCS8 key: %w", err)
	}

	ecKey, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key is not ECDSA")
	}

	return ecKey, nil
}
