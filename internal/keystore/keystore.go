// Package keystore is the secure credential store for the calling agent:
// session bearer token, device push token and the SIP credential pair,
// namespaced by bundle identity. Values are sealed with AES-256-GCM under a
// key derived from a device secret before they touch disk.
package keystore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when no value is stored under the requested key.
var ErrNotFound = errors.New("keystore: value not found")

// SIPCredentials is the credential pair for the SIP provider. The JSON shape
// matches the account service's canonical credential schema.
type SIPCredentials struct {
	Username string `json:"sip_username"`
	Password string `json:"sip_password"`
}

// entry key suffixes, namespaced by bundle identity on access.
const (
	keyUserToken = "user.token"
	keyPushToken = "push.token"
	keySIPCreds  = "sip.credentials"
)

// Store is a SQLite-backed credential store.
type Store struct {
	db       *sql.DB
	sealer   *Sealer // nil means plaintext storage
	bundleID string
}

// Open creates or opens the keystore database under dataDir. If secret is
// non-empty, stored values are sealed with a key derived from it; an empty
// secret stores values in plaintext (development mode).
func Open(dataDir, bundleID, secret string) (*Store, error) {
	if bundleID == "" {
		return nil, fmt.Errorf("keystore: bundle id is required")
	}

	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "keystore.db")
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)", dbPath)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening keystore: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging keystore: %w", err)
	}

	// SQLite performs best with a single writer connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS keystore (
		k          TEXT PRIMARY KEY,
		v          BLOB NOT NULL,
		updated_at DATETIME DEFAULT (datetime('now'))
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating keystore table: %w", err)
	}

	s := &Store{db: db, bundleID: bundleID}

	if secret != "" {
		sealer, err := NewSealer(secret, bundleID)
		if err != nil {
			db.Close()
			return nil, err
		}
		s.sealer = sealer
	} else {
		slog.Warn("no key secret configured, credentials will be stored in plaintext")
	}

	slog.Info("keystore opened", "path", dbPath, "sealed", s.sealer != nil)
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// key returns the full bundle-namespaced storage key.
func (s *Store) key(suffix string) string {
	return s.bundleID + "." + suffix
}

func (s *Store) get(suffix string) ([]byte, error) {
	var v []byte
	err := s.db.QueryRow("SELECT v FROM keystore WHERE k = ?", s.key(suffix)).Scan(&v)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading keystore entry: %w", err)
	}
	if s.sealer != nil {
		return s.sealer.Open(v)
	}
	return v, nil
}

func (s *Store) set(suffix string, v []byte) error {
	if v == nil {
		_, err := s.db.Exec("DELETE FROM keystore WHERE k = ?", s.key(suffix))
		if err != nil {
			return fmt.Errorf("deleting keystore entry: %w", err)
		}
		return nil
	}
	if s.sealer != nil {
		sealed, err := s.sealer.Seal(v)
		if err != nil {
			return err
		}
		v = sealed
	}
	_, err := s.db.Exec(`INSERT INTO keystore (k, v, updated_at) VALUES (?, ?, datetime('now'))
		ON CONFLICT(k) DO UPDATE SET v = excluded.v, updated_at = excluded.updated_at`,
		s.key(suffix), v)
	if err != nil {
		return fmt.Errorf("writing keystore entry: %w", err)
	}
	return nil
}

// UserToken returns the stored session bearer token.
func (s *Store) UserToken() (string, error) {
	v, err := s.get(keyUserToken)
	if err != nil {
		return "", err
	}
	return string(v), nil
}

// SetUserToken stores the session bearer token. An empty token removes the
// stored value.
func (s *Store) SetUserToken(token string) error {
	if token == "" {
		return s.set(keyUserToken, nil)
	}
	return s.set(keyUserToken, []byte(token))
}

// PushToken returns the stored device push token.
func (s *Store) PushToken() (string, error) {
	v, err := s.get(keyPushToken)
	if err != nil {
		return "", err
	}
	return string(v), nil
}

// SetPushToken stores the device push token. An empty token removes the
// stored value.
func (s *Store) SetPushToken(token string) error {
	if token == "" {
		return s.set(keyPushToken, nil)
	}
	return s.set(keyPushToken, []byte(token))
}

// SIPCredentials returns the stored SIP credential pair.
func (s *Store) SIPCredentials() (SIPCredentials, error) {
	v, err := s.get(keySIPCreds)
	if err != nil {
		return SIPCredentials{}, err
	}
	var creds SIPCredentials
	if err := json.Unmarshal(v, &creds); err != nil {
		return SIPCredentials{}, fmt.Errorf("decoding sip credentials: %w", err)
	}
	return creds, nil
}

// SetSIPCredentials stores the SIP credential pair.
func (s *Store) SetSIPCredentials(creds SIPCredentials) error {
	v, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("encoding sip credentials: %w", err)
	}
	return s.set(keySIPCreds, v)
}

// ClearSIPCredentials removes the stored SIP credential pair.
func (s *Store) ClearSIPCredentials() error {
	return s.set(keySIPCreds, nil)
}
