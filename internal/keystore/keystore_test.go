package keystore

import (
	"bytes"
	"database/sql"
	"errors"
	"testing"
)

func openTestStore(t *testing.T, secret string) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), "com.voxline.test", secret)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUserTokenRoundtrip(t *testing.T) {
	s := openTestStore(t, "device-secret")

	if _, err := s.UserToken(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("UserToken() on empty store = %v, want ErrNotFound", err)
	}

	if err := s.SetUserToken("bearer-abc123"); err != nil {
		t.Fatalf("SetUserToken() error: %v", err)
	}

	tok, err := s.UserToken()
	if err != nil {
		t.Fatalf("UserToken() error: %v", err)
	}
	if tok != "bearer-abc123" {
		t.Errorf("UserToken() = %q, want %q", tok, "bearer-abc123")
	}

	// Empty token removes the entry.
	if err := s.SetUserToken(""); err != nil {
		t.Fatalf("SetUserToken(\"\") error: %v", err)
	}
	if _, err := s.UserToken(); !errors.Is(err, ErrNotFound) {
		t.Errorf("UserToken() after clear = %v, want ErrNotFound", err)
	}
}

func TestSIPCredentialsRoundtrip(t *testing.T) {
	s := openTestStore(t, "device-secret")

	creds := SIPCredentials{Username: "line-42", Password: "hunter2"}
	if err := s.SetSIPCredentials(creds); err != nil {
		t.Fatalf("SetSIPCredentials() error: %v", err)
	}

	got, err := s.SIPCredentials()
	if err != nil {
		t.Fatalf("SIPCredentials() error: %v", err)
	}
	if got != creds {
		t.Errorf("SIPCredentials() = %+v, want %+v", got, creds)
	}

	if err := s.ClearSIPCredentials(); err != nil {
		t.Fatalf("ClearSIPCredentials() error: %v", err)
	}
	if _, err := s.SIPCredentials(); !errors.Is(err, ErrNotFound) {
		t.Errorf("SIPCredentials() after clear = %v, want ErrNotFound", err)
	}
}

func TestSealedValuesNotPlaintextOnDisk(t *testing.T) {
	s := openTestStore(t, "device-secret")

	if err := s.SetUserToken("super-secret-token"); err != nil {
		t.Fatalf("SetUserToken() error: %v", err)
	}

	var raw []byte
	err := s.db.QueryRow("SELECT v FROM keystore WHERE k = ?", s.key(keyUserToken)).Scan(&raw)
	if err != nil && err != sql.ErrNoRows {
		t.Fatalf("reading raw row: %v", err)
	}
	if bytes.Contains(raw, []byte("super-secret-token")) {
		t.Error("stored value contains plaintext token")
	}
}

func TestSealerRoundtrip(t *testing.T) {
	sealer, err := NewSealer("secret", "com.voxline.test")
	if err != nil {
		t.Fatalf("NewSealer() error: %v", err)
	}

	plaintext := []byte("credential material")
	sealed, err := sealer.Seal(plaintext)
	if err != nil {
		t.Fatalf("Seal() error: %v", err)
	}
	if bytes.Equal(sealed, plaintext) {
		t.Error("sealed value should differ from plaintext")
	}

	opened, err := sealer.Open(sealed)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Errorf("Open() = %q, want %q", opened, plaintext)
	}
}

func TestSealerRejectsTamperedValue(t *testing.T) {
	sealer, err := NewSealer("secret", "com.voxline.test")
	if err != nil {
		t.Fatalf("NewSealer() error: %v", err)
	}

	sealed, err := sealer.Seal([]byte("payload"))
	if err != nil {
		t.Fatalf("Seal() error: %v", err)
	}
	sealed[len(sealed)-1] ^= 0xff

	if _, err := sealer.Open(sealed); err == nil {
		t.Fatal("expected error opening tampered value")
	}
}
