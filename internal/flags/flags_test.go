package flags

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"
)

func TestShortCallFlagReads(t *testing.T) {
	f := Static(Snapshot{ShortCallRestriction: true, ShortCallDurationSecs: 10})

	if !f.ShortCallRestriction() {
		t.Error("ShortCallRestriction() = false, want true")
	}
	if f.ShortCallDuration() != 10*time.Second {
		t.Errorf("ShortCallDuration() = %s, want 10s", f.ShortCallDuration())
	}
}

func TestRefreshFromHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"short_call_restriction":true,"short_call_duration":7}`))
	}))
	defer srv.Close()

	f := New(srv.URL, testLogger())
	if err := f.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}

	if !f.ShortCallRestriction() {
		t.Error("ShortCallRestriction() = false after refresh, want true")
	}
	if f.ShortCallDuration() != 7*time.Second {
		t.Errorf("ShortCallDuration() = %s, want 7s", f.ShortCallDuration())
	}
}

func TestRefreshKeepsSnapshotOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := New(srv.URL, testLogger())
	f.Set(Snapshot{ShortCallRestriction: true})

	if err := f.Refresh(context.Background()); err == nil {
		t.Fatal("expected error from failing refresh")
	}
	if !f.ShortCallRestriction() {
		t.Error("failed refresh should keep the previous snapshot")
	}
}

func TestQuietHours(t *testing.T) {
	tests := []struct {
		name     string
		from, to string
		now      string
		want     bool
	}{
		{"inside simple window", "09:00", "17:00", "12:30", true},
		{"outside simple window", "09:00", "17:00", "18:00", false},
		{"wraps midnight, before midnight", "22:00", "07:30", "23:15", true},
		{"wraps midnight, after midnight", "22:00", "07:30", "06:00", true},
		{"wraps midnight, daytime", "22:00", "07:30", "12:00", false},
		{"no window configured", "", "", "12:00", false},
		{"malformed bound", "2200", "07:30", "23:15", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := Static(Snapshot{QuietFrom: tt.from, QuietTo: tt.to})

			now, err := time.Parse("15:04", tt.now)
			if err != nil {
				t.Fatalf("bad test clock: %v", err)
			}
			if got := f.InQuietHours(now); got != tt.want {
				t.Errorf("InQuietHours(%s) = %v, want %v", tt.now, got, tt.want)
			}
		})
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}
