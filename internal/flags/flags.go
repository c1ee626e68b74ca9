// Package flags exposes remote feature flags read synchronously at
// decision points in the call path. Flags are refreshed in the background
// from an HTTP document; reads always serve the last good snapshot.
package flags

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Snapshot is one decoded flag document.
type Snapshot struct {
	// ShortCallRestriction enables short-call end suppression.
	ShortCallRestriction bool `json:"short_call_restriction"`

	// ShortCallDurationSecs is the connected-duration threshold, in seconds,
	// below which end requests are dropped while the restriction is on.
	ShortCallDurationSecs int `json:"short_call_duration"`

	// QuietFrom and QuietTo bound the do-not-disturb window ("HH:MM",
	// 24-hour clock). Both empty disables the window.
	QuietFrom string `json:"quiet_from"`
	QuietTo   string `json:"quiet_to"`
}

// Flags serves flag reads over the last fetched snapshot.
type Flags struct {
	client *http.Client
	url    string
	logger *slog.Logger

	mu   sync.RWMutex
	snap Snapshot
}

// New creates a Flags reader backed by the document at url. An empty url
// disables refresh; reads serve the zero snapshot until Set is called.
func New(url string, logger *slog.Logger) *Flags {
	return &Flags{
		client: &http.Client{Timeout: 10 * time.Second},
		url:    url,
		logger: logger.With("subsystem", "flags"),
	}
}

// Static returns a Flags reader serving a fixed snapshot. Used by tests and
// by deployments without a remote flag source.
func Static(snap Snapshot) *Flags {
	return &Flags{snap: snap, logger: slog.Default()}
}

// Set replaces the current snapshot.
func (f *Flags) Set(snap Snapshot) {
	f.mu.Lock()
	f.snap = snap
	f.mu.Unlock()
}

// Refresh fetches the flag document once. The previous snapshot is kept on
// any failure.
func (f *Flags) Refresh(ctx context.Context) error {
	if f.url == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return fmt.Errorf("flags: creating request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("flags: fetching document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("flags: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("flags: reading document: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return fmt.Errorf("flags: decoding document: %w", err)
	}

	f.Set(snap)
	f.logger.Debug("flags refreshed",
		"short_call_restriction", snap.ShortCallRestriction,
		"short_call_duration", snap.ShortCallDurationSecs,
	)
	return nil
}

// RefreshLoop refreshes the flag document every interval until ctx is done.
func (f *Flags) RefreshLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.Refresh(ctx); err != nil {
				f.logger.Warn("flag refresh failed", "error", err)
			}
		}
	}
}

// ShortCallRestriction reports whether short-call end suppression is on.
func (f *Flags) ShortCallRestriction() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.snap.ShortCallRestriction
}

// ShortCallDuration returns the short-call suppression threshold.
func (f *Flags) ShortCallDuration() time.Duration {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return time.Duration(f.snap.ShortCallDurationSecs) * time.Second
}

// InQuietHours reports whether now falls inside the configured
// do-not-disturb window. Windows may wrap midnight ("22:00"–"07:30").
func (f *Flags) InQuietHours(now time.Time) bool {
	f.mu.RLock()
	from, to := f.snap.QuietFrom, f.snap.QuietTo
	f.mu.RUnlock()

	if from == "" || to == "" {
		return false
	}

	fromMin, ok := parseClock(from)
	if !ok {
		return false
	}
	toMin, ok := parseClock(to)
	if !ok {
		return false
	}

	nowMin := now.Hour()*60 + now.Minute()
	if fromMin <= toMin {
		return nowMin >= fromMin && nowMin <= toMin
	}
	// Window wraps midnight.
	return nowMin >= fromMin || nowMin <= toMin
}

// parseClock parses "HH:MM" into minutes since midnight.
func parseClock(s string) (int, bool) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, false
	}
	return t.Hour()*60 + t.Minute(), true
}
