// Package contacts resolves phone numbers to display names for inbound and
// outbound call presentation.
package contacts

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// Resolver looks up a display name for a phone number. Implementations must
// be safe for concurrent use. A false return means no match; callers fall
// back to showing the raw number.
type Resolver interface {
	LookupName(ctx context.Context, phone string) (string, bool)
}

// Static is an in-memory resolver backed by a fixed number-to-name map.
type Static struct {
	mu    sync.RWMutex
	names map[string]string
}

// NewStatic creates a resolver over a copy of the given map.
func NewStatic(names map[string]string) *Static {
	copied := make(map[string]string, len(names))
	for k, v := range names {
		copied[k] = v
	}
	return &Static{names: copied}
}

func (s *Static) LookupName(_ context.Context, phone string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	name, ok := s.names[phone]
	return name, ok && name != ""
}

// Add inserts or replaces an entry.
func (s *Static) Add(phone, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names[phone] = name
}

// HTTPResolver queries a contacts service. Lookup failures are treated as
// no-match so call presentation never blocks on the service.
type HTTPResolver struct {
	httpClient *http.Client
	baseURL    string
}

// NewHTTPResolver creates a resolver against the given contacts endpoint.
func NewHTTPResolver(baseURL string) *HTTPResolver {
	return &HTTPResolver{
		httpClient: &http.Client{Timeout: 3 * time.Second},
		baseURL:    baseURL,
	}
}

func (r *HTTPResolver) LookupName(ctx context.Context, phone string) (string, bool) {
	endpoint := fmt.Sprintf("%s/v1/contacts/lookup?phone=%s", r.baseURL, url.QueryEscape(phone))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", false
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", false
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return "", false
	}
	var out struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(body, &out); err != nil || out.Name == "" {
		return "", false
	}
	return out.Name, true
}
