package voippush

import (
	"sync"

	"github.com/google/uuid"

	"github.com/voxline/voxline/internal/provider"
)

// RegistrationContext carries one reconciliation cycle's registration data
// from the push entry point to the call session orchestrator. It is scoped
// to a single incoming call; Consume hands the data over exactly once, so
// stale state never bleeds into an unrelated call.
type RegistrationContext struct {
	Provider *provider.Provider

	mu       sync.Mutex
	callID   uuid.UUID
	update   provider.CallUpdate
	origin   Origin
	consumed bool
}

// NewRegistrationContext creates a context for one announced call.
func NewRegistrationContext(p *provider.Provider, callID uuid.UUID, update provider.CallUpdate, origin Origin) *RegistrationContext {
	return &RegistrationContext{
		Provider: p,
		callID:   callID,
		update:   update,
		origin:   origin,
	}
}

// Consume returns the pending registration data and marks the context
// spent. The second return is false once the context has been consumed.
func (rc *RegistrationContext) Consume() (uuid.UUID, provider.CallUpdate, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.consumed {
		return uuid.Nil, provider.CallUpdate{}, false
	}
	rc.consumed = true
	return rc.callID, rc.update, true
}

// Origin reports which provider announced the call.
func (rc *RegistrationContext) Origin() Origin {
	return rc.origin
}
