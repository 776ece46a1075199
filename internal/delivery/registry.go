package delivery

import (
	"sync"
	"time"
)

// RegistryEntry is one online identity's in-memory record.
type RegistryEntry struct {
	ConnectionID string
	Profile      ProfileSnapshot
	LastSeen     time.Time
}

// OnlineRegistry tracks which identities currently have at least one live
// connection. The hub goroutine is its single writer; reads may come from
// anywhere.
type OnlineRegistry struct {
	mu      sync.RWMutex
	entries map[string]*RegistryEntry
}

// NewOnlineRegistry creates an empty registry.
func NewOnlineRegistry() *OnlineRegistry {
	return &OnlineRegistry{entries: make(map[string]*RegistryEntry)}
}

func (r *OnlineRegistry) set(loginID string, e *RegistryEntry) {
	r.mu.Lock()
	r.entries[loginID] = e
	r.mu.Unlock()
}

func (r *OnlineRegistry) remove(loginID string) {
	r.mu.Lock()
	delete(r.entries, loginID)
	r.mu.Unlock()
}

func (r *OnlineRegistry) updateStatus(loginID, status, statusText string) {
	r.mu.Lock()
	if e, ok := r.entries[loginID]; ok {
		e.Profile.Status = status
		e.Profile.StatusText = statusText
		e.LastSeen = time.Now()
	}
	r.mu.Unlock()
}

// IsOnline reports whether the identity has a live connection.
func (r *OnlineRegistry) IsOnline(loginID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[loginID]
	return ok
}

// Count returns the number of online identities.
func (r *OnlineRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Snapshot returns the current online profiles.
func (r *OnlineRegistry) Snapshot() []ProfileSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ProfileSnapshot, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.Profile)
	}
	return out
}
