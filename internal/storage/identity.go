package storage

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Identity owns the identifiers stamped onto events and flag lookups: the
// persisted anonymous id, the optional authenticated user id, the
// session-scoped session id, and the persisted opt-out flag.
//
// The session id is regenerated for every client lifetime and never written
// to the durable store.
type Identity struct {
	store Store
	log   *zap.Logger

	mu        sync.Mutex
	anonID    string
	userID    string
	sessionID string
	optedOut  bool
}

// NewIdentity loads persisted state from the store, minting and persisting a
// fresh anonymous id when none exists.
func NewIdentity(store Store, log *zap.Logger) *Identity {
	if log == nil {
		log = zap.NewNop()
	}

	i := &Identity{
		store:     store,
		log:       log,
		sessionID: uuid.NewString(),
	}

	if anon, ok := store.Get(KeyAnonID); ok && anon != "" {
		i.anonID = anon
	} else {
		i.anonID = uuid.NewString()
		store.Set(KeyAnonID, i.anonID)
		log.Debug("minted anonymous id", zap.String("anonymous_id", i.anonID))
	}

	if v, ok := store.Get(KeyOptOut); ok && v == "true" {
		i.optedOut = true
	}

	return i
}

// AnonymousID returns the always-present anonymous identifier.
func (i *Identity) AnonymousID() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.anonID
}

// SessionID returns the session-scoped identifier.
func (i *Identity) SessionID() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.sessionID
}

// UserID returns the authenticated user id, empty when unknown.
func (i *Identity) UserID() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.userID
}

// SetUserID records the authenticated user id.
func (i *Identity) SetUserID(userID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.userID = userID
}

// DistinctID returns the authenticated id when known, else the anonymous id.
func (i *Identity) DistinctID() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.userID != "" {
		return i.userID
	}
	return i.anonID
}

// OptOut disables event collection and persists the choice.
func (i *Identity) OptOut() {
	i.mu.Lock()
	i.optedOut = true
	i.mu.Unlock()
	i.store.Set(KeyOptOut, "true")
}

// OptIn re-enables event collection and persists the choice.
func (i *Identity) OptIn() {
	i.mu.Lock()
	i.optedOut = false
	i.mu.Unlock()
	i.store.Delete(KeyOptOut)
}

// OptedOut reports whether collection is disabled.
func (i *Identity) OptedOut() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.optedOut
}
