package relay

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// tokenStore holds short-lived, stream-scoped ingest credentials. A token
// authorizes producer attachment to exactly one stream until it expires.
type tokenStore struct {
	mu     sync.Mutex
	ttl    time.Duration
	tokens map[string]tokenEntry
}

type tokenEntry struct {
	streamID  string
	expiresAt time.Time
}

func newTokenStore(ttl time.Duration) *tokenStore {
	return &tokenStore{ttl: ttl, tokens: make(map[string]tokenEntry)}
}

func (t *tokenStore) issue(streamID string) string {
	token := uuid.New().String()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked()
	t.tokens[token] = tokenEntry{streamID: streamID, expiresAt: time.Now().Add(t.ttl)}
	return token
}

func (t *tokenStore) validate(streamID, token string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.tokens[token]
	if !ok || entry.streamID != streamID || time.Now().After(entry.expiresAt) {
		return ErrInvalidToken
	}
	return nil
}

func (t *tokenStore) revokeStream(streamID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for token, entry := range t.tokens {
		if entry.streamID == streamID {
			delete(t.tokens, token)
		}
	}
}

// pruneLocked drops expired entries; called opportunistically on issue.
func (t *tokenStore) pruneLocked() {
	now := time.Now()
	for token, entry := range t.tokens {
		if now.After(entry.expiresAt) {
			delete(t.tokens, token)
		}
	}
}
