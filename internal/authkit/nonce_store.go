package authkit

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"
)

// ErrNonceNotFound indicates the supplied nonce was never issued, already consumed or expired.
var ErrNonceNotFound = errors.New("nonce.not_found")

const nonceSize = 32

// NonceStore issues one-time nonces that bind Google ID token requests.
type NonceStore struct {
	store TTLStore
	ttl   time.Duration
}

// NewNonceStore keeps nonces in store for ttl.
func NewNonceStore(store TTLStore, ttl time.Duration) *NonceStore {
	return &NonceStore{store: store, ttl: ttl}
}

// Issue creates and records a new nonce.
func (nonces *NonceStore) Issue(ctx context.Context) (string, error) {
	buffer := make([]byte, nonceSize)
	if _, err := rand.Read(buffer); err != nil {
		return "", fmt.Errorf("nonce.issue: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(buffer)
	if err := nonces.store.Set(ctx, nonceKeyPrefix+token, "1", nonces.ttl); err != nil {
		return "", fmt.Errorf("nonce.issue: %w", err)
	}
	return token, nil
}

// Consume invalidates token, failing with ErrNonceNotFound when it is not live.
func (nonces *NonceStore) Consume(ctx context.Context, token string) error {
	if token == "" {
		return ErrNonceNotFound
	}
	if _, err := nonces.store.Take(ctx, nonceKeyPrefix+token); err != nil {
		if errors.Is(err, ErrEntryNotFound) {
			return ErrNonceNotFound
		}
		return fmt.Errorf("nonce.consume: %w", err)
	}
	return nil
}
