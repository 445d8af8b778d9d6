package authkit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tyemirov/medauth/pkg/sessionvalidator"
)

var (
	// ErrEntryNotFound indicates the key is absent or its TTL elapsed.
	ErrEntryNotFound = errors.New("ttl_store.not_found")
	// ErrStoreUnavailable indicates the backing store could not be reached in time.
	ErrStoreUnavailable = errors.New("ttl_store.unavailable")
	// ErrInvalidTTL indicates a non-positive TTL was supplied to Set.
	ErrInvalidTTL = errors.New("ttl_store.invalid_ttl")
)

// TTLStore is a key-value store whose entries expire. Each operation is atomic on its own;
// callers get no compare-and-swap across Get and Set. Take reads and removes a key in one step.
type TTLStore interface {
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Take(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, key string) error
}

const (
	sessionKeyPrefix = "session:"
	codeKeyPrefix    = "auth:"
	nonceKeyPrefix   = "nonce:"
)

// SessionStore maps a subject to its single currently valid access token.
type SessionStore struct {
	store TTLStore
}

// NewSessionStore wraps store with the session key namespace.
func NewSessionStore(store TTLStore) *SessionStore {
	return &SessionStore{store: store}
}

// Set overwrites the session entry for subject.
func (sessions *SessionStore) Set(ctx context.Context, subject string, accessToken string, ttl time.Duration) error {
	return sessions.store.Set(ctx, sessionKeyPrefix+subject, accessToken, ttl)
}

// Get returns the access token recorded for subject.
func (sessions *SessionStore) Get(ctx context.Context, subject string) (string, error) {
	return sessions.store.Get(ctx, sessionKeyPrefix+subject)
}

// Delete removes the session entry for subject.
func (sessions *SessionStore) Delete(ctx context.Context, subject string) error {
	return sessions.store.Delete(ctx, sessionKeyPrefix+subject)
}

// Lookup satisfies sessionvalidator.SessionLookup.
func (sessions *SessionStore) Lookup(ctx context.Context, subject string) (string, error) {
	token, err := sessions.Get(ctx, subject)
	if err != nil {
		if errors.Is(err, ErrEntryNotFound) {
			return "", fmt.Errorf("%w: %w", sessionvalidator.ErrSessionNotFound, err)
		}
		return "", err
	}
	return token, nil
}

// MemoryStore is an in-process TTLStore intended for tests and single-node dev runs.
type MemoryStore struct {
	mutex   sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// Set stores value under key for ttl, replacing any previous entry.
func (store *MemoryStore) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("ttl_store.set: %w", ErrInvalidTTL)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.purgeExpiredLocked()
	store.entries[key] = memoryEntry{value: value, expiresAt: store.now().Add(ttl)}
	return nil
}

// Get returns the live value stored under key.
func (store *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	entry, ok := store.entries[key]
	if !ok {
		return "", ErrEntryNotFound
	}
	if !store.now().Before(entry.expiresAt) {
		delete(store.entries, key)
		return "", ErrEntryNotFound
	}
	return entry.value, nil
}

// Take returns the live value under key and removes it while holding the lock.
func (store *MemoryStore) Take(ctx context.Context, key string) (string, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	entry, ok := store.entries[key]
	if !ok {
		return "", ErrEntryNotFound
	}
	delete(store.entries, key)
	if !store.now().Before(entry.expiresAt) {
		return "", ErrEntryNotFound
	}
	return entry.value, nil
}

// Delete removes key; deleting an absent key is not an error.
func (store *MemoryStore) Delete(ctx context.Context, key string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	delete(store.entries, key)
	return nil
}

func (store *MemoryStore) purgeExpiredLocked() {
	if len(store.entries) == 0 {
		return
	}
	now := store.now()
	for key, entry := range store.entries {
		if !now.Before(entry.expiresAt) {
			delete(store.entries, key)
		}
	}
}
