package authkit

import (
	"context"
	"sync"
	"time"
)

// MemoryHealthStore is an in-memory HealthProfileStore for tests and dev.
type MemoryHealthStore struct {
	mutex   sync.RWMutex
	entries []HealthEntry
	nextID  int64
}

// NewMemoryHealthStore creates an empty MemoryHealthStore.
func NewMemoryHealthStore() *MemoryHealthStore {
	return &MemoryHealthStore{}
}

// List returns subject's entries of kind.
func (store *MemoryHealthStore) List(ctx context.Context, subject string, kind HealthKind) ([]HealthEntry, error) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()

	entries := []HealthEntry{}
	for _, entry := range store.entries {
		if entry.Subject == subject && entry.Kind == kind {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

// Add assigns entry the next id and stores it.
func (store *MemoryHealthStore) Add(ctx context.Context, entry HealthEntry) (HealthEntry, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	store.nextID++
	entry.ID = store.nextID
	entry.CreatedAt = time.Now().UTC()
	store.entries = append(store.entries, entry)
	return entry, nil
}

// Remove deletes the entry matching subject, kind and id.
func (store *MemoryHealthStore) Remove(ctx context.Context, subject string, kind HealthKind, id int64) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	for index, entry := range store.entries {
		if entry.ID == id && entry.Subject == subject && entry.Kind == kind {
			store.entries = append(store.entries[:index], store.entries[index+1:]...)
			return nil
		}
	}
	return ErrHealthEntryNotFound
}

// RemoveAll deletes every entry owned by subject.
func (store *MemoryHealthStore) RemoveAll(ctx context.Context, subject string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	kept := store.entries[:0]
	for _, entry := range store.entries {
		if entry.Subject != subject {
			kept = append(kept, entry)
		}
	}
	store.entries = kept
	return nil
}
