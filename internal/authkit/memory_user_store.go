package authkit

import (
	"context"
	"sync"
	"time"
)

// MemoryUserStore is an in-memory UserStore intended for tests and dev.
type MemoryUserStore struct {
	mutex   sync.RWMutex
	records map[string]UserRecord
}

// NewMemoryUserStore creates an empty in-memory user store.
func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{records: make(map[string]UserRecord)}
}

// Create inserts record, failing with a DuplicateError on any unique collision.
func (store *MemoryUserStore) Create(ctx context.Context, record UserRecord) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	if _, exists := store.records[record.ID]; exists {
		return &DuplicateError{Column: "id"}
	}
	for _, existing := range store.records {
		if record.PhoneNumber != "" && existing.PhoneNumber == record.PhoneNumber {
			return &DuplicateError{Column: "phone_number"}
		}
		if record.NationalID != "" && existing.NationalID == record.NationalID {
			return &DuplicateError{Column: "national_id"}
		}
	}
	now := time.Now().UTC()
	record.CreatedAt = now
	record.UpdatedAt = now
	store.records[record.ID] = record
	return nil
}

// GetBySubject returns the record for subject.
func (store *MemoryUserStore) GetBySubject(ctx context.Context, subject string) (UserRecord, error) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()

	record, ok := store.records[subject]
	if !ok {
		return UserRecord{}, ErrUserNotFound
	}
	return record, nil
}

// FindByNameAndPhone returns the first record matching both name and phone.
func (store *MemoryUserStore) FindByNameAndPhone(ctx context.Context, name string, phoneNumber string) (UserRecord, error) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()

	for _, record := range store.records {
		if record.Name == name && record.PhoneNumber == phoneNumber {
			return record, nil
		}
	}
	return UserRecord{}, ErrUserNotFound
}

// ExistsByPhone reports whether any record uses phoneNumber.
func (store *MemoryUserStore) ExistsByPhone(ctx context.Context, phoneNumber string) (bool, error) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()

	for _, record := range store.records {
		if record.PhoneNumber == phoneNumber {
			return true, nil
		}
	}
	return false, nil
}

// ExistsByNationalID reports whether any record uses nationalID.
func (store *MemoryUserStore) ExistsByNationalID(ctx context.Context, nationalID string) (bool, error) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()

	for _, record := range store.records {
		if record.NationalID == nationalID {
			return true, nil
		}
	}
	return false, nil
}

// Update replaces an existing record.
func (store *MemoryUserStore) Update(ctx context.Context, record UserRecord) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	existing, ok := store.records[record.ID]
	if !ok {
		return ErrUserNotFound
	}
	record.CreatedAt = existing.CreatedAt
	record.UpdatedAt = time.Now().UTC()
	store.records[record.ID] = record
	return nil
}

// Delete removes the record for subject.
func (store *MemoryUserStore) Delete(ctx context.Context, subject string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	if _, ok := store.records[subject]; !ok {
		return ErrUserNotFound
	}
	delete(store.records, subject)
	return nil
}
