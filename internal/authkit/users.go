package authkit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Providers that can own a credential record.
const (
	ProviderLocal  = "local"
	ProviderGoogle = "google"
)

var (
	// ErrUserNotFound is returned by a UserStore when no record matches.
	ErrUserNotFound = errors.New("user_store.not_found")
	// ErrUserExists is returned by a UserStore when a unique column collides on create.
	ErrUserExists = errors.New("user_store.exists")
)

// DuplicateError names the unique column that collided on write. It matches ErrUserExists.
type DuplicateError struct {
	Column string
}

func (duplicateError *DuplicateError) Error() string {
	return fmt.Sprintf("%s: %s", ErrUserExists.Error(), duplicateError.Column)
}

// Is lets errors.Is match ErrUserExists.
func (duplicateError *DuplicateError) Is(target error) bool {
	return target == ErrUserExists
}

// StoreCallError reports an expired or cancelled call context as ErrStoreUnavailable.
func StoreCallError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return err
}

// UserRecord is the credential record keyed by subject (the login email).
type UserRecord struct {
	ID                string
	PasswordHash      string
	Name              string
	Nickname          string
	PhoneNumber       string
	NationalID        string
	IsTermsAgreed     bool
	IsPrivacyAgreed   bool
	IsMarketingAgreed bool
	ChronicDisease    string
	Provider          string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// UserStore persists credential records.
type UserStore interface {
	Create(ctx context.Context, record UserRecord) error
	GetBySubject(ctx context.Context, subject string) (UserRecord, error)
	FindByNameAndPhone(ctx context.Context, name string, phoneNumber string) (UserRecord, error)
	ExistsByPhone(ctx context.Context, phoneNumber string) (bool, error)
	ExistsByNationalID(ctx context.Context, nationalID string) (bool, error)
	Update(ctx context.Context, record UserRecord) error
	Delete(ctx context.Context, subject string) error
}

// Profile is the public view of a credential record. It never carries the password hash
// or the national ID.
type Profile struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	Nickname          string    `json:"nickname"`
	PhoneNumber       string    `json:"phone_number"`
	IsTermsAgreed     bool      `json:"is_terms_agreed"`
	IsPrivacyAgreed   bool      `json:"is_privacy_agreed"`
	IsMarketingAgreed bool      `json:"is_marketing_agreed"`
	ChronicDisease    string    `json:"chronic_disease,omitempty"`
	Provider          string    `json:"provider"`
	CreatedAt         time.Time `json:"created_at"`
}

// NewProfile projects record onto its public view.
func NewProfile(record UserRecord) Profile {
	return Profile{
		ID:                record.ID,
		Name:              record.Name,
		Nickname:          record.Nickname,
		PhoneNumber:       record.PhoneNumber,
		IsTermsAgreed:     record.IsTermsAgreed,
		IsPrivacyAgreed:   record.IsPrivacyAgreed,
		IsMarketingAgreed: record.IsMarketingAgreed,
		ChronicDisease:    record.ChronicDisease,
		Provider:          record.Provider,
		CreatedAt:         record.CreatedAt,
	}
}
