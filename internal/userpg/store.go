// Package userpg stores credential records in PostgreSQL through a native pgx pool.
package userpg

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tyemirov/medauth/internal/authkit"
)

const (
	uniqueViolation = "23505"
	defaultTimeout  = 2 * time.Second
)

const selectColumns = `id, password_hash, name, nickname, phone_number, national_id,
is_terms_agreed, is_privacy_agreed, is_marketing_agreed, chronic_disease, provider, created_at, updated_at`

// Store implements authkit.UserStore on PostgreSQL. Every statement is bounded by timeout.
type Store struct {
	pool    *pgxpool.Pool
	now     func() time.Time
	timeout time.Duration
}

// NewStore wraps pool. Call Migrate before first use.
func NewStore(pool *pgxpool.Pool, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Store{pool: pool, now: func() time.Time { return time.Now().UTC() }, timeout: timeout}
}

// Create inserts record.
func (store *Store) Create(ctx context.Context, record authkit.UserRecord) error {
	callCtx, cancel := context.WithTimeout(ctx, store.timeout)
	defer cancel()
	now := store.now()
	_, err := store.pool.Exec(callCtx, `
INSERT INTO users (id, password_hash, name, nickname, phone_number, national_id,
    is_terms_agreed, is_privacy_agreed, is_marketing_agreed, chronic_disease, provider, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
`, record.ID, record.PasswordHash, record.Name, record.Nickname, nullable(record.PhoneNumber), nullable(record.NationalID),
		record.IsTermsAgreed, record.IsPrivacyAgreed, record.IsMarketingAgreed, record.ChronicDisease, record.Provider, now)
	if err != nil {
		return fmt.Errorf("userpg.create: %w", translate(err))
	}
	return nil
}

// GetBySubject loads the record for subject.
func (store *Store) GetBySubject(ctx context.Context, subject string) (authkit.UserRecord, error) {
	callCtx, cancel := context.WithTimeout(ctx, store.timeout)
	defer cancel()
	row := store.pool.QueryRow(callCtx, `SELECT `+selectColumns+` FROM users WHERE id = $1`, subject)
	return scanRecord("userpg.get", row)
}

// FindByNameAndPhone loads the record with the given name and normalized phone number.
func (store *Store) FindByNameAndPhone(ctx context.Context, name string, phoneNumber string) (authkit.UserRecord, error) {
	callCtx, cancel := context.WithTimeout(ctx, store.timeout)
	defer cancel()
	row := store.pool.QueryRow(callCtx, `SELECT `+selectColumns+` FROM users WHERE name = $1 AND phone_number = $2 LIMIT 1`, name, phoneNumber)
	return scanRecord("userpg.find", row)
}

// ExistsByPhone reports whether phoneNumber is registered.
func (store *Store) ExistsByPhone(ctx context.Context, phoneNumber string) (bool, error) {
	return store.exists(ctx, "userpg.exists_phone", `SELECT EXISTS (SELECT 1 FROM users WHERE phone_number = $1)`, phoneNumber)
}

// ExistsByNationalID reports whether nationalID is registered.
func (store *Store) ExistsByNationalID(ctx context.Context, nationalID string) (bool, error) {
	return store.exists(ctx, "userpg.exists_national_id", `SELECT EXISTS (SELECT 1 FROM users WHERE national_id = $1)`, nationalID)
}

// Update overwrites the mutable columns of record.
func (store *Store) Update(ctx context.Context, record authkit.UserRecord) error {
	callCtx, cancel := context.WithTimeout(ctx, store.timeout)
	defer cancel()
	tag, err := store.pool.Exec(callCtx, `
UPDATE users
SET password_hash = $2, name = $3, nickname = $4, phone_number = $5, national_id = $6,
    is_terms_agreed = $7, is_privacy_agreed = $8, is_marketing_agreed = $9,
    chronic_disease = $10, provider = $11, updated_at = $12
WHERE id = $1
`, record.ID, record.PasswordHash, record.Name, record.Nickname, nullable(record.PhoneNumber), nullable(record.NationalID),
		record.IsTermsAgreed, record.IsPrivacyAgreed, record.IsMarketingAgreed, record.ChronicDisease, record.Provider, store.now())
	if err != nil {
		return fmt.Errorf("userpg.update: %w", translate(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("userpg.update: %w", authkit.ErrUserNotFound)
	}
	return nil
}

// Delete removes the record for subject.
func (store *Store) Delete(ctx context.Context, subject string) error {
	callCtx, cancel := context.WithTimeout(ctx, store.timeout)
	defer cancel()
	tag, err := store.pool.Exec(callCtx, `DELETE FROM users WHERE id = $1`, subject)
	if err != nil {
		return fmt.Errorf("userpg.delete: %w", authkit.StoreCallError(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("userpg.delete: %w", authkit.ErrUserNotFound)
	}
	return nil
}

func (store *Store) exists(ctx context.Context, scope string, query string, value string) (bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, store.timeout)
	defer cancel()
	var found bool
	if err := store.pool.QueryRow(callCtx, query, value).Scan(&found); err != nil {
		return false, fmt.Errorf("%s: %w", scope, authkit.StoreCallError(err))
	}
	return found, nil
}

func scanRecord(scope string, row pgx.Row) (authkit.UserRecord, error) {
	var record authkit.UserRecord
	var phoneNumber, nationalID *string
	err := row.Scan(&record.ID, &record.PasswordHash, &record.Name, &record.Nickname, &phoneNumber, &nationalID,
		&record.IsTermsAgreed, &record.IsPrivacyAgreed, &record.IsMarketingAgreed, &record.ChronicDisease,
		&record.Provider, &record.CreatedAt, &record.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return authkit.UserRecord{}, fmt.Errorf("%s: %w", scope, authkit.ErrUserNotFound)
		}
		return authkit.UserRecord{}, fmt.Errorf("%s: %w", scope, authkit.StoreCallError(err))
	}
	if phoneNumber != nil {
		record.PhoneNumber = *phoneNumber
	}
	if nationalID != nil {
		record.NationalID = *nationalID
	}
	return record, nil
}

// translate reports unique violations as an authkit.DuplicateError naming the guarded column.
func translate(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return &authkit.DuplicateError{Column: constraintColumn(pgErr.ConstraintName)}
	}
	return authkit.StoreCallError(err)
}

// constraintColumn maps constraint names such as users_phone_number_key onto their column.
func constraintColumn(constraintName string) string {
	switch {
	case strings.Contains(constraintName, "phone_number"):
		return "phone_number"
	case strings.Contains(constraintName, "national_id"):
		return "national_id"
	default:
		return "id"
	}
}

func nullable(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
