package userpg

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tyemirov/medauth/internal/authkit"
)

// HealthStore implements authkit.HealthProfileStore on PostgreSQL. Rows cascade away with their user.
type HealthStore struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// NewHealthStore wraps pool. Call Migrate before first use.
func NewHealthStore(pool *pgxpool.Pool, timeout time.Duration) *HealthStore {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HealthStore{pool: pool, timeout: timeout}
}

func healthTable(kind authkit.HealthKind) (string, error) {
	switch kind {
	case authkit.HealthChronicDisease:
		return "chronic_diseases", nil
	case authkit.HealthAllergy:
		return "allergies", nil
	default:
		return "", authkit.ErrUnknownHealthKind
	}
}

// List returns subject's entries of kind ordered by id.
func (store *HealthStore) List(ctx context.Context, subject string, kind authkit.HealthKind) ([]authkit.HealthEntry, error) {
	table, err := healthTable(kind)
	if err != nil {
		return nil, fmt.Errorf("userpg.health.list: %w", err)
	}
	callCtx, cancel := context.WithTimeout(ctx, store.timeout)
	defer cancel()
	rows, err := store.pool.Query(callCtx, `SELECT id, user_id, name, created_at FROM `+table+` WHERE user_id = $1 ORDER BY id`, subject)
	if err != nil {
		return nil, fmt.Errorf("userpg.health.list: %w", authkit.StoreCallError(err))
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (authkit.HealthEntry, error) {
		entry := authkit.HealthEntry{Kind: kind}
		scanErr := row.Scan(&entry.ID, &entry.Subject, &entry.Name, &entry.CreatedAt)
		return entry, scanErr
	})
	if err != nil {
		return nil, fmt.Errorf("userpg.health.list: %w", authkit.StoreCallError(err))
	}
	return entries, nil
}

// Add inserts entry and returns it with its assigned id.
func (store *HealthStore) Add(ctx context.Context, entry authkit.HealthEntry) (authkit.HealthEntry, error) {
	table, err := healthTable(entry.Kind)
	if err != nil {
		return authkit.HealthEntry{}, fmt.Errorf("userpg.health.add: %w", err)
	}
	callCtx, cancel := context.WithTimeout(ctx, store.timeout)
	defer cancel()
	row := store.pool.QueryRow(callCtx, `INSERT INTO `+table+` (user_id, name) VALUES ($1, $2) RETURNING id, created_at`, entry.Subject, entry.Name)
	if err := row.Scan(&entry.ID, &entry.CreatedAt); err != nil {
		return authkit.HealthEntry{}, fmt.Errorf("userpg.health.add: %w", authkit.StoreCallError(err))
	}
	return entry, nil
}

// Remove deletes the entry matching subject, kind and id.
func (store *HealthStore) Remove(ctx context.Context, subject string, kind authkit.HealthKind, id int64) error {
	table, err := healthTable(kind)
	if err != nil {
		return fmt.Errorf("userpg.health.remove: %w", err)
	}
	callCtx, cancel := context.WithTimeout(ctx, store.timeout)
	defer cancel()
	tag, err := store.pool.Exec(callCtx, `DELETE FROM `+table+` WHERE id = $1 AND user_id = $2`, id, subject)
	if err != nil {
		return fmt.Errorf("userpg.health.remove: %w", authkit.StoreCallError(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("userpg.health.remove: %w", authkit.ErrHealthEntryNotFound)
	}
	return nil
}

// RemoveAll deletes every entry owned by subject in one transaction.
func (store *HealthStore) RemoveAll(ctx context.Context, subject string) error {
	callCtx, cancel := context.WithTimeout(ctx, store.timeout)
	defer cancel()
	err := pgx.BeginFunc(callCtx, store.pool, func(transaction pgx.Tx) error {
		for _, table := range []string{"chronic_diseases", "allergies"} {
			if _, execErr := transaction.Exec(callCtx, `DELETE FROM `+table+` WHERE user_id = $1`, subject); execErr != nil {
				return execErr
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("userpg.health.remove_all: %w", authkit.StoreCallError(err))
	}
	return nil
}
