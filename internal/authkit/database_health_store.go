package authkit

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

type healthRow struct {
	ID        int64     `gorm:"column:id;primaryKey;autoIncrement"`
	UserID    string    `gorm:"column:user_id;size:100;not null;index"`
	Name      string    `gorm:"column:name;size:100;not null"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

type chronicDiseaseRow struct {
	healthRow
}

func (chronicDiseaseRow) TableName() string {
	return "chronic_diseases"
}

type allergyRow struct {
	healthRow
}

func (allergyRow) TableName() string {
	return "allergies"
}

func healthTable(kind HealthKind) (string, error) {
	switch kind {
	case HealthChronicDisease:
		return chronicDiseaseRow{}.TableName(), nil
	case HealthAllergy:
		return allergyRow{}.TableName(), nil
	default:
		return "", ErrUnknownHealthKind
	}
}

// DatabaseHealthStore persists health profile entries using GORM. Obtain one from
// DatabaseUserStore.HealthProfiles so both share a connection pool.
type DatabaseHealthStore struct {
	db          *gorm.DB
	driverLabel string
	timeout     time.Duration
}

// List returns subject's entries of kind ordered by id.
func (store *DatabaseHealthStore) List(ctx context.Context, subject string, kind HealthKind) ([]HealthEntry, error) {
	table, err := healthTable(kind)
	if err != nil {
		return nil, fmt.Errorf("health_store.list.%s: %w", store.driverLabel, err)
	}
	callCtx, cancel := context.WithTimeout(ctx, store.timeout)
	defer cancel()
	var rows []healthRow
	if err := store.db.WithContext(callCtx).Table(table).Where("user_id = ?", subject).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("health_store.list.%s: %w", store.driverLabel, StoreCallError(err))
	}
	entries := make([]HealthEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, HealthEntry{ID: row.ID, Subject: row.UserID, Kind: kind, Name: row.Name, CreatedAt: row.CreatedAt})
	}
	return entries, nil
}

// Add inserts entry and returns it with its assigned id.
func (store *DatabaseHealthStore) Add(ctx context.Context, entry HealthEntry) (HealthEntry, error) {
	table, err := healthTable(entry.Kind)
	if err != nil {
		return HealthEntry{}, fmt.Errorf("health_store.add.%s: %w", store.driverLabel, err)
	}
	callCtx, cancel := context.WithTimeout(ctx, store.timeout)
	defer cancel()
	row := healthRow{UserID: entry.Subject, Name: entry.Name, CreatedAt: time.Now().UTC()}
	if err := store.db.WithContext(callCtx).Table(table).Create(&row).Error; err != nil {
		return HealthEntry{}, fmt.Errorf("health_store.add.%s: %w", store.driverLabel, StoreCallError(err))
	}
	entry.ID = row.ID
	entry.CreatedAt = row.CreatedAt
	return entry, nil
}

// Remove deletes the entry matching subject, kind and id.
func (store *DatabaseHealthStore) Remove(ctx context.Context, subject string, kind HealthKind, id int64) error {
	table, err := healthTable(kind)
	if err != nil {
		return fmt.Errorf("health_store.remove.%s: %w", store.driverLabel, err)
	}
	callCtx, cancel := context.WithTimeout(ctx, store.timeout)
	defer cancel()
	result := store.db.WithContext(callCtx).Table(table).Where("id = ? AND user_id = ?", id, subject).Delete(&healthRow{})
	if result.Error != nil {
		return fmt.Errorf("health_store.remove.%s: %w", store.driverLabel, StoreCallError(result.Error))
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("health_store.remove.%s: %w", store.driverLabel, ErrHealthEntryNotFound)
	}
	return nil
}

// RemoveAll deletes every entry owned by subject across both lists.
func (store *DatabaseHealthStore) RemoveAll(ctx context.Context, subject string) error {
	callCtx, cancel := context.WithTimeout(ctx, store.timeout)
	defer cancel()
	return store.db.WithContext(callCtx).Transaction(func(transaction *gorm.DB) error {
		for _, kind := range []HealthKind{HealthChronicDisease, HealthAllergy} {
			table, _ := healthTable(kind)
			if err := transaction.Table(table).Where("user_id = ?", subject).Delete(&healthRow{}).Error; err != nil {
				return fmt.Errorf("health_store.remove_all.%s: %w", store.driverLabel, StoreCallError(err))
			}
		}
		return nil
	})
}
