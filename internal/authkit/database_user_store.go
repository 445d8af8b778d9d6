package authkit

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("user_store.unsupported_dialect")

	errEmptyDatabaseURL    = errors.New("user_store.empty_database_url")
	errSQLiteEmptyPath     = errors.New("user_store.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("user_store.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("user_store.unsupported_no_scheme")
)

// DatabaseUserStore persists credential records using GORM. Every call is bounded by timeout.
type DatabaseUserStore struct {
	db          *gorm.DB
	driverLabel string
	timeout     time.Duration
}

// Driver exposes the selected database driver label.
func (store *DatabaseUserStore) Driver() string {
	return store.driverLabel
}

type userRow struct {
	ID                string  `gorm:"column:id;primaryKey;size:100"`
	PasswordHash      string  `gorm:"column:password_hash;not null;default:''"`
	Name              string  `gorm:"column:name;size:20;not null;index:idx_users_name_phone"`
	Nickname          string  `gorm:"column:nickname;size:40;not null"`
	PhoneNumber       *string `gorm:"column:phone_number;size:11;uniqueIndex;index:idx_users_name_phone"`
	NationalID        *string `gorm:"column:national_id;size:14;uniqueIndex"`
	IsTermsAgreed     bool    `gorm:"column:is_terms_agreed;not null;default:false"`
	IsPrivacyAgreed   bool    `gorm:"column:is_privacy_agreed;not null;default:false"`
	IsMarketingAgreed bool    `gorm:"column:is_marketing_agreed;not null;default:false"`
	ChronicDisease    string  `gorm:"column:chronic_disease;not null;default:''"`
	Provider          string  `gorm:"column:provider;size:16;not null;default:'local'"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (userRow) TableName() string {
	return "users"
}

// NewDatabaseUserStore constructs a GORM-backed store and migrates the users and health profile tables.
func NewDatabaseUserStore(ctx context.Context, databaseURL string, timeout time.Duration) (*DatabaseUserStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("user_store.open: %w", errEmptyDatabaseURL)
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if openErr != nil {
		return nil, fmt.Errorf("user_store.open.%s: %w", driverLabel, openErr)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&userRow{}, &chronicDiseaseRow{}, &allergyRow{}); migrateErr != nil {
		return nil, fmt.Errorf("user_store.migrate.%s: %w", driverLabel, migrateErr)
	}
	if timeout <= 0 {
		timeout = defaultStoreTimeout
	}
	return &DatabaseUserStore{
		db:          gormDB,
		driverLabel: driverLabel,
		timeout:     timeout,
	}, nil
}

// HealthProfiles returns the health profile store sharing this connection pool.
func (store *DatabaseUserStore) HealthProfiles() *DatabaseHealthStore {
	return &DatabaseHealthStore{db: store.db, driverLabel: store.driverLabel, timeout: store.timeout}
}

// Close releases the underlying connection pool.
func (store *DatabaseUserStore) Close() error {
	sqlDB, err := store.db.DB()
	if err != nil {
		return fmt.Errorf("user_store.close.%s: %w", store.driverLabel, err)
	}
	return sqlDB.Close()
}

// Create inserts a new credential record.
func (store *DatabaseUserStore) Create(ctx context.Context, record UserRecord) error {
	callCtx, cancel := context.WithTimeout(ctx, store.timeout)
	defer cancel()
	row := toUserRow(record)
	if err := store.db.WithContext(callCtx).Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("user_store.create.%s: %w", store.driverLabel, store.duplicate(callCtx, row, true))
		}
		return fmt.Errorf("user_store.create.%s: %w", store.driverLabel, StoreCallError(err))
	}
	return nil
}

// GetBySubject loads the record keyed by subject.
func (store *DatabaseUserStore) GetBySubject(ctx context.Context, subject string) (UserRecord, error) {
	return store.take(ctx, "get", "id = ?", subject)
}

// FindByNameAndPhone loads the record matching name and phone number.
func (store *DatabaseUserStore) FindByNameAndPhone(ctx context.Context, name string, phoneNumber string) (UserRecord, error) {
	return store.take(ctx, "find", "name = ? AND phone_number = ?", name, phoneNumber)
}

// ExistsByPhone reports whether phoneNumber is already registered.
func (store *DatabaseUserStore) ExistsByPhone(ctx context.Context, phoneNumber string) (bool, error) {
	return store.exists(ctx, "phone", "phone_number = ?", phoneNumber)
}

// ExistsByNationalID reports whether nationalID is already registered.
func (store *DatabaseUserStore) ExistsByNationalID(ctx context.Context, nationalID string) (bool, error) {
	return store.exists(ctx, "national_id", "national_id = ?", nationalID)
}

// Update persists every mutable column of record.
func (store *DatabaseUserStore) Update(ctx context.Context, record UserRecord) error {
	callCtx, cancel := context.WithTimeout(ctx, store.timeout)
	defer cancel()
	row := toUserRow(record)
	result := store.db.WithContext(callCtx).Model(&userRow{}).
		Where("id = ?", record.ID).
		Select("password_hash", "name", "nickname", "phone_number", "national_id", "is_terms_agreed", "is_privacy_agreed", "is_marketing_agreed", "chronic_disease", "provider", "updated_at").
		Updates(&row)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("user_store.update.%s: %w", store.driverLabel, store.duplicate(callCtx, row, false))
		}
		return fmt.Errorf("user_store.update.%s: %w", store.driverLabel, StoreCallError(result.Error))
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("user_store.update.%s: %w", store.driverLabel, ErrUserNotFound)
	}
	return nil
}

// Delete removes the record keyed by subject.
func (store *DatabaseUserStore) Delete(ctx context.Context, subject string) error {
	callCtx, cancel := context.WithTimeout(ctx, store.timeout)
	defer cancel()
	result := store.db.WithContext(callCtx).Where("id = ?", subject).Delete(&userRow{})
	if result.Error != nil {
		return fmt.Errorf("user_store.delete.%s: %w", store.driverLabel, StoreCallError(result.Error))
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("user_store.delete.%s: %w", store.driverLabel, ErrUserNotFound)
	}
	return nil
}

func (store *DatabaseUserStore) take(ctx context.Context, operation string, condition string, arguments ...any) (UserRecord, error) {
	callCtx, cancel := context.WithTimeout(ctx, store.timeout)
	defer cancel()
	var row userRow
	if err := store.db.WithContext(callCtx).Where(condition, arguments...).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return UserRecord{}, fmt.Errorf("user_store.%s.%s: %w", operation, store.driverLabel, ErrUserNotFound)
		}
		return UserRecord{}, fmt.Errorf("user_store.%s.%s: %w", operation, store.driverLabel, StoreCallError(err))
	}
	return row.toRecord(), nil
}

func (store *DatabaseUserStore) exists(ctx context.Context, field string, condition string, value string) (bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, store.timeout)
	defer cancel()
	var count int64
	if err := store.db.WithContext(callCtx).Model(&userRow{}).Where(condition, value).Count(&count).Error; err != nil {
		return false, fmt.Errorf("user_store.exists_%s.%s: %w", field, store.driverLabel, StoreCallError(err))
	}
	return count > 0, nil
}

// duplicate finds which unique column row collides on. The translated driver error
// no longer names the constraint, so the colliding row is looked up instead.
func (store *DatabaseUserStore) duplicate(ctx context.Context, row userRow, creating bool) error {
	candidates := []struct {
		column string
		value  *string
	}{
		{column: "phone_number", value: row.PhoneNumber},
		{column: "national_id", value: row.NationalID},
	}
	if creating {
		var count int64
		if err := store.db.WithContext(ctx).Model(&userRow{}).Where("id = ?", row.ID).Count(&count).Error; err == nil && count > 0 {
			return &DuplicateError{Column: "id"}
		}
	}
	for _, candidate := range candidates {
		if candidate.value == nil {
			continue
		}
		var count int64
		err := store.db.WithContext(ctx).Model(&userRow{}).
			Where(candidate.column+" = ? AND id <> ?", *candidate.value, row.ID).
			Count(&count).Error
		if err == nil && count > 0 {
			return &DuplicateError{Column: candidate.column}
		}
	}
	return &DuplicateError{Column: "id"}
}

func toUserRow(record UserRecord) userRow {
	return userRow{
		ID:                record.ID,
		PasswordHash:      record.PasswordHash,
		Name:              record.Name,
		Nickname:          record.Nickname,
		PhoneNumber:       nullableString(record.PhoneNumber),
		NationalID:        nullableString(record.NationalID),
		IsTermsAgreed:     record.IsTermsAgreed,
		IsPrivacyAgreed:   record.IsPrivacyAgreed,
		IsMarketingAgreed: record.IsMarketingAgreed,
		ChronicDisease:    record.ChronicDisease,
		Provider:          record.Provider,
		CreatedAt:         record.CreatedAt,
		UpdatedAt:         record.UpdatedAt,
	}
}

func (row userRow) toRecord() UserRecord {
	return UserRecord{
		ID:                row.ID,
		PasswordHash:      row.PasswordHash,
		Name:              row.Name,
		Nickname:          row.Nickname,
		PhoneNumber:       derefString(row.PhoneNumber),
		NationalID:        derefString(row.NationalID),
		IsTermsAgreed:     row.IsTermsAgreed,
		IsPrivacyAgreed:   row.IsPrivacyAgreed,
		IsMarketingAgreed: row.IsMarketingAgreed,
		ChronicDisease:    row.ChronicDisease,
		Provider:          row.Provider,
		CreatedAt:         row.CreatedAt,
		UpdatedAt:         row.UpdatedAt,
	}
}

func nullableString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func derefString(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("user_store.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("user_store.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("user_store.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("user_store.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
	}
}

func buildSQLiteDSN(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", errSQLiteInvalidURL
	}
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		return "", errSQLiteEmptyPath
	}
	if parsed.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(parsed.RawQuery)
	}
	return builder.String(), nil
}
