package authkit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
)

// HealthKind selects one of the health profile lists kept per subject.
type HealthKind string

// Health profile lists.
const (
	HealthChronicDisease HealthKind = "chronic_disease"
	HealthAllergy        HealthKind = "allergy"
)

const healthEntryNameMaxRunes = 100

var (
	// ErrHealthEntryNotFound is returned by a HealthProfileStore when the subject owns no such entry.
	ErrHealthEntryNotFound = errors.New("health_store.not_found")
	// ErrUnknownHealthKind indicates a HealthKind outside the known lists.
	ErrUnknownHealthKind = errors.New("health_store.unknown_kind")

	errMissingHealthStore = errors.New("health_profile.missing_store")
)

// NameField is the JSON field carrying an entry name of this kind.
func (kind HealthKind) NameField() string {
	if kind == HealthAllergy {
		return "allergy_name"
	}
	return "disease_name"
}

// Valid reports whether kind names a known list.
func (kind HealthKind) Valid() bool {
	return kind == HealthChronicDisease || kind == HealthAllergy
}

// HealthEntry is one chronic disease or allergy recorded against a subject.
type HealthEntry struct {
	ID        int64
	Subject   string
	Kind      HealthKind
	Name      string
	CreatedAt time.Time
}

// HealthProfileStore persists health profile entries. Remove only matches entries owned by subject.
type HealthProfileStore interface {
	List(ctx context.Context, subject string, kind HealthKind) ([]HealthEntry, error)
	Add(ctx context.Context, entry HealthEntry) (HealthEntry, error)
	Remove(ctx context.Context, subject string, kind HealthKind, id int64) error
	RemoveAll(ctx context.Context, subject string) error
}

// HealthProfile manages the chronic disease and allergy lists of authenticated subjects.
type HealthProfile struct {
	store  HealthProfileStore
	logger *zap.Logger
}

// NewHealthProfile wraps store.
func NewHealthProfile(store HealthProfileStore, logger *zap.Logger) (*HealthProfile, error) {
	if store == nil {
		return nil, errMissingHealthStore
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthProfile{store: store, logger: logger}, nil
}

// List returns subject's entries of kind in insertion order.
func (profile *HealthProfile) List(ctx context.Context, subject string, kind HealthKind) ([]HealthEntry, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("health.list: %w", ErrUnknownHealthKind)
	}
	entries, err := profile.store.List(ctx, subject, kind)
	if err != nil {
		return nil, unavailable("health.list", err)
	}
	return entries, nil
}

// Add records name under kind for subject.
func (profile *HealthProfile) Add(ctx context.Context, subject string, kind HealthKind, name string) (HealthEntry, error) {
	if !kind.Valid() {
		return HealthEntry{}, fmt.Errorf("health.add: %w", ErrUnknownHealthKind)
	}
	name = strings.TrimSpace(name)
	switch length := utf8.RuneCountInString(name); {
	case length == 0:
		return HealthEntry{}, fmt.Errorf("health.add: %w", &ValidationError{Field: kind.NameField(), Message: "is required"})
	case length > healthEntryNameMaxRunes:
		return HealthEntry{}, fmt.Errorf("health.add: %w", &ValidationError{Field: kind.NameField(), Message: fmt.Sprintf("must be at most %d characters", healthEntryNameMaxRunes)})
	}
	entry, err := profile.store.Add(ctx, HealthEntry{Subject: subject, Kind: kind, Name: name})
	if err != nil {
		return HealthEntry{}, unavailable("health.add", err)
	}
	profile.logger.Info("health entry recorded",
		zap.String("user_id", subject),
		zap.String("kind", string(kind)),
		zap.Int64("entry_id", entry.ID))
	return entry, nil
}

// Remove deletes subject's entry id of kind. Entries owned by other subjects are reported as not found.
func (profile *HealthProfile) Remove(ctx context.Context, subject string, kind HealthKind, id int64) error {
	if !kind.Valid() {
		return fmt.Errorf("health.remove: %w", ErrUnknownHealthKind)
	}
	if err := profile.store.Remove(ctx, subject, kind, id); err != nil {
		if errors.Is(err, ErrHealthEntryNotFound) {
			return fmt.Errorf("health.remove: %w: %w", ErrNotFound, err)
		}
		return unavailable("health.remove", err)
	}
	return nil
}
