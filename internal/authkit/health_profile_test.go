package authkit

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func exerciseHealthProfileStore(t *testing.T, store HealthProfileStore) {
	t.Helper()
	ctx := context.Background()

	first, err := store.Add(ctx, HealthEntry{Subject: "a@x.com", Kind: HealthChronicDisease, Name: "hypertension"})
	require.NoError(t, err)
	require.NotZero(t, first.ID)
	second, err := store.Add(ctx, HealthEntry{Subject: "a@x.com", Kind: HealthChronicDisease, Name: "diabetes"})
	require.NoError(t, err)
	require.Greater(t, second.ID, first.ID)
	allergy, err := store.Add(ctx, HealthEntry{Subject: "a@x.com", Kind: HealthAllergy, Name: "penicillin"})
	require.NoError(t, err)
	foreign, err := store.Add(ctx, HealthEntry{Subject: "b@x.com", Kind: HealthAllergy, Name: "latex"})
	require.NoError(t, err)

	diseases, err := store.List(ctx, "a@x.com", HealthChronicDisease)
	require.NoError(t, err)
	require.Len(t, diseases, 2)
	require.Equal(t, "hypertension", diseases[0].Name)
	require.Equal(t, "diabetes", diseases[1].Name)
	require.Equal(t, HealthChronicDisease, diseases[0].Kind)

	allergies, err := store.List(ctx, "a@x.com", HealthAllergy)
	require.NoError(t, err)
	require.Len(t, allergies, 1)
	require.Equal(t, allergy.ID, allergies[0].ID)

	empty, err := store.List(ctx, "nobody@x.com", HealthAllergy)
	require.NoError(t, err)
	require.Empty(t, empty)

	require.ErrorIs(t, store.Remove(ctx, "a@x.com", HealthAllergy, foreign.ID), ErrHealthEntryNotFound)
	require.ErrorIs(t, store.Remove(ctx, "a@x.com", HealthAllergy, second.ID), ErrHealthEntryNotFound)
	require.NoError(t, store.Remove(ctx, "a@x.com", HealthChronicDisease, first.ID))
	require.ErrorIs(t, store.Remove(ctx, "a@x.com", HealthChronicDisease, first.ID), ErrHealthEntryNotFound)

	require.NoError(t, store.RemoveAll(ctx, "a@x.com"))
	diseases, err = store.List(ctx, "a@x.com", HealthChronicDisease)
	require.NoError(t, err)
	require.Empty(t, diseases)
	allergies, err = store.List(ctx, "b@x.com", HealthAllergy)
	require.NoError(t, err)
	require.Len(t, allergies, 1)
}

func TestMemoryHealthStore(t *testing.T) {
	exerciseHealthProfileStore(t, NewMemoryHealthStore())
}

func TestDatabaseHealthStoreSQLite(t *testing.T) {
	databaseURL := "sqlite:file:" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared"
	store, err := NewDatabaseUserStore(context.Background(), databaseURL, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Close()
	})
	exerciseHealthProfileStore(t, store.HealthProfiles())
}

func TestHealthProfileAdd(t *testing.T) {
	profile, err := NewHealthProfile(NewMemoryHealthStore(), zaptest.NewLogger(t))
	require.NoError(t, err)
	ctx := context.Background()

	entry, err := profile.Add(ctx, "a@x.com", HealthAllergy, "  penicillin  ")
	require.NoError(t, err)
	require.Equal(t, "penicillin", entry.Name)
	require.Equal(t, "a@x.com", entry.Subject)

	testCases := []struct {
		name  string
		kind  HealthKind
		input string
		field string
	}{
		{name: "blank allergy", kind: HealthAllergy, input: "   ", field: "allergy_name"},
		{name: "long disease", kind: HealthChronicDisease, input: strings.Repeat("가", healthEntryNameMaxRunes+1), field: "disease_name"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, addErr := profile.Add(ctx, "a@x.com", testCase.kind, testCase.input)
			var validationError *ValidationError
			require.True(t, errors.As(addErr, &validationError))
			require.Equal(t, testCase.field, validationError.Field)
		})
	}

	_, err = profile.Add(ctx, "a@x.com", HealthChronicDisease, strings.Repeat("가", healthEntryNameMaxRunes))
	require.NoError(t, err)
	_, err = profile.Add(ctx, "a@x.com", HealthKind("medication"), "aspirin")
	require.ErrorIs(t, err, ErrUnknownHealthKind)
}

func TestHealthProfileRemoveHidesOtherSubjects(t *testing.T) {
	profile, err := NewHealthProfile(NewMemoryHealthStore(), nil)
	require.NoError(t, err)
	ctx := context.Background()

	entry, err := profile.Add(ctx, "b@x.com", HealthChronicDisease, "asthma")
	require.NoError(t, err)

	err = profile.Remove(ctx, "a@x.com", HealthChronicDisease, entry.ID)
	require.ErrorIs(t, err, ErrNotFound)
	require.False(t, errors.Is(err, ErrServiceUnavailable))

	entries, err := profile.List(ctx, "b@x.com", HealthChronicDisease)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.NoError(t, profile.Remove(ctx, "b@x.com", HealthChronicDisease, entry.ID))
}

type failingHealthStore struct {
	err error
}

func (store failingHealthStore) List(ctx context.Context, subject string, kind HealthKind) ([]HealthEntry, error) {
	return nil, store.err
}

func (store failingHealthStore) Add(ctx context.Context, entry HealthEntry) (HealthEntry, error) {
	return HealthEntry{}, store.err
}

func (store failingHealthStore) Remove(ctx context.Context, subject string, kind HealthKind, id int64) error {
	return store.err
}

func (store failingHealthStore) RemoveAll(ctx context.Context, subject string) error {
	return store.err
}

func TestHealthProfileOutageIsServiceUnavailable(t *testing.T) {
	profile, err := NewHealthProfile(failingHealthStore{err: ErrStoreUnavailable}, nil)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = profile.List(ctx, "a@x.com", HealthAllergy)
	require.ErrorIs(t, err, ErrServiceUnavailable)
	_, err = profile.Add(ctx, "a@x.com", HealthAllergy, "latex")
	require.ErrorIs(t, err, ErrServiceUnavailable)
	err = profile.Remove(ctx, "a@x.com", HealthAllergy, 1)
	require.ErrorIs(t, err, ErrServiceUnavailable)
	require.False(t, errors.Is(err, ErrNotFound))

	_, err = NewHealthProfile(nil, nil)
	require.ErrorIs(t, err, errMissingHealthStore)
}
