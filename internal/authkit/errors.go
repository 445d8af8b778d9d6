package authkit

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the Auth Service and the Request Authenticator.
var (
	ErrAgreementRequired  = errors.New("auth.agreement_required")
	ErrConflict           = errors.New("auth.conflict")
	ErrInvalidCredentials = errors.New("auth.invalid_credentials")
	ErrUnauthorized       = errors.New("auth.unauthorized")
	ErrServiceUnavailable = errors.New("auth.service_unavailable")
	ErrValidation         = errors.New("auth.validation")
	ErrVerificationFailed = errors.New("auth.verification_failed")
	ErrNotFound           = errors.New("auth.not_found")
	ErrForbidden          = errors.New("auth.forbidden")
)

// ValidationError reports a rejected input field.
type ValidationError struct {
	Field   string
	Message string
}

func (validationError *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrValidation.Error(), validationError.Field, validationError.Message)
}

// Is lets errors.Is match ErrValidation.
func (validationError *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// ConflictError reports which unique field collided.
type ConflictError struct {
	Field string
}

func (conflictError *ConflictError) Error() string {
	return fmt.Sprintf("%s: %s already in use", ErrConflict.Error(), conflictError.Field)
}

// Is lets errors.Is match ErrConflict.
func (conflictError *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// conflictFromDuplicate names the column a store reported, or fallback when it named none.
func conflictFromDuplicate(err error, fallback string) *ConflictError {
	var duplicateError *DuplicateError
	if errors.As(err, &duplicateError) && duplicateError.Column != "" {
		return &ConflictError{Field: duplicateError.Column}
	}
	return &ConflictError{Field: fallback}
}

func unavailable(scope string, err error) error {
	return fmt.Errorf("%s: %w: %w", scope, ErrServiceUnavailable, err)
}
