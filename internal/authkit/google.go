package authkit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/api/idtoken"
)

var (
	errGoogleInvalidToken  = errors.New("google.invalid_token")
	errGoogleInvalidIssuer = errors.New("google.invalid_issuer")
	errGoogleUnverified    = errors.New("google.unverified_identity")
	errGoogleNonceMismatch = errors.New("google.nonce_mismatch")
)

// GoogleTokenVerifier resolves a Google ID token into a verified identity.
type GoogleTokenVerifier interface {
	Verify(ctx context.Context, idToken string, nonce string) (GoogleIdentity, error)
}

// PayloadValidator is the subset of idtoken.Validator used by GoogleIDTokenVerifier.
type PayloadValidator interface {
	Validate(ctx context.Context, idToken string, audience string) (*idtoken.Payload, error)
}

// GoogleIDTokenVerifier checks signature, audience, issuer, email verification and nonce.
type GoogleIDTokenVerifier struct {
	validator PayloadValidator
	clientID  string
}

// NewGoogleIDTokenVerifier constructs a verifier backed by Google's published certificates.
func NewGoogleIDTokenVerifier(ctx context.Context, clientID string) (*GoogleIDTokenVerifier, error) {
	validator, err := idtoken.NewValidator(ctx)
	if err != nil {
		return nil, fmt.Errorf("google.validator: %w", err)
	}
	return NewGoogleIDTokenVerifierWithValidator(validator, clientID), nil
}

// NewGoogleIDTokenVerifierWithValidator uses the supplied payload validator.
func NewGoogleIDTokenVerifierWithValidator(validator PayloadValidator, clientID string) *GoogleIDTokenVerifier {
	return &GoogleIDTokenVerifier{validator: validator, clientID: clientID}
}

// Verify validates idToken for the configured client and requires its nonce claim to equal nonce.
func (verifier *GoogleIDTokenVerifier) Verify(ctx context.Context, idToken string, nonce string) (GoogleIdentity, error) {
	payload, err := verifier.validator.Validate(ctx, idToken, verifier.clientID)
	if err != nil {
		return GoogleIdentity{}, fmt.Errorf("%w: %w", errGoogleInvalidToken, err)
	}
	if payload.Issuer != "https://accounts.google.com" && payload.Issuer != "accounts.google.com" {
		return GoogleIdentity{}, errGoogleInvalidIssuer
	}
	tokenNonce, _ := payload.Claims["nonce"].(string)
	if tokenNonce == "" || tokenNonce != nonce {
		return GoogleIdentity{}, errGoogleNonceMismatch
	}
	email, _ := payload.Claims["email"].(string)
	emailVerified, _ := payload.Claims["email_verified"].(bool)
	displayName, _ := payload.Claims["name"].(string)
	if payload.Subject == "" || strings.TrimSpace(email) == "" || !emailVerified {
		return GoogleIdentity{}, errGoogleUnverified
	}
	return GoogleIdentity{Subject: payload.Subject, Email: strings.TrimSpace(email), Name: displayName}, nil
}

// GoogleSignIn binds the nonce store and the token verifier for the Google login routes.
type GoogleSignIn struct {
	Nonces   *NonceStore
	Verifier GoogleTokenVerifier
}
