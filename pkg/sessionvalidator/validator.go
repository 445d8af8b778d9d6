package sessionvalidator

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// SessionLookup resolves the single currently valid access token for a subject.
// Implementations return ErrSessionNotFound when no entry exists; any other error
// is treated as store unavailability.
type SessionLookup interface {
	Lookup(ctx context.Context, subject string) (string, error)
}

// Config configures the Validator.
type Config struct {
	Codec    *Codec
	Sessions SessionLookup
}

// DefaultContextKey is used by GinMiddleware when no explicit key is provided.
const DefaultContextKey = "auth_claims"

// Sentinel errors exposed by the validator.
var (
	ErrMissingSigningKey  = errors.New("session.validator.missing_signing_key")
	ErrMissingIssuer      = errors.New("session.validator.missing_issuer")
	ErrInvalidLeeway      = errors.New("session.validator.invalid_leeway")
	ErrMissingCodec       = errors.New("session.validator.missing_codec")
	ErrMissingSessions    = errors.New("session.validator.missing_sessions")
	ErrMissingToken       = errors.New("session.validator.missing_token")
	ErrInvalidToken       = errors.New("session.validator.invalid_token")
	ErrTokenExpired       = errors.New("session.validator.expired")
	ErrWrongTokenType     = errors.New("session.validator.wrong_token_type")
	ErrSessionMismatch    = errors.New("session.validator.session_mismatch")
	ErrSessionNotFound    = errors.New("session.validator.session_not_found")
	ErrSessionUnavailable = errors.New("session.validator.session_unavailable")
	ErrEmptySubject       = errors.New("session.codec.empty_subject")
	ErrUnknownTokenType   = errors.New("session.codec.unknown_token_type")
	ErrInvalidLifetime    = errors.New("session.codec.invalid_lifetime")
)

// Validator checks bearer access tokens against the codec and the session store.
type Validator struct {
	codec    *Codec
	sessions SessionLookup
}

// New constructs a Validator after validating the supplied configuration.
func New(configuration Config) (*Validator, error) {
	if configuration.Codec == nil {
		return nil, fmt.Errorf("session.validator.new: %w", ErrMissingCodec)
	}
	if configuration.Sessions == nil {
		return nil, fmt.Errorf("session.validator.new: %w", ErrMissingSessions)
	}
	return &Validator{codec: configuration.Codec, sessions: configuration.Sessions}, nil
}

// ValidateToken decodes tokenString, requires an access token, and requires it to be
// the token currently recorded for its subject.
func (validator *Validator) ValidateToken(ctx context.Context, tokenString string) (*Claims, error) {
	claims, decodeErr := validator.codec.Decode(tokenString)
	if decodeErr != nil {
		return nil, fmt.Errorf("session.validator.validate_token: %w", decodeErr)
	}
	if claims.TokenType != TokenTypeAccess {
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrWrongTokenType)
	}
	storedToken, lookupErr := validator.sessions.Lookup(ctx, claims.UserID)
	if lookupErr != nil {
		if errors.Is(lookupErr, ErrSessionNotFound) {
			return nil, fmt.Errorf("session.validator.validate_token: %w", ErrSessionMismatch)
		}
		return nil, fmt.Errorf("session.validator.validate_token: %w: %w", ErrSessionUnavailable, lookupErr)
	}
	if subtle.ConstantTimeCompare([]byte(storedToken), []byte(tokenString)) != 1 {
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrSessionMismatch)
	}
	return claims, nil
}

// ValidateRequest reads the bearer token from the Authorization header and validates it.
func (validator *Validator) ValidateRequest(request *http.Request) (*Claims, error) {
	if request == nil {
		return nil, fmt.Errorf("session.validator.validate_request: %w", ErrMissingToken)
	}
	tokenString, found := BearerToken(request)
	if !found {
		return nil, fmt.Errorf("session.validator.validate_request: %w", ErrMissingToken)
	}
	return validator.ValidateToken(request.Context(), tokenString)
}

// BearerToken extracts the token from an "Authorization: Bearer <token>" header.
func BearerToken(request *http.Request) (string, bool) {
	header := strings.TrimSpace(request.Header.Get("Authorization"))
	scheme, tokenString, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return "", false
	}
	return tokenString, true
}

// GinMiddleware returns a Gin middleware that validates the bearer token and injects claims.
// Store unavailability aborts with 503 rather than 401.
func (validator *Validator) GinMiddleware(contextKey string) gin.HandlerFunc {
	if strings.TrimSpace(contextKey) == "" {
		contextKey = DefaultContextKey
	}
	return func(contextGin *gin.Context) {
		claims, err := validator.ValidateRequest(contextGin.Request)
		if err != nil {
			if errors.Is(err, ErrSessionUnavailable) {
				contextGin.AbortWithStatus(http.StatusServiceUnavailable)
				return
			}
			contextGin.Header("WWW-Authenticate", "Bearer")
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		contextGin.Set(contextKey, claims)
		contextGin.Next()
	}
}
