package sessionvalidator

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenType discriminates access tokens from refresh tokens.
type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// Valid reports whether the type is one of the known token types.
func (tokenType TokenType) Valid() bool {
	return tokenType == TokenTypeAccess || tokenType == TokenTypeRefresh
}

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// Now returns the current UTC timestamp.
func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// NewSystemClock returns a Clock backed by time.Now.
func NewSystemClock() Clock {
	return systemClock{}
}

// Claims represent the payload embedded inside issued tokens.
type Claims struct {
	UserID    string    `json:"user_id"`
	TokenType TokenType `json:"type"`
	jwt.RegisteredClaims
}

// GetUserID returns the subject identifier.
func (claims *Claims) GetUserID() string {
	if claims == nil {
		return ""
	}
	return claims.UserID
}

// GetExpiresAt returns the expiry timestamp.
func (claims *Claims) GetExpiresAt() time.Time {
	if claims == nil || claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

// CodecConfig configures the Codec.
type CodecConfig struct {
	SigningKey []byte
	Issuer     string
	Leeway     time.Duration
	Clock      Clock
}

// Codec issues and decodes HS256 tokens.
type Codec struct {
	signingKey []byte
	issuer     string
	leeway     time.Duration
	clock      Clock
	newID      func() string
}

// NewCodec constructs a Codec after validating the supplied configuration.
func NewCodec(configuration CodecConfig) (*Codec, error) {
	if len(configuration.SigningKey) == 0 {
		return nil, fmt.Errorf("session.codec.new: %w", ErrMissingSigningKey)
	}
	if strings.TrimSpace(configuration.Issuer) == "" {
		return nil, fmt.Errorf("session.codec.new: %w", ErrMissingIssuer)
	}
	if configuration.Leeway < 0 {
		return nil, fmt.Errorf("session.codec.new: %w", ErrInvalidLeeway)
	}
	clock := configuration.Clock
	if clock == nil {
		clock = systemClock{}
	}
	return &Codec{
		signingKey: configuration.SigningKey,
		issuer:     configuration.Issuer,
		leeway:     configuration.Leeway,
		clock:      clock,
		newID:      func() string { return uuid.NewString() },
	}, nil
}

// Issue signs a token of the given type for subject, valid for lifetime.
func (codec *Codec) Issue(subject string, tokenType TokenType, lifetime time.Duration) (string, time.Time, error) {
	if strings.TrimSpace(subject) == "" {
		return "", time.Time{}, fmt.Errorf("session.codec.issue: %w", ErrEmptySubject)
	}
	if !tokenType.Valid() {
		return "", time.Time{}, fmt.Errorf("session.codec.issue.%s: %w", tokenType, ErrUnknownTokenType)
	}
	if lifetime <= 0 {
		return "", time.Time{}, fmt.Errorf("session.codec.issue: %w", ErrInvalidLifetime)
	}
	issuedAt := codec.clock.Now().UTC()
	expiresAt := issuedAt.Add(lifetime)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserID:    subject,
		TokenType: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    codec.issuer,
			Subject:   subject,
			ID:        codec.newID(),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, err := token.SignedString(codec.signingKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("session.codec.issue: %w", err)
	}
	return signed, expiresAt, nil
}

// Decode verifies the signature and expiry of tokenString and returns its claims.
func (codec *Codec) Decode(tokenString string) (*Claims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, fmt.Errorf("session.codec.decode: %w", ErrMissingToken)
	}
	parsedToken, parseErr := jwt.ParseWithClaims(tokenString, &Claims{}, func(parsed *jwt.Token) (interface{}, error) {
		return codec.signingKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(codec.leeway),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(codec.issuer),
		jwt.WithTimeFunc(func() time.Time {
			return codec.clock.Now()
		}))
	if parseErr != nil {
		if errors.Is(parseErr, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("session.codec.decode: %w", ErrTokenExpired)
		}
		return nil, fmt.Errorf("session.codec.decode: %w", ErrInvalidToken)
	}
	if parsedToken == nil || !parsedToken.Valid {
		return nil, fmt.Errorf("session.codec.decode: %w", ErrInvalidToken)
	}
	claims, ok := parsedToken.Claims.(*Claims)
	if !ok || strings.TrimSpace(claims.UserID) == "" || !claims.TokenType.Valid() {
		return nil, fmt.Errorf("session.codec.decode: %w", ErrInvalidToken)
	}
	return claims, nil
}
