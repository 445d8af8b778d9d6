package authkit

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/medauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

// Context keys populated by RequireSession.
const (
	ContextKeyUser   = "auth_user"
	ContextKeyClaims = sessionvalidator.DefaultContextKey
)

var (
	errMissingValidator = errors.New("auth.authenticator.missing_validator")
	errMissingUsers     = errors.New("auth.authenticator.missing_users")
)

// Identity is the caller resolved from a bearer access token.
type Identity struct {
	User   UserRecord
	Claims *sessionvalidator.Claims
}

// RequestAuthenticator resolves the caller of a request from its bearer access token.
type RequestAuthenticator struct {
	validator *sessionvalidator.Validator
	users     UserStore
	logger    *zap.Logger
}

// NewRequestAuthenticator constructs a RequestAuthenticator.
func NewRequestAuthenticator(validator *sessionvalidator.Validator, users UserStore, logger *zap.Logger) (*RequestAuthenticator, error) {
	if validator == nil {
		return nil, errMissingValidator
	}
	if users == nil {
		return nil, errMissingUsers
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RequestAuthenticator{validator: validator, users: users, logger: logger}, nil
}

// AuthenticateToken validates accessToken against the session store and loads its subject.
// Every rejected token yields ErrUnauthorized; store failures yield ErrServiceUnavailable.
func (authenticator *RequestAuthenticator) AuthenticateToken(ctx context.Context, accessToken string) (Identity, error) {
	claims, err := authenticator.validator.ValidateToken(ctx, accessToken)
	if err != nil {
		if errors.Is(err, sessionvalidator.ErrSessionUnavailable) {
			return Identity{}, unavailable("auth.authenticate_request.session", err)
		}
		authenticator.logger.Debug("access token rejected", zap.String("code", "auth.request.rejected"), zap.Error(err))
		return Identity{}, fmt.Errorf("auth.authenticate_request: %w", ErrUnauthorized)
	}
	record, lookupErr := authenticator.users.GetBySubject(ctx, claims.UserID)
	if lookupErr != nil {
		if errors.Is(lookupErr, ErrUserNotFound) {
			authenticator.logger.Warn("session for missing subject", zap.String("code", "auth.request.subject_missing"))
			return Identity{}, fmt.Errorf("auth.authenticate_request: %w", ErrUnauthorized)
		}
		return Identity{}, unavailable("auth.authenticate_request.lookup", lookupErr)
	}
	return Identity{User: record, Claims: claims}, nil
}

// AuthenticateRequest extracts the bearer token from request and authenticates it.
func (authenticator *RequestAuthenticator) AuthenticateRequest(request *http.Request) (Identity, error) {
	accessToken, ok := sessionvalidator.BearerToken(request)
	if !ok {
		return Identity{}, fmt.Errorf("auth.authenticate_request: %w", ErrUnauthorized)
	}
	return authenticator.AuthenticateToken(request.Context(), accessToken)
}

// RequireSession aborts unauthenticated requests and injects the resolved user and claims.
func (authenticator *RequestAuthenticator) RequireSession() gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		identity, err := authenticator.AuthenticateRequest(contextGin.Request)
		if err != nil {
			if errors.Is(err, ErrServiceUnavailable) {
				authenticator.logger.Error("session check unavailable", zap.String("code", "auth.request.unavailable"), zap.Error(err))
			} else {
				contextGin.Header("WWW-Authenticate", "Bearer")
			}
			RespondError(contextGin, err)
			return
		}
		contextGin.Set(ContextKeyUser, identity.User)
		contextGin.Set(ContextKeyClaims, identity.Claims)
		contextGin.Next()
	}
}

// CurrentUser returns the record injected by RequireSession.
func CurrentUser(contextGin *gin.Context) (UserRecord, bool) {
	value, found := contextGin.Get(ContextKeyUser)
	if !found {
		return UserRecord{}, false
	}
	record, ok := value.(UserRecord)
	return record, ok
}
