package authkit

import (
	"net/http"
	"time"
)

// ServerConfig configures issuers, cookies, and TTLs.
type ServerConfig struct {
	GoogleWebClientID   string
	AppJWTSigningKey    []byte
	AppJWTIssuer        string
	CookieDomain        string
	RefreshCookieName   string
	AccessTTL           time.Duration
	RefreshTTL          time.Duration
	RefreshTTLShort     time.Duration
	TokenLeeway         time.Duration
	VerificationCodeTTL time.Duration
	NonceTTL            time.Duration
	SameSiteMode        http.SameSite
	AllowInsecureHTTP   bool
}

// RefreshLifetime selects the refresh token lifetime for a login.
func (configuration ServerConfig) RefreshLifetime(rememberMe bool) time.Duration {
	if rememberMe {
		return configuration.RefreshTTL
	}
	return configuration.RefreshTTLShort
}
