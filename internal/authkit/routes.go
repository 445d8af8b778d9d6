package authkit

import (
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// DefaultRefreshCookieName names the HTTP-only cookie carrying the refresh token.
const DefaultRefreshCookieName = "refresh_token"

type authRoutes struct {
	configuration ServerConfig
	service       *Service
	authenticator *RequestAuthenticator
	googleSignIn  *GoogleSignIn
}

// MountAuthRoutes registers the account and session endpoints under router.
// Google sign-in routes are only mounted when googleSignIn is non-nil.
func MountAuthRoutes(router gin.IRouter, configuration ServerConfig, service *Service, authenticator *RequestAuthenticator, googleSignIn *GoogleSignIn) {
	if strings.TrimSpace(configuration.RefreshCookieName) == "" {
		configuration.RefreshCookieName = DefaultRefreshCookieName
	}
	routes := &authRoutes{
		configuration: configuration,
		service:       service,
		authenticator: authenticator,
		googleSignIn:  googleSignIn,
	}

	users := router.Group("/users")
	users.POST("/signup", routes.signup)
	users.GET("/id-check", routes.checkID)
	users.POST("/login", routes.login)
	users.GET("/token/refresh", routes.refresh)
	users.POST("/token/refresh", routes.refresh)
	users.POST("/logout", authenticator.RequireSession(), routes.logout)
	users.GET("/find-id", routes.findID)
	users.POST("/reset-password", routes.resetPassword)

	email := router.Group("/email")
	email.POST("/send-code", routes.sendCode)
	email.POST("/verify-code", routes.verifyCode)

	if googleSignIn != nil {
		users.GET("/auth/google/nonce", routes.googleNonce)
		users.POST("/auth/google", routes.googleLogin)
	}
}

func (routes *authRoutes) signup(contextGin *gin.Context) {
	var request SignupRequest
	if !bindJSON(contextGin, &request) {
		return
	}
	record, err := routes.service.Signup(contextGin.Request.Context(), request)
	if err != nil {
		RespondError(contextGin, err)
		return
	}
	contextGin.JSON(http.StatusCreated, NewProfile(record))
}

func (routes *authRoutes) checkID(contextGin *gin.Context) {
	if err := routes.service.CheckIDAvailable(contextGin.Request.Context(), contextGin.Query("id")); err != nil {
		RespondError(contextGin, err)
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{"available": true})
}

func (routes *authRoutes) login(contextGin *gin.Context) {
	var inbound struct {
		ID         string `json:"id"`
		Password   string `json:"password"`
		RememberMe bool   `json:"remember_me"`
	}
	if !bindJSON(contextGin, &inbound) {
		return
	}
	record, err := routes.service.Authenticate(contextGin.Request.Context(), inbound.ID, inbound.Password)
	if err != nil {
		RespondError(contextGin, err)
		return
	}
	tokens, loginErr := routes.service.Login(contextGin.Request.Context(), record, inbound.RememberMe)
	if loginErr != nil {
		RespondError(contextGin, loginErr)
		return
	}
	routes.writeLoginResponse(contextGin, tokens, record)
}

func (routes *authRoutes) refresh(contextGin *gin.Context) {
	refreshToken := ""
	if refreshCookie, cookieErr := contextGin.Request.Cookie(routes.configuration.RefreshCookieName); cookieErr == nil && refreshCookie != nil {
		refreshToken = strings.TrimSpace(refreshCookie.Value)
	}
	if refreshToken == "" && contextGin.Request.ContentLength > 0 {
		var inbound struct {
			RefreshToken string `json:"refresh_token"`
		}
		if err := contextGin.ShouldBindJSON(&inbound); err == nil {
			refreshToken = strings.TrimSpace(inbound.RefreshToken)
		}
	}
	if refreshToken == "" {
		RespondError(contextGin, ErrUnauthorized)
		return
	}
	tokens, err := routes.service.Refresh(contextGin.Request.Context(), refreshToken)
	if err != nil {
		RespondError(contextGin, err)
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{
		"access_token": tokens.AccessToken,
		"token_type":   "bearer",
		"expires_at":   tokens.AccessExpiresAt,
	})
}

func (routes *authRoutes) logout(contextGin *gin.Context) {
	record, ok := CurrentUser(contextGin)
	if !ok {
		RespondError(contextGin, ErrUnauthorized)
		return
	}
	if err := routes.service.Logout(contextGin.Request.Context(), record.ID); err != nil {
		RespondError(contextGin, err)
		return
	}
	ClearRefreshCookie(contextGin, routes.configuration)
	contextGin.Status(http.StatusNoContent)
}

func (routes *authRoutes) findID(contextGin *gin.Context) {
	subject, err := routes.service.FindID(contextGin.Request.Context(), contextGin.Query("name"), contextGin.Query("phone_number"))
	if err != nil {
		RespondError(contextGin, err)
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{"id": subject})
}

func (routes *authRoutes) resetPassword(contextGin *gin.Context) {
	var request ResetPasswordRequest
	if !bindJSON(contextGin, &request) {
		return
	}
	if err := routes.service.ResetPassword(contextGin.Request.Context(), request); err != nil {
		RespondError(contextGin, err)
		return
	}
	contextGin.Status(http.StatusNoContent)
}

func (routes *authRoutes) sendCode(contextGin *gin.Context) {
	var inbound struct {
		Email string `json:"email"`
	}
	if !bindJSON(contextGin, &inbound) {
		return
	}
	if err := routes.service.SendVerificationCode(contextGin.Request.Context(), inbound.Email); err != nil {
		RespondError(contextGin, err)
		return
	}
	contextGin.Status(http.StatusNoContent)
}

func (routes *authRoutes) verifyCode(contextGin *gin.Context) {
	var inbound struct {
		Email string `json:"email"`
		Code  string `json:"code"`
	}
	if !bindJSON(contextGin, &inbound) {
		return
	}
	if err := routes.service.VerifyCode(contextGin.Request.Context(), inbound.Email, inbound.Code); err != nil {
		RespondError(contextGin, err)
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{"verified": true})
}

func (routes *authRoutes) googleNonce(contextGin *gin.Context) {
	nonce, err := routes.googleSignIn.Nonces.Issue(contextGin.Request.Context())
	if err != nil {
		RespondError(contextGin, classifyStoreError("auth.google.nonce", err))
		return
	}
	contextGin.Header("Cache-Control", "no-store")
	contextGin.JSON(http.StatusOK, gin.H{"nonce": nonce})
}

func (routes *authRoutes) googleLogin(contextGin *gin.Context) {
	var inbound struct {
		GoogleIDToken string `json:"google_id_token"`
		Nonce         string `json:"nonce"`
		RememberMe    bool   `json:"remember_me"`
	}
	if !bindJSON(contextGin, &inbound) {
		return
	}
	if strings.TrimSpace(inbound.GoogleIDToken) == "" {
		RespondError(contextGin, &ValidationError{Field: "google_id_token", Message: "is required"})
		return
	}
	if !routes.configuration.AllowInsecureHTTP && !isHTTPS(contextGin.Request) {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "https_required"})
		return
	}
	ctx := contextGin.Request.Context()
	if err := routes.googleSignIn.Nonces.Consume(ctx, inbound.Nonce); err != nil {
		if errors.Is(err, ErrNonceNotFound) {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_nonce"})
			return
		}
		RespondError(contextGin, classifyStoreError("auth.google.nonce", err))
		return
	}
	identity, verifyErr := routes.googleSignIn.Verifier.Verify(ctx, inbound.GoogleIDToken, inbound.Nonce)
	if verifyErr != nil {
		_ = contextGin.Error(verifyErr)
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_google_token"})
		return
	}
	tokens, record, err := routes.service.SocialLogin(ctx, identity, inbound.RememberMe)
	if err != nil {
		RespondError(contextGin, err)
		return
	}
	routes.writeLoginResponse(contextGin, tokens, record)
}

func (routes *authRoutes) writeLoginResponse(contextGin *gin.Context, tokens TokenPair, record UserRecord) {
	writeRefreshCookie(contextGin, routes.configuration, tokens.RefreshToken, tokens.RefreshExpiresAt)
	contextGin.JSON(http.StatusOK, gin.H{
		"access_token":       tokens.AccessToken,
		"token_type":         "bearer",
		"expires_at":         tokens.AccessExpiresAt,
		"refresh_token":      tokens.RefreshToken,
		"refresh_expires_at": tokens.RefreshExpiresAt,
		"user":               NewProfile(record),
	})
}

// RespondError aborts the request with the status and body matching err's kind.
// Server-side failures are attached to the gin context for the request logger.
func RespondError(contextGin *gin.Context, err error) {
	status, body := describeError(err)
	if status >= http.StatusInternalServerError {
		_ = contextGin.Error(err)
	}
	contextGin.AbortWithStatusJSON(status, body)
}

func describeError(err error) (int, gin.H) {
	var validationError *ValidationError
	if errors.As(err, &validationError) {
		return http.StatusUnprocessableEntity, gin.H{
			"error":  "validation_error",
			"detail": gin.H{"field": validationError.Field, "message": validationError.Message},
		}
	}
	var conflictError *ConflictError
	if errors.As(err, &conflictError) {
		return http.StatusConflict, gin.H{
			"error":  "conflict",
			"detail": gin.H{"field": conflictError.Field},
		}
	}
	switch {
	case errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable, gin.H{"error": "service_unavailable"}
	case errors.Is(err, ErrAgreementRequired):
		return http.StatusBadRequest, gin.H{"error": "agreement_required", "detail": "terms and privacy agreements are required"}
	case errors.Is(err, ErrConflict):
		return http.StatusConflict, gin.H{"error": "conflict"}
	case errors.Is(err, ErrInvalidCredentials):
		return http.StatusUnauthorized, gin.H{"error": "invalid_credentials"}
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, gin.H{"error": "unauthorized"}
	case errors.Is(err, ErrVerificationFailed):
		return http.StatusBadRequest, gin.H{"error": "verification_failed"}
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, gin.H{"error": "not_found"}
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, gin.H{"error": "forbidden"}
	default:
		return http.StatusInternalServerError, gin.H{"error": "internal_error"}
	}
}

func classifyStoreError(scope string, err error) error {
	if errors.Is(err, ErrStoreUnavailable) {
		return unavailable(scope, err)
	}
	return err
}

func bindJSON(contextGin *gin.Context, target any) bool {
	if err := contextGin.ShouldBindJSON(target); err != nil {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
		return false
	}
	return true
}

func writeRefreshCookie(contextGin *gin.Context, configuration ServerConfig, refreshToken string, expiresAt time.Time) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     configuration.RefreshCookieName,
		Value:    refreshToken,
		Path:     "/",
		Domain:   configuration.CookieDomain,
		Expires:  expiresAt,
		Secure:   !configuration.AllowInsecureHTTP,
		HttpOnly: true,
		SameSite: configuration.SameSiteMode,
	})
}

// ClearRefreshCookie expires the refresh token cookie.
func ClearRefreshCookie(contextGin *gin.Context, configuration ServerConfig) {
	name := configuration.RefreshCookieName
	if strings.TrimSpace(name) == "" {
		name = DefaultRefreshCookieName
	}
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		Domain:   configuration.CookieDomain,
		MaxAge:   -1,
		Secure:   !configuration.AllowInsecureHTTP,
		HttpOnly: true,
		SameSite: configuration.SameSiteMode,
	})
}

func isHTTPS(request *http.Request) bool {
	if request.TLS != nil {
		return true
	}
	if strings.EqualFold(request.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	forwarded := request.Header.Get("Forwarded")
	if forwarded != "" && strings.Contains(strings.ToLower(forwarded), "proto=https") {
		return true
	}
	host, _, splitErr := net.SplitHostPort(request.Host)
	return splitErr == nil && host == "localhost"
}
