package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/medauth/internal/authkit"
	"github.com/tyemirov/medauth/pkg/sessionvalidator"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"
)

func TestConfigureCORS(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)

	router := gin.New()
	middleware, err := ConfigureCORS(zap.NewNop(), []string{"http://localhost:3000"})
	if err != nil {
		t.Fatalf("unexpected error configuring CORS: %v", err)
	}
	router.Use(middleware)
	router.OPTIONS("/resource", func(contextGin *gin.Context) {
		contextGin.Status(http.StatusNoContent)
	})

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodOptions, "/resource", nil)
	request.Header.Set("Origin", "http://localhost:3000")
	request.Header.Set("Access-Control-Request-Method", http.MethodPost)
	request.Header.Set("Access-Control-Request-Headers", "Authorization")
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204 from preflight, got %d", recorder.Code)
	}
	if origin := recorder.Header().Get("Access-Control-Allow-Origin"); origin != "http://localhost:3000" {
		t.Fatalf("unexpected allowed origin header: %q", origin)
	}
	if credentials := recorder.Header().Get("Access-Control-Allow-Credentials"); credentials != "true" {
		t.Fatalf("expected credentials to be allowed, got %q", credentials)
	}
}

func TestConfigureCORSRejectsInvalidOrigins(t *testing.T) {
	testCases := map[string][]string{
		"nil":        nil,
		"blank":      {"  "},
		"wildcard":   {"*"},
		"path":       {"https://app.example.com/login"},
		"scheme":     {"ftp://app.example.com"},
		"no_host":    {"app.example.com"},
		"query":      {"https://app.example.com?x=1"},
		"only_comma": {","},
	}
	for name, origins := range testCases {
		if _, err := ConfigureCORS(zap.NewNop(), origins); err == nil {
			t.Fatalf("%s: expected error for origins %v", name, origins)
		}
	}
	if _, err := ConfigureCORS(zap.NewNop(), []string{"*"}); !errors.Is(err, errWildcardOrigin) {
		t.Fatalf("expected errWildcardOrigin, got %v", err)
	}
}

func TestSanitizeOriginsSplitsAndDeduplicates(t *testing.T) {
	sanitized, err := sanitizeOrigins(zaptest.NewLogger(t), []string{
		"https://b.example.com, https://a.example.com",
		"https://a.example.com/",
		"HTTPS://b.example.com",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sanitized) != 2 {
		t.Fatalf("expected two origins, got %v", sanitized)
	}
	if sanitized[0] != "https://a.example.com" || sanitized[1] != "https://b.example.com" {
		t.Fatalf("unexpected origins %v", sanitized)
	}
}

type profileHarness struct {
	router  *gin.Engine
	service *authkit.Service
	users   *authkit.MemoryUserStore
	health  *authkit.MemoryHealthStore
}

func newProfileHarness(t *testing.T) *profileHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	configuration := authkit.ServerConfig{
		AppJWTSigningKey:    []byte("web-test-signing-key"),
		AppJWTIssuer:        "medauth-test",
		RefreshCookieName:   authkit.DefaultRefreshCookieName,
		AccessTTL:           30 * time.Minute,
		RefreshTTL:          30 * 24 * time.Hour,
		RefreshTTLShort:     time.Hour,
		TokenLeeway:         5 * time.Second,
		VerificationCodeTTL: 5 * time.Minute,
		NonceTTL:            5 * time.Minute,
		AllowInsecureHTTP:   true,
	}
	codec, err := sessionvalidator.NewCodec(sessionvalidator.CodecConfig{
		SigningKey: configuration.AppJWTSigningKey,
		Issuer:     configuration.AppJWTIssuer,
		Leeway:     configuration.TokenLeeway,
	})
	if err != nil {
		t.Fatalf("failed to build codec: %v", err)
	}
	logger := zaptest.NewLogger(t)
	sessions := authkit.NewSessionStore(authkit.NewMemoryStore())
	users := authkit.NewMemoryUserStore()
	health := authkit.NewMemoryHealthStore()
	service, err := authkit.NewService(authkit.ServiceDependencies{
		Config:         configuration,
		Users:          users,
		Hasher:         &authkit.BcryptHasher{Cost: bcrypt.MinCost},
		Codec:          codec,
		Sessions:       sessions,
		Codes:          authkit.NewMemoryStore(),
		Notifier:       authkit.NewLogNotifier(logger),
		Logger:         logger,
		HealthProfiles: health,
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	validator, err := sessionvalidator.New(sessionvalidator.Config{Codec: codec, Sessions: sessions})
	if err != nil {
		t.Fatalf("failed to build validator: %v", err)
	}
	authenticator, err := authkit.NewRequestAuthenticator(validator, users, logger)
	if err != nil {
		t.Fatalf("failed to build authenticator: %v", err)
	}

	healthProfile, err := authkit.NewHealthProfile(health, logger)
	if err != nil {
		t.Fatalf("failed to build health profile: %v", err)
	}

	router := gin.New()
	NewProfileHandlers(service, configuration, logger).Mount(router, authenticator.RequireSession())
	NewHealthHandlers(healthProfile, logger).Mount(router, authenticator.RequireSession())
	return &profileHarness{router: router, service: service, users: users, health: health}
}

func (harness *profileHarness) signupAndLogin(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	record, err := harness.service.Signup(ctx, authkit.SignupRequest{
		ID:              "a@x.com",
		Password:        "Aa1!aaaa",
		Name:            "Kim Minsu",
		Nickname:        "minsu",
		PhoneNumber:     "010-1234-5678",
		NationalID:      "900101-1234567",
		IsTermsAgreed:   true,
		IsPrivacyAgreed: true,
	})
	if err != nil {
		t.Fatalf("signup failed: %v", err)
	}
	tokens, err := harness.service.Login(ctx, record, false)
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	return tokens.AccessToken
}

func (harness *profileHarness) googleLogin(t *testing.T, email string) string {
	t.Helper()
	tokens, _, err := harness.service.SocialLogin(context.Background(), authkit.GoogleIdentity{Subject: "sub-" + email, Email: email, Name: "Lee"}, false)
	if err != nil {
		t.Fatalf("google login failed: %v", err)
	}
	return tokens.AccessToken
}

func (harness *profileHarness) do(method string, path string, accessToken string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		encoded, _ := json.Marshal(body)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if accessToken != "" {
		request.Header.Set("Authorization", "Bearer "+accessToken)
	}
	recorder := httptest.NewRecorder()
	harness.router.ServeHTTP(recorder, request)
	return recorder
}

func TestHandleWhoAmI(t *testing.T) {
	harness := newProfileHarness(t)
	accessToken := harness.signupAndLogin(t)

	recorder := harness.do(http.MethodGet, "/users/me", accessToken, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var payload map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if payload["id"] != "a@x.com" || payload["nickname"] != "minsu" {
		t.Fatalf("unexpected profile %v", payload)
	}
	if payload["phone_number"] != "01012345678" {
		t.Fatalf("expected normalized phone, got %v", payload["phone_number"])
	}
	if _, leaked := payload["national_id"]; leaked {
		t.Fatalf("national id must not be exposed")
	}
	if _, leaked := payload["password_hash"]; leaked {
		t.Fatalf("password hash must not be exposed")
	}
}

func TestHandleWhoAmIRequiresSession(t *testing.T) {
	harness := newProfileHarness(t)
	recorder := harness.do(http.MethodGet, "/users/me", "", nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", recorder.Code)
	}
	if recorder.Header().Get("WWW-Authenticate") == "" {
		t.Fatalf("expected WWW-Authenticate header")
	}
	recorder = harness.do(http.MethodGet, "/users/me", "not-a-token", nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage token, got %d", recorder.Code)
	}
}

func TestHandleWhoAmIMissingUserOnContext(t *testing.T) {
	harness := newProfileHarness(t)
	router := gin.New()
	router.GET("/users/me", NewProfileHandlers(harness.service, authkit.ServerConfig{}, nil).HandleWhoAmI)
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/users/me", nil))
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 when no user on context, got %d", recorder.Code)
	}
}

func TestHandleUpdateProfile(t *testing.T) {
	harness := newProfileHarness(t)
	accessToken := harness.signupAndLogin(t)

	recorder := harness.do(http.MethodPatch, "/users/me", accessToken, map[string]any{
		"nickname":        "renamed",
		"chronic_disease": "hypertension",
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	record, err := harness.users.GetBySubject(context.Background(), "a@x.com")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if record.Nickname != "renamed" || record.ChronicDisease != "hypertension" {
		t.Fatalf("profile not updated: %+v", record)
	}

	recorder = harness.do(http.MethodPatch, "/users/me", accessToken, map[string]any{"nickname": "x"})
	if recorder.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for short nickname, got %d", recorder.Code)
	}

	request := httptest.NewRequest(http.MethodPatch, "/users/me", bytes.NewBufferString("{"))
	request.Header.Set("Authorization", "Bearer "+accessToken)
	request.Header.Set("Content-Type", "application/json")
	malformed := httptest.NewRecorder()
	harness.router.ServeHTTP(malformed, request)
	if malformed.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed json, got %d", malformed.Code)
	}
}

func TestHandleChangePassword(t *testing.T) {
	harness := newProfileHarness(t)
	accessToken := harness.signupAndLogin(t)

	recorder := harness.do(http.MethodPost, "/users/me/password", accessToken, map[string]string{
		"current_password": "wrong-Password1!",
		"new_password":     "Bb2@bbbb",
	})
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong current password, got %d", recorder.Code)
	}

	recorder = harness.do(http.MethodPost, "/users/me/password", accessToken, map[string]string{
		"current_password": "Aa1!aaaa",
		"new_password":     "Bb2@bbbb",
	})
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", recorder.Code, recorder.Body.String())
	}

	recorder = harness.do(http.MethodGet, "/users/me", accessToken, nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected session to end after password change, got %d", recorder.Code)
	}
	if _, err := harness.service.Authenticate(context.Background(), "a@x.com", "Bb2@bbbb"); err != nil {
		t.Fatalf("expected new password to authenticate: %v", err)
	}
}

func TestHandleWithdraw(t *testing.T) {
	harness := newProfileHarness(t)
	accessToken := harness.signupAndLogin(t)

	recorder := harness.do(http.MethodDelete, "/users/me", accessToken, map[string]string{"password": "Zz9!zzzz"})
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong password, got %d", recorder.Code)
	}

	recorder = harness.do(http.MethodDelete, "/users/me", accessToken, map[string]string{"password": "Aa1!aaaa"})
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if _, err := harness.users.GetBySubject(context.Background(), "a@x.com"); !errors.Is(err, authkit.ErrUserNotFound) {
		t.Fatalf("expected record to be deleted, got %v", err)
	}
	recorder = harness.do(http.MethodGet, "/users/me", accessToken, nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 after withdrawal, got %d", recorder.Code)
	}
}

func TestHealthHandlersLifecycle(t *testing.T) {
	harness := newProfileHarness(t)
	accessToken := harness.signupAndLogin(t)

	created := harness.do(http.MethodPost, "/health/chronic-diseases", accessToken, map[string]string{"disease_name": "hypertension"})
	if created.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", created.Code, created.Body.String())
	}
	var entry struct {
		ID          int64  `json:"id"`
		DiseaseName string `json:"disease_name"`
	}
	if err := json.Unmarshal(created.Body.Bytes(), &entry); err != nil || entry.ID == 0 || entry.DiseaseName != "hypertension" {
		t.Fatalf("unexpected created entry %s (%v)", created.Body.String(), err)
	}
	if recorder := harness.do(http.MethodPost, "/health/allergies", accessToken, map[string]string{"allergy_name": "penicillin"}); recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201 for allergy, got %d", recorder.Code)
	}

	listed := harness.do(http.MethodGet, "/health/chronic-diseases", accessToken, nil)
	var list struct {
		Items []map[string]any `json:"items"`
	}
	if err := json.Unmarshal(listed.Body.Bytes(), &list); err != nil || listed.Code != http.StatusOK {
		t.Fatalf("unexpected list response %d: %s (%v)", listed.Code, listed.Body.String(), err)
	}
	if len(list.Items) != 1 || list.Items[0]["disease_name"] != "hypertension" {
		t.Fatalf("expected only the chronic disease, got %v", list.Items)
	}

	deleted := harness.do(http.MethodDelete, fmt.Sprintf("/health/chronic-diseases/%d", entry.ID), accessToken, nil)
	if deleted.Code != http.StatusOK {
		t.Fatalf("expected 200 on delete, got %d: %s", deleted.Code, deleted.Body.String())
	}
	if recorder := harness.do(http.MethodDelete, fmt.Sprintf("/health/chronic-diseases/%d", entry.ID), accessToken, nil); recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on repeated delete, got %d", recorder.Code)
	}
}

func TestHealthHandlersValidation(t *testing.T) {
	harness := newProfileHarness(t)
	accessToken := harness.signupAndLogin(t)

	recorder := harness.do(http.MethodPost, "/health/allergies", accessToken, map[string]string{"allergy_name": "  "})
	if recorder.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for blank allergy, got %d", recorder.Code)
	}
	recorder = harness.do(http.MethodPost, "/health/allergies", accessToken, map[string]string{"disease_name": "asthma"})
	if recorder.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 when the allergy name is missing, got %d", recorder.Code)
	}
	if recorder := harness.do(http.MethodDelete, "/health/allergies/abc", accessToken, nil); recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for a malformed id, got %d", recorder.Code)
	}
	if recorder := harness.do(http.MethodGet, "/health/allergies", "", nil); recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a session, got %d", recorder.Code)
	}
}

func TestHealthHandlersHideOtherSubjectsEntries(t *testing.T) {
	harness := newProfileHarness(t)
	ownerToken := harness.signupAndLogin(t)
	otherToken := harness.googleLogin(t, "b@x.com")

	created := harness.do(http.MethodPost, "/health/allergies", ownerToken, map[string]string{"allergy_name": "penicillin"})
	var entry struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(created.Body.Bytes(), &entry); err != nil || entry.ID == 0 {
		t.Fatalf("unexpected created entry %s (%v)", created.Body.String(), err)
	}

	recorder := harness.do(http.MethodDelete, fmt.Sprintf("/health/allergies/%d", entry.ID), otherToken, nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 when deleting another subject's entry, got %d", recorder.Code)
	}
	listed := harness.do(http.MethodGet, "/health/allergies", otherToken, nil)
	if listed.Code != http.StatusOK || !bytes.Contains(listed.Body.Bytes(), []byte(`"items":[]`)) {
		t.Fatalf("expected an empty list for the other subject, got %d: %s", listed.Code, listed.Body.String())
	}
	remaining, err := harness.health.List(context.Background(), "a@x.com", authkit.HealthAllergy)
	if err != nil || len(remaining) != 1 {
		t.Fatalf("expected the owner's entry to survive, got %v (%v)", remaining, err)
	}
}

func TestHandleWithdrawPurgesHealthProfile(t *testing.T) {
	harness := newProfileHarness(t)
	accessToken := harness.signupAndLogin(t)
	if recorder := harness.do(http.MethodPost, "/health/allergies", accessToken, map[string]string{"allergy_name": "penicillin"}); recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", recorder.Code)
	}

	if recorder := harness.do(http.MethodDelete, "/users/me", accessToken, map[string]string{"password": "Aa1!aaaa"}); recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", recorder.Code)
	}
	remaining, err := harness.health.List(context.Background(), "a@x.com", authkit.HealthAllergy)
	if err != nil || len(remaining) != 0 {
		t.Fatalf("expected health entries to be purged, got %v (%v)", remaining, err)
	}
}
