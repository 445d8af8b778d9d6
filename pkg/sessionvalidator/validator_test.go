package sessionvalidator

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

type fixedClock struct {
	current time.Time
}

func (clock *fixedClock) Now() time.Time {
	return clock.current
}

type mapLookup struct {
	entries map[string]string
	err     error
}

func (lookup *mapLookup) Lookup(ctx context.Context, subject string) (string, error) {
	if lookup.err != nil {
		return "", lookup.err
	}
	value, ok := lookup.entries[subject]
	if !ok {
		return "", ErrSessionNotFound
	}
	return value, nil
}

func newTestCodec(t *testing.T, clock Clock, signingKey string, issuer string) *Codec {
	t.Helper()
	codec, err := NewCodec(CodecConfig{
		SigningKey: []byte(signingKey),
		Issuer:     issuer,
		Leeway:     5 * time.Second,
		Clock:      clock,
	})
	if err != nil {
		t.Fatalf("unexpected codec error: %v", err)
	}
	return codec
}

func TestNewCodecRequiresSigningKey(t *testing.T) {
	t.Parallel()

	_, err := NewCodec(CodecConfig{Issuer: "issuer"})
	if err == nil || !errors.Is(err, ErrMissingSigningKey) {
		t.Fatalf("expected missing signing key error, got %v", err)
	}
	_, err = NewCodec(CodecConfig{SigningKey: []byte("secret")})
	if err == nil || !errors.Is(err, ErrMissingIssuer) {
		t.Fatalf("expected missing issuer error, got %v", err)
	}
}

func TestCodecRoundTrip(t *testing.T) {
	t.Parallel()

	clock := &fixedClock{current: time.Unix(1700000000, 0).UTC()}
	codec := newTestCodec(t, clock, "secret-key", "issuer")

	for _, tokenType := range []TokenType{TokenTypeAccess, TokenTypeRefresh} {
		tokenValue, expiresAt, err := codec.Issue("a@x.com", tokenType, 30*time.Minute)
		if err != nil {
			t.Fatalf("issue %s: %v", tokenType, err)
		}
		if !expiresAt.Equal(clock.current.Add(30 * time.Minute)) {
			t.Fatalf("unexpected expiry %v", expiresAt)
		}
		claims, decodeErr := codec.Decode(tokenValue)
		if decodeErr != nil {
			t.Fatalf("decode %s: %v", tokenType, decodeErr)
		}
		if claims.GetUserID() != "a@x.com" || claims.TokenType != tokenType {
			t.Fatalf("unexpected claims: %#v", claims)
		}
		if claims.ID == "" {
			t.Fatalf("expected token identifier")
		}
	}
}

func TestCodecIssuesDistinctIdentifiers(t *testing.T) {
	t.Parallel()

	clock := &fixedClock{current: time.Unix(1700000000, 0).UTC()}
	codec := newTestCodec(t, clock, "secret-key", "issuer")

	first, _, _ := codec.Issue("a@x.com", TokenTypeAccess, time.Minute)
	second, _, _ := codec.Issue("a@x.com", TokenTypeAccess, time.Minute)
	if first == second {
		t.Fatalf("expected tokens issued in the same second to differ")
	}
}

func TestCodecIssueRejectsInvalidInput(t *testing.T) {
	t.Parallel()

	codec := newTestCodec(t, &fixedClock{current: time.Unix(1700000000, 0)}, "secret-key", "issuer")

	if _, _, err := codec.Issue("", TokenTypeAccess, time.Minute); !errors.Is(err, ErrEmptySubject) {
		t.Fatalf("expected ErrEmptySubject, got %v", err)
	}
	if _, _, err := codec.Issue("a@x.com", TokenType("id"), time.Minute); !errors.Is(err, ErrUnknownTokenType) {
		t.Fatalf("expected ErrUnknownTokenType, got %v", err)
	}
	if _, _, err := codec.Issue("a@x.com", TokenTypeAccess, 0); !errors.Is(err, ErrInvalidLifetime) {
		t.Fatalf("expected ErrInvalidLifetime, got %v", err)
	}
}

func TestCodecDecodeRejectsInvalidCases(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	clock := &fixedClock{current: now}
	codec := newTestCodec(t, clock, "secret-key", "issuer")

	tests := []struct {
		name      string
		tokenFunc func() string
		expectErr error
	}{
		{
			name:      "empty token",
			tokenFunc: func() string { return "" },
			expectErr: ErrMissingToken,
		},
		{
			name:      "malformed",
			tokenFunc: func() string { return "not-a-token" },
			expectErr: ErrInvalidToken,
		},
		{
			name: "bad signature",
			tokenFunc: func() string {
				other := newTestCodec(t, clock, "other-key", "issuer")
				tokenValue, _, _ := other.Issue("a@x.com", TokenTypeAccess, time.Minute)
				return tokenValue
			},
			expectErr: ErrInvalidToken,
		},
		{
			name: "wrong issuer",
			tokenFunc: func() string {
				other := newTestCodec(t, clock, "secret-key", "other-issuer")
				tokenValue, _, _ := other.Issue("a@x.com", TokenTypeAccess, time.Minute)
				return tokenValue
			},
			expectErr: ErrInvalidToken,
		},
		{
			name: "expired beyond leeway",
			tokenFunc: func() string {
				past := newTestCodec(t, &fixedClock{current: now.Add(-2 * time.Minute)}, "secret-key", "issuer")
				tokenValue, _, _ := past.Issue("a@x.com", TokenTypeAccess, time.Minute)
				return tokenValue
			},
			expectErr: ErrTokenExpired,
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			_, decodeErr := codec.Decode(testCase.tokenFunc())
			if decodeErr == nil || !errors.Is(decodeErr, testCase.expectErr) {
				t.Fatalf("expected %v, got %v", testCase.expectErr, decodeErr)
			}
		})
	}
}

func TestCodecDecodeHonoursLeeway(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	clock := &fixedClock{current: now}
	codec := newTestCodec(t, clock, "secret-key", "issuer")

	tokenValue, _, err := codec.Issue("a@x.com", TokenTypeAccess, time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	clock.current = now.Add(time.Minute + 3*time.Second)
	if _, err := codec.Decode(tokenValue); err != nil {
		t.Fatalf("expected token within leeway to decode, got %v", err)
	}

	clock.current = now.Add(time.Minute + 10*time.Second)
	if _, err := codec.Decode(tokenValue); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestValidateTokenChecksSessionStore(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	clock := &fixedClock{current: now}
	codec := newTestCodec(t, clock, "secret-key", "issuer")

	current, _, _ := codec.Issue("a@x.com", TokenTypeAccess, time.Minute)
	clock.current = now.Add(time.Second)
	stale, _, _ := codec.Issue("a@x.com", TokenTypeAccess, time.Minute)
	refresh, _, _ := codec.Issue("a@x.com", TokenTypeRefresh, time.Hour)

	lookup := &mapLookup{entries: map[string]string{"a@x.com": current}}
	validator, err := New(Config{Codec: codec, Sessions: lookup})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	claims, validateErr := validator.ValidateToken(context.Background(), current)
	if validateErr != nil {
		t.Fatalf("unexpected validation error: %v", validateErr)
	}
	if claims.GetUserID() != "a@x.com" {
		t.Fatalf("unexpected subject %q", claims.GetUserID())
	}

	if _, err := validator.ValidateToken(context.Background(), stale); !errors.Is(err, ErrSessionMismatch) {
		t.Fatalf("expected ErrSessionMismatch for superseded token, got %v", err)
	}
	if _, err := validator.ValidateToken(context.Background(), refresh); !errors.Is(err, ErrWrongTokenType) {
		t.Fatalf("expected ErrWrongTokenType for refresh token, got %v", err)
	}

	delete(lookup.entries, "a@x.com")
	if _, err := validator.ValidateToken(context.Background(), current); !errors.Is(err, ErrSessionMismatch) {
		t.Fatalf("expected ErrSessionMismatch for absent session, got %v", err)
	}

	lookup.err = errors.New("dial tcp: i/o timeout")
	_, unavailableErr := validator.ValidateToken(context.Background(), current)
	if !errors.Is(unavailableErr, ErrSessionUnavailable) {
		t.Fatalf("expected ErrSessionUnavailable, got %v", unavailableErr)
	}
	if errors.Is(unavailableErr, ErrSessionMismatch) {
		t.Fatalf("store failure must not be reported as mismatch")
	}
}

func TestBearerToken(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		header string
		token  string
		found  bool
	}{
		{header: "Bearer abc", token: "abc", found: true},
		{header: "bearer  abc ", token: "abc", found: true},
		{header: "Basic abc", found: false},
		{header: "Bearer", found: false},
		{header: "", found: false},
	}
	for _, testCase := range testCases {
		request := httptest.NewRequest(http.MethodGet, "/", nil)
		if testCase.header != "" {
			request.Header.Set("Authorization", testCase.header)
		}
		token, found := BearerToken(request)
		if found != testCase.found || token != testCase.token {
			t.Fatalf("header %q: expected (%q, %v), got (%q, %v)", testCase.header, testCase.token, testCase.found, token, found)
		}
	}
}

func TestGinMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	now := time.Unix(1700000000, 0).UTC()
	codec := newTestCodec(t, &fixedClock{current: now}, "secret-key", "issuer")
	tokenValue, _, _ := codec.Issue("a@x.com", TokenTypeAccess, time.Minute)
	lookup := &mapLookup{entries: map[string]string{"a@x.com": tokenValue}}
	validator, err := New(Config{Codec: codec, Sessions: lookup})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	router := gin.New()
	router.Use(validator.GinMiddleware("claims"))
	router.GET("/protected", func(contextGin *gin.Context) {
		value, exists := contextGin.Get("claims")
		if !exists {
			t.Fatalf("claims missing")
		}
		if _, ok := value.(*Claims); !ok {
			t.Fatalf("unexpected claims type: %T", value)
		}
		contextGin.Status(http.StatusOK)
	})

	request := httptest.NewRequest(http.MethodGet, "/protected", nil)
	request.Header.Set("Authorization", "Bearer "+tokenValue)
	response := httptest.NewRecorder()
	router.ServeHTTP(response, request)
	if response.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", response.Code)
	}

	responseMissing := httptest.NewRecorder()
	router.ServeHTTP(responseMissing, httptest.NewRequest(http.MethodGet, "/protected", nil))
	if responseMissing.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for missing token, got %d", responseMissing.Code)
	}

	lookup.err = errors.New("connection refused")
	unavailableRequest := httptest.NewRequest(http.MethodGet, "/protected", nil)
	unavailableRequest.Header.Set("Authorization", "Bearer "+tokenValue)
	responseUnavailable := httptest.NewRecorder()
	router.ServeHTTP(responseUnavailable, unavailableRequest)
	if responseUnavailable.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when session store is unavailable, got %d", responseUnavailable.Code)
	}
}
