package adminauth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ticketdesk/boxoffice/common/logging"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestNewTokens_Secret(t *testing.T) {
	_, err := NewTokens("")
	assert.ErrorIs(t, err, ErrNoSecret)

	_, err = NewTokens("short")
	assert.ErrorIs(t, err, ErrShortSecret)

	_, err = NewTokens(testSecret)
	assert.NoError(t, err)
}

func TestTokens_IssueValidate(t *testing.T) {
	tokens, err := NewTokens(testSecret)
	require.NoError(t, err)

	raw, err := tokens.Issue("ops@example.com", []string{RoleAdmin}, time.Hour)
	require.NoError(t, err)

	claims, err := tokens.Validate(raw)
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", claims.Subject)
	assert.True(t, claims.HasRole(RoleAdmin))
	assert.False(t, claims.HasRole("viewer"))
}

func TestTokens_Expired(t *testing.T) {
	tokens, err := NewTokens(testSecret)
	require.NoError(t, err)

	tokens.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	raw, err := tokens.Issue("ops", []string{RoleAdmin}, time.Hour)
	require.NoError(t, err)

	tokens.now = time.Now
	_, err = tokens.Validate(raw)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)
}

func TestTokens_WrongSecret(t *testing.T) {
	a, _ := NewTokens(testSecret)
	b, _ := NewTokens("ffffffffffffffffffffffffffffffff")

	raw, err := a.Issue("ops", []string{RoleAdmin}, time.Hour)
	require.NoError(t, err)

	_, err = b.Validate(raw)
	assert.Error(t, err)
}

func TestRequireRole(t *testing.T) {
	tokens, err := NewTokens(testSecret)
	require.NoError(t, err)

	admin, _ := tokens.Issue("ops", []string{RoleAdmin}, time.Hour)
	viewer, _ := tokens.Issue("intern", []string{"viewer"}, time.Hour)

	var subject string
	h := RequireRole(tokens, RoleAdmin, logging.Discard())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFromContext(r.Context())
		require.True(t, ok)
		subject = claims.Subject
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"no header", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"garbage", "Bearer not.a.jwt", http.StatusUnauthorized},
		{"wrong role", "Bearer " + viewer, http.StatusForbidden},
		{"admin", "Bearer " + admin, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin/events/stripe/evt_1", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
	assert.Equal(t, "ops", subject)
}

func TestRequireRole_Disabled(t *testing.T) {
	h := RequireRole(nil, RoleAdmin, logging.Discard())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/x", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
