package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/a2abridge/pkg/config"
)

const (
	testIssuer   = "https://issuer.example.com"
	testAudience = "a2abridge"
)

type keys struct {
	private *rsa.PrivateKey
	jwksURL string
}

func newKeys(t *testing.T) *keys {
	t.Helper()
	private, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	pub, err := jwk.FromRaw(&private.PublicKey)
	require.NoError(t, err)
	require.NoError(t, pub.Set(jwk.KeyIDKey, "test-key"))
	require.NoError(t, pub.Set(jwk.AlgorithmKey, jwa.RS256))
	set := jwk.NewSet()
	require.NoError(t, set.AddKey(pub))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(set)
	}))
	t.Cleanup(srv.Close)
	return &keys{private: private, jwksURL: srv.URL + "/jwks.json"}
}

func (k *keys) sign(t *testing.T, issuer string, exp time.Time, extra map[string]any) string {
	t.Helper()
	tok := jwt.New()
	require.NoError(t, tok.Set(jwt.IssuerKey, issuer))
	require.NoError(t, tok.Set(jwt.AudienceKey, testAudience))
	require.NoError(t, tok.Set(jwt.SubjectKey, "user-1"))
	require.NoError(t, tok.Set(jwt.ExpirationKey, exp))
	for key, val := range extra {
		require.NoError(t, tok.Set(key, val))
	}
	key, err := jwk.FromRaw(k.private)
	require.NoError(t, err)
	require.NoError(t, key.Set(jwk.KeyIDKey, "test-key"))
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.RS256, key))
	require.NoError(t, err)
	return string(signed)
}

func newValidator(t *testing.T, k *keys, tenantClaim string) *JWTValidator {
	t.Helper()
	v, err := NewJWTValidator(ValidatorConfig{
		JWKSURL:     k.jwksURL,
		Issuer:      testIssuer,
		Audience:    testAudience,
		TenantClaim: tenantClaim,
	})
	require.NoError(t, err)
	t.Cleanup(v.Close)
	return v
}

func TestValidateToken(t *testing.T) {
	k := newKeys(t)
	v := newValidator(t, k, "")

	tok := k.sign(t, testIssuer, time.Now().Add(time.Hour), map[string]any{
		"email":     "a@example.com",
		"tenant_id": "acme",
		"plan":      "gold",
	})
	claims, err := v.ValidateToken(context.Background(), tok)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, "a@example.com", claims.Email)
	assert.Equal(t, "acme", claims.TenantID)
	assert.Equal(t, "gold", claims.StringClaim("plan"))
}

func TestValidateTokenCustomTenantClaim(t *testing.T) {
	k := newKeys(t)
	v := newValidator(t, k, "org")

	claims, err := v.ValidateToken(context.Background(), k.sign(t, testIssuer, time.Now().Add(time.Hour), map[string]any{"org": "globex"}))
	require.NoError(t, err)
	assert.Equal(t, "globex", claims.TenantID)
}

func TestValidateTokenRejects(t *testing.T) {
	k := newKeys(t)
	v := newValidator(t, k, "")
	other := newKeys(t)

	tests := []struct {
		name  string
		token string
	}{
		{"expired", k.sign(t, testIssuer, time.Now().Add(-time.Hour), nil)},
		{"wrong issuer", k.sign(t, "https://evil.example.com", time.Now().Add(time.Hour), nil)},
		{"unknown key", other.sign(t, testIssuer, time.Now().Add(time.Hour), nil)},
		{"garbage", "not-a-jwt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.ValidateToken(context.Background(), tt.token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestNewJWTValidatorFailsOnBadJWKS(t *testing.T) {
	_, err := NewJWTValidator(ValidatorConfig{JWKSURL: "http://127.0.0.1:1/jwks.json"})
	assert.Error(t, err)

	_, err = NewJWTValidator(ValidatorConfig{})
	assert.Error(t, err)
}

func TestNewValidatorFromConfigDisabled(t *testing.T) {
	v, err := NewValidatorFromConfig(config.AuthConfig{})
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestMiddleware(t *testing.T) {
	k := newKeys(t)
	v := newValidator(t, k, "")
	valid := k.sign(t, testIssuer, time.Now().Add(time.Hour), map[string]any{"tenant_id": "acme"})

	var seen *Claims
	h := Middleware(v, "/public")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		path   string
		header string
		want   int
		tenant string
	}{
		{"missing header", "/rpc", "", http.StatusUnauthorized, ""},
		{"wrong scheme", "/rpc", "Basic abc", http.StatusUnauthorized, ""},
		{"invalid token", "/rpc", "Bearer nope", http.StatusUnauthorized, ""},
		{"valid token", "/rpc", "Bearer " + valid, http.StatusNoContent, "acme"},
		{"health is public", "/health", "", http.StatusNoContent, ""},
		{"card is public", "/.well-known/agent.json", "", http.StatusNoContent, ""},
		{"excluded path", "/public", "", http.StatusNoContent, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = nil
			req := httptest.NewRequest(http.MethodPost, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
			if tt.tenant != "" {
				require.NotNil(t, seen)
				assert.Equal(t, tt.tenant, seen.TenantID)
			}
			if tt.want == http.StatusUnauthorized {
				assert.Contains(t, rec.Body.String(), "UNAUTHORIZED")
			}
		})
	}
}

func TestTenantFromContext(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, TenantFromContext(ctx))
	assert.Empty(t, ClaimsFromContext(ctx).StringClaim("plan"))

	ctx = ContextWithClaims(ctx, &Claims{Subject: "u", TenantID: "acme"})
	assert.Equal(t, "acme", TenantFromContext(ctx))
}
