package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/kadirpekel/a2abridge/pkg/config"
)

// ErrInvalidToken is returned when a token cannot be validated.
var ErrInvalidToken = errors.New("invalid token")

// TokenValidator turns a bearer token into claims.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (*Claims, error)
}

// ValidatorConfig configures a JWTValidator.
type ValidatorConfig struct {
	JWKSURL  string
	Issuer   string
	Audience string

	// TenantClaim defaults to tenant_id.
	TenantClaim string

	// RefreshInterval defaults to 15 minutes.
	RefreshInterval time.Duration
}

// JWTValidator validates tokens against a cached, auto-refreshed JWKS.
type JWTValidator struct {
	cfg    ValidatorConfig
	cache  *jwk.Cache
	cancel context.CancelFunc
}

// NewJWTValidator registers the JWKS URL and fetches it once so that a bad
// configuration fails at startup.
func NewJWTValidator(cfg ValidatorConfig) (*JWTValidator, error) {
	if cfg.JWKSURL == "" {
		return nil, errors.New("jwks url is required")
	}
	if cfg.TenantClaim == "" {
		cfg.TenantClaim = "tenant_id"
	}
	if cfg.RefreshInterval == 0 {
		cfg.RefreshInterval = 15 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	cache := jwk.NewCache(ctx)
	if err := cache.Register(cfg.JWKSURL, jwk.WithMinRefreshInterval(cfg.RefreshInterval)); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}
	if _, err := cache.Refresh(ctx, cfg.JWKSURL); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to fetch JWKS from %s: %w", cfg.JWKSURL, err)
	}

	return &JWTValidator{cfg: cfg, cache: cache, cancel: cancel}, nil
}

// NewValidatorFromConfig returns nil when authentication is disabled.
func NewValidatorFromConfig(cfg config.AuthConfig) (*JWTValidator, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid auth config: %w", err)
	}
	return NewJWTValidator(ValidatorConfig{
		JWKSURL:         cfg.JWKSURL,
		Issuer:          cfg.Issuer,
		Audience:        cfg.Audience,
		TenantClaim:     cfg.TenantClaim,
		RefreshInterval: cfg.RefreshInterval,
	})
}

// ValidateToken checks the signature, expiry, issuer and audience of
// token and extracts its claims.
func (v *JWTValidator) ValidateToken(ctx context.Context, token string) (*Claims, error) {
	keyset, err := v.cache.Get(ctx, v.cfg.JWKSURL)
	if err != nil {
		return nil, fmt.Errorf("failed to get JWKS: %w", err)
	}

	opts := []jwt.ParseOption{jwt.WithKeySet(keyset), jwt.WithValidate(true)}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}
	if v.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.cfg.Audience))
	}
	parsed, err := jwt.Parse([]byte(token), opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims := &Claims{
		Subject: parsed.Subject(),
		Custom:  make(map[string]any),
	}
	mapped := map[string]*string{
		"email":            &claims.Email,
		"role":             &claims.Role,
		v.cfg.TenantClaim: &claims.TenantID,
	}
	for key, val := range parsed.PrivateClaims() {
		if dst, ok := mapped[key]; ok {
			if s, ok := val.(string); ok {
				*dst = s
				continue
			}
		}
		claims.Custom[key] = val
	}
	return claims, nil
}

// Close stops the JWKS refresh loop.
func (v *JWTValidator) Close() {
	v.cancel()
}
