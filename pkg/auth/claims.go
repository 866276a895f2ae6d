// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package auth validates inbound bearer tokens.
//
// Tokens are JWTs checked against a JWKS endpoint, issuer and audience:
//
//	auth:
//	  enabled: true
//	  jwks_url: "https://auth.example.com/.well-known/jwks.json"
//	  issuer: "https://auth.example.com"
//	  audience: "a2abridge"
//	  tenant_claim: "tenant_id"
//
// Validated claims travel in the request context; the tenant claim is
// recorded on every session the caller opens.
package auth

import (
	"context"
)

type contextKey string

const claimsContextKey contextKey = "a2abridge_auth_claims"

// Claims are the validated claims of a caller.
type Claims struct {
	// Subject is the sub claim.
	Subject string `json:"sub"`

	Email string `json:"email,omitempty"`

	Role string `json:"role,omitempty"`

	// TenantID comes from the configured tenant claim.
	TenantID string `json:"tenant_id,omitempty"`

	// Custom holds every claim not mapped above.
	Custom map[string]any `json:"-"`
}

// StringClaim returns the custom claim key when it is a string.
func (c *Claims) StringClaim(key string) string {
	if c == nil {
		return ""
	}
	s, _ := c.Custom[key].(string)
	return s
}

// ClaimsFromContext returns the caller's claims, or nil when the request
// was not authenticated.
func ClaimsFromContext(ctx context.Context) *Claims {
	claims, _ := ctx.Value(claimsContextKey).(*Claims)
	return claims
}

// TenantFromContext is the caller's tenant, empty for anonymous requests.
func TenantFromContext(ctx context.Context) string {
	if claims := ClaimsFromContext(ctx); claims != nil {
		return claims.TenantID
	}
	return ""
}

// ContextWithClaims attaches claims to ctx.
func ContextWithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey, claims)
}
