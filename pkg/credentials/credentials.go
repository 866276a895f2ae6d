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

// Package credentials caches the downstream backend's access token.
//
// A Cache serves a valid token without network traffic, coalesces
// concurrent refreshes into a single token request, and can be forced to
// refresh after the backend rejects a token it still considered valid.
package credentials

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwt"
	"golang.org/x/sync/singleflight"
)

// DefaultTTL is the local lifetime of a token, kept below the backend's
// one hour expiry.
const DefaultTTL = 55 * time.Minute

// expirySkew is shaved off any server-advertised expiry, see skew.
const expirySkew = time.Minute

const flightKey = "token"

// Credential is a cached access token.
type Credential struct {
	AccessToken string
	InstanceURL string
	TokenType   string
	ExpiresAt   time.Time

	// ExpiresIn is the server-advertised lifetime, if any.
	ExpiresIn time.Duration
}

// Valid reports whether the credential can be used at now.
func (c *Credential) Valid(now time.Time) bool {
	return c != nil && c.AccessToken != "" && now.Before(c.ExpiresAt)
}

// Fetcher acquires a fresh credential from the token endpoint.
type Fetcher interface {
	Fetch(ctx context.Context) (*Credential, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context) (*Credential, error)

func (f FetcherFunc) Fetch(ctx context.Context) (*Credential, error) { return f(ctx) }

// Cache holds at most one credential.
type Cache struct {
	fetcher   Fetcher
	ttl       time.Duration
	timeout   time.Duration
	now       func() time.Time
	onRefresh func(ok bool)

	mu   sync.Mutex
	cred *Credential
	// gen is bumped by Reset and ForceRefresh so that a flight started
	// before either cannot repopulate the cache.
	gen   uint64
	group singleflight.Group
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) { c.ttl = ttl }
}

// WithTimeout bounds a single token request. Defaults to 30s.
func WithTimeout(d time.Duration) Option {
	return func(c *Cache) { c.timeout = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithRefreshObserver is called after every token request.
func WithRefreshObserver(fn func(ok bool)) Option {
	return func(c *Cache) { c.onRefresh = fn }
}

// NewCache creates an empty cache over fetcher.
func NewCache(fetcher Fetcher, opts ...Option) *Cache {
	c := &Cache{
		fetcher: fetcher,
		ttl:     DefaultTTL,
		timeout: 30 * time.Second,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Token returns the cached credential, refreshing it when absent or
// expired. Concurrent callers share one refresh.
func (c *Cache) Token(ctx context.Context) (*Credential, error) {
	c.mu.Lock()
	if c.cred.Valid(c.now()) {
		cred := *c.cred
		c.mu.Unlock()
		return &cred, nil
	}
	gen := c.gen
	c.mu.Unlock()

	return c.refresh(ctx, gen)
}

// ForceRefresh drops the cached credential and any in-flight refresh, then
// acquires a new token.
func (c *Cache) ForceRefresh(ctx context.Context) (*Credential, error) {
	c.mu.Lock()
	c.cred = nil
	c.gen++
	gen := c.gen
	c.group.Forget(flightKey)
	c.mu.Unlock()

	return c.refresh(ctx, gen)
}

// Reset empties the cache without fetching.
func (c *Cache) Reset() {
	c.mu.Lock()
	c.cred = nil
	c.gen++
	c.group.Forget(flightKey)
	c.mu.Unlock()
}

func (c *Cache) refresh(ctx context.Context, gen uint64) (*Credential, error) {
	ch := c.group.DoChan(flightKey, func() (any, error) {
		// The flight outlives any single caller's cancellation.
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()

		cred, err := c.fetcher.Fetch(fctx)
		if c.onRefresh != nil {
			c.onRefresh(err == nil)
		}
		if err != nil {
			slog.Warn("Token refresh failed", "error", err)
			c.store(gen, nil)
			return nil, err
		}

		cred.ExpiresAt = c.expiry(cred)
		c.store(gen, cred)
		slog.Debug("Token refreshed", "expires_at", cred.ExpiresAt)
		return cred, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		cred := *res.Val.(*Credential)
		return &cred, nil
	}
}

func (c *Cache) store(gen uint64, cred *Credential) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen == gen {
		c.cred = cred
	}
}

// expiry is the earliest of the local TTL, the advertised lifetime and the
// token's own exp claim when it is a JWT.
func (c *Cache) expiry(cred *Credential) time.Time {
	now := c.now()
	exp := now.Add(c.ttl)
	if cred.ExpiresIn > 0 {
		if t := now.Add(cred.ExpiresIn - skew(cred.ExpiresIn)); t.Before(exp) {
			exp = t
		}
	}
	if t, ok := jwtExpiry(cred.AccessToken); ok {
		if t = t.Add(-skew(t.Sub(now))); t.Before(exp) {
			exp = t
		}
	}
	return exp
}

// skew is expirySkew, capped at half of a short lifetime so that a token
// living a minute or less is still cached for a while.
func skew(lifetime time.Duration) time.Duration {
	if lifetime <= 0 {
		return 0
	}
	return min(expirySkew, lifetime/2)
}

func jwtExpiry(token string) (time.Time, bool) {
	tok, err := jwt.Parse([]byte(token), jwt.WithVerify(false), jwt.WithValidate(false))
	if err != nil {
		return time.Time{}, false
	}
	exp := tok.Expiration()
	return exp, !exp.IsZero()
}
