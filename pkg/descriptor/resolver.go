// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package descriptor resolves and caches remote agent cards.
package descriptor

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/a2aproject/a2a-go/a2a"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/kadirpekel/a2abridge/pkg/apierr"
	"github.com/kadirpekel/a2abridge/pkg/httpclient"
)

// WellKnownPath is where a legacy agent publishes its card.
const WellKnownPath = "/.well-known/agent.json"

const (
	DefaultTTL       = 5 * time.Minute
	DefaultTimeout   = 10 * time.Second
	DefaultCacheSize = 256

	maxCardBytes = 1 << 20
)

type entry struct {
	card      *a2a.AgentCard
	fetchedAt time.Time
}

// Resolver fetches agent cards and keeps them for a TTL.
type Resolver struct {
	client  *httpclient.Client
	ttl     time.Duration
	timeout time.Duration
	now     func() time.Time
	observe func(hit bool)

	cache *lru.Cache[string, entry]
	group singleflight.Group

	// A flight only caches its card when neither Clear (epoch) nor
	// Invalidate of its key (gens) ran while it was fetching.
	mu       sync.Mutex
	epoch    uint64
	gens     map[string]uint64
	inflight map[string]int
}

// Option configures a Resolver.
type Option func(*Resolver)

func WithTTL(ttl time.Duration) Option {
	return func(r *Resolver) { r.ttl = ttl }
}

func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) { r.timeout = d }
}

func WithClient(c *httpclient.Client) Option {
	return func(r *Resolver) { r.client = c }
}

func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// WithCacheObserver is told about every cache hit and miss.
func WithCacheObserver(fn func(hit bool)) Option {
	return func(r *Resolver) { r.observe = fn }
}

// NewResolver creates a resolver holding at most size cards.
func NewResolver(size int, opts ...Option) *Resolver {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, _ := lru.New[string, entry](size)
	r := &Resolver{
		ttl:      DefaultTTL,
		timeout:  DefaultTimeout,
		now:      time.Now,
		cache:    cache,
		gens:     make(map[string]uint64),
		inflight: make(map[string]int),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.client == nil {
		r.client = httpclient.New(httpclient.WithName("descriptor"), httpclient.WithMaxRetries(1))
	}
	return r
}

// Normalize strips trailing slashes from a base URL.
func Normalize(baseURL string) string {
	return strings.TrimRight(strings.TrimSpace(baseURL), "/")
}

// Resolve returns the card published under baseURL. Concurrent resolves of
// the same URL share one fetch.
func (r *Resolver) Resolve(ctx context.Context, baseURL string) (*a2a.AgentCard, error) {
	key := Normalize(baseURL)
	if key == "" {
		return nil, apierr.MissingField("url")
	}

	if e, ok := r.cache.Get(key); ok {
		if r.now().Sub(e.fetchedAt) < r.ttl {
			r.report(true)
			return e.card, nil
		}
		r.cache.Remove(key)
	}
	r.report(false)

	ch := r.group.DoChan(key, func() (any, error) {
		epoch, gen := r.begin(key)
		defer r.end(key)

		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()

		card, err := r.fetch(fctx, key)
		if err != nil {
			return nil, err
		}
		r.store(key, epoch, gen, entry{card: card, fetchedAt: r.now()})
		slog.Debug("Resolved agent card", "url", key, "name", card.Name)
		return card, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*a2a.AgentCard), nil
	}
}

// Invalidate drops the card cached for baseURL. A fetch already in flight
// for it still answers its callers but is not cached.
func (r *Resolver) Invalidate(baseURL string) {
	key := Normalize(baseURL)
	r.mu.Lock()
	r.gens[key]++
	r.mu.Unlock()
	r.cache.Remove(key)
	r.group.Forget(key)
}

// Clear drops every cached card, with the same rule for in-flight fetches
// as Invalidate.
func (r *Resolver) Clear() {
	r.mu.Lock()
	r.epoch++
	clear(r.gens)
	for key := range r.inflight {
		r.group.Forget(key)
	}
	r.mu.Unlock()
	r.cache.Purge()
}

func (r *Resolver) begin(key string) (epoch, gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inflight[key]++
	return r.epoch, r.gens[key]
}

func (r *Resolver) end(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inflight[key]--; r.inflight[key] <= 0 {
		delete(r.inflight, key)
	}
}

func (r *Resolver) store(key string, epoch, gen uint64, e entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.epoch != epoch || r.gens[key] != gen {
		return
	}
	r.cache.Add(key, e)
}

// Len is the number of cached cards, including expired ones not yet evicted.
func (r *Resolver) Len() int {
	return r.cache.Len()
}

func (r *Resolver) report(hit bool) {
	if r.observe != nil {
		r.observe(hit)
	}
}

func (r *Resolver) fetch(ctx context.Context, base string) (*a2a.AgentCard, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+WellKnownPath, nil)
	if err != nil {
		return nil, apierr.Validation("invalid agent url %q: %v", base, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, apierr.Upstream(base, err, "agent card fetch failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apierr.Upstream(base, nil, "agent card fetch returned HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCardBytes))
	if err != nil {
		return nil, apierr.Upstream(base, err, "agent card read failed")
	}
	return Parse(body)
}

// Parse validates and decodes a card. The document must be an object with
// a name, a url and a skills array; a card failing any check is rejected
// whole.
func Parse(body []byte) (*a2a.AgentCard, error) {
	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, apierr.Validation("agent card is not valid JSON: %v", err)
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, apierr.Validation("agent card is not a JSON object")
	}
	if err := requireString(obj, "name"); err != nil {
		return nil, err
	}
	if err := requireString(obj, "url"); err != nil {
		return nil, err
	}
	skills, present := obj["skills"]
	if !present || skills == nil {
		return nil, apierr.MissingField("skills")
	}
	if _, ok := skills.([]any); !ok {
		return nil, apierr.Validation("agent card field skills must be an array")
	}

	var card a2a.AgentCard
	if err := json.Unmarshal(body, &card); err != nil {
		return nil, apierr.Validation("agent card does not decode: %v", err)
	}
	return &card, nil
}

func requireString(obj map[string]any, field string) error {
	v, ok := obj[field]
	if !ok || v == nil {
		return apierr.MissingField(field)
	}
	s, ok := v.(string)
	if !ok {
		return apierr.Validation("agent card field %s must be a string", field)
	}
	if strings.TrimSpace(s) == "" {
		return apierr.MissingField(field)
	}
	return nil
}

