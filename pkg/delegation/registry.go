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

// Package delegation sends plain-text requests to registered A2A agents on
// behalf of the bridge.
package delegation

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/kadirpekel/a2abridge/pkg/config"
)

// ErrAgentNotFound is returned for an unregistered alias.
var ErrAgentNotFound = errors.New("agent not found")

// envPrefix marks a secret read from the environment.
const envPrefix = "env:"

// Agent is a registered delegate.
type Agent struct {
	Alias       string
	URL         string
	Description string
	Auth        config.AgentAuthConfig
	Timeout     time.Duration
	RateLimit   float64
	Burst       int
}

// Registry maps aliases to agents. It is safe for concurrent use and can be
// replaced wholesale on config reload.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
	getenv func(string) (string, bool)
}

// NewRegistry builds a registry from cfg.
func NewRegistry(cfg config.DelegationConfig) *Registry {
	r := &Registry{getenv: os.LookupEnv}
	r.Update(cfg)
	return r
}

// Update replaces every registration with those in cfg.
func (r *Registry) Update(cfg config.DelegationConfig) {
	agents := make(map[string]Agent, len(cfg.Agents))
	for alias, a := range cfg.Agents {
		if a == nil {
			continue
		}
		agents[alias] = Agent{
			Alias:       alias,
			URL:         strings.TrimRight(a.URL, "/"),
			Description: a.Description,
			Auth:        a.Auth,
			Timeout:     a.Timeout,
			RateLimit:   a.RateLimit,
			Burst:       a.Burst,
		}
	}
	r.mu.Lock()
	r.agents = agents
	r.mu.Unlock()
}

// GetAgent returns the agent registered under alias.
func (r *Registry) GetAgent(alias string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[alias]
	if !ok {
		return Agent{}, fmt.Errorf("%w: %s", ErrAgentNotFound, alias)
	}
	return a, nil
}

// Agents lists every registered agent sorted by alias.
func (r *Registry) Agents() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	slices.SortFunc(out, func(a, b Agent) int { return strings.Compare(a.Alias, b.Alias) })
	return out
}

// BuildAuthHeaders returns the headers that authenticate a request to a.
// Secrets written as "env:NAME" are read from the environment on every
// call, so rotated values are picked up without a reload.
func (r *Registry) BuildAuthHeaders(a Agent) (http.Header, error) {
	h := make(http.Header)
	switch a.Auth.Type {
	case "", config.AgentAuthNone:
	case config.AgentAuthBearer:
		token, err := r.secret(a.Auth.Token)
		if err != nil {
			return nil, fmt.Errorf("agent %s: bearer token: %w", a.Alias, err)
		}
		h.Set("Authorization", "Bearer "+token)
	case config.AgentAuthAPIKey:
		key, err := r.secret(a.Auth.Key)
		if err != nil {
			return nil, fmt.Errorf("agent %s: api key: %w", a.Alias, err)
		}
		header := a.Auth.Header
		if header == "" {
			header = "X-API-Key"
		}
		h.Set(header, key)
	default:
		return nil, fmt.Errorf("agent %s: unsupported auth type %q", a.Alias, a.Auth.Type)
	}
	return h, nil
}

func (r *Registry) secret(value string) (string, error) {
	name, ok := strings.CutPrefix(value, envPrefix)
	if !ok {
		if value == "" {
			return "", errors.New("secret is empty")
		}
		return value, nil
	}
	v, found := r.getenv(name)
	if !found || v == "" {
		return "", fmt.Errorf("environment variable %s is not set", name)
	}
	return v, nil
}
