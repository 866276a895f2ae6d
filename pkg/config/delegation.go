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

package config

import (
	"errors"
	"fmt"
	"time"
)

// DescriptorConfig configures remote agent card resolution.
type DescriptorConfig struct {
	TTL       time.Duration `yaml:"ttl,omitempty" json:"ttl,omitempty" jsonschema:"type=string,default=5m"`
	Timeout   time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty" jsonschema:"type=string,default=10s"`
	CacheSize int           `yaml:"cache_size,omitempty" json:"cache_size,omitempty" jsonschema:"default=256"`
}

// SetDefaults applies default values.
func (c *DescriptorConfig) SetDefaults() {
	if c.TTL == 0 {
		c.TTL = 5 * time.Minute
	}
	if c.Timeout == 0 {
		c.Timeout = 10 * time.Second
	}
	if c.CacheSize == 0 {
		c.CacheSize = 256
	}
}

// Validate checks the descriptor configuration.
func (c *DescriptorConfig) Validate() error {
	if c.CacheSize < 1 {
		return fmt.Errorf("cache_size must be positive")
	}
	return nil
}

// Auth schemes for delegated agents.
const (
	AgentAuthNone   = "none"
	AgentAuthBearer = "bearer"
	AgentAuthAPIKey = "api-key-header"
)

// AgentAuthConfig describes how to authenticate to a delegated agent.
// Secret values are either literal or "env:NAME" to read NAME from the
// environment at request time.
type AgentAuthConfig struct {
	Type   string `yaml:"type,omitempty" json:"type,omitempty" jsonschema:"enum=none,enum=bearer,enum=api-key-header,default=none"`
	Token  string `yaml:"token,omitempty" json:"token,omitempty" jsonschema:"description=Bearer token or env:NAME"`
	Header string `yaml:"header,omitempty" json:"header,omitempty" jsonschema:"default=X-API-Key"`
	Key    string `yaml:"key,omitempty" json:"key,omitempty" jsonschema:"description=API key or env:NAME"`
}

// RemoteAgentConfig registers an agent the bridge can delegate to.
type RemoteAgentConfig struct {
	// URL is the agent base URL; its card is read from the well-known path.
	URL         string          `yaml:"url" json:"url"`
	Description string          `yaml:"description,omitempty" json:"description,omitempty"`
	Auth        AgentAuthConfig `yaml:"auth,omitempty" json:"auth,omitempty"`

	// Timeout bounds a single delegated call.
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty" jsonschema:"type=string,default=60s"`

	// RateLimit in requests per second; zero disables limiting.
	RateLimit float64 `yaml:"rate_limit,omitempty" json:"rate_limit,omitempty"`
	Burst     int     `yaml:"burst,omitempty" json:"burst,omitempty" jsonschema:"default=1"`
}

// DelegationConfig holds the delegate registry keyed by alias.
type DelegationConfig struct {
	Agents map[string]*RemoteAgentConfig `yaml:"agents,omitempty" json:"agents,omitempty"`
}

// SetDefaults applies default values.
func (c *DelegationConfig) SetDefaults() {
	if c.Agents == nil {
		c.Agents = make(map[string]*RemoteAgentConfig)
	}
	for _, a := range c.Agents {
		if a == nil {
			continue
		}
		if a.Auth.Type == "" {
			a.Auth.Type = AgentAuthNone
		}
		if a.Auth.Type == AgentAuthAPIKey && a.Auth.Header == "" {
			a.Auth.Header = "X-API-Key"
		}
		if a.Timeout == 0 {
			a.Timeout = 60 * time.Second
		}
		if a.RateLimit > 0 && a.Burst == 0 {
			a.Burst = 1
		}
	}
}

// Validate checks every registered agent.
func (c *DelegationConfig) Validate() error {
	var errs []error
	for alias, a := range c.Agents {
		if a == nil {
			errs = append(errs, fmt.Errorf("agent %q: empty definition", alias))
			continue
		}
		if a.URL == "" {
			errs = append(errs, fmt.Errorf("agent %q: url is required", alias))
		}
		switch a.Auth.Type {
		case AgentAuthNone:
		case AgentAuthBearer:
			if a.Auth.Token == "" {
				errs = append(errs, fmt.Errorf("agent %q: bearer auth requires token", alias))
			}
		case AgentAuthAPIKey:
			if a.Auth.Key == "" {
				errs = append(errs, fmt.Errorf("agent %q: api-key-header auth requires key", alias))
			}
		default:
			errs = append(errs, fmt.Errorf("agent %q: unknown auth type %q", alias, a.Auth.Type))
		}
		if a.RateLimit < 0 {
			errs = append(errs, fmt.Errorf("agent %q: rate_limit must not be negative", alias))
		}
	}
	return errors.Join(errs...)
}
