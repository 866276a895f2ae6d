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

package config

import (
	"errors"
	"net/url"
	"strings"
	"time"
)

// DownstreamConfig configures the session-based agent backend.
type DownstreamConfig struct {
	// Name identifies the backend in upstream errors and metrics.
	Name string `yaml:"name,omitempty" json:"name,omitempty" jsonschema:"default=agentforce"`

	// LoginURL hosts the client-credentials token endpoint.
	LoginURL string `yaml:"login_url" json:"login_url" jsonschema:"title=Login URL,description=Base URL of the token endpoint"`

	// TokenPath is appended to LoginURL.
	TokenPath string `yaml:"token_path,omitempty" json:"token_path,omitempty" jsonschema:"default=/services/oauth2/token"`

	// APIURL is the base of the session and message endpoints.
	APIURL string `yaml:"api_url" json:"api_url" jsonschema:"title=API URL"`

	// AgentID selects the backend agent sessions are opened against.
	AgentID string `yaml:"agent_id" json:"agent_id"`

	ClientID     string `yaml:"client_id" json:"client_id"`
	ClientSecret string `yaml:"client_secret" json:"client_secret"`

	// TokenTTL is the conservative local expiry for cached tokens. It must
	// stay below the backend's own token lifetime.
	TokenTTL time.Duration `yaml:"token_ttl,omitempty" json:"token_ttl,omitempty" jsonschema:"type=string,default=55m"`

	// Timeout bounds every non-streaming downstream call.
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty" jsonschema:"type=string,default=30s"`

	// StreamTimeout bounds a whole streaming turn.
	StreamTimeout time.Duration `yaml:"stream_timeout,omitempty" json:"stream_timeout,omitempty" jsonschema:"type=string,default=5m"`

	// MaxRetries for 429/5xx responses.
	MaxRetries int `yaml:"max_retries,omitempty" json:"max_retries,omitempty" jsonschema:"default=2"`

	// BypassUser is sent on session creation.
	BypassUser *bool `yaml:"bypass_user,omitempty" json:"bypass_user,omitempty" jsonschema:"default=true"`
}

// SetDefaults applies default values.
func (c *DownstreamConfig) SetDefaults() {
	if c.Name == "" {
		c.Name = "agentforce"
	}
	if c.TokenPath == "" {
		c.TokenPath = "/services/oauth2/token"
	}
	if c.TokenTTL == 0 {
		c.TokenTTL = 55 * time.Minute
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.StreamTimeout == 0 {
		c.StreamTimeout = 5 * time.Minute
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
	if c.BypassUser == nil {
		c.BypassUser = BoolPtr(true)
	}
	c.LoginURL = strings.TrimRight(c.LoginURL, "/")
	c.APIURL = strings.TrimRight(c.APIURL, "/")
}

// Validate checks the downstream configuration.
func (c *DownstreamConfig) Validate() error {
	var errs []error
	for field, v := range map[string]string{
		"login_url": c.LoginURL,
		"api_url":   c.APIURL,
	} {
		if v == "" {
			errs = append(errs, errors.New(field+" is required"))
			continue
		}
		if u, err := url.Parse(v); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, errors.New(field+" must be an absolute URL"))
		}
	}
	if c.AgentID == "" {
		errs = append(errs, errors.New("agent_id is required"))
	}
	if c.ClientID == "" {
		errs = append(errs, errors.New("client_id is required"))
	}
	if c.ClientSecret == "" {
		errs = append(errs, errors.New("client_secret is required"))
	}
	if c.TokenTTL <= 0 || c.TokenTTL > time.Hour {
		errs = append(errs, errors.New("token_ttl must be within (0, 1h]"))
	}
	return errors.Join(errs...)
}

// TokenURL returns the full token endpoint URL.
func (c *DownstreamConfig) TokenURL() string {
	return c.LoginURL + c.TokenPath
}
