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
	"fmt"
	"time"
)

// SessionBackend selects the session mapping store.
type SessionBackend string

const (
	SessionBackendMemory SessionBackend = "memory"
	SessionBackendRedis  SessionBackend = "redis"
	SessionBackendSQL    SessionBackend = "sql"
)

// SessionsConfig configures session mapping storage and expiry.
type SessionsConfig struct {
	// Backend is memory (default), redis or sql.
	Backend SessionBackend `yaml:"backend,omitempty" json:"backend,omitempty" jsonschema:"enum=memory,enum=redis,enum=sql,default=memory"`

	// Database references an entry in databases. Required for sql.
	Database string `yaml:"database,omitempty" json:"database,omitempty"`

	// MaxAge is how long an idle mapping survives before the sweep removes
	// it. The redis backend also uses it as the key TTL.
	MaxAge time.Duration `yaml:"max_age,omitempty" json:"max_age,omitempty" jsonschema:"type=string,default=1h"`

	// SweepSchedule is a cron spec for the expiry sweep.
	SweepSchedule string `yaml:"sweep_schedule,omitempty" json:"sweep_schedule,omitempty" jsonschema:"default=@every 1m"`

	// KeyPrefix namespaces redis keys.
	KeyPrefix string `yaml:"key_prefix,omitempty" json:"key_prefix,omitempty" jsonschema:"default=a2abridge"`
}

// SetDefaults applies default values.
func (c *SessionsConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = SessionBackendMemory
	}
	if c.MaxAge == 0 {
		c.MaxAge = time.Hour
	}
	if c.SweepSchedule == "" {
		c.SweepSchedule = "@every 1m"
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "a2abridge"
	}
}

// Validate checks the sessions configuration.
func (c *SessionsConfig) Validate() error {
	switch c.Backend {
	case SessionBackendMemory, SessionBackendRedis:
	case SessionBackendSQL:
		if c.Database == "" {
			return fmt.Errorf("database is required for the sql backend")
		}
	default:
		return fmt.Errorf("invalid backend %q (valid: memory, redis, sql)", c.Backend)
	}
	if c.MaxAge < time.Minute {
		return fmt.Errorf("max_age must be at least 1m")
	}
	return nil
}

// RedisConfig configures the redis connection.
type RedisConfig struct {
	Addr     string `yaml:"addr,omitempty" json:"addr,omitempty" jsonschema:"title=Address,description=host:port of the redis server"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`
	DB       int    `yaml:"db,omitempty" json:"db,omitempty"`
	PoolSize int    `yaml:"pool_size,omitempty" json:"pool_size,omitempty" jsonschema:"default=10"`
}

// SetDefaults applies default values.
func (c *RedisConfig) SetDefaults() {
	if c.PoolSize == 0 {
		c.PoolSize = 10
	}
}
