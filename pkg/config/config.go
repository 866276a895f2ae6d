// Package config defines the bridge configuration and its loading pipeline.
//
// Configuration is read by a provider.Provider (file, consul, etcd or
// zookeeper), environment variables are expanded, the result is decoded into
// Config, defaulted and validated.
package config

import (
	"errors"
	"fmt"
)

// Config is the root configuration.
type Config struct {
	Version     string `yaml:"version,omitempty" json:"version,omitempty" jsonschema:"title=Version,description=Config schema version"`
	Name        string `yaml:"name,omitempty" json:"name,omitempty" jsonschema:"title=Name,description=Name advertised in the bridge agent card,default=a2abridge"`
	Description string `yaml:"description,omitempty" json:"description,omitempty" jsonschema:"title=Description"`

	Server        ServerConfig               `yaml:"server,omitempty" json:"server,omitempty"`
	Logger        LoggerConfig               `yaml:"logger,omitempty" json:"logger,omitempty"`
	Downstream    DownstreamConfig           `yaml:"downstream" json:"downstream"`
	Sessions      SessionsConfig             `yaml:"sessions,omitempty" json:"sessions,omitempty"`
	Databases     map[string]*DatabaseConfig `yaml:"databases,omitempty" json:"databases,omitempty"`
	Redis         RedisConfig                `yaml:"redis,omitempty" json:"redis,omitempty"`
	Descriptors   DescriptorConfig           `yaml:"descriptors,omitempty" json:"descriptors,omitempty"`
	Delegation    DelegationConfig           `yaml:"delegation,omitempty" json:"delegation,omitempty"`
	Classifier    ClassifierConfig           `yaml:"classifier,omitempty" json:"classifier,omitempty"`
	Audit         AuditConfig                `yaml:"audit,omitempty" json:"audit,omitempty"`
	Auth          AuthConfig                 `yaml:"auth,omitempty" json:"auth,omitempty"`
	Observability ObservabilityConfig        `yaml:"observability,omitempty" json:"observability,omitempty"`
	Skills        []SkillConfig              `yaml:"skills,omitempty" json:"skills,omitempty"`
}

// SkillConfig is a skill advertised on the bridge's own agent card.
type SkillConfig struct {
	ID          string   `yaml:"id" json:"id"`
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Tags        []string `yaml:"tags,omitempty" json:"tags,omitempty"`
	Examples    []string `yaml:"examples,omitempty" json:"examples,omitempty"`
}

// SetDefaults fills unset values across every section.
func (c *Config) SetDefaults() {
	if c.Name == "" {
		c.Name = "a2abridge"
	}
	if c.Description == "" {
		c.Description = "Bridges A2A task requests to a session-based agent backend"
	}
	if c.Databases == nil {
		c.Databases = make(map[string]*DatabaseConfig)
	}
	for _, db := range c.Databases {
		if db != nil {
			db.SetDefaults()
		}
	}
	c.Server.SetDefaults()
	c.Logger.SetDefaults()
	c.Downstream.SetDefaults()
	c.Sessions.SetDefaults()
	c.Redis.SetDefaults()
	c.Descriptors.SetDefaults()
	c.Delegation.SetDefaults()
	c.Classifier.SetDefaults()
	c.Audit.SetDefaults()
	c.Auth.SetDefaults()
	c.Observability.SetDefaults(c.Name)
}

// Validate checks every section and cross-references between them.
func (c *Config) Validate() error {
	var errs []error
	add := func(section string, err error) {
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", section, err))
		}
	}

	add("server", c.Server.Validate())
	add("logger", c.Logger.Validate())
	add("downstream", c.Downstream.Validate())
	add("sessions", c.Sessions.Validate())
	add("descriptors", c.Descriptors.Validate())
	add("delegation", c.Delegation.Validate())
	add("classifier", c.Classifier.Validate())
	add("audit", c.Audit.Validate())
	add("auth", c.Auth.Validate())
	add("observability", c.Observability.Validate())

	for name, db := range c.Databases {
		if db == nil {
			add("databases."+name, errors.New("empty database definition"))
			continue
		}
		add("databases."+name, db.Validate())
	}

	switch c.Sessions.Backend {
	case SessionBackendSQL:
		if _, ok := c.Databases[c.Sessions.Database]; !ok {
			add("sessions", fmt.Errorf("database %q is not defined in databases", c.Sessions.Database))
		}
	case SessionBackendRedis:
		if c.Redis.Addr == "" {
			add("sessions", errors.New("redis backend requires redis.addr"))
		}
	}

	return errors.Join(errs...)
}

// BoolPtr returns a pointer to b.
func BoolPtr(b bool) *bool {
	return &b
}

// BoolValue dereferences b, returning def when nil.
func BoolValue(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}
