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
	"regexp"
)

// Reply classifier types.
const (
	ClassifierHeuristic = "heuristic"
	ClassifierPlugin    = "plugin"
)

// ClassifierConfig selects how downstream replies are mapped to task states.
type ClassifierConfig struct {
	Type string `yaml:"type,omitempty" json:"type,omitempty" jsonschema:"enum=heuristic,enum=plugin,default=heuristic"`

	// Patterns are extra clarification regexes for the heuristic.
	Patterns []string `yaml:"patterns,omitempty" json:"patterns,omitempty"`

	// PluginPath is the executable serving the classifier plugin.
	PluginPath string `yaml:"plugin_path,omitempty" json:"plugin_path,omitempty"`
}

// SetDefaults applies default values.
func (c *ClassifierConfig) SetDefaults() {
	if c.Type == "" {
		c.Type = ClassifierHeuristic
	}
}

// Validate checks the classifier configuration.
func (c *ClassifierConfig) Validate() error {
	switch c.Type {
	case ClassifierHeuristic:
	case ClassifierPlugin:
		if c.PluginPath == "" {
			return errors.New("plugin_path is required for the plugin classifier")
		}
	default:
		return fmt.Errorf("invalid type %q (valid: heuristic, plugin)", c.Type)
	}
	for _, p := range c.Patterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("invalid pattern %q: %w", p, err)
		}
	}
	return nil
}

// AuditConfig configures the activity feed and audit publishing.
type AuditConfig struct {
	// RingSize bounds the in-memory activity feed.
	RingSize int `yaml:"ring_size,omitempty" json:"ring_size,omitempty" jsonschema:"default=200"`

	Kafka KafkaConfig `yaml:"kafka,omitempty" json:"kafka,omitempty"`
}

// KafkaConfig configures the audit topic.
type KafkaConfig struct {
	Enabled bool     `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Brokers []string `yaml:"brokers,omitempty" json:"brokers,omitempty"`
	Topic   string   `yaml:"topic,omitempty" json:"topic,omitempty" jsonschema:"default=a2abridge.audit"`
	Async   bool     `yaml:"async,omitempty" json:"async,omitempty"`
}

// SetDefaults applies default values.
func (c *AuditConfig) SetDefaults() {
	if c.RingSize == 0 {
		c.RingSize = 200
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "a2abridge.audit"
	}
}

// Validate checks the audit configuration.
func (c *AuditConfig) Validate() error {
	if c.RingSize < 1 {
		return errors.New("ring_size must be positive")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return errors.New("kafka.brokers is required when kafka is enabled")
	}
	return nil
}
