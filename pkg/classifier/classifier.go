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

// Package classifier decides which task state a backend reply leaves the
// task in.
package classifier

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/a2aproject/a2a-go/a2a"

	"github.com/kadirpekel/a2abridge/pkg/config"
)

// Classifier maps a reply text to a task state.
type Classifier interface {
	Classify(ctx context.Context, reply string) a2a.TaskState
}

// Func adapts a function to Classifier.
type Func func(ctx context.Context, reply string) a2a.TaskState

func (f Func) Classify(ctx context.Context, reply string) a2a.TaskState { return f(ctx, reply) }

// DefaultPatterns recognize a reply asking the caller for clarification.
var DefaultPatterns = []string{
	`(?i)\b(could|can|would|will) you (please )?(specify|clarify|provide|confirm|tell me|let me know|share)\b`,
	`(?i)\bplease (specify|clarify|provide|confirm|let me know)\b`,
	`(?i)\b(do|did) you (mean|want|prefer)\b`,
	`(?i)\b(which|what) (one|option|date|city|location|time)s? (would|do|did) you\b`,
	`(?i)\bi need (more|additional) (information|details)\b`,
}

// Heuristic classifies a reply as input-required when it ends with a
// question mark or matches a clarification phrase, and as completed
// otherwise.
type Heuristic struct {
	patterns []*regexp.Regexp
}

// NewHeuristic compiles DefaultPatterns plus extra.
func NewHeuristic(extra ...string) (*Heuristic, error) {
	h := &Heuristic{}
	for _, p := range append(append([]string(nil), DefaultPatterns...), extra...) {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", p, err)
		}
		h.patterns = append(h.patterns, re)
	}
	return h, nil
}

// MustHeuristic is NewHeuristic for patterns known to compile.
func MustHeuristic(extra ...string) *Heuristic {
	h, err := NewHeuristic(extra...)
	if err != nil {
		panic(err)
	}
	return h
}

func (h *Heuristic) Classify(_ context.Context, reply string) a2a.TaskState {
	text := strings.TrimSpace(reply)
	if strings.HasSuffix(text, "?") {
		return a2a.TaskStateInputRequired
	}
	for _, re := range h.patterns {
		if re.MatchString(text) {
			return a2a.TaskStateInputRequired
		}
	}
	return a2a.TaskStateCompleted
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// FromConfig builds the configured classifier. The closer releases a plugin
// process and must be called on shutdown.
func FromConfig(cfg config.ClassifierConfig) (Classifier, io.Closer, error) {
	fallback, err := NewHeuristic(cfg.Patterns...)
	if err != nil {
		return nil, nil, err
	}
	switch cfg.Type {
	case "", config.ClassifierHeuristic:
		return fallback, nopCloser{}, nil
	case config.ClassifierPlugin:
		p, err := LoadPlugin(cfg.PluginPath, fallback)
		if err != nil {
			return nil, nil, err
		}
		return p, p, nil
	default:
		return nil, nil, fmt.Errorf("unknown classifier type %q", cfg.Type)
	}
}
