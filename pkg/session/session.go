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

// Package session maps inbound contexts to downstream sessions.
//
// A Mapping links one inbound context id to the downstream session serving
// it, together with the tasks issued in that context, the per-context
// message sequence and the last known task snapshot. Mappings live in a
// Store:
//   - MemoryStore keeps them in process
//   - RedisStore shares them between replicas with native key expiry
//   - SQLStore persists them in postgres, mysql or sqlite
//
// The Manager drives the lifecycle on top of any Store.
package session

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/kadirpekel/a2abridge/pkg/protocol"
)

// ErrNotFound is returned when a context or task is unknown.
var ErrNotFound = errors.New("session not found")

// State is the lifecycle state of a mapping.
type State string

const (
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateExpired   State = "expired"
)

// Close reasons recorded on a mapping.
const (
	ReasonCompleted = "completed"
	ReasonExpired   = "expired"
)

// Mapping is the durable record behind one inbound context.
type Mapping struct {
	ContextID           string   `json:"contextId"`
	TaskIDs             []string `json:"taskIds,omitempty"`
	DownstreamSessionID string   `json:"downstreamSessionId"`
	SequenceID          int64    `json:"sequenceId"`
	AgentID             string   `json:"agentId,omitempty"`
	TenantID            string   `json:"tenantId,omitempty"`

	LastStatus    *protocol.TaskStatus `json:"lastStatus,omitempty"`
	LastArtifacts []protocol.Artifact  `json:"lastArtifacts,omitempty"`

	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
	State        State     `json:"state"`
	CloseReason  string    `json:"closeReason,omitempty"`
}

// Clone returns a copy that shares no slices with m.
func (m *Mapping) Clone() *Mapping {
	if m == nil {
		return nil
	}
	c := *m
	c.TaskIDs = slices.Clone(m.TaskIDs)
	c.LastArtifacts = slices.Clone(m.LastArtifacts)
	if m.LastStatus != nil {
		status := *m.LastStatus
		c.LastStatus = &status
	}
	return &c
}

// HasTask reports whether taskID was issued in this context.
func (m *Mapping) HasTask(taskID string) bool {
	return slices.Contains(m.TaskIDs, taskID)
}

// Active reports whether the mapping still accepts cancellation.
func (m *Mapping) Active() bool {
	return m.State == StateActive
}

// Store persists mappings with a reverse index from task id to context.
//
// Set and Update (re)index every task id the mapping carries; Delete removes
// the record and every reverse entry pointing at it. Update on an unknown
// context is a no-op.
type Store interface {
	Get(ctx context.Context, contextID string) (*Mapping, error)
	Set(ctx context.Context, contextID string, m *Mapping) error
	Update(ctx context.Context, contextID string, mutate func(*Mapping)) error
	Delete(ctx context.Context, contextID string) error
	GetByTaskID(ctx context.Context, taskID string) (*Mapping, error)

	// Cleanup removes mappings idle for longer than maxAge and returns how
	// many were removed.
	Cleanup(ctx context.Context, maxAge time.Duration) (int, error)
	Close() error
}

// staleTasks returns the ids in before that are absent from after.
func staleTasks(before, after []string) []string {
	var out []string
	for _, id := range before {
		if !slices.Contains(after, id) {
			out = append(out, id)
		}
	}
	return out
}
