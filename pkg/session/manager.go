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

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"github.com/kadirpekel/a2abridge/pkg/protocol"
)

// CreateFunc opens a downstream session and returns its id.
type CreateFunc func(ctx context.Context) (string, error)

// Params identify the context a message belongs to.
type Params struct {
	// ContextID is generated when empty.
	ContextID string
	AgentID   string
	TenantID  string
}

// Manager drives mapping lifecycles over a Store.
type Manager struct {
	store  Store
	maxAge time.Duration
	now    func() time.Time

	onSweep func(removed int)

	creating singleflight.Group
	cron     *cron.Cron
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithMaxAge sets how long an idle mapping survives. Defaults to one hour.
func WithMaxAge(d time.Duration) ManagerOption {
	return func(m *Manager) { m.maxAge = d }
}

// WithSweepObserver is called after every successful sweep.
func WithSweepObserver(fn func(removed int)) ManagerOption {
	return func(m *Manager) { m.onSweep = fn }
}

func withClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a manager over store.
func NewManager(store Store, opts ...ManagerOption) *Manager {
	m := &Manager{store: store, maxAge: time.Hour, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Store returns the underlying store.
func (m *Manager) Store() Store {
	return m.store
}

// GetOrCreate returns the mapping of p.ContextID, creating it (and the
// downstream session, through create) when absent. A closed mapping is
// reopened on a fresh downstream session with its sequence restarted and
// its earlier task ids forgotten.
// Concurrent first messages of one context share a single create.
func (m *Manager) GetOrCreate(ctx context.Context, p Params, create CreateFunc) (*Mapping, bool, error) {
	if p.ContextID == "" {
		p.ContextID = uuid.NewString()
	}

	existing, err := m.store.Get(ctx, p.ContextID)
	switch {
	case err == nil && existing.Active():
		return existing, false, nil
	case err != nil && !errors.Is(err, ErrNotFound):
		return nil, false, err
	}

	v, err, _ := m.creating.Do(p.ContextID, func() (any, error) {
		// Another caller may have won while we were waiting.
		if cur, err := m.store.Get(ctx, p.ContextID); err == nil && cur.Active() {
			return cur, nil
		}

		sessionID, err := create(ctx)
		if err != nil {
			return nil, err
		}

		now := m.now().UTC()
		mapping := &Mapping{
			ContextID:           p.ContextID,
			DownstreamSessionID: sessionID,
			AgentID:             p.AgentID,
			TenantID:            p.TenantID,
			CreatedAt:           now,
			LastActivity:        now,
			State:               StateActive,
		}
		// Tasks of the closed incarnation are finished; they are not
		// carried over, so Set drops them from the task index.
		if existing != nil {
			mapping.CreatedAt = existing.CreatedAt
		}
		if err := m.store.Set(ctx, p.ContextID, mapping); err != nil {
			return nil, fmt.Errorf("failed to save session %s: %w", p.ContextID, err)
		}
		slog.Debug("Created session", "context_id", p.ContextID, "downstream_session", sessionID)
		return mapping, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.(*Mapping).Clone(), true, nil
}

// NextSequenceID increments and returns the context's sequence number. The
// new value is persisted before it is returned.
func (m *Manager) NextSequenceID(ctx context.Context, contextID string) (int64, error) {
	var (
		seq   int64
		found bool
	)
	err := m.store.Update(ctx, contextID, func(mp *Mapping) {
		found = true
		mp.SequenceID++
		mp.LastActivity = m.now().UTC()
		seq = mp.SequenceID
	})
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, ErrNotFound
	}
	return seq, nil
}

// AddTask records taskID in the context, indexing it for GetByTaskID.
func (m *Manager) AddTask(ctx context.Context, contextID, taskID string) error {
	return m.store.Update(ctx, contextID, func(mp *Mapping) {
		if !mp.HasTask(taskID) {
			mp.TaskIDs = append(mp.TaskIDs, taskID)
		}
		mp.LastActivity = m.now().UTC()
	})
}

// UpdateState caches the latest task status and artifacts.
func (m *Manager) UpdateState(ctx context.Context, contextID string, status protocol.TaskStatus, artifacts []protocol.Artifact) error {
	return m.store.Update(ctx, contextID, func(mp *Mapping) {
		mp.LastStatus = &status
		mp.LastArtifacts = artifacts
		mp.LastActivity = m.now().UTC()
	})
}

// Close marks the mapping closed. The record stays readable until swept.
func (m *Manager) Close(ctx context.Context, contextID, reason string) error {
	state := StateCompleted
	if reason == ReasonExpired {
		state = StateExpired
	}
	return m.store.Update(ctx, contextID, func(mp *Mapping) {
		mp.State = state
		mp.CloseReason = reason
		mp.LastActivity = m.now().UTC()
	})
}

func (m *Manager) Get(ctx context.Context, contextID string) (*Mapping, error) {
	return m.store.Get(ctx, contextID)
}

func (m *Manager) GetByTaskID(ctx context.Context, taskID string) (*Mapping, error) {
	return m.store.GetByTaskID(ctx, taskID)
}

// Sweep removes mappings idle for longer than the max age. Storage errors
// are logged and returned; the next tick retries.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	removed, err := m.store.Cleanup(ctx, m.maxAge)
	if err != nil {
		slog.Error("Session sweep failed", "error", err)
		return removed, err
	}
	if removed > 0 {
		slog.Info("Swept idle sessions", "removed", removed)
	}
	if m.onSweep != nil {
		m.onSweep(removed)
	}
	return removed, nil
}

// Start schedules Sweep on spec (standard cron syntax or descriptors such
// as "@every 1m"). Overlapping runs are skipped.
func (m *Manager) Start(spec string) error {
	if m.cron != nil {
		return fmt.Errorf("sweeper already started")
	}
	c := cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)))
	if _, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		_, _ = m.Sweep(ctx)
	}); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}
	c.Start()
	m.cron = c
	slog.Info("Session sweeper started", "schedule", spec, "max_age", m.maxAge)
	return nil
}

// Stop halts the sweeper and waits for a running sweep to finish.
func (m *Manager) Stop() {
	if m.cron == nil {
		return
	}
	<-m.cron.Stop().Done()
	m.cron = nil
}
