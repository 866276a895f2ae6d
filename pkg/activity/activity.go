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

// Package activity records finished bridge turns to a bounded in-memory
// feed and to optional audit sinks.
package activity

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kinds of recorded activity.
const (
	KindSend     = "send"
	KindStream   = "stream"
	KindCancel   = "cancel"
	KindDelegate = "delegate"
)

// Entry is one recorded turn.
type Entry struct {
	ID        string        `json:"id"`
	Time      time.Time     `json:"time"`
	Kind      string        `json:"kind"`
	ContextID string        `json:"contextId,omitempty"`
	TaskID    string        `json:"taskId,omitempty"`
	Agent     string        `json:"agent,omitempty"`
	TenantID  string        `json:"tenantId,omitempty"`
	State     string        `json:"state,omitempty"`
	Input     string        `json:"input,omitempty"`
	Output    string        `json:"output,omitempty"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"durationNs"`
}

// Sink receives every recorded entry.
type Sink interface {
	Write(ctx context.Context, e Entry) error
	Close() error
}

// Recorder stamps entries, keeps them in a Ring and forwards them to sinks.
// Sink failures are logged and never reach the caller.
type Recorder struct {
	ring  *Ring
	sinks []Sink
	now   func() time.Time
}

// NewRecorder creates a recorder over ring. A nil ring keeps nothing in
// memory.
func NewRecorder(ring *Ring, sinks ...Sink) *Recorder {
	return &Recorder{ring: ring, sinks: sinks, now: time.Now}
}

// Record stores e. A nil recorder discards it.
func (r *Recorder) Record(ctx context.Context, e Entry) {
	if r == nil {
		return
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = r.now().UTC()
	}
	if r.ring != nil {
		r.ring.Add(e)
	}
	for _, s := range r.sinks {
		if err := s.Write(ctx, e); err != nil {
			slog.Warn("Audit sink write failed", "kind", e.Kind, "task", e.TaskID, "error", err)
		}
	}
}

// Recent returns up to n of the newest entries, oldest first.
func (r *Recorder) Recent(n int) []Entry {
	if r == nil || r.ring == nil {
		return nil
	}
	return r.ring.Last(n)
}

// Close closes every sink.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	var errs []error
	for _, s := range r.sinks {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}

// Ring is a fixed-capacity buffer that overwrites its oldest entry when
// full.
type Ring struct {
	mu    sync.RWMutex
	buf   []Entry
	start int
	n     int
}

// NewRing creates a ring holding at most size entries.
func NewRing(size int) *Ring {
	if size < 1 {
		size = 1
	}
	return &Ring{buf: make([]Entry, size)}
}

// Add appends e, evicting the oldest entry when the ring is full.
func (r *Ring) Add(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = e
		r.n++
		return
	}
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

// Entries returns every retained entry, oldest first.
func (r *Ring) Entries() []Entry {
	return r.Last(-1)
}

// Last returns the newest n entries, oldest first. A negative n returns
// all of them.
func (r *Ring) Last(n int) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if n < 0 || n > r.n {
		n = r.n
	}
	out := make([]Entry, n)
	skip := r.n - n
	for i := range n {
		out[i] = r.buf[(r.start+skip+i)%len(r.buf)]
	}
	return out
}

// Len reports the number of retained entries.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.n
}

// Cap reports the ring capacity.
func (r *Ring) Cap() int {
	return len(r.buf)
}
