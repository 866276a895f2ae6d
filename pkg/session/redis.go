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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// maxTxRetries bounds optimistic-lock retries of a read-modify-write.
const maxTxRetries = 8

// RedisStore shares mappings through redis. Every key carries the
// configured TTL, refreshed on each write, so idle contexts expire without a
// sweep.
//
// Keys:
//
//	<prefix>:session:<contextID>  mapping JSON
//	<prefix>:task:<taskID>        owning context id
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisStore wraps client. A zero ttl disables key expiry.
func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "a2abridge"
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl, now: time.Now}
}

func (s *RedisStore) sessionKey(contextID string) string {
	return s.prefix + ":session:" + contextID
}

func (s *RedisStore) taskKey(taskID string) string {
	return s.prefix + ":task:" + taskID
}

func (s *RedisStore) Get(ctx context.Context, contextID string) (*Mapping, error) {
	return s.load(ctx, s.client, contextID)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) load(ctx context.Context, c getter, contextID string) (*Mapping, error) {
	data, err := c.Get(ctx, s.sessionKey(contextID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", contextID, err)
	}
	var m Mapping
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode session %s: %w", contextID, err)
	}
	return &m, nil
}

func (s *RedisStore) Set(ctx context.Context, contextID string, m *Mapping) error {
	next := m.Clone()
	return s.transact(ctx, contextID, func(prev *Mapping) (*Mapping, bool) {
		return next, true
	})
}

func (s *RedisStore) Update(ctx context.Context, contextID string, mutate func(*Mapping)) error {
	return s.transact(ctx, contextID, func(prev *Mapping) (*Mapping, bool) {
		if prev == nil {
			return nil, false
		}
		mutate(prev)
		return prev, true
	})
}

// transact runs a WATCH-guarded read-modify-write of one mapping and its
// reverse index entries. apply may run more than once.
func (s *RedisStore) transact(ctx context.Context, contextID string, apply func(prev *Mapping) (*Mapping, bool)) error {
	key := s.sessionKey(contextID)

	txf := func(tx *redis.Tx) error {
		prev, err := s.load(ctx, tx, contextID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		var before []string
		if prev != nil {
			before = prev.TaskIDs
			prev = prev.Clone()
		}

		next, ok := apply(prev)
		if !ok {
			return nil
		}
		next.ContextID = contextID
		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("failed to encode session %s: %w", contextID, err)
		}

		stale, err := s.ownedTasks(ctx, tx, contextID, staleTasks(before, next.TaskIDs))
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, data, s.ttl)
			for _, id := range next.TaskIDs {
				p.Set(ctx, s.taskKey(id), contextID, s.ttl)
			}
			for _, id := range stale {
				p.Del(ctx, s.taskKey(id))
			}
			return nil
		})
		return err
	}

	for range maxTxRetries {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("session %s: too much contention", contextID)
}

// ownedTasks filters ids to those whose reverse entry still points at
// contextID.
func (s *RedisStore) ownedTasks(ctx context.Context, c getter, contextID string, ids []string) ([]string, error) {
	var out []string
	for _, id := range ids {
		owner, err := c.Get(ctx, s.taskKey(id)).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read task index %s: %w", id, err)
		}
		if owner == contextID {
			out = append(out, id)
		}
	}
	return out, nil
}

func (s *RedisStore) Delete(ctx context.Context, contextID string) error {
	key := s.sessionKey(contextID)
	txf := func(tx *redis.Tx) error {
		prev, err := s.load(ctx, tx, contextID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		owned, err := s.ownedTasks(ctx, tx, contextID, prev.TaskIDs)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Del(ctx, key)
			for _, id := range owned {
				p.Del(ctx, s.taskKey(id))
			}
			return nil
		})
		return err
	}

	for range maxTxRetries {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("session %s: too much contention", contextID)
}

func (s *RedisStore) GetByTaskID(ctx context.Context, taskID string) (*Mapping, error) {
	contextID, err := s.client.Get(ctx, s.taskKey(taskID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read task index %s: %w", taskID, err)
	}
	m, err := s.Get(ctx, contextID)
	if err != nil {
		return nil, err
	}
	if !m.HasTask(taskID) {
		return nil, ErrNotFound
	}
	return m, nil
}

// Cleanup removes mappings whose last activity predates maxAge. Key TTLs
// handle most expiry; this catches records written without one.
func (s *RedisStore) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := s.now().Add(-maxAge)
	pattern := s.sessionKey("*")
	prefixLen := len(s.sessionKey(""))

	removed := 0
	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		contextID := iter.Val()[prefixLen:]
		m, err := s.Get(ctx, contextID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			slog.Warn("Skipping unreadable session during cleanup", "context_id", contextID, "error", err)
			continue
		}
		if !m.LastActivity.Before(cutoff) {
			continue
		}
		if err := s.Delete(ctx, contextID); err != nil {
			return removed, err
		}
		removed++
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("failed to scan sessions: %w", err)
	}
	return removed, nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
