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
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kadirpekel/a2abridge/pkg/config"
)

// NewStoreFromConfig builds the store selected by cfg.Sessions.Backend.
func NewStoreFromConfig(ctx context.Context, cfg *config.Config, pool *config.DBPool) (Store, error) {
	switch cfg.Sessions.Backend {
	case config.SessionBackendMemory, "":
		slog.Info("Using in-memory session store")
		return NewMemoryStore(), nil

	case config.SessionBackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		slog.Info("Using redis session store", "addr", cfg.Redis.Addr)
		return NewRedisStore(client, cfg.Sessions.KeyPrefix, cfg.Sessions.MaxAge), nil

	case config.SessionBackendSQL:
		dbCfg, ok := cfg.Databases[cfg.Sessions.Database]
		if !ok {
			return nil, fmt.Errorf("database %q not found", cfg.Sessions.Database)
		}
		db, err := pool.Get(ctx, dbCfg)
		if err != nil {
			return nil, err
		}
		slog.Info("Using SQL session store", "database", cfg.Sessions.Database, "dialect", dbCfg.Dialect())
		return NewSQLStore(db, dbCfg.Dialect())

	default:
		return nil, fmt.Errorf("unknown session backend %q", cfg.Sessions.Backend)
	}
}
