/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/valentin-ulloa/bauhaustravel/pkg/trip"
)

// SentCache is a Redis front for the notifications_log idempotency fence.
// It is strictly an optimization: every answer it gives is re-checked or
// backfilled against Postgres by the dispatcher, so a cold or absent cache
// only costs an extra query. All methods are safe on a nil receiver, which
// is how a deployment without REDIS_URL runs.
type SentCache struct {
	client *redis.Client
	log    *zap.Logger
}

// NewSentCache wraps an existing Redis client.
func NewSentCache(client *redis.Client, log *zap.Logger) *SentCache {
	if log == nil {
		log = zap.NewNop()
	}
	return &SentCache{client: client, log: log}
}

// OpenRedis connects using a redis:// URL and verifies the connection.
func OpenRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return client, nil
}

func sentKey(tripID uuid.UUID, kind trip.NotificationKind, hash string) string {
	return fmt.Sprintf("bauhaus:sent:%s:%s:%s", tripID, kind, hash)
}

// SeenSent reports whether a successful send was cached for this hash.
func (c *SentCache) SeenSent(ctx context.Context, tripID uuid.UUID, kind trip.NotificationKind, hash string) (bool, error) {
	if c == nil || c.client == nil {
		return false, nil
	}
	n, err := c.client.Exists(ctx, sentKey(tripID, kind, hash)).Result()
	if err != nil {
		return false, fmt.Errorf("checking sent cache: %w", err)
	}
	return n > 0, nil
}

// MarkSent caches a successful send for ttl.
func (c *SentCache) MarkSent(ctx context.Context, tripID uuid.UUID, kind trip.NotificationKind, hash string, ttl time.Duration) error {
	if c == nil || c.client == nil {
		return nil
	}
	if err := c.client.Set(ctx, sentKey(tripID, kind, hash), "1", ttl).Err(); err != nil {
		return fmt.Errorf("marking sent cache: %w", err)
	}
	return nil
}
