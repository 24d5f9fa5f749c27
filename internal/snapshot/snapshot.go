// Package snapshot stores short-lived shared state such as builder heartbeats, cache
// counters and scheduler metrics. Every value expires after its TTL.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned for missing or expired keys.
var ErrNotFound = errors.New("snapshot: not found")

// Store is a TTL keyed byte store.
type Store interface {
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	// Keys lists live keys matching a glob pattern where '*' matches any run of characters.
	Keys(ctx context.Context, pattern string) ([]string, error)
	Ping(ctx context.Context) error
}

// Key helpers for the shared snapshot layout.
func BuilderKey(builderID string) string  { return "builder:" + builderID + ":info" }
func CacheStatsKey(cacheID string) string { return "cache:stats:" + cacheID }
func BuildLogsKey(buildID string) string  { return "build:" + buildID + ":logs" }

// SchedulerMetricsKey holds the scheduler's periodic metrics.
const SchedulerMetricsKey = "scheduler:metrics"

// BuilderPattern matches every builder snapshot key.
const BuilderPattern = "builder:*:info"

// PutJSON marshals value and stores it.
func PutJSON(ctx context.Context, s Store, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("snapshot: encode %s: %w", key, err)
	}
	return s.Put(ctx, key, data, ttl)
}

// GetJSON loads key into dst.
func GetJSON(ctx context.Context, s Store, key string, dst any) error {
	data, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("snapshot: decode %s: %w", key, err)
	}
	return nil
}
