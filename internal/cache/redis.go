// Package cache provides a Redis read-through cache for a session's recent
// events. The relational store stays authoritative; entries are short-lived
// and invalidated on every write to the session.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ybryx/memcore/internal/memory"
)

const keyPrefix = "memcore:recent:"

// Recent caches recent-event windows keyed by session id.
type Recent struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// New connects to Redis and verifies the connection.
func New(url string, ttl time.Duration, logger *zap.Logger) (*Recent, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, err
	}
	logger.Info("Redis connected")
	return &Recent{client: client, ttl: ttl, logger: logger}, nil
}

// GetRecent returns the cached window for the session, if present. Cache
// errors read as misses.
func (r *Recent) GetRecent(ctx context.Context, sessionID string) ([]memory.Record, bool) {
	raw, err := r.client.Get(ctx, keyPrefix+sessionID).Bytes()
	if err != nil {
		if err != redis.Nil {
			r.logger.Debug("cache read failed", zap.Error(err))
		}
		return nil, false
	}
	var events []memory.Record
	if err := json.Unmarshal(raw, &events); err != nil {
		r.logger.Debug("cache entry corrupt, dropping", zap.String("session_id", sessionID))
		r.client.Del(ctx, keyPrefix+sessionID)
		return nil, false
	}
	return events, true
}

// SetRecent stores the window with the configured TTL. Best effort.
func (r *Recent) SetRecent(ctx context.Context, sessionID string, events []memory.Record) {
	raw, err := json.Marshal(events)
	if err != nil {
		return
	}
	if err := r.client.Set(ctx, keyPrefix+sessionID, raw, r.ttl).Err(); err != nil {
		r.logger.Debug("cache write failed", zap.Error(err))
	}
}

// Invalidate drops the session's cached window.
func (r *Recent) Invalidate(ctx context.Context, sessionID string) {
	if err := r.client.Del(ctx, keyPrefix+sessionID).Err(); err != nil {
		r.logger.Debug("cache invalidate failed", zap.Error(err))
	}
}

// Close releases the Redis connection.
func (r *Recent) Close() error {
	return r.client.Close()
}
