// Package cache backs the knowledge lookup cache and the per-incident
// workflow locks. Redis is used when configured so that several agent
// replicas share both; otherwise an in-process LRU stands in.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Provider is the key/value surface shared by the Redis and LRU backends.
// Keys are namespaced by the backend; callers pass bare keys.
type Provider interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX stores value only if key is absent and reports whether it did.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Del(ctx context.Context, key string) error
	// DelIfValue removes key only while it still holds value and reports
	// whether it did.
	DelIfValue(ctx context.Context, key string, value []byte) (bool, error)
	Close() error
}

// ErrCacheMiss is returned by Get for absent or expired keys.
var ErrCacheMiss = errors.New("cache miss")

// GetJSON decodes the value stored under key into out. A miss, a backend
// error or an undecodable value all report found=false; only backend errors
// other than a miss are returned.
func GetJSON(ctx context.Context, p Provider, key string, out any) (found bool, err error) {
	data, err := p.Get(ctx, key)
	if errors.Is(err, ErrCacheMiss) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		// Stale shape from an older release; treat as a miss.
		return false, nil
	}
	return true, nil
}

// SetJSON encodes v and stores it under key for ttl.
func SetJSON(ctx context.Context, p Provider, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode cache value %s: %w", key, err)
	}
	return p.Set(ctx, key, data, ttl)
}

// Acquire claims key for owner until ttl elapses. When the claim succeeds
// the returned release deletes the key, unless the claim expired and another
// owner has taken it since. Release ignores the caller's cancellation so a
// lock is not leaked by an aborted request.
func Acquire(ctx context.Context, p Provider, key, owner string, ttl time.Duration) (release func(), ok bool, err error) {
	ok, err = p.SetNX(ctx, key, []byte(owner), ttl)
	if err != nil || !ok {
		return func() {}, ok, err
	}
	return func() { _, _ = p.DelIfValue(context.WithoutCancel(ctx), key, []byte(owner)) }, true, nil
}

// NoopProvider stores nothing. Every lock claim succeeds, so it only suits
// single-process setups with caching disabled.
type NoopProvider struct{}

func (NoopProvider) Get(context.Context, string) ([]byte, error) { return nil, ErrCacheMiss }

func (NoopProvider) Set(context.Context, string, []byte, time.Duration) error { return nil }

func (NoopProvider) SetNX(context.Context, string, []byte, time.Duration) (bool, error) {
	return true, nil
}

func (NoopProvider) Del(context.Context, string) error { return nil }

func (NoopProvider) DelIfValue(context.Context, string, []byte) (bool, error) { return false, nil }

func (NoopProvider) Close() error { return nil }
