package cache

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
)

type lruEntry struct {
	value     []byte
	expiresAt time.Time
}

// LRUProvider is an in-process Provider with per-key TTLs, used when no
// shared cache is configured.
type LRUProvider struct {
	mu    sync.Mutex
	cache *lru.Cache[string, lruEntry]
	clock clockwork.Clock
}

// NewLRUProvider returns a provider holding at most size keys.
func NewLRUProvider(size int, clock clockwork.Clock) (*LRUProvider, error) {
	if size <= 0 {
		size = 1024
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	c, err := lru.New[string, lruEntry](size)
	if err != nil {
		return nil, fmt.Errorf("lru cache: %w", err)
	}
	return &LRUProvider{cache: c, clock: clock}, nil
}

// Get returns the value for key or ErrCacheMiss when absent or expired.
func (p *LRUProvider) Get(_ context.Context, key string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.lookup(key)
	if !ok {
		return nil, ErrCacheMiss
	}
	return append([]byte(nil), entry.value...), nil
}

// Set stores value; a non-positive ttl never expires.
func (p *LRUProvider) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache.Add(key, p.entry(value, ttl))
	return nil
}

// SetNX stores value only when key is absent or expired.
func (p *LRUProvider) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.lookup(key); ok {
		return false, nil
	}
	p.cache.Add(key, p.entry(value, ttl))
	return true, nil
}

// Del removes key.
func (p *LRUProvider) Del(_ context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache.Remove(key)
	return nil
}

// DelIfValue removes key only while it holds value.
func (p *LRUProvider) DelIfValue(_ context.Context, key string, value []byte) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.lookup(key)
	if !ok || !bytes.Equal(entry.value, value) {
		return false, nil
	}
	p.cache.Remove(key)
	return true, nil
}

// Close drops every entry.
func (p *LRUProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache.Purge()
	return nil
}

func (p *LRUProvider) lookup(key string) (lruEntry, bool) {
	entry, ok := p.cache.Get(key)
	if !ok {
		return lruEntry{}, false
	}
	if !entry.expiresAt.IsZero() && !p.clock.Now().Before(entry.expiresAt) {
		p.cache.Remove(key)
		return lruEntry{}, false
	}
	return entry, true
}

func (p *LRUProvider) entry(value []byte, ttl time.Duration) lruEntry {
	e := lruEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = p.clock.Now().Add(ttl)
	}
	return e
}
