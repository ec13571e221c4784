package cache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryProvider is an in-process Provider backed by go-cache.
type MemoryProvider struct {
	store *gocache.Cache
}

// NewMemoryProvider builds a provider with a default expiry and janitor interval.
func NewMemoryProvider(defaultTTL, cleanupInterval time.Duration) *MemoryProvider {
	if defaultTTL <= 0 {
		defaultTTL = gocache.NoExpiration
	}
	return &MemoryProvider{store: gocache.New(defaultTTL, cleanupInterval)}
}

func (m *MemoryProvider) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, ok := m.store.Get(key)
	if !ok {
		return nil, ErrCacheMiss
	}
	raw, ok := v.([]byte)
	if !ok {
		return nil, ErrCacheMiss
	}
	out := make([]byte, len(raw))
	copy(out, raw)
	return out, nil
}

func (m *MemoryProvider) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.store.Set(key, clone(value), expiry(ttl))
	return nil
}

// SetNX stores value only when key is absent.
func (m *MemoryProvider) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := m.store.Add(key, clone(value), expiry(ttl)); err != nil {
		return false, nil
	}
	return true, nil
}

func (m *MemoryProvider) Del(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.store.Delete(key)
	return nil
}

// Close flushes every entry.
func (m *MemoryProvider) Close() error {
	m.store.Flush()
	return nil
}

// Len reports the number of live entries.
func (m *MemoryProvider) Len() int { return m.store.ItemCount() }

func expiry(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return gocache.DefaultExpiration
	}
	return ttl
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
