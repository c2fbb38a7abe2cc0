package cache

import (
	"context"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const defaultMemorySize = 4096

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// MemoryBackend is an in-process fallback backend for deployments without
// Redis and for tests. The LRU's own TTL acts as a backstop at the longest
// tier; per-entry expiry is enforced on read.
type MemoryBackend struct {
	lru *expirable.LRU[string, memoryEntry]
	now func() time.Time
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		lru: expirable.NewLRU[string, memoryEntry](defaultMemorySize, nil, TTLStoreConfig),
		now: time.Now,
	}
}

func (b *MemoryBackend) Get(_ context.Context, key string) (string, bool, error) {
	entry, ok := b.lru.Get(key)
	if !ok {
		return "", false, nil
	}
	if b.now().After(entry.expiresAt) {
		b.lru.Remove(key)
		return "", false, nil
	}
	return entry.value, true, nil
}

func (b *MemoryBackend) Set(_ context.Context, key, value string, ttl time.Duration) error {
	b.lru.Add(key, memoryEntry{value: value, expiresAt: b.now().Add(ttl)})
	return nil
}

func (b *MemoryBackend) Delete(_ context.Context, key string) error {
	b.lru.Remove(key)
	return nil
}

func (b *MemoryBackend) Keys(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	for _, key := range b.lru.Keys() {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}
