// Package cache provides caching for encoded matrix columns and parsed layouts.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/soma-tiles/rma/internal/layout"
)

// Config contains cache configuration.
type Config struct {
	BlobCacheSizeMB int
	BlobTTL         time.Duration
	LayoutCacheSize int
}

// Manager manages the column blob and layout caches.
type Manager struct {
	blobCache   *bigcache.BigCache
	layoutCache *lru.Cache[string, *layout.Map]
}

// NewManager creates a new cache manager. A zero BlobCacheSizeMB disables the
// blob cache.
func NewManager(cfg Config) (*Manager, error) {
	m := &Manager{}

	if cfg.BlobCacheSizeMB > 0 {
		ttl := cfg.BlobTTL
		if ttl <= 0 {
			ttl = 24 * time.Hour
		}
		// Few shards: column blobs are large and each shard must hold a whole entry.
		blobCacheConfig := bigcache.Config{
			Shards:             8,
			LifeWindow:         ttl,
			CleanWindow:        ttl / 2,
			MaxEntriesInWindow: 1024,
			MaxEntrySize:       1024 * 1024,
			HardMaxCacheSize:   cfg.BlobCacheSizeMB,
			Verbose:            false,
		}

		blobCache, err := bigcache.New(context.Background(), blobCacheConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create blob cache: %w", err)
		}
		m.blobCache = blobCache
	}

	size := cfg.LayoutCacheSize
	if size <= 0 {
		size = 8
	}
	layoutCache, err := lru.New[string, *layout.Map](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create layout cache: %w", err)
	}
	m.layoutCache = layoutCache

	return m, nil
}

// GetBlob retrieves an encoded column from cache.
func (m *Manager) GetBlob(key string) ([]byte, bool) {
	if m.blobCache == nil {
		return nil, false
	}
	data, err := m.blobCache.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetBlob stores an encoded column in cache.
func (m *Manager) SetBlob(key string, data []byte) error {
	if m.blobCache == nil {
		return nil
	}
	return m.blobCache.Set(key, data)
}

// DeleteBlob drops an encoded column from cache.
func (m *Manager) DeleteBlob(key string) {
	if m.blobCache == nil {
		return
	}
	if err := m.blobCache.Delete(key); err != nil && !errors.Is(err, bigcache.ErrEntryNotFound) {
		return
	}
}

// GetLayout retrieves a parsed layout from cache.
func (m *Manager) GetLayout(key string) (*layout.Map, bool) {
	return m.layoutCache.Get(key)
}

// SetLayout stores a parsed layout in cache.
func (m *Manager) SetLayout(key string, lm *layout.Map) {
	m.layoutCache.Add(key, lm)
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	stats := map[string]interface{}{
		"layout_cache_len": m.layoutCache.Len(),
	}
	if m.blobCache != nil {
		s := m.blobCache.Stats()
		stats["blob_cache_len"] = m.blobCache.Len()
		stats["blob_cache_cap"] = m.blobCache.Capacity()
		stats["blob_cache_hits"] = s.Hits
		stats["blob_cache_misses"] = s.Misses
	}
	return stats
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	if m.blobCache == nil {
		return nil
	}
	return m.blobCache.Close()
}
