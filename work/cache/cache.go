package cache

import (
	"time"

	"github.com/maypok86/otter/v2"
)

// Cache provides thread-safe in-memory caching with time-based expiration.
// It maintains separate stores for rendered playlist output and the combined
// XMLTV guide, both of which are expensive to rebuild on every request.
type Cache struct {
	playlistCache *otter.Cache[string, string]
	guideCache    *otter.Cache[string, string]
}

// NewCache creates a Cache whose entries expire the given duration after
// they are written. The cache is ready for immediate use.
func NewCache(duration time.Duration) *Cache {
	return &Cache{
		playlistCache: otter.Must(&otter.Options[string, string]{
			MaximumSize:      64,
			ExpiryCalculator: otter.ExpiryWriting[string, string](duration),
		}),
		guideCache: otter.Must(&otter.Options[string, string]{
			MaximumSize:      8,
			ExpiryCalculator: otter.ExpiryWriting[string, string](duration),
		}),
	}
}

// GetPlaylist returns the cached rendered playlist for the key, or false when
// missing or expired.
func (c *Cache) GetPlaylist(key string) (string, bool) {
	return c.playlistCache.GetIfPresent(key)
}

// SetPlaylist stores rendered playlist output under the key.
func (c *Cache) SetPlaylist(key, value string) {
	c.playlistCache.Set(key, value)
}

// GetGuide returns the cached combined XMLTV document for the key, or false
// when missing or expired.
func (c *Cache) GetGuide(key string) (string, bool) {
	return c.guideCache.GetIfPresent(key)
}

// SetGuide stores a combined XMLTV document under the key.
func (c *Cache) SetGuide(key, value string) {
	c.guideCache.Set(key, value)
}

// Clear drops every cached entry. Called after a channel refresh so clients
// see new lineups immediately instead of waiting out the TTL.
func (c *Cache) Clear() {
	c.playlistCache.InvalidateAll()
	c.guideCache.InvalidateAll()
}
