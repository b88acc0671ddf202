package store

import (
	"context"

	"stbmux/work/types"
)

// Store is the persistence surface the engine depends on: portal and MAC
// configuration plus the cached channel lineup built by refresh jobs. Probing
// and handlers work against this interface; SQLite provides the production
// implementation.
type Store interface {
	// Portals returns all enabled portals with their MAC pools in rotation
	// order.
	Portals(ctx context.Context) ([]types.Portal, error)

	// Portal returns one portal by id, nil when unknown.
	Portal(ctx context.Context, id string) (*types.Portal, error)

	// SavePortal inserts or replaces a portal and its MAC pool.
	SavePortal(ctx context.Context, p *types.Portal) error

	// DeletePortal removes a portal, its MACs and its cached channels.
	DeletePortal(ctx context.Context, id string) error

	// MoveMac rotates the MAC to the back of the portal's pool so repeatedly
	// failing credentials stop being tried first.
	MoveMac(ctx context.Context, portalID, mac string) error

	// SetMacExpiry records the account expiry text reported by the portal.
	SetMacExpiry(ctx context.Context, portalID, mac, expiry string) error

	// ChannelLookup returns the cached channel for (portal, channel), nil
	// when the lineup doesn't contain it.
	ChannelLookup(ctx context.Context, portalID, channelID string) (*types.CachedChannel, error)

	// ListChannels returns every cached channel across all portals, ordered
	// by portal then name, for playlist and lineup rendering.
	ListChannels(ctx context.Context) ([]types.CachedChannel, error)

	// ReplaceChannels atomically swaps a portal's cached lineup.
	ReplaceChannels(ctx context.Context, portalID string, channels []types.CachedChannel) error

	// SetCachedCmd persists the last working cmd for a channel so the next
	// probe can try it before a full link resolution.
	SetCachedCmd(ctx context.Context, portalID, channelID, cmd string) error

	// Close releases the underlying database.
	Close() error
}
