package refresh

import (
	"context"
	"fmt"

	"stbmux/work/cache"
	"stbmux/work/logger"
	"stbmux/work/portal"
	"stbmux/work/store"
	"stbmux/work/types"
	"stbmux/work/utils"
)

// Refresher rebuilds a portal's cached channel lineup from upstream. It runs
// inside the scheduler's per-portal lock, so its store writes never race
// probe-driven rotation.
type Refresher struct {
	store   store.Store
	portals portal.Client
	cache   *cache.Cache
}

// NewRefresher wires the refresh collaborator.
func NewRefresher(st store.Store, pc portal.Client, c *cache.Cache) *Refresher {
	return &Refresher{
		store:   st,
		portals: pc,
		cache:   c,
	}
}

// RefreshPortal fetches the channel list with the first credential that
// authenticates, stores the new lineup atomically and invalidates derived
// caches. Errors are transient from the scheduler's point of view and get
// retried with backoff.
func (r *Refresher) RefreshPortal(ctx context.Context, portalID string) (*types.RefreshSummary, error) {
	p, err := r.store.Portal(ctx, portalID)
	if err != nil {
		return nil, fmt.Errorf("loading portal: %w", err)
	}
	if p == nil {
		return nil, fmt.Errorf("unknown portal %s", portalID)
	}

	// stale playlists must not outlive the refresh even if it fails midway
	r.cache.Clear()

	channels, mac, err := r.fetchChannels(ctx, p)
	if err != nil {
		return nil, err
	}

	genres, _ := r.fetchGenres(ctx, p, mac)

	cached := make([]types.CachedChannel, 0, len(channels))
	for _, ch := range channels {
		cached = append(cached, types.CachedChannel{
			PortalID:      portalID,
			ChannelID:     ch.ID,
			Name:          ch.Name,
			Genre:         genres[ch.GenreID],
			Logo:          ch.Logo,
			CachedCmd:     ch.Cmd,
			AvailableMacs: []string{mac},
		})
	}

	matched := 0
	if p.FuzzyMatch {
		matched = linkDuplicates(cached)
	}

	if err := r.store.ReplaceChannels(ctx, portalID, cached); err != nil {
		return nil, fmt.Errorf("storing lineup: %w", err)
	}

	logger.Info("{refresh - RefreshPortal} %s: stored %d channels (%d matched) via mac %s",
		portalID, len(cached), matched, mac)

	return types.NewRefreshSummary(len(cached), matched), nil
}

// fetchChannels walks the MAC pool in stored order until one authenticates
// and lists channels.
func (r *Refresher) fetchChannels(ctx context.Context, p *types.Portal) ([]portal.Channel, string, error) {
	var lastErr error
	for _, rec := range p.Macs {
		token, err := r.portals.GetToken(ctx, p, rec.Mac)
		if err != nil {
			lastErr = err
			continue
		}
		if err := r.portals.GetProfile(ctx, p, rec.Mac, token); err != nil {
			logger.Debug("{refresh - fetchChannels} %s mac %s: profile fetch failed: %v", p.ID, rec.Mac, err)
		}

		channels, err := r.portals.GetAllChannels(ctx, p, rec.Mac, token)
		if err != nil {
			lastErr = err
			continue
		}

		if expiry, err := r.portals.GetExpires(ctx, p, rec.Mac, token); err == nil && expiry != "" {
			if err := r.store.SetMacExpiry(ctx, p.ID, rec.Mac, expiry); err != nil {
				logger.Debug("{refresh - fetchChannels} failed to store expiry for %s: %v", rec.Mac, err)
			}
		}

		return channels, rec.Mac, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("portal %s has no credentials", p.ID)
	}
	return nil, "", fmt.Errorf("no credential could list channels: %w", lastErr)
}

func (r *Refresher) fetchGenres(ctx context.Context, p *types.Portal, mac string) (map[string]string, error) {
	token, err := r.portals.GetToken(ctx, p, mac)
	if err != nil {
		return nil, err
	}
	return r.portals.GetGenres(ctx, p, mac, token)
}

// linkDuplicates wires channels whose sanitized names collide as alternates
// of each other, so a probe can fall through to a sibling feed when the
// primary id stops resolving. Returns how many channels gained alternates.
func linkDuplicates(channels []types.CachedChannel) int {
	byName := make(map[string][]int)
	for i, ch := range channels {
		key := utils.SanitizeName(ch.Name)
		if key == "" {
			continue
		}
		byName[key] = append(byName[key], i)
	}

	matched := 0
	for _, idxs := range byName {
		if len(idxs) < 2 {
			continue
		}
		for _, i := range idxs {
			for _, j := range idxs {
				if i == j {
					continue
				}
				channels[i].AlternateIDs = append(channels[i].AlternateIDs, channels[j].ChannelID)
			}
			matched++
		}
	}
	return matched
}
