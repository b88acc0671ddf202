package occupancy

import (
	"errors"
	"sync"
	"time"

	"stbmux/work/metrics"
	"stbmux/work/types"
)

// ErrMacAtCapacity indicates every slot on the credential is already serving
// a stream.
var ErrMacAtCapacity = errors.New("mac has no free slots")

// Registry tracks which MAC slots are serving streams right now. It is the
// authority for credential capacity: a slot exists only between a successful
// Acquire and its release, and the capacity check and the insert happen under
// one lock so concurrent requests can never over-admit a credential.
type Registry struct {
	mu       sync.Mutex
	sessions map[string][]*types.OccupiedSession // keyed by portal id
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string][]*types.OccupiedSession),
	}
}

// CountFor returns how many streams the MAC is serving on the portal.
func (r *Registry) CountFor(portalID, mac string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.countLocked(portalID, mac)
}

func (r *Registry) countLocked(portalID, mac string) int {
	count := 0
	for _, s := range r.sessions[portalID] {
		if s.Mac == mac {
			count++
		}
	}
	return count
}

// Acquire claims a slot on the MAC for a delivery, enforcing the per-MAC
// limit (0 means unlimited). It returns a release function that must be
// called exactly once when the delivery ends; calling it again is a no-op.
func (r *Registry) Acquire(portalID, mac, channelID, channelName, clientAddr string, limit int) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limit != 0 && r.countLocked(portalID, mac) >= limit {
		return nil, ErrMacAtCapacity
	}

	session := &types.OccupiedSession{
		Mac:         mac,
		ChannelID:   channelID,
		ChannelName: channelName,
		ClientAddr:  clientAddr,
		StartTime:   time.Now(),
	}
	r.sessions[portalID] = append(r.sessions[portalID], session)
	metrics.OccupiedSlots.WithLabelValues(portalID).Inc()

	var once sync.Once
	release := func() {
		once.Do(func() {
			r.remove(portalID, session)
		})
	}

	return release, nil
}

func (r *Registry) remove(portalID string, target *types.OccupiedSession) {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.sessions[portalID]
	for i, s := range list {
		if s == target {
			r.sessions[portalID] = append(list[:i], list[i+1:]...)
			metrics.OccupiedSlots.WithLabelValues(portalID).Dec()
			break
		}
	}
	if len(r.sessions[portalID]) == 0 {
		delete(r.sessions, portalID)
	}
}

// Snapshot returns a copy of all occupied sessions keyed by portal id, for
// the occupancy API.
func (r *Registry) Snapshot() map[string][]types.OccupiedSession {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string][]types.OccupiedSession, len(r.sessions))
	for portalID, list := range r.sessions {
		copies := make([]types.OccupiedSession, len(list))
		for i, s := range list {
			copies[i] = *s
		}
		out[portalID] = copies
	}
	return out
}
