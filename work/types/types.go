package types

import (
	"time"
)

// Portal represents one upstream IPTV provider account: a base URL plus a
// pool of MAC credentials, each of which may carry a bounded number of
// concurrent playback slots. Portal rows are owned by the config store; the
// engine reads them and only ever mutates MAC ordering through Store.MoveMac.
//
// Macs is an explicit ordered sequence rather than a map so that credential
// rotation ("move this MAC to the tail so it is tried last next time") is a
// well-defined operation under the per-portal lock, with no dependence on
// map iteration order.
type Portal struct {
	ID            string      // stable identifier, used in URLs and as lock key
	Name          string      // display name for logs and the playlist
	URL           string      // portal base URL, e.g. http://host/stalker_portal/
	Proxy         string      // optional HTTP proxy for all upstream calls, "" for direct
	StreamsPerMac int         // concurrent playback slots per MAC; 0 means unlimited
	Enabled       bool        // disabled portals are skipped by refresh timers and playlists
	FuzzyMatch    bool        // run channel name/identity matching after a refresh
	EpgURL        string      // optional XMLTV document URL for this portal's guide data
	Macs          []MacRecord // ordered credential pool, head tried first
}

// MacRecord is a single device-identity credential within a portal's pool.
type MacRecord struct {
	Mac             string // device MAC address presented to the portal
	Expiry          string // provider-reported expiry, informational only
	WatchdogSeconds int    // seconds this credential has sat idle upstream; higher is safer
	PlaybackLimit   int    // provider-reported limit, advisory only; capacity is StreamsPerMac plus live occupancy
}

// OccupiedSession records one client actively consuming a playback slot on a
// MAC. Entries live only in memory, created when a stream session begins
// relaying bytes and removed on every exit path. The count of entries for a
// given MAC is the live occupancy the credential scorer works against.
type OccupiedSession struct {
	Mac         string
	ChannelID   string
	ChannelName string
	ClientAddr  string
	StartTime   time.Time
}

// CachedChannel is the engine's read-mostly view of one channel on one
// portal, populated by the refresh job. CachedCmd is a fast path: when
// present the probe skips the full upstream channel-list fetch.
// AvailableMacs reorders probing toward credentials already known to serve
// this channel; AlternateIDs are tried in order after the primary id.
type CachedChannel struct {
	PortalID      string
	ChannelID     string
	Name          string
	Genre         string
	Logo          string
	CachedCmd     string
	AvailableMacs []string
	AlternateIDs  []string
}

// RefreshSummary holds the channel counts recorded after a portal refresh,
// surfaced through the job status query.
type RefreshSummary struct {
	Channels int       `json:"channels"`
	Matched  int       `json:"matched"`
	At       time.Time `json:"at"`
}

// NewRefreshSummary stamps a summary with the current time.
func NewRefreshSummary(channels, matched int) *RefreshSummary {
	return &RefreshSummary{
		Channels: channels,
		Matched:  matched,
		At:       time.Now(),
	}
}
