package scorer

import (
	"sort"

	"stbmux/work/types"
)

// Score rates a credential for the next probe attempt. Higher is better;
// -1 means the MAC has no free slot right now and must not be probed. The
// score is a pure function of the inputs: an idleness tier from the MAC's
// watchdog interval plus a bonus per free slot. Capacity comes from the
// portal's streams-per-MAC setting and the live occupancy count alone;
// a MAC's advisory playback limit never changes the result, and an
// unlimited portal (streamsPerMac 0) never scores -1.
func Score(rec types.MacRecord, occupied, streamsPerMac int) int {
	availableSlots := streamsPerMac - occupied
	if streamsPerMac != 0 && availableSlots <= 0 {
		return -1
	}

	score := 0
	w := rec.WatchdogSeconds
	switch {
	case w > 1800:
		score += 100
	case w > 300:
		score += 75
	case w >= 60:
		score += 50
	case w > 0:
		score += 10
	}

	if streamsPerMac != 0 {
		score += availableSlots * 20
	}

	return score
}

// scored pairs a record with its score for the ordering pass.
type scored struct {
	rec   types.MacRecord
	score int
}

// OrderCandidates produces the probe order for a channel request: MACs
// scored and sorted descending (stable, so pool order breaks ties), with
// at-capacity credentials dropped. When the channel has a known
// availableMacs set, those credentials come first, preserving relative
// score order within each partition. If every MAC is at capacity the full
// pool comes back in stored order as a last resort.
func OrderCandidates(portal *types.Portal, occupiedCount func(mac string) int, availableMacs []string) []types.MacRecord {
	usable := make([]scored, 0, len(portal.Macs))
	for _, rec := range portal.Macs {
		s := Score(rec, occupiedCount(rec.Mac), portal.StreamsPerMac)
		if s < 0 {
			continue
		}
		usable = append(usable, scored{rec: rec, score: s})
	}

	if len(usable) == 0 {
		out := make([]types.MacRecord, len(portal.Macs))
		copy(out, portal.Macs)
		return out
	}

	sort.SliceStable(usable, func(i, j int) bool {
		return usable[i].score > usable[j].score
	})

	if len(availableMacs) == 0 {
		out := make([]types.MacRecord, 0, len(usable))
		for _, s := range usable {
			out = append(out, s.rec)
		}
		return out
	}

	known := make(map[string]bool, len(availableMacs))
	for _, mac := range availableMacs {
		known[mac] = true
	}

	out := make([]types.MacRecord, 0, len(usable))
	for _, s := range usable {
		if known[s.rec.Mac] {
			out = append(out, s.rec)
		}
	}
	for _, s := range usable {
		if !known[s.rec.Mac] {
			out = append(out, s.rec)
		}
	}
	return out
}
