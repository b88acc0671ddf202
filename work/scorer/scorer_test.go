package scorer

import (
	"testing"

	"stbmux/work/types"

	"github.com/stretchr/testify/assert"
)

func TestScoreTiers(t *testing.T) {
	tests := []struct {
		name     string
		watchdog int
		occupied int
		perMac   int
		want     int
	}{
		{"long idle with free slots", 2000, 1, 2, 120},
		{"fresh mac two free slots", 50, 0, 2, 50},
		{"mid tier", 1000, 0, 1, 95},
		{"low tier", 120, 0, 1, 70},
		{"unknown watchdog neutral", 0, 0, 1, 20},
		{"at capacity", 2000, 2, 2, -1},
		{"over capacity", 2000, 3, 2, -1},
		{"unlimited never unusable", 2000, 50, 0, 100},
		{"unlimited no slot bonus", 0, 0, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := types.MacRecord{Mac: "00:1A:79:00:00:01", WatchdogSeconds: tt.watchdog}
			assert.Equal(t, tt.want, Score(rec, tt.occupied, tt.perMac))
		})
	}
}

func TestScoreIsPure(t *testing.T) {
	rec := types.MacRecord{Mac: "00:1A:79:00:00:01", WatchdogSeconds: 500}
	first := Score(rec, 1, 3)
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, Score(rec, 1, 3))
	}
}

func TestScorePlaybackLimitIsAdvisory(t *testing.T) {
	// the provider-reported playback limit never affects capacity; only the
	// portal's streams-per-MAC setting and live occupancy do
	rec := types.MacRecord{Mac: "00:1A:79:00:00:01", PlaybackLimit: 1}
	assert.Equal(t, 80, Score(rec, 1, 5))
	assert.Equal(t, 100, Score(rec, 0, 5))

	// an unlimited portal never scores -1, whatever the advisory limit says
	rec.WatchdogSeconds = 2000
	assert.GreaterOrEqual(t, Score(rec, 1, 0), 0)
	assert.Equal(t, 100, Score(rec, 50, 0))
}

func TestOrderCandidatesScoredOrder(t *testing.T) {
	p := &types.Portal{
		ID:            "p1",
		StreamsPerMac: 2,
		Macs: []types.MacRecord{
			{Mac: "b", WatchdogSeconds: 50},
			{Mac: "a", WatchdogSeconds: 2000},
		},
	}
	occupied := map[string]int{"a": 1, "b": 0}

	ordered := OrderCandidates(p, func(mac string) int { return occupied[mac] }, nil)

	// a scores 120, b scores 50
	assert.Equal(t, []string{"a", "b"}, macs(ordered))
}

func TestOrderCandidatesDropsAtCapacity(t *testing.T) {
	p := &types.Portal{
		ID:            "p1",
		StreamsPerMac: 1,
		Macs: []types.MacRecord{
			{Mac: "busy", WatchdogSeconds: 2000},
			{Mac: "free", WatchdogSeconds: 50},
		},
	}
	occupied := map[string]int{"busy": 1}

	ordered := OrderCandidates(p, func(mac string) int { return occupied[mac] }, nil)

	assert.Equal(t, []string{"free"}, macs(ordered))
}

func TestOrderCandidatesFullPoolFallback(t *testing.T) {
	p := &types.Portal{
		ID:            "p1",
		StreamsPerMac: 1,
		Macs: []types.MacRecord{
			{Mac: "one", WatchdogSeconds: 100},
			{Mac: "two", WatchdogSeconds: 100},
		},
	}

	// every mac is at capacity; the full pool comes back as a last resort
	ordered := OrderCandidates(p, func(string) int { return 1 }, nil)

	assert.Equal(t, []string{"one", "two"}, macs(ordered))
}

func TestOrderCandidatesKnownAvailablePartition(t *testing.T) {
	p := &types.Portal{
		ID:            "p1",
		StreamsPerMac: 2,
		Macs: []types.MacRecord{
			{Mac: "a", WatchdogSeconds: 2000},
			{Mac: "b", WatchdogSeconds: 50},
			{Mac: "c", WatchdogSeconds: 500},
		},
	}

	ordered := OrderCandidates(p, func(string) int { return 0 }, []string{"b"})

	// b first as known-available, then a and c by descending score
	assert.Equal(t, []string{"b", "a", "c"}, macs(ordered))
}

func TestOrderCandidatesStableTies(t *testing.T) {
	p := &types.Portal{
		ID:            "p1",
		StreamsPerMac: 1,
		Macs: []types.MacRecord{
			{Mac: "first", WatchdogSeconds: 100},
			{Mac: "second", WatchdogSeconds: 100},
			{Mac: "third", WatchdogSeconds: 100},
		},
	}

	for i := 0; i < 20; i++ {
		ordered := OrderCandidates(p, func(string) int { return 0 }, nil)
		assert.Equal(t, []string{"first", "second", "third"}, macs(ordered))
	}
}

func macs(recs []types.MacRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.Mac
	}
	return out
}
