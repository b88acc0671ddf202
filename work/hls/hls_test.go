package hls

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"stbmux/work/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMux(t *testing.T, maxStreams int, idle time.Duration) *Multiplexer {
	t.Helper()
	cfg := &config.Config{
		HlsDir:             t.TempDir(),
		MaxHlsStreams:      maxStreams,
		HlsInactiveTimeout: idle,
		HlsSegmentType:     "mpegts",
		HlsSegmentDuration: 2,
		HlsPlaylistSize:    6,
	}
	m := NewMultiplexer(cfg)
	t.Cleanup(m.Shutdown)
	return m
}

func TestIsPassthrough(t *testing.T) {
	cases := []struct {
		link string
		want bool
	}{
		{"http://edge.example.com/ch/1234/playlist.m3u8", true},
		{"http://edge.example.com/HLS/ch1234", true},
		{"http://cdn.example.com/stitcher/live/42", true},
		{"http://edge.example.com/ch/1234.M3U8?token=x", true},
		{"http://edge.example.com/ch/1234", false},
		{"http://edge.example.com/ch/1234.ts", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, IsPassthrough(tc.link), tc.link)
	}
}

func TestStartStreamReusesLiveSession(t *testing.T) {
	m := testMux(t, 4, time.Minute)

	first, reused, err := m.StartStream("p1", "ch1", "http://edge/ch1/playlist.m3u8", "", nil)
	require.NoError(t, err)
	assert.False(t, reused)

	second, reused, err := m.StartStream("p1", "ch1", "http://edge/ch1/playlist.m3u8", "", nil)
	require.NoError(t, err)
	assert.True(t, reused)
	assert.Same(t, first, second)
	assert.Equal(t, 1, m.Count())
}

func TestStartStreamAdmissionCeiling(t *testing.T) {
	m := testMux(t, 2, time.Minute)

	for i, ch := range []string{"ch1", "ch2"} {
		_, _, err := m.StartStream("p1", ch, "http://edge/playlist.m3u8", "", nil)
		require.NoError(t, err, "session %d", i)
	}

	before, err := os.ReadDir(m.cfg.HlsDir)
	require.NoError(t, err)

	_, _, err = m.StartStream("p1", "ch3", "http://edge/playlist.m3u8", "", nil)
	assert.ErrorIs(t, err, ErrAtCapacity)

	// rejection happens before any directory is created
	after, err := os.ReadDir(m.cfg.HlsDir)
	require.NoError(t, err)
	assert.Len(t, after, len(before))
	assert.Equal(t, 2, m.Count())
}

func TestPassthroughMasterPointsAtSource(t *testing.T) {
	m := testMux(t, 4, time.Minute)

	session, _, err := m.StartStream("p1", "ch1", "http://edge/ch1/playlist.m3u8", "", nil)
	require.NoError(t, err)
	assert.True(t, session.Passthrough)

	data, err := os.ReadFile(filepath.Join(session.Dir, MasterPlaylist))
	require.NoError(t, err)
	assert.Contains(t, string(data), "http://edge/ch1/playlist.m3u8")
}

func TestGetFile(t *testing.T) {
	m := testMux(t, 4, time.Minute)

	session, _, err := m.StartStream("p1", "ch1", "http://edge/ch1/playlist.m3u8", "", nil)
	require.NoError(t, err)

	path := m.GetFile("p1", "ch1", MasterPlaylist)
	assert.Equal(t, filepath.Join(session.Dir, MasterPlaylist), path)

	// unknown session, missing file, traversal
	assert.Empty(t, m.GetFile("p1", "nope", MasterPlaylist))
	assert.Empty(t, m.GetFile("p1", "ch1", "segment42.ts"))
	assert.Empty(t, m.GetFile("p1", "ch1", "../"+MasterPlaylist))
}

func TestGetFileBumpsIdleClock(t *testing.T) {
	m := testMux(t, 4, time.Minute)

	session, _, err := m.StartStream("p1", "ch1", "http://edge/ch1/playlist.m3u8", "", nil)
	require.NoError(t, err)

	before := session.LastAccessed()
	time.Sleep(5 * time.Millisecond)
	m.GetFile("p1", "ch1", MasterPlaylist)
	assert.True(t, session.LastAccessed().After(before))
}

func TestSweepReclaimsIdleSessions(t *testing.T) {
	m := testMux(t, 4, time.Millisecond)

	released := false
	session, _, err := m.StartStream("p1", "ch1", "http://edge/ch1/playlist.m3u8", "", func() { released = true })
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	m.sweep()

	assert.Equal(t, 0, m.Count())
	assert.True(t, released, "reaping must return the credential slot")
	_, statErr := os.Stat(session.Dir)
	assert.True(t, os.IsNotExist(statErr), "session dir must be removed")
}

func TestSweepKeepsActiveSessions(t *testing.T) {
	m := testMux(t, 4, time.Minute)

	_, _, err := m.StartStream("p1", "ch1", "http://edge/ch1/playlist.m3u8", "", nil)
	require.NoError(t, err)

	m.sweep()
	assert.Equal(t, 1, m.Count())
}

func TestShutdownCleansEverything(t *testing.T) {
	m := testMux(t, 4, time.Minute)

	releases := 0
	for _, ch := range []string{"ch1", "ch2", "ch3"} {
		_, _, err := m.StartStream("p1", ch, "http://edge/playlist.m3u8", "", func() { releases++ })
		require.NoError(t, err)
	}

	m.Shutdown()
	assert.Equal(t, 0, m.Count())
	assert.Equal(t, 3, releases)
}
