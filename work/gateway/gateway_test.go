package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"stbmux/work/cache"
	"stbmux/work/config"
	"stbmux/work/jobs"
	"stbmux/work/occupancy"
	"stbmux/work/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lineupStore serves a fixed channel set for handler tests.
type lineupStore struct {
	channels []types.CachedChannel
	portals  []types.Portal
	saved    *types.Portal
	deleted  string
}

func (l *lineupStore) Portals(ctx context.Context) ([]types.Portal, error) { return l.portals, nil }
func (l *lineupStore) Portal(ctx context.Context, id string) (*types.Portal, error) {
	return nil, nil
}
func (l *lineupStore) SavePortal(ctx context.Context, p *types.Portal) error {
	l.saved = p
	return nil
}
func (l *lineupStore) DeletePortal(ctx context.Context, id string) error {
	l.deleted = id
	return nil
}
func (l *lineupStore) MoveMac(ctx context.Context, portalID, mac string) error { return nil }
func (l *lineupStore) SetMacExpiry(ctx context.Context, portalID, mac, expiry string) error {
	return nil
}
func (l *lineupStore) ChannelLookup(ctx context.Context, portalID, channelID string) (*types.CachedChannel, error) {
	return nil, nil
}
func (l *lineupStore) ListChannels(ctx context.Context) ([]types.CachedChannel, error) {
	return l.channels, nil
}
func (l *lineupStore) ReplaceChannels(ctx context.Context, portalID string, channels []types.CachedChannel) error {
	return nil
}
func (l *lineupStore) SetCachedCmd(ctx context.Context, portalID, channelID, cmd string) error {
	return nil
}
func (l *lineupStore) Close() error { return nil }

func testGateway(t *testing.T, cfg *config.Config, st *lineupStore) *Gateway {
	t.Helper()
	sched, err := jobs.NewScheduler(1, 0,
		func(ctx context.Context, portalID string) (*types.RefreshSummary, error) {
			return types.NewRefreshSummary(0, 0), nil
		},
		func(ctx context.Context) error { return nil },
	)
	require.NoError(t, err)
	t.Cleanup(sched.Stop)

	return New(cfg, st, occupancy.NewRegistry(), nil, nil, sched, nil, cache.NewCache(time.Hour))
}

func channelFixture() []types.CachedChannel {
	return []types.CachedChannel{
		{PortalID: "p1", ChannelID: "101", Name: "News HD", Genre: "News", Logo: "news.png"},
		{PortalID: "p1", ChannelID: "102", Name: "Sports", Genre: "Sport"},
		{PortalID: "p2", ChannelID: "55", Name: "Cinema", Genre: "Movies"},
	}
}

func TestGeneratePlaylist(t *testing.T) {
	cfg := &config.Config{BaseURL: "http://gw.local:8001", OutputFormat: "mpegts"}
	g := testGateway(t, cfg, &lineupStore{channels: channelFixture()})

	rec := httptest.NewRecorder()
	g.GeneratePlaylist(rec, httptest.NewRequest(http.MethodGet, "/playlist.m3u", nil), "")

	body := rec.Body.String()
	assert.Equal(t, "application/x-mpegurl", rec.Header().Get("Content-Type"))
	assert.True(t, strings.HasPrefix(body, "#EXTM3U\n"))
	assert.Contains(t, body, `tvg-id="101" tvg-name="News HD" tvg-logo="news.png" group-title="News",News HD`)
	assert.Contains(t, body, "http://gw.local:8001/play/p1/101")
	assert.Contains(t, body, "http://gw.local:8001/play/p2/55")
}

func TestGeneratePlaylistHlsURLs(t *testing.T) {
	cfg := &config.Config{BaseURL: "http://gw.local:8001/", OutputFormat: "hls"}
	g := testGateway(t, cfg, &lineupStore{channels: channelFixture()})

	rec := httptest.NewRecorder()
	g.GeneratePlaylist(rec, httptest.NewRequest(http.MethodGet, "/playlist.m3u", nil), "")

	assert.Contains(t, rec.Body.String(), "http://gw.local:8001/hls/p1/101/master.m3u8")
}

func TestGeneratePlaylistGroupFilter(t *testing.T) {
	cfg := &config.Config{BaseURL: "http://gw.local:8001", OutputFormat: "mpegts"}
	g := testGateway(t, cfg, &lineupStore{channels: channelFixture()})

	rec := httptest.NewRecorder()
	g.GeneratePlaylist(rec, httptest.NewRequest(http.MethodGet, "/playlist/news.m3u", nil), "news")

	body := rec.Body.String()
	assert.Contains(t, body, "News HD")
	assert.NotContains(t, body, "Sports")
	assert.NotContains(t, body, "Cinema")
}

func TestGeneratePlaylistCached(t *testing.T) {
	cfg := &config.Config{BaseURL: "http://gw.local:8001", OutputFormat: "mpegts"}
	st := &lineupStore{channels: channelFixture()}
	g := testGateway(t, cfg, st)

	rec := httptest.NewRecorder()
	g.GeneratePlaylist(rec, httptest.NewRequest(http.MethodGet, "/playlist.m3u", nil), "")
	first := rec.Body.String()

	// lineup changes are invisible until the cache is invalidated
	st.channels = nil
	rec = httptest.NewRecorder()
	g.GeneratePlaylist(rec, httptest.NewRequest(http.MethodGet, "/playlist.m3u", nil), "")
	assert.Equal(t, first, rec.Body.String())
}

func TestServeDiscover(t *testing.T) {
	cfg := &config.Config{BaseURL: "http://gw.local:8001/", OutputFormat: "mpegts"}
	g := testGateway(t, cfg, &lineupStore{})

	rec := httptest.NewRecorder()
	g.ServeDiscover(rec, httptest.NewRequest(http.MethodGet, "/discover.json", nil))

	var resp discoverResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "stbmux", resp.FriendlyName)
	assert.Equal(t, "http://gw.local:8001", resp.BaseURL)
	assert.Equal(t, "http://gw.local:8001/lineup.json", resp.LineupURL)
	assert.Equal(t, 6, resp.TunerCount)
}

func TestServeLineup(t *testing.T) {
	cfg := &config.Config{BaseURL: "http://gw.local:8001", OutputFormat: "mpegts"}
	g := testGateway(t, cfg, &lineupStore{channels: channelFixture()})

	rec := httptest.NewRecorder()
	g.ServeLineup(rec, httptest.NewRequest(http.MethodGet, "/lineup.json", nil))

	var lineup []lineupEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &lineup))
	require.Len(t, lineup, 3)
	assert.Equal(t, "1", lineup[0].GuideNumber)
	assert.Equal(t, "News HD", lineup[0].GuideName)
	assert.Equal(t, "http://gw.local:8001/play/p1/101", lineup[0].URL)
}

func TestTriggerRefreshSinglePortal(t *testing.T) {
	cfg := &config.Config{BaseURL: "http://gw.local:8001"}
	g := testGateway(t, cfg, &lineupStore{})

	rec := httptest.NewRecorder()
	g.TriggerRefresh(rec, httptest.NewRequest(http.MethodPost, "/api/refresh/p1", nil), "p1")

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "p1", resp["portal"])
	assert.Equal(t, "enqueued", resp["status"])
}

func TestJobStatusNotFound(t *testing.T) {
	g := testGateway(t, &config.Config{}, &lineupStore{})

	rec := httptest.NewRecorder()
	g.JobStatus(rec, httptest.NewRequest(http.MethodGet, "/api/refresh/p1/status", nil), "p1")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	g.EpgJobStatus(rec, httptest.NewRequest(http.MethodGet, "/api/epg/status", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSavePortalValidation(t *testing.T) {
	g := testGateway(t, &config.Config{}, &lineupStore{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/portals", strings.NewReader(`{"Name":"no id"}`))
	g.SavePortal(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/portals", strings.NewReader(`not json`))
	g.SavePortal(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSavePortalQueuesRefresh(t *testing.T) {
	st := &lineupStore{}
	g := testGateway(t, &config.Config{}, st)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/portals",
		strings.NewReader(`{"ID":"p1","URL":"http://portal.example.com/","Enabled":true}`))
	g.SavePortal(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, st.saved)
	assert.Equal(t, "p1", st.saved.ID)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "enqueued", resp["refresh"])
}

func TestDeletePortal(t *testing.T) {
	st := &lineupStore{}
	g := testGateway(t, &config.Config{}, st)

	rec := httptest.NewRecorder()
	g.DeletePortal(rec, httptest.NewRequest(http.MethodDelete, "/api/portals/p1", nil), "p1")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "p1", st.deleted)
}
