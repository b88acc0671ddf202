package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"stbmux/work/cache"
	"stbmux/work/client"
	"stbmux/work/config"
	"stbmux/work/epg"
	"stbmux/work/hls"
	"stbmux/work/jobs"
	"stbmux/work/logger"
	"stbmux/work/occupancy"
	"stbmux/work/probe"
	"stbmux/work/session"
	"stbmux/work/store"
)

// Gateway is the application aggregate: every handler works through it. It
// owns the consolidated view of all portals and routes requests to the
// direct-delivery engine or the HLS multiplexer depending on configuration.
type Gateway struct {
	Cfg       *config.Config
	Store     store.Store
	Occupancy *occupancy.Registry
	Sessions  *session.Engine
	Hls       *hls.Multiplexer
	Jobs      *jobs.Scheduler
	Guide     *epg.Combiner
	Cache     *cache.Cache
}

// New assembles the gateway.
func New(cfg *config.Config, st store.Store, occ *occupancy.Registry, se *session.Engine, mux *hls.Multiplexer, sched *jobs.Scheduler, guide *epg.Combiner, c *cache.Cache) *Gateway {
	return &Gateway{
		Cfg:       cfg,
		Store:     st,
		Occupancy: occ,
		Sessions:  se,
		Hls:       mux,
		Jobs:      sched,
		Guide:     guide,
		Cache:     c,
	}
}

// GeneratePlaylist writes the consolidated M3U for all cached channels,
// optionally filtered to one genre group. Rendered output is cached until
// the next refresh.
func (g *Gateway) GeneratePlaylist(w http.ResponseWriter, r *http.Request, group string) {
	cacheKey := "all"
	if group != "" {
		cacheKey = "group:" + group
	}

	if cached, ok := g.Cache.GetPlaylist(cacheKey); ok {
		w.Header().Set("Content-Type", "application/x-mpegurl")
		w.Write([]byte(cached))
		return
	}

	channels, err := g.Store.ListChannels(r.Context())
	if err != nil {
		logger.Error("{gateway - GeneratePlaylist} failed to list channels: %v", err)
		http.Error(w, "failed to build playlist", http.StatusInternalServerError)
		return
	}

	var out strings.Builder
	out.WriteString("#EXTM3U\n")

	count := 0
	for _, ch := range channels {
		if group != "" && !strings.EqualFold(ch.Genre, group) {
			continue
		}

		out.WriteString(fmt.Sprintf("#EXTINF:-1 tvg-id=%q tvg-name=%q tvg-logo=%q group-title=%q,%s\n",
			ch.ChannelID, ch.Name, ch.Logo, ch.Genre, ch.Name))
		out.WriteString(g.streamURL(ch.PortalID, ch.ChannelID))
		out.WriteString("\n")
		count++
	}

	playlist := out.String()
	g.Cache.SetPlaylist(cacheKey, playlist)

	logger.Debug("{gateway - GeneratePlaylist} rendered %d channels for group %q", count, group)
	w.Header().Set("Content-Type", "application/x-mpegurl")
	w.Write([]byte(playlist))
}

// streamURL is the client-facing URL for one channel, shaped by the
// configured output format.
func (g *Gateway) streamURL(portalID, channelID string) string {
	base := strings.TrimRight(g.Cfg.BaseURL, "/")
	if g.Cfg.OutputFormat == "hls" {
		return fmt.Sprintf("%s/hls/%s/%s/%s", base, portalID, channelID, hls.MasterPlaylist)
	}
	return fmt.Sprintf("%s/play/%s/%s", base, portalID, channelID)
}

// ServeDirect handles one MPEG-TS delivery. Both exhaustion kinds map to one
// 503; the distinction lives in the logs.
func (g *Gateway) ServeDirect(w http.ResponseWriter, r *http.Request, portalID, channelID string) {
	crw := client.NewCustomResponseWriter(w)
	err := g.Sessions.Serve(r.Context(), crw, portalID, channelID, r.RemoteAddr)
	if err == nil {
		return
	}

	switch err {
	case probe.ErrCredentialUnavailable:
		logger.Warn("{gateway - ServeDirect} %s/%s: every credential at capacity", portalID, channelID)
	case probe.ErrNoWorkingStream:
		logger.Warn("{gateway - ServeDirect} %s/%s: credentials free but no stream resolved", portalID, channelID)
	default:
		logger.Error("{gateway - ServeDirect} %s/%s: %v", portalID, channelID, err)
	}
	if !crw.WroteHeader {
		http.Error(crw, "no stream available", http.StatusServiceUnavailable)
	}
}

// ServeGuide writes the combined XMLTV document.
func (g *Gateway) ServeGuide(w http.ResponseWriter, r *http.Request) {
	doc := g.Guide.Guide()
	if doc == "" {
		// build lazily on the first request after a cold start
		outcome := g.Jobs.EnqueueEpgRefresh("guide requested before first build")
		logger.Debug("{gateway - ServeGuide} guide not built yet, refresh %s", outcome)
		http.Error(w, "guide not ready", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/xml")
	w.Write([]byte(doc))
}

// EnabledPortalIDs lists portal ids for refresh-all operations.
func (g *Gateway) EnabledPortalIDs(ctx context.Context) ([]string, error) {
	portals, err := g.Store.Portals(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(portals))
	for _, p := range portals {
		ids = append(ids, p.ID)
	}
	return ids, nil
}

// LogStartup prints the effective configuration the way operators expect to
// see it in the container log.
func (g *Gateway) LogStartup(version string) {
	logger.Info("Starting stbmux %s", version)
	logger.Info("Server configuration:")
	logger.Info("  - Base URL: %s", g.Cfg.BaseURL)
	logger.Info("  - Listen Port: %d", g.Cfg.ListenPort)
	logger.Info("  - Store: %s", g.Cfg.StorePath)
	logger.Info("  - Output Format: %s", g.Cfg.OutputFormat)
	logger.Info("  - Max HLS Streams: %d", g.Cfg.MaxHlsStreams)
	logger.Info("  - HLS Idle Timeout: %s", g.Cfg.HlsInactiveTimeout)
	logger.Info("  - Try All MACs: %v", g.Cfg.TryAllMacs)
	logger.Info("  - Parallel Probing: %v (workers: %d)", g.Cfg.ParallelMacProbing, g.Cfg.ParallelMacWorkers)
	logger.Info("  - Test Streams: %v", g.Cfg.TestStreams)
	logger.Info("  - Job Workers: %d", g.Cfg.JobWorkers)
	logger.Info("  - Refresh Interval: %s", g.Cfg.RefreshInterval)
	logger.Info("  - EPG Refresh Interval: %s", g.Cfg.EpgRefreshInterval)
	logger.Info("  - URL Obfuscation: %v", g.Cfg.ObfuscateUrls)
}
