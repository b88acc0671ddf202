package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"stbmux/work/jobs"
	"stbmux/work/logger"
	"stbmux/work/types"
)

// discoverResponse is the HDHomeRun discovery document DVR clients probe
// for. The model strings mimic a real two-tuner device; TunerCount is
// deliberately generous since sessions are bounded elsewhere.
type discoverResponse struct {
	FriendlyName    string
	Manufacturer    string
	ModelNumber     string
	FirmwareName    string
	FirmwareVersion string
	DeviceID        string
	DeviceAuth      string
	TunerCount      int
	BaseURL         string
	LineupURL       string
}

type lineupEntry struct {
	GuideNumber string
	GuideName   string
	URL         string
}

// ServeDiscover answers /discover.json.
func (g *Gateway) ServeDiscover(w http.ResponseWriter, r *http.Request) {
	base := strings.TrimRight(g.Cfg.BaseURL, "/")
	writeJSON(w, discoverResponse{
		FriendlyName:    "stbmux",
		Manufacturer:    "Silicondust",
		ModelNumber:     "HDTC-2US",
		FirmwareName:    "hdhomeruntc_atsc",
		FirmwareVersion: "20150826",
		DeviceID:        "12345678",
		DeviceAuth:      "stbmux",
		TunerCount:      6,
		BaseURL:         base,
		LineupURL:       base + "/lineup.json",
	})
}

// ServeLineupStatus answers /lineup_status.json.
func (g *Gateway) ServeLineupStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"ScanInProgress": 0,
		"ScanPossible":   1,
		"Source":         "Cable",
		"SourceList":     []string{"Cable"},
	})
}

// ServeLineup answers /lineup.json with one entry per cached channel.
func (g *Gateway) ServeLineup(w http.ResponseWriter, r *http.Request) {
	channels, err := g.Store.ListChannels(r.Context())
	if err != nil {
		logger.Error("{gateway - ServeLineup} failed to list channels: %v", err)
		http.Error(w, "failed to build lineup", http.StatusInternalServerError)
		return
	}

	lineup := make([]lineupEntry, 0, len(channels))
	for i, ch := range channels {
		lineup = append(lineup, lineupEntry{
			GuideNumber: fmt.Sprintf("%d", i+1),
			GuideName:   ch.Name,
			URL:         g.streamURL(ch.PortalID, ch.ChannelID),
		})
	}
	writeJSON(w, lineup)
}

// TriggerRefresh enqueues a channel refresh: for one portal when portalID is
// set, otherwise for every enabled portal.
func (g *Gateway) TriggerRefresh(w http.ResponseWriter, r *http.Request, portalID string) {
	if portalID != "" {
		outcome := g.Jobs.EnqueueRefreshPortal(portalID, "api trigger")
		writeJSON(w, map[string]string{"portal": portalID, "status": outcome})
		return
	}

	ids, err := g.EnabledPortalIDs(r.Context())
	if err != nil {
		http.Error(w, "failed to list portals", http.StatusInternalServerError)
		return
	}
	g.Jobs.EnqueueRefreshAll(ids, "api trigger")
	writeJSON(w, map[string]any{"portals": ids, "status": "enqueued"})
}

// TriggerEpgRefresh enqueues a combined-guide rebuild.
func (g *Gateway) TriggerEpgRefresh(w http.ResponseWriter, r *http.Request) {
	outcome := g.Jobs.EnqueueEpgRefresh("api trigger")
	writeJSON(w, map[string]string{"status": outcome})
}

// JobStatus answers the per-portal status query.
func (g *Gateway) JobStatus(w http.ResponseWriter, r *http.Request, portalID string) {
	status := g.Jobs.Status(jobs.TypeRefreshPortal, portalID)
	if status == nil {
		http.Error(w, "no job recorded for portal", http.StatusNotFound)
		return
	}
	writeJSON(w, status)
}

// EpgJobStatus answers the guide job status query.
func (g *Gateway) EpgJobStatus(w http.ResponseWriter, r *http.Request) {
	status := g.Jobs.Status(jobs.TypeRefreshEpg, "")
	if status == nil {
		http.Error(w, "no guide job recorded", http.StatusNotFound)
		return
	}
	writeJSON(w, status)
}

// ServeOccupancy dumps the live slot registry.
func (g *Gateway) ServeOccupancy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, g.Occupancy.Snapshot())
}

// ListPortals answers the portal config read API.
func (g *Gateway) ListPortals(w http.ResponseWriter, r *http.Request) {
	portals, err := g.Store.Portals(r.Context())
	if err != nil {
		http.Error(w, "failed to list portals", http.StatusInternalServerError)
		return
	}
	writeJSON(w, portals)
}

// SavePortal upserts a portal from the request body and queues its first
// refresh.
func (g *Gateway) SavePortal(w http.ResponseWriter, r *http.Request) {
	var p types.Portal
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, "invalid portal payload", http.StatusBadRequest)
		return
	}
	if p.ID == "" || p.URL == "" {
		http.Error(w, "portal id and url are required", http.StatusBadRequest)
		return
	}

	if err := g.Store.SavePortal(r.Context(), &p); err != nil {
		logger.Error("{gateway - SavePortal} failed to save %s: %v", p.ID, err)
		http.Error(w, "failed to save portal", http.StatusInternalServerError)
		return
	}

	g.Cache.Clear()
	outcome := g.Jobs.EnqueueRefreshPortal(p.ID, "portal saved")
	writeJSON(w, map[string]string{"portal": p.ID, "refresh": outcome})
}

// DeletePortal removes a portal and its cached channels.
func (g *Gateway) DeletePortal(w http.ResponseWriter, r *http.Request, portalID string) {
	if err := g.Store.DeletePortal(r.Context(), portalID); err != nil {
		logger.Error("{gateway - DeletePortal} failed to delete %s: %v", portalID, err)
		http.Error(w, "failed to delete portal", http.StatusInternalServerError)
		return
	}
	g.Cache.Clear()
	writeJSON(w, map[string]string{"portal": portalID, "status": "deleted"})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("{gateway - writeJSON} encode failed: %v", err)
	}
}
