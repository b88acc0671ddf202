package gateway

import (
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"stbmux/work/hls"
	"stbmux/work/logger"
	"stbmux/work/probe"
)

// Polling windows for files that aren't on disk yet. Playlist requests wait
// through encoder warm-up; segment requests give up sooner because players
// retry them on their own. Passthrough sessions only ever serve the master
// playlist, which is written synchronously.
const (
	pollStep        = 250 * time.Millisecond
	playlistWaitMax = 15 * time.Second
	segmentWaitMax  = 4 * time.Second
)

// ServeHlsFile handles every request under /hls/: starts or reuses the
// shared session on a master-playlist request, then resolves files out of
// the session's temp dir with bounded polling.
func (g *Gateway) ServeHlsFile(w http.ResponseWriter, r *http.Request, portalID, channelID, filename string) {
	if filename == hls.MasterPlaylist {
		if err := g.ensureSession(r, portalID, channelID); err != nil {
			switch err {
			case hls.ErrAtCapacity:
				logger.Warn("{gateway - ServeHlsFile} %s/%s: rejected, multiplexer at capacity", portalID, channelID)
				http.Error(w, "too many active streams", http.StatusServiceUnavailable)
			case probe.ErrCredentialUnavailable:
				logger.Warn("{gateway - ServeHlsFile} %s/%s: every credential at capacity", portalID, channelID)
				http.Error(w, "no stream available", http.StatusServiceUnavailable)
			case probe.ErrNoWorkingStream:
				logger.Warn("{gateway - ServeHlsFile} %s/%s: credentials free but no stream resolved", portalID, channelID)
				http.Error(w, "no stream available", http.StatusServiceUnavailable)
			default:
				logger.Error("{gateway - ServeHlsFile} %s/%s: %v", portalID, channelID, err)
				http.Error(w, "no stream available", http.StatusServiceUnavailable)
			}
			return
		}
	}

	session := g.Hls.Lookup(portalID, channelID)
	if session == nil {
		http.Error(w, "no active stream", http.StatusNotFound)
		return
	}

	path := g.waitForFile(portalID, channelID, filename, waitWindow(session, filename))
	if path == "" {
		// not-found rather than hanging; players retry
		http.Error(w, "file not ready", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", contentTypeFor(filename))
	w.Header().Set("Cache-Control", "no-cache")
	http.ServeFile(w, r, path)
}

// ensureSession reuses the live session for the key or acquires a credential
// and starts a new one. The occupancy slot backing a new session is released
// by the reaper when the session dies.
func (g *Gateway) ensureSession(r *http.Request, portalID, channelID string) error {
	if g.Hls.Lookup(portalID, channelID) != nil {
		// cheap reuse path; StartStream re-checks under its own lock
		g.Hls.GetFile(portalID, channelID, hls.MasterPlaylist)
		return nil
	}

	result, p, err := g.Sessions.Acquire(r.Context(), portalID, channelID)
	if err != nil {
		return err
	}

	release, err := g.Occupancy.Acquire(portalID, result.Mac, channelID, result.ChannelName, "hls-shared", p.StreamsPerMac)
	if err != nil {
		return probe.ErrCredentialUnavailable
	}

	_, reused, err := g.Hls.StartStream(portalID, channelID, result.Link, p.Proxy, release)
	if err != nil {
		release()
		return err
	}
	if reused {
		// another request won the race; this slot isn't needed
		release()
	}
	return nil
}

func waitWindow(s *hls.Session, filename string) time.Duration {
	if s.Passthrough {
		return pollStep
	}
	if strings.HasSuffix(filename, ".m3u8") {
		return playlistWaitMax
	}
	return segmentWaitMax
}

// waitForFile polls GetFile in small increments up to the window. Returns ""
// on timeout.
func (g *Gateway) waitForFile(portalID, channelID, filename string, window time.Duration) string {
	deadline := time.Now().Add(window)
	for {
		if path := g.Hls.GetFile(portalID, channelID, filename); path != "" {
			return path
		}
		if time.Now().After(deadline) {
			return ""
		}
		time.Sleep(pollStep)
	}
}

func contentTypeFor(filename string) string {
	switch filepath.Ext(filename) {
	case ".m3u8":
		return "application/vnd.apple.mpegurl"
	case ".ts":
		return "video/mp2t"
	case ".m4s", ".mp4":
		return "video/mp4"
	}
	return "application/octet-stream"
}
