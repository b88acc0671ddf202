package hls

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"stbmux/work/config"
	"stbmux/work/logger"
	"stbmux/work/metrics"
	"stbmux/work/proc"
	"stbmux/work/utils"

	"github.com/grafov/m3u8"
)

// ErrAtCapacity is returned by StartStream when the registry already holds
// the configured maximum of live sessions. Requests are rejected, never
// queued.
var ErrAtCapacity = errors.New("hls multiplexer at capacity")

// MasterPlaylist is the file name clients request first for any session.
const MasterPlaylist = "master.m3u8"

// mediaPlaylist is the transcoder's sub-playlist inside the session dir.
const mediaPlaylist = "index.m3u8"

// reapInterval is how often the reaper scans for crashed and idle sessions.
const reapInterval = 10 * time.Second

// hlsIndicators classify a source as already-HLS; such links are served
// passthrough without spawning a transcoder.
var hlsIndicators = []string{".m3u8", "hls", "stitcher"}

// IsPassthrough reports whether the source link is already HLS-formatted.
func IsPassthrough(link string) bool {
	lower := strings.ToLower(link)
	for _, ind := range hlsIndicators {
		if strings.Contains(lower, ind) {
			return true
		}
	}
	return false
}

// Session is one shared upstream pull for a (portal, channel) pair. Every
// client of the channel reads files from the session's private temp dir.
type Session struct {
	Key          string
	PortalID     string
	ChannelID    string
	Passthrough  bool
	Dir          string
	handle       *proc.Handle
	cancel       context.CancelFunc
	release      func()
	created      time.Time
	lastAccessed atomic.Int64
}

// Touch bumps the idle clock.
func (s *Session) Touch() {
	s.lastAccessed.Store(time.Now().UnixNano())
}

// LastAccessed returns the last Touch time.
func (s *Session) LastAccessed() time.Time {
	return time.Unix(0, s.lastAccessed.Load())
}

// Multiplexer owns the shared HLS session registry, its admission ceiling
// and the reaper that reclaims crashed and idle sessions.
type Multiplexer struct {
	cfg      *config.Config
	mu       sync.Mutex
	sessions map[string]*Session
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewMultiplexer creates an empty multiplexer. Run the reaper with
// `go mux.Reaper()` after construction.
func NewMultiplexer(cfg *config.Config) *Multiplexer {
	return &Multiplexer{
		cfg:      cfg,
		sessions: make(map[string]*Session),
		stopChan: make(chan struct{}),
	}
}

func sessionKey(portalID, channelID string) string {
	return portalID + "_" + channelID
}

// StartStream returns the session for (portal, channel), reusing a live one
// when present. release, if non-nil, is invoked when the session is reaped
// so the credential slot backing the upstream pull is returned. The reused
// flag tells callers whether a new upstream pull was started.
func (m *Multiplexer) StartStream(portalID, channelID, sourceLink, proxy string, release func()) (*Session, bool, error) {
	key := sessionKey(portalID, channelID)

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.sessions[key]; ok {
		existing.Touch()
		return existing, true, nil
	}

	// admission control happens before any resource allocation
	if len(m.sessions) >= m.cfg.MaxHlsStreams {
		return nil, false, ErrAtCapacity
	}

	session, err := m.createSession(key, portalID, channelID, sourceLink, proxy, release)
	if err != nil {
		return nil, false, err
	}

	m.sessions[key] = session
	metrics.HlsSessions.Set(float64(len(m.sessions)))

	mode := "transcode"
	if session.Passthrough {
		mode = "passthrough"
	}
	logger.Info("{hls - StartStream} %s: new %s session for %s", key, mode, utils.LogURL(m.cfg.ObfuscateUrls, sourceLink))

	return session, false, nil
}

func (m *Multiplexer) createSession(key, portalID, channelID, sourceLink, proxy string, release func()) (*Session, error) {
	dir, err := os.MkdirTemp(m.cfg.HlsDir, "stbmux-hls-")
	if err != nil {
		return nil, fmt.Errorf("creating session dir: %w", err)
	}

	session := &Session{
		Key:         key,
		PortalID:    portalID,
		ChannelID:   channelID,
		Passthrough: IsPassthrough(sourceLink),
		Dir:         dir,
		release:     release,
		created:     time.Now(),
	}
	session.Touch()

	if session.Passthrough {
		if err := writeMaster(filepath.Join(dir, MasterPlaylist), sourceLink); err != nil {
			os.RemoveAll(dir)
			return nil, err
		}
		return session, nil
	}

	if err := writeMaster(filepath.Join(dir, MasterPlaylist), mediaPlaylist); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	argv := m.transcodeCommand(sourceLink, proxy, dir)
	handle, err := proc.Start(ctx, argv, "hls "+key)
	if err != nil {
		cancel()
		os.RemoveAll(dir)
		return nil, fmt.Errorf("starting transcoder: %w", err)
	}

	session.handle = handle
	session.cancel = cancel
	return session, nil
}

// transcodeCommand builds the segmenting command: video copied verbatim,
// audio re-encoded to AAC for client compatibility, segment shape from
// configuration.
func (m *Multiplexer) transcodeCommand(sourceLink, proxy, dir string) []string {
	argv := []string{"ffmpeg", "-loglevel", "warning"}
	if proxy != "" {
		argv = append(argv, "-http_proxy", proxy)
	}
	argv = append(argv,
		"-i", sourceLink,
		"-map", "0:v?", "-map", "0:a?",
		"-c:v", "copy",
		"-c:a", "aac",
		"-f", "hls",
		"-hls_time", strconv.Itoa(m.cfg.HlsSegmentDuration),
		"-hls_list_size", strconv.Itoa(m.cfg.HlsPlaylistSize),
		"-hls_segment_type", m.cfg.HlsSegmentType,
		"-hls_flags", "delete_segments+omit_endlist",
		filepath.Join(dir, mediaPlaylist),
	)
	return argv
}

// writeMaster authors a single-variant master playlist pointing at target
// (the upstream link for passthrough, the local media playlist otherwise).
func writeMaster(path, target string) error {
	master := m3u8.NewMasterPlaylist()
	master.Append(target, nil, m3u8.VariantParams{ProgramId: 1, Bandwidth: 8000000})
	return os.WriteFile(path, master.Encode().Bytes(), 0644)
}

// GetFile resolves a file name inside the session's temp dir, bumping the
// idle clock. Returns "" when the session doesn't exist or the file isn't on
// disk yet; callers do their own bounded polling.
func (m *Multiplexer) GetFile(portalID, channelID, filename string) string {
	m.mu.Lock()
	session, ok := m.sessions[sessionKey(portalID, channelID)]
	m.mu.Unlock()
	if !ok {
		return ""
	}

	session.Touch()

	// the session dir is flat; reject traversal
	if filepath.Base(filename) != filename {
		return ""
	}

	path := filepath.Join(session.Dir, filename)
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

// Lookup returns the live session for the key, nil when absent. Does not
// touch the idle clock.
func (m *Multiplexer) Lookup(portalID, channelID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[sessionKey(portalID, channelID)]
}

// Count returns the number of live sessions.
func (m *Multiplexer) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Reaper runs until Shutdown, sweeping crashed transcoders and idle sessions
// every reapInterval. Removal work happens outside the scan lock so cleanup
// I/O never blocks new requests.
func (m *Multiplexer) Reaper() {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Multiplexer) sweep() {
	var doomed []*Session

	m.mu.Lock()
	for key, s := range m.sessions {
		if !s.Passthrough && s.handle != nil && !s.handle.Running() {
			logger.Warn("{hls - sweep} %s: transcoder exited with status %d, tail:\n%s",
				key, s.handle.ExitCode(), s.handle.StderrTail())
			doomed = append(doomed, s)
			delete(m.sessions, key)
			continue
		}
		if time.Since(s.LastAccessed()) > m.cfg.HlsInactiveTimeout {
			logger.Info("{hls - sweep} %s: idle for %s, reclaiming", key, time.Since(s.LastAccessed()).Round(time.Second))
			doomed = append(doomed, s)
			delete(m.sessions, key)
		}
	}
	metrics.HlsSessions.Set(float64(len(m.sessions)))
	m.mu.Unlock()

	for _, s := range doomed {
		m.destroy(s)
	}
}

// destroy terminates the session's process, frees its credential slot and
// deletes its temp dir. Runs outside the registry lock.
func (m *Multiplexer) destroy(s *Session) {
	if s.handle != nil {
		s.handle.Stop(2 * time.Second)
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.release != nil {
		s.release()
	}
	if err := os.RemoveAll(s.Dir); err != nil {
		logger.Error("{hls - destroy} %s: failed to remove %s: %v", s.Key, s.Dir, err)
	}
}

// Shutdown stops the reaper and force-cleans every remaining session.
func (m *Multiplexer) Shutdown() {
	m.stopOnce.Do(func() {
		close(m.stopChan)
	})

	m.mu.Lock()
	remaining := make([]*Session, 0, len(m.sessions))
	for key, s := range m.sessions {
		remaining = append(remaining, s)
		delete(m.sessions, key)
	}
	metrics.HlsSessions.Set(0)
	m.mu.Unlock()

	for _, s := range remaining {
		m.destroy(s)
	}

	logger.Info("{hls - Shutdown} cleaned %d sessions", len(remaining))
}
