package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"stbmux/work/logger"
)

// Config holds all application configuration for the portal gateway. It
// covers probing behavior, the external transcoder command templates, HLS
// multiplexer shape, job scheduling intervals, and the HTTP surface.
type Config struct {
	BaseURL       string // base URL advertised in playlists and tuner discovery
	ListenPort    int    // HTTP listen port
	StorePath     string // SQLite store path for portals, MACs and cached channels
	HlsDir        string // parent directory for per-session HLS temp directories
	LogLevel      string // debug|info|warn|error
	ObfuscateUrls bool   // mask portal URLs and stream links in logs
	UserAgent     string // User-Agent presented to upstream portals

	// Probing.
	TryAllMacs         bool // exhaust the candidate list instead of stopping at the first failure
	ParallelMacProbing bool // probe several MACs concurrently, first success wins
	ParallelMacWorkers int  // concurrent probes when parallel probing is on
	TestStreams        bool // run a liveness probe against resolved links before serving

	// External processes. Templates substitute {url} with the resolved
	// stream link and {proxy} with the portal's proxy (the proxy argument
	// pair is dropped entirely when the portal has no proxy).
	StreamCommand string        // direct-delivery relay command template
	ProbeCommand  string        // liveness probe command template
	FFmpegTimeout time.Duration // base timeout for upstream calls and liveness probes

	// HLS multiplexer.
	OutputFormat       string        // "mpegts" for direct delivery, "hls" for the shared multiplexer
	HlsSegmentType     string        // mpegts or fmp4
	HlsSegmentDuration int           // seconds per segment
	HlsPlaylistSize    int           // segments kept in the live playlist
	MaxHlsStreams      int           // admission ceiling for concurrent shared sessions
	HlsInactiveTimeout time.Duration // idle window before the reaper removes a session

	// Job scheduler.
	JobWorkers         int           // bounded worker pool size
	JobMaxRetries      int           // retries before a job is parked in error state
	RefreshInterval    time.Duration // portal channel refresh timer, 0 disables
	EpgRefreshInterval time.Duration // EPG refresh timer, 0 disables

	EpgSources []EpgSourceConfig // standalone XMLTV sources merged into the combined guide
}

// EpgSourceConfig is one manually configured XMLTV document.
type EpgSourceConfig struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// ConfigFile mirrors Config for JSON (un)marshaling; duration fields are
// strings like "30s" or "12h" and parsed into time.Duration on load.
type ConfigFile struct {
	BaseURL       string `json:"baseURL"`
	ListenPort    int    `json:"listenPort"`
	StorePath     string `json:"storePath"`
	HlsDir        string `json:"hlsDir"`
	LogLevel      string `json:"logLevel"`
	ObfuscateUrls bool   `json:"obfuscateUrls"`
	UserAgent     string `json:"userAgent"`

	TryAllMacs         bool `json:"tryAllMacs"`
	ParallelMacProbing bool `json:"parallelMacProbing"`
	ParallelMacWorkers int  `json:"parallelMacWorkers"`
	TestStreams        bool `json:"testStreams"`

	StreamCommand string `json:"streamCommand"`
	ProbeCommand  string `json:"probeCommand"`
	FFmpegTimeout string `json:"ffmpegTimeout"`

	OutputFormat       string `json:"outputFormat"`
	HlsSegmentType     string `json:"hlsSegmentType"`
	HlsSegmentDuration int    `json:"hlsSegmentDuration"`
	HlsPlaylistSize    int    `json:"hlsPlaylistSize"`
	MaxHlsStreams      int    `json:"maxHlsStreams"`
	HlsInactiveTimeout string `json:"hlsInactiveTimeout"`

	JobWorkers         int    `json:"jobWorkers"`
	JobMaxRetries      int    `json:"jobMaxRetries"`
	RefreshInterval    string `json:"refreshInterval"`
	EpgRefreshInterval string `json:"epgRefreshInterval"`

	EpgSources []EpgSourceConfig `json:"epgSources"`
}

var (
	configCache *Config
	configMutex sync.RWMutex
)

// DefaultPath is where LoadConfig looks for the settings file.
const DefaultPath = "/settings/config.json"

// LoadConfig loads the configuration from file or returns the cached
// instance. Uses double-checked locking so concurrent callers never trigger
// redundant reloads; falls back to defaults when the file is missing or
// unparsable, then validates every field into a safe range.
func LoadConfig() *Config {
	configMutex.RLock()
	if configCache != nil {
		defer configMutex.RUnlock()
		return configCache
	}
	configMutex.RUnlock()

	configMutex.Lock()
	defer configMutex.Unlock()

	if configCache != nil {
		return configCache
	}

	cfg, err := loadFromFile(DefaultPath)
	if err != nil {
		logger.Warn("{config - LoadConfig} failed to load %s: %v, using defaults", DefaultPath, err)
		cfg = getDefaultConfig()
	}

	validateAndSetDefaults(cfg)
	configCache = cfg
	return cfg
}

// ClearConfigCache resets the cached config so the next LoadConfig reloads
// from disk. Used by the graceful-restart path.
func ClearConfigCache() {
	configMutex.Lock()
	defer configMutex.Unlock()
	configCache = nil
}

func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cf ConfigFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	return convertFromFile(&cf)
}

func convertFromFile(cf *ConfigFile) (*Config, error) {
	cfg := &Config{
		BaseURL:            cf.BaseURL,
		ListenPort:         cf.ListenPort,
		StorePath:          cf.StorePath,
		HlsDir:             cf.HlsDir,
		LogLevel:           cf.LogLevel,
		ObfuscateUrls:      cf.ObfuscateUrls,
		UserAgent:          cf.UserAgent,
		TryAllMacs:         cf.TryAllMacs,
		ParallelMacProbing: cf.ParallelMacProbing,
		ParallelMacWorkers: cf.ParallelMacWorkers,
		TestStreams:        cf.TestStreams,
		StreamCommand:      cf.StreamCommand,
		ProbeCommand:       cf.ProbeCommand,
		OutputFormat:       cf.OutputFormat,
		HlsSegmentType:     cf.HlsSegmentType,
		HlsSegmentDuration: cf.HlsSegmentDuration,
		HlsPlaylistSize:    cf.HlsPlaylistSize,
		MaxHlsStreams:      cf.MaxHlsStreams,
		JobWorkers:         cf.JobWorkers,
		JobMaxRetries:      cf.JobMaxRetries,
		EpgSources:         cf.EpgSources,
	}

	var err error
	if cfg.FFmpegTimeout, err = parseDuration(cf.FFmpegTimeout); err != nil {
		return nil, fmt.Errorf("invalid ffmpegTimeout: %w", err)
	}
	if cfg.HlsInactiveTimeout, err = parseDuration(cf.HlsInactiveTimeout); err != nil {
		return nil, fmt.Errorf("invalid hlsInactiveTimeout: %w", err)
	}
	if cfg.RefreshInterval, err = parseDuration(cf.RefreshInterval); err != nil {
		return nil, fmt.Errorf("invalid refreshInterval: %w", err)
	}
	if cfg.EpgRefreshInterval, err = parseDuration(cf.EpgRefreshInterval); err != nil {
		return nil, fmt.Errorf("invalid epgRefreshInterval: %w", err)
	}

	return cfg, nil
}

// parseDuration treats the empty string as zero so interval timers can be
// disabled by omitting the field.
func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

func getDefaultConfig() *Config {
	return &Config{
		BaseURL:            "http://localhost:8001",
		ListenPort:         8001,
		StorePath:          "/settings/stbmux.db",
		HlsDir:             os.TempDir(),
		LogLevel:           "info",
		ObfuscateUrls:      false,
		UserAgent:          "Mozilla/5.0 (QtEmbedded; U; Linux; C) AppleWebKit/533.3 (KHTML, like Gecko) MAG200 stbapp ver: 2 rev: 250 Safari/533.3",
		TryAllMacs:         false,
		ParallelMacProbing: false,
		ParallelMacWorkers: 3,
		TestStreams:        true,
		StreamCommand:      "ffmpeg -loglevel panic {proxy} -timeout 5000000 -i {url} -map 0 -codec copy -f mpegts pipe:",
		ProbeCommand:       "ffprobe -v quiet {proxy} -i {url}",
		FFmpegTimeout:      5 * time.Second,
		OutputFormat:       "mpegts",
		HlsSegmentType:     "mpegts",
		HlsSegmentDuration: 4,
		HlsPlaylistSize:    6,
		MaxHlsStreams:      10,
		HlsInactiveTimeout: 60 * time.Second,
		JobWorkers:         2,
		JobMaxRetries:      3,
		RefreshInterval:    12 * time.Hour,
		EpgRefreshInterval: 12 * time.Hour,
		EpgSources:         []EpgSourceConfig{},
	}
}

// validateAndSetDefaults fills in safe values for anything missing or out of
// range. Zero refresh intervals are deliberately left alone: zero disables
// the corresponding timer.
func validateAndSetDefaults(cfg *Config) {
	def := getDefaultConfig()

	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.ListenPort <= 0 {
		cfg.ListenPort = def.ListenPort
	}
	if cfg.StorePath == "" {
		cfg.StorePath = def.StorePath
	}
	if cfg.HlsDir == "" {
		cfg.HlsDir = def.HlsDir
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	if cfg.ParallelMacWorkers <= 0 {
		cfg.ParallelMacWorkers = def.ParallelMacWorkers
	}
	if cfg.StreamCommand == "" {
		cfg.StreamCommand = def.StreamCommand
	}
	if cfg.ProbeCommand == "" {
		cfg.ProbeCommand = def.ProbeCommand
	}
	if cfg.FFmpegTimeout <= 0 {
		cfg.FFmpegTimeout = def.FFmpegTimeout
	}
	if cfg.OutputFormat != "hls" {
		cfg.OutputFormat = "mpegts"
	}
	if cfg.HlsSegmentType != "fmp4" {
		cfg.HlsSegmentType = "mpegts"
	}
	if cfg.HlsSegmentDuration <= 0 {
		cfg.HlsSegmentDuration = def.HlsSegmentDuration
	}
	if cfg.HlsPlaylistSize <= 0 {
		cfg.HlsPlaylistSize = def.HlsPlaylistSize
	}
	if cfg.MaxHlsStreams <= 0 {
		cfg.MaxHlsStreams = def.MaxHlsStreams
	}
	if cfg.HlsInactiveTimeout <= 0 {
		cfg.HlsInactiveTimeout = def.HlsInactiveTimeout
	}
	if cfg.JobWorkers <= 0 {
		cfg.JobWorkers = def.JobWorkers
	}
	if cfg.JobMaxRetries < 0 {
		cfg.JobMaxRetries = def.JobMaxRetries
	}
	if cfg.RefreshInterval < 0 {
		cfg.RefreshInterval = 0
	}
	if cfg.EpgRefreshInterval < 0 {
		cfg.EpgRefreshInterval = 0
	}
}

// CreateExampleConfig writes an annotated starter config to the given path.
func CreateExampleConfig(path string) error {
	example := ConfigFile{
		BaseURL:            "http://localhost:8001",
		ListenPort:         8001,
		StorePath:          "/settings/stbmux.db",
		HlsDir:             "/tmp",
		LogLevel:           "info",
		ObfuscateUrls:      true,
		TryAllMacs:         false,
		ParallelMacProbing: false,
		ParallelMacWorkers: 3,
		TestStreams:        true,
		StreamCommand:      "ffmpeg -loglevel panic {proxy} -timeout 5000000 -i {url} -map 0 -codec copy -f mpegts pipe:",
		ProbeCommand:       "ffprobe -v quiet {proxy} -i {url}",
		FFmpegTimeout:      "5s",
		OutputFormat:       "mpegts",
		HlsSegmentType:     "mpegts",
		HlsSegmentDuration: 4,
		HlsPlaylistSize:    6,
		MaxHlsStreams:      10,
		HlsInactiveTimeout: "60s",
		JobWorkers:         2,
		JobMaxRetries:      3,
		RefreshInterval:    "12h",
		EpgRefreshInterval: "12h",
		EpgSources: []EpgSourceConfig{
			{Name: "Example Guide", URL: "http://example.com/xmltv.xml"},
		},
	}

	data, err := json.MarshalIndent(example, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
