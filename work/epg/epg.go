package epg

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"stbmux/work/cache"
	"stbmux/work/client"
	"stbmux/work/config"
	"stbmux/work/logger"
	"stbmux/work/store"
)

// GuideCacheKey is where the combined XMLTV document lives in the cache.
const GuideCacheKey = "combined"

// source is one XMLTV document to fold into the combined guide: either a
// portal's EpgURL or a manually configured standalone endpoint.
type source struct {
	url  string
	name string
}

// Combiner fetches every configured XMLTV source concurrently and merges the
// channel and programme elements into one document. It runs as the
// scheduler's EPG job body, globally serialized.
type Combiner struct {
	cfg   *config.Config
	store store.Store
	http  *client.HeaderSettingClient
	cache *cache.Cache
}

// NewCombiner wires the guide combiner.
func NewCombiner(cfg *config.Config, st store.Store, hc *client.HeaderSettingClient, c *cache.Cache) *Combiner {
	return &Combiner{
		cfg:   cfg,
		store: st,
		http:  hc,
		cache: c,
	}
}

// Guide returns the current combined document, "" when none has been built
// or the cache has expired.
func (c *Combiner) Guide() string {
	doc, _ := c.cache.GetGuide(GuideCacheKey)
	return doc
}

// Refresh rebuilds the combined guide and stores it in the cache. An empty
// source list is not an error; the guide just stays empty.
func (c *Combiner) Refresh(ctx context.Context) error {
	sources, err := c.collectSources(ctx)
	if err != nil {
		return err
	}
	if len(sources) == 0 {
		logger.Warn("{epg - Refresh} no guide sources configured")
		return nil
	}

	channels, programmes := c.fetch(ctx, sources)
	if len(channels) == 0 && len(programmes) == 0 {
		return fmt.Errorf("no guide data retrieved from %d sources", len(sources))
	}

	var out strings.Builder
	out.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	out.WriteString(`<tv generator-info-name="stbmux">` + "\n")
	for _, ch := range channels {
		out.WriteString(ch)
	}
	for _, prog := range programmes {
		out.WriteString(prog)
	}
	out.WriteString("</tv>")

	c.cache.SetGuide(GuideCacheKey, out.String())
	logger.Info("{epg - Refresh} combined guide rebuilt: %d channels, %d programmes (%d bytes)",
		len(channels), len(programmes), out.Len())
	return nil
}

func (c *Combiner) collectSources(ctx context.Context) ([]source, error) {
	var sources []source

	for _, s := range c.cfg.EpgSources {
		sources = append(sources, source{url: s.URL, name: s.Name})
	}

	portals, err := c.store.Portals(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing portals: %w", err)
	}
	for _, p := range portals {
		if p.EpgURL != "" {
			sources = append(sources, source{url: p.EpgURL, name: p.Name})
		}
	}

	return sources, nil
}

// fetch retrieves all sources concurrently, each with its own request, and
// extracts the raw <channel> and <programme> elements. Elements are merged
// at the string level; re-encoding full XMLTV documents of guide data is
// both slow and lossy for provider-specific attributes.
func (c *Combiner) fetch(ctx context.Context, sources []source) ([]string, []string) {
	channelChan := make(chan string, len(sources)*100)
	programmeChan := make(chan string, len(sources)*1000)

	var wg sync.WaitGroup
	for _, src := range sources {
		wg.Add(1)
		go func(src source) {
			defer wg.Done()

			doc, err := c.fetchOne(ctx, src)
			if err != nil {
				logger.Error("{epg - fetch} %s: %v", src.name, err)
				return
			}

			chCount := extractElements(doc, "<channel ", "</channel>", channelChan)
			prCount := extractElements(doc, "<programme ", "</programme>", programmeChan)
			if chCount == 0 && prCount == 0 {
				logger.Warn("{epg - fetch} %s: no channels or programmes in %d bytes", src.name, len(doc))
			}
		}(src)
	}

	go func() {
		wg.Wait()
		close(channelChan)
		close(programmeChan)
	}()

	var channels, programmes []string

	// drain both channels concurrently; sequential draining deadlocks when
	// the programme buffer fills before the channel reader finishes
	var drainWg sync.WaitGroup
	drainWg.Add(2)
	go func() {
		defer drainWg.Done()
		for ch := range channelChan {
			channels = append(channels, ch)
		}
	}()
	go func() {
		defer drainWg.Done()
		for prog := range programmeChan {
			programmes = append(programmes, prog)
		}
	}()
	drainWg.Wait()

	return channels, programmes
}

func (c *Combiner) fetchOne(ctx context.Context, src source) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.url, nil)
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read failed: %w", err)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("empty response body")
	}

	return string(data), nil
}

// extractElements scans doc for openTag..closeTag spans and sends each one,
// returning the count found.
func extractElements(doc, openTag, closeTag string, out chan<- string) int {
	count := 0
	pos := 0
	for {
		start := strings.Index(doc[pos:], openTag)
		if start == -1 {
			break
		}
		start += pos
		end := strings.Index(doc[start:], closeTag)
		if end == -1 {
			break
		}
		end += start + len(closeTag)
		out <- doc[start:end] + "\n"
		count++
		pos = end
	}
	return count
}
