package probe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"stbmux/work/config"
	"stbmux/work/logger"
	"stbmux/work/metrics"
	"stbmux/work/occupancy"
	"stbmux/work/portal"
	"stbmux/work/proc"
	"stbmux/work/types"
	"stbmux/work/utils"

	"github.com/panjf2000/ants/v2"
)

// ErrCredentialUnavailable means every candidate MAC was already serving at
// capacity; nothing was probed. ErrNoWorkingStream means credentials were
// free but none produced a usable link. Both map to the same unavailable
// response; handlers log them differently.
var (
	ErrCredentialUnavailable = errors.New("no free credential for channel")
	ErrNoWorkingStream       = errors.New("no working stream found for channel")
)

// Request describes one channel acquisition attempt. Candidates arrive in
// scored order from the scorer.
type Request struct {
	Portal       *types.Portal
	ChannelID    string
	ChannelName  string
	AlternateIDs []string
	CachedCmd    string
	Candidates   []types.MacRecord
}

// Result is a successful probe: a credential with a free slot and a live
// stream link.
type Result struct {
	Mac         string
	Link        string
	Cmd         string
	ChannelName string
}

// LivenessProber checks that a resolved link actually plays. The production
// prober runs the configured probe command with a bounded timeout.
type LivenessProber func(ctx context.Context, link, proxy string) error

// Executor walks a scored candidate list until one MAC yields a playable
// link. Failed MACs are rotated to the back of their pool exactly once after
// the round, never mid-probe.
type Executor struct {
	portals   portal.Client
	occupancy *occupancy.Registry
	cfg       *config.Config
	pool      *ants.Pool
	prober    LivenessProber
	moveMac   func(portalID, mac string)
}

// NewExecutor creates a probe executor. pool bounds parallel probing and may
// be nil when parallel probing is disabled. moveMac is invoked once per
// failed MAC after each round; callers route it through the portal's job
// lock so rotations never race refresh writes.
func NewExecutor(pc portal.Client, occ *occupancy.Registry, cfg *config.Config, pool *ants.Pool, moveMac func(portalID, mac string)) *Executor {
	e := &Executor{
		portals:   pc,
		occupancy: occ,
		cfg:       cfg,
		pool:      pool,
		moveMac:   moveMac,
	}
	e.prober = e.commandProber
	return e
}

// SetProber overrides the liveness prober, for tests.
func (e *Executor) SetProber(p LivenessProber) {
	e.prober = p
}

// attempt is the outcome of one MAC probe.
type attempt struct {
	rec     types.MacRecord
	result  *Result
	err     error
	skipped bool // capacity skip, not a credential failure
}

// Probe tries the candidates in order (or in parallel when configured) and
// returns the first working result. The two exhaustion outcomes are
// distinguished by sentinel error.
func (e *Executor) Probe(ctx context.Context, req Request) (*Result, error) {
	if len(req.Candidates) == 0 {
		return nil, ErrCredentialUnavailable
	}

	var attempts []attempt
	if e.cfg.ParallelMacProbing && len(req.Candidates) > 1 && e.pool != nil {
		attempts = e.probeParallel(ctx, req)
	} else {
		attempts = e.probeSequential(ctx, req)
	}

	var result *Result
	skippedAll := true
	rotated := make(map[string]bool)

	for _, a := range attempts {
		if a.result != nil && result == nil {
			result = a.result
		}
		if !a.skipped {
			skippedAll = false
		}
		// rotate each failed MAC exactly once, after the round; attempts
		// cancelled because a sibling already won are discarded, not failures
		if a.err != nil && !a.skipped && !errors.Is(a.err, context.Canceled) && !rotated[a.rec.Mac] {
			rotated[a.rec.Mac] = true
			logger.Info("{probe - Probe} portal %s: deprioritizing mac %s after failed probe: %v", req.Portal.ID, a.rec.Mac, a.err)
			e.moveMac(req.Portal.ID, a.rec.Mac)
		}
	}

	if result != nil {
		return result, nil
	}
	if skippedAll {
		return nil, ErrCredentialUnavailable
	}
	return nil, ErrNoWorkingStream
}

func (e *Executor) probeSequential(ctx context.Context, req Request) []attempt {
	var attempts []attempt
	for _, rec := range req.Candidates {
		a := e.probeSingleMac(ctx, req, rec)
		attempts = append(attempts, a)
		if a.result != nil {
			break
		}
		// capacity skips don't count as failures for the stop policy
		if a.err != nil && !a.skipped && !e.cfg.TryAllMacs {
			break
		}
	}
	return attempts
}

// probeParallel probes up to the configured worker count concurrently. The
// first success cancels the siblings best-effort; probes past cancellation
// finish and their results are discarded by the caller taking only the first
// success.
func (e *Executor) probeParallel(ctx context.Context, req Request) []attempt {
	probeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []attempt
	)

	for _, rec := range req.Candidates {
		rec := rec
		wg.Add(1)
		err := e.pool.Submit(func() {
			defer wg.Done()
			a := e.probeSingleMac(probeCtx, req, rec)
			mu.Lock()
			results = append(results, a)
			mu.Unlock()
			if a.result != nil {
				cancel()
			}
		})
		if err != nil {
			wg.Done()
			mu.Lock()
			results = append(results, attempt{rec: rec, err: fmt.Errorf("submitting probe: %w", err)})
			mu.Unlock()
		}
	}

	wg.Wait()
	return results
}

// probeSingleMac runs the full per-credential handshake: capacity check,
// token, profile keep-alive, cmd resolution, link resolution and optional
// liveness test.
func (e *Executor) probeSingleMac(ctx context.Context, req Request, rec types.MacRecord) attempt {
	p := req.Portal
	a := attempt{rec: rec}

	if p.StreamsPerMac != 0 && e.occupancy.CountFor(p.ID, rec.Mac) >= p.StreamsPerMac {
		a.skipped = true
		a.err = occupancy.ErrMacAtCapacity
		return a
	}

	// hard deadline per probe so parallel rounds stay bounded
	probeCtx, cancel := context.WithTimeout(ctx, e.probeDeadline())
	defer cancel()

	token, err := e.portals.GetToken(probeCtx, p, rec.Mac)
	if err != nil {
		metrics.ProbeFailures.WithLabelValues(p.ID, "token").Inc()
		a.err = fmt.Errorf("token: %w", err)
		return a
	}

	// keep-alive side effect; portals may still hand out links without it
	if err := e.portals.GetProfile(probeCtx, p, rec.Mac, token); err != nil {
		logger.Debug("{probe - probeSingleMac} portal %s mac %s: profile fetch failed: %v", p.ID, rec.Mac, err)
	}

	cmd, name, err := e.resolveCmd(probeCtx, req, rec.Mac, token)
	if err != nil {
		metrics.ProbeFailures.WithLabelValues(p.ID, "channel").Inc()
		a.err = err
		return a
	}
	if req.ChannelName == "" {
		req.ChannelName = name
	}

	link, err := e.resolveLink(probeCtx, p, rec.Mac, token, cmd)
	if err != nil {
		metrics.ProbeFailures.WithLabelValues(p.ID, "link").Inc()
		a.err = err
		return a
	}

	if e.cfg.TestStreams {
		if err := e.prober(probeCtx, link, p.Proxy); err != nil {
			metrics.ProbeFailures.WithLabelValues(p.ID, "liveness").Inc()
			a.err = fmt.Errorf("liveness: %w", err)
			return a
		}
	}

	logger.Debug("{probe - probeSingleMac} portal %s mac %s: resolved %s", p.ID, rec.Mac, utils.LogURL(e.cfg.ObfuscateUrls, link))
	a.result = &Result{
		Mac:         rec.Mac,
		Link:        link,
		Cmd:         cmd,
		ChannelName: req.ChannelName,
	}
	return a
}

// resolveCmd finds the stream command for the channel: the cached cmd when
// present, otherwise the portal's full channel list searched for the primary
// id and then each alternate in order.
func (e *Executor) resolveCmd(ctx context.Context, req Request, mac, token string) (cmd, name string, err error) {
	if req.CachedCmd != "" {
		return req.CachedCmd, req.ChannelName, nil
	}

	channels, err := e.portals.GetAllChannels(ctx, req.Portal, mac, token)
	if err != nil {
		return "", "", fmt.Errorf("channel list: %w", err)
	}

	byID := make(map[string]portal.Channel, len(channels))
	for _, ch := range channels {
		byID[ch.ID] = ch
	}

	ids := append([]string{req.ChannelID}, req.AlternateIDs...)
	for _, id := range ids {
		if ch, ok := byID[id]; ok && ch.Cmd != "" {
			return ch.Cmd, ch.Name, nil
		}
	}

	return "", "", fmt.Errorf("channel %s not found in portal lineup", req.ChannelID)
}

// resolveLink turns a cmd into a concrete URL. Portal-loopback cmds need a
// create_link round trip; otherwise the link is embedded in the cmd itself.
func (e *Executor) resolveLink(ctx context.Context, p *types.Portal, mac, token, cmd string) (string, error) {
	if portal.NeedsLinkCreation(cmd) {
		link, err := e.portals.GetLink(ctx, p, mac, token, cmd)
		if err != nil {
			return "", fmt.Errorf("create link: %w", err)
		}
		return link, nil
	}
	return portal.ExtractURL(cmd), nil
}

func (e *Executor) probeDeadline() time.Duration {
	d := e.cfg.FFmpegTimeout
	if d <= 0 {
		d = 5 * time.Second
	}
	// token + profile + list + link + liveness all fit in a few base units
	return 4 * d
}

// commandProber runs the configured probe command against the link and
// fails on nonzero exit.
func (e *Executor) commandProber(ctx context.Context, link, proxy string) error {
	argv := proc.BuildCommand(e.cfg.ProbeCommand, link, proxy)

	probeCtx, cancel := context.WithTimeout(ctx, e.cfg.FFmpegTimeout)
	defer cancel()

	h, err := proc.Start(probeCtx, argv, "liveness")
	if err != nil {
		return err
	}
	if code := h.Wait(); code != 0 {
		return fmt.Errorf("probe exited with status %d", code)
	}
	return nil
}
