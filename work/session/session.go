package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"stbmux/work/buffer"
	"stbmux/work/config"
	"stbmux/work/logger"
	"stbmux/work/metrics"
	"stbmux/work/occupancy"
	"stbmux/work/probe"
	"stbmux/work/proc"
	"stbmux/work/scorer"
	"stbmux/work/store"
	"stbmux/work/types"
	"stbmux/work/utils"
)

// State tracks where a direct-delivery session is in its lifecycle. States
// only move forward.
type State int32

const (
	StateProbing State = iota
	StateOccupied
	StateStreaming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateProbing:
		return "probing"
	case StateOccupied:
		return "occupied"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// relayChunkSize is the fixed read size for the stdout relay loop.
const relayChunkSize = 32 * 1024

// stopGrace is how long a relay process gets to exit after SIGTERM.
const stopGrace = 2 * time.Second

// Engine serves direct MPEG-TS deliveries: scores credentials, probes for a
// working link, claims an occupancy slot before spawning the relay process,
// and streams its output to the client in fixed-size chunks.
type Engine struct {
	cfg     *config.Config
	store   store.Store
	occ     *occupancy.Registry
	probes  *probe.Executor
	buffers *buffer.BufferPool
	moveMac func(portalID, mac string)
}

// NewEngine creates a direct-delivery engine. moveMac must be the same
// per-portal-locked rotation used by the probe executor.
func NewEngine(cfg *config.Config, st store.Store, occ *occupancy.Registry, pe *probe.Executor, moveMac func(portalID, mac string)) *Engine {
	return &Engine{
		cfg:     cfg,
		store:   st,
		occ:     occ,
		probes:  pe,
		buffers: buffer.NewBufferPool(relayChunkSize),
		moveMac: moveMac,
	}
}

// Acquire runs scoring and probing for the channel and returns a probe
// result without claiming a slot. The HLS path uses this to obtain a source
// link; the caller owns slot accounting for shared sessions.
func (e *Engine) Acquire(ctx context.Context, portalID, channelID string) (*probe.Result, *types.Portal, error) {
	p, err := e.store.Portal(ctx, portalID)
	if err != nil {
		return nil, nil, fmt.Errorf("loading portal: %w", err)
	}
	if p == nil || !p.Enabled {
		return nil, nil, fmt.Errorf("unknown portal %s", portalID)
	}

	req := probe.Request{
		Portal:    p,
		ChannelID: channelID,
	}

	if ch, err := e.store.ChannelLookup(ctx, portalID, channelID); err == nil && ch != nil {
		req.ChannelName = ch.Name
		req.AlternateIDs = ch.AlternateIDs
		req.CachedCmd = ch.CachedCmd
		req.Candidates = scorer.OrderCandidates(p, func(mac string) int {
			return e.occ.CountFor(portalID, mac)
		}, ch.AvailableMacs)
	} else {
		req.Candidates = scorer.OrderCandidates(p, func(mac string) int {
			return e.occ.CountFor(portalID, mac)
		}, nil)
	}

	result, err := e.probes.Probe(ctx, req)
	if err != nil {
		return nil, p, err
	}

	// remember the working cmd so the next probe skips the lineup fetch
	if result.Cmd != "" && result.Cmd != req.CachedCmd {
		if err := e.store.SetCachedCmd(ctx, portalID, channelID, result.Cmd); err != nil {
			logger.Debug("{session - Acquire} failed to cache cmd for %s/%s: %v", portalID, channelID, err)
		}
	}

	return result, p, nil
}

// Serve handles one direct-delivery request end to end. It returns
// probe.ErrCredentialUnavailable or probe.ErrNoWorkingStream when no stream
// could be produced; the handler maps both to one unavailable response.
func (e *Engine) Serve(ctx context.Context, w http.ResponseWriter, portalID, channelID, clientAddr string) error {
	logger.Debug("{session - Serve} %s/%s for %s: %s", portalID, channelID, clientAddr, StateProbing)
	result, p, err := e.Acquire(ctx, portalID, channelID)
	if err != nil {
		return err
	}

	release, err := e.occ.Acquire(portalID, result.Mac, channelID, result.ChannelName, clientAddr, p.StreamsPerMac)
	if err != nil {
		// lost the slot to a concurrent request between probe and claim
		return probe.ErrCredentialUnavailable
	}
	defer release()
	logger.Debug("{session - Serve} %s/%s for %s: %s via mac %s", portalID, channelID, clientAddr, StateOccupied, result.Mac)

	argv := proc.BuildCommand(e.cfg.StreamCommand, result.Link, p.Proxy)
	handle, err := proc.Start(ctx, argv, fmt.Sprintf("stream %s/%s", portalID, channelID))
	if err != nil {
		return fmt.Errorf("starting relay process: %w", err)
	}
	defer handle.Stop(stopGrace)

	w.Header().Set("Content-Type", "video/mp2t")
	w.Header().Set("Cache-Control", "no-cache")

	logger.Info("{session - Serve} %s/%s: %s %s to %s via mac %s", portalID, channelID, StateStreaming,
		utils.LogURL(e.cfg.ObfuscateUrls, result.Link), clientAddr, result.Mac)

	written, relayErr := e.relay(ctx, w, handle, result.ChannelName)

	logger.Debug("{session - Serve} %s/%s for %s: %s after %s", portalID, channelID, clientAddr, StateClosed, utils.FormatBytes(written))

	// Stdout EOF is observed before the reaper collects the exit status, so
	// Wait for the real code; the pipe is closed, so Wait returns promptly.
	// Client disconnects cancel ctx or surface as write errors and never
	// count against the credential.
	if relayErr == nil && ctx.Err() == nil {
		if code := handle.Wait(); code != 0 {
			logger.Warn("{session - Serve} %s/%s: relay process exited with status %d, tail:\n%s",
				portalID, channelID, code, handle.StderrTail())
			e.moveMac(portalID, result.Mac)
		}
	}

	return nil
}

// relay copies process output to the client in fixed-size chunks, flushing
// after each write so playback starts immediately. Returns total bytes
// delivered and the first client-side write error, if any.
func (e *Engine) relay(ctx context.Context, w io.Writer, handle *proc.Handle, channelName string) (int64, error) {
	flusher, _ := w.(http.Flusher)
	stdout := handle.Stdout()

	buf := e.buffers.Get()
	defer e.buffers.Put(buf)
	chunk := buf.B[:cap(buf.B)]
	if len(chunk) < relayChunkSize {
		chunk = make([]byte, relayChunkSize)
	}

	var total int64
	for {
		select {
		case <-ctx.Done():
			return total, nil
		default:
		}

		n, err := stdout.Read(chunk)
		if n > 0 {
			if _, werr := w.Write(chunk[:n]); werr != nil {
				return total, werr
			}
			if flusher != nil {
				flusher.Flush()
			}
			total += int64(n)
			metrics.BytesTransferred.WithLabelValues(channelName).Add(float64(n))
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Debug("{session - relay} upstream read ended: %v", err)
			}
			return total, nil
		}
	}
}
