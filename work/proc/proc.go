package proc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"stbmux/work/buffer"
	"stbmux/work/logger"
)

// stderrTailLines bounds how much diagnostic output is retained per process.
const stderrTailLines = 50

// Handle supervises one external process. It exposes stdout as a byte
// stream, drains stderr into a bounded line ring so crash diagnostics are
// available without unbounded buffering, and guarantees the whole process
// group dies on Stop. Stream delivery, HLS transcoding and liveness probes
// all share this abstraction.
type Handle struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr *buffer.LineRing
	done   chan struct{}
	exit   atomic.Int32
	exited atomic.Bool
	label  string
}

// Start launches the command line (argv form) in its own process group and
// begins draining stderr. The context cancels the process when it expires.
func Start(ctx context.Context, argv []string, label string) (*Handle, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty command")
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", argv[0], err)
	}

	h := &Handle{
		cmd:    cmd,
		stdout: stdout,
		stderr: buffer.NewLineRing(stderrTailLines),
		done:   make(chan struct{}),
		label:  label,
	}
	h.exit.Store(-1)

	go h.drainStderr(stderr)
	go h.reap()

	logger.Debug("{proc - Start} %s: started pid %d", label, cmd.Process.Pid)
	return h, nil
}

// drainStderr keeps the diagnostic ring current. A blocked stderr reader
// would stall the child, so this runs for the life of the process.
func (h *Handle) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 64*1024)
	for scanner.Scan() {
		h.stderr.Append(scanner.Text())
	}
}

func (h *Handle) reap() {
	err := h.cmd.Wait()
	code := 0
	if err != nil {
		code = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
	}
	h.exit.Store(int32(code))
	h.exited.Store(true)
	close(h.done)
}

// Stdout is the process's output byte stream.
func (h *Handle) Stdout() io.Reader {
	return h.stdout
}

// StderrTail returns the retained diagnostic lines joined with newlines.
func (h *Handle) StderrTail() string {
	return h.stderr.Tail()
}

// Running reports whether the process is still alive.
func (h *Handle) Running() bool {
	return !h.exited.Load()
}

// ExitCode returns the exit status, or -1 while running or when the process
// was killed.
func (h *Handle) ExitCode() int {
	return int(h.exit.Load())
}

// Pid returns the process id.
func (h *Handle) Pid() int {
	return h.cmd.Process.Pid
}

// Wait blocks until the process exits and returns its exit code.
func (h *Handle) Wait() int {
	<-h.done
	return h.ExitCode()
}

// Stop terminates the process group: SIGTERM first, then SIGKILL if it is
// still alive after the grace period. Safe to call more than once and after
// exit.
func (h *Handle) Stop(grace time.Duration) {
	if h.exited.Load() {
		return
	}

	pid := h.cmd.Process.Pid
	syscall.Kill(-pid, syscall.SIGTERM)

	select {
	case <-h.done:
		return
	case <-time.After(grace):
	}

	logger.Debug("{proc - Stop} %s: pid %d did not exit in %s, killing group", h.label, pid, grace)
	syscall.Kill(-pid, syscall.SIGKILL)
	<-h.done
}

// BuildCommand renders a command template into argv form, substituting
// {url} with the stream link and {proxy} with "-http_proxy <proxy>" (the
// placeholder token disappears when proxy is empty).
func BuildCommand(template, url, proxy string) []string {
	fields := strings.Fields(template)
	argv := make([]string, 0, len(fields)+1)
	for _, f := range fields {
		switch f {
		case "{url}":
			argv = append(argv, url)
		case "{proxy}":
			if proxy != "" {
				argv = append(argv, "-http_proxy", proxy)
			}
		default:
			argv = append(argv, strings.ReplaceAll(f, "{url}", url))
		}
	}
	return argv
}
