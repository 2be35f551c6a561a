// Package media downloads a playable stream to a local temp file with yt-dlp.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	logx "lecturebot/pkg/logx"
)

const (
	DefaultBinary  = "yt-dlp"
	DefaultTimeout = 300 * time.Second

	stderrTail = 2048
	killGrace  = 5 * time.Second
)

var (
	ErrTimeout     = errors.New("media: download timed out")
	ErrExit        = errors.New("media: downloader exited with error")
	ErrEmptyOutput = errors.New("media: downloader produced no output")
)

type Config struct {
	Binary    string
	ExtraArgs []string
	TempDir   string
	Timeout   time.Duration
}

type Fetcher struct {
	cfg Config
	log logx.Logger
	seq atomic.Uint64
}

func New(cfg Config, log logx.Logger) *Fetcher {
	if strings.TrimSpace(cfg.Binary) == "" {
		cfg.Binary = DefaultBinary
	}
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Fetcher{cfg: cfg, log: log.With(logx.String("comp", "media"))}
}

// Download is a fetched file on local disk. Close removes it.
type Download struct {
	Path string
	Size int64

	closed atomic.Bool
}

// Close deletes the file and any yt-dlp side files. Errors are swallowed.
func (d *Download) Close() error {
	if d == nil || !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	removeOutputs(d.Path)
	return nil
}

// removeOutputs deletes path and every yt-dlp side file next to it
// (.part, .ytdl, HLS .part-FragN fragments).
func removeOutputs(path string) {
	_ = os.Remove(path)
	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), base+".") {
			_ = os.Remove(filepath.Join(dir, e.Name()))
		}
	}
}

func (f *Fetcher) tempPath() string {
	name := fmt.Sprintf("lecture_%d_%d.mp4", time.Now().UnixNano(), f.seq.Add(1))
	return filepath.Join(f.cfg.TempDir, name)
}

// Fetch runs the downloader against streamURL. The caller owns the returned
// Download and must Close it. On error nothing is left on disk.
func (f *Fetcher) Fetch(ctx context.Context, streamURL string) (*Download, error) {
	if strings.TrimSpace(streamURL) == "" {
		return nil, fmt.Errorf("%w: empty stream url", ErrExit)
	}
	path := f.tempPath()

	ctx, cancel := context.WithTimeoutCause(ctx, f.cfg.Timeout, ErrTimeout)
	defer cancel()

	args := append([]string{"-f", "best", "-o", path, "--quiet"}, f.cfg.ExtraArgs...)
	args = append(args, streamURL)
	cmd := exec.CommandContext(ctx, f.cfg.Binary, args...)
	prepareCmd(cmd)
	cmd.WaitDelay = killGrace

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if err != nil {
		removeOutputs(path)
		if cause := context.Cause(ctx); cause != nil {
			if errors.Is(cause, ErrTimeout) {
				f.log.Warn("download killed after timeout", logx.Duration("timeout", f.cfg.Timeout))
				return nil, ErrTimeout
			}
			return nil, cause
		}
		tail := lastBytes(stderr.String(), stderrTail)
		f.log.Warn("downloader failed", logx.Err(err), logx.String("stderr", tail), logx.Duration("elapsed", elapsed))
		if tail == "" {
			return nil, fmt.Errorf("%w: %v", ErrExit, err)
		}
		return nil, fmt.Errorf("%w: %v: %s", ErrExit, err, tail)
	}

	st, err := os.Stat(path)
	if err != nil || st.Size() == 0 {
		removeOutputs(path)
		return nil, ErrEmptyOutput
	}
	f.log.Debug("download complete", logx.Int64("bytes", st.Size()), logx.Duration("elapsed", elapsed))
	return &Download{Path: path, Size: st.Size()}, nil
}

// Check reports whether the downloader binary is resolvable on PATH.
func (f *Fetcher) Check() error {
	if _, err := exec.LookPath(f.cfg.Binary); err != nil {
		return fmt.Errorf("missing dependency: %s is not installed or not on PATH", f.cfg.Binary)
	}
	return nil
}

func lastBytes(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
