// Package delivery posts documents and downloaded videos to a chat.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"lecturebot/internal/media"
	"lecturebot/internal/transport"
	logx "lecturebot/pkg/logx"
)

const (
	DefaultUploadTimeout  = 300 * time.Second
	DefaultCleanupTimeout = 10 * time.Second

	documentCaptionRunes = 100
	videoCaptionRunes    = 200
	progressTitleRunes   = 50
)

var (
	// ErrDownload marks a failed fetch of the video stream.
	ErrDownload = errors.New("delivery: download failed")
	// ErrTransport marks a chat transport failure.
	ErrTransport = errors.New("delivery: transport failed")
)

// Fetcher produces a local file from a stream URL.
type Fetcher interface {
	Fetch(ctx context.Context, streamURL string) (*media.Download, error)
}

type Config struct {
	UploadTimeout  time.Duration
	CleanupTimeout time.Duration
}

type Sink struct {
	tx      transport.Sender
	fetcher Fetcher
	cfg     Config
	log     logx.Logger
}

func New(tx transport.Sender, fetcher Fetcher, cfg Config, log logx.Logger) *Sink {
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = DefaultUploadTimeout
	}
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = DefaultCleanupTimeout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sink{tx: tx, fetcher: fetcher, cfg: cfg, log: log.With(logx.String("comp", "delivery"))}
}

// SendDocument lets the transport fetch url and post it with a title caption.
func (s *Sink) SendDocument(ctx context.Context, chatID int64, docURL, title string) error {
	_, err := s.tx.SendDocument(ctx, transport.ChatTarget{ChatID: chatID}, transport.Document{
		URL:      docURL,
		FileName: fileName(docURL),
		Caption:  "📄 " + clip(title, documentCaptionRunes),
	})
	if err != nil {
		return fmt.Errorf("%w: send document: %w", ErrTransport, err)
	}
	return nil
}

// DeliverVideo downloads streamURL and uploads it to chatID, keeping a
// progress message up to date while it works. The local file is always
// released before returning.
func (s *Sink) DeliverVideo(ctx context.Context, chatID int64, streamURL, title string) (err error) {
	to := transport.ChatTarget{ChatID: chatID}
	short := clip(title, progressTitleRunes)

	progress, perr := s.tx.SendText(ctx, to, "⏳ Downloading video...\n📺 "+short, nil)
	if perr != nil {
		// The notice is cosmetic; keep going without it.
		s.log.Warn("progress notice failed", logx.Int64("chat", chatID), logx.Err(perr))
	}
	hasProgress := perr == nil
	defer func() {
		if err != nil && hasProgress {
			s.dropProgress(ctx, progress)
		}
	}()

	dl, ferr := s.fetcher.Fetch(ctx, streamURL)
	if ferr != nil {
		if errors.Is(ferr, context.Canceled) {
			return ferr
		}
		return fmt.Errorf("%w: %w", ErrDownload, ferr)
	}
	defer dl.Close()

	if hasProgress {
		if eerr := s.tx.EditText(ctx, progress, "📤 Uploading to Telegram...\n📺 "+short, nil); eerr != nil {
			s.log.Debug("progress edit failed", logx.Err(eerr))
		}
	}

	if _, verr := s.tx.SendVideo(ctx, to, transport.Video{
		Path:    dl.Path,
		Caption: "🎬 " + clip(title, videoCaptionRunes),
		Timeout: s.cfg.UploadTimeout,
	}); verr != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: send video: %w", ErrTransport, verr)
	}

	if hasProgress {
		s.dropProgress(ctx, progress)
	}
	s.log.Info("video delivered", logx.Int64("chat", chatID), logx.Int64("bytes", dl.Size))
	return nil
}

// dropProgress deletes the notice even when ctx is already cancelled.
func (s *Sink) dropProgress(ctx context.Context, ref transport.MessageRef) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.CleanupTimeout)
	defer cancel()
	if err := s.tx.Delete(cctx, ref); err != nil {
		s.log.Debug("progress delete failed", logx.Err(err))
	}
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func fileName(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	base := path.Base(u.Path)
	if base == "." || base == "/" {
		return ""
	}
	if un, err := url.PathUnescape(base); err == nil {
		base = un
	}
	return strings.TrimSpace(base)
}
