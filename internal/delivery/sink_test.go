package delivery

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"lecturebot/internal/media"
	"lecturebot/internal/transport"
	logx "lecturebot/pkg/logx"
)

type call struct {
	op   string
	text string
}

type fakeSender struct {
	mu       sync.Mutex
	calls    []call
	docErr   error
	videoErr error
	sendErr  error
	nextID   int
	videoSaw bool // video file existed at upload time
}

func (f *fakeSender) record(op, text string) {
	f.mu.Lock()
	f.calls = append(f.calls, call{op, text})
	f.mu.Unlock()
}

func (f *fakeSender) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	f.record("text", text)
	if f.sendErr != nil {
		return transport.MessageRef{}, f.sendErr
	}
	f.nextID++
	return transport.MessageRef{ChatID: to.ChatID, MessageID: f.nextID}, nil
}

func (f *fakeSender) EditText(ctx context.Context, ref transport.MessageRef, text string, opt *transport.SendOptions) error {
	f.record("edit", text)
	return nil
}

func (f *fakeSender) Delete(ctx context.Context, ref transport.MessageRef) error {
	f.record("delete", "")
	return nil
}

func (f *fakeSender) SendDocument(ctx context.Context, to transport.ChatTarget, doc transport.Document) (transport.MessageRef, error) {
	f.record("document", doc.Caption+"|"+doc.FileName)
	return transport.MessageRef{}, f.docErr
}

func (f *fakeSender) SendVideo(ctx context.Context, to transport.ChatTarget, v transport.Video) (transport.MessageRef, error) {
	f.record("video", v.Caption)
	if _, err := os.Stat(v.Path); err == nil {
		f.videoSaw = true
	}
	return transport.MessageRef{}, f.videoErr
}

func (f *fakeSender) ops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		out = append(out, c.op)
	}
	return out
}

type fakeFetcher struct {
	dir  string
	err  error
	last string
}

func (f *fakeFetcher) Fetch(ctx context.Context, streamURL string) (*media.Download, error) {
	if f.err != nil {
		return nil, f.err
	}
	p := filepath.Join(f.dir, "lecture_test.mp4")
	if err := os.WriteFile(p, []byte("data"), 0o644); err != nil {
		return nil, err
	}
	f.last = p
	return &media.Download{Path: p, Size: 4}, nil
}

func TestSendDocumentCaption(t *testing.T) {
	tx := &fakeSender{}
	s := New(tx, nil, Config{}, logx.Nop())
	title := strings.Repeat("é", 150)
	if err := s.SendDocument(context.Background(), -100, "https://cdn/x/notes%20one.pdf", title); err != nil {
		t.Fatalf("SendDocument: %v", err)
	}
	got := tx.calls[0].text
	caption, name, _ := strings.Cut(got, "|")
	if utf8.RuneCountInString(caption) != 2+100 {
		t.Fatalf("caption has %d runes", utf8.RuneCountInString(caption))
	}
	if name != "notes one.pdf" {
		t.Fatalf("file name = %q", name)
	}

	tx.docErr = errors.New("bad request")
	if err := s.SendDocument(context.Background(), -100, "https://cdn/x.pdf", "t"); !errors.Is(err, ErrTransport) {
		t.Fatalf("err = %v, want ErrTransport", err)
	}
}

func TestDeliverVideoSuccess(t *testing.T) {
	tx := &fakeSender{}
	ff := &fakeFetcher{dir: t.TempDir()}
	s := New(tx, ff, Config{}, logx.Nop())

	if err := s.DeliverVideo(context.Background(), -100, "https://s/v.m3u8", "Kinematics"); err != nil {
		t.Fatalf("DeliverVideo: %v", err)
	}
	want := []string{"text", "edit", "video", "delete"}
	if got := tx.ops(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("ops = %v, want %v", got, want)
	}
	if !strings.HasPrefix(tx.calls[0].text, "⏳ Downloading video...\n📺 Kinematics") {
		t.Fatalf("progress text = %q", tx.calls[0].text)
	}
	if tx.calls[2].text != "🎬 Kinematics" {
		t.Fatalf("video caption = %q", tx.calls[2].text)
	}
	if !tx.videoSaw {
		t.Fatal("file missing during upload")
	}
	if _, err := os.Stat(ff.last); !os.IsNotExist(err) {
		t.Fatal("temp file not removed after delivery")
	}
}

func TestDeliverVideoDownloadFailure(t *testing.T) {
	tx := &fakeSender{}
	s := New(tx, &fakeFetcher{err: media.ErrTimeout}, Config{}, logx.Nop())

	err := s.DeliverVideo(context.Background(), -100, "https://s/v.m3u8", "t")
	if !errors.Is(err, ErrDownload) || !errors.Is(err, media.ErrTimeout) {
		t.Fatalf("err = %v", err)
	}
	if got := strings.Join(tx.ops(), ","); got != "text,delete" {
		t.Fatalf("ops = %s", got)
	}
}

func TestDeliverVideoUploadFailureReleasesFile(t *testing.T) {
	tx := &fakeSender{videoErr: errors.New("request entity too large")}
	ff := &fakeFetcher{dir: t.TempDir()}
	s := New(tx, ff, Config{}, logx.Nop())

	err := s.DeliverVideo(context.Background(), -100, "https://s/v.m3u8", "t")
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("err = %v, want ErrTransport", err)
	}
	if got := strings.Join(tx.ops(), ","); got != "text,edit,video,delete" {
		t.Fatalf("ops = %s", got)
	}
	if _, err := os.Stat(ff.last); !os.IsNotExist(err) {
		t.Fatal("temp file not removed after failed upload")
	}
}

func TestDeliverVideoWithoutProgressNotice(t *testing.T) {
	tx := &fakeSender{sendErr: errors.New("flood")}
	s := New(tx, &fakeFetcher{dir: t.TempDir()}, Config{}, logx.Nop())
	if err := s.DeliverVideo(context.Background(), -100, "https://s/v.m3u8", "t"); err != nil {
		t.Fatalf("DeliverVideo: %v", err)
	}
	if got := strings.Join(tx.ops(), ","); got != "text,video" {
		t.Fatalf("ops = %s", got)
	}
}

func TestDeliverVideoCancelledIsUnclassified(t *testing.T) {
	tx := &fakeSender{}
	s := New(tx, &fakeFetcher{err: context.Canceled}, Config{}, logx.Nop())
	err := s.DeliverVideo(context.Background(), -100, "u", "t")
	if !errors.Is(err, context.Canceled) || errors.Is(err, ErrDownload) {
		t.Fatalf("err = %v", err)
	}
}
