package router

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"lecturebot/internal/admin"
	"lecturebot/internal/storage"
	kit "lecturebot/internal/transport"
	"lecturebot/internal/uploader"
	logx "lecturebot/pkg/logx"
)

type sent struct {
	chat int64
	text string
}

type fakeSender struct {
	mu      sync.Mutex
	sent    []sent
	deleted []kit.MessageRef
	notify  chan struct{}
}

func newFakeSender() *fakeSender { return &fakeSender{notify: make(chan struct{}, 64)} }

func (f *fakeSender) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	f.sent = append(f.sent, sent{chat: to.ChatID, text: text})
	n := len(f.sent)
	f.mu.Unlock()
	select {
	case f.notify <- struct{}{}:
	default:
	}
	return kit.MessageRef{ChatID: to.ChatID, MessageID: n}, nil
}

func (f *fakeSender) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	return nil
}

func (f *fakeSender) Delete(ctx context.Context, ref kit.MessageRef) error {
	f.mu.Lock()
	f.deleted = append(f.deleted, ref)
	f.mu.Unlock()
	return nil
}

func (f *fakeSender) SendDocument(ctx context.Context, to kit.ChatTarget, doc kit.Document) (kit.MessageRef, error) {
	return kit.MessageRef{}, nil
}

func (f *fakeSender) SendVideo(ctx context.Context, to kit.ChatTarget, v kit.Video) (kit.MessageRef, error) {
	return kit.MessageRef{}, nil
}

func (f *fakeSender) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return ""
	}
	return f.sent[len(f.sent)-1].text
}

type fakeOps struct {
	batches map[string]storage.Batch
	actor   string
}

func (o *fakeOps) List(ctx context.Context) ([]storage.Batch, error) {
	var out []storage.Batch
	for _, b := range o.batches {
		out = append(out, b)
	}
	return out, nil
}

func (o *fakeOps) Add(ctx context.Context, actor, batchID, token string, chatID int64, name string) (storage.Batch, bool, error) {
	o.actor = actor
	if _, ok := o.batches[batchID]; ok {
		return storage.Batch{}, false, admin.ErrExists
	}
	if token != "good" {
		return storage.Batch{}, false, admin.ErrUnverified
	}
	b := storage.Batch{ID: batchID, Token: token, ChatID: chatID, Name: "Arjuna JEE", Active: true}
	o.batches[batchID] = b
	return b, true, nil
}

func (o *fakeOps) Delete(ctx context.Context, actor, batchID string) error {
	if _, ok := o.batches[batchID]; !ok {
		return storage.ErrNotFound
	}
	delete(o.batches, batchID)
	return nil
}

func (o *fakeOps) Toggle(ctx context.Context, actor, batchID string) (bool, error) {
	b, ok := o.batches[batchID]
	if !ok {
		return false, storage.ErrNotFound
	}
	b.Active = !b.Active
	o.batches[batchID] = b
	return b.Active, nil
}

func (o *fakeOps) UpdateToken(ctx context.Context, actor, batchID, token string) error {
	b, ok := o.batches[batchID]
	if !ok {
		return storage.ErrNotFound
	}
	b.Token = token
	o.batches[batchID] = b
	return nil
}

type fakeTasks []uploader.TaskInfo

func (f fakeTasks) Tasks() []uploader.TaskInfo { return f }

type fakeLedger int

func (l fakeLedger) Len() int { return int(l) }

const ownerID = 1001

func newTestManager(t *testing.T) (*CommandManager, *fakeSender, *fakeOps) {
	t.Helper()
	s := newFakeSender()
	ops := &fakeOps{batches: map[string]storage.Batch{}}
	m := NewCommandManager(logx.Nop(), s, []int64{ownerID})
	m.Register(Builtins(Deps{
		Batches: ops,
		Tasks:   fakeTasks{{BatchID: "B1", State: "sleeping", Cycles: 3}},
		Ledger:  fakeLedger(42),
	})...)
	return m, s, ops
}

func msg(from int64, text string) kit.Update {
	return kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ID: 7, ChatID: -500, FromID: from, Text: text}}
}

// send routes one message and runs the queued job, if any, inline.
func send(t *testing.T, m *CommandManager, from int64, text string) {
	t.Helper()
	m.routeMessage(context.Background(), msg(from, text))
	select {
	case job := <-m.jobs:
		job()
	default:
	}
}

func TestStartAndUnknown(t *testing.T) {
	m, s, _ := newTestManager(t)
	send(t, m, 5, "/start@LectureBot")
	if s.last() != startText {
		t.Fatalf("start reply = %q", s.last())
	}
	send(t, m, 5, "/nope")
	if !strings.Contains(s.last(), "Unknown command") {
		t.Fatalf("unknown reply = %q", s.last())
	}
	n := len(s.sent)
	send(t, m, 5, "plain text")
	if len(s.sent) != n {
		t.Fatal("non-command text produced a reply")
	}
}

func TestOwnerOnlyAccess(t *testing.T) {
	m, s, _ := newTestManager(t)
	send(t, m, 5, "/status")
	if s.last() != "❌ Unauthorized" {
		t.Fatalf("non-owner reply = %q", s.last())
	}
	send(t, m, ownerID, "/status")
	got := s.last()
	if !strings.Contains(got, "Processed items: 42") || !strings.Contains(got, "B1  sleeping  cycles=3") {
		t.Fatalf("status reply = %q", got)
	}

	m.SetOwners([]int64{5})
	send(t, m, 5, "/status")
	if !strings.HasPrefix(s.last(), "📊 Status") {
		t.Fatalf("owner swap not applied: %q", s.last())
	}
	send(t, m, ownerID, "/status")
	if s.last() != "❌ Unauthorized" {
		t.Fatalf("old owner still allowed: %q", s.last())
	}
}

func TestListBatches(t *testing.T) {
	m, s, ops := newTestManager(t)
	send(t, m, 5, "/listbatches")
	if s.last() != "📭 No batches connected" {
		t.Fatalf("empty list = %q", s.last())
	}
	ops.batches["B1"] = storage.Batch{ID: "B1", Name: "Arjuna JEE", Active: true}
	send(t, m, 5, "/listbatches")
	want := "📚 Connected Batches:\n\n• Arjuna JEE\n  Status: 🟢 Active"
	if s.last() != want {
		t.Fatalf("list = %q, want %q", s.last(), want)
	}
}

func TestConnectDefaultsToCurrentChatAndDeletesMessage(t *testing.T) {
	m, s, ops := newTestManager(t)
	send(t, m, ownerID, "/connect B1 good")
	b, ok := ops.batches["B1"]
	if !ok {
		t.Fatalf("batch not added; last reply %q", s.last())
	}
	if b.ChatID != -500 {
		t.Fatalf("chat = %d, want current chat", b.ChatID)
	}
	if ops.actor != "telegram:1001" {
		t.Fatalf("actor = %q", ops.actor)
	}
	if !strings.HasPrefix(s.last(), "✅ Connected Successfully!") {
		t.Fatalf("reply = %q", s.last())
	}
	if len(s.deleted) != 1 || s.deleted[0].MessageID != 7 {
		t.Fatalf("token message not deleted: %+v", s.deleted)
	}

	send(t, m, ownerID, "/connect B2 bad -1009")
	if s.last() != "❌ Failed to connect. Invalid token or batch ID." {
		t.Fatalf("bad token reply = %q", s.last())
	}
	send(t, m, ownerID, "/connect B1 good")
	if s.last() != "❌ Batch already connected" {
		t.Fatalf("duplicate reply = %q", s.last())
	}
	send(t, m, ownerID, "/connect B3 good notanumber")
	if s.last() != "❌ Invalid channel id" {
		t.Fatalf("bad channel reply = %q", s.last())
	}
}

func TestToggleRemoveUpdateToken(t *testing.T) {
	m, s, ops := newTestManager(t)
	ops.batches["B1"] = storage.Batch{ID: "B1", Name: "n", Active: true}

	send(t, m, ownerID, "/toggle B1")
	if s.last() != "Status: 🔴 Inactive" {
		t.Fatalf("toggle reply = %q", s.last())
	}
	send(t, m, ownerID, "/updatetoken B1 fresh")
	if ops.batches["B1"].Token != "fresh" {
		t.Fatal("token not updated")
	}
	send(t, m, ownerID, "/remove B1")
	if s.last() != "✅ Batch removed" {
		t.Fatalf("remove reply = %q", s.last())
	}
	send(t, m, ownerID, "/remove B1")
	if s.last() != "❌ Batch not found" {
		t.Fatalf("missing reply = %q", s.last())
	}
	send(t, m, ownerID, "/toggle")
	if !strings.HasPrefix(s.last(), "Usage:") {
		t.Fatalf("usage reply = %q", s.last())
	}
}

func TestHelpHidesOwnerCommands(t *testing.T) {
	m, s, _ := newTestManager(t)
	send(t, m, 5, "/help")
	if strings.Contains(s.last(), "/connect") {
		t.Fatalf("non-owner help lists owner commands: %q", s.last())
	}
	if !strings.Contains(s.last(), "/listbatches") {
		t.Fatalf("help misses public command: %q", s.last())
	}
	send(t, m, ownerID, "/help")
	if !strings.Contains(s.last(), "/connect &lt;batch_id&gt;") {
		t.Fatalf("owner help misses usage: %q", s.last())
	}
}

func TestHandlerPanicIsReported(t *testing.T) {
	m, s, _ := newTestManager(t)
	m.Register(Command{Name: "boom", Handle: func(ctx context.Context, req *Request) error { panic("kaput") }})
	send(t, m, 5, "/boom")
	if s.last() != "⚠️ Command failed, see logs" {
		t.Fatalf("panic reply = %q", s.last())
	}
}

func TestDispatchLoop(t *testing.T) {
	m, s, _ := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan kit.Update, 1)
	done := make(chan error, 1)
	go func() { done <- m.DispatchLoop(ctx, updates) }()

	updates <- msg(5, "/start")
	select {
	case <-s.notify:
	case <-time.After(2 * time.Second):
		t.Fatal("no reply from dispatcher")
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("DispatchLoop: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
	if m.tryEnqueue(func() {}) {
		t.Fatal("enqueue accepted after shutdown")
	}
}

type fakeMenu struct {
	desc  map[string]string
	order []string
}

func (f *fakeMenu) SetCommands(ctx context.Context, cmds map[string]string, order []string) error {
	f.desc, f.order = cmds, order
	return nil
}

func TestPublishMenu(t *testing.T) {
	m, _, _ := newTestManager(t)
	p := &fakeMenu{}
	m.PublishMenu(context.Background(), p)
	if len(p.order) == 0 || p.order[0] != "help" {
		t.Fatalf("order = %v", p.order)
	}
	if p.desc["connect"] != "🔒 Connect a batch" {
		t.Fatalf("connect desc = %q", p.desc["connect"])
	}
	if p.desc["start"] != "About this bot" {
		t.Fatalf("start desc = %q", p.desc["start"])
	}
}

func TestTokenize(t *testing.T) {
	got := tokenizeCommandLine(`/connect B1 "eyJ a b" -100`)
	want := []string{"/connect", "B1", "eyJ a b", "-100"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("tokens = %q", got)
	}
	if w := commandWord("/ListBatches@lecture_bot"); w != "listbatches" {
		t.Fatalf("commandWord = %q", w)
	}
	if s := sanitizeTelegramCommand("List-Batches now"); s != "list_batches_now" {
		t.Fatalf("sanitize = %q", s)
	}
}
