package ledger

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"sync"
	"testing"

	"lecturebot/internal/storage"
	logx "lecturebot/pkg/logx"
)

// memBackend is an in-memory Backend that can be told to fail.
type memBackend struct {
	mu        sync.Mutex
	ids       []string
	appendErr error
	trimErr   error
	appends   int
}

func (b *memBackend) LoadLedger(ctx context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.ids...), nil
}

func (b *memBackend) AppendLedger(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.appendErr != nil {
		return b.appendErr
	}
	b.appends++
	b.ids = append(b.ids, id)
	return nil
}

func (b *memBackend) TrimLedger(ctx context.Context, keep int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.trimErr != nil {
		return b.trimErr
	}
	if len(b.ids) > keep {
		b.ids = append([]string(nil), b.ids[len(b.ids)-keep:]...)
	}
	return nil
}

func TestMarkProcessedIdempotent(t *testing.T) {
	ctx := context.Background()
	be := &memBackend{}
	l, err := Open(ctx, be)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if l.Has("I1") {
		t.Fatal("empty ledger reports I1")
	}
	for i := 0; i < 3; i++ {
		if err := l.MarkProcessed(ctx, "I1"); err != nil {
			t.Fatalf("MarkProcessed: %v", err)
		}
	}
	if !l.Has("I1") || l.Len() != 1 || be.appends != 1 {
		t.Fatalf("has=%v len=%d appends=%d", l.Has("I1"), l.Len(), be.appends)
	}
	if err := l.MarkProcessed(ctx, "  "); !errors.Is(err, ErrEmptyID) {
		t.Fatalf("empty id err = %v", err)
	}
}

func TestTrimKeepsMostRecentLowWater(t *testing.T) {
	ctx := context.Background()
	be := &memBackend{}
	l, err := Open(ctx, be)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < HighWater; i++ {
		if err := l.MarkProcessed(ctx, fmt.Sprintf("id-%05d", i)); err != nil {
			t.Fatalf("MarkProcessed: %v", err)
		}
	}
	if l.Len() != HighWater {
		t.Fatalf("len = %d before crossing high water", l.Len())
	}

	if err := l.MarkProcessed(ctx, "id-10000"); err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}
	if l.Len() != LowWater {
		t.Fatalf("len = %d after trim, want %d", l.Len(), LowWater)
	}

	snap := l.Snapshot()
	if snap[0] != "id-05001" || snap[len(snap)-1] != "id-10000" {
		t.Fatalf("retained window = [%s .. %s]", snap[0], snap[len(snap)-1])
	}
	if l.Has("id-05000") || !l.Has("id-05001") {
		t.Fatal("membership does not match retained window")
	}
	persisted, _ := be.LoadLedger(ctx)
	if !reflect.DeepEqual(persisted, snap) {
		t.Fatal("backend and memory disagree after trim")
	}
}

func TestAppendFailureLeavesItemUnmarked(t *testing.T) {
	ctx := context.Background()
	be := &memBackend{}
	l, _ := Open(ctx, be)
	be.appendErr = errors.New("disk full")
	if err := l.MarkProcessed(ctx, "I1"); err == nil {
		t.Fatal("expected append error")
	}
	if l.Has("I1") {
		t.Fatal("item marked although persistence failed")
	}
}

func TestTrimFailureKeepsMemoryUntrimmed(t *testing.T) {
	ctx := context.Background()
	be := &memBackend{}
	l, _ := Open(ctx, be, WithWatermarks(4, 2), WithLogger(logx.Nop()))
	be.trimErr = errors.New("locked")
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		if err := l.MarkProcessed(ctx, id); err != nil {
			t.Fatalf("MarkProcessed(%s): %v", id, err)
		}
	}
	if l.Len() != 5 {
		t.Fatalf("len = %d, want 5 while trim keeps failing", l.Len())
	}
	be.trimErr = nil
	_ = l.MarkProcessed(ctx, "f")
	if got := l.Snapshot(); !reflect.DeepEqual(got, []string{"e", "f"}) {
		t.Fatalf("snapshot = %v", got)
	}
}

func TestOpenTrimsOversizedBackend(t *testing.T) {
	ctx := context.Background()
	be := &memBackend{ids: []string{"a", "b", "a", "c", "d", "e"}}
	l, err := Open(ctx, be, WithWatermarks(4, 3))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got := l.Snapshot(); !reflect.DeepEqual(got, []string{"c", "d", "e"}) {
		t.Fatalf("snapshot = %v", got)
	}
}

func TestConcurrentMarksAreSerialized(t *testing.T) {
	ctx := context.Background()
	be := &memBackend{}
	l, _ := Open(ctx, be, WithWatermarks(100, 50))

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 40; i++ {
				_ = l.MarkProcessed(ctx, fmt.Sprintf("w%d-%d", w, i))
			}
		}(w)
	}
	wg.Wait()
	if l.Len() > 100 {
		t.Fatalf("len = %d exceeds high water", l.Len())
	}
	persisted, _ := be.LoadLedger(ctx)
	if !reflect.DeepEqual(persisted, l.Snapshot()) {
		t.Fatal("backend and memory diverged under concurrency")
	}
}

func TestLedgerOverFileStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "bot_config.json")
	st, err := storage.Open(storage.Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	l, _ := Open(ctx, st)
	_ = l.MarkProcessed(ctx, "I1")
	_ = st.Close()

	st, _ = storage.Open(storage.Config{Driver: "file", Path: path}, logx.Nop())
	defer st.Close()
	l, _ = Open(ctx, st)
	if !l.Has("I1") {
		t.Fatal("mark not durable across restart")
	}
}
