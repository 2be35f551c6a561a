package storage

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	logx "lecturebot/pkg/logx"
)

func openTestStores(t *testing.T) map[string]func(t *testing.T) Store {
	t.Helper()
	return map[string]func(t *testing.T) Store{
		"file": func(t *testing.T) Store {
			st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "bot_config.json")}, logx.Nop())
			if err != nil {
				t.Fatalf("open file store: %v", err)
			}
			return st
		},
		"sqlite": func(t *testing.T) Store {
			st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "bot.db"), BusyTimeout: time.Second}, logx.Nop())
			if err != nil {
				t.Fatalf("open sqlite store: %v", err)
			}
			return st
		},
	}
}

func TestBatchCRUD(t *testing.T) {
	for name, open := range openTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := open(t)
			defer st.Close()

			connected := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
			b := Batch{ID: "B1", Token: "T1", ChatID: -100123, Name: "Physics", Active: true, ConnectedAt: connected}
			if err := st.PutBatch(ctx, b); err != nil {
				t.Fatalf("PutBatch: %v", err)
			}
			if err := st.PutBatch(ctx, Batch{ID: "B2", Token: "T2", ChatID: 2, Name: "Chem", ConnectedAt: connected.Add(time.Hour)}); err != nil {
				t.Fatalf("PutBatch B2: %v", err)
			}

			got, ok, err := st.GetBatch(ctx, "B1")
			if err != nil || !ok {
				t.Fatalf("GetBatch: ok=%v err=%v", ok, err)
			}
			if got.Token != "T1" || got.ChatID != -100123 || !got.Active || !got.ConnectedAt.Equal(connected) {
				t.Fatalf("unexpected batch %+v", got)
			}

			checked := connected.Add(10 * time.Minute)
			if err := st.TouchBatch(ctx, "B1", checked); err != nil {
				t.Fatalf("TouchBatch: %v", err)
			}
			got, _, _ = st.GetBatch(ctx, "B1")
			if !got.LastCheck.Equal(checked) {
				t.Fatalf("LastCheck = %v, want %v", got.LastCheck, checked)
			}
			if err := st.TouchBatch(ctx, "missing", checked); err != ErrNotFound {
				t.Fatalf("TouchBatch missing err = %v", err)
			}

			list, err := st.ListBatches(ctx)
			if err != nil {
				t.Fatalf("ListBatches: %v", err)
			}
			if len(list) != 2 || list[0].ID != "B1" || list[1].ID != "B2" {
				t.Fatalf("ListBatches = %+v", list)
			}

			deleted, err := st.DeleteBatch(ctx, "B1")
			if err != nil || !deleted {
				t.Fatalf("DeleteBatch: %v %v", deleted, err)
			}
			if deleted, _ := st.DeleteBatch(ctx, "B1"); deleted {
				t.Fatal("second delete should report false")
			}
			if _, ok, _ := st.GetBatch(ctx, "B1"); ok {
				t.Fatal("B1 still present")
			}
		})
	}
}

func TestLedgerAppendTrimOrder(t *testing.T) {
	for name, open := range openTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := open(t)
			defer st.Close()

			for _, id := range []string{"a", "b", "c", "d", "e"} {
				if err := st.AppendLedger(ctx, id); err != nil {
					t.Fatalf("AppendLedger(%s): %v", id, err)
				}
			}
			if err := st.TrimLedger(ctx, 3); err != nil {
				t.Fatalf("TrimLedger: %v", err)
			}
			got, err := st.LoadLedger(ctx)
			if err != nil {
				t.Fatalf("LoadLedger: %v", err)
			}
			if want := []string{"c", "d", "e"}; !reflect.DeepEqual(got, want) {
				t.Fatalf("ledger = %v, want %v", got, want)
			}
		})
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "bot_config.json")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = st.PutBatch(ctx, Batch{ID: "B1", Token: "T1", ChatID: 1, Active: true})
	_ = st.AppendLedger(ctx, "I1")
	if err := st.AppendAudit(ctx, AuditEntry{Actor: "test", Action: "batch.add", Target: "B1", OK: true}); err != nil {
		t.Fatalf("AppendAudit: %v", err)
	}
	_ = st.Close()

	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	if _, ok, _ := st.GetBatch(ctx, "B1"); !ok {
		t.Fatal("batch lost across reopen")
	}
	ids, _ := st.LoadLedger(ctx)
	if !reflect.DeepEqual(ids, []string{"I1"}) {
		t.Fatalf("ledger after reopen = %v", ids)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "mongo"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}
