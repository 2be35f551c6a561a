package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "lecturebot/pkg/logx"
)

// fileStore keeps the whole state in one JSON document:
//
//	{ "batches": { "<id>": {...} }, "processed_lectures": ["<id>", ...] }
//
// Every mutation rewrites the document via tmp+rename before returning, so a
// crash never leaves a half-written file behind. Audit entries go to a
// separate append-only JSON Lines file next to it.
type fileStore struct {
	log  logx.Logger
	path string

	mu        sync.Mutex
	doc       fileDoc
	auditFile *os.File
}

type fileDoc struct {
	Batches   map[string]Batch `json:"batches"`
	Processed []string         `json:"processed_lectures"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	doc := fileDoc{Batches: map[string]Batch{}}
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(b, &doc); err != nil {
			return nil, err
		}
		if doc.Batches == nil {
			doc.Batches = map[string]Batch{}
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, err
	}

	af, err := os.OpenFile(auditPath(path), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	log.Debug("file store opened", logx.String("path", path), logx.Int("batches", len(doc.Batches)), logx.Int("processed", len(doc.Processed)))
	return &fileStore{log: log, path: path, doc: doc, auditFile: af}, nil
}

func auditPath(path string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + ".audit.jsonl"
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return nil
	}
	err := s.auditFile.Close()
	s.auditFile = nil
	return err
}

// saveLocked writes the document atomically. Caller holds mu.
func (s *fileStore) saveLocked() error {
	if s.auditFile == nil {
		return ErrClosed
	}
	b, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *fileStore) ListBatches(ctx context.Context) ([]Batch, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Batch, 0, len(s.doc.Batches))
	for id, b := range s.doc.Batches {
		b.ID = id
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ConnectedAt.Before(out[j].ConnectedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *fileStore) GetBatch(ctx context.Context, id string) (Batch, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.doc.Batches[id]
	if !ok {
		return Batch{}, false, nil
	}
	b.ID = id
	return b, true, nil
}

func (s *fileStore) PutBatch(ctx context.Context, b Batch) error {
	_ = ctx
	if strings.TrimSpace(b.ID) == "" {
		return errors.New("batch id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.doc.Batches[b.ID]
	s.doc.Batches[b.ID] = b
	if err := s.saveLocked(); err != nil {
		if had {
			s.doc.Batches[b.ID] = prev
		} else {
			delete(s.doc.Batches, b.ID)
		}
		return err
	}
	return nil
}

func (s *fileStore) DeleteBatch(ctx context.Context, id string) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.doc.Batches[id]
	if !ok {
		return false, nil
	}
	delete(s.doc.Batches, id)
	if err := s.saveLocked(); err != nil {
		s.doc.Batches[id] = prev
		return false, err
	}
	return true, nil
}

func (s *fileStore) TouchBatch(ctx context.Context, id string, at time.Time) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.doc.Batches[id]
	if !ok {
		return ErrNotFound
	}
	prev := b.LastCheck
	b.LastCheck = at
	s.doc.Batches[id] = b
	if err := s.saveLocked(); err != nil {
		b.LastCheck = prev
		s.doc.Batches[id] = b
		return err
	}
	return nil
}

func (s *fileStore) LoadLedger(ctx context.Context) ([]string, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.doc.Processed...), nil
}

func (s *fileStore) AppendLedger(ctx context.Context, id string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Processed = append(s.doc.Processed, id)
	if err := s.saveLocked(); err != nil {
		s.doc.Processed = s.doc.Processed[:len(s.doc.Processed)-1]
		return err
	}
	return nil
}

func (s *fileStore) TrimLedger(ctx context.Context, keep int) error {
	_ = ctx
	if keep < 0 {
		keep = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.doc.Processed)
	if n <= keep {
		return nil
	}
	prev := s.doc.Processed
	s.doc.Processed = append([]string(nil), prev[n-keep:]...)
	if err := s.saveLocked(); err != nil {
		s.doc.Processed = prev
		return err
	}
	return nil
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}
