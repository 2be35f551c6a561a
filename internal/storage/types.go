package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("storage: not found")
	ErrClosed   = errors.New("storage: closed")
)

// Config configures storage.
//
// Driver values:
//   - "file": JSON document at Path (plus <Path>.audit.jsonl)
//   - "sqlite": SQLite database file at Path
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Batch is one configured content source.
type Batch struct {
	ID          string    `json:"-"`
	Token       string    `json:"token"`
	ChatID      int64     `json:"channel_id"`
	Name        string    `json:"name"`
	Active      bool      `json:"active"`
	ConnectedAt time.Time `json:"connected_at"`
	LastCheck   time.Time `json:"last_check,omitempty"`
}

// AuditEntry records an operator action.
type AuditEntry struct {
	At      time.Time `json:"at"`
	Actor   string    `json:"actor"`
	Action  string    `json:"action"`
	Target  string    `json:"target"`
	OK      bool      `json:"ok"`
	Error   string    `json:"error,omitempty"`
	Details string    `json:"details,omitempty"`
}

// BatchStore is the registry half of the store.
type BatchStore interface {
	ListBatches(ctx context.Context) ([]Batch, error)
	GetBatch(ctx context.Context, id string) (Batch, bool, error)
	PutBatch(ctx context.Context, b Batch) error
	DeleteBatch(ctx context.Context, id string) (bool, error)
	TouchBatch(ctx context.Context, id string, at time.Time) error
}

// LedgerStore persists the processed-item ids in insertion order.
type LedgerStore interface {
	LoadLedger(ctx context.Context) ([]string, error)
	AppendLedger(ctx context.Context, id string) error
	// TrimLedger drops the oldest entries so that at most keep remain.
	TrimLedger(ctx context.Context, keep int) error
}

type Store interface {
	BatchStore
	LedgerStore
	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}
