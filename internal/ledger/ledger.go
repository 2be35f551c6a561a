// Package ledger records which lecture items have already been delivered.
//
// The ledger is the one piece of state shared by every batch task. It owns an
// in-memory index (ordered ids + set) guarded by a single mutex, and writes
// every mutation through to its Backend before returning.
//
// Growth is bounded: once the ledger holds more than HighWater ids it is cut
// down to the LowWater most recently inserted ones. History older than that is
// forgotten on purpose.
package ledger

import (
	"context"
	"errors"
	"strings"
	"sync"

	logx "lecturebot/pkg/logx"
)

const (
	HighWater = 10000
	LowWater  = 5000
)

var ErrEmptyID = errors.New("ledger: empty item id")

// Backend is the durable side of the ledger (storage.LedgerStore satisfies it).
type Backend interface {
	LoadLedger(ctx context.Context) ([]string, error)
	AppendLedger(ctx context.Context, id string) error
	TrimLedger(ctx context.Context, keep int) error
}

type Ledger struct {
	backend Backend
	log     logx.Logger
	high    int
	low     int

	mu    sync.Mutex
	order []string
	seen  map[string]struct{}
}

type Option func(*Ledger)

// WithWatermarks overrides the trim thresholds (tests, small deployments).
func WithWatermarks(high, low int) Option {
	return func(l *Ledger) {
		if high > 0 && low >= 0 && low < high {
			l.high, l.low = high, low
		}
	}
}

func WithLogger(log logx.Logger) Option {
	return func(l *Ledger) { l.log = log }
}

// Open loads the persisted ids and applies the trim policy once, in case the
// backend was written by an older process with different limits.
func Open(ctx context.Context, backend Backend, opts ...Option) (*Ledger, error) {
	if backend == nil {
		return nil, errors.New("ledger: nil backend")
	}
	l := &Ledger{backend: backend, log: logx.Nop(), high: HighWater, low: LowWater}
	for _, o := range opts {
		o(l)
	}

	ids, err := backend.LoadLedger(ctx)
	if err != nil {
		return nil, err
	}
	l.order = make([]string, 0, len(ids))
	l.seen = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := l.seen[id]; dup || id == "" {
			continue
		}
		l.seen[id] = struct{}{}
		l.order = append(l.order, id)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.trimLocked(ctx); err != nil {
		l.log.Warn("ledger trim on open failed", logx.Err(err))
	}
	l.log.Info("ledger loaded", logx.Int("entries", len(l.order)))
	return l, nil
}

// Has reports whether id was already delivered.
func (l *Ledger) Has(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.seen[id]
	return ok
}

// MarkProcessed appends id if absent, persists it, then applies the trim policy.
// When it returns nil the id is durable.
func (l *Ledger) MarkProcessed(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrEmptyID
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.seen[id]; ok {
		return nil
	}
	if err := l.backend.AppendLedger(ctx, id); err != nil {
		return err
	}
	l.seen[id] = struct{}{}
	l.order = append(l.order, id)

	// The id itself is already durable; a failed trim is retried on the next mark.
	if err := l.trimLocked(ctx); err != nil {
		l.log.Warn("ledger trim failed", logx.Err(err), logx.Int("entries", len(l.order)))
	}
	return nil
}

// trimLocked persists the trim first and only then mirrors it in memory,
// so memory never claims less history than the backend holds.
func (l *Ledger) trimLocked(ctx context.Context) error {
	if len(l.order) <= l.high {
		return nil
	}
	if err := l.backend.TrimLedger(ctx, l.low); err != nil {
		return err
	}
	dropped := len(l.order) - l.low
	for _, id := range l.order[:dropped] {
		delete(l.seen, id)
	}
	l.order = append([]string(nil), l.order[dropped:]...)
	l.log.Info("ledger trimmed", logx.Int("dropped", dropped), logx.Int("kept", len(l.order)))
	return nil
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.order)
}

// Snapshot returns the ids in insertion order (oldest first).
func (l *Ledger) Snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.order...)
}
