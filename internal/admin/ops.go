package admin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"lecturebot/internal/storage"
	logx "lecturebot/pkg/logx"
)

var (
	ErrExists     = errors.New("batch already exists")
	ErrUnverified = errors.New("batch could not be verified with this token")
	ErrInvalid    = errors.New("batch id and token are required")
)

// Ops is the batch registry write path shared by the HTTP API and the chat
// commands. Every call is audited under the given actor.
type Ops struct {
	store    Store
	verifier Verifier
	tasks    TaskControl
	log      logx.Logger
}

func NewOps(store Store, verifier Verifier, tasks TaskControl, log logx.Logger) *Ops {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Ops{store: store, verifier: verifier, tasks: tasks, log: log.With(logx.String("comp", "batches"))}
}

func (o *Ops) List(ctx context.Context) ([]storage.Batch, error) {
	return o.store.ListBatches(ctx)
}

// Add verifies the credential, stores the batch as active and starts its task.
// An empty name is taken from the catalog.
func (o *Ops) Add(ctx context.Context, actor, batchID, token string, chatID int64, name string) (b storage.Batch, started bool, err error) {
	batchID, token = strings.TrimSpace(batchID), strings.TrimSpace(token)
	defer func() { o.audit(ctx, actor, "batch.add", batchID, err, fmt.Sprintf("channel=%d", chatID)) }()

	if batchID == "" || token == "" || chatID == 0 {
		return b, false, ErrInvalid
	}
	_, exists, err := o.store.GetBatch(ctx, batchID)
	if err != nil {
		return b, false, err
	}
	if exists {
		return b, false, ErrExists
	}
	details, found := o.verifier.FetchBatchDetails(ctx, batchID, token)
	if !found {
		return b, false, ErrUnverified
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = details.Name
	}
	if name == "" {
		name = batchID
	}

	b = storage.Batch{ID: batchID, Token: token, ChatID: chatID, Name: name, Active: true, ConnectedAt: time.Now().UTC()}
	if err := o.store.PutBatch(ctx, b); err != nil {
		return storage.Batch{}, false, err
	}
	started = o.tasks.StartTask(b.ID, b.ChatID, b.Token)
	o.log.Info("batch added", logx.String("batch", batchID), logx.String("name", name), logx.Bool("task_started", started))
	return b, started, nil
}

// Delete stops the batch's task and removes the record.
func (o *Ops) Delete(ctx context.Context, actor, batchID string) (err error) {
	defer func() { o.audit(ctx, actor, "batch.delete", batchID, err, "") }()
	o.tasks.StopTask(ctx, batchID)
	removed, err := o.store.DeleteBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if !removed {
		return storage.ErrNotFound
	}
	o.log.Info("batch deleted", logx.String("batch", batchID))
	return nil
}

// Toggle flips the active flag and starts or stops the task to match.
func (o *Ops) Toggle(ctx context.Context, actor, batchID string) (active bool, err error) {
	defer func() { o.audit(ctx, actor, "batch.toggle", batchID, err, fmt.Sprintf("active=%t", active)) }()
	b, found, err := o.store.GetBatch(ctx, batchID)
	if err != nil {
		return false, err
	}
	if !found {
		return false, storage.ErrNotFound
	}
	b.Active = !b.Active
	if err := o.store.PutBatch(ctx, b); err != nil {
		return !b.Active, err
	}
	if b.Active {
		o.tasks.StartTask(b.ID, b.ChatID, b.Token)
	} else {
		o.tasks.StopTask(ctx, b.ID)
	}
	o.log.Info("batch toggled", logx.String("batch", batchID), logx.Bool("active", b.Active))
	return b.Active, nil
}

// UpdateToken re-verifies and stores a new credential. A running task is
// restarted so it picks the token up immediately.
func (o *Ops) UpdateToken(ctx context.Context, actor, batchID, token string) (err error) {
	token = strings.TrimSpace(token)
	defer func() { o.audit(ctx, actor, "batch.token", batchID, err, "") }()
	if token == "" {
		return ErrInvalid
	}
	b, found, err := o.store.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if !found {
		return storage.ErrNotFound
	}
	if _, verified := o.verifier.FetchBatchDetails(ctx, batchID, token); !verified {
		return ErrUnverified
	}
	b.Token = token
	if err := o.store.PutBatch(ctx, b); err != nil {
		return err
	}
	if b.Active && o.tasks.StopTask(ctx, batchID) {
		o.tasks.StartTask(b.ID, b.ChatID, b.Token)
	}
	o.log.Info("batch token updated", logx.String("batch", batchID))
	return nil
}

func (o *Ops) audit(ctx context.Context, actor, action, target string, err error, details string) {
	e := storage.AuditEntry{
		At:      time.Now().UTC(),
		Actor:   actor,
		Action:  action,
		Target:  target,
		OK:      err == nil,
		Details: details,
	}
	if err != nil {
		e.Error = err.Error()
	}
	// Written even if the caller has gone away.
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if aerr := o.store.AppendAudit(actx, e); aerr != nil {
		o.log.Warn("audit write failed", logx.String("action", action), logx.Err(aerr))
	}
}
