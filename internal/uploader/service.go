// Package uploader runs one polling task per active batch and pushes new
// schedule items through the delivery pipeline.
package uploader

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"lecturebot/internal/catalog"
	"lecturebot/internal/eventbus"
	"lecturebot/internal/runtime/supervisor"
	"lecturebot/internal/storage"
	logx "lecturebot/pkg/logx"
)

const (
	DefaultWarmUp         = 30 * time.Second
	DefaultInterval       = 600 * time.Second
	DefaultRetryInterval  = 600 * time.Second
	DefaultDocumentPacing = 2 * time.Second
	DefaultReconcileSpec  = "@every 1m"
	DefaultStopTimeout    = 30 * time.Second
)

type Config struct {
	WarmUp         time.Duration
	Interval       time.Duration
	RetryInterval  time.Duration
	DocumentPacing time.Duration
	// ReconcileSpec is a cron spec for the reconcile job; "off" disables it.
	ReconcileSpec string
	StopTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.WarmUp < 0 {
		c.WarmUp = 0
	} else if c.WarmUp == 0 {
		c.WarmUp = DefaultWarmUp
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = DefaultRetryInterval
	}
	if c.DocumentPacing < 0 {
		c.DocumentPacing = 0
	} else if c.DocumentPacing == 0 {
		c.DocumentPacing = DefaultDocumentPacing
	}
	if strings.TrimSpace(c.ReconcileSpec) == "" {
		c.ReconcileSpec = DefaultReconcileSpec
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	return c
}

// BatchRegistry is the read side of the batch store the tasks need.
type BatchRegistry interface {
	ListBatches(ctx context.Context) ([]storage.Batch, error)
	GetBatch(ctx context.Context, id string) (storage.Batch, bool, error)
	TouchBatch(ctx context.Context, id string, at time.Time) error
}

type Catalog interface {
	FetchSchedule(ctx context.Context, batchID, token string) ([]catalog.ScheduleItem, bool)
	FetchRawMediaLocation(ctx context.Context, itemID, batchID, token string) (string, bool)
}

type StreamResolver interface {
	ResolvePlayableStream(ctx context.Context, manifestURL string) (string, bool)
}

type Delivery interface {
	SendDocument(ctx context.Context, chatID int64, docURL, title string) error
	DeliverVideo(ctx context.Context, chatID int64, streamURL, title string) error
}

type Ledger interface {
	Has(id string) bool
	MarkProcessed(ctx context.Context, id string) error
}

type Deps struct {
	Batches  BatchRegistry
	Catalog  Catalog
	Resolver StreamResolver
	Sink     Delivery
	Ledger   Ledger
	Bus      eventbus.Bus // optional
	Metrics  *Metrics     // optional
}

const (
	stateWarming    = "warming"
	stateChecking   = "checking"
	stateProcessing = "processing"
	stateSleeping   = "sleeping"
	stateRetrying   = "retrying"
)

type task struct {
	batchID string
	chatID  int64
	token   string
	sup     *supervisor.Supervisor
	started time.Time

	cycles    atomic.Uint64
	lastCycle atomic.Int64 // unix nanos, 0 = never
	state     atomic.Value // string
}

func (t *task) setState(s string) { t.state.Store(s) }

// TaskInfo is a point-in-time view of one running task.
type TaskInfo struct {
	BatchID   string    `json:"batch_id"`
	ChatID    int64     `json:"chat_id"`
	StartedAt time.Time `json:"started_at"`
	Cycles    uint64    `json:"cycles"`
	LastCycle time.Time `json:"last_cycle,omitempty"`
	State     string    `json:"state"`
}

type Service struct {
	cfg Config
	d   Deps
	log logx.Logger

	mu    sync.Mutex
	base  context.Context
	tasks map[string]*task
	cron  *cron.Cron
}

func New(cfg Config, d Deps, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:   cfg.withDefaults(),
		d:     d,
		log:   log.With(logx.String("comp", "uploader")),
		base:  context.Background(),
		tasks: map[string]*task{},
	}
}

// Start roots future tasks on ctx and schedules the reconcile job.
// It does not start any task by itself; call StartActive for that.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}
	s.base = ctx

	spec := strings.TrimSpace(s.cfg.ReconcileSpec)
	if strings.EqualFold(spec, "off") {
		return nil
	}
	cl := cronLogger{log: s.log}
	c := cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	if _, err := c.AddFunc(spec, func() {
		if err := s.Reconcile(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn("reconcile failed", logx.Err(err))
		}
	}); err != nil {
		return fmt.Errorf("uploader: reconcile spec %q: %w", spec, err)
	}
	c.Start()
	s.cron = c
	s.log.Info("reconcile job scheduled", logx.String("spec", spec))
	return nil
}

// Stop halts the reconcile job and every task.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	return s.StopAll(ctx)
}

// StartTask starts polling batchID unless a task for it already exists.
// chatID and token are fallbacks; each cycle prefers the stored batch record.
func (s *Service) StartTask(batchID string, chatID int64, token string) bool {
	batchID = strings.TrimSpace(batchID)
	if batchID == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[batchID]; exists {
		return false
	}

	t := &task{batchID: batchID, chatID: chatID, token: token, started: time.Now()}
	t.setState(stateWarming)
	log := s.log.With(logx.String("batch", batchID))
	t.sup = supervisor.New(s.base, supervisor.WithLogger(log))
	s.tasks[batchID] = t
	s.d.Metrics.taskStarted()

	t.sup.Go("uploader.task."+batchID, func(ctx context.Context) error {
		defer s.forget(t)
		return s.run(ctx, t, log)
	})
	s.publish(EventTaskStarted, TaskEvent{BatchID: batchID})
	log.Info("task started")
	return true
}

// forget drops t from the registry once its goroutine has exited.
func (s *Service) forget(t *task) {
	s.mu.Lock()
	if cur, ok := s.tasks[t.batchID]; ok && cur == t {
		delete(s.tasks, t.batchID)
	}
	s.mu.Unlock()
	s.d.Metrics.taskStopped()
	reason := "exited"
	if t.sup.Context().Err() != nil {
		reason = "cancelled"
	}
	// Detach the task context from s.base.
	t.sup.Cancel()
	s.publish(EventTaskStopped, TaskEvent{BatchID: t.batchID, Reason: reason})
}

// StopTask cancels the task for batchID and waits for it to exit, bounded by
// ctx and the configured stop timeout. Unknown ids are a no-op.
func (s *Service) StopTask(ctx context.Context, batchID string) bool {
	s.mu.Lock()
	t, ok := s.tasks[batchID]
	s.mu.Unlock()
	if !ok {
		return false
	}

	wctx, cancel := context.WithTimeout(ctx, s.cfg.StopTimeout)
	defer cancel()
	if err := t.sup.Stop(wctx); err != nil && errors.Is(err, context.DeadlineExceeded) {
		// The goroutine removes its own entry when it finally returns.
		s.log.Warn("task did not exit in time", logx.String("batch", batchID), logx.Err(err))
		return true
	}

	s.mu.Lock()
	if cur, ok := s.tasks[batchID]; ok && cur == t {
		delete(s.tasks, batchID)
	}
	s.mu.Unlock()
	s.log.Info("task stopped", logx.String("batch", batchID))
	return true
}

// StopAll stops every task concurrently and waits for all of them.
func (s *Service) StopAll(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			s.StopTask(ctx, id)
			return nil
		})
	}
	_ = g.Wait()
	if n := s.Len(); n > 0 {
		return fmt.Errorf("uploader: %d task(s) still running", n)
	}
	return nil
}

// StartActive starts a task for every active batch and reports how many started.
func (s *Service) StartActive(ctx context.Context) (int, error) {
	batches, err := s.d.Batches.ListBatches(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, b := range batches {
		if b.Active && s.StartTask(b.ID, b.ChatID, b.Token) {
			n++
		}
	}
	return n, nil
}

// Reconcile aligns running tasks with the registry: active batches without a
// task are started, tasks whose batch is gone or inactive are stopped.
func (s *Service) Reconcile(ctx context.Context) error {
	batches, err := s.d.Batches.ListBatches(ctx)
	if err != nil {
		return err
	}
	active := make(map[string]struct{}, len(batches))
	started := 0
	for _, b := range batches {
		if !b.Active {
			continue
		}
		active[b.ID] = struct{}{}
		if s.StartTask(b.ID, b.ChatID, b.Token) {
			started++
		}
	}

	stopped := 0
	for _, info := range s.Tasks() {
		if _, ok := active[info.BatchID]; ok {
			continue
		}
		if s.StopTask(ctx, info.BatchID) {
			stopped++
		}
	}
	if started > 0 || stopped > 0 {
		s.log.Info("reconciled tasks", logx.Int("started", started), logx.Int("stopped", stopped))
	}
	return nil
}

func (s *Service) Has(batchID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[batchID]
	return ok
}

func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Tasks returns running tasks sorted by batch id.
func (s *Service) Tasks() []TaskInfo {
	s.mu.Lock()
	out := make([]TaskInfo, 0, len(s.tasks))
	for _, t := range s.tasks {
		info := TaskInfo{
			BatchID:   t.batchID,
			ChatID:    t.chatID,
			StartedAt: t.started,
			Cycles:    t.cycles.Load(),
		}
		if ns := t.lastCycle.Load(); ns > 0 {
			info.LastCycle = time.Unix(0, ns)
		}
		info.State, _ = t.state.Load().(string)
		out = append(out, info)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].BatchID < out[j].BatchID })
	return out
}

func (s *Service) publish(typ string, data any) {
	if s.d.Bus == nil {
		return
	}
	s.d.Bus.Publish(eventbus.Event{Type: typ, Data: data})
}

// cronLogger routes robfig/cron's logr-style calls into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
