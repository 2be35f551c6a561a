// Package admin serves the operator HTTP API: batch registry writes, task
// status, Prometheus metrics and optional pprof.
package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/secure"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"lecturebot/internal/catalog"
	rtsup "lecturebot/internal/runtime/supervisor"
	"lecturebot/internal/storage"
	"lecturebot/internal/uploader"
	logx "lecturebot/pkg/logx"
)

const DefaultAddr = "127.0.0.1:8089"

// Config controls the admin HTTP server.
//
// Security:
//   - Prefer binding to localhost (default).
//   - A non-loopback address requires Token unless AllowInsecure is set.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Store is the registry the API edits.
type Store interface {
	storage.BatchStore
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

// Verifier checks a batch credential against the catalog.
type Verifier interface {
	FetchBatchDetails(ctx context.Context, batchID, token string) (catalog.BatchDetails, bool)
}

// TaskControl is the subset of the uploader the API drives.
type TaskControl interface {
	StartTask(batchID string, chatID int64, token string) bool
	StopTask(ctx context.Context, batchID string) bool
	Tasks() []uploader.TaskInfo
}

type Deps struct {
	Store    Store
	Verifier Verifier
	Tasks    TaskControl
	Ledger   interface{ Len() int } // optional
	Gatherer prometheus.Gatherer    // optional; defaults to the global registry
}

type Service struct {
	mu  sync.Mutex
	log logx.Logger
	cfg Config
	d   Deps
	ops *Ops

	engine   *gin.Engine
	srv      *http.Server
	ln       net.Listener
	sup      *rtsup.Supervisor
	started  time.Time
	stopDone chan struct{}
}

func New(cfg Config, d Deps, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if d.Gatherer == nil {
		d.Gatherer = prometheus.DefaultGatherer
	}
	s := &Service{cfg: cfg, d: d, log: log.With(logx.String("comp", "admin")), started: time.Now()}
	s.ops = NewOps(d.Store, d.Verifier, d.Tasks, log)
	s.engine = s.routes()
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Service) Handler() http.Handler { return s.engine }

func (s *Service) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog(), secure.New(secure.Config{
		FrameDeny:          true,
		ContentTypeNosniff: true,
		ReferrerPolicy:     "no-referrer",
	}))

	r.GET("/healthz", s.healthz)

	authed := r.Group("/", s.auth())
	authed.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.d.Gatherer, promhttp.HandlerOpts{})))

	api := authed.Group("/api")
	api.GET("/batches", s.listBatches)
	api.POST("/batches", s.addBatch)
	api.DELETE("/batches/:id", s.deleteBatch)
	api.POST("/batches/:id/toggle", s.toggleBatch)
	api.POST("/batches/:id/token", s.updateToken)
	api.GET("/tasks", s.listTasks)

	if s.cfg.Pprof {
		authed.GET("/debug/pprof/*name", gin.WrapF(pprofHandler))
		authed.POST("/debug/pprof/*name", gin.WrapF(pprofHandler))
	}
	return r
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		s.mu.Lock()
		if s.stopDone != nil {
			done := s.stopDone
			s.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				return
			}
			continue
		}
		if s.sup != nil || !s.cfg.Enabled {
			s.mu.Unlock()
			return
		}
		s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
		sup := s.sup
		s.mu.Unlock()

		sup.GoRestart("admin.http", s.serveOnce, 500*time.Millisecond, 10*time.Second)
		return
	}
}

func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.sup == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	srv, sup := s.srv, s.sup
	s.mu.Unlock()

	go func() {
		defer close(done)
		if srv != nil {
			_ = srv.Shutdown(ctx)
			_ = srv.Close()
		}
		sup.Cancel()
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.srv, s.ln, s.sup, s.stopDone = nil, nil, nil, nil
		s.mu.Unlock()
		s.log.Info("admin server stopped")
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

func (s *Service) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cur := s.cfg
	s.mu.Unlock()

	addr := strings.TrimSpace(cur.Addr)
	if addr == "" {
		addr = DefaultAddr
	}
	if !cur.AllowInsecure && cur.Token == "" && !isLoopbackAddr(addr) {
		s.log.Error("admin refused to start: non-loopback addr requires token or allow_insecure", logx.String("addr", addr))
		<-ctx.Done()
		return context.Canceled
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:      s.engine,
		ReadTimeout:  cur.ReadTimeout,
		WriteTimeout: cur.WriteTimeout,
		IdleTimeout:  cur.IdleTimeout,
	}
	defer func() { _ = srv.Close() }()

	s.mu.Lock()
	s.ln, s.srv = ln, srv
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("admin server started", logx.String("addr", ln.Addr().String()),
		logx.Bool("token_set", cur.Token != ""), logx.Bool("pprof", cur.Pprof))
	err = srv.Serve(ln)

	s.mu.Lock()
	if s.srv == srv {
		s.srv, s.ln = nil, nil
	}
	stopping := s.stopDone != nil
	s.mu.Unlock()

	if stopping || ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("admin server exited unexpectedly")
	}
	return err
}

// Addr returns the bound listener address, or "" when not serving.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	host = strings.Trim(host, "[]")
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
