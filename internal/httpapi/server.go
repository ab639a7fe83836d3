// Package httpapi exposes token registration to devices and event intake
// plus reconciliation control to internal services.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"chatpush/internal/dispatch"
	"chatpush/internal/reconcile"
	"chatpush/internal/task/scheduler"
	"chatpush/internal/tokens"
	logx "chatpush/pkg/logx"
)

type Tokens interface {
	Register(ctx context.Context, userID, endpoint string) (tokens.Result, error)
	Evict(ctx context.Context, userID, endpoint string) (bool, error)
	Snapshot(ctx context.Context, userID string) ([]string, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, ev dispatch.Event) (dispatch.Report, error)
}

type Reconciler interface {
	Run(ctx context.Context) (reconcile.Stats, error)
	Last() (reconcile.Stats, bool)
}

// Schedules exposes the timing of scheduled jobs.
type Schedules interface {
	Entries() []scheduler.Entry
}

const (
	DefaultDispatchTimeout  = 30 * time.Second
	DefaultReconcileTimeout = time.Hour
)

// Config for the server. Zero timeouts select the defaults.
type Config struct {
	Addr          string
	JWTSecret     string
	InternalToken string
	// Bounds for work started by internal requests, which is not
	// cancelled when the caller disconnects.
	DispatchTimeout  time.Duration
	ReconcileTimeout time.Duration
}

type Server struct {
	cfg        Config
	log        logx.Logger
	tokens     Tokens
	dispatcher Dispatcher
	reconciler Reconciler
	schedules  Schedules
	engine     *gin.Engine
}

// New builds the router. sched may be nil when nothing is scheduled.
func New(cfg Config, log logx.Logger, tok Tokens, d Dispatcher, r Reconciler, sched Schedules) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = DefaultDispatchTimeout
	}
	if cfg.ReconcileTimeout <= 0 {
		cfg.ReconcileTimeout = DefaultReconcileTimeout
	}
	gin.SetMode(gin.ReleaseMode)
	s := &Server{cfg: cfg, log: log, tokens: tok, dispatcher: d, reconciler: r, schedules: sched}
	s.engine = s.routes()
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(Recovery(s.log), AccessLog(s.log))

	r.GET("/health", s.health)

	dev := r.Group("/v1/devices", JWTAuth(s.cfg.JWTSecret))
	dev.POST("/token", s.registerToken)
	dev.DELETE("/token", s.evictToken)
	dev.GET("", s.listTokens)

	in := r.Group("/internal/v1", InternalAuth(s.cfg.InternalToken))
	in.POST("/messages", s.messageCreated)
	in.POST("/reconcile", s.runReconcile)
	in.GET("/reconcile", s.lastReconcile)
	return r
}

// Serve listens on cfg.Addr until ctx ends, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info("http listening", logx.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.log.Info("http stopped")
	return nil
}
