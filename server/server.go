// Package server mounts the SockJS endpoints on a chi router and runs them
// together with the session scheduler.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cyberinferno/go-sockjs/config"
	"github.com/cyberinferno/go-sockjs/frame"
	"github.com/cyberinferno/go-sockjs/logger"
	"github.com/cyberinferno/go-sockjs/session"
	"github.com/cyberinferno/go-sockjs/transport"
)

const greeting = "Welcome to SockJS!\n"

// Deps are the collaborators a Server is built from.
type Deps struct {
	Registry *session.Registry
	Logger   logger.Logger
	// Gatherer, when set, is exposed at /metrics.
	Gatherer prometheus.Gatherer
}

// Server serves the SockJS endpoints for one registry. The scheduler runs
// while the server is running.
type Server struct {
	Logger    logger.Logger
	Name      string
	Addr      string
	Listener  net.Listener
	Running   atomic.Bool
	Registry  *session.Registry
	Scheduler *session.Scheduler

	cfg        config.Config
	routes     []Route
	handler    http.Handler
	httpServer *http.Server

	stopScheduler context.CancelFunc
	schedulerDone chan struct{}
}

// New builds a Server from cfg. Nothing is started until Start.
//
// Parameters:
//   - cfg: Validated configuration
//   - deps: Registry and logger; a nil logger is replaced by a no-op one
//
// Returns:
//   - A stopped Server
func New(cfg config.Config, deps Deps) *Server {
	log := deps.Logger
	if log == nil {
		log = logger.NewNopLogger()
	}

	scheduler := session.NewScheduler(deps.Registry, session.SchedulerConfig{
		HeartbeatInterval: cfg.HeartbeatInterval,
		DisconnectTimeout: cfg.DisconnectTimeout,
		SweepInterval:     cfg.SweepInterval,
		Workers:           cfg.SweepWorkers,
	})

	s := &Server{
		Logger:    log,
		Name:      cfg.ServiceName,
		Addr:      cfg.Addr,
		Registry:  deps.Registry,
		Scheduler: scheduler,
		cfg:       cfg,
		routes:    Routes(cfg, deps.Registry, log),
	}

	s.handler = s.router(deps.Gatherer)
	return s
}

// Handler returns the root HTTP handler, for embedding or tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Routes returns the transport table the server was built with.
func (s *Server) Routes() []Route {
	return s.routes
}

func (s *Server) router(gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(recoverer(s.Logger))
	r.Use(requestLogger(s.Logger))

	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	sockjs := chi.NewRouter()
	sockjs.Use(cors)
	sockjs.Get("/", s.handleGreeting)
	sockjs.Get("/info", s.handleInfo)
	sockjs.Options("/info", preflight(http.MethodGet))

	sockjs.Route("/{server:[^/.]+}/{"+transport.ParamSession+":[^/.]+}", func(r chi.Router) {
		if s.cfg.CookieNeeded {
			r.Use(sessionCookie)
		}

		r.Use(noCache)

		var limit func(http.Handler) http.Handler
		if s.cfg.SendRateLimit > 0 {
			limit = sendRateLimit(s.cfg.SendRateLimit)
		}

		for _, rt := range s.routes {
			h := rt.Handler
			if rt.Role == RoleSend && limit != nil {
				h = limit(h)
			}

			r.Method(rt.Method, rt.Suffix, h)
		}

		for suffix, methods := range preflightMethods(s.routes) {
			r.Options(suffix, preflight(methods...))
		}
	})

	if s.cfg.Prefix == "" {
		r.Mount("/", sockjs)
	} else {
		r.Mount(s.cfg.Prefix, sockjs)
	}

	return r
}

func (s *Server) handleGreeting(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=UTF-8")
	_, _ = w.Write([]byte(greeting))
}

type info struct {
	Websocket    bool     `json:"websocket"`
	CookieNeeded bool     `json:"cookie_needed"`
	Origins      []string `json:"origins"`
	Entropy      uint32   `json:"entropy"`
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.Header().Set("Cache-Control", "no-store, no-cache, no-transform, must-revalidate, max-age=0")

	_ = json.NewEncoder(w).Encode(info{
		Websocket:    s.cfg.WebsocketEnabled,
		CookieNeeded: s.cfg.CookieNeeded,
		Origins:      []string{"*:*"},
		Entropy:      uuid.New().ID(),
	})
}

// Start binds Addr, starts serving in a goroutine and starts the scheduler.
// It is safe to call only when the server is not already running.
//
// Returns:
//   - An error if the server is already running or if listening on Addr fails
func (s *Server) Start() error {
	if s.Running.Load() {
		s.Logger.Error("server already running")
		return fmt.Errorf("server %s already running", s.Name)
	}

	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		s.Logger.Error("server failed to start", logger.Field{Key: "error", Value: err.Error()})
		return fmt.Errorf("server %s failed to start: %w", s.Name, err)
	}

	s.Listener = ln
	s.httpServer = &http.Server{Handler: s.handler, ReadHeaderTimeout: 10 * time.Second}
	s.Running.Store(true)

	ctx, cancel := context.WithCancel(context.Background())
	s.stopScheduler = cancel
	s.schedulerDone = make(chan struct{})
	go func() {
		defer close(s.schedulerDone)
		_ = s.Scheduler.Run(ctx)
	}()

	s.Logger.Info(fmt.Sprintf("%s server started", s.Name), logger.Field{Key: "addr", Value: ln.Addr().String()}, logger.Field{Key: "prefix", Value: s.cfg.Prefix})
	go s.serve(ln)

	return nil
}

func (s *Server) serve(ln net.Listener) {
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.Logger.Error(fmt.Sprintf("%s server serve error", s.Name), logger.Field{Key: "error", Value: err.Error()})
	}
}

// Stop closes every session with go-away, stops the scheduler and shuts the
// HTTP server down, waiting for in-flight requests until ctx is done. Safe to
// call when the server is not running.
func (s *Server) Stop(ctx context.Context) error {
	if !s.Running.Load() {
		s.Logger.Info(fmt.Sprintf("%s server not running", s.Name))
		return nil
	}

	s.Running.Store(false)

	s.stopScheduler()
	<-s.schedulerDone

	s.Registry.CloseAll(frame.CodeGoAway, frame.ReasonGoAway)

	err := s.httpServer.Shutdown(ctx)
	s.Logger.Info(fmt.Sprintf("%s server stopped", s.Name))
	return err
}

// Run starts the server and stops it when ctx is cancelled.
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	if err := s.Start(); err != nil {
		return err
	}

	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.Stop(stopCtx)
}
