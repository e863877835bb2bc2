// Package opsserver exposes health, metrics and live run state over HTTP.
package opsserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"autopilot/internal/app/healing"
	"autopilot/internal/app/orchestrator"
	"autopilot/internal/infra/offline"
	"autopilot/internal/shared/async"
	"autopilot/internal/shared/logging"
)

// Run is the live orchestrator view served by the API.
type Run interface {
	SessionID() string
	Snapshot() orchestrator.RunStats
	Settings() healing.Settings
	RecentOutcomes() []orchestrator.OutcomeRecord
	Abort()
}

// Queue is the read side of the offline write queue.
type Queue interface {
	Size() int
	Items() []offline.Operation
}

// Pinger reports task store reachability.
type Pinger interface {
	Ping(ctx context.Context) (time.Duration, error)
}

// Config configures the HTTP listener.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// PingTimeout bounds the store check in /healthz.
	PingTimeout time.Duration
}

// Server serves the ops endpoints. The current run may be swapped while the
// server is up, for scheduled runs that build a new orchestrator each time.
type Server struct {
	cfg      Config
	engine   *gin.Engine
	gatherer prometheus.Gatherer
	queue    Queue
	pinger   Pinger
	abortFn  func()
	logger   logging.Logger

	mu  sync.RWMutex
	run Run

	httpServer *http.Server
	listener   net.Listener
}

// Option customises a Server.
type Option func(*Server)

// WithLogger overrides the server logger.
func WithLogger(logger logging.Logger) Option {
	return func(s *Server) {
		if !logging.IsNil(logger) {
			s.logger = logger
		}
	}
}

// WithGatherer sets the registry served on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		if g != nil {
			s.gatherer = g
		}
	}
}

// WithQueue enables /v1/queue.
func WithQueue(q Queue) Option {
	return func(s *Server) {
		s.queue = q
	}
}

// WithPinger makes /healthz check the task store.
func WithPinger(p Pinger) Option {
	return func(s *Server) {
		s.pinger = p
	}
}

// WithAbort replaces the default POST /v1/abort action, which aborts only the
// current run, with fn.
func WithAbort(fn func()) Option {
	return func(s *Server) {
		s.abortFn = fn
	}
}

// New builds the server and its routes without listening.
func New(cfg Config, opts ...Option) *Server {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 2 * time.Second
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:      cfg,
		engine:   gin.New(),
		gatherer: prometheus.DefaultGatherer,
		logger:   logging.NewComponentLogger("OpsServer"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.engine.Use(gin.Recovery())
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/healthz", s.health)
	s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	v1 := s.engine.Group("/v1")
	v1.GET("/run", s.getRun)
	v1.GET("/outcomes", s.getOutcomes)
	v1.GET("/queue", s.getQueue)
	v1.POST("/abort", s.abort)
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// SetRun replaces the run served by the API; nil clears it.
func (s *Server) SetRun(run Run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.run = run
}

func (s *Server) currentRun() Run {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.run
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:      s.engine,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	s.logger.Info("Listening on %s", ln.Addr())
	async.Go(s.logger, "opsserver.serve", func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Serve failed: %v", err)
		}
	})
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.Addr
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

type runResponse struct {
	SessionID string                `json:"sessionId"`
	Stats     orchestrator.RunStats `json:"stats"`
	Settings  settingsResponse      `json:"settings"`
}

type settingsResponse struct {
	Workers     int   `json:"workers"`
	TaskDelayMs int64 `json:"taskDelayMs"`
	TimeoutSec  int64 `json:"timeoutSec"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) health(c *gin.Context) {
	if s.pinger == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.PingTimeout)
	defer cancel()
	latency, err := s.pinger.Ping(ctx)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "storeLatencyMs": latency.Milliseconds()})
}

func (s *Server) getRun(c *gin.Context) {
	run := s.currentRun()
	if run == nil {
		c.JSON(http.StatusNotFound, errorResponse{Error: "no active run"})
		return
	}
	settings := run.Settings()
	c.JSON(http.StatusOK, runResponse{
		SessionID: run.SessionID(),
		Stats:     run.Snapshot(),
		Settings: settingsResponse{
			Workers:     settings.Workers,
			TaskDelayMs: settings.TaskDelay.Milliseconds(),
			TimeoutSec:  int64(settings.Timeout.Seconds()),
		},
	})
}

func (s *Server) getOutcomes(c *gin.Context) {
	run := s.currentRun()
	if run == nil {
		c.JSON(http.StatusNotFound, errorResponse{Error: "no active run"})
		return
	}
	records := run.RecentOutcomes()
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, errorResponse{Error: "limit must be a non-negative integer"})
			return
		}
		if limit < len(records) {
			records = records[len(records)-limit:]
		}
	}
	if records == nil {
		records = []orchestrator.OutcomeRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"outcomes": records})
}

func (s *Server) getQueue(c *gin.Context) {
	if s.queue == nil {
		c.JSON(http.StatusOK, gin.H{"enabled": false, "size": 0, "operations": []offline.Operation{}})
		return
	}
	items := s.queue.Items()
	if items == nil {
		items = []offline.Operation{}
	}
	c.JSON(http.StatusOK, gin.H{"enabled": true, "size": s.queue.Size(), "operations": items})
}

func (s *Server) abort(c *gin.Context) {
	run := s.currentRun()
	if s.abortFn != nil {
		s.abortFn()
		s.logger.Warn("Abort requested over HTTP")
		resp := gin.H{"aborting": true}
		if run != nil {
			resp["sessionId"] = run.SessionID()
		}
		c.JSON(http.StatusAccepted, resp)
		return
	}
	if run == nil {
		c.JSON(http.StatusNotFound, errorResponse{Error: "no active run"})
		return
	}
	run.Abort()
	s.logger.Warn("Abort requested over HTTP for %s", run.SessionID())
	c.JSON(http.StatusAccepted, gin.H{"sessionId": run.SessionID(), "aborting": true})
}
