// Package server wires the host process together: configuration,
// logging, metrics, the scheduler, the correlation engine, the
// authority relay, transports, and the debug HTTP surface.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/bridgelabs/webbridge/internal/bridge"
	"github.com/bridgelabs/webbridge/internal/bridge/transport"
	"github.com/bridgelabs/webbridge/internal/infrastructure/config"
	"github.com/bridgelabs/webbridge/internal/infrastructure/logging"
	"github.com/bridgelabs/webbridge/internal/infrastructure/monitoring"
	"github.com/bridgelabs/webbridge/internal/relay"
	"github.com/bridgelabs/webbridge/internal/render"
	"github.com/bridgelabs/webbridge/internal/sched"
	"github.com/bridgelabs/webbridge/internal/shim"
	"github.com/bytedance/sonic"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Strategy selects how a web view's requests reach the engine.
type Strategy string

const (
	// Interception handles bridge:// requests synchronously at the
	// moment they occur. Preferred when the hook can be registered
	// before content loads.
	Interception Strategy = "interception"
	// Polling queues requests for the host's periodic pump. Fallback
	// when interception cannot be installed early enough.
	Polling Strategy = "polling"
)

// pumpInterval drives the polling transport's periodic drain.
const pumpInterval = 10 * time.Millisecond

// pumpBatch caps requests drained per tick so one chatty view cannot
// monopolize the Logic context.
const pumpBatch = 64

// Server is the host process.
type Server struct {
	cfg     *config.Config
	store   *config.Store
	log     *logging.Logger
	metrics *monitoring.Metrics
	reg     *prometheus.Registry

	sched   *sched.Scheduler
	engine  *bridge.Engine
	relay   *relay.Client
	surface render.Surface

	mu    sync.Mutex
	views map[string]*view

	http      *http.Server
	stopWatch context.CancelFunc
}

// view pairs a runtime with its transport teardown.
type view struct {
	web      *shim.WebView
	teardown func()
}

// New constructs the host from configuration. configPath may be empty.
func New(configPath string, log *logging.Logger) (*Server, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	metrics := monitoring.NewMetrics(reg)

	store := config.NewStore(configPath, cfg)
	scheduler := sched.New(8, log)
	engine := bridge.NewEngine(store, scheduler, nil, metrics, log)

	s := &Server{
		cfg:     cfg,
		store:   store,
		log:     log.Named("server"),
		metrics: metrics,
		reg:     reg,
		sched:   scheduler,
		engine:  engine,
		surface: render.NewLogSurface(log),
		views:   make(map[string]*view),
	}
	engine.Registry().Register("surface.translate", s.translatePoint)

	if cfg.Authority.Enabled {
		s.relay = relay.New(cfg.Authority.URL, engine, scheduler, log)
		engine.SetRelay(s.relay)
	}

	return s, nil
}

// SetSurface swaps in the embedder's real drawing surface. Call before
// Start; the default logs frames for headless hosts.
func (s *Server) SetSurface(surf render.Surface) {
	s.surface = surf
}

// Present hands one composited frame to the surface on the Render
// context, the only context allowed to touch it. Frames are
// fire-and-forget; a failed present is logged, not retried.
func (s *Server) Present(frame []byte) {
	s.sched.Run(sched.Render, func() {
		if err := s.surface.Present(frame); err != nil {
			s.log.Warn("frame present failed", zap.Error(err))
		}
	})
}

// translatePoint answers the surface.translate action: web-content
// coordinates mapped into surface coordinates, computed on the Render
// context because translation reads surface geometry.
func (s *Server) translatePoint(payload []byte) ([]byte, error) {
	var pt struct {
		X int `json:"x"`
		Y int `json:"y"`
	}
	if err := sonic.Unmarshal(payload, &pt); err != nil {
		return nil, err
	}

	value, err := s.sched.Call(sched.Render, s.store.RequestTimeout(), func() (interface{}, error) {
		x, y := s.surface.TranslatePoint(pt.X, pt.Y)
		return [2]int{x, y}, nil
	})
	if err != nil {
		return nil, err
	}
	coords := value.([2]int)
	return sonic.Marshal(map[string]int{"x": coords[0], "y": coords[1]})
}

// Engine exposes the correlation engine so embedders can register
// handlers and broadcast events.
func (s *Server) Engine() *bridge.Engine {
	return s.engine
}

// Scheduler exposes the affinity scheduler.
func (s *Server) Scheduler() *sched.Scheduler {
	return s.sched
}

// CreateView spins up one embedded runtime on the given transport
// strategy and attaches it for event delivery.
func (s *Server) CreateView(strategy Strategy) (*shim.WebView, error) {
	web := shim.NewWebView(s.store, nil, s.log)

	var teardown func()
	switch strategy {
	case Interception:
		// One interceptor per view: its origin pins authority calls to
		// the issuing view, so a detach cancels exactly its own work.
		icept := transport.NewInterceptor(web.ID(), s.engine, s.log)
		web.UseInterceptor(icept, s.sched)
		teardown = func() { icept.Close() }
	case Polling:
		queue := transport.NewPollingQueue(
			web.ID(), s.cfg.Bridge.QueueCapacity, s.engine, s.metrics, s.log)
		web.UseQueue(queue)
		stopPump := s.sched.Every(sched.Logic, pumpInterval, func() {
			queue.Pump(pumpBatch)
		})
		teardown = func() {
			stopPump()
			queue.Close()
		}
	default:
		web.Close()
		return nil, fmt.Errorf("unknown transport strategy %q", strategy)
	}

	s.engine.AttachSink(web)
	s.mu.Lock()
	s.views[web.ID()] = &view{web: web, teardown: teardown}
	s.mu.Unlock()

	s.log.Info("view created",
		zap.String("view", web.ID()),
		zap.String("strategy", string(strategy)))
	return web, nil
}

// DestroyView detaches and tears down one runtime. In-flight calls it
// originated fail immediately rather than waiting out their deadlines.
func (s *Server) DestroyView(viewID string) {
	s.mu.Lock()
	v, ok := s.views[viewID]
	delete(s.views, viewID)
	s.mu.Unlock()
	if !ok {
		return
	}

	s.engine.DetachSink(viewID)
	v.teardown()
	v.web.Close()
	s.log.Info("view destroyed", zap.String("view", viewID))
}

// Router builds the debug HTTP surface.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{})))
	router.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.engine.Stats())
	})

	return router
}

// Start connects the relay, begins config watching, and serves the
// debug endpoints. It returns once the listener is running or fails.
func (s *Server) Start(ctx context.Context) error {
	watchCtx, cancel := context.WithCancel(context.Background())
	s.stopWatch = cancel
	s.store.Watch(watchCtx, 10*time.Second)
	s.sched.Every(sched.Logic, 15*time.Second, s.metrics.UpdateUptime)

	if s.relay != nil {
		if err := s.relay.Connect(ctx); err != nil {
			// The host still serves local actions; authority calls
			// fail as Unreachable until a reconnect.
			s.log.Warn("starting without authority link", zap.Error(err))
		}
	}

	addr := s.cfg.Server.Host + ":" + s.cfg.Server.Port
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-time.After(100 * time.Millisecond):
		s.log.Info("host listening", zap.String("addr", addr))
		return nil
	}
}

// Shutdown tears the host down in dependency order: stop intake and
// flush pending, drop the authority link, release transports and
// runtimes, stop the scheduler, close the HTTP listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down")

	s.engine.Shutdown(ctx)

	if s.relay != nil {
		s.relay.Close()
	}

	s.mu.Lock()
	views := make([]*view, 0, len(s.views))
	for _, v := range s.views {
		views = append(views, v)
	}
	s.views = make(map[string]*view)
	s.mu.Unlock()
	for _, v := range views {
		v.teardown()
		v.web.Close()
	}

	if err := s.sched.Shutdown(ctx); err != nil {
		s.log.Warn("scheduler drain timed out", zap.Error(err))
	}
	if s.stopWatch != nil {
		s.stopWatch()
	}

	if s.http != nil {
		return s.http.Shutdown(ctx)
	}
	return nil
}
