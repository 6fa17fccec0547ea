// Package authority implements the authoritative process: the only
// place `server:`-namespaced actions execute. Hosts connect over a
// websocket; each connection is one session, and every inbound packet
// passes size, rate, and authorization checks before its handler runs.
package authority

import (
	"net/http"
	"sync"
	"time"

	"github.com/bridgelabs/webbridge/internal/bridge"
	"github.com/bridgelabs/webbridge/internal/infrastructure/config"
	"github.com/bridgelabs/webbridge/internal/infrastructure/logging"
	"github.com/bridgelabs/webbridge/internal/relay"
	"github.com/bridgelabs/webbridge/internal/sched"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Authorizer is the binary allow/deny hook consulted per session and
// action. Fine-grained policy is out of scope; denial surfaces to the
// caller as AuthorityRejected.
type Authorizer func(sessionID, action string) bool

// AllowAll permits every action; the default for development.
func AllowAll(string, string) bool { return true }

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // hosts are trusted peers, not browsers
	},
}

// Server executes authority-side action handlers. Handlers run on the
// Logic context of the server's own scheduler, so authoritative state
// is only ever mutated from one goroutine.
type Server struct {
	log       *logging.Logger
	cfg       *config.Config
	sched     *sched.Scheduler
	registry  *bridge.Registry
	authorize Authorizer

	mu       sync.RWMutex
	sessions map[string]*session
}

// NewServer creates the authority server.
func NewServer(cfg *config.Config, s *sched.Scheduler, authorize Authorizer, log *logging.Logger) *Server {
	if authorize == nil {
		authorize = AllowAll
	}
	return &Server{
		log:       log.Named("authority"),
		cfg:       cfg,
		sched:     s,
		registry:  bridge.NewRegistry(log),
		authorize: authorize,
		sessions:  make(map[string]*session),
	}
}

// Registry exposes the server-side handler registry for integrators.
func (s *Server) Registry() *bridge.Registry {
	return s.registry
}

// Router builds the gin engine with the health and bridge endpoints.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "handlers": s.registry.Len()})
	})
	router.GET("/bridge", s.handleBridge)

	return router
}

// handleBridge upgrades one host connection and serves it until it
// drops. The session identity is minted here and pinned to the
// connection.
func (s *Server) handleBridge(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	session := &session{
		id:   uuid.New().String(),
		conn: conn,
		limiter: rate.NewLimiter(
			rate.Limit(s.cfg.RateLimit.RequestsPerSecond),
			s.cfg.RateLimit.Burst,
		),
	}
	conn.SetReadLimit(relay.MaxBodyBytes)

	s.mu.Lock()
	s.sessions[session.id] = session
	s.mu.Unlock()

	s.log.Info("session opened",
		zap.String("session", session.id),
		zap.String("remote", conn.RemoteAddr().String()))

	s.serve(session)

	s.mu.Lock()
	delete(s.sessions, session.id)
	s.mu.Unlock()

	conn.Close()
	s.log.Info("session closed", zap.String("session", session.id))
}

// PushEvent broadcasts one uncorrelated event to every connected host,
// which fans it out to its attached web views. Oversized payloads are
// rejected here, before anything touches the wire.
func (s *Server) PushEvent(event string, payload []byte) error {
	data, err := relay.EncodeEvent(event, payload)
	if err != nil {
		return err
	}

	s.mu.RLock()
	targets := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		targets = append(targets, sess)
	}
	s.mu.RUnlock()

	for _, sess := range targets {
		if err := sess.write(data); err != nil {
			s.log.Warn("event push failed",
				zap.String("session", sess.id),
				zap.String("event", event),
				zap.Error(err))
		}
	}
	return nil
}

// session is one connected host.
type session struct {
	id      string
	conn    *websocket.Conn
	writeMu sync.Mutex // gorilla permits a single concurrent writer
	limiter *rate.Limiter
}

func (sess *session) write(data []byte) error {
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	return sess.conn.WriteMessage(websocket.TextMessage, data)
}

// serve reads packets until the connection drops. A malformed packet is
// answered (when it carries a correlation id) or dropped; it never
// aborts the session.
func (s *Server) serve(sess *session) {
	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			return
		}

		pkt, err := relay.DecodeAction(data)
		if err != nil {
			s.log.Warn("malformed packet dropped",
				zap.String("session", sess.id),
				zap.Error(err))
			continue
		}

		// Handlers may block on authoritative state; keep the read
		// loop free so a slow action cannot back up the socket.
		s.sched.Submit(func() {
			s.reply(sess, pkt.CorrelationID, s.execute(sess, pkt))
		})
	}
}

// execute runs the full inbound pipeline for one packet: rate limit,
// authorization, registry dispatch on the Logic context.
func (s *Server) execute(sess *session, pkt relay.ActionPacket) bridge.Result {
	if s.cfg.RateLimit.Enabled && !sess.limiter.Allow() {
		return bridge.Fail(bridge.AuthorityRejected(pkt.Action, "rate limit exceeded"))
	}
	if !s.authorize(pkt.SessionID, pkt.Action) {
		s.log.Info("action denied",
			zap.String("session", sess.id),
			zap.String("requester", pkt.SessionID),
			zap.String("action", pkt.Action))
		return bridge.Fail(bridge.AuthorityRejected(pkt.Action, "insufficient privilege"))
	}

	handler, ok := s.registry.Lookup(pkt.Action)
	if !ok {
		return bridge.Fail(bridge.NoSuchAction(pkt.Action))
	}

	value, err := s.sched.Call(sched.Logic, s.cfg.RequestTimeout(), func() (interface{}, error) {
		return invoke(pkt.Action, handler, pkt.Payload)
	})
	if err == sched.ErrTimeout {
		return bridge.Fail(bridge.TimeoutFailure(pkt.Action))
	}
	if err != nil {
		f := bridge.AsFailure(pkt.Action, err)
		if f.Code == bridge.CodeInternalHandlerFault {
			s.log.Error("handler fault",
				zap.String("action", pkt.Action),
				zap.String("error", f.Message))
		}
		return bridge.Fail(f)
	}
	return bridge.OK(value.([]byte))
}

// invoke runs one handler with panic isolation, mirroring the engine's
// local dispatch.
func invoke(action string, h bridge.Handler, payload []byte) (data []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			data, err = nil, bridge.InternalHandlerFault(action, r)
		}
	}()
	return h(payload)
}

func (s *Server) reply(sess *session, correlationID string, res bridge.Result) {
	data, err := relay.EncodeResponse(correlationID, res)
	if err != nil {
		// Oversized handler output; send the failure instead.
		data, _ = relay.EncodeResponse(correlationID,
			bridge.Fail(bridge.AsFailure("", err)))
	}
	if data == nil {
		return
	}
	if err := sess.write(data); err != nil {
		s.log.Warn("reply write failed",
			zap.String("session", sess.id),
			zap.String("correlation_id", correlationID),
			zap.Error(err))
	}
}

// Run serves HTTP on addr until the listener fails.
func (s *Server) Run(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info("authority listening", zap.String("addr", addr))
	return srv.ListenAndServe()
}
