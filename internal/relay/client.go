package relay

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bridgelabs/webbridge/internal/bridge"
	"github.com/bridgelabs/webbridge/internal/infrastructure/logging"
	"github.com/bridgelabs/webbridge/internal/infrastructure/resilience"
	"github.com/bridgelabs/webbridge/internal/sched"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// Completer is the slice of the correlation engine the relay needs to
// route inbound traffic: correlated responses and uncorrelated pushes.
type Completer interface {
	Complete(correlationID string, res bridge.Result)
	Broadcast(event string, payload []byte)
}

// Client is the websocket link to the authority process. Sends go
// through a circuit breaker so a dead authority fails fast as
// Unreachable instead of queueing until every caller's deadline fires.
type Client struct {
	url     string
	log     *logging.Logger
	sched   *sched.Scheduler
	engine  Completer
	breaker *resilience.Breaker

	mu   sync.Mutex // serializes writes; gorilla allows one writer
	conn *websocket.Conn

	closed atomic.Bool
}

// New creates a relay client for the given websocket URL
// (ws://host:port/bridge).
func New(url string, engine Completer, s *sched.Scheduler, log *logging.Logger) *Client {
	logger := log.Named("relay")
	breaker := resilience.New("authority", resilience.Settings{
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts resilience.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to resilience.State) {
			logger.Warn("breaker state changed",
				zap.String("breaker", name),
				zap.Stringer("from", from),
				zap.Stringer("to", to))
		},
	})

	return &Client{
		url:     url,
		log:     logger,
		sched:   s,
		engine:  engine,
		breaker: breaker,
	}
}

// Connect probes the authority's health endpoint, dials the websocket,
// and starts the read loop. The probe retries a few times so a host
// starting alongside its authority does not race the listener.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.probe(ctx); err != nil {
		return fmt.Errorf("authority health probe failed: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial authority: %w", err)
	}
	conn.SetReadLimit(MaxBodyBytes)

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(conn)

	c.log.Info("connected to authority", zap.String("url", c.url))
	return nil
}

// probe hits /healthz over plain HTTP with retries.
func (c *Client) probe(ctx context.Context) error {
	healthURL := healthURLFor(c.url)

	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 250 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.Logger = nil

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("authority health returned %d", resp.StatusCode)
	}
	return nil
}

// healthURLFor derives the HTTP health endpoint from the websocket URL.
func healthURLFor(wsURL string) string {
	u, err := url.Parse(wsURL)
	if err != nil {
		return wsURL
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	case "ws":
		u.Scheme = "http"
	}
	u.Path = "/healthz"
	u.RawQuery = ""
	return u.String()
}

// Send ships one request to the authority. It never waits for the
// reply; the engine holds the pending waiter and its timeout. Errors
// returned here surface to the caller as Unreachable.
func (c *Client) Send(correlationID, action string, payload []byte, sessionID string) error {
	if c.closed.Load() {
		return fmt.Errorf("relay closed")
	}

	return c.breaker.Execute(func() error {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return fmt.Errorf("not connected")
		}

		data, err := EncodeAction(correlationID, action, payload, sessionID)
		if err != nil {
			return err
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		return conn.WriteMessage(websocket.TextMessage, data)
	})
}

// readLoop receives authority traffic and marshals each delivery onto
// the Logic context, which owns the state that reply handlers touch.
// One malformed packet is logged and dropped; the loop keeps reading.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !c.closed.Load() {
				c.log.Warn("authority connection lost", zap.Error(err))
			}
			return
		}

		if isEvent(data) {
			pkt, err := DecodeEvent(data)
			if err != nil {
				c.log.Warn("malformed authority push dropped", zap.Error(err))
				continue
			}
			event, payload := pkt.Event, pkt.Payload
			c.sched.Run(sched.Logic, func() {
				c.engine.Broadcast(event, payload)
			})
			continue
		}

		pkt, err := DecodeResponse(data)
		if err != nil {
			c.log.Warn("malformed authority reply dropped", zap.Error(err))
			continue
		}

		res := pkt.Result()
		correlationID := pkt.CorrelationID
		c.sched.Run(sched.Logic, func() {
			c.engine.Complete(correlationID, res)
		})
	}
}

// Close tears down the websocket. In-flight requests fail through
// their own deadlines; nothing is replayed on a later Connect.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}
