package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/john/pressme-overlay/internal/clock"
	"github.com/john/pressme-overlay/internal/donation"
	"github.com/john/pressme-overlay/internal/logging"
	"github.com/john/pressme-overlay/internal/metrics"
)

// Config represents the configuration for the stream client
type Config struct {
	URL         string
	BaseDelay   time.Duration // Reconnect delay is attempt × BaseDelay
	MaxDelay    time.Duration // Upper bound for a single reconnect delay
	MaxAttempts int           // Consecutive failed reconnects before giving up
	Dialer      *websocket.Dialer
	Header      http.Header
	Clock       clock.Clock
	Logger      logging.Logger
	Metrics     *metrics.Metrics
}

// Client keeps one websocket to the backend event stream open while anyone
// is subscribed and fans parsed messages out to subscribers
type Client struct {
	cfg     Config
	clock   clock.Clock
	log     logging.Entry
	metrics *metrics.Metrics

	mu         sync.Mutex
	donations  map[int]func(donation.Event)
	auths      map[int]func(AuthEvent)
	nowPlaying map[int]func(NowPlaying)
	nextID     int
	cancel     context.CancelFunc
	runID      uint64
	done       chan struct{}

	connected atomic.Bool
}

// NewClient creates a client. Nothing is dialed until the first subscription.
func NewClient(cfg Config) *Client {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 5 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Dialer == nil {
		d := *websocket.DefaultDialer
		d.HandshakeTimeout = 30 * time.Second
		cfg.Dialer = &d
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Client{
		cfg:        cfg,
		clock:      cfg.Clock,
		log:        logging.Component(cfg.Logger, "transport").WithField("url", cfg.URL),
		metrics:    cfg.Metrics,
		donations:  make(map[int]func(donation.Event)),
		auths:      make(map[int]func(AuthEvent)),
		nowPlaying: make(map[int]func(NowPlaying)),
	}
}

// SubscribeDonations registers a donation handler and connects if needed
func (c *Client) SubscribeDonations(fn func(donation.Event)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.addLocked()
	c.donations[id] = fn
	c.mu.Unlock()
	c.ensureRunning()
	return c.unsubscriber(func() { delete(c.donations, id) })
}

// SubscribeAuth registers an auth handler and connects if needed
func (c *Client) SubscribeAuth(fn func(AuthEvent)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.addLocked()
	c.auths[id] = fn
	c.mu.Unlock()
	c.ensureRunning()
	return c.unsubscriber(func() { delete(c.auths, id) })
}

// SubscribeNowPlaying registers a music metadata handler and connects if needed
func (c *Client) SubscribeNowPlaying(fn func(NowPlaying)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.addLocked()
	c.nowPlaying[id] = fn
	c.mu.Unlock()
	c.ensureRunning()
	return c.unsubscriber(func() { delete(c.nowPlaying, id) })
}

// Connected reports whether the socket is currently open. It is informational
// only; subscribers are not notified of connection changes.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Close drops every subscriber and waits for the connection to be torn down.
// It must not be called from a subscriber.
func (c *Client) Close() {
	c.mu.Lock()
	c.donations = make(map[int]func(donation.Event))
	c.auths = make(map[int]func(AuthEvent))
	c.nowPlaying = make(map[int]func(NowPlaying))
	done := c.stopLocked()
	c.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (c *Client) addLocked() int {
	c.nextID++
	return c.nextID
}

func (c *Client) subscribersLocked() int {
	return len(c.donations) + len(c.auths) + len(c.nowPlaying)
}

func (c *Client) unsubscriber(remove func()) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			remove()
			if c.subscribersLocked() == 0 {
				c.stopLocked()
			}
		})
	}
}

func (c *Client) ensureRunning() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil || c.subscribersLocked() == 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.runID++
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(ctx, c.runID, c.done)
}

// stopLocked cancels the running connection loop and returns a channel closed
// when it has exited
func (c *Client) stopLocked() chan struct{} {
	if c.cancel == nil {
		return nil
	}
	c.cancel()
	done := c.done
	c.cancel = nil
	c.done = nil
	return done
}

func (c *Client) run(ctx context.Context, runID uint64, done chan struct{}) {
	defer close(done)
	defer func() {
		c.mu.Lock()
		if c.runID == runID && c.cancel != nil {
			c.cancel()
			c.cancel = nil
			c.done = nil
		}
		c.mu.Unlock()
	}()

	attempt := 0
	for {
		conn, err := c.dial(ctx)
		if err == nil {
			attempt = 0
			c.serve(ctx, conn)
		} else if ctx.Err() == nil {
			c.log.WithError(err).Warn("Failed to connect to event stream")
		}

		if ctx.Err() != nil {
			return
		}
		if attempt >= c.cfg.MaxAttempts {
			c.log.WithField("attempts", attempt).Warn("Max reconnection attempts reached")
			return
		}
		attempt++
		delay := time.Duration(attempt) * c.cfg.BaseDelay
		if delay > c.cfg.MaxDelay {
			delay = c.cfg.MaxDelay
		}
		c.metrics.Reconnect()
		c.log.WithFields(logging.Fields{"attempt": attempt, "delay": delay}).Info("Reconnecting to event stream")
		if err := c.clock.Sleep(ctx, delay); err != nil {
			return
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect to WebSocket (status: %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to connect to WebSocket: %w", err)
	}
	return conn, nil
}

// serve reads until the connection fails or ctx is cancelled
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) {
	c.connected.Store(true)
	c.metrics.Connected(true)
	c.log.Info("Connected to event stream")

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
		case <-stop:
		}
	}()

	defer func() {
		close(stop)
		conn.Close()
		c.connected.Store(false)
		c.metrics.Connected(false)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.log.WithError(err).Warn("Event stream closed")
			}
			return
		}
		c.dispatch(data)
	}
}

func (c *Client) dispatch(data []byte) {
	msg, err := ParseMessageAt(data, c.clock.Now())
	if err != nil {
		if errors.Is(err, ErrUnknownMessage) {
			c.log.WithError(err).Debug("Ignoring message")
			return
		}
		c.metrics.MessageDropped("parse")
		c.log.WithError(err).Warn("Dropping unparseable message")
		return
	}

	c.mu.Lock()
	var handlers []func()
	switch msg.Kind {
	case KindDonation:
		for _, fn := range c.donations {
			fn := fn
			handlers = append(handlers, func() { fn(msg.Donation) })
		}
	case KindAuth:
		for _, fn := range c.auths {
			fn := fn
			handlers = append(handlers, func() { fn(msg.Auth) })
		}
	case KindNowPlaying:
		for _, fn := range c.nowPlaying {
			fn := fn
			handlers = append(handlers, func() { fn(msg.NowPlaying) })
		}
	}
	c.mu.Unlock()

	for _, h := range handlers {
		c.call(msg.Kind, h)
	}
}

func (c *Client) call(kind Kind, h func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.WithField("kind", kind).Errorf("Subscriber panicked: %v", r)
		}
	}()
	h()
}
