package server

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/john/pressme-overlay/internal/logging"
	"github.com/john/pressme-overlay/internal/metrics"
	"github.com/john/pressme-overlay/internal/overlay"
	"github.com/john/pressme-overlay/internal/transport"
)

// subscriberBuffer bounds how far a slow browser source may fall behind
// before events are dropped for it
const subscriberBuffer = 32

// StateSource is the overlay machine as seen by the server
type StateSource interface {
	Snapshot() overlay.Snapshot
	Subscribe(fn func(overlay.Transition)) (unsubscribe func())
}

// ConnStatus reports whether the donation stream is connected
type ConnStatus interface {
	Connected() bool
}

// Config configures the overlay HTTP server
type Config struct {
	Addr    string
	Overlay StateSource
	Stream  ConnStatus // nil when donations are polled
	Metrics *metrics.Metrics
	Logger  logging.Logger
}

type event struct {
	name string
	data any
}

// Server exposes health, metrics, the overlay state and a server-sent event
// feed of transitions, cues and music metadata for browser sources
type Server struct {
	server  *http.Server
	engine  *gin.Engine
	overlay StateSource
	stream  ConnStatus
	log     logging.Entry

	mu         sync.RWMutex
	clients    map[int]chan event
	nextClient int
	nowPlaying *transport.NowPlaying
	unsub      func()
}

// New creates a server and subscribes it to the overlay
func New(cfg Config) *Server {
	s := &Server{
		overlay: cfg.Overlay,
		stream:  cfg.Stream,
		log:     logging.Component(cfg.Logger, "server"),
		clients: make(map[int]chan event),
	}

	r := gin.New()
	r.Use(s.recovery(), s.requestLog())

	r.GET("/health", s.health)
	if cfg.Metrics != nil {
		r.GET("/metrics", gin.WrapH(cfg.Metrics.Handler()))
	}
	r.GET("/overlay/state", s.state)
	r.GET("/overlay/events", s.events)
	r.GET("/music/now-playing", s.currentSong)

	s.engine = r
	s.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if s.overlay != nil {
		s.unsub = s.overlay.Subscribe(func(tr overlay.Transition) {
			s.broadcast(event{name: "transition", data: tr})
		})
	}
	return s
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start begins serving HTTP requests
func (s *Server) Start() error {
	s.log.WithField("addr", s.server.Addr).Info("Overlay server listening")
	if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the server and ends every event stream
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down overlay server...")
	if s.unsub != nil {
		s.unsub()
	}
	s.mu.Lock()
	for id, ch := range s.clients {
		close(ch)
		delete(s.clients, id)
	}
	s.mu.Unlock()
	return s.server.Shutdown(ctx)
}

// Play forwards a sound cue to browser sources. It implements overlay.CuePlayer.
func (s *Server) Play(c overlay.Cue) error {
	s.broadcast(event{name: "cue", data: gin.H{"cue": c}})
	return nil
}

// SetNowPlaying records the current song and forwards it to browser sources
func (s *Server) SetNowPlaying(np transport.NowPlaying) {
	s.mu.Lock()
	s.nowPlaying = &np
	s.mu.Unlock()
	s.broadcast(event{name: "now_playing", data: np})
}

// broadcast never blocks; a full client buffer drops the event for that client
func (s *Server) broadcast(ev event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, ch := range s.clients {
		select {
		case ch <- ev:
		default:
			s.log.WithFields(logging.Fields{"client": id, "event": ev.name}).Warn("Event stream client too slow, dropping event")
		}
	}
}

func (s *Server) addClient() (int, chan event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextClient++
	ch := make(chan event, subscriberBuffer)
	s.clients[s.nextClient] = ch
	return s.nextClient, ch
}

func (s *Server) removeClient(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.clients[id]; ok {
		close(ch)
		delete(s.clients, id)
	}
}

func (s *Server) health(c *gin.Context) {
	body := gin.H{"status": "ok"}
	if s.stream != nil {
		body["stream_connected"] = s.stream.Connected()
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) state(c *gin.Context) {
	if s.overlay == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "overlay not running"})
		return
	}
	c.JSON(http.StatusOK, s.overlay.Snapshot())
}

func (s *Server) currentSong(c *gin.Context) {
	s.mu.RLock()
	np := s.nowPlaying
	s.mu.RUnlock()
	if np == nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, np)
}

// events streams overlay activity as server-sent events. The first event is
// the current snapshot so a reloaded browser source can catch up.
func (s *Server) events(c *gin.Context) {
	id, ch := s.addClient()
	defer s.removeClient(id)

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	if s.overlay != nil {
		c.SSEvent("state", s.overlay.Snapshot())
		c.Writer.Flush()
	}

	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(ev.name, ev.data)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.WithFields(logging.Fields{
			"status":    c.Writer.Status(),
			"method":    c.Request.Method,
			"path":      c.Request.URL.Path,
			"latency":   time.Since(start),
			"client_ip": c.ClientIP(),
		}).Debug("HTTP request")
	}
}

func (s *Server) recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				s.log.WithFields(logging.Fields{
					"error":  err,
					"method": c.Request.Method,
					"path":   c.Request.URL.Path,
				}).Error("Request handler panic")
				c.AbortWithStatus(http.StatusInternalServerError)
			}
		}()
		c.Next()
	}
}
