package queue

import (
	"fmt"
	"sync"
	"time"

	"github.com/john/pressme-overlay/internal/clock"
	"github.com/john/pressme-overlay/internal/donation"
	"github.com/john/pressme-overlay/internal/logging"
	"github.com/john/pressme-overlay/internal/metrics"
)

// DefaultHold is how long a donation owns the overlay: 5s display + 0.5s fade
const DefaultHold = 5500 * time.Millisecond

// Sink receives donations for playback, one at a time
type Sink func(donation.Queued)

// Config configures a Queue
type Config struct {
	Clock   clock.Clock
	Hold    time.Duration
	Logger  logging.Logger
	Metrics *metrics.Metrics
}

// Queue is a deduplicating FIFO that hands at most one donation at a time to
// its sink and holds the next one back until the hold timer fires.
type Queue struct {
	clock   clock.Clock
	hold    time.Duration
	log     logging.Entry
	metrics *metrics.Metrics

	mu      sync.Mutex
	items   []donation.Queued
	seen    map[donation.Key]struct{}
	playing bool
	sink    Sink
	timer   clock.Timer
	gen     uint64
	stopped bool
}

// New creates an empty queue
func New(cfg Config) *Queue {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Hold <= 0 {
		cfg.Hold = DefaultHold
	}
	return &Queue{
		clock:   cfg.Clock,
		hold:    cfg.Hold,
		log:     logging.Component(cfg.Logger, "queue"),
		metrics: cfg.Metrics,
		seen:    make(map[donation.Key]struct{}),
	}
}

// Push enqueues an event unless its key was already seen. It reports whether
// the event was accepted.
func (q *Queue) Push(ev donation.Event) bool {
	if ev.Username == "" {
		ev.Username = donation.AnonymousUsername
	}
	if ev.Type == "" {
		ev.Type = donation.TypeText
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = q.clock.Now().UTC()
	}

	key := ev.Key()

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return false
	}
	if _, dup := q.seen[key]; dup {
		q.mu.Unlock()
		q.metrics.DonationDuplicate()
		q.log.WithField("key", key).Debug("Skipping duplicate donation")
		return false
	}
	q.seen[key] = struct{}{}
	item := donation.NewQueued(ev)
	q.items = append(q.items, item)
	depth := len(q.items)
	q.mu.Unlock()

	q.metrics.DonationEnqueued(depth)
	q.log.WithFields(logging.Fields{
		"id":       item.ID,
		"username": item.Username,
		"amount":   item.Amount,
		"type":     item.Type,
		"depth":    depth,
	}).Info("Added donation to queue")

	q.triggerPlayback()
	return true
}

// SetSink installs the playback sink, replacing any previous one, and starts
// playback of anything already queued.
func (q *Queue) SetSink(sink Sink) {
	q.mu.Lock()
	q.sink = sink
	q.mu.Unlock()
	q.triggerPlayback()
}

// Len returns the number of donations waiting behind the one in flight
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Playing reports whether a donation is currently in flight
func (q *Queue) Playing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.playing
}

// Clear drops pending donations, forgets seen keys and cancels the hold timer
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
	q.seen = make(map[donation.Key]struct{})
	q.playing = false
	q.gen++
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	q.metrics.QueueDepth(0)
}

// Stop clears the queue and rejects further pushes
func (q *Queue) Stop() {
	q.Clear()
	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()
}

func (q *Queue) triggerPlayback() {
	q.mu.Lock()
	if q.stopped || q.playing || len(q.items) == 0 || q.sink == nil {
		q.mu.Unlock()
		return
	}
	next := q.items[0]
	q.items = q.items[1:]
	q.playing = true
	sink := q.sink
	depth := len(q.items)

	q.gen++
	gen := q.gen
	q.timer = q.clock.AfterFunc(q.hold, func() { q.release(gen) })
	q.mu.Unlock()

	q.metrics.DonationPlayed(depth)
	q.log.WithFields(logging.Fields{"id": next.ID, "depth": depth}).Info("Playing donation")

	if err := deliver(sink, next); err != nil {
		q.metrics.SinkPanic()
		q.log.WithError(err).WithField("id", next.ID).Error("Playback sink failed")
	}
}

// release ends the hold armed for generation gen and moves on
func (q *Queue) release(gen uint64) {
	q.mu.Lock()
	if q.gen != gen || !q.playing {
		q.mu.Unlock()
		return
	}
	q.timer = nil
	q.playing = false
	q.mu.Unlock()

	q.triggerPlayback()
}

// deliver calls the sink, converting a panic into an error so a failing
// renderer cannot stall the queue.
func deliver(sink Sink, d donation.Queued) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panic: %v", r)
		}
	}()
	sink(d)
	return nil
}
