package overlay

import (
	"fmt"
	"sync"
	"time"

	"github.com/john/pressme-overlay/internal/clock"
	"github.com/john/pressme-overlay/internal/donation"
	"github.com/john/pressme-overlay/internal/logging"
	"github.com/john/pressme-overlay/internal/metrics"
)

// State is the overlay animation state
type State string

const (
	StateIdle            State = "idle"
	StateAnimatingButton State = "animating_button"
	StateShowingContent  State = "showing_content"
	StateClearing        State = "clearing"
)

// Event drives a state transition
type Event string

const (
	EventDequeue           Event = "dequeue"
	EventPressComplete     Event = "press-complete"
	EventExplosionComplete Event = "explosion-complete"
	EventContentComplete   Event = "content-complete"
	EventClearComplete     Event = "clear-complete"
)

type edge struct {
	from  State
	event Event
}

// transitions is the complete table; anything not listed is ignored.
// press-complete keeps the machine in animating_button and starts the explosion.
var transitions = map[edge]State{
	{StateIdle, EventDequeue}:                      StateAnimatingButton,
	{StateAnimatingButton, EventPressComplete}:     StateAnimatingButton,
	{StateAnimatingButton, EventExplosionComplete}: StateShowingContent,
	{StateShowingContent, EventContentComplete}:    StateClearing,
	{StateClearing, EventClearComplete}:            StateIdle,
}

// Timings are the open-loop phase durations
type Timings struct {
	Press      time.Duration
	Explosion  time.Duration
	Content    time.Duration
	Fade       time.Duration
	StartDelay time.Duration
	NextDelay  time.Duration
}

// DefaultTimings returns the standard overlay timeline
func DefaultTimings() Timings {
	return Timings{
		Press:      400 * time.Millisecond,
		Explosion:  600 * time.Millisecond,
		Content:    5000 * time.Millisecond,
		Fade:       500 * time.Millisecond,
		StartDelay: 50 * time.Millisecond,
		NextDelay:  100 * time.Millisecond,
	}
}

// Transition describes one state change
type Transition struct {
	From            State            `json:"from"`
	To              State            `json:"to"`
	Event           Event            `json:"event"`
	Donation        *donation.Queued `json:"donation,omitempty"`
	ButtonPressed   bool             `json:"button_pressed"`
	ExplosionActive bool             `json:"explosion_active"`
	At              time.Time        `json:"at"`
}

// Snapshot is a point-in-time view of the machine
type Snapshot struct {
	State           State            `json:"state"`
	Current         *donation.Queued `json:"current,omitempty"`
	Pending         int              `json:"pending"`
	ButtonPressed   bool             `json:"button_pressed"`
	ExplosionActive bool             `json:"explosion_active"`
}

// Config configures a Machine
type Config struct {
	Clock   clock.Clock
	Timings Timings
	Cues    CuePlayer
	Logger  logging.Logger
	Metrics *metrics.Metrics
}

// Machine runs one donation at a time through the button, explosion, content
// and clear phases. Donations arriving while it is busy wait in its pending
// list.
type Machine struct {
	clock   clock.Clock
	timings Timings
	cues    CuePlayer
	log     logging.Entry
	metrics *metrics.Metrics

	mu              sync.Mutex
	state           State
	current         *donation.Queued
	pending         []donation.Queued
	buttonPressed   bool
	explosionActive bool
	dequeueArmed    bool
	timers          map[uint64]clock.Timer
	nextTimer       uint64
	epoch           uint64
	stopped         bool

	obsMu     sync.RWMutex
	observers map[int]func(Transition)
	nextObs   int
}

// NewMachine creates an idle machine
func NewMachine(cfg Config) *Machine {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Timings == (Timings{}) {
		cfg.Timings = DefaultTimings()
	}
	if cfg.Cues == nil {
		cfg.Cues = NopCues{}
	}
	return &Machine{
		clock:     cfg.Clock,
		timings:   cfg.Timings,
		cues:      cfg.Cues,
		log:       logging.Component(cfg.Logger, "overlay"),
		metrics:   cfg.Metrics,
		state:     StateIdle,
		timers:    make(map[uint64]clock.Timer),
		observers: make(map[int]func(Transition)),
	}
}

// Subscribe registers an observer for every transition
func (m *Machine) Subscribe(fn func(Transition)) (unsubscribe func()) {
	m.obsMu.Lock()
	id := m.nextObs
	m.nextObs++
	m.observers[id] = fn
	m.obsMu.Unlock()

	return func() {
		m.obsMu.Lock()
		delete(m.observers, id)
		m.obsMu.Unlock()
	}
}

// Snapshot returns the current state
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	var cur *donation.Queued
	if m.current != nil {
		c := *m.current
		cur = &c
	}
	return Snapshot{
		State:           m.state,
		Current:         cur,
		Pending:         len(m.pending),
		ButtonPressed:   m.buttonPressed,
		ExplosionActive: m.explosionActive,
	}
}

// Enqueue accepts a donation from the playback queue. It is the queue's sink.
func (m *Machine) Enqueue(d donation.Queued) {
	m.playCue(CuePop)

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.pending = append(m.pending, d)
	if m.state == StateIdle {
		m.armDequeueLocked(m.timings.StartDelay)
	}
	m.mu.Unlock()

	m.log.WithFields(logging.Fields{"id": d.ID, "username": d.Username}).Debug("Donation ready for overlay")
}

// Stop cancels every pending timer. Timers that already fired are ignored.
func (m *Machine) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	m.epoch++
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
}

func (m *Machine) armDequeueLocked(delay time.Duration) {
	if m.dequeueArmed {
		return
	}
	m.dequeueArmed = true
	m.scheduleLocked(delay, EventDequeue)
}

// scheduleLocked arms a timer that fires ev for the current epoch
func (m *Machine) scheduleLocked(d time.Duration, ev Event) {
	m.nextTimer++
	id := m.nextTimer
	epoch := m.epoch
	m.timers[id] = m.clock.AfterFunc(d, func() { m.fire(id, epoch, ev) })
}

func (m *Machine) fire(id, epoch uint64, ev Event) {
	m.mu.Lock()
	delete(m.timers, id)
	if m.stopped || epoch != m.epoch {
		m.mu.Unlock()
		return
	}
	tr, cue, ok := m.applyLocked(ev)
	m.mu.Unlock()

	if !ok {
		return
	}
	if cue != "" {
		m.playCue(cue)
	}
	m.metrics.Transition(string(tr.From), string(tr.To))
	m.log.WithFields(logging.Fields{
		"from":  tr.From,
		"to":    tr.To,
		"event": tr.Event,
	}).Debug("Overlay state change")
	m.publish(tr)
}

// applyLocked runs ev through the transition table and performs the entry
// actions of the target state. It returns the cue to play, if any.
func (m *Machine) applyLocked(ev Event) (Transition, Cue, bool) {
	if ev == EventDequeue {
		m.dequeueArmed = false
		if m.state != StateIdle || len(m.pending) == 0 {
			return Transition{}, "", false
		}
	}

	to, ok := transitions[edge{m.state, ev}]
	if !ok || !m.guardLocked(ev) {
		m.log.WithFields(logging.Fields{"state": m.state, "event": ev}).Warn("Ignoring out-of-order overlay event")
		return Transition{}, "", false
	}

	from := m.state
	var cue Cue

	switch ev {
	case EventDequeue:
		next := m.pending[0]
		m.pending = m.pending[1:]
		m.current = &next
		m.buttonPressed = true
		m.explosionActive = false
		m.scheduleLocked(m.timings.Press, EventPressComplete)

	case EventPressComplete:
		m.explosionActive = true
		cue = CueBoom
		m.scheduleLocked(m.timings.Explosion, EventExplosionComplete)

	case EventExplosionComplete:
		m.buttonPressed = false
		m.explosionActive = false
		m.scheduleLocked(m.timings.Content, EventContentComplete)

	case EventContentComplete:
		m.scheduleLocked(m.timings.Fade, EventClearComplete)

	case EventClearComplete:
		m.current = nil
		m.buttonPressed = false
		m.explosionActive = false
		if len(m.pending) > 0 {
			m.armDequeueLocked(m.timings.NextDelay)
		}
	}

	m.state = to
	tr := Transition{
		From:            from,
		To:              to,
		Event:           ev,
		ButtonPressed:   m.buttonPressed,
		ExplosionActive: m.explosionActive,
		At:              m.clock.Now(),
	}
	if m.current != nil {
		c := *m.current
		tr.Donation = &c
	}
	return tr, cue, true
}

// guardLocked separates the two events that share animating_button
func (m *Machine) guardLocked(ev Event) bool {
	switch ev {
	case EventPressComplete:
		return !m.explosionActive
	case EventExplosionComplete:
		return m.explosionActive
	default:
		return true
	}
}

func (m *Machine) publish(tr Transition) {
	m.obsMu.RLock()
	obs := make([]func(Transition), 0, len(m.observers))
	for _, fn := range m.observers {
		obs = append(obs, fn)
	}
	m.obsMu.RUnlock()

	for _, fn := range obs {
		if err := safeCall(func() { fn(tr) }); err != nil {
			m.log.WithError(err).Error("Overlay observer failed")
		}
	}
}

func (m *Machine) playCue(c Cue) {
	var err error
	if perr := safeCall(func() { err = m.cues.Play(c) }); perr != nil {
		err = perr
	}
	if err != nil {
		m.log.WithError(err).WithField("cue", c).Warn("Sound cue failed")
	}
}

func safeCall(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = e
				return
			}
			err = fmt.Errorf("%v", r)
		}
	}()
	fn()
	return nil
}
