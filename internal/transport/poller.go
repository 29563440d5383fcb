package transport

import (
	"context"
	"time"

	"github.com/john/pressme-overlay/internal/backend"
	"github.com/john/pressme-overlay/internal/clock"
	"github.com/john/pressme-overlay/internal/donation"
	"github.com/john/pressme-overlay/internal/logging"
)

// RecentLister lists the newest donations first
type RecentLister interface {
	RecentDonations(ctx context.Context, limit int) ([]backend.Donation, error)
}

// Poller discovers donations by polling the recent list when the event
// stream is unavailable. Only a change of the newest id is reported.
type Poller struct {
	source   RecentLister
	interval time.Duration
	clock    clock.Clock
	log      logging.Entry

	lastID string
}

// NewPoller creates a poller
func NewPoller(source RecentLister, interval time.Duration, c clock.Clock, logger logging.Logger) *Poller {
	if interval <= 0 {
		interval = time.Second
	}
	if c == nil {
		c = clock.New()
	}
	return &Poller{
		source:   source,
		interval: interval,
		clock:    c,
		log:      logging.Component(logger, "poller"),
	}
}

// Start polls until ctx is done, calling emit for each new donation
func (p *Poller) Start(ctx context.Context, emit func(donation.Event)) error {
	p.log.WithField("interval", p.interval).Info("Starting donation poller")
	for {
		if ev, ok := p.poll(ctx); ok {
			emit(ev)
		}

		if err := p.clock.Sleep(ctx, p.interval); err != nil {
			p.log.Info("Donation poller stopped")
			return nil
		}
	}
}

func (p *Poller) poll(ctx context.Context) (donation.Event, bool) {
	list, err := p.source.RecentDonations(ctx, 1)
	if err != nil {
		if ctx.Err() == nil {
			p.log.WithError(err).Warn("Failed to poll donations")
		}
		return donation.Event{}, false
	}
	if len(list) == 0 || list[0].ID == p.lastID {
		return donation.Event{}, false
	}

	latest := list[0]
	p.lastID = latest.ID
	p.log.WithField("id", latest.ID).Debug("New donation detected")
	return FromRecent(latest), true
}

// FromRecent converts a listed donation into a stream event
func FromRecent(d backend.Donation) donation.Event {
	typ, err := donation.ParseType(d.Type)
	if err != nil {
		typ = donation.TypeText
	}
	username := d.Username
	if username == "" {
		username = donation.AnonymousUsername
	}
	return donation.Event{
		Username:  username,
		Wallet:    d.Wallet,
		Amount:    d.Price,
		Type:      typ,
		Text:      d.Text,
		MediaURL:  d.MediaURL,
		CreatedAt: d.CreatedAt.UTC(),
	}
}
