package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/john/pressme-overlay/internal/clock"
	"github.com/john/pressme-overlay/internal/donation"
	"github.com/john/pressme-overlay/internal/logging"
	"github.com/john/pressme-overlay/internal/metrics"
)

var t0 = time.Date(2025, 6, 1, 20, 0, 0, 0, time.UTC)

type played struct {
	at time.Time
	d  donation.Queued
}

func newTestQueue() (*Queue, *clock.Manual, *[]played) {
	c := clock.NewManual(t0)
	q := New(Config{Clock: c, Logger: logging.Discard(), Metrics: metrics.New()})
	var got []played
	q.SetSink(func(d donation.Queued) {
		got = append(got, played{at: c.Now(), d: d})
	})
	return q, c, &got
}

func event(user string, amount float64, offset time.Duration) donation.Event {
	return donation.Event{
		Username:  user,
		Amount:    amount,
		Type:      donation.TypeText,
		Text:      "gm",
		CreatedAt: t0.Add(offset),
	}
}

func TestThreeDonationsPlaySequentially(t *testing.T) {
	q, c, got := newTestQueue()

	require.True(t, q.Push(event("ana", 0.01, 1*time.Second)))
	require.True(t, q.Push(event("ana", 0.02, 2*time.Second)))
	require.True(t, q.Push(event("ana", 0.03, 3*time.Second)))

	require.Len(t, *got, 1)
	c.Advance(DefaultHold - time.Millisecond)
	require.Len(t, *got, 1, "second donation must wait for the hold")

	c.Advance(time.Millisecond)
	require.Len(t, *got, 2)
	c.Advance(DefaultHold)
	require.Len(t, *got, 3)

	amounts := []float64{(*got)[0].d.Amount, (*got)[1].d.Amount, (*got)[2].d.Amount}
	assert.Equal(t, []float64{0.01, 0.02, 0.03}, amounts)
	for i := 1; i < len(*got); i++ {
		gap := (*got)[i].at.Sub((*got)[i-1].at)
		assert.GreaterOrEqual(t, gap, DefaultHold)
	}

	c.Advance(DefaultHold)
	assert.False(t, q.Playing())
}

func TestDuplicatesPlayOnceInFirstSeenOrder(t *testing.T) {
	q, c, got := newTestQueue()

	seq := []donation.Event{
		event("bo", 0.05, 10*time.Second),
		event("ana", 0.01, 5*time.Second),
		event("bo", 0.05, 10*time.Second),
		event("cy", 0.02, 1*time.Second),
		event("ana", 0.01, 5*time.Second),
		event("bo", 0.05, 10*time.Second),
	}
	accepted := 0
	for _, ev := range seq {
		if q.Push(ev) {
			accepted++
		}
	}
	assert.Equal(t, 3, accepted)

	c.Advance(10 * DefaultHold)
	require.Len(t, *got, 3)
	assert.Equal(t, "bo", (*got)[0].d.Username)
	assert.Equal(t, "ana", (*got)[1].d.Username)
	assert.Equal(t, "cy", (*got)[2].d.Username)

	// a replay after playback is still suppressed
	assert.False(t, q.Push(event("ana", 0.01, 5*time.Second)))
}

func TestPushWhileHoldingDoesNotInterleave(t *testing.T) {
	q, c, got := newTestQueue()

	q.Push(event("ana", 0.01, 0))
	c.Advance(2 * time.Second)
	q.Push(event("bo", 0.01, 0))
	c.Advance(2 * time.Second)
	q.Push(event("cy", 0.01, 0))
	assert.Len(t, *got, 1)
	assert.Equal(t, 2, q.Len())

	c.Advance(1500 * time.Millisecond)
	assert.Len(t, *got, 2)
	assert.Equal(t, t0.Add(DefaultHold), (*got)[1].at)
}

func TestQueuesBeforeSinkRegistered(t *testing.T) {
	c := clock.NewManual(t0)
	q := New(Config{Clock: c, Logger: logging.Discard()})

	q.Push(event("ana", 0.01, 0))
	q.Push(event("bo", 0.02, 0))
	assert.Equal(t, 2, q.Len())
	assert.False(t, q.Playing())

	var got []string
	q.SetSink(func(d donation.Queued) { got = append(got, d.Username) })
	assert.Equal(t, []string{"ana"}, got)
	c.Advance(DefaultHold)
	assert.Equal(t, []string{"ana", "bo"}, got)
}

func TestPanickingSinkDoesNotStall(t *testing.T) {
	c := clock.NewManual(t0)
	m := metrics.New()
	q := New(Config{Clock: c, Logger: logging.Discard(), Metrics: m})

	var got []string
	q.SetSink(func(d donation.Queued) {
		got = append(got, d.Username)
		if d.Username == "bad" {
			panic("render failed")
		}
	})

	q.Push(event("bad", 0.01, 0))
	q.Push(event("good", 0.01, 0))
	c.Advance(DefaultHold)
	assert.Equal(t, []string{"bad", "good"}, got)
}

func TestDefaultsApplied(t *testing.T) {
	q, _, got := newTestQueue()
	q.Push(donation.Event{Amount: 0.01})

	require.Len(t, *got, 1)
	d := (*got)[0].d
	assert.Equal(t, donation.AnonymousUsername, d.Username)
	assert.Equal(t, donation.TypeText, d.Type)
	assert.Equal(t, t0, d.CreatedAt)
	assert.NotEmpty(t, d.ID)
}

func TestClearAndStop(t *testing.T) {
	q, c, got := newTestQueue()
	q.Push(event("ana", 0.01, 0))
	q.Push(event("bo", 0.01, 0))

	q.Clear()
	assert.Zero(t, q.Len())
	assert.False(t, q.Playing())
	c.Advance(DefaultHold)
	assert.Len(t, *got, 1)

	// seen keys are forgotten by Clear
	assert.True(t, q.Push(event("bo", 0.01, 0)))
	assert.Len(t, *got, 2)

	q.Stop()
	assert.False(t, q.Push(event("cy", 0.01, 0)))
	assert.Zero(t, c.Pending())
}
