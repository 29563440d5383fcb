package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/john/pressme-overlay/internal/donation"
	"github.com/john/pressme-overlay/internal/logging"
	"github.com/john/pressme-overlay/internal/metrics"
	"github.com/john/pressme-overlay/internal/overlay"
	"github.com/john/pressme-overlay/internal/transport"
)

type fakeOverlay struct {
	mu   sync.Mutex
	snap overlay.Snapshot
	subs []func(overlay.Transition)
}

func (f *fakeOverlay) Snapshot() overlay.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeOverlay) Subscribe(fn func(overlay.Transition)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, fn)
	return func() {}
}

func (f *fakeOverlay) emit(tr overlay.Transition) {
	f.mu.Lock()
	subs := append(([]func(overlay.Transition))(nil), f.subs...)
	f.mu.Unlock()
	for _, fn := range subs {
		fn(tr)
	}
}

type fakeStream bool

func (f fakeStream) Connected() bool { return bool(f) }

func newTestServer(t *testing.T) (*Server, *fakeOverlay, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ov := &fakeOverlay{snap: overlay.Snapshot{State: overlay.StateIdle, Pending: 2}}
	s := New(Config{Overlay: ov, Stream: fakeStream(true), Metrics: metrics.New(), Logger: logging.Discard()})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ov, ts
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealthStateAndMetrics(t *testing.T) {
	s, _, ts := newTestServer(t)

	var health map[string]any
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/health", &health))
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, true, health["stream_connected"])

	var snap overlay.Snapshot
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/overlay/state", &snap))
	assert.Equal(t, overlay.StateIdle, snap.State)
	assert.Equal(t, 2, snap.Pending)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "pressme_queue_depth")

	assert.Equal(t, http.StatusNoContent, getJSON(t, ts.URL+"/music/now-playing", nil))
	s.SetNowPlaying(transport.NowPlaying{Title: "Song", Artist: "Band"})
	var np transport.NowPlaying
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/music/now-playing", &np))
	assert.Equal(t, "Band", np.Artist)
}

type sseEvent struct {
	name string
	data string
}

func readEvents(t *testing.T, r *bufio.Reader, out chan<- sseEvent) {
	var ev sseEvent
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			close(out)
			return
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event:"):
			ev.name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			ev.data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		case line == "" && ev.name != "":
			out <- ev
			ev = sseEvent{}
		}
	}
}

func nextEvent(t *testing.T, ch <-chan sseEvent) sseEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "stream closed")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no event")
		return sseEvent{}
	}
}

func TestEventStream(t *testing.T) {
	s, ov, ts := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/overlay/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	events := make(chan sseEvent, 8)
	go readEvents(t, bufio.NewReader(resp.Body), events)

	first := nextEvent(t, events)
	assert.Equal(t, "state", first.name)

	d := donation.Queued{ID: "d1", Event: donation.Event{Username: "ana", Type: donation.TypeText}}
	ov.emit(overlay.Transition{From: overlay.StateIdle, To: overlay.StateAnimatingButton, Event: overlay.EventDequeue, Donation: &d})
	require.NoError(t, s.Play(overlay.CueBoom))

	tr := nextEvent(t, events)
	assert.Equal(t, "transition", tr.name)
	var got overlay.Transition
	require.NoError(t, json.Unmarshal([]byte(tr.data), &got))
	assert.Equal(t, overlay.StateAnimatingButton, got.To)
	require.NotNil(t, got.Donation)
	assert.Equal(t, "ana", got.Donation.Username)

	cue := nextEvent(t, events)
	assert.Equal(t, "cue", cue.name)
	assert.JSONEq(t, `{"cue":"boom"}`, cue.data)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
	defer shutdownCancel()
	require.NoError(t, s.Shutdown(shutdownCtx))
	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-events:
			return !ok
		default:
			return false
		}
	}, 5*time.Second, 5*time.Millisecond)
}
