package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/john/pressme-overlay/internal/logging"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(Config{
		BaseURL:   srv.URL + "/",
		Logger:    logging.Discard(),
		BaseDelay: time.Millisecond,
		MaxDelay:  5 * time.Millisecond,
	})
}

func TestAuthWalletBothShapes(t *testing.T) {
	var body map[string]string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/auth/wallet", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, _ = w.Write([]byte(`{"success":true,"authenticated":true,"user":{"username":"ana","wallet":"W1"},"needsUsername":false}`))
	})

	resp, err := c.AuthWallet(context.Background(), "W1")
	require.NoError(t, err)
	assert.Equal(t, "W1", body["publicKey"])
	assert.True(t, resp.Valid())
	assert.Equal(t, "W1", resp.ResolvedWallet())
	assert.Equal(t, "ana", resp.ResolvedUsername())
	assert.False(t, resp.NeedsOnboarding())
}

func TestAuthResponseClassification(t *testing.T) {
	no := false
	assert.False(t, AuthResponse{Success: true, Authenticated: &no}.Valid())
	assert.False(t, AuthResponse{Success: false}.Valid())
	assert.True(t, AuthResponse{Success: true, Wallet: "W"}.NeedsOnboarding())
	assert.True(t, AuthResponse{Success: true, Username: "ana", NeedsUsername: true}.NeedsOnboarding())
}

func TestErrorBodies(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantMsg  string
		wantCode string
	}{
		{"json error", http.StatusBadRequest, `{"error":"insufficient funds for rent"}`, "insufficient funds for rent", ""},
		{"structured code", http.StatusPaymentRequired, `{"error":"nope","code":"INSUFFICIENT_FUNDS"}`, "nope", "INSUFFICIENT_FUNDS"},
		{"plain text", http.StatusBadRequest, "Transaction failed: blockhash expired", "Transaction failed: blockhash expired", ""},
		{"empty", http.StatusForbidden, "", "HTTP 403", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			_, err := c.StartDonation(context.Background(), DonationRequest{Wallet: "W", Type: "text", Amount: 0.01})
			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.Status)
			assert.Equal(t, tt.wantMsg, apiErr.Message)
			assert.Equal(t, tt.wantCode, apiErr.Code)
		})
	}
}

func TestDonationRoundTrip(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var in map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		switch r.URL.Path {
		case "/donation/start":
			assert.Equal(t, "gm", in["message"])
			_, _ = w.Write([]byte(`{"success":true,"transaction":"AQID"}`))
		case "/donation/confirm":
			assert.Equal(t, "c2lnbmVk", in["signedTransaction"])
			assert.Equal(t, "W", in["wallet"])
			_, _ = w.Write([]byte(`{"success":true,"txSignature":"5igSig"}`))
		default:
			http.NotFound(w, r)
		}
	})

	req := DonationRequest{Wallet: "W", Type: "text", Amount: 0.01, Message: "gm"}
	tx, err := c.StartDonation(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "AQID", tx)

	sig, err := c.ConfirmDonation(context.Background(), req, "c2lnbmVk")
	require.NoError(t, err)
	assert.Equal(t, "5igSig", sig)
}

func TestConfirmWithoutSignatureFails(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":false}`))
	})
	_, err := c.ConfirmDonation(context.Background(), DonationRequest{Wallet: "W"}, "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did not return success")
}

func TestRecentRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2", r.URL.Query().Get("limit"))
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"donations":[{"id":"d2","username":"bo","type":"gif","price":0.02,"created_at":"2025-06-01T20:00:01Z"},{"id":"d1","username":"ana","type":"text","price":0.01,"created_at":"2025-06-01T20:00:00Z"}]}`))
	})

	got, err := c.RecentDonations(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	require.Len(t, got, 2)
	assert.Equal(t, "d2", got[0].ID)
	assert.Equal(t, 0.02, got[0].Price)
}

func TestRecentGivesUpWithLastResponse(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"maintenance"}`))
	})

	_, err := c.RecentDonations(context.Background(), 1)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.Status)
	assert.Equal(t, "maintenance", apiErr.Message)
	assert.Equal(t, int32(4), calls.Load())
}

func TestPostsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})
	err := c.RecordPress(context.Background(), "W", "ana")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRecordPressAnonymous(t *testing.T) {
	var got map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/events/press", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"success":true}`))
	})
	require.NoError(t, c.RecordPress(context.Background(), "", ""))
	assert.Equal(t, true, got["anonymous"])
	assert.Nil(t, got["username"])
}

func TestAddSongValidatesURL(t *testing.T) {
	var hit bool
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hit = true
		var in map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, "https://youtu.be/dQw4w9WgXcQ", in["youtubeUrl"])
		_, _ = w.Write([]byte(`{"success":true}`))
	})

	err := c.AddSong(context.Background(), "W", "https://vimeo.com/123")
	assert.True(t, errors.Is(err, ErrInvalidSongURL))
	assert.False(t, hit)

	require.NoError(t, c.AddSong(context.Background(), "W", " https://youtu.be/dQw4w9WgXcQ "))
	assert.True(t, hit)
}

func TestCircuitOpensAfterFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(Config{
		BaseURL:         srv.URL,
		Logger:          logging.Discard(),
		MaxRetries:      -1,
		BreakerFailures: 2,
		BreakerWindow:   2,
		BreakerDelay:    time.Minute,
	})
	for i := 0; i < 2; i++ {
		_ = c.RecordPress(context.Background(), "W", "")
	}
	assert.True(t, c.BreakerOpen())
	err := c.RecordPress(context.Background(), "W", "")
	require.Error(t, err)
	var apiErr *APIError
	assert.False(t, errors.As(err, &apiErr))
}
