package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"github.com/john/pressme-overlay/internal/logging"
)

// ErrInvalidSongURL is returned by AddSong for non-YouTube links
var ErrInvalidSongURL = errors.New("please enter a valid YouTube URL")

var youtubePattern = regexp.MustCompile(`^(https?://)?(www\.)?(youtube\.com|youtu\.be)/.+`)

// APIError is a non-2xx backend response
type APIError struct {
	Status  int
	Message string
	Code    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend returned status %d", e.Status)
	}
	return e.Message
}

// Config configures the REST client
type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     logging.Logger

	// Retry settings for idempotent requests
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration

	// Circuit breaker shared by every request
	BreakerFailures uint
	BreakerWindow   uint
	BreakerDelay    time.Duration
}

// Client talks to the PressMe backend REST API
type Client struct {
	baseURL string
	http    *http.Client
	log     logging.Entry
	breaker circuitbreaker.CircuitBreaker[*http.Response]
	reads   failsafe.Executor[*http.Response]
	writes  failsafe.Executor[*http.Response]
}

// NewClient creates a backend client
//
//nolint:bodyclose // *http.Response is a type parameter here
func NewClient(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	} else if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = 5 * time.Second
	}
	if cfg.BreakerWindow == 0 {
		cfg.BreakerWindow = 10
	}
	if cfg.BreakerFailures == 0 || cfg.BreakerFailures > cfg.BreakerWindow {
		cfg.BreakerFailures = cfg.BreakerWindow / 2
	}
	if cfg.BreakerDelay <= 0 {
		cfg.BreakerDelay = 15 * time.Second
	}

	log := logging.Component(cfg.Logger, "backend")

	breaker := circuitbreaker.NewBuilder[*http.Response]().
		WithFailureThresholdRatio(cfg.BreakerFailures, cfg.BreakerWindow).
		WithDelay(cfg.BreakerDelay).
		WithSuccessThreshold(1).
		HandleIf(func(resp *http.Response, err error) bool {
			return err != nil || (resp != nil && resp.StatusCode >= 500)
		}).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			log.WithFields(logging.Fields{
				"from_state": e.OldState,
				"to_state":   e.NewState,
			}).Warn("circuit breaker state change")
		}).
		Build()

	retry := retrypolicy.NewBuilder[*http.Response]().
		WithBackoff(cfg.BaseDelay, cfg.MaxDelay).
		WithMaxRetries(cfg.MaxRetries).
		WithJitterFactor(0.1).
		HandleIf(shouldRetry).
		ReturnLastFailure().
		Build()

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    cfg.HTTPClient,
		log:     log,
		breaker: breaker,
		reads:   failsafe.With[*http.Response](retry, breaker),
		writes:  failsafe.With[*http.Response](breaker),
	}
}

// shouldRetry retries network errors, 5xx and 429
func shouldRetry(resp *http.Response, err error) bool {
	if err != nil {
		return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	}
	if resp == nil {
		return true
	}
	switch resp.StatusCode {
	case http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout,
		http.StatusTooManyRequests:
		return true
	}
	return false
}

// BreakerOpen reports whether the circuit breaker is currently rejecting calls
func (c *Client) BreakerOpen() bool {
	return c.breaker.IsOpen()
}

// User is the nested user object of an auth response
type User struct {
	Username string `json:"username"`
	Wallet   string `json:"wallet"`
}

// AuthResponse is the unified response of /auth/wallet and /auth/create-user.
// Older backends use camelCase and nest the user.
type AuthResponse struct {
	Success            bool   `json:"success"`
	Authenticated      *bool  `json:"authenticated,omitempty"`
	NeedsUsername      bool   `json:"needs_username"`
	NeedsUsernameCamel bool   `json:"needsUsername"`
	Wallet             string `json:"wallet"`
	Username           string `json:"username"`
	User               *User  `json:"user,omitempty"`
	Error              string `json:"error,omitempty"`
}

// Valid reports whether the backend accepted the wallet
func (r AuthResponse) Valid() bool {
	return r.Success && (r.Authenticated == nil || *r.Authenticated)
}

// ResolvedWallet returns the wallet from either response shape
func (r AuthResponse) ResolvedWallet() string {
	if r.Wallet != "" {
		return r.Wallet
	}
	if r.User != nil {
		return r.User.Wallet
	}
	return ""
}

// ResolvedUsername returns the username from either response shape
func (r AuthResponse) ResolvedUsername() string {
	if r.Username != "" {
		return r.Username
	}
	if r.User != nil {
		return r.User.Username
	}
	return ""
}

// NeedsOnboarding reports whether the wallet still has to pick a username
func (r AuthResponse) NeedsOnboarding() bool {
	return r.NeedsUsername || r.NeedsUsernameCamel || r.ResolvedUsername() == ""
}

// AuthWallet signs a wallet in
func (c *Client) AuthWallet(ctx context.Context, publicKey string) (AuthResponse, error) {
	var out AuthResponse
	err := c.post(ctx, "/auth/wallet", map[string]string{"publicKey": publicKey}, &out)
	return out, err
}

// CreateUser registers a username for a wallet
func (c *Client) CreateUser(ctx context.Context, publicKey, username string) (AuthResponse, error) {
	var out AuthResponse
	err := c.post(ctx, "/auth/create-user", map[string]string{
		"publicKey": publicKey,
		"username":  username,
	}, &out)
	return out, err
}

// DonationRequest is the body of /donation/start and the shared fields of
// /donation/confirm
type DonationRequest struct {
	Wallet   string  `json:"wallet"`
	Type     string  `json:"type"`
	Amount   float64 `json:"amount"`
	Message  string  `json:"message,omitempty"`
	MediaURL string  `json:"mediaUrl,omitempty"`
}

// StartDonation asks the backend to build an unsigned transaction. It
// returns the base64 transaction blob.
func (c *Client) StartDonation(ctx context.Context, req DonationRequest) (string, error) {
	var out struct {
		Success     bool   `json:"success"`
		Transaction string `json:"transaction"`
		Error       string `json:"error"`
	}
	if err := c.post(ctx, "/donation/start", req, &out); err != nil {
		return "", err
	}
	if out.Transaction == "" {
		msg := out.Error
		if msg == "" {
			msg = "backend did not return a transaction"
		}
		return "", &APIError{Status: http.StatusOK, Message: msg}
	}
	return out.Transaction, nil
}

// ConfirmDonation submits the signed transaction and returns its signature
func (c *Client) ConfirmDonation(ctx context.Context, req DonationRequest, signedTx string) (string, error) {
	body := struct {
		DonationRequest
		SignedTransaction string `json:"signedTransaction"`
	}{req, signedTx}

	var out struct {
		Success     bool   `json:"success"`
		Signature   string `json:"signature"`
		TxSignature string `json:"txSignature"`
		Error       string `json:"error"`
	}
	if err := c.post(ctx, "/donation/confirm", body, &out); err != nil {
		return "", err
	}
	sig := out.Signature
	if sig == "" {
		sig = out.TxSignature
	}
	if !out.Success || sig == "" {
		msg := out.Error
		if msg == "" {
			msg = "backend did not return success or signature"
		}
		return "", &APIError{Status: http.StatusOK, Message: msg}
	}
	return sig, nil
}

// Donation is a persisted donation as listed by /donation/recent
type Donation struct {
	ID        string    `json:"id"`
	Wallet    string    `json:"wallet"`
	Username  string    `json:"username"`
	Type      string    `json:"type"`
	MediaURL  string    `json:"media_url"`
	Text      string    `json:"text"`
	Price     float64   `json:"price"`
	TxHash    string    `json:"tx_hash"`
	CreatedAt time.Time `json:"created_at"`
}

// RecentDonations returns the newest donations first
func (c *Client) RecentDonations(ctx context.Context, limit int) ([]Donation, error) {
	if limit <= 0 {
		limit = 10
	}
	var out struct {
		Donations []Donation `json:"donations"`
	}
	q := url.Values{"limit": {strconv.Itoa(limit)}}
	if err := c.get(ctx, "/donation/recent?"+q.Encode(), &out); err != nil {
		return nil, err
	}
	return out.Donations, nil
}

// RecordPress reports a press of the big red button. An empty username is
// recorded as anonymous.
func (c *Client) RecordPress(ctx context.Context, wallet, username string) error {
	body := struct {
		Wallet    string  `json:"wallet,omitempty"`
		Username  *string `json:"username"`
		Anonymous bool    `json:"anonymous"`
	}{Wallet: wallet, Anonymous: username == ""}
	if username != "" {
		body.Username = &username
	}
	return c.post(ctx, "/events/press", body, nil)
}

// AddSong queues a YouTube song for the stream
func (c *Client) AddSong(ctx context.Context, wallet, youtubeURL string) error {
	youtubeURL = strings.TrimSpace(youtubeURL)
	if !youtubePattern.MatchString(youtubeURL) {
		return ErrInvalidSongURL
	}
	return c.post(ctx, "/music/queue/add", map[string]string{
		"wallet":     wallet,
		"youtubeUrl": youtubeURL,
	}, nil)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, c.reads, http.MethodGet, path, nil, out)
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	return c.do(ctx, c.writes, http.MethodPost, path, body, out)
}

func (c *Client) do(ctx context.Context, exec failsafe.Executor[*http.Response], method, path string, body []byte, out any) error {
	u := c.baseURL + path
	log := c.log.WithFields(logging.Fields{"method": method, "path": path})

	resp, err := exec.WithContext(ctx).Get(func() (*http.Response, error) {
		var r io.Reader
		if body != nil {
			r = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, u, r)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		return c.roundTrip(req)
	})
	if err != nil {
		if errors.Is(err, circuitbreaker.ErrOpen) {
			log.Warn("Backend circuit open")
		}
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := decodeError(resp.StatusCode, data)
		log.WithFields(logging.Fields{"status": resp.StatusCode, "code": apiErr.Code}).Debug("Backend request failed")
		return apiErr
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

// roundTrip executes req and buffers the body so a response handed back by
// the retry policy is still readable
func (c *Client) roundTrip(req *http.Request) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, err
	}
	resp.Body = io.NopCloser(bytes.NewReader(data))
	return resp, nil
}

func decodeError(status int, data []byte) *APIError {
	apiErr := &APIError{Status: status}
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
		Code    string `json:"code"`
	}
	if json.Unmarshal(data, &body) == nil {
		apiErr.Code = body.Code
		apiErr.Message = body.Error
		if apiErr.Message == "" {
			apiErr.Message = body.Message
		}
	}
	if apiErr.Message == "" && apiErr.Code == "" {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	if apiErr.Message == "" {
		apiErr.Message = fmt.Sprintf("HTTP %d", status)
	}
	return apiErr
}
