package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/john/pressme-overlay/internal/backend"
	"github.com/john/pressme-overlay/internal/clock"
	"github.com/john/pressme-overlay/internal/logging"
	"github.com/john/pressme-overlay/internal/metrics"
	"github.com/john/pressme-overlay/internal/transport"
	"github.com/john/pressme-overlay/internal/wallet"
)

// Backend is the part of the REST API sign-in needs
type Backend interface {
	AuthWallet(ctx context.Context, publicKey string) (backend.AuthResponse, error)
	CreateUser(ctx context.Context, publicKey, username string) (backend.AuthResponse, error)
}

// Config configures a Manager
type Config struct {
	Wallet       wallet.Provider
	Backend      Backend
	Store        Store
	Clock        clock.Clock
	Logger       logging.Logger
	Metrics      *metrics.Metrics
	WalletName   string        // Adapter to select, defaults to the provider's name
	SettleDelay  time.Duration // Wait after selecting the adapter
	PollAttempts int           // Public key checks after connect
	PollInterval time.Duration
}

// Status is a point-in-time view of the manager
type Status struct {
	State           State   `json:"state"`
	Session         Session `json:"session"`
	LastError       string  `json:"last_error,omitempty"`
	WalletConnected bool    `json:"wallet_connected"`
	Restored        bool    `json:"restored"`
}

// Manager runs the wallet sign-in handshake and owns the session
type Manager struct {
	cfg     Config
	clock   clock.Clock
	log     logging.Entry
	metrics *metrics.Metrics

	mu              sync.Mutex
	state           State
	session         Session
	lastErr         string
	authenticating  bool
	walletConnected bool
	restored        bool
}

// NewManager creates a manager and restores any saved session before
// returning
func NewManager(ctx context.Context, cfg Config) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Store == nil {
		cfg.Store = &MemoryStore{}
	}
	if cfg.WalletName == "" && cfg.Wallet != nil {
		cfg.WalletName = cfg.Wallet.Name()
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 250 * time.Millisecond
	}
	if cfg.PollAttempts <= 0 {
		cfg.PollAttempts = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}

	m := &Manager{
		cfg:     cfg,
		clock:   cfg.Clock,
		log:     logging.Component(cfg.Logger, "auth"),
		metrics: cfg.Metrics,
		state:   StateUnauthenticated,
	}
	m.restore(ctx)
	return m
}

func (m *Manager) restore(ctx context.Context) {
	s, ok, err := m.cfg.Store.Load(ctx)
	if errors.Is(err, ErrCorruptSession) {
		m.log.WithError(err).Error("Saved session is unreadable, clearing it")
		if err := m.cfg.Store.Clear(ctx); err != nil {
			m.log.WithError(err).Warn("Failed to clear unreadable session")
		}
		return
	}
	if err != nil {
		m.log.WithError(err).Error("Failed to restore session, keeping it saved")
		return
	}
	if !ok || !s.IsAuthenticated || s.Wallet == "" {
		return
	}
	s.NeedsUsername = s.NeedsUsername || s.Username == ""
	m.session = s
	m.state = s.State()
	m.restored = true
	m.log.WithFields(logging.Fields{"wallet": s.Wallet, "username": s.Username}).Info("Restored session")
}

// Status returns the current state
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		State:           m.state,
		Session:         m.session,
		LastError:       m.lastErr,
		WalletConnected: m.walletConnected,
		Restored:        m.restored,
	}
}

// Session returns the current session
func (m *Manager) Session() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// ConnectAndSignIn connects the wallet and signs it in with the backend. A
// call made while another is in flight returns the current session and does
// nothing else.
func (m *Manager) ConnectAndSignIn(ctx context.Context) (Session, error) {
	m.mu.Lock()
	if m.authenticating {
		s := m.session
		m.mu.Unlock()
		m.metrics.AuthAttempt("skipped")
		m.log.Debug("Already connecting, skipping duplicate call")
		return s, nil
	}
	m.authenticating = true
	m.state = StateAuthenticating
	m.lastErr = ""
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.authenticating = false
		m.mu.Unlock()
	}()

	var s Session
	err := guard(func() error {
		var err error
		s, err = m.signIn(ctx)
		return err
	})
	if err != nil {
		return Session{}, m.fail(err)
	}
	m.metrics.AuthAttempt(string(s.State()))
	return s, nil
}

func (m *Manager) signIn(ctx context.Context) (Session, error) {
	w := m.cfg.Wallet
	if w == nil || !w.Detected() {
		return Session{}, &Error{
			Code:    CodeWalletNotConnected,
			Message: "Wallet not detected. Please install a wallet.",
			Err:     wallet.ErrNotDetected,
		}
	}

	m.log.WithField("wallet", m.cfg.WalletName).Debug("Selecting wallet")
	if err := w.Select(m.cfg.WalletName); err != nil {
		return Session{}, &Error{Code: CodeWalletUnavailable, Message: "Wallet adapter not available.", Err: err}
	}
	if err := m.clock.Sleep(ctx, m.cfg.SettleDelay); err != nil {
		return Session{}, &Error{Code: CodeUnknown, Message: "Sign-in cancelled.", Err: err}
	}

	if err := w.Connect(ctx); err != nil {
		if errors.Is(err, wallet.ErrUserRejected) {
			return Session{}, &Error{Code: CodeUserRejected, Message: "Wallet connection was cancelled.", Err: err}
		}
		return Session{}, &Error{Code: CodeWalletUnavailable, Message: cleanError(err), Err: err}
	}
	m.mu.Lock()
	m.walletConnected = true
	m.mu.Unlock()

	address, err := m.pollPublicKey(ctx)
	if err != nil {
		return Session{}, err
	}
	m.log.WithField("wallet", address).Info("Wallet connected")

	resp, err := m.cfg.Backend.AuthWallet(ctx, address)
	if err != nil {
		return Session{}, &Error{Code: CodeBackend, Message: "Failed to authenticate wallet. Please try again.", Err: err}
	}
	if !resp.Valid() {
		return Session{}, &Error{Code: CodeInvalidResponse, Message: "Unexpected authentication response."}
	}

	walletAddr := strings.TrimSpace(resp.ResolvedWallet())
	if walletAddr == "" {
		walletAddr = address
	}
	username := strings.TrimSpace(resp.ResolvedUsername())
	s := Session{
		IsAuthenticated: true,
		Wallet:          walletAddr,
		Username:        username,
		NeedsUsername:   resp.NeedsOnboarding() || username == "",
	}
	m.commit(ctx, s)
	return s, nil
}

func (m *Manager) pollPublicKey(ctx context.Context) (string, error) {
	for attempt := 1; ; attempt++ {
		if pk, ok := m.cfg.Wallet.PublicKey(); ok {
			return pk.String(), nil
		}
		if attempt >= m.cfg.PollAttempts {
			return "", &Error{Code: CodeNoPublicKey, Message: "Failed to get wallet address. Please try again."}
		}
		if err := m.clock.Sleep(ctx, m.cfg.PollInterval); err != nil {
			return "", &Error{Code: CodeUnknown, Message: "Sign-in cancelled.", Err: err}
		}
	}
}

// SetUsername completes onboarding for the signed-in wallet. It uses the
// session wallet so the wallet does not need to be connected.
func (m *Manager) SetUsername(ctx context.Context, name string) (Session, error) {
	var s Session
	err := guard(func() error {
		var err error
		s, err = m.setUsername(ctx, name)
		return err
	})
	if err != nil {
		e := AsError(err)
		if e == nil {
			e = &Error{Code: CodeUnknown, Message: "Failed to set username. Please try again.", Err: err}
		}
		m.mu.Lock()
		m.lastErr = e.Message
		m.mu.Unlock()
		m.log.WithError(err).Warn("Failed to set username")
		return Session{}, e
	}
	return s, nil
}

func (m *Manager) setUsername(ctx context.Context, name string) (Session, error) {
	if err := ValidateUsername(name); err != nil {
		return Session{}, err
	}

	m.mu.Lock()
	walletAddr := m.session.Wallet
	m.mu.Unlock()
	if walletAddr == "" && m.cfg.Wallet != nil {
		if pk, ok := m.cfg.Wallet.PublicKey(); ok {
			walletAddr = pk.String()
		}
	}
	if walletAddr == "" {
		return Session{}, &Error{Code: CodeWalletNotConnected, Message: "Wallet address not available."}
	}

	resp, err := m.cfg.Backend.CreateUser(ctx, walletAddr, name)
	if err != nil {
		return Session{}, &Error{Code: CodeBackend, Message: "Failed to set username. Please try again.", Err: err}
	}
	if !resp.Valid() {
		return Session{}, &Error{Code: CodeInvalidResponse, Message: "Failed to set username. Please try again."}
	}

	s := Session{
		IsAuthenticated: true,
		Wallet:          firstNonEmpty(resp.ResolvedWallet(), walletAddr),
		Username:        firstNonEmpty(strings.TrimSpace(resp.ResolvedUsername()), name),
	}
	m.commit(ctx, s)
	m.log.WithField("username", s.Username).Info("Username saved")
	return s, nil
}

// Logout disconnects the wallet, ignoring errors, and clears the session in
// memory and in the store
func (m *Manager) Logout(ctx context.Context) error {
	if w := m.cfg.Wallet; w != nil {
		if err := guard(func() error { return w.Disconnect(ctx) }); err != nil {
			m.log.WithError(err).Warn("Disconnect warning")
		}
	}

	m.mu.Lock()
	m.session = Session{}
	m.state = StateUnauthenticated
	m.lastErr = ""
	m.walletConnected = false
	m.restored = false
	m.mu.Unlock()

	if err := m.cfg.Store.Clear(ctx); err != nil {
		m.log.WithError(err).Error("Failed to clear saved session")
		return err
	}
	m.log.Info("Logged out")
	return nil
}

// HandleWalletDisconnected records a wallet-level disconnect. The session is
// kept; only Logout clears it.
func (m *Manager) HandleWalletDisconnected() {
	m.mu.Lock()
	m.walletConnected = false
	s := m.session
	m.mu.Unlock()
	m.log.WithField("authenticated", s.IsAuthenticated).Info("Wallet disconnected, keeping session")
}

// HandleAuthEvent applies a sign-in confirmation pushed by the backend
func (m *Manager) HandleAuthEvent(ev transport.AuthEvent) {
	if strings.TrimSpace(ev.Wallet) == "" {
		return
	}
	username := strings.TrimSpace(ev.Username)
	s := Session{
		IsAuthenticated: true,
		Wallet:          strings.TrimSpace(ev.Wallet),
		Username:        username,
		NeedsUsername:   username == "",
	}
	m.commit(context.Background(), s)
	m.log.WithFields(logging.Fields{"wallet": s.Wallet, "username": s.Username}).Info("Session updated by server")
}

// commit makes s the current session and persists it
func (m *Manager) commit(ctx context.Context, s Session) {
	m.mu.Lock()
	m.session = s
	m.state = s.State()
	m.lastErr = ""
	m.mu.Unlock()

	if err := m.cfg.Store.Save(ctx, s); err != nil {
		m.log.WithError(err).Error("Failed to save session")
	}
}

// fail resets to unauthenticated and records the error. The session, in
// memory and in the store, is left alone; only Logout clears it.
func (m *Manager) fail(err error) *Error {
	e := AsError(err)
	if e == nil {
		e = &Error{Code: CodeUnknown, Message: cleanError(err), Err: err}
	}
	m.mu.Lock()
	m.state = StateUnauthenticated
	m.lastErr = e.Message
	m.mu.Unlock()

	m.metrics.AuthAttempt("failed")
	m.log.WithError(err).WithField("code", e.Code).Warn("Sign-in failed")
	return e
}

// guard runs fn and turns a panic into an error
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &Error{Code: CodeUnknown, Message: "An unexpected error occurred.", Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	return fn()
}

func cleanError(err error) string {
	if err == nil {
		return "Unknown error"
	}
	return err.Error()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
