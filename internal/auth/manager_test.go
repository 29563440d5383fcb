package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/john/pressme-overlay/internal/backend"
	"github.com/john/pressme-overlay/internal/clock"
	"github.com/john/pressme-overlay/internal/logging"
	"github.com/john/pressme-overlay/internal/transport"
	"github.com/john/pressme-overlay/internal/wallet"
)

type fakeWallet struct {
	mu            sync.Mutex
	detected      bool
	key           solana.PublicKey
	keyAfter      int
	keyCalls      int
	selected      string
	connected     bool
	connectCalls  int
	connectErr    error
	disconnectErr error
	panicConnect  bool
}

func newFakeWallet() *fakeWallet {
	return &fakeWallet{detected: true, key: solana.NewWallet().PublicKey()}
}

func (f *fakeWallet) Name() string { return "Phantom" }

func (f *fakeWallet) Detected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.detected
}

func (f *fakeWallet) Select(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.selected = name
	return nil
}

func (f *fakeWallet) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectCalls++
	if f.panicConnect {
		panic("adapter exploded")
	}
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeWallet) PublicKey() (solana.PublicKey, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keyCalls++
	if !f.connected || f.keyCalls <= f.keyAfter {
		return solana.PublicKey{}, false
	}
	return f.key, true
}

func (f *fakeWallet) SignTransaction(ctx context.Context, tx *solana.Transaction) (*solana.Transaction, error) {
	return tx, nil
}

func (f *fakeWallet) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return f.disconnectErr
}

func (f *fakeWallet) connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectCalls
}

type fakeBackend struct {
	mu          sync.Mutex
	authCalls   int
	createCalls int
	authResp    backend.AuthResponse
	authErr     error
	createResp  backend.AuthResponse
	createArgs  [2]string
	entered     chan struct{}
	release     chan struct{}
}

func (f *fakeBackend) AuthWallet(ctx context.Context, publicKey string) (backend.AuthResponse, error) {
	f.mu.Lock()
	f.authCalls++
	resp, err := f.authResp, f.authErr
	entered, release := f.entered, f.release
	f.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if release != nil {
		<-release
	}
	if resp.Wallet == "" && resp.User == nil && err == nil {
		resp.Wallet = publicKey
	}
	return resp, err
}

func (f *fakeBackend) CreateUser(ctx context.Context, publicKey, username string) (backend.AuthResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	f.createArgs = [2]string{publicKey, username}
	return f.createResp, nil
}

func (f *fakeBackend) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authCalls
}

func yes() *bool {
	b := true
	return &b
}

func newTestManager(t *testing.T, w wallet.Provider, b Backend, store Store) *Manager {
	t.Helper()
	if store == nil {
		store = &MemoryStore{}
	}
	return NewManager(context.Background(), Config{
		Wallet:       w,
		Backend:      b,
		Store:        store,
		Logger:       logging.Discard(),
		SettleDelay:  time.Millisecond,
		PollInterval: time.Millisecond,
	})
}

func TestSignInAuthenticated(t *testing.T) {
	w := newFakeWallet()
	b := &fakeBackend{authResp: backend.AuthResponse{Success: true, Authenticated: yes(), Username: "ana"}}
	store := &MemoryStore{}
	m := newTestManager(t, w, b, store)

	s, err := m.ConnectAndSignIn(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Session{IsAuthenticated: true, Wallet: w.key.String(), Username: "ana"}, s)
	assert.Equal(t, StateAuthenticated, m.Status().State)
	assert.Equal(t, "Phantom", w.selected)

	saved, ok, _ := store.Load(context.Background())
	require.True(t, ok)
	assert.Equal(t, s, saved)
}

func TestSignInNeedsUsernameThenSetUsername(t *testing.T) {
	w := newFakeWallet()
	b := &fakeBackend{
		authResp:   backend.AuthResponse{Success: true, Authenticated: yes(), NeedsUsername: true},
		createResp: backend.AuthResponse{Success: true},
	}
	m := newTestManager(t, w, b, nil)

	s, err := m.ConnectAndSignIn(context.Background())
	require.NoError(t, err)
	assert.True(t, s.NeedsUsername)
	assert.Equal(t, StateNeedsUsername, m.Status().State)

	// onboarding works from the session wallet even after a disconnect
	m.HandleWalletDisconnected()
	w.connected = false

	s, err = m.SetUsername(context.Background(), "cool_ana")
	require.NoError(t, err)
	assert.False(t, s.NeedsUsername)
	assert.Equal(t, "cool_ana", s.Username)
	assert.Equal(t, [2]string{w.key.String(), "cool_ana"}, b.createArgs)
	assert.Equal(t, StateAuthenticated, m.Status().State)
}

func TestSessionSurvivesWalletDisconnect(t *testing.T) {
	w := newFakeWallet()
	b := &fakeBackend{authResp: backend.AuthResponse{Success: true, Authenticated: yes(), Username: "ana"}}
	store := &MemoryStore{}
	m := newTestManager(t, w, b, store)

	before, err := m.ConnectAndSignIn(context.Background())
	require.NoError(t, err)

	m.HandleWalletDisconnected()
	st := m.Status()
	assert.Equal(t, before, st.Session)
	assert.Equal(t, StateAuthenticated, st.State)
	assert.False(t, st.WalletConnected)
	saved, ok, _ := store.Load(context.Background())
	assert.True(t, ok)
	assert.Equal(t, before, saved)

	w.disconnectErr = errors.New("already disconnected")
	require.NoError(t, m.Logout(context.Background()))
	assert.Equal(t, Session{}, m.Session())
	assert.Equal(t, StateUnauthenticated, m.Status().State)
	_, ok, _ = store.Load(context.Background())
	assert.False(t, ok)
}

func TestConcurrentSignInCallsBackendOnce(t *testing.T) {
	w := newFakeWallet()
	b := &fakeBackend{
		authResp: backend.AuthResponse{Success: true, Username: "ana"},
		entered:  make(chan struct{}, 1),
		release:  make(chan struct{}),
	}
	m := newTestManager(t, w, b, nil)

	done := make(chan error, 1)
	go func() {
		_, err := m.ConnectAndSignIn(context.Background())
		done <- err
	}()
	<-b.entered
	assert.Equal(t, StateAuthenticating, m.Status().State)

	s, err := m.ConnectAndSignIn(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Session{}, s)

	close(b.release)
	require.NoError(t, <-done)
	assert.Equal(t, 1, b.calls())
	assert.Equal(t, 1, w.connects())
}

func TestSignInFailures(t *testing.T) {
	tests := []struct {
		name    string
		wallet  func(*fakeWallet)
		backend func(*fakeBackend)
		code    Code
	}{
		{"no wallet", func(w *fakeWallet) { w.detected = false }, nil, CodeWalletNotConnected},
		{"connect rejected", func(w *fakeWallet) { w.connectErr = wallet.ErrUserRejected }, nil, CodeUserRejected},
		{"connect fails", func(w *fakeWallet) { w.connectErr = errors.New("locked") }, nil, CodeWalletUnavailable},
		{"connect panics", func(w *fakeWallet) { w.panicConnect = true }, nil, CodeUnknown},
		{"key never appears", func(w *fakeWallet) { w.keyAfter = 100 }, nil, CodeNoPublicKey},
		{"backend error", nil, func(b *fakeBackend) { b.authErr = errors.New("502") }, CodeBackend},
		{"rejected by backend", nil, func(b *fakeBackend) { b.authResp.Success = false }, CodeInvalidResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newFakeWallet()
			b := &fakeBackend{authResp: backend.AuthResponse{Success: true, Username: "ana"}}
			if tt.wallet != nil {
				tt.wallet(w)
			}
			if tt.backend != nil {
				tt.backend(b)
			}
			m := newTestManager(t, w, b, nil)

			s, err := m.ConnectAndSignIn(context.Background())
			require.Error(t, err)
			e := AsError(err)
			require.NotNil(t, e)
			assert.Equal(t, tt.code, e.Code)
			assert.Equal(t, Session{}, s)

			st := m.Status()
			assert.Equal(t, StateUnauthenticated, st.State)
			assert.Equal(t, e.Message, st.LastError)
		})
	}
}

func TestFailedSignInKeepsRestoredSession(t *testing.T) {
	ctx := context.Background()
	saved := Session{IsAuthenticated: true, Wallet: "W1", Username: "ana"}
	store := &MemoryStore{}
	require.NoError(t, store.Save(ctx, saved))

	w := newFakeWallet()
	w.detected = false
	b := &fakeBackend{createResp: backend.AuthResponse{Success: true, Username: "new_name"}}
	m := newTestManager(t, w, b, store)

	_, err := m.ConnectAndSignIn(ctx)
	require.Error(t, err)
	st := m.Status()
	assert.Equal(t, StateUnauthenticated, st.State)
	assert.NotEmpty(t, st.LastError)
	assert.Equal(t, saved, m.Session())

	stored, ok, err := store.Load(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, saved, stored)

	// the session wallet still backs onboarding without a connected wallet
	s, err := m.SetUsername(ctx, "new_name")
	require.NoError(t, err)
	assert.Equal(t, "new_name", s.Username)
	assert.Equal(t, [2]string{"W1", "new_name"}, b.createArgs)
}

func TestPublicKeyPolling(t *testing.T) {
	w := newFakeWallet()
	w.keyAfter = 3
	b := &fakeBackend{authResp: backend.AuthResponse{Success: true, Username: "ana"}}
	m := newTestManager(t, w, b, nil)

	_, err := m.ConnectAndSignIn(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, w.keyCalls)

	w2 := newFakeWallet()
	w2.keyAfter = 100
	m2 := newTestManager(t, w2, b, nil)
	_, err = m2.ConnectAndSignIn(context.Background())
	require.Error(t, err)
	assert.Equal(t, 10, w2.keyCalls)
}

func TestSettleDelayBeforeConnect(t *testing.T) {
	c := clock.NewManual(time.Date(2025, 6, 1, 20, 0, 0, 0, time.UTC))
	w := newFakeWallet()
	b := &fakeBackend{authResp: backend.AuthResponse{Success: true, Username: "ana"}}
	m := NewManager(context.Background(), Config{
		Wallet:  w,
		Backend: b,
		Clock:   c,
		Logger:  logging.Discard(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		_, err := m.ConnectAndSignIn(ctx)
		done <- err
	}()

	require.NoError(t, c.WaitForTimers(ctx, 1))
	c.Advance(249 * time.Millisecond)
	assert.Zero(t, w.connects())
	c.Advance(time.Millisecond)
	require.NoError(t, <-done)
	assert.Equal(t, 1, w.connects())
}

func TestRestoreAtConstruction(t *testing.T) {
	store := &MemoryStore{}
	require.NoError(t, store.Save(context.Background(), Session{IsAuthenticated: true, Wallet: "W1", Username: "ana"}))
	m := newTestManager(t, newFakeWallet(), &fakeBackend{}, store)
	st := m.Status()
	assert.Equal(t, StateAuthenticated, st.State)
	assert.True(t, st.Restored)
	assert.Equal(t, "ana", st.Session.Username)

	partial := &MemoryStore{}
	require.NoError(t, partial.Save(context.Background(), Session{IsAuthenticated: true, Wallet: "W2"}))
	m = newTestManager(t, newFakeWallet(), &fakeBackend{}, partial)
	assert.Equal(t, StateNeedsUsername, m.Status().State)
	assert.True(t, m.Session().NeedsUsername)

	empty := &MemoryStore{}
	require.NoError(t, empty.Save(context.Background(), Session{Wallet: "W3"}))
	m = newTestManager(t, newFakeWallet(), &fakeBackend{}, empty)
	assert.Equal(t, StateUnauthenticated, m.Status().State)
}

func TestSetUsernameValidation(t *testing.T) {
	b := &fakeBackend{}
	m := newTestManager(t, newFakeWallet(), b, nil)

	for _, name := range []string{"", "ab", "this_name_is_far_too_long", "bad name!"} {
		_, err := m.SetUsername(context.Background(), name)
		e := AsError(err)
		require.NotNil(t, e, name)
		assert.Equal(t, CodeInvalidUsername, e.Code, name)
	}
	assert.Zero(t, b.createCalls)

	// valid name but nothing to attach it to
	_, err := m.SetUsername(context.Background(), "valid_name")
	assert.Equal(t, CodeWalletNotConnected, AsError(err).Code)
}

func TestHandleAuthEvent(t *testing.T) {
	store := &MemoryStore{}
	m := newTestManager(t, newFakeWallet(), &fakeBackend{}, store)

	m.HandleAuthEvent(transport.AuthEvent{Wallet: ""})
	assert.Equal(t, StateUnauthenticated, m.Status().State)

	m.HandleAuthEvent(transport.AuthEvent{Wallet: "W9", Username: "bo"})
	assert.Equal(t, StateAuthenticated, m.Status().State)
	saved, ok, _ := store.Load(context.Background())
	require.True(t, ok)
	assert.Equal(t, "bo", saved.Username)
}
