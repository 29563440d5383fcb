package wallet

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/gagliardetto/solana-go"
)

// KeypairName is the adapter name of the keypair wallet
const KeypairName = "keypair"

// Approval describes a pending signature for an approver to accept or decline
type Approval struct {
	Signer       solana.PublicKey
	Instructions int
	Accounts     int
}

// ApproveFunc asks the owner to accept a signature. Returning false rejects it.
type ApproveFunc func(ctx context.Context, a Approval) (bool, error)

// Keypair is a wallet backed by a solana-keygen JSON file
type Keypair struct {
	path    string
	approve ApproveFunc

	mu        sync.Mutex
	key       solana.PrivateKey
	selected  bool
	connected bool
}

// NewKeypair creates a wallet that loads its key from path on Connect. A nil
// approve signs without asking.
func NewKeypair(path string, approve ApproveFunc) *Keypair {
	return &Keypair{path: path, approve: approve}
}

// NewKeypairFromKey creates a wallet around an already loaded key
func NewKeypairFromKey(key solana.PrivateKey, approve ApproveFunc) *Keypair {
	return &Keypair{key: key, approve: approve}
}

func (k *Keypair) Name() string { return KeypairName }

func (k *Keypair) Detected() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.key != nil {
		return true
	}
	if k.path == "" {
		return false
	}
	_, err := os.Stat(k.path)
	return err == nil
}

func (k *Keypair) Select(name string) error {
	if name != KeypairName {
		return fmt.Errorf("%w: %q", ErrUnknownWallet, name)
	}
	k.mu.Lock()
	k.selected = true
	k.mu.Unlock()
	return nil
}

func (k *Keypair) Connect(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.selected {
		return errors.New("wallet not selected")
	}
	if k.key == nil {
		key, err := solana.PrivateKeyFromSolanaKeygenFile(k.path)
		if err != nil {
			return fmt.Errorf("failed to load keypair %s: %w", k.path, err)
		}
		k.key = key
	}
	k.connected = true
	return nil
}

func (k *Keypair) PublicKey() (solana.PublicKey, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.connected {
		return solana.PublicKey{}, false
	}
	return k.key.PublicKey(), true
}

func (k *Keypair) SignTransaction(ctx context.Context, tx *solana.Transaction) (*solana.Transaction, error) {
	k.mu.Lock()
	key, connected := k.key, k.connected
	k.mu.Unlock()
	if !connected {
		return nil, ErrNotConnected
	}

	if k.approve != nil {
		ok, err := k.approve(ctx, Approval{
			Signer:       key.PublicKey(),
			Instructions: len(tx.Message.Instructions),
			Accounts:     len(tx.Message.AccountKeys),
		})
		if err != nil {
			return nil, fmt.Errorf("approval failed: %w", err)
		}
		if !ok {
			return nil, ErrUserRejected
		}
	}

	if err := PartialSign(tx, key); err != nil {
		return nil, err
	}
	return tx, nil
}

func (k *Keypair) Disconnect(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.connected = false
	k.selected = false
	return nil
}
