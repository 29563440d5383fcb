package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

var (
	// ErrNotDetected means no wallet is available to select
	ErrNotDetected = errors.New("wallet not found")
	// ErrNotConnected means the wallet has not been connected yet
	ErrNotConnected = errors.New("wallet not connected")
	// ErrUnknownWallet means Select was given a name the provider does not offer
	ErrUnknownWallet = errors.New("unknown wallet")
	// ErrUserRejected means the owner declined a connection or signature
	ErrUserRejected = errors.New("User rejected the request")
	// ErrNotSigner means the wallet key is not a required signer of the transaction
	ErrNotSigner = errors.New("wallet is not a signer of this transaction")
)

// Provider is the contract the sign-in and donation flows need from a wallet
type Provider interface {
	// Name is the adapter name passed to Select
	Name() string
	// Detected reports whether the wallet is installed or available
	Detected() bool
	// Select chooses the adapter. Availability may lag behind selection.
	Select(name string) error
	Connect(ctx context.Context) error
	// PublicKey returns the connected key, or false while it is not known yet
	PublicKey() (solana.PublicKey, bool)
	// SignTransaction adds the wallet signature to tx
	SignTransaction(ctx context.Context, tx *solana.Transaction) (*solana.Transaction, error)
	Disconnect(ctx context.Context) error
}

// PartialSign sets key's signature on tx, leaving other signers' slots as they
// are. Signatures are not verified.
func PartialSign(tx *solana.Transaction, key solana.PrivateKey) error {
	msg, err := tx.Message.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	required := int(tx.Message.Header.NumRequiredSignatures)
	if required > len(tx.Message.AccountKeys) {
		return fmt.Errorf("message requires %d signatures but has %d accounts", required, len(tx.Message.AccountKeys))
	}

	pub := key.PublicKey()
	idx := -1
	for i, k := range tx.Message.AccountKeys[:required] {
		if k.Equals(pub) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrNotSigner, pub)
	}

	sig, err := key.Sign(msg)
	if err != nil {
		return fmt.Errorf("failed to sign: %w", err)
	}
	for len(tx.Signatures) < required {
		tx.Signatures = append(tx.Signatures, solana.Signature{})
	}
	tx.Signatures[idx] = sig
	return nil
}
