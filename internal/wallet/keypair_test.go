package wallet

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeKeygenFile(t *testing.T, key solana.PrivateKey) string {
	t.Helper()
	ints := make([]int, len(key))
	for i, b := range key {
		ints[i] = int(b)
	}
	data, err := json.Marshal(ints)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "id.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func transferTx(t *testing.T, payer, to solana.PublicKey) *solana.Transaction {
	t.Helper()
	tx, err := solana.NewTransaction(
		[]solana.Instruction{system.NewTransferInstruction(10_000_000, payer, to).Build()},
		solana.Hash{},
		solana.TransactionPayer(payer),
	)
	require.NoError(t, err)
	return tx
}

func TestKeypairConnectAndSign(t *testing.T) {
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	dest, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)

	w := NewKeypair(writeKeygenFile(t, key), nil)
	ctx := context.Background()

	assert.True(t, w.Detected())
	_, ok := w.PublicKey()
	assert.False(t, ok)

	require.NoError(t, w.Select(KeypairName))
	require.NoError(t, w.Connect(ctx))
	pub, ok := w.PublicKey()
	require.True(t, ok)
	assert.Equal(t, key.PublicKey(), pub)

	tx := transferTx(t, pub, dest.PublicKey())
	signed, err := w.SignTransaction(ctx, tx)
	require.NoError(t, err)
	require.Len(t, signed.Signatures, 1)

	msg, err := signed.Message.MarshalBinary()
	require.NoError(t, err)
	assert.True(t, signed.Signatures[0].Verify(pub, msg))

	require.NoError(t, w.Disconnect(ctx))
	_, ok = w.PublicKey()
	assert.False(t, ok)
	_, err = w.SignTransaction(ctx, tx)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestKeypairMissingFile(t *testing.T) {
	w := NewKeypair(filepath.Join(t.TempDir(), "missing.json"), nil)
	assert.False(t, w.Detected())
	require.NoError(t, w.Select(KeypairName))
	assert.Error(t, w.Connect(context.Background()))
}

func TestKeypairSelectUnknown(t *testing.T) {
	w := NewKeypair("", nil)
	assert.ErrorIs(t, w.Select("Phantom"), ErrUnknownWallet)
}

func TestKeypairApprovalRejected(t *testing.T) {
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)

	var seen Approval
	w := NewKeypairFromKey(key, func(_ context.Context, a Approval) (bool, error) {
		seen = a
		return false, nil
	})
	require.NoError(t, w.Select(KeypairName))
	require.NoError(t, w.Connect(context.Background()))

	_, err = w.SignTransaction(context.Background(), transferTx(t, key.PublicKey(), solana.NewWallet().PublicKey()))
	assert.ErrorIs(t, err, ErrUserRejected)
	assert.Equal(t, key.PublicKey(), seen.Signer)
	assert.Equal(t, 1, seen.Instructions)
}

func TestPartialSignKeepsOtherSignatures(t *testing.T) {
	feePayer, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	donor, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)

	tx := transferTx(t, donor.PublicKey(), solana.NewWallet().PublicKey())
	tx.Message.AccountKeys = append([]solana.PublicKey{feePayer.PublicKey()}, tx.Message.AccountKeys...)
	tx.Message.Header.NumRequiredSignatures = 2
	tx.Signatures = []solana.Signature{{1, 2, 3}}

	require.NoError(t, PartialSign(tx, donor))
	require.Len(t, tx.Signatures, 2)
	assert.Equal(t, solana.Signature{1, 2, 3}, tx.Signatures[0])
	assert.NotEqual(t, solana.Signature{}, tx.Signatures[1])

	stranger, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	assert.ErrorIs(t, PartialSign(tx, stranger), ErrNotSigner)
}
