package solana

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/blocto/solana-go-sdk/types"
	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const usdcDevnetMint = "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU"

func TestNewSignerRejectsBadKey(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	_, err := NewSigner("https://api.devnet.solana.com", "not-a-key", usdcDevnetMint, logger)
	assert.Error(t, err)
}

func TestNewSignerAddress(t *testing.T) {
	account := types.NewAccount()
	key := base58.Encode(account.PrivateKey)

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	signer, err := NewSigner("https://api.devnet.solana.com", key, usdcDevnetMint, logger)
	require.NoError(t, err)
	assert.Equal(t, account.PublicKey.ToBase58(), signer.Address())
}

func TestTransferRejectsBadAmount(t *testing.T) {
	account := types.NewAccount()
	key := base58.Encode(account.PrivateKey)

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	signer, err := NewSigner("https://api.devnet.solana.com", key, usdcDevnetMint, logger)
	require.NoError(t, err)

	sender := types.NewAccount().PublicKey.ToBase58()
	recipient := types.NewAccount().PublicKey.ToBase58()
	_, err = signer.Transfer(context.Background(), sender, recipient, "abc")
	assert.Error(t, err)
}
