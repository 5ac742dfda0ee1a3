// Package solana executes settlement transfers as SPL token transfers
// on Solana. The facilitator keypair signs as the approved delegate of
// each agent's USDC token account, moving funds agent to merchant
// without custodying them.
package solana

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/blocto/solana-go-sdk/client"
	"github.com/blocto/solana-go-sdk/common"
	"github.com/blocto/solana-go-sdk/program/associated_token_account"
	"github.com/blocto/solana-go-sdk/program/token"
	"github.com/blocto/solana-go-sdk/types"

	"github.com/agentpay/facilitator/internal/usdc"
)

const tokenProgramAddress = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"

// Signer sends USDC transfers from agent wallets under the
// facilitator's delegated authority. Agents approve the facilitator as
// delegate on their token account when they enroll. Implements the
// settlement engine's Signer interface.
type Signer struct {
	client  *client.Client
	account types.Account
	mint    common.PublicKey
	logger  *slog.Logger

	confirmTimeout time.Duration
}

// NewSigner builds a signer from a base58-encoded private key and the
// USDC mint address.
func NewSigner(rpcURL, privateKey, mintAddress string, logger *slog.Logger) (*Signer, error) {
	account, err := types.AccountFromBase58(privateKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &Signer{
		client:         client.NewClient(rpcURL),
		account:        account,
		mint:           common.PublicKeyFromString(mintAddress),
		logger:         logger,
		confirmTimeout: 60 * time.Second,
	}, nil
}

// Address returns the facilitator wallet address.
func (s *Signer) Address() string {
	return s.account.PublicKey.ToBase58()
}

// Transfer sends amount USDC (6-decimal string) from the sender wallet
// to the recipient wallet and returns the confirmed transaction
// signature. The facilitator pays fees and signs as the sender's
// delegate.
func (s *Signer) Transfer(ctx context.Context, sender, recipient, amount string) (string, error) {
	units, ok := usdc.MinorUnits(amount)
	if !ok {
		return "", fmt.Errorf("invalid transfer amount %q", amount)
	}

	senderWallet := common.PublicKeyFromString(sender)
	recipientWallet := common.PublicKeyFromString(recipient)
	instructions, err := s.makeInstructions(ctx, senderWallet, recipientWallet, units)
	if err != nil {
		return "", fmt.Errorf("build instructions: %w", err)
	}

	blockhash, err := s.client.GetLatestBlockhash(ctx)
	if err != nil {
		return "", fmt.Errorf("get latest blockhash: %w", err)
	}

	txn, err := types.NewTransaction(types.NewTransactionParam{
		Message: types.NewMessage(types.NewMessageParam{
			FeePayer:        s.account.PublicKey,
			RecentBlockhash: blockhash.Blockhash,
			Instructions:    instructions,
		}),
		Signers: []types.Account{s.account},
	})
	if err != nil {
		return "", fmt.Errorf("build transaction: %w", err)
	}

	signature, err := s.client.SendTransaction(ctx, txn)
	if err != nil {
		return "", fmt.Errorf("send transaction: %w", err)
	}

	s.logger.Info("transfer submitted",
		"signature", signature,
		"sender", sender,
		"recipient", recipient,
		"amount", amount)

	if err := s.awaitConfirmation(ctx, signature); err != nil {
		return "", err
	}
	return signature, nil
}

// makeInstructions assembles the SPL transfer, prepending an ATA
// creation for the recipient when theirs does not exist yet. The
// transfer draws from the sender's token account with the facilitator
// key as the delegate authority.
func (s *Signer) makeInstructions(ctx context.Context, sender, recipient common.PublicKey, units uint64) ([]types.Instruction, error) {
	from, _, err := common.FindAssociatedTokenAddress(sender, s.mint)
	if err != nil {
		return nil, fmt.Errorf("derive sender token account: %w", err)
	}
	to, _, err := common.FindAssociatedTokenAddress(recipient, s.mint)
	if err != nil {
		return nil, fmt.Errorf("derive recipient token account: %w", err)
	}

	var instructions []types.Instruction

	info, err := s.client.GetAccountInfo(ctx, to.ToBase58())
	if err != nil {
		return nil, fmt.Errorf("get recipient token account: %w", err)
	}
	if info.Owner.ToBase58() != tokenProgramAddress {
		instructions = append(instructions, associated_token_account.Create(associated_token_account.CreateParam{
			Funder:                 s.account.PublicKey,
			Owner:                  recipient,
			Mint:                   s.mint,
			AssociatedTokenAccount: to,
		}))
	}

	instructions = append(instructions, token.Transfer(token.TransferParam{
		From:    from,
		To:      to,
		Auth:    s.account.PublicKey,
		Signers: []common.PublicKey{},
		Amount:  units,
	}))
	return instructions, nil
}

func (s *Signer) awaitConfirmation(ctx context.Context, signature string) error {
	ctx, cancel := context.WithTimeout(ctx, s.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("transaction %s not confirmed: %w", signature, ctx.Err())
		case <-ticker.C:
			status, err := s.client.GetSignatureStatus(ctx, signature)
			if err != nil {
				s.logger.Debug("signature status check failed",
					"signature", signature, "error", err)
				continue
			}
			if status == nil {
				continue
			}
			if status.Err != nil {
				return fmt.Errorf("transaction %s failed on chain: %v", signature, status.Err)
			}
			if status.ConfirmationStatus != nil &&
				(*status.ConfirmationStatus == "confirmed" || *status.ConfirmationStatus == "finalized") {
				return nil
			}
		}
	}
}
