// Package settlement batches queued authorizations per (agent,
// merchant) pair and settles each batch with a single USDC transfer.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/agentpay/facilitator/internal/ledger"
	"github.com/agentpay/facilitator/internal/traces"
	"github.com/agentpay/facilitator/internal/usdc"
)

var ErrSettlementInFlight = errors.New("settlement already in flight")

// ThresholdReason is reported to agents when any settlement threshold
// fires.
const ThresholdReason = "Settlement threshold met"

// Signer executes the on-chain transfer for a settlement batch. The
// sender is the batch's agent wallet; funds move to the merchant under
// the facilitator's delegated authority. Implemented by the Solana
// signer; tests use a stub.
type Signer interface {
	Transfer(ctx context.Context, sender, recipient, amount string) (signature string, err error)
}

// Thresholds are the conditions under which an agent's queued
// authorizations become eligible for settlement.
type Thresholds struct {
	// Amount settles a (agent, merchant) group once its total reaches
	// this many USDC. "1.00" by default.
	Amount string
	// Count settles a group once it holds this many authorizations.
	Count int
	// Time settles everything for an agent once this much time has
	// passed since the agent's first request ever.
	Time time.Duration
}

// Engine owns settlement orchestration: threshold evaluation, batch
// creation, and the transfer round trip. One (agent, merchant) pair is
// settled at a time; concurrent triggers for the same pair are
// rejected.
type Engine struct {
	ledger     *ledger.Ledger
	signer     Signer
	thresholds Thresholds
	logger     *slog.Logger

	mu       sync.Mutex
	inFlight map[string]bool // "agent|merchant"

	nowFn func() time.Time
}

func NewEngine(l *ledger.Ledger, signer Signer, thresholds Thresholds, logger *slog.Logger) *Engine {
	return &Engine{
		ledger:     l,
		signer:     signer,
		thresholds: thresholds,
		logger:     logger,
		inFlight:   make(map[string]bool),
		nowFn:      time.Now,
	}
}

// CheckThresholds implements ledger.SettlementChecker. It reports
// whether any of the agent's queued groups is eligible, or the agent's
// age has crossed the time threshold.
func (e *Engine) CheckThresholds(agentAddress string) (bool, string) {
	groups := e.ledger.PendingGroups(agentAddress)
	if len(groups) == 0 {
		return false, ""
	}

	limit, _ := usdc.Parse(e.thresholds.Amount)
	for _, group := range groups {
		if e.thresholds.Count > 0 && len(group) >= e.thresholds.Count {
			return true, ThresholdReason
		}
		if limit != nil && limit.Sign() > 0 {
			total := big.NewInt(0)
			for _, a := range group {
				if v, ok := usdc.Parse(a.Amount); ok {
					total.Add(total, v)
				}
			}
			if total.Cmp(limit) >= 0 {
				return true, ThresholdReason
			}
		}
	}

	if e.thresholds.Time > 0 {
		if usage, err := e.ledger.Usage(agentAddress); err == nil {
			if e.nowFn().Sub(usage.FirstRequestAt) >= e.thresholds.Time {
				return true, ThresholdReason
			}
		}
	}

	return false, ""
}

// eligibleMerchants returns the merchants whose groups should settle
// for this agent right now. When the time threshold has fired every
// queued group is eligible.
func (e *Engine) eligibleMerchants(agentAddress string) []string {
	groups := e.ledger.PendingGroups(agentAddress)
	if len(groups) == 0 {
		return nil
	}

	timeFired := false
	if e.thresholds.Time > 0 {
		if usage, err := e.ledger.Usage(agentAddress); err == nil {
			timeFired = e.nowFn().Sub(usage.FirstRequestAt) >= e.thresholds.Time
		}
	}

	limit, _ := usdc.Parse(e.thresholds.Amount)
	var out []string
	for merchant, group := range groups {
		if timeFired {
			out = append(out, merchant)
			continue
		}
		if e.thresholds.Count > 0 && len(group) >= e.thresholds.Count {
			out = append(out, merchant)
			continue
		}
		if limit != nil && limit.Sign() > 0 {
			total := big.NewInt(0)
			for _, a := range group {
				if v, ok := usdc.Parse(a.Amount); ok {
					total.Add(total, v)
				}
			}
			if total.Cmp(limit) >= 0 {
				out = append(out, merchant)
			}
		}
	}
	return out
}

// TriggerSettlement settles one (agent, merchant) group end to end:
// build the batch, run the transfer, then complete or fail the batch.
// Empty merchant picks the agent's largest queued group. The pair is
// held in flight for the duration so a concurrent trigger cannot
// settle the same authorizations twice.
func (e *Engine) TriggerSettlement(ctx context.Context, agentAddress, merchantAddress string) (*ledger.SettlementBatch, error) {
	ctx, span := traces.StartSpan(ctx, "settlement.trigger",
		traces.AgentAddr(agentAddress))
	defer span.End()

	batch, err := e.ledger.BuildBatch(agentAddress, merchantAddress)
	if err != nil {
		return nil, err
	}

	key := agentAddress + "|" + batch.MerchantAddress
	e.mu.Lock()
	if e.inFlight[key] {
		e.mu.Unlock()
		// The batch we just built overlaps an in-flight settlement.
		e.ledger.FailSettlement(batch.ID, ErrSettlementInFlight.Error())
		return nil, ErrSettlementInFlight
	}
	e.inFlight[key] = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.inFlight, key)
		e.mu.Unlock()
	}()

	if err := e.ledger.MarkBatchProcessing(batch.ID); err != nil {
		return nil, err
	}

	span.SetAttributes(traces.BatchID(batch.ID), traces.Amount(batch.TotalAmount))
	e.logger.Info("settling batch",
		"batchId", batch.ID,
		"agent", agentAddress,
		"merchant", batch.MerchantAddress,
		"amount", batch.TotalAmount,
		"authorizations", len(batch.Authorizations))

	signature, err := e.signer.Transfer(ctx, batch.AgentAddress, batch.MerchantAddress, batch.TotalAmount)
	if err != nil {
		e.logger.Error("settlement transfer failed",
			"batchId", batch.ID, "error", err)
		failed, ferr := e.ledger.FailSettlement(batch.ID, err.Error())
		if ferr != nil {
			return nil, fmt.Errorf("transfer failed (%w) and batch not marked failed: %v", err, ferr)
		}
		return failed, fmt.Errorf("transfer: %w", err)
	}

	done, err := e.ledger.CompleteSettlement(batch.ID, signature)
	if err != nil {
		return nil, err
	}
	e.logger.Info("batch settled",
		"batchId", done.ID,
		"txSignature", signature,
		"amount", done.TotalAmount)
	return done, nil
}

// SettleEligible runs TriggerSettlement for every eligible group of the
// agent. Returns the completed batches; per-group failures are logged
// and skipped.
func (e *Engine) SettleEligible(ctx context.Context, agentAddress string) []*ledger.SettlementBatch {
	var out []*ledger.SettlementBatch
	for _, merchant := range e.eligibleMerchants(agentAddress) {
		batch, err := e.TriggerSettlement(ctx, agentAddress, merchant)
		if err != nil {
			e.logger.Warn("scheduled settlement failed",
				"agent", agentAddress,
				"merchant", merchant,
				"error", err)
			continue
		}
		out = append(out, batch)
	}
	return out
}
