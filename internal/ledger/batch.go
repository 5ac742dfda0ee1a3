package ledger

import (
	"math/big"
	"time"

	"github.com/agentpay/facilitator/internal/idgen"
	"github.com/agentpay/facilitator/internal/metrics"
	"github.com/agentpay/facilitator/internal/usdc"
)

// BatchStatus is the lifecycle state of a settlement batch.
type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
)

// SettlementBatch groups queued authorizations for one (agent, merchant)
// pair into a single on-chain transfer. All members share the same
// agent, merchant, and currency. Members stay in the settlement queue
// until the batch completes.
type SettlementBatch struct {
	ID                   string           `json:"id"`
	AgentAddress         string           `json:"agentAddress"`
	MerchantAddress      string           `json:"merchantAddress"`
	Authorizations       []*Authorization `json:"authorizations"` // snapshots at creation time
	TotalAmount          string           `json:"totalAmount"`    // 6-decimal string
	Currency             string           `json:"currency"`
	Status               BatchStatus      `json:"status"`
	CreatedAt            time.Time        `json:"createdAt"`
	SettledAt            *time.Time       `json:"settledAt,omitempty"`
	TransactionSignature string           `json:"transactionSignature,omitempty"`
	Error                string           `json:"error,omitempty"`
}

func (b *SettlementBatch) clone() *SettlementBatch {
	cp := *b
	cp.Authorizations = make([]*Authorization, len(b.Authorizations))
	for i, a := range b.Authorizations {
		cp.Authorizations[i] = a.clone()
	}
	return &cp
}

// BuildBatch drains the queued authorizations for one (agent, merchant)
// pair into a new pending batch. When merchant is empty, the merchant
// with the most queued entries for the agent is chosen. Returns
// ErrNothingToSettle when no queued entry matches.
//
// Queue membership is untouched here: members are removed only when the
// batch completes.
func (l *Ledger) BuildBatch(agentAddress, merchantAddress string) (*SettlementBatch, error) {
	l.mu.Lock()

	// Gather queued entries for the agent, grouped by merchant.
	// Entries already claimed by an active batch are skipped.
	groups := make(map[string][]*Authorization)
	for _, id := range l.queue.snapshot() {
		rec, ok := l.auths[id]
		if !ok || rec.AgentAddress != agentAddress || rec.batchID != "" {
			continue
		}
		groups[rec.MerchantAddress] = append(groups[rec.MerchantAddress], rec)
	}
	if len(groups) == 0 {
		l.mu.Unlock()
		return nil, ErrNothingToSettle
	}

	merchant := merchantAddress
	if merchant == "" {
		best := 0
		for m, members := range groups {
			if len(members) > best {
				best = len(members)
				merchant = m
			}
		}
	}

	members := groups[merchant]
	if len(members) == 0 {
		l.mu.Unlock()
		return nil, ErrNothingToSettle
	}

	batchID := idgen.WithPrefix("batch_")
	total := big.NewInt(0)
	snapshots := make([]*Authorization, len(members))
	for i, rec := range members {
		if v, ok := usdc.Parse(rec.Amount); ok {
			total.Add(total, v)
		}
		rec.batchID = batchID
		snapshots[i] = rec.clone()
	}

	batch := &SettlementBatch{
		ID:              batchID,
		AgentAddress:    agentAddress,
		MerchantAddress: merchant,
		Authorizations:  snapshots,
		TotalAmount:     usdc.Format(total),
		Currency:        members[0].Currency,
		Status:          BatchPending,
		CreatedAt:       l.now(),
	}
	l.batches[batch.ID] = batch
	l.batchOrder = append(l.batchOrder, batch.ID)
	result := batch.clone()
	l.mu.Unlock()

	metrics.BatchesTotal.WithLabelValues(string(BatchPending)).Inc()
	l.journal(&Event{
		EventType:       EventBatchCreated,
		AgentAddress:    agentAddress,
		MerchantAddress: merchant,
		Amount:          batch.TotalAmount,
		Reference:       result.ID,
	})

	return result, nil
}

// MarkBatchProcessing transitions a batch to processing for the
// duration of the on-chain dispatch.
func (l *Ledger) MarkBatchProcessing(batchID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	batch, ok := l.batches[batchID]
	if !ok {
		return ErrBatchNotFound
	}
	batch.Status = BatchProcessing
	return nil
}

// CompleteSettlement finalizes a batch: records the transaction
// signature, marks every member settled, and removes the members from
// the settlement queue.
func (l *Ledger) CompleteSettlement(batchID, txSignature string) (*SettlementBatch, error) {
	l.mu.Lock()

	batch, ok := l.batches[batchID]
	if !ok {
		l.mu.Unlock()
		return nil, ErrBatchNotFound
	}

	now := l.now()
	batch.Status = BatchCompleted
	batch.SettledAt = &now
	batch.TransactionSignature = txSignature

	for _, member := range batch.Authorizations {
		if rec, ok := l.auths[member.ID]; ok {
			rec.Status = StatusSettled
			rec.batchID = ""
			member.Status = StatusSettled
			l.queue.remove(rec.ID)
			metrics.AuthorizationsTotal.WithLabelValues(string(StatusSettled)).Inc()
		}
	}
	metrics.QueueBacklog.Set(float64(l.queue.len()))
	metrics.BatchesTotal.WithLabelValues(string(BatchCompleted)).Inc()
	metrics.SettlementDuration.Observe(now.Sub(batch.CreatedAt).Seconds())

	result := batch.clone()
	l.mu.Unlock()

	l.journal(&Event{
		EventType:       EventBatchCompleted,
		AgentAddress:    result.AgentAddress,
		MerchantAddress: result.MerchantAddress,
		Amount:          result.TotalAmount,
		Reference:       result.ID,
		Detail:          txSignature,
	})

	return result, nil
}

// FailSettlement marks a batch failed and returns every member to
// pending. Queue membership is left as it is at failure time: ids still
// queued stay queued, so the next scheduler tick can retry the group.
func (l *Ledger) FailSettlement(batchID, errMessage string) (*SettlementBatch, error) {
	l.mu.Lock()

	batch, ok := l.batches[batchID]
	if !ok {
		l.mu.Unlock()
		return nil, ErrBatchNotFound
	}

	batch.Status = BatchFailed
	batch.Error = errMessage

	for _, member := range batch.Authorizations {
		rec, ok := l.auths[member.ID]
		if !ok {
			continue
		}
		rec.batchID = ""
		if rec.Status != StatusSettled {
			rec.Status = StatusPending
			member.Status = StatusPending
		}
	}
	metrics.BatchesTotal.WithLabelValues(string(BatchFailed)).Inc()

	result := batch.clone()
	l.mu.Unlock()

	l.journal(&Event{
		EventType:       EventBatchFailed,
		AgentAddress:    result.AgentAddress,
		MerchantAddress: result.MerchantAddress,
		Amount:          result.TotalAmount,
		Reference:       result.ID,
		Detail:          errMessage,
	})

	return result, nil
}

// GetBatch returns a batch by id.
func (l *Ledger) GetBatch(batchID string) (*SettlementBatch, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	batch, ok := l.batches[batchID]
	if !ok {
		return nil, ErrBatchNotFound
	}
	return batch.clone(), nil
}

// ListBatches returns batches in creation order, optionally filtered by
// agent address ("" = all).
func (l *Ledger) ListBatches(agentAddress string) []*SettlementBatch {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []*SettlementBatch
	for _, id := range l.batchOrder {
		batch := l.batches[id]
		if agentAddress != "" && batch.AgentAddress != agentAddress {
			continue
		}
		out = append(out, batch.clone())
	}
	return out
}
