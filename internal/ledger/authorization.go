package ledger

import (
	"time"

	"github.com/agentpay/facilitator/pkg/x402"
)

// Status is the lifecycle state of an authorization.
type Status string

const (
	StatusPending   Status = "pending"   // accepted, not yet queued
	StatusValidated Status = "validated" // queued for settlement
	StatusSettled   Status = "settled"   // member of a completed batch (terminal)
	StatusDisputed  Status = "disputed"  // under or lost to dispute
	StatusExpired   Status = "expired"   // swept past expiresAt (terminal)
)

// Authorization is a stored payment authorization: the signed wire
// record plus the facilitator's mutable lifecycle state.
type Authorization struct {
	x402.Authorization

	Status Status `json:"status"`

	// DataHash is the hex digest of the fetched payload, attached
	// after the paid call completes.
	DataHash string `json:"dataHash,omitempty"`

	// batchID claims the record for an active batch so overlapping
	// batches cannot be built from the same queue entries.
	batchID string
}

func (a *Authorization) clone() *Authorization {
	cp := *a
	return &cp
}

// AgentUsage is the public projection of an agent's accumulated usage.
// TotalAmount is monotonic: disputes and expiries do not decrement it.
type AgentUsage struct {
	AgentAddress     string    `json:"agentAddress"`
	AuthorizationIDs []string  `json:"authorizationIds"`
	TotalAmount      string    `json:"totalAmount"`
	RequestCount     int       `json:"requestCount"`
	FirstRequestAt   time.Time `json:"firstRequestAt"`
	LastRequestAt    time.Time `json:"lastRequestAt"`
}
