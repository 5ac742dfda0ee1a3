// Package dispute lets agents contest authorizations before they
// settle and routes resolutions back into the ledger.
package dispute

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/agentpay/facilitator/internal/idgen"
	"github.com/agentpay/facilitator/internal/ledger"
	"github.com/agentpay/facilitator/internal/metrics"
)

var (
	ErrNotFound        = errors.New("dispute not found")
	ErrAgentMismatch   = errors.New("agent address mismatch")
	ErrAlreadyDisputed = errors.New("authorization already disputed")
	ErrAlreadyResolved = errors.New("dispute already resolved")
)

// Status of a dispute record.
type Status string

const (
	StatusPending  Status = "pending"
	StatusResolved Status = "resolved" // agent won, authorization stays disputed
	StatusRejected Status = "rejected" // merchant won, authorization re-queued
)

// Record is one dispute raised by an agent against an authorization it
// signed.
type Record struct {
	ID              string     `json:"id"`
	AuthorizationID string     `json:"authorizationId"`
	AgentAddress    string     `json:"agentAddress"`
	MerchantAddress string     `json:"merchantAddress"`
	Reason          string     `json:"reason"`
	Evidence        string     `json:"evidence,omitempty"`
	Status          Status     `json:"status"`
	Resolution      string     `json:"resolution,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	ResolvedAt      *time.Time `json:"resolvedAt,omitempty"`
}

func (r *Record) clone() *Record {
	cp := *r
	return &cp
}

// Manager owns dispute records. Authorization state changes go through
// the ledger's dispute transitions.
type Manager struct {
	mu      sync.Mutex
	records map[string]*Record
	order   []string
	byAuth  map[string]string // authorization id -> open dispute id

	ledger *ledger.Ledger
	logger *slog.Logger
	nowFn  func() time.Time
}

func NewManager(l *ledger.Ledger, logger *slog.Logger) *Manager {
	return &Manager{
		records: make(map[string]*Record),
		byAuth:  make(map[string]string),
		ledger:  l,
		logger:  logger,
		nowFn:   time.Now,
	}
}

// Create opens a dispute. Only the agent who signed the authorization
// may dispute it; the authorization leaves the settlement queue until
// the dispute is resolved.
func (m *Manager) Create(agentAddress, authorizationID, reason, evidence string) (*Record, error) {
	auth, err := m.ledger.Get(authorizationID)
	if err != nil {
		return nil, err
	}
	if auth.AgentAddress != agentAddress {
		return nil, ErrAgentMismatch
	}
	if auth.Status == ledger.StatusSettled {
		return nil, ledger.ErrAlreadySettled
	}
	if auth.Status == ledger.StatusDisputed {
		return nil, ErrAlreadyDisputed
	}

	if err := m.ledger.MarkDisputed(authorizationID); err != nil {
		return nil, err
	}

	m.mu.Lock()
	rec := &Record{
		ID:              idgen.WithPrefix("dispute_"),
		AuthorizationID: authorizationID,
		AgentAddress:    agentAddress,
		MerchantAddress: auth.MerchantAddress,
		Reason:          reason,
		Evidence:        evidence,
		Status:          StatusPending,
		CreatedAt:       m.nowFn(),
	}
	m.records[rec.ID] = rec
	m.order = append(m.order, rec.ID)
	m.byAuth[authorizationID] = rec.ID
	result := rec.clone()
	m.mu.Unlock()

	metrics.DisputesTotal.WithLabelValues(string(StatusPending)).Inc()
	m.logger.Info("dispute created",
		"disputeId", result.ID,
		"authorizationId", authorizationID,
		"agent", agentAddress,
		"reason", reason)
	return result, nil
}

// Resolve closes a dispute. approved means the agent's claim stands:
// the authorization stays disputed and is never settled. Not approved
// means the merchant prevails: the authorization returns to validated
// and is queued for settlement again.
func (m *Manager) Resolve(disputeID string, approved bool, resolution string) (*Record, error) {
	m.mu.Lock()
	rec, ok := m.records[disputeID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	if rec.Status != StatusPending {
		m.mu.Unlock()
		return nil, ErrAlreadyResolved
	}

	now := m.nowFn()
	if approved {
		rec.Status = StatusResolved
	} else {
		rec.Status = StatusRejected
	}
	rec.Resolution = resolution
	rec.ResolvedAt = &now
	delete(m.byAuth, rec.AuthorizationID)
	result := rec.clone()
	m.mu.Unlock()

	if !approved {
		if err := m.ledger.RestoreValidated(result.AuthorizationID); err != nil {
			m.logger.Warn("failed to re-queue authorization after rejected dispute",
				"disputeId", disputeID,
				"authorizationId", result.AuthorizationID,
				"error", err)
		}
	}

	metrics.DisputesTotal.WithLabelValues(string(result.Status)).Inc()
	m.logger.Info("dispute resolved",
		"disputeId", disputeID,
		"approved", approved,
		"resolution", resolution)
	return result, nil
}

// Get returns a dispute by id.
func (m *Manager) Get(disputeID string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[disputeID]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.clone(), nil
}

// ListByAgent returns the agent's disputes in creation order.
func (m *Manager) ListByAgent(agentAddress string) []*Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Record
	for _, id := range m.order {
		if rec := m.records[id]; rec.AgentAddress == agentAddress {
			out = append(out, rec.clone())
		}
	}
	return out
}

// All returns every dispute in creation order.
func (m *Manager) All() []*Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Record, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.records[id].clone())
	}
	return out
}

// OpenCount returns the number of unresolved disputes.
func (m *Manager) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byAuth)
}
