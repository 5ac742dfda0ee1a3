// Package ledger is the authorization ledger at the heart of the
// facilitator.
//
// Flow:
//  1. Agent answers a 402 with a signed authorization
//  2. Ledger verifies the digest and stores the record (pending)
//  3. Authorization is queued for settlement (validated)
//  4. The settlement engine batches queued entries per (agent, merchant)
//  5. Batch completion settles every member in one on-chain transfer
//
// The ledger uniquely owns all Authorization, AgentUsage, and
// SettlementBatch records plus the settlement queue; peers mutate state
// only through the transition methods here.
package ledger

import (
	"errors"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/agentpay/facilitator/internal/metrics"
	"github.com/agentpay/facilitator/internal/usdc"
	"github.com/agentpay/facilitator/pkg/x402"
)

var (
	ErrAlreadyExists   = errors.New("authorization already exists")
	ErrExpired         = errors.New("authorization expired")
	ErrBadSignature    = errors.New("invalid signature")
	ErrNotFound        = errors.New("authorization not found")
	ErrAlreadyQueued   = errors.New("already queued")
	ErrAlreadySettled  = errors.New("already settled")
	ErrBatchNotFound   = errors.New("settlement batch not found")
	ErrNothingToSettle = errors.New("no queued authorizations to settle")
	ErrNotDisputed     = errors.New("authorization is not disputed")
	ErrDisputed        = errors.New("authorization is disputed")
)

// SettlementChecker decides whether queueing an authorization should
// trigger settlement for its agent. Implemented by the settlement
// engine; called outside the ledger mutex.
type SettlementChecker interface {
	CheckThresholds(agentAddress string) (bool, string)
}

// agentUsage is the internal accumulator behind AgentUsage.
type agentUsage struct {
	ids   []string
	total *big.Int
	count int
	first time.Time
	last  time.Time
}

// Ledger verifies, stores, and transitions authorizations.
type Ledger struct {
	mu         sync.Mutex
	auths      map[string]*Authorization
	authOrder  []string
	usage      map[string]*agentUsage
	queue      *queue
	batches    map[string]*SettlementBatch
	batchOrder []string

	checker SettlementChecker
	events  EventStore // optional write-through journal
	logger  *slog.Logger

	nowFn func() time.Time
}

// Option configures the ledger.
type Option func(*Ledger)

// WithEventStore enables the write-through event journal.
func WithEventStore(es EventStore) Option {
	return func(l *Ledger) { l.events = es }
}

// WithLogger sets the ledger logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// New creates an empty ledger.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		auths:   make(map[string]*Authorization),
		usage:   make(map[string]*agentUsage),
		queue:   newQueue(),
		batches: make(map[string]*SettlementBatch),
		logger:  slog.Default(),
		nowFn:   time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SetChecker wires the settlement engine's threshold check into
// QueueForSettlement results.
func (l *Ledger) SetChecker(c SettlementChecker) {
	l.checker = c
}

func (l *Ledger) now() time.Time {
	return l.nowFn()
}

// Verify validates an incoming authorization and stores it as pending.
// The wire record is checked for duplicate id, expiry, and signature
// digest; on acceptance the agent's usage is updated. Callers must not
// mutate auth after submission.
func (l *Ledger) Verify(auth *x402.Authorization) error {
	l.mu.Lock()

	if _, exists := l.auths[auth.ID]; exists {
		l.mu.Unlock()
		metrics.VerificationFailuresTotal.WithLabelValues("duplicate").Inc()
		return ErrAlreadyExists
	}
	if auth.Expired(l.now()) {
		l.mu.Unlock()
		metrics.VerificationFailuresTotal.WithLabelValues("expired").Inc()
		return ErrExpired
	}
	if !auth.VerifySignature() {
		l.mu.Unlock()
		metrics.VerificationFailuresTotal.WithLabelValues("signature").Inc()
		return ErrBadSignature
	}

	rec := &Authorization{Authorization: *auth, Status: StatusPending}
	l.auths[rec.ID] = rec
	l.authOrder = append(l.authOrder, rec.ID)

	u, ok := l.usage[rec.AgentAddress]
	if !ok {
		u = &agentUsage{total: big.NewInt(0), first: l.now()}
		l.usage[rec.AgentAddress] = u
	}
	u.ids = append(u.ids, rec.ID)
	u.count++
	u.last = l.now()
	if v, ok := usdc.Parse(rec.Amount); ok {
		u.total.Add(u.total, v)
	}

	l.mu.Unlock()

	metrics.AuthorizationsTotal.WithLabelValues(string(StatusPending)).Inc()
	l.journal(&Event{
		EventType:       EventVerified,
		AuthorizationID: rec.ID,
		AgentAddress:    rec.AgentAddress,
		MerchantAddress: rec.MerchantAddress,
		Amount:          rec.Amount,
	})

	return nil
}

// QueueResult is the outcome of QueueForSettlement.
type QueueResult struct {
	Queued       bool   `json:"queued"`
	ShouldSettle bool   `json:"shouldSettle"`
	Reason       string `json:"reason,omitempty"`
}

// QueueForSettlement appends an authorization to the settlement queue
// and transitions it pending → validated. Only live records may enter
// the queue: settled, disputed, and expired authorizations are
// rejected, and a pending record past its deadline expires here
// instead of queueing. The result reports whether the agent's
// settlement thresholds now fire.
func (l *Ledger) QueueForSettlement(id string) (*QueueResult, error) {
	l.mu.Lock()

	rec, ok := l.auths[id]
	if !ok {
		l.mu.Unlock()
		return nil, ErrNotFound
	}
	if l.queue.contains(id) {
		l.mu.Unlock()
		return nil, ErrAlreadyQueued
	}
	switch rec.Status {
	case StatusSettled:
		l.mu.Unlock()
		return nil, ErrAlreadySettled
	case StatusDisputed:
		l.mu.Unlock()
		return nil, ErrDisputed
	case StatusExpired:
		l.mu.Unlock()
		return nil, ErrExpired
	}
	if rec.Expired(l.now()) {
		rec.Status = StatusExpired
		l.mu.Unlock()
		metrics.AuthorizationsTotal.WithLabelValues(string(StatusExpired)).Inc()
		l.journal(&Event{EventType: EventExpired, AuthorizationID: id})
		return nil, ErrExpired
	}

	l.queue.append(id)
	rec.Status = StatusValidated
	agent := rec.AgentAddress
	backlog := l.queue.len()

	l.mu.Unlock()

	metrics.AuthorizationsTotal.WithLabelValues(string(StatusValidated)).Inc()
	metrics.QueueBacklog.Set(float64(backlog))
	l.journal(&Event{
		EventType:       EventQueued,
		AuthorizationID: id,
		AgentAddress:    agent,
	})

	result := &QueueResult{Queued: true}
	// Threshold evaluation reads back into the ledger, so it must run
	// outside the mutex.
	if l.checker != nil {
		result.ShouldSettle, result.Reason = l.checker.CheckThresholds(agent)
	}
	return result, nil
}

// Get returns a copy of an authorization by id.
func (l *Ledger) Get(id string) (*Authorization, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.auths[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.clone(), nil
}

// ListByAgent returns all authorizations for an agent in submission
// order, optionally filtered by status ("" = all).
func (l *Ledger) ListByAgent(agentAddress string, status Status) []*Authorization {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []*Authorization
	for _, id := range l.authOrder {
		rec := l.auths[id]
		if rec.AgentAddress != agentAddress {
			continue
		}
		if status != "" && rec.Status != status {
			continue
		}
		out = append(out, rec.clone())
	}
	return out
}

// ListPending returns the agent's queued authorizations (status
// validated, present in the settlement queue).
func (l *Ledger) ListPending(agentAddress string) []*Authorization {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []*Authorization
	for _, id := range l.queue.snapshot() {
		rec, ok := l.auths[id]
		if !ok || rec.AgentAddress != agentAddress || rec.Status != StatusValidated {
			continue
		}
		out = append(out, rec.clone())
	}
	return out
}

// PendingMerchants returns the unique merchant addresses across the
// agent's queued authorizations.
func (l *Ledger) PendingMerchants(agentAddress string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	seen := make(map[string]bool)
	var out []string
	for _, id := range l.queue.snapshot() {
		rec, ok := l.auths[id]
		if !ok || rec.AgentAddress != agentAddress {
			continue
		}
		if !seen[rec.MerchantAddress] {
			seen[rec.MerchantAddress] = true
			out = append(out, rec.MerchantAddress)
		}
	}
	return out
}

// PendingGroups returns the agent's queued authorizations grouped by
// merchant. Used by the settlement engine for threshold evaluation.
func (l *Ledger) PendingGroups(agentAddress string) map[string][]*Authorization {
	l.mu.Lock()
	defer l.mu.Unlock()

	groups := make(map[string][]*Authorization)
	for _, id := range l.queue.snapshot() {
		rec, ok := l.auths[id]
		if !ok || rec.AgentAddress != agentAddress {
			continue
		}
		groups[rec.MerchantAddress] = append(groups[rec.MerchantAddress], rec.clone())
	}
	return groups
}

// QueuedAgents returns the agents that currently have queued
// authorizations. Used by the scheduler scan.
func (l *Ledger) QueuedAgents() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	seen := make(map[string]bool)
	var out []string
	for _, id := range l.queue.snapshot() {
		rec, ok := l.auths[id]
		if !ok {
			continue
		}
		if !seen[rec.AgentAddress] {
			seen[rec.AgentAddress] = true
			out = append(out, rec.AgentAddress)
		}
	}
	return out
}

// QueueSize returns the settlement queue backlog.
func (l *Ledger) QueueSize() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.queue.len()
}

// InQueue reports whether an authorization id is queued.
func (l *Ledger) InQueue(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.queue.contains(id)
}

// Usage returns the agent's usage projection.
func (l *Ledger) Usage(agentAddress string) (*AgentUsage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	u, ok := l.usage[agentAddress]
	if !ok {
		return nil, ErrNotFound
	}
	return l.usageSnapshot(agentAddress, u), nil
}

// AllUsage returns usage projections for every agent ever seen.
func (l *Ledger) AllUsage() []*AgentUsage {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]*AgentUsage, 0, len(l.usage))
	for agent, u := range l.usage {
		out = append(out, l.usageSnapshot(agent, u))
	}
	return out
}

func (l *Ledger) usageSnapshot(agent string, u *agentUsage) *AgentUsage {
	ids := make([]string, len(u.ids))
	copy(ids, u.ids)
	return &AgentUsage{
		AgentAddress:     agent,
		AuthorizationIDs: ids,
		TotalAmount:      usdc.Format(u.total),
		RequestCount:     u.count,
		FirstRequestAt:   u.first,
		LastRequestAt:    u.last,
	}
}

// AllAuthorizations returns copies of every stored authorization in
// submission order. Used by monitoring projections.
func (l *Ledger) AllAuthorizations() []*Authorization {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]*Authorization, 0, len(l.authOrder))
	for _, id := range l.authOrder {
		out = append(out, l.auths[id].clone())
	}
	return out
}

// AttachDataHash records the digest of the fetched payload on an
// authorization after the paid call completes.
func (l *Ledger) AttachDataHash(id, dataHash string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.auths[id]
	if !ok {
		return ErrNotFound
	}
	rec.DataHash = dataHash
	return nil
}

// MarkDisputed transitions an authorization to disputed and removes it
// from the settlement queue. Called by the dispute manager. Settled,
// expired, and already disputed records are rejected.
func (l *Ledger) MarkDisputed(id string) error {
	l.mu.Lock()

	rec, ok := l.auths[id]
	if !ok {
		l.mu.Unlock()
		return ErrNotFound
	}
	switch rec.Status {
	case StatusSettled:
		l.mu.Unlock()
		return ErrAlreadySettled
	case StatusExpired:
		l.mu.Unlock()
		return ErrExpired
	case StatusDisputed:
		l.mu.Unlock()
		return ErrDisputed
	}
	rec.Status = StatusDisputed
	l.queue.remove(id)
	backlog := l.queue.len()
	agent := rec.AgentAddress

	l.mu.Unlock()

	metrics.AuthorizationsTotal.WithLabelValues(string(StatusDisputed)).Inc()
	metrics.QueueBacklog.Set(float64(backlog))
	l.journal(&Event{
		EventType:       EventDisputed,
		AuthorizationID: id,
		AgentAddress:    agent,
	})
	return nil
}

// RestoreValidated returns a disputed authorization to validated and
// re-appends it to the settlement queue. Called when a dispute is
// resolved in the merchant's favor.
func (l *Ledger) RestoreValidated(id string) error {
	l.mu.Lock()

	rec, ok := l.auths[id]
	if !ok {
		l.mu.Unlock()
		return ErrNotFound
	}
	if rec.Status != StatusDisputed {
		l.mu.Unlock()
		return ErrNotDisputed
	}
	rec.Status = StatusValidated
	l.queue.append(id)
	backlog := l.queue.len()
	agent := rec.AgentAddress

	l.mu.Unlock()

	metrics.AuthorizationsTotal.WithLabelValues(string(StatusValidated)).Inc()
	metrics.QueueBacklog.Set(float64(backlog))
	l.journal(&Event{
		EventType:       EventRequeued,
		AuthorizationID: id,
		AgentAddress:    agent,
	})
	return nil
}

// CleanupExpired sweeps authorizations past their deadline: records
// still pending become expired and leave the queue. Validated, settled,
// and disputed records are untouched. Returns the count swept.
func (l *Ledger) CleanupExpired() int {
	l.mu.Lock()

	now := l.now()
	var swept []string
	for _, id := range l.authOrder {
		rec := l.auths[id]
		if rec.Status == StatusPending && rec.Expired(now) {
			rec.Status = StatusExpired
			l.queue.remove(id)
			swept = append(swept, id)
		}
	}
	backlog := l.queue.len()

	l.mu.Unlock()

	for _, id := range swept {
		metrics.AuthorizationsTotal.WithLabelValues(string(StatusExpired)).Inc()
		l.journal(&Event{EventType: EventExpired, AuthorizationID: id})
	}
	metrics.QueueBacklog.Set(float64(backlog))
	return len(swept)
}
