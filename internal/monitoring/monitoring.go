// Package monitoring aggregates ledger, settlement, and dispute state
// into the operator dashboard projections.
package monitoring

import (
	"math/big"
	"time"

	"github.com/agentpay/facilitator/internal/dispute"
	"github.com/agentpay/facilitator/internal/ledger"
	"github.com/agentpay/facilitator/internal/usdc"
)

// PaymentMetrics summarizes the authorization ledger.
type PaymentMetrics struct {
	TotalAuthorizations int            `json:"totalAuthorizations"`
	TotalVolume         string         `json:"totalVolume"`
	SettledVolume       string         `json:"settledVolume"`
	AverageAmount       string         `json:"averageAmount"`
	AuthorizationRate   float64        `json:"authorizationRate"` // authorizations per uptime hour
	ByStatus            map[string]int `json:"byStatus"`
	UniqueAgents        int            `json:"uniqueAgents"`
	UniqueMerchants     int            `json:"uniqueMerchants"`
	QueueBacklog        int            `json:"queueBacklog"`
}

// SettlementMetrics summarizes batch outcomes.
type SettlementMetrics struct {
	TotalBatches          int     `json:"totalBatches"`
	CompletedBatches      int     `json:"completedBatches"`
	FailedBatches         int     `json:"failedBatches"`
	PendingBatches        int     `json:"pendingBatches"`
	SettledVolume         string  `json:"settledVolume"`
	AverageBatchSize      float64 `json:"averageBatchSize"`
	AverageBatchAmount    string  `json:"averageBatchAmount"`
	SuccessRate           float64 `json:"successRate"`
	SettlementRate        float64 `json:"settlementRate"`        // completed batches per uptime hour
	AverageSettlementTime float64 `json:"averageSettlementTime"` // mean settledAt-createdAt, seconds
	SchedulerRunning      bool    `json:"schedulerRunning"`
}

// DisputeMetrics summarizes dispute outcomes.
type DisputeMetrics struct {
	TotalDisputes         int     `json:"totalDisputes"`
	OpenDisputes          int     `json:"openDisputes"`
	AgentWins             int     `json:"agentWins"`
	MerchantWins          int     `json:"merchantWins"`
	DisputeRate           float64 `json:"disputeRate"`           // disputes per 100 authorizations
	AverageResolutionTime float64 `json:"averageResolutionTime"` // mean resolvedAt-createdAt, seconds
}

// AgentAnalytics is the per-agent view, including a reputation score
// in [0, 100] derived from settlement and dispute rates.
type AgentAnalytics struct {
	AgentAddress    string    `json:"agentAddress"`
	RequestCount    int       `json:"requestCount"`
	TotalAmount     string    `json:"totalAmount"`
	SettledCount    int       `json:"settledCount"`
	DisputedCount   int       `json:"disputedCount"`
	PendingCount    int       `json:"pendingCount"`
	DisputeRate     float64   `json:"disputeRate"` // disputed per 100 requests
	ReputationScore float64   `json:"reputationScore"`
	FirstRequestAt  time.Time `json:"firstRequestAt"`
	LastRequestAt   time.Time `json:"lastRequestAt"`
}

// Dashboard is the combined operator view.
type Dashboard struct {
	Payments    PaymentMetrics    `json:"payments"`
	Settlements SettlementMetrics `json:"settlements"`
	Disputes    DisputeMetrics    `json:"disputes"`
	Health      SystemHealth      `json:"health"`
	GeneratedAt time.Time         `json:"generatedAt"`
}

// SchedulerStatus reports whether the settlement scheduler loop is
// running. Implemented by settlement.Scheduler.
type SchedulerStatus interface {
	Running() bool
}

// Service computes monitoring projections on demand.
type Service struct {
	ledger    *ledger.Ledger
	disputes  *dispute.Manager
	scheduler SchedulerStatus

	autoSettlement bool
	startedAt      time.Time
	nowFn          func() time.Time
}

func NewService(l *ledger.Ledger, d *dispute.Manager, scheduler SchedulerStatus, autoSettlement bool) *Service {
	return &Service{
		ledger:         l,
		disputes:       d,
		scheduler:      scheduler,
		autoSettlement: autoSettlement,
		startedAt:      time.Now(),
		nowFn:          time.Now,
	}
}

func (s *Service) uptime() time.Duration {
	return s.nowFn().Sub(s.startedAt)
}

// perHour converts a running total into an hourly rate over the
// service's uptime.
func (s *Service) perHour(total int) float64 {
	hours := s.uptime().Hours()
	if hours <= 0 {
		return 0
	}
	return float64(total) / hours
}

// Payments computes ledger-wide payment metrics.
func (s *Service) Payments() PaymentMetrics {
	auths := s.ledger.AllAuthorizations()

	byStatus := make(map[string]int)
	agents := make(map[string]bool)
	merchants := make(map[string]bool)
	var totalAmounts, settledAmounts []string

	for _, a := range auths {
		byStatus[string(a.Status)]++
		agents[a.AgentAddress] = true
		merchants[a.MerchantAddress] = true
		totalAmounts = append(totalAmounts, a.Amount)
		if a.Status == ledger.StatusSettled {
			settledAmounts = append(settledAmounts, a.Amount)
		}
	}

	total := usdc.Sum(totalAmounts)
	average := big.NewInt(0)
	if len(auths) > 0 {
		average.Div(total, big.NewInt(int64(len(auths))))
	}

	return PaymentMetrics{
		TotalAuthorizations: len(auths),
		TotalVolume:         usdc.Format(total),
		SettledVolume:       usdc.Format(usdc.Sum(settledAmounts)),
		AverageAmount:       usdc.Format(average),
		AuthorizationRate:   s.perHour(len(auths)),
		ByStatus:            byStatus,
		UniqueAgents:        len(agents),
		UniqueMerchants:     len(merchants),
		QueueBacklog:        s.ledger.QueueSize(),
	}
}

// Settlements computes batch-level settlement metrics.
func (s *Service) Settlements() SettlementMetrics {
	batches := s.ledger.ListBatches("")

	m := SettlementMetrics{
		TotalBatches:     len(batches),
		SchedulerRunning: s.scheduler != nil && s.scheduler.Running(),
	}
	var settled, all []string
	var members int
	var settleSeconds float64
	for _, b := range batches {
		members += len(b.Authorizations)
		all = append(all, b.TotalAmount)
		switch b.Status {
		case ledger.BatchCompleted:
			m.CompletedBatches++
			settled = append(settled, b.TotalAmount)
			if b.SettledAt != nil {
				settleSeconds += b.SettledAt.Sub(b.CreatedAt).Seconds()
			}
		case ledger.BatchFailed:
			m.FailedBatches++
		default:
			m.PendingBatches++
		}
	}
	m.SettledVolume = usdc.Format(usdc.Sum(settled))
	if len(batches) > 0 {
		m.AverageBatchSize = float64(members) / float64(len(batches))
		average := new(big.Int).Div(usdc.Sum(all), big.NewInt(int64(len(batches))))
		m.AverageBatchAmount = usdc.Format(average)
	} else {
		m.AverageBatchAmount = usdc.Format(big.NewInt(0))
	}
	if finished := m.CompletedBatches + m.FailedBatches; finished > 0 {
		m.SuccessRate = float64(m.CompletedBatches) / float64(finished)
	}
	if m.CompletedBatches > 0 {
		m.AverageSettlementTime = settleSeconds / float64(m.CompletedBatches)
	}
	m.SettlementRate = s.perHour(m.CompletedBatches)
	return m
}

// Disputes computes dispute metrics across all agents.
func (s *Service) Disputes() DisputeMetrics {
	records := s.disputes.All()

	m := DisputeMetrics{
		TotalDisputes: len(records),
		OpenDisputes:  s.disputes.OpenCount(),
	}
	var resolved int
	var resolutionSeconds float64
	for _, r := range records {
		switch r.Status {
		case dispute.StatusResolved:
			m.AgentWins++
		case dispute.StatusRejected:
			m.MerchantWins++
		}
		if r.ResolvedAt != nil {
			resolved++
			resolutionSeconds += r.ResolvedAt.Sub(r.CreatedAt).Seconds()
		}
	}
	if total := len(s.ledger.AllAuthorizations()); total > 0 {
		m.DisputeRate = float64(len(records)) / float64(total) * 100
	}
	if resolved > 0 {
		m.AverageResolutionTime = resolutionSeconds / float64(resolved)
	}
	return m
}

// Agent computes one agent's analytics.
func (s *Service) Agent(agentAddress string) (*AgentAnalytics, error) {
	usage, err := s.ledger.Usage(agentAddress)
	if err != nil {
		return nil, err
	}
	return s.agentFromUsage(usage), nil
}

// Agents computes analytics for every agent ever seen.
func (s *Service) Agents() []*AgentAnalytics {
	all := s.ledger.AllUsage()
	out := make([]*AgentAnalytics, 0, len(all))
	for _, usage := range all {
		out = append(out, s.agentFromUsage(usage))
	}
	return out
}

func (s *Service) agentFromUsage(usage *ledger.AgentUsage) *AgentAnalytics {
	a := &AgentAnalytics{
		AgentAddress:   usage.AgentAddress,
		RequestCount:   usage.RequestCount,
		TotalAmount:    usage.TotalAmount,
		FirstRequestAt: usage.FirstRequestAt,
		LastRequestAt:  usage.LastRequestAt,
	}
	for _, auth := range s.ledger.ListByAgent(usage.AgentAddress, "") {
		switch auth.Status {
		case ledger.StatusSettled:
			a.SettledCount++
		case ledger.StatusDisputed:
			a.DisputedCount++
		case ledger.StatusPending, ledger.StatusValidated:
			a.PendingCount++
		}
	}
	if a.RequestCount > 0 {
		a.DisputeRate = float64(a.DisputedCount) / float64(a.RequestCount) * 100
	}
	a.ReputationScore = reputation(a.RequestCount, a.SettledCount, a.DisputedCount)
	return a
}

// reputation scores an agent from its settled and disputed rates. An
// agent with no history starts at 100.
func reputation(requests, settled, disputed int) float64 {
	if requests == 0 {
		return 100
	}
	settledRate := float64(settled) / float64(requests) * 100
	disputeRate := float64(disputed) / float64(requests) * 100
	score := settledRate - 2*disputeRate
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// Dashboard assembles the combined operator view.
func (s *Service) Dashboard() *Dashboard {
	return &Dashboard{
		Payments:    s.Payments(),
		Settlements: s.Settlements(),
		Disputes:    s.Disputes(),
		Health:      s.Health(),
		GeneratedAt: s.nowFn(),
	}
}
