package monitoring

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentpay/facilitator/internal/dispute"
	"github.com/agentpay/facilitator/internal/idgen"
	"github.com/agentpay/facilitator/internal/ledger"
	"github.com/agentpay/facilitator/pkg/x402"
)

const (
	testAgent    = "AgentWa11et1111111111111111111111111111111"
	testMerchant = "MerchantWa11et111111111111111111111111111"
)

type stubScheduler struct{ up bool }

func (s stubScheduler) Running() bool { return s.up }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func setup(t *testing.T, schedulerUp bool) (*Service, *ledger.Ledger, *dispute.Manager) {
	t.Helper()
	l := ledger.New()
	d := dispute.NewManager(l, testLogger())
	svc := NewService(l, d, stubScheduler{up: schedulerUp}, true)
	return svc, l, d
}

func addAuth(t *testing.T, l *ledger.Ledger, agent, amount string, queue bool) string {
	t.Helper()
	now := time.Now()
	auth := &x402.Authorization{
		ID:              idgen.WithPrefix("auth_"),
		AgentAddress:    agent,
		MerchantAddress: testMerchant,
		ToolName:        "get_weather",
		Amount:          amount,
		Currency:        "USDC",
		Timestamp:       now.UnixMilli(),
		ExpiresAt:       now.Add(time.Hour).UnixMilli(),
		Nonce:           idgen.Hex(8),
	}
	auth.Sign()
	require.NoError(t, l.Verify(auth))
	if queue {
		_, err := l.QueueForSettlement(auth.ID)
		require.NoError(t, err)
	}
	return auth.ID
}

func settle(t *testing.T, l *ledger.Ledger, agent string) {
	t.Helper()
	batch, err := l.BuildBatch(agent, testMerchant)
	require.NoError(t, err)
	_, err = l.CompleteSettlement(batch.ID, "tx_abc")
	require.NoError(t, err)
}

func TestPaymentMetrics(t *testing.T) {
	svc, l, _ := setup(t, true)

	addAuth(t, l, testAgent, "0.60", true)
	addAuth(t, l, testAgent, "0.50", false)
	settle(t, l, testAgent)

	m := svc.Payments()
	assert.Equal(t, 2, m.TotalAuthorizations)
	assert.Equal(t, "1.100000", m.TotalVolume)
	assert.Equal(t, "0.600000", m.SettledVolume)
	assert.Equal(t, "0.550000", m.AverageAmount)
	assert.Equal(t, 1, m.ByStatus[string(ledger.StatusSettled)])
	assert.Equal(t, 1, m.ByStatus[string(ledger.StatusPending)])
	assert.Equal(t, 1, m.UniqueAgents)
	assert.Equal(t, 1, m.UniqueMerchants)
	assert.Equal(t, 0, m.QueueBacklog)
}

func TestSettlementMetrics(t *testing.T) {
	svc, l, _ := setup(t, true)

	addAuth(t, l, testAgent, "0.60", true)
	settle(t, l, testAgent)

	addAuth(t, l, testAgent, "0.40", true)
	batch, err := l.BuildBatch(testAgent, testMerchant)
	require.NoError(t, err)
	_, err = l.FailSettlement(batch.ID, "rpc timeout")
	require.NoError(t, err)

	m := svc.Settlements()
	assert.Equal(t, 2, m.TotalBatches)
	assert.Equal(t, 1, m.CompletedBatches)
	assert.Equal(t, 1, m.FailedBatches)
	assert.Equal(t, "0.600000", m.SettledVolume)
	assert.InDelta(t, 1.0, m.AverageBatchSize, 1e-9)
	assert.Equal(t, "0.500000", m.AverageBatchAmount)
	assert.InDelta(t, 0.5, m.SuccessRate, 1e-9)
	assert.GreaterOrEqual(t, m.AverageSettlementTime, 0.0)
	assert.True(t, m.SchedulerRunning)
}

func TestRatesUseUptime(t *testing.T) {
	svc, l, _ := setup(t, true)

	// Pin the clock two hours after startup.
	now := time.Now()
	svc.startedAt = now.Add(-2 * time.Hour)
	svc.nowFn = func() time.Time { return now }

	addAuth(t, l, testAgent, "0.60", true)
	addAuth(t, l, testAgent, "0.40", true)
	settle(t, l, testAgent)

	p := svc.Payments()
	assert.InDelta(t, 1.0, p.AuthorizationRate, 1e-9, "2 authorizations over 2 hours")

	s := svc.Settlements()
	assert.InDelta(t, 0.5, s.SettlementRate, 1e-9, "1 completed batch over 2 hours")

	h := svc.Health()
	assert.InDelta(t, 7200.0, h.Uptime, 1e-9)
	assert.True(t, h.AutoSettlementRunning)
}

func TestDisputeMetrics(t *testing.T) {
	svc, l, d := setup(t, true)

	a := addAuth(t, l, testAgent, "0.10", true)
	b := addAuth(t, l, testAgent, "0.20", true)

	recA, err := d.Create(testAgent, a, "stale", "")
	require.NoError(t, err)
	_, err = d.Resolve(recA.ID, true, "agent wins")
	require.NoError(t, err)

	recB, err := d.Create(testAgent, b, "stale", "")
	require.NoError(t, err)
	_, err = d.Resolve(recB.ID, false, "merchant wins")
	require.NoError(t, err)

	m := svc.Disputes()
	assert.Equal(t, 2, m.TotalDisputes)
	assert.Equal(t, 0, m.OpenDisputes)
	assert.Equal(t, 1, m.AgentWins)
	assert.Equal(t, 1, m.MerchantWins)
	assert.InDelta(t, 100.0, m.DisputeRate, 1e-9, "2 disputes over 2 authorizations, per 100")
	assert.GreaterOrEqual(t, m.AverageResolutionTime, 0.0)
}

func TestAgentAnalytics(t *testing.T) {
	svc, l, d := setup(t, true)

	addAuth(t, l, testAgent, "0.60", true)
	settle(t, l, testAgent)
	disputed := addAuth(t, l, testAgent, "0.20", true)
	_, err := d.Create(testAgent, disputed, "stale", "")
	require.NoError(t, err)
	addAuth(t, l, testAgent, "0.10", false)

	a, err := svc.Agent(testAgent)
	require.NoError(t, err)
	assert.Equal(t, 3, a.RequestCount)
	assert.Equal(t, "0.900000", a.TotalAmount)
	assert.Equal(t, 1, a.SettledCount)
	assert.Equal(t, 1, a.DisputedCount)
	assert.Equal(t, 1, a.PendingCount)
	assert.InDelta(t, 100.0/3, a.DisputeRate, 1e-9)

	// settled 1/3 (33.3) minus twice the dispute rate 1/3 (66.7) floors at 0.
	assert.Equal(t, 0.0, a.ReputationScore)

	all := svc.Agents()
	require.Len(t, all, 1)

	_, err = svc.Agent("unknown")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestReputationScore(t *testing.T) {
	assert.Equal(t, 100.0, reputation(0, 0, 0))
	assert.Equal(t, 100.0, reputation(10, 10, 0))
	assert.Equal(t, 50.0, reputation(10, 5, 0))
	assert.Equal(t, 30.0, reputation(10, 5, 1))
	assert.Equal(t, 0.0, reputation(10, 0, 5))
}

func TestHealthHealthy(t *testing.T) {
	svc, _, _ := setup(t, true)
	h := svc.Health()
	assert.Equal(t, "healthy", h.Status)
	assert.Empty(t, h.Issues)
	assert.Equal(t, 0, h.ProcessingDelay)
}

func TestHealthDegradedWhenSchedulerDown(t *testing.T) {
	svc, l, _ := setup(t, false)
	addAuth(t, l, testAgent, "0.10", true)

	h := svc.Health()
	assert.Equal(t, "degraded", h.Status)
	require.Len(t, h.Issues, 1)
	assert.Contains(t, h.Issues[0], "scheduler")
	assert.Equal(t, 1, h.QueueBacklog)
	assert.Equal(t, 0, h.ProcessingDelay, "no drain estimate while the scheduler is down")
}

func TestHealthFailureRateIssue(t *testing.T) {
	svc, l, _ := setup(t, true)

	// One completed, one failed: 100% failure rate against completions.
	addAuth(t, l, testAgent, "0.60", true)
	settle(t, l, testAgent)
	addAuth(t, l, testAgent, "0.40", true)
	batch, err := l.BuildBatch(testAgent, testMerchant)
	require.NoError(t, err)
	_, err = l.FailSettlement(batch.ID, "rpc timeout")
	require.NoError(t, err)

	h := svc.Health()
	assert.Equal(t, "degraded", h.Status)
	assert.Contains(t, h.Issues[0], "failure rate")
}

func TestProcessingDelayTracksBacklog(t *testing.T) {
	svc, l, _ := setup(t, true)
	addAuth(t, l, testAgent, "0.10", true)
	addAuth(t, l, testAgent, "0.10", true)

	h := svc.Health()
	assert.Equal(t, 2, h.QueueBacklog)
	assert.Equal(t, 4, h.ProcessingDelay)
}

func TestDashboard(t *testing.T) {
	svc, l, _ := setup(t, true)
	addAuth(t, l, testAgent, "0.10", true)

	d := svc.Dashboard()
	assert.Equal(t, 1, d.Payments.TotalAuthorizations)
	assert.False(t, d.GeneratedAt.IsZero())
}

func TestHistoryRing(t *testing.T) {
	h := &History{}
	for i := 0; i < maxHistory+10; i++ {
		h.add(Snapshot{Payments: PaymentMetrics{TotalAuthorizations: i}})
	}

	all := h.Last(0)
	require.Len(t, all, maxHistory)
	assert.Equal(t, 10, all[0].Payments.TotalAuthorizations, "oldest entries dropped")

	last3 := h.Last(3)
	require.Len(t, last3, 3)
	assert.Equal(t, maxHistory+9, last3[2].Payments.TotalAuthorizations)
}

func TestCollectorSample(t *testing.T) {
	svc, l, _ := setup(t, true)
	addAuth(t, l, testAgent, "0.10", true)

	c := NewCollector(svc, time.Minute, testLogger())
	snap := c.Sample()
	assert.Equal(t, 1, snap.Payments.TotalAuthorizations)
	assert.Len(t, c.History().Last(0), 1)
}
