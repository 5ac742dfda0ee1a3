package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentpay/facilitator/internal/config"
	"github.com/agentpay/facilitator/internal/idgen"
	"github.com/agentpay/facilitator/pkg/x402"
)

const (
	testAgent    = "AgentWa11et1111111111111111111111111111111"
	testMerchant = "MerchantWa11et111111111111111111111111111"
)

type recordingSigner struct {
	calls   int
	senders []string
	fail    bool
}

func (r *recordingSigner) Transfer(_ context.Context, sender, recipient, amount string) (string, error) {
	r.calls++
	r.senders = append(r.senders, sender)
	if r.fail {
		return "", errors.New("rpc timeout")
	}
	return "tx_abc", nil
}

func testConfig() *config.Config {
	return &config.Config{
		Port:             "8080",
		Env:              "test",
		LogLevel:         "error",
		ThresholdAmount:  "1.00",
		ThresholdTime:    time.Hour,
		ThresholdCount:   100,
		AutoSettlement:   false,
		CheckInterval:    time.Minute,
		SnapshotInterval: time.Minute,
		RateLimitRPM:     10000,
	}
}

func newTestServer(t *testing.T) (*Server, *recordingSigner) {
	t.Helper()
	signer := &recordingSigner{}
	srv, err := New(testConfig(), WithSigner(signer))
	require.NoError(t, err)
	return srv, signer
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func newWireAuth(agent, merchant, amount string) *x402.Authorization {
	now := time.Now()
	auth := &x402.Authorization{
		ID:              idgen.WithPrefix("auth_"),
		AgentAddress:    agent,
		MerchantAddress: merchant,
		ToolName:        "get_weather",
		Amount:          amount,
		Currency:        "USDC",
		Timestamp:       now.UnixMilli(),
		ExpiresAt:       now.Add(time.Hour).UnixMilli(),
		Nonce:           idgen.Hex(8),
	}
	auth.Sign()
	return auth
}

func verifyAndQueue(t *testing.T, srv *Server, auth *x402.Authorization) {
	t.Helper()
	w := doJSON(t, srv, http.MethodPost, "/v1/verify", auth)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = doJSON(t, srv, http.MethodPost, "/v1/queue", obj{"authorizationId": auth.ID})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

type obj = map[string]any

func TestVerifyEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	auth := newWireAuth(testAgent, testMerchant, "0.10")

	w := doJSON(t, srv, http.MethodPost, "/v1/verify", auth)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, auth.ID, body["authorizationId"])

	// Duplicate submission conflicts.
	w = doJSON(t, srv, http.MethodPost, "/v1/verify", auth)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "authorization already exists", decode(t, w)["error"])
}

func TestVerifyRejectsTampered(t *testing.T) {
	srv, _ := newTestServer(t)
	auth := newWireAuth(testAgent, testMerchant, "0.10")
	auth.Amount = "99.00"

	w := doJSON(t, srv, http.MethodPost, "/v1/verify", auth)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid signature", decode(t, w)["error"])
}

func TestVerifyValidation(t *testing.T) {
	srv, _ := newTestServer(t)
	auth := newWireAuth("bad address!", testMerchant, "0.10")

	w := doJSON(t, srv, http.MethodPost, "/v1/verify", auth)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestQueueEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	auth := newWireAuth(testAgent, testMerchant, "0.10")
	doJSON(t, srv, http.MethodPost, "/v1/verify", auth)

	w := doJSON(t, srv, http.MethodPost, "/v1/queue", obj{"authorizationId": auth.ID})
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, true, body["queued"])
	assert.Equal(t, false, body["shouldSettle"])

	w = doJSON(t, srv, http.MethodPost, "/v1/queue", obj{"authorizationId": auth.ID})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(t, srv, http.MethodPost, "/v1/queue", obj{"authorizationId": "auth_missing"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestQueueReportsThreshold(t *testing.T) {
	srv, _ := newTestServer(t)
	auth := newWireAuth(testAgent, testMerchant, "1.50")
	doJSON(t, srv, http.MethodPost, "/v1/verify", auth)

	w := doJSON(t, srv, http.MethodPost, "/v1/queue", obj{"authorizationId": auth.ID})
	body := decode(t, w)
	assert.Equal(t, true, body["shouldSettle"])
	assert.Equal(t, "Settlement threshold met", body["reason"])
}

func TestListPendingMerchantsUsage(t *testing.T) {
	srv, _ := newTestServer(t)
	a := newWireAuth(testAgent, testMerchant, "0.60")
	b := newWireAuth(testAgent, testMerchant, "0.30")
	verifyAndQueue(t, srv, a)
	doJSON(t, srv, http.MethodPost, "/v1/verify", b)

	w := doJSON(t, srv, http.MethodGet, "/v1/list?agentAddress="+testAgent, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), decode(t, w)["count"])

	w = doJSON(t, srv, http.MethodGet, "/v1/list?agentAddress="+testAgent+"&status=validated", nil)
	assert.Equal(t, float64(1), decode(t, w)["count"])

	w = doJSON(t, srv, http.MethodGet, "/v1/pending?agentAddress="+testAgent, nil)
	assert.Equal(t, float64(1), decode(t, w)["count"])

	w = doJSON(t, srv, http.MethodGet, "/v1/merchants?agentAddress="+testAgent, nil)
	merchants := decode(t, w)["merchants"].([]any)
	assert.Equal(t, []any{testMerchant}, merchants)

	w = doJSON(t, srv, http.MethodGet, "/v1/usage?agentAddress="+testAgent, nil)
	usage := decode(t, w)["usage"].(map[string]any)
	assert.Equal(t, float64(2), usage["requestCount"])
	assert.Equal(t, "0.900000", usage["totalAmount"])

	w = doJSON(t, srv, http.MethodGet, "/v1/usage?agentAddress=Unknown11111111111111111111111111111111111", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestManualBatchLifecycle(t *testing.T) {
	srv, _ := newTestServer(t)
	a := newWireAuth(testAgent, testMerchant, "0.60")
	b := newWireAuth(testAgent, testMerchant, "0.50")
	verifyAndQueue(t, srv, a)
	verifyAndQueue(t, srv, b)

	w := doJSON(t, srv, http.MethodPost, "/v1/batch/create", obj{"agentAddress": testAgent})
	require.Equal(t, http.StatusCreated, w.Code)
	batch := decode(t, w)["batch"].(map[string]any)
	assert.Equal(t, "1.100000", batch["totalAmount"])
	batchID := batch["id"].(string)

	w = doJSON(t, srv, http.MethodPost, "/v1/batch/complete", obj{
		"batchId":              batchID,
		"transactionSignature": "tx_abc",
	})
	require.Equal(t, http.StatusOK, w.Code)
	done := decode(t, w)["batch"].(map[string]any)
	assert.Equal(t, "completed", done["status"])
	assert.Equal(t, "tx_abc", done["transactionSignature"])

	w = doJSON(t, srv, http.MethodGet, "/v1/batches?agentAddress="+testAgent, nil)
	assert.Equal(t, float64(1), decode(t, w)["count"])
}

func TestBatchFailEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	a := newWireAuth(testAgent, testMerchant, "0.60")
	verifyAndQueue(t, srv, a)

	w := doJSON(t, srv, http.MethodPost, "/v1/batch/create", obj{"agentAddress": testAgent})
	batchID := decode(t, w)["batch"].(map[string]any)["id"].(string)

	w = doJSON(t, srv, http.MethodPost, "/v1/batch/fail", obj{
		"batchId": batchID,
		"error":   "rpc timeout",
	})
	require.Equal(t, http.StatusOK, w.Code)
	failed := decode(t, w)["batch"].(map[string]any)
	assert.Equal(t, "failed", failed["status"])

	w = doJSON(t, srv, http.MethodPost, "/v1/batch/fail", obj{"batchId": "batch_missing"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSettlementTriggerEndpoint(t *testing.T) {
	srv, signer := newTestServer(t)
	a := newWireAuth(testAgent, testMerchant, "0.60")
	b := newWireAuth(testAgent, testMerchant, "0.50")
	verifyAndQueue(t, srv, a)
	verifyAndQueue(t, srv, b)

	w := doJSON(t, srv, http.MethodPost, "/v1/settlement/trigger", obj{"agentAddress": testAgent})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	batch := decode(t, w)["batch"].(map[string]any)
	assert.Equal(t, "completed", batch["status"])
	assert.Equal(t, "tx_abc", batch["transactionSignature"])
	assert.Equal(t, 1, signer.calls)
	assert.Equal(t, []string{testAgent}, signer.senders, "dispatch draws from the batch agent's wallet")

	// Nothing left to settle.
	w = doJSON(t, srv, http.MethodPost, "/v1/settlement/trigger", obj{"agentAddress": testAgent})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSettlementTriggerTransferFailure(t *testing.T) {
	srv, signer := newTestServer(t)
	signer.fail = true
	a := newWireAuth(testAgent, testMerchant, "0.60")
	verifyAndQueue(t, srv, a)

	w := doJSON(t, srv, http.MethodPost, "/v1/settlement/trigger", obj{"agentAddress": testAgent})
	assert.Equal(t, http.StatusBadGateway, w.Code)
	body := decode(t, w)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "failed", body["batch"].(map[string]any)["status"])
}

func TestSchedulerControlEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doJSON(t, srv, http.MethodPost, "/v1/settlement/start", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["started"])

	require.Eventually(t, srv.scheduler.Running, time.Second, 5*time.Millisecond)

	// Starting again is a no-op.
	w = doJSON(t, srv, http.MethodPost, "/v1/settlement/start", nil)
	assert.Equal(t, false, decode(t, w)["started"])

	w = doJSON(t, srv, http.MethodPost, "/v1/settlement/stop", nil)
	assert.Equal(t, true, decode(t, w)["stopped"])
	require.Eventually(t, func() bool { return !srv.scheduler.Running() }, time.Second, 5*time.Millisecond)
}

func TestSchedulerStartConcurrent(t *testing.T) {
	srv, _ := newTestServer(t)

	// Only one of two simultaneous starts may launch the loop.
	results := make(chan bool, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := doJSON(t, srv, http.MethodPost, "/v1/settlement/start", nil)
			results <- decode(t, w)["started"].(bool)
		}()
	}
	wg.Wait()
	close(results)

	started := 0
	for r := range results {
		if r {
			started++
		}
	}
	assert.Equal(t, 1, started)

	doJSON(t, srv, http.MethodPost, "/v1/settlement/stop", nil)
	require.Eventually(t, func() bool { return !srv.scheduler.Running() }, time.Second, 5*time.Millisecond)
}

func TestQueueRejectsDisputedAuthorization(t *testing.T) {
	srv, _ := newTestServer(t)
	a := newWireAuth(testAgent, testMerchant, "0.60")
	verifyAndQueue(t, srv, a)

	w := doJSON(t, srv, http.MethodPost, "/v1/dispute", obj{
		"agentAddress":    testAgent,
		"authorizationId": a.ID,
		"reason":          "data was stale",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	// The authorization may not re-enter the queue while the dispute
	// is open.
	w = doJSON(t, srv, http.MethodPost, "/v1/queue", obj{"authorizationId": a.ID})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, decode(t, w)["error"], "disputed")
}

func TestDisputeFlow(t *testing.T) {
	srv, _ := newTestServer(t)
	a := newWireAuth(testAgent, testMerchant, "0.60")
	verifyAndQueue(t, srv, a)

	w := doJSON(t, srv, http.MethodPost, "/v1/dispute", obj{
		"agentAddress":    testAgent,
		"authorizationId": a.ID,
		"reason":          "data was stale",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	rec := decode(t, w)["dispute"].(map[string]any)
	disputeID := rec["id"].(string)

	// Wrong agent is forbidden.
	b := newWireAuth(testAgent, testMerchant, "0.10")
	doJSON(t, srv, http.MethodPost, "/v1/verify", b)
	w = doJSON(t, srv, http.MethodPost, "/v1/dispute", obj{
		"agentAddress":    "SomeoneE1se11111111111111111111111111111",
		"authorizationId": b.ID,
		"reason":          "not mine",
	})
	assert.Equal(t, http.StatusForbidden, w.Code)

	// Merchant wins: rejected resolution re-queues the authorization.
	w = doJSON(t, srv, http.MethodPost, "/v1/dispute/resolve", obj{
		"disputeId":  disputeID,
		"approved":   false,
		"resolution": "hash matched delivery",
	})
	require.Equal(t, http.StatusOK, w.Code)
	resolved := decode(t, w)["dispute"].(map[string]any)
	assert.Equal(t, "rejected", resolved["status"])

	w = doJSON(t, srv, http.MethodGet, "/v1/pending?agentAddress="+testAgent, nil)
	assert.Equal(t, float64(1), decode(t, w)["count"])

	w = doJSON(t, srv, http.MethodGet, "/v1/disputes", nil)
	assert.Equal(t, float64(1), decode(t, w)["count"])
}

func TestDataHashEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	a := newWireAuth(testAgent, testMerchant, "0.10")
	doJSON(t, srv, http.MethodPost, "/v1/verify", a)

	w := doJSON(t, srv, http.MethodPost, "/v1/data-hash", obj{
		"authorizationId": a.ID,
		"dataHash":        "deadbeef",
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, srv, http.MethodPost, "/v1/data-hash", obj{
		"authorizationId": a.ID,
		"dataHash":        "not hex!",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMonitoringEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)
	a := newWireAuth(testAgent, testMerchant, "0.60")
	verifyAndQueue(t, srv, a)

	w := doJSON(t, srv, http.MethodGet, "/v1/monitoring/dashboard", nil)
	require.Equal(t, http.StatusOK, w.Code)
	dash := decode(t, w)["dashboard"].(map[string]any)
	payments := dash["payments"].(map[string]any)
	assert.Equal(t, float64(1), payments["totalAuthorizations"])

	w = doJSON(t, srv, http.MethodGet, "/v1/monitoring/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, srv, http.MethodGet, "/v1/monitoring/agent/"+testAgent, nil)
	require.Equal(t, http.StatusOK, w.Code)
	agent := decode(t, w)["agent"].(map[string]any)
	assert.Equal(t, float64(1), agent["requestCount"])

	w = doJSON(t, srv, http.MethodGet, "/v1/monitoring/agents", nil)
	assert.Equal(t, float64(1), decode(t, w)["count"])

	w = doJSON(t, srv, http.MethodGet, "/v1/monitoring/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	health := decode(t, w)["health"].(map[string]any)
	// Auto settlement is off in the test config, so a stopped
	// scheduler is not an issue.
	assert.Equal(t, "healthy", health["status"])

	w = doJSON(t, srv, http.MethodGet, "/v1/monitoring/history", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHealthProbes(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doJSON(t, srv, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, srv, http.MethodGet, "/health/live", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// Not ready until Run starts listening.
	w = doJSON(t, srv, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	w := doJSON(t, srv, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "facilitator_")
}
