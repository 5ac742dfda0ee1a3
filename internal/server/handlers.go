package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/agentpay/facilitator/internal/dispute"
	"github.com/agentpay/facilitator/internal/idgen"
	"github.com/agentpay/facilitator/internal/ledger"
	"github.com/agentpay/facilitator/internal/realtime"
	"github.com/agentpay/facilitator/internal/validation"
	"github.com/agentpay/facilitator/pkg/x402"
)

func fail(c *gin.Context, status int, err error) {
	c.JSON(status, gin.H{"success": false, "error": err.Error()})
}

func failMsg(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"success": false, "error": msg})
}

// ledgerStatus maps ledger errors to HTTP status codes.
func ledgerStatus(err error) int {
	switch {
	case errors.Is(err, ledger.ErrNotFound), errors.Is(err, ledger.ErrBatchNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrAlreadyExists),
		errors.Is(err, ledger.ErrAlreadyQueued),
		errors.Is(err, ledger.ErrAlreadySettled),
		errors.Is(err, ledger.ErrDisputed),
		errors.Is(err, ledger.ErrNotDisputed):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrExpired),
		errors.Is(err, ledger.ErrBadSignature),
		errors.Is(err, ledger.ErrNothingToSettle):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// verifyHandler handles POST /v1/verify.
func (s *Server) verifyHandler(c *gin.Context) {
	var auth x402.Authorization
	if err := c.ShouldBindJSON(&auth); err != nil {
		failMsg(c, http.StatusBadRequest, "invalid request body")
		return
	}

	if errs := validation.Check(
		validation.Required("id", auth.ID),
		validation.Required("agentAddress", auth.AgentAddress),
		validation.Required("merchantAddress", auth.MerchantAddress),
		validation.Required("amount", auth.Amount),
		validation.ValidAddress("agentAddress", auth.AgentAddress),
		validation.ValidAddress("merchantAddress", auth.MerchantAddress),
		validation.ValidAmount("amount", auth.Amount),
	); len(errs) > 0 {
		failMsg(c, http.StatusBadRequest, errs.Error())
		return
	}

	if err := s.ledger.Verify(&auth); err != nil {
		fail(c, ledgerStatus(err), err)
		return
	}

	s.hub.Broadcast(realtime.EventAuthorizationVerified, map[string]any{
		"authorizationId": auth.ID,
		"agentAddress":    auth.AgentAddress,
		"merchantAddress": auth.MerchantAddress,
		"amount":          auth.Amount,
	})
	c.JSON(http.StatusOK, gin.H{
		"success":         true,
		"authorizationId": auth.ID,
		"status":          ledger.StatusPending,
	})
}

type queueRequest struct {
	AuthorizationID string `json:"authorizationId"`
}

// queueHandler handles POST /v1/queue.
func (s *Server) queueHandler(c *gin.Context) {
	var req queueRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.AuthorizationID == "" {
		failMsg(c, http.StatusBadRequest, "authorizationId is required")
		return
	}

	result, err := s.ledger.QueueForSettlement(req.AuthorizationID)
	if err != nil {
		fail(c, ledgerStatus(err), err)
		return
	}

	auth, _ := s.ledger.Get(req.AuthorizationID)
	if auth != nil {
		s.hub.Broadcast(realtime.EventAuthorizationQueued, map[string]any{
			"authorizationId": auth.ID,
			"agentAddress":    auth.AgentAddress,
			"merchantAddress": auth.MerchantAddress,
		})
		// Queueing is the settlement trigger point: fire the batch
		// asynchronously when thresholds are met.
		if result.ShouldSettle && s.cfg.AutoSettlement {
			go func(agent string) {
				s.engine.SettleEligible(context.Background(), agent)
			}(auth.AgentAddress)
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"queued":       result.Queued,
		"shouldSettle": result.ShouldSettle,
		"reason":       result.Reason,
	})
}

type dataHashRequest struct {
	AuthorizationID string `json:"authorizationId"`
	DataHash        string `json:"dataHash"`
}

// dataHashHandler handles POST /v1/data-hash.
func (s *Server) dataHashHandler(c *gin.Context) {
	var req dataHashRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.AuthorizationID == "" {
		failMsg(c, http.StatusBadRequest, "authorizationId is required")
		return
	}
	if !validation.IsValidHex(req.DataHash) {
		failMsg(c, http.StatusBadRequest, "dataHash must be hex")
		return
	}

	if err := s.ledger.AttachDataHash(req.AuthorizationID, req.DataHash); err != nil {
		fail(c, ledgerStatus(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// listHandler handles GET /v1/list?agentAddress&status.
func (s *Server) listHandler(c *gin.Context) {
	agent := c.Query("agentAddress")
	if agent == "" {
		failMsg(c, http.StatusBadRequest, "agentAddress is required")
		return
	}
	auths := s.ledger.ListByAgent(agent, ledger.Status(c.Query("status")))
	c.JSON(http.StatusOK, gin.H{
		"success":        true,
		"authorizations": auths,
		"count":          len(auths),
	})
}

// pendingHandler handles GET /v1/pending?agentAddress.
func (s *Server) pendingHandler(c *gin.Context) {
	agent := c.Query("agentAddress")
	if agent == "" {
		failMsg(c, http.StatusBadRequest, "agentAddress is required")
		return
	}
	auths := s.ledger.ListPending(agent)
	c.JSON(http.StatusOK, gin.H{
		"success":        true,
		"authorizations": auths,
		"count":          len(auths),
	})
}

// merchantsHandler handles GET /v1/merchants?agentAddress.
func (s *Server) merchantsHandler(c *gin.Context) {
	agent := c.Query("agentAddress")
	if agent == "" {
		failMsg(c, http.StatusBadRequest, "agentAddress is required")
		return
	}
	merchants := s.ledger.PendingMerchants(agent)
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"merchants": merchants,
	})
}

// usageHandler handles GET /v1/usage?agentAddress.
func (s *Server) usageHandler(c *gin.Context) {
	agent := c.Query("agentAddress")
	if agent == "" {
		failMsg(c, http.StatusBadRequest, "agentAddress is required")
		return
	}
	usage, err := s.ledger.Usage(agent)
	if err != nil {
		fail(c, ledgerStatus(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "usage": usage})
}

// eventsHandler handles GET /v1/events?agentAddress&limit.
func (s *Server) eventsHandler(c *gin.Context) {
	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}
	events, err := s.eventStore.List(c.Request.Context(), c.Query("agentAddress"), limit)
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "events": events})
}

type batchCreateRequest struct {
	AgentAddress    string `json:"agentAddress"`
	MerchantAddress string `json:"merchantAddress"`
}

// batchCreateHandler handles POST /v1/batch/create. It builds the
// batch without dispatching a transfer; completion arrives via
// /batch/complete or /batch/fail.
func (s *Server) batchCreateHandler(c *gin.Context) {
	var req batchCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.AgentAddress == "" {
		failMsg(c, http.StatusBadRequest, "agentAddress is required")
		return
	}

	batch, err := s.ledger.BuildBatch(req.AgentAddress, req.MerchantAddress)
	if err != nil {
		fail(c, ledgerStatus(err), err)
		return
	}

	s.hub.Broadcast(realtime.EventBatchCreated, map[string]any{
		"batchId":         batch.ID,
		"agentAddress":    batch.AgentAddress,
		"merchantAddress": batch.MerchantAddress,
		"amount":          batch.TotalAmount,
	})
	c.JSON(http.StatusCreated, gin.H{"success": true, "batch": batch})
}

type batchCompleteRequest struct {
	BatchID              string `json:"batchId"`
	TransactionSignature string `json:"transactionSignature"`
}

// batchCompleteHandler handles POST /v1/batch/complete.
func (s *Server) batchCompleteHandler(c *gin.Context) {
	var req batchCompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.BatchID == "" {
		failMsg(c, http.StatusBadRequest, "batchId is required")
		return
	}

	batch, err := s.ledger.CompleteSettlement(req.BatchID, req.TransactionSignature)
	if err != nil {
		fail(c, ledgerStatus(err), err)
		return
	}

	s.hub.Broadcast(realtime.EventBatchCompleted, map[string]any{
		"batchId":         batch.ID,
		"agentAddress":    batch.AgentAddress,
		"merchantAddress": batch.MerchantAddress,
		"amount":          batch.TotalAmount,
		"txSignature":     batch.TransactionSignature,
	})
	c.JSON(http.StatusOK, gin.H{"success": true, "batch": batch})
}

type batchFailRequest struct {
	BatchID string `json:"batchId"`
	Error   string `json:"error"`
}

// batchFailHandler handles POST /v1/batch/fail.
func (s *Server) batchFailHandler(c *gin.Context) {
	var req batchFailRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.BatchID == "" {
		failMsg(c, http.StatusBadRequest, "batchId is required")
		return
	}

	batch, err := s.ledger.FailSettlement(req.BatchID, validation.SanitizeString(req.Error, validation.MaxStringLength))
	if err != nil {
		fail(c, ledgerStatus(err), err)
		return
	}

	s.hub.Broadcast(realtime.EventBatchFailed, map[string]any{
		"batchId":         batch.ID,
		"agentAddress":    batch.AgentAddress,
		"merchantAddress": batch.MerchantAddress,
		"error":           batch.Error,
	})
	c.JSON(http.StatusOK, gin.H{"success": true, "batch": batch})
}

// batchesHandler handles GET /v1/batches?agentAddress.
func (s *Server) batchesHandler(c *gin.Context) {
	batches := s.ledger.ListBatches(c.Query("agentAddress"))
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"batches": batches,
		"count":   len(batches),
	})
}

type settlementTriggerRequest struct {
	AgentAddress    string `json:"agentAddress"`
	MerchantAddress string `json:"merchantAddress"`
}

// settlementTriggerHandler handles POST /v1/settlement/trigger: a
// manual end-to-end settlement for one (agent, merchant) group.
func (s *Server) settlementTriggerHandler(c *gin.Context) {
	var req settlementTriggerRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.AgentAddress == "" {
		failMsg(c, http.StatusBadRequest, "agentAddress is required")
		return
	}

	batch, err := s.engine.TriggerSettlement(c.Request.Context(), req.AgentAddress, req.MerchantAddress)
	if err != nil {
		if batch != nil {
			// Transfer failed; the batch records the error.
			c.JSON(http.StatusBadGateway, gin.H{
				"success": false,
				"error":   err.Error(),
				"batch":   batch,
			})
			return
		}
		fail(c, ledgerStatus(err), err)
		return
	}

	s.hub.Broadcast(realtime.EventBatchCompleted, map[string]any{
		"batchId":         batch.ID,
		"agentAddress":    batch.AgentAddress,
		"merchantAddress": batch.MerchantAddress,
		"amount":          batch.TotalAmount,
		"txSignature":     batch.TransactionSignature,
	})
	c.JSON(http.StatusOK, gin.H{"success": true, "batch": batch})
}

// settlementStartHandler handles POST /v1/settlement/start.
func (s *Server) settlementStartHandler(c *gin.Context) {
	started := s.startScheduler()
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"started": started,
		"running": true,
	})
}

// settlementStopHandler handles POST /v1/settlement/stop.
func (s *Server) settlementStopHandler(c *gin.Context) {
	stopped := s.stopScheduler()
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"stopped": stopped,
		"running": false,
	})
}

type disputeCreateRequest struct {
	AgentAddress    string `json:"agentAddress"`
	AuthorizationID string `json:"authorizationId"`
	Reason          string `json:"reason"`
	Evidence        string `json:"evidence"`
}

// disputeCreateHandler handles POST /v1/dispute.
func (s *Server) disputeCreateHandler(c *gin.Context) {
	var req disputeCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failMsg(c, http.StatusBadRequest, "invalid request body")
		return
	}
	if errs := validation.Check(
		validation.Required("agentAddress", req.AgentAddress),
		validation.Required("authorizationId", req.AuthorizationID),
		validation.Required("reason", req.Reason),
	); len(errs) > 0 {
		failMsg(c, http.StatusBadRequest, errs.Error())
		return
	}

	rec, err := s.disputes.Create(
		req.AgentAddress,
		req.AuthorizationID,
		validation.SanitizeString(req.Reason, validation.MaxStringLength),
		validation.SanitizeString(req.Evidence, validation.MaxStringLength),
	)
	if err != nil {
		fail(c, disputeStatus(err), err)
		return
	}

	s.hub.Broadcast(realtime.EventDisputeCreated, map[string]any{
		"disputeId":       rec.ID,
		"authorizationId": rec.AuthorizationID,
		"agentAddress":    rec.AgentAddress,
		"merchantAddress": rec.MerchantAddress,
	})
	c.JSON(http.StatusCreated, gin.H{"success": true, "dispute": rec})
}

type disputeResolveRequest struct {
	DisputeID  string `json:"disputeId"`
	Approved   bool   `json:"approved"`
	Resolution string `json:"resolution"`
}

// disputeResolveHandler handles POST /v1/dispute/resolve.
func (s *Server) disputeResolveHandler(c *gin.Context) {
	var req disputeResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.DisputeID == "" {
		failMsg(c, http.StatusBadRequest, "disputeId is required")
		return
	}

	rec, err := s.disputes.Resolve(req.DisputeID, req.Approved,
		validation.SanitizeString(req.Resolution, validation.MaxStringLength))
	if err != nil {
		fail(c, disputeStatus(err), err)
		return
	}

	s.hub.Broadcast(realtime.EventDisputeResolved, map[string]any{
		"disputeId":       rec.ID,
		"authorizationId": rec.AuthorizationID,
		"agentAddress":    rec.AgentAddress,
		"merchantAddress": rec.MerchantAddress,
		"status":          rec.Status,
	})
	c.JSON(http.StatusOK, gin.H{"success": true, "dispute": rec})
}

// disputesHandler handles GET /v1/disputes?agentAddress.
func (s *Server) disputesHandler(c *gin.Context) {
	var records []*dispute.Record
	if agent := c.Query("agentAddress"); agent != "" {
		records = s.disputes.ListByAgent(agent)
	} else {
		records = s.disputes.All()
	}
	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"disputes": records,
		"count":    len(records),
	})
}

func disputeStatus(err error) int {
	switch {
	case errors.Is(err, dispute.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, dispute.ErrAgentMismatch):
		return http.StatusForbidden
	case errors.Is(err, dispute.ErrAlreadyDisputed), errors.Is(err, dispute.ErrAlreadyResolved):
		return http.StatusConflict
	default:
		return ledgerStatus(err)
	}
}

// Monitoring projections.

func (s *Server) monitoringDashboardHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "dashboard": s.monitor.Dashboard()})
}

func (s *Server) monitoringMetricsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"payments":    s.monitor.Payments(),
		"settlements": s.monitor.Settlements(),
		"disputes":    s.monitor.Disputes(),
	})
}

func (s *Server) monitoringAgentHandler(c *gin.Context) {
	analytics, err := s.monitor.Agent(c.Param("address"))
	if err != nil {
		fail(c, ledgerStatus(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "agent": analytics})
}

func (s *Server) monitoringAgentsHandler(c *gin.Context) {
	agents := s.monitor.Agents()
	c.JSON(http.StatusOK, gin.H{"success": true, "agents": agents, "count": len(agents)})
}

func (s *Server) monitoringHealthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "health": s.monitor.Health()})
}

func (s *Server) monitoringHistoryHandler(c *gin.Context) {
	n := 0
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil {
			n = parsed
		}
	}
	snapshots := s.collector.History().Last(n)
	c.JSON(http.StatusOK, gin.H{"success": true, "history": snapshots})
}

// noopSigner stands in when no funding key is configured. Transfers
// succeed with a synthetic signature so development flows work end to
// end without touching a chain.
type noopSigner struct {
	logger *slog.Logger
}

func (n noopSigner) Transfer(_ context.Context, sender, recipient, amount string) (string, error) {
	sig := "sim_" + idgen.Hex(16)
	n.logger.Info("simulated transfer",
		"sender", sender, "recipient", recipient, "amount", amount, "signature", sig)
	return sig, nil
}
