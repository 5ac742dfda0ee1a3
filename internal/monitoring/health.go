package monitoring

import (
	"fmt"
	"time"
)

// SystemHealth is the facilitator's self-assessment. Status is
// "healthy" with no issues, "degraded" with at least one, and "down"
// with more than three.
type SystemHealth struct {
	Status                string    `json:"status"`
	Issues                []string  `json:"issues,omitempty"`
	Uptime                float64   `json:"uptime"` // seconds since the service started
	QueueBacklog          int       `json:"queueBacklog"`
	AutoSettlementRunning bool      `json:"autoSettlementRunning"`
	ProcessingDelay       int       `json:"processingDelay"` // estimated seconds until the backlog drains
	CheckedAt             time.Time `json:"checkedAt"`
}

const (
	healthBacklogLimit  = 1000
	healthFailRateLimit = 0.1
)

// Health evaluates the facilitator's current condition.
func (s *Service) Health() SystemHealth {
	var issues []string

	schedulerUp := s.scheduler != nil && s.scheduler.Running()
	if s.autoSettlement && !schedulerUp {
		issues = append(issues, "settlement scheduler is not running")
	}

	settlements := s.Settlements()
	if settlements.CompletedBatches > 0 {
		failRate := float64(settlements.FailedBatches) / float64(settlements.CompletedBatches)
		if failRate > healthFailRateLimit {
			issues = append(issues, fmt.Sprintf("batch failure rate %.0f%% exceeds %.0f%%",
				failRate*100, healthFailRateLimit*100))
		}
	}

	backlog := s.ledger.QueueSize()
	if backlog > healthBacklogLimit {
		issues = append(issues, fmt.Sprintf("settlement queue backlog %d exceeds %d",
			backlog, healthBacklogLimit))
	}

	status := "healthy"
	switch {
	case len(issues) > 3:
		status = "down"
	case len(issues) > 0:
		status = "degraded"
	}

	// Rough drain estimate: two seconds of transfer work per queued
	// authorization while the scheduler is up.
	delay := 0
	if schedulerUp {
		delay = backlog * 2
	}

	return SystemHealth{
		Status:                status,
		Issues:                issues,
		Uptime:                s.uptime().Seconds(),
		QueueBacklog:          backlog,
		AutoSettlementRunning: s.autoSettlement && schedulerUp,
		ProcessingDelay:       delay,
		CheckedAt:             s.nowFn(),
	}
}
