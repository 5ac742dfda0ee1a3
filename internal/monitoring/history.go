package monitoring

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const maxHistory = 1000

// Snapshot is one periodic sample of system-wide metrics.
type Snapshot struct {
	Payments    PaymentMetrics    `json:"payments"`
	Settlements SettlementMetrics `json:"settlements"`
	Disputes    DisputeMetrics    `json:"disputes"`
	TakenAt     time.Time         `json:"takenAt"`
}

// History is a bounded ring of metric snapshots, newest last. Oldest
// entries are dropped past maxHistory.
type History struct {
	mu        sync.Mutex
	snapshots []Snapshot
}

func (h *History) add(s Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.snapshots = append(h.snapshots, s)
	if len(h.snapshots) > maxHistory {
		h.snapshots = h.snapshots[len(h.snapshots)-maxHistory:]
	}
}

// Last returns up to n most recent snapshots, oldest first. n <= 0
// returns everything retained.
func (h *History) Last(n int) []Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n <= 0 || n > len(h.snapshots) {
		n = len(h.snapshots)
	}
	out := make([]Snapshot, n)
	copy(out, h.snapshots[len(h.snapshots)-n:])
	return out
}

// Collector samples the monitoring service on an interval and retains
// the snapshots in a History ring.
type Collector struct {
	service  *Service
	history  *History
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

func NewCollector(service *Service, interval time.Duration, logger *slog.Logger) *Collector {
	return &Collector{
		service:  service,
		history:  &History{},
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// History exposes the retained snapshots.
func (c *Collector) History() *History {
	return c.history
}

// Running reports whether the collector loop is active.
func (c *Collector) Running() bool {
	return c.running.Load()
}

// Start begins the sampling loop. Call in a goroutine.
func (c *Collector) Start(ctx context.Context) {
	c.running.Store(true)
	defer c.running.Store(false)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.safeSample()
		}
	}
}

// Stop signals the collector to stop.
func (c *Collector) Stop() {
	select {
	case c.stop <- struct{}{}:
	default:
	}
}

func (c *Collector) safeSample() {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("panic in metrics collector", "panic", fmt.Sprint(r))
		}
	}()
	c.Sample()
}

// Sample takes one snapshot immediately.
func (c *Collector) Sample() Snapshot {
	s := Snapshot{
		Payments:    c.service.Payments(),
		Settlements: c.service.Settlements(),
		Disputes:    c.service.Disputes(),
		TakenAt:     c.service.nowFn(),
	}
	c.history.add(s)
	return s
}
