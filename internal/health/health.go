// Package health runs component probes behind the facilitator's
// /health endpoint: each probe inspects one piece of the settlement
// pipeline (the scheduler, the settlement queue) and reports pass or
// fail.
package health

import (
	"context"
	"sync"
)

// Check is the outcome of probing one component.
type Check struct {
	Component string `json:"component"`
	OK        bool   `json:"ok"`
	Detail    string `json:"detail,omitempty"`
}

// Pass reports a component as healthy.
func Pass(component string) Check {
	return Check{Component: component, OK: true}
}

// Fail reports a component as unhealthy with a reason.
func Fail(component, detail string) Check {
	return Check{Component: component, OK: false, Detail: detail}
}

// Probe inspects one component. Probes run on every /health request,
// so they must be cheap snapshot reads, never external calls.
type Probe func(ctx context.Context) Check

// Registry holds the facilitator's probes and runs them on demand.
type Registry struct {
	mu     sync.RWMutex
	probes []Probe
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a probe. Probes run in registration order.
func (r *Registry) Register(p Probe) {
	r.mu.Lock()
	r.probes = append(r.probes, p)
	r.mu.Unlock()
}

// CheckAll runs every probe and reports the aggregate: ok is false
// when any single probe fails.
func (r *Registry) CheckAll(ctx context.Context) (ok bool, checks []Check) {
	r.mu.RLock()
	probes := make([]Probe, len(r.probes))
	copy(probes, r.probes)
	r.mu.RUnlock()

	ok = true
	checks = make([]Check, len(probes))
	for i, probe := range probes {
		checks[i] = probe(ctx)
		if !checks[i].OK {
			ok = false
		}
	}
	return ok, checks
}
