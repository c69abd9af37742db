// Package admission implements global admission control and per-tenant
// traffic control: a single atomic admitted-cost
// counter bounded by capacity, plus an optional per-tenant demand-bound
// check for reserved tenants.
package admission

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/yasserelgammal/rate-limiter/limiter"
	"github.com/yasserelgammal/rate-limiter/store"
)

// Granularity is G in the admissions-estimate formula:
// estimated_execution_us × G / relative_deadline_us.
const Granularity = 1000

// Controller tracks the process-wide admitted-cost counter and the
// per-tenant reservation state.
type Controller struct {
	capacity int64
	admitted atomic.Int64

	mu      sync.Mutex
	tenants map[string]*reservation
}

type reservation struct {
	// bucket replenishes the tenant's guaranteed-budget counter
	// periodically: burst = budget units, refill rate = units per
	// period. key is the single bucket key this reservation consumes
	// against (tenant-scoped, so distinct tenants never share tokens).
	bucket *limiter.TokenBucket
	key    string
	burst  int64 // == budgetUnits at registration; a request costing more can never be admitted
	mu     sync.Mutex

	bestEffort atomic.Int64 // best-effort budget; never replenished automatically
}

// New builds a Controller with the given total capacity (callers
// compute capacity = workers × G × (1 − overhead); that
// product and pass it in).
func New(capacity int64) *Controller {
	return &Controller{capacity: capacity, tenants: make(map[string]*reservation)}
}

// Estimate computes the admissions estimate for a request.
func Estimate(estimatedExecutionUS, relativeDeadlineUS int64) int64 {
	if relativeDeadlineUS <= 0 {
		return estimatedExecutionUS * Granularity
	}
	return estimatedExecutionUS * Granularity / relativeDeadlineUS
}

// RegisterReservedTenant configures a reserved tenant's guaranteed
// budget: burst tokens, replenished once per period.
func (c *Controller) RegisterReservedTenant(name string, budgetUnits int64, period time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := store.NewMemoryStore(period)
	bucket, _ := limiter.NewTokenBucket(limiter.Config{
		Rate:     budgetUnits,
		Duration: period,
		Burst:    budgetUnits,
	}, st)
	c.tenants[name] = &reservation{bucket: bucket, key: name, burst: budgetUnits}
}

// RegisterBestEffortTenant configures a best-effort tenant's budget,
// which is never replenished.
func (c *Controller) RegisterBestEffortTenant(name string, budgetUnits int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := &reservation{}
	r.bestEffort.Store(budgetUnits)
	c.tenants[name] = r
}

// Decide accepts (returning
// est) or rejects (returning 0) based on global capacity alone. Caller
// must call Release(est) on sandbox completion.
func (c *Controller) Decide(est int64) (accepted int64) {
	for {
		cur := c.admitted.Load()
		if cur+est >= c.capacity {
			return 0
		}
		if c.admitted.CompareAndSwap(cur, cur+est) {
			return est
		}
	}
}

// Release subtracts est from the admitted-cost counter on sandbox
// completion.
func (c *Controller) Release(est int64) {
	c.admitted.Add(-est)
}

// TrafficDecision is the outcome of a per-tenant demand-bound check.
type TrafficDecision int

const (
	TrafficAdmit TrafficDecision = iota
	TrafficShedBestEffort                 // reserved tenant: shed other best-effort work to make room
	TrafficReject
)

// CheckTenant implements the per-tenant demand-bound-function gate:
// for a reserved tenant whose guaranteed budget would be exceeded,
// asks for best-effort work to be shed elsewhere instead of rejecting
// outright; for a best-effort tenant in the same situation, rejects.
func (c *Controller) CheckTenant(name string, cost int64) TrafficDecision {
	c.mu.Lock()
	r, ok := c.tenants[name]
	c.mu.Unlock()
	if !ok {
		return TrafficAdmit
	}
	if r.bucket != nil {
		// The library's Allow consumes exactly one token per call keyed
		// by string, with no weighted-cost or peek variant, so a cost-unit
		// request consumes cost tokens one at a time under the
		// reservation's own mutex (serializing concurrent requests against
		// the same tenant). A request costing more than the tenant's whole
		// burst can never be satisfied, so it's shed up front without
		// touching the bucket at all — otherwise it would drain every
		// token already earned by the tenant's other in-flight requests
		// on its way to failing anyway.
		if cost > r.burst {
			return TrafficShedBestEffort
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		for i := int64(0); i < cost; i++ {
			if !r.bucket.Allow(r.key) {
				return TrafficShedBestEffort
			}
		}
		return TrafficAdmit
	}
	for {
		cur := r.bestEffort.Load()
		if cur < cost {
			return TrafficReject
		}
		if r.bestEffort.CompareAndSwap(cur, cur-cost) {
			return TrafficAdmit
		}
	}
}

// Admitted reports the current admitted-cost counter value, for
// metrics export.
func (c *Controller) Admitted() int64 {
	return c.admitted.Load()
}

// Capacity reports the configured total capacity.
func (c *Controller) Capacity() int64 {
	return c.capacity
}
