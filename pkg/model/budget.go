package model

import (
	"log/slog"
	"sync"

	"github.com/petitionlabs/gavel/pkg/errors"
	"github.com/petitionlabs/gavel/pkg/logger"
)

// Budget tracks cumulative model spend against a global cap. Counters update
// atomically under one lock; checks and charges never race.
type Budget struct {
	mu            sync.Mutex
	global        float64
	perRequest    float64
	warnThreshold float64
	spent         float64
	warned        bool
	log           *slog.Logger
}

// NewBudget builds a tracker. global <= 0 means unlimited; warnThreshold is
// the fraction of the global budget below which the tracker degrades
// non-essential work.
func NewBudget(global, perRequest, warnThreshold float64) *Budget {
	return &Budget{
		global:        global,
		perRequest:    perRequest,
		warnThreshold: warnThreshold,
		log:           logger.Get("budget"),
	}
}

// Check gates a provider call that is estimated to cost estimatedCost. It
// fails with BudgetExceeded when the global budget is exhausted or the
// estimate exceeds the per-request cap. No reservation is made; the actual
// cost is recorded by Charge after the call.
func (b *Budget) Check(estimatedCost float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.global > 0 && b.global-b.spent <= 0 {
		return errors.Newf(errors.KindBudgetExceeded, "model", "Check",
			"global budget exhausted: spent $%.4f of $%.4f", b.spent, b.global)
	}
	if b.perRequest > 0 && estimatedCost > b.perRequest {
		return errors.Newf(errors.KindBudgetExceeded, "model", "Check",
			"estimated cost $%.4f exceeds per-request cap $%.4f", estimatedCost, b.perRequest)
	}
	return nil
}

// Charge records the actual cost of a completed call and emits a one-time
// warning when the remaining budget crosses the threshold.
func (b *Budget) Charge(cost float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.spent += cost
	if b.global <= 0 || b.warned {
		return
	}
	if b.global-b.spent < b.global*b.warnThreshold {
		b.warned = true
		b.log.Warn("model budget running low",
			"spent", b.spent, "global", b.global, "remaining", b.global-b.spent)
	}
}

// Spent reports the cumulative cost.
func (b *Budget) Spent() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.spent
}

// Remaining reports the remaining global budget; unlimited budgets report 0.
func (b *Budget) Remaining() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.global <= 0 {
		return 0
	}
	return b.global - b.spent
}

// Degraded reports whether non-essential work should be shed.
func (b *Budget) Degraded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.global <= 0 {
		return false
	}
	return b.global-b.spent < b.global*b.warnThreshold
}
