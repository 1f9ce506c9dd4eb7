package gateway

import (
	"sync"
)

// BudgetLedger tracks per-job token consumption. Updates are atomic
// read-modify-writes under one mutex; the ledger is process-local, but the
// interface shape allows a shared backend to replace it for multi-process
// deployments.
type BudgetLedger struct {
	mu         sync.Mutex
	perJobCap  int
	perReqCap  int
	usedByJob  map[string]int
}

// NewBudgetLedger creates a ledger. Zero caps mean unlimited.
func NewBudgetLedger(perJobCap, perRequestCap int) *BudgetLedger {
	return &BudgetLedger{
		perJobCap: perJobCap,
		perReqCap: perRequestCap,
		usedByJob: make(map[string]int),
	}
}

// Precheck fails with ErrBudgetExceeded when the estimated request cost
// would cross either the per-request or the per-job cap. It runs before any
// provider call is made.
func (b *BudgetLedger) Precheck(jobID string, estimate int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.perReqCap > 0 && estimate > b.perReqCap {
		return ErrBudgetExceeded
	}
	if b.perJobCap > 0 && b.usedByJob[jobID]+estimate > b.perJobCap {
		return ErrBudgetExceeded
	}
	return nil
}

// Charge records actual usage for a job.
func (b *BudgetLedger) Charge(jobID string, tokens int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.usedByJob[jobID] += tokens
}

// Used returns the tokens consumed by a job so far.
func (b *BudgetLedger) Used(jobID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.usedByJob[jobID]
}
