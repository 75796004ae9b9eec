package worker

import (
	"time"

	"github.com/rpcsentinel/rpcsentinel/internal/core"
)

// Pool owns the fixed roster of workers, one per configured endpoint.
type Pool struct {
	workers []*Worker
}

// NewPool creates a pool over the given workers. Order is preserved; the
// router breaks queue-length ties by this insertion order.
func NewPool(workers []*Worker) *Pool {
	return &Pool{workers: workers}
}

// All returns every worker in insertion order.
func (p *Pool) All() []*Worker {
	if p == nil {
		return nil
	}
	return p.workers
}

// Available returns the workers currently accepting dispatch.
func (p *Pool) Available() []*Worker {
	if p == nil {
		return nil
	}

	var available []*Worker
	for _, w := range p.workers {
		if w.Available() {
			available = append(available, w)
		}
	}
	return available
}

// ShortestRecovery returns the smallest positive recovery time across
// unavailable workers, or zero when none is pending recovery.
func (p *Pool) ShortestRecovery() time.Duration {
	if p == nil {
		return 0
	}

	var shortest time.Duration
	for _, w := range p.workers {
		if w.Available() {
			continue
		}
		recovery := w.RecoveryTime()
		if recovery <= 0 {
			continue
		}
		if shortest == 0 || recovery < shortest {
			shortest = recovery
		}
	}
	return shortest
}

// Statuses returns a snapshot of every worker.
func (p *Pool) Statuses() []core.WorkerStatus {
	if p == nil {
		return nil
	}

	statuses := make([]core.WorkerStatus, 0, len(p.workers))
	for _, w := range p.workers {
		statuses = append(statuses, w.Status())
	}
	return statuses
}
