package reconcile

import (
	"context"
	"fmt"
	"time"

	"microtask-settlement/internal/domain"
	"microtask-settlement/internal/escrow"
	"microtask-settlement/internal/models"
	"microtask-settlement/pkg/events"
	"microtask-settlement/pkg/logging"
	"microtask-settlement/pkg/metrics"
)

// Reconciler periodically compares the off-chain ledger against on-chain
// escrow state. It never mutates either side: a mismatch is logged, counted
// and recorded as an audit event for an operator to resolve.
type Reconciler struct {
	repo     domain.TaskRepository
	chain    escrow.Client
	store    events.EventStore
	log      *logging.ComponentLogger
	interval time.Duration
	batch    int
}

func New(repo domain.TaskRepository, chain escrow.Client, store events.EventStore, logger *logging.Logger, interval time.Duration, batch int) *Reconciler {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	if batch <= 0 {
		batch = 100
	}
	return &Reconciler{
		repo:     repo,
		chain:    chain,
		store:    store,
		log:      logger.WithComponent("reconcile"),
		interval: interval,
		batch:    batch,
	}
}

// Run sweeps on the configured interval until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				r.log.Error("reconcile sweep failed", err)
			}
		}
	}
}

// Sweep checks every ledger-completed task against the chain and reports
// how many mismatches it found.
func (r *Reconciler) Sweep(ctx context.Context) error {
	tasks, err := r.repo.GetTasksByStatusCtx(ctx, models.TaskCompleted, r.batch)
	if err != nil {
		return err
	}

	mismatches := 0
	for i := range tasks {
		task := &tasks[i]
		state, err := r.chain.GetTask(ctx, task.ContractTaskID)
		if err != nil {
			r.log.Warn("could not read on-chain state",
				logging.TaskID(task.ID),
				logging.String("error", err.Error()))
			continue
		}
		if state.Status == escrow.TaskStatusCompleted {
			continue
		}

		mismatches++
		metrics.ReconcileMismatches.Inc()
		r.log.Error("ledger marks task completed but chain disagrees",
			fmt.Errorf("chain status %q", state.Status),
			logging.TaskID(task.ID),
			logging.Int64("contract_task_id", task.ContractTaskID))
		r.appendEvent(ctx, events.ReconcileMismatch{
			Base:        events.Base{Ts: time.Now()},
			TaskID:      task.ID,
			LedgerState: string(task.Status),
			ChainState:  string(state.Status),
		})
	}

	r.log.Info("reconcile sweep finished",
		logging.Int("checked", len(tasks)),
		logging.Int("mismatches", mismatches))
	return nil
}

func (r *Reconciler) appendEvent(ctx context.Context, ev events.Event) {
	if r.store == nil {
		return
	}
	if err := r.store.Append(ctx, ev); err != nil {
		r.log.Warn("failed to append reconcile event",
			logging.String("error", err.Error()))
	}
}
