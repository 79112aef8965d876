package domain

import "context"

// UnitOfWork coordinates a set of repository operations within a single
// database transaction so ledger updates land together or not at all.
// It also exposes repository capabilities so services can operate through it.
//
// Typical usage:
//  uow, err := factory.Begin(ctx)
//  if err != nil { ... }
//  defer uow.Rollback()
//  if err := uow.CompletePaymentCtx(ctx, taskID, workerID, tx); err != nil { ... }
//  if err := uow.UpdateTaskStatusCtx(ctx, taskID, models.TaskCompleted); err != nil { ... }
//  if err := uow.Commit(); err != nil { ... }
//
// NOTE: Keep the transaction as short as possible.
type UnitOfWork interface {
	// Transaction controls
	Begin(ctx context.Context) error
	Commit() error
	Rollback() error

	// Repository access (embed to expose methods)
	SubmissionRepository
	TaskRepository
	PaymentRepository
	UserRepository
}

// UnitOfWorkFactory starts new UnitOfWork instances.
// A returned UnitOfWork is already begun; Begin may be a no-op.
// Keeping Begin on UnitOfWork allows reusing implementations in tests.
type UnitOfWorkFactory interface {
	Begin(ctx context.Context) (UnitOfWork, error)
}
