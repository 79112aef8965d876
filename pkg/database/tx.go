package database

import (
	"context"
	"database/sql"

	"microtask-settlement/internal/models"
	errs "microtask-settlement/pkg/errors"
)

// Transaction-scoped write variants. These run against the caller's *sql.Tx
// so the settlement ledger updates commit atomically.

func (db *DB) UpdateSubmissionStatusTx(ctx context.Context, tx *sql.Tx, id int64, status models.SubmissionStatus) error {
	query := `UPDATE submissions SET verification_status = ?, updated_at = NOW() WHERE id = ?`
	if _, err := tx.ExecContext(ctx, query, string(status), id); err != nil {
		return errs.NewDB("database.UpdateSubmissionStatusTx", "failed to update submission status", err)
	}
	return nil
}

func (db *DB) SetSubmissionTxHashTx(ctx context.Context, tx *sql.Tx, id int64, txHash string) error {
	query := `UPDATE submissions SET payment_tx_hash = ?, updated_at = NOW() WHERE id = ?`
	if _, err := tx.ExecContext(ctx, query, txHash, id); err != nil {
		return errs.NewDB("database.SetSubmissionTxHashTx", "failed to set payment tx hash", err)
	}
	return nil
}

func (db *DB) UpdateTaskStatusTx(ctx context.Context, tx *sql.Tx, id int64, status models.TaskStatus) error {
	query := `UPDATE tasks SET status = ? WHERE id = ?`
	if _, err := tx.ExecContext(ctx, query, string(status), id); err != nil {
		return errs.NewDB("database.UpdateTaskStatusTx", "failed to update task status", err)
	}
	return nil
}

func (db *DB) CompletePaymentTx(ctx context.Context, tx *sql.Tx, taskID, workerID int64, txHash string) error {
	query := `UPDATE payment_records SET status = 'completed', tx_hash = ?, updated_at = NOW()
        WHERE task_id = ? AND worker_id = ? AND status = 'pending'`
	if _, err := tx.ExecContext(ctx, query, txHash, taskID, workerID); err != nil {
		return errs.NewDB("database.CompletePaymentTx", "failed to complete payment record", err)
	}
	return nil
}

func (db *DB) FailPaymentTx(ctx context.Context, tx *sql.Tx, taskID, workerID int64) error {
	query := `UPDATE payment_records SET status = 'failed', updated_at = NOW()
        WHERE task_id = ? AND worker_id = ? AND status = 'pending'`
	if _, err := tx.ExecContext(ctx, query, taskID, workerID); err != nil {
		return errs.NewDB("database.FailPaymentTx", "failed to mark payment failed", err)
	}
	return nil
}

func (db *DB) AddEarningsTx(ctx context.Context, tx *sql.Tx, userID int64, amount string) error {
	query := `UPDATE users SET total_earnings = total_earnings + CAST(? AS DECIMAL(36,18)),
        total_tasks_completed = total_tasks_completed + 1 WHERE id = ?`
	if _, err := tx.ExecContext(ctx, query, amount, userID); err != nil {
		return errs.NewDB("database.AddEarningsTx", "failed to add user earnings", err)
	}
	return nil
}
