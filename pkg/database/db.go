package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"microtask-settlement/internal/models"
	"microtask-settlement/pkg/config"
	errs "microtask-settlement/pkg/errors"

	_ "github.com/go-sql-driver/mysql"
)

const (
	readTimeoutDefault  = 8 * time.Second
	writeTimeoutDefault = 6 * time.Second
)

type DB struct {
	conn         *sql.DB
	stmts        map[string]*sql.Stmt
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func New(databaseURL string) (*DB, error) {
	conn, err := sql.Open("mysql", databaseURL)
	if err != nil {
		return nil, err
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(10)
	conn.SetConnMaxLifetime(10 * time.Minute)
	conn.SetConnMaxIdleTime(5 * time.Minute)

	if err := conn.Ping(); err != nil {
		return nil, err
	}

	db := &DB{
		conn:         conn,
		stmts:        make(map[string]*sql.Stmt),
		readTimeout:  readTimeoutDefault,
		writeTimeout: writeTimeoutDefault,
	}

	if err := db.prepareStatements(); err != nil {
		return nil, errs.NewDB("database.New", "failed to prepare statements", err)
	}

	return db, nil
}

// NewWithConfig creates a database connection with custom pool settings.
func NewWithConfig(databaseURL string, cfg *config.Config) (*DB, error) {
	conn, err := sql.Open("mysql", databaseURL)
	if err != nil {
		return nil, err
	}

	conn.SetMaxOpenConns(cfg.DBMaxOpenConns)
	conn.SetMaxIdleConns(cfg.DBMaxIdleConns)
	conn.SetConnMaxLifetime(time.Duration(cfg.DBConnMaxLifetime) * time.Minute)
	conn.SetConnMaxIdleTime(5 * time.Minute)

	if err := conn.Ping(); err != nil {
		return nil, err
	}

	rt := cfg.DBReadTimeout
	if rt == 0 {
		rt = readTimeoutDefault
	}
	wt := cfg.DBWriteTimeout
	if wt == 0 {
		wt = writeTimeoutDefault
	}

	db := &DB{
		conn:         conn,
		stmts:        make(map[string]*sql.Stmt),
		readTimeout:  rt,
		writeTimeout: wt,
	}

	if err := db.prepareStatements(); err != nil {
		return nil, errs.NewDB("database.NewWithConfig", "failed to prepare statements", err)
	}

	return db, nil
}

// prepareStatements prepares frequently used SQL statements
func (db *DB) prepareStatements() error {
	statements := map[string]string{
		"updateSubmissionStatus": `UPDATE submissions SET verification_status = ?, updated_at = NOW() WHERE id = ?`,
		"completePayment": `UPDATE payment_records SET status = 'completed', tx_hash = ?, updated_at = NOW()
                           WHERE task_id = ? AND worker_id = ? AND status = 'pending'`,
	}

	for name, query := range statements {
		stmt, err := db.conn.Prepare(query)
		if err != nil {
			return errs.NewDB("database.prepareStatements", fmt.Sprintf("failed to prepare statement %s", name), err)
		}
		db.stmts[name] = stmt
	}

	return nil
}

// Close closes database connection and prepared statements
func (db *DB) Close() error {
	for _, stmt := range db.stmts {
		stmt.Close()
	}
	return db.conn.Close()
}

// Conn exposes the underlying connection for transaction-scoped work.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Ping verifies the connection is alive.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// withReadTimeout creates a context with standard read timeout.
func (db *DB) withReadTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, db.readTimeout)
}

// withWriteTimeout creates a context with standard write timeout.
func (db *DB) withWriteTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, db.writeTimeout)
}

const submissionColumns = `id, task_id, worker_id, content, verification_status, needs_manual_review,
        ai_verification_result, payment_tx_hash, last_error, created_at, updated_at`

func scanSubmission(row interface{ Scan(...any) error }) (*models.Submission, error) {
	var s models.Submission
	err := row.Scan(
		&s.ID, &s.TaskID, &s.WorkerID, &s.Content, &s.VerificationStatus,
		&s.NeedsManualReview, &s.AIVerificationResult, &s.PaymentTxHash,
		&s.LastError, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// CreateSubmissionCtx inserts a new pending submission and returns its ID.
func (db *DB) CreateSubmissionCtx(ctx context.Context, s *models.Submission) (int64, error) {
	ctx, cancel := db.withWriteTimeout(ctx)
	defer cancel()

	query := `INSERT INTO submissions (task_id, worker_id, content, verification_status, needs_manual_review, created_at, updated_at)
        VALUES (?, ?, ?, ?, 0, NOW(), NOW())`
	res, err := db.conn.ExecContext(ctx, query, s.TaskID, s.WorkerID, s.Content, string(models.StatusPending))
	if err != nil {
		return 0, errs.NewDB("database.CreateSubmissionCtx", "failed to insert submission", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errs.NewDB("database.CreateSubmissionCtx", "failed to read inserted submission id", err)
	}
	return id, nil
}

// GetSubmissionCtx retrieves a single submission by ID.
func (db *DB) GetSubmissionCtx(ctx context.Context, id int64) (*models.Submission, error) {
	ctx, cancel := db.withReadTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`SELECT %s FROM submissions WHERE id = ?`, submissionColumns)
	s, err := scanSubmission(db.conn.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.NewValidation("database.GetSubmissionCtx", fmt.Sprintf("submission %d not found", id), sql.ErrNoRows)
		}
		return nil, errs.NewDB("database.GetSubmissionCtx", "failed to query submission", err)
	}
	return s, nil
}

// GetPendingSubmissionsCtx retrieves oldest pending submissions up to limit.
func (db *DB) GetPendingSubmissionsCtx(ctx context.Context, limit int) ([]models.Submission, error) {
	ctx, cancel := db.withReadTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`SELECT %s FROM submissions
        WHERE verification_status = 'PENDING'
        ORDER BY created_at ASC LIMIT ?`, submissionColumns)

	rows, err := db.conn.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, errs.NewDB("database.GetPendingSubmissionsCtx", "failed to query pending submissions", err)
	}
	defer rows.Close()

	var subs []models.Submission
	for rows.Next() {
		s, err := scanSubmission(rows)
		if err != nil {
			return nil, errs.NewDB("database.GetPendingSubmissionsCtx", "failed to scan submission row", err)
		}
		subs = append(subs, *s)
	}
	if err = rows.Err(); err != nil {
		return nil, errs.NewDB("database.GetPendingSubmissionsCtx", "row iteration error", err)
	}
	return subs, nil
}

// GetPipelineStatsCtx returns processing statistics
func (db *DB) GetPipelineStatsCtx(ctx context.Context) (*models.PipelineStats, error) {
	ctx, cancel := db.withReadTimeout(ctx)
	defer cancel()

	query := `SELECT
        COUNT(CASE WHEN verification_status = 'PENDING' THEN 1 END) as pending,
        COUNT(CASE WHEN verification_status = 'APPROVED' THEN 1 END) as approved,
        COUNT(CASE WHEN verification_status = 'REJECTED' THEN 1 END) as rejected,
        COUNT(CASE WHEN needs_manual_review = 1 THEN 1 END) as manual_review,
        COUNT(*) as total
        FROM submissions`

	var stats models.PipelineStats
	err := db.conn.QueryRowContext(ctx, query).Scan(&stats.Pending, &stats.Approved,
		&stats.Rejected, &stats.ManualReview, &stats.Total)
	if err != nil {
		return nil, errs.NewDB("database.GetPipelineStatsCtx", "failed to get pipeline stats", err)
	}
	return &stats, nil
}

// UpdateSubmissionStatusCtx updates only the lifecycle status.
func (db *DB) UpdateSubmissionStatusCtx(ctx context.Context, id int64, status models.SubmissionStatus) error {
	ctx, cancel := db.withWriteTimeout(ctx)
	defer cancel()

	if _, err := db.stmts["updateSubmissionStatus"].ExecContext(ctx, string(status), id); err != nil {
		return errs.NewDB("database.UpdateSubmissionStatusCtx", "failed to update submission status", err)
	}
	return nil
}

// UpdateSubmissionOutcomeCtx updates the status together with the serialized
// disposition payload, so the reason a submission landed where it did is
// always queryable.
func (db *DB) UpdateSubmissionOutcomeCtx(ctx context.Context, id int64, status models.SubmissionStatus, outcome *models.Outcome) error {
	ctx, cancel := db.withWriteTimeout(ctx)
	defer cancel()

	var payload *string
	if outcome != nil {
		data, err := json.Marshal(outcome)
		if err != nil {
			return errs.NewDB("database.UpdateSubmissionOutcomeCtx", "failed to marshal outcome", err)
		}
		s := string(data)
		payload = &s
	}

	query := `UPDATE submissions SET verification_status = ?, ai_verification_result = ?, updated_at = NOW() WHERE id = ?`
	if _, err := db.conn.ExecContext(ctx, query, string(status), payload, id); err != nil {
		return errs.NewDB("database.UpdateSubmissionOutcomeCtx", "failed to update submission outcome", err)
	}
	return nil
}

// SetSubmissionTxHashCtx records the settlement transaction reference.
func (db *DB) SetSubmissionTxHashCtx(ctx context.Context, id int64, txHash string) error {
	ctx, cancel := db.withWriteTimeout(ctx)
	defer cancel()

	query := `UPDATE submissions SET payment_tx_hash = ?, updated_at = NOW() WHERE id = ?`
	if _, err := db.conn.ExecContext(ctx, query, txHash, id); err != nil {
		return errs.NewDB("database.SetSubmissionTxHashCtx", "failed to set payment tx hash", err)
	}
	return nil
}

// MarkManualReviewCtx resets a submission to PENDING, flags it for a human
// and records why the pipeline gave up on it.
func (db *DB) MarkManualReviewCtx(ctx context.Context, id int64, lastError string) error {
	ctx, cancel := db.withWriteTimeout(ctx)
	defer cancel()

	query := `UPDATE submissions SET verification_status = 'PENDING', needs_manual_review = 1,
        last_error = ?, updated_at = NOW() WHERE id = ?`
	if _, err := db.conn.ExecContext(ctx, query, lastError, id); err != nil {
		return errs.NewDB("database.MarkManualReviewCtx", "failed to mark manual review", err)
	}
	return nil
}

// GetTaskCtx retrieves the off-chain task row.
func (db *DB) GetTaskCtx(ctx context.Context, id int64) (*models.TaskRecord, error) {
	ctx, cancel := db.withReadTimeout(ctx)
	defer cancel()

	query := `SELECT id, requester_id, status, contract_task_id, reward_amount,
        verification_criteria, task_type, created_at
        FROM tasks WHERE id = ?`

	var t models.TaskRecord
	err := db.conn.QueryRowContext(ctx, query, id).Scan(
		&t.ID, &t.RequesterID, &t.Status, &t.ContractTaskID, &t.RewardAmount,
		&t.VerificationCriteria, &t.TaskType, &t.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.NewValidation("database.GetTaskCtx", fmt.Sprintf("task %d not found", id), sql.ErrNoRows)
		}
		return nil, errs.NewDB("database.GetTaskCtx", "failed to query task", err)
	}
	return &t, nil
}

// GetTasksByStatusCtx lists tasks in a given lifecycle state.
func (db *DB) GetTasksByStatusCtx(ctx context.Context, status models.TaskStatus, limit int) ([]models.TaskRecord, error) {
	ctx, cancel := db.withReadTimeout(ctx)
	defer cancel()

	query := `SELECT id, requester_id, status, contract_task_id, reward_amount,
        verification_criteria, task_type, created_at
        FROM tasks WHERE status = ? ORDER BY created_at ASC LIMIT ?`

	rows, err := db.conn.QueryContext(ctx, query, string(status), limit)
	if err != nil {
		return nil, errs.NewDB("database.GetTasksByStatusCtx", "failed to query tasks by status", err)
	}
	defer rows.Close()

	var tasks []models.TaskRecord
	for rows.Next() {
		var t models.TaskRecord
		if err := rows.Scan(&t.ID, &t.RequesterID, &t.Status, &t.ContractTaskID,
			&t.RewardAmount, &t.VerificationCriteria, &t.TaskType, &t.CreatedAt); err != nil {
			return nil, errs.NewDB("database.GetTasksByStatusCtx", "failed to scan task row", err)
		}
		tasks = append(tasks, t)
	}
	if err = rows.Err(); err != nil {
		return nil, errs.NewDB("database.GetTasksByStatusCtx", "row iteration error", err)
	}
	return tasks, nil
}

// UpdateTaskStatusCtx updates the task lifecycle state.
func (db *DB) UpdateTaskStatusCtx(ctx context.Context, id int64, status models.TaskStatus) error {
	ctx, cancel := db.withWriteTimeout(ctx)
	defer cancel()

	query := `UPDATE tasks SET status = ? WHERE id = ?`
	if _, err := db.conn.ExecContext(ctx, query, string(status), id); err != nil {
		return errs.NewDB("database.UpdateTaskStatusCtx", "failed to update task status", err)
	}
	return nil
}

// CreatePaymentCtx inserts a pending ledger row for a task/worker pair.
func (db *DB) CreatePaymentCtx(ctx context.Context, p *models.PaymentRecord) (int64, error) {
	ctx, cancel := db.withWriteTimeout(ctx)
	defer cancel()

	query := `INSERT INTO payment_records (task_id, worker_id, amount, status, created_at)
        VALUES (?, ?, ?, ?, NOW())`
	res, err := db.conn.ExecContext(ctx, query, p.TaskID, p.WorkerID, p.Amount, string(p.Status))
	if err != nil {
		return 0, errs.NewDB("database.CreatePaymentCtx", "failed to insert payment record", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errs.NewDB("database.CreatePaymentCtx", "failed to read inserted payment id", err)
	}
	return id, nil
}

// GetPaymentCtx fetches the ledger row for a task/worker pair.
func (db *DB) GetPaymentCtx(ctx context.Context, taskID, workerID int64) (*models.PaymentRecord, error) {
	ctx, cancel := db.withReadTimeout(ctx)
	defer cancel()

	query := `SELECT id, task_id, worker_id, amount, status, tx_hash, created_at, updated_at
        FROM payment_records WHERE task_id = ? AND worker_id = ?`

	var p models.PaymentRecord
	err := db.conn.QueryRowContext(ctx, query, taskID, workerID).Scan(
		&p.ID, &p.TaskID, &p.WorkerID, &p.Amount, &p.Status, &p.TxHash,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errs.NewDB("database.GetPaymentCtx", "failed to query payment record", err)
	}
	return &p, nil
}

// CompletePaymentCtx marks a pending payment completed with its tx hash.
func (db *DB) CompletePaymentCtx(ctx context.Context, taskID, workerID int64, txHash string) error {
	ctx, cancel := db.withWriteTimeout(ctx)
	defer cancel()

	if _, err := db.stmts["completePayment"].ExecContext(ctx, txHash, taskID, workerID); err != nil {
		return errs.NewDB("database.CompletePaymentCtx", "failed to complete payment record", err)
	}
	return nil
}

// FailPaymentCtx marks the ledger row failed after retries run out.
func (db *DB) FailPaymentCtx(ctx context.Context, taskID, workerID int64) error {
	ctx, cancel := db.withWriteTimeout(ctx)
	defer cancel()

	query := `UPDATE payment_records SET status = 'failed', updated_at = NOW()
        WHERE task_id = ? AND worker_id = ? AND status = 'pending'`
	if _, err := db.conn.ExecContext(ctx, query, taskID, workerID); err != nil {
		return errs.NewDB("database.FailPaymentCtx", "failed to mark payment failed", err)
	}
	return nil
}

// DeletePendingPaymentCtx removes a pending ledger row during rollback.
// Completed and failed rows are never deleted.
func (db *DB) DeletePendingPaymentCtx(ctx context.Context, taskID, workerID int64) error {
	ctx, cancel := db.withWriteTimeout(ctx)
	defer cancel()

	query := `DELETE FROM payment_records WHERE task_id = ? AND worker_id = ? AND status = 'pending'`
	if _, err := db.conn.ExecContext(ctx, query, taskID, workerID); err != nil {
		return errs.NewDB("database.DeletePendingPaymentCtx", "failed to delete pending payment", err)
	}
	return nil
}

// GetUserCtx retrieves a worker account.
func (db *DB) GetUserCtx(ctx context.Context, id int64) (*models.User, error) {
	ctx, cancel := db.withReadTimeout(ctx)
	defer cancel()

	query := `SELECT id, username, wallet_address, total_earnings, total_tasks_completed
        FROM users WHERE id = ?`

	var u models.User
	err := db.conn.QueryRowContext(ctx, query, id).Scan(
		&u.ID, &u.Username, &u.WalletAddress, &u.TotalEarnings, &u.TotalTasksCompleted,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.NewValidation("database.GetUserCtx", fmt.Sprintf("user %d not found", id), sql.ErrNoRows)
		}
		return nil, errs.NewDB("database.GetUserCtx", "failed to query user", err)
	}
	return &u, nil
}

// AddEarningsCtx credits a worker. Amount is a decimal string so the
// arithmetic happens in SQL, never in floats.
func (db *DB) AddEarningsCtx(ctx context.Context, userID int64, amount string) error {
	ctx, cancel := db.withWriteTimeout(ctx)
	defer cancel()

	query := `UPDATE users SET total_earnings = total_earnings + CAST(? AS DECIMAL(36,18)),
        total_tasks_completed = total_tasks_completed + 1 WHERE id = ?`
	if _, err := db.conn.ExecContext(ctx, query, amount, userID); err != nil {
		return errs.NewDB("database.AddEarningsCtx", "failed to add user earnings", err)
	}
	return nil
}
