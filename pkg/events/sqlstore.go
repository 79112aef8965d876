package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"microtask-settlement/pkg/database"
)

// SQLEventStore stores events in a SQL table with ordered IDs
// Table schema:
// CREATE TABLE IF NOT EXISTS settlement_events (
//   id BIGINT AUTO_INCREMENT PRIMARY KEY,
//   submission_id BIGINT NOT NULL,
//   type VARCHAR(64) NOT NULL,
//   at DATETIME(6) NOT NULL,
//   data JSON NOT NULL,
//   KEY idx_submission_id (submission_id),
//   KEY idx_submission_time (submission_id, id)
// );
// NOTE: JSON may be emulated as LONGTEXT on older MySQL variants.

type SQLEventStore struct {
	db *database.DB
}

func NewSQLEventStore(db *database.DB) *SQLEventStore {
	s := &SQLEventStore{db: db}
	if err := s.ensureTable(); err != nil {
		// Best effort; don't crash app start
		fmt.Printf("[events] ensure table error: %v\n", err)
	}
	return s
}

func (s *SQLEventStore) ensureTable() error {
	qry := `CREATE TABLE IF NOT EXISTS settlement_events (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		submission_id BIGINT NOT NULL,
		type VARCHAR(64) NOT NULL,
		at DATETIME(6) NOT NULL,
		data JSON NOT NULL,
		KEY idx_submission_id (submission_id),
		KEY idx_submission_time (submission_id, id)
	)`
	_, err := s.db.Conn().Exec(qry)
	return err
}

func (s *SQLEventStore) Append(ctx context.Context, ev ...Event) error {
	if len(ev) == 0 {
		return nil
	}
	tx, err := s.db.Conn().BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO settlement_events (submission_id, type, at, data) VALUES (?,?,?,?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range ev {
		b, err := e.MarshalData()
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}

		at := e.Timestamp()
		if at.IsZero() {
			at = time.Now()
		}

		if _, err := stmt.ExecContext(ctx, e.SubmissionID(), e.Type(), at, string(b)); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *SQLEventStore) ListBySubmission(ctx context.Context, submissionID int64) ([]StoredEvent, error) {
	rows, err := s.db.Conn().QueryContext(ctx, `SELECT id, submission_id, type, at, data FROM settlement_events WHERE submission_id = ? ORDER BY id ASC`, submissionID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []StoredEvent
	for rows.Next() {
		var se StoredEvent
		var dataStr string
		if err := rows.Scan(&se.Seq, &se.SubmissionID, &se.Type, &se.At, &dataStr); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		se.Data = json.RawMessage(dataStr)
		out = append(out, se)
	}
	return out, nil
}
