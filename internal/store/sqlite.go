package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"remindd/internal/domain"
)

var (
	ErrNotFound = errors.New("reminder not found")
	// ErrTransient wraps storage failures the scheduler should respond to by
	// retrying the whole poll cycle after backoff.
	ErrTransient = errors.New("transient storage error")
)

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS reminders (
  id TEXT PRIMARY KEY,
  task_id TEXT NOT NULL,
  owner_id TEXT NOT NULL,
  fire_at DATETIME NOT NULL,
  task_version INTEGER NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('pending','firing','delivered','cancelled','failed')) DEFAULT 'pending',
  attempt_count INTEGER NOT NULL DEFAULT 0,
  occurrence_seq INTEGER NOT NULL DEFAULT 0,
  last_error TEXT NOT NULL DEFAULT '',
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_reminders_due ON reminders(status, fire_at);
CREATE INDEX IF NOT EXISTS idx_reminders_task ON reminders(task_id, occurrence_seq);
CREATE INDEX IF NOT EXISTS idx_reminders_owner ON reminders(owner_id, status);
`
	_, err := db.Exec(schema)
	return err
}

// Store is the durable home of ScheduledReminder records. All coordination
// between scheduler instances goes through its conditional state transitions;
// no other locking is required.
type Store interface {
	// Upsert inserts a PENDING reminder, atomically cancelling any prior
	// PENDING/FIRING reminder for the same (task_id, occurrence_seq).
	Upsert(ctx context.Context, r domain.ScheduledReminder) (string, error)
	// CancelAllForTask moves every non-terminal reminder for the task to
	// CANCELLED and returns how many rows transitioned.
	CancelAllForTask(ctx context.Context, taskID string) (int, error)
	// Cancel moves a single non-terminal reminder to CANCELLED.
	Cancel(ctx context.Context, id string) (bool, error)
	// ClaimDue atomically transitions up to limit PENDING reminders with
	// fire_at <= now to FIRING and returns them. Concurrent callers never
	// claim the same reminder. Equal fire times are claimed in creation order.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]domain.ScheduledReminder, error)
	// MarkDelivered, MarkFailedRetry and MarkFailedTerminal record delivery
	// outcomes. Each is conditional on the row still being FIRING; false with
	// a nil error means the row was concurrently cancelled (benign race).
	// All three count the attempt.
	MarkDelivered(ctx context.Context, id string) (bool, error)
	MarkFailedRetry(ctx context.Context, id string, nextFireAt time.Time, lastError string) (bool, error)
	MarkFailedTerminal(ctx context.Context, id string, lastError string) (bool, error)
	// ListPending returns an owner's PENDING/FIRING reminders ordered by fire
	// time, for diagnostics and upcoming-reminder display.
	ListPending(ctx context.Context, ownerID string) ([]domain.ScheduledReminder, error)
	Get(ctx context.Context, id string) (domain.ScheduledReminder, error)
	// RecoverStale requeues FIRING rows not touched within the visibility
	// window, covering scheduler instances that died mid-delivery.
	RecoverStale(ctx context.Context, visibility time.Duration) (int, error)
}

type sqliteStore struct{ db *sql.DB }

func NewSQLiteStore(db *sql.DB) Store { return &sqliteStore{db: db} }

const reminderCols = `id,task_id,owner_id,fire_at,task_version,status,attempt_count,occurrence_seq,last_error,created_at,updated_at`

func (s *sqliteStore) Upsert(ctx context.Context, r domain.ScheduledReminder) (string, error) {
	id := r.ID
	if id == "" {
		id = "rem_" + uuid.NewString()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", transient("begin upsert", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `
UPDATE reminders SET status='cancelled', updated_at=CURRENT_TIMESTAMP
WHERE task_id=? AND occurrence_seq=? AND status IN ('pending','firing')`,
		r.TaskID, r.OccurrenceSeq)
	if err != nil {
		return "", transient("supersede prior reminder", err)
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO reminders (id,task_id,owner_id,fire_at,task_version,status,attempt_count,occurrence_seq,last_error,created_at,updated_at)
VALUES (?,?,?,?,?,'pending',0,?,'',CURRENT_TIMESTAMP,CURRENT_TIMESTAMP)`,
		id, r.TaskID, r.OwnerID, r.FireAt.UTC(), r.TaskVersion, r.OccurrenceSeq)
	if err != nil {
		return "", transient("insert reminder", err)
	}

	if err = tx.Commit(); err != nil {
		return "", transient("commit upsert", err)
	}
	return id, nil
}

func (s *sqliteStore) CancelAllForTask(ctx context.Context, taskID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE reminders SET status='cancelled', updated_at=CURRENT_TIMESTAMP
WHERE task_id=? AND status IN ('pending','firing')`, taskID)
	if err != nil {
		return 0, transient("cancel reminders", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) Cancel(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE reminders SET status='cancelled', updated_at=CURRENT_TIMESTAMP
WHERE id=? AND status IN ('pending','firing')`, id)
	if err != nil {
		return false, transient("cancel reminder", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *sqliteStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]domain.ScheduledReminder, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, transient("begin claim", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	rows, err := tx.QueryContext(ctx, `
SELECT `+reminderCols+`
FROM reminders
WHERE status='pending' AND fire_at <= ?
ORDER BY fire_at ASC, rowid ASC
LIMIT ?`, now.UTC(), limit)
	if err != nil {
		return nil, transient("select due", err)
	}
	candidates, err := scanReminders(rows)
	if err != nil {
		return nil, transient("scan due", err)
	}

	var claimed []domain.ScheduledReminder
	for _, r := range candidates {
		var res sql.Result
		res, err = tx.ExecContext(ctx, `
UPDATE reminders SET status='firing', updated_at=CURRENT_TIMESTAMP
WHERE id=? AND status='pending'`, r.ID)
		if err != nil {
			return nil, transient("claim reminder", err)
		}
		// Zero rows means another instance got there first; skip it.
		if n, _ := res.RowsAffected(); n == 1 {
			r.Status = domain.StatusFiring
			claimed = append(claimed, r)
		}
	}

	if err = tx.Commit(); err != nil {
		return nil, transient("commit claim", err)
	}
	return claimed, nil
}

func (s *sqliteStore) MarkDelivered(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE reminders SET status='delivered', attempt_count=attempt_count+1, last_error='', updated_at=CURRENT_TIMESTAMP
WHERE id=? AND status='firing'`, id)
	if err != nil {
		return false, transient("mark delivered", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *sqliteStore) MarkFailedRetry(ctx context.Context, id string, nextFireAt time.Time, lastError string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE reminders SET status='pending', attempt_count=attempt_count+1, fire_at=?, last_error=?, updated_at=CURRENT_TIMESTAMP
WHERE id=? AND status='firing'`, nextFireAt.UTC(), lastError, id)
	if err != nil {
		return false, transient("mark failed retry", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *sqliteStore) MarkFailedTerminal(ctx context.Context, id string, lastError string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE reminders SET status='failed', attempt_count=attempt_count+1, last_error=?, updated_at=CURRENT_TIMESTAMP
WHERE id=? AND status='firing'`, lastError, id)
	if err != nil {
		return false, transient("mark failed terminal", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *sqliteStore) ListPending(ctx context.Context, ownerID string) ([]domain.ScheduledReminder, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+reminderCols+`
FROM reminders
WHERE owner_id=? AND status IN ('pending','firing')
ORDER BY fire_at ASC, rowid ASC`, ownerID)
	if err != nil {
		return nil, transient("list pending", err)
	}
	return scanReminders(rows)
}

func (s *sqliteStore) Get(ctx context.Context, id string) (domain.ScheduledReminder, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+reminderCols+`
FROM reminders WHERE id=?`, id)
	r, err := scanReminder(row.Scan)
	if err == sql.ErrNoRows {
		return domain.ScheduledReminder{}, ErrNotFound
	}
	if err != nil {
		return domain.ScheduledReminder{}, transient("get reminder", err)
	}
	return r, nil
}

func (s *sqliteStore) RecoverStale(ctx context.Context, visibility time.Duration) (int, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE reminders SET status='pending', updated_at=CURRENT_TIMESTAMP
WHERE status='firing' AND strftime('%s','now') - strftime('%s',updated_at) > ?`,
		int(visibility.Seconds()))
	if err != nil {
		return 0, transient("recover stale", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func scanReminder(scan func(...any) error) (domain.ScheduledReminder, error) {
	var r domain.ScheduledReminder
	var status string
	err := scan(&r.ID, &r.TaskID, &r.OwnerID, &r.FireAt, &r.TaskVersion, &status,
		&r.AttemptCount, &r.OccurrenceSeq, &r.LastError, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return domain.ScheduledReminder{}, err
	}
	r.Status = domain.ReminderStatus(status)
	return r, nil
}

func scanReminders(rows *sql.Rows) ([]domain.ScheduledReminder, error) {
	defer rows.Close()
	var out []domain.ScheduledReminder
	for rows.Next() {
		r, err := scanReminder(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func transient(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrTransient, op, err)
}
