package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// SQLiteQueue is a persistent Queue implementation backed by SQLite. Several
// named queues share one tasks table, discriminated by the queue column.
//
// Dequeued rows are claimed with a visibility deadline instead of deleted, so
// a worker crash before Ack puts the task back in rotation.
type SQLiteQueue struct {
	db           *sql.DB
	name         string
	visibility   time.Duration
	pollInterval time.Duration

	// beforeClaim, when set, runs between selecting a row and claiming it.
	// Tests use it to stage a competing claim.
	beforeClaim func()
}

// NewSQLiteQueue initializes the tasks table in the given DB and returns a
// queue bound to the given name.
func NewSQLiteQueue(db *sql.DB, name string) (*SQLiteQueue, error) {
	q := &SQLiteQueue{
		db:           db,
		name:         name,
		visibility:   DefaultVisibilityTimeout,
		pollInterval: 20 * time.Millisecond,
	}
	if err := q.initSchema(); err != nil {
		return nil, err
	}
	return q, nil
}

var _ Queue = (*SQLiteQueue)(nil)

// SetVisibilityTimeout overrides how long claimed rows stay invisible.
func (q *SQLiteQueue) SetVisibilityTimeout(d time.Duration) {
	q.visibility = d
}

func (q *SQLiteQueue) initSchema() error {
	_, err := q.db.Exec(`
		CREATE TABLE IF NOT EXISTS tasks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			queue TEXT NOT NULL,
			type TEXT NOT NULL,
			workflow_type TEXT NOT NULL DEFAULT '',
			instance_id TEXT NOT NULL DEFAULT '',
			payload BLOB,
			enqueued_at INTEGER NOT NULL,
			not_before INTEGER NOT NULL,
			claimed_until INTEGER NOT NULL DEFAULT 0,
			attempt INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_ready
			ON tasks(queue, not_before, claimed_until, id);
	`)
	return err
}

func (q *SQLiteQueue) Enqueue(ctx context.Context, t Task) error {
	payloadBytes, err := encodePayload(t.Payload)
	if err != nil {
		return err
	}

	now := time.Now()
	enqueuedAt := now.UnixNano()

	notBefore := enqueuedAt
	if !t.NotBefore.IsZero() {
		notBefore = t.NotBefore.UnixNano()
	}
	attempt := t.Attempt
	if attempt == 0 {
		attempt = 1
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO tasks (queue, type, workflow_type, instance_id, payload, enqueued_at, not_before, attempt)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		q.name,
		string(t.Type),
		t.WorkflowType,
		t.InstanceID,
		payloadBytes,
		enqueuedAt,
		notBefore,
		attempt,
	)
	return err
}

func (q *SQLiteQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		now := time.Now().UnixNano()

		var (
			id          int64
			typeStr     string
			wfType      string
			instanceID  string
			payload     []byte
			enqueuedInt int64
			notBefore   int64
			attempt     int
		)
		row := q.db.QueryRowContext(ctx, `
			SELECT id, type, workflow_type, instance_id, payload, enqueued_at, not_before, attempt
			FROM tasks
			WHERE queue = ? AND not_before <= ? AND claimed_until <= ?
			ORDER BY not_before, id
			LIMIT 1`, q.name, now, now)
		err := row.Scan(&id, &typeStr, &wfType, &instanceID, &payload, &enqueuedInt, &notBefore, &attempt)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				// Nothing available: sleep a bit and retry.
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(q.pollInterval):
					continue
				}
			}
			return nil, err
		}

		if q.beforeClaim != nil {
			q.beforeClaim()
		}

		// Claim the row we just read. The update re-checks claimed_until so
		// that two workers racing on the same row cannot both win; the claim
		// is a single atomic statement and needs no surrounding transaction.
		claimedUntil := time.Now().Add(q.visibility).UnixNano()
		res, err := q.db.ExecContext(ctx, `
			UPDATE tasks SET claimed_until = ? WHERE id = ? AND claimed_until <= ?`,
			claimedUntil, id, now)
		if err != nil {
			return nil, err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if affected == 0 {
			// Another worker claimed this row first; look for the next one.
			continue
		}

		decoded, err := decodePayload(payload)
		if err != nil {
			return nil, err
		}

		task := Task{
			Type:         TaskType(typeStr),
			WorkflowType: wfType,
			InstanceID:   instanceID,
			Payload:      decoded,
			EnqueuedAt:   time.Unix(0, enqueuedInt),
			NotBefore:    time.Unix(0, notBefore),
			Attempt:      attempt,
		}

		return &Delivery{
			Task: task,
			ack: func(ctx context.Context) error {
				_, err := q.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
				return err
			},
			nack: func(ctx context.Context, delay time.Duration) error {
				_, err := q.db.ExecContext(ctx, `
					UPDATE tasks SET claimed_until = 0, not_before = ?, attempt = attempt + 1
					WHERE id = ?`,
					time.Now().Add(delay).UnixNano(), id)
				return err
			},
		}, nil
	}
}

func (q *SQLiteQueue) Len() int {
	var n int
	err := q.db.QueryRow(`SELECT COUNT(*) FROM tasks WHERE queue = ?`, q.name).Scan(&n)
	if err != nil {
		return 0
	}
	return n
}
