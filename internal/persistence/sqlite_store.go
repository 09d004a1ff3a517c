package persistence

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/petrijr/orderflow/pkg/api"
)

// SQLiteStore implements InstanceStore, EventStore, LedgerStore and
// SignalStore on a single SQLite database.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing the driver:
//
//	import _ "modernc.org/sqlite"
type SQLiteStore struct {
	db            *sql.DB
	inProgressTTL time.Duration
}

var (
	_ InstanceStore = (*SQLiteStore)(nil)
	_ EventStore    = (*SQLiteStore)(nil)
	_ LedgerStore   = (*SQLiteStore)(nil)
	_ SignalStore   = (*SQLiteStore)(nil)
)

// NewSQLiteStore initializes the required schema in the given database and
// returns a new SQLiteStore.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db, inProgressTTL: DefaultInProgressTTL}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

// SetInProgressTTL changes how long an IN_PROGRESS ledger record blocks
// re-claiming before it is treated as abandoned.
func (s *SQLiteStore) SetInProgressTTL(ttl time.Duration) {
	s.inProgressTTL = ttl
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS instances (
			id TEXT PRIMARY KEY,
			workflow_type TEXT NOT NULL,
			status TEXT NOT NULL,
			state TEXT NOT NULL,
			last_seq INTEGER NOT NULL,
			parent_id TEXT NOT NULL DEFAULT '',
			input BLOB,
			output BLOB,
			error TEXT NOT NULL DEFAULT '',
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_expires INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS events (
			instance_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			kind TEXT NOT NULL,
			at INTEGER NOT NULL,
			state TEXT NOT NULL DEFAULT '',
			activity TEXT NOT NULL DEFAULT '',
			idem_key TEXT NOT NULL DEFAULT '',
			attempt INTEGER NOT NULL DEFAULT 0,
			signal_kind TEXT NOT NULL DEFAULT '',
			payload BLOB,
			error TEXT NOT NULL DEFAULT '',
			final INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (instance_id, seq)
		);

		CREATE TABLE IF NOT EXISTS operations (
			op_key TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			result BLOB,
			error TEXT NOT NULL DEFAULT '',
			attempts INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS signals (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			instance_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			dedup_key TEXT NOT NULL DEFAULT '',
			payload BLOB,
			received_at INTEGER NOT NULL,
			consumed INTEGER NOT NULL DEFAULT 0
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_signals_dedup
			ON signals(instance_id, kind, dedup_key) WHERE dedup_key <> '';
		CREATE INDEX IF NOT EXISTS idx_signals_pending
			ON signals(instance_id, consumed, id);
	`)
	return err
}

func isConstraintErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "constraint")
}

func (s *SQLiteStore) SaveInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	input, err := EncodeValue(inst.Input)
	if err != nil {
		return err
	}
	output, err := EncodeValue(inst.Output)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO instances (id, workflow_type, status, state, last_seq, parent_id, input, output, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID,
		inst.WorkflowType,
		string(inst.Status),
		inst.State,
		inst.LastSeq,
		inst.ParentID,
		input,
		output,
		inst.Err,
	)
	if isConstraintErr(err) {
		return &api.ConflictError{Resource: "instance", ID: inst.ID}
	}
	return err
}

func (s *SQLiteStore) UpdateInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	input, err := EncodeValue(inst.Input)
	if err != nil {
		return err
	}
	output, err := EncodeValue(inst.Output)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE instances
		SET workflow_type = ?, status = ?, state = ?, last_seq = ?, parent_id = ?, input = ?, output = ?, error = ?
		WHERE id = ?`,
		inst.WorkflowType,
		string(inst.Status),
		inst.State,
		inst.LastSeq,
		inst.ParentID,
		input,
		output,
		inst.Err,
		inst.ID,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrInstanceNotFound
	}
	return nil
}

func (s *SQLiteStore) scanInstance(row interface{ Scan(...any) error }) (*api.WorkflowInstance, error) {
	var inst api.WorkflowInstance
	var statusStr string
	var input, output []byte

	if err := row.Scan(&inst.ID, &inst.WorkflowType, &statusStr, &inst.State,
		&inst.LastSeq, &inst.ParentID, &input, &output, &inst.Err); err != nil {
		return nil, err
	}
	inst.Status = api.Status(statusStr)

	in, err := DecodeValue(input)
	if err != nil {
		return nil, err
	}
	inst.Input = in

	out, err := DecodeValue(output)
	if err != nil {
		return nil, err
	}
	inst.Output = out

	return &inst, nil
}

func (s *SQLiteStore) GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workflow_type, status, state, last_seq, parent_id, input, output, error
		FROM instances WHERE id = ?`, id)

	inst, err := s.scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInstanceNotFound
	}
	return inst, err
}

func (s *SQLiteStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.WorkflowInstance, error) {
	query := `
		SELECT id, workflow_type, status, state, last_seq, parent_id, input, output, error
		FROM instances`
	var args []any
	var clauses []string

	if filter.WorkflowType != "" {
		clauses = append(clauses, "workflow_type = ?")
		args = append(args, filter.WorkflowType)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []*api.WorkflowInstance
	for rows.Next() {
		inst, err := s.scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

func (s *SQLiteStore) TryAcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (bool, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE instances
		SET lease_owner = ?, lease_expires = ?
		WHERE id = ? AND (lease_owner = '' OR lease_owner = ? OR lease_expires < ?)`,
		owner,
		now.Add(ttl).UnixNano(),
		instanceID,
		owner,
		now.UnixNano(),
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (s *SQLiteStore) RenewLease(ctx context.Context, instanceID, owner string, ttl time.Duration) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE instances SET lease_expires = ?
		WHERE id = ? AND lease_owner = ?`,
		time.Now().Add(ttl).UnixNano(),
		instanceID,
		owner,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return &api.ConflictError{Resource: "lease", ID: instanceID}
	}
	return nil
}

func (s *SQLiteStore) ReleaseLease(ctx context.Context, instanceID, owner string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE instances SET lease_owner = '', lease_expires = 0
		WHERE id = ? AND lease_owner = ?`,
		instanceID,
		owner,
	)
	return err
}

func (s *SQLiteStore) AppendEvents(ctx context.Context, instanceID string, events []api.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, ev := range events {
		payload, err := EncodeValue(ev.Payload)
		if err != nil {
			return err
		}
		at := ev.At
		if at.IsZero() {
			at = time.Now()
		}
		final := 0
		if ev.Final {
			final = 1
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO events (instance_id, seq, kind, at, state, activity, idem_key, attempt, signal_kind, payload, error, final)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			instanceID,
			ev.Seq,
			string(ev.Kind),
			at.UnixNano(),
			ev.State,
			ev.Activity,
			ev.Key,
			ev.Attempt,
			string(ev.Signal),
			payload,
			ev.Err,
			final,
		)
		if isConstraintErr(err) {
			return &api.ConflictError{Resource: "event", ID: instanceID}
		}
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListEvents(ctx context.Context, instanceID string) ([]api.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT instance_id, seq, kind, at, state, activity, idem_key, attempt, signal_kind, payload, error, final
		FROM events WHERE instance_id = ? ORDER BY seq ASC`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.Event
	for rows.Next() {
		var (
			ev      api.Event
			kind    string
			atN     int64
			sigKind string
			payload []byte
			final   int
		)
		if err := rows.Scan(&ev.InstanceID, &ev.Seq, &kind, &atN, &ev.State,
			&ev.Activity, &ev.Key, &ev.Attempt, &sigKind, &payload, &ev.Err, &final); err != nil {
			return nil, err
		}
		ev.Kind = api.EventKind(kind)
		ev.At = time.Unix(0, atN)
		ev.Signal = api.SignalKind(sigKind)
		ev.Final = final == 1

		p, err := DecodeValue(payload)
		if err != nil {
			return nil, err
		}
		ev.Payload = p
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Begin(ctx context.Context, key string) (BeginResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return BeginResult{}, err
	}
	defer tx.Rollback()

	var (
		status   string
		result   []byte
		attempts int
		updated  int64
	)
	row := tx.QueryRowContext(ctx, `
		SELECT status, result, attempts, updated_at FROM operations WHERE op_key = ?`, key)
	err = row.Scan(&status, &result, &attempts, &updated)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx, `
			INSERT INTO operations (op_key, status, attempts, updated_at)
			VALUES (?, ?, 1, ?)`,
			key, string(OpInProgress), time.Now().UnixNano())
		if isConstraintErr(err) {
			// Lost the race to another caller.
			return BeginResult{Outcome: BeginInProgress}, tx.Commit()
		}
		if err != nil {
			return BeginResult{}, err
		}
		return BeginResult{Outcome: BeginFresh, Attempts: 1}, tx.Commit()

	case err != nil:
		return BeginResult{}, err
	}

	switch OpStatus(status) {
	case OpSucceeded:
		res, err := DecodeValue(result)
		if err != nil {
			return BeginResult{}, err
		}
		return BeginResult{Outcome: BeginCompleted, Result: res, Attempts: attempts}, tx.Commit()

	case OpInProgress:
		if time.Since(time.Unix(0, updated)) < s.inProgressTTL {
			return BeginResult{Outcome: BeginInProgress, Attempts: attempts}, tx.Commit()
		}
	}

	// Failed, or InProgress abandoned by a crashed worker: claim it.
	_, err = tx.ExecContext(ctx, `
		UPDATE operations SET status = ?, attempts = attempts + 1, updated_at = ?
		WHERE op_key = ?`,
		string(OpInProgress), time.Now().UnixNano(), key)
	if err != nil {
		return BeginResult{}, err
	}
	return BeginResult{Outcome: BeginFresh, Attempts: attempts + 1}, tx.Commit()
}

func (s *SQLiteStore) Complete(ctx context.Context, key string, result any) error {
	data, err := EncodeValue(result)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE operations SET status = ?, result = ?, error = '', updated_at = ?
		WHERE op_key = ?`,
		string(OpSucceeded), data, time.Now().UnixNano(), key)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return &api.ConflictError{Resource: "operation", ID: key}
	}
	return nil
}

func (s *SQLiteStore) Fail(ctx context.Context, key string, opErr error) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE operations SET status = ?, error = ?, updated_at = ?
		WHERE op_key = ?`,
		string(OpFailed), opErr.Error(), time.Now().UnixNano(), key)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return &api.ConflictError{Resource: "operation", ID: key}
	}
	return nil
}

func (s *SQLiteStore) GetOperation(ctx context.Context, key string) (*OperationRecord, error) {
	var (
		rec     OperationRecord
		status  string
		result  []byte
		updated int64
	)
	row := s.db.QueryRowContext(ctx, `
		SELECT op_key, status, result, error, attempts, updated_at
		FROM operations WHERE op_key = ?`, key)
	err := row.Scan(&rec.Key, &status, &result, &rec.Err, &rec.Attempts, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.Status = OpStatus(status)
	rec.UpdatedAt = time.Unix(0, updated)
	res, err := DecodeValue(result)
	if err != nil {
		return nil, err
	}
	rec.Result = res
	return &rec, nil
}

func (s *SQLiteStore) Append(ctx context.Context, sig *api.Signal) (bool, error) {
	payload, err := EncodeValue(sig.Payload)
	if err != nil {
		return false, err
	}
	if sig.ReceivedAt.IsZero() {
		sig.ReceivedAt = time.Now()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO signals (instance_id, kind, dedup_key, payload, received_at)
		VALUES (?, ?, ?, ?, ?)`,
		sig.InstanceID,
		string(sig.Kind),
		sig.Key,
		payload,
		sig.ReceivedAt.UnixNano(),
	)
	if isConstraintErr(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return false, err
	}
	sig.ID = id
	return true, nil
}

func (s *SQLiteStore) Pending(ctx context.Context, instanceID string) ([]api.Signal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, instance_id, kind, dedup_key, payload, received_at
		FROM signals WHERE instance_id = ? AND consumed = 0
		ORDER BY id ASC`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.Signal
	for rows.Next() {
		var (
			sig     api.Signal
			kind    string
			payload []byte
			recvN   int64
		)
		if err := rows.Scan(&sig.ID, &sig.InstanceID, &kind, &sig.Key, &payload, &recvN); err != nil {
			return nil, err
		}
		sig.Kind = api.SignalKind(kind)
		sig.ReceivedAt = time.Unix(0, recvN)
		p, err := DecodeValue(payload)
		if err != nil {
			return nil, err
		}
		sig.Payload = p
		out = append(out, sig)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) MarkConsumed(ctx context.Context, instanceID string, signalID int64) error {
	// Consumed rows are kept so the dedup index continues to drop
	// redeliveries.
	_, err := s.db.ExecContext(ctx, `
		UPDATE signals SET consumed = 1 WHERE instance_id = ? AND id = ?`,
		instanceID, signalID)
	return err
}
