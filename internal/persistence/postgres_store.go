package persistence

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/petrijr/orderflow/pkg/api"
)

// PostgresStore implements InstanceStore, EventStore, LedgerStore and
// SignalStore on a PostgreSQL database.
//
// It expects an *sql.DB that uses a PostgreSQL driver (for example,
// "github.com/jackc/pgx/v5/stdlib").
//
// The caller is responsible for:
//   - importing the driver for its side effects, e.g.:
//     _ "github.com/jackc/pgx/v5/stdlib"
//   - providing a DSN via sql.Open.
type PostgresStore struct {
	db            *sql.DB
	inProgressTTL time.Duration
}

var (
	_ InstanceStore = (*PostgresStore)(nil)
	_ EventStore    = (*PostgresStore)(nil)
	_ LedgerStore   = (*PostgresStore)(nil)
	_ SignalStore   = (*PostgresStore)(nil)
)

// NewPostgresStore initializes the required schema in the given database and
// returns a new PostgresStore.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db, inProgressTTL: DefaultInProgressTTL}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

// SetInProgressTTL changes how long an IN_PROGRESS ledger record blocks
// re-claiming before it is treated as abandoned.
func (s *PostgresStore) SetInProgressTTL(ttl time.Duration) {
	s.inProgressTTL = ttl
}

// isDuplicateKey reports whether err is a PostgreSQL unique_violation (23505).
func isDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func (s *PostgresStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS instances (
			id TEXT PRIMARY KEY,
			workflow_type TEXT NOT NULL,
			status TEXT NOT NULL,
			state TEXT NOT NULL,
			last_seq BIGINT NOT NULL,
			parent_id TEXT NOT NULL DEFAULT '',
			input BYTEA,
			output BYTEA,
			error TEXT NOT NULL DEFAULT '',
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_expires BIGINT NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS events (
			instance_id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			kind TEXT NOT NULL,
			at BIGINT NOT NULL,
			state TEXT NOT NULL DEFAULT '',
			activity TEXT NOT NULL DEFAULT '',
			idem_key TEXT NOT NULL DEFAULT '',
			attempt INTEGER NOT NULL DEFAULT 0,
			signal_kind TEXT NOT NULL DEFAULT '',
			payload BYTEA,
			error TEXT NOT NULL DEFAULT '',
			final BOOLEAN NOT NULL DEFAULT FALSE,
			PRIMARY KEY (instance_id, seq)
		);

		CREATE TABLE IF NOT EXISTS operations (
			op_key TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			result BYTEA,
			error TEXT NOT NULL DEFAULT '',
			attempts INTEGER NOT NULL,
			updated_at BIGINT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS signals (
			id BIGSERIAL PRIMARY KEY,
			instance_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			dedup_key TEXT NOT NULL DEFAULT '',
			payload BYTEA,
			received_at BIGINT NOT NULL,
			consumed BOOLEAN NOT NULL DEFAULT FALSE
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_signals_dedup
			ON signals(instance_id, kind, dedup_key) WHERE dedup_key <> '';
		CREATE INDEX IF NOT EXISTS idx_signals_pending
			ON signals(instance_id, consumed, id);
	`)
	return err
}

func (s *PostgresStore) SaveInstance(ctx context.Context, inst *api.WorkflowInstance) error {
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
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
	if isDuplicateKey(err) {
		return &api.ConflictError{Resource: "instance", ID: inst.ID}
	}
	return err
}

func (s *PostgresStore) UpdateInstance(ctx context.Context, inst *api.WorkflowInstance) error {
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
		SET workflow_type = $1, status = $2, state = $3, last_seq = $4, parent_id = $5, input = $6, output = $7, error = $8
		WHERE id = $9`,
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

func (s *PostgresStore) scanInstance(row interface{ Scan(...any) error }) (*api.WorkflowInstance, error) {
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

func (s *PostgresStore) GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workflow_type, status, state, last_seq, parent_id, input, output, error
		FROM instances WHERE id = $1`, id)

	inst, err := s.scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInstanceNotFound
	}
	return inst, err
}

func (s *PostgresStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.WorkflowInstance, error) {
	query := `
		SELECT id, workflow_type, status, state, last_seq, parent_id, input, output, error
		FROM instances`
	var args []any
	var clauses []string

	if filter.WorkflowType != "" {
		args = append(args, filter.WorkflowType)
		clauses = append(clauses, "workflow_type = $1")
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		if len(args) == 1 {
			clauses = append(clauses, "status = $1")
		} else {
			clauses = append(clauses, "status = $2")
		}
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

func (s *PostgresStore) TryAcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (bool, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE instances
		SET lease_owner = $1, lease_expires = $2
		WHERE id = $3 AND (lease_owner = '' OR lease_owner = $1 OR lease_expires < $4)`,
		owner,
		now.Add(ttl).UnixNano(),
		instanceID,
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

func (s *PostgresStore) RenewLease(ctx context.Context, instanceID, owner string, ttl time.Duration) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE instances SET lease_expires = $1
		WHERE id = $2 AND lease_owner = $3`,
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

func (s *PostgresStore) ReleaseLease(ctx context.Context, instanceID, owner string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE instances SET lease_owner = '', lease_expires = 0
		WHERE id = $1 AND lease_owner = $2`,
		instanceID,
		owner,
	)
	return err
}

func (s *PostgresStore) AppendEvents(ctx context.Context, instanceID string, events []api.Event) error {
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
		_, err = tx.ExecContext(ctx, `
			INSERT INTO events (instance_id, seq, kind, at, state, activity, idem_key, attempt, signal_kind, payload, error, final)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
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
			ev.Final,
		)
		if isDuplicateKey(err) {
			return &api.ConflictError{Resource: "event", ID: instanceID}
		}
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) ListEvents(ctx context.Context, instanceID string) ([]api.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT instance_id, seq, kind, at, state, activity, idem_key, attempt, signal_kind, payload, error, final
		FROM events WHERE instance_id = $1 ORDER BY seq ASC`, instanceID)
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
		)
		if err := rows.Scan(&ev.InstanceID, &ev.Seq, &kind, &atN, &ev.State,
			&ev.Activity, &ev.Key, &ev.Attempt, &sigKind, &payload, &ev.Err, &ev.Final); err != nil {
			return nil, err
		}
		ev.Kind = api.EventKind(kind)
		ev.At = time.Unix(0, atN)
		ev.Signal = api.SignalKind(sigKind)

		p, err := DecodeValue(payload)
		if err != nil {
			return nil, err
		}
		ev.Payload = p
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Begin(ctx context.Context, key string) (BeginResult, error) {
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
		SELECT status, result, attempts, updated_at FROM operations
		WHERE op_key = $1 FOR UPDATE`, key)
	err = row.Scan(&status, &result, &attempts, &updated)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx, `
			INSERT INTO operations (op_key, status, attempts, updated_at)
			VALUES ($1, $2, 1, $3)`,
			key, string(OpInProgress), time.Now().UnixNano())
		if isDuplicateKey(err) {
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
		UPDATE operations SET status = $1, attempts = attempts + 1, updated_at = $2
		WHERE op_key = $3`,
		string(OpInProgress), time.Now().UnixNano(), key)
	if err != nil {
		return BeginResult{}, err
	}
	return BeginResult{Outcome: BeginFresh, Attempts: attempts + 1}, tx.Commit()
}

func (s *PostgresStore) Complete(ctx context.Context, key string, result any) error {
	data, err := EncodeValue(result)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE operations SET status = $1, result = $2, error = '', updated_at = $3
		WHERE op_key = $4`,
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

func (s *PostgresStore) Fail(ctx context.Context, key string, opErr error) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE operations SET status = $1, error = $2, updated_at = $3
		WHERE op_key = $4`,
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

func (s *PostgresStore) GetOperation(ctx context.Context, key string) (*OperationRecord, error) {
	var (
		rec     OperationRecord
		status  string
		result  []byte
		updated int64
	)
	row := s.db.QueryRowContext(ctx, `
		SELECT op_key, status, result, error, attempts, updated_at
		FROM operations WHERE op_key = $1`, key)
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

func (s *PostgresStore) Append(ctx context.Context, sig *api.Signal) (bool, error) {
	payload, err := EncodeValue(sig.Payload)
	if err != nil {
		return false, err
	}
	if sig.ReceivedAt.IsZero() {
		sig.ReceivedAt = time.Now()
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO signals (instance_id, kind, dedup_key, payload, received_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		sig.InstanceID,
		string(sig.Kind),
		sig.Key,
		payload,
		sig.ReceivedAt.UnixNano(),
	)
	var id int64
	err = row.Scan(&id)
	if isDuplicateKey(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	sig.ID = id
	return true, nil
}

func (s *PostgresStore) Pending(ctx context.Context, instanceID string) ([]api.Signal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, instance_id, kind, dedup_key, payload, received_at
		FROM signals WHERE instance_id = $1 AND NOT consumed
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

func (s *PostgresStore) MarkConsumed(ctx context.Context, instanceID string, signalID int64) error {
	// Consumed rows are kept so the dedup index continues to drop
	// redeliveries.
	_, err := s.db.ExecContext(ctx, `
		UPDATE signals SET consumed = TRUE WHERE instance_id = $1 AND id = $2`,
		instanceID, signalID)
	return err
}
