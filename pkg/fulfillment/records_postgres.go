package fulfillment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const pgRecordsSchema = `
CREATE TABLE IF NOT EXISTS orders (
	id         TEXT PRIMARY KEY,
	customer   TEXT NOT NULL,
	items      BYTEA NOT NULL,
	address    TEXT NOT NULL,
	created_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS payments (
	id         TEXT PRIMARY KEY,
	order_id   TEXT NOT NULL,
	amount     BIGINT NOT NULL,
	charged_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS shipments (
	id            TEXT PRIMARY KEY,
	order_id      TEXT NOT NULL,
	address       TEXT NOT NULL,
	carrier       TEXT NOT NULL,
	tracking_id   TEXT NOT NULL,
	dispatched_at BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_shipments_order ON shipments(order_id);
`

// PostgresRecords is a RecordStore backed by PostgreSQL. It expects an
// *sql.DB opened with a PostgreSQL driver such as
// "github.com/jackc/pgx/v5/stdlib" and can share the handle used by the
// workflow stores.
type PostgresRecords struct {
	db *sql.DB
}

var _ RecordStore = (*PostgresRecords)(nil)

func NewPostgresRecords(db *sql.DB) (*PostgresRecords, error) {
	if _, err := db.Exec(pgRecordsSchema); err != nil {
		return nil, fmt.Errorf("init records schema: %w", err)
	}
	return &PostgresRecords{db: db}, nil
}

func (s *PostgresRecords) SaveOrder(ctx context.Context, o *Order) error {
	raw, err := encodeItems(o.Items)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO orders (id, customer, items, address, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			customer = excluded.customer,
			items    = excluded.items,
			address  = excluded.address`,
		o.ID, o.Customer, raw, o.Address, o.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("save order %s: %w", o.ID, err)
	}
	return nil
}

func (s *PostgresRecords) GetOrder(ctx context.Context, id string) (*Order, error) {
	var (
		o   Order
		raw []byte
		at  int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, customer, items, address, created_at FROM orders WHERE id = $1`, id).
		Scan(&o.ID, &o.Customer, &raw, &o.Address, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, err)
	}
	o.CreatedAt = time.Unix(0, at)
	if o.Items, err = decodeItems(raw); err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *PostgresRecords) UpdateOrderAddress(ctx context.Context, id, address string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE orders SET address = $1 WHERE id = $2`, address, id)
	if err != nil {
		return fmt.Errorf("update order address %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (s *PostgresRecords) SavePayment(ctx context.Context, p *Payment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payments (id, order_id, amount, charged_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING`,
		p.ID, p.OrderID, p.Amount, p.ChargedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("save payment %s: %w", p.ID, err)
	}
	return nil
}

func (s *PostgresRecords) GetPayment(ctx context.Context, id string) (*Payment, error) {
	var (
		p  Payment
		at int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, order_id, amount, charged_at FROM payments WHERE id = $1`, id).
		Scan(&p.ID, &p.OrderID, &p.Amount, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get payment %s: %w", id, err)
	}
	p.ChargedAt = time.Unix(0, at)
	return &p, nil
}

func (s *PostgresRecords) SaveShipment(ctx context.Context, sh *Shipment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO shipments (id, order_id, address, carrier, tracking_id, dispatched_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`,
		sh.ID, sh.OrderID, sh.Address, sh.Carrier, sh.TrackingID, sh.DispatchedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("save shipment %s: %w", sh.ID, err)
	}
	return nil
}

func (s *PostgresRecords) ListShipments(ctx context.Context, orderID string) ([]*Shipment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, order_id, address, carrier, tracking_id, dispatched_at
		FROM shipments WHERE order_id = $1 ORDER BY dispatched_at`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list shipments for %s: %w", orderID, err)
	}
	defer rows.Close()
	var out []*Shipment
	for rows.Next() {
		var (
			sh Shipment
			at int64
		)
		if err := rows.Scan(&sh.ID, &sh.OrderID, &sh.Address, &sh.Carrier, &sh.TrackingID, &at); err != nil {
			return nil, err
		}
		sh.DispatchedAt = time.Unix(0, at)
		out = append(out, &sh)
	}
	return out, rows.Err()
}
