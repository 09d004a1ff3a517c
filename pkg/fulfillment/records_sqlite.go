package fulfillment

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/gob"
	"fmt"
	"time"
)

const recordsSchema = `
CREATE TABLE IF NOT EXISTS orders (
	id         TEXT PRIMARY KEY,
	customer   TEXT NOT NULL,
	items      BLOB NOT NULL,
	address    TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS payments (
	id         TEXT PRIMARY KEY,
	order_id   TEXT NOT NULL,
	amount     INTEGER NOT NULL,
	charged_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS shipments (
	id            TEXT PRIMARY KEY,
	order_id      TEXT NOT NULL,
	address       TEXT NOT NULL,
	carrier       TEXT NOT NULL,
	tracking_id   TEXT NOT NULL,
	dispatched_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_shipments_order ON shipments(order_id);
`

// SQLiteRecords is a RecordStore backed by SQLite. It can share the
// database handle used by the workflow stores.
type SQLiteRecords struct {
	db *sql.DB
}

var _ RecordStore = (*SQLiteRecords)(nil)

func NewSQLiteRecords(db *sql.DB) (*SQLiteRecords, error) {
	if _, err := db.Exec(recordsSchema); err != nil {
		return nil, fmt.Errorf("init records schema: %w", err)
	}
	return &SQLiteRecords{db: db}, nil
}

func encodeItems(items []Item) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(items); err != nil {
		return nil, fmt.Errorf("encode items: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeItems(raw []byte) ([]Item, error) {
	var items []Item
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&items); err != nil {
		return nil, fmt.Errorf("decode items: %w", err)
	}
	return items, nil
}

func (s *SQLiteRecords) SaveOrder(ctx context.Context, o *Order) error {
	raw, err := encodeItems(o.Items)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO orders (id, customer, items, address, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			customer = excluded.customer,
			items    = excluded.items,
			address  = excluded.address`,
		o.ID, o.Customer, raw, o.Address, o.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("save order %s: %w", o.ID, err)
	}
	return nil
}

func (s *SQLiteRecords) GetOrder(ctx context.Context, id string) (*Order, error) {
	var (
		o   Order
		raw []byte
		at  int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, customer, items, address, created_at FROM orders WHERE id = ?`, id).
		Scan(&o.ID, &o.Customer, &raw, &o.Address, &at)
	if err == sql.ErrNoRows {
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

func (s *SQLiteRecords) UpdateOrderAddress(ctx context.Context, id, address string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE orders SET address = ? WHERE id = ?`, address, id)
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

func (s *SQLiteRecords) SavePayment(ctx context.Context, p *Payment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payments (id, order_id, amount, charged_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		p.ID, p.OrderID, p.Amount, p.ChargedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("save payment %s: %w", p.ID, err)
	}
	return nil
}

func (s *SQLiteRecords) GetPayment(ctx context.Context, id string) (*Payment, error) {
	var (
		p  Payment
		at int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, order_id, amount, charged_at FROM payments WHERE id = ?`, id).
		Scan(&p.ID, &p.OrderID, &p.Amount, &at)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get payment %s: %w", id, err)
	}
	p.ChargedAt = time.Unix(0, at)
	return &p, nil
}

func (s *SQLiteRecords) SaveShipment(ctx context.Context, sh *Shipment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO shipments (id, order_id, address, carrier, tracking_id, dispatched_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		sh.ID, sh.OrderID, sh.Address, sh.Carrier, sh.TrackingID, sh.DispatchedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("save shipment %s: %w", sh.ID, err)
	}
	return nil
}

func (s *SQLiteRecords) ListShipments(ctx context.Context, orderID string) ([]*Shipment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, order_id, address, carrier, tracking_id, dispatched_at
		FROM shipments WHERE order_id = ? ORDER BY dispatched_at`, orderID)
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
