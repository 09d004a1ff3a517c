package fulfillment

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrRecordNotFound is returned when a business record does not exist.
var ErrRecordNotFound = errors.New("record not found")

// Item is one order line.
type Item struct {
	SKU       string
	Quantity  int
	UnitPrice int64 // cents
}

// Order is the business record an order instance works on. Workflow control
// flow lives in the event log; these rows are the side effects activities
// leave behind.
type Order struct {
	ID        string
	Customer  string
	Items     []Item
	Address   string
	CreatedAt time.Time
}

// Total returns the order amount in cents.
func (o *Order) Total() int64 {
	var total int64
	for _, it := range o.Items {
		total += int64(it.Quantity) * it.UnitPrice
	}
	return total
}

// Payment records a captured charge.
type Payment struct {
	ID        string
	OrderID   string
	Amount    int64
	ChargedAt time.Time
}

// Shipment records one carrier dispatch.
type Shipment struct {
	ID           string
	OrderID      string
	Address      string
	Carrier      string
	TrackingID   string
	DispatchedAt time.Time
}

// RecordStore persists the business records activities produce.
type RecordStore interface {
	SaveOrder(ctx context.Context, o *Order) error
	GetOrder(ctx context.Context, id string) (*Order, error)
	UpdateOrderAddress(ctx context.Context, id, address string) error

	SavePayment(ctx context.Context, p *Payment) error
	GetPayment(ctx context.Context, id string) (*Payment, error)

	SaveShipment(ctx context.Context, s *Shipment) error
	ListShipments(ctx context.Context, orderID string) ([]*Shipment, error)
}

// MemoryRecords is an in-memory RecordStore for tests and demos.
type MemoryRecords struct {
	mu        sync.RWMutex
	orders    map[string]*Order
	payments  map[string]*Payment
	shipments []*Shipment
}

var _ RecordStore = (*MemoryRecords)(nil)

func NewMemoryRecords() *MemoryRecords {
	return &MemoryRecords{
		orders:   make(map[string]*Order),
		payments: make(map[string]*Payment),
	}
}

func (m *MemoryRecords) SaveOrder(ctx context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *o
	m.orders[o.ID] = &cp
	return nil
}

func (m *MemoryRecords) GetOrder(ctx context.Context, id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryRecords) UpdateOrderAddress(ctx context.Context, id, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return ErrRecordNotFound
	}
	o.Address = address
	return nil
}

func (m *MemoryRecords) SavePayment(ctx context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.payments[p.ID] = &cp
	return nil
}

func (m *MemoryRecords) GetPayment(ctx context.Context, id string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryRecords) SaveShipment(ctx context.Context, s *Shipment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.shipments {
		if existing.ID == s.ID {
			return nil
		}
	}
	cp := *s
	m.shipments = append(m.shipments, &cp)
	return nil
}

func (m *MemoryRecords) ListShipments(ctx context.Context, orderID string) ([]*Shipment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Shipment
	for _, s := range m.shipments {
		if s.OrderID == orderID {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}
