package fulfillment

import (
	"context"
	"encoding/gob"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/orderflow/pkg/api"
)

// OrderInput starts an order instance.
type OrderInput struct {
	OrderID  string
	Customer string
	Items    []Item
	Address  string
}

// ValidationResult is the outcome of ValidateOrder.
type ValidationResult struct {
	OrderID string
	Amount  int64
}

// PaymentResult is the outcome of ChargePayment.
type PaymentResult struct {
	PaymentID string
	OrderID   string
	Amount    int64
}

// ShippingInput starts a shipping child instance.
type ShippingInput struct {
	OrderID string
	Address string
	Attempt int
}

// PackageInfo is the outcome of PreparePackage. Address is the address the
// package was labeled with, which the carrier dispatch must honor.
type PackageInfo struct {
	PackageID string
	OrderID   string
	Address   string
}

// DispatchResult is the outcome of DispatchCarrier, and the output of a
// completed shipping instance.
type DispatchResult struct {
	OrderID    string
	Carrier    string
	TrackingID string
}

// OrderOutput is the output of a completed order instance.
type OrderOutput struct {
	OrderID    string
	PaymentID  string
	Carrier    string
	TrackingID string
}

func init() {
	gob.Register(OrderInput{})
	gob.Register(&Order{})
	gob.Register(ValidationResult{})
	gob.Register(PaymentResult{})
	gob.Register(ShippingInput{})
	gob.Register(PackageInfo{})
	gob.Register(DispatchResult{})
	gob.Register(OrderOutput{})
}

// Activity names, shared by both workflow definitions.
const (
	ActReceiveOrder    = "ReceiveOrder"
	ActValidateOrder   = "ValidateOrder"
	ActChargePayment   = "ChargePayment"
	ActPreparePackage  = "PreparePackage"
	ActDispatchCarrier = "DispatchCarrier"
)

// Activities implements the side-effecting operations of the fulfillment
// workflows against a RecordStore. Every method is safe to re-invoke under
// the same idempotency key: the ledger prevents double execution, and the
// record writes themselves are upserts.
type Activities struct {
	records RecordStore
}

func NewActivities(records RecordStore) *Activities {
	return &Activities{records: records}
}

// ReceiveOrder persists the incoming order as a business record.
func (a *Activities) ReceiveOrder(ctx context.Context, input any) (any, error) {
	in, ok := input.(OrderInput)
	if !ok {
		return nil, api.Rejectf("ReceiveOrder: unexpected input %T", input)
	}
	o := &Order{
		ID:        in.OrderID,
		Customer:  in.Customer,
		Items:     in.Items,
		Address:   in.Address,
		CreatedAt: time.Now().UTC(),
	}
	if err := a.records.SaveOrder(ctx, o); err != nil {
		return nil, fmt.Errorf("receive order %s: %w", in.OrderID, err)
	}
	return o, nil
}

// ValidateOrder checks the order lines and computes the amount to charge.
// Structural problems are business rejections, not transient failures.
func (a *Activities) ValidateOrder(ctx context.Context, input any) (any, error) {
	in, ok := input.(OrderInput)
	if !ok {
		return nil, api.Rejectf("ValidateOrder: unexpected input %T", input)
	}
	if len(in.Items) == 0 {
		return nil, api.Rejectf("order %s has no items", in.OrderID)
	}
	var amount int64
	for _, it := range in.Items {
		if it.Quantity <= 0 {
			return nil, api.Rejectf("order %s: item %s has non-positive quantity %d", in.OrderID, it.SKU, it.Quantity)
		}
		if it.UnitPrice < 0 {
			return nil, api.Rejectf("order %s: item %s has negative price", in.OrderID, it.SKU)
		}
		amount += int64(it.Quantity) * it.UnitPrice
	}
	return ValidationResult{OrderID: in.OrderID, Amount: amount}, nil
}

// ChargePayment captures the payment for a validated order.
func (a *Activities) ChargePayment(ctx context.Context, input any) (any, error) {
	in, ok := input.(ValidationResult)
	if !ok {
		return nil, api.Rejectf("ChargePayment: unexpected input %T", input)
	}
	p := &Payment{
		ID:        uuid.NewString(),
		OrderID:   in.OrderID,
		Amount:    in.Amount,
		ChargedAt: time.Now().UTC(),
	}
	if err := a.records.SavePayment(ctx, p); err != nil {
		return nil, fmt.Errorf("charge payment for %s: %w", in.OrderID, err)
	}
	return PaymentResult{PaymentID: p.ID, OrderID: in.OrderID, Amount: in.Amount}, nil
}

// PreparePackage assembles the package for a shipping job and syncs the
// order record to the address the label was printed with.
func (a *Activities) PreparePackage(ctx context.Context, input any) (any, error) {
	in, ok := input.(ShippingInput)
	if !ok {
		return nil, api.Rejectf("PreparePackage: unexpected input %T", input)
	}
	if err := a.records.UpdateOrderAddress(ctx, in.OrderID, in.Address); err != nil {
		return nil, fmt.Errorf("prepare package for %s: %w", in.OrderID, err)
	}
	return PackageInfo{
		PackageID: fmt.Sprintf("pkg-%s-%d", in.OrderID, in.Attempt),
		OrderID:   in.OrderID,
		Address:   in.Address,
	}, nil
}

// DispatchCarrier hands the package to the carrier and records the shipment.
func (a *Activities) DispatchCarrier(ctx context.Context, input any) (any, error) {
	pkg, ok := input.(PackageInfo)
	if !ok {
		return nil, api.Rejectf("DispatchCarrier: unexpected input %T", input)
	}
	sh := &Shipment{
		ID:           uuid.NewString(),
		OrderID:      pkg.OrderID,
		Address:      pkg.Address,
		Carrier:      "ACME-EXPRESS",
		TrackingID:   "trk-" + uuid.NewString()[:8],
		DispatchedAt: time.Now().UTC(),
	}
	if err := a.records.SaveShipment(ctx, sh); err != nil {
		return nil, fmt.Errorf("dispatch carrier for %s: %w", pkg.OrderID, err)
	}
	return DispatchResult{OrderID: pkg.OrderID, Carrier: sh.Carrier, TrackingID: sh.TrackingID}, nil
}
