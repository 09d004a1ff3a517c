package orderflow

import (
	"context"
	"testing"
	"time"

	"github.com/petrijr/orderflow/pkg/api"
	"github.com/petrijr/orderflow/pkg/fulfillment"
)

func sampleOrder(id string) fulfillment.OrderInput {
	return fulfillment.OrderInput{
		OrderID:  id,
		Customer: "alice",
		Items: []fulfillment.Item{
			{SKU: "sku-1", Quantity: 2, UnitPrice: 1250},
		},
		Address: "1 Main St",
	}
}

// waitFor polls until the instance reaches want or the timeout expires.
func waitFor(t *testing.T, eng Engine, instanceID string, want Status) *WorkflowInstance {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		inst, err := eng.GetInstance(ctx, instanceID)
		if err == nil && inst.Status == want {
			return inst
		}
		time.Sleep(10 * time.Millisecond)
	}
	inst, err := eng.GetInstance(ctx, instanceID)
	t.Fatalf("instance %s never reached %s (last: %+v, err: %v)", instanceID, want, inst, err)
	return nil
}

func TestLocalRunner_OrderLifecycleAsync(t *testing.T) {
	runner := NewLocalRunner()
	ctx := context.Background()

	if err := runner.StartWorkers(ctx, 2); err != nil {
		t.Fatalf("StartWorkers: %v", err)
	}
	defer runner.Stop()

	if err := runner.PlaceOrder(ctx, sampleOrder("ord-1")); err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	waitFor(t, runner.Engine, "ord-1", StatusWaiting)

	if err := runner.UpdateAddress(ctx, "ord-1", "9 Elm St"); err != nil {
		t.Fatalf("UpdateAddress: %v", err)
	}
	if err := runner.Approve(ctx, "ord-1", "appr-1"); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	inst := waitFor(t, runner.Engine, "ord-1", StatusCompleted)
	out, ok := inst.Output.(fulfillment.OrderOutput)
	if !ok {
		t.Fatalf("expected OrderOutput, got %T", inst.Output)
	}
	if out.TrackingID == "" || out.PaymentID == "" {
		t.Fatalf("incomplete output: %+v", out)
	}

	shipments, err := runner.Records.ListShipments(ctx, "ord-1")
	if err != nil {
		t.Fatalf("ListShipments: %v", err)
	}
	if len(shipments) != 1 || shipments[0].Address != "9 Elm St" {
		t.Fatalf("unexpected shipments: %+v", shipments)
	}
}

func TestLocalRunner_CancelWhileAwaitingApproval(t *testing.T) {
	runner := NewLocalRunner()
	ctx := context.Background()

	if err := runner.StartWorkers(ctx, 1); err != nil {
		t.Fatalf("StartWorkers: %v", err)
	}
	defer runner.Stop()

	if _, err := runner.PlaceOrderSync(ctx, sampleOrder("ord-2")); err != nil {
		t.Fatalf("PlaceOrderSync: %v", err)
	}
	if err := runner.Cancel(ctx, "ord-2", "cancel-1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	waitFor(t, runner.Engine, "ord-2", StatusCancelled)

	// Redelivered cancel with the same dedup key is swallowed.
	err := runner.Cancel(ctx, "ord-2", "cancel-1")
	if err == nil {
		t.Fatalf("expected error signalling terminal instance")
	}
}

func TestLocalRunner_ShippingFaultRecovers(t *testing.T) {
	runner := NewLocalRunner(
		WithDefaultRetry(Retry(3).Immediate().Policy()),
		WithOrderPolicy(fulfillment.OrderPolicy{MaxShippingAttempts: 2}),
	)
	ctx := context.Background()

	// First shipping child exhausts its dispatch attempts, the second
	// succeeds after the order loops back through payment.
	runner.Faults.FailNext(fulfillment.ActDispatchCarrier,
		api.Transientf("carrier down"),
		api.Transientf("carrier down"),
		api.Transientf("carrier down"),
	)

	if err := runner.StartWorkers(ctx, 2); err != nil {
		t.Fatalf("StartWorkers: %v", err)
	}
	defer runner.Stop()

	if err := runner.PlaceOrder(ctx, sampleOrder("ord-3")); err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	waitFor(t, runner.Engine, "ord-3", StatusWaiting)
	if err := runner.Approve(ctx, "ord-3", ""); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	waitFor(t, runner.Engine, "ord-3", StatusCompleted)
	waitFor(t, runner.Engine, "ord-3-ship-1", StatusFailed)
	waitFor(t, runner.Engine, "ord-3-ship-2", StatusCompleted)

	// One payment, despite the retry loop.
	history, err := runner.History(ctx, "ord-3")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	charges := 0
	for _, ev := range history {
		if ev.Kind == api.EventActivityCompleted && ev.Activity == fulfillment.ActChargePayment {
			charges++
		}
	}
	if charges != 1 {
		t.Fatalf("expected exactly one charge, got %d", charges)
	}
}

func TestLocalRunner_DoubleStartFails(t *testing.T) {
	runner := NewLocalRunner()
	ctx := context.Background()

	if err := runner.StartWorkers(ctx, 1); err != nil {
		t.Fatalf("StartWorkers: %v", err)
	}
	defer runner.Stop()

	if err := runner.StartWorkers(ctx, 1); err == nil {
		t.Fatalf("expected second StartWorkers to fail")
	}
}
