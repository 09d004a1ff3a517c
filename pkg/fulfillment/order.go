package fulfillment

import (
	"context"
	"fmt"

	"github.com/petrijr/orderflow/pkg/api"
)

// Workflow types and the task queues they run on.
const (
	WorkflowOrder    = "order"
	WorkflowShipping = "shipping"

	QueueOrders   = "orders"
	QueueShipping = "shipping"
)

// Order workflow states. Terminal states are the shared Completed,
// Cancelled and Failed.
const (
	StateOrderCreated       = "Created"
	StateValidating         = "Validating"
	StateAwaitingApproval   = "AwaitingApproval"
	StatePaymentPending     = "PaymentPending"
	StateShippingInProgress = "ShippingInProgress"
)

// OrderPolicy tunes the order workflow.
type OrderPolicy struct {
	// MaxShippingAttempts bounds how many shipping children an order spawns
	// before failing. Zero means the default of 3.
	MaxShippingAttempts int
}

func (p OrderPolicy) withDefaults() OrderPolicy {
	if p.MaxShippingAttempts <= 0 {
		p.MaxShippingAttempts = 3
	}
	return p
}

// OrderWorkflow builds the definition of the parent order machine:
//
//	Created -> Validating -> AwaitingApproval -> PaymentPending
//	        -> ShippingInProgress -> Completed
//
// Cancellation interrupts the early states, is consumed explicitly while
// awaiting approval, and is rejected once shipping has begun. A failed
// shipping child bounces the order back to PaymentPending (the recorded
// charge makes that re-entry free) until MaxShippingAttempts is spent.
func OrderWorkflow(acts *Activities, policy OrderPolicy) api.WorkflowDefinition {
	policy = policy.withDefaults()
	return api.WorkflowDefinition{
		Type:    WorkflowOrder,
		Queue:   QueueOrders,
		Initial: StateOrderCreated,
		States: map[string]api.StateHandler{
			StateOrderCreated:       handleCreated,
			StateValidating:         handleValidating,
			StateAwaitingApproval:   handleAwaitingApproval,
			StatePaymentPending:     handlePaymentPending,
			StateShippingInProgress: policy.handleShipping,
		},
		Activities: map[string]api.ActivityFunc{
			ActReceiveOrder:  acts.ReceiveOrder,
			ActValidateOrder: acts.ValidateOrder,
			ActChargePayment: acts.ChargePayment,
		},
		Apply:        orderApply,
		Signals:      orderSignalPolicy,
		DefaultRetry: api.DefaultRetryPolicy(),
	}
}

func orderInput(st *api.InstanceState) (OrderInput, error) {
	in, ok := st.Input.(OrderInput)
	if !ok {
		return OrderInput{}, fmt.Errorf("order %s: input is %T, want OrderInput", st.InstanceID, st.Input)
	}
	return in, nil
}

// shippingAddress returns the address shipping should use: the latest
// absorbed update, falling back to the address the order was placed with.
func shippingAddress(st *api.InstanceState, in OrderInput) string {
	if addr, ok := st.Vars["address"].(string); ok && addr != "" {
		return addr
	}
	return in.Address
}

// shippingAttempts counts shipping children that have reported a terminal
// status. The next attempt number is attempts+1, which keeps child instance
// ids deterministic across replays.
func shippingAttempts(st *api.InstanceState) int {
	n := 0
	for _, status := range st.Children {
		if status != "" {
			n++
		}
	}
	return n
}

func handleCreated(ctx context.Context, step api.Step, st *api.InstanceState) (string, error) {
	in, err := orderInput(st)
	if err != nil {
		return "", err
	}
	_, err = step.ExecuteActivity(ctx, api.ActivityRequest{
		Name:           ActReceiveOrder,
		Input:          in,
		IdempotencyKey: st.InstanceID + "/receive",
	})
	if err != nil {
		if api.IsRejection(err) || api.IsRetryExhausted(err) {
			return api.StateFailed, nil
		}
		return "", err
	}
	return StateValidating, nil
}

func handleValidating(ctx context.Context, step api.Step, st *api.InstanceState) (string, error) {
	in, err := orderInput(st)
	if err != nil {
		return "", err
	}
	_, err = step.ExecuteActivity(ctx, api.ActivityRequest{
		Name:           ActValidateOrder,
		Input:          in,
		IdempotencyKey: st.InstanceID + "/validate",
	})
	if err != nil {
		if api.IsRejection(err) || api.IsRetryExhausted(err) {
			return api.StateFailed, nil
		}
		return "", err
	}
	return StateAwaitingApproval, nil
}

func handleAwaitingApproval(ctx context.Context, step api.Step, st *api.InstanceState) (string, error) {
	sig, err := step.WaitSignal(api.SignalApprove, api.SignalCancel)
	if err != nil {
		return "", err
	}
	if sig.Kind == api.SignalCancel {
		return api.StateCancelled, nil
	}
	return StatePaymentPending, nil
}

func handlePaymentPending(ctx context.Context, step api.Step, st *api.InstanceState) (string, error) {
	in, err := orderInput(st)
	if err != nil {
		return "", err
	}
	// Replays the recorded validation result; never re-runs the validation.
	vres, err := step.ExecuteActivity(ctx, api.ActivityRequest{
		Name:           ActValidateOrder,
		Input:          in,
		IdempotencyKey: st.InstanceID + "/validate",
	})
	if err != nil {
		return "", err
	}
	_, err = step.ExecuteActivity(ctx, api.ActivityRequest{
		Name:           ActChargePayment,
		Input:          vres,
		IdempotencyKey: st.InstanceID + "/charge",
	})
	if err != nil {
		if api.IsRejection(err) || api.IsRetryExhausted(err) {
			return api.StateFailed, nil
		}
		return "", err
	}
	return StateShippingInProgress, nil
}

func (p OrderPolicy) handleShipping(ctx context.Context, step api.Step, st *api.InstanceState) (string, error) {
	in, err := orderInput(st)
	if err != nil {
		return "", err
	}
	attempt := shippingAttempts(st) + 1
	childID := fmt.Sprintf("%s-ship-%d", st.InstanceID, attempt)
	if err := step.SpawnChild(api.ChildSpec{
		WorkflowType: WorkflowShipping,
		InstanceID:   childID,
		Input: ShippingInput{
			OrderID: st.InstanceID,
			Address: shippingAddress(st, in),
			Attempt: attempt,
		},
	}); err != nil {
		return "", err
	}
	for {
		sig, err := step.WaitSignal(api.SignalChildCompleted, api.SignalChildDispatchFailed)
		if err != nil {
			return "", err
		}
		if sig.Kind == api.SignalChildDispatchFailed {
			// The child instance is persisted; the recovery scan will
			// re-drive it. Keep waiting for its report.
			continue
		}
		report, ok := sig.Payload.(api.ChildReport)
		if !ok {
			return "", fmt.Errorf("order %s: child report payload is %T", st.InstanceID, sig.Payload)
		}
		if report.Status == api.StatusCompleted {
			return api.StateCompleted, nil
		}
		if attempt < p.MaxShippingAttempts {
			return StatePaymentPending, nil
		}
		return api.StateFailed, nil
	}
}

// orderApply folds the order's domain facts: the effective shipping address,
// the captured payment, and the final output once a shipping child succeeds.
func orderApply(st *api.InstanceState, ev api.Event) {
	switch ev.Kind {
	case api.EventSignalReceived:
		if ev.Signal == api.SignalUpdateAddress {
			if addr, ok := ev.Payload.(string); ok && addr != "" {
				st.Vars["address"] = addr
			}
		}

	case api.EventActivityCompleted:
		if ev.Activity == ActChargePayment {
			if pr, ok := ev.Payload.(PaymentResult); ok {
				st.Vars["payment"] = pr
			}
		}

	case api.EventChildReported:
		report, ok := ev.Payload.(api.ChildReport)
		if !ok || report.Status != api.StatusCompleted {
			return
		}
		out := OrderOutput{OrderID: st.InstanceID}
		if pr, ok := st.Vars["payment"].(PaymentResult); ok {
			out.PaymentID = pr.PaymentID
		}
		if dr, ok := report.Output.(DispatchResult); ok {
			out.Carrier = dr.Carrier
			out.TrackingID = dr.TrackingID
		}
		st.Vars["output"] = out
	}
}

// orderSignalPolicy decides per state what happens to each signal kind.
func orderSignalPolicy(state string, kind api.SignalKind) api.SignalDisposition {
	switch kind {
	case api.SignalCancel:
		switch state {
		case StateOrderCreated, StateValidating, StatePaymentPending:
			return api.InterruptTo(api.StateCancelled)
		case StateAwaitingApproval:
			// Consumed by the approval wait so it races fairly with approve.
			return api.Buffer()
		case StateShippingInProgress:
			return api.RejectSignal()
		}
		return api.Buffer()

	case api.SignalUpdateAddress:
		if state == StateShippingInProgress {
			return api.RejectSignal()
		}
		return api.Absorb()
	}
	return api.Buffer()
}
