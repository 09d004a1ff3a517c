package fulfillment

import (
	"context"
	"fmt"

	"github.com/petrijr/orderflow/pkg/api"
)

// Shipping workflow states.
const (
	StatePreparingPackage   = "PreparingPackage"
	StateDispatchingCarrier = "DispatchingCarrier"
)

// ShippingWorkflow builds the definition of the shipping child machine:
//
//	PreparingPackage -> DispatchingCarrier -> Completed
//
// Either activity failing terminally fails the child; the parent decides
// whether to spawn another attempt.
func ShippingWorkflow(acts *Activities) api.WorkflowDefinition {
	return api.WorkflowDefinition{
		Type:    WorkflowShipping,
		Queue:   QueueShipping,
		Initial: StatePreparingPackage,
		States: map[string]api.StateHandler{
			StatePreparingPackage:   handlePreparing,
			StateDispatchingCarrier: handleDispatching,
		},
		Activities: map[string]api.ActivityFunc{
			ActPreparePackage:  acts.PreparePackage,
			ActDispatchCarrier: acts.DispatchCarrier,
		},
		Apply:        shippingApply,
		DefaultRetry: api.DefaultRetryPolicy(),
	}
}

func shippingInput(st *api.InstanceState) (ShippingInput, error) {
	in, ok := st.Input.(ShippingInput)
	if !ok {
		return ShippingInput{}, fmt.Errorf("shipping %s: input is %T, want ShippingInput", st.InstanceID, st.Input)
	}
	return in, nil
}

func handlePreparing(ctx context.Context, step api.Step, st *api.InstanceState) (string, error) {
	in, err := shippingInput(st)
	if err != nil {
		return "", err
	}
	_, err = step.ExecuteActivity(ctx, api.ActivityRequest{
		Name:           ActPreparePackage,
		Input:          in,
		IdempotencyKey: st.InstanceID + "/prepare",
	})
	if err != nil {
		if api.IsRejection(err) || api.IsRetryExhausted(err) {
			return api.StateFailed, nil
		}
		return "", err
	}
	return StateDispatchingCarrier, nil
}

func handleDispatching(ctx context.Context, step api.Step, st *api.InstanceState) (string, error) {
	in, err := shippingInput(st)
	if err != nil {
		return "", err
	}
	// Replays the recorded package; PreparePackage never runs twice.
	pkg, err := step.ExecuteActivity(ctx, api.ActivityRequest{
		Name:           ActPreparePackage,
		Input:          in,
		IdempotencyKey: st.InstanceID + "/prepare",
	})
	if err != nil {
		return "", err
	}
	_, err = step.ExecuteActivity(ctx, api.ActivityRequest{
		Name:           ActDispatchCarrier,
		Input:          pkg,
		IdempotencyKey: st.InstanceID + "/dispatch",
	})
	if err != nil {
		if api.IsRejection(err) || api.IsRetryExhausted(err) {
			return api.StateFailed, nil
		}
		return "", err
	}
	return api.StateCompleted, nil
}

func shippingApply(st *api.InstanceState, ev api.Event) {
	if ev.Kind == api.EventActivityCompleted && ev.Activity == ActDispatchCarrier {
		if dr, ok := ev.Payload.(DispatchResult); ok {
			st.Vars["output"] = dr
		}
	}
}
