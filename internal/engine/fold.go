package engine

import (
	"github.com/petrijr/orderflow/pkg/api"
)

// fold rebuilds an instance's state from its event log. It is the only way
// state comes into existence: handlers never mutate anything the fold does
// not reproduce, so replaying the same log always lands in the same state.
func fold(def api.WorkflowDefinition, instanceID, parentID string, events []api.Event) *api.InstanceState {
	st := api.NewInstanceState(instanceID, def.Type, parentID)
	for i := range events {
		applyEvent(def, st, events[i])
	}
	return st
}

func applyEvent(def api.WorkflowDefinition, st *api.InstanceState, ev api.Event) {
	st.LastSeq = ev.Seq

	switch ev.Kind {
	case api.EventStateEntered:
		st.Current = ev.State
		st.StateSignals = nil
		if ev.Seq == 1 {
			st.Input = ev.Payload
		}

	case api.EventSignalReceived:
		st.StateSignals = append(st.StateSignals, api.Signal{
			InstanceID: st.InstanceID,
			Kind:       ev.Signal,
			Key:        ev.Key,
			Payload:    ev.Payload,
			ReceivedAt: ev.At,
		})

	case api.EventActivityStarted:
		st.ActivityAttempts[ev.Key]++

	case api.EventActivityCompleted:
		st.ActivityResults[ev.Key] = ev.Payload

	case api.EventActivityFailed:
		if ev.Final {
			st.ActivityFailures[ev.Key] = ev.Err
			st.LastError = ev.Err
		}

	case api.EventChildSpawned:
		childID, _ := ev.Payload.(string)
		if childID != "" {
			if _, ok := st.Children[childID]; !ok {
				st.Children[childID] = ""
			}
		}

	case api.EventChildReported:
		if report, ok := ev.Payload.(api.ChildReport); ok {
			st.Children[report.ChildID] = string(report.Status)
		}
		st.StateSignals = append(st.StateSignals, api.Signal{
			InstanceID: st.InstanceID,
			Kind:       ev.Signal,
			Key:        ev.Key,
			Payload:    ev.Payload,
			ReceivedAt: ev.At,
		})
	}

	if def.Apply != nil {
		def.Apply(st, ev)
	}
}
