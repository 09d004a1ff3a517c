package persistence

import (
	"context"
	"database/sql"
	"encoding/gob"
	"errors"
	"reflect"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/petrijr/orderflow/pkg/api"
)

type samplePayload struct {
	Msg string
	N   int
}

func init() {
	gob.Register(samplePayload{})
}

// storeBundle groups the four store interfaces for a backend under test.
type storeBundle struct {
	Instances InstanceStore
	Events    EventStore
	Ledger    LedgerStore
	Signals   SignalStore

	SetInProgressTTL func(time.Duration)
}

func storeFactories(t *testing.T) map[string]func(t *testing.T) storeBundle {
	t.Helper()
	return map[string]func(t *testing.T) storeBundle{
		"memory": func(t *testing.T) storeBundle {
			s := NewInMemoryStore()
			return storeBundle{
				Instances:        s,
				Events:           s,
				Ledger:           s,
				Signals:          s,
				SetInProgressTTL: s.SetInProgressTTL,
			}
		},
		"sqlite": func(t *testing.T) storeBundle {
			db, err := sql.Open("sqlite", ":memory:")
			if err != nil {
				t.Fatalf("sql.Open failed: %v", err)
			}
			t.Cleanup(func() { _ = db.Close() })

			s, err := NewSQLiteStore(db)
			if err != nil {
				t.Fatalf("NewSQLiteStore failed: %v", err)
			}
			return storeBundle{
				Instances:        s,
				Events:           s,
				Ledger:           s,
				Signals:          s,
				SetInProgressTTL: s.SetInProgressTTL,
			}
		},
	}
}

func TestInstanceStore_SaveGetUpdate(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			b := factory(t)
			ctx := context.Background()

			inst := &api.WorkflowInstance{
				ID:           "ord-1",
				WorkflowType: "order",
				Status:       api.StatusRunning,
				State:        "Created",
				Input:        samplePayload{Msg: "order", N: 2},
			}
			if err := b.Instances.SaveInstance(ctx, inst); err != nil {
				t.Fatalf("SaveInstance: %v", err)
			}

			got, err := b.Instances.GetInstance(ctx, "ord-1")
			if err != nil {
				t.Fatalf("GetInstance: %v", err)
			}
			if got.State != "Created" {
				t.Fatalf("expected state Created, got %q", got.State)
			}
			if !reflect.DeepEqual(got.Input, samplePayload{Msg: "order", N: 2}) {
				t.Fatalf("input round-trip mismatch: %#v", got.Input)
			}

			inst.Status = api.StatusCompleted
			inst.State = "Completed"
			inst.LastSeq = 9
			inst.Output = samplePayload{Msg: "done", N: 1}
			if err := b.Instances.UpdateInstance(ctx, inst); err != nil {
				t.Fatalf("UpdateInstance: %v", err)
			}

			got2, err := b.Instances.GetInstance(ctx, "ord-1")
			if err != nil {
				t.Fatalf("GetInstance after update: %v", err)
			}
			if got2.Status != api.StatusCompleted || got2.LastSeq != 9 {
				t.Fatalf("update not persisted: %+v", got2)
			}
		})
	}
}

func TestInstanceStore_DuplicateIDConflicts(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			b := factory(t)
			ctx := context.Background()

			inst := &api.WorkflowInstance{ID: "ord-dup", WorkflowType: "order", Status: api.StatusRunning, State: "Created"}
			if err := b.Instances.SaveInstance(ctx, inst); err != nil {
				t.Fatalf("SaveInstance: %v", err)
			}

			err := b.Instances.SaveInstance(ctx, inst)
			if !api.IsConflict(err) {
				t.Fatalf("expected ConflictError on duplicate id, got %v", err)
			}
		})
	}
}

func TestInstanceStore_GetMissing(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			b := factory(t)

			_, err := b.Instances.GetInstance(context.Background(), "nope")
			if !errors.Is(err, ErrInstanceNotFound) {
				t.Fatalf("expected ErrInstanceNotFound, got %v", err)
			}
		})
	}
}

func TestInstanceStore_ListFilters(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			b := factory(t)
			ctx := context.Background()

			seed := []*api.WorkflowInstance{
				{ID: "a", WorkflowType: "order", Status: api.StatusRunning, State: "Created"},
				{ID: "b", WorkflowType: "order", Status: api.StatusCompleted, State: "Completed"},
				{ID: "c", WorkflowType: "shipping", Status: api.StatusRunning, State: "PreparingPackage"},
			}
			for _, inst := range seed {
				if err := b.Instances.SaveInstance(ctx, inst); err != nil {
					t.Fatalf("SaveInstance %s: %v", inst.ID, err)
				}
			}

			orders, err := b.Instances.ListInstances(ctx, InstanceFilter{WorkflowType: "order"})
			if err != nil {
				t.Fatalf("ListInstances: %v", err)
			}
			if len(orders) != 2 {
				t.Fatalf("expected 2 order instances, got %d", len(orders))
			}

			running, err := b.Instances.ListInstances(ctx, InstanceFilter{WorkflowType: "order", Status: api.StatusRunning})
			if err != nil {
				t.Fatalf("ListInstances filtered: %v", err)
			}
			if len(running) != 1 || running[0].ID != "a" {
				t.Fatalf("expected [a], got %+v", running)
			}
		})
	}
}

func TestInstanceStore_Lease(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			b := factory(t)
			ctx := context.Background()

			inst := &api.WorkflowInstance{ID: "i1", WorkflowType: "order", Status: api.StatusWaiting, State: "AwaitingApproval"}
			if err := b.Instances.SaveInstance(ctx, inst); err != nil {
				t.Fatalf("SaveInstance: %v", err)
			}

			acq, err := b.Instances.TryAcquireLease(ctx, "i1", "owner1", time.Minute)
			if err != nil {
				t.Fatalf("TryAcquireLease: %v", err)
			}
			if !acq {
				t.Fatalf("expected acquired")
			}

			acq2, err := b.Instances.TryAcquireLease(ctx, "i1", "owner2", time.Minute)
			if err != nil {
				t.Fatalf("TryAcquireLease owner2: %v", err)
			}
			if acq2 {
				t.Fatalf("expected not acquired while lease active")
			}

			if err := b.Instances.RenewLease(ctx, "i1", "owner1", time.Minute); err != nil {
				t.Fatalf("RenewLease owner1: %v", err)
			}
			if err := b.Instances.RenewLease(ctx, "i1", "owner2", time.Minute); err == nil {
				t.Fatalf("expected RenewLease owner2 to fail")
			}

			if err := b.Instances.ReleaseLease(ctx, "i1", "owner1"); err != nil {
				t.Fatalf("ReleaseLease: %v", err)
			}

			acq3, err := b.Instances.TryAcquireLease(ctx, "i1", "owner2", time.Minute)
			if err != nil {
				t.Fatalf("TryAcquireLease after release: %v", err)
			}
			if !acq3 {
				t.Fatalf("expected owner2 to acquire after release")
			}
		})
	}
}

func TestInstanceStore_ExpiredLeaseTakenOver(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			b := factory(t)
			ctx := context.Background()

			inst := &api.WorkflowInstance{ID: "i2", WorkflowType: "order", Status: api.StatusRunning, State: "Created"}
			if err := b.Instances.SaveInstance(ctx, inst); err != nil {
				t.Fatalf("SaveInstance: %v", err)
			}

			acq, err := b.Instances.TryAcquireLease(ctx, "i2", "dead-worker", time.Millisecond)
			if err != nil || !acq {
				t.Fatalf("initial acquire: acq=%v err=%v", acq, err)
			}

			time.Sleep(5 * time.Millisecond)

			acq2, err := b.Instances.TryAcquireLease(ctx, "i2", "live-worker", time.Minute)
			if err != nil {
				t.Fatalf("TryAcquireLease after expiry: %v", err)
			}
			if !acq2 {
				t.Fatalf("expected expired lease to be taken over")
			}
		})
	}
}

func TestEventStore_AppendAndReplayOrder(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			b := factory(t)
			ctx := context.Background()

			events := []api.Event{
				{InstanceID: "e1", Seq: 1, Kind: api.EventStateEntered, State: "Created", Payload: samplePayload{Msg: "in"}},
				{InstanceID: "e1", Seq: 2, Kind: api.EventActivityStarted, Activity: "ValidateOrder", Key: "e1/validate", Attempt: 1},
				{InstanceID: "e1", Seq: 3, Kind: api.EventActivityCompleted, Activity: "ValidateOrder", Key: "e1/validate", Payload: samplePayload{Msg: "ok"}},
			}
			if err := b.Events.AppendEvents(ctx, "e1", events); err != nil {
				t.Fatalf("AppendEvents: %v", err)
			}

			got, err := b.Events.ListEvents(ctx, "e1")
			if err != nil {
				t.Fatalf("ListEvents: %v", err)
			}
			if len(got) != 3 {
				t.Fatalf("expected 3 events, got %d", len(got))
			}
			for i, ev := range got {
				if ev.Seq != int64(i+1) {
					t.Fatalf("event %d out of order: seq=%d", i, ev.Seq)
				}
			}
			if got[2].Payload.(samplePayload).Msg != "ok" {
				t.Fatalf("payload round-trip mismatch: %#v", got[2].Payload)
			}
		})
	}
}

func TestEventStore_SeqCollisionConflicts(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			b := factory(t)
			ctx := context.Background()

			first := []api.Event{{InstanceID: "e2", Seq: 1, Kind: api.EventStateEntered, State: "Created"}}
			if err := b.Events.AppendEvents(ctx, "e2", first); err != nil {
				t.Fatalf("AppendEvents: %v", err)
			}

			err := b.Events.AppendEvents(ctx, "e2", first)
			if !api.IsConflict(err) {
				t.Fatalf("expected ConflictError on seq collision, got %v", err)
			}

			// The failed append must not leave partial rows behind.
			got, err := b.Events.ListEvents(ctx, "e2")
			if err != nil {
				t.Fatalf("ListEvents: %v", err)
			}
			if len(got) != 1 {
				t.Fatalf("expected 1 event after rejected append, got %d", len(got))
			}
		})
	}
}

func TestLedger_BeginCompleteCycle(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			b := factory(t)
			ctx := context.Background()

			res, err := b.Ledger.Begin(ctx, "ord-1/charge")
			if err != nil {
				t.Fatalf("Begin: %v", err)
			}
			if res.Outcome != BeginFresh || res.Attempts != 1 {
				t.Fatalf("expected fresh attempt 1, got %+v", res)
			}

			// A concurrent Begin on the same key sees it in progress.
			res2, err := b.Ledger.Begin(ctx, "ord-1/charge")
			if err != nil {
				t.Fatalf("Begin concurrent: %v", err)
			}
			if res2.Outcome != BeginInProgress {
				t.Fatalf("expected in progress, got %+v", res2)
			}

			if err := b.Ledger.Complete(ctx, "ord-1/charge", samplePayload{Msg: "pay-77"}); err != nil {
				t.Fatalf("Complete: %v", err)
			}

			res3, err := b.Ledger.Begin(ctx, "ord-1/charge")
			if err != nil {
				t.Fatalf("Begin after complete: %v", err)
			}
			if res3.Outcome != BeginCompleted {
				t.Fatalf("expected completed, got %+v", res3)
			}
			if res3.Result.(samplePayload).Msg != "pay-77" {
				t.Fatalf("stored result mismatch: %#v", res3.Result)
			}
		})
	}
}

func TestLedger_FailedIsReclaimable(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			b := factory(t)
			ctx := context.Background()

			if res, err := b.Ledger.Begin(ctx, "op-f"); err != nil || res.Outcome != BeginFresh {
				t.Fatalf("Begin: res=%+v err=%v", res, err)
			}
			if err := b.Ledger.Fail(ctx, "op-f", errors.New("gateway timeout")); err != nil {
				t.Fatalf("Fail: %v", err)
			}

			res, err := b.Ledger.Begin(ctx, "op-f")
			if err != nil {
				t.Fatalf("Begin after fail: %v", err)
			}
			if res.Outcome != BeginFresh || res.Attempts != 2 {
				t.Fatalf("expected reclaimed fresh attempt 2, got %+v", res)
			}

			rec, err := b.Ledger.GetOperation(ctx, "op-f")
			if err != nil {
				t.Fatalf("GetOperation: %v", err)
			}
			if rec == nil || rec.Status != OpInProgress || rec.Attempts != 2 {
				t.Fatalf("unexpected record: %+v", rec)
			}
		})
	}
}

func TestLedger_StaleInProgressIsReclaimable(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			b := factory(t)
			ctx := context.Background()

			b.SetInProgressTTL(time.Millisecond)

			if res, err := b.Ledger.Begin(ctx, "op-stale"); err != nil || res.Outcome != BeginFresh {
				t.Fatalf("Begin: res=%+v err=%v", res, err)
			}

			time.Sleep(5 * time.Millisecond)

			// Past the TTL the record counts as abandoned by a crashed
			// worker and the key hands out a fresh claim.
			res, err := b.Ledger.Begin(ctx, "op-stale")
			if err != nil {
				t.Fatalf("Begin after TTL: %v", err)
			}
			if res.Outcome != BeginFresh || res.Attempts != 2 {
				t.Fatalf("expected reclaim, got %+v", res)
			}
		})
	}
}

func TestSignals_OrderAndDedup(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			b := factory(t)
			ctx := context.Background()

			a := &api.Signal{InstanceID: "s1", Kind: api.SignalUpdateAddress, Payload: samplePayload{Msg: "addr A"}}
			if ok, err := b.Signals.Append(ctx, a); err != nil || !ok {
				t.Fatalf("Append a: ok=%v err=%v", ok, err)
			}

			bSig := &api.Signal{InstanceID: "s1", Kind: api.SignalApprove, Key: "approval-1"}
			if ok, err := b.Signals.Append(ctx, bSig); err != nil || !ok {
				t.Fatalf("Append b: ok=%v err=%v", ok, err)
			}

			// Same dedup key again: dropped.
			dup := &api.Signal{InstanceID: "s1", Kind: api.SignalApprove, Key: "approval-1"}
			if ok, err := b.Signals.Append(ctx, dup); err != nil || ok {
				t.Fatalf("expected duplicate dropped, ok=%v err=%v", ok, err)
			}

			pending, err := b.Signals.Pending(ctx, "s1")
			if err != nil {
				t.Fatalf("Pending: %v", err)
			}
			if len(pending) != 2 {
				t.Fatalf("expected 2 pending, got %d", len(pending))
			}
			if pending[0].Kind != api.SignalUpdateAddress || pending[1].Kind != api.SignalApprove {
				t.Fatalf("arrival order not preserved: %+v", pending)
			}
		})
	}
}

func TestSignals_DedupSurvivesConsumption(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			b := factory(t)
			ctx := context.Background()

			sig := &api.Signal{InstanceID: "s2", Kind: api.SignalApprove, Key: "approval-9"}
			if ok, err := b.Signals.Append(ctx, sig); err != nil || !ok {
				t.Fatalf("Append: ok=%v err=%v", ok, err)
			}
			if err := b.Signals.MarkConsumed(ctx, "s2", sig.ID); err != nil {
				t.Fatalf("MarkConsumed: %v", err)
			}

			pending, err := b.Signals.Pending(ctx, "s2")
			if err != nil {
				t.Fatalf("Pending: %v", err)
			}
			if len(pending) != 0 {
				t.Fatalf("expected empty inbox, got %d", len(pending))
			}

			// Redelivery after consumption stays a no-op.
			again := &api.Signal{InstanceID: "s2", Kind: api.SignalApprove, Key: "approval-9"}
			if ok, err := b.Signals.Append(ctx, again); err != nil || ok {
				t.Fatalf("expected redelivery dropped, ok=%v err=%v", ok, err)
			}
		})
	}
}

func TestSignals_NoKeyNeverDeduped(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			b := factory(t)
			ctx := context.Background()

			for i := 0; i < 3; i++ {
				sig := &api.Signal{InstanceID: "s3", Kind: api.SignalUpdateAddress, Payload: samplePayload{N: i}}
				if ok, err := b.Signals.Append(ctx, sig); err != nil || !ok {
					t.Fatalf("Append %d: ok=%v err=%v", i, ok, err)
				}
			}

			pending, err := b.Signals.Pending(ctx, "s3")
			if err != nil {
				t.Fatalf("Pending: %v", err)
			}
			if len(pending) != 3 {
				t.Fatalf("expected 3 pending, got %d", len(pending))
			}
		})
	}
}
