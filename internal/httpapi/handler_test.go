package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/petrijr/orderflow/internal/engine"
	"github.com/petrijr/orderflow/internal/persistence"
	"github.com/petrijr/orderflow/internal/taskqueue"
	"github.com/petrijr/orderflow/pkg/api"
	"github.com/petrijr/orderflow/pkg/fulfillment"
)

type testServer struct {
	mux      *http.ServeMux
	eng      api.Engine
	shipping *taskqueue.InMemoryQueue
}

// newTestServer wires the API onto an in-memory engine. The shipping queue
// is wired but unconsumed, so orders park in ShippingInProgress until the
// test drains it.
func newTestServer(t *testing.T) *testServer {
	t.Helper()
	s := persistence.NewInMemoryStore()
	shipping := taskqueue.NewInMemoryQueue(fulfillment.QueueShipping)
	eng, err := engine.New(engine.Config{
		Store:  persistence.Persistence{Instances: s, Events: s, Ledger: s, Signals: s},
		Queues: map[string]taskqueue.Queue{fulfillment.QueueShipping: shipping},
	})
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	acts := fulfillment.NewActivities(fulfillment.NewMemoryRecords())
	if err := eng.RegisterWorkflow(fulfillment.OrderWorkflow(acts, fulfillment.OrderPolicy{})); err != nil {
		t.Fatalf("RegisterWorkflow order: %v", err)
	}
	if err := eng.RegisterWorkflow(fulfillment.ShippingWorkflow(acts)); err != nil {
		t.Fatalf("RegisterWorkflow shipping: %v", err)
	}

	mux := http.NewServeMux()
	NewHandler(Config{Engine: eng}).RegisterRoutes(mux)
	return &testServer{mux: mux, eng: eng, shipping: shipping}
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	ts.mux.ServeHTTP(rec, req)
	return rec
}

const orderBody = `{
	"order_id": "ord-1",
	"customer": "alice",
	"items": [{"sku": "sku-1", "quantity": 2, "unit_price": 1250}],
	"address": "1 Main St"
}`

func TestAPI_CreateAndGetOrder(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/orders", orderBody)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: got %d, body %s", rec.Code, rec.Body)
	}
	var created struct {
		Data instanceDTO `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Data.State != fulfillment.StateAwaitingApproval {
		t.Fatalf("expected parked order, got %+v", created.Data)
	}

	// Duplicate create conflicts.
	rec = ts.do(t, http.MethodPost, "/api/v1/orders", orderBody)
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate create: got %d", rec.Code)
	}

	rec = ts.do(t, http.MethodGet, "/api/v1/orders/ord-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get: got %d", rec.Code)
	}

	rec = ts.do(t, http.MethodGet, "/api/v1/orders/ghost", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get missing: got %d", rec.Code)
	}

	rec = ts.do(t, http.MethodGet, "/api/v1/orders", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list: got %d", rec.Code)
	}
	var list struct {
		Total int `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if list.Total != 1 {
		t.Fatalf("expected 1 order, got %d", list.Total)
	}
}

func TestAPI_SignalLifecycle(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	rec := ts.do(t, http.MethodPost, "/api/v1/orders", orderBody)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: got %d", rec.Code)
	}

	// Approve moves the order into shipping, where cancel is rejected.
	rec = ts.do(t, http.MethodPost, "/api/v1/orders/ord-1/signals", `{"kind": "approve", "key": "appr-1"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("approve: got %d, body %s", rec.Code, rec.Body)
	}

	rec = ts.do(t, http.MethodPost, "/api/v1/orders/ord-1/signals", `{"kind": "cancel"}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("cancel during shipping: got %d, body %s", rec.Code, rec.Body)
	}

	// Drain the shipping queue so the order finishes.
	dctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	d, err := ts.shipping.Dequeue(dctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if err := ts.eng.Drive(ctx, d.Task.InstanceID); err != nil {
		t.Fatalf("Drive child: %v", err)
	}
	_ = d.Ack(ctx)

	rec = ts.do(t, http.MethodGet, "/api/v1/orders/ord-1", "")
	var got struct {
		Data instanceDTO `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Data.Status != string(api.StatusCompleted) {
		t.Fatalf("expected COMPLETED, got %+v", got.Data)
	}

	// Signals to a finished order conflict.
	rec = ts.do(t, http.MethodPost, "/api/v1/orders/ord-1/signals", `{"kind": "cancel"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("signal terminal: got %d", rec.Code)
	}

	// History shows the full run.
	rec = ts.do(t, http.MethodGet, "/api/v1/orders/ord-1/history", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("history: got %d", rec.Code)
	}
	var history struct {
		Data []eventDTO `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &history); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(history.Data) == 0 || history.Data[0].Kind != string(api.EventStateEntered) {
		t.Fatalf("unexpected history: %+v", history.Data)
	}
}

func TestAPI_BadRequests(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/orders", `{not json`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid body: got %d", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/api/v1/orders", `{"customer": "alice"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing order_id: got %d", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/api/v1/orders/ord-1/signals", `{"kind": "child-completed"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("internal signal kind: got %d", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/api/v1/orders/ghost/signals", `{"kind": "approve"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("signal unknown order: got %d", rec.Code)
	}
}
