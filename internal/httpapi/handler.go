// Package httpapi exposes the order system over HTTP.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/petrijr/orderflow/internal/telemetry"
	"github.com/petrijr/orderflow/pkg/api"
	"github.com/petrijr/orderflow/pkg/fulfillment"
)

// Handler serves the order API.
type Handler struct {
	engine  api.Engine
	records fulfillment.RecordStore
	starter starter
	logger  *slog.Logger
}

type starter func(r *http.Request, in fulfillment.OrderInput) error

// Config configures a Handler.
type Config struct {
	Engine api.Engine

	// Records, when non-nil, lets GetOrder include the business record
	// snapshot alongside the workflow state.
	Records fulfillment.RecordStore

	// EnqueueStart, when non-nil, is used to hand new orders to the orders
	// queue instead of starting them inline. Wire it to
	// (*worker.Worker).EnqueueStart.
	EnqueueStart func(r *http.Request, in fulfillment.OrderInput) error

	Logger *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		engine:  cfg.Engine,
		records: cfg.Records,
		starter: cfg.EnqueueStart,
		logger:  logger,
	}
}

// RegisterRoutes registers all API routes.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	chain := Chain(
		Recovery(h.logger),
		Logging(h.logger),
	)

	mux.Handle("POST /api/v1/orders", chain(http.HandlerFunc(h.CreateOrder)))
	mux.Handle("GET /api/v1/orders", chain(http.HandlerFunc(h.ListOrders)))
	mux.Handle("GET /api/v1/orders/{id}", chain(http.HandlerFunc(h.GetOrder)))
	mux.Handle("GET /api/v1/orders/{id}/history", chain(http.HandlerFunc(h.GetOrderHistory)))
	mux.Handle("POST /api/v1/orders/{id}/signals", chain(http.HandlerFunc(h.SignalOrder)))
}

type createOrderRequest struct {
	OrderID  string `json:"order_id"`
	Customer string `json:"customer"`
	Items    []struct {
		SKU       string `json:"sku"`
		Quantity  int    `json:"quantity"`
		UnitPrice int64  `json:"unit_price"`
	} `json:"items"`
	Address string `json:"address"`
}

type instanceDTO struct {
	ID       string          `json:"id"`
	Workflow string          `json:"workflow"`
	Status   string          `json:"status"`
	State    string          `json:"state"`
	LastSeq  int64           `json:"last_seq"`
	Output   any             `json:"output,omitempty"`
	Error    string          `json:"error,omitempty"`
	Order    *orderRecordDTO `json:"order,omitempty"`
}

type orderRecordDTO struct {
	ID        string    `json:"id"`
	Customer  string    `json:"customer"`
	Items     []itemDTO `json:"items"`
	Address   string    `json:"address"`
	Total     int64     `json:"total"`
	CreatedAt time.Time `json:"created_at"`
}

type itemDTO struct {
	SKU       string `json:"sku"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
}

func toOrderRecordDTO(o *fulfillment.Order) *orderRecordDTO {
	dto := &orderRecordDTO{
		ID:        o.ID,
		Customer:  o.Customer,
		Address:   o.Address,
		Total:     o.Total(),
		CreatedAt: o.CreatedAt,
	}
	for _, it := range o.Items {
		dto.Items = append(dto.Items, itemDTO{SKU: it.SKU, Quantity: it.Quantity, UnitPrice: it.UnitPrice})
	}
	return dto
}

func toInstanceDTO(inst *api.WorkflowInstance) instanceDTO {
	return instanceDTO{
		ID:       inst.ID,
		Workflow: inst.WorkflowType,
		Status:   string(inst.Status),
		State:    inst.State,
		LastSeq:  inst.LastSeq,
		Output:   inst.Output,
		Error:    inst.Err,
	}
}

type eventDTO struct {
	Seq      int64     `json:"seq"`
	Kind     string    `json:"kind"`
	At       time.Time `json:"at"`
	State    string    `json:"state,omitempty"`
	Activity string    `json:"activity,omitempty"`
	Attempt  int       `json:"attempt,omitempty"`
	Signal   string    `json:"signal,omitempty"`
	Error    string    `json:"error,omitempty"`
	Final    bool      `json:"final,omitempty"`
}

// CreateOrder accepts a new order. With a queue wired the order is enqueued
// and 202 is returned; otherwise it is started inline and the parked
// instance is returned with 201.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	if req.OrderID == "" {
		Error(w, http.StatusBadRequest, ErrCodeBadRequest, "order_id is required")
		return
	}

	in := fulfillment.OrderInput{
		OrderID:  req.OrderID,
		Customer: req.Customer,
		Address:  req.Address,
	}
	for _, it := range req.Items {
		in.Items = append(in.Items, fulfillment.Item{
			SKU:       it.SKU,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
		})
	}

	if h.starter != nil {
		if err := h.starter(r, in); err != nil {
			InternalError(w, h.logger, err)
			return
		}
		Accepted(w, map[string]string{"id": in.OrderID, "status": "ENQUEUED"})
		return
	}

	inst, err := h.engine.Start(r.Context(), fulfillment.WorkflowOrder, in.OrderID, in)
	if err != nil {
		if api.IsConflict(err) {
			Error(w, http.StatusConflict, ErrCodeConflict, "order already exists")
			return
		}
		InternalError(w, h.logger, err)
		return
	}
	Created(w, toInstanceDTO(inst))
}

// ListOrders lists order instances, optionally filtered by ?status=.
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	opts := api.InstanceListOptions{
		WorkflowType: fulfillment.WorkflowOrder,
		Status:       api.Status(r.URL.Query().Get("status")),
	}
	instances, err := h.engine.ListInstances(r.Context(), opts)
	if err != nil {
		InternalError(w, h.logger, err)
		return
	}
	out := make([]instanceDTO, 0, len(instances))
	for _, inst := range instances {
		out = append(out, toInstanceDTO(inst))
	}
	List(w, out, len(out))
}

// GetOrder returns the current snapshot of one order.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	inst, err := h.engine.GetInstance(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, api.ErrInstanceNotFound) {
			Error(w, http.StatusNotFound, ErrCodeNotFound, "order not found")
			return
		}
		InternalError(w, telemetry.WithInstanceID(h.logger, r.PathValue("id")), err)
		return
	}

	dto := toInstanceDTO(inst)
	if h.records != nil {
		// Best effort: the record may not exist yet if ReceiveOrder has not
		// run.
		if rec, err := h.records.GetOrder(r.Context(), inst.ID); err == nil {
			dto.Order = toOrderRecordDTO(rec)
		}
	}
	Success(w, dto)
}

// GetOrderHistory returns the durable event history of one order.
func (h *Handler) GetOrderHistory(w http.ResponseWriter, r *http.Request) {
	events, err := h.engine.History(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, api.ErrInstanceNotFound) {
			Error(w, http.StatusNotFound, ErrCodeNotFound, "order not found")
			return
		}
		InternalError(w, h.logger, err)
		return
	}
	out := make([]eventDTO, 0, len(events))
	for _, ev := range events {
		out = append(out, eventDTO{
			Seq:      ev.Seq,
			Kind:     string(ev.Kind),
			At:       ev.At,
			State:    ev.State,
			Activity: ev.Activity,
			Attempt:  ev.Attempt,
			Signal:   string(ev.Signal),
			Error:    ev.Err,
			Final:    ev.Final,
		})
	}
	List(w, out, len(out))
}

type signalRequest struct {
	Kind    string `json:"kind"`
	Key     string `json:"key"`
	Payload any    `json:"payload"`
}

// externalSignals are the kinds clients may send; the child reporting kinds
// are engine-internal.
var externalSignals = map[api.SignalKind]bool{
	api.SignalApprove:       true,
	api.SignalCancel:        true,
	api.SignalUpdateAddress: true,
}

// SignalOrder delivers a signal to an order instance.
func (h *Handler) SignalOrder(w http.ResponseWriter, r *http.Request) {
	var req signalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	kind := api.SignalKind(req.Kind)
	if !externalSignals[kind] {
		Error(w, http.StatusBadRequest, ErrCodeBadRequest, "unknown signal kind")
		return
	}

	err := h.engine.Signal(r.Context(), r.PathValue("id"), kind, req.Key, req.Payload)
	switch {
	case err == nil:
		Accepted(w, map[string]string{"id": r.PathValue("id"), "kind": req.Kind})
	case errors.Is(err, api.ErrInstanceNotFound):
		Error(w, http.StatusNotFound, ErrCodeNotFound, "order not found")
	case errors.Is(err, api.ErrInstanceTerminal):
		Error(w, http.StatusConflict, ErrCodeConflict, "order already finished")
	case errors.Is(err, api.ErrSignalRejected):
		Error(w, http.StatusUnprocessableEntity, ErrCodeInvalidState, "signal rejected in current state")
	default:
		InternalError(w, telemetry.WithInstanceID(h.logger, r.PathValue("id")), err)
	}
}
