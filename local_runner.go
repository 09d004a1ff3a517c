package orderflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/petrijr/orderflow/internal/engine"
	"github.com/petrijr/orderflow/internal/persistence"
	"github.com/petrijr/orderflow/internal/taskqueue"
	"github.com/petrijr/orderflow/pkg/activity"
	"github.com/petrijr/orderflow/pkg/fulfillment"
	"github.com/petrijr/orderflow/pkg/worker"
)

// LocalRunner bundles an in-memory Engine, the two fulfillment task queues,
// and a Worker per queue into a single-process order system for development
// and tests.
//
// Typical usage:
//
//	runner := orderflow.NewLocalRunner()
//	_ = runner.StartWorkers(ctx, 2)
//	defer runner.Stop()
//
//	_ = runner.PlaceOrder(ctx, fulfillment.OrderInput{OrderID: "ord-1", ...})
//	_ = runner.Approve(ctx, "ord-1", "appr-1")
type LocalRunner struct {
	// Engine is the in-memory workflow engine used by this runner, with the
	// order and shipping workflows already registered.
	Engine Engine

	// Records holds the business records the activities produce.
	Records fulfillment.RecordStore

	// Orders and Shipping are the runner's task queues.
	Orders   taskqueue.Queue
	Shipping taskqueue.Queue

	// Faults injects scripted activity failures, for demos and tests.
	Faults *activity.ScriptedFaults

	orderWorker    *worker.Worker
	shippingWorker *worker.Worker

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// LocalRunnerOption adjusts a LocalRunner under construction.
type LocalRunnerOption func(*localRunnerConfig)

type localRunnerConfig struct {
	policy   fulfillment.OrderPolicy
	retry    RetryPolicy
	observer Observer
	logger   *slog.Logger
}

// WithOrderPolicy overrides the default order policy.
func WithOrderPolicy(policy fulfillment.OrderPolicy) LocalRunnerOption {
	return func(c *localRunnerConfig) { c.policy = policy }
}

// WithDefaultRetry overrides the default activity retry policy of both
// workflows. Useful for demos and tests that want instant retries.
func WithDefaultRetry(policy RetryPolicy) LocalRunnerOption {
	return func(c *localRunnerConfig) { c.retry = policy }
}

// WithObserver attaches an Observer to the runner's engine.
func WithObserver(obs Observer) LocalRunnerOption {
	return func(c *localRunnerConfig) { c.observer = obs }
}

// WithLogger sets the logger used by the engine and workers.
func WithLogger(logger *slog.Logger) LocalRunnerOption {
	return func(c *localRunnerConfig) { c.logger = logger }
}

// NewLocalRunner constructs a LocalRunner backed by in-memory stores and
// queues, with both fulfillment workflows registered.
func NewLocalRunner(opts ...LocalRunnerOption) *LocalRunner {
	var cfg localRunnerConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	s := persistence.NewInMemoryStore()
	orders := taskqueue.NewInMemoryQueue(fulfillment.QueueOrders)
	shipping := taskqueue.NewInMemoryQueue(fulfillment.QueueShipping)
	faults := activity.NewScriptedFaults()

	eng, err := engine.New(engine.Config{
		Store: persistence.Persistence{Instances: s, Events: s, Ledger: s, Signals: s},
		Queues: map[string]taskqueue.Queue{
			fulfillment.QueueOrders:   orders,
			fulfillment.QueueShipping: shipping,
		},
		Observer: cfg.observer,
		Logger:   cfg.logger,
		Faults:   faults,
	})
	if err != nil {
		// The in-memory config cannot be invalid.
		panic(err)
	}

	records := fulfillment.NewMemoryRecords()
	acts := fulfillment.NewActivities(records)
	order := fulfillment.OrderWorkflow(acts, cfg.policy)
	ship := fulfillment.ShippingWorkflow(acts)
	if cfg.retry.MaxAttempts > 0 {
		order.DefaultRetry = cfg.retry
		ship.DefaultRetry = cfg.retry
	}
	if err := eng.RegisterWorkflow(order); err != nil {
		panic(err)
	}
	if err := eng.RegisterWorkflow(ship); err != nil {
		panic(err)
	}

	return &LocalRunner{
		Engine:         eng,
		Records:        records,
		Orders:         orders,
		Shipping:       shipping,
		Faults:         faults,
		orderWorker:    worker.New(eng, orders, cfg.logger),
		shippingWorker: worker.New(eng, shipping, cfg.logger),
	}
}

// StartWorkers starts 'concurrency' worker goroutines per queue that process
// tasks until the context is cancelled via Stop.
//
// Calling StartWorkers again without Stop returns an error.
func (r *LocalRunner) StartWorkers(ctx context.Context, concurrency int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("orderflow: LocalRunner already started")
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true

	for _, w := range []*worker.Worker{r.orderWorker, r.shippingWorker} {
		w := w
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			// Run exits cleanly on context cancellation.
			_ = w.Run(ctx, concurrency)
		}()
	}
	return nil
}

// Stop cancels all worker goroutines started by StartWorkers and waits for
// them to exit.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

// PlaceOrder enqueues a start task for a new order instance. A worker picks
// it up and drives the order until it parks or finishes.
func (r *LocalRunner) PlaceOrder(ctx context.Context, in fulfillment.OrderInput) error {
	if in.OrderID == "" {
		return fmt.Errorf("orderflow: order needs an id")
	}
	return r.orderWorker.EnqueueStart(ctx, fulfillment.WorkflowOrder, in.OrderID, in)
}

// PlaceOrderSync starts and drives a new order inline, without the queue.
func (r *LocalRunner) PlaceOrderSync(ctx context.Context, in fulfillment.OrderInput) (*WorkflowInstance, error) {
	if in.OrderID == "" {
		return nil, fmt.Errorf("orderflow: order needs an id")
	}
	return r.Engine.Start(ctx, fulfillment.WorkflowOrder, in.OrderID, in)
}

// Approve delivers an approve signal to an order. dedupKey makes redelivery
// a no-op; pass "" to skip deduplication.
func (r *LocalRunner) Approve(ctx context.Context, orderID, dedupKey string) error {
	return r.Engine.Signal(ctx, orderID, SignalApprove, dedupKey, nil)
}

// Cancel delivers a cancel signal to an order.
func (r *LocalRunner) Cancel(ctx context.Context, orderID, dedupKey string) error {
	return r.Engine.Signal(ctx, orderID, SignalCancel, dedupKey, nil)
}

// UpdateAddress delivers a new shipping address to an order.
func (r *LocalRunner) UpdateAddress(ctx context.Context, orderID, address string) error {
	return r.Engine.Signal(ctx, orderID, SignalUpdateAddress, "", address)
}

// Order returns the current snapshot of an order instance.
func (r *LocalRunner) Order(ctx context.Context, orderID string) (*WorkflowInstance, error) {
	return r.Engine.GetInstance(ctx, orderID)
}

// History returns the event history of an instance.
func (r *LocalRunner) History(ctx context.Context, instanceID string) ([]Event, error) {
	return r.Engine.History(ctx, instanceID)
}

// Recover re-dispatches drive tasks for instances left RUNNING by a crashed
// worker and returns how many were dispatched.
func (r *LocalRunner) Recover(ctx context.Context) (int, error) {
	return r.Engine.RecoverStuckInstances(ctx)
}
