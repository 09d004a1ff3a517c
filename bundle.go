package orderflow

import (
	"database/sql"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/petrijr/orderflow/internal/engine"
	"github.com/petrijr/orderflow/internal/persistence"
	"github.com/petrijr/orderflow/internal/taskqueue"
	"github.com/petrijr/orderflow/pkg/fulfillment"
	"github.com/petrijr/orderflow/pkg/worker"
)

// Bundle wires a durable Engine, the two fulfillment task queues, the
// business record store, and a Worker per queue, all sharing one database.
type Bundle struct {
	Engine  Engine
	Records fulfillment.RecordStore

	// OrderWorker consumes the orders queue, ShippingWorker the shipping
	// queue. Run both for a functioning system.
	OrderWorker    *worker.Worker
	ShippingWorker *worker.Worker

	orders   taskqueue.Queue
	shipping taskqueue.Queue
}

// BundleConfig tunes a Bundle under construction.
type BundleConfig struct {
	Policy   fulfillment.OrderPolicy
	Observer Observer
	Logger   *slog.Logger
}

// NewSQLiteBundle constructs a durable order system on a single SQLite
// database: workflow state, queued tasks, and business records all persist in
// the provided *sql.DB.
//
// Typical usage:
//
//	db, _ := sql.Open("sqlite", "file:orderflow.db?_journal=WAL")
//	bundle, err := orderflow.NewSQLiteBundle(db, orderflow.BundleConfig{})
//	go bundle.OrderWorker.Run(ctx, 2)
//	go bundle.ShippingWorker.Run(ctx, 2)
func NewSQLiteBundle(db *sql.DB, cfg BundleConfig) (*Bundle, error) {
	orders, err := taskqueue.NewSQLiteQueue(db, fulfillment.QueueOrders)
	if err != nil {
		return nil, err
	}
	shipping, err := taskqueue.NewSQLiteQueue(db, fulfillment.QueueShipping)
	if err != nil {
		return nil, err
	}
	return newBundle(db, orders, shipping, cfg)
}

// NewAMQPBundle is like NewSQLiteBundle, but moves the task transport onto a
// RabbitMQ broker: workflow state and business records stay in the SQLite
// database while both queues live behind the given channel. Use it when
// several processes share the queues.
func NewAMQPBundle(db *sql.DB, ch *amqp.Channel, cfg BundleConfig) (*Bundle, error) {
	orders, err := taskqueue.NewAMQPQueue(ch, fulfillment.QueueOrders, 1)
	if err != nil {
		return nil, err
	}
	shipping, err := taskqueue.NewAMQPQueue(ch, fulfillment.QueueShipping, 1)
	if err != nil {
		return nil, err
	}
	return newBundle(db, orders, shipping, cfg)
}

func newBundle(db *sql.DB, orders, shipping taskqueue.Queue, cfg BundleConfig) (*Bundle, error) {
	s, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}

	eng, err := engine.New(engine.Config{
		Store: persistence.Persistence{Instances: s, Events: s, Ledger: s, Signals: s},
		Queues: map[string]taskqueue.Queue{
			fulfillment.QueueOrders:   orders,
			fulfillment.QueueShipping: shipping,
		},
		Observer: cfg.Observer,
		Logger:   cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	records, err := fulfillment.NewSQLiteRecords(db)
	if err != nil {
		return nil, err
	}
	acts := fulfillment.NewActivities(records)
	if err := eng.RegisterWorkflow(fulfillment.OrderWorkflow(acts, cfg.Policy)); err != nil {
		return nil, err
	}
	if err := eng.RegisterWorkflow(fulfillment.ShippingWorkflow(acts)); err != nil {
		return nil, err
	}

	return &Bundle{
		Engine:         eng,
		Records:        records,
		OrderWorker:    worker.New(eng, orders, cfg.Logger),
		ShippingWorker: worker.New(eng, shipping, cfg.Logger),
		orders:         orders,
		shipping:       shipping,
	}, nil
}
