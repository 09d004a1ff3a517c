package orderflow

import (
	"database/sql"

	"github.com/petrijr/orderflow/internal/engine"
	"github.com/petrijr/orderflow/internal/persistence"
	"github.com/petrijr/orderflow/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine              = api.Engine
	WorkflowDefinition  = api.WorkflowDefinition
	WorkflowInstance    = api.WorkflowInstance
	InstanceListOptions = api.InstanceListOptions
	InstanceState       = api.InstanceState
	Status              = api.Status
	Event               = api.Event
	EventKind           = api.EventKind
	Signal              = api.Signal
	SignalKind          = api.SignalKind
	SignalDisposition   = api.SignalDisposition
	Step                = api.Step
	StateHandler        = api.StateHandler
	ActivityFunc        = api.ActivityFunc
	ActivityRequest     = api.ActivityRequest
	ChildSpec           = api.ChildSpec
	RetryPolicy         = api.RetryPolicy
	Observer            = api.Observer
	LoggingObserver     = api.LoggingObserver
	CompositeObserver   = api.CompositeObserver
	NoopObserver        = api.NoopObserver
	BasicMetrics        = api.BasicMetrics
)

// Re-export common observer helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
)

// Re-export status values for convenience.

const (
	StatusRunning   = api.StatusRunning
	StatusWaiting   = api.StatusWaiting
	StatusCompleted = api.StatusCompleted
	StatusCancelled = api.StatusCancelled
	StatusFailed    = api.StatusFailed
)

// Re-export signal kinds.

const (
	SignalApprove       = api.SignalApprove
	SignalCancel        = api.SignalCancel
	SignalUpdateAddress = api.SignalUpdateAddress
)

// Re-export error classification helpers so callers can branch on failures
// without importing pkg/api.

var (
	ErrInstanceNotFound = api.ErrInstanceNotFound
	ErrInstanceTerminal = api.ErrInstanceTerminal
	ErrSignalRejected   = api.ErrSignalRejected

	IsConflict       = api.IsConflict
	IsTransient      = api.IsTransient
	IsRejection      = api.IsRejection
	IsRetryExhausted = api.IsRetryExhausted
)

// Engine constructors. These wrap the internal/engine package so external
// callers never need to import internal packages.

// NewInMemoryEngine returns an Engine backed entirely by in-memory stores.
// Nothing survives a restart; use it for tests and experiments.
func NewInMemoryEngine() Engine {
	return NewInMemoryEngineWithObserver(nil)
}

// NewInMemoryEngineWithObserver returns an in-memory Engine with the given
// Observer.
func NewInMemoryEngineWithObserver(obs Observer) Engine {
	s := persistence.NewInMemoryStore()
	eng, err := engine.New(engine.Config{
		Store:    persistence.Persistence{Instances: s, Events: s, Ledger: s, Signals: s},
		Observer: obs,
	})
	if err != nil {
		// The in-memory config cannot be invalid.
		panic(err)
	}
	return eng
}

// NewSQLiteEngine returns an Engine that persists instances, events, the
// operation ledger, and signals in a SQLite database.
func NewSQLiteEngine(db *sql.DB) (Engine, error) {
	return NewSQLiteEngineWithObserver(db, nil)
}

// NewSQLiteEngineWithObserver returns a SQLite-backed Engine with the given
// Observer.
func NewSQLiteEngineWithObserver(db *sql.DB, obs Observer) (Engine, error) {
	s, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	return engine.New(engine.Config{
		Store:    persistence.Persistence{Instances: s, Events: s, Ledger: s, Signals: s},
		Observer: obs,
	})
}

// NewPostgresEngine returns an Engine that persists instances in PostgreSQL.
// The *sql.DB should be opened with the pgx stdlib driver.
func NewPostgresEngine(db *sql.DB) (Engine, error) {
	return NewPostgresEngineWithObserver(db, nil)
}

// NewPostgresEngineWithObserver returns a Postgres-backed Engine with the
// given Observer.
func NewPostgresEngineWithObserver(db *sql.DB, obs Observer) (Engine, error) {
	s, err := persistence.NewPostgresStore(db)
	if err != nil {
		return nil, err
	}
	return engine.New(engine.Config{
		Store:    persistence.Persistence{Instances: s, Events: s, Ledger: s, Signals: s},
		Observer: obs,
	})
}
