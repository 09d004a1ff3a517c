package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the workflow engine for logging and
// metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay instance execution.
type Observer interface {
	// OnInstanceStart is called once when an instance is first started,
	// before its initial state handler runs.
	OnInstanceStart(ctx context.Context, workflowType, instanceID string)

	// OnInstanceFinished is called when an instance reaches a terminal
	// status (COMPLETED, CANCELLED, or FAILED).
	OnInstanceFinished(ctx context.Context, workflowType, instanceID string, status Status)

	// OnStateEntered is called after a StateEntered event is durably
	// appended.
	OnStateEntered(ctx context.Context, workflowType, instanceID, state string)

	// OnActivityAttempt is called before each real activity attempt.
	OnActivityAttempt(ctx context.Context, workflowType, instanceID, activity string, attempt int)

	// OnActivityFinished is called after an attempt returns, for both
	// successes and failures (err != nil).
	OnActivityFinished(ctx context.Context, workflowType, instanceID, activity string, attempt int, err error, duration time.Duration)

	// OnSignal is called when a signal is accepted into an instance's inbox.
	OnSignal(ctx context.Context, instanceID string, kind SignalKind)
}

// NoopObserver is an Observer that does nothing. It is the default when no
// observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnInstanceStart(ctx context.Context, wt, id string)                  {}
func (NoopObserver) OnInstanceFinished(ctx context.Context, wt, id string, s Status)     {}
func (NoopObserver) OnStateEntered(ctx context.Context, wt, id, state string)            {}
func (NoopObserver) OnActivityAttempt(ctx context.Context, wt, id, act string, n int)    {}
func (NoopObserver) OnActivityFinished(ctx context.Context, wt, id, act string, n int, err error, d time.Duration) {
}
func (NoopObserver) OnSignal(ctx context.Context, id string, kind SignalKind) {}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnInstanceStart(ctx context.Context, wt, id string) {
	for _, o := range c.observers {
		o.OnInstanceStart(ctx, wt, id)
	}
}

func (c *CompositeObserver) OnInstanceFinished(ctx context.Context, wt, id string, s Status) {
	for _, o := range c.observers {
		o.OnInstanceFinished(ctx, wt, id, s)
	}
}

func (c *CompositeObserver) OnStateEntered(ctx context.Context, wt, id, state string) {
	for _, o := range c.observers {
		o.OnStateEntered(ctx, wt, id, state)
	}
}

func (c *CompositeObserver) OnActivityAttempt(ctx context.Context, wt, id, act string, n int) {
	for _, o := range c.observers {
		o.OnActivityAttempt(ctx, wt, id, act, n)
	}
}

func (c *CompositeObserver) OnActivityFinished(ctx context.Context, wt, id, act string, n int, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnActivityFinished(ctx, wt, id, act, n, err, d)
	}
}

func (c *CompositeObserver) OnSignal(ctx context.Context, id string, kind SignalKind) {
	for _, o := range c.observers {
		o.OnSignal(ctx, id, kind)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs instance lifecycle events
// using the provided slog.Logger. If logger is nil, slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnInstanceStart(ctx context.Context, wt, id string) {
	o.Logger.InfoContext(ctx, "instance_start",
		slog.String("workflow", wt),
		slog.String("instance_id", id),
	)
}

func (o *LoggingObserver) OnInstanceFinished(ctx context.Context, wt, id string, s Status) {
	level := slog.LevelInfo
	if s == StatusFailed {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "instance_finished",
		slog.String("workflow", wt),
		slog.String("instance_id", id),
		slog.String("status", string(s)),
	)
}

func (o *LoggingObserver) OnStateEntered(ctx context.Context, wt, id, state string) {
	o.Logger.DebugContext(ctx, "state_entered",
		slog.String("workflow", wt),
		slog.String("instance_id", id),
		slog.String("state", state),
	)
}

func (o *LoggingObserver) OnActivityAttempt(ctx context.Context, wt, id, act string, n int) {
	o.Logger.DebugContext(ctx, "activity_attempt",
		slog.String("workflow", wt),
		slog.String("instance_id", id),
		slog.String("activity", act),
		slog.Int("attempt", n),
	)
}

func (o *LoggingObserver) OnActivityFinished(ctx context.Context, wt, id, act string, n int, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelWarn
	}
	o.Logger.Log(ctx, level, "activity_finished",
		slog.String("workflow", wt),
		slog.String("instance_id", id),
		slog.String("activity", act),
		slog.Int("attempt", n),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnSignal(ctx context.Context, id string, kind SignalKind) {
	o.Logger.InfoContext(ctx, "signal_accepted",
		slog.String("instance_id", id),
		slog.String("kind", string(kind)),
	)
}

// BasicMetrics collects simple counters and aggregate activity durations.
// It implements Observer and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	instancesStarted   atomic.Int64
	instancesCompleted atomic.Int64
	instancesFailed    atomic.Int64
	instancesCancelled atomic.Int64
	signalsAccepted    atomic.Int64
	activityAttempts   atomic.Int64
	activitySuccesses  atomic.Int64
	totalActivityNanos atomic.Int64
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	InstancesStarted   int64
	InstancesCompleted int64
	InstancesFailed    int64
	InstancesCancelled int64
	PendingInstances   int64
	SignalsAccepted    int64
	ActivityAttempts   int64
	AvgActivityTime    time.Duration
}

func (m *BasicMetrics) OnInstanceStart(ctx context.Context, wt, id string) {
	m.instancesStarted.Add(1)
}

func (m *BasicMetrics) OnInstanceFinished(ctx context.Context, wt, id string, s Status) {
	switch s {
	case StatusCompleted:
		m.instancesCompleted.Add(1)
	case StatusCancelled:
		m.instancesCancelled.Add(1)
	case StatusFailed:
		m.instancesFailed.Add(1)
	}
}

func (m *BasicMetrics) OnActivityAttempt(ctx context.Context, wt, id, act string, n int) {
	m.activityAttempts.Add(1)
}

func (m *BasicMetrics) OnActivityFinished(ctx context.Context, wt, id, act string, n int, err error, d time.Duration) {
	// Only successful attempts count toward the average duration.
	if err == nil {
		m.activitySuccesses.Add(1)
		m.totalActivityNanos.Add(d.Nanoseconds())
	}
}

func (m *BasicMetrics) OnSignal(ctx context.Context, id string, kind SignalKind) {
	m.signalsAccepted.Add(1)
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.instancesStarted.Load()
	completed := m.instancesCompleted.Load()
	failed := m.instancesFailed.Load()
	cancelled := m.instancesCancelled.Load()
	successes := m.activitySuccesses.Load()
	totalNs := m.totalActivityNanos.Load()

	var avg time.Duration
	if successes > 0 {
		avg = time.Duration(totalNs / successes)
	}

	return BasicMetricsSnapshot{
		InstancesStarted:   started,
		InstancesCompleted: completed,
		InstancesFailed:    failed,
		InstancesCancelled: cancelled,
		PendingInstances:   started - completed - failed - cancelled,
		SignalsAccepted:    m.signalsAccepted.Load(),
		ActivityAttempts:   m.activityAttempts.Load(),
		AvgActivityTime:    avg,
	}
}
