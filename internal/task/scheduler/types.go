package scheduler

import (
	"context"
	"time"

	"legendalf/internal/calendar"
	"legendalf/internal/schedule"
	"legendalf/internal/task/engine"
)

// Config controls the tick driver.
type Config struct {
	Enabled         bool
	Tick            time.Duration
	DispatchTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = time.Minute
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = 10 * time.Second
	}
	return c
}

type Store interface {
	Load(ctx context.Context) ([]schedule.Schedule, error)
	Get(ctx context.Context, id string) (schedule.Schedule, error)
	Update(ctx context.Context, id string, fn func(*schedule.Schedule) error) (schedule.Schedule, error)
}

type Resolver interface {
	Resolve(ctx context.Context, s schedule.Schedule, after time.Time) (calendar.Occurrence, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, s schedule.Schedule) error
}

// Executor runs units of work; *engine.Service implements it.
type Executor interface {
	Enqueue(t engine.Task) error
}

// Reporter tells operators about schedules the loop had to disable.
// Implementations must not block.
type Reporter interface {
	ScheduleDisabled(s schedule.Schedule, reason string)
}

// Observer receives loop measurements (prometheus collectors in production).
type Observer interface {
	ObserveTick(d time.Duration, due int)
	ObserveDispatch(payload, result string, d time.Duration)
	AutoDisabled()
	CalendarUnavailable()
}

type nopObserver struct{}

func (nopObserver) ObserveTick(time.Duration, int)                 {}
func (nopObserver) ObserveDispatch(string, string, time.Duration) {}
func (nopObserver) AutoDisabled()                                  {}
func (nopObserver) CalendarUnavailable()                           {}

// TickReport summarizes one pass.
type TickReport struct {
	At         time.Time
	Loaded     int
	Due        int
	Enqueued   int
	Unresolved int
	Skipped    int
}

type Snapshot struct {
	Enabled         bool
	Tick            time.Duration
	DispatchTimeout time.Duration
	Running         bool
	LastTick        TickReport
	LastErr         string
	// Stalled counts delivered occurrences whose successor has stayed
	// unpersisted for longer than one tick.
	Stalled int
}
