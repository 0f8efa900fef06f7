// Package scheduler is the tick-driven scheduling loop.
//
// Each tick loads the store, finds enabled schedules whose next-fire
// instant has passed and hands each one to the task engine as an
// independent unit of work keyed by schedule id. The loop never blocks on
// delivery or on calendar lookups: both run inside engine tasks.
//
// The loop is the only writer of NextFireAt. A delivered occurrence whose
// successor cannot be resolved yet is remembered in memory so the next tick
// retries the resolution without delivering again.
package scheduler
