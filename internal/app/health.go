package app

import (
	"context"
	"time"

	"legendalf/internal/observability/ops"
)

// health reports component state for /healthz. The process is unhealthy when
// the store is corrupt, a supervised loop failed, or an enabled scheduler has
// stopped ticking.
func (a *App) health(_ context.Context) ops.Health {
	now := time.Now()
	h := ops.Health{OK: true, Time: now, Components: map[string]any{}}
	fail := func(msg string) {
		h.OK = false
		h.Errors = append(h.Errors, msg)
	}

	if a.storeErr != nil {
		fail("store: " + a.storeErr.Error())
	}
	if a.sup != nil {
		snap := a.sup.Snapshot()
		h.Components["app"] = snap
		if snap.FirstError != "" {
			fail("app: " + snap.FirstError)
		}
	}

	es := a.engine.Snapshot()
	h.Components["engine"] = map[string]any{
		"enabled":   es.Enabled,
		"workers":   es.Workers,
		"queue_len": es.QueueLen,
		"queue_cap": es.QueueCap,
		"in_flight": es.InFlight,
		"dropped":   es.Dropped,
	}

	if a.sched != nil {
		ss := a.sched.Snapshot()
		comp := map[string]any{
			"enabled": ss.Enabled,
			"running": ss.Running,
			"tick":    ss.Tick.String(),
			"stalled": ss.Stalled,
		}
		if !ss.LastTick.At.IsZero() {
			comp["last_tick"] = ss.LastTick.At
			comp["due"] = ss.LastTick.Due
		}
		if ss.LastErr != "" {
			comp["last_err"] = ss.LastErr
		}
		h.Components["scheduler"] = comp

		if ss.Enabled && ss.Running && !ss.LastTick.At.IsZero() && now.Sub(ss.LastTick.At) > 3*ss.Tick+time.Minute {
			fail("scheduler: no tick since " + ss.LastTick.At.Format(time.RFC3339))
		}
	}
	return h
}

func (a *App) healthy() bool {
	return a.health(context.Background()).OK
}
