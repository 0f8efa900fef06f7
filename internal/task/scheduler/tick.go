package scheduler

import (
	"context"
	"time"

	"legendalf/internal/eventbus"
	"legendalf/internal/schedule"
	"legendalf/internal/task/engine"
	logx "legendalf/pkg/logx"
)

// persistBudget is the time a fire task keeps after delivery to record it.
const persistBudget = 5 * time.Second

// Tick runs one pass over the store. It only enqueues work and returns
// without waiting for deliveries.
func (s *Service) Tick(ctx context.Context) (TickReport, error) {
	wall := time.Now()
	now := s.now()
	rep := TickReport{At: now}

	list, err := s.store.Load(ctx)
	if err != nil {
		s.setLast(rep, err)
		s.log.Error("tick: load schedules failed", logx.Err(err))
		return rep, err
	}
	rep.Loaded = len(list)

	for _, sc := range list {
		if !sc.Enabled {
			continue
		}
		switch {
		case sc.NextFireAt.IsZero():
			rep.Unresolved++
			s.enqueue(sc, "schedule.resolve", func(ctx context.Context) error {
				_, err := s.resolveInitial(ctx, sc.ID)
				return engine.NoRetry(err)
			}, &rep)
		case s.wasDelivered(sc):
			rep.Unresolved++
			occ := sc.NextFireAt
			s.enqueue(sc, "schedule.reschedule", func(ctx context.Context) error {
				return s.reschedule(ctx, sc, occ)
			}, &rep)
		case sc.Due(now):
			rep.Due++
			s.enqueue(sc, "schedule.dispatch", s.fireTask(sc), &rep)
		}
	}

	s.obs.ObserveTick(time.Since(wall), rep.Due)
	s.setLast(rep, nil)
	s.publish(eventbus.TypeTickCompleted, rep)
	if rep.Due > 0 || rep.Unresolved > 0 || rep.Skipped > 0 {
		s.log.Debug("tick",
			logx.Int("loaded", rep.Loaded),
			logx.Int("due", rep.Due),
			logx.Int("unresolved", rep.Unresolved),
			logx.Int("enqueued", rep.Enqueued),
			logx.Int("skipped", rep.Skipped),
		)
	}
	return rep, nil
}

func (s *Service) enqueue(sc schedule.Schedule, name string, run func(ctx context.Context) error, rep *TickReport) {
	s.pending.Add(1)
	err := s.exec.Enqueue(engine.Task{
		Name:    name,
		Key:     sc.ID,
		Timeout: s.config().DispatchTimeout + persistBudget,
		Run:     run,
		Done:    func(error) { s.pending.Done() },
	})
	if err != nil {
		s.pending.Done()
		rep.Skipped++
		s.reportEnqueueError(sc.ID, err)
		return
	}
	rep.Enqueued++
}

func (s *Service) setLast(rep TickReport, err error) {
	s.mu.Lock()
	s.last = rep
	s.lastErr = err
	s.mu.Unlock()
}

type delivery struct {
	occurrence time.Time
	at         time.Time
}

func (s *Service) wasDelivered(sc schedule.Schedule) bool {
	s.dmu.Lock()
	defer s.dmu.Unlock()
	d, ok := s.delivered[sc.ID]
	if !ok {
		return false
	}
	if !d.occurrence.Equal(sc.NextFireAt) {
		delete(s.delivered, sc.ID)
		return false
	}
	return true
}

func (s *Service) markDelivered(id string, occ time.Time) {
	s.dmu.Lock()
	s.delivered[id] = delivery{occurrence: occ, at: s.now()}
	s.dmu.Unlock()
}

func (s *Service) clearDelivered(id string) {
	s.dmu.Lock()
	delete(s.delivered, id)
	s.dmu.Unlock()
}
