package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"legendalf/internal/calendar"
	"legendalf/internal/dispatch"
	"legendalf/internal/eventbus"
	"legendalf/internal/schedule"
	"legendalf/internal/storage"
	"legendalf/internal/task/engine"
	logx "legendalf/pkg/logx"
)

// ReasonCompleted marks a one-shot schedule that has delivered its occurrence.
const ReasonCompleted = "completed"

var errMoved = errors.New("schedule moved since tick")

// Event is the payload of schedule.* bus events.
type Event struct {
	ID         string
	ChatID     int64
	Kind       schedule.Kind
	Occurrence time.Time
	Next       time.Time
	Reason     string
	Err        string
}

func eventOf(sc schedule.Schedule) Event {
	return Event{ID: sc.ID, ChatID: sc.ChatID, Kind: sc.Kind, Occurrence: sc.NextFireAt}
}

func payloadLabel(sc schedule.Schedule) string {
	if sc.Kind == schedule.NextHoliday {
		return "holiday_notice"
	}
	return string(sc.Payload.Type)
}

func (s *Service) fireTask(snap schedule.Schedule) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		sc, err := s.store.Get(ctx, snap.ID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return engine.NoRetry(fmt.Errorf("reload schedule: %w", err))
		}
		if !sc.Due(s.now()) || !sc.NextFireAt.Equal(snap.NextFireAt) {
			s.log.Debug("schedule changed since tick, skipping", logx.String("schedule", sc.ID))
			return nil
		}
		occurrence := sc.NextFireAt
		log := s.log.With(logx.String("schedule", sc.ID), logx.Int64("chat", sc.ChatID), logx.String("payload", payloadLabel(sc)))

		dctx, cancel := context.WithTimeout(ctx, s.config().DispatchTimeout)
		started := time.Now()
		err = s.dispatcher.Dispatch(dctx, sc)
		cancel()
		took := time.Since(started)

		if err != nil {
			de := dispatch.Classify(err)
			ev := eventOf(sc)
			ev.Reason, ev.Err = de.Reason, err.Error()
			if de.Class == dispatch.Permanent {
				s.obs.ObserveDispatch(payloadLabel(sc), "permanent", took)
				s.disable(ctx, sc, de.Reason, time.Time{})
				return engine.NoRetry(err)
			}
			s.obs.ObserveDispatch(payloadLabel(sc), "retryable", took)
			s.publish(eventbus.TypeScheduleFailed, ev)
			log.Warn("dispatch failed, retrying next tick", logx.String("reason", de.Reason), logx.Err(err))
			return engine.NoRetry(err)
		}

		s.obs.ObserveDispatch(payloadLabel(sc), "ok", took)
		s.markDelivered(sc.ID, occurrence)
		s.publish(eventbus.TypeScheduleFired, eventOf(sc))
		log.Info("schedule fired", logx.Time("occurrence", occurrence), logx.Duration("took", took))
		return s.reschedule(ctx, sc, occurrence)
	}
}

// reschedule persists the delivered occurrence and the one after it. Stale
// schedules resume from now so a long outage fires once, not once per miss.
func (s *Service) reschedule(ctx context.Context, sc schedule.Schedule, occurrence time.Time) error {
	after := occurrence
	if now := s.now(); now.After(after) {
		after = now
	}
	next, err := s.resolver.Resolve(ctx, sc, after)
	switch {
	case errors.Is(err, calendar.ErrExhausted):
		return s.complete(ctx, sc, occurrence)
	case errors.Is(err, schedule.ErrInvalid):
		s.disable(ctx, sc, "invalid rule: "+err.Error(), occurrence)
		return engine.NoRetry(err)
	case err != nil:
		s.stall(sc, err)
		return engine.NoRetry(err)
	}

	now := s.now()
	_, err = s.store.Update(ctx, sc.ID, func(cur *schedule.Schedule) error {
		if !cur.NextFireAt.Equal(occurrence) {
			return errMoved
		}
		cur.LastFiredAt = occurrence
		cur.NextFireAt = next.At
		cur.NextLabel = next.Label
		cur.UpdatedAt = now
		return nil
	})
	if errors.Is(err, errMoved) || errors.Is(err, storage.ErrNotFound) {
		s.clearDelivered(sc.ID)
		return nil
	}
	if err != nil {
		s.log.Error("persist next occurrence failed", logx.String("schedule", sc.ID), logx.Err(err))
		return engine.NoRetry(err)
	}
	s.clearDelivered(sc.ID)
	s.log.Debug("schedule advanced", logx.String("schedule", sc.ID), logx.Time("next", next.At))
	return nil
}

// complete retires a one-shot schedule after its only delivery.
func (s *Service) complete(ctx context.Context, sc schedule.Schedule, occurrence time.Time) error {
	now := s.now()
	_, err := s.store.Update(ctx, sc.ID, func(cur *schedule.Schedule) error {
		cur.Enabled = false
		cur.DisabledReason = ReasonCompleted
		cur.LastFiredAt = occurrence
		cur.UpdatedAt = now
		return nil
	})
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.log.Error("retire one-shot schedule failed", logx.String("schedule", sc.ID), logx.Err(err))
		return engine.NoRetry(err)
	}
	s.clearDelivered(sc.ID)
	ev := eventOf(sc)
	ev.Reason = ReasonCompleted
	s.publish(eventbus.TypeScheduleDisabled, ev)
	s.log.Info("one-shot schedule completed", logx.String("schedule", sc.ID))
	return nil
}

// disable turns a schedule off and tells the operator. NextFireAt is kept.
func (s *Service) disable(ctx context.Context, sc schedule.Schedule, reason string, delivered time.Time) {
	now := s.now()
	updated, err := s.store.Update(ctx, sc.ID, func(cur *schedule.Schedule) error {
		cur.Enabled = false
		cur.DisabledReason = reason
		if !delivered.IsZero() {
			cur.LastFiredAt = delivered
		}
		cur.UpdatedAt = now
		return nil
	})
	if errors.Is(err, storage.ErrNotFound) {
		return
	}
	if err != nil {
		s.log.Error("disable schedule failed", logx.String("schedule", sc.ID), logx.String("reason", reason), logx.Err(err))
		return
	}
	s.clearDelivered(sc.ID)
	s.obs.AutoDisabled()
	ev := eventOf(sc)
	ev.Reason = reason
	s.publish(eventbus.TypeScheduleDisabled, ev)
	s.log.Warn("schedule disabled", logx.String("schedule", sc.ID), logx.Int64("chat", sc.ChatID), logx.String("reason", reason))
	if s.reporter != nil {
		s.reporter.ScheduleDisabled(updated, reason)
	}
}

func (s *Service) stall(sc schedule.Schedule, err error) {
	if errors.Is(err, calendar.ErrCalendarUnavailable) {
		s.obs.CalendarUnavailable()
	}
	ev := eventOf(sc)
	ev.Err = err.Error()
	s.publish(eventbus.TypeScheduleStalled, ev)
	s.log.Warn("next occurrence unresolved, retrying next tick", logx.String("schedule", sc.ID), logx.Err(err))
}

// Prime resolves the first occurrence of a schedule that has none. It is a
// no-op for schedules that are already resolved or disabled. When the
// calendar is unavailable the schedule stays unresolved and the returned
// error wraps calendar.ErrCalendarUnavailable; the tick driver retries.
func (s *Service) Prime(ctx context.Context, id string) (schedule.Schedule, error) {
	return s.resolveInitial(ctx, id)
}

func (s *Service) resolveInitial(ctx context.Context, id string) (schedule.Schedule, error) {
	sc, err := s.store.Get(ctx, id)
	if err != nil {
		return schedule.Schedule{}, err
	}
	if !sc.Enabled || !sc.NextFireAt.IsZero() {
		return sc, nil
	}
	after := s.now()
	if sc.LastFiredAt.After(after) {
		after = sc.LastFiredAt
	}
	next, err := s.resolver.Resolve(ctx, sc, after)
	switch {
	case errors.Is(err, calendar.ErrExhausted):
		s.disable(ctx, sc, "expired before first delivery", time.Time{})
		return s.store.Get(ctx, id)
	case errors.Is(err, schedule.ErrInvalid):
		s.disable(ctx, sc, "invalid rule: "+err.Error(), time.Time{})
		return s.store.Get(ctx, id)
	case err != nil:
		s.stall(sc, err)
		return sc, err
	}
	now := s.now()
	return s.store.Update(ctx, id, func(cur *schedule.Schedule) error {
		if !cur.NextFireAt.IsZero() {
			return nil
		}
		cur.NextFireAt = next.At
		cur.NextLabel = next.Label
		cur.UpdatedAt = now
		return nil
	})
}
