// Package admin implements the operations behind the bot's admin commands:
// creating, listing, toggling and deleting schedules, and managing who may
// use the bot at all.
//
// The command layer parses text and checks IsAdmin; everything here trusts
// its caller.
package admin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"legendalf/internal/calendar"
	"legendalf/internal/eventbus"
	"legendalf/internal/schedule"
	"legendalf/internal/storage"
	logx "legendalf/pkg/logx"
)

// ErrCompleted rejects re-enabling a one-shot schedule that already fired.
var ErrCompleted = errors.New("one-shot schedule already delivered")

// Primer resolves the first occurrence of a newly stored schedule.
type Primer interface {
	Prime(ctx context.Context, id string) (schedule.Schedule, error)
}

// AccessReporter is told about new access requests.
type AccessReporter interface {
	AccessRequested(g storage.Grant)
}

type Options struct {
	Owners   []int64
	Location *time.Location
	Reporter AccessReporter
	Logger   logx.Logger
	Bus      eventbus.Bus
	Now      func() time.Time
}

type Service struct {
	store    storage.Store
	primer   Primer
	reporter AccessReporter
	loc      *time.Location
	log      logx.Logger
	bus      eventbus.Bus
	now      func() time.Time

	mu     sync.RWMutex
	owners map[int64]struct{}
}

func New(store storage.Store, primer Primer, opts Options) *Service {
	if opts.Logger.IsZero() {
		opts.Logger = logx.Nop()
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Service{
		store:    store,
		primer:   primer,
		reporter: opts.Reporter,
		loc:      opts.Location,
		log:      opts.Logger,
		bus:      opts.Bus,
		now:      opts.Now,
	}
	s.SetOwners(opts.Owners)
	return s
}

// SetOwners replaces the configured owner ids. Owners are admins without a
// stored grant.
func (s *Service) SetOwners(ids []int64) {
	m := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if id != 0 {
			m[id] = struct{}{}
		}
	}
	s.mu.Lock()
	s.owners = m
	s.mu.Unlock()
}

// Owners returns the configured owner ids.
func (s *Service) Owners() []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]int64, 0, len(s.owners))
	for id := range s.owners {
		out = append(out, id)
	}
	return out
}

func (s *Service) isOwner(id int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.owners[id]
	return ok
}

func (s *Service) publish(typ string, data any) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: data})
	}
}

// CreateRequest describes a new schedule.
type CreateRequest struct {
	ChatID    int64
	ThreadID  int
	Kind      schedule.Kind
	Params    schedule.Params
	Payload   schedule.Payload
	CreatedBy int64
}

// CreateSchedule stores a new enabled schedule and resolves its first
// occurrence. A calendar outage is not an error: the schedule is kept with
// a zero NextFireAt and the scheduler resolves it later. A rule with no
// future occurrence is rejected and nothing is kept.
func (s *Service) CreateSchedule(ctx context.Context, req CreateRequest) (schedule.Schedule, error) {
	now := s.now()
	sc := schedule.Schedule{
		ID:        schedule.NewID(),
		ChatID:    req.ChatID,
		ThreadID:  req.ThreadID,
		Kind:      req.Kind,
		Params:    req.Params,
		Payload:   req.Payload,
		Enabled:   true,
		CreatedBy: req.CreatedBy,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := sc.Validate(); err != nil {
		return schedule.Schedule{}, err
	}
	if err := s.store.Save(ctx, sc); err != nil {
		return schedule.Schedule{}, fmt.Errorf("save schedule: %w", err)
	}

	primed, err := s.primer.Prime(ctx, sc.ID)
	switch {
	case errors.Is(err, calendar.ErrCalendarUnavailable):
		s.log.Warn("schedule created unresolved", logx.String("schedule", sc.ID), logx.Err(err))
		primed = sc
	case err != nil:
		return sc, fmt.Errorf("resolve first occurrence: %w", err)
	case !primed.Enabled:
		_ = s.store.Delete(ctx, sc.ID)
		return schedule.Schedule{}, fmt.Errorf("%w: %s", schedule.ErrInvalid, primed.DisabledReason)
	}

	s.publish(eventbus.TypeScheduleCreated, primed)
	s.log.Info("schedule created",
		logx.String("schedule", primed.ID),
		logx.Int64("chat", primed.ChatID),
		logx.String("rule", schedule.Describe(primed.Kind, primed.Params)),
		logx.Time("next", primed.NextFireAt),
	)
	return primed, nil
}

// CreateFromRule parses a human rule such as "daily 09:00" and creates the
// schedule in the configured zone.
func (s *Service) CreateFromRule(ctx context.Context, chatID int64, threadID int, rule string, payload schedule.Payload, by int64) (schedule.Schedule, error) {
	r, err := calendar.ParseRule(rule, s.loc)
	if err != nil {
		return schedule.Schedule{}, err
	}
	return s.CreateSchedule(ctx, CreateRequest{
		ChatID: chatID, ThreadID: threadID, Kind: r.Kind, Params: r.Params, Payload: payload, CreatedBy: by,
	})
}

// ListSchedules returns the schedules of one chat, or all of them when
// chatID is 0.
func (s *Service) ListSchedules(ctx context.Context, chatID int64) ([]schedule.Schedule, error) {
	if chatID == 0 {
		return s.store.Load(ctx)
	}
	return s.store.ListByChat(ctx, chatID)
}

// SetEnabled toggles a schedule. Re-enabling keeps the pending occurrence,
// so one that passed while disabled fires once on the next tick.
func (s *Service) SetEnabled(ctx context.Context, id string, enabled bool) (schedule.Schedule, error) {
	now := s.now()
	sc, err := s.store.Update(ctx, strings.TrimSpace(id), func(cur *schedule.Schedule) error {
		if enabled && cur.Kind == schedule.FixedTime && !cur.LastFiredAt.IsZero() {
			return ErrCompleted
		}
		cur.Enabled = enabled
		if enabled {
			cur.DisabledReason = ""
		} else {
			cur.DisabledReason = "disabled by admin"
		}
		cur.UpdatedAt = now
		return nil
	})
	if err != nil {
		return schedule.Schedule{}, err
	}
	if enabled && sc.NextFireAt.IsZero() {
		if primed, perr := s.primer.Prime(ctx, sc.ID); perr == nil {
			sc = primed
		} else {
			s.log.Warn("re-enabled schedule unresolved", logx.String("schedule", sc.ID), logx.Err(perr))
		}
	}
	s.log.Info("schedule toggled", logx.String("schedule", sc.ID), logx.Bool("enabled", sc.Enabled))
	return sc, nil
}

// DeleteSchedule removes a schedule. Unknown ids return storage.ErrNotFound.
func (s *Service) DeleteSchedule(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	sc, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	s.publish(eventbus.TypeScheduleDeleted, sc)
	s.log.Info("schedule deleted", logx.String("schedule", id), logx.Int64("chat", sc.ChatID))
	return nil
}
