// Package calendar computes the next fire instant of a schedule.
//
// Date arithmetic is deterministic and performed as civil wall-clock time in
// one configured zone. The only external call is HolidaySource, used by the
// next_holiday kind.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"legendalf/internal/schedule"
)

var (
	// ErrCalendarUnavailable means the holiday source could not answer. The
	// caller must retry later without advancing the schedule.
	ErrCalendarUnavailable = errors.New("calendar unavailable")
	// ErrExhausted means a one-shot rule has no occurrence after the reference instant.
	ErrExhausted = errors.New("no further occurrences")
)

// maxHolidayLookups bounds how many times one resolution may ask the source
// for the next holiday before giving up.
const maxHolidayLookups = 8

// Holiday is one civil date with at least one observance.
type Holiday struct {
	Date time.Time
	Name string
}

// HolidaySource returns the first holiday whose date is on or after the
// civil date of after.
type HolidaySource interface {
	NextHoliday(ctx context.Context, after time.Time) (Holiday, error)
}

// Occurrence is a resolved fire instant. Label carries resolver context such
// as the holiday name for next_holiday rules.
type Occurrence struct {
	At    time.Time
	Label string
}

type Resolver struct {
	loc      *time.Location
	holidays HolidaySource
	parser   cron.Parser
}

// NewResolver returns a resolver for zone loc. holidays may be nil, in which
// case next_holiday rules fail with ErrCalendarUnavailable.
func NewResolver(loc *time.Location, holidays HolidaySource) *Resolver {
	if loc == nil {
		loc = time.UTC
	}
	return &Resolver{
		loc:      loc,
		holidays: holidays,
		parser:   newCronParser(),
	}
}

func newCronParser() cron.Parser {
	return cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
}

// parseCron parses expr in the resolver's zone. A TZ= or CRON_TZ= prefix
// would pin the rule to another zone, so it is rejected.
func parseCron(p cron.Parser, expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	upper := strings.ToUpper(expr)
	if strings.HasPrefix(upper, "TZ=") || strings.HasPrefix(upper, "CRON_TZ=") {
		return nil, fmt.Errorf("%w: cron %q: time zone prefixes are not allowed", schedule.ErrInvalid, expr)
	}
	sched, err := p.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: cron %q: %v", schedule.ErrInvalid, expr, err)
	}
	return sched, nil
}

func (r *Resolver) Location() *time.Location { return r.loc }

// Resolve returns the first occurrence of s strictly after after.
func (r *Resolver) Resolve(ctx context.Context, s schedule.Schedule, after time.Time) (Occurrence, error) {
	return r.resolve(ctx, s.Kind, s.Params, after)
}

// ResolveNext is Resolve without the label.
func (r *Resolver) ResolveNext(ctx context.Context, kind schedule.Kind, p schedule.Params, after time.Time) (time.Time, error) {
	occ, err := r.resolve(ctx, kind, p, after)
	return occ.At, err
}

func (r *Resolver) resolve(ctx context.Context, kind schedule.Kind, p schedule.Params, after time.Time) (Occurrence, error) {
	if err := schedule.ValidateRule(kind, p); err != nil {
		return Occurrence{}, err
	}
	a := after.In(r.loc)
	switch kind {
	case schedule.FixedTime:
		at := p.At.In(r.loc)
		if !at.After(a) {
			return Occurrence{}, ErrExhausted
		}
		return Occurrence{At: at}, nil
	case schedule.DailyAt:
		return Occurrence{At: r.daily(a, p.Hour, p.Minute)}, nil
	case schedule.WeeklyOn:
		return Occurrence{At: r.weekly(a, p.Weekday, p.Hour, p.Minute)}, nil
	case schedule.MonthlyOn:
		return Occurrence{At: r.monthly(a, p.Day, p.Hour, p.Minute)}, nil
	case schedule.YearlyOn:
		return Occurrence{At: r.yearly(a, p.Month, p.Day, p.Hour, p.Minute)}, nil
	case schedule.Custom:
		return r.custom(a, p.Cron)
	case schedule.NextHoliday:
		return r.nextHoliday(ctx, a, p.Hour, p.Minute)
	}
	return Occurrence{}, fmt.Errorf("%w: unknown kind %q", schedule.ErrInvalid, kind)
}

func (r *Resolver) at(y int, m time.Month, d, h, min int) time.Time {
	return time.Date(y, m, d, h, min, 0, 0, r.loc)
}

func (r *Resolver) daily(a time.Time, h, m int) time.Time {
	t := r.at(a.Year(), a.Month(), a.Day(), h, m)
	if !t.After(a) {
		t = r.at(a.Year(), a.Month(), a.Day()+1, h, m)
	}
	return t
}

func (r *Resolver) weekly(a time.Time, wd time.Weekday, h, m int) time.Time {
	delta := (int(wd) - int(a.Weekday()) + 7) % 7
	t := r.at(a.Year(), a.Month(), a.Day()+delta, h, m)
	if !t.After(a) {
		t = r.at(a.Year(), a.Month(), a.Day()+delta+7, h, m)
	}
	return t
}

// monthly clamps day to the last day of each candidate month.
func (r *Resolver) monthly(a time.Time, day, h, m int) time.Time {
	for i := 0; ; i++ {
		first := time.Date(a.Year(), a.Month()+time.Month(i), 1, 0, 0, 0, 0, r.loc)
		d := min(day, daysIn(first.Year(), first.Month()))
		t := r.at(first.Year(), first.Month(), d, h, m)
		if t.After(a) {
			return t
		}
	}
}

// yearly maps Feb 29 to Feb 28 in non-leap years.
func (r *Resolver) yearly(a time.Time, month time.Month, day, h, m int) time.Time {
	for y := a.Year(); ; y++ {
		d := min(day, daysIn(y, month))
		t := r.at(y, month, d, h, m)
		if t.After(a) {
			return t
		}
	}
}

func (r *Resolver) custom(a time.Time, expr string) (Occurrence, error) {
	sched, err := parseCron(r.parser, expr)
	if err != nil {
		return Occurrence{}, err
	}
	next := sched.Next(a)
	if next.IsZero() {
		return Occurrence{}, ErrExhausted
	}
	return Occurrence{At: next.In(r.loc)}, nil
}

func (r *Resolver) nextHoliday(ctx context.Context, a time.Time, h, m int) (Occurrence, error) {
	if r.holidays == nil {
		return Occurrence{}, fmt.Errorf("%w: no holiday source configured", ErrCalendarUnavailable)
	}
	from := r.at(a.Year(), a.Month(), a.Day(), 0, 0)
	for i := 0; i < maxHolidayLookups; i++ {
		hol, err := r.holidays.NextHoliday(ctx, from)
		if err != nil {
			if errors.Is(err, ErrCalendarUnavailable) {
				return Occurrence{}, err
			}
			return Occurrence{}, fmt.Errorf("%w: %v", ErrCalendarUnavailable, err)
		}
		d := hol.Date.In(r.loc)
		t := r.at(d.Year(), d.Month(), d.Day(), h, m)
		if t.After(a) {
			return Occurrence{At: t, Label: hol.Name}, nil
		}
		next := r.at(d.Year(), d.Month(), d.Day()+1, 0, 0)
		if !next.After(from) {
			next = r.at(from.Year(), from.Month(), from.Day()+1, 0, 0)
		}
		from = next
	}
	return Occurrence{}, fmt.Errorf("%w: no holiday found after %d lookups", ErrCalendarUnavailable, maxHolidayLookups)
}

func daysIn(y int, m time.Month) int {
	return time.Date(y, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
