package calendar

import (
	"context"
	"errors"
	"testing"
	"time"

	"legendalf/internal/schedule"
)

var msk = time.FixedZone("MSK", 3*60*60)

func at(y int, m time.Month, d, h, min int) time.Time {
	return time.Date(y, m, d, h, min, 0, 0, msk)
}

func TestResolveDeterministicKinds(t *testing.T) {
	t.Parallel()
	r := NewResolver(msk, nil)

	tests := []struct {
		name   string
		kind   schedule.Kind
		params schedule.Params
		after  time.Time
		want   time.Time
	}{
		{"daily later today", schedule.DailyAt, schedule.Params{Hour: 9}, at(2024, 1, 1, 8, 0), at(2024, 1, 1, 9, 0)},
		{"daily crosses midnight", schedule.DailyAt, schedule.Params{Hour: 9}, at(2024, 1, 1, 10, 0), at(2024, 1, 2, 9, 0)},
		{"daily exact instant is not after", schedule.DailyAt, schedule.Params{Hour: 9}, at(2024, 1, 2, 9, 0), at(2024, 1, 3, 9, 0)},
		{"daily year end", schedule.DailyAt, schedule.Params{Hour: 0, Minute: 5}, at(2023, 12, 31, 23, 0), at(2024, 1, 1, 0, 5)},
		{"weekly same week", schedule.WeeklyOn, schedule.Params{Weekday: time.Friday, Hour: 9}, at(2024, 1, 1, 10, 0), at(2024, 1, 5, 9, 0)},
		{"weekly wraps", schedule.WeeklyOn, schedule.Params{Weekday: time.Monday, Hour: 9}, at(2024, 1, 8, 9, 0), at(2024, 1, 15, 9, 0)},
		{"weekly sunday to monday", schedule.WeeklyOn, schedule.Params{Weekday: time.Monday, Hour: 9}, at(2024, 1, 7, 22, 0), at(2024, 1, 8, 9, 0)},
		{"monthly 31 leap february", schedule.MonthlyOn, schedule.Params{Day: 31, Hour: 9}, at(2024, 1, 31, 10, 0), at(2024, 2, 29, 9, 0)},
		{"monthly 31 non-leap february", schedule.MonthlyOn, schedule.Params{Day: 31, Hour: 9}, at(2023, 1, 31, 10, 0), at(2023, 2, 28, 9, 0)},
		{"monthly 31 after clamp", schedule.MonthlyOn, schedule.Params{Day: 31, Hour: 9}, at(2024, 2, 29, 9, 0), at(2024, 3, 31, 9, 0)},
		{"monthly 30 in april", schedule.MonthlyOn, schedule.Params{Day: 31, Hour: 9}, at(2024, 4, 1, 0, 0), at(2024, 4, 30, 9, 0)},
		{"monthly 1 year wrap", schedule.MonthlyOn, schedule.Params{Day: 1, Hour: 9}, at(2024, 12, 1, 9, 30), at(2025, 1, 1, 9, 0)},
		{"yearly this year", schedule.YearlyOn, schedule.Params{Month: time.December, Day: 31, Hour: 23, Minute: 59}, at(2024, 6, 1, 0, 0), at(2024, 12, 31, 23, 59)},
		{"yearly feb 29 leap", schedule.YearlyOn, schedule.Params{Month: time.February, Day: 29, Hour: 9}, at(2024, 1, 1, 0, 0), at(2024, 2, 29, 9, 0)},
		{"yearly feb 29 clamps", schedule.YearlyOn, schedule.Params{Month: time.February, Day: 29, Hour: 9}, at(2024, 3, 1, 0, 0), at(2025, 2, 28, 9, 0)},
		{"custom weekdays", schedule.Custom, schedule.Params{Cron: "0 9 * * 1-5"}, at(2024, 1, 5, 10, 0), at(2024, 1, 8, 9, 0)},
		{"custom descriptor", schedule.Custom, schedule.Params{Cron: "@daily"}, at(2024, 1, 5, 10, 0), at(2024, 1, 6, 0, 0)},
		{"fixed in future", schedule.FixedTime, schedule.Params{At: at(2024, 5, 1, 10, 0)}, at(2024, 4, 30, 0, 0), at(2024, 5, 1, 10, 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := r.ResolveNext(context.Background(), tt.kind, tt.params, tt.after)
			if err != nil {
				t.Fatalf("ResolveNext: %v", err)
			}
			if !got.Equal(tt.want) {
				t.Fatalf("ResolveNext = %s, want %s", got, tt.want)
			}
			if !got.After(tt.after) {
				t.Fatalf("result %s is not after %s", got, tt.after)
			}
		})
	}
}

func TestResolveDailyEndToEnd(t *testing.T) {
	t.Parallel()
	r := NewResolver(msk, nil)
	s := schedule.Schedule{Kind: schedule.DailyAt, Params: schedule.Params{Hour: 9}}

	first, err := r.Resolve(context.Background(), s, at(2024, 1, 1, 10, 0))
	if err != nil || !first.At.Equal(at(2024, 1, 2, 9, 0)) {
		t.Fatalf("first = %v, %v", first.At, err)
	}
	second, err := r.Resolve(context.Background(), s, first.At)
	if err != nil || !second.At.Equal(at(2024, 1, 3, 9, 0)) {
		t.Fatalf("second = %v, %v", second.At, err)
	}
}

func TestResolveUsesConfiguredZone(t *testing.T) {
	t.Parallel()
	r := NewResolver(msk, nil)
	// 06:30 UTC is 09:30 in MSK, so 09:00 MSK today has passed.
	after := time.Date(2024, 1, 1, 6, 30, 0, 0, time.UTC)
	got, err := r.ResolveNext(context.Background(), schedule.DailyAt, schedule.Params{Hour: 9}, after)
	if err != nil {
		t.Fatalf("ResolveNext: %v", err)
	}
	if want := at(2024, 1, 2, 9, 0); !got.Equal(want) || got.Location() != msk {
		t.Fatalf("got %s, want %s in MSK", got, want)
	}
}

func TestResolveFixedTimeExhausted(t *testing.T) {
	t.Parallel()
	r := NewResolver(msk, nil)
	_, err := r.ResolveNext(context.Background(), schedule.FixedTime, schedule.Params{At: at(2024, 5, 1, 10, 0)}, at(2024, 5, 1, 10, 0))
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("err = %v, want ErrExhausted", err)
	}
}

func TestResolveRejectsInvalidRule(t *testing.T) {
	t.Parallel()
	r := NewResolver(msk, nil)
	for _, expr := range []string{"not a cron", "CRON_TZ=America/New_York 0 9 * * *", " tz=UTC 0 9 * * *"} {
		_, err := r.ResolveNext(context.Background(), schedule.Custom, schedule.Params{Cron: expr}, at(2024, 1, 1, 0, 0))
		if !errors.Is(err, schedule.ErrInvalid) {
			t.Fatalf("%q: err = %v, want ErrInvalid", expr, err)
		}
	}
}

type fakeHolidays struct {
	byDate map[string]string
	err    error
	calls  int
}

func (f *fakeHolidays) NextHoliday(_ context.Context, after time.Time) (Holiday, error) {
	f.calls++
	if f.err != nil {
		return Holiday{}, f.err
	}
	for d := after; d.Before(after.AddDate(1, 0, 0)); d = d.AddDate(0, 0, 1) {
		if name, ok := f.byDate[d.Format("2006-01-02")]; ok {
			return Holiday{Date: d, Name: name}, nil
		}
	}
	return Holiday{}, errors.New("none within a year")
}

func TestResolveNextHoliday(t *testing.T) {
	t.Parallel()
	src := &fakeHolidays{byDate: map[string]string{
		"2024-01-07": "Рождество",
		"2024-01-13": "Старый Новый год",
	}}
	r := NewResolver(msk, src)
	s := schedule.Schedule{Kind: schedule.NextHoliday, Params: schedule.Params{Hour: 10}}

	occ, err := r.Resolve(context.Background(), s, at(2024, 1, 7, 9, 0))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !occ.At.Equal(at(2024, 1, 7, 10, 0)) || occ.Label != "Рождество" {
		t.Fatalf("occ = %+v", occ)
	}

	occ, err = r.Resolve(context.Background(), s, occ.At)
	if err != nil {
		t.Fatalf("Resolve after fire: %v", err)
	}
	if !occ.At.Equal(at(2024, 1, 13, 10, 0)) || occ.Label != "Старый Новый год" {
		t.Fatalf("occ after fire = %+v", occ)
	}
}

func TestResolveNextHolidayUnavailable(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		src  HolidaySource
	}{
		{"source error", &fakeHolidays{err: errors.New("dial tcp: timeout")}},
		{"no source", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := NewResolver(msk, tt.src)
			_, err := r.ResolveNext(context.Background(), schedule.NextHoliday, schedule.Params{Hour: 10}, at(2024, 1, 1, 0, 0))
			if !errors.Is(err, ErrCalendarUnavailable) {
				t.Fatalf("err = %v, want ErrCalendarUnavailable", err)
			}
		})
	}
}

type stuckHolidays struct{ date time.Time }

func (s stuckHolidays) NextHoliday(context.Context, time.Time) (Holiday, error) {
	return Holiday{Date: s.date, Name: "stale"}, nil
}

func TestResolveNextHolidayBoundedLookups(t *testing.T) {
	t.Parallel()
	r := NewResolver(msk, stuckHolidays{date: at(2024, 1, 1, 0, 0)})
	_, err := r.ResolveNext(context.Background(), schedule.NextHoliday, schedule.Params{Hour: 10}, at(2024, 1, 5, 0, 0))
	if !errors.Is(err, ErrCalendarUnavailable) {
		t.Fatalf("err = %v, want ErrCalendarUnavailable", err)
	}
}
