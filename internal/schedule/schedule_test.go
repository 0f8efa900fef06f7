package schedule

import (
	"errors"
	"testing"
	"time"
)

func TestLegacyIDDeterministic(t *testing.T) {
	t.Parallel()
	a := LegacyID(-100123, "holidays")
	b := LegacyID(-100123, "holidays")
	if a != b {
		t.Fatalf("LegacyID not stable: %s vs %s", a, b)
	}
	if a == LegacyID(-100123, "films") || a == LegacyID(-100124, "holidays") {
		t.Fatal("LegacyID collides across distinct entries")
	}
	if NewID() == NewID() {
		t.Fatal("NewID returned duplicates")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	base := Schedule{ID: "x", ChatID: 1, Kind: DailyAt, Params: Params{Hour: 9}, Payload: Payload{Type: PayloadQuote}}

	tests := []struct {
		name   string
		mutate func(*Schedule)
		ok     bool
	}{
		{"valid daily", func(*Schedule) {}, true},
		{"missing chat", func(s *Schedule) { s.ChatID = 0 }, false},
		{"bad hour", func(s *Schedule) { s.Params.Hour = 24 }, false},
		{"unknown kind", func(s *Schedule) { s.Kind = "hourly" }, false},
		{"empty text", func(s *Schedule) { s.Payload = Payload{Type: PayloadText} }, false},
		{"monthly 31", func(s *Schedule) { s.Kind, s.Params.Day = MonthlyOn, 31 }, true},
		{"monthly 32", func(s *Schedule) { s.Kind, s.Params.Day = MonthlyOn, 32 }, false},
		{"yearly feb 29", func(s *Schedule) { s.Kind, s.Params.Month, s.Params.Day = YearlyOn, time.February, 29 }, true},
		{"yearly feb 30", func(s *Schedule) { s.Kind, s.Params.Month, s.Params.Day = YearlyOn, time.February, 30 }, false},
		{"fixed without at", func(s *Schedule) { s.Kind = FixedTime }, false},
		{"custom without cron", func(s *Schedule) { s.Kind = Custom }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := base
			tt.mutate(&s)
			err := s.Validate()
			if tt.ok && err != nil {
				t.Fatalf("Validate: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalid) {
				t.Fatalf("Validate err = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestDue(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)
	s := Schedule{Enabled: true, NextFireAt: now}
	if !s.Due(now) {
		t.Fatal("schedule at now should be due")
	}
	s.NextFireAt = now.Add(time.Second)
	if s.Due(now) {
		t.Fatal("future schedule should not be due")
	}
	s.NextFireAt = time.Time{}
	if s.Due(now) {
		t.Fatal("unresolved schedule should not be due")
	}
	s.NextFireAt, s.Enabled = now, false
	if s.Due(now) {
		t.Fatal("disabled schedule should not be due")
	}
}

func TestDescribe(t *testing.T) {
	t.Parallel()
	tests := []struct {
		kind Kind
		p    Params
		want string
	}{
		{DailyAt, Params{Hour: 9}, "daily 09:00"},
		{WeeklyOn, Params{Weekday: time.Monday, Hour: 9, Minute: 30}, "weekly mon 09:30"},
		{MonthlyOn, Params{Day: 31, Hour: 8}, "monthly 31 08:00"},
		{YearlyOn, Params{Month: time.December, Day: 31, Hour: 23, Minute: 59}, "yearly 12-31 23:59"},
		{Custom, Params{Cron: "0 9 * * 1-5"}, "cron 0 9 * * 1-5"},
	}
	for _, tt := range tests {
		if got := Describe(tt.kind, tt.p); got != tt.want {
			t.Fatalf("Describe(%s) = %q, want %q", tt.kind, got, tt.want)
		}
	}
}
