// Package schedule defines the persisted recurrence record shared by the
// store, the calendar resolver, the scheduler loop and the dispatcher.
package schedule

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	FixedTime   Kind = "fixed_time"
	DailyAt     Kind = "daily_at"
	WeeklyOn    Kind = "weekly_on"
	MonthlyOn   Kind = "monthly_on"
	YearlyOn    Kind = "yearly_on"
	NextHoliday Kind = "next_holiday"
	Custom      Kind = "custom"
)

func (k Kind) Valid() bool {
	switch k {
	case FixedTime, DailyAt, WeeklyOn, MonthlyOn, YearlyOn, NextHoliday, Custom:
		return true
	}
	return false
}

// Params holds kind-specific recurrence parameters. Unused fields stay zero.
type Params struct {
	Hour    int          `json:"hour,omitempty"`
	Minute  int          `json:"minute,omitempty"`
	Weekday time.Weekday `json:"weekday,omitempty"`
	Day     int          `json:"day,omitempty"`   // monthly_on, yearly_on
	Month   time.Month   `json:"month,omitempty"` // yearly_on
	At      time.Time    `json:"at,omitempty"`    // fixed_time
	Cron    string       `json:"cron,omitempty"`  // custom
}

type PayloadType string

const (
	PayloadText     PayloadType = "text"
	PayloadQuote    PayloadType = "quote"
	PayloadHolidays PayloadType = "holidays"
	PayloadFilms    PayloadType = "films"
	PayloadFilmsDay PayloadType = "films_day"
)

func (p PayloadType) Valid() bool {
	switch p {
	case PayloadText, PayloadQuote, PayloadHolidays, PayloadFilms, PayloadFilmsDay:
		return true
	}
	return false
}

// Payload describes what a fired schedule delivers.
type Payload struct {
	Type      PayloadType `json:"type"`
	Text      string      `json:"text,omitempty"`
	ParseMode string      `json:"parse_mode,omitempty"`
}

// Schedule is one persisted recurrence rule plus its next-fire instant.
//
// NextFireAt is zero when the first occurrence could not be resolved yet.
// LastFiredAt is zero until the schedule fires; it holds the occurrence
// instant that was delivered, not the wall time of delivery.
type Schedule struct {
	ID       string `json:"id"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`

	Kind    Kind    `json:"kind"`
	Params  Params  `json:"params"`
	Payload Payload `json:"payload"`

	NextFireAt  time.Time `json:"next_fire_at"`
	NextLabel   string    `json:"next_label,omitempty"`
	LastFiredAt time.Time `json:"last_fired_at"`

	Enabled        bool   `json:"enabled"`
	DisabledReason string `json:"disabled_reason,omitempty"`

	CreatedBy int64     `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Due reports whether s should fire at now.
func (s Schedule) Due(now time.Time) bool {
	return s.Enabled && !s.NextFireAt.IsZero() && !s.NextFireAt.After(now)
}

// NewID returns a random schedule id.
func NewID() string { return uuid.NewString() }

var legacyNamespace = uuid.MustParse("6f1c6f5e-2b7a-4f44-9d1e-6c0b7d2a9e31")

// LegacyID derives a deterministic id for a migrated (chat, kind) entry so a
// repeated import maps onto the same record.
func LegacyID(chatID int64, kind string) string {
	return uuid.NewSHA1(legacyNamespace, []byte("legacy:"+strconv.FormatInt(chatID, 10)+":"+kind)).String()
}

var ErrInvalid = errors.New("invalid schedule")

// Validate checks structural constraints. It does not resolve the rule.
func (s Schedule) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("%w: empty id", ErrInvalid)
	}
	if s.ChatID == 0 {
		return fmt.Errorf("%w: chat id is required", ErrInvalid)
	}
	if !s.Payload.Type.Valid() {
		return fmt.Errorf("%w: unknown payload type %q", ErrInvalid, s.Payload.Type)
	}
	if s.Payload.Type == PayloadText && strings.TrimSpace(s.Payload.Text) == "" && s.Kind != NextHoliday {
		return fmt.Errorf("%w: text payload is empty", ErrInvalid)
	}
	return ValidateRule(s.Kind, s.Params)
}

// ValidateRule checks the parameters a kind relies on.
func ValidateRule(kind Kind, p Params) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalid, kind)
	}
	checkClock := func() error {
		if p.Hour < 0 || p.Hour > 23 || p.Minute < 0 || p.Minute > 59 {
			return fmt.Errorf("%w: time %02d:%02d out of range", ErrInvalid, p.Hour, p.Minute)
		}
		return nil
	}
	switch kind {
	case FixedTime:
		if p.At.IsZero() {
			return fmt.Errorf("%w: fixed_time needs an instant", ErrInvalid)
		}
		return nil
	case Custom:
		if strings.TrimSpace(p.Cron) == "" {
			return fmt.Errorf("%w: custom needs a cron expression", ErrInvalid)
		}
		return nil
	case WeeklyOn:
		if p.Weekday < time.Sunday || p.Weekday > time.Saturday {
			return fmt.Errorf("%w: weekday %d out of range", ErrInvalid, p.Weekday)
		}
	case MonthlyOn:
		if p.Day < 1 || p.Day > 31 {
			return fmt.Errorf("%w: day %d out of range", ErrInvalid, p.Day)
		}
	case YearlyOn:
		if p.Month < time.January || p.Month > time.December {
			return fmt.Errorf("%w: month %d out of range", ErrInvalid, p.Month)
		}
		if p.Day < 1 || p.Day > daysIn(p.Month, 2024) {
			return fmt.Errorf("%w: day %d out of range for %s", ErrInvalid, p.Day, p.Month)
		}
	}
	return checkClock()
}

// daysIn returns the number of days in month m of year y.
func daysIn(m time.Month, y int) int {
	return time.Date(y, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// Describe renders the rule for humans, e.g. "daily 09:00".
func Describe(kind Kind, p Params) string {
	hm := fmt.Sprintf("%02d:%02d", p.Hour, p.Minute)
	switch kind {
	case FixedTime:
		return "once " + p.At.Format("2006-01-02 15:04")
	case DailyAt:
		return "daily " + hm
	case WeeklyOn:
		return "weekly " + strings.ToLower(p.Weekday.String()[:3]) + " " + hm
	case MonthlyOn:
		return fmt.Sprintf("monthly %d %s", p.Day, hm)
	case YearlyOn:
		return fmt.Sprintf("yearly %02d-%02d %s", int(p.Month), p.Day, hm)
	case NextHoliday:
		return "holiday " + hm
	case Custom:
		return "cron " + p.Cron
	}
	return string(kind)
}
