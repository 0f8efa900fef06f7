// Package holidays provides the holiday calendar: which observances fall on
// a date, and the first date on or after a given one that has any.
package holidays

import (
	"context"
	"errors"
	"time"

	"legendalf/internal/calendar"
)

// ErrNoHolidays means the source has nothing for the requested date.
var ErrNoHolidays = errors.New("no holidays for date")

type Item struct {
	Title string
	URL   string
}

// Daily is the digest for one civil date.
type Daily struct {
	Date     time.Time
	Headline string
	Items    []Item
	Names    []string // name-day titles
	ImageURL string
}

// Source is what the dispatcher and the calendar resolver need.
type Source interface {
	calendar.HolidaySource
	Daily(ctx context.Context, date time.Time) (Daily, error)
}

// searchDays bounds how far NextHoliday scans forward.
const searchDays = 7

// nextFromDaily scans forward from the civil date of after using daily.
// Fetch failures wrap calendar.ErrCalendarUnavailable; empty days are skipped.
func nextFromDaily(ctx context.Context, after time.Time, days int, daily func(context.Context, time.Time) (Daily, error)) (calendar.Holiday, error) {
	start := time.Date(after.Year(), after.Month(), after.Day(), 0, 0, 0, 0, after.Location())
	for i := 0; i < days; i++ {
		date := start.AddDate(0, 0, i)
		d, err := daily(ctx, date)
		if errors.Is(err, ErrNoHolidays) {
			continue
		}
		if err != nil {
			if errors.Is(err, calendar.ErrCalendarUnavailable) {
				return calendar.Holiday{}, err
			}
			return calendar.Holiday{}, errors.Join(calendar.ErrCalendarUnavailable, err)
		}
		if len(d.Items) == 0 {
			continue
		}
		return calendar.Holiday{Date: date, Name: d.Items[0].Title}, nil
	}
	return calendar.Holiday{}, errors.Join(calendar.ErrCalendarUnavailable, ErrNoHolidays)
}

var monthsGenitive = [...]string{
	"января", "февраля", "марта", "апреля", "мая", "июня",
	"июля", "августа", "сентября", "октября", "ноября", "декабря",
}

// MonthGenitive returns the Russian month name as used after a day number.
func MonthGenitive(m time.Month) string {
	if m < time.January || m > time.December {
		return ""
	}
	return monthsGenitive[m-1]
}
