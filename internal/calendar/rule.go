package calendar

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"legendalf/internal/schedule"
)

// Rule is a parsed human recurrence rule.
type Rule struct {
	Kind   schedule.Kind
	Params schedule.Params
}

var (
	reClock = regexp.MustCompile(`^(\d{1,2})[:.](\d{2})$`)
	reMMDD  = regexp.MustCompile(`^(\d{1,2})-(\d{1,2})$`)
)

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday, "вс": time.Sunday,
	"mon": time.Monday, "monday": time.Monday, "пн": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday, "вт": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday, "ср": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday, "чт": time.Thursday,
	"fri": time.Friday, "friday": time.Friday, "пт": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday, "сб": time.Saturday,
}

// ParseClock parses "HH:MM" or "HH.MM".
func ParseClock(s string) (hour, minute int, err error) {
	m := reClock.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, 0, fmt.Errorf("%w: invalid time %q (use HH:MM)", schedule.ErrInvalid, s)
	}
	hour, _ = strconv.Atoi(m[1])
	minute, _ = strconv.Atoi(m[2])
	if hour > 23 || minute > 59 {
		return 0, 0, fmt.Errorf("%w: time %q out of range", schedule.ErrInvalid, s)
	}
	return hour, minute, nil
}

// ParseRule parses a rule such as:
//
//	daily 09:00
//	weekly mon 09:00
//	monthly 31 09:00
//	yearly 12-31 23:59
//	holiday 10:00
//	once 2024-05-01 10:00
//	cron 0 9 * * 1-5
//
// The "once" date is interpreted as wall-clock time in loc.
func ParseRule(text string, loc *time.Location) (Rule, error) {
	if loc == nil {
		loc = time.UTC
	}
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 {
		return Rule{}, fmt.Errorf("%w: rule required", schedule.ErrInvalid)
	}
	head, args := strings.ToLower(fields[0]), fields[1:]
	need := func(n int) error {
		if len(args) != n {
			return fmt.Errorf("%w: %q expects %d argument(s), got %d", schedule.ErrInvalid, head, n, len(args))
		}
		return nil
	}

	var r Rule
	switch head {
	case "daily":
		if err := need(1); err != nil {
			return Rule{}, err
		}
		h, m, err := ParseClock(args[0])
		if err != nil {
			return Rule{}, err
		}
		r = Rule{Kind: schedule.DailyAt, Params: schedule.Params{Hour: h, Minute: m}}
	case "weekly":
		if err := need(2); err != nil {
			return Rule{}, err
		}
		wd, ok := weekdays[strings.ToLower(args[0])]
		if !ok {
			return Rule{}, fmt.Errorf("%w: unknown weekday %q", schedule.ErrInvalid, args[0])
		}
		h, m, err := ParseClock(args[1])
		if err != nil {
			return Rule{}, err
		}
		r = Rule{Kind: schedule.WeeklyOn, Params: schedule.Params{Weekday: wd, Hour: h, Minute: m}}
	case "monthly":
		if err := need(2); err != nil {
			return Rule{}, err
		}
		day, err := strconv.Atoi(args[0])
		if err != nil {
			return Rule{}, fmt.Errorf("%w: invalid day %q", schedule.ErrInvalid, args[0])
		}
		h, m, err := ParseClock(args[1])
		if err != nil {
			return Rule{}, err
		}
		r = Rule{Kind: schedule.MonthlyOn, Params: schedule.Params{Day: day, Hour: h, Minute: m}}
	case "yearly":
		if err := need(2); err != nil {
			return Rule{}, err
		}
		md := reMMDD.FindStringSubmatch(args[0])
		if md == nil {
			return Rule{}, fmt.Errorf("%w: invalid date %q (use MM-DD)", schedule.ErrInvalid, args[0])
		}
		month, _ := strconv.Atoi(md[1])
		day, _ := strconv.Atoi(md[2])
		h, m, err := ParseClock(args[1])
		if err != nil {
			return Rule{}, err
		}
		r = Rule{Kind: schedule.YearlyOn, Params: schedule.Params{Month: time.Month(month), Day: day, Hour: h, Minute: m}}
	case "holiday":
		if err := need(1); err != nil {
			return Rule{}, err
		}
		h, m, err := ParseClock(args[0])
		if err != nil {
			return Rule{}, err
		}
		r = Rule{Kind: schedule.NextHoliday, Params: schedule.Params{Hour: h, Minute: m}}
	case "once":
		if err := need(2); err != nil {
			return Rule{}, err
		}
		at, err := time.ParseInLocation("2006-01-02 15:04", args[0]+" "+strings.ReplaceAll(args[1], ".", ":"), loc)
		if err != nil {
			return Rule{}, fmt.Errorf("%w: invalid instant %q: %v", schedule.ErrInvalid, strings.Join(args, " "), err)
		}
		r = Rule{Kind: schedule.FixedTime, Params: schedule.Params{At: at}}
	case "cron":
		expr := strings.Join(args, " ")
		if _, err := parseCron(newCronParser(), expr); err != nil {
			return Rule{}, err
		}
		r = Rule{Kind: schedule.Custom, Params: schedule.Params{Cron: expr}}
	default:
		return Rule{}, fmt.Errorf("%w: unknown rule %q (use daily, weekly, monthly, yearly, holiday, once or cron)", schedule.ErrInvalid, fields[0])
	}
	if err := schedule.ValidateRule(r.Kind, r.Params); err != nil {
		return Rule{}, err
	}
	return r, nil
}
