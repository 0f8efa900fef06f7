package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"legendalf/internal/calendar"
	"legendalf/internal/films"
	"legendalf/internal/holidays"
	"legendalf/internal/schedule"
	"legendalf/internal/transport"
)

type fakeSender struct {
	mu    sync.Mutex
	sent  []transport.Payload
	errFn func(n int, p transport.Payload) error
	calls int
}

func (f *fakeSender) Send(_ context.Context, _ transport.ChatTarget, p transport.Payload) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.errFn != nil {
		if err := f.errFn(f.calls, p); err != nil {
			return transport.MessageRef{}, err
		}
	}
	f.sent = append(f.sent, p)
	return transport.MessageRef{MessageID: f.calls}, nil
}

type fakeHolidays struct {
	daily holidays.Daily
	err   error
}

func (f fakeHolidays) NextHoliday(context.Context, time.Time) (calendar.Holiday, error) {
	if f.err != nil {
		return calendar.Holiday{}, f.err
	}
	return calendar.Holiday{Date: f.daily.Date, Name: f.daily.Items[0].Title}, nil
}

func (f fakeHolidays) Daily(context.Context, time.Time) (holidays.Daily, error) {
	return f.daily, f.err
}

type fakeFilms struct {
	list []films.Film
	err  error
	got  films.Period
}

func (f *fakeFilms) FilmsFor(_ context.Context, p films.Period) ([]films.Film, error) {
	f.got = p
	return f.list, f.err
}

type fakeContent struct{ p transport.Payload }

func (f fakeContent) DailyBase() (transport.Payload, error) { return f.p, nil }

var msk = time.FixedZone("MSK", 3*3600)

func sched(kind schedule.Kind, pt schedule.PayloadType) schedule.Schedule {
	return schedule.Schedule{
		ID:         "s1",
		ChatID:     42,
		Kind:       kind,
		Params:     schedule.Params{Hour: 9},
		Payload:    schedule.Payload{Type: pt, Text: "привет"},
		NextFireAt: time.Date(2024, 1, 7, 9, 0, 0, 0, msk),
		Enabled:    true,
	}
}

func newDispatcher(s transport.Sender, opts Options) *Dispatcher {
	opts.Location = msk
	opts.RatePerSec = 1000
	return New(s, opts)
}

func TestDispatchText(t *testing.T) {
	t.Parallel()
	fs := &fakeSender{}
	d := newDispatcher(fs, Options{})
	if err := d.Dispatch(context.Background(), sched(schedule.DailyAt, schedule.PayloadText)); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(fs.sent) != 1 || fs.sent[0].Text != "привет" {
		t.Fatalf("sent = %+v", fs.sent)
	}
}

func TestDispatchNextHolidayUsesLabel(t *testing.T) {
	t.Parallel()
	fs := &fakeSender{}
	d := newDispatcher(fs, Options{})
	s := sched(schedule.NextHoliday, schedule.PayloadText)
	s.NextLabel = "Рождество <Христово>"
	if err := d.Dispatch(context.Background(), s); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	want := "🎉 <b>7 января</b>: Рождество &lt;Христово&gt;\n\nпривет"
	if fs.sent[0].Text != want || fs.sent[0].ParseMode != "HTML" {
		t.Fatalf("text = %q", fs.sent[0].Text)
	}

	s.NextLabel = ""
	if err := d.Dispatch(context.Background(), s); IsPermanent(err) || !errors.Is(err, ErrSourceDisabled) {
		t.Fatalf("missing holiday source err = %v, want retryable source disabled", err)
	}
}

func TestDispatchMissingSourceIsRetryable(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		pt   schedule.PayloadType
	}{
		{"films", schedule.PayloadFilms},
		{"films day", schedule.PayloadFilmsDay},
		{"quote", schedule.PayloadQuote},
		{"holidays", schedule.PayloadHolidays},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fs := &fakeSender{}
			err := newDispatcher(fs, Options{}).Dispatch(context.Background(), sched(schedule.DailyAt, tt.pt))
			var de *Error
			if !errors.As(err, &de) || de.Class != Retryable || de.Reason != "source disabled" {
				t.Fatalf("err = %v, want retryable source disabled", err)
			}
			if !errors.Is(err, ErrSourceDisabled) {
				t.Fatalf("err = %v does not wrap ErrSourceDisabled", err)
			}
			if fs.calls != 0 {
				t.Fatalf("sends = %d, want 0", fs.calls)
			}
		})
	}
}

func TestDispatchHolidayDigest(t *testing.T) {
	t.Parallel()
	daily := holidays.Daily{
		Date:     time.Date(2024, 1, 7, 0, 0, 0, 0, msk),
		Items:    []holidays.Item{{Title: "Рождество"}},
		ImageURL: "https://img/x.jpg",
	}
	fs := &fakeSender{errFn: func(n int, p transport.Payload) error {
		if p.Media != nil {
			return transport.Retryable("wrong file identifier", errors.New("400"))
		}
		return nil
	}}
	d := newDispatcher(fs, Options{Holidays: fakeHolidays{daily: daily}})
	if err := d.Dispatch(context.Background(), sched(schedule.DailyAt, schedule.PayloadHolidays)); err != nil {
		t.Fatalf("photo failure should be best-effort: %v", err)
	}
	if len(fs.sent) != 1 || !strings.Contains(fs.sent[0].Text, "• Рождество") {
		t.Fatalf("sent = %+v", fs.sent)
	}

	empty := &fakeSender{}
	d = newDispatcher(empty, Options{Holidays: fakeHolidays{err: holidays.ErrNoHolidays}})
	if err := d.Dispatch(context.Background(), sched(schedule.DailyAt, schedule.PayloadHolidays)); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if empty.sent[0].Text != noHolidaysText {
		t.Fatalf("fallback = %q", empty.sent[0].Text)
	}

	d = newDispatcher(&fakeSender{}, Options{Holidays: fakeHolidays{err: calendar.ErrCalendarUnavailable}})
	err := d.Dispatch(context.Background(), sched(schedule.DailyAt, schedule.PayloadHolidays))
	var de *Error
	if !errors.As(err, &de) || de.Class != Retryable || !errors.Is(err, calendar.ErrCalendarUnavailable) {
		t.Fatalf("unavailable err = %v", err)
	}
}

func TestDispatchFilms(t *testing.T) {
	t.Parallel()
	src := &fakeFilms{list: []films.Film{
		{Title: "A", URL: "u1", PosterURL: "https://p/1.jpg"},
		{Title: "B", URL: "u2"},
	}}
	fs := &fakeSender{errFn: func(n int, p transport.Payload) error {
		if p.Media != nil {
			return errors.New("poster gone")
		}
		return nil
	}}
	d := newDispatcher(fs, Options{Films: src})
	if err := d.Dispatch(context.Background(), sched(schedule.DailyAt, schedule.PayloadFilmsDay)); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if src.got != (films.Period{Year: 2024, Month: time.January, Day: 7}) {
		t.Fatalf("period = %+v", src.got)
	}
	if len(fs.sent) != 2 || fs.sent[0].Media != nil || !strings.Contains(fs.sent[0].Text, ">A</a>") {
		t.Fatalf("sent = %+v", fs.sent)
	}

	src.list = nil
	month := &fakeSender{}
	d = newDispatcher(month, Options{Films: src})
	if err := d.Dispatch(context.Background(), sched(schedule.MonthlyOn, schedule.PayloadFilms)); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if src.got.Day != 0 || month.sent[0].Text != noFilmsMonth {
		t.Fatalf("month = %+v, %+v", src.got, month.sent)
	}
}

func TestDispatchQuoteFallsBackToText(t *testing.T) {
	t.Parallel()
	p := transport.Payload{Text: "База дня: x", Media: &transport.Media{Kind: transport.MediaPhoto, Data: []byte("img")}}
	fs := &fakeSender{errFn: func(n int, p transport.Payload) error {
		if p.Media != nil {
			return errors.New("too big")
		}
		return nil
	}}
	d := newDispatcher(fs, Options{Content: fakeContent{p: p}})
	if err := d.Dispatch(context.Background(), sched(schedule.DailyAt, schedule.PayloadQuote)); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(fs.sent) != 1 || fs.sent[0].Media != nil || fs.sent[0].Text != "База дня: x" {
		t.Fatalf("sent = %+v", fs.sent)
	}
}

func TestDispatchClassifiesTransportErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		err       error
		class     Class
		wantCalls int
	}{
		{"blocked", transport.Permanent("bot was blocked", errors.New("403")), Permanent, 1},
		{"flood", &transport.DeliveryError{Retryable: true, Reason: "flood", RetryAfter: time.Millisecond}, Retryable, 3},
		{"network", errors.New("connection reset"), Retryable, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fs := &fakeSender{errFn: func(int, transport.Payload) error { return tt.err }}
			d := newDispatcher(fs, Options{Retries: 2})
			d.SetRetries(2)
			err := d.Dispatch(context.Background(), sched(schedule.DailyAt, schedule.PayloadText))
			var de *Error
			if !errors.As(err, &de) || de.Class != tt.class {
				t.Fatalf("err = %v, want class %s", err, tt.class)
			}
			if fs.calls != tt.wantCalls {
				t.Fatalf("calls = %d, want %d", fs.calls, tt.wantCalls)
			}
		})
	}
}

func TestClassifyTimeout(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()
	d := newDispatcher(&fakeSender{}, Options{})
	err := d.Dispatch(ctx, sched(schedule.DailyAt, schedule.PayloadText))
	if err == nil || IsPermanent(err) {
		t.Fatalf("expired context err = %v, want retryable", err)
	}
}
