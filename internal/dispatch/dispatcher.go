// Package dispatch turns a fired schedule into transport deliveries.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"html"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"legendalf/internal/films"
	"legendalf/internal/holidays"
	"legendalf/internal/schedule"
	"legendalf/internal/transport"
	logx "legendalf/pkg/logx"
)

const (
	noHolidaysText = "Сегодня прошел праздничный день, чтобы просто радоваться жизни."
	noFilmsMonth   = "На этот месяц премьер не найдено."
	noFilmsDay     = "Фильмов сегодня нет, Гэндальф грустит 😢"
)

// Content supplies the "База дня" payload.
type Content interface {
	DailyBase() (transport.Payload, error)
}

type Options struct {
	Holidays   holidays.Source // nil disables holiday payloads
	Films      films.Source    // nil disables film payloads
	Content    Content
	Location   *time.Location
	RatePerSec float64
	Burst      int
	// Retries is the number of extra in-call attempts for retryable sends.
	Retries int
	Logger  logx.Logger
}

// Dispatcher composes payloads and delivers them through a Sender. It is
// safe for concurrent use; deliveries share one rate limiter.
type Dispatcher struct {
	sender   transport.Sender
	holidays holidays.Source
	films    films.Source
	content  Content
	loc      *time.Location
	limiter  *rate.Limiter
	log      logx.Logger

	mu      sync.Mutex
	retries int
}

func New(sender transport.Sender, opts Options) *Dispatcher {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	rps, burst := normRate(opts.RatePerSec, opts.Burst)
	return &Dispatcher{
		sender:   sender,
		holidays: opts.Holidays,
		films:    opts.Films,
		content:  opts.Content,
		loc:      opts.Location,
		limiter:  rate.NewLimiter(rps, burst),
		log:      opts.Logger.With(logx.String("comp", "dispatch")),
		retries:  max(opts.Retries, 0),
	}
}

func normRate(rps float64, burst int) (rate.Limit, int) {
	if rps <= 0 {
		rps = 20
	}
	if burst <= 0 {
		burst = max(int(rps), 1)
	}
	return rate.Limit(rps), burst
}

// SetRate applies a new delivery rate. Safe while dispatches are running.
func (d *Dispatcher) SetRate(rps float64, burst int) {
	l, b := normRate(rps, burst)
	d.limiter.SetLimit(l)
	d.limiter.SetBurst(b)
}

func (d *Dispatcher) SetRetries(n int) {
	d.mu.Lock()
	d.retries = max(n, 0)
	d.mu.Unlock()
}

// message is one delivery. Optional messages never fail the dispatch;
// Fallback replaces Payload when the first delivery fails.
type message struct {
	payload  transport.Payload
	fallback *transport.Payload
	optional bool
}

// Dispatch delivers s for its pending occurrence (s.NextFireAt). Failures
// are returned as *Error.
func (d *Dispatcher) Dispatch(ctx context.Context, s schedule.Schedule) error {
	msgs, err := d.compose(ctx, s)
	if err != nil {
		return Classify(err)
	}
	to := transport.ChatTarget{ChatID: s.ChatID, ThreadID: s.ThreadID}
	log := d.log.With(logx.String("schedule", s.ID), logx.Int64("chat_id", s.ChatID))

	for i, m := range msgs {
		err := d.send(ctx, to, m.payload)
		if err != nil && m.fallback != nil && ctx.Err() == nil {
			log.Debug("primary delivery failed, sending fallback", logx.Int("msg", i), logx.Err(err))
			err = d.send(ctx, to, *m.fallback)
		}
		if err == nil {
			continue
		}
		if m.optional && ctx.Err() == nil {
			log.Warn("optional delivery failed", logx.Int("msg", i), logx.Err(err))
			continue
		}
		return Classify(err)
	}
	log.Debug("dispatched", logx.String("payload", string(s.Payload.Type)), logx.Int("messages", len(msgs)))
	return nil
}

func (d *Dispatcher) send(ctx context.Context, to transport.ChatTarget, p transport.Payload) error {
	d.mu.Lock()
	retries := d.retries
	d.mu.Unlock()

	var last error
	for attempt := 0; attempt <= retries; attempt++ {
		if err := d.limiter.Wait(ctx); err != nil {
			return err
		}
		_, err := d.sender.Send(ctx, to, p)
		if err == nil {
			return nil
		}
		last = err
		ce := Classify(err)
		if ce.Class == Permanent || attempt == retries {
			break
		}
		delay := ce.RetryAfter
		if delay <= 0 {
			delay = time.Duration(200+100*attempt) * time.Millisecond
		}
		d.log.Debug("send retry scheduled", logx.Int64("chat_id", to.ChatID), logx.Int("attempt", attempt+2), logx.Duration("delay", delay), logx.Err(err))
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return last
}

// Preview composes the messages s would deliver without sending them.
func (d *Dispatcher) Preview(ctx context.Context, s schedule.Schedule) ([]transport.Payload, error) {
	msgs, err := d.compose(ctx, s)
	if err != nil {
		return nil, Classify(err)
	}
	out := make([]transport.Payload, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.payload)
	}
	return out, nil
}

func (d *Dispatcher) occurrence(s schedule.Schedule) time.Time {
	if s.NextFireAt.IsZero() {
		return time.Now().In(d.loc)
	}
	return s.NextFireAt.In(d.loc)
}

func (d *Dispatcher) compose(ctx context.Context, s schedule.Schedule) ([]message, error) {
	day := d.occurrence(s)
	if s.Kind == schedule.NextHoliday {
		return d.holidayNotice(ctx, s, day)
	}
	switch s.Payload.Type {
	case schedule.PayloadText:
		return []message{{payload: transport.Payload{Text: s.Payload.Text, ParseMode: s.Payload.ParseMode}}}, nil
	case schedule.PayloadQuote:
		if d.content == nil {
			return nil, sourceDisabled("content library")
		}
		p, err := d.content.DailyBase()
		if err != nil {
			return nil, retryable("compose quote", err)
		}
		if p.Media == nil {
			return []message{{payload: p}}, nil
		}
		text := transport.Payload{Text: p.Text}
		return []message{{payload: p, fallback: &text}}, nil
	case schedule.PayloadHolidays:
		return d.holidayDigest(ctx, day)
	case schedule.PayloadFilms:
		return d.filmsMonth(ctx, day)
	case schedule.PayloadFilmsDay:
		return d.filmsDay(ctx, day)
	}
	return nil, permanent(fmt.Sprintf("unknown payload type %q", s.Payload.Type), nil)
}

func (d *Dispatcher) holidayNotice(ctx context.Context, s schedule.Schedule, day time.Time) ([]message, error) {
	name := s.NextLabel
	if name == "" {
		if d.holidays == nil {
			return nil, sourceDisabled("holidays")
		}
		start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, d.loc)
		h, err := d.holidays.NextHoliday(ctx, start)
		if err != nil {
			return nil, retryable("resolve holiday name", err)
		}
		name = h.Name
	}
	text := fmt.Sprintf("🎉 <b>%d %s</b>: %s", day.Day(), holidays.MonthGenitive(day.Month()), html.EscapeString(name))
	if s.Payload.Type == schedule.PayloadText && s.Payload.Text != "" {
		text += "\n\n" + html.EscapeString(s.Payload.Text)
	}
	return []message{{payload: transport.Payload{Text: text, ParseMode: transport.ParseModeHTML}}}, nil
}

func (d *Dispatcher) holidayDigest(ctx context.Context, day time.Time) ([]message, error) {
	if d.holidays == nil {
		return nil, sourceDisabled("holidays")
	}
	daily, err := d.holidays.Daily(ctx, day)
	if errors.Is(err, holidays.ErrNoHolidays) {
		return []message{{payload: transport.Payload{Text: noHolidaysText}}}, nil
	}
	if err != nil {
		return nil, retryable("fetch holidays", err)
	}
	var out []message
	if daily.ImageURL != "" {
		out = append(out, message{
			payload:  transport.Payload{Media: &transport.Media{Kind: transport.MediaPhoto, URL: daily.ImageURL}},
			optional: true,
		})
	}
	caption := holidays.Caption(daily, 0, true)
	out = append(out, message{payload: transport.Payload{Text: caption, ParseMode: transport.ParseModeHTML, DisablePreview: true}})
	return out, nil
}

func (d *Dispatcher) filmsMonth(ctx context.Context, day time.Time) ([]message, error) {
	if d.films == nil {
		return nil, sourceDisabled("films")
	}
	list, err := d.films.FilmsFor(ctx, films.MonthOf(day))
	if err != nil {
		return nil, retryable("fetch films", err)
	}
	texts := films.Messages(list, films.MaxMessageLen)
	if len(texts) == 0 {
		return []message{{payload: transport.Payload{Text: noFilmsMonth}}}, nil
	}
	out := make([]message, 0, len(texts))
	for _, t := range texts {
		out = append(out, message{payload: transport.Payload{Text: t, ParseMode: transport.ParseModeHTML, DisablePreview: true}})
	}
	return out, nil
}

func (d *Dispatcher) filmsDay(ctx context.Context, day time.Time) ([]message, error) {
	if d.films == nil {
		return nil, sourceDisabled("films")
	}
	list, err := d.films.FilmsFor(ctx, films.DayOf(day))
	if err != nil {
		return nil, retryable("fetch films", err)
	}
	if len(list) == 0 {
		return []message{{payload: transport.Payload{Text: noFilmsDay}}}, nil
	}
	out := make([]message, 0, len(list))
	for _, f := range list {
		text := transport.Payload{Text: films.Render(f), ParseMode: transport.ParseModeHTML, DisablePreview: true}
		if f.PosterURL == "" {
			out = append(out, message{payload: text})
			continue
		}
		photo := text
		photo.Media = &transport.Media{Kind: transport.MediaPhoto, URL: f.PosterURL}
		out = append(out, message{payload: photo, fallback: &text})
	}
	return out, nil
}
