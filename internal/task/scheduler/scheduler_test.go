package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"legendalf/internal/calendar"
	"legendalf/internal/dispatch"
	"legendalf/internal/eventbus"
	"legendalf/internal/schedule"
	"legendalf/internal/storage"
	"legendalf/internal/task/engine"
	"legendalf/internal/transport"
	logx "legendalf/pkg/logx"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type fakeDispatcher struct {
	calls atomic.Int32
	mu    sync.Mutex
	err   error
}

func (f *fakeDispatcher) Dispatch(context.Context, schedule.Schedule) error {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeDispatcher) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

type flakyHolidays struct {
	mu   sync.Mutex
	down bool
	date time.Time
}

func (h *flakyHolidays) NextHoliday(_ context.Context, after time.Time) (calendar.Holiday, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.down {
		return calendar.Holiday{}, errors.New("calend.ru: 502")
	}
	d := h.date
	for d.Before(after) {
		d = d.AddDate(0, 0, 7)
	}
	return calendar.Holiday{Date: d, Name: "День хоббита"}, nil
}

func (h *flakyHolidays) setDown(v bool) {
	h.mu.Lock()
	h.down = v
	h.mu.Unlock()
}

type recordingReporter struct {
	mu      sync.Mutex
	reasons []string
}

func (r *recordingReporter) ScheduleDisabled(_ schedule.Schedule, reason string) {
	r.mu.Lock()
	r.reasons = append(r.reasons, reason)
	r.mu.Unlock()
}

type harness struct {
	svc      *Service
	eng      *engine.Service
	store    storage.Store
	clock    *clock
	disp     *fakeDispatcher
	holidays *flakyHolidays
	reporter *recordingReporter
}

func at(y int, m time.Month, d, h, min int) time.Time {
	return time.Date(y, m, d, h, min, 0, 0, time.UTC)
}

func newHarness(t *testing.T, now time.Time) *harness {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "sched")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	eng := engine.New(engine.Config{Enabled: true, Workers: 2}, logx.Nop(), eventbus.New())
	eng.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		eng.Stop(ctx)
	})

	h := &harness{
		eng:      eng,
		store:    st,
		clock:    &clock{now: now},
		disp:     &fakeDispatcher{},
		holidays: &flakyHolidays{date: at(2024, 1, 7, 0, 0)},
		reporter: &recordingReporter{},
	}
	h.svc = New(Config{Enabled: true, DispatchTimeout: time.Second}, st,
		calendar.NewResolver(time.UTC, h.holidays), h.disp, eng, logx.Nop(), eventbus.New(),
		WithClock(h.clock.Now), WithReporter(h.reporter))
	return h
}

func (h *harness) tick(t *testing.T) TickReport {
	t.Helper()
	rep, err := h.svc.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := h.svc.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	return rep
}

func (h *harness) save(t *testing.T, sc schedule.Schedule) {
	t.Helper()
	if sc.ID == "" {
		sc.ID = schedule.NewID()
	}
	if err := h.store.Save(context.Background(), sc); err != nil {
		t.Fatalf("Save: %v", err)
	}
}

func (h *harness) get(t *testing.T, id string) schedule.Schedule {
	t.Helper()
	sc, err := h.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s): %v", id, err)
	}
	return sc
}

func daily(id string, next time.Time) schedule.Schedule {
	return schedule.Schedule{
		ID: id, ChatID: -100, Kind: schedule.DailyAt, Params: schedule.Params{Hour: 9},
		Payload: schedule.Payload{Type: schedule.PayloadQuote}, Enabled: true, NextFireAt: next,
	}
}

func TestDueScheduleFiresOnceAndAdvances(t *testing.T) {
	t.Parallel()
	h := newHarness(t, at(2024, 1, 2, 9, 0).Add(30*time.Second))
	h.save(t, daily("a", at(2024, 1, 2, 9, 0)))
	h.save(t, daily("later", at(2024, 1, 2, 10, 0)))

	if rep := h.tick(t); rep.Due != 1 || rep.Enqueued != 1 {
		t.Fatalf("report = %+v", rep)
	}
	sc := h.get(t, "a")
	if !sc.NextFireAt.Equal(at(2024, 1, 3, 9, 0)) || !sc.LastFiredAt.Equal(at(2024, 1, 2, 9, 0)) {
		t.Fatalf("after fire: next=%s last=%s", sc.NextFireAt, sc.LastFiredAt)
	}
	h.tick(t)
	if n := h.disp.calls.Load(); n != 1 {
		t.Fatalf("dispatch calls = %d, want 1", n)
	}
}

func TestDailyEndToEnd(t *testing.T) {
	t.Parallel()
	h := newHarness(t, at(2024, 1, 1, 10, 0))
	h.save(t, daily("d", time.Time{}))

	sc, err := h.svc.Prime(context.Background(), "d")
	if err != nil || !sc.NextFireAt.Equal(at(2024, 1, 2, 9, 0)) {
		t.Fatalf("Prime = %s, %v", sc.NextFireAt, err)
	}
	h.clock.Set(at(2024, 1, 2, 9, 0).Add(10 * time.Second))
	h.tick(t)
	if got := h.get(t, "d").NextFireAt; !got.Equal(at(2024, 1, 3, 9, 0)) {
		t.Fatalf("next = %s", got)
	}
}

func TestTickResolvesUnresolvedSchedules(t *testing.T) {
	t.Parallel()
	h := newHarness(t, at(2024, 1, 1, 10, 0))
	h.save(t, daily("u", time.Time{}))

	if rep := h.tick(t); rep.Unresolved != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if got := h.get(t, "u").NextFireAt; !got.Equal(at(2024, 1, 2, 9, 0)) {
		t.Fatalf("next = %s", got)
	}
	if h.disp.calls.Load() != 0 {
		t.Fatal("resolution must not dispatch")
	}
}

func TestRetryableFailureLeavesScheduleDue(t *testing.T) {
	t.Parallel()
	h := newHarness(t, at(2024, 1, 2, 9, 1))
	h.save(t, daily("r", at(2024, 1, 2, 9, 0)))
	h.disp.fail(transport.Retryable("network", errors.New("connection reset")))

	h.tick(t)
	sc := h.get(t, "r")
	if !sc.Enabled || !sc.NextFireAt.Equal(at(2024, 1, 2, 9, 0)) || !sc.LastFiredAt.IsZero() {
		t.Fatalf("after retryable failure: %+v", sc)
	}

	h.disp.fail(nil)
	h.tick(t)
	if h.disp.calls.Load() != 2 {
		t.Fatalf("dispatch calls = %d, want 2", h.disp.calls.Load())
	}
	if got := h.get(t, "r").NextFireAt; !got.Equal(at(2024, 1, 3, 9, 0)) {
		t.Fatalf("next = %s", got)
	}
}

func TestPermanentFailureDisables(t *testing.T) {
	t.Parallel()
	h := newHarness(t, at(2024, 1, 2, 9, 1))
	h.save(t, daily("p", at(2024, 1, 2, 9, 0)))
	h.disp.fail(transport.Permanent("blocked", errors.New("bot was blocked by the user")))

	h.tick(t)
	sc := h.get(t, "p")
	if sc.Enabled || sc.DisabledReason != "blocked" || !sc.NextFireAt.Equal(at(2024, 1, 2, 9, 0)) {
		t.Fatalf("after permanent failure: %+v", sc)
	}
	h.reporter.mu.Lock()
	defer h.reporter.mu.Unlock()
	if len(h.reporter.reasons) != 1 || h.reporter.reasons[0] != "blocked" {
		t.Fatalf("reported = %v", h.reporter.reasons)
	}
}

type countingSender struct{ calls atomic.Int32 }

func (c *countingSender) Send(context.Context, transport.ChatTarget, transport.Payload) (transport.MessageRef, error) {
	c.calls.Add(1)
	return transport.MessageRef{MessageID: 1}, nil
}

func TestMissingFilmsSourceKeepsScheduleEnabled(t *testing.T) {
	t.Parallel()
	h := newHarness(t, at(2024, 1, 2, 9, 1))
	snd := &countingSender{}
	svc := New(Config{Enabled: true, DispatchTimeout: time.Second}, h.store,
		calendar.NewResolver(time.UTC, h.holidays), dispatch.New(snd, dispatch.Options{Location: time.UTC}),
		h.eng, logx.Nop(), eventbus.New(), WithClock(h.clock.Now), WithReporter(h.reporter))

	for _, pt := range []schedule.PayloadType{schedule.PayloadFilms, schedule.PayloadFilmsDay} {
		sc := daily(string(pt), at(2024, 1, 2, 9, 0))
		sc.Payload.Type = pt
		h.save(t, sc)
	}
	for range 2 {
		if _, err := svc.Tick(context.Background()); err != nil {
			t.Fatalf("Tick: %v", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := svc.Wait(ctx); err != nil {
			cancel()
			t.Fatalf("Wait: %v", err)
		}
		cancel()
	}

	for _, id := range []string{string(schedule.PayloadFilms), string(schedule.PayloadFilmsDay)} {
		sc := h.get(t, id)
		if !sc.Enabled || sc.DisabledReason != "" || !sc.NextFireAt.Equal(at(2024, 1, 2, 9, 0)) {
			t.Fatalf("%s after missing source: %+v", id, sc)
		}
	}
	if snd.calls.Load() != 0 {
		t.Fatalf("sends = %d, want 0", snd.calls.Load())
	}
	h.reporter.mu.Lock()
	defer h.reporter.mu.Unlock()
	if len(h.reporter.reasons) != 0 {
		t.Fatalf("reported = %v", h.reporter.reasons)
	}
}

type blockingDispatcher struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingDispatcher) Dispatch(ctx context.Context, _ schedule.Schedule) error {
	b.entered <- struct{}{}
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestTickSkipsScheduleInFlight(t *testing.T) {
	t.Parallel()
	h := newHarness(t, at(2024, 1, 2, 9, 1))
	bd := &blockingDispatcher{entered: make(chan struct{}, 1), release: make(chan struct{})}
	svc := New(Config{Enabled: true, DispatchTimeout: 5 * time.Second}, h.store,
		calendar.NewResolver(time.UTC, h.holidays), bd, h.eng, logx.Nop(), eventbus.New(),
		WithClock(h.clock.Now))
	h.save(t, daily("busy", at(2024, 1, 2, 9, 0)))

	if rep, err := svc.Tick(context.Background()); err != nil || rep.Enqueued != 1 {
		t.Fatalf("first Tick = %+v, %v", rep, err)
	}
	select {
	case <-bd.entered:
	case <-time.After(3 * time.Second):
		t.Fatal("dispatch never started")
	}

	rep, err := svc.Tick(context.Background())
	if err != nil || rep.Due != 1 || rep.Skipped != 1 || rep.Enqueued != 0 {
		t.Fatalf("second Tick = %+v, %v", rep, err)
	}

	close(bd.release)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := svc.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got := h.get(t, "busy").NextFireAt; !got.Equal(at(2024, 1, 3, 9, 0)) {
		t.Fatalf("next = %s", got)
	}
}

func TestCalendarOutageNeverRefires(t *testing.T) {
	t.Parallel()
	h := newHarness(t, at(2024, 1, 7, 9, 5))
	h.save(t, schedule.Schedule{
		ID: "hol", ChatID: -100, Kind: schedule.NextHoliday, Params: schedule.Params{Hour: 9},
		Payload: schedule.Payload{Type: schedule.PayloadText}, Enabled: true, NextFireAt: at(2024, 1, 7, 9, 0),
	})
	h.holidays.setDown(true)

	h.tick(t)
	if n := h.svc.Snapshot().Stalled; n != 0 {
		t.Fatalf("stalled = %d right after delivery, want 0", n)
	}
	h.clock.Set(at(2024, 1, 7, 9, 7))
	h.tick(t)
	sc := h.get(t, "hol")
	if !sc.NextFireAt.Equal(at(2024, 1, 7, 9, 0)) {
		t.Fatalf("next advanced during outage: %s", sc.NextFireAt)
	}
	if n := h.disp.calls.Load(); n != 1 {
		t.Fatalf("dispatch calls = %d, want 1", n)
	}
	if h.svc.Snapshot().Stalled != 1 {
		t.Fatal("stalled schedule not reported in snapshot")
	}

	h.holidays.setDown(false)
	h.tick(t)
	sc = h.get(t, "hol")
	if !sc.NextFireAt.Equal(at(2024, 1, 14, 9, 0)) || sc.NextLabel != "День хоббита" {
		t.Fatalf("after recovery: next=%s label=%q", sc.NextFireAt, sc.NextLabel)
	}
	if n := h.disp.calls.Load(); n != 1 {
		t.Fatalf("dispatch calls = %d after recovery, want 1", n)
	}
}

func TestPrimeWithCalendarDown(t *testing.T) {
	t.Parallel()
	h := newHarness(t, at(2024, 1, 1, 10, 0))
	h.save(t, schedule.Schedule{
		ID: "hol", ChatID: -100, Kind: schedule.NextHoliday, Params: schedule.Params{Hour: 9},
		Payload: schedule.Payload{Type: schedule.PayloadText}, Enabled: true,
	})
	h.holidays.setDown(true)
	if _, err := h.svc.Prime(context.Background(), "hol"); !errors.Is(err, calendar.ErrCalendarUnavailable) {
		t.Fatalf("Prime err = %v", err)
	}
	if !h.get(t, "hol").NextFireAt.IsZero() {
		t.Fatal("unresolved schedule must stay unresolved")
	}
}

func TestFixedTimeCompletes(t *testing.T) {
	t.Parallel()
	h := newHarness(t, at(2024, 5, 1, 12, 0))
	h.save(t, schedule.Schedule{
		ID: "once", ChatID: 1, Kind: schedule.FixedTime, Params: schedule.Params{At: at(2024, 5, 1, 12, 0)},
		Payload: schedule.Payload{Type: schedule.PayloadText, Text: "привет"}, Enabled: true, NextFireAt: at(2024, 5, 1, 12, 0),
	})
	h.tick(t)
	sc := h.get(t, "once")
	if sc.Enabled || sc.DisabledReason != ReasonCompleted || !sc.LastFiredAt.Equal(at(2024, 5, 1, 12, 0)) {
		t.Fatalf("one-shot after fire: %+v", sc)
	}
	h.tick(t)
	if h.disp.calls.Load() != 1 {
		t.Fatal("one-shot fired twice")
	}
}

func TestStaleScheduleFiresOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t, at(2024, 1, 5, 12, 0))
	h.save(t, daily("stale", at(2024, 1, 2, 9, 0)))

	h.tick(t)
	h.tick(t)
	if n := h.disp.calls.Load(); n != 1 {
		t.Fatalf("dispatch calls = %d, want 1", n)
	}
	if got := h.get(t, "stale").NextFireAt; !got.Equal(at(2024, 1, 6, 9, 0)) {
		t.Fatalf("next = %s", got)
	}
}

func TestDisabledSchedulesAreIgnored(t *testing.T) {
	t.Parallel()
	h := newHarness(t, at(2024, 1, 2, 9, 1))
	sc := daily("off", at(2024, 1, 2, 9, 0))
	sc.Enabled = false
	h.save(t, sc)
	if rep := h.tick(t); rep.Due != 0 || rep.Enqueued != 0 {
		t.Fatalf("report = %+v", rep)
	}
}

func TestStartStopDriver(t *testing.T) {
	t.Parallel()
	h := newHarness(t, at(2024, 1, 2, 9, 1))
	h.save(t, daily("x", at(2024, 1, 2, 9, 0)))

	h.svc.Start(context.Background())
	deadline := time.Now().Add(3 * time.Second)
	for h.disp.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	h.svc.Stop(ctx)
	if h.disp.calls.Load() == 0 {
		t.Fatal("driver did not run the first tick")
	}
	if h.svc.Snapshot().Running {
		t.Fatal("snapshot still running after Stop")
	}
}
