package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"legendalf/internal/eventbus"
	"legendalf/internal/schedule"
	"legendalf/internal/storage"
	"legendalf/internal/transport"
	logx "legendalf/pkg/logx"
)

type sent struct {
	to transport.ChatTarget
	p  transport.Payload
}

type fakeSender struct {
	mu    sync.Mutex
	sent  []sent
	fails int
	err   error
	calls int
}

func (f *fakeSender) Send(_ context.Context, to transport.ChatTarget, p transport.Payload) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fails > 0 {
		f.fails--
		return transport.MessageRef{}, f.err
	}
	f.sent = append(f.sent, sent{to: to, p: p})
	return transport.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent)}, nil
}

func (f *fakeSender) snapshot() ([]sent, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.sent...), f.calls
}

func startService(t *testing.T, cfg Config, snd transport.Sender) *Service {
	t.Helper()
	cfg.Enabled = true
	cfg.RatePerSec = 1000
	s := New(cfg, snd, logx.Nop(), eventbus.New())
	s.Start(context.Background())
	return s
}

func stop(t *testing.T, s *Service) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
}

func TestNotifyFansOutToTargets(t *testing.T) {
	t.Parallel()
	snd := &fakeSender{}
	s := startService(t, Config{Targets: []transport.ChatTarget{{ChatID: 1}, {ChatID: 2}}}, snd)

	if err := s.Notify(context.Background(), Report{Priority: PriorityCritical, Text: "store down"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	stop(t, s)

	got, _ := snd.snapshot()
	if len(got) != 2 {
		t.Fatalf("sent %d, want 2", len(got))
	}
	for _, m := range got {
		if m.p.Text != "🚨 store down" || m.p.ParseMode != transport.ParseModeHTML {
			t.Fatalf("payload = %+v", m.p)
		}
	}
	if len(s.Snapshot()) != 2 {
		t.Fatalf("history = %d entries", len(s.Snapshot()))
	}
}

func TestNotifyDedupWindow(t *testing.T) {
	t.Parallel()
	snd := &fakeSender{}
	s := startService(t, Config{DedupWindow: time.Minute, Targets: []transport.ChatTarget{{ChatID: 1}}}, snd)

	for i := 0; i < 3; i++ {
		if err := s.Notify(context.Background(), Report{Channel: "x", Text: "same"}); err != nil {
			t.Fatalf("Notify: %v", err)
		}
	}
	_ = s.Notify(context.Background(), Report{Channel: "x", Text: "different"})
	_ = s.Notify(context.Background(), Report{Text: "no channel"})
	_ = s.Notify(context.Background(), Report{Text: "no channel"})
	stop(t, s)

	if got, _ := snd.snapshot(); len(got) != 4 {
		t.Fatalf("sent %d, want 4", len(got))
	}
}

func TestRetryStopsOnPermanent(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		err       error
		wantCalls int
		wantSent  int
	}{
		{"retryable heals", transport.Retryable("network", errors.New("reset")), 2, 1},
		{"permanent gives up", transport.Permanent("blocked", errors.New("403")), 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			snd := &fakeSender{fails: 1, err: tt.err}
			s := startService(t, Config{RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond,
				Targets: []transport.ChatTarget{{ChatID: 7}}}, snd)
			_ = s.Notify(context.Background(), Report{Text: "hi"})
			stop(t, s)
			got, calls := snd.snapshot()
			if calls != tt.wantCalls || len(got) != tt.wantSent {
				t.Fatalf("calls=%d sent=%d, want %d/%d", calls, len(got), tt.wantCalls, tt.wantSent)
			}
		})
	}
}

func TestNotifyRejections(t *testing.T) {
	t.Parallel()
	off := New(Config{}, &fakeSender{}, logx.Nop(), nil)
	if err := off.Notify(context.Background(), Report{Text: "x"}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled err = %v", err)
	}

	s := startService(t, Config{}, &fakeSender{})
	if err := s.Notify(context.Background(), Report{Text: "x"}); !errors.Is(err, ErrNoTarget) {
		t.Fatalf("no target err = %v", err)
	}
	stop(t, s)
	if err := s.Notify(context.Background(), Report{Text: "x", Target: &transport.ChatTarget{ChatID: 1}}); !errors.Is(err, ErrStopped) {
		t.Fatalf("stopped err = %v", err)
	}
}

func TestReportTexts(t *testing.T) {
	t.Parallel()
	snd := &fakeSender{}
	s := startService(t, Config{Targets: []transport.ChatTarget{{ChatID: 1}}}, snd)

	s.ScheduleDisabled(schedule.Schedule{ID: "s1", ChatID: -42, Kind: schedule.DailyAt, Params: schedule.Params{Hour: 9}}, "chat_not_found")
	s.MigrationFailed(&storage.MigrationError{Path: "users.json", Entries: []storage.EntryError{{Entry: "chat 5/base", Err: errors.New("bad <time>")}}})
	s.AccessRequested(storage.Grant{UserID: 77, Username: "frodo"})
	stop(t, s)

	got, _ := snd.snapshot()
	if len(got) != 3 {
		t.Fatalf("sent %d, want 3", len(got))
	}
	texts := make([]string, 0, 3)
	for _, m := range got {
		texts = append(texts, m.p.Text)
	}
	all := strings.Join(texts, "\n---\n")
	for _, want := range []string{"daily 09:00", "chat_not_found", "chat 5/base: bad &lt;time&gt;", "/approve 77"} {
		if !strings.Contains(all, want) {
			t.Fatalf("reports missing %q:\n%s", want, all)
		}
	}
}
