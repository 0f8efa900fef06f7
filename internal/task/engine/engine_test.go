package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"legendalf/internal/eventbus"
	logx "legendalf/pkg/logx"
)

func startEngine(t *testing.T, cfg Config) *Service {
	t.Helper()
	cfg.Enabled = true
	s := New(cfg, logx.Nop(), eventbus.New())
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitDone(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("task did not finish")
		return nil
	}
}

func TestRunsTaskAndReportsDone(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 2})
	done := make(chan error, 1)
	var ran atomic.Bool
	err := s.Enqueue(Task{Name: "dispatch", Key: "a", Run: func(context.Context) error {
		ran.Store(true)
		return nil
	}, Done: func(err error) { done <- err }})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := waitDone(t, done); err != nil || !ran.Load() {
		t.Fatalf("done err = %v, ran = %v", err, ran.Load())
	}
	if h := s.Snapshot().History; len(h) != 1 || h[0].Key != "a" || h[0].Attempts != 1 {
		t.Fatalf("history = %+v", h)
	}
}

func TestOverlapSkipsSameKey(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 2})
	release := make(chan struct{})
	done := make(chan error, 2)
	block := Task{Name: "dispatch", Key: "same", Run: func(ctx context.Context) error {
		<-release
		return nil
	}, Done: func(err error) { done <- err }}

	if err := s.Enqueue(block); err != nil {
		t.Fatalf("first Enqueue: %v", err)
	}
	if err := s.Enqueue(block); !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("second Enqueue err = %v, want ErrOverlapSkip", err)
	}
	if !s.Busy("same") {
		t.Fatal("key should be busy")
	}
	other := block
	other.Key = "other"
	if err := s.Enqueue(other); err != nil {
		t.Fatalf("other key Enqueue: %v", err)
	}
	close(release)
	_ = waitDone(t, done)
	_ = waitDone(t, done)
	if err := s.Enqueue(Task{Name: "dispatch", Key: "same", Run: func(context.Context) error { return nil }}); err != nil {
		t.Fatalf("key not released: %v", err)
	}
	if s.Snapshot().SkippedOverlap != 1 {
		t.Fatalf("skipped = %d", s.Snapshot().SkippedOverlap)
	}
}

func TestTimeoutPanicAndRetry(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1})

	done := make(chan error, 1)
	_ = s.Enqueue(Task{Name: "slow", Timeout: 20 * time.Millisecond, Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, Done: func(err error) { done <- err }})
	if err := waitDone(t, done); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("timeout err = %v", err)
	}

	_ = s.Enqueue(Task{Name: "panic", Opt: TaskOptions{RetryMax: 3}, Run: func(context.Context) error {
		panic("boom")
	}, Done: func(err error) { done <- err }})
	if err := waitDone(t, done); err == nil {
		t.Fatal("panic should surface as error")
	}

	var calls atomic.Int32
	_ = s.Enqueue(Task{Name: "flaky", Opt: TaskOptions{RetryMax: 2, RetryBase: time.Millisecond}, Run: func(context.Context) error {
		if calls.Add(1) < 3 {
			return RetryAfter(errors.New("flood"), time.Millisecond)
		}
		return nil
	}, Done: func(err error) { done <- err }})
	if err := waitDone(t, done); err != nil || calls.Load() != 3 {
		t.Fatalf("flaky err = %v, calls = %d", err, calls.Load())
	}

	calls.Store(0)
	permanent := errors.New("chat not found")
	_ = s.Enqueue(Task{Name: "permanent", Opt: TaskOptions{RetryMax: 5}, Run: func(context.Context) error {
		calls.Add(1)
		return NoRetry(permanent)
	}, Done: func(err error) { done <- err }})
	if err := waitDone(t, done); !errors.Is(err, permanent) || IsNoRetry(err) || calls.Load() != 1 {
		t.Fatalf("no-retry err = %v, calls = %d", err, calls.Load())
	}
}

func TestStopGraceAndDrain(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Workers: 1, QueueSize: 4}, logx.Nop(), nil)
	s.Start(context.Background())

	started := make(chan struct{})
	inflight := make(chan error, 1)
	queued := make(chan error, 1)
	_ = s.Enqueue(Task{Name: "stuck", Key: "a", Run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}, Done: func(err error) { inflight <- err }})
	<-started
	_ = s.Enqueue(Task{Name: "waiting", Key: "b", Run: func(context.Context) error { return nil }, Done: func(err error) { queued <- err }})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	s.Stop(ctx)

	if err := waitDone(t, inflight); !errors.Is(err, context.Canceled) {
		t.Fatalf("in-flight err = %v, want canceled after grace", err)
	}
	if err := waitDone(t, queued); !errors.Is(err, ErrStopped) {
		t.Fatalf("queued err = %v, want ErrStopped", err)
	}
	if err := s.Enqueue(Task{Name: "late", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Enqueue after stop err = %v", err)
	}
}

func TestDisabledEngineRejects(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop(), nil)
	if err := s.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v", err)
	}
}

func TestBackoffRespectsHintAndCap(t *testing.T) {
	t.Parallel()
	opt := TaskOptions{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second, RetryJitter: 0.01}
	if d := backoffDelay(opt, 3, nil); d != 400*time.Millisecond {
		t.Fatalf("backoff(3) = %v", d)
	}
	if d := backoffDelay(opt, 10, nil); d != time.Second {
		t.Fatalf("backoff(10) = %v", d)
	}
	if d := backoffDelayWithHint(opt, 1, RetryAfter(errors.New("x"), time.Hour), nil); d != time.Second {
		t.Fatalf("hint not capped: %v", d)
	}
}
