package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	kit "legendalf/internal/transport"
)

func TestLoggerWithFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := FromZerolog(zerolog.New(&buf)).With(String("comp", "test"))
	log.Info("hello", Int("n", 3), Err(nil))

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode log line: %v (%q)", err, buf.String())
	}
	if rec["comp"] != "test" || rec["message"] != "hello" {
		t.Fatalf("unexpected record: %v", rec)
	}
	if rec["n"] != float64(3) {
		t.Fatalf("n = %v, want 3", rec["n"])
	}
	if _, ok := rec["err"]; ok {
		t.Fatalf("nil error should not be logged: %v", rec)
	}
}

func TestZeroLoggerIsNoop(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero Logger should report IsZero")
	}
	l.Error("must not panic")
	if Nop().IsZero() {
		t.Fatal("Nop() should not be zero")
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{" WARNING ", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"bogus", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in, zerolog.InfoLevel); got != tt.want {
			t.Fatalf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestFormatRecord(t *testing.T) {
	t.Parallel()
	got := formatRecord([]byte(`{"level":"warn","message":"dispatch failed","time":"x","schedule":"abc","attempt":2}`))
	want := "[WARN] dispatch failed\n- attempt=2\n- schedule=abc"
	if got != want {
		t.Fatalf("formatRecord = %q, want %q", got, want)
	}
	if raw := formatRecord([]byte("not json\n")); raw != "not json" {
		t.Fatalf("raw fallback = %q", raw)
	}
}

type captureSender struct {
	mu   sync.Mutex
	msgs []string
}

func (c *captureSender) Send(_ context.Context, _ kit.ChatTarget, p kit.Payload) (kit.MessageRef, error) {
	c.mu.Lock()
	c.msgs = append(c.msgs, p.Text)
	c.mu.Unlock()
	return kit.MessageRef{}, nil
}

func (c *captureSender) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func TestTelegramSinkForwardsWarnings(t *testing.T) {
	sender := &captureSender{}
	svc, log := New(Config{
		Level: "debug",
		File:  FileConfig{Enabled: true, Path: t.TempDir() + "/test.log"},
		Telegram: TelegramConfig{
			Enabled:    true,
			ChatID:     42,
			MinLevel:   "warn",
			RatePerSec: 50,
		},
	}, sender)
	t.Cleanup(func() { _ = svc.Close() })

	log.Info("quiet")
	log.Warn("loud", String("k", "v"))

	deadline := time.Now().Add(2 * time.Second)
	for sender.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if sender.count() != 1 {
		t.Fatalf("forwarded %d messages, want 1", sender.count())
	}
	sender.mu.Lock()
	msg := sender.msgs[0]
	sender.mu.Unlock()
	if !strings.Contains(msg, "[WARN] loud") {
		t.Fatalf("unexpected forwarded message %q", msg)
	}
}
