package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"legendalf/internal/transport"
	logx "legendalf/pkg/logx"
)

const token = "123:TEST"

// botAPI answers Bot API calls with canned responses keyed by method.
type botAPI struct {
	mu      sync.Mutex
	calls   []string
	answers map[string]string
	nextID  int
}

func (b *botAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	method := strings.TrimPrefix(r.URL.Path, "/bot"+token+"/")
	b.mu.Lock()
	b.calls = append(b.calls, method)
	b.nextID++
	id := b.nextID
	answer, ok := b.answers[method]
	b.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if ok {
		_, _ = w.Write([]byte(answer))
		return
	}
	fmt.Fprintf(w, `{"ok":true,"result":{"message_id":%d,"date":0,"chat":{"id":-100,"type":"supergroup"}}}`, id)
}

func (b *botAPI) methods() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

func newAdapter(t *testing.T, answers map[string]string) (*Adapter, *botAPI) {
	t.Helper()
	api := &botAPI{answers: answers}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	a, err := New(Config{Token: token, URL: srv.URL, Offline: true, PollTimeout: time.Second}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a, api
}

func TestSendSplitsLongText(t *testing.T) {
	t.Parallel()
	a, api := newAdapter(t, nil)
	text := strings.Repeat(strings.Repeat("я", 99)+"\n", 90)

	ref, err := a.Send(context.Background(), transport.ChatTarget{ChatID: -100}, transport.Payload{Text: text})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if ref.MessageID != 1 || ref.ChatID != -100 {
		t.Fatalf("ref = %+v", ref)
	}
	if got := api.methods(); len(got) != 3 {
		t.Fatalf("calls = %v, want 3 sendMessage", got)
	}
}

func TestSendMediaWithLongCaption(t *testing.T) {
	t.Parallel()
	a, api := newAdapter(t, nil)
	p := transport.Payload{
		Text:  strings.Repeat("б", captionLimit+1),
		Media: &transport.Media{Kind: transport.MediaPhoto, URL: "https://cdn.example/x.jpg"},
	}
	if _, err := a.Send(context.Background(), transport.ChatTarget{ChatID: -100}, p); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got := strings.Join(api.methods(), ",")
	if got != "sendPhoto,sendMessage" {
		t.Fatalf("calls = %s", got)
	}

	a2, api2 := newAdapter(t, nil)
	clip := transport.Payload{Text: "База дня", Media: &transport.Media{Kind: transport.MediaVideo, Data: []byte("mp4"), Name: "clip.mp4"}}
	if _, err := a2.Send(context.Background(), transport.ChatTarget{ChatID: -100}, clip); err != nil {
		t.Fatalf("Send video: %v", err)
	}
	if got := strings.Join(api2.methods(), ","); got != "sendVideo" {
		t.Fatalf("calls = %s", got)
	}
}

func TestSendClassifiesFailures(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		answer    string
		retryable bool
		reason    string
		after     time.Duration
	}{
		{"blocked", `{"ok":false,"error_code":403,"description":"Forbidden: bot was blocked by the user"}`, false, "blocked", 0},
		{"chat not found", `{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`, false, "chat_not_found", 0},
		{"flood", `{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 7","parameters":{"retry_after":7}}`, true, "flood", 7 * time.Second},
		{"server", `{"ok":false,"error_code":502,"description":"Bad Gateway"}`, true, "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			a, _ := newAdapter(t, map[string]string{"sendMessage": tt.answer})
			_, err := a.Send(context.Background(), transport.ChatTarget{ChatID: 1}, transport.Payload{Text: "hi"})
			de, ok := transport.AsDeliveryError(err)
			if !ok {
				t.Fatalf("err = %v, want DeliveryError", err)
			}
			if de.Retryable != tt.retryable || (tt.reason != "" && de.Reason != tt.reason) || de.RetryAfter != tt.after {
				t.Fatalf("classified = %+v", de)
			}
		})
	}
}

func TestClassifyPlainErrors(t *testing.T) {
	t.Parallel()
	if de, _ := transport.AsDeliveryError(classify(context.DeadlineExceeded)); !de.Retryable || de.Reason != "timeout" {
		t.Fatalf("deadline = %+v", de)
	}
	if de, _ := transport.AsDeliveryError(classify(errors.New("dial tcp: connection refused"))); !de.Retryable {
		t.Fatalf("network = %+v", de)
	}
	if de, _ := transport.AsDeliveryError(classify(errors.New("telegram: Forbidden: something new (403)"))); de.Retryable {
		t.Fatalf("unknown 403 = %+v", de)
	}
}

func TestSplitTextKeepsTagsWhole(t *testing.T) {
	t.Parallel()
	s := strings.Repeat("a", 8) + "<b>bold</b>"
	chunks := splitText(s, 10, transport.ParseModeHTML)
	if len(chunks) < 2 || chunks[0] != strings.Repeat("a", 8) {
		t.Fatalf("chunks = %q", chunks)
	}
	if strings.Join(chunks, "") != s {
		t.Fatalf("content lost: %q", chunks)
	}
	if got := splitText("short", 10, ""); len(got) != 1 || got[0] != "short" {
		t.Fatalf("short = %q", got)
	}
}

func TestNewRejectsEmptyToken(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{Offline: true}, logx.Nop()); err == nil {
		t.Fatal("empty token accepted")
	}
}
