package ops

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"legendalf/internal/observability/metrics"
	logx "legendalf/pkg/logx"
)

func newService(cfg Config, healthy bool) *Service {
	m := metrics.New()
	m.ObserveDispatch("quote", "ok", time.Millisecond)
	return New(cfg, m.Registry(), func(context.Context) Health {
		h := Health{OK: healthy, Components: map[string]any{"scheduler": map[string]any{"running": healthy}}}
		if !healthy {
			h.Errors = []string{"scheduler.tick: store closed"}
		}
		return h
	}, logx.Nop())
}

func get(t *testing.T, h http.Handler, target, auth string) (int, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	body, _ := io.ReadAll(rec.Result().Body)
	return rec.Code, string(body)
}

func TestRoutes(t *testing.T) {
	t.Parallel()
	s := newService(Config{Enabled: true}, true)
	h := s.routes(Config{})

	code, body := get(t, h, "/metrics", "")
	if code != http.StatusOK || !strings.Contains(body, `legendalf_dispatch_total{payload="quote",result="ok"} 1`) {
		t.Fatalf("/metrics = %d\n%s", code, body)
	}
	code, body = get(t, h, "/healthz", "")
	var got Health
	if err := json.Unmarshal([]byte(body), &got); err != nil || code != http.StatusOK || !got.OK || got.Time.IsZero() {
		t.Fatalf("/healthz = %d %q (%v)", code, body, err)
	}
	if code, _ := get(t, h, "/debug/pprof/", ""); code != http.StatusNotFound {
		t.Fatalf("pprof without flag = %d, want 404", code)
	}
}

func TestHealthUnavailable(t *testing.T) {
	t.Parallel()
	s := newService(Config{Enabled: true}, false)
	code, body := get(t, s.routes(Config{}), "/healthz", "")
	if code != http.StatusServiceUnavailable || !strings.Contains(body, "store closed") {
		t.Fatalf("/healthz = %d %q", code, body)
	}
}

func TestTokenAndPprof(t *testing.T) {
	t.Parallel()
	s := newService(Config{Enabled: true}, true)
	h := s.routes(Config{Token: "mellon", Pprof: true})

	tests := []struct {
		target, auth string
		want         int
	}{
		{"/healthz", "", http.StatusUnauthorized},
		{"/healthz", "Bearer wrong", http.StatusUnauthorized},
		{"/healthz", "Bearer mellon", http.StatusOK},
		{"/healthz?token=mellon", "", http.StatusOK},
		{"/healthz?token=friend", "Bearer mellon", http.StatusUnauthorized},
		{"/debug/pprof/", "Bearer mellon", http.StatusOK},
		{"/debug/pprof/cmdline", "Bearer mellon", http.StatusOK},
	}
	for _, tt := range tests {
		if code, _ := get(t, h, tt.target, tt.auth); code != tt.want {
			t.Fatalf("GET %s (%q) = %d, want %d", tt.target, tt.auth, code, tt.want)
		}
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	tests := map[string]bool{
		"127.0.0.1:9090": true,
		"localhost:1":    true,
		"[::1]:9090":     true,
		":9090":          false,
		"0.0.0.0:9090":   false,
		"10.0.0.5:80":    false,
		"garbage":        false,
	}
	for addr, want := range tests {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v", addr, got)
		}
	}
}

func TestReconfigureStartStop(t *testing.T) {
	t.Parallel()
	s := newService(Config{}, true)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0"})
	var addr string
	for addr == "" {
		select {
		case <-ctx.Done():
			t.Fatal("ops server did not bind")
		case <-time.After(20 * time.Millisecond):
			addr = s.Addr()
		}
	}
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	s.Reconfigure(ctx, Config{Enabled: false})
	if s.Addr() != "" || s.Supervisor() != nil {
		t.Fatalf("server still running at %q", s.Addr())
	}
}
