package holidays

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"

	"legendalf/internal/calendar"
)

const dayPage = `<html><body><h1>Праздники 7 января</h1>
<div class="block holidays"><ul class="itemsNet">
 <li><div class="image" style="background-image: url('/img/xmas.jpg')"></div>
     <div class="caption"><span class="title"><a href="/holidays/0/0/1/">Рождество Христово</a></span></div></li>
 <li><div class="caption"><span class="title"><a href="/holidays/0/0/2/">День <b>A&amp;B</b></a></span></div></li>
</ul></div>
<div class="block nameDay"><a class="title" href="/names/1">Иван</a> <a class="title" href="/names/2">Мария</a></div>
</body></html>`

const detailPage = `<html><body><h1>7 января 2024 года</h1>
<div class="wp-caption"><img data-src="https://cdn.example/feature.jpg" src="data:image/gif;base64,x"></div>
<h3>Что важного в этот день</h3>
<ul><li><a href="/holidays/0/0/1/">Рождество</a></li><li>Без ссылки</li></ul>
</body></html>`

func newCalendServer(t *testing.T, detail bool) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		switch {
		case r.URL.Path == "/day/2024-01-07/":
			_, _ = w.Write([]byte(dayPage))
		case detail && r.URL.Path == "/calendar/daily/7-yanvarya-2024-goda-voskresene/":
			_, _ = w.Write([]byte(detailPage))
		case strings.HasPrefix(r.URL.Path, "/day/"):
			_, _ = w.Write([]byte(`<html><body><div class="block holidays"><ul class="itemsNet"></ul></div></body></html>`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

var jan7 = time.Date(2024, 1, 7, 0, 0, 0, 0, time.UTC)

func TestCalendRuDayPageOnly(t *testing.T) {
	t.Parallel()
	srv, _ := newCalendServer(t, false)
	src := NewCalendRu(CalendRuOptions{BaseURL: srv.URL, Timeout: time.Second})

	d, err := src.Daily(context.Background(), jan7)
	if err != nil {
		t.Fatalf("Daily: %v", err)
	}
	if len(d.Items) != 2 || d.Items[0].Title != "Рождество Христово" || d.Items[1].Title != "День A&B" {
		t.Fatalf("items = %+v", d.Items)
	}
	if d.Items[0].URL != srv.URL+"/holidays/0/0/1/" {
		t.Fatalf("url = %q", d.Items[0].URL)
	}
	if d.ImageURL != srv.URL+"/img/xmas.jpg" {
		t.Fatalf("image = %q", d.ImageURL)
	}
	if strings.Join(d.Names, ",") != "Иван,Мария" {
		t.Fatalf("names = %v", d.Names)
	}
}

func TestCalendRuPrefersDetailPage(t *testing.T) {
	t.Parallel()
	srv, hits := newCalendServer(t, true)
	src := NewCalendRu(CalendRuOptions{BaseURL: srv.URL, Timeout: time.Second})

	d, err := src.Daily(context.Background(), jan7)
	if err != nil {
		t.Fatalf("Daily: %v", err)
	}
	if len(d.Items) != 2 || d.Items[0].Title != "Рождество" || d.Items[1].URL != "" {
		t.Fatalf("items = %+v", d.Items)
	}
	if d.ImageURL != "https://cdn.example/feature.jpg" || d.Headline != "7 января 2024 года" {
		t.Fatalf("image/headline = %q / %q", d.ImageURL, d.Headline)
	}

	before := hits.Load()
	if _, err := src.Daily(context.Background(), jan7); err != nil {
		t.Fatalf("cached Daily: %v", err)
	}
	if hits.Load() != before {
		t.Fatal("second Daily should be served from cache")
	}
}

func TestCalendRuNextHoliday(t *testing.T) {
	t.Parallel()
	srv, _ := newCalendServer(t, false)
	src := NewCalendRu(CalendRuOptions{BaseURL: srv.URL, Timeout: time.Second})

	h, err := src.NextHoliday(context.Background(), time.Date(2024, 1, 5, 15, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("NextHoliday: %v", err)
	}
	if !h.Date.Equal(jan7) || h.Name != "Рождество Христово" {
		t.Fatalf("holiday = %+v", h)
	}
}

func TestCalendRuUnavailable(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)
	src := NewCalendRu(CalendRuOptions{BaseURL: srv.URL, Timeout: time.Second})

	if _, err := src.NextHoliday(context.Background(), jan7); !errors.Is(err, calendar.ErrCalendarUnavailable) {
		t.Fatalf("err = %v, want ErrCalendarUnavailable", err)
	}
}

func TestLRUEvictsOldest(t *testing.T) {
	t.Parallel()
	c := newLRU(2)
	c.put("a", Daily{Headline: "a"})
	c.put("b", Daily{Headline: "b"})
	c.get("a")
	c.put("c", Daily{Headline: "c"})
	if _, ok := c.get("b"); ok {
		t.Fatal("b should have been evicted")
	}
	if _, ok := c.get("a"); !ok || c.len() != 2 {
		t.Fatal("a should survive as most recently used")
	}
}

func TestStaticSource(t *testing.T) {
	t.Parallel()
	fs := afero.NewMemMapFs()
	body := "01-07: Рождество\n12-31:\n  - Новый год (канун)\n  - День хоббита\n"
	if err := afero.WriteFile(fs, "/etc/holidays.yaml", []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := LoadStatic(fs, "/etc/holidays.yaml")
	if err != nil {
		t.Fatalf("LoadStatic: %v", err)
	}
	if got := strings.Join(s.Days(), ","); got != "01-07,12-31" {
		t.Fatalf("Days = %s", got)
	}

	h, err := s.NextHoliday(context.Background(), time.Date(2024, 12, 30, 12, 0, 0, 0, time.UTC))
	if err != nil || h.Name != "Новый год (канун)" || h.Date.Day() != 31 {
		t.Fatalf("NextHoliday = %+v, %v", h, err)
	}
	h, err = s.NextHoliday(context.Background(), time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil || !h.Date.Equal(time.Date(2025, 1, 7, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("NextHoliday wrap = %+v, %v", h, err)
	}
	if _, err := s.Daily(context.Background(), time.Date(2024, 3, 3, 0, 0, 0, 0, time.UTC)); !errors.Is(err, ErrNoHolidays) {
		t.Fatalf("Daily empty err = %v", err)
	}
}

func TestParseStaticRejectsBadKeys(t *testing.T) {
	t.Parallel()
	for _, body := range []string{"1-7: x\n", "13-01: x\n", "01-07: {a: b}\n", "not yaml: [\n"} {
		if _, err := ParseStatic([]byte(body)); err == nil {
			t.Fatalf("ParseStatic(%q) succeeded", body)
		}
	}
}

func TestCaption(t *testing.T) {
	t.Parallel()
	d := Daily{Date: jan7, Items: []Item{{Title: "Рождество"}, {Title: "A<B"}}, Names: []string{"Иван", " "}}
	got := Caption(d, 0, true)
	want := "<b>Сегодня (07.01.2024) Средиземье празднует:</b>\n• Рождество\n• A&lt;B\n\n" +
		"<b>Кто сегодня именинник?</b>\n7 января празднуют именины Иван.\nУважаемые именинники, примите поздравления от Гэндальфа!"
	if got != want {
		t.Fatalf("Caption =\n%s\nwant\n%s", got, want)
	}

	empty := Caption(Daily{Date: jan7}, 1, false)
	if !strings.HasSuffix(empty, emptyDay) {
		t.Fatalf("empty caption = %q", empty)
	}
	if limited := Caption(d, 1, false); strings.Contains(limited, "A&lt;B") {
		t.Fatalf("limit ignored: %q", limited)
	}
}
