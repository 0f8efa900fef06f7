// Package films lists cinema premieres from kinopoisk and renders them as
// Telegram HTML messages.
package films

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"
	"unicode"

	nethtml "golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"legendalf/internal/holidays"
	"legendalf/internal/scrape"
	logx "legendalf/pkg/logx"
)

const (
	DefaultBaseURL = "https://www.kinopoisk.ru"
	posterBase     = "https://st.kp.yandex.net"
	// MaxMessageLen keeps rendered chunks under Telegram's 4096 limit.
	MaxMessageLen = 4000
)

type Film struct {
	Title     string
	URL       string
	Year      string
	Date      time.Time // zero when the page has no startDate
	Credits   string    // "country, реж. director"
	Genres    string
	PosterURL string
}

// Period selects a whole month or a single day.
type Period struct {
	Year  int
	Month time.Month
	Day   int // 0 = whole month
}

func MonthOf(t time.Time) Period { return Period{Year: t.Year(), Month: t.Month()} }
func DayOf(t time.Time) Period   { return Period{Year: t.Year(), Month: t.Month(), Day: t.Day()} }

type Source interface {
	FilmsFor(ctx context.Context, p Period) ([]Film, error)
}

type Kinopoisk struct {
	base   string
	client *scrape.Client
	log    logx.Logger
}

type Options struct {
	BaseURL string
	Timeout time.Duration
	Logger  logx.Logger
}

func NewKinopoisk(opts Options) *Kinopoisk {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	return &Kinopoisk{base: base, client: scrape.NewClient(opts.Timeout), log: opts.Logger.With(logx.String("comp", "films"))}
}

// FilmsFor returns the premieres of p. A day period filters the month list
// down to that date.
func (k *Kinopoisk) FilmsFor(ctx context.Context, p Period) ([]Film, error) {
	url := fmt.Sprintf("%s/premiere/ru/%d/month/%d/", k.base, p.Year, int(p.Month))
	doc, err := k.client.Document(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("fetch premieres: %w", err)
	}
	all := k.parse(doc)
	k.log.Debug("premieres parsed", logx.String("url", url), logx.Int("count", len(all)))
	if p.Day == 0 {
		return all, nil
	}
	out := make([]Film, 0, 4)
	for _, f := range all {
		if !f.Date.IsZero() && f.Date.Year() == p.Year && f.Date.Month() == p.Month && f.Date.Day() == p.Day {
			out = append(out, f)
		}
	}
	return out, nil
}

func (k *Kinopoisk) parse(doc *nethtml.Node) []Film {
	var out []Film
	for _, item := range scrape.FindAll(doc, scrape.Tag(atom.Div, "premier_item")) {
		f := Film{PosterURL: posterFor(scrape.Attr(item, "id"))}
		if meta := scrape.First(item, scrape.AttrEq(atom.Meta, "itemprop", "startDate")); meta != nil {
			if d, err := time.Parse("2006-01-02", scrape.Attr(meta, "content")); err == nil {
				f.Date = d
			}
		}
		if meta := scrape.First(item, scrape.AttrEq(atom.Meta, "itemprop", "image")); meta != nil {
			if img := scrape.Attr(meta, "content"); img != "" {
				f.PosterURL = scrape.Resolve(posterBase, img)
			}
		}
		for _, span := range scrape.FindAll(item, scrape.Tag(atom.Span)) {
			text := scrape.Text(span)
			if text == "" {
				continue
			}
			if scrape.HasClass(span, "name") && f.Title == "" {
				f.Title = text
				if a := scrape.First(span, scrape.Tag(atom.A)); a != nil {
					f.URL = scrape.Resolve(k.base, scrape.Attr(a, "href"))
				}
				continue
			}
			style := strings.ReplaceAll(scrape.Attr(span, "style"), " ", "")
			if strings.Contains(style, "margin:0") && f.Credits == "" {
				f.Credits = splitCredits(text)
			}
			if strings.HasPrefix(text, "(") && strings.HasSuffix(text, ")") && f.Genres == "" {
				f.Genres = strings.TrimSpace(text[1 : len(text)-1])
			}
			if f.Year == "" {
				f.Year = findYear(text)
			}
		}
		if f.Title != "" {
			out = append(out, f)
		}
	}
	return out
}

func posterFor(id string) string {
	if id == "" || strings.IndexFunc(id, func(r rune) bool { return !unicode.IsDigit(r) }) >= 0 {
		return ""
	}
	return posterBase + "/images/film_big/" + id + ".jpg"
}

func splitCredits(text string) string {
	left, right, ok := strings.Cut(text, "реж.")
	if !ok {
		return text
	}
	country := strings.Trim(strings.TrimSpace(left), " ,")
	director := strings.Trim(strings.TrimSpace(right), " ,")
	switch {
	case country != "" && director != "":
		return country + ", реж. " + director
	case director != "":
		return "реж. " + director
	}
	return country
}

func findYear(text string) string {
	for _, tok := range strings.Fields(text) {
		tok = strings.Trim(tok, "(),")
		if len(tok) == 4 && strings.IndexFunc(tok, func(r rune) bool { return !unicode.IsDigit(r) }) < 0 {
			return tok
		}
	}
	return ""
}

// FormatDate renders "7 января 2024".
func FormatDate(d time.Time) string {
	return fmt.Sprintf("%d %s %d", d.Day(), holidays.MonthGenitive(d.Month()), d.Year())
}

// Render formats one film as a two-line HTML block.
func Render(f Film) string {
	title := f.Title
	if f.Year != "" {
		title += " (" + f.Year + ")"
	}
	line := fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(f.URL), html.EscapeString(title))
	if !f.Date.IsZero() {
		line += " - " + FormatDate(f.Date)
	}
	var second []string
	if f.Credits != "" {
		second = append(second, html.EscapeString(f.Credits))
	}
	if f.Genres != "" {
		second = append(second, "("+html.EscapeString(f.Genres)+")")
	}
	if len(second) == 0 {
		return line
	}
	return line + "\n" + strings.Join(second, " ")
}

// Messages renders films and packs the blocks into messages no longer than max.
func Messages(films []Film, max int) []string {
	if max <= 0 {
		max = MaxMessageLen
	}
	var out []string
	cur := ""
	for _, f := range films {
		block := Render(f)
		switch {
		case cur == "":
			cur = block
		case len(cur)+2+len(block) > max:
			out = append(out, cur)
			cur = block
		default:
			cur += "\n\n" + block
		}
	}
	if cur != "" {
		out = append(out, cur)
	}
	return out
}
