package holidays

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"legendalf/internal/calendar"
	"legendalf/internal/scrape"
	logx "legendalf/pkg/logx"
)

const DefaultCalendRuURL = "https://www.calend.ru"

var (
	monthSlugs = [...]string{
		"yanvarya", "fevralya", "marta", "aprelya", "maya", "iyunya",
		"iyulya", "avgusta", "sentyabrya", "oktyabrya", "noyabrya", "dekabrya",
	}
	// indexed by time.Weekday (Sunday first)
	weekdaySlugs = [...]string{
		"voskresene", "ponedelnik", "vtornik", "sreda", "chetverg", "pyatnitsa", "subbota",
	}
)

// CalendRu scrapes calend.ru. The day page lists holidays and name-days; the
// daily article page, when reachable, has a curated list and a feature image.
type CalendRu struct {
	base   string
	client *scrape.Client
	cache  *lru
	log    logx.Logger
}

type CalendRuOptions struct {
	BaseURL   string
	Timeout   time.Duration
	CacheSize int
	Logger    logx.Logger
}

func NewCalendRu(opts CalendRuOptions) *CalendRu {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		base = DefaultCalendRuURL
	}
	size := opts.CacheSize
	if size <= 0 {
		size = 3
	}
	return &CalendRu{
		base:   base,
		client: scrape.NewClient(opts.Timeout),
		cache:  newLRU(size),
		log:    opts.Logger.With(logx.String("comp", "holidays.calendru")),
	}
}

func (c *CalendRu) NextHoliday(ctx context.Context, after time.Time) (calendar.Holiday, error) {
	return nextFromDaily(ctx, after, searchDays, c.Daily)
}

// Daily returns the digest for date. Successful results are cached by date.
func (c *CalendRu) Daily(ctx context.Context, date time.Time) (Daily, error) {
	key := date.Format("2006-01-02")
	if d, ok := c.cache.get(key); ok {
		return d, nil
	}

	dayDoc, err := c.client.Document(ctx, c.base+"/day/"+key+"/")
	if err != nil {
		return Daily{}, fmt.Errorf("%w: calend.ru day %s: %v", calendar.ErrCalendarUnavailable, key, err)
	}
	detailDoc, err := c.client.Document(ctx, c.base+"/calendar/daily/"+detailSlug(date)+"/")
	if err != nil {
		c.log.Debug("calend.ru detail page unavailable", logx.String("date", key), logx.Err(err))
		detailDoc = nil
	}

	d := c.parse(dayDoc, detailDoc)
	d.Date = date
	if len(d.Items) == 0 {
		return Daily{}, fmt.Errorf("%w: %s", ErrNoHolidays, key)
	}
	c.cache.put(key, d)
	return d, nil
}

func detailSlug(d time.Time) string {
	return fmt.Sprintf("%d-%s-%d-goda-%s", d.Day(), monthSlugs[d.Month()-1], d.Year(), weekdaySlugs[d.Weekday()])
}

func (c *CalendRu) parse(dayDoc, detailDoc *html.Node) Daily {
	var d Daily
	if detailDoc != nil {
		d.Items = c.detailItems(detailDoc)
		d.ImageURL = c.featureImage(detailDoc)
		d.Headline = scrape.Text(scrape.First(detailDoc, scrape.Tag(atom.H1)))
	}
	if len(d.Items) == 0 {
		d.Items = c.dayItems(dayDoc)
	}
	if d.ImageURL == "" {
		li := scrape.SelectFirst(dayDoc, scrape.Class("block", "holidays"), scrape.Tag(atom.Ul, "itemsNet"), scrape.Tag(atom.Li))
		d.ImageURL = c.itemImage(li)
	}
	if d.Headline == "" {
		d.Headline = scrape.Text(scrape.First(dayDoc, scrape.Tag(atom.H1)))
	}
	for _, a := range scrape.Select(dayDoc, scrape.Class("block", "nameDay"), scrape.Tag(atom.A, "title")) {
		if t := scrape.Text(a); t != "" {
			d.Names = append(d.Names, t)
		}
	}
	return d
}

// detailItems reads the list following the "что важного" heading.
func (c *CalendRu) detailItems(doc *html.Node) []Item {
	var list *html.Node
	for _, h3 := range scrape.FindAll(doc, scrape.Tag(atom.H3)) {
		if strings.Contains(strings.ToLower(scrape.Text(h3)), "что важного") {
			if list = scrape.After(h3, scrape.Tag(atom.Ul)); list != nil {
				break
			}
		}
	}
	if list == nil {
		return nil
	}
	var items []Item
	for _, li := range scrape.FindAll(list, scrape.Tag(atom.Li)) {
		it := Item{Title: scrape.Text(li)}
		if a := scrape.First(li, scrape.Tag(atom.A)); a != nil {
			it = Item{Title: scrape.Text(a), URL: scrape.Resolve(c.base, scrape.Attr(a, "href"))}
		}
		if it.Title != "" {
			items = append(items, it)
		}
	}
	return items
}

func (c *CalendRu) dayItems(doc *html.Node) []Item {
	var items []Item
	for _, li := range scrape.Select(doc, scrape.Class("block", "holidays"), scrape.Tag(atom.Ul, "itemsNet"), scrape.Tag(atom.Li)) {
		a := scrape.SelectFirst(li, scrape.Class("caption"), scrape.Class("title"), scrape.Tag(atom.A))
		if a == nil {
			continue
		}
		if t := scrape.Text(a); t != "" {
			items = append(items, Item{Title: t, URL: scrape.Resolve(c.base, scrape.Attr(a, "href"))})
		}
	}
	return items
}

func (c *CalendRu) featureImage(doc *html.Node) string {
	for _, box := range []scrape.Match{scrape.Class("wp-caption"), scrape.Class("single-post-thumb")} {
		img := scrape.SelectFirst(doc, box, scrape.Tag(atom.Img))
		if img == nil {
			continue
		}
		for _, key := range []string{"data-lazy-src", "data-src", "src"} {
			if v := scrape.Attr(img, key); v != "" {
				return scrape.Resolve(c.base, v)
			}
		}
	}
	return ""
}

// itemImage reads an <img> or a background-image url(...) style.
func (c *CalendRu) itemImage(li *html.Node) string {
	if li == nil {
		return ""
	}
	if img := scrape.First(li, scrape.Tag(atom.Img)); img != nil && scrape.Attr(img, "src") != "" {
		return scrape.Resolve(c.base, scrape.Attr(img, "src"))
	}
	style := scrape.Attr(scrape.First(li, scrape.Class("image")), "style")
	i := strings.Index(style, "url(")
	if i < 0 {
		return ""
	}
	rest := style[i+len("url("):]
	j := strings.Index(rest, ")")
	if j < 0 {
		return ""
	}
	raw := strings.Trim(strings.TrimSpace(rest[:j]), `'"`)
	return scrape.Resolve(c.base, raw)
}
