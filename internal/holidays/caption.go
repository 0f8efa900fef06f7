package holidays

import (
	"fmt"
	"html"
	"strings"
	"time"
)

const emptyDay = "Сегодня подходящий день, чтобы просто радоваться жизни."

// Caption renders the HTML digest for d. limit <= 0 keeps every item.
func Caption(d Daily, limit int, includeNames bool) string {
	items := d.Items
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	lines := make([]string, 0, len(items))
	for _, it := range items {
		lines = append(lines, "• "+html.EscapeString(it.Title))
	}
	body := emptyDay
	if len(lines) > 0 {
		body = strings.Join(lines, "\n")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "<b>Сегодня (%s) Средиземье празднует:</b>\n%s", d.Date.Format("02.01.2006"), body)
	if includeNames {
		if names := NameSection(d.Date, d.Names); names != "" {
			b.WriteString("\n\n")
			b.WriteString(names)
		}
	}
	return b.String()
}

// NameSection renders the name-day greeting, or "" when there are no names.
func NameSection(date time.Time, names []string) string {
	clean := make([]string, 0, len(names))
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			clean = append(clean, html.EscapeString(n))
		}
	}
	if len(clean) == 0 {
		return ""
	}
	return fmt.Sprintf("<b>Кто сегодня именинник?</b>\n%d %s празднуют именины %s.\nУважаемые именинники, примите поздравления от Гэндальфа!",
		date.Day(), MonthGenitive(date.Month()), strings.Join(clean, ", "))
}
