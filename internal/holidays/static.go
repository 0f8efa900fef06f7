package holidays

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/spf13/afero"
	yaml "go.yaml.in/yaml/v3"

	"legendalf/internal/calendar"
)

var reMonthDay = regexp.MustCompile(`^(0[1-9]|1[0-2])-(0[1-9]|[12]\d|3[01])$`)

// Static serves holidays from a YAML file mapping "MM-DD" to one name or a
// list of names. It never fails at lookup time, which makes it a fit for
// offline installs and tests.
type Static struct {
	byDay map[string][]string
}

// LoadStatic reads path from fs.
func LoadStatic(fs afero.Fs, path string) (*Static, error) {
	b, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("read holidays file: %w", err)
	}
	return ParseStatic(b)
}

func ParseStatic(b []byte) (*Static, error) {
	var raw map[string]yaml.Node
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("parse holidays file: %w", err)
	}
	s := &Static{byDay: make(map[string][]string, len(raw))}
	for key, node := range raw {
		if !reMonthDay.MatchString(key) {
			return nil, fmt.Errorf("holidays file: invalid key %q (use MM-DD)", key)
		}
		var names []string
		switch node.Kind {
		case yaml.ScalarNode:
			names = []string{node.Value}
		case yaml.SequenceNode:
			if err := node.Decode(&names); err != nil {
				return nil, fmt.Errorf("holidays file: %s: %w", key, err)
			}
		default:
			return nil, fmt.Errorf("holidays file: %s: expected a name or a list", key)
		}
		s.byDay[key] = names
	}
	return s, nil
}

func (s *Static) Daily(_ context.Context, date time.Time) (Daily, error) {
	names := s.byDay[date.Format("01-02")]
	if len(names) == 0 {
		return Daily{}, fmt.Errorf("%w: %s", ErrNoHolidays, date.Format("2006-01-02"))
	}
	d := Daily{Date: date}
	for _, n := range names {
		d.Items = append(d.Items, Item{Title: n})
	}
	return d, nil
}

func (s *Static) NextHoliday(ctx context.Context, after time.Time) (calendar.Holiday, error) {
	return nextFromDaily(ctx, after, 366, s.Daily)
}

// Days lists configured keys in calendar order.
func (s *Static) Days() []string {
	out := make([]string, 0, len(s.byDay))
	for k := range s.byDay {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
