package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"

	"legendalf/internal/calendar"
	"legendalf/internal/schedule"
	logx "legendalf/pkg/logx"
)

// LegacySentinel is the meta key written once a legacy import fully succeeds.
const LegacySentinel = "migration.legacy"

// Legacy kind names as they appear in users.json.
const (
	legacyBase     = "base"
	legacyHolidays = "holidays"
	legacyFilms    = "films"
	legacyFilmsDay = "films_day"
)

var legacyPayloads = map[string]schedule.PayloadType{
	legacyBase:     schedule.PayloadQuote,
	legacyHolidays: schedule.PayloadHolidays,
	legacyFilms:    schedule.PayloadFilms,
	legacyFilmsDay: schedule.PayloadFilmsDay,
}

// EntryError describes one legacy entry that could not be converted.
type EntryError struct {
	Entry string
	Err   error
}

// MigrationError reports a failed or partial import. The legacy file is
// never modified; entries that did convert stay in the store.
type MigrationError struct {
	Path    string
	Err     error // whole-file failure (unreadable, not JSON)
	Entries []EntryError
}

func (e *MigrationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("legacy migration %s: %v", e.Path, e.Err)
	}
	parts := make([]string, 0, len(e.Entries))
	for _, ee := range e.Entries {
		parts = append(parts, ee.Entry+": "+ee.Err.Error())
	}
	return fmt.Sprintf("legacy migration %s: %d entries failed: %s", e.Path, len(e.Entries), strings.Join(parts, "; "))
}

func (e *MigrationError) Is(target error) bool { return target == ErrMigrationFailed }
func (e *MigrationError) Unwrap() error         { return e.Err }

type MigrateOptions struct {
	// Location interprets legacy wall-clock times and last_sent dates.
	Location *time.Location
	Now      func() time.Time
	Logger   logx.Logger
	// Force re-runs the import even when the sentinel is present. Existing
	// records are still never overwritten.
	Force bool
}

type MigrationResult struct {
	Schedules   int // newly imported schedules
	Grants      int // newly imported grants
	Existing    int // entries skipped because their id was already stored
	AlreadyDone bool
	NoFile      bool
}

// legacyID accepts both 123 and "123".
type legacyID int64

func (id *legacyID) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("bad id %s", b)
	}
	*id = legacyID(v)
	return nil
}

type legacyUser struct {
	Username    *string `json:"username"`
	FirstName   *string `json:"first_name"`
	LastName    *string `json:"last_name"`
	AddedAt     string  `json:"added_at"`
	RequestedAt string  `json:"requested_at"`
}

type legacyKind struct {
	Enabled  *bool             `json:"enabled"`
	AtTime   string            `json:"at_time"`
	LastSent map[string]string `json:"last_sent"`
}

// legacyChat covers both layouts: per-kind entries under "kinds" and the
// older flat entry with kind/at_time/last_sent at chat level.
type legacyChat struct {
	Enabled  *bool                 `json:"enabled"`
	TZ       string                `json:"tz"`
	Kinds    map[string]legacyKind `json:"kinds"`
	Kind     string                `json:"kind"`
	AtTime   string                `json:"at_time"`
	LastSent json.RawMessage       `json:"last_sent"`
}

type legacySnapshot struct {
	Admins    []legacyID                 `json:"admins"`
	Allowed   map[string]legacyUser      `json:"allowed"`
	Pending   map[string]legacyUser      `json:"pending"`
	Schedules map[string]json.RawMessage `json:"schedules"`
}

// MigrateFromLegacy imports the legacy users.json snapshot at path into st.
// It runs before scheduling starts and is idempotent: ids are derived from
// (chat, kind) and existing records are left alone. The sentinel is written
// only when every entry converted; otherwise a *MigrationError is returned.
func MigrateFromLegacy(ctx context.Context, st Store, fsys afero.Fs, path string, opts MigrateOptions) (MigrationResult, error) {
	var res MigrationResult
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger.With(logx.String("comp", "legacy"), logx.String("path", path))

	if !opts.Force {
		if v, ok, err := st.GetMeta(ctx, LegacySentinel); err != nil {
			return res, err
		} else if ok {
			log.Debug("legacy migration already done", logx.String("sentinel", v))
			res.AlreadyDone = true
			return res, nil
		}
	}

	b, err := afero.ReadFile(fsys, path)
	if errors.Is(err, fs.ErrNotExist) {
		res.NoFile = true
		return res, nil
	}
	if err != nil {
		return res, &MigrationError{Path: path, Err: err}
	}
	var snap legacySnapshot
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&snap); err != nil {
		return res, &MigrationError{Path: path, Err: err}
	}

	now := opts.Now()
	var failed []EntryError

	for _, g := range legacyGrants(snap) {
		created, err := putGrantOnce(ctx, st, g.grant)
		if err != nil {
			failed = append(failed, EntryError{Entry: g.entry, Err: err})
			continue
		}
		if created {
			res.Grants++
		}
	}

	for _, chatKey := range sortedKeys(snap.Schedules) {
		entries, err := legacyEntries(chatKey, snap.Schedules[chatKey])
		if err != nil {
			failed = append(failed, EntryError{Entry: "chat " + chatKey, Err: err})
			continue
		}
		for _, e := range entries {
			name := fmt.Sprintf("chat %d/%s", e.chatID, e.kind)
			if e.tz != "" && e.tz != opts.Location.String() {
				log.Warn("legacy time zone differs, keeping wall-clock time",
					logx.Int64("chat_id", e.chatID), logx.String("tz", e.tz), logx.String("zone", opts.Location.String()))
			}
			sc, skip, err := convertLegacy(e, opts.Location, now)
			if err != nil {
				failed = append(failed, EntryError{Entry: name, Err: err})
				continue
			}
			if skip {
				continue
			}
			if _, err := st.Get(ctx, sc.ID); err == nil {
				res.Existing++
				continue
			} else if !errors.Is(err, ErrNotFound) {
				failed = append(failed, EntryError{Entry: name, Err: err})
				continue
			}
			if err := st.Save(ctx, sc); err != nil {
				failed = append(failed, EntryError{Entry: name, Err: err})
				continue
			}
			res.Schedules++
		}
	}

	if len(failed) > 0 {
		merr := &MigrationError{Path: path, Entries: failed}
		log.Error("legacy migration incomplete",
			logx.Int("imported", res.Schedules), logx.Int("failed", len(failed)), logx.Err(merr))
		return res, merr
	}
	if err := st.PutMeta(ctx, LegacySentinel, fmt.Sprintf("%s schedules=%d grants=%d", now.UTC().Format(time.RFC3339), res.Schedules, res.Grants)); err != nil {
		return res, err
	}
	log.Info("legacy migration done",
		logx.Int("schedules", res.Schedules), logx.Int("grants", res.Grants), logx.Int("existing", res.Existing))
	return res, nil
}

type legacyEntry struct {
	chatID   int64
	kind     string
	enabled  bool
	atTime   string
	lastSent map[string]string
	tz       string
}

func legacyEntries(chatKey string, raw json.RawMessage) ([]legacyEntry, error) {
	chatID, err := strconv.ParseInt(strings.TrimSpace(chatKey), 10, 64)
	if err != nil || chatID == 0 {
		return nil, fmt.Errorf("bad chat id %q", chatKey)
	}
	var c legacyChat
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, err
	}
	chatEnabled := c.Enabled == nil || *c.Enabled

	var out []legacyEntry
	if c.Kind != "" {
		ls := map[string]string{}
		_ = json.Unmarshal(c.LastSent, &ls)
		out = append(out, legacyEntry{chatID: chatID, kind: c.Kind, enabled: chatEnabled, atTime: c.AtTime, lastSent: ls, tz: c.TZ})
	}
	kinds := make([]string, 0, len(c.Kinds))
	for k := range c.Kinds {
		if k != c.Kind {
			kinds = append(kinds, k)
		}
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		ke := c.Kinds[k]
		enabled := chatEnabled && ke.Enabled != nil && *ke.Enabled
		out = append(out, legacyEntry{chatID: chatID, kind: k, enabled: enabled, atTime: ke.AtTime, lastSent: ke.LastSent, tz: c.TZ})
	}
	return out, nil
}

// convertLegacy maps one entry to a schedule. Entries without a time were
// placeholders in the old format and are skipped.
func convertLegacy(e legacyEntry, loc *time.Location, now time.Time) (schedule.Schedule, bool, error) {
	at := strings.TrimSpace(e.atTime)
	if at == "" || at == "—" {
		return schedule.Schedule{}, true, nil
	}
	payload, ok := legacyPayloads[e.kind]
	if !ok {
		return schedule.Schedule{}, false, fmt.Errorf("unknown kind %q", e.kind)
	}
	h, m, err := calendar.ParseClock(at)
	if err != nil {
		return schedule.Schedule{}, false, err
	}

	sc := schedule.Schedule{
		ID:        schedule.LegacyID(e.chatID, e.kind),
		ChatID:    e.chatID,
		Kind:      schedule.DailyAt,
		Params:    schedule.Params{Hour: h, Minute: m},
		Payload:   schedule.Payload{Type: payload},
		Enabled:   e.enabled,
		CreatedBy: e.chatID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if e.kind == legacyFilms {
		sc.Kind = schedule.MonthlyOn
		sc.Params.Day = 1
	}
	if !e.enabled {
		sc.DisabledReason = "disabled in legacy data"
	}
	// last_sent is {"HH:MM": "YYYY-MM-DD"}; only the current time slot counts.
	if day, ok := e.lastSent[at]; ok {
		if d, err := time.ParseInLocation("2006-01-02", strings.TrimSpace(day), loc); err == nil {
			sc.LastFiredAt = time.Date(d.Year(), d.Month(), d.Day(), h, m, 0, 0, loc)
		}
	}
	if err := sc.Validate(); err != nil {
		return schedule.Schedule{}, false, err
	}
	return sc, false, nil
}

type namedGrant struct {
	entry string
	grant Grant
}

func legacyGrants(snap legacySnapshot) []namedGrant {
	var out []namedGrant
	admins := map[int64]bool{}
	for _, id := range snap.Admins {
		admins[int64(id)] = true
		out = append(out, namedGrant{entry: fmt.Sprintf("admin %d", id), grant: Grant{UserID: int64(id), Role: RoleAdmin}})
	}
	add := func(bucket map[string]legacyUser, role Role) {
		for _, key := range sortedKeys(bucket) {
			u := bucket[key]
			uid, err := strconv.ParseInt(strings.TrimSpace(key), 10, 64)
			if err != nil || admins[uid] {
				continue
			}
			g := Grant{UserID: uid, Role: role, Username: deref(u.Username), FirstName: deref(u.FirstName), LastName: deref(u.LastName)}
			g.RequestedAt = parseLegacyTime(u.RequestedAt)
			g.GrantedAt = parseLegacyTime(u.AddedAt)
			out = append(out, namedGrant{entry: fmt.Sprintf("%s %d", role, uid), grant: g})
		}
	}
	add(snap.Allowed, RoleAllowed)
	add(snap.Pending, RolePending)
	return out
}

// putGrantOnce never overwrites. Allowed users are imported before pending
// ones, so a user listed in both keeps the allowed role.
func putGrantOnce(ctx context.Context, st Store, g Grant) (bool, error) {
	_, err := st.GetGrant(ctx, g.UserID)
	switch {
	case err == nil:
		return false, nil
	case !errors.Is(err, ErrNotFound):
		return false, err
	}
	return true, st.PutGrant(ctx, g)
}

func parseLegacyTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return strings.TrimSpace(*p)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, errA := strconv.ParseInt(keys[i], 10, 64)
		b, errB := strconv.ParseInt(keys[j], 10, 64)
		if errA == nil && errB == nil {
			return a < b
		}
		return keys[i] < keys[j]
	})
	return keys
}
