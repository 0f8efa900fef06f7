package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"legendalf/internal/schedule"
	logx "legendalf/pkg/logx"
)

// fileStore keeps the whole state in memory and persists it as
//   - <prefix>.snapshot.json (compacted state, replaced via tmp+rename)
//   - <prefix>.journal.jsonl (one fsync'd record per write)
//
// A torn final journal line (crash mid-append) is dropped on open; any
// other unparsable record makes the store corrupt.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      journalFile
	writes       int
	compactEvery int

	state fileState
}

type fileState struct {
	Schedules map[string]schedule.Schedule `json:"schedules"`
	Grants    map[string]Grant             `json:"grants"`
	Meta      map[string]string            `json:"meta"`
}

const (
	recSchedule = "schedule"
	recGrant    = "grant"
	recMeta     = "meta"
)

// journalFile is the append side of the journal; *os.File in production.
type journalFile interface {
	io.Writer
	Sync() error
	Truncate(size int64) error
	Stat() (os.FileInfo, error)
	Close() error
}

type journalRecord struct {
	Op    string          `json:"op"` // put | del
	Kind  string          `json:"kind"`
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value,omitempty"`
}

func newFileState() fileState {
	return fileState{
		Schedules: map[string]schedule.Schedule{},
		Grants:    map[string]Grant{},
		Meta:      map[string]string{},
	}
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	st := &fileStore{
		log:          log,
		snapshotPath: prefix + ".snapshot.json",
		compactEvery: 500,
		state:        newFileState(),
	}
	if err := st.loadSnapshot(); err != nil {
		return nil, err
	}
	journalPath := prefix + ".journal.jsonl"
	replayed, err := st.replay(journalPath)
	if err != nil {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, err
	}
	st.journal = jf
	if replayed > 0 {
		if err := st.compactLocked(); err != nil {
			_ = jf.Close()
			return nil, fmt.Errorf("compact journal: %w", err)
		}
	}
	log.Debug("file store opened",
		logx.String("snapshot", st.snapshotPath),
		logx.Int("schedules", len(st.state.Schedules)),
		logx.Int("replayed", replayed),
	)
	return st, nil
}

func (s *fileStore) loadSnapshot() error {
	b, err := os.ReadFile(s.snapshotPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	st := newFileState()
	if err := json.Unmarshal(b, &st); err != nil {
		return corrupt("snapshot "+s.snapshotPath, err)
	}
	if st.Schedules == nil {
		st.Schedules = map[string]schedule.Schedule{}
	}
	if st.Grants == nil {
		st.Grants = map[string]Grant{}
	}
	if st.Meta == nil {
		st.Meta = map[string]string{}
	}
	s.state = st
	return nil
}

// replay applies journal records on top of the snapshot. It works on a copy
// so a corrupt journal leaves nothing half-applied.
func (s *fileStore) replay(path string) (int, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	next := s.state.clone()
	n := 0
	r := bufio.NewReader(bytes.NewReader(b))
	for lineNo := 1; ; lineNo++ {
		line, rerr := r.ReadBytes('\n')
		torn := rerr == io.EOF && len(line) > 0
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			var rec journalRecord
			err := json.Unmarshal(line, &rec)
			if err == nil {
				err = next.apply(rec)
			}
			switch {
			case err != nil && torn:
				s.log.Warn("dropping torn journal tail", logx.String("path", path), logx.Int("line", lineNo))
			case err != nil:
				return 0, corrupt(fmt.Sprintf("journal %s line %d", path, lineNo), err)
			default:
				n++
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return 0, rerr
		}
	}
	s.state = next
	return n, nil
}

func (st fileState) clone() fileState {
	out := newFileState()
	for k, v := range st.Schedules {
		out.Schedules[k] = v
	}
	for k, v := range st.Grants {
		out.Grants[k] = v
	}
	for k, v := range st.Meta {
		out.Meta[k] = v
	}
	return out
}

func (st *fileState) apply(rec journalRecord) error {
	if rec.Key == "" {
		return errors.New("record without key")
	}
	switch rec.Op {
	case "put", "del":
	default:
		return fmt.Errorf("unknown op %q", rec.Op)
	}
	del := rec.Op == "del"
	switch rec.Kind {
	case recSchedule:
		if del {
			delete(st.Schedules, rec.Key)
			return nil
		}
		var sc schedule.Schedule
		if err := json.Unmarshal(rec.Value, &sc); err != nil {
			return err
		}
		st.Schedules[rec.Key] = sc
	case recGrant:
		if del {
			delete(st.Grants, rec.Key)
			return nil
		}
		var g Grant
		if err := json.Unmarshal(rec.Value, &g); err != nil {
			return err
		}
		st.Grants[rec.Key] = g
	case recMeta:
		if del {
			delete(st.Meta, rec.Key)
			return nil
		}
		var v string
		if err := json.Unmarshal(rec.Value, &v); err != nil {
			return err
		}
		st.Meta[rec.Key] = v
	default:
		return fmt.Errorf("unknown record kind %q", rec.Kind)
	}
	return nil
}

// writeLocked appends rec durably and then applies it in memory.
func (s *fileStore) writeLocked(rec journalRecord) error {
	if s.journal == nil {
		return ErrClosed
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	fi, err := s.journal.Stat()
	if err != nil {
		return err
	}
	if _, err := s.journal.Write(line); err != nil {
		return s.rollbackLocked(fi.Size(), err)
	}
	if err := s.journal.Sync(); err != nil {
		return s.rollbackLocked(fi.Size(), err)
	}
	if err := s.state.apply(rec); err != nil {
		return err
	}
	s.writes++
	if s.writes%s.compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("journal compaction failed", logx.Err(err))
		}
	}
	return nil
}

// rollbackLocked cuts the journal back to size after a failed append so a
// partial line never sits in front of later records.
func (s *fileStore) rollbackLocked(size int64, cause error) error {
	if err := s.journal.Truncate(size); err != nil {
		s.log.Error("journal rollback failed", logx.Int64("size", size), logx.Err(err))
		return errors.Join(cause, err)
	}
	if err := s.journal.Sync(); err != nil {
		s.log.Warn("journal rollback sync failed", logx.Err(err))
	}
	return cause
}

func putRecord(kind, key string, v any) (journalRecord, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return journalRecord{}, err
	}
	return journalRecord{Op: "put", Kind: kind, Key: key, Value: b}, nil
}

func (s *fileStore) compactLocked() error {
	b, err := json.Marshal(s.state)
	if err != nil {
		return err
	}
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if d, err := os.Open(filepath.Dir(s.snapshotPath)); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	return s.journal.Sync()
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

func (s *fileStore) Load(ctx context.Context) ([]schedule.Schedule, error) {
	return s.list(func(schedule.Schedule) bool { return true })
}

func (s *fileStore) ListByChat(ctx context.Context, chatID int64) ([]schedule.Schedule, error) {
	return s.list(func(sc schedule.Schedule) bool { return sc.ChatID == chatID })
}

func (s *fileStore) list(keep func(schedule.Schedule) bool) ([]schedule.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil, ErrClosed
	}
	var out []schedule.Schedule
	for _, sc := range s.state.Schedules {
		if keep(sc) {
			out = append(out, sc)
		}
	}
	sortSchedules(out)
	return out, nil
}

func (s *fileStore) Get(ctx context.Context, id string) (schedule.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.state.Schedules[id]
	if !ok {
		return schedule.Schedule{}, fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	return sc, nil
}

func (s *fileStore) Save(ctx context.Context, sc schedule.Schedule) error {
	if strings.TrimSpace(sc.ID) == "" {
		return fmt.Errorf("%w: empty id", schedule.ErrInvalid)
	}
	rec, err := putRecord(recSchedule, sc.ID, sc)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(rec)
}

func (s *fileStore) Update(ctx context.Context, id string, fn func(*schedule.Schedule) error) (schedule.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.state.Schedules[id]
	if !ok {
		return schedule.Schedule{}, fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	if err := fn(&sc); err != nil {
		return schedule.Schedule{}, err
	}
	sc.ID = id
	rec, err := putRecord(recSchedule, id, sc)
	if err != nil {
		return schedule.Schedule{}, err
	}
	if err := s.writeLocked(rec); err != nil {
		return schedule.Schedule{}, err
	}
	return sc, nil
}

func (s *fileStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.Schedules[id]; !ok {
		return nil
	}
	return s.writeLocked(journalRecord{Op: "del", Kind: recSchedule, Key: id})
}

func (s *fileStore) PutGrant(ctx context.Context, g Grant) error {
	if !g.Role.Valid() {
		return fmt.Errorf("invalid role %q", g.Role)
	}
	rec, err := putRecord(recGrant, strconv.FormatInt(g.UserID, 10), g)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(rec)
}

func (s *fileStore) GetGrant(ctx context.Context, userID int64) (Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.state.Grants[strconv.FormatInt(userID, 10)]
	if !ok {
		return Grant{}, fmt.Errorf("grant %d: %w", userID, ErrNotFound)
	}
	return g, nil
}

func (s *fileStore) ListGrants(ctx context.Context, role Role) ([]Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Grant
	for _, g := range s.state.Grants {
		if role == "" || g.Role == role {
			out = append(out, g)
		}
	}
	sortGrants(out)
	return out, nil
}

func (s *fileStore) GetMeta(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.state.Meta[key]
	return v, ok, nil
}

func (s *fileStore) PutMeta(ctx context.Context, key, value string) error {
	rec, err := putRecord(recMeta, key, value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(rec)
}
