package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "checkinbot/pkg/logx"
)

const compactEvery = 500

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.audit.jsonl          (append-only JSON Lines)
//   - <prefix>.users.snapshot.json  (periodic snapshot)
//   - <prefix>.users.journal.jsonl  (append-only journal)
//
// The journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger
	st  *memState

	mu sync.Mutex

	auditFile    *os.File
	snapshotPath string
	journalFile  *os.File
	writes       int
}

type journalOp string

const (
	opPutUser  journalOp = "put"
	opDelUser  journalOp = "del"
	opLastPoll journalOp = "poll"
)

type journalRecord struct {
	Op   journalOp `json:"op"`
	Key  string    `json:"key,omitempty"`
	User *User     `json:"user,omitempty"`
	At   int64     `json:"at,omitempty"` // unix milli
}

type snapshot struct {
	Users    map[string]User  `json:"users"`
	LastPoll map[string]int64 `json:"last_poll"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	auditPath := prefix + ".audit.jsonl"
	snapPath := prefix + ".users.snapshot.json"
	journalPath := prefix + ".users.journal.jsonl"

	st := newMemState()
	if err := loadSnapshot(snapPath, st); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("storage snapshot unreadable; starting from journal", logx.String("path", snapPath), logx.Err(err))
	}
	if err := replayJournal(journalPath, st); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("storage journal replay incomplete", logx.String("path", journalPath), logx.Err(err))
	}

	af, err := os.OpenFile(auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}

	log.Info("file storage opened", logx.String("prefix", prefix), logx.Int("users", len(st.users)))
	return &fileStore{
		log:          log,
		st:           st,
		auditFile:    af,
		snapshotPath: snapPath,
		journalFile:  jf,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.journalFile != nil {
		if err := s.compactLocked(); err != nil {
			errs = append(errs, err)
		}
		errs = append(errs, s.journalFile.Close())
		s.journalFile = nil
	}
	if s.auditFile != nil {
		errs = append(errs, s.auditFile.Close())
		s.auditFile = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) PutUser(ctx context.Context, u User) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return errors.New("users journal closed")
	}
	stored, err := s.st.putUser(u)
	if err != nil {
		return err
	}
	return s.appendLocked(journalRecord{Op: opPutUser, Key: stored.Key, User: &stored})
}

func (s *fileStore) GetUser(ctx context.Context, key string) (User, error) {
	return s.st.getUser(key)
}

func (s *fileStore) DeleteUser(ctx context.Context, key string) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return errors.New("users journal closed")
	}
	s.st.deleteUser(key)
	return s.appendLocked(journalRecord{Op: opDelUser, Key: key})
}

func (s *fileStore) ListUsers(ctx context.Context) ([]User, error) {
	return s.st.listUsers(), nil
}

func (s *fileStore) RecordLastPollTime(ctx context.Context, key string, at time.Time) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return errors.New("users journal closed")
	}
	s.st.recordLastPoll(key, at)
	return s.appendLocked(journalRecord{Op: opLastPoll, Key: key, At: at.UnixMilli()})
}

func (s *fileStore) LastPollTime(ctx context.Context, key string) (time.Time, bool, error) {
	at, ok := s.st.lastPollTime(key)
	return at, ok, nil
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errors.New("audit file closed")
	}
	s.st.appendAudit(e)
	return json.NewEncoder(s.auditFile).Encode(e)
}

// RecentAudit serves entries appended since the store was opened.
func (s *fileStore) RecentAudit(ctx context.Context, userKey string, limit int) ([]AuditEntry, error) {
	return s.st.recentAudit(userKey, limit), nil
}

func (s *fileStore) appendLocked(r journalRecord) error {
	if err := json.NewEncoder(s.journalFile).Encode(r); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("users journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	s.st.mu.Lock()
	snap := snapshot{Users: make(map[string]User, len(s.st.users)), LastPoll: make(map[string]int64, len(s.st.lastPoll))}
	for k, v := range s.st.users {
		snap.Users[k] = v
	}
	for k, v := range s.st.lastPoll {
		snap.LastPoll[k] = v
	}
	s.st.mu.Unlock()

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, io.SeekEnd)
	return err
}

func loadSnapshot(path string, st *memState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap snapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for k, v := range snap.Users {
		st.users[k] = v
	}
	for k, v := range snap.LastPoll {
		st.lastPoll[k] = v
	}
	return nil
}

func replayJournal(path string, st *memState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		switch r.Op {
		case opPutUser:
			if r.User != nil && r.User.Key != "" {
				st.users[r.User.Key] = *r.User
			}
		case opDelUser:
			delete(st.users, r.Key)
			delete(st.lastPoll, r.Key)
		case opLastPoll:
			if r.Key != "" {
				st.lastPoll[r.Key] = r.At
			}
		}
	}
	return sc.Err()
}
