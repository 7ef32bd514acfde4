package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

const memAuditCap = 1000

// memState is the in-memory model shared by the memory and file drivers.
type memState struct {
	mu       sync.Mutex
	users    map[string]User
	lastPoll map[string]int64 // unix milli
	audit    []AuditEntry
	now      func() time.Time
}

func newMemState() *memState {
	return &memState{users: map[string]User{}, lastPoll: map[string]int64{}, now: time.Now}
}

// NewMemory returns a process-local Store.
func NewMemory() Store { return &memStore{st: newMemState()} }

type memStore struct{ st *memState }

func (m *memStore) PutUser(ctx context.Context, u User) error {
	_, err := m.st.putUser(u)
	return err
}

func (m *memStore) GetUser(ctx context.Context, key string) (User, error) {
	return m.st.getUser(key)
}

func (m *memStore) DeleteUser(ctx context.Context, key string) error {
	m.st.deleteUser(key)
	return nil
}

func (m *memStore) ListUsers(ctx context.Context) ([]User, error) {
	return m.st.listUsers(), nil
}

func (m *memStore) RecordLastPollTime(ctx context.Context, key string, at time.Time) error {
	m.st.recordLastPoll(key, at)
	return nil
}

func (m *memStore) LastPollTime(ctx context.Context, key string) (time.Time, bool, error) {
	at, ok := m.st.lastPollTime(key)
	return at, ok, nil
}

func (m *memStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	m.st.appendAudit(e)
	return nil
}

func (m *memStore) RecentAudit(ctx context.Context, userKey string, limit int) ([]AuditEntry, error) {
	return m.st.recentAudit(userKey, limit), nil
}

func (m *memStore) Close() error { return nil }

func (s *memState) putUser(u User) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.users[strings.TrimSpace(u.Key)]; ok && u.CreatedAt.IsZero() {
		u.CreatedAt = prev.CreatedAt
	}
	u, err := normalizeUser(u, s.now())
	if err != nil {
		return u, err
	}
	s.users[u.Key] = u
	return u, nil
}

func (s *memState) getUser(key string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[strings.TrimSpace(key)]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (s *memState) deleteUser(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key = strings.TrimSpace(key)
	delete(s.users, key)
	delete(s.lastPoll, key)
}

func (s *memState) listUsers() []User {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (s *memState) recordLastPoll(key string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPoll[strings.TrimSpace(key)] = at.UnixMilli()
}

func (s *memState) lastPollTime(key string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.lastPoll[strings.TrimSpace(key)]
	if !ok {
		return time.Time{}, false
	}
	return time.UnixMilli(ms).UTC(), true
}

func (s *memState) appendAudit(e AuditEntry) {
	if e.At.IsZero() {
		e.At = s.now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.audit) >= memAuditCap {
		copy(s.audit, s.audit[1:])
		s.audit = s.audit[:len(s.audit)-1]
	}
	s.audit = append(s.audit, e)
}

func (s *memState) recentAudit(userKey string, limit int) []AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	userKey = strings.TrimSpace(userKey)
	var out []AuditEntry
	for i := len(s.audit) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if userKey != "" && s.audit[i].UserKey != userKey {
			continue
		}
		out = append(out, s.audit[i])
	}
	return out
}
