// Package dialog holds the per-user interactive flow state ("which multi-step
// dialog is this user inside"). The bot layer writes it; the scheduling engine
// only reads it, except for clearing an abandoned state.
package dialog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Tracked dialog states entered by the bot layer.
const (
	StateLogActivity = "log:activity"
	StateLogCategory = "log:category"
	StateLogNote     = "log:note"
)

var ErrUserRequired = errors.New("dialog: user key required")

// Store is the dialog-state collaborator. Get returns "" when the user is idle.
// Lookup failures are returned as errors, never as an idle state.
type Store interface {
	Get(ctx context.Context, userKey string) (string, error)
	Set(ctx context.Context, userKey, state string) error
	Clear(ctx context.Context, userKey string) error
	Close() error
}

// Record is the persisted form of a dialog state.
type Record struct {
	State     string    `json:"state"`
	EnteredAt time.Time `json:"entered_at"`
}

// Config selects and configures a Store.
type Config struct {
	Driver    string        `json:"driver"` // memory | redis
	RedisURL  string        `json:"redis_url"`
	KeyPrefix string        `json:"key_prefix"`
	TTL       time.Duration `json:"ttl"`
}

// Open builds the Store named by cfg.Driver.
func Open(cfg Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory", "mem":
		return NewMemoryStoreWithTTL(cfg.TTL), nil
	case "redis":
		return NewRedisStore(cfg.RedisURL, cfg.KeyPrefix, cfg.TTL)
	default:
		return nil, fmt.Errorf("dialog: unknown driver %q", cfg.Driver)
	}
}

// MemoryStore keeps dialog states in process memory. States older than the
// TTL read as idle and are dropped on lookup.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]Record
	ttl    time.Duration
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore { return NewMemoryStoreWithTTL(0) }

// NewMemoryStoreWithTTL builds a MemoryStore. ttl <= 0 keeps states until cleared.
func NewMemoryStoreWithTTL(ttl time.Duration) *MemoryStore {
	return &MemoryStore{states: map[string]Record{}, ttl: ttl, now: time.Now}
}

func (m *MemoryStore) Get(ctx context.Context, userKey string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.states[userKey]
	if !ok {
		return "", nil
	}
	if m.ttl > 0 && m.now().Sub(rec.EnteredAt) >= m.ttl {
		delete(m.states, userKey)
		return "", nil
	}
	return rec.State, nil
}

func (m *MemoryStore) Set(ctx context.Context, userKey, state string) error {
	userKey = strings.TrimSpace(userKey)
	if userKey == "" {
		return ErrUserRequired
	}
	if state == "" {
		return m.Clear(ctx, userKey)
	}
	m.mu.Lock()
	m.states[userKey] = Record{State: state, EnteredAt: m.now()}
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Clear(ctx context.Context, userKey string) error {
	m.mu.Lock()
	delete(m.states, strings.TrimSpace(userKey))
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Close() error { return nil }
