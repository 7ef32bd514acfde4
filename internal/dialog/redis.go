package dialog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "checkinbot:dialog:"

// RedisStore keeps dialog states in Redis so several bot processes (or a
// restarted one) observe the same flow state.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisStore(redisURL, prefix string, ttl time.Duration) (*RedisStore, error) {
	url := strings.TrimSpace(redisURL)
	if url == "" {
		return nil, errors.New("dialog: redis url is required")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("dialog: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("dialog: redis ping failed: %w", err)
	}
	return NewRedisStoreWithClient(client, prefix, ttl), nil
}

// NewRedisStoreWithClient wraps an existing client. ttl <= 0 keeps states until cleared.
func NewRedisStoreWithClient(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if strings.TrimSpace(prefix) == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) key(userKey string) string { return s.prefix + strings.TrimSpace(userKey) }

func (s *RedisStore) Get(ctx context.Context, userKey string) (string, error) {
	data, err := s.client.Get(ctx, s.key(userKey)).Bytes()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("dialog: get %s: %w", userKey, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return "", fmt.Errorf("dialog: decode %s: %w", userKey, err)
	}
	return rec.State, nil
}

func (s *RedisStore) Set(ctx context.Context, userKey, state string) error {
	if strings.TrimSpace(userKey) == "" {
		return ErrUserRequired
	}
	if state == "" {
		return s.Clear(ctx, userKey)
	}
	data, err := json.Marshal(Record{State: state, EnteredAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	ttl := s.ttl
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, s.key(userKey), data, ttl).Err(); err != nil {
		return fmt.Errorf("dialog: set %s: %w", userKey, err)
	}
	return nil
}

func (s *RedisStore) Clear(ctx context.Context, userKey string) error {
	if err := s.client.Del(ctx, s.key(userKey)).Err(); err != nil {
		return fmt.Errorf("dialog: clear %s: %w", userKey, err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
