package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iemedia/ChirpNestSSR/internal/domain"
	"github.com/iemedia/ChirpNestSSR/internal/infra/metrics"
)

// RedisCache реализует domain.Cache через Redis.
type RedisCache struct {
	client *redis.Client
}

// NewRedis создаёт кэш.
func NewRedis(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Once выполняет функцию, если ключ ещё не задан. При ошибке fn ключ
// удаляется, чтобы следующая попытка могла повторить работу.
func (c *RedisCache) Once(ctx context.Context, key string, ttl time.Duration, fn func() error) error {
	start := time.Now()
	ok, err := c.client.SetNX(ctx, key, "1", ttl).Result()
	metrics.ObserveNetworkRequest("redis", "setnx", "cache", start, err)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := fn(); err != nil {
		_ = c.client.Del(context.WithoutCancel(ctx), key).Err()
		return err
	}
	return nil
}

// Set задаёт значение.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

// Get возвращает значение. Отсутствующий ключ — domain.ErrNotFound.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrNotFound
	}
	return b, err
}

// SessionStore хранит сессии в Redis под префиксом.
type SessionStore struct {
	client *redis.Client
	prefix string
}

// NewSessionStore создаёт хранилище сессий.
func NewSessionStore(client *redis.Client, prefix string) *SessionStore {
	if prefix == "" {
		prefix = "chirpnest:session:"
	}
	return &SessionStore{client: client, prefix: prefix}
}

// Load возвращает сессию или domain.ErrNotFound.
func (s *SessionStore) Load(ctx context.Context, key string) (*domain.Session, error) {
	start := time.Now()
	raw, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.ObserveNetworkRequest("redis", "session_load", "session", start, nil)
		return nil, domain.ErrNotFound
	}
	metrics.ObserveNetworkRequest("redis", "session_load", "session", start, err)
	if err != nil {
		return nil, fmt.Errorf("чтение сессии: %w", err)
	}
	var sess domain.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("разбор сессии: %w", err)
	}
	return &sess, nil
}

// Save сохраняет сессию с TTL.
func (s *SessionStore) Save(ctx context.Context, key string, sess *domain.Session, ttl time.Duration) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("кодирование сессии: %w", err)
	}
	start := time.Now()
	err = s.client.Set(ctx, s.prefix+key, raw, ttl).Err()
	metrics.ObserveNetworkRequest("redis", "session_save", "session", start, err)
	return err
}

// Delete удаляет сессию.
func (s *SessionStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+key).Err()
}
