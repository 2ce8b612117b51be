package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

const defaultLockKey = "billing:reconcile:lock"

// releaseScript удаляет ключ, только если он все еще принадлежит владельцу.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript продлевает ключ, только если он все еще принадлежит владельцу.
var refreshScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RunLock распределенная блокировка прохода сверки (SET NX PX).
type RunLock struct {
	client goredis.UniversalClient
	key    string
	ttl    time.Duration

	mu    sync.Mutex
	token string
}

// NewRunLock создает блокировку. Пустой key заменяется ключом по умолчанию.
func NewRunLock(client goredis.UniversalClient, key string, ttl time.Duration) *RunLock {
	if key == "" {
		key = defaultLockKey
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RunLock{client: client, key: key, ttl: ttl}
}

// TryLock пытается захватить блокировку без ожидания
func (l *RunLock) TryLock(ctx context.Context) (bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis: failed to acquire lock %s: %w", l.key, err)
	}
	if !ok {
		return false, nil
	}

	l.mu.Lock()
	l.token = token
	l.mu.Unlock()
	return true, nil
}

// TTL срок жизни блокировки без продления
func (l *RunLock) TTL() time.Duration {
	return l.ttl
}

// Refresh продлевает блокировку еще на TTL. false означает, что блокировка
// истекла или перехвачена другим владельцем.
func (l *RunLock) Refresh(ctx context.Context) (bool, error) {
	l.mu.Lock()
	token := l.token
	l.mu.Unlock()

	if token == "" {
		return false, nil
	}
	extended, err := refreshScript.Run(ctx, l.client, []string{l.key}, token, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("redis: failed to refresh lock %s: %w", l.key, err)
	}
	return extended == 1, nil
}

// Unlock освобождает блокировку, если она наша
func (l *RunLock) Unlock(ctx context.Context) error {
	l.mu.Lock()
	token := l.token
	l.token = ""
	l.mu.Unlock()

	if token == "" {
		return nil
	}
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, token).Err(); err != nil {
		return fmt.Errorf("redis: failed to release lock %s: %w", l.key, err)
	}
	return nil
}
