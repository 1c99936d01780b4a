// Package lease реализует кластерную аренду лидерства на Redis.
// Аренда — это ключ с TTL и токеном владельца: SET NX PX для захвата,
// Lua-скрипты со сравнением токена для продления и освобождения.
// Упавший владелец ничего не освобождает — аренда истекает сама по TTL.
package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"example.com/event-relay/pkg/logger"
)

const (
	// ReplayLeaderKey — ключ аренды лидерства replay-воркера.
	// Один ключ на кластер: replay выполняет ровно один процесс.
	ReplayLeaderKey = "event-relay:replay-leader"

	// DefaultTTL — срок аренды без продления.
	DefaultTTL = 60 * time.Second
)

// ErrNotHeld — операция требует удерживаемой аренды.
var ErrNotHeld = errors.New("аренда не удерживается этим процессом")

// Lease — кластерная аренда. Позволяет мокать в тестах без Redis.
type Lease interface {
	// TryAcquire пытается захватить аренду без ожидания.
	// Возвращает true, если аренда захвачена или уже удерживается.
	TryAcquire(ctx context.Context) (bool, error)

	// Release освобождает аренду, если она удерживается этим процессом.
	Release(ctx context.Context) error

	// Held возвращает true, пока процесс считает себя владельцем.
	Held() bool
}

// renewScript продлевает аренду только её владельцу.
// Сравнение токена и PEXPIRE должны быть атомарными: между GET и EXPIRE
// аренда может истечь и достаться другому процессу.
var renewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript удаляет аренду только её владельцу.
// Безусловный DEL снял бы чужую аренду, если своя уже истекла.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`)

// redisLease — реализация Lease на Redis.
type redisLease struct {
	rdb *redis.Client
	key string
	ttl time.Duration

	mu     sync.Mutex
	token  string
	held   bool
	stopCh chan struct{}
}

// New создаёт аренду с ключом key и сроком ttl.
// После захвата фоновый heartbeat продлевает аренду каждые ttl/3.
func New(rdb *redis.Client, key string, ttl time.Duration) Lease {
	if key == "" {
		key = ReplayLeaderKey
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &redisLease{rdb: rdb, key: key, ttl: ttl}
}

// TryAcquire захватывает аренду без ожидания. Если аренда уже удерживается,
// она продлевается; обнаруженная потеря (истёк TTL, ключ занят другим)
// ведёт к попытке нового захвата.
func (l *redisLease) TryAcquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held {
		renewed, err := l.renewLocked(ctx)
		if err != nil {
			return false, err
		}
		if renewed {
			return true, nil
		}
		// Аренда потеряна: heartbeat останавливается, пробуем захватить заново.
		l.lostLocked()
	}

	token := uuid.New().String()
	ok, err := l.rdb.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("ошибка захвата аренды %s: %w", l.key, err)
	}
	if !ok {
		return false, nil
	}

	l.token = token
	l.held = true
	l.stopCh = make(chan struct{})
	go l.heartbeat(l.stopCh, token)

	logger.Info().
		Str("key", l.key).
		Dur("ttl", l.ttl).
		Msg("Аренда лидерства захвачена")

	return true, nil
}

// renewLocked продлевает аренду владельца. Вызывается под l.mu.
func (l *redisLease) renewLocked(ctx context.Context) (bool, error) {
	res, err := renewScript.Run(ctx, l.rdb, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("ошибка продления аренды %s: %w", l.key, err)
	}
	return res == 1, nil
}

// lostLocked сбрасывает владение после потери аренды. Вызывается под l.mu.
func (l *redisLease) lostLocked() {
	if l.stopCh != nil {
		close(l.stopCh)
		l.stopCh = nil
	}
	l.held = false
	l.token = ""

	logger.Warn().
		Str("key", l.key).
		Msg("Аренда лидерства потеряна")
}

// heartbeat продлевает аренду каждые ttl/3 до остановки или потери.
// Интервал втрое короче TTL: два пропущенных продления ещё не теряют аренду.
func (l *redisLease) heartbeat(stopCh chan struct{}, token string) {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
			res, err := renewScript.Run(ctx, l.rdb, []string{l.key}, token, l.ttl.Milliseconds()).Int64()
			cancel()

			if err != nil {
				// Временная ошибка Redis не означает потерю: TTL ещё идёт,
				// следующий тик попробует снова.
				logger.Warn().Err(err).
					Str("key", l.key).
					Msg("Ошибка продления аренды лидерства")
				continue
			}

			if res == 0 {
				l.mu.Lock()
				if l.held && l.token == token {
					l.lostLocked()
				}
				l.mu.Unlock()
				return
			}
		}
	}
}

// Release освобождает аренду, если она удерживается этим процессом.
// Освобождение чужой или истёкшей аренды — не ошибка.
func (l *redisLease) Release(ctx context.Context) error {
	l.mu.Lock()
	if !l.held {
		l.mu.Unlock()
		return nil
	}
	token := l.token
	if l.stopCh != nil {
		close(l.stopCh)
		l.stopCh = nil
	}
	l.held = false
	l.token = ""
	l.mu.Unlock()

	if err := releaseScript.Run(ctx, l.rdb, []string{l.key}, token).Err(); err != nil {
		return fmt.Errorf("ошибка освобождения аренды %s: %w", l.key, err)
	}

	logger.Info().
		Str("key", l.key).
		Msg("Аренда лидерства освобождена")

	return nil
}

// Held возвращает true, пока процесс считает себя владельцем аренды.
func (l *redisLease) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}
