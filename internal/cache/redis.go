// Package cache хранит в Redis снимок подписки провайдера для кабинета.
//
// Снимок сбрасывается после каждой активации, источником истины остаётся PostgreSQL.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/magabrotheeeer/blackbook-billing/internal/config"
)

const accountKeyPrefix = "billing:account:"

// Cache обёртка над клиентом Redis.
type Cache struct {
	Db  *redis.Client
	ttl time.Duration
}

// InitServer подключается к Redis и проверяет соединение.
func InitServer(ctx context.Context, cfg config.RedisConnection) (*Cache, error) {
	const op = "cache.InitServer"
	db := redis.NewClient(&redis.Options{
		Addr:         cfg.AddressRedis,
		Password:     cfg.Password,
		DB:           cfg.DB,
		Username:     cfg.User,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.TimeoutRedis,
		WriteTimeout: cfg.TimeoutRedis,
	})

	if err := db.Ping(ctx).Err(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	ttl := cfg.SnapshotTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{Db: db, ttl: ttl}, nil
}

// Get читает значение по ключу. false означает промах.
func (c *Cache) Get(ctx context.Context, key string, result any) (bool, error) {
	const op = "cache.Get"
	val, err := c.Db.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	if err := json.Unmarshal(val, result); err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return true, nil
}

// Set кладёт значение в JSON с временем жизни expiration.
func (c *Cache) Set(ctx context.Context, key string, value any, expiration time.Duration) error {
	const op = "cache.Set"
	jsonData, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := c.Db.Set(ctx, key, jsonData, expiration).Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Invalidate удаляет ключ.
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	const op = "cache.Invalidate"
	if err := c.Db.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// AccountKey возвращает ключ снимка учётной записи.
func AccountKey(telegramID int64) string {
	return accountKeyPrefix + strconv.FormatInt(telegramID, 10)
}

// GetAccount читает снимок учётной записи в result.
func (c *Cache) GetAccount(ctx context.Context, telegramID int64, result any) (bool, error) {
	return c.Get(ctx, AccountKey(telegramID), result)
}

// SetAccount сохраняет снимок учётной записи на время SnapshotTTL.
func (c *Cache) SetAccount(ctx context.Context, telegramID int64, value any) error {
	return c.Set(ctx, AccountKey(telegramID), value, c.ttl)
}

// InvalidateAccount сбрасывает снимок после изменения подписки.
func (c *Cache) InvalidateAccount(ctx context.Context, telegramID int64) error {
	return c.Invalidate(ctx, AccountKey(telegramID))
}

// Close закрывает соединение.
func (c *Cache) Close() error {
	return c.Db.Close()
}
