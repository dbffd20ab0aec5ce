package middleware

import (
	"context"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"nestio/config"
	"nestio/utils"
)

// redisStorage adapts a go-redis client to fiber's Storage interface so
// the limiter shares counters across instances.
type redisStorage struct {
	client *redis.Client
	ctx    context.Context
}

func newRedisStorage(cfg *config.RedisConfig) *redisStorage {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &redisStorage{client: client, ctx: context.Background()}
}

func (s *redisStorage) Get(key string) ([]byte, error) {
	val, err := s.client.Get(s.ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	return val, err
}

func (s *redisStorage) Set(key string, val []byte, exp time.Duration) error {
	return s.client.Set(s.ctx, key, val, exp).Err()
}

func (s *redisStorage) Delete(key string) error {
	return s.client.Del(s.ctx, key).Err()
}

func (s *redisStorage) Reset() error {
	return s.client.FlushDB(s.ctx).Err()
}

func (s *redisStorage) Close() error {
	return s.client.Close()
}

// TrackingRateLimiter throttles the public pixel/click/webhook endpoints
// per client IP. Backed by redis when configured, otherwise the limiter's
// in-memory store.
func TrackingRateLimiter(cfg *config.Config, logger *log.Logger) fiber.Handler {
	lcfg := limiter.Config{
		Max:        cfg.RateLimitTracking,
		Expiration: 1 * time.Minute,
		KeyGenerator: func(c *fiber.Ctx) string {
			return utils.GenerateRateLimitKey(c.IP(), c.Route().Path)
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "Too many requests",
			})
		},
	}
	if cfg.Redis.Enabled {
		storage := newRedisStorage(&cfg.Redis)
		if err := storage.client.Ping(storage.ctx).Err(); err != nil {
			logger.Printf("⚠️ Redis unreachable, rate limiting falls back to memory: %v", err)
		} else {
			lcfg.Storage = storage
			logger.Printf("✅ Tracking rate limiter backed by redis at %s", cfg.Redis.Address)
		}
	}
	return limiter.New(lcfg)
}
