package middleware

import (
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

const rateLimitPrefix = "giftlock:rl:v1:"

// CodeRateLimit caps requests per client IP and gift code within a minute,
// slowing down guessing of gift codes. Without Redis it is a no-op.
func CodeRateLimit(cache *redis.Client, maxPerMin int, logger *slog.Logger) fiber.Handler {
	if maxPerMin <= 0 {
		maxPerMin = 10
	}
	return func(c *fiber.Ctx) error {
		if cache == nil {
			return c.Next()
		}
		key := rateLimitPrefix + c.IP() + ":" + strings.ToUpper(c.Params("code"))
		ctx := c.UserContext()

		count, err := cache.Incr(ctx, key).Result()
		if err != nil {
			logger.Warn("rate limit counter unavailable", slog.Any("error", err))
			return c.Next()
		}
		if count == 1 {
			cache.Expire(ctx, key, time.Minute)
		}
		if count > int64(maxPerMin) {
			ttl, _ := cache.TTL(ctx, key).Result()
			if ttl <= 0 {
				ttl = time.Minute
			}
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(int(ttl.Seconds())+1))
			return fiber.NewError(fiber.StatusTooManyRequests, "too many attempts, slow down")
		}
		return c.Next()
	}
}
