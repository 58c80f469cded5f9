package middleware

import (
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

const rateLimitWindow = time.Minute

// PlayerRateLimit caps requests per player per minute in Redis, keyed by the
// playerId field of the JSON body or the caller IP when it is missing.
// It fails open when Redis is unavailable.
func PlayerRateLimit(cache *redis.Client, scope string, maxPerMin int) fiber.Handler {
	if maxPerMin <= 0 {
		maxPerMin = 10
	}
	return func(c *fiber.Ctx) error {
		if cache == nil {
			return c.Next()
		}
		key := "rl:" + scope + ":" + rateSubject(c)
		ctx := c.UserContext()

		cnt, err := cache.Incr(ctx, key).Result()
		if err != nil {
			return c.Next()
		}
		if cnt == 1 {
			cache.Expire(ctx, key, rateLimitWindow)
		}
		if cnt > int64(maxPerMin) {
			retry := rateLimitWindow
			if ttl, err := cache.TTL(ctx, key).Result(); err == nil && ttl > 0 {
				retry = ttl
			}
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(int(retry.Round(time.Second)/time.Second)))
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"ok": false,
				"error": fiber.Map{
					"code":    "rate_limited",
					"message": "too many " + scope + " requests, try again later",
				},
			})
		}
		return c.Next()
	}
}

func rateSubject(c *fiber.Ctx) string {
	var req struct {
		PlayerID int64 `json:"playerId"`
	}
	if err := c.BodyParser(&req); err == nil && req.PlayerID > 0 {
		return "player:" + strconv.FormatInt(req.PlayerID, 10)
	}
	return "ip:" + strings.TrimSpace(c.IP())
}
