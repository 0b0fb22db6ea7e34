package router

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cache"
)

// HttpCacheInMemory caches GET responses for ttl. Only use it on routes
// whose body does not track live state.
func HttpCacheInMemory(ttl time.Duration) fiber.Handler {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return cache.New(cache.Config{
		Next: func(c *fiber.Ctx) bool {
			return c.Method() != fiber.MethodGet
		},
		Expiration: ttl,
	})
}
