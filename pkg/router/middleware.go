package router

import (
	"strings"

	"github.com/gofiber/fiber/v2"
)

// HttpRealIP stores the client address from X-Forwarded-For or X-Real-IP
// in the remote_ip local used by the request logger.
func HttpRealIP() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if forwarded := c.Get(fiber.HeaderXForwardedFor); forwarded != "" {
			first, _, _ := strings.Cut(forwarded, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				c.Locals("remote_ip", ip)
			}
		} else if realIP := strings.TrimSpace(c.Get("X-Real-IP")); realIP != "" {
			c.Locals("remote_ip", realIP)
		}
		return c.Next()
	}
}
