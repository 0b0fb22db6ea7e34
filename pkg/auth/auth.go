// Package auth guards the admin endpoints with a shared secret header.
package auth

import (
	"crypto/subtle"

	"github.com/gofiber/fiber/v2"

	"github.com/gdbrns/go-whatsapp-userbot/pkg/router"
)

const AdminSecretHeader = "X-Admin-Secret"

// AdminAuth validates the X-Admin-Secret header against secret. An empty
// secret locks the admin endpoints.
func AdminAuth(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		given := c.Get(AdminSecretHeader)
		if given == "" {
			return router.ResponseUnauthorized(c, "Missing X-Admin-Secret header")
		}
		if secret == "" {
			return router.ResponseServiceUnavailable(c, "Admin secret key not configured")
		}
		if subtle.ConstantTimeCompare([]byte(given), []byte(secret)) != 1 {
			return router.ResponseUnauthorized(c, "Invalid admin secret")
		}
		return c.Next()
	}
}
