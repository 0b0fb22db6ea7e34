package router

import (
	"fmt"
	"runtime/debug"

	"github.com/gofiber/fiber/v2"

	"github.com/gdbrns/go-whatsapp-userbot/pkg/log"
)

// RecoveryMiddleware turns a handler panic into a 500 envelope. Register it
// before the routes.
func RecoveryMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				message := fmt.Sprintf("%v", rec)
				log.Print(c).
					WithField("request_id", c.Locals("requestid")).
					WithField("stack", string(debug.Stack())).
					Error("panic recovered: " + message)
				err = c.Status(fiber.StatusInternalServerError).JSON(Response{
					Status:  false,
					Code:    fiber.StatusInternalServerError,
					Message: message,
					Error:   message,
				})
			}
		}()
		return c.Next()
	}
}
