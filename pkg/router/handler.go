package router

import (
	"errors"

	"github.com/gofiber/fiber/v2"
)

// ErrorHandler renders errors returned by handlers in the common envelope.
func ErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := err.Error()

	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		code = fiberErr.Code
		message = fiberErr.Message
	}
	return respond(c, code, message, nil)
}
