package router

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/gdbrns/go-whatsapp-userbot/pkg/log"
)

type Response struct {
	Status  bool        `json:"status"`
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func respond(c *fiber.Ctx, code int, message string, data interface{}) error {
	if strings.TrimSpace(message) == "" {
		message = http.StatusText(code)
	}
	response := Response{
		Status:  code < http.StatusBadRequest,
		Code:    code,
		Message: message,
		Data:    data,
	}

	entry := log.Print(c)
	if !response.Status {
		response.Error = message
		entry.Error(fmt.Sprintf("%d %v", code, message))
	} else {
		entry.Info(fmt.Sprintf("%d %v", code, message))
	}
	return c.Status(code).JSON(response)
}

func ResponseSuccess(c *fiber.Ctx, message string) error {
	return respond(c, http.StatusOK, message, nil)
}

func ResponseSuccessWithData(c *fiber.Ctx, message string, data interface{}) error {
	return respond(c, http.StatusOK, message, data)
}

func ResponseNotFound(c *fiber.Ctx, message string) error {
	return respond(c, http.StatusNotFound, message, nil)
}

func ResponseUnauthorized(c *fiber.Ctx, message string) error {
	return respond(c, http.StatusUnauthorized, message, nil)
}

func ResponseConflict(c *fiber.Ctx, message string) error {
	return respond(c, http.StatusConflict, message, nil)
}

func ResponseInternalError(c *fiber.Ctx, message string) error {
	return respond(c, http.StatusInternalServerError, message, nil)
}

func ResponseServiceUnavailable(c *fiber.Ctx, message string) error {
	return respond(c, http.StatusServiceUnavailable, message, nil)
}

// ResponsePNG sends raw image bytes.
func ResponsePNG(c *fiber.Ctx, img []byte) error {
	log.Print(c).Info(fmt.Sprintf("%d %v", http.StatusOK, http.StatusText(http.StatusOK)))
	c.Set(fiber.HeaderCacheControl, "no-store")
	c.Type("png")
	return c.Status(http.StatusOK).Send(img)
}
