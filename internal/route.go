package internal

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/gdbrns/go-whatsapp-userbot/internal/status"
	"github.com/gdbrns/go-whatsapp-userbot/pkg/auth"
	"github.com/gdbrns/go-whatsapp-userbot/pkg/router"
)

// Routes mounts the admin HTTP surface under baseURL.
func Routes(app *fiber.App, h *status.Handler, baseURL, adminSecret string) {
	index := router.HttpCacheInMemory(5 * time.Second)
	if baseURL == "" {
		app.Get("/", index, h.Index)
	} else {
		app.Get(baseURL, index, h.Index)
		app.Get(baseURL+"/", index, h.Index)
	}

	app.Get(baseURL+"/status", h.Status)

	admin := app.Group(baseURL+"/admin", auth.AdminAuth(adminSecret))
	admin.Get("/qr", h.QR)
	admin.Get("/pairing-code", h.PairingCode)
	admin.Post("/backup", h.Backup)
	admin.Post("/logout", h.Logout)
}
