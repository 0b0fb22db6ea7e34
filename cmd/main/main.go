package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/requestid"

	"github.com/gdbrns/go-whatsapp-userbot/internal"
	"github.com/gdbrns/go-whatsapp-userbot/internal/config"
	"github.com/gdbrns/go-whatsapp-userbot/pkg/log"
	"github.com/gdbrns/go-whatsapp-userbot/pkg/router"
)

func newHTTP(s *config.Settings, app *internal.App) *fiber.App {
	srv := fiber.New(fiber.Config{
		ErrorHandler:          router.ErrorHandler,
		BodyLimit:             s.HTTP.BodyLimit,
		DisableStartupMessage: true,
	})

	srv.Use(requestid.New())
	srv.Use(router.RecoveryMiddleware())
	srv.Use(compress.New(compress.Config{Level: compress.Level(s.HTTP.GZipLevel)}))
	srv.Use(cors.New(cors.Config{
		AllowOrigins: s.HTTP.CORSOrigin,
		AllowHeaders: "Origin, Content-Type, Accept, X-Admin-Secret",
		AllowMethods: "GET,POST",
	}))
	srv.Use(helmet.New(helmet.Config{
		XSSProtection:      "1; mode=block",
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "SAMEORIGIN",
	}))
	srv.Use(router.HttpRealIP())

	srv.Get("/favicon.ico", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusNoContent) })
	internal.Routes(srv, app.StatusHandler(), s.HTTP.BaseURL, s.HTTP.AdminSecret)
	return srv
}

func main() {
	settings, err := config.Load()
	if err != nil {
		log.Print(nil).Fatal(err.Error())
	}
	log.SetLevel(settings.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := internal.Startup(ctx, settings)
	if err != nil {
		log.Print(nil).Fatal("Startup failed: " + err.Error())
	}

	c := internal.NewCron()
	if err := internal.Routines(c, app); err != nil {
		log.Print(nil).Fatal("Failed to schedule routines: " + err.Error())
	}

	var srv *fiber.App
	if settings.HTTP.Enabled {
		srv = newHTTP(settings, app)
		go func() {
			log.Print(nil).WithField("address", settings.ListenAddress()).Info("Admin HTTP listening")
			if err := srv.Listen(settings.ListenAddress()); err != nil {
				log.Print(nil).Fatal(err.Error())
			}
		}()
	}

	app.Start(ctx)

	exitCode := 0
	select {
	case <-ctx.Done():
		log.Print(nil).Info("Shutdown signal received")
	case <-app.Terminated():
		exitCode = 1
	}

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	if srv != nil {
		if err := srv.ShutdownWithContext(ctxShutdown); err != nil {
			log.Print(nil).WithError(err).Error("Failed to stop admin HTTP")
		}
	}
	<-c.Stop().Done()

	if err := app.Shutdown(ctxShutdown); err != nil {
		log.Print(nil).WithError(err).Error("Shutdown finished with errors")
		exitCode = 1
	}
	log.Print(nil).Info("Bye")
	if exitCode != 0 {
		cancelShutdown()
		stop()
		os.Exit(exitCode)
	}
}
