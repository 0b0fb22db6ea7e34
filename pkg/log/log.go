package log

import (
	"io"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

var logger = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.Formatter = &logrus.TextFormatter{
		TimestampFormat: time.RFC3339,
		FullTimestamp:   true,
		DisableColors:   false,
		ForceColors:     true,
	}
	return l
}

// SetLevel changes the global log level; unknown names keep the current level.
func SetLevel(level string) {
	lvl, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		logger.WithField("level", level).Warn("Unknown log level, keeping " + logger.GetLevel().String())
		return
	}
	logger.SetLevel(lvl)
}

// SetOutput redirects log output, mostly for tests.
func SetOutput(w io.Writer) {
	logger.SetOutput(w)
}

// Logger exposes the underlying logrus logger for bridges.
func Logger() *logrus.Logger {
	return logger
}

func Print(c *fiber.Ctx) *logrus.Entry {
	if c == nil {
		return logger.WithFields(logrus.Fields{})
	}

	remoteIP := c.IP()
	if v := c.Locals("remote_ip"); v != nil {
		if ip, ok := v.(string); ok && ip != "" {
			remoteIP = ip
		}
	}
	return logger.WithFields(logrus.Fields{
		"remote_ip": remoteIP,
		"method":    c.Method(),
		"uri":       c.OriginalURL(),
	})
}

// Component returns an entry tagged with the subsystem name.
func Component(name string) *logrus.Entry {
	return logger.WithField("component", name)
}
