package whatsapp

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/gdbrns/go-whatsapp-userbot/pkg/log"
)

// logBridge routes whatsmeow's module loggers into logrus. The level filter
// applies on top of the global logrus level.
type logBridge struct {
	entry *logrus.Entry
	min   logrus.Level
}

// NewLogger returns a whatsmeow logger writing through logrus. Level is one
// of DEBUG, INFO, WARN or ERROR; anything else means WARN.
func NewLogger(module, level string) waLog.Logger {
	return &logBridge{
		entry: log.Component("whatsmeow").WithField("module", module),
		min:   parseWALevel(level),
	}
}

func parseWALevel(level string) logrus.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return logrus.DebugLevel
	case "INFO":
		return logrus.InfoLevel
	case "ERROR":
		return logrus.ErrorLevel
	default:
		return logrus.WarnLevel
	}
}

func (b *logBridge) logf(level logrus.Level, msg string, args ...interface{}) {
	if level > b.min {
		return
	}
	b.entry.Log(level, fmt.Sprintf(msg, args...))
}

func (b *logBridge) Errorf(msg string, args ...interface{}) { b.logf(logrus.ErrorLevel, msg, args...) }
func (b *logBridge) Warnf(msg string, args ...interface{})  { b.logf(logrus.WarnLevel, msg, args...) }
func (b *logBridge) Infof(msg string, args ...interface{})  { b.logf(logrus.InfoLevel, msg, args...) }
func (b *logBridge) Debugf(msg string, args ...interface{}) { b.logf(logrus.DebugLevel, msg, args...) }

func (b *logBridge) Sub(module string) waLog.Logger {
	current, _ := b.entry.Data["module"].(string)
	if current != "" {
		module = current + "/" + module
	}
	return &logBridge{entry: b.entry.WithField("module", module), min: b.min}
}
