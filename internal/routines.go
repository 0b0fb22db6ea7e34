package internal

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/gdbrns/go-whatsapp-userbot/internal/lifecycle"
	"github.com/gdbrns/go-whatsapp-userbot/internal/persist"
	"github.com/gdbrns/go-whatsapp-userbot/pkg/log"
)

const HealthCheckSpec = "0 */5 * * * *"

// NewCron returns a scheduler with a seconds field that survives panicking
// jobs.
func NewCron() *cron.Cron {
	return cron.New(cron.WithChain(cron.Recover(cron.DiscardLogger)), cron.WithSeconds())
}

// Routines registers the periodic jobs on c and starts it.
func Routines(c *cron.Cron, app *App) error {
	log.Print(nil).Info("Running Routine Tasks")

	if app.Settings.Cron.HealthCheck {
		if _, err := c.AddFunc(HealthCheckSpec, app.healthCheck); err != nil {
			return err
		}
	} else {
		log.Print(nil).Info("Health check cron disabled")
	}

	if spec := app.Settings.Cron.BackupSpec; spec != "" {
		if _, err := c.AddFunc(spec, app.safetySnapshot); err != nil {
			return err
		}
		log.Print(nil).WithField("spec", spec).Info("Session snapshot cron enabled")
	}

	c.Start()
	return nil
}

func (a *App) healthCheck() {
	if a.Dispatcher != nil {
		if n := a.Dispatcher.PruneLimiters(); n > 0 {
			log.Component("health").WithField("chats", n).Debug("Dropped idle command rate limiters")
		}
	}

	snap := a.Lifecycle.State()
	entry := log.Component("health").
		WithField("state", snap.State.String()).
		WithField("connected", a.Client.IsConnected()).
		WithField("logged_in", a.Client.IsLoggedIn())

	switch snap.State {
	case lifecycle.Open:
		if a.Client.IsConnected() {
			entry.Info("Client healthy")
			return
		}
		entry.Warn("Client unhealthy: state open but socket disconnected")
	case lifecycle.Backoff:
		entry.WithField("attempt", snap.Attempt).WithField("retry_in", snap.Delay.String()).Warn("Client reconnecting")
	default:
		entry.Warn("Client not connected")
	}
}

func (a *App) safetySnapshot() {
	if a.Lifecycle.State().State != lifecycle.Open {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.Settings.Persist.Timeout)
	defer cancel()

	started := time.Now()
	err := a.Persister.PersistNow(ctx)
	switch {
	case err == nil:
		log.Component("routines").WithField("took", time.Since(started).String()).Info("Session snapshot stored")
	case errors.Is(err, persist.ErrDisabled):
	default:
		log.Component("routines").WithError(err).Error("Session snapshot failed")
	}
}
