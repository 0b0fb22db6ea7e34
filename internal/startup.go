package internal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"go.mau.fi/whatsmeow/types/events"

	"github.com/gdbrns/go-whatsapp-userbot/internal/authstate"
	"github.com/gdbrns/go-whatsapp-userbot/internal/authstore"
	"github.com/gdbrns/go-whatsapp-userbot/internal/authstore/mongo"
	"github.com/gdbrns/go-whatsapp-userbot/internal/authstore/postgres"
	"github.com/gdbrns/go-whatsapp-userbot/internal/config"
	"github.com/gdbrns/go-whatsapp-userbot/internal/dispatch"
	"github.com/gdbrns/go-whatsapp-userbot/internal/lifecycle"
	"github.com/gdbrns/go-whatsapp-userbot/internal/modules/ping"
	"github.com/gdbrns/go-whatsapp-userbot/internal/modules/presence"
	"github.com/gdbrns/go-whatsapp-userbot/internal/notify"
	"github.com/gdbrns/go-whatsapp-userbot/internal/persist"
	"github.com/gdbrns/go-whatsapp-userbot/internal/restore"
	"github.com/gdbrns/go-whatsapp-userbot/internal/status"
	"github.com/gdbrns/go-whatsapp-userbot/internal/webhook"
	"github.com/gdbrns/go-whatsapp-userbot/pkg/log"
	pkgWhatsApp "github.com/gdbrns/go-whatsapp-userbot/pkg/whatsapp"
)

// App holds the wired components of one bot process.
type App struct {
	Settings   *config.Settings
	Layout     *authstate.Layout
	Store      authstore.Store
	Persister  *persist.Persister
	Client     *pkgWhatsApp.Client
	Versions   *pkgWhatsApp.VersionRefresher
	Lifecycle  *lifecycle.Manager
	Dispatcher *dispatch.Dispatcher
	QR         *notify.QRNotifier
	Owner      *notify.OwnerNotifier
	Webhook    *webhook.Engine

	closeStore func(ctx context.Context) error
}

// OpenStore connects the configured auth store backend and checks it is
// reachable.
func OpenStore(ctx context.Context, s *config.Settings) (authstore.Store, func(context.Context) error, error) {
	ctx, cancel := context.WithTimeout(ctx, s.Database.Timeout)
	defer cancel()

	switch s.Database.Type {
	case config.DatabaseMemory:
		log.Print(nil).Warn("Using in-memory auth store, the session will not survive a restart")
		return authstore.NewMemoryStore(s.Auth.SessionID), func(context.Context) error { return nil }, nil

	case config.DatabasePostgres:
		db, err := postgres.Open(ctx, s.Database.URI)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting postgres: %w", err)
		}
		store := postgres.New(db, postgres.Config{Table: s.Database.Collection, SessionID: s.Auth.SessionID})
		if err := store.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return store, closeDB(db), nil

	default:
		store, err := mongo.Connect(ctx, mongo.Config{
			URI:        s.Database.URI,
			Database:   s.Database.Name,
			Collection: s.Database.Collection,
			SessionID:  s.Auth.SessionID,
			Timeout:    s.Database.Timeout,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("connecting mongodb: %w", err)
		}
		if err := store.Ping(ctx); err != nil {
			_ = store.Close(context.Background())
			return nil, nil, fmt.Errorf("connecting mongodb: %w", err)
		}
		return store, store.Close, nil
	}
}

func closeDB(db *sql.DB) func(context.Context) error {
	return func(context.Context) error { return db.Close() }
}

// Startup restores the session, opens the WhatsApp client and wires the
// lifecycle, persistence, dispatch and notification components. The socket
// is not started yet.
func Startup(ctx context.Context, s *config.Settings) (*App, error) {
	log.Print(nil).Info("Running Startup Tasks")

	layout := authstate.New(s.Auth.Dir, s.Auth.CleanupFiles)

	store, closeStore, err := OpenStore(ctx, s)
	if err != nil {
		return nil, err
	}
	app := &App{Settings: s, Layout: layout, Store: store, closeStore: closeStore}

	result, err := restore.New(store, layout).Restore(ctx)
	if err != nil {
		_ = closeStore(context.Background())
		return nil, fmt.Errorf("restoring session: %w", err)
	}
	log.Print(nil).WithField("result", result.String()).Info("Session restore finished")

	// Restore may have emptied the auth dir; the key store needs keys/.
	if err := layout.Ensure(); err != nil {
		_ = closeStore(context.Background())
		return nil, fmt.Errorf("preparing auth dir: %w", err)
	}

	app.Versions = pkgWhatsApp.NewVersionRefresher(10*time.Minute, nil)
	client, err := pkgWhatsApp.Open(ctx, layout, pkgWhatsApp.Config{
		PairPhone: s.WhatsApp.PairPhone,
		ProxyURL:  s.WhatsApp.ProxyURL,
		LogLevel:  s.WhatsApp.LogLevel,
		OSName:    s.WhatsApp.OSName,
		Versions:  app.Versions,
	})
	if err != nil {
		_ = closeStore(context.Background())
		return nil, err
	}
	app.Client = client

	app.Persister = persist.New(store, layout, persist.Config{
		Interval: s.Persist.Interval,
		Timeout:  s.Persist.Timeout,
		Prepare:  client.Checkpoint,
	})

	app.Webhook, err = webhook.NewEngine(webhook.Config{
		URL:        s.Webhook.URL,
		Secret:     s.Webhook.Secret,
		SessionID:  s.Auth.SessionID,
		Workers:    s.Webhook.Workers,
		RetryLimit: s.Webhook.RetryLimit,
		Timeout:    s.Webhook.Timeout,
	})
	if err != nil {
		_ = client.Close()
		_ = closeStore(context.Background())
		return nil, err
	}

	app.Lifecycle = lifecycle.New(lifecycle.Deps{
		Socket:    client,
		Store:     store,
		AuthDir:   layout,
		Persister: app.Persister,
	}, lifecycle.Config{
		BaseDelay:      s.Reconnect.BaseDelay,
		MaxDelay:       s.Reconnect.MaxDelay,
		Jitter:         s.Reconnect.Jitter,
		LoggedOutCodes: s.Reconnect.LoggedOutCodes,
		CleanupTimeout: s.Persist.Timeout,
	})

	app.QR = notify.NewQRNotifier(os.Stdout, s.Notify.QRPNGPath)
	if s.Bot.OwnerJID != "" {
		app.Owner = notify.NewOwnerNotifier(client, pkgWhatsApp.ComposeJID(s.Bot.OwnerJID))
	}

	app.Dispatcher = dispatch.New(client, dispatch.Config{
		Prefix:    s.Bot.Prefix,
		SelfOnly:  s.Bot.SelfOnly,
		RateLimit: s.Bot.RateLimit,
		RateBurst: s.Bot.RateBurst,
	})
	for _, m := range []dispatch.Module{ping.New(), presence.New()} {
		if err := app.Dispatcher.Register(m); err != nil {
			_ = app.close(context.Background())
			return nil, err
		}
	}

	app.wire()
	return app, nil
}

func (a *App) wire() {
	a.Lifecycle.OnOpen(func() {
		a.QR.Forget()
		a.Owner.HandleOpen()
		a.Webhook.Dispatch(webhook.EventConnectionOpen, map[string]interface{}{
			"jid": a.Client.OwnJID().String(),
		})
	})
	a.Lifecycle.OnQR(func(ev lifecycle.QREvent) {
		a.QR.HandleQR(ev)
		a.Webhook.Dispatch(webhook.EventConnectionQR, map[string]interface{}{
			"code":    ev.Code,
			"timeout": ev.Timeout.String(),
		})
	})
	a.Lifecycle.OnPairingCode(a.QR.HandlePairingCode)
	a.Lifecycle.OnPermanentLogout(func(reason lifecycle.CloseReason) {
		a.QR.Forget()
		a.Webhook.Dispatch(webhook.EventConnectionLoggedOut, map[string]interface{}{
			"code":   reason.Code,
			"reason": reason.Message,
		})
	})

	a.Persister.OnPersisted(func(snap persist.Snapshot) {
		a.Webhook.Dispatch(webhook.EventSessionPersisted, map[string]interface{}{
			"run_id": snap.RunID,
			"size":   snap.Size,
		})
	})

	a.Client.SetHandlers(pkgWhatsApp.Handlers{
		Lifecycle:          a.Lifecycle.Post,
		CredentialsChanged: a.Persister.Trigger,
		Message: func(evt *events.Message) {
			a.Dispatcher.HandleMessage(evt)
		},
	})
}

// StatusHandler builds the admin HTTP handlers over the app.
func (a *App) StatusHandler() *status.Handler {
	deps := status.Deps{
		Lifecycle: a.Lifecycle,
		Persister: a.Persister,
		QR:        a.QR,
		Client:    a.Client,
		SessionID: a.Settings.Auth.SessionID,
		Timeout:   a.Settings.Persist.Timeout,
	}
	if a.Webhook != nil {
		deps.Webhook = a.Webhook
	}
	return status.New(deps)
}

// Start dials WhatsApp. Reconnects are handled by the lifecycle manager.
func (a *App) Start(ctx context.Context) {
	a.Lifecycle.Start(ctx)
}

// Terminated is closed after a permanent logout.
func (a *App) Terminated() <-chan struct{} {
	return a.Lifecycle.Terminated()
}

// Shutdown stops the socket, flushes a pending persist and releases every
// resource. The stored session is kept.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if err := a.Lifecycle.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stopping lifecycle: %w", err))
	}
	if err := a.Persister.Close(ctx); err != nil && !errors.Is(err, persist.ErrDisabled) {
		errs = append(errs, fmt.Errorf("flushing session: %w", err))
	}
	a.Dispatcher.Wait()
	a.Owner.Wait()
	if err := a.Webhook.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stopping webhooks: %w", err))
	}
	if err := a.close(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) close(ctx context.Context) error {
	var errs []error
	if a.Client != nil {
		if err := a.Client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing whatsapp client: %w", err))
		}
	}
	if a.closeStore != nil {
		if err := a.closeStore(ctx); err != nil {
			errs = append(errs, fmt.Errorf("closing auth store: %w", err))
		}
	}
	return errors.Join(errs...)
}
