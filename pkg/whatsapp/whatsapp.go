// Package whatsapp adapts the whatsmeow client to the connection lifecycle
// of the bot: it owns the key store, pairs the device and translates
// protocol events.
package whatsapp

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waCompanionReg"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/gdbrns/go-whatsapp-userbot/internal/authstate"
	"github.com/gdbrns/go-whatsapp-userbot/internal/lifecycle"
	"github.com/gdbrns/go-whatsapp-userbot/pkg/log"
)

var (
	ErrNotConnected = errors.New("whatsapp client is not connected")
	ErrNotPaired    = errors.New("whatsapp device is not paired")
)

type Config struct {
	// PairPhone switches pairing from QR to a phone number pairing code.
	PairPhone string
	ProxyURL  string
	LogLevel  string
	OSName    string
	// Versions refreshes the client version before QR pairing. Optional.
	Versions *VersionRefresher
}

// Handlers receive what the adapter observes. All are optional and are
// called from whatsmeow's event goroutine.
type Handlers struct {
	Lifecycle          func(lifecycle.Event)
	CredentialsChanged func()
	Message            func(*events.Message)
}

// Client is the lifecycle socket backed by whatsmeow.
type Client struct {
	cfg       Config
	layout    *authstate.Layout
	container *sqlstore.Container
	keysDB    *sql.DB
	wa        *whatsmeow.Client
	log       *logrus.Entry

	handlersMu sync.RWMutex
	handlers   Handlers

	mu         sync.Mutex
	handlerID  uint32
	registered bool
	cancelPair context.CancelFunc
}

func storeDSN(path string) string {
	return "file:" + path + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"
}

// Open opens the key store at layout.StorePath and prepares a client for the
// first device in it, creating a fresh device when the store is empty.
func Open(ctx context.Context, layout *authstate.Layout, cfg Config) (*Client, error) {
	if err := os.MkdirAll(layout.KeysPath(), 0o700); err != nil {
		return nil, fmt.Errorf("whatsapp: creating key store dir: %w", err)
	}

	dsn := storeDSN(layout.StorePath())
	container, err := sqlstore.New(ctx, "sqlite3", dsn, NewLogger("Database", cfg.LogLevel))
	if err != nil {
		return nil, fmt.Errorf("whatsapp: opening key store: %w", err)
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = container.Close()
		return nil, fmt.Errorf("whatsapp: loading device: %w", err)
	}

	keysDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		_ = container.Close()
		return nil, fmt.Errorf("whatsapp: opening key store: %w", err)
	}
	keysDB.SetMaxOpenConns(1)

	applyDeviceProps(cfg.OSName)

	wa := whatsmeow.NewClient(device, NewLogger("Client", cfg.LogLevel))
	// Reconnects are driven by the lifecycle manager.
	wa.EnableAutoReconnect = false
	wa.AutoTrustIdentity = true

	if cfg.ProxyURL != "" {
		if err := wa.SetProxyAddress(cfg.ProxyURL); err != nil {
			_ = keysDB.Close()
			_ = container.Close()
			return nil, fmt.Errorf("whatsapp: setting proxy: %w", err)
		}
	}

	return &Client{
		cfg:       cfg,
		layout:    layout,
		container: container,
		keysDB:    keysDB,
		wa:        wa,
		log:       log.Component("whatsapp"),
	}, nil
}

func applyDeviceProps(osName string) {
	if osName == "" {
		osName = runtime.GOOS
	}
	store.DeviceProps.Os = proto.String(osName)
	store.DeviceProps.PlatformType = waCompanionReg.DeviceProps_CHROME.Enum()
	store.DeviceProps.RequireFullSync = proto.Bool(false)
}

// SetHandlers replaces the event consumers.
func (c *Client) SetHandlers(h Handlers) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers = h
}

func (c *Client) currentHandlers() Handlers {
	c.handlersMu.RLock()
	defer c.handlersMu.RUnlock()
	return c.handlers
}

// Start drops the previous connection and its event handler, registers a
// fresh handler and dials. An unpaired device starts QR or phone pairing.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.teardownLocked()
	c.handlerID = c.wa.AddEventHandler(c.handleEvent)
	c.registered = true

	if c.wa.Store.ID != nil {
		if err := c.wa.Connect(); err != nil {
			return fmt.Errorf("whatsapp: connect: %w", err)
		}
		return nil
	}

	if c.cfg.Versions != nil {
		if _, err := c.cfg.Versions.Refresh(ctx, false); err != nil {
			c.log.WithError(err).Warn("Failed to refresh WhatsApp Web version")
		}
	}

	pairCtx, cancel := context.WithCancel(ctx)
	qrChan, err := c.wa.GetQRChannel(pairCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("whatsapp: qr channel: %w", err)
	}
	if err := c.wa.Connect(); err != nil {
		cancel()
		return fmt.Errorf("whatsapp: connect: %w", err)
	}
	c.cancelPair = cancel
	go c.watchPairing(pairCtx, qrChan)
	return nil
}

// Stop disconnects without touching the session.
func (c *Client) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardownLocked()
}

func (c *Client) teardownLocked() {
	if c.cancelPair != nil {
		c.cancelPair()
		c.cancelPair = nil
	}
	if c.registered {
		c.wa.RemoveEventHandler(c.handlerID)
		c.registered = false
	}
	c.wa.Disconnect()
}

// Logout invalidates the session on the server. Without a live connection
// only the local device row is removed.
func (c *Client) Logout(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.wa.Store.ID == nil {
		return ErrNotPaired
	}
	err := c.wa.Logout(ctx)
	if err != nil {
		c.wa.Disconnect()
		if delErr := c.wa.Store.Delete(ctx); delErr != nil {
			return errors.Join(err, delErr)
		}
	}
	return err
}

// Close disconnects and closes the key store.
func (c *Client) Close() error {
	c.Stop()
	return errors.Join(c.keysDB.Close(), c.container.Close())
}

// Checkpoint folds the write-ahead log into store.db so that a packed
// archive carries a consistent key database.
func (c *Client) Checkpoint(ctx context.Context) error {
	return checkpoint(ctx, c.keysDB)
}

// SQLite reports a blocked checkpoint in the result row, not as an error.
func checkpoint(ctx context.Context, db *sql.DB) error {
	var busy, logFrames, checkpointed int
	err := db.QueryRowContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)").Scan(&busy, &logFrames, &checkpointed)
	if err != nil {
		return fmt.Errorf("whatsapp: checkpointing key store: %w", err)
	}
	if busy != 0 {
		return fmt.Errorf("whatsapp: key store checkpoint busy (%d of %d frames checkpointed)", checkpointed, logFrames)
	}
	return nil
}

func (c *Client) IsConnected() bool { return c.wa.IsConnected() }

func (c *Client) IsLoggedIn() bool { return c.wa.IsLoggedIn() }

// OwnJID is the paired account, empty before pairing.
func (c *Client) OwnJID() types.JID {
	if id := c.wa.Store.ID; id != nil {
		return id.ToNonAD()
	}
	return types.EmptyJID
}

// SendText sends a plain text message and returns its id.
func (c *Client) SendText(ctx context.Context, chat types.JID, text string) (string, error) {
	if !c.wa.IsConnected() {
		return "", ErrNotConnected
	}
	extra := whatsmeow.SendRequestExtra{ID: c.wa.GenerateMessageID()}
	msg := &waE2E.Message{Conversation: proto.String(text)}
	if _, err := c.wa.SendMessage(ctx, chat, msg, extra); err != nil {
		return "", fmt.Errorf("whatsapp: sending to %s: %w", chat.String(), err)
	}
	return extra.ID, nil
}

// SetPresence marks the account online or offline.
func (c *Client) SetPresence(ctx context.Context, available bool) error {
	if !c.wa.IsConnected() {
		return ErrNotConnected
	}
	presence := types.PresenceUnavailable
	if available {
		presence = types.PresenceAvailable
	}
	return c.wa.SendPresence(ctx, presence)
}

// ExportManifest writes creds.json from the current device. Unpaired
// devices have nothing worth persisting and are skipped.
func (c *Client) ExportManifest() error {
	if c.wa.Store.ID == nil {
		return nil
	}
	return c.layout.WriteManifest(manifestFromDevice(c.wa.Store, time.Now()))
}

func manifestFromDevice(dev *store.Device, now time.Time) *authstate.Manifest {
	m := &authstate.Manifest{
		RegistrationID: dev.RegistrationID,
		AdvSecretKey:   len(dev.AdvSecretKey) > 0,
		Platform:       dev.Platform,
		UpdatedAt:      now.UTC(),
	}
	if dev.NoiseKey != nil && dev.NoiseKey.Pub != nil {
		m.NoiseKey = &authstate.PublicKey{Public: append([]byte(nil), dev.NoiseKey.Pub[:]...)}
	}
	if dev.IdentityKey != nil && dev.IdentityKey.Pub != nil {
		m.SignedIdentityKey = &authstate.PublicKey{Public: append([]byte(nil), dev.IdentityKey.Pub[:]...)}
	}
	if pk := dev.SignedPreKey; pk != nil && pk.KeyPair.Pub != nil {
		spk := &authstate.SignedPreKey{KeyID: pk.KeyID, Public: append([]byte(nil), pk.KeyPair.Pub[:]...)}
		if pk.Signature != nil {
			spk.Signature = append([]byte(nil), pk.Signature[:]...)
		}
		m.SignedPreKey = spk
	}
	if dev.ID != nil {
		m.Me = &authstate.Account{ID: dev.ID.String(), Name: dev.PushName}
	}
	return m
}

func (c *Client) handleEvent(evt interface{}) {
	h := c.currentHandlers()

	if changesCredentials(evt) {
		if err := c.ExportManifest(); err != nil {
			c.log.WithError(err).Error("Failed to write credential manifest")
		} else if h.CredentialsChanged != nil && c.wa.Store.ID != nil {
			h.CredentialsChanged()
		}
	}

	switch e := evt.(type) {
	case *events.PairSuccess:
		c.log.WithField("jid", e.ID.String()).WithField("platform", e.Platform).Info("Device paired")
	case *events.KeepAliveTimeout:
		c.log.WithField("errors", e.ErrorCount).Warn("Keepalive timed out")
	case *events.Message:
		if h.Message != nil {
			h.Message(e)
		}
	}

	if ev, ok := lifecycleEvent(evt); ok && h.Lifecycle != nil {
		h.Lifecycle(ev)
	}
}

func (c *Client) watchPairing(ctx context.Context, qrChan <-chan whatsmeow.QRChannelItem) {
	phone := DecomposeJID(c.cfg.PairPhone)
	requested := false

	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-qrChan:
			if !ok {
				return
			}
			if ev, done := c.pairingItem(ctx, item, phone, &requested); ev != nil || done {
				if ev != nil {
					if h := c.currentHandlers(); h.Lifecycle != nil {
						h.Lifecycle(ev)
					}
				}
				if done {
					return
				}
			}
		}
	}
}

// pairingItem turns one QR channel item into a lifecycle event. done is set
// once the channel will produce nothing more of interest.
func (c *Client) pairingItem(ctx context.Context, item whatsmeow.QRChannelItem, phone string, requested *bool) (ev lifecycle.Event, done bool) {
	switch item.Event {
	case whatsmeow.QRChannelEventCode:
		if phone == "" {
			return lifecycle.QREvent{Code: item.Code, Timeout: item.Timeout}, false
		}
		if *requested {
			return nil, false
		}
		*requested = true
		code, err := c.wa.PairPhone(ctx, phone, true, whatsmeow.PairClientChrome, "Chrome ("+runtime.GOOS+")")
		if err != nil {
			return lifecycle.ClosedEvent{Code: CodePairingFailed, Message: "pair phone: " + err.Error()}, true
		}
		return lifecycle.PairingCodeEvent{Code: code}, false
	case whatsmeow.QRChannelSuccess.Event:
		return nil, true
	case whatsmeow.QRChannelTimeout.Event:
		return lifecycle.ClosedEvent{Code: CodeQRTimeout, Message: "pairing timed out"}, true
	case whatsmeow.QRChannelEventError:
		msg := "pairing error"
		if item.Error != nil {
			msg = strings.TrimSpace(msg + ": " + item.Error.Error())
		}
		return lifecycle.ClosedEvent{Code: CodePairingFailed, Message: msg}, true
	case whatsmeow.QRChannelClientOutdated.Event:
		return lifecycle.ClosedEvent{Code: CodeClientOutdated, Message: "client outdated"}, true
	default:
		return lifecycle.ClosedEvent{Code: CodePairingFailed, Message: "pairing failed: " + item.Event}, true
	}
}
