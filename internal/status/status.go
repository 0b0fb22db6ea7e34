// Package status serves the admin HTTP endpoints: connection state, the
// pending pairing QR, manual backup and forced logout.
package status

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.mau.fi/whatsmeow/types"

	"github.com/gdbrns/go-whatsapp-userbot/internal/authstore"
	"github.com/gdbrns/go-whatsapp-userbot/internal/lifecycle"
	"github.com/gdbrns/go-whatsapp-userbot/internal/notify"
	"github.com/gdbrns/go-whatsapp-userbot/internal/persist"
	"github.com/gdbrns/go-whatsapp-userbot/internal/webhook"
	"github.com/gdbrns/go-whatsapp-userbot/pkg/log"
	"github.com/gdbrns/go-whatsapp-userbot/pkg/router"
)

type Lifecycle interface {
	State() lifecycle.Snapshot
	ForceLogout(ctx context.Context) error
}

type Persister interface {
	PersistNow(ctx context.Context) error
}

type QRSource interface {
	Latest() (notify.QR, bool)
	PNG(size int) ([]byte, error)
	PairingCode() string
}

type Client interface {
	IsConnected() bool
	OwnJID() types.JID
}

type WebhookStats interface {
	Stats() webhook.Stats
}

type Deps struct {
	Lifecycle Lifecycle
	Persister Persister
	QR        QRSource
	Client    Client
	Webhook   WebhookStats
	SessionID string
	// Timeout bounds backup and logout calls.
	Timeout time.Duration
}

type Handler struct {
	deps    Deps
	started time.Time
}

func New(deps Deps) *Handler {
	if deps.Timeout <= 0 {
		deps.Timeout = 30 * time.Second
	}
	return &Handler{deps: deps, started: time.Now()}
}

type CloseInfo struct {
	Code    int       `json:"code"`
	Message string    `json:"message,omitempty"`
	Kind    string    `json:"kind"`
	At      time.Time `json:"at"`
}

type StatusResponse struct {
	SessionID   string         `json:"session_id"`
	State       string         `json:"state"`
	Since       time.Time      `json:"since"`
	Attempt     int            `json:"attempt,omitempty"`
	RetryIn     string         `json:"retry_in,omitempty"`
	LastClose   *CloseInfo     `json:"last_close,omitempty"`
	Connected   bool           `json:"connected"`
	JID         string         `json:"jid,omitempty"`
	Pairing     bool           `json:"pairing"`
	Uptime      string         `json:"uptime"`
	Webhook     *webhook.Stats `json:"webhook,omitempty"`
}

func (h *Handler) Index(c *fiber.Ctx) error {
	return router.ResponseSuccess(c, "Go WhatsApp Userbot is running")
}

func (h *Handler) Status(c *fiber.Ctx) error {
	snap := h.deps.Lifecycle.State()
	res := StatusResponse{
		SessionID: h.deps.SessionID,
		State:     snap.State.String(),
		Since:     snap.Since,
		Attempt:   snap.Attempt,
		Uptime:    time.Since(h.started).Round(time.Second).String(),
	}
	if snap.State == lifecycle.Backoff {
		res.RetryIn = snap.Delay.String()
	}
	if lc := snap.LastClose; lc != nil {
		res.LastClose = &CloseInfo{Code: lc.Code, Message: lc.Message, Kind: lc.Kind.String(), At: lc.At}
	}
	if h.deps.Client != nil {
		res.Connected = h.deps.Client.IsConnected()
		if jid := h.deps.Client.OwnJID(); !jid.IsEmpty() {
			res.JID = jid.String()
		}
	}
	if h.deps.QR != nil {
		_, pendingQR := h.deps.QR.Latest()
		res.Pairing = pendingQR || h.deps.QR.PairingCode() != ""
	}
	if h.deps.Webhook != nil {
		stats := h.deps.Webhook.Stats()
		res.Webhook = &stats
	}
	return router.ResponseSuccessWithData(c, "", res)
}

func (h *Handler) QR(c *fiber.Ctx) error {
	if h.deps.QR == nil {
		return router.ResponseNotFound(c, "No pairing QR available")
	}
	img, err := h.deps.QR.PNG(notify.ClampPNGSize(c.QueryInt("size", notify.DefaultPNGSize)))
	if errors.Is(err, notify.ErrNoQR) {
		return router.ResponseNotFound(c, "No pairing QR available")
	}
	if err != nil {
		return router.ResponseInternalError(c, err.Error())
	}
	return router.ResponsePNG(c, img)
}

// PairingCode returns the pending phone pairing code.
func (h *Handler) PairingCode(c *fiber.Ctx) error {
	if h.deps.QR == nil || h.deps.QR.PairingCode() == "" {
		return router.ResponseNotFound(c, "No pairing code available")
	}
	return router.ResponseSuccessWithData(c, "", fiber.Map{"pairing_code": h.deps.QR.PairingCode()})
}

func (h *Handler) Backup(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), h.deps.Timeout)
	defer cancel()

	err := h.deps.Persister.PersistNow(ctx)
	switch {
	case err == nil:
		return router.ResponseSuccess(c, "Session persisted")
	case errors.Is(err, persist.ErrDisabled):
		return router.ResponseConflict(c, "Session is logged out")
	case errors.Is(err, authstore.ErrStoreUnavailable):
		return router.ResponseServiceUnavailable(c, err.Error())
	default:
		log.Print(c).WithError(err).Error("Manual backup failed")
		return router.ResponseInternalError(c, err.Error())
	}
}

func (h *Handler) Logout(c *fiber.Ctx) error {
	if h.deps.Lifecycle.State().State == lifecycle.Terminated {
		return router.ResponseConflict(c, "Session is already logged out")
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), h.deps.Timeout)
	defer cancel()

	if err := h.deps.Lifecycle.ForceLogout(ctx); err != nil {
		log.Print(c).WithError(err).Warn("Forced logout finished with errors")
		return router.ResponseInternalError(c, err.Error())
	}
	return router.ResponseSuccess(c, "Session logged out")
}
