// Package notify reacts to lifecycle hooks: QR rendering for pairing and
// the owner's "online" message.
package notify

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mdp/qrterminal/v3"
	"github.com/sirupsen/logrus"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/gdbrns/go-whatsapp-userbot/internal/lifecycle"
	"github.com/gdbrns/go-whatsapp-userbot/pkg/log"
)

// PNG edge lengths in pixels. Requested sizes are clamped to the bounds.
const (
	DefaultPNGSize = 256
	MinPNGSize     = 64
	MaxPNGSize     = 1024
)

// ErrNoQR is returned when no pairing QR is pending.
var ErrNoQR = errors.New("no pairing QR available")

// QR is the latest pairing payload.
type QR struct {
	Code      string
	ExpiresAt time.Time
}

// QRNotifier renders pairing QR codes to a terminal and optionally to a PNG
// file, and keeps the latest one for the admin endpoint.
type QRNotifier struct {
	out     io.Writer
	pngPath string
	log     *logrus.Entry
	now     func() time.Time

	mu          sync.RWMutex
	latest      *QR
	pairingCode string
}

// NewQRNotifier writes QR codes to out; nil disables terminal output. An
// empty pngPath disables the PNG file.
func NewQRNotifier(out io.Writer, pngPath string) *QRNotifier {
	return &QRNotifier{out: out, pngPath: pngPath, log: log.Component("notify"), now: time.Now}
}

func (n *QRNotifier) HandleQR(ev lifecycle.QREvent) {
	qr := &QR{Code: ev.Code}
	if ev.Timeout > 0 {
		qr.ExpiresAt = n.now().Add(ev.Timeout)
	}
	n.mu.Lock()
	n.latest = qr
	n.mu.Unlock()

	if n.out != nil {
		fmt.Fprintln(n.out, "Scan this QR code with WhatsApp > Linked devices:")
		qrterminal.GenerateHalfBlock(ev.Code, qrterminal.L, n.out)
	}
	if n.pngPath != "" {
		if err := n.writePNG(ev.Code); err != nil {
			n.log.WithError(err).WithField("path", n.pngPath).Error("Failed to write QR image")
		}
	}
	n.log.WithField("expires_in", ev.Timeout.String()).Info("Waiting for QR scan")
}

func (n *QRNotifier) HandlePairingCode(ev lifecycle.PairingCodeEvent) {
	n.mu.Lock()
	n.pairingCode = ev.Code
	n.mu.Unlock()

	if n.out != nil {
		fmt.Fprintf(n.out, "Pairing code: %s\n", ev.Code)
	}
	n.log.WithField("code", ev.Code).Info("Enter the pairing code in WhatsApp > Linked devices > Link with phone number")
}

// Forget drops the pending QR and removes the PNG. Called once the device
// is paired or logged out.
func (n *QRNotifier) Forget() {
	n.mu.Lock()
	n.latest = nil
	n.pairingCode = ""
	n.mu.Unlock()

	if n.pngPath != "" {
		if err := os.Remove(n.pngPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			n.log.WithError(err).Warn("Failed to remove QR image")
		}
	}
}

// Latest returns the pending QR, if it has not expired.
func (n *QRNotifier) Latest() (QR, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.latest == nil {
		return QR{}, false
	}
	if !n.latest.ExpiresAt.IsZero() && n.now().After(n.latest.ExpiresAt) {
		return QR{}, false
	}
	return *n.latest, true
}

// PairingCode returns the pending phone pairing code.
func (n *QRNotifier) PairingCode() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.pairingCode
}

// PNG encodes the pending QR as a PNG image.
func (n *QRNotifier) PNG(size int) ([]byte, error) {
	qr, ok := n.Latest()
	if !ok {
		return nil, ErrNoQR
	}
	return qrcode.Encode(qr.Code, qrcode.Medium, ClampPNGSize(size))
}

// ClampPNGSize maps non-positive sizes to DefaultPNGSize and keeps the rest
// within [MinPNGSize, MaxPNGSize].
func ClampPNGSize(size int) int {
	switch {
	case size <= 0:
		return DefaultPNGSize
	case size < MinPNGSize:
		return MinPNGSize
	case size > MaxPNGSize:
		return MaxPNGSize
	}
	return size
}

func (n *QRNotifier) writePNG(code string) error {
	if dir := filepath.Dir(n.pngPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return qrcode.WriteFile(code, qrcode.Medium, DefaultPNGSize, n.pngPath)
}
