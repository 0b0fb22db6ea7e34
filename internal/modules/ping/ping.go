// Package ping answers the ping command with the message round trip.
package ping

import (
	"context"
	"fmt"
	"time"

	"github.com/gdbrns/go-whatsapp-userbot/internal/dispatch"
)

type Module struct{}

func New() *Module { return &Module{} }

func (*Module) Name() string { return "ping" }

func (m *Module) Commands() map[string]dispatch.Handler {
	return map[string]dispatch.Handler{"ping": m.ping}
}

func (*Module) ping(ctx context.Context, cmd *dispatch.Command) error {
	return cmd.Reply(ctx, Reply(cmd.SentAt, cmd.ReceivedAt))
}

// Reply formats the pong text. An unknown send time yields no latency.
func Reply(sent, received time.Time) string {
	if sent.IsZero() || received.Before(sent) {
		return "Pong!"
	}
	return fmt.Sprintf("Pong! %dms", received.Sub(sent).Milliseconds())
}
