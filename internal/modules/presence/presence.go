// Package presence toggles the account's online presence.
package presence

import (
	"context"
	"fmt"

	"github.com/gdbrns/go-whatsapp-userbot/internal/dispatch"
)

type Module struct{}

func New() *Module { return &Module{} }

func (*Module) Name() string { return "presence" }

func (m *Module) Commands() map[string]dispatch.Handler {
	return map[string]dispatch.Handler{
		"online":  m.set(true),
		"offline": m.set(false),
	}
}

func (*Module) set(available bool) dispatch.Handler {
	return func(ctx context.Context, cmd *dispatch.Command) error {
		if err := cmd.Client().SetPresence(ctx, available); err != nil {
			return fmt.Errorf("presence: %w", err)
		}
		state := "offline"
		if available {
			state = "online"
		}
		return cmd.Reply(ctx, "Presence set to "+state)
	}
}
