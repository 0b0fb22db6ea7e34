package whatsapp

import (
	"fmt"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/gdbrns/go-whatsapp-userbot/internal/lifecycle"
)

// Close codes reported for whatsmeow events that carry none.
const (
	CodeConnectionClosed = 428
	CodeQRTimeout        = 408
	CodeLoggedOut        = 401
	CodeTemporaryBan     = 402
	CodeClientOutdated   = 405
	CodeStreamReplaced   = 440
	CodePairingFailed    = 500
)

// lifecycleEvent maps a whatsmeow event onto the connection lifecycle.
// The second result is false for events the lifecycle does not care about.
func lifecycleEvent(evt interface{}) (lifecycle.Event, bool) {
	switch e := evt.(type) {
	case *events.Connected:
		return lifecycle.OpenEvent{}, true
	case *events.Disconnected:
		return lifecycle.ClosedEvent{Code: CodeConnectionClosed, Message: "connection closed"}, true
	case *events.StreamReplaced:
		return lifecycle.ClosedEvent{Code: CodeStreamReplaced, Message: "stream replaced by another connection"}, true
	case *events.LoggedOut:
		msg := "logged out"
		if e.OnConnect {
			msg = fmt.Sprintf("logged out on connect: %s", e.Reason.String())
		}
		return lifecycle.ClosedEvent{Code: CodeLoggedOut, Message: msg}, true
	case *events.TemporaryBan:
		return lifecycle.ClosedEvent{Code: CodeTemporaryBan, Message: e.String()}, true
	case *events.ClientOutdated:
		return lifecycle.ClosedEvent{Code: CodeClientOutdated, Message: "client outdated"}, true
	case *events.ConnectFailure:
		msg := e.Message
		if msg == "" {
			msg = e.Reason.String()
		}
		return lifecycle.ClosedEvent{Code: int(e.Reason), Message: msg}, true
	case *events.KeepAliveTimeout:
		// whatsmeow only drops a dead socket itself when auto reconnect is on.
		if time.Since(e.LastSuccess) <= whatsmeow.KeepAliveMaxFailTime {
			return nil, false
		}
		return lifecycle.ClosedEvent{
			Code:    CodeConnectionClosed,
			Message: fmt.Sprintf("keepalive failing since %s", e.LastSuccess.Format(time.RFC3339)),
		}, true
	case *events.PairError:
		return lifecycle.ClosedEvent{Code: CodePairingFailed, Message: fmt.Sprintf("pairing failed: %v", e.Error)}, true
	}
	return nil, false
}

// changesCredentials reports events after which the credential manifest or
// the key store may have changed.
func changesCredentials(evt interface{}) bool {
	switch evt.(type) {
	case *events.PairSuccess,
		*events.Connected,
		*events.Message,
		*events.PushNameSetting,
		*events.IdentityChange,
		*events.AppStateSyncComplete:
		return true
	}
	return false
}
