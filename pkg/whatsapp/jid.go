package whatsapp

import (
	"strings"

	"go.mau.fi/whatsmeow/types"
)

// ComposeJID turns a phone number, a bare id or a full JID into a JID.
// Ids that look like group ids get the group server.
func ComposeJID(id string) types.JID {
	if strings.ContainsRune(id, '@') {
		if parsed, err := types.ParseJID(strings.TrimSpace(id)); err == nil {
			return parsed
		}
	}

	id = DecomposeJID(id)
	if strings.ContainsRune(id, '-') || len(id) >= 18 {
		return types.NewJID(id, types.GroupServer)
	}
	return types.NewJID(id, types.DefaultUserServer)
}

// DecomposeJID strips the server part and a leading plus sign.
func DecomposeJID(id string) string {
	if i := strings.IndexByte(id, '@'); i >= 0 {
		id = id[:i]
	}
	id = strings.TrimSpace(id)
	return strings.TrimPrefix(id, "+")
}

// SameUser compares two JIDs ignoring device and agent parts.
func SameUser(a, b types.JID) bool {
	return a.User == b.User && a.Server == b.Server
}
