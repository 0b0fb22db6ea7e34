// Package validation checks operator-supplied identifiers before they reach
// the WhatsApp client.
package validation

import (
	"errors"
	"net/url"
	"regexp"
	"strings"

	"go.mau.fi/whatsmeow/types"
)

var phonePattern = regexp.MustCompile(`^[1-9][0-9]{5,15}$`)

// ValidatePhone ensures international format: digits only, no leading 0,
// 6 to 16 digits. A leading plus sign is allowed.
func ValidatePhone(phone string) error {
	trimmed := strings.TrimPrefix(strings.TrimSpace(phone), "+")
	if trimmed == "" {
		return errors.New("phone number cannot be empty")
	}
	if strings.HasPrefix(trimmed, "0") {
		return errors.New("phone number must be in international format without leading 0")
	}
	if !phonePattern.MatchString(trimmed) {
		return errors.New("phone number must be digits only and at least 6 characters")
	}
	return nil
}

// ValidateJID accepts a full user JID or a bare phone number.
func ValidateJID(jid string) error {
	jid = strings.TrimSpace(jid)
	if jid == "" {
		return errors.New("jid cannot be empty")
	}
	if !strings.ContainsRune(jid, '@') {
		return ValidatePhone(jid)
	}
	parsed, err := types.ParseJID(jid)
	if err != nil {
		return errors.New("jid must be valid")
	}
	if parsed.User == "" {
		return errors.New("jid must contain a user part")
	}
	return nil
}

// ValidateURL ensures an absolute http or https URL.
func ValidateURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return errors.New("url cannot be empty")
	}
	u, err := url.ParseRequestURI(raw)
	if err != nil || u.Host == "" {
		return errors.New("url must be valid")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("url must use http or https")
	}
	return nil
}
