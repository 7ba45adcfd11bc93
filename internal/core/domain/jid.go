package domain

import "strings"

const (
	groupSuffix  = "@g.us"
	userSuffix   = "@s.whatsapp.net"
	statusJID    = "status@broadcast"
	localCountry = "254"
)

// PhoneFromJID returns the user part of a JID without any device suffix.
func PhoneFromJID(jid string) string {
	if jid == "" {
		return ""
	}
	user := jid
	if i := strings.IndexByte(user, '@'); i >= 0 {
		user = user[:i]
	}
	if i := strings.IndexByte(user, ':'); i >= 0 {
		user = user[:i]
	}
	return user
}

// IsGroupJID reports whether jid addresses a group chat.
func IsGroupJID(jid string) bool {
	return strings.HasSuffix(jid, groupSuffix)
}

// IsStatusJID reports whether jid is the status broadcast channel.
func IsStatusJID(jid string) bool {
	return jid == statusJID
}

// NormalizeJID strips the device suffix, "123:4@s.whatsapp.net" becomes
// "123@s.whatsapp.net".
func NormalizeJID(jid string) string {
	at := strings.IndexByte(jid, '@')
	if at < 0 {
		return jid
	}
	colon := strings.IndexByte(jid[:at], ':')
	if colon < 0 {
		return jid
	}
	return jid[:colon] + jid[at:]
}

// PhoneToJID builds a user JID from a phone number in any notation. A
// leading zero is treated as a local number.
func PhoneToJID(phone string) string {
	digits := DigitsOnly(phone)
	if digits == "" {
		return ""
	}
	if strings.HasPrefix(digits, "0") {
		digits = localCountry + digits[1:]
	}
	return digits + userSuffix
}

// DigitsOnly drops every non-digit rune.
func DigitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
