package domain

import "strings"

// BotMode restricts who may run commands.
type BotMode string

const (
	ModePublic  BotMode = "public"
	ModePrivate BotMode = "private"
	ModeGroups  BotMode = "groups"
)

// Valid reports whether m is a known mode.
func (m BotMode) Valid() bool {
	switch m {
	case ModePublic, ModePrivate, ModeGroups:
		return true
	}
	return false
}

// BotSettings is the slice of configuration the dispatch pipeline reads.
type BotSettings struct {
	Name                string
	Prefix              string
	Mode                BotMode
	Owners              []string
	AutoReact           bool
	Debug               bool
	ProcessSelfMessages bool
}

// IsOwner reports whether the sender's phone number contains one of the
// configured owner numbers.
func (s *BotSettings) IsOwner(senderJID string) bool {
	phone := PhoneFromJID(senderJID)
	if phone == "" {
		return false
	}
	for _, owner := range s.Owners {
		digits := DigitsOnly(owner)
		if digits != "" && strings.Contains(phone, digits) {
			return true
		}
	}
	return false
}
