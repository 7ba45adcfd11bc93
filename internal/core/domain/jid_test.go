package domain

import "testing"

func TestPhoneFromJID(t *testing.T) {
	tests := []struct {
		jid  string
		want string
	}{
		{"254712345678@s.whatsapp.net", "254712345678"},
		{"254712345678:12@s.whatsapp.net", "254712345678"},
		{"120363000000000000@g.us", "120363000000000000"},
		{"254712345678", "254712345678"},
		{"", ""},
	}

	for _, tt := range tests {
		if got := PhoneFromJID(tt.jid); got != tt.want {
			t.Errorf("PhoneFromJID(%q) = %q, want %q", tt.jid, got, tt.want)
		}
	}
}

func TestJIDPredicates(t *testing.T) {
	if !IsGroupJID("120363000000000000@g.us") {
		t.Error("IsGroupJID(group) = false")
	}
	if IsGroupJID("254712345678@s.whatsapp.net") {
		t.Error("IsGroupJID(user) = true")
	}
	if !IsStatusJID("status@broadcast") {
		t.Error("IsStatusJID(status) = false")
	}
	if IsStatusJID("status@g.us") {
		t.Error("IsStatusJID(group) = true")
	}
}

func TestNormalizeJID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"254712345678:3@s.whatsapp.net", "254712345678@s.whatsapp.net"},
		{"254712345678@s.whatsapp.net", "254712345678@s.whatsapp.net"},
		{"no-at-sign", "no-at-sign"},
	}

	for _, tt := range tests {
		if got := NormalizeJID(tt.in); got != tt.want {
			t.Errorf("NormalizeJID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPhoneToJID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"+254 712 345 678", "254712345678@s.whatsapp.net"},
		{"0712345678", "254712345678@s.whatsapp.net"},
		{"abc", ""},
	}

	for _, tt := range tests {
		if got := PhoneToJID(tt.in); got != tt.want {
			t.Errorf("PhoneToJID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestBotSettings_IsOwner(t *testing.T) {
	s := BotSettings{Owners: []string{"+254 700 000 000", "15551234567"}}

	tests := []struct {
		sender string
		want   bool
	}{
		{"254700000000@s.whatsapp.net", true},
		{"254700000000:7@s.whatsapp.net", true},
		{"15551234567@s.whatsapp.net", true},
		{"254711111111@s.whatsapp.net", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := s.IsOwner(tt.sender); got != tt.want {
			t.Errorf("IsOwner(%q) = %v, want %v", tt.sender, got, tt.want)
		}
	}
}

func TestBotMode_Valid(t *testing.T) {
	for _, m := range []BotMode{ModePublic, ModePrivate, ModeGroups} {
		if !m.Valid() {
			t.Errorf("%q should be valid", m)
		}
	}
	if BotMode("secret").Valid() {
		t.Error("unknown mode should be invalid")
	}
}
