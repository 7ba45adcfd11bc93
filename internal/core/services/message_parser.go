package services

import (
	"strings"
	"unicode"

	"github.com/tidwall/gjson"

	"github.com/MidknightMantra/MidKnight/internal/core/domain"
)

// textPaths lists where text can live in a message payload, most specific
// first.
var textPaths = []string{
	"conversation",
	"extendedTextMessage.text",
	"imageMessage.caption",
	"videoMessage.caption",
	"documentMessage.caption",
	"buttonsResponseMessage.selectedButtonId",
	"listResponseMessage.singleSelectReply.selectedRowId",
}

// ExtractText returns the first non-empty text field of a message payload,
// or "" when the payload carries none.
func ExtractText(payload []byte) string {
	if len(payload) == 0 || !gjson.ValidBytes(payload) {
		return ""
	}
	for _, res := range gjson.GetManyBytes(payload, textPaths...) {
		if res.Type == gjson.String && res.Str != "" {
			return res.Str
		}
	}
	return ""
}

// ParseCommand splits prefixed text into command, arguments and the raw
// remainder. It returns nil when text does not start with prefix or has no
// command token.
func ParseCommand(text, prefix string) *domain.ParsedCommand {
	if prefix == "" || !strings.HasPrefix(text, prefix) {
		return nil
	}

	body := strings.TrimSpace(text[len(prefix):])
	fields := strings.Fields(body)
	if len(fields) == 0 {
		return nil
	}

	token := fields[0]
	remainder := strings.TrimLeftFunc(body[len(token):], unicode.IsSpace)
	return &domain.ParsedCommand{
		Command:   strings.ToLower(token),
		Args:      fields[1:],
		Remainder: strings.TrimSpace(remainder),
	}
}
