package services

import (
	"reflect"
	"testing"
)

func TestExtractText(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    string
	}{
		{"conversation", `{"conversation":".ping"}`, ".ping"},
		{"extended text", `{"extendedTextMessage":{"text":"hello"}}`, "hello"},
		{"image caption", `{"imageMessage":{"caption":"look","url":"x"}}`, "look"},
		{"video caption", `{"videoMessage":{"caption":"clip"}}`, "clip"},
		{"document caption", `{"documentMessage":{"caption":"doc"}}`, "doc"},
		{"button reply", `{"buttonsResponseMessage":{"selectedButtonId":".menu"}}`, ".menu"},
		{"list reply", `{"listResponseMessage":{"singleSelectReply":{"selectedRowId":".song 1"}}}`, ".song 1"},
		{"priority order", `{"imageMessage":{"caption":"second"},"conversation":"first"}`, "first"},
		{"empty conversation falls through", `{"conversation":"","extendedTextMessage":{"text":"next"}}`, "next"},
		{"no text", `{"stickerMessage":{"url":"x"}}`, ""},
		{"non-string value", `{"conversation":42}`, ""},
		{"invalid json", `{"conversation":`, ""},
		{"empty payload", ``, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractText([]byte(tt.payload)); got != tt.want {
				t.Errorf("ExtractText() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name          string
		text          string
		prefix        string
		wantNil       bool
		wantCommand   string
		wantArgs      []string
		wantRemainder string
	}{
		{name: "simple", text: ".ping", prefix: ".", wantCommand: "ping", wantArgs: []string{}},
		{name: "uppercase command", text: ".PING", prefix: ".", wantCommand: "ping", wantArgs: []string{}},
		{name: "args", text: ".song  never gonna\tgive", prefix: ".", wantCommand: "song",
			wantArgs: []string{"never", "gonna", "give"}, wantRemainder: "never gonna\tgive"},
		{name: "space after prefix", text: ".  menu all", prefix: ".", wantCommand: "menu",
			wantArgs: []string{"all"}, wantRemainder: "all"},
		{name: "other prefix", text: "!ban @user", prefix: "!", wantCommand: "ban",
			wantArgs: []string{"@user"}, wantRemainder: "@user"},
		{name: "no prefix", text: "ping", prefix: ".", wantNil: true},
		{name: "prefix only", text: ".", prefix: ".", wantNil: true},
		{name: "prefix and spaces", text: ".   ", prefix: ".", wantNil: true},
		{name: "empty prefix", text: "ping", prefix: "", wantNil: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseCommand(tt.text, tt.prefix)
			if tt.wantNil {
				if got != nil {
					t.Fatalf("ParseCommand() = %+v, want nil", got)
				}
				return
			}
			if got == nil {
				t.Fatal("ParseCommand() = nil")
			}
			if got.Command != tt.wantCommand {
				t.Errorf("Command = %q, want %q", got.Command, tt.wantCommand)
			}
			if !reflect.DeepEqual(got.Args, tt.wantArgs) {
				t.Errorf("Args = %#v, want %#v", got.Args, tt.wantArgs)
			}
			if got.Remainder != tt.wantRemainder {
				t.Errorf("Remainder = %q, want %q", got.Remainder, tt.wantRemainder)
			}
		})
	}
}
