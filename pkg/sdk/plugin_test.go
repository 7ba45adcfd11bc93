//go:build !tinygo.wasm

package sdk

import (
	"errors"
	"strings"
	"testing"
)

func TestLogLevel_Constants(t *testing.T) {
	tests := []struct {
		level    LogLevel
		expected uint32
	}{
		{LogDebug, 0},
		{LogInfo, 1},
		{LogWarn, 2},
		{LogError, 3},
	}

	for _, tt := range tests {
		if uint32(tt.level) != tt.expected {
			t.Errorf("expected LogLevel %d, got %d", tt.expected, uint32(tt.level))
		}
	}
}

func TestLogHelpers(t *testing.T) {
	ResetHost()
	Debug("d")
	Info("i")
	Warn("w")
	Error("e")

	want := []string{"0 d", "1 i", "2 w", "3 e"}
	got := Logs()
	if len(got) != len(want) {
		t.Fatalf("expected %d log lines, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("line %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestRun(t *testing.T) {
	ResetHost()
	var seen *Message
	HandleRun(func(m *Message) error {
		seen = m
		if err := m.React("👍"); err != nil {
			return err
		}
		return m.Reply("you said: " + m.Remainder)
	})

	ptr, length := Deliver([]byte(`{"id":"ABC","text":".echo hi there","chat":"254700000001@s.whatsapp.net",` +
		`"sender":"254700000001@s.whatsapp.net","command":"echo","args":["hi","there"],` +
		`"remainder":"hi there","prefix":".","botName":"MidKnight","isOwner":true}`))
	if code := Run(ptr, length); code != OK {
		t.Fatalf("expected OK, got %d (logs %v)", code, Logs())
	}

	if seen == nil || seen.Command != "echo" || len(seen.Args) != 2 || !seen.IsOwner {
		t.Errorf("unexpected message: %+v", seen)
	}
	if r := Replies(); len(r) != 1 || r[0] != "you said: hi there" {
		t.Errorf("unexpected replies: %v", r)
	}
	if r := Reactions(); len(r) != 1 || r[0] != "👍" {
		t.Errorf("unexpected reactions: %v", r)
	}
	if len(pinned) != 0 {
		t.Errorf("expected event buffer to be released, %d pinned", len(pinned))
	}
}

func TestDispatchErrors(t *testing.T) {
	tests := []struct {
		name    string
		setup   func()
		payload string
		call    func(ptr, length uint32) int32
		want    int32
	}{
		{
			name:    "no handler",
			setup:   func() {},
			payload: `{}`,
			call:    Run,
			want:    ErrNoHandler,
		},
		{
			name:    "bad json",
			setup:   func() { HandleMessage(func(*Message) error { return nil }) },
			payload: `{not json`,
			call:    OnMessage,
			want:    ErrDecode,
		},
		{
			name:    "handler error",
			setup:   func() { HandleStatus(func(*Message) error { return errors.New("boom") }) },
			payload: `{"text":"status"}`,
			call:    OnStatus,
			want:    ErrHandler,
		},
		{
			name:    "group handler missing",
			setup:   func() {},
			payload: `{}`,
			call:    OnGroupUpdate,
			want:    ErrNoHandler,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ResetHost()
			tt.setup()
			ptr, length := Deliver([]byte(tt.payload))
			if code := tt.call(ptr, length); code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, code)
			}
			if len(pinned) != 0 {
				t.Errorf("expected buffer released, %d pinned", len(pinned))
			}
		})
	}
}

func TestOnGroupUpdateAndInit(t *testing.T) {
	ResetHost()
	var update *GroupUpdate
	var info *InitInfo
	HandleGroupUpdate(func(u *GroupUpdate) error { update = u; return nil })
	HandleInit(func(i *InitInfo) error { info = i; return nil })

	ptr, length := Deliver([]byte(`{"chat":"1203@g.us","participants":["254700000002@s.whatsapp.net"],"action":"add","author":"254700000001@s.whatsapp.net"}`))
	if code := OnGroupUpdate(ptr, length); code != OK {
		t.Fatalf("OnGroupUpdate returned %d", code)
	}
	if update == nil || update.Action != "add" || len(update.Participants) != 1 {
		t.Errorf("unexpected update: %+v", update)
	}

	ptr, length = Deliver([]byte(`{"botName":"MidKnight","prefix":"!","mode":"private"}`))
	if code := Init(ptr, length); code != OK {
		t.Fatalf("Init returned %d", code)
	}
	if info == nil || info.Prefix != "!" || info.Mode != "private" {
		t.Errorf("unexpected init info: %+v", info)
	}
}

func TestReplyFailure(t *testing.T) {
	ResetHost()
	FailHost(-3)

	err := Reply("hello")
	var perr *PluginError
	if !errors.As(err, &perr) || perr.Code != -3 {
		t.Fatalf("expected PluginError with code -3, got %v", err)
	}
	if err := React("x"); err == nil {
		t.Error("expected react to fail")
	}

	HandleRun(func(m *Message) error { return m.Reply("nope") })
	ptr, length := Deliver([]byte(`{}`))
	if code := Run(ptr, length); code != ErrHandler {
		t.Errorf("expected ErrHandler, got %d", code)
	}
	logs := Logs()
	if len(logs) == 0 || !strings.HasPrefix(logs[len(logs)-1], "3 reply failed") {
		t.Errorf("expected error log, got %v", logs)
	}
}

func TestMalloc(t *testing.T) {
	ResetHost()
	a := Malloc(0)
	b := Malloc(32)
	if a == b {
		t.Fatal("expected distinct pointers")
	}
	if len(pinned[a]) != 1 {
		t.Errorf("zero-size allocation should reserve one byte, got %d", len(pinned[a]))
	}
	if got := take(b, 4); len(got) != 4 {
		t.Errorf("expected 4 bytes, got %d", len(got))
	}
	if _, ok := pinned[b]; ok {
		t.Error("take should unpin the buffer")
	}
	if got := take(12345, 4); got != nil {
		t.Errorf("unknown pointer should read nothing, got %v", got)
	}
}
