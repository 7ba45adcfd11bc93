//go:build !tinygo.wasm

package sdk

import "fmt"

// Outside of WASM the host functions are recorded so plugin handlers can be
// unit tested with plain go test.
var host struct {
	next      uint32
	logs      []string
	replies   []string
	reactions []string
	failCode  int32
}

func hostLog(level LogLevel, msg string) {
	host.logs = append(host.logs, fmt.Sprintf("%d %s", level, msg))
}

func hostReply(text string) int32 {
	if host.failCode != 0 {
		return host.failCode
	}
	host.replies = append(host.replies, text)
	return 0
}

func hostReact(emoji string) int32 {
	if host.failCode != 0 {
		return host.failCode
	}
	host.reactions = append(host.reactions, emoji)
	return 0
}

// address hands out fake offsets; real pointers do not fit in 32 bits here.
func address(buf []byte) uint32 {
	host.next += 16 + uint32(len(buf))
	return host.next
}

// read has no linear memory to read from.
func read(ptr, length uint32) []byte {
	return nil
}

// ResetHost clears the recorded host calls and the registered handlers.
func ResetHost() {
	host.logs = nil
	host.replies = nil
	host.reactions = nil
	host.failCode = 0
	handlers.run = nil
	handlers.onMessage = nil
	handlers.onStatus = nil
	handlers.onGroupUpdate = nil
	handlers.init = nil
	pinned = map[uint32][]byte{}
}

// Replies returns the texts passed to Reply since the last ResetHost.
func Replies() []string { return host.replies }

// Reactions returns the emojis passed to React since the last ResetHost.
func Reactions() []string { return host.reactions }

// Logs returns "level message" lines logged since the last ResetHost.
func Logs() []string { return host.logs }

// FailHost makes reply and react return code until the next ResetHost.
func FailHost(code int32) { host.failCode = code }

// Deliver copies payload into guest memory the way the host does and returns
// the pointer and length to pass to a handler export.
func Deliver(payload []byte) (uint32, uint32) {
	ptr := Malloc(uint32(len(payload)))
	copy(pinned[ptr], payload)
	return ptr, uint32(len(payload))
}
