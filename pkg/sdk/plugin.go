// Package sdk provides the guest side of MidKnight WebAssembly plugins.
// This package is designed to be compiled with TinyGo to WebAssembly.
//
// # Quick Start
//
// Register handlers in init and export them from package main:
//
//	func init() {
//	    sdk.HandleRun(func(m *sdk.Message) error {
//	        return m.Reply("you said: " + m.Remainder)
//	    })
//	}
//
//	//export malloc
//	func malloc(size uint32) uint32 { return sdk.Malloc(size) }
//
//	//export run
//	func run(ptr, length uint32) int32 { return sdk.Run(ptr, length) }
//
//	func main() {}
//
// List the exports in plugin.yaml next to the module:
//
//	name: echo
//	pattern: echo
//	exports:
//	  run: run
//
// Build with TinyGo:
//
//	tinygo build -o plugin.wasm -target=wasi -buildmode=c-shared .
package sdk

import "encoding/json"

// LogLevel represents the severity of a log message.
type LogLevel uint32

const (
	LogDebug LogLevel = iota
	LogInfo
	LogWarn
	LogError
)

// Result codes returned to the host. Anything but OK is reported as a
// handler failure.
const (
	OK           int32 = 0
	ErrDecode    int32 = 1
	ErrHandler   int32 = 2
	ErrNoHandler int32 = 3
)

// Message is the event a run, on_message or on_status handler receives.
type Message struct {
	ID            string   `json:"id"`
	Text          string   `json:"text"`
	Chat          string   `json:"chat"`
	Sender        string   `json:"sender"`
	PushName      string   `json:"pushName"`
	FromMe        bool     `json:"fromMe"`
	IsGroup       bool     `json:"isGroup"`
	IsOwner       bool     `json:"isOwner"`
	IsSenderAdmin bool     `json:"isSenderAdmin"`
	Command       string   `json:"command"`
	Args          []string `json:"args"`
	Remainder     string   `json:"remainder"`
	Prefix        string   `json:"prefix"`
	BotName       string   `json:"botName"`
}

// Reply sends text to the chat the message came from, quoting it.
func (m *Message) Reply(text string) error {
	return Reply(text)
}

// React puts an emoji reaction on the message.
func (m *Message) React(emoji string) error {
	return React(emoji)
}

// GroupUpdate is the event an on_group_update handler receives.
type GroupUpdate struct {
	Chat         string   `json:"chat"`
	Participants []string `json:"participants"`
	Action       string   `json:"action"`
	Author       string   `json:"author"`
	Prefix       string   `json:"prefix"`
	BotName      string   `json:"botName"`
}

// InitInfo is what an init handler receives when the plugin is registered.
type InitInfo struct {
	BotName string `json:"botName"`
	Prefix  string `json:"prefix"`
	Mode    string `json:"mode"`
}

type (
	MessageHandler func(m *Message) error
	GroupHandler   func(u *GroupUpdate) error
	InitHandler    func(info *InitInfo) error
)

var handlers struct {
	run           MessageHandler
	onMessage     MessageHandler
	onStatus      MessageHandler
	onGroupUpdate GroupHandler
	init          InitHandler
}

// HandleRun sets the handler for matched commands.
func HandleRun(h MessageHandler) { handlers.run = h }

// HandleMessage sets the handler that sees every message.
func HandleMessage(h MessageHandler) { handlers.onMessage = h }

// HandleStatus sets the handler for status broadcasts.
func HandleStatus(h MessageHandler) { handlers.onStatus = h }

// HandleGroupUpdate sets the handler for participant changes.
func HandleGroupUpdate(h GroupHandler) { handlers.onGroupUpdate = h }

// HandleInit sets the handler called once on registration.
func HandleInit(h InitHandler) { handlers.init = h }

// Run decodes the event at ptr and calls the HandleRun handler.
func Run(ptr, length uint32) int32 { return dispatch(handlers.run, ptr, length) }

// OnMessage decodes the event at ptr and calls the HandleMessage handler.
func OnMessage(ptr, length uint32) int32 { return dispatch(handlers.onMessage, ptr, length) }

// OnStatus decodes the event at ptr and calls the HandleStatus handler.
func OnStatus(ptr, length uint32) int32 { return dispatch(handlers.onStatus, ptr, length) }

// OnGroupUpdate decodes the event at ptr and calls the HandleGroupUpdate
// handler.
func OnGroupUpdate(ptr, length uint32) int32 {
	h := handlers.onGroupUpdate
	if h == nil {
		release(ptr)
		return ErrNoHandler
	}
	var u GroupUpdate
	return decodeAndCall(ptr, length, &u, func() error { return h(&u) })
}

// Init decodes the settings at ptr and calls the HandleInit handler.
func Init(ptr, length uint32) int32 {
	h := handlers.init
	if h == nil {
		release(ptr)
		return ErrNoHandler
	}
	var info InitInfo
	return decodeAndCall(ptr, length, &info, func() error { return h(&info) })
}

func dispatch(h MessageHandler, ptr, length uint32) int32 {
	if h == nil {
		release(ptr)
		return ErrNoHandler
	}
	var m Message
	return decodeAndCall(ptr, length, &m, func() error { return h(&m) })
}

func decodeAndCall(ptr, length uint32, v interface{}, call func() error) int32 {
	if err := json.Unmarshal(take(ptr, length), v); err != nil {
		Error("failed to decode event: " + err.Error())
		return ErrDecode
	}
	if err := call(); err != nil {
		Error(err.Error())
		return ErrHandler
	}
	return OK
}

// ========================================
// Memory
// ========================================

// pinned keeps buffers handed to the host alive until the handler reads
// them. The host serializes calls into one instance.
var pinned = map[uint32][]byte{}

// Malloc allocates size bytes for the host to write an event into. Export
// it as malloc.
func Malloc(size uint32) uint32 {
	if size == 0 {
		size = 1
	}
	buf := make([]byte, size)
	ptr := address(buf)
	pinned[ptr] = buf
	return ptr
}

// take returns the event bytes at ptr and unpins them.
func take(ptr, length uint32) []byte {
	buf, ok := pinned[ptr]
	if !ok {
		return read(ptr, length)
	}
	delete(pinned, ptr)
	if int(length) < len(buf) {
		buf = buf[:length]
	}
	return buf
}

func release(ptr uint32) {
	delete(pinned, ptr)
}

// ========================================
// Host Functions
// ========================================

// Host functions are declared in wasm_imports.go for TinyGo builds and
// recorded by wasm_stubs.go everywhere else.
//
// Available host functions in the "midknight" module:
//   - log(level, ptr, length) - Write log message
//   - reply(ptr, length) -> errCode - Reply to the current message
//   - react(ptr, length) -> errCode - React to the current message

// Reply sends text to the chat of the event being handled.
func Reply(text string) error {
	if code := hostReply(text); code != 0 {
		return &PluginError{Code: int(code), Message: "reply failed"}
	}
	return nil
}

// React reacts to the event being handled.
func React(emoji string) error {
	if code := hostReact(emoji); code != 0 {
		return &PluginError{Code: int(code), Message: "react failed"}
	}
	return nil
}

// Log writes a log message at the specified level.
func Log(level LogLevel, message string) {
	hostLog(level, message)
}

// Debug writes a debug log message.
func Debug(message string) {
	Log(LogDebug, message)
}

// Info writes an info log message.
func Info(message string) {
	Log(LogInfo, message)
}

// Warn writes a warning log message.
func Warn(message string) {
	Log(LogWarn, message)
}

// Error writes an error log message.
func Error(message string) {
	Log(LogError, message)
}

// PluginError is returned when a host function reports a failure. Code -1
// means no event is being handled.
type PluginError struct {
	Code    int
	Message string
}

func (e *PluginError) Error() string {
	return e.Message
}
