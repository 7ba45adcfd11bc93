//go:build tinygo.wasm

package sdk

import "unsafe"

//go:wasmimport midknight log
func midknightLog(level, ptr, length uint32)

//go:wasmimport midknight reply
func midknightReply(ptr, length uint32) int32

//go:wasmimport midknight react
func midknightReact(ptr, length uint32) int32

func hostLog(level LogLevel, msg string) {
	ptr, length := stringToPtr(msg)
	midknightLog(uint32(level), ptr, length)
}

func hostReply(text string) int32 {
	ptr, length := stringToPtr(text)
	return midknightReply(ptr, length)
}

func hostReact(emoji string) int32 {
	ptr, length := stringToPtr(emoji)
	return midknightReact(ptr, length)
}

// ========================================
// Memory Helpers (TinyGo WASM)
// ========================================

// address returns the linear memory offset of buf.
func address(buf []byte) uint32 {
	return uint32(uintptr(unsafe.Pointer(&buf[0])))
}

// stringToPtr converts a Go string to WASM linear memory pointer.
func stringToPtr(s string) (uint32, uint32) {
	if len(s) == 0 {
		return 0, 0
	}
	ptr := unsafe.Pointer(unsafe.StringData(s))
	return uint32(uintptr(ptr)), uint32(len(s))
}

// read copies length bytes at ptr out of linear memory.
func read(ptr, length uint32) []byte {
	if ptr == 0 || length == 0 {
		return nil
	}
	src := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(ptr))), length)
	out := make([]byte, length)
	copy(out, src)
	return out
}
