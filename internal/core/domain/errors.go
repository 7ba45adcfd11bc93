package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidPlugin      = errors.New("invalid plugin")
	ErrPluginNotFound     = errors.New("plugin not found")
	ErrDuplicatePlugin    = errors.New("duplicate plugin name")
	ErrCommandCollision   = errors.New("command collision")
	ErrBackendUnavailable = errors.New("storage backend unavailable")
	ErrInvalidCollection  = errors.New("invalid collection name")
	ErrTransportClosed    = errors.New("transport closed")
	ErrGroupsNotSupported = errors.New("transport does not support group operations")
)

// LoadError reports a plugin unit that could not be loaded or registered.
type LoadError struct {
	Unit   string
	Plugin string
	Err    error
}

func (e *LoadError) Error() string {
	if e.Plugin != "" {
		return fmt.Sprintf("load %s (plugin %s): %v", e.Unit, e.Plugin, e.Err)
	}
	return fmt.Sprintf("load %s: %v", e.Unit, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// PermissionGate names the gate that rejected a command.
type PermissionGate string

const (
	GateOwnerOnly PermissionGate = "owner_only"
	GateGroupOnly PermissionGate = "group_only"
)

// PermissionError reports a command rejected by an owner or group gate.
type PermissionError struct {
	Gate    PermissionGate
	Command string
	Sender  string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("command %s rejected by %s gate", e.Command, e.Gate)
}

// Notice returns the reply shown to the user.
func (e *PermissionError) Notice() string {
	if e.Gate == GateGroupOnly {
		return "⚠️ *Groups Only*"
	}
	return "⚠️ *Owner Only*"
}

// RateLimitError reports a command rejected by the rate limiter.
type RateLimitError struct {
	Principal  string
	RetryAfter time.Duration
	Limit      int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("Rate limit exceeded. Try again in %ds", e.RetrySeconds())
}

// RetrySeconds rounds the retry delay up to whole seconds.
func (e *RateLimitError) RetrySeconds() int64 {
	ms := e.RetryAfter.Milliseconds()
	return (ms + 999) / 1000
}

// Notice returns the cooldown reply shown to the user.
func (e *RateLimitError) Notice() string {
	return "⏱️ *Rate Limit*\n" + e.Error()
}

// HandlerExecutionError wraps a failure raised inside a plugin handler.
type HandlerExecutionError struct {
	Plugin   string
	Command  string
	Handler  string
	ChatType string
	Err      error
}

func (e *HandlerExecutionError) Error() string {
	if e.Command != "" {
		return fmt.Sprintf("plugin %s failed running %s: %v", e.Plugin, e.Command, e.Err)
	}
	return fmt.Sprintf("plugin %s failed in %s: %v", e.Plugin, e.Handler, e.Err)
}

func (e *HandlerExecutionError) Unwrap() error { return e.Err }

// PanicError is produced when a handler panics instead of returning an error.
type PanicError struct {
	Value interface{}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// PersistenceError reports a backend I/O failure for one collection operation.
type PersistenceError struct {
	Backend    string
	Collection string
	Op         string
	Key        string
	Err        error
}

func (e *PersistenceError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s %s %s/%s: %v", e.Backend, e.Op, e.Collection, e.Key, e.Err)
	}
	return fmt.Sprintf("%s %s %s: %v", e.Backend, e.Op, e.Collection, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
