package domain

import (
	"bytes"
	"encoding/json"
	"time"
)

// EventKey identifies one message on the transport.
type EventKey struct {
	ID          string `json:"id"`
	RemoteJID   string `json:"remoteJid"`
	Participant string `json:"participant,omitempty"`
	FromMe      bool   `json:"fromMe"`
}

// InboundEvent is a message delivered by the transport. Message holds the
// transport's payload untouched; the core only reads text out of it.
type InboundEvent struct {
	Key       EventKey        `json:"key"`
	Message   json.RawMessage `json:"message,omitempty"`
	PushName  string          `json:"pushName,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ChatID returns the chat the event was posted in.
func (e *InboundEvent) ChatID() string {
	return e.Key.RemoteJID
}

// SenderID returns the participant in group chats or the chat itself in DMs.
func (e *InboundEvent) SenderID() string {
	if e.Key.Participant != "" {
		return e.Key.Participant
	}
	return e.Key.RemoteJID
}

// HasContent reports whether the event carries a message payload.
func (e *InboundEvent) HasContent() bool {
	trimmed := bytes.TrimSpace(e.Message)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// IsGroupChat reports whether the event was posted in a group.
func (e *InboundEvent) IsGroupChat() bool {
	return IsGroupJID(e.Key.RemoteJID)
}

// IsStatus reports whether the event is a status broadcast.
func (e *InboundEvent) IsStatus() bool {
	return IsStatusJID(e.Key.RemoteJID)
}

// GroupAction is the kind of participant change in a group.
type GroupAction string

const (
	GroupActionAdd     GroupAction = "add"
	GroupActionRemove  GroupAction = "remove"
	GroupActionPromote GroupAction = "promote"
	GroupActionDemote  GroupAction = "demote"
)

// GroupUpdate is a participant change delivered by the transport.
type GroupUpdate struct {
	ChatID       string      `json:"id"`
	Participants []string    `json:"participants"`
	Action       GroupAction `json:"action"`
	Author       string      `json:"author,omitempty"`
}

// GroupParticipant is one member of a group as reported by the transport.
type GroupParticipant struct {
	ID    string `json:"id"`
	Admin string `json:"admin,omitempty"`
}

// GroupMetadata is the transport's view of a group chat.
type GroupMetadata struct {
	ID           string             `json:"id"`
	Subject      string             `json:"subject"`
	Owner        string             `json:"owner,omitempty"`
	Participants []GroupParticipant `json:"participants"`
}

// IsAdmin reports whether jid holds an admin role in the group.
func (g *GroupMetadata) IsAdmin(jid string) bool {
	want := NormalizeJID(jid)
	for _, p := range g.Participants {
		if NormalizeJID(p.ID) == want {
			return p.Admin == "admin" || p.Admin == "superadmin"
		}
	}
	return false
}

// Reaction is an emoji reaction attached to an existing message.
type Reaction struct {
	Text string   `json:"text"`
	Key  EventKey `json:"key"`
}

// OutboundContent describes a message to send. Raw carries transport
// specific payloads (media, buttons) that the core forwards unchanged.
type OutboundContent struct {
	Text     string          `json:"text,omitempty"`
	React    *Reaction       `json:"react,omitempty"`
	Mentions []string        `json:"mentions,omitempty"`
	Raw      json.RawMessage `json:"raw,omitempty"`
}

// SendOptions are per-message delivery options.
type SendOptions struct {
	Quoted *EventKey `json:"quoted,omitempty"`
}

// ParsedCommand is the result of splitting a prefixed message.
type ParsedCommand struct {
	Command   string   `json:"command"`
	Args      []string `json:"args"`
	Remainder string   `json:"remainder"`
}

// DispatchContext is built once per inbound event and discarded afterwards.
type DispatchContext struct {
	ChatID        string
	SenderID      string
	IsGroup       bool
	Text          string
	Command       *ParsedCommand
	IsOwner       bool
	IsSenderAdmin bool
}

// ChatType returns "group" or "dm" for log fields.
func (c *DispatchContext) ChatType() string {
	if c.IsGroup {
		return "group"
	}
	return "dm"
}
