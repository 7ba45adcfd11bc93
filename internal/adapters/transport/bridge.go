// Package transport connects the runtime to a messaging session.
//
// Bridge speaks JSON frames over a websocket to a sidecar that owns the
// actual chat session. Frames are one of three types:
//
//	{"type":"event","event":"messages.upsert","payload":{...}}
//	{"type":"req","id":"<uuid>","method":"send","params":{...}}
//	{"type":"res","id":"<uuid>","ok":true,"payload":{...}}
//
// Events flow from the sidecar to the bot; requests flow from the bot and
// are answered with a response carrying the same id.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/MidknightMantra/MidKnight/internal/core/domain"
	"github.com/MidknightMantra/MidKnight/internal/core/ports"
)

// Event names sent by the sidecar.
const (
	EventMessage     = "messages.upsert"
	EventGroupUpdate = "group-participants.update"
	EventConnection  = "connection.update"
)

// Request methods understood by the sidecar.
const (
	MethodSend               = "send"
	MethodGroupMetadata      = "groupMetadata"
	MethodUpdateParticipants = "groupParticipantsUpdate"
)

// ErrNotConnected is returned by requests made while the socket is down.
var ErrNotConnected = errors.New("bridge is not connected")

type frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  interface{}     `json:"params,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
	Event   string          `json:"event,omitempty"`
}

type connectionUpdate struct {
	Connection string `json:"connection"`
	Self       string `json:"self,omitempty"`
}

type sendParams struct {
	Chat    string                 `json:"chat"`
	Content domain.OutboundContent `json:"content"`
	Options domain.SendOptions     `json:"options"`
}

type participantsParams struct {
	Chat         string             `json:"chat"`
	Participants []string           `json:"participants"`
	Action       domain.GroupAction `json:"action"`
}

// BridgeOptions configures a Bridge.
type BridgeOptions struct {
	URL            string
	Header         http.Header
	ReconnectDelay time.Duration
	SendTimeout    time.Duration
	// EventBuffer is the backlog of events waiting for the sink above which
	// a warning is logged. Events are never dropped.
	EventBuffer int
}

// Bridge is a websocket transport. It implements ports.Transport,
// ports.GroupDirectory and ports.EventSource.
type Bridge struct {
	opts   BridgeOptions
	dialer *websocket.Dialer
	logger ports.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	selfID    string
	connected bool

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan frame
}

// NewBridge creates a bridge. Nothing is dialed until Run.
func NewBridge(opts BridgeOptions, logger ports.Logger) *Bridge {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 3 * time.Second
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 15 * time.Second
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 256
	}
	return &Bridge{
		opts:    opts,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:  logger.With("component", "bridge"),
		pending: make(map[string]chan frame),
	}
}

// Run connects and delivers events to sink until ctx is cancelled. A
// dropped connection is redialed after the reconnect delay.
func (b *Bridge) Run(ctx context.Context, sink ports.EventSink) error {
	if b.opts.URL == "" {
		return fmt.Errorf("bridge url is required")
	}

	events := newEventQueue()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.deliver(ctx, events, sink)
	}()
	defer wg.Wait()
	defer events.close()

	for {
		err := b.session(ctx, events)
		if ctx.Err() != nil {
			return nil
		}
		b.logger.Warn("Bridge connection lost", "error", err, "retry_in", b.opts.ReconnectDelay)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(b.opts.ReconnectDelay):
		}
	}
}

// session dials once and reads frames until the connection fails.
func (b *Bridge) session(ctx context.Context, events *eventQueue) error {
	conn, _, err := b.dialer.DialContext(ctx, b.opts.URL, b.opts.Header)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", b.opts.URL, err)
	}

	b.mu.Lock()
	b.conn = conn
	b.connected = true
	b.mu.Unlock()
	b.logger.Info("Bridge connected", "url", b.opts.URL)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	defer func() {
		b.mu.Lock()
		b.conn = nil
		b.connected = false
		b.mu.Unlock()
		conn.Close()
		b.failPending()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			b.logger.Warn("Dropping malformed frame", "error", err)
			continue
		}

		switch f.Type {
		case "res":
			b.resolve(f)
		case "event":
			if f.Event == EventConnection {
				b.connectionUpdate(f.Payload)
				continue
			}
			if backlog := events.push(f); backlog == b.opts.EventBuffer+1 {
				b.logger.Warn("Event backlog growing, sink is falling behind", "backlog", backlog)
			}
		default:
			b.logger.Debug("Ignoring frame", "type", f.Type)
		}
	}
}

// deliver hands events to the sink one at a time, in arrival order.
func (b *Bridge) deliver(ctx context.Context, events *eventQueue, sink ports.EventSink) {
	for {
		f, ok := events.pop()
		if !ok {
			return
		}
		switch f.Event {
		case EventMessage:
			var event domain.InboundEvent
			if err := json.Unmarshal(f.Payload, &event); err != nil {
				b.logger.Warn("Dropping malformed message event", "error", err)
				continue
			}
			sink.HandleMessage(ctx, &event)
		case EventGroupUpdate:
			var update domain.GroupUpdate
			if err := json.Unmarshal(f.Payload, &update); err != nil {
				b.logger.Warn("Dropping malformed group update", "error", err)
				continue
			}
			sink.HandleGroupUpdate(ctx, &update)
		default:
			b.logger.Debug("Ignoring event", "event", f.Event)
		}
	}
}

// eventQueue is an unbounded FIFO between the read loop and the sink. The
// read loop never waits on the sink, so response frames keep flowing while
// a handler is blocked on a request.
type eventQueue struct {
	mu     sync.Mutex
	items  []frame
	closed bool
	ready  chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{ready: make(chan struct{}, 1)}
}

// push appends f and returns the backlog including f.
func (q *eventQueue) push(f frame) int {
	q.mu.Lock()
	q.items = append(q.items, f)
	n := len(q.items)
	q.mu.Unlock()
	q.signal()
	return n
}

// pop blocks until an item is queued. It reports false once the queue is
// closed and drained.
func (q *eventQueue) pop() (frame, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			f := q.items[0]
			q.items[0] = frame{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return f, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return frame{}, false
		}
		<-q.ready
	}
}

func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

func (q *eventQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (b *Bridge) connectionUpdate(payload json.RawMessage) {
	var u connectionUpdate
	if err := json.Unmarshal(payload, &u); err != nil {
		b.logger.Warn("Dropping malformed connection update", "error", err)
		return
	}
	b.mu.Lock()
	if u.Self != "" {
		b.selfID = domain.NormalizeJID(u.Self)
	}
	b.mu.Unlock()
	b.logger.Info("Session state changed", "connection", u.Connection)
}

func (b *Bridge) resolve(f frame) {
	b.pendingMu.Lock()
	ch, ok := b.pending[f.ID]
	delete(b.pending, f.ID)
	b.pendingMu.Unlock()
	if ok {
		ch <- f
	}
}

func (b *Bridge) failPending() {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	for id, ch := range b.pending {
		close(ch)
		delete(b.pending, id)
	}
}

// request sends a request frame and waits for its response.
func (b *Bridge) request(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return nil, ErrNotConnected
	}

	id := uuid.NewString()
	ch := make(chan frame, 1)
	b.pendingMu.Lock()
	b.pending[id] = ch
	b.pendingMu.Unlock()
	forget := func() {
		b.pendingMu.Lock()
		delete(b.pending, id)
		b.pendingMu.Unlock()
	}

	data, err := json.Marshal(frame{Type: "req", ID: id, Method: method, Params: params})
	if err != nil {
		forget()
		return nil, fmt.Errorf("failed to encode %s request: %w", method, err)
	}

	b.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(b.opts.SendTimeout))
	err = conn.WriteMessage(websocket.TextMessage, data)
	b.writeMu.Unlock()
	if err != nil {
		forget()
		return nil, fmt.Errorf("failed to write %s request: %w", method, err)
	}

	timer := time.NewTimer(b.opts.SendTimeout)
	defer timer.Stop()
	select {
	case res, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		if !res.OK {
			return nil, fmt.Errorf("%s failed: %s", method, res.Error)
		}
		return res.Payload, nil
	case <-timer.C:
		forget()
		return nil, fmt.Errorf("timeout waiting for %s response", method)
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	}
}

// Send implements ports.Transport.
func (b *Bridge) Send(ctx context.Context, chatID string, content domain.OutboundContent, opts domain.SendOptions) error {
	_, err := b.request(ctx, MethodSend, sendParams{Chat: chatID, Content: content, Options: opts})
	return err
}

// SelfID implements ports.Transport.
func (b *Bridge) SelfID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.selfID
}

// Connected reports whether the socket is up.
func (b *Bridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// GroupMetadata implements ports.GroupDirectory.
func (b *Bridge) GroupMetadata(ctx context.Context, chatID string) (*domain.GroupMetadata, error) {
	payload, err := b.request(ctx, MethodGroupMetadata, map[string]string{"chat": chatID})
	if err != nil {
		return nil, err
	}
	var meta domain.GroupMetadata
	if err := json.Unmarshal(payload, &meta); err != nil {
		return nil, fmt.Errorf("failed to decode group metadata: %w", err)
	}
	return &meta, nil
}

// UpdateParticipants implements ports.GroupDirectory.
func (b *Bridge) UpdateParticipants(ctx context.Context, chatID string, participants []string, action domain.GroupAction) error {
	_, err := b.request(ctx, MethodUpdateParticipants, participantsParams{Chat: chatID, Participants: participants, Action: action})
	return err
}

var (
	_ ports.Transport      = (*Bridge)(nil)
	_ ports.GroupDirectory = (*Bridge)(nil)
	_ ports.EventSource    = (*Bridge)(nil)
)
