package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MidknightMantra/MidKnight/internal/core/domain"
	"github.com/MidknightMantra/MidKnight/internal/core/ports"
)

type nopLogger struct{}

func (nopLogger) Debug(msg string, args ...interface{}) {}
func (nopLogger) Info(msg string, args ...interface{})  {}
func (nopLogger) Warn(msg string, args ...interface{})  {}
func (nopLogger) Error(msg string, args ...interface{}) {}
func (l nopLogger) With(args ...interface{}) ports.Logger { return l }

// serverFrame keeps params raw so tests can decode them into the
// expected shape.
type serverFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
	Event   string          `json:"event,omitempty"`
}

func newTestServer(t *testing.T, handle func(conn *websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()
		handle(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func writeEvent(t *testing.T, conn *websocket.Conn, event string, payload interface{}) {
	t.Helper()
	raw, _ := json.Marshal(payload)
	if err := conn.WriteJSON(serverFrame{Type: "event", Event: event, Payload: raw}); err != nil {
		t.Errorf("write event failed: %v", err)
	}
}

type sinkFunc struct {
	onMessage func(ctx context.Context, event *domain.InboundEvent)
	onGroup   func(ctx context.Context, update *domain.GroupUpdate)
}

func (s *sinkFunc) HandleMessage(ctx context.Context, event *domain.InboundEvent) {
	if s.onMessage != nil {
		s.onMessage(ctx, event)
	}
}

func (s *sinkFunc) HandleGroupUpdate(ctx context.Context, update *domain.GroupUpdate) {
	if s.onGroup != nil {
		s.onGroup(ctx, update)
	}
}

func runBridge(t *testing.T, b *Bridge, sink ports.EventSink) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx, sink) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run returned %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Error("Run did not stop after cancel")
		}
	})
	return cancel
}

func TestBridge_EventAndReply(t *testing.T) {
	sent := make(chan sendParams, 1)
	url := newTestServer(t, func(conn *websocket.Conn) {
		writeEvent(t, conn, EventConnection, connectionUpdate{Connection: "open", Self: "254799999999:12@s.whatsapp.net"})
		writeEvent(t, conn, EventMessage, domain.InboundEvent{
			Key:     domain.EventKey{ID: "3EB0C431", RemoteJID: "254711111111@s.whatsapp.net"},
			Message: json.RawMessage(`{"conversation":".ping"}`),
		})

		var req serverFrame
		if err := conn.ReadJSON(&req); err != nil {
			t.Errorf("read request failed: %v", err)
			return
		}
		if req.Type != "req" || req.Method != MethodSend || req.ID == "" {
			t.Errorf("unexpected request frame: %+v", req)
		}
		var params sendParams
		json.Unmarshal(req.Params, &params)
		sent <- params
		conn.WriteJSON(serverFrame{Type: "res", ID: req.ID, OK: true})

		// Hold the connection until the client goes away.
		conn.ReadMessage()
	})

	b := NewBridge(BridgeOptions{URL: url, ReconnectDelay: 10 * time.Millisecond, SendTimeout: time.Second}, nopLogger{})
	replied := make(chan error, 1)
	sink := &sinkFunc{onMessage: func(ctx context.Context, event *domain.InboundEvent) {
		replied <- b.Send(ctx, event.ChatID(), domain.OutboundContent{Text: "pong"}, domain.SendOptions{Quoted: &event.Key})
	}}
	runBridge(t, b, sink)

	select {
	case err := <-replied:
		if err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no message delivered to sink")
	}

	params := <-sent
	if params.Chat != "254711111111@s.whatsapp.net" || params.Content.Text != "pong" {
		t.Errorf("unexpected send params: %+v", params)
	}
	if params.Options.Quoted == nil || params.Options.Quoted.ID != "3EB0C431" {
		t.Errorf("expected quoted key, got %+v", params.Options)
	}
	if got := b.SelfID(); got != "254799999999@s.whatsapp.net" {
		t.Errorf("expected normalized self id, got %q", got)
	}
	if !b.Connected() {
		t.Error("expected bridge to report connected")
	}
}

func TestBridge_BacklogBeyondBufferKeepsEveryEvent(t *testing.T) {
	const total = 20
	var connections int32
	written := make(chan struct{})
	url := newTestServer(t, func(conn *websocket.Conn) {
		if atomic.AddInt32(&connections, 1) == 1 {
			for i := 0; i < total; i++ {
				writeEvent(t, conn, EventMessage, domain.InboundEvent{
					Key:     domain.EventKey{ID: fmt.Sprintf("MSG%02d", i), RemoteJID: "254711111111@s.whatsapp.net"},
					Message: json.RawMessage(`{"conversation":"hi"}`),
				})
			}
			close(written)
		}
		for {
			var req serverFrame
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			conn.WriteJSON(serverFrame{Type: "res", ID: req.ID, OK: true})
		}
	})

	b := NewBridge(BridgeOptions{URL: url, ReconnectDelay: 10 * time.Millisecond, SendTimeout: 2 * time.Second, EventBuffer: 2}, nopLogger{})
	var mu sync.Mutex
	var ids []string
	done := make(chan struct{})
	sink := &sinkFunc{onMessage: func(ctx context.Context, event *domain.InboundEvent) {
		if event.Key.ID == "MSG00" {
			select {
			case <-written:
			case <-time.After(2 * time.Second):
				t.Error("server never finished writing")
			}
			// The rest of the burst is queued; the reply must still resolve.
			if err := b.Send(ctx, event.ChatID(), domain.OutboundContent{Text: "ack"}, domain.SendOptions{}); err != nil {
				t.Errorf("Send with a queued backlog failed: %v", err)
			}
		}
		mu.Lock()
		ids = append(ids, event.Key.ID)
		n := len(ids)
		mu.Unlock()
		if n == total {
			close(done)
		}
	}}
	runBridge(t, b, sink)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		mu.Lock()
		defer mu.Unlock()
		t.Fatalf("delivered %d of %d events", len(ids), total)
	}
	mu.Lock()
	defer mu.Unlock()
	for i, id := range ids {
		if want := fmt.Sprintf("MSG%02d", i); id != want {
			t.Errorf("event %d = %s, want %s", i, id, want)
		}
	}
}

func TestBridge_Reconnects(t *testing.T) {
	var connections int32
	url := newTestServer(t, func(conn *websocket.Conn) {
		if atomic.AddInt32(&connections, 1) == 1 {
			return
		}
		writeEvent(t, conn, EventGroupUpdate, domain.GroupUpdate{
			ChatID:       "120363000000000001@g.us",
			Participants: []string{"254722222222@s.whatsapp.net"},
			Action:       domain.GroupActionAdd,
		})
		conn.ReadMessage()
	})

	updates := make(chan *domain.GroupUpdate, 1)
	b := NewBridge(BridgeOptions{URL: url, ReconnectDelay: 10 * time.Millisecond}, nopLogger{})
	runBridge(t, b, &sinkFunc{onGroup: func(ctx context.Context, update *domain.GroupUpdate) {
		updates <- update
	}})

	select {
	case u := <-updates:
		if u.Action != domain.GroupActionAdd || len(u.Participants) != 1 {
			t.Errorf("unexpected update: %+v", u)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no group update after reconnect")
	}
	if n := atomic.LoadInt32(&connections); n < 2 {
		t.Errorf("expected a reconnect, got %d connections", n)
	}
}

func TestBridge_RequestErrors(t *testing.T) {
	var mu sync.Mutex
	var methods []string
	url := newTestServer(t, func(conn *websocket.Conn) {
		writeEvent(t, conn, EventConnection, connectionUpdate{Connection: "open"})
		for {
			var req serverFrame
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			mu.Lock()
			methods = append(methods, req.Method)
			mu.Unlock()
			switch req.Method {
			case MethodGroupMetadata:
				conn.WriteJSON(serverFrame{Type: "res", ID: req.ID, OK: true, Payload: json.RawMessage(
					`{"id":"120363000000000001@g.us","subject":"Knights","participants":[{"id":"254711111111@s.whatsapp.net","admin":"admin"}]}`)})
			case MethodUpdateParticipants:
				conn.WriteJSON(serverFrame{Type: "res", ID: req.ID, Error: "not an admin"})
			}
			// MethodSend is never answered.
		}
	})

	b := NewBridge(BridgeOptions{URL: url, SendTimeout: 100 * time.Millisecond}, nopLogger{})
	ctx := context.Background()

	if err := b.Send(ctx, "x", domain.OutboundContent{Text: "hi"}, domain.SendOptions{}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected before Run, got %v", err)
	}

	runBridge(t, b, &sinkFunc{})
	deadline := time.Now().Add(2 * time.Second)
	for !b.Connected() {
		if time.Now().After(deadline) {
			t.Fatal("bridge never connected")
		}
		time.Sleep(5 * time.Millisecond)
	}

	meta, err := b.GroupMetadata(ctx, "120363000000000001@g.us")
	if err != nil {
		t.Fatalf("GroupMetadata failed: %v", err)
	}
	if meta.Subject != "Knights" || !meta.IsAdmin("254711111111:3@s.whatsapp.net") {
		t.Errorf("unexpected metadata: %+v", meta)
	}

	err = b.UpdateParticipants(ctx, "120363000000000001@g.us", []string{"254722222222@s.whatsapp.net"}, domain.GroupActionRemove)
	if err == nil || !strings.Contains(err.Error(), "not an admin") {
		t.Errorf("expected sidecar error, got %v", err)
	}

	err = b.Send(ctx, "x", domain.OutboundContent{Text: "hi"}, domain.SendOptions{})
	if err == nil || !strings.Contains(err.Error(), "timeout") {
		t.Errorf("expected timeout, got %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(methods) != 3 {
		t.Errorf("expected 3 requests, got %v", methods)
	}
}

func TestBridge_RequiresURL(t *testing.T) {
	b := NewBridge(BridgeOptions{}, nopLogger{})
	if err := b.Run(context.Background(), &sinkFunc{}); err == nil {
		t.Fatal("expected error without url")
	}
}
