package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws/wsutil"

	"github.com/ktirumal2006/Study-Hub/internal/broadcast"
	"github.com/ktirumal2006/Study-Hub/internal/history"
	"github.com/ktirumal2006/Study-Hub/internal/kvstore"
	"github.com/ktirumal2006/Study-Hub/internal/protocol"
	"github.com/ktirumal2006/Study-Hub/internal/registry"
	"github.com/ktirumal2006/Study-Hub/internal/ws"
)

// recorder captures broadcast deliveries keyed by connection id.
type recorder struct {
	mu     sync.Mutex
	events map[string][][]byte
}

func newRecorder() *recorder {
	return &recorder{events: make(map[string][][]byte)}
}

func (r *recorder) Deliver(ctx context.Context, endpoint, connID string, event []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[connID] = append(r.events[connID], event)
	return nil
}

func (r *recorder) eventsFor(connID string) [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.events[connID]...)
}

type testEnv struct {
	hub      *Hub
	registry *registry.Registry
	messages *history.Store
	rec      *recorder
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := kvstore.NewMemoryStore()
	reg := registry.New(store)
	rec := newRecorder()
	b := broadcast.New(reg, rec, "local")
	messages := history.NewStore(store)
	return &testEnv{
		hub:      New(reg, b, messages, nil, "local"),
		registry: reg,
		messages: messages,
		rec:      rec,
	}
}

// newTestConn returns a connection backed by one end of a pipe and a
// channel carrying every text frame the hub writes back to it.
func newTestConn(t *testing.T, id, group, participant string) (*ws.Connection, <-chan []byte) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})

	conn := &ws.Connection{
		ID:          id,
		Group:       group,
		Participant: participant,
		Conn:        server,
		CreatedAt:   time.Now(),
	}

	ch := make(chan []byte, 16)
	go func() {
		for {
			data, err := wsutil.ReadServerText(client)
			if err != nil {
				close(ch)
				return
			}
			ch <- data
		}
	}()
	return conn, ch
}

func connect(t *testing.T, env *testEnv, conn *ws.Connection) {
	t.Helper()
	if err := env.hub.HandleConnect(context.Background(), conn); err != nil {
		t.Fatalf("HandleConnect(%s) error: %v", conn.ID, err)
	}
}

func readEvent(t *testing.T, ch <-chan []byte) (string, json.RawMessage) {
	t.Helper()
	select {
	case data := <-ch:
		eventType, payload, err := protocol.ParseEvent(data)
		if err != nil {
			t.Fatalf("parse event %s: %v", data, err)
		}
		return eventType, payload
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return "", nil
	}
}

func expectNoEvent(t *testing.T, ch <-chan []byte) {
	t.Helper()
	select {
	case data := <-ch:
		t.Fatalf("unexpected event: %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

func textPtr(s string) *string { return &s }
func boolPtr(b bool) *bool     { return &b }

func TestHandleConnectRegisters(t *testing.T) {
	env := newTestEnv(t)
	conn, _ := newTestConn(t, "c1", "algebra", "maya")

	connect(t, env, conn)

	rec, err := env.registry.Lookup(context.Background(), "c1")
	if err != nil {
		t.Fatalf("Lookup() error: %v", err)
	}
	if rec.Group != "algebra" || rec.Participant != "maya" || rec.Endpoint != "local" {
		t.Errorf("got %+v", rec)
	}
}

// A chat message goes to every group member, the sender included; the
// sender's client reconciles the echo by deduplication.
func TestSendMessageBroadcastsToWholeGroup(t *testing.T) {
	env := newTestEnv(t)
	c1, _ := newTestConn(t, "c1", "algebra", "maya")
	c2, _ := newTestConn(t, "c2", "algebra", "ben")
	connect(t, env, c1)
	connect(t, env, c2)

	env.hub.handleSendMessage(c1, protocol.SendMessageAction{Text: textPtr("hello group")})

	for _, id := range []string{"c1", "c2"} {
		events := env.rec.eventsFor(id)
		if len(events) != 1 {
			t.Fatalf("connection %s got %d events, want 1", id, len(events))
		}
		eventType, payload, err := protocol.ParseEvent(events[0])
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if eventType != protocol.EventMessage {
			t.Errorf("type = %q", eventType)
		}
		var p protocol.MessagePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if p.Author != "maya" || p.Text != "hello group" || p.Group != "algebra" {
			t.Errorf("payload = %+v", p)
		}
	}
}

func TestSendMessagePersists(t *testing.T) {
	env := newTestEnv(t)
	c1, _ := newTestConn(t, "c1", "algebra", "maya")
	connect(t, env, c1)

	env.hub.handleSendMessage(c1, protocol.SendMessageAction{Text: textPtr("<b>hi</b>   there")})

	msgs, err := env.messages.Recent(context.Background(), "algebra", 0)
	if err != nil {
		t.Fatalf("Recent() error: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("len = %d, want 1", len(msgs))
	}
	if msgs[0].Text != "&lt;b&gt;hi&lt;/b&gt; there" {
		t.Errorf("stored text = %q, want sanitized form", msgs[0].Text)
	}
	if msgs[0].Author != "maya" {
		t.Errorf("author = %q", msgs[0].Author)
	}
}

func TestSendMessageValidation(t *testing.T) {
	tests := []struct {
		name    string
		text    *string
		wantErr string
	}{
		{"missing text", nil, "text is required"},
		{"empty text", textPtr(""), "text is required"},
		{"too long", textPtr(strings.Repeat("x", 1001)), "Message too long (max 1000 chars)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			c1, ch := newTestConn(t, "c1", "algebra", "maya")
			connect(t, env, c1)

			env.hub.handleSendMessage(c1, protocol.SendMessageAction{Text: tt.text})

			eventType, payload := readEvent(t, ch)
			if eventType != protocol.EventError {
				t.Errorf("type = %q, want error", eventType)
			}
			var p protocol.TextPayload
			if err := json.Unmarshal(payload, &p); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if p.Text != tt.wantErr {
				t.Errorf("error = %q, want %q", p.Text, tt.wantErr)
			}

			if events := env.rec.eventsFor("c1"); len(events) != 0 {
				t.Errorf("rejected message was broadcast: %d events", len(events))
			}
			msgs, _ := env.messages.Recent(context.Background(), "algebra", 0)
			if len(msgs) != 0 {
				t.Errorf("rejected message was persisted")
			}
		})
	}
}

// The length cap counts code points, not bytes.
func TestSendMessageLengthInRunes(t *testing.T) {
	env := newTestEnv(t)
	c1, ch := newTestConn(t, "c1", "algebra", "maya")
	connect(t, env, c1)

	// 1000 three-byte runes: over the byte count a naive check would use,
	// but exactly at the rune limit.
	env.hub.handleSendMessage(c1, protocol.SendMessageAction{Text: textPtr(strings.Repeat("語", 1000))})

	expectNoEvent(t, ch)
	if events := env.rec.eventsFor("c1"); len(events) != 1 {
		t.Errorf("1000-rune message not broadcast: %d events", len(events))
	}
}

func TestSendMessageNotConnected(t *testing.T) {
	env := newTestEnv(t)
	c1, ch := newTestConn(t, "c1", "algebra", "maya")

	env.hub.handleSendMessage(c1, protocol.SendMessageAction{Text: textPtr("hi")})

	eventType, payload := readEvent(t, ch)
	var p protocol.TextPayload
	json.Unmarshal(payload, &p)
	if eventType != protocol.EventError || p.Text != "not connected" {
		t.Errorf("got %q / %q", eventType, p.Text)
	}
}

func TestTypingExcludesSender(t *testing.T) {
	env := newTestEnv(t)
	c1, _ := newTestConn(t, "c1", "algebra", "maya")
	c2, _ := newTestConn(t, "c2", "algebra", "ben")
	connect(t, env, c1)
	connect(t, env, c2)

	env.hub.handleTyping(c1, protocol.TypingAction{IsTyping: boolPtr(true)})

	if events := env.rec.eventsFor("c1"); len(events) != 0 {
		t.Errorf("sender received its own typing event")
	}
	events := env.rec.eventsFor("c2")
	if len(events) != 1 {
		t.Fatalf("peer got %d events, want 1", len(events))
	}
	eventType, payload, _ := protocol.ParseEvent(events[0])
	if eventType != protocol.EventTyping {
		t.Errorf("type = %q", eventType)
	}
	var p protocol.TypingPayload
	json.Unmarshal(payload, &p)
	if p.Author != "maya" || !p.IsTyping {
		t.Errorf("payload = %+v", p)
	}
}

func TestTypingRequiresFlag(t *testing.T) {
	env := newTestEnv(t)
	c1, ch := newTestConn(t, "c1", "algebra", "maya")
	connect(t, env, c1)

	env.hub.handleTyping(c1, protocol.TypingAction{IsTyping: nil})

	eventType, payload := readEvent(t, ch)
	var p protocol.TextPayload
	json.Unmarshal(payload, &p)
	if eventType != protocol.EventError || p.Text != "isTyping must be boolean" {
		t.Errorf("got %q / %q", eventType, p.Text)
	}
}

func TestDisconnectRemovesAndAnnounces(t *testing.T) {
	env := newTestEnv(t)
	c1, _ := newTestConn(t, "c1", "algebra", "maya")
	c2, _ := newTestConn(t, "c2", "algebra", "ben")
	connect(t, env, c1)
	connect(t, env, c2)

	env.hub.HandleDisconnect(c1)

	if _, err := env.registry.Lookup(context.Background(), "c1"); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("record survived disconnect: %v", err)
	}

	if events := env.rec.eventsFor("c1"); len(events) != 0 {
		t.Errorf("departed connection received events")
	}
	events := env.rec.eventsFor("c2")
	if len(events) != 1 {
		t.Fatalf("peer got %d events, want 1", len(events))
	}
	eventType, payload, _ := protocol.ParseEvent(events[0])
	var p protocol.TextPayload
	json.Unmarshal(payload, &p)
	if eventType != protocol.EventSystem || p.Text != "maya left the chat" {
		t.Errorf("got %q / %q", eventType, p.Text)
	}
}

// Disconnecting a connection that was never registered (or whose record
// already expired away) must be silent: no announcement, no error.
func TestDisconnectUnknownConnection(t *testing.T) {
	env := newTestEnv(t)
	c1, _ := newTestConn(t, "c1", "algebra", "maya")
	c2, _ := newTestConn(t, "c2", "algebra", "ben")
	connect(t, env, c2)

	env.hub.HandleDisconnect(c1)

	if events := env.rec.eventsFor("c2"); len(events) != 0 {
		t.Errorf("announcement sent for unknown connection")
	}
}
