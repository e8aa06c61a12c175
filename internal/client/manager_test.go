package client

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

func TestBackoffDelay(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1000 * time.Millisecond},
		{2, 2000 * time.Millisecond},
		{3, 4000 * time.Millisecond},
		{4, 8000 * time.Millisecond},
		{5, 16000 * time.Millisecond},
		{6, 30000 * time.Millisecond}, // 32s, capped
		{10, 30000 * time.Millisecond},
		{40, 30000 * time.Millisecond}, // shift overflow still caps
	}

	for _, tt := range tests {
		if got := backoffDelay(tt.attempt); got != tt.want {
			t.Errorf("backoffDelay(%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}
}

// pipeDialer hands the manager one end of an in-process pipe and returns
// the other end for the test to play server on.
func pipeDialer(m *Manager) <-chan net.Conn {
	serverSide := make(chan net.Conn, 4)
	m.dial = func(ctx context.Context) (net.Conn, error) {
		server, client := net.Pipe()
		serverSide <- server
		return client, nil
	}
	return serverSide
}

func TestManagerDeliversEvents(t *testing.T) {
	m := NewManager(Config{URL: "ws://test", Group: "algebra", Participant: "maya"})
	serverSide := pipeDialer(m)

	got := make(chan string, 4)
	unsubscribe := m.Listen(func(eventType string, payload json.RawMessage) {
		got <- eventType
	})
	defer unsubscribe()

	dropped := make(chan string, 4)
	removed := m.Listen(func(eventType string, payload json.RawMessage) {
		dropped <- eventType
	})
	removed()

	m.Connect(context.Background(), nil)
	defer m.Disconnect()

	if state := m.State(); state != StateOpen {
		t.Fatalf("state = %s, want open", state)
	}

	server := <-serverSide
	event := []byte(`{"type":"message","payload":{"author":"ben","text":"hi"}}`)
	if err := wsutil.WriteServerMessage(server, ws.OpText, event); err != nil {
		t.Fatalf("server write: %v", err)
	}

	select {
	case eventType := <-got:
		if eventType != "message" {
			t.Errorf("event type = %q", eventType)
		}
	case <-time.After(time.Second):
		t.Fatal("listener never fired")
	}

	select {
	case eventType := <-dropped:
		t.Errorf("unsubscribed listener fired: %q", eventType)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestManagerSendWhileOpen(t *testing.T) {
	m := NewManager(Config{URL: "ws://test", Group: "algebra"})
	serverSide := pipeDialer(m)

	m.Connect(context.Background(), nil)
	defer m.Disconnect()
	server := <-serverSide

	read := make(chan []byte, 1)
	go func() {
		data, err := wsutil.ReadClientText(server)
		if err != nil {
			close(read)
			return
		}
		read <- data
	}()

	m.SendMessage("hello")

	select {
	case data := <-read:
		var env struct {
			Action string `json:"action"`
			Text   string `json:"text"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if env.Action != "sendMessage" || env.Text != "hello" {
			t.Errorf("sent %s", data)
		}
	case <-time.After(time.Second):
		t.Fatal("server never received the frame")
	}
}

// The on-open callback fires on every successful open: the first dial
// and again when a dropped channel comes back, so the caller's connected
// indicator tracks the channel without polling.
func TestOnOpenFiresOnEachOpen(t *testing.T) {
	m := NewManager(Config{URL: "ws://test", Group: "algebra"})
	serverSide := pipeDialer(m)
	m.backoff = func(attempt int) time.Duration { return time.Millisecond }

	opened := make(chan struct{}, 4)
	m.Connect(context.Background(), func() {
		opened <- struct{}{}
	})
	defer m.Disconnect()

	select {
	case <-opened:
	case <-time.After(time.Second):
		t.Fatal("onOpen never fired for the initial connect")
	}

	// Kill the transport; the manager redials and must report the new
	// open too.
	server := <-serverSide
	server.Close()

	select {
	case <-opened:
	case <-time.After(time.Second):
		t.Fatal("onOpen never fired after reconnect")
	}
	if state := m.State(); state != StateOpen {
		t.Errorf("state = %s, want open", state)
	}
}

// Sending on a closed channel is a warning and a no-op, never a panic or
// an error surfaced to the caller.
func TestSendWhenDisconnected(t *testing.T) {
	m := NewManager(Config{URL: "ws://test", Group: "algebra"})
	m.SendMessage("into the void")
	m.SendTyping(true)
	if state := m.State(); state != StateDisconnected {
		t.Errorf("state = %s, want disconnected", state)
	}
}

func TestDialFailureSchedulesReconnect(t *testing.T) {
	m := NewManager(Config{URL: "ws://test", Group: "algebra"})
	m.dial = func(ctx context.Context) (net.Conn, error) {
		return nil, errors.New("connection refused")
	}

	m.Connect(context.Background(), nil)
	defer m.Disconnect()

	if state := m.State(); state != StateReconnecting {
		t.Errorf("state = %s, want reconnecting", state)
	}
}

// Once the attempt budget is spent the manager stays down until the
// caller reconnects explicitly.
func TestReconnectGivesUpAfterMaxAttempts(t *testing.T) {
	m := NewManager(Config{URL: "ws://test", Group: "algebra"})
	m.attempts = MaxAttempts

	m.scheduleReconnect()

	if state := m.State(); state != StateDisconnected {
		t.Errorf("state = %s, want disconnected", state)
	}
}

func TestDisconnectIsFinal(t *testing.T) {
	m := NewManager(Config{URL: "ws://test", Group: "algebra"})
	serverSide := pipeDialer(m)

	m.Connect(context.Background(), nil)
	server := <-serverSide

	m.Disconnect()

	if state := m.State(); state != StateDisconnected {
		t.Fatalf("state = %s, want disconnected", state)
	}

	// The transport is closed; the server sees EOF.
	server.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	if _, err := server.Read(buf); err == nil {
		t.Error("transport still open after Disconnect")
	}

	// No reconnection happens after a manual disconnect.
	time.Sleep(50 * time.Millisecond)
	if state := m.State(); state != StateDisconnected {
		t.Errorf("state = %s after disconnect, want disconnected", state)
	}
}
