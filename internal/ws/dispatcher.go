package ws

import (
	"errors"
	"log"

	"github.com/ktirumal2006/Study-Hub/internal/protocol"
)

// ActionHandler is the callback signature for handling a parsed client
// action. The msg parameter is the concrete struct returned by
// protocol.ParseAction (e.g. protocol.SendMessageAction).
type ActionHandler func(conn *Connection, msg interface{})

// Dispatcher routes inbound channel messages to registered handlers based
// on the action label. It answers pings internally and replies with error
// events for malformed or unsupported messages; neither changes the
// session state.
type Dispatcher struct {
	handlers map[string]ActionHandler
}

// NewDispatcher creates an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]ActionHandler),
	}
}

// Register associates an ActionHandler with an action label. If a handler
// was already registered for the label, it is silently replaced.
func (d *Dispatcher) Register(action string, handler ActionHandler) {
	d.handlers[action] = handler
}

// Dispatch parses the raw bytes into a typed action, handles ping
// internally, and routes everything else to the registered handler.
// Unrecognized actions get an error event naming the supported ones.
func (d *Dispatcher) Dispatch(conn *Connection, data []byte) {
	action, msg, err := protocol.ParseAction(data)
	if err != nil {
		var unknown protocol.ErrUnknownAction
		if errors.As(err, &unknown) {
			log.Printf("ws: unsupported action=%q connection=%s", action, conn.ID)
			d.sendError(conn, "Unknown action. Supported actions: "+protocol.SupportedActions)
			return
		}
		log.Printf("ws: dispatch parse error connection=%s: %v", conn.ID, err)
		d.sendError(conn, "invalid message format")
		return
	}

	if action == protocol.ActionPing {
		d.sendPong(conn)
		return
	}

	handler, ok := d.handlers[action]
	if !ok {
		d.sendError(conn, "Unknown action. Supported actions: "+protocol.SupportedActions)
		return
	}

	handler(conn, msg)
}

// sendError sends an error event back to the client. Failures during
// construction or transmission are logged but not propagated.
func (d *Dispatcher) sendError(conn *Connection, text string) {
	data, err := protocol.NewEvent(protocol.EventError, protocol.TextPayload{Text: text})
	if err != nil {
		log.Printf("ws: failed to build error event connection=%s: %v", conn.ID, err)
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Printf("ws: failed to send error event connection=%s: %v", conn.ID, err)
	}
}

// sendPong answers a client ping. The read loop has already refreshed the
// connection's liveness.
func (d *Dispatcher) sendPong(conn *Connection) {
	data, err := protocol.NewEvent(protocol.EventPong, struct{}{})
	if err != nil {
		log.Printf("ws: failed to build pong event connection=%s: %v", conn.ID, err)
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Printf("ws: failed to send pong event connection=%s: %v", conn.ID, err)
	}
}
