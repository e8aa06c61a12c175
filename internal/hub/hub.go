// Package hub implements the per-connection session semantics of the
// real-time channel: connect registers the connection with its group,
// sendMessage validates/persists/broadcasts, typing notifies the rest of
// the group, and disconnect cleans up and announces the departure.
package hub

import (
	"context"
	"errors"
	"log"
	"time"
	"unicode/utf8"

	"github.com/ktirumal2006/Study-Hub/internal/broadcast"
	"github.com/ktirumal2006/Study-Hub/internal/history"
	"github.com/ktirumal2006/Study-Hub/internal/metrics"
	"github.com/ktirumal2006/Study-Hub/internal/protocol"
	"github.com/ktirumal2006/Study-Hub/internal/ratelimit"
	"github.com/ktirumal2006/Study-Hub/internal/registry"
	"github.com/ktirumal2006/Study-Hub/internal/sanitize"
	"github.com/ktirumal2006/Study-Hub/internal/ws"
)

// MaxMessageChars is the maximum chat message length in Unicode code
// points.
const MaxMessageChars = 1000

const opTimeout = 5 * time.Second

// Hub wires the channel session state machine to the registry, the
// broadcaster, and the message store.
type Hub struct {
	registry    *registry.Registry
	broadcaster *broadcast.Broadcaster
	messages    *history.Store
	limiter     *ratelimit.Limiter // optional; nil disables throttling
	endpoint    string             // delivery endpoint of this instance
	now         func() time.Time
}

// New creates a Hub. endpoint identifies this server instance and is
// stored on every connection it registers so broadcasts from any instance
// can route events back here.
func New(reg *registry.Registry, b *broadcast.Broadcaster, messages *history.Store, limiter *ratelimit.Limiter, endpoint string) *Hub {
	return &Hub{
		registry:    reg,
		broadcaster: b,
		messages:    messages,
		limiter:     limiter,
		endpoint:    endpoint,
		now:         time.Now,
	}
}

// SetClock overrides the time source (tests).
func (h *Hub) SetClock(now func() time.Time) {
	h.now = now
}

// RegisterHandlers mounts the hub's action handlers on the dispatcher.
func (h *Hub) RegisterHandlers(d *ws.Dispatcher) {
	d.Register(protocol.ActionSendMessage, h.handleSendMessage)
	d.Register(protocol.ActionTyping, h.handleTyping)
}

// HandleConnect records the connection in the registry. A storage failure
// here is fatal for the connect flow: the error propagates and the
// transport rejects the channel.
func (h *Hub) HandleConnect(ctx context.Context, conn *ws.Connection) error {
	_, err := h.registry.Register(ctx, conn.ID, conn.Group, conn.Participant, h.endpoint)
	return err
}

// handleSendMessage validates the message, persists it best-effort, and
// broadcasts it to the whole group, sender included — the sender's client
// reconciles the echo against its optimistic insert by deduplication.
func (h *Hub) handleSendMessage(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.SendMessageAction)
	if !ok {
		return
	}

	if m.Text == nil || *m.Text == "" {
		h.sendError(conn, "text is required")
		return
	}
	if utf8.RuneCountInString(*m.Text) > MaxMessageChars {
		h.sendError(conn, "Message too long (max 1000 chars)")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if h.limiter != nil {
		if allowed, _ := h.limiter.Allow(ctx, conn.ID, ratelimit.RuleMessage); !allowed {
			h.sendError(conn, "rate limited, slow down")
			return
		}
	}

	rec, err := h.registry.Lookup(ctx, conn.ID)
	if err != nil {
		h.sendError(conn, "not connected")
		return
	}

	text := sanitize.Sanitize(*m.Text)
	ts := h.now().UnixMilli()

	// Durability is secondary to real-time delivery: a failed write is
	// logged and the broadcast still goes out.
	if err := h.messages.Append(ctx, history.Message{
		Group:     rec.Group,
		Author:    rec.Participant,
		Text:      text,
		Timestamp: ts,
	}); err != nil {
		log.Printf("[hub] persist message group=%s: %v", rec.Group, err)
		metrics.MessagesPersisted.WithLabelValues("failed").Inc()
	} else {
		metrics.MessagesPersisted.WithLabelValues("ok").Inc()
	}

	event, err := protocol.NewEvent(protocol.EventMessage, protocol.MessagePayload{
		Group:     rec.Group,
		Author:    rec.Participant,
		Text:      text,
		Timestamp: ts,
	})
	if err != nil {
		log.Printf("[hub] build message event: %v", err)
		return
	}

	if err := h.broadcaster.Broadcast(ctx, rec.Group, "", protocol.EventMessage, event); err != nil {
		log.Printf("[hub] broadcast message group=%s: %v", rec.Group, err)
	}
}

// handleTyping relays a typing indicator to the rest of the group,
// excluding the sender.
func (h *Hub) handleTyping(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.TypingAction)
	if !ok {
		return
	}

	if m.IsTyping == nil {
		h.sendError(conn, "isTyping must be boolean")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	rec, err := h.registry.Lookup(ctx, conn.ID)
	if err != nil {
		h.sendError(conn, "not connected")
		return
	}

	event, err := protocol.NewEvent(protocol.EventTyping, protocol.TypingPayload{
		Author:   rec.Participant,
		IsTyping: *m.IsTyping,
	})
	if err != nil {
		log.Printf("[hub] build typing event: %v", err)
		return
	}

	if err := h.broadcaster.Broadcast(ctx, rec.Group, conn.ID, protocol.EventTyping, event); err != nil {
		log.Printf("[hub] broadcast typing group=%s: %v", rec.Group, err)
	}
}

// HandleDisconnect removes the connection from the registry and, if the
// record was still known, tells the rest of the group. Every failure on
// this path is swallowed: channel teardown must always succeed from the
// transport's point of view, and expiry filtering covers any record a
// failed Remove leaves behind.
func (h *Hub) HandleDisconnect(conn *ws.Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	rec, lookupErr := h.registry.Lookup(ctx, conn.ID)

	if err := h.registry.Remove(ctx, conn.ID); err != nil {
		log.Printf("[hub] remove connection %s: %v", conn.ID, err)
	}

	if lookupErr != nil {
		if !errors.Is(lookupErr, registry.ErrNotFound) {
			log.Printf("[hub] lookup on disconnect %s: %v", conn.ID, lookupErr)
		}
		return
	}

	event, err := protocol.NewEvent(protocol.EventSystem, protocol.TextPayload{
		Text: rec.Participant + " left the chat",
	})
	if err != nil {
		log.Printf("[hub] build system event: %v", err)
		return
	}

	if err := h.broadcaster.Broadcast(ctx, rec.Group, conn.ID, protocol.EventSystem, event); err != nil {
		log.Printf("[hub] broadcast departure group=%s: %v", rec.Group, err)
	}
}

// sendError returns a validation or auth failure to the originating
// connection only; these are never broadcast.
func (h *Hub) sendError(conn *ws.Connection, text string) {
	data, err := protocol.NewEvent(protocol.EventError, protocol.TextPayload{Text: text})
	if err != nil {
		log.Printf("[hub] build error event: %v", err)
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Printf("[hub] send error event connection=%s: %v", conn.ID, err)
	}
}
