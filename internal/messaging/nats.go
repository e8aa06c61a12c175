// Package messaging provides a NATS client wrapper for delivering channel
// events across server instances. Connections can be home on any front-door
// instance; each instance subscribes to its own push subject and writes the
// enclosed event to the locally attached connection.
package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectPush is the subject prefix for per-instance delivery. The full
// subject is push.<endpoint>, where endpoint identifies a server instance.
const SubjectPush = "push"

// PushEnvelope wraps one event addressed to one connection.
type PushEnvelope struct {
	ConnectionID string          `json:"connection_id"`
	Event        json.RawMessage `json:"event"`
}

// Client wraps the NATS connection with helpers for the push subjects.
type Client struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "studyhub",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewClient(config Config) (*Client, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &Client{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// PublishPush sends an event to the connection identified by connID via
// the push subject of the instance it is home on.
func (c *Client) PublishPush(endpoint, connID string, event []byte) error {
	data, err := json.Marshal(PushEnvelope{
		ConnectionID: connID,
		Event:        event,
	})
	if err != nil {
		return fmt.Errorf("nats push encode: %w", err)
	}
	subject := SubjectPush + "." + endpoint
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// SubscribePush registers the handler for this instance's push subject.
// The handler receives the target connection id and the raw event bytes.
func (c *Client) SubscribePush(endpoint string, handler func(connID string, event []byte)) error {
	subject := SubjectPush + "." + endpoint
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		var env PushEnvelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			log.Printf("[nats] malformed push on %s: %v", subject, err)
			return
		}
		handler(env.ConnectionID, env.Event)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()
	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}
