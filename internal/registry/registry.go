// Package registry tracks which real-time connection belongs to which study
// group. It is the sole owner of connection records; the broadcaster only
// reads them. All state lives in the shared key-value store so that any
// server instance can enumerate a group's roster.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ktirumal2006/Study-Hub/internal/kvstore"
)

// DefaultTTL is the liveness deadline applied at registration. A connection
// older than this is treated as dead even if it was never removed.
const DefaultTTL = 24 * time.Hour

// ErrNotFound is returned by Lookup when the connection id is unknown.
var ErrNotFound = errors.New("registry: connection not found")

// Connection is one open real-time channel between a client and a server
// instance. Records are created on connect, deleted on disconnect, and
// never mutated in between.
type Connection struct {
	ID          string
	Group       string
	Participant string
	Endpoint    string // delivery endpoint; varies per front-door instance
	ConnectedAt time.Time
	ExpiresAt   time.Time
}

func (c Connection) item() kvstore.Item {
	item := kvstore.Item{
		"connection_id": c.ID,
		"group_id":      c.Group,
		"participant":   c.Participant,
		"endpoint":      c.Endpoint,
	}
	item.SetInt64("connected_at", c.ConnectedAt.Unix())
	item.SetInt64("expires_at", c.ExpiresAt.Unix())
	return item
}

func connectionFromItem(item kvstore.Item) Connection {
	return Connection{
		ID:          item["connection_id"],
		Group:       item["group_id"],
		Participant: item["participant"],
		Endpoint:    item["endpoint"],
		ConnectedAt: time.Unix(item.Int64("connected_at"), 0),
		ExpiresAt:   time.Unix(item.Int64("expires_at"), 0),
	}
}

// Registry is the durable connection-id -> connection mapping.
type Registry struct {
	store kvstore.Store
	ttl   time.Duration
	now   func() time.Time
}

// New creates a Registry on top of the given store with the default
// liveness deadline.
func New(store kvstore.Store) *Registry {
	return &Registry{
		store: store,
		ttl:   DefaultTTL,
		now:   time.Now,
	}
}

// SetTTL overrides the liveness deadline applied by Register.
func (r *Registry) SetTTL(ttl time.Duration) {
	r.ttl = ttl
}

// SetClock overrides the time source (tests).
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

// Register records a connection for the given group. Calling it twice with
// the same id overwrites the earlier record (last write wins). A storage
// failure here is fatal for the connect flow and is returned to the caller.
func (r *Registry) Register(ctx context.Context, connID, group, participant, endpoint string) (Connection, error) {
	now := r.now()
	conn := Connection{
		ID:          connID,
		Group:       group,
		Participant: participant,
		Endpoint:    endpoint,
		ConnectedAt: now,
		ExpiresAt:   now.Add(r.ttl),
	}
	if err := r.store.Put(ctx, kvstore.TableConnections, connID, conn.item()); err != nil {
		return Connection{}, fmt.Errorf("registry: register %s: %w", connID, err)
	}
	return conn, nil
}

// Lookup returns the connection record for the given id.
func (r *Registry) Lookup(ctx context.Context, connID string) (Connection, error) {
	item, err := r.store.Get(ctx, kvstore.TableConnections, connID)
	if errors.Is(err, kvstore.ErrNotFound) {
		return Connection{}, ErrNotFound
	}
	if err != nil {
		return Connection{}, fmt.Errorf("registry: lookup %s: %w", connID, err)
	}
	return connectionFromItem(item), nil
}

// Remove deletes the connection record. Removing an absent id is a no-op;
// callers on the disconnect path swallow any error this returns, since
// expiry filtering in ListLive is the second line of defense against stale
// entries.
func (r *Registry) Remove(ctx context.Context, connID string) error {
	if err := r.store.Delete(ctx, kvstore.TableConnections, connID); err != nil {
		return fmt.Errorf("registry: remove %s: %w", connID, err)
	}
	return nil
}

// ListLive returns every unexpired connection in the group, excluding the
// given connection id if non-empty. Order is unspecified.
func (r *Registry) ListLive(ctx context.Context, group, excluding string) ([]Connection, error) {
	cutoff := r.now().Unix()
	items, err := r.store.Scan(ctx, kvstore.TableConnections, func(item kvstore.Item) bool {
		return item["group_id"] == group &&
			item["connection_id"] != excluding &&
			item.Int64("expires_at") > cutoff
	})
	if err != nil {
		return nil, fmt.Errorf("registry: list live %s: %w", group, err)
	}

	conns := make([]Connection, 0, len(items))
	for _, item := range items {
		conns = append(conns, connectionFromItem(item))
	}
	return conns, nil
}
