// Package broadcast fans channel events out to every live connection in a
// group. Delivery is at-most-once and best-effort: each connection is
// attempted exactly once, attempts run concurrently, and one failure never
// aborts the rest of the batch.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ktirumal2006/Study-Hub/internal/metrics"
	"github.com/ktirumal2006/Study-Hub/internal/registry"
)

// ErrEndpointGone signals that the remote end of a connection is
// permanently gone. The broadcaster treats it as informational; the stale
// record is cleaned up by the disconnect path or by expiry, not here.
var ErrEndpointGone = errors.New("broadcast: endpoint gone")

// Deliverer pushes one event to one connection through its delivery
// endpoint.
type Deliverer interface {
	Deliver(ctx context.Context, endpoint, connID string, event []byte) error
}

// Broadcaster enumerates a group's live roster and delivers events to it.
type Broadcaster struct {
	registry  *registry.Registry
	deliverer Deliverer
	fallback  string // endpoint used when a connection stored none
}

// New creates a Broadcaster. fallbackEndpoint is used for connections whose
// records carry no endpoint of their own; it may be empty, in which case
// such connections are skipped.
func New(reg *registry.Registry, d Deliverer, fallbackEndpoint string) *Broadcaster {
	return &Broadcaster{
		registry:  reg,
		deliverer: d,
		fallback:  fallbackEndpoint,
	}
}

// Broadcast delivers event to every live connection in the group except
// excluding (pass "" to exclude nobody). All deliveries are issued
// concurrently and the call returns once every one has settled, so one
// slow or dead connection cannot delay the others beyond its own timeout.
// Per-connection failures are logged and counted, never propagated. The
// returned error covers only roster enumeration.
func (b *Broadcaster) Broadcast(ctx context.Context, group, excluding, eventType string, event []byte) error {
	start := time.Now()

	conns, err := b.registry.ListLive(ctx, group, excluding)
	if err != nil {
		return fmt.Errorf("broadcast: enumerate group %s: %w", group, err)
	}

	metrics.BroadcastsTotal.WithLabelValues(eventType).Inc()

	var wg sync.WaitGroup
	for _, conn := range conns {
		endpoint := conn.Endpoint
		if endpoint == "" {
			endpoint = b.fallback
		}
		if endpoint == "" {
			log.Printf("[broadcast] no endpoint for connection %s, skipping", conn.ID)
			metrics.DeliveriesTotal.WithLabelValues("skipped").Inc()
			continue
		}

		wg.Add(1)
		go func(conn registry.Connection, endpoint string) {
			defer wg.Done()
			b.deliverOne(ctx, conn, endpoint, event)
		}(conn, endpoint)
	}
	wg.Wait()

	metrics.BroadcastLatency.Observe(time.Since(start).Seconds())
	return nil
}

func (b *Broadcaster) deliverOne(ctx context.Context, conn registry.Connection, endpoint string, event []byte) {
	err := b.deliverer.Deliver(ctx, endpoint, conn.ID, event)
	switch {
	case err == nil:
		metrics.DeliveriesTotal.WithLabelValues("ok").Inc()
	case errors.Is(err, ErrEndpointGone):
		// The disconnect path or record expiry will clean this up.
		log.Printf("[broadcast] connection %s is gone", conn.ID)
		metrics.DeliveriesTotal.WithLabelValues("stale").Inc()
	default:
		log.Printf("[broadcast] delivery to %s via %s failed: %v", conn.ID, endpoint, err)
		metrics.DeliveriesTotal.WithLabelValues("failed").Inc()
	}
}
