package broadcast

import (
	"context"
	"fmt"

	"github.com/ktirumal2006/Study-Hub/internal/messaging"
)

// LocalDeliverFunc writes an event to a connection attached to this
// instance. Implementations return ErrEndpointGone (possibly wrapped) when
// the connection is no longer present.
type LocalDeliverFunc func(connID string, event []byte) error

// Router is the standard Deliverer: events for connections home on this
// instance go straight to the local transport, everything else is relayed
// over the instance's push subject on NATS.
type Router struct {
	localEndpoint string
	local         LocalDeliverFunc
	remote        *messaging.Client
}

// NewRouter creates a Router for the instance identified by localEndpoint.
func NewRouter(localEndpoint string, local LocalDeliverFunc, remote *messaging.Client) *Router {
	return &Router{
		localEndpoint: localEndpoint,
		local:         local,
		remote:        remote,
	}
}

// Deliver implements Deliverer.
func (r *Router) Deliver(ctx context.Context, endpoint, connID string, event []byte) error {
	if endpoint == r.localEndpoint {
		return r.local(connID, event)
	}
	if r.remote == nil {
		return fmt.Errorf("broadcast: no relay for remote endpoint %s", endpoint)
	}
	return r.remote.PublishPush(endpoint, connID, event)
}
