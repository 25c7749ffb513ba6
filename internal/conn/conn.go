// Package conn implements the per-peer connection actor: spawn-and-run
// one goroutine per accepted or dialed stream that owns a muxrpc
// dispatcher and the handlers registered on it. Grounded on
// original_source/actors/network/tcp_server.rs's per-accept spawn idiom
// (its companion connection.rs actor body is not present in the
// retrieval pack, so the actor body here follows the teacher's own
// spawn-goroutine-per-connection shape instead, generalized the way
// internal/muxrpc.Dispatcher already generalizes rpc_client.go's
// sequence table).
package conn

import (
	"context"
	"log"

	uuid "github.com/hashicorp/go-uuid"

	"github.com/scatterbutt/solar/internal/broker"
	"github.com/scatterbutt/solar/internal/feed"
	"github.com/scatterbutt/solar/internal/logging"
	"github.com/scatterbutt/solar/internal/muxrpc"
	"github.com/scatterbutt/solar/internal/store"
	"github.com/scatterbutt/solar/internal/transport"
)

// ID identifies one connection actor for broker routing and logging.
type ID string

// NewID allocates a random connection id, grounded on the teacher's use
// of github.com/hashicorp/go-uuid for opaque identifier allocation.
func NewID() (ID, error) {
	s, err := uuid.GenerateUUID()
	if err != nil {
		return "", err
	}
	return ID(s), nil
}

// Actor is one connection's goroutine: it owns the transport stream and
// a muxrpc.Dispatcher registered with every protocol handler active on
// this connection (ebt.Session, blobs.Handler, feedhist.Handler).
//
// internal/ebt and internal/blobs are both registered as
// muxrpc.Handlers on one shared Dispatcher here, rather than mirrored as
// replicator.rs's standalone broker actor with its own private RPC
// reader: every protocol on a connection is delivered the same ordered
// packet/broker/timer stream through Dispatcher.deliver, which is the
// natural generalization of Dispatcher's "handler chain" doc comment to
// more than one protocol. The original's separate-actor-per-protocol
// split exists because its executor has no single generalized
// dispatch layer to share; this module already built one.
type Actor struct {
	ID     ID
	Peer   feed.ID
	Stream transport.Stream

	broker *broker.Broker
	store  store.Store
	dsp    *muxrpc.Dispatcher
	log    *log.Logger
}

// New constructs an Actor wired to stream, registers handlers on its
// Dispatcher in the order given, and registers a broker endpoint under
// id. Call Run to start serving; it does not start any goroutine
// itself.
func New(id ID, stream transport.Stream, peer feed.ID, b *broker.Broker, st store.Store, handlers ...muxrpc.Handler) *Actor {
	dsp := muxrpc.NewDispatcher(stream, 0)
	for _, h := range handlers {
		dsp.Register(h)
	}
	return &Actor{
		ID:     id,
		Peer:   peer,
		Stream: stream,
		broker: b,
		store:  st,
		dsp:    dsp,
		log:    logging.Default(),
	}
}

// Api exposes the connection's muxrpc.Api, so an opener (e.g. an
// ebt.Session acting as Requester) can send its initial frame before
// Run's read loop starts delivering Network/Timer/Message inputs.
func (a *Actor) Api() *muxrpc.Api { return a.dsp.Api }

// Run registers a and blocks, delivering frames and broker events to
// the registered handlers until ctx is cancelled, the broker signals
// Terminate for this connection, or the transport errs out. It
// deregisters from the broker and closes the transport on every exit
// path, and acknowledges Terminate on ep.Terminated so Broker.Shutdown's
// drain (spec.md's "stop accepting new inputs, flush, acknowledge, exit")
// does not block forever or time out waiting on this connection.
func (a *Actor) Run(ctx context.Context) error {
	ep, err := a.broker.Register(string(a.ID), true)
	if err != nil {
		return err
	}
	defer func() {
		select {
		case ep.Terminated <- struct{}{}:
		default:
		}
	}()
	defer a.broker.Deregister(string(a.ID))
	defer a.Stream.Close()

	if pending, err := a.store.GetPendingBlobs(); err == nil && len(pending) > 0 {
		a.log.Printf("[DEBUG] conn %s (peer %s): %d blob(s) pending at connection start", a.ID, a.Peer, len(pending))
	}

	err = a.dsp.Run(ctx, a.Stream, ep)
	if err != nil {
		a.log.Printf("[WARN] conn %s (peer %s): %v", a.ID, a.Peer, err)
	}
	return err
}
