// Package broker implements the process-wide typed pub/sub that every
// actor in the node (connection actors, the store, the listener) uses to
// observe each other without direct references. It generalizes the
// sequence-keyed dispatch table in hashicorp/serf's RPC client from a
// single connection's request/response table to a named, process-wide
// registry of long-lived endpoints.
package broker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/armon/circbuf"
	metrics "github.com/armon/go-metrics"
	multierror "github.com/hashicorp/go-multierror"
)

// QueueSize is the default bound on a registered endpoint's inbox. A
// publisher never blocks on a full inbox; the message is dropped.
const QueueSize = 64

// shutdownAckTimeout bounds how long TakeMsgLoop waits for any one
// endpoint to acknowledge Terminate before recording it as unresponsive
// and moving on, rather than hanging forever on a wedged actor. A var,
// not a const, so tests can shorten it instead of waiting out the real
// value.
var shutdownAckTimeout = 5 * time.Second

// ErrAlreadyRegistered is returned by Register for a name already in use.
var ErrAlreadyRegistered = errors.New("broker: name already registered")

// Destination selects which registered endpoints receive an Event.
type Destination struct {
	broadcast bool
	name      string
}

// Broadcast targets every registered endpoint.
func Broadcast() Destination { return Destination{broadcast: true} }

// To targets exactly the endpoint registered under name.
func To(name string) Destination { return Destination{name: name} }

func (d Destination) matches(name string) bool {
	return d.broadcast || d.name == name
}

// Event is one message travelling through the broker.
type Event struct {
	Dest Destination
	Msg  Message
}

// Endpoint is the handle returned by Register. Terminate fires once,
// independent of and ahead of anything queued on Messages, so an actor
// can select on it without racing its own inbox drain.
type Endpoint struct {
	name       string
	Terminate  <-chan struct{}
	Terminated chan<- struct{}
	Messages   <-chan Event

	b *Broker
}

// Sender returns a handle this endpoint can use to publish events.
func (e *Endpoint) Sender() *Sender { return &Sender{b: e.b} }

// Sender publishes events to the broker's registered endpoints.
type Sender struct{ b *Broker }

// Send fans Event out to every endpoint matching its Destination. A
// recipient whose inbox is full has the message dropped for it; Send
// itself never blocks.
func (s *Sender) Send(ev Event) {
	s.b.dispatch(ev)
}

type registration struct {
	name       string
	inbox      chan Event
	term       chan struct{}
	termOnce   sync.Once
	wantsTerm  bool
	terminated chan struct{}
}

func (r *registration) signalTerminate() {
	if r.wantsTerm {
		r.termOnce.Do(func() { close(r.term) })
	}
}

// Broker is the process-wide registry. The zero value is not usable;
// construct with New.
type Broker struct {
	mu    sync.Mutex
	regs  map[string]*registration
	queue int

	recent *circbuf.Buffer
	closed bool
}

// New constructs an empty Broker. queueSize overrides QueueSize when > 0.
func New(queueSize int) *Broker {
	if queueSize <= 0 {
		queueSize = QueueSize
	}
	buf, _ := circbuf.NewBuffer(4096)
	return &Broker{
		regs:   make(map[string]*registration),
		queue:  queueSize,
		recent: buf,
	}
}

// Register adds a new named endpoint. terminate marks the endpoint as
// one that must acknowledge a Terminate broadcast before TakeMsgLoop
// returns.
func (b *Broker) Register(name string, terminate bool) (*Endpoint, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.regs[name]; ok {
		return nil, ErrAlreadyRegistered
	}

	reg := &registration{
		name:       name,
		inbox:      make(chan Event, b.queue),
		term:       make(chan struct{}),
		wantsTerm:  terminate,
		terminated: make(chan struct{}, 1),
	}
	b.regs[name] = reg
	metrics.IncrCounter([]string{"broker", "endpoints"}, 1)

	return &Endpoint{
		name:       name,
		Terminate:  reg.term,
		Terminated: reg.terminated,
		Messages:   reg.inbox,
		b:          b,
	}, nil
}

// Deregister removes name from the registry. Safe to call more than once.
func (b *Broker) Deregister(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if reg, ok := b.regs[name]; ok {
		close(reg.inbox)
		delete(b.regs, name)
	}
}

func (b *Broker) dispatch(ev Event) {
	b.mu.Lock()
	closed := b.closed
	targets := make([]*registration, 0, len(b.regs))
	for name, reg := range b.regs {
		if ev.Dest.matches(name) {
			targets = append(targets, reg)
		}
	}
	if b.recent != nil {
		_, _ = b.recent.Write([]byte(eventLabel(ev) + "\n"))
	}
	b.mu.Unlock()

	if closed {
		return
	}

	if _, isTerm := ev.Msg.(Terminate); isTerm {
		for _, reg := range targets {
			reg.signalTerminate()
		}
		return
	}

	for _, reg := range targets {
		select {
		case reg.inbox <- ev:
		default:
			metrics.IncrCounter([]string{"broker", "dropped"}, 1)
		}
	}
}

func eventLabel(ev Event) string {
	if ev.Dest.broadcast {
		return "broadcast:" + ev.Msg.kind()
	}
	return "to(" + ev.Dest.name + "):" + ev.Msg.kind()
}

// Recent returns a diagnostic snapshot of recently dispatched event
// labels, newest-last.
func (b *Broker) Recent() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.recent == nil {
		return ""
	}
	return string(b.recent.Bytes())
}

// TakeMsgLoop blocks until every terminate-flagged endpoint has
// acknowledged termination.
func (b *Broker) TakeMsgLoop() error {
	b.mu.Lock()
	pending := make([]*registration, 0, len(b.regs))
	for _, reg := range b.regs {
		if reg.wantsTerm {
			pending = append(pending, reg)
		}
	}
	b.mu.Unlock()

	var result *multierror.Error
	for _, reg := range pending {
		select {
		case <-reg.terminated:
		case <-time.After(shutdownAckTimeout):
			result = multierror.Append(result, fmt.Errorf("broker: endpoint %q did not acknowledge terminate within %s", reg.name, shutdownAckTimeout))
		}
	}
	return result.ErrorOrNil()
}

// Shutdown broadcasts Terminate and blocks until every terminate-flagged
// endpoint acknowledges (or shutdownAckTimeout elapses for it), then marks
// the broker closed to further sends. The returned error aggregates one
// entry per endpoint that failed to ack in time; callers that only care
// whether shutdown was fully clean can treat any non-nil return as "some
// endpoint(s) did not stop in time" and still proceed, since the broker is
// unusable either way once Shutdown returns.
func (b *Broker) Shutdown() error {
	b.dispatch(Event{Dest: Broadcast(), Msg: Terminate{}})
	err := b.TakeMsgLoop()
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return err
}
