// Package ebt implements the Epidemic Broadcast Tree replication state
// machine: one session per connection, as spec.md §4.4 describes.
// Grounded line-for-line on
// original_source/actors/muxrpc/ebt.rs (request validation, sign
// convention) and actors/replication/ebt/replicator.rs (session loop,
// timeout, terminal broker events).
package ebt

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	metrics "github.com/armon/go-metrics"

	"github.com/scatterbutt/solar/internal/broker"
	"github.com/scatterbutt/solar/internal/feed"
	"github.com/scatterbutt/solar/internal/muxrpc"
)

// Role is a session's side of the handshake: Requester initiated the
// ebt.replicate call, Responder received it.
type Role int

const (
	Requester Role = iota
	Responder
)

// State is the session lifecycle from spec.md §4.4.
type State int

const (
	Opening State = iota
	Active
	Closing
	Closed
	TimedOut
)

const ebtVersion = 3
const ebtFormat = "classic"

var (
	errWrongVersion = errors.New("ebt version != 3")
	errWrongFormat  = errors.New("ebt format != classic")
)

type replicateArgs struct {
	Version uint32 `json:"version"`
	Format  string `json:"format"`
}

// signFor is the single place the EBT double-negation sign convention
// (spec.md §9) is applied: a Requester's own outbound frames on its
// active request must carry a positive wire req_no, but muxrpc.Api's
// SendResponse always negates once. Pre-negating here for Requester
// makes the double negation cancel out; Responder passes through
// unchanged, since its response legitimately carries -req_no.
func signFor(role Role, reqNo muxrpc.ReqNo) muxrpc.ReqNo {
	if role == Requester {
		return -reqNo
	}
	return reqNo
}

// Session is one connection's EBT replication state machine. It
// implements muxrpc.Handler so a connection actor can register it
// alongside the blob-wants handler on the same dispatcher.
type Session struct {
	ConnID             string
	PeerID             feed.ID
	Role               Role
	SessionWaitTimeout time.Duration

	mu        sync.Mutex
	state     State
	activeReq muxrpc.ReqNo
	opened    time.Time
}

// NewSession constructs a Session. Call Open to perform the
// Requester's initial send; a Responder session needs no explicit open
// step, it simply waits for the first valid request.
func NewSession(connID string, peer feed.ID, role Role, sessionWaitTimeout time.Duration) *Session {
	return &Session{
		ConnID:             connID,
		PeerID:             peer,
		Role:               role,
		SessionWaitTimeout: sessionWaitTimeout,
		state:              Opening,
		opened:             time.Now(),
	}
}

func (s *Session) Name() string { return "ebt" }

// Open sends the initial ebt.replicate request when acting as Requester.
// Must be called once, before Handle starts observing Timer ticks, so
// the first network frame for this session is our own request.
func (s *Session) Open(api *muxrpc.Api) error {
	if s.Role != Requester {
		return nil
	}
	body, err := muxrpc.EncodeMethodCall([]string{"ebt", "replicate"}, []replicateArgs{{Version: ebtVersion, Format: ebtFormat}})
	if err != nil {
		return err
	}
	reqNo, err := api.SendRequest(true, muxrpc.BodyJSON, body)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.activeReq = reqNo
	s.state = Active
	s.mu.Unlock()
	return nil
}

// Handle implements muxrpc.Handler.
func (s *Session) Handle(ctx context.Context, api *muxrpc.Api, in muxrpc.Input, sender *broker.Sender) (bool, error) {
	switch in.Kind {
	case muxrpc.InputTimer:
		return s.handleTimer(sender)
	case muxrpc.InputNetwork:
		return s.handleNetwork(api, in, sender)
	case muxrpc.InputMessage:
		return s.handleBroker(api, in.Broker, sender)
	default:
		return false, nil
	}
}

func (s *Session) handleTimer(sender *broker.Sender) (bool, error) {
	s.mu.Lock()
	state := s.state
	timeout := s.SessionWaitTimeout
	opened := s.opened
	role := s.Role
	s.mu.Unlock()

	if role == Responder && state == Opening && timeout > 0 && time.Since(opened) >= timeout {
		s.mu.Lock()
		s.state = TimedOut
		s.mu.Unlock()
		metrics.IncrCounter([]string{"ebt", "session_timeout"}, 1)
		sender.Send(broker.Event{Dest: broker.Broadcast(), Msg: broker.EbtSessionTimeout{ConnID: s.ConnID, PeerID: string(s.PeerID)}})
		sender.Send(broker.Event{Dest: broker.Broadcast(), Msg: broker.EbtSessionConcluded{ConnID: s.ConnID, PeerID: string(s.PeerID)}})
		return true, nil
	}
	return false, nil
}

func (s *Session) handleNetwork(api *muxrpc.Api, in muxrpc.Input, sender *broker.Sender) (bool, error) {
	s.mu.Lock()
	state := s.state
	active := s.activeReq
	s.mu.Unlock()

	if state == Opening && s.Role == Responder {
		return s.handleOpeningRequest(api, in, sender)
	}

	if state != Active || abs32(in.ReqNo) != abs32(active) {
		return false, nil
	}

	switch msg := in.Net.(type) {
	case muxrpc.RpcResponse:
		return s.handlePayload(in.ReqNo, msg.Body, sender)
	case muxrpc.ErrorResponse:
		s.conclude(sender, msg.Text)
		return true, nil
	case muxrpc.CancelStreamResponse:
		s.conclude(sender, "")
		return true, nil
	}
	return false, nil
}

func (s *Session) handleOpeningRequest(api *muxrpc.Api, in muxrpc.Input, sender *broker.Sender) (bool, error) {
	req, ok := in.Net.(muxrpc.OtherRequest)
	if !ok || len(req.Name) < 2 || req.Name[0] != "ebt" || req.Name[1] != "replicate" {
		return false, nil
	}

	var args replicateArgs
	if err := muxrpc.DecodeArgs(req.Args, &args); err != nil {
		_ = api.SendError(in.ReqNo, errWrongVersion.Error())
		s.fail(sender, errWrongVersion.Error())
		return true, errWrongVersion
	}
	if args.Version != ebtVersion {
		_ = api.SendError(in.ReqNo, errWrongVersion.Error())
		s.fail(sender, errWrongVersion.Error())
		return true, errWrongVersion
	}
	if args.Format != ebtFormat {
		_ = api.SendError(in.ReqNo, errWrongFormat.Error())
		s.fail(sender, errWrongFormat.Error())
		return true, errWrongFormat
	}

	s.mu.Lock()
	s.activeReq = in.ReqNo
	s.state = Active
	s.mu.Unlock()

	sender.Send(broker.Event{Dest: broker.Broadcast(), Msg: broker.EbtSessionInitiated{
		ConnID: s.ConnID, ReqNo: in.ReqNo, PeerID: string(s.PeerID), Role: broker.EbtResponder,
	}})
	return true, nil
}

func (s *Session) handlePayload(reqNo muxrpc.ReqNo, body []byte, sender *broker.Sender) (bool, error) {
	var clock feed.Clock
	if err := json.Unmarshal(body, &clock); err == nil && looksLikeClock(body) {
		sender.Send(broker.Event{Dest: broker.Broadcast(), Msg: broker.EbtReceivedClock{
			ConnID: s.ConnID, ReqNo: reqNo, PeerID: string(s.PeerID), Clock: clockToWire(clock),
		}})
		return true, nil
	}

	var kvt feed.KVT
	if err := json.Unmarshal(body, &kvt); err == nil && kvt.Value.Author != "" {
		sender.Send(broker.Event{Dest: broker.Broadcast(), Msg: broker.EbtReceivedMessage{ConnID: s.ConnID, Payload: body}})
		return true, nil
	}

	var msg feed.Message
	if err := json.Unmarshal(body, &msg); err == nil && msg.Author != "" {
		sender.Send(broker.Event{Dest: broker.Broadcast(), Msg: broker.EbtReceivedMessage{ConnID: s.ConnID, Payload: body}})
		return true, nil
	}

	s.fail(sender, "ebt: payload is neither a vector clock nor a feed message")
	return true, errors.New("ebt: undecodable payload")
}

// looksLikeClock distinguishes a vector clock object (identity -> int)
// from a message/KVT object by checking for the "author"/"value" keys a
// feed message always carries.
func looksLikeClock(body []byte) bool {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(body, &probe); err != nil {
		return false
	}
	_, hasAuthor := probe["author"]
	_, hasValue := probe["value"]
	return !hasAuthor && !hasValue
}

func clockToWire(c feed.Clock) map[string]int32 {
	out := make(map[string]int32, len(c))
	for id, note := range c {
		out[string(id)] = int32(note)
	}
	return out
}

func (s *Session) handleBroker(api *muxrpc.Api, ev broker.Event, sender *broker.Sender) (bool, error) {
	switch msg := ev.Msg.(type) {
	case broker.EbtSendClock:
		if msg.ConnID != s.ConnID {
			return false, nil
		}
		return true, s.writeClock(api, msg)
	case broker.EbtSendMessage:
		if msg.ConnID != s.ConnID {
			return false, nil
		}
		return true, api.SendResponse(signFor(s.Role, msg.ReqNo), muxrpc.BodyJSON, msg.Payload, false)
	case broker.EbtTerminateSession:
		if msg.ConnID != s.ConnID {
			return false, nil
		}
		return true, s.terminate(api, sender)
	}
	return false, nil
}

func (s *Session) writeClock(api *muxrpc.Api, msg broker.EbtSendClock) error {
	clock := make(feed.Clock, len(msg.Clock))
	for id, n := range msg.Clock {
		clock[feed.ID(id)] = feed.Note(n)
	}
	body, err := json.Marshal(clock)
	if err != nil {
		return err
	}
	return api.SendResponse(signFor(s.Role, msg.ReqNo), muxrpc.BodyJSON, body, false)
}

func (s *Session) terminate(api *muxrpc.Api, sender *broker.Sender) error {
	s.mu.Lock()
	active := s.activeReq
	s.state = Closing
	s.mu.Unlock()

	err := api.SendStreamEOF(signFor(s.Role, active))
	s.conclude(sender, "")
	return err
}

func (s *Session) fail(sender *broker.Sender, text string) {
	s.mu.Lock()
	s.state = Closed
	s.mu.Unlock()
	sender.Send(broker.Event{Dest: broker.Broadcast(), Msg: broker.EbtError{ConnID: s.ConnID, PeerID: string(s.PeerID), Text: text}})
	sender.Send(broker.Event{Dest: broker.Broadcast(), Msg: broker.EbtSessionConcluded{ConnID: s.ConnID, PeerID: string(s.PeerID)}})
}

func (s *Session) conclude(sender *broker.Sender, errText string) {
	s.mu.Lock()
	s.state = Closed
	s.mu.Unlock()
	if errText != "" {
		sender.Send(broker.Event{Dest: broker.Broadcast(), Msg: broker.EbtError{ConnID: s.ConnID, PeerID: string(s.PeerID), Text: errText}})
	}
	sender.Send(broker.Event{Dest: broker.Broadcast(), Msg: broker.EbtSessionConcluded{ConnID: s.ConnID, PeerID: string(s.PeerID)}})
}

func abs32(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}
