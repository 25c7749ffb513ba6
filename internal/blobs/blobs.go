// Package blobs implements the want/have/get content-addressed blob
// exchange, grounded line-for-line on
// original_source/actors/muxrpc/blobs_wants.rs: a connection opens with
// a "blobs.createWants" duplex call both sides keep open for the life
// of the connection, relaying wants it cannot satisfy locally to
// sibling connections via the broker and fetching blobs it is told
// peers have.
package blobs

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	metrics "github.com/armon/go-metrics"
	"github.com/jpillora/backoff"

	"github.com/scatterbutt/solar/internal/broker"
	"github.com/scatterbutt/solar/internal/identity"
	"github.com/scatterbutt/solar/internal/muxrpc"
	"github.com/scatterbutt/solar/internal/store"
)

// maxGetAttempts bounds how many times a single blob fetch is retried
// after an error response, mirroring the give-up-after-N-tries idiom
// myelnet-go-hop-exchange's replication.Dispatch applies to its own
// backoff loop.
const maxGetAttempts = 6

// MaxWantDistance bounds how many hops a want is relayed before a
// connection stops forwarding it, so a single unreachable blob can't
// flood the network indefinitely (spec.md §4.5 Open Question, decided
// in DESIGN.md: enforce a distance ceiling rather than none).
const MaxWantDistance = 4

// wantState is the lifecycle of one entry in peer_wants, mirroring the
// original's Wants enum exactly (Pending, Requested(req_no), Available).
type wantState int

const (
	wantPending wantState = iota
	wantRequested
	wantAvailable
)

type peerWant struct {
	state    wantState
	reqNo    muxrpc.ReqNo
	backoff  *backoff.Backoff
	attempts int
}

// Handler is the per-connection blob want/have/get state machine. It
// implements muxrpc.Handler so a connection actor registers it
// alongside the EBT session on the same dispatcher.
type Handler struct {
	ConnID string
	Store  store.Store

	mu               sync.Mutex
	initialized      bool
	myWantsReqNo     muxrpc.ReqNo
	haveMyWantsReqNo bool
	peerWantsReqNo   muxrpc.ReqNo
	havePeerWantsReq bool
	peerWants        map[string]*peerWant
}

// NewHandler constructs a Handler backed by store for blob lookups and
// payload retrieval.
func NewHandler(connID string, st store.Store) *Handler {
	return &Handler{
		ConnID:    connID,
		Store:     st,
		peerWants: make(map[string]*peerWant),
	}
}

func newGetBackoff() *backoff.Backoff {
	return &backoff.Backoff{Min: 50 * time.Millisecond, Max: 2 * time.Second, Factor: 2, Jitter: true}
}

func (h *Handler) Name() string { return "blobs-wants" }

func (h *Handler) Handle(ctx context.Context, api *muxrpc.Api, in muxrpc.Input, sender *broker.Sender) (bool, error) {
	switch in.Kind {
	case muxrpc.InputTimer:
		return h.handleTimer(api)
	case muxrpc.InputNetwork:
		return h.handleNetwork(api, in, sender)
	case muxrpc.InputMessage:
		return h.handleBroker(api, in.Broker)
	default:
		return false, nil
	}
}

// handleTimer opens our half of the exchange exactly once, as soon as
// the connection's first tick fires (mirrors the original's
// `!self.initialized` check on RpcInput::Timer).
func (h *Handler) handleTimer(api *muxrpc.Api) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.initialized {
		return false, nil
	}
	body, err := muxrpc.EncodeMethodCall([]string{"blobs", "createWants"}, struct{}{})
	if err != nil {
		return false, err
	}
	reqNo, err := api.SendRequest(true, muxrpc.BodyJSON, body)
	if err != nil {
		return false, err
	}
	h.myWantsReqNo = reqNo
	h.haveMyWantsReqNo = true
	h.initialized = true
	return false, nil
}

func (h *Handler) handleNetwork(api *muxrpc.Api, in muxrpc.Input, sender *broker.Sender) (bool, error) {
	switch msg := in.Net.(type) {
	case muxrpc.OtherRequest:
		if len(msg.Name) == 2 && msg.Name[0] == "blobs" && msg.Name[1] == "createWants" {
			return h.recvCreateWants(in.ReqNo)
		}
		return false, nil

	case muxrpc.RpcResponse:
		h.mu.Lock()
		isMyWants := h.haveMyWantsReqNo && abs32(in.ReqNo) == h.myWantsReqNo
		isPeerWants := h.havePeerWantsReq && abs32(in.ReqNo) == h.peerWantsReqNo
		var requestedID string
		if !isMyWants && !isPeerWants {
			for id, w := range h.peerWants {
				if w.state == wantRequested && abs32(in.ReqNo) == w.reqNo {
					requestedID = id
					break
				}
			}
		}
		h.mu.Unlock()

		switch {
		case isMyWants:
			return h.recvWants(api, msg.Body, sender)
		case isPeerWants:
			return h.recvHaves(api, msg.Body)
		case requestedID != "":
			return h.recvBlobsGet(requestedID, msg.Body)
		}
		return false, nil

	case muxrpc.ErrorResponse:
		h.mu.Lock()
		mine := (h.haveMyWantsReqNo && abs32(in.ReqNo) == h.myWantsReqNo) || (h.havePeerWantsReq && abs32(in.ReqNo) == h.peerWantsReqNo)
		var failedID string
		if !mine {
			for id, w := range h.peerWants {
				if w.state == wantRequested && abs32(in.ReqNo) == w.reqNo {
					failedID = id
					break
				}
			}
		}
		h.mu.Unlock()
		if mine {
			return true, nil
		}
		if failedID != "" {
			h.retryBlobsGet(api, failedID)
			return true, nil
		}
		return false, nil
	}
	return false, nil
}

func abs32(v muxrpc.ReqNo) muxrpc.ReqNo {
	if v < 0 {
		return -v
	}
	return v
}

// retryBlobsGet re-sends "blobs.get" for blobID after a backoff delay,
// giving up (and dropping the want) past maxGetAttempts. Grounded on
// myelnet-go-hop-exchange/exchange/replication.go's Dispatch loop,
// which backs off and retries a content request the same way.
func (h *Handler) retryBlobsGet(api *muxrpc.Api, blobID string) {
	h.mu.Lock()
	w, tracked := h.peerWants[blobID]
	if !tracked || w.state != wantRequested {
		h.mu.Unlock()
		return
	}
	if w.backoff == nil {
		w.backoff = newGetBackoff()
	}
	if w.attempts >= maxGetAttempts {
		delete(h.peerWants, blobID)
		h.mu.Unlock()
		metrics.IncrCounter([]string{"blobs", "get_retries_exhausted"}, 1)
		return
	}
	delay := w.backoff.Duration()
	w.attempts++
	h.mu.Unlock()

	time.AfterFunc(delay, func() {
		body, err := muxrpc.EncodeMethodCall([]string{"blobs", "get"}, []string{blobID})
		if err != nil {
			return
		}
		reqNo, err := api.SendRequest(true, muxrpc.BodyBinary, body)
		if err != nil {
			return
		}
		h.mu.Lock()
		if w, tracked := h.peerWants[blobID]; tracked && w.state == wantRequested {
			w.reqNo = reqNo
		}
		h.mu.Unlock()
	})
}

func (h *Handler) handleBroker(api *muxrpc.Api, ev broker.Event) (bool, error) {
	switch msg := ev.Msg.(type) {
	case broker.RpcBlobsWants:
		return h.eventWantsBroadcast(api, msg.Wants)
	case broker.StoreBlob:
		return h.eventStoblobAdded(api, msg.BlobID)
	}
	return false, nil
}

func (h *Handler) recvCreateWants(reqNo muxrpc.ReqNo) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.havePeerWantsReq {
		h.peerWantsReqNo = reqNo
		h.havePeerWantsReq = true
	}
	return true, nil
}

// eventWantsBroadcast relays a sibling connection's unsatisfied wants to
// our own peer, dropping any we're already tracking for them.
func (h *Handler) eventWantsBroadcast(api *muxrpc.Api, wants []broker.WantDistance) (bool, error) {
	h.mu.Lock()
	reqNo, ok := h.myWantsReqNo, h.haveMyWantsReqNo
	fresh := make(map[string]int64, len(wants))
	for _, w := range wants {
		if _, tracked := h.peerWants[w.BlobID]; !tracked {
			fresh[w.BlobID] = w.Distance
		}
	}
	h.mu.Unlock()
	if !ok {
		return true, nil
	}
	body, err := json.Marshal(fresh)
	if err != nil {
		return false, err
	}
	return true, api.SendResponse(reqNo, muxrpc.BodyJSON, body, false)
}

// eventStoblobAdded tells our peer we now have a blob they asked for.
func (h *Handler) eventStoblobAdded(api *muxrpc.Api, blobID string) (bool, error) {
	h.mu.Lock()
	_, wanted := h.peerWants[blobID]
	reqNo, ok := h.peerWantsReqNo, h.havePeerWantsReq
	h.mu.Unlock()
	if !wanted || !ok {
		return true, nil
	}
	haves := map[string]int64{blobID: 1}
	body, err := json.Marshal(haves)
	if err != nil {
		return false, err
	}
	return true, api.SendResponse(reqNo, muxrpc.BodyJSON, body, false)
}

// recvWants answers with sizes for blobs we already have, and records
// blobs we don't as pending, broadcasting them onward (with distance+1)
// so sibling connections may find them elsewhere. Wants that have
// already travelled MaxWantDistance hops are dropped instead of
// relayed.
func (h *Handler) recvWants(api *muxrpc.Api, body []byte, sender *broker.Sender) (bool, error) {
	var wants map[string]int64
	if err := json.Unmarshal(body, &wants); err != nil {
		return false, err
	}

	haves := make(map[string]uint64)
	var relay []broker.WantDistance

	h.mu.Lock()
	for blobID, distance := range wants {
		size, present, err := h.Store.SizeOf(blobID)
		if err != nil {
			h.mu.Unlock()
			return false, err
		}
		if present {
			haves[blobID] = uint64(size)
			continue
		}
		h.peerWants[blobID] = &peerWant{state: wantPending}
		if distance+1 <= MaxWantDistance {
			relay = append(relay, broker.WantDistance{BlobID: blobID, Distance: distance + 1})
		} else {
			metrics.IncrCounter([]string{"blobs", "want_distance_dropped"}, 1)
		}
	}
	reqNo, ok := h.peerWantsReqNo, h.havePeerWantsReq
	h.mu.Unlock()

	if ok {
		respBody, err := json.Marshal(haves)
		if err != nil {
			return false, err
		}
		if err := api.SendResponse(reqNo, muxrpc.BodyJSON, respBody, false); err != nil {
			return false, err
		}
	}

	if len(relay) > 0 {
		sender.Send(broker.Event{Dest: broker.Broadcast(), Msg: broker.RpcBlobsWants{Wants: relay}})
	}
	return true, nil
}

// recvHaves requests every blob our peer claims to have that we're
// still tracking as pending.
func (h *Handler) recvHaves(api *muxrpc.Api, body []byte) (bool, error) {
	var haves map[string]int64
	if err := json.Unmarshal(body, &haves); err != nil {
		return false, err
	}

	for blobID := range haves {
		h.mu.Lock()
		w, tracked := h.peerWants[blobID]
		h.mu.Unlock()
		if !tracked || w.state != wantPending {
			continue
		}
		getBody, err := muxrpc.EncodeMethodCall([]string{"blobs", "get"}, []string{blobID})
		if err != nil {
			return false, err
		}
		reqNo, err := api.SendRequest(true, muxrpc.BodyBinary, getBody)
		if err != nil {
			return false, err
		}
		h.mu.Lock()
		w.state = wantRequested
		w.reqNo = reqNo
		h.mu.Unlock()
	}
	return true, nil
}

var blobHasher identity.Hasher = identity.SHA256Hasher{}

// recvBlobsGet verifies the received bytes hash to the id we requested
// before storing anything, rejecting and dropping the want on a mismatch
// rather than storing under the actual hash (spec.md §4.5 Open Question,
// decided in DESIGN.md). A mismatch is this one want's problem, not the
// connection's: it's dropped and counted, not returned as an error, so a
// single bad blob doesn't tear down the whole session.
func (h *Handler) recvBlobsGet(wantedID string, data []byte) (bool, error) {
	actualID := hex.EncodeToString(blobHasher.Hash(data))
	if actualID != wantedID {
		h.mu.Lock()
		delete(h.peerWants, wantedID)
		h.mu.Unlock()
		metrics.IncrCounter([]string{"blobs", "hash_mismatch"}, 1)
		return true, nil
	}

	if _, err := h.Store.Insert(data); err != nil {
		return false, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if w := h.peerWants[wantedID]; w != nil {
		w.state = wantAvailable
	}
	return true, nil
}
