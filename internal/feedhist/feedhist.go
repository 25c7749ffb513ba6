// Package feedhist implements the classic feed-history replication
// fallback: the "createHistoryStream" exchange a node falls back to
// when a peer's EBT session never gets a valid ebt.replicate request
// within its session-wait timeout (spec.md §4.4's "a fallback
// classic-replication path, external to this spec, may be initiated by
// listeners"). No original_source file ships this actor (it is named
// only as an external reaction, and the pack's retrieved sources don't
// include original_source's replication/classic module), so this
// package is designed from spec.md's description plus the store/muxrpc
// idioms already established by internal/ebt and internal/blobs, rather
// than transcribed line-for-line from a Rust source.
package feedhist

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	metrics "github.com/armon/go-metrics"

	"github.com/scatterbutt/solar/internal/broker"
	"github.com/scatterbutt/solar/internal/feed"
	"github.com/scatterbutt/solar/internal/muxrpc"
	"github.com/scatterbutt/solar/internal/store"
)

// createHistoryStreamArgs is the classic SSB "createHistoryStream"
// method's argument shape: ask the peer for author's feed from seq+1
// onward, optionally keeping the stream open for live tailing.
type createHistoryStreamArgs struct {
	ID   string `json:"id"`
	Seq  uint64 `json:"seq"`
	Live bool   `json:"live"`
	Keys bool   `json:"keys"`
}

// outStream is one remote's open createHistoryStream request that we
// are serving, kept open for live tailing.
type outStream struct {
	reqNo muxrpc.ReqNo
	next  uint64
}

// Handler implements muxrpc.Handler. One per connection, symmetrical:
// it both serves remote createHistoryStream requests against the local
// store and, on its own connection's EBT session timing out, initiates
// a catch-up request for the peer's feed.
type Handler struct {
	ConnID string
	PeerID feed.ID
	Store  store.Store

	mu             sync.Mutex
	out            map[string]*outStream     // author -> stream we're serving
	pendingCatchup map[feed.ID]muxrpc.ReqNo // author -> req_no we opened toward the peer
}

// NewHandler constructs a Handler for one connection.
func NewHandler(connID string, peer feed.ID, st store.Store) *Handler {
	return &Handler{
		ConnID:         connID,
		PeerID:         peer,
		Store:          st,
		out:            make(map[string]*outStream),
		pendingCatchup: make(map[feed.ID]muxrpc.ReqNo),
	}
}

func (h *Handler) Name() string { return "feedhist" }

// Handle implements muxrpc.Handler.
func (h *Handler) Handle(ctx context.Context, api *muxrpc.Api, in muxrpc.Input, sender *broker.Sender) (bool, error) {
	switch in.Kind {
	case muxrpc.InputNetwork:
		return h.handleNetwork(api, in)
	case muxrpc.InputMessage:
		return h.handleBroker(api, in.Broker)
	default:
		return false, nil
	}
}

func (h *Handler) handleNetwork(api *muxrpc.Api, in muxrpc.Input) (bool, error) {
	switch msg := in.Net.(type) {
	case muxrpc.OtherRequest:
		if len(msg.Name) == 0 || msg.Name[0] != "createHistoryStream" {
			return false, nil
		}
		return h.serveHistoryStream(api, in.ReqNo, msg.Args)
	case muxrpc.RpcResponse:
		return h.handleCatchupResponse(in.ReqNo, msg.Body)
	case muxrpc.ErrorResponse, muxrpc.CancelStreamResponse:
		return h.handleCatchupEnd(in.ReqNo)
	}
	return false, nil
}

func (h *Handler) handleBroker(api *muxrpc.Api, ev broker.Event) (bool, error) {
	switch msg := ev.Msg.(type) {
	case broker.EbtSessionTimeout:
		if msg.ConnID != h.ConnID {
			return false, nil
		}
		return true, h.startFallback(api)
	case broker.StoKvIDChanged:
		return h.relayLiveUpdate(api, msg.Author)
	}
	return false, nil
}

// startFallback requests the peer's own feed from wherever the local
// store's latest sequence for it currently stands, live-tailing from
// there on. A responder-side EBT timeout means the peer never opened
// replicate, so EBT is assumed unsupported on this connection.
func (h *Handler) startFallback(api *muxrpc.Api) error {
	seq, _, err := h.Store.GetLatestSeq(string(h.PeerID))
	if err != nil {
		return err
	}
	metrics.IncrCounter([]string{"feedhist", "fallback_initiated"}, 1)
	return h.requestHistory(api, h.PeerID, seq)
}

func (h *Handler) requestHistory(api *muxrpc.Api, author feed.ID, fromSeq uint64) error {
	args := createHistoryStreamArgs{ID: string(author), Seq: fromSeq, Live: true, Keys: true}
	body, err := muxrpc.EncodeMethodCall([]string{"createHistoryStream"}, []createHistoryStreamArgs{args})
	if err != nil {
		return err
	}
	reqNo, err := api.SendRequest(true, muxrpc.BodyJSON, body)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.pendingCatchup[author] = reqNo
	h.mu.Unlock()
	return nil
}

// serveHistoryStream answers a remote's createHistoryStream request:
// every locally stored message for the requested author past its seq,
// then either an end-of-stream frame (live=false) or an open streaming
// slot kept alive by relayLiveUpdate (live=true).
func (h *Handler) serveHistoryStream(api *muxrpc.Api, reqNo muxrpc.ReqNo, rawArgs json.RawMessage) (bool, error) {
	var a createHistoryStreamArgs
	if err := muxrpc.DecodeArgs(rawArgs, &a); err != nil {
		_ = api.SendError(reqNo, "feedhist: bad createHistoryStream args")
		return true, errors.New("feedhist: bad createHistoryStream args")
	}

	latest, _, err := h.Store.GetLatestSeq(a.ID)
	if err != nil {
		return true, err
	}

	for s := a.Seq + 1; s <= latest; s++ {
		if err := h.sendKVT(api, reqNo, a.ID, s); err != nil {
			return true, err
		}
	}

	if !a.Live {
		return true, api.SendStreamEOF(reqNo)
	}

	h.mu.Lock()
	h.out[a.ID] = &outStream{reqNo: reqNo, next: latest + 1}
	h.mu.Unlock()
	return true, nil
}

// relayLiveUpdate forwards newly appended messages to any peer
// currently live-tailing author's feed through us.
func (h *Handler) relayLiveUpdate(api *muxrpc.Api, author string) (bool, error) {
	h.mu.Lock()
	out, ok := h.out[author]
	h.mu.Unlock()
	if !ok {
		return false, nil
	}

	latest, exists, err := h.Store.GetLatestSeq(author)
	if err != nil || !exists {
		return true, err
	}

	for s := out.next; s <= latest; s++ {
		if err := h.sendKVT(api, out.reqNo, author, s); err != nil {
			return true, err
		}
		h.mu.Lock()
		out.next = s + 1
		h.mu.Unlock()
	}
	return true, nil
}

func (h *Handler) sendKVT(api *muxrpc.Api, reqNo muxrpc.ReqNo, author string, seq uint64) error {
	kvt, err := h.Store.GetMsgKVT(author, seq)
	if err != nil {
		return err
	}
	if kvt == nil {
		return nil
	}
	body, err := json.Marshal(kvt)
	if err != nil {
		return err
	}
	return api.SendResponse(reqNo, muxrpc.BodyJSON, body, false)
}

// handleCatchupResponse decodes an inbound history frame as a KVT and
// appends its message value to the local store. Req_no correlation uses
// the same magnitude-match idiom as internal/ebt and internal/blobs: a
// duplex stream's follow-on frames always carry the negated magnitude
// of the req_no the stream was opened under.
func (h *Handler) handleCatchupResponse(reqNo muxrpc.ReqNo, body []byte) (bool, error) {
	author, found := h.matchCatchup(reqNo)
	if !found {
		return false, nil
	}

	var kvt feed.KVT
	if err := json.Unmarshal(body, &kvt); err != nil || kvt.Value.Author == "" {
		return true, errors.New("feedhist: undecodable history payload")
	}
	if kvt.Value.Author != author {
		return true, nil
	}

	if _, err := h.Store.AppendFeed(kvt.Value); err != nil {
		if errors.Is(err, store.ErrInvalidSequence) {
			// Already have this sequence, or it arrived out of the
			// expected order; the next live update will retry.
			return true, nil
		}
		metrics.IncrCounter([]string{"feedhist", "append_failed"}, 1)
		return true, err
	}
	return true, nil
}

func (h *Handler) handleCatchupEnd(reqNo muxrpc.ReqNo) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for author, rn := range h.pendingCatchup {
		if abs32(rn) == abs32(reqNo) {
			delete(h.pendingCatchup, author)
			return true, nil
		}
	}
	return false, nil
}

func (h *Handler) matchCatchup(reqNo muxrpc.ReqNo) (feed.ID, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for author, rn := range h.pendingCatchup {
		if abs32(rn) == abs32(reqNo) {
			return author, true
		}
	}
	return "", false
}

func abs32(v muxrpc.ReqNo) muxrpc.ReqNo {
	if v < 0 {
		return -v
	}
	return v
}
