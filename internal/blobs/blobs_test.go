package blobs

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scatterbutt/solar/internal/broker"
	"github.com/scatterbutt/solar/internal/muxrpc"
	"github.com/scatterbutt/solar/internal/store"
)

func newTestStore(t *testing.T) *store.BoltStore {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "blobs.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

// runHandler wires a Handler into a Dispatcher over one end of a
// net.Pipe and runs it until ctx is cancelled.
func runHandler(t *testing.T, ctx context.Context, conn net.Conn, b *broker.Broker, connID string, h *Handler, tick time.Duration) *muxrpc.Dispatcher {
	t.Helper()
	ep, err := b.Register(connID, false)
	require.NoError(t, err)
	d := muxrpc.NewDispatcher(conn, tick)
	d.Register(h)
	go d.Run(ctx, conn, ep)
	return d
}

func TestHandlerSendsCreateWantsOnFirstTick(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	st := newTestStore(t)
	b := broker.New(8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := NewHandler("conn-1", st)
	runHandler(t, ctx, serverConn, b, "conn-1", h, time.Hour)

	p, err := muxrpc.ReadPacket(clientConn)
	require.NoError(t, err)
	msg, err := muxrpc.Classify(p)
	require.NoError(t, err)
	req, ok := msg.(muxrpc.OtherRequest)
	require.True(t, ok)
	require.Equal(t, []string{"blobs", "createWants"}, req.Name)
}

// TestRecvWantsRespondsWithHaves drives both halves of the duplex
// exchange: our own outbound createWants (answered by the peer's
// "wants" map, a response on our stream) and the peer's inbound
// createWants (the channel our haves answer is written back on) — the
// original only answers a wants query once both directions are open.
func TestRecvWantsRespondsWithHaves(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	st := newTestStore(t)
	blobID, err := st.Insert([]byte("hello world"))
	require.NoError(t, err)

	b := broker.New(8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := NewHandler("conn-1", st)
	runHandler(t, ctx, serverConn, b, "conn-1", h, time.Hour)

	// Our own createWants request to the peer.
	ourReq, err := muxrpc.ReadPacket(clientConn)
	require.NoError(t, err)
	require.NotEqual(t, int32(0), ourReq.ReqNo)
	require.True(t, ourReq.ReqNo > 0)

	// The peer opens its own createWants stream toward us.
	peerReqNo := int32(5)
	body, err := muxrpc.EncodeMethodCall([]string{"blobs", "createWants"}, struct{}{})
	require.NoError(t, err)
	require.NoError(t, muxrpc.WritePacket(clientConn, muxrpc.Packet{
		Flags: muxrpc.Flags{Stream: true, BodyType: muxrpc.BodyJSON},
		ReqNo: peerReqNo,
		Body:  body,
	}))

	// The peer answers our createWants with its wants map, as a
	// response on our own stream (wire req_no negated).
	wants := map[string]int64{blobID: 0, "deadbeef": 0}
	wantsBody, err := json.Marshal(wants)
	require.NoError(t, err)
	require.NoError(t, muxrpc.WritePacket(clientConn, muxrpc.Packet{
		Flags: muxrpc.Flags{Stream: true, BodyType: muxrpc.BodyJSON},
		ReqNo: -ourReq.ReqNo,
		Body:  wantsBody,
	}))

	p, err := muxrpc.ReadPacket(clientConn)
	require.NoError(t, err)
	require.Equal(t, -peerReqNo, p.ReqNo)
	var haves map[string]uint64
	require.NoError(t, json.Unmarshal(p.Body, &haves))
	require.Contains(t, haves, blobID)
	require.NotContains(t, haves, "deadbeef")
}

func TestWantDistanceBeyondMaxIsDropped(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	st := newTestStore(t)
	b := broker.New(8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := NewHandler("conn-1", st)
	ep, err := b.Register("conn-1", false)
	require.NoError(t, err)
	observer, err := b.Register("observer", false)
	require.NoError(t, err)

	d := muxrpc.NewDispatcher(serverConn, time.Hour)
	d.Register(h)
	go d.Run(ctx, serverConn, ep)

	ourReq, err := muxrpc.ReadPacket(clientConn)
	require.NoError(t, err)

	createBody, err := muxrpc.EncodeMethodCall([]string{"blobs", "createWants"}, struct{}{})
	require.NoError(t, err)
	require.NoError(t, muxrpc.WritePacket(clientConn, muxrpc.Packet{
		Flags: muxrpc.Flags{Stream: true, BodyType: muxrpc.BodyJSON}, ReqNo: 5, Body: createBody,
	}))

	wants := map[string]int64{"unknownblob": MaxWantDistance}
	wantsBody, err := json.Marshal(wants)
	require.NoError(t, err)
	require.NoError(t, muxrpc.WritePacket(clientConn, muxrpc.Packet{
		Flags: muxrpc.Flags{Stream: true, BodyType: muxrpc.BodyJSON}, ReqNo: -ourReq.ReqNo, Body: wantsBody,
	}))

	_, err = muxrpc.ReadPacket(clientConn) // the empty-haves response
	require.NoError(t, err)

	select {
	case ev := <-observer.Messages:
		t.Fatalf("expected no relay broadcast past MaxWantDistance, got %#v", ev.Msg)
	case <-time.After(100 * time.Millisecond):
	}
}

// TestUnsatisfiedWantIsBroadcastAndRelayedToPeer drives the full relay
// path spec.md §4.5 describes for a want neither connection can satisfy
// locally: connA's peer asks for a blob connA doesn't have, so connA
// broadcasts it on the shared broker (recvWants); connB, a sibling
// connection with its own peer, picks up that broadcast
// (eventWantsBroadcast) and forwards the want onward on its own wants
// stream.
func TestUnsatisfiedWantIsBroadcastAndRelayedToPeer(t *testing.T) {
	clientA, serverA := net.Pipe()
	defer clientA.Close()
	defer serverA.Close()
	clientB, serverB := net.Pipe()
	defer clientB.Close()
	defer serverB.Close()

	b := broker.New(8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stA := newTestStore(t)
	stB := newTestStore(t)

	hA := NewHandler("connA", stA)
	hB := NewHandler("connB", stB)
	runHandler(t, ctx, serverA, b, "connA", hA, time.Millisecond)
	runHandler(t, ctx, serverB, b, "connB", hB, time.Millisecond)

	// Consume each connection's own outbound createWants request.
	ourReqA, err := muxrpc.ReadPacket(clientA)
	require.NoError(t, err)
	ourReqB, err := muxrpc.ReadPacket(clientB)
	require.NoError(t, err)

	// connA's peer opens its own createWants stream and asks for a blob
	// neither store has.
	peerReqNoA := int32(9)
	createBody, err := muxrpc.EncodeMethodCall([]string{"blobs", "createWants"}, struct{}{})
	require.NoError(t, err)
	require.NoError(t, muxrpc.WritePacket(clientA, muxrpc.Packet{
		Flags: muxrpc.Flags{Stream: true, BodyType: muxrpc.BodyJSON}, ReqNo: peerReqNoA, Body: createBody,
	}))

	wants := map[string]int64{"unreachable-blob": 1}
	wantsBody, err := json.Marshal(wants)
	require.NoError(t, err)
	require.NoError(t, muxrpc.WritePacket(clientA, muxrpc.Packet{
		Flags: muxrpc.Flags{Stream: true, BodyType: muxrpc.BodyJSON}, ReqNo: -ourReqA.ReqNo, Body: wantsBody,
	}))

	// connA answers its peer with empty haves (not ours to assert here),
	// then broadcasts the unsatisfied want for connB to relay.
	_, err = muxrpc.ReadPacket(clientA)
	require.NoError(t, err)

	p, err := muxrpc.ReadPacket(clientB)
	require.NoError(t, err)
	require.Equal(t, -ourReqB.ReqNo, p.ReqNo)
	var relayed map[string]int64
	require.NoError(t, json.Unmarshal(p.Body, &relayed))
	require.Equal(t, int64(2), relayed["unreachable-blob"])
}

// TestStoreInsertTriggersHaveAnnouncement exercises the other broker-event
// path: a blob arriving locally (store.Insert) should be announced to a
// peer that is known to want it, via eventStoblobAdded.
func TestStoreInsertTriggersHaveAnnouncement(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	b := broker.New(8)
	storeEp, err := b.Register("store", false)
	require.NoError(t, err)
	st, err := store.Open(filepath.Join(t.TempDir(), "blobs-have.db"), storeEp.Sender())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := NewHandler("conn-1", st)
	data := []byte("newly arrived blob")
	blobID := hex.EncodeToString(blobHasher.Hash(data))
	h.peerWants[blobID] = &peerWant{state: wantPending}
	h.peerWantsReqNo = 5
	h.havePeerWantsReq = true

	runHandler(t, ctx, server, b, "conn-1", h, time.Hour)

	// Consume the connection's own outbound createWants request, sent on
	// the dispatcher's first tick.
	_, err = muxrpc.ReadPacket(client)
	require.NoError(t, err)

	_, err = st.Insert(data)
	require.NoError(t, err)

	p, err := muxrpc.ReadPacket(client)
	require.NoError(t, err)
	require.Equal(t, int32(-5), p.ReqNo)
	var haves map[string]int64
	require.NoError(t, json.Unmarshal(p.Body, &haves))
	require.Equal(t, int64(1), haves[blobID])
}

func TestHashMismatchIsRejected(t *testing.T) {
	st := newTestStore(t)
	h := NewHandler("conn-1", st)
	h.peerWants["expectedhash"] = &peerWant{state: wantRequested}

	consumed, err := h.recvBlobsGet("expectedhash", []byte("different content"))
	require.True(t, consumed)
	require.NoError(t, err)

	_, ok := h.peerWants["expectedhash"]
	require.False(t, ok)
}

func TestHashMatchMarksAvailable(t *testing.T) {
	st := newTestStore(t)
	h := NewHandler("conn-1", st)

	data := []byte("matching payload")
	sum := blobHasher.Hash(data)
	id := hex.EncodeToString(sum)
	h.peerWants[id] = &peerWant{state: wantRequested}

	consumed, err := h.recvBlobsGet(id, data)
	require.True(t, consumed)
	require.NoError(t, err)
	require.Equal(t, wantAvailable, h.peerWants[id].state)
}
