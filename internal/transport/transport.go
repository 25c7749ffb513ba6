// Package transport defines the seam between the external handshake
// (out of scope per spec.md §1: "The encrypted transport handshake")
// and the MUXRPC codec. A production implementation would perform
// secret-handshake box-stream negotiation over a net.Conn and yield a
// Stream here; this package only specifies that boundary, supplies Wrap
// (which solard applies to raw TCP connections, unauthenticated) and a
// net.Pipe-backed Pair for tests.
package transport

import (
	"io"
	"net"

	"github.com/scatterbutt/solar/internal/feed"
)

// Stream is an authenticated, full-duplex framed byte stream, paired
// with the remote peer's identity established by the handshake.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer
	Peer() feed.ID
}

// pipe adapts a net.Conn plus a known peer identity to Stream. It is
// intentionally unauthenticated: real authentication is the external
// handshake's job.
type pipe struct {
	net.Conn
	peer feed.ID
}

func (p *pipe) Peer() feed.ID { return p.peer }

// Wrap adapts an already-authenticated net.Conn (as the external
// handshake would hand back) into a Stream.
func Wrap(conn net.Conn, peer feed.ID) Stream {
	return &pipe{Conn: conn, peer: peer}
}

// Pair returns two in-process Streams connected by net.Pipe, each
// reporting the other's identity as Peer. Used by the connection-actor
// test, which needs a real io.Reader/io.Writer without a socket.
func Pair(a, b feed.ID) (Stream, Stream) {
	ca, cb := net.Pipe()
	return &pipe{Conn: ca, peer: b}, &pipe{Conn: cb, peer: a}
}
