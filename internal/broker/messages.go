package broker

// Message is the closed set of broker event payloads. The set is fixed
// at compile time (spec_full's "handler polymorphism" note prefers
// tagged variants over a dynamic registry for exactly this case), so it
// is modeled as a small interface with an unexported marker method
// rather than reflection-based dispatch.
type Message interface {
	kind() string
}

// Terminate asks every terminate-flagged endpoint to wind down.
type Terminate struct{}

func (Terminate) kind() string { return "Terminate" }

// WantDistance is one entry of an RpcBlobsWants broadcast: a blob id the
// sender could not satisfy locally, and how many hops it has travelled.
type WantDistance struct {
	BlobID   string
	Distance int64
}

// RpcBlobsWants is broadcast by a connection actor forwarding wants it
// could not satisfy locally, so sibling connections may relay them to
// their own peers.
type RpcBlobsWants struct {
	Wants []WantDistance
}

func (RpcBlobsWants) kind() string { return "RpcBlobsWants" }

// StoreBlob is emitted by the store adapter when new blob bytes are
// inserted locally.
type StoreBlob struct {
	BlobID string
}

func (StoreBlob) kind() string { return "StoreBlob" }

// StoKvIDChanged is emitted by the store adapter after append_feed
// commits, naming the author whose latest sequence advanced.
type StoKvIDChanged struct {
	Author string
}

func (StoKvIDChanged) kind() string { return "StoKvIDChanged" }

// EbtSessionRole mirrors ebt.Role without importing internal/ebt, to
// keep this package free of a dependency cycle (ebt depends on broker).
type EbtSessionRole int

const (
	EbtRequester EbtSessionRole = iota
	EbtResponder
)

// EbtSessionInitiated is broadcast once an EBT session's active_request
// is fixed, by either the requesting or the responding side.
type EbtSessionInitiated struct {
	ConnID string
	ReqNo  int32
	PeerID string
	Role   EbtSessionRole
}

func (EbtSessionInitiated) kind() string { return "EbtSessionInitiated" }

// EbtSessionConcluded is broadcast exactly once, on any exit path of an
// EBT session, after any SessionTimeout/Error that preceded it.
type EbtSessionConcluded struct {
	ConnID string
	PeerID string
}

func (EbtSessionConcluded) kind() string { return "EbtSessionConcluded" }

// EbtSessionTimeout is broadcast by a Responder session that never saw a
// valid ebt.replicate request within its session-wait timeout.
type EbtSessionTimeout struct {
	ConnID string
	PeerID string
}

func (EbtSessionTimeout) kind() string { return "EbtSessionTimeout" }

// EbtTerminateSession asks a specific connection's EBT session to wind
// down, e.g. from an operator command or a peer disconnect handler.
type EbtTerminateSession struct {
	ConnID string
	Role   EbtSessionRole
}

func (EbtTerminateSession) kind() string { return "EbtTerminateSession" }

// EbtSendClock asks the session owning ConnID to write clock as a
// response frame on its active request.
type EbtSendClock struct {
	ConnID string
	ReqNo  int32
	Clock  map[string]int32
	Role   EbtSessionRole
}

func (EbtSendClock) kind() string { return "EbtSendClock" }

// EbtSendMessage asks the session owning ConnID to write a feed message
// as a response frame on its active request.
type EbtSendMessage struct {
	ConnID  string
	ReqNo   int32
	Payload []byte
	Role    EbtSessionRole
}

func (EbtSendMessage) kind() string { return "EbtSendMessage" }

// EbtReceivedClock is broadcast when a session successfully decodes an
// inbound frame as a vector clock.
type EbtReceivedClock struct {
	ConnID string
	ReqNo  int32
	PeerID string
	Clock  map[string]int32
}

func (EbtReceivedClock) kind() string { return "EbtReceivedClock" }

// EbtReceivedMessage is broadcast when a session successfully decodes an
// inbound frame as a feed message (directly, or via KVT conversion).
type EbtReceivedMessage struct {
	ConnID  string
	Payload []byte
}

func (EbtReceivedMessage) kind() string { return "EbtReceivedMessage" }

// EbtError is broadcast on any handler error that terminates an EBT
// session.
type EbtError struct {
	ConnID string
	PeerID string
	Text   string
}

func (EbtError) kind() string { return "EbtError" }
