// Package feed holds the data model shared by the store, EBT session and
// blob handlers: identities, feed messages, the KVT envelope, and the
// packed vector-clock note. Wire/format details not settled by spec.md
// are resolved against the Rust original (kuska_ssb's Feed/Message
// split, consulted via _examples/original_source).
package feed

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// ID is a peer identity: a long-term public signing key rendered in its
// canonical "@<base64>.ed25519" string form. It is comparable and safe
// to use as a map key, matching how every table in this module
// (vector clocks, wants, dispatch) indexes by identity.
type ID string

// String satisfies fmt.Stringer.
func (i ID) String() string { return string(i) }

// NewID renders a raw ed25519 public key in canonical form.
func NewID(pub []byte) ID {
	return ID(fmt.Sprintf("@%s.ed25519", base64.StdEncoding.EncodeToString(pub)))
}

// MessageID is the content-hash identifier of a single feed message,
// rendered "%<base64>.sha256" in the same family of canonical forms.
type MessageID string

func NewMessageID(sum []byte) MessageID {
	return MessageID(fmt.Sprintf("%%%s.sha256", base64.StdEncoding.EncodeToString(sum)))
}

// Message is one signed entry of an author's append-only feed.
type Message struct {
	Author    ID              `json:"author"`
	Sequence  uint64          `json:"sequence"`
	Content   json.RawMessage `json:"content"`
	Previous  MessageID       `json:"previous,omitempty"`
	Signature []byte          `json:"signature"`
}

// ErrInvalidSequence is returned when a message's sequence does not
// extend the author's feed by exactly one.
var ErrInvalidSequence = errors.New("feed: sequence is not author's latest+1")

// ID computes the message's content-addressed id: the hash of its
// canonical encoding.
func (m Message) ID() (MessageID, error) {
	enc, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(enc)
	return NewMessageID(sum[:]), nil
}

// KVT is the canonical envelope around a message value: its id, the
// value itself, and the time it was received locally. This is the shape
// persisted at the PREFIX_MSG_KVT key and exchanged as "an SSB message"
// in EBT steady state.
type KVT struct {
	Key       MessageID `json:"key"`
	Value     Message   `json:"value"`
	Timestamp int64     `json:"timestamp"`
}

// Validate checks the append-only feed invariant from spec.md §3: for
// any author, sequence numbers are a dense prefix of the positive
// integers.
func Validate(latestSeq uint64, next Message) error {
	if next.Sequence != latestSeq+1 {
		return ErrInvalidSequence
	}
	return nil
}
