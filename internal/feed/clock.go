package feed

// Note packs the three fields spec.md §3 assigns to one peer's vector
// clock entry into a single signed 32-bit value: a replicate bit (bit
// 31), a receive bit (bit 30), and a 30-bit sequence.
type Note int32

const (
	replicateBit = int32(-1) << 31
	receiveBit   = int32(1) << 30
	seqMask      = int32(1)<<30 - 1
)

// PackNote encodes the three logical fields into one Note.
func PackNote(replicate, receive bool, sequence uint32) Note {
	var v int32
	if replicate {
		v |= replicateBit
	}
	if receive {
		v |= receiveBit
	}
	v |= int32(sequence) & seqMask
	return Note(v)
}

// Replicate reports whether this peer's feed should be followed at all.
func (n Note) Replicate() bool { return int32(n)&replicateBit != 0 }

// Receive reports whether the peer is being asked to send us messages.
func (n Note) Receive() bool { return int32(n)&receiveBit != 0 }

// Sequence is "I already have messages 1..N for this feed".
func (n Note) Sequence() uint32 { return uint32(int32(n) & seqMask) }

// Clock is the mapping from peer identity to packed note: "the sole
// state exchanged to drive replication" per spec.md §3. It is
// JSON-marshaled as an object mapping identity string to the note's
// plain signed-integer value, matching the wire form EBT sessions read
// and write (spec.md §4.4: "deserialize the payload as a JSON object
// mapping identity -> integer").
type Clock map[ID]Note

// Clone returns a shallow copy safe to mutate independently.
func (c Clock) Clone() Clock {
	out := make(Clock, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}
