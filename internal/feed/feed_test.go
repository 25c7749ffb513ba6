package feed

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestValidateSequence(t *testing.T) {
	err := Validate(0, Message{Sequence: 2})
	require.ErrorIs(t, err, ErrInvalidSequence)

	err = Validate(0, Message{Sequence: 1})
	require.NoError(t, err)

	err = Validate(5, Message{Sequence: 6})
	require.NoError(t, err)
}

func TestNotePacking(t *testing.T) {
	n := PackNote(true, false, 42)
	require.True(t, n.Replicate())
	require.False(t, n.Receive())
	require.Equal(t, uint32(42), n.Sequence())

	n2 := PackNote(false, true, (1<<30)-1)
	require.False(t, n2.Replicate())
	require.True(t, n2.Receive())
	require.Equal(t, uint32((1<<30)-1), n2.Sequence())
}

func TestClockRoundTrip(t *testing.T) {
	c := Clock{
		ID("@alice.ed25519"): PackNote(true, true, 10),
		ID("@bob.ed25519"):   PackNote(true, false, 0),
	}

	enc, err := json.Marshal(c)
	require.NoError(t, err)

	var decoded Clock
	require.NoError(t, json.Unmarshal(enc, &decoded))
	require.Equal(t, c, decoded)
}

func TestMessageIDDiffersAcrossAuthors(t *testing.T) {
	// Synthetic author ids here only need to be distinct from each
	// other, not valid ed25519 identities, so uuid.NewString stands in
	// for a real keypair.
	alice := ID(fmt.Sprintf("@%s.ed25519", uuid.NewString()))
	bob := ID(fmt.Sprintf("@%s.ed25519", uuid.NewString()))
	require.NotEqual(t, alice, bob)

	content := json.RawMessage(`{"type":"post"}`)
	idA, err := (Message{Author: alice, Sequence: 1, Content: content}).ID()
	require.NoError(t, err)
	idB, err := (Message{Author: bob, Sequence: 1, Content: content}).ID()
	require.NoError(t, err)
	require.NotEqual(t, idA, idB)
}

func TestMessageIDRoundTrip(t *testing.T) {
	m := Message{Author: ID("@alice.ed25519"), Sequence: 1, Content: json.RawMessage(`{"type":"post"}`)}
	id1, err := m.ID()
	require.NoError(t, err)
	id2, err := m.ID()
	require.NoError(t, err)
	require.Equal(t, id1, id2)
}
