package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/scatterbutt/solar/internal/feed"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "solar.db")
	s, err := Open(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// Scenario 1 (spec.md §8): append order enforced.
func TestAppendFeedRejectsOutOfOrderSequence(t *testing.T) {
	s := newTestStore(t)

	_, err := s.AppendFeed(feed.Message{Author: "@alice.ed25519", Sequence: 2})
	require.ErrorIs(t, err, ErrInvalidSequence)

	_, ok, err := s.GetLatestSeq("@alice.ed25519")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAppendFeedDenseSequence(t *testing.T) {
	s := newTestStore(t)
	author := feed.ID("@alice.ed25519")

	for i := uint64(1); i <= 3; i++ {
		seq, err := s.AppendFeed(feed.Message{Author: author, Sequence: i})
		require.NoError(t, err)
		require.Equal(t, i, seq)
	}

	latest, ok, err := s.GetLatestSeq(string(author))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(3), latest)

	for i := uint64(1); i <= 3; i++ {
		kvt, err := s.GetMsgKVT(string(author), i)
		require.NoError(t, err)
		require.NotNil(t, kvt)
		require.Equal(t, i, kvt.Value.Sequence)
	}

	_, err = s.AppendFeed(feed.Message{Author: author, Sequence: 5})
	require.ErrorIs(t, err, ErrInvalidSequence)
}

func TestMsgValRoundTrip(t *testing.T) {
	s := newTestStore(t)
	author := feed.ID("@alice.ed25519")
	msg := feed.Message{Author: author, Sequence: 1, Content: []byte(`{"type":"post"}`)}

	_, err := s.AppendFeed(msg)
	require.NoError(t, err)

	id, err := msg.ID()
	require.NoError(t, err)

	got, err := s.GetMsgVal(string(id))
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, msg.Sequence, got.Sequence)
	require.Equal(t, msg.Author, got.Author)
}

// Scenario 2 (spec.md §8): blob roundtrip.
func TestBlobRoundTrip(t *testing.T) {
	s := newTestStore(t)

	status, err := s.GetBlob("unknown")
	require.NoError(t, err)
	require.Nil(t, status)

	id, err := s.Insert([]byte("hello"))
	require.NoError(t, err)

	size, ok, err := s.SizeOf(id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 5, size)

	pending, err := s.GetPendingBlobs()
	require.NoError(t, err)
	require.NotContains(t, pending, id)
}

func TestPendingBlobsOrderedAndFiltered(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SetBlob("b1", BlobStatus{Retrieved: true, Users: []string{"u1"}}))
	require.NoError(t, s.SetBlob("b2", BlobStatus{Retrieved: false, Users: []string{"u2"}}))

	got, err := s.GetBlob("b1")
	require.NoError(t, err)
	require.True(t, got.Retrieved)

	pending, err := s.GetPendingBlobs()
	require.NoError(t, err)
	require.Equal(t, []string{"b2"}, pending)

	require.NoError(t, s.SetBlob("b1", BlobStatus{Retrieved: false, Users: []string{"u7"}}))
	pending, err = s.GetPendingBlobs()
	require.NoError(t, err)
	require.Equal(t, []string{"b1", "b2"}, pending)
}

func TestPeersTracksLatestSeqPlusOne(t *testing.T) {
	s := newTestStore(t)
	author := feed.ID("@alice.ed25519")

	_, err := s.AppendFeed(feed.Message{Author: author, Sequence: 1})
	require.NoError(t, err)
	_, err = s.AppendFeed(feed.Message{Author: author, Sequence: 2})
	require.NoError(t, err)

	peers, err := s.Peers()
	require.NoError(t, err)
	require.Len(t, peers, 1)
	require.Equal(t, string(author), peers[0].PubKey)
	require.Equal(t, uint64(3), peers[0].SeqNum)
}
