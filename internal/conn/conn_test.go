package conn

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/scatterbutt/solar/internal/blobs"
	"github.com/scatterbutt/solar/internal/broker"
	"github.com/scatterbutt/solar/internal/ebt"
	"github.com/scatterbutt/solar/internal/feed"
	"github.com/scatterbutt/solar/internal/feedhist"
	"github.com/scatterbutt/solar/internal/store"
	"github.com/scatterbutt/solar/internal/transport"
)

func TestActorRunsUntilContextCancelled(t *testing.T) {
	defer goleak.VerifyNone(t,
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)

	a, b := transport.Pair(feed.ID("@local.ed25519"), feed.ID("@remote.ed25519"))
	defer a.Close()
	defer b.Close()

	// Drain the remote end so the frames the handlers send on the first
	// tick (blobs' createWants) do not block on the unbuffered pipe.
	go func() { _, _ = io.Copy(io.Discard, b) }()

	br := broker.New(8)
	st, err := store.Open(filepath.Join(t.TempDir(), "conn.db"), nil)
	require.NoError(t, err)
	defer st.Close()

	id, err := NewID()
	require.NoError(t, err)
	require.NotEmpty(t, id)

	session := ebt.NewSession(string(id), a.Peer(), ebt.Responder, time.Hour)
	blobsHandler := blobs.NewHandler(string(id), st)
	histHandler := feedhist.NewHandler(string(id), a.Peer(), st)

	actor := New(id, a, a.Peer(), br, st, session, blobsHandler, histHandler)
	require.Equal(t, id, actor.ID)
	require.NotNil(t, actor.Api())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- actor.Run(ctx) }()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Actor.Run did not exit after context cancellation")
	}
}
