package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRegisterDuplicate(t *testing.T) {
	b := New(4)
	_, err := b.Register("a", false)
	require.NoError(t, err)

	_, err = b.Register("a", false)
	require.ErrorIs(t, err, ErrAlreadyRegistered)
}

func TestBroadcastDelivery(t *testing.T) {
	b := New(4)
	a, err := b.Register("a", false)
	require.NoError(t, err)
	c, err := b.Register("c", false)
	require.NoError(t, err)

	a.Sender().Send(Event{Dest: Broadcast(), Msg: StoreBlob{BlobID: "x"}})

	select {
	case ev := <-a.Messages:
		require.Equal(t, StoreBlob{BlobID: "x"}, ev.Msg)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast on a")
	}
	select {
	case ev := <-c.Messages:
		require.Equal(t, StoreBlob{BlobID: "x"}, ev.Msg)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast on c")
	}
}

func TestNamedDeliveryDoesNotReachOthers(t *testing.T) {
	b := New(4)
	a, _ := b.Register("a", false)
	c, _ := b.Register("c", false)

	a.Sender().Send(Event{Dest: To("c"), Msg: StoreBlob{BlobID: "x"}})

	select {
	case <-a.Messages:
		t.Fatal("named event delivered to unrelated endpoint")
	case <-time.After(50 * time.Millisecond):
	}

	select {
	case ev := <-c.Messages:
		require.Equal(t, StoreBlob{BlobID: "x"}, ev.Msg)
	case <-time.After(time.Second):
		t.Fatal("named event never reached its target")
	}
}

func TestFullQueueDropsRatherThanBlocks(t *testing.T) {
	b := New(1)
	a, _ := b.Register("a", false)
	sender := a.Sender()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			sender.Send(Event{Dest: Broadcast(), Msg: StoreBlob{BlobID: "x"}})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Send blocked on a full queue")
	}
}

func TestShutdownWaitsForTerminateFlaggedEndpoints(t *testing.T) {
	b := New(4)
	ep, err := b.Register("worker", true)
	require.NoError(t, err)

	go func() {
		<-ep.Terminate
		ep.Terminated <- struct{}{}
	}()

	done := make(chan struct{})
	go func() {
		b.Shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Shutdown did not return after endpoint acknowledged")
	}
}

func TestShutdownReportsUnresponsiveEndpoints(t *testing.T) {
	b := New(4)
	_, err := b.Register("wedged", true)
	require.NoError(t, err)
	// never reads ep.Terminate or acks, simulating a stuck actor.

	origTimeout := shutdownAckTimeout
	shutdownAckTimeout = 20 * time.Millisecond
	defer func() { shutdownAckTimeout = origTimeout }()

	err = b.Shutdown()
	require.Error(t, err)
	require.Contains(t, err.Error(), "wedged")
}
