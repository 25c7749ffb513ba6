package muxrpc

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))
	for i := 0; i < 50; i++ {
		body := make([]byte, rnd.Intn(64))
		rnd.Read(body)

		p := Packet{
			Flags: Flags{
				Stream:     rnd.Intn(2) == 0,
				EndOrError: rnd.Intn(2) == 0,
				BodyType:   BodyType(rnd.Intn(3)),
			},
			ReqNo: int32(rnd.Intn(2000) - 1000),
			Body:  body,
		}

		var buf bytes.Buffer
		require.NoError(t, WritePacket(&buf, p))

		got, err := ReadPacket(&buf)
		require.NoError(t, err)
		require.Equal(t, p.Flags, got.Flags)
		require.Equal(t, p.ReqNo, got.ReqNo)
		require.Equal(t, p.Body, got.Body)
	}
}

func TestClassifyCancelStream(t *testing.T) {
	msg, err := Classify(Packet{Flags: Flags{EndOrError: true}, ReqNo: -1})
	require.NoError(t, err)
	require.Equal(t, CancelStreamResponse{}, msg)
}

func TestClassifyErrorResponse(t *testing.T) {
	msg, err := Classify(Packet{
		Flags: Flags{EndOrError: true, BodyType: BodyJSON},
		ReqNo: -3,
		Body:  ErrorBody("ebt version != 3"),
	})
	require.NoError(t, err)
	require.Equal(t, ErrorResponse{Text: "ebt version != 3"}, msg)
}

func TestClassifyOtherRequest(t *testing.T) {
	body, err := EncodeMethodCall([]string{"blobs", "createWants"}, struct{}{})
	require.NoError(t, err)

	msg, err := Classify(Packet{
		Flags: Flags{Stream: true, BodyType: BodyJSON},
		ReqNo: 7,
		Body:  body,
	})
	require.NoError(t, err)
	req, ok := msg.(OtherRequest)
	require.True(t, ok)
	require.Equal(t, []string{"blobs", "createWants"}, req.Name)
}

func TestClassifyResponseFrame(t *testing.T) {
	msg, err := Classify(Packet{
		Flags: Flags{Stream: true, BodyType: BodyJSON},
		ReqNo: -7,
		Body:  []byte(`{"alice":1}`),
	})
	require.NoError(t, err)
	resp, ok := msg.(RpcResponse)
	require.True(t, ok)
	require.Equal(t, BodyJSON, resp.Type)
}

func TestFrameTooLarge(t *testing.T) {
	var hdr [9]byte
	hdr[1] = 0xff
	hdr[2] = 0xff
	hdr[3] = 0xff
	hdr[4] = 0xff
	_, err := ReadPacket(bytes.NewReader(hdr[:]))
	require.ErrorIs(t, err, ErrFrameTooLarge)
}
