// Package muxrpc implements the MUXRPC session layer: frame codec
// (this file) and request/response dispatch (dispatch.go). The codec is
// byte-exact to spec.md §6; the dispatch idiom generalizes
// hashicorp/serf's client/rpc_client.go sequence-keyed handler table
// (dispatch map[uint64]seqHandler, getSeq, handleSeq, respondSeq) from a
// single outbound RPC connection to a duplex, multi-method one.
package muxrpc

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/mitchellh/mapstructure"
)

// BodyType classifies a frame's payload, packed into flags bits 0-1.
type BodyType uint8

const (
	BodyBinary BodyType = 0
	BodyUTF8   BodyType = 1
	BodyJSON   BodyType = 2
)

const (
	flagStream     = 1 << 3
	flagEndOrError = 1 << 2
	flagBodyMask   = 0x03
)

// Flags is the frame's single-byte header, decomposed per spec.md §6.
type Flags struct {
	Stream     bool
	EndOrError bool
	BodyType   BodyType
}

func (f Flags) byte() byte {
	var b byte
	if f.Stream {
		b |= flagStream
	}
	if f.EndOrError {
		b |= flagEndOrError
	}
	b |= byte(f.BodyType) & flagBodyMask
	return b
}

func flagsFromByte(b byte) Flags {
	return Flags{
		Stream:     b&flagStream != 0,
		EndOrError: b&flagEndOrError != 0,
		BodyType:   BodyType(b & flagBodyMask),
	}
}

// Packet is one MUXRPC frame: [flags u8][body_len u32 BE][req_no i32 BE][body].
type Packet struct {
	Flags Flags
	ReqNo int32
	Body  []byte
}

var ErrFrameTooLarge = errors.New("muxrpc: frame body exceeds MaxBodyLen")

// MaxBodyLen bounds a single frame's body, guarding against a
// maliciously large length prefix before allocation.
const MaxBodyLen = 64 << 20

// WritePacket serializes and writes one frame.
func WritePacket(w io.Writer, p Packet) error {
	var hdr [9]byte
	hdr[0] = p.Flags.byte()
	binary.BigEndian.PutUint32(hdr[1:5], uint32(len(p.Body)))
	binary.BigEndian.PutUint32(hdr[5:9], uint32(p.ReqNo))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(p.Body) > 0 {
		if _, err := w.Write(p.Body); err != nil {
			return err
		}
	}
	return nil
}

// ReadPacket reads and deserializes exactly one frame.
func ReadPacket(r io.Reader) (Packet, error) {
	var hdr [9]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Packet{}, err
	}
	bodyLen := binary.BigEndian.Uint32(hdr[1:5])
	if bodyLen > MaxBodyLen {
		return Packet{}, ErrFrameTooLarge
	}
	reqNo := int32(binary.BigEndian.Uint32(hdr[5:9]))

	body := make([]byte, bodyLen)
	if bodyLen > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return Packet{}, err
		}
	}
	return Packet{Flags: flagsFromByte(hdr[0]), ReqNo: reqNo, Body: body}, nil
}

// RecvMsg is the tagged union a decoded Packet resolves to, per
// spec.md §4.3.
type RecvMsg interface {
	recvMsg()
}

// RpcRequest is a non-stream method call body, not yet classified by
// method name (handlers that need typed args out of it go through
// DecodeArgs once they've identified the method).
type RpcRequest struct{ Body []byte }

func (RpcRequest) recvMsg() {}

// OtherRequest is a stream-opening method call: "name" and JSON "args".
type OtherRequest struct {
	Name []string
	Args json.RawMessage
}

func (OtherRequest) recvMsg() {}

// RpcResponse is a non-terminal response frame on an existing request.
type RpcResponse struct {
	Type BodyType
	Body []byte
}

func (RpcResponse) recvMsg() {}

// CancelStreamResponse is an empty, end-flagged frame: "this stream is done".
type CancelStreamResponse struct{}

func (CancelStreamResponse) recvMsg() {}

// ErrorResponse is a JSON, end-flagged frame carrying a failure message.
type ErrorResponse struct{ Text string }

func (ErrorResponse) recvMsg() {}

type methodCall struct {
	Name []string        `json:"name"`
	Args json.RawMessage `json:"args"`
	Type string          `json:"type"`
}

type errorBody struct {
	Message string `json:"message"`
}

// Classify turns a Packet into a RecvMsg per spec.md §4.3's decode rules.
func Classify(p Packet) (RecvMsg, error) {
	if p.Flags.EndOrError {
		if len(p.Body) == 0 {
			return CancelStreamResponse{}, nil
		}
		var eb errorBody
		if err := json.Unmarshal(p.Body, &eb); err != nil {
			return ErrorResponse{Text: string(p.Body)}, nil
		}
		return ErrorResponse{Text: eb.Message}, nil
	}

	if p.Flags.Stream && p.Flags.BodyType == BodyJSON {
		var call methodCall
		if err := json.Unmarshal(p.Body, &call); err == nil && len(call.Name) > 0 {
			return OtherRequest{Name: call.Name, Args: call.Args}, nil
		}
	}

	if p.ReqNo > 0 {
		var call methodCall
		if err := json.Unmarshal(p.Body, &call); err == nil && len(call.Name) > 0 {
			return OtherRequest{Name: call.Name, Args: call.Args}, nil
		}
		return RpcRequest{Body: p.Body}, nil
	}

	return RpcResponse{Type: p.Flags.BodyType, Body: p.Body}, nil
}

// EncodeMethodCall builds the JSON body of a method-call frame (the
// wire shape Classify's OtherRequest branch parses).
func EncodeMethodCall(name []string, args interface{}) ([]byte, error) {
	rawArgs, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	return json.Marshal(methodCall{Name: name, Args: rawArgs, Type: "duplex"})
}

// DecodeArgs decodes a method call's JSON args into out through an
// intermediate generic map rather than unmarshaling straight into a
// concrete struct, the same two-step decode serf's own RPC handlers use
// for untyped request bodies: json.Unmarshal into interface{}, then
// mapstructure.Decode into the typed destination. This tolerates args
// arriving as either a single JSON object or a one-element array (both
// shapes appear on the wire across method calls this package dispatches).
func DecodeArgs(raw json.RawMessage, out interface{}) error {
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return err
	}
	if arr, ok := generic.([]interface{}); ok && len(arr) == 1 {
		generic = arr[0]
	}
	return mapstructure.Decode(generic, out)
}

// ErrorBody builds the JSON body of an error frame.
func ErrorBody(text string) []byte {
	b, _ := json.Marshal(errorBody{Message: text})
	return b
}

func (bt BodyType) String() string {
	switch bt {
	case BodyBinary:
		return "binary"
	case BodyUTF8:
		return "utf8"
	case BodyJSON:
		return "json"
	default:
		return fmt.Sprintf("BodyType(%d)", bt)
	}
}
