package p2p

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
)

// DefaultMaxControlPayload caps control frames to prevent memory exhaustion
// from a misbehaving peer. Stream sizes are not subject to this cap.
const DefaultMaxControlPayload = 1024 * 1024

// DecodeResult tells the reader loop what the decoder pulled off the wire.
type DecodeResult int

const (
	// DecodeControl: rpc.Payload holds one complete control payload.
	DecodeControl DecodeResult = iota
	// DecodeStreamBegin: the peer opened a stream; the tag byte has been
	// consumed and the socket now belongs to whoever consumes the stream.
	DecodeStreamBegin
	// DecodeClosed: clean EOF before any byte of a frame.
	DecodeClosed
	// DecodeRetry: no bytes available yet (deadline expired); call again.
	DecodeRetry
	// DecodeFatal: the connection is unusable and must be torn down.
	DecodeFatal
)

type Decoder interface {
	Decode(io.Reader, *RPC) (DecodeResult, error)
}

// BinaryDecoder reads the framed wire format:
//
//	tag:u8
//	  tag == 0x01 (control): len:u32_be, payload[len]
//	  tag == 0x02 (stream):  nothing further in this frame
//
// A clean EOF mid-frame is fatal; only EOF before the tag byte is a clean
// close.
type BinaryDecoder struct {
	// MaxPayload overrides DefaultMaxControlPayload when non-zero.
	MaxPayload uint32
}

func (d BinaryDecoder) Decode(r io.Reader, rpc *RPC) (DecodeResult, error) {
	maxPayload := d.MaxPayload
	if maxPayload == 0 {
		maxPayload = DefaultMaxControlPayload
	}

	var tag [1]byte
	if _, err := io.ReadFull(r, tag[:]); err != nil {
		if err == io.EOF {
			return DecodeClosed, nil
		}
		if isTimeout(err) {
			return DecodeRetry, nil
		}
		return DecodeFatal, err
	}

	switch tag[0] {
	case IncomingStream:
		return DecodeStreamBegin, nil
	case IncomingMessage:
	default:
		return DecodeFatal, fmt.Errorf("invalid frame tag: %#x", tag[0])
	}

	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return DecodeFatal, fmt.Errorf("reading control length: %w", err)
	}
	if length == 0 || length > maxPayload {
		return DecodeFatal, fmt.Errorf("control payload length %d out of range (max %d)", length, maxPayload)
	}

	rpc.Payload = make([]byte, length)
	if _, err := io.ReadFull(r, rpc.Payload); err != nil {
		return DecodeFatal, fmt.Errorf("reading control payload (%d bytes): %w", length, err)
	}
	return DecodeControl, nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
