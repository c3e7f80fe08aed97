package p2p

import (
	"io"
	"net"
	"time"
)

// Peer is one active connection to a remote node.
// Peer embeds net.Conn so handlers can read protocol prefixes directly off
// the wire while the reader goroutine is parked on the stream gate.
type Peer interface {
	net.Conn

	// Send writes all bytes or reports failure. Writes are serialized
	// internally; concurrent callers block.
	Send([]byte) error

	// SendTag writes a single frame tag byte.
	SendTag(byte) error

	// WriteStream writes an in-memory stream body in one logical operation.
	WriteStream([]byte) error

	// ReadStream copies exactly n bytes from the socket into w, with bounded
	// retry on stalls. On success it releases the stream gate.
	ReadStream(w io.Writer, n int64) error

	// WaitStreamBegin blocks until the reader goroutine has consumed a stream
	// tag and yielded the socket. Without this a consumer could race the
	// reader for the first bytes of the stream.
	WaitStreamBegin(timeout time.Duration) error

	// CloseStream releases the stream gate. Safe to call when no stream is
	// open.
	CloseStream()
}

// Transport owns the listening endpoint and the table of active peers. There
// is a single owner for each peer: consumers look peers up by endpoint
// through the transport rather than holding their own references.
type Transport interface {
	Addr() string
	Dial(addr string) error
	ListenAndAccept() error
	Consume() *Channel
	Close() error
	SetOnPeer(func(Peer) error)
	Peers() []Peer
	Peer(addr string) (Peer, bool)
}
