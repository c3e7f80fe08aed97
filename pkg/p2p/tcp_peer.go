package p2p

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

const (
	streamReadRetries   = 50
	streamReadRetryWait = 10 * time.Millisecond
)

// TCPPeer wraps one TCP connection and the per-peer stream gate. At most one
// stream is in progress at a time; while it is, the reader goroutine is
// parked in WaitStream and the consumer owns the socket.
type TCPPeer struct {
	net.Conn
	// outbound is true when we dialed the connection, false when we accepted it.
	outbound bool

	writeMu sync.Mutex

	gateMu    sync.Mutex
	streaming bool
	begun     chan struct{} // closed when a stream opens
	released  chan struct{} // closed when the stream gate is released
}

func NewTCPPeer(conn net.Conn, outbound bool) *TCPPeer {
	return &TCPPeer{
		Conn:     conn,
		outbound: outbound,
		begun:    make(chan struct{}),
	}
}

func (p *TCPPeer) Send(data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	n, err := p.Conn.Write(data)
	if err != nil {
		return err
	}
	if n != len(data) {
		return io.ErrShortWrite
	}
	return nil
}

func (p *TCPPeer) SendTag(tag byte) error {
	return p.Send([]byte{tag})
}

func (p *TCPPeer) WriteStream(body []byte) error {
	return p.Send(body)
}

// BeginStream marks the gate as STREAMING. Called by the reader goroutine
// after it consumes a stream tag.
func (p *TCPPeer) BeginStream() {
	p.gateMu.Lock()
	defer p.gateMu.Unlock()
	if p.streaming {
		return
	}
	p.streaming = true
	p.released = make(chan struct{})
	close(p.begun)
}

// WaitStream parks the caller until the in-progress stream is released.
func (p *TCPPeer) WaitStream() {
	p.gateMu.Lock()
	released := p.released
	streaming := p.streaming
	p.gateMu.Unlock()
	if !streaming {
		return
	}
	<-released
}

// WaitStreamBegin blocks until the gate enters STREAMING.
func (p *TCPPeer) WaitStreamBegin(timeout time.Duration) error {
	p.gateMu.Lock()
	begun := p.begun
	p.gateMu.Unlock()

	select {
	case <-begun:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("no stream opened by %s within %v", p.RemoteAddr(), timeout)
	}
}

// CloseStream releases the gate. Idempotent.
func (p *TCPPeer) CloseStream() {
	p.gateMu.Lock()
	defer p.gateMu.Unlock()
	if !p.streaming {
		return
	}
	p.streaming = false
	p.begun = make(chan struct{})
	close(p.released)
}

// ReadStream copies exactly n bytes from the socket into w. Stalls are
// retried with a short read deadline up to streamReadRetries times, so a peer
// that advertised a size and never delivers cannot park a consumer forever.
// The stream gate is released on success only; error paths leave the gate to
// the caller, whose CloseStream is a no-op if we already released it.
func (p *TCPPeer) ReadStream(w io.Writer, n int64) error {
	defer p.Conn.SetReadDeadline(time.Time{})

	buf := make([]byte, 8*1024)
	var total int64
	retries := 0
	for total < n {
		chunk := int64(len(buf))
		if rem := n - total; rem < chunk {
			chunk = rem
		}
		p.Conn.SetReadDeadline(time.Now().Add(streamReadRetryWait))
		nr, err := p.Conn.Read(buf[:chunk])
		if nr > 0 {
			retries = 0
			if _, werr := w.Write(buf[:nr]); werr != nil {
				return werr
			}
			total += int64(nr)
			continue
		}
		if err == nil {
			continue
		}
		if isTimeout(err) {
			retries++
			if retries >= streamReadRetries {
				return fmt.Errorf("stream from %s stalled after %d of %d bytes", p.RemoteAddr(), total, n)
			}
			continue
		}
		if err == io.EOF {
			return fmt.Errorf("connection closed %d bytes into a %d byte stream", total, n)
		}
		return err
	}

	p.CloseStream()
	return nil
}
