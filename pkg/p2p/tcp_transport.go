package p2p

import (
	"context"
	"net"
	"sync"

	"go.uber.org/zap"
)

type TCPTransportOptions struct {
	ListenAddr    string
	Decoder       Decoder
	Whitelist     *Whitelist
	QueueCapacity int
	OnPeer        func(Peer) error
	Logger        *zap.SugaredLogger
}

// TCPTransport multiplexes every peer onto one inbound message channel. It is
// the single owner of the peer table: peers are registered on accept/dial and
// removed when their reader goroutine exits.
type TCPTransport struct {
	TCPTransportOptions

	listener net.Listener
	rpcCh    *Channel
	log      *zap.SugaredLogger

	mu     sync.Mutex
	peers  map[string]*TCPPeer
	closed bool
}

func NewTCPTransport(opts TCPTransportOptions) *TCPTransport {
	if opts.Decoder == nil {
		opts.Decoder = BinaryDecoder{}
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &TCPTransport{
		TCPTransportOptions: opts,
		rpcCh:               NewChannel(opts.QueueCapacity),
		log:                 log,
		peers:               make(map[string]*TCPPeer),
	}
}

func (t *TCPTransport) Addr() string {
	return t.ListenAddr
}

// Consume returns the same channel handle across calls.
func (t *TCPTransport) Consume() *Channel {
	return t.rpcCh
}

func (t *TCPTransport) SetOnPeer(f func(Peer) error) {
	t.OnPeer = f
}

func (t *TCPTransport) ListenAndAccept() error {
	lc := net.ListenConfig{Control: setSocketReuseAddr}
	ln, err := lc.Listen(context.Background(), "tcp", t.ListenAddr)
	if err != nil {
		return err
	}
	t.listener = ln
	go t.acceptLoop()
	t.log.Infof("listening on %s", t.ListenAddr)
	return nil
}

func (t *TCPTransport) Dial(addr string) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return err
	}
	go t.handleConn(conn, true)
	return nil
}

func (t *TCPTransport) acceptLoop() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if closed {
				return
			}
			t.log.Errorf("accept error: %v", err)
			continue
		}

		remote := conn.RemoteAddr().String()
		if !t.Whitelist.IsAllowed(remote) {
			t.log.Warnf("rejecting connection from %s: not whitelisted", remote)
			conn.Close()
			continue
		}
		go t.handleConn(conn, false)
	}
}

func (t *TCPTransport) handleConn(conn net.Conn, outbound bool) {
	peer := NewTCPPeer(conn, outbound)
	addr := peer.RemoteAddr().String()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		conn.Close()
		return
	}
	t.peers[addr] = peer
	t.mu.Unlock()

	if t.OnPeer != nil {
		if err := t.OnPeer(peer); err != nil {
			t.log.Errorf("peer %s rejected: %v", addr, err)
			t.removePeer(addr)
			conn.Close()
			return
		}
	}

	t.readLoop(peer)
}

// readLoop is the per-peer reader: control frames go to the channel, stream
// frames park the loop on the gate until the consumer releases it. A fatal
// decode closes this peer only.
func (t *TCPTransport) readLoop(peer *TCPPeer) {
	addr := peer.RemoteAddr().String()
	defer func() {
		t.removePeer(addr)
		peer.CloseStream()
		peer.Conn.Close()
		t.log.Infof("peer %s disconnected", addr)
	}()

	for {
		var rpc RPC
		result, err := t.Decoder.Decode(peer.Conn, &rpc)
		switch result {
		case DecodeControl:
			rpc.From = addr
			if !t.rpcCh.Send(rpc) {
				return // transport shutting down
			}
		case DecodeStreamBegin:
			peer.BeginStream()
			peer.WaitStream()
		case DecodeRetry:
			continue
		case DecodeClosed:
			return
		case DecodeFatal:
			t.log.Errorf("fatal decode from %s: %v", addr, err)
			return
		}
	}
}

func (t *TCPTransport) removePeer(addr string) {
	t.mu.Lock()
	delete(t.peers, addr)
	t.mu.Unlock()
}

// Peers returns a snapshot of the peer table.
func (t *TCPTransport) Peers() []Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Peer, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p)
	}
	return out
}

func (t *TCPTransport) Peer(addr string) (Peer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[addr]
	if !ok {
		return nil, false
	}
	return p, true
}

// Close is idempotent: it stops the accept loop, shuts down every peer
// connection (which unparks readers blocked on gates or reads) and closes
// the message channel.
func (t *TCPTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	peers := make([]*TCPPeer, 0, len(t.peers))
	for _, p := range t.peers {
		peers = append(peers, p)
	}
	t.mu.Unlock()

	var err error
	if t.listener != nil {
		err = t.listener.Close()
	}
	for _, p := range peers {
		p.CloseStream()
		p.Conn.Close()
	}
	t.rpcCh.Close()
	return err
}
