package server

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Matiss01G/DFS/internal/storage"
	"github.com/Matiss01G/DFS/pkg/crypto"
	"github.com/Matiss01G/DFS/pkg/p2p"
)

const (
	// replicateDelay gives peers a beat to pull the StoreFile control frame
	// off the wire before the stream lands behind it.
	replicateDelay = 5 * time.Millisecond
	// defaultFetchWait bounds how long Get waits for a peer to push a
	// missing key back.
	defaultFetchWait = 500 * time.Millisecond
	// streamBeginWait bounds how long a handler waits for the reader
	// goroutine to yield the socket.
	streamBeginWait = 2 * time.Second
)

type FileServerOptions struct {
	// ID identifies this node; generated when empty.
	ID string
	// EncKey is the 32-byte symmetric key shared across the deployment.
	EncKey []byte
	// StorageRoot is the directory blobs are persisted under.
	StorageRoot string
	// PathTransform defaults to the content-addressed layout.
	PathTransform storage.PathTransformFunc
	Transport     p2p.Transport
	// BootstrapNodes are dialed asynchronously on Start.
	BootstrapNodes []string
	// FetchWait overrides defaultFetchWait when positive.
	FetchWait time.Duration
	Logger    *zap.SugaredLogger
}

// FileServer joins the transport, the store and the crypto layer. A local
// insert is written to disk, announced to every peer and streamed to each of
// them encrypted; a local fetch of a missing key is broadcast and served back
// over the same stream protocol by any peer that holds it.
type FileServer struct {
	FileServerOptions

	store *storage.Store
	log   *zap.SugaredLogger

	quitOnce sync.Once
	quitCh   chan struct{}
	loopDone chan struct{}

	fetchMu        sync.Mutex
	pendingFetches map[string]chan struct{}
}

func NewFileServer(opts FileServerOptions) (*FileServer, error) {
	if len(opts.EncKey) != crypto.KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", crypto.KeySize, len(opts.EncKey))
	}
	if opts.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if opts.ID == "" {
		opts.ID = crypto.GenerateID()
	}
	if opts.FetchWait <= 0 {
		opts.FetchWait = defaultFetchWait
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	s := &FileServer{
		FileServerOptions: opts,
		store: storage.NewStore(storage.StoreOptions{
			Root:          opts.StorageRoot,
			PathTransform: opts.PathTransform,
		}),
		log:            log,
		quitCh:         make(chan struct{}),
		loopDone:       make(chan struct{}),
		pendingFetches: make(map[string]chan struct{}),
	}
	opts.Transport.SetOnPeer(s.onPeer)
	return s, nil
}

// -------- Lifecycle --------

func (s *FileServer) Start() error {
	if err := s.Transport.ListenAndAccept(); err != nil {
		return fmt.Errorf("starting transport: %w", err)
	}
	go s.loop()
	s.bootstrapNetwork()
	return nil
}

// Stop is idempotent. Closing the transport closes the message channel,
// which ends the loop.
func (s *FileServer) Stop() {
	s.quitOnce.Do(func() {
		close(s.quitCh)
		if err := s.Transport.Close(); err != nil {
			s.log.Errorf("closing transport: %v", err)
		}
		<-s.loopDone
	})
}

func (s *FileServer) onPeer(peer p2p.Peer) error {
	s.log.Infof("[%s] connected with peer %s", s.Transport.Addr(), peer.RemoteAddr())
	return nil
}

func (s *FileServer) bootstrapNetwork() {
	for _, addr := range s.BootstrapNodes {
		if addr == "" {
			continue
		}
		go func(addr string) {
			s.log.Infof("[%s] dialing bootstrap node %s", s.Transport.Addr(), addr)
			if err := s.Transport.Dial(addr); err != nil {
				s.log.Errorf("[%s] failed to dial bootstrap %s: %v", s.Transport.Addr(), addr, err)
			}
		}(addr)
	}
}

// Peers returns the endpoints of the currently connected peers.
func (s *FileServer) Peers() []string {
	peers := s.Transport.Peers()
	addrs := make([]string, 0, len(peers))
	for _, p := range peers {
		addrs = append(addrs, p.RemoteAddr().String())
	}
	return addrs
}

// -------- Local client surface --------

// Store buffers the plaintext, writes it locally, announces it to every peer
// and streams the encrypted body to each of them. It succeeds when at least
// one peer was served, or when there were no peers at all.
func (s *FileServer) Store(key string, r io.Reader) error {
	fileBuf := new(bytes.Buffer)
	if _, err := io.Copy(fileBuf, r); err != nil {
		return fmt.Errorf("buffering %s: %w", key, err)
	}

	hashedKey := crypto.HashKey(key)
	if _, err := s.store.Write(s.ID, hashedKey, bytes.NewReader(fileBuf.Bytes())); err != nil {
		return fmt.Errorf("writing %s locally: %w", key, err)
	}

	cipherSize := uint64(fileBuf.Len()) + crypto.IVSize
	if err := s.broadcast(TypeStoreFile, StoreFilePayload{ID: s.ID, Key: hashedKey, Size: cipherSize}); err != nil {
		return err
	}

	time.Sleep(replicateDelay)

	peers := s.Transport.Peers()
	if len(peers) == 0 {
		return nil
	}

	encrypted := new(bytes.Buffer)
	encSize, err := crypto.CopyEncrypt(s.EncKey, bytes.NewReader(fileBuf.Bytes()), encrypted)
	if err != nil {
		return fmt.Errorf("encrypting %s: %w", key, err)
	}
	if uint64(encSize) != cipherSize {
		return fmt.Errorf("ciphertext for %s is %d bytes, advertised %d", key, encSize, cipherSize)
	}

	success := 0
	for _, peer := range peers {
		if err := s.streamTo(peer, encrypted.Bytes()); err != nil {
			s.log.Errorf("[%s] replicating %s to %s: %v", s.Transport.Addr(), key, peer.RemoteAddr(), err)
			continue
		}
		success++
		peer.CloseStream()
	}
	s.log.Infof("[%s] replicated %s to %d/%d peers", s.Transport.Addr(), key, success, len(peers))
	if success == 0 {
		return fmt.Errorf("replication of %s reached none of %d peers", key, len(peers))
	}
	return nil
}

// streamTo pushes one replica: stream tag, u32 ciphertext length, ciphertext.
func (s *FileServer) streamTo(peer p2p.Peer, ciphertext []byte) error {
	if err := peer.SendTag(p2p.IncomingStream); err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(ciphertext)))
	if err := peer.Send(lenBuf[:]); err != nil {
		return err
	}
	return peer.WriteStream(ciphertext)
}

// Get serves the key from local disk when present; otherwise it broadcasts a
// GetFile and waits a bounded interval for any peer holding the key to push
// it back, then re-checks the store.
func (s *FileServer) Get(key string) (io.Reader, error) {
	hashedKey := crypto.HashKey(key)
	if s.store.Has(s.ID, hashedKey) {
		s.log.Debugf("[%s] serving %s from local disk", s.Transport.Addr(), key)
		_, r, err := s.store.Read(s.ID, hashedKey)
		return r, err
	}

	s.log.Infof("[%s] %s not found locally, fetching from network", s.Transport.Addr(), key)

	done := s.addPendingFetch(hashedKey)
	defer s.dropPendingFetch(hashedKey)

	if err := s.broadcast(TypeGetFile, GetFilePayload{ID: s.ID, Key: hashedKey}); err != nil {
		return nil, err
	}

	select {
	case <-done:
	case <-time.After(s.FetchWait):
	case <-s.quitCh:
	}

	if !s.store.Has(s.ID, hashedKey) {
		return nil, fmt.Errorf("key %s not found", key)
	}
	_, r, err := s.store.Read(s.ID, hashedKey)
	return r, err
}

// Delete removes the local copy of a key. Deletion is not propagated to
// peers.
func (s *FileServer) Delete(key string) error {
	return s.store.Delete(s.ID, crypto.HashKey(key))
}

// -------- Pending fetches --------

func (s *FileServer) addPendingFetch(hashedKey string) chan struct{} {
	s.fetchMu.Lock()
	defer s.fetchMu.Unlock()
	ch := make(chan struct{})
	s.pendingFetches[hashedKey] = ch
	return ch
}

func (s *FileServer) dropPendingFetch(hashedKey string) {
	s.fetchMu.Lock()
	defer s.fetchMu.Unlock()
	delete(s.pendingFetches, hashedKey)
}

// takePendingFetch claims the pending fetch for a key, if any. Claiming
// tells handleStoreFile the incoming stream answers one of our own GetFile
// requests.
func (s *FileServer) takePendingFetch(hashedKey string) chan struct{} {
	s.fetchMu.Lock()
	defer s.fetchMu.Unlock()
	ch, ok := s.pendingFetches[hashedKey]
	if !ok {
		return nil
	}
	delete(s.pendingFetches, hashedKey)
	return ch
}

// -------- Message loop --------

func (s *FileServer) loop() {
	defer close(s.loopDone)
	ch := s.Transport.Consume()
	for {
		rpc, ok := ch.Receive()
		if !ok {
			return
		}
		if err := s.handleRPC(rpc); err != nil {
			s.log.Errorf("[%s] handling message from %s: %v", s.Transport.Addr(), rpc.From, err)
		}
	}
}

func (s *FileServer) handleRPC(rpc p2p.RPC) error {
	var env Envelope
	if err := decodeStrict(rpc.Payload, &env); err != nil {
		s.disconnectPeer(rpc.From)
		return fmt.Errorf("malformed control message: %w", err)
	}

	switch env.Type {
	case TypeStoreFile:
		var payload StoreFilePayload
		if err := decodeStrict(env.Payload, &payload); err != nil {
			s.disconnectPeer(rpc.From)
			return fmt.Errorf("malformed StoreFile payload: %w", err)
		}
		return s.handleStoreFile(rpc.From, payload)
	case TypeGetFile:
		var payload GetFilePayload
		if err := decodeStrict(env.Payload, &payload); err != nil {
			s.disconnectPeer(rpc.From)
			return fmt.Errorf("malformed GetFile payload: %w", err)
		}
		return s.handleGetFile(rpc.From, payload)
	default:
		s.log.Warnf("[%s] dropping control message with unknown type %d from %s", s.Transport.Addr(), env.Type, rpc.From)
		return nil
	}
}

// disconnectPeer closes a misbehaving peer's connection; its reader exits
// and removes it from the table.
func (s *FileServer) disconnectPeer(addr string) {
	if peer, ok := s.Transport.Peer(addr); ok {
		peer.Close()
	}
}

// -------- Handlers --------

// handleStoreFile consumes the stream that follows a StoreFile control
// frame, decrypts it and files the blob under the origin node's id. The
// stream is self-delimiting: a u32 length for replication pushes, a u64 size
// when the blob answers one of our own GetFile requests. A stream that never
// opens, dies mid-transfer or disagrees with the advertised size is a
// protocol violation: the peer is disconnected, same as a fatal decode in
// the transport.
func (s *FileServer) handleStoreFile(from string, msg StoreFilePayload) error {
	peer, ok := s.Transport.Peer(from)
	if !ok {
		return fmt.Errorf("peer %s not found in peer table", from)
	}

	if err := peer.WaitStreamBegin(streamBeginWait); err != nil {
		s.disconnectPeer(from)
		return err
	}

	fetch := s.takePendingFetch(msg.Key)

	var size uint64
	if fetch != nil {
		var buf [8]byte
		if _, err := io.ReadFull(peer, buf[:]); err != nil {
			peer.CloseStream()
			s.disconnectPeer(from)
			return fmt.Errorf("reading stream size from %s: %w", from, err)
		}
		size = binary.BigEndian.Uint64(buf[:])
	} else {
		var buf [4]byte
		if _, err := io.ReadFull(peer, buf[:]); err != nil {
			peer.CloseStream()
			s.disconnectPeer(from)
			return fmt.Errorf("reading stream length from %s: %w", from, err)
		}
		size = uint64(binary.BigEndian.Uint32(buf[:]))
	}
	if size != msg.Size {
		peer.CloseStream()
		s.disconnectPeer(from)
		return fmt.Errorf("stream size %d does not match advertised %d for key %s", size, msg.Size, msg.Key)
	}

	encrypted := new(bytes.Buffer)
	if err := peer.ReadStream(encrypted, int64(size)); err != nil {
		peer.CloseStream()
		s.disconnectPeer(from)
		return fmt.Errorf("reading %d stream bytes from %s: %w", size, from, err)
	}

	plain := new(bytes.Buffer)
	if _, err := crypto.CopyDecrypt(s.EncKey, encrypted, plain); err != nil {
		return fmt.Errorf("decrypting blob %s from %s: %w", msg.Key, from, err)
	}

	n, err := s.store.Write(msg.ID, msg.Key, plain)
	if err != nil {
		return fmt.Errorf("storing blob %s: %w", msg.Key, err)
	}
	s.log.Infof("[%s] stored %d bytes for key %s from %s", s.Transport.Addr(), n, msg.Key, from)

	peer.CloseStream()
	if fetch != nil {
		close(fetch)
	}
	return nil
}

// handleGetFile serves a key back to a requesting peer. Files we inserted
// live under our own id; replicas we hold for the requester live under its
// origin id. The response is announced with a StoreFile control frame
// carrying the requester's origin id, so its store-file handler files the
// blob under its own id and subsequent gets are local.
func (s *FileServer) handleGetFile(from string, msg GetFilePayload) error {
	var ownerID string
	switch {
	case s.store.Has(s.ID, msg.Key):
		ownerID = s.ID
	case s.store.Has(msg.ID, msg.Key):
		ownerID = msg.ID
	default:
		return nil // silent miss
	}

	peer, ok := s.Transport.Peer(from)
	if !ok {
		return fmt.Errorf("peer %s not found in peer table", from)
	}

	size, r, err := s.store.Read(ownerID, msg.Key)
	if err != nil {
		return fmt.Errorf("reading blob %s: %w", msg.Key, err)
	}
	defer r.Close()

	encrypted := new(bytes.Buffer)
	encSize, err := crypto.CopyEncrypt(s.EncKey, r, encrypted)
	if err != nil {
		return fmt.Errorf("encrypting blob %s: %w", msg.Key, err)
	}

	notice, err := encodeMessage(TypeStoreFile, StoreFilePayload{ID: msg.ID, Key: msg.Key, Size: uint64(encSize)})
	if err != nil {
		return err
	}
	if err := s.sendControl(peer, notice); err != nil {
		return err
	}

	if err := peer.SendTag(p2p.IncomingStream); err != nil {
		return err
	}
	var sizeBuf [8]byte
	binary.BigEndian.PutUint64(sizeBuf[:], uint64(encSize))
	if err := peer.Send(sizeBuf[:]); err != nil {
		return err
	}
	if err := peer.WriteStream(encrypted.Bytes()); err != nil {
		return err
	}

	s.log.Infof("[%s] served %d bytes for key %s to %s", s.Transport.Addr(), size, msg.Key, from)
	return nil
}

// -------- Broadcast --------

// broadcast sends one control message to every connected peer. Per-peer
// failures are logged and skipped; it fails only when there were peers and
// none of them got the bytes.
func (s *FileServer) broadcast(msgType int, payload any) error {
	data, err := encodeMessage(msgType, payload)
	if err != nil {
		return err
	}

	peers := s.Transport.Peers()
	if len(peers) == 0 {
		return nil
	}

	success := 0
	for _, peer := range peers {
		if err := s.sendControl(peer, data); err != nil {
			s.log.Errorf("[%s] broadcast to %s failed: %v", s.Transport.Addr(), peer.RemoteAddr(), err)
			continue
		}
		success++
	}
	if success == 0 {
		return fmt.Errorf("broadcast reached none of %d peers", len(peers))
	}
	return nil
}

func (s *FileServer) sendControl(peer p2p.Peer, payload []byte) error {
	if err := peer.SendTag(p2p.IncomingMessage); err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if err := peer.Send(lenBuf[:]); err != nil {
		return err
	}
	return peer.Send(payload)
}
