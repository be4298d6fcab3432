// Package torrent implements the peer engine that ties storage,
// tracker announce, accept/dial, and per-peer sessions together
// (spec.md §4.7, component C7). Grounded on the teacher's transfer.go
// (connecter/tracker wiring) and torrent/start.go (startAcceptor),
// adapted from rain's internal torrent.Torrent/acceptor pair into a
// single Engine that owns one swarm for one torrent.
package torrent

import (
	"crypto/rand"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/gorain/internal/config"
	"github.com/cenkalti/gorain/internal/logger"
	"github.com/cenkalti/gorain/internal/metainfo"
	"github.com/cenkalti/gorain/internal/peer"
	"github.com/cenkalti/gorain/internal/storage"
	"github.com/cenkalti/gorain/internal/tracker"
	"github.com/cenkalti/gorain/internal/upnpforward"
	"golang.org/x/sync/semaphore"
)

// maxOutgoingDials bounds concurrent outbound handshake attempts,
// following transfer.go's connecter limit channel.
const maxOutgoingDials = 16

// Engine drives a single torrent's swarm: it owns storage, announces
// to the tracker once, accepts inbound connections, dials the peers
// the tracker returned, and bounds concurrent unchoked uploads with a
// counting semaphore.
type Engine struct {
	cfg      config.Config
	info     *metainfo.Info
	storage  *storage.Manager
	trClient *tracker.Client
	peerID   [20]byte

	listener  net.Listener
	forwarder upnpforward.Forwarder
	sem       *semaphore.Weighted

	sessionsMu sync.Mutex
	sessions   map[*peer.Session]struct{}

	log logger.Logger

	stopC    chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	completeOnce sync.Once
	completeC    chan struct{}
}

// New builds an Engine for a parsed torrent, opening (or resuming)
// the on-disk storage at dataPath.
func New(cfg config.Config, info *metainfo.Info, dataPath string) (*Engine, error) {
	store, err := storage.New(dataPath, info.TotalLength, info.PieceLength, info.PieceHashes)
	if err != nil {
		return nil, fmt.Errorf("torrent: %w", err)
	}

	var peerID [20]byte
	if err := newPeerID(&peerID); err != nil {
		store.Close()
		return nil, fmt.Errorf("torrent: %w", err)
	}

	forwarder := upnpforward.Forwarder(upnpforward.NewNoop())

	e := &Engine{
		cfg:       cfg,
		info:      info,
		storage:   store,
		trClient:  tracker.New(info.Announce, info.InfoHash, peerID, uint16(cfg.ListenPort)),
		peerID:    peerID,
		forwarder: forwarder,
		sem:       semaphore.NewWeighted(int64(cfg.UploadSlots)),
		sessions:  make(map[*peer.Session]struct{}),
		log:       logger.New("engine " + info.Name),
		stopC:     make(chan struct{}),
		completeC: make(chan struct{}),
	}
	return e, nil
}

// newPeerID fills id with a BEP 20-style client identifier followed by
// random bytes; crypto/rand is the only source needed for a one-off
// identifier, so no third-party dependency is warranted here.
func newPeerID(id *[20]byte) error {
	copy(id[:], "-GR0001-")
	_, err := rand.Read(id[8:])
	return err
}

// Storage implements peer.Engine.
func (e *Engine) Storage() *storage.Manager { return e.storage }

// ListenPort returns the TCP port the engine is actually listening on,
// which may differ from cfg.ListenPort when it was 0 (any free port).
// Valid only after Start has returned successfully.
func (e *Engine) ListenPort() int {
	if tcpAddr, ok := e.listener.Addr().(*net.TCPAddr); ok {
		return tcpAddr.Port
	}
	return 0
}

// TryAcquireUploadSlot implements peer.Engine.
func (e *Engine) TryAcquireUploadSlot() bool {
	return e.sem.TryAcquire(1)
}

// ReleaseUploadSlot implements peer.Engine.
func (e *Engine) ReleaseUploadSlot() {
	e.sem.Release(1)
}

// BroadcastHave implements peer.Engine: every live session except the
// one that delivered the piece is sent a have message in its own
// goroutine's write path via its own wire, so one slow peer cannot
// stall the broadcast to the others.
func (e *Engine) BroadcastHave(index uint32, except *peer.Session) {
	e.sessionsMu.Lock()
	targets := make([]*peer.Session, 0, len(e.sessions))
	for s := range e.sessions {
		if s != except {
			targets = append(targets, s)
		}
	}
	e.sessionsMu.Unlock()

	for _, s := range targets {
		go s.SendHave(index)
	}

	if e.storage.Complete() {
		e.completeOnce.Do(func() { close(e.completeC) })
	}
}

func (e *Engine) addSession(s *peer.Session) {
	e.sessionsMu.Lock()
	e.sessions[s] = struct{}{}
	e.sessionsMu.Unlock()
}

func (e *Engine) removeSession(s *peer.Session) {
	e.sessionsMu.Lock()
	delete(e.sessions, s)
	e.sessionsMu.Unlock()
}

// Start announces to the tracker, begins accepting inbound
// connections, and dials every peer the tracker returned. It returns
// after the accept listener is up, the single announce has finished,
// and a dial has been started for every returned peer; swarm activity
// continues in the background until Close or Wait observes completion.
func (e *Engine) Start() error {
	if err := e.startAcceptor(); err != nil {
		return err
	}
	if e.cfg.EnableUPnP {
		if err := e.forwarder.Forward(e.cfg.ListenPort); err != nil {
			e.log.Errorf("upnp: %v", err)
		}
	}

	peers, err := e.trClient.Announce(e.remaining(), e.listenIP())
	if err != nil {
		e.log.Errorf("tracker announce failed: %v", err)
	} else {
		e.log.Infof("tracker returned %d peers", len(peers))
		e.dialAll(peers)
	}
	return nil
}

// remaining computes the exact bytes left to download for the
// tracker's "left" field: total length minus the actual size of every
// piece already held, using PieceSize so a short final piece isn't
// over-counted.
func (e *Engine) remaining() int64 {
	bf := e.storage.Bitfield()
	var have int64
	for i, ok := range bf {
		if ok {
			have += e.storage.PieceSize(i)
		}
	}
	return e.storage.TotalLength() - have
}

func (e *Engine) listenIP() net.IP {
	if e.listener == nil {
		return nil
	}
	if tcpAddr, ok := e.listener.Addr().(*net.TCPAddr); ok {
		return tcpAddr.IP
	}
	return nil
}

func (e *Engine) startAcceptor() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", e.cfg.ListenPort))
	if err != nil {
		return fmt.Errorf("torrent: listen: %w", err)
	}
	e.listener = ln
	e.log.Noticef("listening for peers on %s", ln.Addr())

	e.wg.Add(1)
	go e.acceptLoop()
	return nil
}

func (e *Engine) acceptLoop() {
	defer e.wg.Done()
	for {
		conn, err := e.listener.Accept()
		if err != nil {
			select {
			case <-e.stopC:
				return
			default:
				e.log.Errorf("accept: %v", err)
				return
			}
		}
		e.wg.Add(1)
		go e.handleAccepted(conn)
	}
}

func (e *Engine) handleAccepted(conn net.Conn) {
	defer e.wg.Done()

	pcfg := e.peerConfig()
	wire, remoteID, err := peer.Accept(conn, e.info.InfoHash, e.peerID, pcfg)
	if err != nil {
		e.log.Debugf("inbound handshake failed from %s: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}
	if remoteID == e.peerID {
		wire.Close()
		return
	}
	e.runSession(wire, remoteID, false)
}

// dialAll attempts an outbound connection to every discovered peer,
// bounding concurrency the way transfer.go's connecter does with a
// buffered semaphore channel.
func (e *Engine) dialAll(peers []tracker.Peer) {
	limit := make(chan struct{}, maxOutgoingDials)
	for _, p := range peers {
		select {
		case <-e.stopC:
			return
		default:
		}
		limit <- struct{}{}
		e.wg.Add(1)
		go func(addr string) {
			defer e.wg.Done()
			defer func() { <-limit }()
			e.dialOne(addr)
		}(p.Addr())
	}
}

func (e *Engine) dialOne(addr string) {
	pcfg := e.peerConfig()
	wire, remoteID, err := peer.Dial(addr, e.info.InfoHash, e.peerID, pcfg)
	if err != nil {
		e.log.Debugf("dial %s failed: %v", addr, err)
		return
	}
	if remoteID == e.peerID {
		wire.Close()
		return
	}
	e.runSession(wire, remoteID, true)
}

func (e *Engine) peerConfig() peer.Config {
	return peer.Config{
		BlockSize:        e.cfg.BlockSize,
		ConnectTimeout:   e.cfg.HandshakeTimeout,
		UnchokeTimeout:   e.cfg.UnchokeTimeout,
		IdleTimeout:      e.cfg.IdleTimeout,
		EnableEncryption: e.cfg.EnableEncryption,
	}
}

func (e *Engine) runSession(conn net.Conn, remoteID [20]byte, outgoing bool) {
	s := peer.New(conn, remoteID, uint32(e.storage.NumPieces()), e.peerConfig(), e)
	e.addSession(s)
	defer e.removeSession(s)

	var err error
	if outgoing {
		err = s.RunClient()
	} else {
		err = s.RunServer()
	}
	if err != nil {
		e.log.Debugf("session with %s ended: %v", s.RemoteAddr(), err)
	}

	if e.storage.Complete() {
		e.completeOnce.Do(func() { close(e.completeC) })
	}
}

// Wait blocks until the download is complete, the engine is closed, or
// timeout elapses (zero means no timeout).
func (e *Engine) Wait(timeout time.Duration) bool {
	if timeout <= 0 {
		select {
		case <-e.completeC:
			return true
		case <-e.stopC:
			return false
		}
	}
	select {
	case <-e.completeC:
		return true
	case <-e.stopC:
		return false
	case <-time.After(timeout):
		return false
	}
}

// Close stops accepting/dialing, closes every live session, flushes
// and closes storage, and releases the UPnP mapping if any.
func (e *Engine) Close() error {
	e.stopOnce.Do(func() { close(e.stopC) })

	if e.listener != nil {
		e.listener.Close()
	}

	e.sessionsMu.Lock()
	sessions := make([]*peer.Session, 0, len(e.sessions))
	for s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.sessionsMu.Unlock()
	for _, s := range sessions {
		s.Close()
	}

	e.wg.Wait()

	_ = e.forwarder.Close()
	return e.storage.Close()
}
