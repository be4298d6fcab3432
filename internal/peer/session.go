// Package peer implements the per-connection protocol state machine
// described in spec.md §4.6: optional encrypted wrap, then handshake (both
// done by Dial/Accept) -> bitfield exchange -> role-specific choke/interest/
// request loop. A Session owns all per-peer state; no state is shared
// across sessions except through the Engine interface (storage and the
// upload-slot semaphore), matching spec.md's correction of the source's
// engine-scoped peer maps (spec.md §9).
package peer

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/gorain/internal/bitfield"
	"github.com/cenkalti/gorain/internal/logger"
	"github.com/cenkalti/gorain/internal/peerprotocol"
	"github.com/cenkalti/gorain/internal/piece"
	"github.com/cenkalti/gorain/internal/storage"
)

// Engine is the callback surface a Session needs from its owning engine:
// shared storage and the upload-slot semaphore. This is the only
// cross-session coordination point (spec.md §5).
type Engine interface {
	Storage() *storage.Manager
	TryAcquireUploadSlot() bool
	ReleaseUploadSlot()
	BroadcastHave(index uint32, except *Session)
}

// Session is one peer connection's protocol state. Created on accept or
// successful dial+handshake; destroyed on unrecoverable I/O error,
// exhaustion of useful pieces, or engine shutdown.
type Session struct {
	conn         net.Conn
	RemotePeerID [20]byte

	remoteBitfield []bool

	amChoking      bool
	amInterested   bool
	peerChoking    bool
	peerInterested bool

	uploadSlotHeld bool

	numPieces uint32
	cfg       Config
	engine    Engine
	log       logger.Logger

	writeMu sync.Mutex
}

// New wraps an already-handshaken connection into a Session.
func New(conn net.Conn, remotePeerID [20]byte, numPieces uint32, cfg Config, engine Engine) *Session {
	return &Session{
		conn:           conn,
		RemotePeerID:   remotePeerID,
		remoteBitfield: make([]bool, numPieces),
		amChoking:      true,
		peerChoking:    true,
		numPieces:      numPieces,
		cfg:            cfg,
		engine:         engine,
		log:            logger.New("peer " + conn.RemoteAddr().String()),
	}
}

// RemoteAddr returns the underlying connection's remote address string.
func (s *Session) RemoteAddr() string { return s.conn.RemoteAddr().String() }

// Close releases any held upload slot and closes the connection.
func (s *Session) Close() {
	s.releaseSlot()
	s.conn.Close()
}

func (s *Session) releaseSlot() {
	if s.uploadSlotHeld {
		s.engine.ReleaseUploadSlot()
		s.uploadSlotHeld = false
	}
}

func localBitfieldMessage(bits []bool) []byte {
	bf := bitfield.New(uint32(len(bits)))
	for i, v := range bits {
		if v {
			bf.Set(uint32(i))
		}
	}
	return peerprotocol.EncodeBitfield(bf.Bytes())
}

// writeMessage serializes writes to the connection: the session's own
// read/react loop writes responses from its single goroutine, but
// BroadcastHave delivers have messages from the engine's goroutine, so
// every write must take this lock.
func (s *Session) writeMessage(id peerprotocol.MessageID, payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return peerprotocol.WriteMessage(s.conn, id, payload)
}

// SendHave delivers a have message for index to this peer. Safe to
// call concurrently with the session's own run loop.
func (s *Session) SendHave(index uint32) {
	if err := s.writeMessage(peerprotocol.Have, peerprotocol.EncodeHave(index)); err != nil {
		s.log.Debugf("failed to send have(%d): %v", index, err)
	}
}

func (s *Session) sendBitfield() error {
	payload := localBitfieldMessage(s.engine.Storage().Bitfield())
	return s.writeMessage(peerprotocol.Bitfield, payload)
}

func (s *Session) recvBitfield() error {
	msg, err := peerprotocol.ReadMessage(s.conn)
	if err != nil {
		return err
	}
	if msg.ID != int(peerprotocol.Bitfield) {
		return fmt.Errorf("peer: expected bitfield message, got id %d", msg.ID)
	}
	if uint32(len(msg.Payload)) != bitfield.NumBytes(s.numPieces) {
		return fmt.Errorf("peer: invalid bitfield length %d, want %d", len(msg.Payload), bitfield.NumBytes(s.numPieces))
	}
	bf := bitfield.NewBytes(msg.Payload, s.numPieces)
	for i := uint32(0); i < s.numPieces; i++ {
		s.remoteBitfield[i] = bf.Test(i)
	}
	return nil
}

// exchangeBitfieldServer: server-role (we accepted) sends first, then receives.
func (s *Session) exchangeBitfieldServer() error {
	if err := s.sendBitfield(); err != nil {
		return err
	}
	return s.recvBitfield()
}

// exchangeBitfieldClient: client-role (we dialed) receives first, then sends.
func (s *Session) exchangeBitfieldClient() error {
	if err := s.recvBitfield(); err != nil {
		return err
	}
	return s.sendBitfield()
}

func (s *Session) applyHave(payload []byte) {
	idx, ok := peerprotocol.DecodeHave(payload)
	if !ok || idx >= s.numPieces {
		s.log.Error("malformed or out-of-range have message")
		return
	}
	s.remoteBitfield[idx] = true
}

// RunServer implements the server-role loop of spec.md §4.6: after
// bitfield exchange, react to interested/request/not-interested/have
// until the peer closes, sends not-interested, or the idle timeout
// (spec.md §5, 60s) elapses.
func (s *Session) RunServer() error {
	defer s.Close()

	if err := s.exchangeBitfieldServer(); err != nil {
		return err
	}

	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout)); err != nil {
			return err
		}
		msg, err := peerprotocol.ReadMessage(s.conn)
		if err != nil {
			return err
		}
		if msg.ID == peerprotocol.KeepAliveID {
			continue
		}

		switch peerprotocol.MessageID(msg.ID) {
		case peerprotocol.Interested:
			s.peerInterested = true
			if s.amChoking {
				if s.engine.TryAcquireUploadSlot() {
					s.uploadSlotHeld = true
					s.amChoking = false
					if err := s.writeMessage(peerprotocol.Unchoke, nil); err != nil {
						return err
					}
				} else if err := s.writeMessage(peerprotocol.Choke, nil); err != nil {
					return err
				}
			}
		case peerprotocol.NotInterested:
			s.peerInterested = false
			return nil
		case peerprotocol.Request:
			index, begin, length, ok := peerprotocol.DecodeRequest(msg.Payload)
			if !ok {
				s.log.Error("malformed request message")
				continue
			}
			if s.amChoking {
				// Requests from a choked peer are refused without disconnecting.
				continue
			}
			block, err := s.engine.Storage().ReadBlock(int(index), int64(begin), int64(length))
			if err != nil {
				s.log.Error(err)
				continue
			}
			if err := s.writeMessage(peerprotocol.Piece, peerprotocol.EncodePiece(index, begin, block)); err != nil {
				return err
			}
		case peerprotocol.Have:
			s.applyHave(msg.Payload)
		case peerprotocol.Choke:
			s.peerChoking = true
		case peerprotocol.Unchoke:
			s.peerChoking = false
		default:
			s.log.Debugf("unhandled server-side message id %d", msg.ID)
		}
	}
}

// errNothingNeeded signals that the remote has nothing we need.
var errNothingNeeded = errors.New("peer: remote has nothing we need")

// RunClient implements the client-role loop of spec.md §4.6: probe for a
// useful piece, send interested, wait for unchoke, then repeatedly claim
// and download pieces until nothing remains.
func (s *Session) RunClient() error {
	defer s.Close()

	if err := s.exchangeBitfieldClient(); err != nil {
		return err
	}

	store := s.engine.Storage()

	probe, ok := store.ClaimNeededPiece(s.remoteBitfield)
	if !ok {
		_ = s.writeMessage(peerprotocol.NotInterested, nil)
		return errNothingNeeded
	}
	store.ReleasePiece(probe)

	if err := s.writeMessage(peerprotocol.Interested, nil); err != nil {
		return err
	}
	s.amInterested = true

	if err := s.waitForUnchoke(s.cfg.UnchokeTimeout); err != nil {
		return err
	}

	for {
		index, ok := store.ClaimNeededPiece(s.remoteBitfield)
		if !ok {
			return nil
		}
		if err := s.downloadPiece(store, index); err != nil {
			store.ReleasePiece(index)
			return err
		}
	}
}

// waitForUnchoke blocks, processing incidental messages, until an unchoke
// is received or timeout elapses.
func (s *Session) waitForUnchoke(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if err := s.conn.SetReadDeadline(deadline); err != nil {
			return err
		}
		msg, err := peerprotocol.ReadMessage(s.conn)
		if err != nil {
			return err
		}
		if msg.ID == peerprotocol.KeepAliveID {
			continue
		}
		switch peerprotocol.MessageID(msg.ID) {
		case peerprotocol.Unchoke:
			s.peerChoking = false
			return nil
		case peerprotocol.Choke:
			s.peerChoking = true
		case peerprotocol.Have:
			s.applyHave(msg.Payload)
		}
	}
}

// downloadPiece requests every block of index back-to-back, then reads
// messages until the piece is complete, honoring choke/unchoke and have
// along the way. Completion: on successful digest validation, write
// through storage and broadcast have; on a hash mismatch, discard and
// release the claim so it can be re-offered, without treating this as a
// session error. Only I/O errors propagate to the caller.
func (s *Session) downloadPiece(store *storage.Manager, index int) error {
	size := store.PieceSize(index)
	p := piece.New(uint32(index), uint32(size), s.cfg.BlockSize)

	for _, offset := range p.BlockOffsets() {
		length := p.BlockLength(offset)
		req := peerprotocol.EncodeRequest(uint32(index), offset, length)
		if err := s.writeMessage(peerprotocol.Request, req); err != nil {
			return err
		}
	}

	for !p.IsComplete() {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout)); err != nil {
			return err
		}
		msg, err := peerprotocol.ReadMessage(s.conn)
		if err != nil {
			return err
		}
		if msg.ID == peerprotocol.KeepAliveID {
			continue
		}

		switch peerprotocol.MessageID(msg.ID) {
		case peerprotocol.Piece:
			idx, begin, block, ok := peerprotocol.DecodePiece(msg.Payload)
			if !ok || idx != uint32(index) {
				continue
			}
			p.StoreBlock(begin, block)
		case peerprotocol.Choke:
			s.peerChoking = true
			if err := s.waitForUnchoke(s.cfg.UnchokeTimeout); err != nil {
				return err
			}
		case peerprotocol.Unchoke:
			s.peerChoking = false
		case peerprotocol.Have:
			s.applyHave(msg.Payload)
		case peerprotocol.Bitfield:
			// Unexpected mid-stream; ignore rather than disconnect.
		default:
			s.log.Debugf("unhandled client-side message id %d", msg.ID)
		}
	}

	data := p.Reassemble()
	if !store.ValidatePieceData(index, data) {
		s.log.Errorf("hash mismatch on piece %d", index)
		store.ReleasePiece(index)
		return nil
	}
	if err := store.WritePiece(index, data); err != nil {
		return err
	}
	s.engine.BroadcastHave(uint32(index), s)
	return nil
}
