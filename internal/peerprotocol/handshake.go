package peerprotocol

import (
	"errors"
	"io"
)

// pstr is the fixed BitTorrent 1.0 protocol string.
const pstr = "BitTorrent protocol"

// HandshakeLength is the fixed size of the handshake message on the wire:
// 1 (pstrlen) + 19 (pstr) + 8 (reserved) + 20 (info_hash) + 20 (peer_id).
const HandshakeLength = 1 + len(pstr) + 8 + 20 + 20

var (
	// ErrInvalidProtocol is returned when the pstrlen/pstr prefix does not match.
	ErrInvalidProtocol = errors.New("peerprotocol: invalid protocol string")
	// ErrInfoHashMismatch is returned when the remote's info_hash does not match ours.
	ErrInfoHashMismatch = errors.New("peerprotocol: info_hash mismatch")
)

// WriteHandshake encodes the fixed 68-byte handshake.
func WriteHandshake(w io.Writer, infoHash, peerID [20]byte) error {
	var buf [HandshakeLength]byte
	buf[0] = byte(len(pstr))
	copy(buf[1:], pstr)
	// bytes 20..28 are the reserved bytes, left zero.
	copy(buf[28:48], infoHash[:])
	copy(buf[48:68], peerID[:])
	_, err := w.Write(buf[:])
	return err
}

// ReadHandshake reads and validates a handshake, returning the remote peer_id.
// It fails unless the pstrlen/pstr prefix matches and the received info_hash
// equals localInfoHash.
func ReadHandshake(r io.Reader, localInfoHash [20]byte) (peerID [20]byte, err error) {
	var buf [HandshakeLength]byte
	if _, err = io.ReadFull(r, buf[:]); err != nil {
		return peerID, err
	}
	if buf[0] != byte(len(pstr)) || string(buf[1:1+len(pstr)]) != pstr {
		return peerID, ErrInvalidProtocol
	}
	var gotHash [20]byte
	copy(gotHash[:], buf[28:48])
	if gotHash != localInfoHash {
		return peerID, ErrInfoHashMismatch
	}
	copy(peerID[:], buf[48:68])
	return peerID, nil
}
