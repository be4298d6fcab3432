package peerprotocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Message is a decoded peer-wire message: an id and its raw payload.
// A KeepAlive is represented with ID -1 and a nil payload.
type Message struct {
	ID      int
	Payload []byte
}

// KeepAliveID marks a zero-length keep-alive message, which carries no id.
const KeepAliveID = -1

// MaxMessageLength bounds the accepted length prefix: comfortably above
// the largest legitimate message this engine sends or expects (a piece
// message carrying one block, 8-byte header included, plus headroom for
// bitfields of any realistically sized single-file torrent). A peer
// advertising a length beyond this is rejected before any allocation,
// per spec.md §7.2's "oversized length field" protocol violation.
const MaxMessageLength = 1 << 17 // 128 KiB

// ReadMessage reads one length-prefixed message from r. length == 0 is a
// keep-alive and is returned as (Message{ID: KeepAliveID}, nil), not an
// error. io.EOF is returned verbatim as a normal termination signal.
//
// It reads exactly length-1 payload bytes after the id byte (the wire
// format defines length as 1+len(payload)); short reads are retried via
// io.ReadFull until full or until the connection is closed. A length
// exceeding MaxMessageLength is rejected without allocating a buffer.
func ReadMessage(r io.Reader) (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Message{}, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return Message{ID: KeepAliveID}, nil
	}
	if length > MaxMessageLength {
		return Message{}, fmt.Errorf("peerprotocol: oversized message length %d exceeds maximum %d", length, MaxMessageLength)
	}

	var idBuf [1]byte
	if _, err := io.ReadFull(r, idBuf[:]); err != nil {
		return Message{}, err
	}

	payloadLen := length - 1
	var payload []byte
	if payloadLen > 0 {
		payload = make([]byte, payloadLen)
		if _, err := io.ReadFull(r, payload); err != nil {
			return Message{}, err
		}
	}
	return Message{ID: int(idBuf[0]), Payload: payload}, nil
}

// WriteMessage writes a length-prefixed message. length is always
// 1 + len(payload); the source this engine descends from once computed
// this as len(payload + idByte) for one message type, which over-counts
// by one — that bug is not reproduced here.
func WriteMessage(w io.Writer, id MessageID, payload []byte) error {
	length := uint32(1 + len(payload))
	buf := make([]byte, 4+1+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(id)
	copy(buf[5:], payload)
	_, err := w.Write(buf)
	return err
}

// WriteKeepAlive writes a zero-length keep-alive message.
func WriteKeepAlive(w io.Writer) error {
	var buf [4]byte
	_, err := w.Write(buf[:])
	return err
}

// EncodeHave builds the 4-byte big-endian payload for a "have" message.
func EncodeHave(index uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], index)
	return b[:]
}

// DecodeHave parses the payload of a "have" message.
func DecodeHave(payload []byte) (index uint32, ok bool) {
	if len(payload) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(payload), true
}

// EncodeRequest builds the 12-byte payload for "request"/"cancel" messages.
func EncodeRequest(index, begin, length uint32) []byte {
	b := make([]byte, 12)
	binary.BigEndian.PutUint32(b[0:4], index)
	binary.BigEndian.PutUint32(b[4:8], begin)
	binary.BigEndian.PutUint32(b[8:12], length)
	return b
}

// DecodeRequest parses the payload of a "request" message.
func DecodeRequest(payload []byte) (index, begin, length uint32, ok bool) {
	if len(payload) != 12 {
		return 0, 0, 0, false
	}
	return binary.BigEndian.Uint32(payload[0:4]),
		binary.BigEndian.Uint32(payload[4:8]),
		binary.BigEndian.Uint32(payload[8:12]),
		true
}

// EncodePiece builds the payload for a "piece" message: index, begin, then block.
func EncodePiece(index, begin uint32, block []byte) []byte {
	b := make([]byte, 8+len(block))
	binary.BigEndian.PutUint32(b[0:4], index)
	binary.BigEndian.PutUint32(b[4:8], begin)
	copy(b[8:], block)
	return b
}

// DecodePiece parses the payload of a "piece" message.
func DecodePiece(payload []byte) (index, begin uint32, block []byte, ok bool) {
	if len(payload) < 8 {
		return 0, 0, nil, false
	}
	return binary.BigEndian.Uint32(payload[0:4]),
		binary.BigEndian.Uint32(payload[4:8]),
		payload[8:],
		true
}

// EncodeBitfield builds the payload for a "bitfield" message from packed bytes.
func EncodeBitfield(packed []byte) []byte {
	out := make([]byte, len(packed))
	copy(out, packed)
	return out
}
