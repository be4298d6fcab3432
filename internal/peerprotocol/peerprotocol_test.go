package peerprotocol

import (
	"bytes"
	"io"
	"testing"
)

func TestHandshakeRoundTrip(t *testing.T) {
	var infoHash, peerID [20]byte
	for i := range infoHash {
		infoHash[i] = byte(i)
	}
	for i := range peerID {
		peerID[i] = byte(20 + i)
	}

	var buf bytes.Buffer
	if err := WriteHandshake(&buf, infoHash, peerID); err != nil {
		t.Fatal(err)
	}
	gotID, err := ReadHandshake(&buf, infoHash)
	if err != nil {
		t.Fatal(err)
	}
	if gotID != peerID {
		t.Fatalf("got %v want %v", gotID, peerID)
	}
}

func TestHandshakeCorruption(t *testing.T) {
	var infoHash, peerID [20]byte
	infoHash[0] = 0xAB

	var buf bytes.Buffer
	if err := WriteHandshake(&buf, infoHash, peerID); err != nil {
		t.Fatal(err)
	}
	raw := buf.Bytes()

	// Corrupt the protocol string literal.
	corrupted := append([]byte(nil), raw...)
	corrupted[5] ^= 0xFF
	if _, err := ReadHandshake(bytes.NewReader(corrupted), infoHash); err != ErrInvalidProtocol {
		t.Fatalf("expected ErrInvalidProtocol, got %v", err)
	}

	// Corrupt the length byte.
	corrupted = append([]byte(nil), raw...)
	corrupted[0] = 0x12
	if _, err := ReadHandshake(bytes.NewReader(corrupted), infoHash); err != ErrInvalidProtocol {
		t.Fatalf("expected ErrInvalidProtocol, got %v", err)
	}

	// Corrupt a bit of info_hash.
	corrupted = append([]byte(nil), raw...)
	corrupted[28] ^= 0x01
	if _, err := ReadHandshake(bytes.NewReader(corrupted), infoHash); err != ErrInfoHashMismatch {
		t.Fatalf("expected ErrInfoHashMismatch, got %v", err)
	}
}

func TestMessageRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := EncodeRequest(1, 16384, 16384)
	if err := WriteMessage(&buf, Request, payload); err != nil {
		t.Fatal(err)
	}
	msg, err := ReadMessage(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if msg.ID != int(Request) {
		t.Fatalf("got id %d want %d", msg.ID, Request)
	}
	index, begin, length, ok := DecodeRequest(msg.Payload)
	if !ok || index != 1 || begin != 16384 || length != 16384 {
		t.Fatalf("decode mismatch: %d %d %d %v", index, begin, length, ok)
	}
}

func TestKeepAlive(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteKeepAlive(&buf); err != nil {
		t.Fatal(err)
	}
	msg, err := ReadMessage(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if msg.ID != KeepAliveID {
		t.Fatalf("expected keep-alive id, got %d", msg.ID)
	}
}

func TestEOFIsNormalTermination(t *testing.T) {
	_, err := ReadMessage(bytes.NewReader(nil))
	if err != io.EOF {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestLengthPrefixIsOnePlusPayload(t *testing.T) {
	// Regression test for the source's over-counted length prefix on one
	// message type (len(payload + id byte) instead of 1 + len(payload)).
	var buf bytes.Buffer
	block := make([]byte, 100)
	payload := EncodePiece(0, 0, block)
	if err := WriteMessage(&buf, Piece, payload); err != nil {
		t.Fatal(err)
	}
	raw := buf.Bytes()
	gotLength := int(raw[0])<<24 | int(raw[1])<<16 | int(raw[2])<<8 | int(raw[3])
	wantLength := 1 + len(payload)
	if gotLength != wantLength {
		t.Fatalf("length prefix got %d want %d", gotLength, wantLength)
	}
}

func TestReadMessageRejectsOversizedLength(t *testing.T) {
	var lenBuf [4]byte
	lenBuf[0], lenBuf[1], lenBuf[2], lenBuf[3] = 0xFF, 0xFF, 0xFF, 0xFF
	_, err := ReadMessage(bytes.NewReader(lenBuf[:]))
	if err == nil {
		t.Fatal("expected an error for an oversized length prefix")
	}
}

func TestHaveRoundTrip(t *testing.T) {
	payload := EncodeHave(42)
	index, ok := DecodeHave(payload)
	if !ok || index != 42 {
		t.Fatalf("got %d %v want 42 true", index, ok)
	}
	if _, ok := DecodeHave([]byte{1, 2, 3}); ok {
		t.Fatal("expected malformed have payload to be rejected")
	}
}

func TestPieceRoundTrip(t *testing.T) {
	block := []byte("hello world")
	payload := EncodePiece(5, 100, block)
	index, begin, got, ok := DecodePiece(payload)
	if !ok || index != 5 || begin != 100 || !bytes.Equal(got, block) {
		t.Fatalf("decode mismatch: %d %d %q %v", index, begin, got, ok)
	}
}
