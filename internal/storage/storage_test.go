package storage

import (
	"crypto/sha1" //nolint:gosec
	"os"
	"path/filepath"
	"testing"
)

func writeTestFile(t *testing.T, data []byte) (path string, hashes [][20]byte) {
	t.Helper()
	dir := t.TempDir()
	path = filepath.Join(dir, "content")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path, nil
}

func hashPieces(data []byte, pieceLength int) [][20]byte {
	var hashes [][20]byte
	for i := 0; i < len(data); i += pieceLength {
		end := i + pieceLength
		if end > len(data) {
			end = len(data)
		}
		hashes = append(hashes, sha1.Sum(data[i:end])) //nolint:gosec
	}
	return hashes
}

func TestResumeScanBuildsBitfield(t *testing.T) {
	data := make([]byte, 40000)
	for i := range data {
		data[i] = byte(i)
	}
	const pieceLength = 32768
	hashes := hashPieces(data, pieceLength)

	path, _ := writeTestFile(t, data)
	m, err := New(path, int64(len(data)), pieceLength, hashes)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	if !m.Complete() {
		t.Fatal("expected fully valid file to resume as complete")
	}
	bf := m.Bitfield()
	if len(bf) != 2 || !bf[0] || !bf[1] {
		t.Fatalf("expected both pieces valid, got %v", bf)
	}
}

func TestResumePartialFile(t *testing.T) {
	data := make([]byte, 40000)
	for i := range data {
		data[i] = byte(i)
	}
	const pieceLength = 32768
	hashes := hashPieces(data, pieceLength)

	// Corrupt the second piece on disk.
	corrupted := make([]byte, len(data))
	copy(corrupted, data)
	corrupted[32768] ^= 0xFF

	path, _ := writeTestFile(t, corrupted)
	m, err := New(path, int64(len(data)), pieceLength, hashes)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	bf := m.Bitfield()
	if !bf[0] || bf[1] {
		t.Fatalf("expected piece 0 valid and piece 1 invalid, got %v", bf)
	}
}

func TestClaimNeededPieceFIFOAndExclusivity(t *testing.T) {
	data := []byte("0123456789") // differs from the zeroed file, so both pieces are needed
	hashes := hashPieces(data, 5)
	path, _ := writeTestFile(t, make([]byte, 10))
	m, err := New(path, 10, 5, hashes)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	peerHas := []bool{true, true}
	idx, ok := m.ClaimNeededPiece(peerHas)
	if !ok || idx != 0 {
		t.Fatalf("expected to claim piece 0, got %d %v", idx, ok)
	}
	// Piece 0 is now in-flight; a second claim must skip it.
	idx2, ok := m.ClaimNeededPiece(peerHas)
	if !ok || idx2 != 1 {
		t.Fatalf("expected to claim piece 1, got %d %v", idx2, ok)
	}
	// Nothing left.
	if _, ok := m.ClaimNeededPiece(peerHas); ok {
		t.Fatal("expected no piece available")
	}
	m.ReleasePiece(0)
	idx3, ok := m.ClaimNeededPiece(peerHas)
	if !ok || idx3 != 0 {
		t.Fatalf("expected to re-claim released piece 0, got %d %v", idx3, ok)
	}
}

func TestWritePieceDurableAndReadBack(t *testing.T) {
	pieceLength := 8
	piece0 := []byte("AAAAAAAA")
	piece1 := []byte("BBBBBBBB")
	hashes := [][20]byte{sha1.Sum(piece0), sha1.Sum(piece1)} //nolint:gosec

	path, _ := writeTestFile(t, make([]byte, 16))
	m, err := New(path, 16, int64(pieceLength), hashes)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	if !m.ValidatePieceData(0, piece0) {
		t.Fatal("expected piece0 to validate")
	}
	if err := m.WritePiece(0, piece0); err != nil {
		t.Fatal(err)
	}
	got, err := m.ReadBlock(0, 0, int64(len(piece0)))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(piece0) {
		t.Fatalf("got %q want %q", got, piece0)
	}
	bf := m.Bitfield()
	if !bf[0] {
		t.Fatal("expected bitfield[0] true after write")
	}
}

func TestValidatePieceDataRejectsCorruption(t *testing.T) {
	piece0 := []byte("hello!!!")
	hashes := [][20]byte{sha1.Sum(piece0)} //nolint:gosec
	path, _ := writeTestFile(t, make([]byte, 8))
	m, err := New(path, 8, 8, hashes)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	if m.ValidatePieceData(0, []byte("goodbye!")) {
		t.Fatal("expected corrupted data to fail validation")
	}
}

func TestNewFailsOnSizeMismatch(t *testing.T) {
	path, _ := writeTestFile(t, make([]byte, 5))
	_, err := New(path, 10, 5, [][20]byte{{}, {}})
	if err == nil {
		t.Fatal("expected size mismatch error")
	}
}
