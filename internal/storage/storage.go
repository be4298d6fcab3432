// Package storage backs the downloaded content file on disk and owns
// the piece-validity bitfield and the in-flight claim set. It is the
// single assignment authority for piece scheduling: PeerSession never
// maintains its own view of what is claimed. Grounded on SkyTorrent's
// core/storage_manager.py, generalized to be thread-safe the way
// spec.md §4.2 requires.
package storage

import (
	"crypto/sha1" //nolint:gosec // content-addressing digest mandated by the wire format, not a security boundary
	"fmt"
	"os"
	"sync"

	"github.com/cenkalti/gorain/internal/logger"
)

// Manager backs one torrent's content file and tracks which pieces are
// valid, which are currently assigned to some session, and validates
// and writes pieces durably.
type Manager struct {
	file         *os.File
	totalLength  int64
	pieceLength  int64
	pieceHashes  [][20]byte
	numPieces    int

	mu        sync.Mutex
	bitfield  []bool
	inFlight  map[int]bool

	log logger.Logger
}

// New opens (creating if necessary) the file at path and scans it to
// build the initial bitfield by validating each piece region's digest
// against pieceHashes. If path already exists with a different size
// than totalLength, New fails — this is a fatal storage error per
// spec.md §7.
func New(path string, totalLength, pieceLength int64, pieceHashes [][20]byte) (*Manager, error) {
	if err := prepareFile(path, totalLength); err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}

	m := &Manager{
		file:        f,
		totalLength: totalLength,
		pieceLength: pieceLength,
		pieceHashes: pieceHashes,
		numPieces:   len(pieceHashes),
		inFlight:    make(map[int]bool),
		log:         logger.New("storage"),
	}
	m.bitfield, err = m.buildBitfield()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("storage: %w", err)
	}
	valid := 0
	for _, v := range m.bitfield {
		if v {
			valid++
		}
	}
	m.log.Infof("bitfield built: %d/%d pieces valid", valid, m.numPieces)
	return m, nil
}

func prepareFile(path string, totalLength int64) error {
	fi, err := os.Stat(path)
	switch {
	case os.IsNotExist(err):
		f, cerr := os.Create(path)
		if cerr != nil {
			return cerr
		}
		defer f.Close()
		return f.Truncate(totalLength)
	case err != nil:
		return err
	case fi.Size() != totalLength:
		return fmt.Errorf("file size mismatch: expected %d, found %d", totalLength, fi.Size())
	default:
		return nil
	}
}

func (m *Manager) pieceRegion(index int) (offset, length int64) {
	offset = int64(index) * m.pieceLength
	length = m.pieceLength
	if offset+length > m.totalLength {
		length = m.totalLength - offset
	}
	return offset, length
}

func (m *Manager) buildBitfield() ([]bool, error) {
	bf := make([]bool, m.numPieces)
	for i := 0; i < m.numPieces; i++ {
		offset, length := m.pieceRegion(i)
		buf := make([]byte, length)
		if _, err := m.file.ReadAt(buf, offset); err != nil {
			return nil, err
		}
		digest := sha1.Sum(buf) //nolint:gosec
		bf[i] = digest == m.pieceHashes[i]
	}
	return bf, nil
}

// NumPieces returns the total number of pieces in the torrent.
func (m *Manager) NumPieces() int { return m.numPieces }

// PieceLength returns the nominal (non-final) piece size in bytes.
func (m *Manager) PieceLength() int64 { return m.pieceLength }

// TotalLength returns the full content length in bytes.
func (m *Manager) TotalLength() int64 { return m.totalLength }

// PieceSize returns the actual size of piece index, accounting for a
// possibly-short final piece.
func (m *Manager) PieceSize(index int) int64 {
	_, length := m.pieceRegion(index)
	return length
}

// Bitfield returns a snapshot copy of the validity bitfield.
func (m *Manager) Bitfield() []bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]bool, len(m.bitfield))
	copy(out, m.bitfield)
	return out
}

// Complete reports whether every piece has been validated.
func (m *Manager) Complete() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.bitfield {
		if !v {
			return false
		}
	}
	return true
}

// ClaimNeededPiece returns, under the storage mutex, the smallest index i
// such that peerBitfield[i] is true, our bitfield[i] is false, and i is
// not already in flight. It marks the index in-flight before returning.
// Selection is ascending-index FIFO, not rarest-first (spec.md §4.2, §9).
func (m *Manager) ClaimNeededPiece(peerBitfield []bool) (index int, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < m.numPieces && i < len(peerBitfield); i++ {
		if peerBitfield[i] && !m.bitfield[i] && !m.inFlight[i] {
			m.inFlight[i] = true
			return i, true
		}
	}
	return 0, false
}

// ReleasePiece removes index from the in-flight set. Idempotent.
func (m *Manager) ReleasePiece(index int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inFlight, index)
}

// ValidatePieceData reports whether data's digest matches the expected
// hash for piece index.
func (m *Manager) ValidatePieceData(index int, data []byte) bool {
	digest := sha1.Sum(data) //nolint:gosec
	return digest == m.pieceHashes[index]
}

// WritePiece seeks to the piece's offset, writes data, flushes, and
// fsyncs before marking the piece done. The caller must have already
// called ValidatePieceData successfully.
func (m *Manager) WritePiece(index int, data []byte) error {
	offset := int64(index) * m.pieceLength
	if _, err := m.file.WriteAt(data, offset); err != nil {
		return fmt.Errorf("storage: write piece %d: %w", index, err)
	}
	if err := m.file.Sync(); err != nil {
		return fmt.Errorf("storage: sync piece %d: %w", index, err)
	}
	m.markPieceDone(index)
	return nil
}

func (m *Manager) markPieceDone(index int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bitfield[index] = true
	delete(m.inFlight, index)
}

// ReadBlock performs a positional read of length bytes at (index, begin).
// It does not take the storage mutex: file I/O may proceed in parallel
// with bitfield/in-flight mutations.
func (m *Manager) ReadBlock(index int, begin, length int64) ([]byte, error) {
	offset := int64(index)*m.pieceLength + begin
	buf := make([]byte, length)
	n, err := m.file.ReadAt(buf, offset)
	if err != nil && n < len(buf) {
		return nil, fmt.Errorf("storage: read block index=%d begin=%d length=%d: %w", index, begin, length, err)
	}
	return buf, nil
}

// Close flushes and closes the backing file.
func (m *Manager) Close() error {
	m.log.Info("closing storage, final flush")
	if err := m.file.Sync(); err != nil {
		return err
	}
	return m.file.Close()
}
