// Package piece accumulates the blocks of a single in-flight piece and
// reassembles them once complete. Grounded on SkyTorrent's core/piece.py
// and on rain/peer.go's block bookkeeping.
package piece

import "sort"

// Piece buffers the blocks of one piece currently being downloaded.
// It is owned by a single PeerSession; it is never shared across peers.
type Piece struct {
	Index         uint32
	TotalLength   uint32
	BlockSize     uint32
	blocks        map[uint32][]byte
	receivedBytes uint32
}

// New creates a Piece of totalLength bytes (which may be shorter than the
// torrent's nominal piece length for the last piece), downloaded in blocks
// of at most blockSize bytes.
func New(index, totalLength, blockSize uint32) *Piece {
	return &Piece{
		Index:       index,
		TotalLength: totalLength,
		BlockSize:   blockSize,
		blocks:      make(map[uint32][]byte),
	}
}

// StoreBlock records the first arrival for a given offset. Duplicate
// arrivals for the same offset are silently ignored; the caller is
// responsible for validating the offset against TotalLength.
func (p *Piece) StoreBlock(offset uint32, data []byte) {
	if _, ok := p.blocks[offset]; ok {
		return
	}
	p.blocks[offset] = data
	p.receivedBytes += uint32(len(data))
}

// IsComplete reports whether every byte of the piece has arrived.
func (p *Piece) IsComplete() bool {
	return p.receivedBytes >= p.TotalLength
}

// Reassemble concatenates all blocks in ascending offset order. Calling
// it before IsComplete is a programming error and panics.
func (p *Piece) Reassemble() []byte {
	if !p.IsComplete() {
		panic("piece: Reassemble called before piece is complete")
	}
	offsets := make([]uint32, 0, len(p.blocks))
	for off := range p.blocks {
		offsets = append(offsets, off)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })

	out := make([]byte, 0, p.TotalLength)
	for _, off := range offsets {
		out = append(out, p.blocks[off]...)
	}
	return out
}

// ReceivedBytes reports how many bytes have been stored so far.
func (p *Piece) ReceivedBytes() uint32 { return p.receivedBytes }

// BlockOffsets returns the offset of every block that should be requested
// to fill this piece, each of size min(BlockSize, remaining).
func (p *Piece) BlockOffsets() []uint32 {
	var offsets []uint32
	for off := uint32(0); off < p.TotalLength; off += p.BlockSize {
		offsets = append(offsets, off)
	}
	return offsets
}

// BlockLength returns the length to request for the block starting at offset.
func (p *Piece) BlockLength(offset uint32) uint32 {
	remaining := p.TotalLength - offset
	if remaining < p.BlockSize {
		return remaining
	}
	return p.BlockSize
}
