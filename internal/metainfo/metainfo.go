// Package metainfo decodes .torrent files into the immutable TorrentInfo
// the engine downloads. This is an external collaborator per spec.md §1
// (out of scope for the core wire engine) but is still implemented here
// since the CLI driver needs a source of TorrentInfo values; it is a thin
// pass-through, not part of the concurrency/integrity core.
package metainfo

import (
	"bytes"
	"crypto/sha1" //nolint:gosec // info_hash is defined by BEP 3 as SHA-1
	"fmt"
	"io"

	"github.com/zeebo/bencode"
)

// Info is the immutable, parsed metainfo the engine operates on.
// Corresponds to spec.md §3's TorrentInfo.
type Info struct {
	InfoHash    [20]byte
	Announce    string
	Name        string
	PieceLength int64
	TotalLength int64
	PieceHashes [][20]byte
}

// NumPieces returns ceil(TotalLength / PieceLength), which must equal
// len(PieceHashes) per spec.md §3's invariant.
func (i *Info) NumPieces() int {
	n := i.TotalLength / i.PieceLength
	if i.TotalLength%i.PieceLength != 0 {
		n++
	}
	return int(n)
}

type rawInfoDict struct {
	Name        string `bencode:"name"`
	PieceLength int64  `bencode:"piece length"`
	Pieces      string `bencode:"pieces"`
	Length      int64  `bencode:"length"`
}

type rawMetainfo struct {
	Announce string      `bencode:"announce"`
	Info     rawInfoDict `bencode:"info"`
}

// Parse decodes a .torrent file from r.
func Parse(r io.Reader) (*Info, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("metainfo: %w", err)
	}

	var m rawMetainfo
	if err := bencode.NewDecoder(bytes.NewReader(raw)).Decode(&m); err != nil {
		return nil, fmt.Errorf("metainfo: decode: %w", err)
	}

	// info_hash is the SHA-1 of the bencoded info dictionary, re-encoded
	// independently so field ordering matches the canonical bencode form.
	infoBytes, err := bencode.EncodeBytes(m.Info)
	if err != nil {
		return nil, fmt.Errorf("metainfo: re-encode info dict: %w", err)
	}
	infoHash := sha1.Sum(infoBytes) //nolint:gosec

	pieces := []byte(m.Info.Pieces)
	if len(pieces)%20 != 0 {
		return nil, fmt.Errorf("metainfo: pieces field length %d is not a multiple of 20", len(pieces))
	}
	hashes := make([][20]byte, len(pieces)/20)
	for i := range hashes {
		copy(hashes[i][:], pieces[i*20:i*20+20])
	}

	info := &Info{
		InfoHash:    infoHash,
		Announce:    m.Announce,
		Name:        m.Info.Name,
		PieceLength: m.Info.PieceLength,
		TotalLength: m.Info.Length,
		PieceHashes: hashes,
	}
	if info.NumPieces() != len(hashes) {
		return nil, fmt.Errorf("metainfo: num_pieces mismatch: computed %d, pieces list has %d", info.NumPieces(), len(hashes))
	}
	return info, nil
}
