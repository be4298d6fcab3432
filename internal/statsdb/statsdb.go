// Package statsdb persists a record per completed download, adapted
// from the teacher's session/sessiontorrent.go bolt-backed
// per-torrent "started" flag: here a single bucket holds one key per
// info_hash with a small bencode-free binary record, opened and
// updated the same way (bolt.Open, db.Update with a Bucket.Put).
package statsdb

import (
	"encoding/binary"
	"time"

	"github.com/boltdb/bolt"
)

var completedBucket = []byte("completed")

// DB wraps a bolt database recording completed downloads.
type DB struct {
	bolt *bolt.DB
}

// Open opens (creating if necessary) the bolt database at path and
// ensures the completed-downloads bucket exists.
func Open(path string) (*DB, error) {
	b, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, err
	}
	err = b.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(completedBucket)
		return err
	})
	if err != nil {
		b.Close()
		return nil, err
	}
	return &DB{bolt: b}, nil
}

// Close closes the underlying bolt database.
func (d *DB) Close() error {
	return d.bolt.Close()
}

// Record is the persisted outcome of one completed download.
type Record struct {
	InfoHash      [20]byte
	CompletedUnix int64
	TotalLength   int64
}

// encode packs a Record into a fixed 16-byte value (bolt keys are the
// info_hash itself, so the value only needs the two int64 fields).
func encode(r Record) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], uint64(r.CompletedUnix))
	binary.BigEndian.PutUint64(buf[8:16], uint64(r.TotalLength))
	return buf
}

func decode(infoHash [20]byte, v []byte) Record {
	return Record{
		InfoHash:      infoHash,
		CompletedUnix: int64(binary.BigEndian.Uint64(v[0:8])),
		TotalLength:   int64(binary.BigEndian.Uint64(v[8:16])),
	}
}

// RecordCompletion stores (or overwrites) the completion record for a
// given torrent.
func (d *DB) RecordCompletion(r Record) error {
	return d.bolt.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(completedBucket)
		return b.Put(r.InfoHash[:], encode(r))
	})
}

// Get looks up the completion record for infoHash. ok is false if no
// record exists.
func (d *DB) Get(infoHash [20]byte) (rec Record, ok bool, err error) {
	err = d.bolt.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(completedBucket)
		v := b.Get(infoHash[:])
		if v == nil {
			return nil
		}
		ok = true
		rec = decode(infoHash, v)
		return nil
	})
	return rec, ok, err
}

// All returns every completion record, ordered by bolt's key order
// (i.e. by info_hash).
func (d *DB) All() ([]Record, error) {
	var out []Record
	err := d.bolt.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(completedBucket)
		return b.ForEach(func(k, v []byte) error {
			var infoHash [20]byte
			copy(infoHash[:], k)
			out = append(out, decode(infoHash, v))
			return nil
		})
	})
	return out, err
}
