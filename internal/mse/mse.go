// Package mse implements this client's own stream-obfuscation scheme: a
// Diffie-Hellman key agreement over the 768-bit MODP group from RFC 2409
// Appendix E, followed by two independent RC4 keystreams seeded from the
// derived secret. It is not BEP 10 / MSE (Message Stream Encryption) and
// provides confidentiality against passive observers only — it is not an
// authenticated channel. Ported algorithm-for-algorithm from the
// SkyTorrent source's EncryptedSocket, which this client's obfuscation is
// grounded on.
package mse

import (
	"crypto/rand"
	"crypto/rc4"
	"crypto/sha1" //nolint:gosec // obfuscation key derivation, not an auth boundary
	"io"
	"math/big"
	"net"
)

// pHex is the 768-bit MODP group prime (RFC 2409 Appendix E).
const pHex = "FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD1" +
	"29024E088A67CC74020BBEA63B139B22514A08798E3404DD" +
	"EF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245" +
	"E485B576625E7EC6F44C42E9A63A3620FFFFFFFFFFFFFFFF"

const pubKeyLen = 96 // bytes; 768 bits

var (
	p = mustParseHex(pHex)
	g = big.NewInt(2)
)

func mustParseHex(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 16)
	if !ok {
		panic("mse: invalid prime constant")
	}
	return n
}

// Stream wraps a net.Conn with RC4 encryption keyed by a DH exchange
// performed at construction time. After the handshake, every byte sent
// or received — including the subsequent BitTorrent handshake and all
// protocol messages — passes through the stream cipher.
type Stream struct {
	net.Conn
	enc *rc4.Cipher
	dec *rc4.Cipher
}

func genKeypair() (priv, pub *big.Int, err error) {
	// priv in [2, p-2], matching the source's random.randint(2, p-2).
	max := new(big.Int).Sub(p, big.NewInt(3))
	r, err := rand.Int(rand.Reader, max)
	if err != nil {
		return nil, nil, err
	}
	priv = new(big.Int).Add(r, big.NewInt(2))
	pub = new(big.Int).Exp(g, priv, p)
	return priv, pub, nil
}

func sharedSecret(priv, peerPub *big.Int) *big.Int {
	return new(big.Int).Exp(peerPub, priv, p)
}

// deriveKey computes sha1(minimal_be(secret))[0:16], the 128-bit RC4 key.
func deriveKey(secret *big.Int) []byte {
	sum := sha1.Sum(secret.Bytes())
	return sum[:16]
}

func recvExact(r io.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func pubKeyBytes(pub *big.Int) []byte {
	raw := pub.Bytes()
	out := make([]byte, pubKeyLen)
	copy(out[pubKeyLen-len(raw):], raw)
	return out
}

// handshake performs the DH exchange. If initiator, our public value is
// sent first and the peer's is read second; otherwise the peer's is read
// first. Both sides derive the same secret and therefore the same key.
func handshake(conn net.Conn, initiator bool) (key []byte, err error) {
	priv, pub, err := genKeypair()
	if err != nil {
		return nil, err
	}

	var peerPubBytes []byte
	if initiator {
		if _, err = conn.Write(pubKeyBytes(pub)); err != nil {
			return nil, err
		}
		if peerPubBytes, err = recvExact(conn, pubKeyLen); err != nil {
			return nil, err
		}
	} else {
		if peerPubBytes, err = recvExact(conn, pubKeyLen); err != nil {
			return nil, err
		}
		if _, err = conn.Write(pubKeyBytes(pub)); err != nil {
			return nil, err
		}
	}

	peerPub := new(big.Int).SetBytes(peerPubBytes)
	secret := sharedSecret(priv, peerPub)
	return deriveKey(secret), nil
}

// NewInitiator performs the handshake as the dialing side: send our
// public value first, then read the responder's.
func NewInitiator(conn net.Conn) (*Stream, error) {
	return newStream(conn, true)
}

// NewResponder performs the handshake as the accepting side: read the
// initiator's public value first, then send ours.
func NewResponder(conn net.Conn) (*Stream, error) {
	return newStream(conn, false)
}

func newStream(conn net.Conn, initiator bool) (*Stream, error) {
	key, err := handshake(conn, initiator)
	if err != nil {
		return nil, err
	}
	enc, err := rc4.NewCipher(key)
	if err != nil {
		return nil, err
	}
	dec, err := rc4.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return &Stream{Conn: conn, enc: enc, dec: dec}, nil
}

// Read decrypts up to len(b) bytes from the underlying connection.
func (s *Stream) Read(b []byte) (int, error) {
	n, err := s.Conn.Read(b)
	if n > 0 {
		s.dec.XORKeyStream(b[:n], b[:n])
	}
	return n, err
}

// Write encrypts and writes b to the underlying connection.
func (s *Stream) Write(b []byte) (int, error) {
	enc := make([]byte, len(b))
	s.enc.XORKeyStream(enc, b)
	return s.Conn.Write(enc)
}
