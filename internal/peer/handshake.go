package peer

import (
	"net"
	"time"

	"github.com/cenkalti/gorain/internal/mse"
	"github.com/cenkalti/gorain/internal/peerprotocol"
)

// Dial connects to addr, optionally negotiates the obfuscated stream, then
// performs the plaintext BitTorrent handshake as the initiating side: send
// our handshake first, then read the remote's. The connection returned is
// ready for bitfield exchange.
func Dial(addr string, infoHash, localPeerID [20]byte, cfg Config) (net.Conn, [20]byte, error) {
	var remoteID [20]byte

	conn, err := net.DialTimeout("tcp", addr, cfg.ConnectTimeout)
	if err != nil {
		return nil, remoteID, err
	}

	if err := conn.SetDeadline(time.Now().Add(cfg.ConnectTimeout)); err != nil {
		conn.Close()
		return nil, remoteID, err
	}

	var wire net.Conn = conn
	if cfg.EnableEncryption {
		es, err := mse.NewInitiator(conn)
		if err != nil {
			conn.Close()
			return nil, remoteID, err
		}
		wire = es
	}

	if err := peerprotocol.WriteHandshake(wire, infoHash, localPeerID); err != nil {
		conn.Close()
		return nil, remoteID, err
	}
	remoteID, err = peerprotocol.ReadHandshake(wire, infoHash)
	if err != nil {
		conn.Close()
		return nil, remoteID, err
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		conn.Close()
		return nil, remoteID, err
	}
	return wire, remoteID, nil
}

// Accept performs the obfuscation negotiation (if enabled) and the
// plaintext handshake as the accepting side: read the remote's handshake
// first, then send ours.
func Accept(conn net.Conn, infoHash, localPeerID [20]byte, cfg Config) (net.Conn, [20]byte, error) {
	var remoteID [20]byte

	if err := conn.SetDeadline(time.Now().Add(cfg.ConnectTimeout)); err != nil {
		return nil, remoteID, err
	}

	var wire net.Conn = conn
	if cfg.EnableEncryption {
		es, err := mse.NewResponder(conn)
		if err != nil {
			return nil, remoteID, err
		}
		wire = es
	}

	remoteID, err := peerprotocol.ReadHandshake(wire, infoHash)
	if err != nil {
		return nil, remoteID, err
	}
	if err := peerprotocol.WriteHandshake(wire, infoHash, localPeerID); err != nil {
		return nil, remoteID, err
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, remoteID, err
	}
	return wire, remoteID, nil
}
