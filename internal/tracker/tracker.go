// Package tracker issues a single-shot HTTP announce and decodes the
// compact peer list from the bencoded response. Grounded on
// SkyTorrent's torrent_peer.py announce_to_tracker and on spec.md §4.5
// / §6; the interval field is decoded but ignored (no re-announce).
package tracker

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/zeebo/bencode"
)

// Peer is one compact peer record: 4-byte IP + 2-byte big-endian port.
type Peer struct {
	IP   net.IP
	Port uint16
}

// Addr formats the peer as a host:port string suitable for net.Dial.
func (p Peer) Addr() string {
	return net.JoinHostPort(p.IP.String(), strconv.Itoa(int(p.Port)))
}

type announceResponse struct {
	Interval int64  `bencode:"interval"`
	Peers    string `bencode:"peers"`
}

// Client issues announce requests against a single announce URL.
type Client struct {
	AnnounceURL string
	InfoHash    [20]byte
	PeerID      [20]byte
	Port        uint16
	HTTPClient  *http.Client
}

// New builds a tracker Client with a sane default HTTP timeout.
func New(announceURL string, infoHash, peerID [20]byte, port uint16) *Client {
	return &Client{
		AnnounceURL: announceURL,
		InfoHash:    infoHash,
		PeerID:      peerID,
		Port:        port,
		HTTPClient:  &http.Client{Timeout: 15 * time.Second},
	}
}

// Announce issues a single "started" event announce and returns the
// compact peer list from the response, filtering out any peer matching
// our own (selfIP, Port). Non-compact responses are rejected.
func (c *Client) Announce(left int64, selfIP net.IP) ([]Peer, error) {
	u, err := c.buildURL(left)
	if err != nil {
		return nil, fmt.Errorf("tracker: %w", err)
	}

	resp, err := c.HTTPClient.Get(u)
	if err != nil {
		return nil, fmt.Errorf("tracker: announce request: %w", err)
	}
	defer resp.Body.Close()

	var ar announceResponse
	if err := bencode.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return nil, fmt.Errorf("tracker: decode response: %w", err)
	}

	peersBytes := []byte(ar.Peers)
	if len(peersBytes)%6 != 0 {
		return nil, fmt.Errorf("tracker: non-compact or malformed peers field (%d bytes)", len(peersBytes))
	}

	var peers []Peer
	for i := 0; i+6 <= len(peersBytes); i += 6 {
		ip := net.IPv4(peersBytes[i], peersBytes[i+1], peersBytes[i+2], peersBytes[i+3])
		port := uint16(peersBytes[i+4])<<8 | uint16(peersBytes[i+5])
		if selfIP != nil && ip.Equal(selfIP) && port == c.Port {
			continue
		}
		peers = append(peers, Peer{IP: ip, Port: port})
	}
	return peers, nil
}

func (c *Client) buildURL(left int64) (string, error) {
	base, err := url.Parse(c.AnnounceURL)
	if err != nil {
		return "", err
	}
	q := base.Query()
	q.Set("info_hash", string(c.InfoHash[:]))
	q.Set("peer_id", string(c.PeerID[:]))
	q.Set("port", strconv.Itoa(int(c.Port)))
	q.Set("uploaded", "0")
	q.Set("downloaded", "0")
	q.Set("left", strconv.FormatInt(left, 10))
	q.Set("compact", "1")
	q.Set("event", "started")
	base.RawQuery = q.Encode()
	return base.String(), nil
}
