package tracker

import (
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/zeebo/bencode"
)

func TestAnnounceDecodesCompactPeers(t *testing.T) {
	peers := []byte{
		127, 0, 0, 1, 0x1A, 0xE1, // 127.0.0.1:6881
		10, 0, 0, 5, 0x1A, 0xE2, // 10.0.0.5:6882
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("compact") != "1" {
			t.Errorf("expected compact=1, got %q", q.Get("compact"))
		}
		if q.Get("event") != "started" {
			t.Errorf("expected event=started, got %q", q.Get("event"))
		}
		resp, err := bencode.EncodeBytes(map[string]interface{}{
			"interval": 1800,
			"peers":    string(peers),
		})
		if err != nil {
			t.Fatal(err)
		}
		w.Write(resp)
	}))
	defer srv.Close()

	var infoHash, peerID [20]byte
	c := New(srv.URL+"/announce", infoHash, peerID, 6881)
	got, err := c.Announce(1000, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 peers, got %d", len(got))
	}
	if got[0].Port != 6881 || !got[0].IP.Equal(net.IPv4(127, 0, 0, 1)) {
		t.Fatalf("unexpected first peer: %+v", got[0])
	}
}

func TestAnnounceFiltersSelf(t *testing.T) {
	peers := []byte{
		127, 0, 0, 1, 0x1A, 0xE1, // self
		10, 0, 0, 5, 0x1A, 0xE2,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp, _ := bencode.EncodeBytes(map[string]interface{}{
			"interval": 1800,
			"peers":    string(peers),
		})
		w.Write(resp)
	}))
	defer srv.Close()

	var infoHash, peerID [20]byte
	c := New(srv.URL+"/announce", infoHash, peerID, 6881)
	got, err := c.Announce(1000, net.IPv4(127, 0, 0, 1))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("expected self to be filtered, got %d peers", len(got))
	}
}

func TestAnnounceRejectsNonCompact(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp, _ := bencode.EncodeBytes(map[string]interface{}{
			"interval": 1800,
			"peers":    "not a multiple of six!",
		})
		w.Write(resp)
	}))
	defer srv.Close()

	var infoHash, peerID [20]byte
	c := New(srv.URL+"/announce", infoHash, peerID, 6881)
	if _, err := c.Announce(1000, nil); err == nil {
		t.Fatal("expected error for malformed peers field")
	}
}
