package mse

import (
	"bytes"
	"net"
	"sync"
	"testing"
)

func TestHandshakeDerivesSameKeyAndRoundTrips(t *testing.T) {
	initConn, respConn := net.Pipe()
	defer initConn.Close()
	defer respConn.Close()

	var initiator, responder *Stream
	var initErr, respErr error
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		initiator, initErr = NewInitiator(initConn)
	}()
	go func() {
		defer wg.Done()
		responder, respErr = NewResponder(respConn)
	}()
	wg.Wait()

	if initErr != nil {
		t.Fatalf("initiator handshake failed: %v", initErr)
	}
	if respErr != nil {
		t.Fatalf("responder handshake failed: %v", respErr)
	}

	plaintext := []byte("the quick brown fox jumps over the lazy dog")

	var readBuf [64]byte
	var n int
	var readErr error
	done := make(chan struct{})
	go func() {
		n, readErr = responder.Read(readBuf[:len(plaintext)])
		close(done)
	}()

	if _, err := initiator.Write(plaintext); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	<-done
	if readErr != nil {
		t.Fatalf("read failed: %v", readErr)
	}
	if !bytes.Equal(readBuf[:n], plaintext) {
		t.Fatalf("got %q want %q", readBuf[:n], plaintext)
	}
}
