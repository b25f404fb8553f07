package noisewrap

import (
	"net"
	"testing"

	"github.com/flynn/noise"
)

type pipeConn struct {
	net.Conn
}

func (p pipeConn) Close() error { return p.Conn.Close() }

func TestHandshakeAndRecordRoundTrip(t *testing.T) {
	respStatic, err := noise.DH25519.GenerateKeypair(nil)
	if err != nil {
		t.Fatal(err)
	}

	c1, c2 := net.Pipe()
	done := make(chan error, 2)

	var initConn, respConn *Conn
	go func() {
		var err error
		initConn, err = NewInitiator(pipeConn{c1}, noise.DHKey{}, respStatic.Public)
		done <- err
	}()
	go func() {
		var err error
		respConn, err = NewResponder(pipeConn{c2}, respStatic)
		done <- err
	}()

	for i := 0; i < 2; i++ {
		if err := <-done; err != nil {
			t.Fatalf("handshake error: %v", err)
		}
	}

	payload := []byte("hello across the wire")
	writeErr := make(chan error, 1)
	go func() {
		_, err := initConn.Write(payload)
		writeErr <- err
	}()

	got, err := respConn.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if err := <-writeErr; err != nil {
		t.Fatalf("Write: %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("got %q, want %q", got, payload)
	}
}

func TestWritesAfterHandshakeArriveInOrder(t *testing.T) {
	respStatic, err := noise.DH25519.GenerateKeypair(nil)
	if err != nil {
		t.Fatal(err)
	}

	c1, c2 := net.Pipe()

	initCh := make(chan *Conn, 1)
	go func() {
		conn, err := NewInitiator(pipeConn{c1}, noise.DHKey{}, respStatic.Public)
		if err != nil {
			t.Error(err)
			return
		}
		// Queue writes immediately; Conn itself only returns once the
		// handshake has already completed synchronously here, so this
		// exercises the ordinary post-handshake write path. The queuing
		// behavior itself is covered by establish()'s pending-flush logic.
		conn.Write([]byte("first"))
		conn.Write([]byte("second"))
		initCh <- conn
	}()

	respConn, err := NewResponder(pipeConn{c2}, respStatic)
	if err != nil {
		t.Fatal(err)
	}
	<-initCh

	first, err := respConn.Read()
	if err != nil {
		t.Fatal(err)
	}
	second, err := respConn.Read()
	if err != nil {
		t.Fatal(err)
	}
	if string(first) != "first" || string(second) != "second" {
		t.Errorf("got %q, %q; want \"first\", \"second\"", first, second)
	}
}
