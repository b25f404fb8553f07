package krpc

import (
	"testing"

	"github.com/theseus-dht/theseus/internal/bencode"
)

func TestMessageEncodeDecodeQuery(t *testing.T) {
	m := Message{
		Txn:    0x4141, // "AA"
		Type:   TypeQuery,
		Method: "info",
		Args:   bencode.Dict{"info": bencode.Bytes("..."), "keys": bencode.List{}},
	}
	enc, err := m.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := DecodeMessage(enc)
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	if got.Txn != m.Txn || got.Type != m.Type || got.Method != m.Method {
		t.Errorf("got %#v, want %#v", got, m)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte("some bencode bytes")
	frame := EncodeFrame(payload)
	got, err := DecodeFrame(frame)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("got %q, want %q", got, payload)
	}
}

// pairTransport is an in-memory Transport pair for testing Conn without a
// real Noise connection.
type pairTransport struct {
	in  chan []byte
	out chan []byte
}

func newPair() (*pairTransport, *pairTransport) {
	ab := make(chan []byte, 16)
	ba := make(chan []byte, 16)
	return &pairTransport{in: ba, out: ab}, &pairTransport{in: ab, out: ba}
}

func (p *pairTransport) Write(b []byte) (int, error) {
	cp := append([]byte(nil), b...)
	p.out <- cp
	return len(b), nil
}

func (p *pairTransport) Read() ([]byte, error) {
	return <-p.in, nil
}

func TestConnQueryResponse(t *testing.T) {
	clientT, serverT := newPair()
	client := NewConn(clientT)
	server := NewConn(serverT)

	go func() {
		_ = server.Dispatch(func(method string, args bencode.Dict) (bencode.Dict, *KrpcError) {
			if method != "info" {
				return nil, &KrpcError{Code: ErrMethodUnknown, Info: "unknown method"}
			}
			return bencode.Dict{"info": bencode.Dict{}}, nil
		})
	}()

	result, err := client.Query("info", bencode.Dict{"info": bencode.Bytes(""), "keys": bencode.List{}})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if _, ok := result["info"]; !ok {
		t.Errorf("result missing 'info': %#v", result)
	}
}

func TestConnErrorReplyFiresWaiterWithCategorizedError(t *testing.T) {
	clientT, serverT := newPair()
	client := NewConn(clientT)
	server := NewConn(serverT)

	go func() {
		_ = server.Dispatch(func(method string, args bencode.Dict) (bencode.Dict, *KrpcError) {
			return nil, &KrpcError{Code: ErrInvalidDHT, Info: "bad args"}
		})
	}()

	_, err := client.Query("put", bencode.Dict{})
	if err == nil {
		t.Fatal("expected error")
	}
	kerr, ok := err.(*KrpcError)
	if !ok || kerr.Code != ErrInvalidDHT {
		t.Errorf("got %#v, want ErrInvalidDHT", err)
	}
}
