// Package krpc implements the KRPC message envelope and netstring framing
// carried over a noisewrap.Conn: query/response/error messages, a
// transaction table keyed by a 16-bit random transaction ID, and the
// numeric error-code taxonomy from spec.md §4.5.
package krpc

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/theseus-dht/theseus/internal/bencode"
	"github.com/theseus-dht/theseus/logger"
	"github.com/theseus-dht/theseus/logger/glog"
)

// Error codes, grouped as in spec.md §4.5.
const (
	ErrGenericKRPC    = 100
	ErrInvalidMessage = 101
	ErrInternalKRPC   = 102
	ErrMethodUnknown  = 103

	ErrGenericDHT    = 200
	ErrInvalidDHT    = 201
	ErrInternalDHT   = 202
	ErrRateLimitBase = 203
)

// KrpcError is a categorized, wire-visible error: a numeric code plus a
// human-readable info string.
type KrpcError struct {
	Code int
	Info string
}

func (e *KrpcError) Error() string { return fmt.Sprintf("krpc error %d: %s", e.Code, e.Info) }

func (e *KrpcError) encode() bencode.List {
	return bencode.List{bencode.Int(e.Code), bencode.Bytes(e.Info)}
}

func decodeKrpcError(l bencode.List) (*KrpcError, error) {
	if len(l) != 2 {
		return nil, errors.New("krpc: malformed error tuple")
	}
	code, ok := l[0].(bencode.Int)
	if !ok {
		return nil, errors.New("krpc: error code must be an integer")
	}
	info, ok := l[1].(bencode.Bytes)
	if !ok {
		return nil, errors.New("krpc: error info must be a byte string")
	}
	return &KrpcError{Code: int(code), Info: string(info)}, nil
}

// MessageType is the 'y' field: query, response, or error.
type MessageType byte

const (
	TypeQuery    MessageType = 'q'
	TypeResponse MessageType = 'r'
	TypeError    MessageType = 'e'
)

// Message is one decoded KRPC envelope.
type Message struct {
	Txn    uint16
	Type   MessageType
	Method string           // set for TypeQuery
	Args   bencode.Dict     // set for TypeQuery
	Result bencode.Dict     // set for TypeResponse
	Err    *KrpcError       // set for TypeError
}

func txnBytes(t uint16) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], t)
	return b[:]
}

func txnFromBytes(b []byte) (uint16, error) {
	if len(b) != 2 {
		return 0, errors.New("krpc: transaction id must be 2 bytes")
	}
	return binary.BigEndian.Uint16(b), nil
}

// Encode serializes m to its bencode dict form (without netstring framing).
func (m Message) Encode() ([]byte, error) {
	d := bencode.Dict{
		"t": bencode.Bytes(txnBytes(m.Txn)),
		"y": bencode.Bytes(string(m.Type)),
	}
	switch m.Type {
	case TypeQuery:
		d["q"] = bencode.Bytes(m.Method)
		d["a"] = m.Args
	case TypeResponse:
		d["r"] = m.Result
	case TypeError:
		d["e"] = m.Err.encode()
	default:
		return nil, fmt.Errorf("krpc: unknown message type %q", m.Type)
	}
	return bencode.Encode(d)
}

// DecodeMessage parses a bencode dict form (without framing) into a
// Message.
func DecodeMessage(b []byte) (Message, error) {
	v, rest, err := bencode.Decode(b)
	if err != nil {
		return Message{}, err
	}
	if len(rest) != 0 {
		return Message{}, errors.New("krpc: trailing bytes after message")
	}
	d, ok := v.(bencode.Dict)
	if !ok {
		return Message{}, errors.New("krpc: message must be a dict")
	}
	tBytes, ok := d["t"].(bencode.Bytes)
	if !ok {
		return Message{}, errors.New("krpc: missing or malformed 't'")
	}
	txn, err := txnFromBytes(tBytes)
	if err != nil {
		return Message{}, err
	}
	yBytes, ok := d["y"].(bencode.Bytes)
	if !ok || len(yBytes) != 1 {
		return Message{}, errors.New("krpc: missing or malformed 'y'")
	}
	m := Message{Txn: txn, Type: MessageType(yBytes[0])}
	switch m.Type {
	case TypeQuery:
		method, ok := d["q"].(bencode.Bytes)
		if !ok {
			return Message{}, errors.New("krpc: query missing 'q'")
		}
		args, ok := d["a"].(bencode.Dict)
		if !ok {
			return Message{}, errors.New("krpc: query missing 'a'")
		}
		m.Method = string(method)
		m.Args = args
	case TypeResponse:
		result, ok := d["r"].(bencode.Dict)
		if !ok {
			return Message{}, errors.New("krpc: response missing 'r'")
		}
		m.Result = result
	case TypeError:
		eList, ok := d["e"].(bencode.List)
		if !ok {
			return Message{}, errors.New("krpc: error missing 'e'")
		}
		kerr, err := decodeKrpcError(eList)
		if err != nil {
			return Message{}, err
		}
		m.Err = kerr
	default:
		return Message{}, fmt.Errorf("krpc: unknown message type %q", m.Type)
	}
	return m, nil
}

// EncodeFrame wraps payload in its netstring envelope: "<len>:<payload>,".
func EncodeFrame(payload []byte) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%d:", len(payload))
	buf.Write(payload)
	buf.WriteByte(',')
	return buf.Bytes()
}

// DecodeFrame parses one complete "<len>:<payload>," netstring frame,
// requiring that frame contain exactly one such envelope with no trailing
// bytes. Each decrypted Noise record payload carries exactly one frame, so
// the KRPC layer never needs to buffer partial reads itself.
func DecodeFrame(frame []byte) ([]byte, error) {
	colon := bytes.IndexByte(frame, ':')
	if colon < 0 {
		return nil, errors.New("krpc: malformed netstring length")
	}
	lenDigits := frame[:colon]
	if len(lenDigits) == 0 {
		return nil, errors.New("krpc: empty netstring length")
	}
	n := 0
	for _, c := range lenDigits {
		if c < '0' || c > '9' {
			return nil, errors.New("krpc: non-digit in netstring length")
		}
		n = n*10 + int(c-'0')
	}
	rest := frame[colon+1:]
	if len(rest) != n+1 {
		return nil, errors.New("krpc: netstring length does not match frame size")
	}
	if rest[n] != ',' {
		return nil, errors.New("krpc: missing netstring terminator")
	}
	return rest[:n], nil
}

// waiter carries the outcome of one outstanding query: a successful
// result, or a categorized error.
type waiter chan waitResult

type waitResult struct {
	Result bencode.Dict
	Err    error
}

// Transport is the message-oriented interface Conn requires of its
// underlying connection: one Write call submits exactly one payload (to be
// delivered as one Noise record), one Read call blocks for exactly one
// inbound payload. *noisewrap.Conn satisfies this directly.
type Transport interface {
	Write(p []byte) (int, error)
	Read() ([]byte, error)
}

// Conn multiplexes KRPC messages over an underlying Transport (typically a
// *noisewrap.Conn), maintaining the open-transactions table.
type Conn struct {
	rw Transport

	mu   sync.Mutex
	open map[uint16]waiter
}

// NewConn wraps rw (typically a *noisewrap.Conn) in a KRPC transaction
// multiplexer.
func NewConn(rw Transport) *Conn {
	return &Conn{rw: rw, open: make(map[uint16]waiter)}
}

func randomTxn() uint16 {
	var b [2]byte
	rand.Read(b[:])
	return binary.BigEndian.Uint16(b[:])
}

// Query sends method/args as a new query and blocks for its response or
// error. The transaction ID is chosen at random and retried on collision
// with any ID already open.
func (c *Conn) Query(method string, args bencode.Dict) (bencode.Dict, error) {
	c.mu.Lock()
	var txn uint16
	for {
		txn = randomTxn()
		if _, taken := c.open[txn]; !taken {
			break
		}
	}
	w := make(waiter, 1)
	c.open[txn] = w
	c.mu.Unlock()

	msg := Message{Txn: txn, Type: TypeQuery, Method: method, Args: args}
	enc, err := msg.Encode()
	if err != nil {
		c.dropWaiter(txn)
		return nil, err
	}
	if _, err := c.rw.Write(EncodeFrame(enc)); err != nil {
		c.dropWaiter(txn)
		return nil, err
	}

	res := <-w
	return res.Result, res.Err
}

func (c *Conn) dropWaiter(txn uint16) {
	c.mu.Lock()
	delete(c.open, txn)
	c.mu.Unlock()
}

// Dispatch reads and handles exactly one inbound frame: if it resolves an
// open transaction (response or error), the corresponding waiter fires. If
// it is a query, handle is invoked and its result (or error) is sent back.
// Malformed messages that cannot be attributed to a transaction close the
// connection by returning an error.
func (c *Conn) Dispatch(handle func(method string, args bencode.Dict) (bencode.Dict, *KrpcError)) error {
	raw, err := c.rw.Read()
	if err != nil {
		return err
	}
	frame, err := DecodeFrame(raw)
	if err != nil {
		return &KrpcError{Code: ErrInvalidMessage, Info: err.Error()}
	}
	msg, err := DecodeMessage(frame)
	if err != nil {
		return &KrpcError{Code: ErrInvalidMessage, Info: err.Error()}
	}

	switch msg.Type {
	case TypeQuery:
		result, kerr := handle(msg.Method, msg.Args)
		var reply Message
		if kerr != nil {
			reply = Message{Txn: msg.Txn, Type: TypeError, Err: kerr}
		} else {
			reply = Message{Txn: msg.Txn, Type: TypeResponse, Result: result}
		}
		enc, err := reply.Encode()
		if err != nil {
			return err
		}
		_, err = c.rw.Write(EncodeFrame(enc))
		return err
	case TypeResponse, TypeError:
		c.mu.Lock()
		w, ok := c.open[msg.Txn]
		if ok {
			delete(c.open, msg.Txn)
		}
		c.mu.Unlock()
		if !ok {
			// Response to an unknown/already-resolved transaction is
			// logged and ignored; the connection stays open.
			glog.V(logger.Debug).Infof("krpc: ignoring '%c' message for unknown transaction %d", msg.Type, msg.Txn)
			return nil
		}
		if msg.Type == TypeError {
			w <- waitResult{Err: msg.Err}
		} else {
			w <- waitResult{Result: msg.Result}
		}
		return nil
	default:
		return &KrpcError{Code: ErrInvalidMessage, Info: "unknown message type"}
	}
}

// FailAll fails every open transaction with err, used when the underlying
// connection is lost.
func (c *Conn) FailAll(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for txn, w := range c.open {
		w <- waitResult{Err: err}
		delete(c.open, txn)
	}
}
