// Package dht implements the four DHT query methods (find/get/put/info)
// dispatched over a krpc.Conn, and the protocol-level error taxonomy they
// surface on the wire.
package dht

import "github.com/theseus-dht/theseus/internal/krpc"

// Protocol errors, remote-visible via the KRPC error taxonomy.
var (
	ErrBadAddressLength = &krpc.KrpcError{Code: krpc.ErrInvalidDHT, Info: "address must be 20 bytes"}
	ErrUnsetAddress     = &krpc.KrpcError{Code: krpc.ErrInvalidDHT, Info: "get requires addr"}
	ErrInternal         = &krpc.KrpcError{Code: krpc.ErrInternalDHT, Info: "internal server error"}
)
