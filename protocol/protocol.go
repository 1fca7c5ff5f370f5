// Package protocol defines how raw connection bytes become application
// messages. A Builder is asked once per connection for a Unit, the stateful
// framer that splits inbound bytes into messages and frames outbound ones.
package protocol

//go:generate mockgen -source=protocol.go -destination=../internal/mock/protocol_mock.go -package=mock

import (
	"errors"

	"github.com/andrei-cloud/aserve/transport"
)

var (
	// ErrInvalidMsgLength indicates a message length header is invalid.
	ErrInvalidMsgLength = errors.New("invalid message length")

	// ErrMaxLenExceeded indicates the message length exceeds the maximum allowed.
	ErrMaxLenExceeded = errors.New("maximum message length exceeded")
)

// Unit frames messages for a single connection. Decode is only called from
// the connection's loop, Encode may be called from any goroutine.
type Unit interface {
	// Encode returns msg as it must appear on the wire.
	Encode(msg []byte) ([]byte, error)

	// Decode consumes an inbound chunk and returns every message it completes.
	// Returned messages are owned by the caller.
	Decode(chunk []byte) ([][]byte, error)
}

// Releaser is implemented by units whose encoded frames come from a pool.
// Release must be called once the frame has been written.
type Releaser interface {
	Release(frame []byte)
}

// Builder creates the Unit for a connection.
type Builder interface {
	Build(conn transport.Conn) Unit
}

// BuilderFunc is an adapter to allow the use of ordinary functions as Builders.
type BuilderFunc func(conn transport.Conn) Unit

// Build calls f with the connection.
func (f BuilderFunc) Build(conn transport.Conn) Unit {
	return f(conn)
}

// Raw passes bytes through unchanged: every inbound chunk is one message.
func Raw() Builder {
	return BuilderFunc(func(transport.Conn) Unit { return rawUnit{} })
}

type rawUnit struct{}

func (rawUnit) Encode(msg []byte) ([]byte, error) {
	return msg, nil
}

func (rawUnit) Decode(chunk []byte) ([][]byte, error) {
	if len(chunk) == 0 {
		return nil, nil
	}
	msg := make([]byte, len(chunk))
	copy(msg, chunk)

	return [][]byte{msg}, nil
}
