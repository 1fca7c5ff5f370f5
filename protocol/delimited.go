package protocol

import (
	"bytes"

	"github.com/andrei-cloud/aserve/transport"
)

// DefaultMaxLineSize bounds messages of delimited units.
const DefaultMaxLineSize = 64 * 1024

// Delimited frames every message by appending delim, as line based
// protocols do with '\n'. The delimiter is stripped from decoded messages.
func Delimited(delim byte) Builder {
	return BuilderFunc(func(transport.Conn) Unit {
		return &delimitedUnit{delim: delim, max: DefaultMaxLineSize}
	})
}

type delimitedUnit struct {
	delim   byte
	max     int
	pending []byte
}

func (u *delimitedUnit) Encode(msg []byte) ([]byte, error) {
	if len(msg) > u.max {
		return nil, ErrMaxLenExceeded
	}

	frame := make([]byte, len(msg)+1)
	copy(frame, msg)
	frame[len(msg)] = u.delim

	return frame, nil
}

func (u *delimitedUnit) Decode(chunk []byte) ([][]byte, error) {
	u.pending = append(u.pending, chunk...)

	var msgs [][]byte
	for {
		i := bytes.IndexByte(u.pending, u.delim)
		if i < 0 {
			break
		}

		msg := make([]byte, i)
		copy(msg, u.pending[:i])
		msgs = append(msgs, msg)
		u.pending = u.pending[i+1:]
	}

	if len(u.pending) > u.max {
		u.pending = nil
		return msgs, ErrMaxLenExceeded
	}

	// detach from the consumed prefix once drained.
	if len(u.pending) == 0 {
		u.pending = nil
	}

	return msgs, nil
}
