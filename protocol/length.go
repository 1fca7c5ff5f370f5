package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/andrei-cloud/aserve/transport"
)

// DefaultMaxFrameSize bounds frames of 4-byte length-prefixed units.
const DefaultMaxFrameSize = 16 * 1024 * 1024

// LengthPrefixed frames every message with a big-endian length header of
// headerSize bytes (2 or 4). Any other header size panics.
func LengthPrefixed(headerSize int) Builder {
	if headerSize != 2 && headerSize != 4 {
		panic(fmt.Sprintf("protocol: unsupported header size: %d", headerSize))
	}

	return BuilderFunc(func(transport.Conn) Unit {
		return &lengthUnit{header: headerSize, max: maxLen(headerSize)}
	})
}

func maxLen(headerSize int) uint64 {
	if headerSize == 2 {
		return 1<<16 - 1
	}

	return DefaultMaxFrameSize
}

// lengthUnit keeps the bytes of a partially received frame between chunks.
type lengthUnit struct {
	header  int
	max     uint64
	pending []byte
}

func (u *lengthUnit) Encode(msg []byte) ([]byte, error) {
	if uint64(len(msg)) > u.max {
		return nil, ErrMaxLenExceeded
	}

	frame := globalBufferPool.getBuffer(u.header + len(msg))
	putHeader(frame[:u.header], len(msg))
	copy(frame[u.header:], msg)

	return frame, nil
}

func (u *lengthUnit) Release(frame []byte) {
	globalBufferPool.putBuffer(frame)
}

func (u *lengthUnit) Decode(chunk []byte) ([][]byte, error) {
	u.pending = append(u.pending, chunk...)

	var msgs [][]byte
	off := 0
	for len(u.pending)-off >= u.header {
		length := readHeader(u.pending[off : off+u.header])
		if length > u.max {
			u.pending = nil
			return msgs, ErrMaxLenExceeded
		}

		end := off + u.header + int(length)
		if end > len(u.pending) {
			break
		}

		msg := make([]byte, length)
		copy(msg, u.pending[off+u.header:end])
		msgs = append(msgs, msg)
		off = end
	}

	// keep only the incomplete tail.
	if off > 0 {
		rest := copy(u.pending, u.pending[off:])
		u.pending = u.pending[:rest]
	}

	return msgs, nil
}

func putHeader(dst []byte, n int) {
	switch len(dst) {
	case 2:
		binary.BigEndian.PutUint16(dst, uint16(n))
	case 4:
		binary.BigEndian.PutUint32(dst, uint32(n))
	}
}

func readHeader(src []byte) uint64 {
	switch len(src) {
	case 2:
		return uint64(binary.BigEndian.Uint16(src))
	case 4:
		return uint64(binary.BigEndian.Uint32(src))
	}

	return 0
}

// WriteFrame writes msg prefixed with a big-endian length header. It is the
// client-side counterpart of LengthPrefixed.
func WriteFrame(w io.Writer, headerSize int, msg []byte) error {
	if headerSize != 2 && headerSize != 4 {
		return fmt.Errorf("unsupported header size: %d", headerSize)
	}
	if uint64(len(msg)) > maxLen(headerSize) {
		return ErrMaxLenExceeded
	}

	frame := globalBufferPool.getBuffer(headerSize + len(msg))
	defer globalBufferPool.putBuffer(frame)

	putHeader(frame[:headerSize], len(msg))
	copy(frame[headerSize:], msg)

	_, err := w.Write(frame)

	return err
}

// ReadFrame reads one length-prefixed message from r.
func ReadFrame(r io.Reader, headerSize int) ([]byte, error) {
	if headerSize != 2 && headerSize != 4 {
		return nil, fmt.Errorf("unsupported header size: %d", headerSize)
	}

	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	length := readHeader(header)
	if length > maxLen(headerSize) {
		return nil, ErrInvalidMsgLength
	}

	msg := make([]byte, int(length))
	if _, err := io.ReadFull(r, msg); err != nil {
		return nil, err
	}

	return msg, nil
}
