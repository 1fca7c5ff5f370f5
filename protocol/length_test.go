package protocol

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLengthPrefixed(t *testing.T) {
	t.Run("Encode", func(t *testing.T) {
		u := LengthPrefixed(2).Build(nil)
		frame, err := u.Encode([]byte("hello"))
		require.NoError(t, err)
		require.Equal(t, []byte{0x00, 0x05, 'h', 'e', 'l', 'l', 'o'}, frame)

		r, ok := u.(Releaser)
		require.True(t, ok)
		r.Release(frame)
	})

	t.Run("EncodeFourByteHeader", func(t *testing.T) {
		u := LengthPrefixed(4).Build(nil)
		frame, err := u.Encode([]byte("hi"))
		require.NoError(t, err)
		require.Equal(t, []byte{0, 0, 0, 2, 'h', 'i'}, frame)
	})

	t.Run("EncodeTooLarge", func(t *testing.T) {
		u := LengthPrefixed(2).Build(nil)
		_, err := u.Encode(make([]byte, 1<<16))
		require.ErrorIs(t, err, ErrMaxLenExceeded)
	})

	t.Run("DecodeSplitChunks", func(t *testing.T) {
		u := LengthPrefixed(2).Build(nil)

		msgs, err := u.Decode([]byte{0x00})
		require.NoError(t, err)
		require.Empty(t, msgs)

		msgs, err = u.Decode([]byte{0x03, 'a', 'b'})
		require.NoError(t, err)
		require.Empty(t, msgs)

		msgs, err = u.Decode([]byte{'c'})
		require.NoError(t, err)
		require.Equal(t, [][]byte{[]byte("abc")}, msgs)
	})

	t.Run("DecodeSeveralFramesInOneChunk", func(t *testing.T) {
		u := LengthPrefixed(2).Build(nil)
		chunk := []byte{0, 1, 'x', 0, 2, 'y', 'z', 0, 0, 0, 5, 'p'}

		msgs, err := u.Decode(chunk)
		require.NoError(t, err)
		require.Equal(t, [][]byte{[]byte("x"), []byte("yz"), {}}, msgs)

		msgs, err = u.Decode([]byte("artl"))
		require.NoError(t, err)
		require.Equal(t, [][]byte{[]byte("partl")}, msgs)
	})

	t.Run("DecodedMessagesAreOwned", func(t *testing.T) {
		u := LengthPrefixed(2).Build(nil)
		chunk := []byte{0, 2, 'o', 'k'}
		msgs, err := u.Decode(chunk)
		require.NoError(t, err)
		chunk[2] = 'X'
		require.Equal(t, "ok", string(msgs[0]))
	})

	t.Run("DecodeOversizedFrame", func(t *testing.T) {
		u := &lengthUnit{header: 4, max: 8}
		_, err := u.Decode([]byte{0, 0, 1, 0})
		require.ErrorIs(t, err, ErrMaxLenExceeded)
	})

	t.Run("UnsupportedHeaderPanics", func(t *testing.T) {
		require.Panics(t, func() { LengthPrefixed(3) })
	})

	t.Run("UnitPerConnection", func(t *testing.T) {
		b := LengthPrefixed(2)
		u1, u2 := b.Build(nil), b.Build(nil)

		_, err := u1.Decode([]byte{0, 3, 'a'})
		require.NoError(t, err)

		msgs, err := u2.Decode([]byte{0, 1, 'b'})
		require.NoError(t, err)
		require.Equal(t, [][]byte{[]byte("b")}, msgs)
	})
}

func TestFrames(t *testing.T) {
	t.Run("RoundTrip", func(t *testing.T) {
		for _, header := range []int{2, 4} {
			var buf bytes.Buffer
			require.NoError(t, WriteFrame(&buf, header, []byte("payload")))
			require.Equal(t, header+len("payload"), buf.Len())

			msg, err := ReadFrame(&buf, header)
			require.NoError(t, err)
			require.Equal(t, "payload", string(msg))
		}
	})

	t.Run("DecodesWrittenFrames", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, WriteFrame(&buf, 2, []byte("one")))
		require.NoError(t, WriteFrame(&buf, 2, []byte("two")))

		msgs, err := LengthPrefixed(2).Build(nil).Decode(buf.Bytes())
		require.NoError(t, err)
		require.Equal(t, [][]byte{[]byte("one"), []byte("two")}, msgs)
	})

	t.Run("InvalidHeaderSize", func(t *testing.T) {
		require.Error(t, WriteFrame(&bytes.Buffer{}, 3, nil))
		_, err := ReadFrame(strings.NewReader(""), 1)
		require.Error(t, err)
	})

	t.Run("ShortRead", func(t *testing.T) {
		_, err := ReadFrame(bytes.NewReader([]byte{0, 4, 'a'}), 2)
		require.Error(t, err)
	})

	t.Run("WriteTooLarge", func(t *testing.T) {
		err := WriteFrame(&bytes.Buffer{}, 2, make([]byte, 1<<16))
		require.ErrorIs(t, err, ErrMaxLenExceeded)
	})
}
