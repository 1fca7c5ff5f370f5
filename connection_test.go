package aserve

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/andrei-cloud/aserve/internal/mock"
	"github.com/andrei-cloud/aserve/protocol"
	"github.com/andrei-cloud/aserve/transport"
)

func newMockConnection(t *testing.T) (*Connection, *mock.MockConn, *mock.MockUnit, func([]byte)) {
	t.Helper()
	ctrl := gomock.NewController(t)

	tc := mock.NewMockConn(ctrl)
	unit := mock.NewMockUnit(ctrl)
	builder := mock.NewMockBuilder(ctrl)

	var onData func([]byte)
	builder.EXPECT().Build(tc).Return(unit)
	tc.EXPECT().OnData(gomock.Any()).Do(func(fn func([]byte)) { onData = fn })
	tc.EXPECT().ID().Return(uint64(42)).AnyTimes()

	c := newConnection(tc, builder, &NoopLogger{})
	require.NotNil(t, onData)

	return c, tc, unit, onData
}

func TestConnection(t *testing.T) {
	t.Run("SendEncodesAndWrites", func(t *testing.T) {
		c, tc, unit, _ := newMockConnection(t)

		tc.EXPECT().IsOpen().Return(true)
		gomock.InOrder(
			unit.EXPECT().Encode([]byte("hi")).Return([]byte("<hi>"), nil),
			tc.EXPECT().Write([]byte("<hi>")).Return(nil),
		)

		require.NoError(t, c.Send([]byte("hi")))
		require.Equal(t, uint64(42), c.ID())
		require.Same(t, unit, c.Unit())
	})

	t.Run("SendReleasesPooledFrames", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		tc := mock.NewMockConn(ctrl)
		tc.EXPECT().OnData(gomock.Any())
		tc.EXPECT().IsOpen().Return(true)

		var written []byte
		tc.EXPECT().Write(gomock.Any()).DoAndReturn(func(p []byte) error {
			written = append([]byte(nil), p...)
			return nil
		})

		c := newConnection(tc, protocol.LengthPrefixed(2), &NoopLogger{})
		require.NoError(t, c.Send([]byte("abc")))
		require.Equal(t, []byte{0, 3, 'a', 'b', 'c'}, written)
	})

	t.Run("SendOnClosed", func(t *testing.T) {
		c, tc, _, _ := newMockConnection(t)
		tc.EXPECT().IsOpen().Return(false)
		require.ErrorIs(t, c.Send([]byte("x")), ErrConnectionClosed)
	})

	t.Run("SendMapsTransportClosed", func(t *testing.T) {
		c, tc, unit, _ := newMockConnection(t)
		tc.EXPECT().IsOpen().Return(true)
		unit.EXPECT().Encode(gomock.Any()).Return([]byte("x"), nil)
		tc.EXPECT().Write(gomock.Any()).Return(transport.ErrConnClosed)

		require.ErrorIs(t, c.Send([]byte("x")), ErrConnectionClosed)
	})

	t.Run("SendEncodeError", func(t *testing.T) {
		c, tc, unit, _ := newMockConnection(t)
		tc.EXPECT().IsOpen().Return(true)
		unit.EXPECT().Encode(gomock.Any()).Return(nil, protocol.ErrMaxLenExceeded)

		require.ErrorIs(t, c.Send([]byte("x")), protocol.ErrMaxLenExceeded)
	})

	t.Run("ReceiveDeliversDecodedMessages", func(t *testing.T) {
		c, _, unit, onData := newMockConnection(t)
		unit.EXPECT().Decode([]byte("raw")).Return([][]byte{[]byte("a"), []byte("b")}, nil)

		var got []string
		c.OnReceive(func(conn *Connection, msg []byte) {
			require.Same(t, c, conn)
			got = append(got, string(msg))
		})

		onData([]byte("raw"))
		require.Equal(t, []string{"a", "b"}, got)
	})

	t.Run("ReceiveWithoutHandler", func(t *testing.T) {
		_, _, unit, onData := newMockConnection(t)
		unit.EXPECT().Decode(gomock.Any()).Return([][]byte{[]byte("a")}, nil)
		require.NotPanics(t, func() { onData([]byte("a")) })
	})

	t.Run("DecodeErrorCloses", func(t *testing.T) {
		c, tc, unit, onData := newMockConnection(t)
		unit.EXPECT().Decode(gomock.Any()).Return([][]byte{[]byte("ok")}, errors.New("bad frame"))
		tc.EXPECT().Close().Return(nil)
		tc.EXPECT().RemoteAddr().Return(nil).AnyTimes()

		var got []string
		c.OnReceive(func(_ *Connection, msg []byte) { got = append(got, string(msg)) })

		onData([]byte("junk"))
		require.Equal(t, []string{"ok"}, got)
	})

	t.Run("DisconnectRunsOnce", func(t *testing.T) {
		c, tc, _, _ := newMockConnection(t)
		tc.EXPECT().IsOpen().Return(true).AnyTimes()

		calls := 0
		c.OnDisconnect(func(*Connection) { calls++ })
		require.True(t, c.IsConnected())

		c.disconnect()
		c.disconnect()
		require.Equal(t, 1, calls)
		require.False(t, c.IsConnected())
	})

	t.Run("Close", func(t *testing.T) {
		c, tc, _, _ := newMockConnection(t)
		tc.EXPECT().Close().Return(nil)
		require.NoError(t, c.Close())
	})
}
