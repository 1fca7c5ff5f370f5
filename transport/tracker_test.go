package transport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newPipeConn(t *testing.T, tr *Tracker, l *Loop) (*StreamConn, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { _ = client.Close() })

	return NewStreamConn(tr.NextID(), server, l, 0, nil), client
}

func TestTracker(t *testing.T) {
	t.Run("MonotonicIDs", func(t *testing.T) {
		tr := NewTracker()
		prev := tr.NextID()
		for range 100 {
			id := tr.NextID()
			require.Greater(t, id, prev)
			prev = id
		}
	})

	t.Run("AddRemoveSnapshot", func(t *testing.T) {
		tr := NewTracker()
		l := NewLoop("tracker", 0, nil)

		c1, _ := newPipeConn(t, tr, l)
		c2, _ := newPipeConn(t, tr, l)
		tr.Add(c2)
		tr.Add(c1)
		require.Equal(t, 2, tr.Len())

		snap := tr.Snapshot()
		require.Len(t, snap, 2)
		require.Equal(t, c1.ID(), snap[0].ID())
		require.Equal(t, c2.ID(), snap[1].ID())

		require.True(t, tr.Remove(c1.ID()))
		require.False(t, tr.Remove(c1.ID()))
		require.True(t, tr.Remove(c2.ID()))
		require.Equal(t, 0, tr.Len())

		done := make(chan struct{})
		go func() {
			tr.Wait()
			close(done)
		}()
		waitClosed(t, done)
	})

	t.Run("CloseAllThenWait", func(t *testing.T) {
		tr := NewTracker()
		l := NewLoop("tracker", 0, nil)
		l.Start()
		defer l.Stop()

		var conns []*StreamConn
		for range 5 {
			c, _ := newPipeConn(t, tr, l)
			tr.Add(c)
			c.OnClose(func(id uint64) { tr.Remove(id) })
			go c.Serve(0)
			conns = append(conns, c)
		}

		require.NoError(t, tr.CloseAll(2))

		done := make(chan struct{})
		go func() {
			tr.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("tracker did not drain")
		}

		for _, c := range conns {
			require.False(t, c.IsOpen())
		}
		require.Equal(t, 0, tr.Len())
	})
}
