package memory

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/andrei-cloud/aserve/transport"
)

type recorder struct {
	started chan struct{}
	failed  chan error

	mu  sync.Mutex
	ids []uint64
	evs []string
}

func (r *recorder) start(d *Driver) bool {
	r.started = make(chan struct{}, 1)
	r.failed = make(chan error, 4)

	return d.Start(
		func() { r.started <- struct{}{} },
		func(c transport.Conn) {
			r.mu.Lock()
			r.ids = append(r.ids, c.ID())
			r.evs = append(r.evs, "new")
			r.mu.Unlock()
			c.OnData(func(data []byte) {
				r.mu.Lock()
				r.evs = append(r.evs, "data:"+string(data))
				r.mu.Unlock()
			})
			c.OnClose(func(uint64) {
				r.mu.Lock()
				r.evs = append(r.evs, "close")
				r.mu.Unlock()
			})
		},
		func(err error) { r.failed <- err },
	)
}

func (r *recorder) events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]string(nil), r.evs...)
}

func waitDone(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out")
	}
}

func TestDriver(t *testing.T) {
	t.Run("DialSendClose", func(t *testing.T) {
		d := New(transport.Options{})
		var r recorder
		require.True(t, r.start(d))
		waitDone(t, r.started)
		require.True(t, d.IsRunning())

		client, err := d.Dial()
		require.NoError(t, err)
		_, err = client.Write([]byte("ping"))
		require.NoError(t, err)
		require.NoError(t, client.Close())

		require.Eventually(t, func() bool { return len(r.events()) == 3 }, 3*time.Second, 5*time.Millisecond)
		require.Equal(t, []string{"new", "data:ping", "close"}, r.events())
		require.Equal(t, uint64(1), d.Accepted())

		addr, err := d.Addr()
		require.NoError(t, err)
		require.Equal(t, "memory", addr.Network())

		d.Stop()
		waitDone(t, d.Loop().Done())
		require.False(t, d.IsRunning())

		_, err = d.Dial()
		require.ErrorIs(t, err, ErrRefused)
	})

	t.Run("DistinctIDs", func(t *testing.T) {
		d := New(transport.Options{})
		var r recorder
		require.True(t, r.start(d))
		waitDone(t, r.started)

		for range 2 {
			c, err := d.Dial()
			require.NoError(t, err)
			defer c.Close()
		}
		require.Eventually(t, func() bool {
			r.mu.Lock()
			defer r.mu.Unlock()
			return len(r.ids) == 2
		}, 3*time.Second, 5*time.Millisecond)
		require.NotEqual(t, r.ids[0], r.ids[1])

		d.Stop()
		waitDone(t, d.Loop().Done())
	})

	t.Run("FailStart", func(t *testing.T) {
		d := New(transport.Options{})
		boom := errors.New("address already in use")
		d.FailStart(boom)

		var r recorder
		require.True(t, r.start(d))
		select {
		case err := <-r.failed:
			require.ErrorIs(t, err, boom)
		case <-r.started:
			t.Fatal("driver started")
		case <-time.After(3 * time.Second):
			t.Fatal("no failure")
		}
		waitDone(t, d.Loop().Done())
		require.False(t, d.IsRunning())
	})

	t.Run("InjectKeepsRunning", func(t *testing.T) {
		d := New(transport.Options{})
		var r recorder
		require.True(t, r.start(d))
		waitDone(t, r.started)

		require.True(t, d.Inject(errors.New("poller died")))
		select {
		case err := <-r.failed:
			require.EqualError(t, err, "poller died")
		case <-time.After(3 * time.Second):
			t.Fatal("no failure")
		}
		require.True(t, d.IsRunning())

		d.Stop()
		waitDone(t, d.Loop().Done())
	})

	t.Run("MaxConns", func(t *testing.T) {
		d := New(transport.Options{MaxConns: 1})
		var r recorder
		require.True(t, r.start(d))
		waitDone(t, r.started)

		c, err := d.Dial()
		require.NoError(t, err)
		defer c.Close()

		_, err = d.Dial()
		require.ErrorIs(t, err, ErrRefused)

		d.Stop()
		waitDone(t, d.Loop().Done())
	})
}
