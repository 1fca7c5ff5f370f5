package tcp

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/andrei-cloud/aserve/transport"
)

type recorder struct {
	started chan struct{}
	failed  chan error
	conns   chan transport.Conn

	mu     sync.Mutex
	events []string
}

func newRecorder() *recorder {
	return &recorder{
		started: make(chan struct{}, 1),
		failed:  make(chan error, 1),
		conns:   make(chan transport.Conn, 8),
	}
}

func (r *recorder) add(ev string) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]string(nil), r.events...)
}

func (r *recorder) start(d *Driver) bool {
	return d.Start(
		func() { r.started <- struct{}{} },
		func(c transport.Conn) {
			r.add("new")
			c.OnData(func(data []byte) { r.add("data:" + string(data)) })
			c.OnClose(func(uint64) { r.add("close") })
			r.conns <- c
		},
		func(err error) { r.failed <- err },
	)
}

func waitDone(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out")
	}
}

func startDriver(t *testing.T, opts transport.Options) (*Driver, *recorder) {
	t.Helper()
	if opts.Address == "" {
		opts.Address = "127.0.0.1:0"
	}
	d := New(opts)
	r := newRecorder()
	require.True(t, r.start(d))

	select {
	case <-r.started:
	case err := <-r.failed:
		t.Fatalf("driver failed to start: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("driver did not start")
	}
	require.True(t, d.IsRunning())

	return d, r
}

func TestDriver(t *testing.T) {
	t.Run("AcceptReadClose", func(t *testing.T) {
		d, r := startDriver(t, transport.Options{})

		addr, err := d.Addr()
		require.NoError(t, err)

		client, err := net.Dial("tcp", addr.String())
		require.NoError(t, err)

		var c transport.Conn
		select {
		case c = <-r.conns:
		case <-time.After(3 * time.Second):
			t.Fatal("no connection")
		}
		require.NotZero(t, c.ID())

		_, err = client.Write([]byte("hi"))
		require.NoError(t, err)
		require.Eventually(t, func() bool { return len(r.snapshot()) >= 2 }, 3*time.Second, 5*time.Millisecond)

		require.NoError(t, c.Write([]byte("yo")))
		buf := make([]byte, 2)
		_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, err = client.Read(buf)
		require.NoError(t, err)
		require.Equal(t, "yo", string(buf))

		require.NoError(t, client.Close())
		require.Eventually(t, func() bool { return len(r.snapshot()) == 3 }, 3*time.Second, 5*time.Millisecond)
		require.Equal(t, []string{"new", "data:hi", "close"}, r.snapshot())
		require.Equal(t, 0, d.tracker.Len())

		d.Stop()
		waitDone(t, d.Loop().Done())
		require.False(t, d.IsRunning())
	})

	t.Run("StopClosesConnections", func(t *testing.T) {
		d, r := startDriver(t, transport.Options{Workers: 2})
		addr, err := d.Addr()
		require.NoError(t, err)

		var clients []net.Conn
		for range 3 {
			client, err := net.Dial("tcp", addr.String())
			require.NoError(t, err)
			defer client.Close()
			clients = append(clients, client)
			<-r.conns
		}

		d.Stop()
		d.Stop()
		waitDone(t, d.Loop().Done())

		closes := 0
		for _, ev := range r.snapshot() {
			if ev == "close" {
				closes++
			}
		}
		require.Equal(t, 3, closes)
		require.Equal(t, 0, d.tracker.Len())

		_, err = net.DialTimeout("tcp", addr.String(), 200*time.Millisecond)
		require.Error(t, err)
	})

	t.Run("PortInUse", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer ln.Close()

		d := New(transport.Options{Address: ln.Addr().String()})
		r := newRecorder()
		require.True(t, r.start(d))

		select {
		case err := <-r.failed:
			require.Error(t, err)
			require.NotEmpty(t, err.Error())
		case <-r.started:
			t.Fatal("driver started on a bound port")
		case <-time.After(3 * time.Second):
			t.Fatal("no failure reported")
		}

		waitDone(t, d.Loop().Done())
		require.False(t, d.IsRunning())
		_, err = d.Addr()
		require.ErrorIs(t, err, transport.ErrNotListening)
	})

	t.Run("StartTwice", func(t *testing.T) {
		d, r := startDriver(t, transport.Options{})
		require.False(t, r.start(d))
		d.Stop()
		waitDone(t, d.Loop().Done())
	})

	t.Run("StopBeforeStart", func(t *testing.T) {
		d := New(transport.Options{Address: "127.0.0.1:0"})
		d.Stop()
		waitDone(t, d.Loop().Done())
		require.False(t, newRecorder().start(d))
	})

	t.Run("MaxConns", func(t *testing.T) {
		d, r := startDriver(t, transport.Options{MaxConns: 1})
		addr, err := d.Addr()
		require.NoError(t, err)

		first, err := net.Dial("tcp", addr.String())
		require.NoError(t, err)
		defer first.Close()
		<-r.conns

		second, err := net.Dial("tcp", addr.String())
		require.NoError(t, err)
		defer second.Close()

		_ = second.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, err = second.Read(make([]byte, 1))
		require.Error(t, err)
		require.Equal(t, 1, d.tracker.Len())

		d.Stop()
		waitDone(t, d.Loop().Done())
	})

	t.Run("IdleTimeout", func(t *testing.T) {
		d, r := startDriver(t, transport.Options{IdleTimeout: 50 * time.Millisecond, KeepAlive: time.Second})
		addr, err := d.Addr()
		require.NoError(t, err)

		client, err := net.Dial("tcp", addr.String())
		require.NoError(t, err)
		defer client.Close()
		<-r.conns

		require.Eventually(t, func() bool {
			evs := r.snapshot()
			return len(evs) > 0 && evs[len(evs)-1] == "close"
		}, 3*time.Second, 10*time.Millisecond)

		d.Stop()
		waitDone(t, d.Loop().Done())
	})
}
