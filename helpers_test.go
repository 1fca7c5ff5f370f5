package aserve

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/andrei-cloud/aserve/protocol"
	"github.com/andrei-cloud/aserve/transport"
	"github.com/andrei-cloud/aserve/transport/memory"
)

const testTimeout = 3 * time.Second

// waitGroupWithTimeout waits for wg and reports whether it finished in time.
func waitGroupWithTimeout(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// memoryDrivers records the memory drivers created by a config.
type memoryDrivers struct {
	mu      sync.Mutex
	drivers []*memory.Driver
	prepare func(d *memory.Driver)
}

func (m *memoryDrivers) factory(opts transport.Options) (transport.Driver, error) {
	d := memory.New(opts)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.prepare != nil {
		m.prepare(d)
	}
	m.drivers = append(m.drivers, d)

	return d, nil
}

// last returns the most recently created driver.
func (m *memoryDrivers) last() *memory.Driver {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.drivers) == 0 {
		return nil
	}

	return m.drivers[len(m.drivers)-1]
}

func memoryConfig(opts ...Option) (Config, *memoryDrivers) {
	md := &memoryDrivers{}
	base := []Option{
		WithTransport("memory"),
		WithDriverFactory(md.factory),
		WithProtocol(protocol.LengthPrefixed(2)),
	}

	return Configurate(append(base, opts...)...), md
}

// startMemoryServer starts s on a memory driver and waits until it runs.
func startMemoryServer(t *testing.T, s *Server, opts ...Option) *memoryDrivers {
	t.Helper()
	cfg, md := memoryConfig(opts...)
	require.True(t, s.Start(cfg).Wait(false), "server failed to start: %v", s.Err())
	t.Cleanup(func() { s.Stop(true) })

	return md
}

// collectConns returns an OnNewConnection handler that forwards connections.
func collectConns(buf int) (func(*Connection), <-chan *Connection) {
	ch := make(chan *Connection, buf)
	return func(c *Connection) { ch <- c }, ch
}

func recvConn(t *testing.T, ch <-chan *Connection) *Connection {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(testTimeout):
		t.Fatal("no connection delivered")
		return nil
	}
}

func readFrame(t *testing.T, c net.Conn) string {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(testTimeout))
	msg, err := protocol.ReadFrame(c, 2)
	require.NoError(t, err)

	return string(msg)
}

func writeFrame(t *testing.T, c net.Conn, msg string) {
	t.Helper()
	_ = c.SetWriteDeadline(time.Now().Add(testTimeout))
	require.NoError(t, protocol.WriteFrame(c, 2, []byte(msg)))
}
