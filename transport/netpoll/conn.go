//go:build !windows

package netpoll

import (
	"errors"
	"net"
	"sync"

	"github.com/cloudwego/netpoll"

	"github.com/andrei-cloud/aserve/transport"
)

var _ transport.Conn = (*conn)(nil)

// conn adapts a netpoll.Connection to transport.Conn.
type conn struct {
	id     uint64
	c      netpoll.Connection
	loop   *transport.Loop
	logger transport.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	onData   func([]byte)
	onClose  []func(uint64)
	notified bool
}

func newConn(id uint64, c netpoll.Connection, loop *transport.Loop, logger transport.Logger) *conn {
	return &conn{id: id, c: c, loop: loop, logger: logger}
}

func (c *conn) ID() uint64 {
	return c.id
}

func (c *conn) LocalAddr() net.Addr {
	return c.c.LocalAddr()
}

func (c *conn) RemoteAddr() net.Addr {
	return c.c.RemoteAddr()
}

func (c *conn) IsOpen() bool {
	return c.c.IsActive()
}

func (c *conn) Write(p []byte) error {
	if !c.c.IsActive() {
		return transport.ErrConnClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	w := c.c.Writer()
	if _, err := w.WriteBinary(p); err != nil {
		return normalizeErr(err)
	}

	return normalizeErr(w.Flush())
}

func (c *conn) Close() error {
	if !c.c.IsActive() {
		return nil
	}

	return normalizeErr(c.c.Close())
}

func (c *conn) OnData(fn func(data []byte)) {
	c.mu.Lock()
	c.onData = fn
	c.mu.Unlock()
}

func (c *conn) OnClose(fn func(id uint64)) {
	if fn == nil {
		return
	}

	c.mu.Lock()
	if !c.notified {
		c.onClose = append(c.onClose, fn)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if !c.loop.Post(func() { fn(c.id) }) {
		fn(c.id)
	}
}

// read drains what netpoll has buffered and forwards a copy to the loop.
func (c *conn) read() error {
	r := c.c.Reader()
	n := r.Len()
	if n == 0 {
		return nil
	}

	buf, err := r.Next(n)
	if err != nil {
		return normalizeErr(err)
	}
	data := make([]byte, len(buf))
	copy(data, buf)

	if err := r.Release(); err != nil {
		return normalizeErr(err)
	}

	c.loop.Post(func() { c.dispatchData(data) })

	return nil
}

func (c *conn) notifyClosed() {
	if !c.loop.Post(c.dispatchClose) {
		c.logger.Warnf("conn %d: loop stopped, running close handlers inline", c.id)
		c.dispatchClose()
	}
}

func (c *conn) dispatchData(data []byte) {
	c.mu.Lock()
	fn := c.onData
	c.mu.Unlock()

	if fn != nil {
		fn(data)
	}
}

func (c *conn) dispatchClose() {
	c.mu.Lock()
	if c.notified {
		c.mu.Unlock()
		return
	}
	c.notified = true
	handlers := c.onClose
	c.onClose = nil
	c.mu.Unlock()

	for _, fn := range handlers {
		fn(c.id)
	}
}

func normalizeErr(err error) error {
	if errors.Is(err, netpoll.ErrConnClosed) {
		return transport.ErrConnClosed
	}

	return err
}
