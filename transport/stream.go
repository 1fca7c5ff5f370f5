package transport

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultReadBufferSize is the size of the per-connection read buffer.
const DefaultReadBufferSize = 4 * 1024

// StreamConn implements Conn over a net.Conn. A reader goroutine started by
// Serve forwards inbound bytes to the loop and posts the close notification
// once the connection fails or is closed.
type StreamConn struct {
	id          uint64
	conn        net.Conn
	loop        *Loop
	logger      Logger
	idleTimeout time.Duration

	writeMu   sync.Mutex // serializes concurrent writes.
	open      atomic.Bool
	closeOnce sync.Once

	mu       sync.Mutex // guards handlers and notified.
	onData   func([]byte)
	onClose  []func(uint64)
	notified bool
}

var _ Conn = (*StreamConn)(nil)

// NewStreamConn wraps c. The connection is open but not read until Serve runs.
func NewStreamConn(id uint64, c net.Conn, loop *Loop, idleTimeout time.Duration, logger Logger) *StreamConn {
	if logger == nil {
		logger = &NoopLogger{}
	}

	sc := &StreamConn{
		id:          id,
		conn:        c,
		loop:        loop,
		logger:      logger,
		idleTimeout: idleTimeout,
	}
	sc.open.Store(true)

	return sc
}

func (c *StreamConn) ID() uint64 {
	return c.id
}

func (c *StreamConn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

func (c *StreamConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// NetConn returns the underlying connection.
func (c *StreamConn) NetConn() net.Conn {
	return c.conn
}

func (c *StreamConn) IsOpen() bool {
	return c.open.Load()
}

func (c *StreamConn) Write(p []byte) error {
	if !c.open.Load() {
		return ErrConnClosed
	}

	c.writeMu.Lock()
	_, err := c.conn.Write(p)
	c.writeMu.Unlock()

	if err != nil {
		if !c.open.Load() || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
			return ErrConnClosed
		}
		c.logger.Warnf("conn %d: write error: %v", c.id, err)
		if cerr := c.Close(); cerr != nil {
			c.logger.Debugf("conn %d: close after write error: %v", c.id, cerr)
		}

		return err
	}

	return nil
}

func (c *StreamConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.open.Store(false)
		err = c.conn.Close()
	})

	return err
}

func (c *StreamConn) OnData(fn func(data []byte)) {
	c.mu.Lock()
	c.onData = fn
	c.mu.Unlock()
}

func (c *StreamConn) OnClose(fn func(id uint64)) {
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

// Serve reads from the connection until it fails, then closes it and posts
// the close notification. It blocks and is meant to run on its own goroutine.
func (c *StreamConn) Serve(bufSize int) {
	if bufSize <= 0 {
		bufSize = DefaultReadBufferSize
	}
	buf := make([]byte, bufSize)

	for {
		if c.idleTimeout > 0 {
			if err := c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout)); err != nil {
				c.logger.Debugf("conn %d: set read deadline error: %v", c.id, err)
			}
		}

		n, err := c.conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			c.loop.Post(func() { c.dispatchData(data) })
		}

		if err != nil {
			var ne net.Error
			switch {
			case errors.As(err, &ne) && ne.Timeout():
				c.logger.Infof("conn %d: closing idle connection %v", c.id, c.RemoteAddr())
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), errors.Is(err, io.ErrClosedPipe):
			default:
				c.logger.Debugf("conn %d: read error: %v", c.id, err)
			}

			break
		}
	}

	if err := c.Close(); err != nil {
		c.logger.Debugf("conn %d: close error: %v", c.id, err)
	}

	c.NotifyClosed()
}

// NotifyClosed posts the close notification to the loop. Drivers call it
// directly only for connections that never reached Serve. If the loop no
// longer accepts tasks the handlers run on the calling goroutine.
func (c *StreamConn) NotifyClosed() {
	if !c.loop.Post(c.dispatchClose) {
		c.logger.Warnf("conn %d: loop stopped, running close handlers inline", c.id)
		c.dispatchClose()
	}
}

func (c *StreamConn) dispatchData(data []byte) {
	c.mu.Lock()
	fn := c.onData
	c.mu.Unlock()

	if fn != nil {
		fn(data)
	}
}

func (c *StreamConn) dispatchClose() {
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
