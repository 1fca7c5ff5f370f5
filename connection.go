package aserve

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/andrei-cloud/aserve/protocol"
	"github.com/andrei-cloud/aserve/transport"
)

// Connection is a client connection accepted by the server. Its handlers
// run on the server's execution context.
type Connection struct {
	conn   transport.Conn
	unit   protocol.Unit
	logger Logger

	mu           sync.Mutex // guards handlers.
	onReceive    func(*Connection, []byte)
	onDisconnect func(*Connection)
	disconnected atomic.Bool
}

func newConnection(conn transport.Conn, builder protocol.Builder, logger Logger) *Connection {
	c := &Connection{
		conn:   conn,
		unit:   builder.Build(conn),
		logger: logger,
	}
	conn.OnData(c.receive)

	return c
}

// ID returns the transport-assigned connection id.
func (c *Connection) ID() uint64 {
	return c.conn.ID()
}

func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *Connection) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// Unit returns the protocol unit built for this connection.
func (c *Connection) Unit() protocol.Unit {
	return c.unit
}

// IsConnected reports whether the connection is still open.
func (c *Connection) IsConnected() bool {
	return !c.disconnected.Load() && c.conn.IsOpen()
}

// Send encodes msg with the connection's protocol and writes it. It is safe
// to call from any goroutine.
func (c *Connection) Send(msg []byte) error {
	if !c.IsConnected() {
		return ErrConnectionClosed
	}

	frame, err := c.unit.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	err = c.conn.Write(frame)
	if r, ok := c.unit.(protocol.Releaser); ok {
		r.Release(frame)
	}
	if errors.Is(err, transport.ErrConnClosed) {
		return ErrConnectionClosed
	}

	return err
}

// OnReceive sets the handler for decoded inbound messages. The message
// slice is only valid until the handler returns.
func (c *Connection) OnReceive(fn func(c *Connection, msg []byte)) {
	c.mu.Lock()
	c.onReceive = fn
	c.mu.Unlock()
}

// OnDisconnect sets the handler run once after the connection is removed
// from the registry.
func (c *Connection) OnDisconnect(fn func(c *Connection)) {
	c.mu.Lock()
	c.onDisconnect = fn
	c.mu.Unlock()
}

// Close closes the connection. The disconnect handler still runs on the
// execution context.
func (c *Connection) Close() error {
	return c.conn.Close()
}

func (c *Connection) String() string {
	return fmt.Sprintf("conn %d (%v)", c.ID(), c.RemoteAddr())
}

func (c *Connection) receive(data []byte) {
	msgs, err := c.unit.Decode(data)

	c.mu.Lock()
	fn := c.onReceive
	c.mu.Unlock()

	if fn != nil {
		for _, msg := range msgs {
			fn(c, msg)
		}
	}

	if err != nil {
		c.logger.Warnf("%v: protocol error: %v", c, err)
		if cerr := c.conn.Close(); cerr != nil {
			c.logger.Debugf("%v: close error: %v", c, cerr)
		}
	}
}

func (c *Connection) disconnect() {
	if c.disconnected.Swap(true) {
		return
	}

	c.mu.Lock()
	fn := c.onDisconnect
	c.mu.Unlock()

	if fn != nil {
		fn(c)
	}
}
