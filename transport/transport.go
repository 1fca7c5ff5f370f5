// Package transport defines the plug-in contract between the server facade
// and the code that actually accepts and serves connections.
//
// A Driver owns an execution context (Loop) and reports its lifecycle and
// every accepted connection through callbacks that always run on that loop,
// one at a time. Drivers live in sub-packages: tcp (standard library
// sockets), netpoll (cloudwego/netpoll event loops) and memory (in-process
// pipes for tests).
package transport

//go:generate mockgen -source=transport.go -destination=../internal/mock/transport_mock.go -package=mock

import (
	"errors"
	"net"
	"time"
)

var (
	// ErrConnClosed is returned when writing to a closed connection.
	ErrConnClosed = errors.New("connection is closed")

	// ErrNotListening is returned by drivers asked to report an address before listening.
	ErrNotListening = errors.New("driver is not listening")
)

// StartFunc is called once the driver accepts connections.
type StartFunc func()

// FailFunc is called when the driver fails asynchronously, either while
// starting or while running.
type FailFunc func(err error)

// NewConnFunc is called for every accepted connection.
type NewConnFunc func(conn Conn)

// Driver accepts inbound connections and reports them to its owner.
type Driver interface {
	// Start requests the driver to begin accepting. The result tells whether
	// the request was accepted for asynchronous processing, not whether the
	// driver is already listening. Callbacks run on Loop.
	Start(onStart StartFunc, onNewConn NewConnFunc, onFail FailFunc) bool

	// Stop begins asynchronous teardown. It is idempotent. Once all
	// connections are closed and their close notifications have run, the
	// loop is stopped and Loop().Done() is closed.
	Stop()

	// IsRunning reports whether this driver is currently accepting.
	IsRunning() bool

	// Loop returns the execution context used for callbacks and posted work.
	Loop() *Loop
}

// Conn is one live inbound connection as seen by the driver.
type Conn interface {
	// ID is unique for the lifetime of the driver's owner.
	ID() uint64
	LocalAddr() net.Addr
	RemoteAddr() net.Addr

	// Write sends p as is. It is safe for concurrent use.
	Write(p []byte) error

	// Close closes the connection. The close notification is still delivered.
	Close() error

	// IsOpen reports whether the connection has not been closed yet.
	IsOpen() bool

	// OnData sets the handler for inbound bytes. It runs on the loop and
	// must not retain data after returning.
	OnData(fn func(data []byte))

	// OnClose adds a handler run on the loop once the connection is closed.
	// Handlers added after closure are still run.
	OnClose(fn func(id uint64))
}

// Options is the driver-facing subset of the server configuration.
type Options struct {
	Network     string        // "tcp", "tcp4", "tcp6" or "unix"
	Address     string        // host:port to listen on
	Workers     int           // driver I/O concurrency
	MaxConns    int           // maximum concurrent connections, 0 means no limit
	KeepAlive   time.Duration // TCP keep-alive period, 0 disables it
	IdleTimeout time.Duration // close connections idle for this long, 0 disables it
	LoopName    string        // execution context name used in logs
	QueueSize   int           // initial execution context queue capacity
	Logger      Logger
}

// ApplyDefaults fills unset fields.
func (o *Options) ApplyDefaults() {
	if o.Network == "" {
		o.Network = "tcp"
	}
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.LoopName == "" {
		o.LoopName = "aserve"
	}
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	if o.Logger == nil {
		o.Logger = &NoopLogger{}
	}
}

// Addresser is implemented by drivers that can report the address they are
// listening on, which differs from the configured one when port 0 is used.
type Addresser interface {
	Addr() (net.Addr, error)
}
