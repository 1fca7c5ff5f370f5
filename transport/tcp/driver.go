// Package tcp implements transport.Driver on top of the standard library
// net package: one accept goroutine, one reader goroutine per connection and
// all callbacks funneled through the driver loop.
package tcp

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"github.com/andrei-cloud/aserve/transport"
)

const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

var (
	_ transport.Driver    = (*Driver)(nil)
	_ transport.Addresser = (*Driver)(nil)
)

// Driver accepts TCP (or unix socket) connections.
type Driver struct {
	opts    transport.Options
	logger  transport.Logger
	loop    *transport.Loop
	tracker *transport.Tracker

	mu       sync.Mutex // guards the fields below.
	listener net.Listener
	started  bool
	stopping bool

	running    atomic.Bool
	acceptDone chan struct{} // closed when the accept goroutine exits.

	onStart   transport.StartFunc
	onNewConn transport.NewConnFunc
	onFail    transport.FailFunc
}

// New creates a driver that listens on opts.Address once started.
func New(opts transport.Options) *Driver {
	opts.ApplyDefaults()

	return &Driver{
		opts:       opts,
		logger:     opts.Logger,
		loop:       transport.NewLoop(opts.LoopName, opts.QueueSize, opts.Logger),
		tracker:    transport.NewTracker(),
		acceptDone: make(chan struct{}),
	}
}

func (d *Driver) Start(onStart transport.StartFunc, onNewConn transport.NewConnFunc, onFail transport.FailFunc) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started || d.stopping {
		return false
	}
	d.started = true
	d.onStart = onStart
	d.onNewConn = onNewConn
	d.onFail = onFail

	d.loop.Start()

	return d.loop.Post(d.listen)
}

func (d *Driver) Stop() {
	d.mu.Lock()
	if d.stopping {
		d.mu.Unlock()
		return
	}
	d.stopping = true
	d.running.Store(false)
	started := d.started
	ln := d.listener
	d.mu.Unlock()

	if !started {
		d.loop.Stop()
		return
	}

	go d.teardown(ln)
}

func (d *Driver) IsRunning() bool {
	return d.running.Load()
}

func (d *Driver) Loop() *transport.Loop {
	return d.loop
}

// Addr returns the address the listener is bound to.
func (d *Driver) Addr() (net.Addr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.listener == nil {
		return nil, transport.ErrNotListening
	}

	return d.listener.Addr(), nil
}

// listen runs on the loop so that bind errors reach onFail like any other
// asynchronous start failure.
func (d *Driver) listen() {
	d.mu.Lock()
	if d.stopping {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	ln, err := net.Listen(d.opts.Network, d.opts.Address)
	if err != nil {
		d.fail(fmt.Errorf("listen %s %s: %w", d.opts.Network, d.opts.Address, err))
		d.Stop()

		return
	}

	d.mu.Lock()
	if d.stopping {
		d.mu.Unlock()
		if err := ln.Close(); err != nil {
			d.logger.Debugf("listener close error: %v", err)
		}

		return
	}
	d.listener = ln
	d.running.Store(true)
	d.mu.Unlock()

	go d.acceptLoop(ln)

	d.logger.Infof("tcp driver listening on %s", ln.Addr())

	if d.onStart != nil {
		d.onStart()
	}
}

func (d *Driver) acceptLoop(ln net.Listener) {
	defer close(d.acceptDone)

	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || d.isStopping() {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Temporary() { //nolint:staticcheck // accept backoff.
				if delay == 0 {
					delay = minAcceptDelay
				} else if delay *= 2; delay > maxAcceptDelay {
					delay = maxAcceptDelay
				}
				d.logger.Warnf("accept error: %v; retrying in %v", err, delay)
				time.Sleep(delay)

				continue
			}

			d.running.Store(false)
			failure := fmt.Errorf("accept on %s: %w", ln.Addr(), err)
			d.logger.Errorf("%v", failure)
			d.loop.Post(func() { d.fail(failure) })

			return
		}
		delay = 0

		if d.opts.MaxConns > 0 && d.tracker.Len() >= d.opts.MaxConns {
			d.logger.Warnf("connection limit %d reached, rejecting %v", d.opts.MaxConns, conn.RemoteAddr())
			if err := conn.Close(); err != nil {
				d.logger.Debugf("connection close error: %v", err)
			}

			continue
		}

		d.handleNewConnection(conn)
	}
}

func (d *Driver) handleNewConnection(conn net.Conn) {
	if tcpConn, ok := conn.(*net.TCPConn); ok && d.opts.KeepAlive > 0 {
		if err := tcpConn.SetKeepAlive(true); err != nil {
			d.logger.Debugf("set keepalive error: %v", err)
		}
		if err := tcpConn.SetKeepAlivePeriod(d.opts.KeepAlive); err != nil {
			d.logger.Debugf("set keepalive period error: %v", err)
		}
	}

	sc := transport.NewStreamConn(d.tracker.NextID(), conn, d.loop, d.opts.IdleTimeout, d.logger)
	d.tracker.Add(sc)
	sc.OnClose(func(id uint64) { d.tracker.Remove(id) })

	if !d.loop.Post(func() { d.newConn(sc) }) {
		if err := sc.Close(); err != nil {
			d.logger.Debugf("connection close error: %v", err)
		}
		sc.NotifyClosed()

		return
	}

	go sc.Serve(transport.DefaultReadBufferSize)
}

func (d *Driver) teardown(ln net.Listener) {
	var errs error

	if ln != nil {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = multierr.Append(errs, err)
		}
		<-d.acceptDone
	}

	errs = multierr.Append(errs, d.tracker.CloseAll(d.opts.Workers))
	d.tracker.Wait()

	if errs != nil {
		d.logger.Warnf("tcp driver teardown: %v", errs)
	}
	d.logger.Infof("tcp driver stopped")

	d.loop.Stop()
}

func (d *Driver) newConn(c transport.Conn) {
	if d.onNewConn != nil {
		d.onNewConn(c)
	}
}

func (d *Driver) fail(err error) {
	if d.onFail != nil {
		d.onFail(err)
	}
}

func (d *Driver) isStopping() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.stopping
}
