package aserve

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/andrei-cloud/aserve/protocol"
	"github.com/andrei-cloud/aserve/transport"
)

// Server is an embeddable asynchronous network server. It owns one
// transport driver per start attempt and bridges the driver's callbacks to
// the user's handlers. All handlers run serially on the driver's execution
// context.
type Server struct {
	id       string
	registry *Registry // live connections.
	metrics  *metrics

	mu       sync.Mutex
	cond     *sync.Cond
	state    State
	attempt  uint64 // current start attempt, 0 before the first Start.
	resolved bool   // the current attempt reached on_start or failed.
	started  bool   // on_start fired before any failure.
	failed   bool
	degraded bool // a transport failure was reported after start.
	err      error
	driver   transport.Driver
	builder  protocol.Builder
	logger   Logger

	onStart   func()
	onNewConn func(*Connection)
	onFail    func(error)
}

// New returns an idle server.
func New() *Server {
	s := &Server{
		id:       uuid.NewString(),
		registry: NewRegistry(),
		logger:   &NoopLogger{},
	}
	s.cond = sync.NewCond(&s.mu)
	s.metrics = newMetrics(s.id)

	return s
}

// ID returns the server instance id used in logs and metric labels.
func (s *Server) ID() string {
	return s.id
}

// OnStart sets the handler run once the transport is accepting.
func (s *Server) OnStart(fn func()) *Server {
	s.mu.Lock()
	s.onStart = fn
	s.mu.Unlock()

	return s
}

// OnNewConnection sets the handler run for every accepted connection. It
// runs after the connection is in the registry.
func (s *Server) OnNewConnection(fn func(c *Connection)) *Server {
	s.mu.Lock()
	s.onNewConn = fn
	s.mu.Unlock()

	return s
}

// OnFail sets the handler for transport failures. The error is a
// *FailureError.
func (s *Server) OnFail(fn func(err error)) *Server {
	s.mu.Lock()
	s.onFail = fn
	s.mu.Unlock()

	return s
}

// Start begins an asynchronous start with cfg and returns s. The outcome is
// reported through OnStart or OnFail and can be awaited with Wait. Start is
// ignored while a previous start is starting or running. While a stop is in
// progress Start blocks until the teardown completes, so it must not be
// called from a handler after Stop.
func (s *Server) Start(cfg Config) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.state == Stopping {
		s.cond.Wait()
	}

	switch s.state {
	case Starting, Running:
		s.logger.Warnf("server %s: start ignored, state is %s", s.id, s.state)
		return s
	}

	if cfg.Logger != nil {
		s.logger = cfg.Logger
	}
	s.attempt++
	s.state = Starting
	s.resolved = false
	s.started = false
	s.failed = false
	s.degraded = false
	s.err = nil

	if err := cfg.Validate(); err != nil {
		s.settleLocked(&FailureError{Kind: ConfigInvalid, Err: err})
		return s
	}
	if err := s.metrics.register(cfg.Registerer); err != nil {
		s.logger.Warnf("server %s: register metrics: %v", s.id, err)
	}

	driver, err := cfg.newDriver()
	if err != nil {
		s.settleLocked(&FailureError{Kind: TransportStartFailure, Err: err})
		return s
	}

	attempt := s.attempt
	s.driver = driver
	s.builder = cfg.Protocol

	s.logger.Infof("server %s: starting %s transport on %s", s.id, cfg.Transport, cfg.ListenAddress())

	ok := driver.Start(
		func() { s.handleStart(attempt) },
		func(c transport.Conn) { s.handleNewConn(attempt, c) },
		func(err error) { s.handleFail(attempt, err) },
	)
	if !ok {
		driver.Stop()
		s.driver = nil
		s.settleLocked(&FailureError{Kind: TransportStartFailure, Err: ErrTransportRejected})
	}

	return s
}

// settleLocked ends a start attempt that never reached the driver.
func (s *Server) settleLocked(ferr *FailureError) {
	s.failed = true
	s.err = ferr
	s.resolved = true
	s.state = Stopped
	s.metrics.failure(ferr.Kind)
	s.logger.Errorf("server %s: %v", s.id, ferr)
	s.cond.Broadcast()
}

// Wait blocks until the current start attempt resolves and reports whether
// the server started. With untilStop it then blocks until the server is
// stopped and reports whether the run ended without failures.
func (s *Server) Wait(untilStop bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	attempt := s.attempt
	if attempt == 0 {
		return false
	}

	for !s.resolved && s.attempt == attempt {
		s.cond.Wait()
	}
	started := s.started && s.attempt == attempt
	if !untilStop {
		return started
	}

	for s.state != Stopped && s.attempt == attempt {
		s.cond.Wait()
	}

	return started && !s.degraded && s.attempt == attempt
}

// Stop stops the transport. It is a no-op when the server is not running.
// With waitForRemoval it blocks until every connection is removed and the
// server is stopped; it must not be called that way from a handler.
func (s *Server) Stop(waitForRemoval bool) {
	s.mu.Lock()
	attempt := s.attempt
	switch s.state {
	case Starting, Running:
		driver := s.beginStopLocked()
		logger := s.logger
		s.mu.Unlock()
		logger.Infof("server %s: stopping", s.id)
		driver.Stop()
	default:
		s.mu.Unlock()
	}

	if !waitForRemoval {
		return
	}

	s.mu.Lock()
	for s.state == Stopping && s.attempt == attempt {
		s.cond.Wait()
	}
	s.mu.Unlock()
}

// Close stops the server and waits for the teardown. It always returns nil.
func (s *Server) Close() error {
	s.Stop(true)
	return nil
}

// beginStopLocked moves to Stopping and starts the teardown watcher.
func (s *Server) beginStopLocked() transport.Driver {
	driver := s.driver
	s.state = Stopping
	s.resolved = true
	s.cond.Broadcast()

	go s.awaitTeardown(s.attempt, driver)

	return driver
}

func (s *Server) awaitTeardown(attempt uint64, driver transport.Driver) {
	<-driver.Loop().Done()

	logger := s.log()
	for _, c := range s.registry.Snapshot() {
		if _, ok := s.registry.Remove(c.ID()); ok {
			logger.Warnf("server %s: %v still registered after teardown", s.id, c)
			s.metrics.connClosed()
			c.disconnect()
		}
	}

	s.mu.Lock()
	if s.attempt == attempt {
		s.driver = nil
		s.state = Stopped
		s.cond.Broadcast()
	}
	s.mu.Unlock()

	logger.Infof("server %s: stopped", s.id)
}

// log returns the logger of the current start attempt.
func (s *Server) log() Logger {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.logger
}

func (s *Server) handleStart(attempt uint64) {
	s.mu.Lock()
	if s.attempt != attempt || s.state != Starting {
		s.mu.Unlock()
		return
	}
	s.state = Running
	s.started = true
	s.resolved = true
	fn := s.onStart
	logger := s.logger
	s.cond.Broadcast()
	s.mu.Unlock()

	logger.Infof("server %s: running", s.id)

	if fn != nil {
		fn()
	}
}

func (s *Server) handleNewConn(attempt uint64, tc transport.Conn) {
	s.mu.Lock()
	if s.attempt != attempt {
		s.mu.Unlock()
		_ = tc.Close()
		return
	}
	builder := s.builder
	logger := s.logger
	fn := s.onNewConn
	s.mu.Unlock()

	c := newConnection(tc, builder, logger)
	s.registry.Insert(c.ID(), c)
	s.metrics.connAccepted()
	tc.OnClose(s.handleDisconnect)

	logger.Debugf("server %s: new %v", s.id, c)

	if fn != nil {
		fn(c)
	}
}

func (s *Server) handleDisconnect(id uint64) {
	c, ok := s.registry.Remove(id)
	if !ok {
		return
	}
	s.metrics.connClosed()
	s.log().Debugf("server %s: %v disconnected", s.id, c)

	c.disconnect()
}

func (s *Server) handleFail(attempt uint64, err error) {
	s.mu.Lock()
	if s.attempt != attempt {
		s.mu.Unlock()
		return
	}

	var (
		ferr   *FailureError
		driver transport.Driver
	)
	switch s.state {
	case Starting:
		ferr = &FailureError{Kind: TransportStartFailure, Err: err}
		driver = s.beginStopLocked()
	default:
		ferr = &FailureError{Kind: TransportAsyncFailure, Err: err}
		s.degraded = true
	}
	s.failed = true
	s.err = ferr
	fn := s.onFail
	logger := s.logger
	s.mu.Unlock()

	s.metrics.failure(ferr.Kind)
	logger.Errorf("server %s: %v", s.id, ferr)

	if driver != nil {
		driver.Stop()
	}
	if fn != nil {
		fn(ferr)
	}
}

// Post queues work on the execution context. Work posted while no
// transport is active is dropped.
func (s *Server) Post(work func()) {
	if work == nil {
		return
	}

	s.mu.Lock()
	driver := s.driver
	logger := s.logger
	s.mu.Unlock()

	if driver == nil || !driver.Loop().Post(work) {
		logger.Debugf("server %s: post dropped: %v", s.id, ErrNotRunning)
		return
	}
	s.metrics.taskPosted()
}

// IsRunning reports whether the transport is accepting connections.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	driver := s.driver
	s.mu.Unlock()

	return driver != nil && driver.IsRunning()
}

// State returns the lifecycle state.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// Failed reports whether the last start attempt recorded a failure.
func (s *Server) Failed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.failed
}

// Err returns the last failure of the current start attempt.
func (s *Server) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.err
}

// Addr returns the bound address of the active transport.
func (s *Server) Addr() (net.Addr, error) {
	s.mu.Lock()
	driver := s.driver
	s.mu.Unlock()

	if driver == nil {
		return nil, ErrNotRunning
	}
	a, ok := driver.(transport.Addresser)
	if !ok {
		return nil, fmt.Errorf("%T does not report its address", driver)
	}

	return a.Addr()
}

// Connections returns the live connections ordered by id.
func (s *Server) Connections() []*Connection {
	return s.registry.Snapshot()
}

// Len returns the number of live connections.
func (s *Server) Len() int {
	return s.registry.Len()
}

// Broadcast sends msg to every live connection. Connections that close
// while the broadcast runs are skipped.
func (s *Server) Broadcast(msg []byte) error {
	var errs error
	for _, c := range s.registry.Snapshot() {
		err := c.Send(msg)
		if err == nil || errors.Is(err, ErrConnectionClosed) {
			continue
		}
		errs = multierr.Append(errs, fmt.Errorf("%v: %w", c, err))
	}

	return errs
}
