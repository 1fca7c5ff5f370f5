package aserve

import (
	"errors"
	"fmt"

	"github.com/andrei-cloud/aserve/transport"
)

var (
	// ErrConfigInvalid indicates Start was given a configuration it cannot use.
	ErrConfigInvalid = errors.New("invalid configuration")

	// ErrUnknownTransport indicates the configured transport is not registered.
	ErrUnknownTransport = errors.New("unknown transport")

	// ErrTransportRejected indicates the driver refused the start request.
	ErrTransportRejected = errors.New("transport rejected start request")

	// ErrTransportStart indicates the driver failed while starting.
	ErrTransportStart = errors.New("transport failed to start")

	// ErrTransportFailure indicates the driver failed while running.
	ErrTransportFailure = errors.New("transport failure")

	// ErrConnectionClosed indicates a send on a closed connection.
	ErrConnectionClosed = transport.ErrConnClosed

	// ErrNotRunning indicates an operation that needs a running transport.
	ErrNotRunning = errors.New("server is not running")
)

// FailureKind classifies server failures.
type FailureKind int

const (
	// ConfigInvalid is a synchronous configuration error found by Start.
	ConfigInvalid FailureKind = iota + 1
	// TransportStartFailure is reported when an accepted start request fails.
	TransportStartFailure
	// TransportAsyncFailure is reported when the transport fails while running.
	TransportAsyncFailure
)

func (k FailureKind) String() string {
	switch k {
	case ConfigInvalid:
		return "config_invalid"
	case TransportStartFailure:
		return "transport_start"
	case TransportAsyncFailure:
		return "transport_async"
	default:
		return "unknown"
	}
}

// FailureError is the error passed to OnFail callbacks and returned by Err.
type FailureError struct {
	Kind FailureKind
	Err  error
}

func (e *FailureError) Error() string {
	switch e.Kind {
	case ConfigInvalid:
		return e.Err.Error()
	case TransportStartFailure:
		return fmt.Sprintf("%v: %v", ErrTransportStart, e.Err)
	default:
		return fmt.Sprintf("%v: %v", ErrTransportFailure, e.Err)
	}
}

func (e *FailureError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel error of the failure kind.
func (e *FailureError) Is(target error) bool {
	switch e.Kind {
	case ConfigInvalid:
		return target == ErrConfigInvalid
	case TransportStartFailure:
		return target == ErrTransportStart
	case TransportAsyncFailure:
		return target == ErrTransportFailure
	}

	return false
}
