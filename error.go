package nioproxy

import (
	"errors"
	"fmt"
)

var (
	ErrOverflow          = errors.New("window overflow")
	ErrUnderflow         = errors.New("window underflow")
	ErrInvalidMark       = errors.New("window mark is not set")
	ErrInvalidMode       = errors.New("window is in the wrong mode")
	ErrClosedEndpoint    = errors.New("endpoint is closed")
	ErrAlreadyRegistered = errors.New("endpoint is registered with another multiplexer")
	ErrNotRegistered     = errors.New("endpoint is not registered")
	ErrInvalidInterest   = errors.New("interest is not supported by endpoint")
	ErrUnsupported       = errors.New("operation is not supported by endpoint")
	ErrReadySetPending   = errors.New("previous ready set was not drained")
	ErrMultiplexerClosed = errors.New("multiplexer is closed")
	ErrNoActiveBackends  = errors.New("no active backends")
	ErrBalancerNotFound  = errors.New("invalid balancer name")
	ErrLoopRunning       = errors.New("event loop is already running")
	ErrIdleTimeout       = errors.New("connection idle timeout")
	ErrNoPeer            = errors.New("connection has no peer")
	ErrInvalidRange      = errors.New("range is outside the file")
)

// EndpointFailure is an I/O failure reported by the descriptor itself
// (connection reset, broken pipe and so on). The event loop treats it like
// end of stream for the failing connection only.
type EndpointFailure struct {
	Op  string
	Fd  int
	Err error
}

func (e *EndpointFailure) Error() string {
	return fmt.Sprintf("[%d] %s: %v", e.Fd, e.Op, e.Err)
}

func (e *EndpointFailure) Unwrap() error {
	return e.Err
}

// IsEndpointFailure reports whether err carries an *EndpointFailure.
func IsEndpointFailure(err error) bool {
	var failure *EndpointFailure
	return errors.As(err, &failure)
}
