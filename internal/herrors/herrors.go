// Package herrors classifies the errors that the peer protocol, the
// bookkeeper, and the P2P managers can return, per the error taxonomy in
// the design. It generalizes the teacher's ad hoc fmt.Errorf("...: %w", err)
// wrapping into sentinel categories callers can branch on with errors.Is.
package herrors

import (
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// Sentinel categories. Wrap a cause with one of the With* constructors
// below; errors.Is(err, ErrTransient) etc. then works through the chain.
var (
	// ErrTransient marks a network failure that is expected in normal
	// operation: connection refused/reset, unreachable, or an orderly EOF.
	// The peer is removed; the manager keeps running.
	ErrTransient = errors.New("transient network error")

	// ErrProtocol marks a malformed PDU, unknown PduId, oversized frame,
	// or PDU received in the wrong direction. The peer is halted; the
	// manager keeps running.
	ErrProtocol = errors.New("protocol error")

	// ErrInvalidArgument marks constructor-time misuse.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrLogic marks an internal invariant violation or a component that
	// was asked to run twice. The manager terminates.
	ErrLogic = errors.New("logic error")

	// ErrFatalSystem marks any errno outside the transient set. Recorded
	// and re-raised from Run().
	ErrFatalSystem = errors.New("fatal system error")
)

// Transient wraps cause as a transient network error.
func Transient(cause error) error { return fmt.Errorf("%w: %v", ErrTransient, cause) }

// Protocol wraps cause (or a bare description) as a protocol error.
func Protocol(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocol, fmt.Sprintf(format, args...))
}

// InvalidArgument wraps a description as an invalid-argument error.
func InvalidArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// Logic wraps a description as a logic error.
func Logic(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrLogic, fmt.Sprintf(format, args...))
}

// FatalSystem wraps cause as an unclassified system error.
func FatalSystem(cause error) error { return fmt.Errorf("%w: %v", ErrFatalSystem, cause) }

// nonFatalErrnos is the non-fatal errno set from the design's §4.2:
// ECONNREFUSED, ECONNRESET, ENETUNREACH, ENETRESET, ENETDOWN, EHOSTUNREACH.
var nonFatalErrnos = map[syscall.Errno]bool{
	syscall.ECONNREFUSED: true,
	syscall.ECONNRESET:   true,
	syscall.ENETUNREACH:  true,
	syscall.ENETRESET:    true,
	syscall.ENETDOWN:     true,
	syscall.EHOSTUNREACH: true,
}

// IsNonFatal reports whether err is one of the non-fatal network failures
// that the peer and the subscriber's connect loop both treat as "offline,
// try something else" rather than a fatal error: the errno set above, an
// orderly or unexpected EOF, a closed connection, or any other net.Error
// that carries no errno.
func IsNonFatal(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return nonFatalErrnos[errno]
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}

// Classify wraps err as Transient if IsNonFatal, otherwise as FatalSystem.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if IsNonFatal(err) {
		return Transient(err)
	}
	return FatalSystem(err)
}
