package jobserver

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// ConfigError means no jobserver was advertised when one was required, a
// descriptor number was <= 2, or --jobserver-fds was otherwise malformed.
// It is always fatal to the caller.
type ConfigError struct {
	msg   string
	cause error
}

func (e *ConfigError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("jobserver: config: %s: %v", e.msg, e.cause)
	}
	return fmt.Sprintf("jobserver: config: %s", e.msg)
}

func (e *ConfigError) Unwrap() error { return e.cause }

func configError(msg string) *ConfigError {
	return &ConfigError{msg: msg}
}

func wrapConfigError(msg string, cause error) *ConfigError {
	return &ConfigError{msg: msg, cause: pkgerrors.WithStack(cause)}
}

// ProtocolError means an EOF arrived from an upstream read, a child
// returned more bytes than it was granted, or one of the pool assignment
// invariants in token.go failed. The engine cannot continue with a
// corrupted ledger once this happens, so it is always fatal.
type ProtocolError struct {
	msg   string
	cause error
}

func (e *ProtocolError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("jobserver: protocol: %s: %v", e.msg, e.cause)
	}
	return fmt.Sprintf("jobserver: protocol: %s", e.msg)
}

func (e *ProtocolError) Unwrap() error { return e.cause }

func protocolError(format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{msg: fmt.Sprintf(format, args...)}
}

func wrapProtocolError(msg string, cause error) *ProtocolError {
	return &ProtocolError{msg: msg, cause: pkgerrors.WithStack(cause)}
}

// ErrTransient reports that an operation could not make progress this
// cycle (a timer-interrupted read, a short write still in flight, or
// EWOULDBLOCK) and should simply be retried on the next poll cycle. It is
// swallowed by the engine, never surfaced past a local retry loop.
var ErrTransient = errors.New("jobserver: transient, retry next cycle")

// ErrBrokenGrantPipe reports that a child died before consuming a grant
// that was written to it. It is recovered locally: the grant attempt is
// aborted and the token goes straight back to the free pool.
var ErrBrokenGrantPipe = errors.New("jobserver: child gone, grant aborted")
