// Package errs defines the error taxonomy shared by every component:
// control-plane failures that should terminate a process, transport
// failures that should be retried, and message-plane failures that
// resolve to an ACK or NACK rather than a crash.
package errs

import "errors"

var (
	// ErrConfigInvalid marks a missing or malformed configuration key.
	// Fatal at startup; never retried.
	ErrConfigInvalid = errors.New("datasink: invalid configuration")

	// ErrUnknownAction is returned when a job's action has no registered
	// handler. Resolves to a NACK-drop.
	ErrUnknownAction = errors.New("datasink: no handler registered for action")

	// ErrJobDecode marks a message body that failed to parse as JSON.
	// Resolves to a NACK-drop (no requeue).
	ErrJobDecode = errors.New("datasink: failed to decode job body")

	// ErrChannelClosed marks a broker channel or publisher that is no longer
	// usable: a window change with no open channel, a Submit to a closed
	// publisher, or a connection/delivery stream that closed under the sink.
	ErrChannelClosed = errors.New("datasink: channel closed, ack abandoned")

	// ErrIntegrity marks a post-transfer size or checksum mismatch.
	ErrIntegrity = errors.New("datasink: transfer integrity check failed")
)

// TransportError wraps a broker connect/publish/consume failure. Callers
// retry transport errors at a configured interval rather than treating
// them as fatal.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return "datasink: transport error during " + e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

// NewTransportError builds a TransportError for the named operation.
func NewTransportError(op string, err error) *TransportError {
	return &TransportError{Op: op, Err: err}
}

// ConfigError marks a specific missing or invalid configuration key.
type ConfigError struct {
	Key string
	Msg string
}

func (e *ConfigError) Error() string {
	if e.Key == "" {
		return "datasink: config error: " + e.Msg
	}
	return "datasink: config error for '" + e.Key + "': " + e.Msg
}

func (e *ConfigError) Is(target error) bool {
	return target == ErrConfigInvalid
}

// TransferError marks a failed file transfer. It is a data-plane outcome
// recorded in the transfer result, never propagated as a process-level
// failure: the sink still ACKs the broker message once the handler returns.
type TransferError struct {
	Filename string
	Err      error
}

func (e *TransferError) Error() string {
	return "datasink: failed to transfer '" + e.Filename + "': " + e.Err.Error()
}

func (e *TransferError) Unwrap() error { return e.Err }

// IntegrityError marks a size or MD5 mismatch after a transfer completed.
type IntegrityError struct {
	Filename string
	Msg      string
}

func (e *IntegrityError) Error() string {
	return "datasink: " + e.Filename + ": " + e.Msg
}

func (e *IntegrityError) Is(target error) bool {
	return target == ErrIntegrity
}
