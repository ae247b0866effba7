// Package mcerr defines the typed error taxonomy shared by transports,
// storage, and the router so each layer can react without string matching.
package mcerr

import "fmt"

// Kind classifies an error by how the system should react to it.
type Kind string

const (
	TransientIO           Kind = "transient_io"
	ProtocolViolation     Kind = "protocol_violation"
	ConfigInvalid         Kind = "config_invalid"
	BleDisconnected       Kind = "ble_disconnected"
	ResourceExhausted     Kind = "resource_exhausted"
	CommandAbuse          Kind = "command_abuse"
	RemoteServiceConflict Kind = "remote_service_conflict"
)

// Error wraps an underlying cause with a Kind so callers can branch on
// recoverability without inspecting error strings.
type Error struct {
	Kind Kind
	Op   string // operation that failed, e.g. "udp.send", "ble.write"
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err as a typed Error. Returns nil if err is nil.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the Kind from err, if it (or something it wraps) is an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if asError(err, &e) {
		return e.Kind, true
	}
	return "", false
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
