package dht

import "errors"

// ValidationError marks an input rejected before any network or state
// mutation occurs: an unsupported key type, or an RPC request whose
// payload has the wrong type. It is fatal to the calling operation and
// is always surfaced to the caller. Malformed hex IDs and over-long
// prefixes are reported with plain errors, not ValidationError.
type ValidationError struct {
	Op  string
	Err error
}

func (e *ValidationError) Error() string {
	return "dht: validation error in " + e.Op + ": " + e.Err.Error()
}

func (e *ValidationError) Unwrap() error { return e.Err }

func newValidationError(op string, err error) error {
	return &ValidationError{Op: op, Err: err}
}

// ErrNotFound is returned by Node.Get and Node.Peek when no entry
// exists for the given key/subkey. It is not an error condition
// in the DHT sense — "no such key" is an expected outcome — but is
// exposed as a sentinel so callers can distinguish it from a zero
// value.
var ErrNotFound = errors.New("dht: no such key")
