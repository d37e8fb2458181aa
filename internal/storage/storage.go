// Package storage holds the errors shared by every AccountStore implementation.
package storage

import "errors"

var (
	ErrNotFound        = errors.New("account not found")
	ErrNegativeBalance = errors.New("balance would become negative")

	// ErrOutOfRange marks a balance that would not fit in a signed 64-bit
	// integer. Retrying cannot succeed.
	ErrOutOfRange = errors.New("balance out of range")

	// ErrConflict marks a unit of work aborted by the store to resolve contention
	// (serialization failure, deadlock). It is safe to run the unit again.
	ErrConflict = errors.New("transaction conflict")

	// ErrUnavailable marks connection loss, timeouts and cancellation.
	ErrUnavailable = errors.New("store unavailable")
)
