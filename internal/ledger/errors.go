package ledger

import (
	"errors"
)

// Every error returned by Ledger matches exactly one of these with errors.Is.
var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrAlreadyClaimed    = errors.New("daily reward already claimed")
	ErrAccountNotFound   = errors.New("account not found")
	ErrStoreUnavailable  = errors.New("store unavailable")
)

var kinds = []struct {
	err  error
	name string
}{
	{ErrInvalidInput, "invalid_input"},
	{ErrInsufficientFunds, "insufficient_funds"},
	{ErrAlreadyClaimed, "already_claimed"},
	{ErrAccountNotFound, "not_found"},
	{ErrStoreUnavailable, "store_unavailable"},
}

// Kind names the error kind of err: "ok" for nil, "store_unavailable" for
// anything unrecognised.
func Kind(err error) string {
	if err == nil {
		return "ok"
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "store_unavailable"
}

func isLedgerError(err error) bool {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return true
		}
	}
	return false
}
