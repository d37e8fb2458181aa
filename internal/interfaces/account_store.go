package interfaces

import (
	"context"

	"github.com/sheikh-saqib/community-economy-ledger/internal/models"
)

// AccountStore is the durable map from AccountKey to AccountBalance.
// Implementations must make every method atomic per key.
type AccountStore interface {
	RankingReader

	// Get returns storage.ErrNotFound when the key has never been written.
	Get(ctx context.Context, key models.AccountKey) (models.AccountBalance, error)

	// UpsertAdd creates the row with defaultBalance+delta when absent, otherwise
	// adds delta to the stored balance. Returns storage.ErrNegativeBalance and
	// leaves the row untouched if the result would be negative.
	UpsertAdd(ctx context.Context, key models.AccountKey, delta, defaultBalance int64) (int64, error)

	// SetBalance overwrites the balance, creating the row if needed.
	SetBalance(ctx context.Context, key models.AccountKey, balance int64) error

	// WithinTx runs fn as one unit of work. Any error returned by fn, or by the
	// commit, discards every write fn made.
	WithinTx(ctx context.Context, fn func(tx AccountTx) error) error
}

// AccountTx is the view of the store inside a unit of work. Rows returned by
// the Lock methods stay exclusively locked until the unit of work ends.
type AccountTx interface {
	// Lock returns storage.ErrNotFound without creating anything when the row is absent.
	Lock(ctx context.Context, key models.AccountKey) (models.AccountBalance, error)

	// LockOrCreate inserts the row with defaultBalance when absent and then locks it.
	LockOrCreate(ctx context.Context, key models.AccountKey, defaultBalance int64) (models.AccountBalance, error)

	// Put writes balance and last daily claim of a previously locked row.
	Put(ctx context.Context, record models.AccountBalance) error
}

// RankingReader is the read-only scan behind leaderboards. It must not block writers.
type RankingReader interface {
	// ScanTop orders by balance descending, then account id ascending.
	ScanTop(ctx context.Context, communityID int64, limit int) ([]models.RankEntry, error)
}
