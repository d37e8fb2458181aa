package postgres

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	interfaces "github.com/sheikh-saqib/community-economy-ledger/internal/interfaces"
	"github.com/sheikh-saqib/community-economy-ledger/internal/models"
	"github.com/sheikh-saqib/community-economy-ledger/internal/storage"
)

var key = models.AccountKey{AccountID: 42, CommunityID: 7}

func newMockStore(t *testing.T, opts ...Option) (*PostgresAccountStore, sqlmock.Sqlmock) {
	t.Helper()

	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	return NewPostgresAccountStore(sqlx.NewDb(mockDB, "postgres"), opts...), mock
}

func accountRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"account_id", "community_id", "balance", "last_daily_claim"})
}

func TestGet(t *testing.T) {
	t.Run("returns stored record", func(t *testing.T) {
		store, mock := newMockStore(t)
		claimed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

		mock.ExpectQuery(`SELECT account_id, community_id, balance, last_daily_claim FROM account_balances`).
			WithArgs(key.AccountID, key.CommunityID).
			WillReturnRows(accountRows().AddRow(key.AccountID, key.CommunityID, 250, claimed))

		rec, err := store.Get(context.Background(), key)
		require.NoError(t, err)
		assert.Equal(t, int64(250), rec.Balance)
		require.NotNil(t, rec.LastDailyClaim)
		assert.True(t, claimed.Equal(*rec.LastDailyClaim))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing row is ErrNotFound", func(t *testing.T) {
		store, mock := newMockStore(t)

		mock.ExpectQuery(`SELECT .* FROM account_balances`).
			WithArgs(key.AccountID, key.CommunityID).
			WillReturnRows(accountRows())

		_, err := store.Get(context.Background(), key)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("connection failure is ErrUnavailable", func(t *testing.T) {
		store, mock := newMockStore(t)

		mock.ExpectQuery(`SELECT .* FROM account_balances`).
			WillReturnError(&pq.Error{Code: "08006", Message: "connection failure"})

		_, err := store.Get(context.Background(), key)
		assert.ErrorIs(t, err, storage.ErrUnavailable)
	})
}

func TestUpsertAdd(t *testing.T) {
	t.Run("returns new balance", func(t *testing.T) {
		store, mock := newMockStore(t)

		mock.ExpectQuery(`INSERT INTO account_balances .* ON CONFLICT .* DO UPDATE SET balance = account_balances.balance \+ \$4::bigint`).
			WithArgs(key.AccountID, key.CommunityID, int64(150), int64(50)).
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(150))

		balance, err := store.UpsertAdd(context.Background(), key, 50, 100)
		require.NoError(t, err)
		assert.Equal(t, int64(150), balance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("guarded update returning no row is ErrNegativeBalance", func(t *testing.T) {
		store, mock := newMockStore(t)

		mock.ExpectQuery(`INSERT INTO account_balances`).
			WithArgs(key.AccountID, key.CommunityID, int64(-400), int64(-500)).
			WillReturnRows(sqlmock.NewRows([]string{"balance"}))

		_, err := store.UpsertAdd(context.Background(), key, -500, 100)
		assert.ErrorIs(t, err, storage.ErrNegativeBalance)
	})

	t.Run("insert value overflowing int64 is ErrOutOfRange without a query", func(t *testing.T) {
		store, mock := newMockStore(t)

		_, err := store.UpsertAdd(context.Background(), key, math.MaxInt64, 100)
		assert.ErrorIs(t, err, storage.ErrOutOfRange)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("numeric overflow on update is ErrOutOfRange", func(t *testing.T) {
		store, mock := newMockStore(t)

		mock.ExpectQuery(`INSERT INTO account_balances`).
			WillReturnError(&pq.Error{Code: "22003", Message: "bigint out of range"})

		_, err := store.UpsertAdd(context.Background(), key, math.MaxInt64-100, 100)
		assert.ErrorIs(t, err, storage.ErrOutOfRange)
		assert.NotErrorIs(t, err, storage.ErrUnavailable)
	})

	t.Run("check violation on insert is ErrNegativeBalance", func(t *testing.T) {
		store, mock := newMockStore(t)

		mock.ExpectQuery(`INSERT INTO account_balances`).
			WillReturnError(&pq.Error{Code: "23514", Constraint: "account_balances_balance_non_negative"})

		_, err := store.UpsertAdd(context.Background(), key, -500, 100)
		assert.ErrorIs(t, err, storage.ErrNegativeBalance)
	})
}

func TestSetBalance(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO account_balances .* DO UPDATE SET balance = EXCLUDED.balance`).
		WithArgs(key.AccountID, key.CommunityID, int64(9000)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.SetBalance(context.Background(), key, 9000))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestScanTop(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT account_id, balance FROM account_balances WHERE community_id = \$1 ORDER BY balance DESC, account_id ASC LIMIT \$2`).
		WithArgs(key.CommunityID, 3).
		WillReturnRows(sqlmock.NewRows([]string{"account_id", "balance"}).
			AddRow(1, 500).
			AddRow(2, 300).
			AddRow(3, 300))

	entries, err := store.ScanTop(context.Background(), key.CommunityID, 3)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, models.RankEntry{AccountID: 1, Balance: 500}, entries[0])
	assert.Equal(t, int64(3), entries[2].AccountID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithinTx(t *testing.T) {
	t.Run("locks, writes and commits", func(t *testing.T) {
		store, mock := newMockStore(t)

		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO account_balances .* DO NOTHING`).
			WithArgs(key.AccountID, key.CommunityID, int64(100)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery(`SELECT .* FROM account_balances .* FOR UPDATE`).
			WithArgs(key.AccountID, key.CommunityID).
			WillReturnRows(accountRows().AddRow(key.AccountID, key.CommunityID, 100, nil))
		mock.ExpectExec(`UPDATE account_balances SET balance = \$3, last_daily_claim = \$4`).
			WithArgs(key.AccountID, key.CommunityID, int64(350), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err := store.WithinTx(context.Background(), func(tx interfaces.AccountTx) error {
			rec, err := tx.LockOrCreate(context.Background(), key, 100)
			if err != nil {
				return err
			}
			assert.Nil(t, rec.LastDailyClaim)
			now := time.Now().UTC()
			rec.Balance += 250
			rec.LastDailyClaim = &now
			return tx.Put(context.Background(), rec)
		})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("error from the unit of work rolls back", func(t *testing.T) {
		store, mock := newMockStore(t)
		errReject := errors.New("rejected")

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT .* FOR UPDATE`).
			WithArgs(key.AccountID, key.CommunityID).
			WillReturnRows(accountRows().AddRow(key.AccountID, key.CommunityID, 10, nil))
		mock.ExpectRollback()

		err := store.WithinTx(context.Background(), func(tx interfaces.AccountTx) error {
			if _, err := tx.Lock(context.Background(), key); err != nil {
				return err
			}
			return errReject
		})
		assert.ErrorIs(t, err, errReject)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing row under lock is ErrNotFound", func(t *testing.T) {
		store, mock := newMockStore(t)

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT .* FOR UPDATE`).WillReturnRows(accountRows())
		mock.ExpectRollback()

		err := store.WithinTx(context.Background(), func(tx interfaces.AccountTx) error {
			_, err := tx.Lock(context.Background(), key)
			return err
		})
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("deadlock is retried on a fresh transaction", func(t *testing.T) {
		store, mock := newMockStore(t, WithMaxTxRetries(1))

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT .* FOR UPDATE`).
			WillReturnError(&pq.Error{Code: "40P01", Message: "deadlock detected"})
		mock.ExpectRollback()
		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT .* FOR UPDATE`).
			WillReturnRows(accountRows().AddRow(key.AccountID, key.CommunityID, 10, nil))
		mock.ExpectCommit()

		attempts := 0
		err := store.WithinTx(context.Background(), func(tx interfaces.AccountTx) error {
			attempts++
			_, err := tx.Lock(context.Background(), key)
			return err
		})
		require.NoError(t, err)
		assert.Equal(t, 2, attempts)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		store, mock := newMockStore(t, WithMaxTxRetries(0))

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT .* FOR UPDATE`).
			WillReturnError(&pq.Error{Code: "40001", Message: "could not serialize access"})
		mock.ExpectRollback()

		err := store.WithinTx(context.Background(), func(tx interfaces.AccountTx) error {
			_, err := tx.Lock(context.Background(), key)
			return err
		})
		assert.ErrorIs(t, err, storage.ErrConflict)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("panic in the unit of work rolls back", func(t *testing.T) {
		store, mock := newMockStore(t)

		mock.ExpectBegin()
		mock.ExpectRollback()

		assert.Panics(t, func() {
			_ = store.WithinTx(context.Background(), func(tx interfaces.AccountTx) error {
				panic("boom")
			})
		})
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("commit failure is classified", func(t *testing.T) {
		store, mock := newMockStore(t)

		mock.ExpectBegin()
		mock.ExpectCommit().WillReturnError(&pq.Error{Code: "57P01", Message: "admin shutdown"})

		err := store.WithinTx(context.Background(), func(tx interfaces.AccountTx) error {
			return nil
		})
		assert.ErrorIs(t, err, storage.ErrUnavailable)
	})

	t.Run("put on a vanished row is ErrNotFound", func(t *testing.T) {
		store, mock := newMockStore(t)

		mock.ExpectBegin()
		mock.ExpectExec(`UPDATE account_balances`).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		err := store.WithinTx(context.Background(), func(tx interfaces.AccountTx) error {
			return tx.Put(context.Background(), models.AccountBalance{AccountID: 1, CommunityID: 1, Balance: 5})
		})
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"deadline", context.DeadlineExceeded, storage.ErrUnavailable},
		{"canceled", context.Canceled, storage.ErrUnavailable},
		{"too many connections", &pq.Error{Code: "53300"}, storage.ErrUnavailable},
		{"serialization", &pq.Error{Code: "40001"}, storage.ErrConflict},
		{"check violation", &pq.Error{Code: "23514"}, storage.ErrNegativeBalance},
		{"numeric out of range", &pq.Error{Code: "22003"}, storage.ErrOutOfRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, classify(tt.err), tt.want)
		})
	}

	t.Run("unknown errors pass through", func(t *testing.T) {
		err := &pq.Error{Code: "42601", Message: "syntax error"}
		assert.Equal(t, err, classify(err))
	})
}
