package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"math"
	"net"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"

	interfaces "github.com/sheikh-saqib/community-economy-ledger/internal/interfaces"
	"github.com/sheikh-saqib/community-economy-ledger/internal/models"
	"github.com/sheikh-saqib/community-economy-ledger/internal/storage"
)

const defaultMaxTxRetries = 3

// PoolConfig sizes the connection pool owned by the store.
type PoolConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, cfg PoolConfig) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", classify(err))
	}
	return db, nil
}

type PostgresAccountStore struct {
	db         *sqlx.DB
	maxRetries int
	logger     *zap.Logger
}

type Option func(*PostgresAccountStore)

// WithMaxTxRetries sets how many times a unit of work is re-run after a
// serialization failure or deadlock.
func WithMaxTxRetries(n int) Option {
	return func(p *PostgresAccountStore) {
		if n >= 0 {
			p.maxRetries = n
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(p *PostgresAccountStore) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func NewPostgresAccountStore(db *sqlx.DB, opts ...Option) *PostgresAccountStore {
	p := &PostgresAccountStore{
		db:         db,
		maxRetries: defaultMaxTxRetries,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

const selectAccount = `SELECT account_id, community_id, balance, last_daily_claim
	FROM account_balances
	WHERE account_id = $1 AND community_id = $2`

func (p *PostgresAccountStore) Get(ctx context.Context, key models.AccountKey) (models.AccountBalance, error) {
	var rec models.AccountBalance
	if err := p.db.GetContext(ctx, &rec, selectAccount, key.AccountID, key.CommunityID); err != nil {
		return models.AccountBalance{}, classify(err)
	}
	return rec, nil
}

// The conflict branch only fires when the sum stays non-negative; the insert
// branch is guarded by the CHECK constraint.
const upsertAdd = `INSERT INTO account_balances (account_id, community_id, balance)
	VALUES ($1, $2, $3::bigint)
	ON CONFLICT (account_id, community_id)
	DO UPDATE SET balance = account_balances.balance + $4::bigint
	WHERE account_balances.balance + $4::bigint >= 0
	RETURNING balance`

func (p *PostgresAccountStore) UpsertAdd(ctx context.Context, key models.AccountKey, delta, defaultBalance int64) (int64, error) {
	if delta > 0 && defaultBalance > math.MaxInt64-delta {
		return 0, storage.ErrOutOfRange
	}
	var balance int64
	err := p.db.QueryRowxContext(ctx, upsertAdd, key.AccountID, key.CommunityID, defaultBalance+delta, delta).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, storage.ErrNegativeBalance
	}
	if err != nil {
		return 0, classify(err)
	}
	return balance, nil
}

const upsertSet = `INSERT INTO account_balances (account_id, community_id, balance)
	VALUES ($1, $2, $3)
	ON CONFLICT (account_id, community_id)
	DO UPDATE SET balance = EXCLUDED.balance`

func (p *PostgresAccountStore) SetBalance(ctx context.Context, key models.AccountKey, balance int64) error {
	if _, err := p.db.ExecContext(ctx, upsertSet, key.AccountID, key.CommunityID, balance); err != nil {
		return classify(err)
	}
	return nil
}

// Plain MVCC read: takes no row locks.
const scanTop = `SELECT account_id, balance
	FROM account_balances
	WHERE community_id = $1
	ORDER BY balance DESC, account_id ASC
	LIMIT $2`

func (p *PostgresAccountStore) ScanTop(ctx context.Context, communityID int64, limit int) ([]models.RankEntry, error) {
	entries := []models.RankEntry{}
	if err := p.db.SelectContext(ctx, &entries, scanTop, communityID, limit); err != nil {
		return nil, classify(err)
	}
	return entries, nil
}

// WithinTx runs fn in a READ COMMITTED transaction. When Postgres aborts the
// transaction to break a deadlock or serialization conflict, the whole of fn
// is run again on a fresh transaction.
func (p *PostgresAccountStore) WithinTx(ctx context.Context, fn func(tx interfaces.AccountTx) error) error {
	var err error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		err = p.runTx(ctx, fn)
		if !errors.Is(err, storage.ErrConflict) {
			return err
		}
		p.logger.Debug("retrying transaction after conflict",
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	return err
}

func (p *PostgresAccountStore) runTx(ctx context.Context, fn func(tx interfaces.AccountTx) error) (err error) {
	dbTx, err := p.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return classify(err)
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := dbTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			p.logger.Warn("rollback failed", zap.Error(rbErr))
		}
	}()

	if err = fn(&postgresTx{tx: dbTx}); err != nil {
		return err
	}
	if err = dbTx.Commit(); err != nil {
		return classify(err)
	}
	committed = true
	return nil
}

type postgresTx struct {
	tx *sqlx.Tx
}

func (t *postgresTx) Lock(ctx context.Context, key models.AccountKey) (models.AccountBalance, error) {
	var rec models.AccountBalance
	if err := t.tx.GetContext(ctx, &rec, selectAccount+` FOR UPDATE`, key.AccountID, key.CommunityID); err != nil {
		return models.AccountBalance{}, classify(err)
	}
	return rec, nil
}

// A FOR UPDATE on a missing row locks nothing, so the row is created first.
// A concurrent insert of the same key blocks here until the other
// transaction finishes.
const ensureAccount = `INSERT INTO account_balances (account_id, community_id, balance)
	VALUES ($1, $2, $3)
	ON CONFLICT (account_id, community_id) DO NOTHING`

func (t *postgresTx) LockOrCreate(ctx context.Context, key models.AccountKey, defaultBalance int64) (models.AccountBalance, error) {
	if _, err := t.tx.ExecContext(ctx, ensureAccount, key.AccountID, key.CommunityID, defaultBalance); err != nil {
		return models.AccountBalance{}, classify(err)
	}
	return t.Lock(ctx, key)
}

const updateAccount = `UPDATE account_balances
	SET balance = $3, last_daily_claim = $4
	WHERE account_id = $1 AND community_id = $2`

func (t *postgresTx) Put(ctx context.Context, record models.AccountBalance) error {
	res, err := t.tx.ExecContext(ctx, updateAccount,
		record.AccountID, record.CommunityID, record.Balance, record.LastDailyClaim)
	if err != nil {
		return classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify(err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// classify replaces driver errors with the storage sentinels, keeping the
// original text for logs.
//
// See http://www.postgresql.org/docs/current/static/errcodes-appendix.html
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "23514":
			return fmt.Errorf("%w: %v", storage.ErrNegativeBalance, err)
		case pqErr.Code == "22003":
			return fmt.Errorf("%w: %v", storage.ErrOutOfRange, err)
		case pqErr.Code == "40001", pqErr.Code == "40P01":
			return fmt.Errorf("%w: %v", storage.ErrConflict, err)
		case pqErr.Code.Class() == "08", pqErr.Code.Class() == "53", pqErr.Code.Class() == "57":
			return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
		}
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	return err
}

var _ interfaces.AccountStore = (*PostgresAccountStore)(nil)
