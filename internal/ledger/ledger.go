package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	interfaces "github.com/sheikh-saqib/community-economy-ledger/internal/interfaces"
	"github.com/sheikh-saqib/community-economy-ledger/internal/metrics"
	"github.com/sheikh-saqib/community-economy-ledger/internal/models"
	"github.com/sheikh-saqib/community-economy-ledger/internal/models/events"
	"github.com/sheikh-saqib/community-economy-ledger/internal/ranking"
	"github.com/sheikh-saqib/community-economy-ledger/internal/reward"
	"github.com/sheikh-saqib/community-economy-ledger/internal/storage"
)

// Config holds the economy parameters of a Ledger.
type Config struct {
	InitialBalance int64
	RewardFormula  string
	DailyMinAmount int64
	DailyMaxAmount int64
	DailyCooldown  time.Duration
}

func DefaultConfig() Config {
	return Config{
		InitialBalance: 100,
		RewardFormula:  "%length% * 3",
		DailyMinAmount: 100,
		DailyMaxAmount: 1000,
		DailyCooldown:  24 * time.Hour,
	}
}

func (c Config) validate() error {
	switch {
	case c.InitialBalance < 0:
		return fmt.Errorf("%w: initial balance %d is negative", ErrInvalidInput, c.InitialBalance)
	case c.DailyMinAmount < 0:
		return fmt.Errorf("%w: daily minimum %d is negative", ErrInvalidInput, c.DailyMinAmount)
	case c.DailyMinAmount > c.DailyMaxAmount:
		return fmt.Errorf("%w: daily minimum %d exceeds maximum %d", ErrInvalidInput, c.DailyMinAmount, c.DailyMaxAmount)
	case c.DailyMaxAmount-c.DailyMinAmount >= math.MaxInt64:
		return fmt.Errorf("%w: daily range %d..%d is too wide", ErrInvalidInput, c.DailyMinAmount, c.DailyMaxAmount)
	case c.DailyCooldown <= 0:
		return fmt.Errorf("%w: daily cooldown must be positive", ErrInvalidInput)
	}
	return nil
}

// Ledger owns every balance mutation. It keeps no balance state of its own:
// all reads and writes go through the store's atomic primitives, so it is
// safe for any number of concurrent callers.
type Ledger struct {
	store     interfaces.AccountStore
	ranking   *ranking.View
	policy    *reward.Policy
	publisher interfaces.EventPublisher
	cfg       Config
	logger    *zap.Logger

	now        func() time.Time
	randInt64N func(n int64) int64
}

type Option func(*Ledger)

// WithPublisher sends a BalanceChanged event after every committed mutation.
func WithPublisher(p interfaces.EventPublisher) Option {
	return func(l *Ledger) { l.publisher = p }
}

func WithLogger(logger *zap.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithRandom replaces the source of daily amounts. fn must return a value in [0, n).
func WithRandom(fn func(n int64) int64) Option {
	return func(l *Ledger) { l.randInt64N = fn }
}

func NewLedger(store interfaces.AccountStore, cfg Config, opts ...Option) (*Ledger, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	l := &Ledger{
		store:      store,
		ranking:    ranking.NewView(store),
		cfg:        cfg,
		logger:     zap.NewNop(),
		now:        time.Now,
		randInt64N: rand.Int64N,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.policy = reward.NewPolicy(cfg.RewardFormula, l.logger)
	return l, nil
}

func keyOf(accountID, communityID int64) models.AccountKey {
	return models.AccountKey{AccountID: accountID, CommunityID: communityID}
}

// Credit adds amount (which may be negative) to the account, creating it with
// the initial balance first if needed, and returns the new balance.
// A credit that would leave the balance negative fails with ErrInsufficientFunds,
// one that would overflow the balance with ErrInvalidInput.
func (l *Ledger) Credit(ctx context.Context, accountID, communityID, amount int64) (balance int64, err error) {
	defer l.observe("credit", time.Now(), &err)

	key := keyOf(accountID, communityID)
	if amount == 0 {
		return l.balance(ctx, key)
	}
	if _, err := checkedAdd(l.cfg.InitialBalance, amount); err != nil {
		return 0, err
	}

	balance, err = l.store.UpsertAdd(ctx, key, amount, l.cfg.InitialBalance)
	if err != nil {
		return 0, l.storeError("credit", key, err)
	}

	l.publish(ctx, key, events.KindCredit, amount, balance)
	return balance, nil
}

// RecordActivity credits the reward the policy assigns to an activity of the
// given length. Reward evaluation never fails; a failing credit does.
func (l *Ledger) RecordActivity(ctx context.Context, accountID, communityID int64, activityLength int) (int64, error) {
	amount := l.policy.RewardFor(activityLength)
	if amount <= 0 {
		return 0, nil
	}
	if _, err := l.Credit(ctx, accountID, communityID, amount); err != nil {
		return 0, err
	}
	return amount, nil
}

// ClaimDaily grants a random amount in [DailyMinAmount, DailyMaxAmount] at
// most once per cooldown window, measured from the previous successful claim.
// The cooldown check and the grant happen under one row lock, so concurrent
// or retried claims cannot both succeed.
//
// When the window has not elapsed the error is ErrAlreadyClaimed and the
// returned claim carries NextClaimAt.
func (l *Ledger) ClaimDaily(ctx context.Context, accountID, communityID int64) (claim models.DailyClaim, err error) {
	defer l.observe("claim_daily", time.Now(), &err)

	key := keyOf(accountID, communityID)
	var balance int64

	err = l.store.WithinTx(ctx, func(tx interfaces.AccountTx) error {
		claim = models.DailyClaim{}

		rec, err := tx.LockOrCreate(ctx, key, l.cfg.InitialBalance)
		if err != nil {
			return err
		}

		now := l.now().UTC()
		if rec.LastDailyClaim != nil {
			next := rec.LastDailyClaim.UTC().Add(l.cfg.DailyCooldown)
			if now.Before(next) {
				claim.NextClaimAt = next
				return ErrAlreadyClaimed
			}
		}

		amount := l.drawDailyAmount()
		if rec.Balance, err = checkedAdd(rec.Balance, amount); err != nil {
			return err
		}
		rec.LastDailyClaim = &now
		if err := tx.Put(ctx, rec); err != nil {
			return err
		}

		claim = models.DailyClaim{
			Granted:     true,
			Amount:      amount,
			ClaimedAt:   now,
			NextClaimAt: now.Add(l.cfg.DailyCooldown),
		}
		balance = rec.Balance
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyClaimed) {
			return claim, err
		}
		return models.DailyClaim{}, l.storeError("claim_daily", key, err)
	}

	metrics.ObserveDailyAmount(claim.Amount)
	l.publish(ctx, key, events.KindDaily, claim.Amount, balance)
	return claim, nil
}

func (l *Ledger) drawDailyAmount() int64 {
	span := l.cfg.DailyMaxAmount - l.cfg.DailyMinAmount + 1
	return l.cfg.DailyMinAmount + l.randInt64N(span)
}

// Transfer moves amount from one account to another inside one unit of work.
// The sender must exist and hold at least amount; the receiver is created with
// the initial balance if absent. Both rows are locked in ascending account id
// order so opposite transfers cannot deadlock. A self-transfer with enough
// funds succeeds without changing anything.
func (l *Ledger) Transfer(ctx context.Context, fromAccountID, toAccountID, communityID, amount int64) (err error) {
	defer l.observe("transfer", time.Now(), &err)

	if amount <= 0 {
		return fmt.Errorf("%w: transfer amount must be positive, got %d", ErrInvalidInput, amount)
	}

	fromKey := keyOf(fromAccountID, communityID)
	toKey := keyOf(toAccountID, communityID)

	if fromKey == toKey {
		err = l.store.WithinTx(ctx, func(tx interfaces.AccountTx) error {
			rec, err := tx.Lock(ctx, fromKey)
			if err != nil {
				return err
			}
			if rec.Balance < amount {
				return ErrInsufficientFunds
			}
			return nil
		})
		if err != nil {
			return l.storeError("transfer", fromKey, err)
		}
		return nil
	}

	var sender, receiver models.AccountBalance
	err = l.store.WithinTx(ctx, func(tx interfaces.AccountTx) error {
		lockSender := func() (err error) {
			sender, err = tx.Lock(ctx, fromKey)
			return err
		}
		lockReceiver := func() (err error) {
			receiver, err = tx.LockOrCreate(ctx, toKey, l.cfg.InitialBalance)
			return err
		}

		first, second := lockSender, lockReceiver
		if toAccountID < fromAccountID {
			first, second = lockReceiver, lockSender
		}
		if err := first(); err != nil {
			return err
		}
		if err := second(); err != nil {
			return err
		}

		if sender.Balance < amount {
			return ErrInsufficientFunds
		}
		credited, err := checkedAdd(receiver.Balance, amount)
		if err != nil {
			return err
		}
		sender.Balance -= amount
		receiver.Balance = credited

		if err := tx.Put(ctx, sender); err != nil {
			return err
		}
		return tx.Put(ctx, receiver)
	})
	if err != nil {
		return l.storeError("transfer", fromKey, err)
	}

	l.publish(ctx, fromKey, events.KindTransferOut, -amount, sender.Balance)
	l.publish(ctx, toKey, events.KindTransferIn, amount, receiver.Balance)
	return nil
}

// GetBalance returns the stored balance, or the initial balance for an
// account that has never been written.
func (l *Ledger) GetBalance(ctx context.Context, accountID, communityID int64) (balance int64, err error) {
	defer l.observe("get_balance", time.Now(), &err)
	return l.balance(ctx, keyOf(accountID, communityID))
}

func (l *Ledger) balance(ctx context.Context, key models.AccountKey) (int64, error) {
	rec, err := l.store.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return l.cfg.InitialBalance, nil
	}
	if err != nil {
		return 0, l.storeError("get_balance", key, err)
	}
	return rec.Balance, nil
}

// TopN returns the n richest accounts of a community.
func (l *Ledger) TopN(ctx context.Context, communityID int64, n int) (entries []models.RankEntry, err error) {
	defer l.observe("top_n", time.Now(), &err)

	entries, err = l.ranking.TopN(ctx, communityID, n)
	if errors.Is(err, ranking.ErrInvalidLimit) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err != nil {
		return nil, l.storeError("top_n", keyOf(0, communityID), err)
	}
	return entries, nil
}

// AdminSet overwrites the balance unconditionally. Authorising the caller is
// the caller's job. Repeating the call has no further effect.
func (l *Ledger) AdminSet(ctx context.Context, accountID, communityID, newBalance int64) (err error) {
	defer l.observe("admin_set", time.Now(), &err)

	if newBalance < 0 {
		return fmt.Errorf("%w: balance must not be negative, got %d", ErrInvalidInput, newBalance)
	}

	key := keyOf(accountID, communityID)
	if err := l.store.SetBalance(ctx, key, newBalance); err != nil {
		return l.storeError("admin_set", key, err)
	}

	l.logger.Info("balance overwritten",
		zap.Int64("account_id", accountID),
		zap.Int64("community_id", communityID),
		zap.Int64("balance", newBalance),
	)
	l.publish(ctx, key, events.KindAdminSet, 0, newBalance)
	return nil
}

// storeError maps store failures onto the ledger taxonomy. Raw store errors
// are logged here and never returned.
func (l *Ledger) storeError(op string, key models.AccountKey, err error) error {
	switch {
	case isLedgerError(err):
		return err
	case errors.Is(err, storage.ErrNegativeBalance):
		return fmt.Errorf("%s: %w", op, ErrInsufficientFunds)
	case errors.Is(err, storage.ErrOutOfRange):
		return fmt.Errorf("%s: %w: balance overflow", op, ErrInvalidInput)
	case errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("%s: %w", op, ErrAccountNotFound)
	}

	l.logger.Error("store operation failed",
		zap.String("operation", op),
		zap.Int64("account_id", key.AccountID),
		zap.Int64("community_id", key.CommunityID),
		zap.Error(err),
	)
	return fmt.Errorf("%s: %w", op, ErrStoreUnavailable)
}

// publish is best effort: the mutation is already committed.
func (l *Ledger) publish(ctx context.Context, key models.AccountKey, kind events.ChangeKind, delta, balance int64) {
	if l.publisher == nil {
		return
	}
	event := events.BalanceChanged{
		EventID:     uuid.NewString(),
		Kind:        kind,
		AccountID:   key.AccountID,
		CommunityID: key.CommunityID,
		Delta:       delta,
		Balance:     balance,
		OccurredAt:  l.now().UTC(),
	}
	if err := l.publisher.Publish(ctx, key.String(), event); err != nil {
		metrics.IncPublishFailures()
		l.logger.Warn("failed to publish balance change",
			zap.String("event_id", event.EventID),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
	}
}

func (l *Ledger) observe(op string, started time.Time, err *error) {
	metrics.ObserveOperation(op, Kind(*err), started)
}

func checkedAdd(a, b int64) (int64, error) {
	if b > 0 && a > math.MaxInt64-b {
		return 0, fmt.Errorf("%w: balance overflow", ErrInvalidInput)
	}
	return a + b, nil
}
