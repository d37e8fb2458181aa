package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	interfaces "github.com/sheikh-saqib/community-economy-ledger/internal/interfaces"
	"github.com/sheikh-saqib/community-economy-ledger/internal/models"
	"github.com/sheikh-saqib/community-economy-ledger/internal/storage"
)

// MemoryAccountStore is an in-memory implementation of interfaces.AccountStore.
// Writers to the same key serialize on a per-key lock; unrelated keys proceed in parallel.
type MemoryAccountStore struct {
	mu      sync.RWMutex                                 // protects records
	records map[models.AccountKey]models.AccountBalance // committed state

	locksMu sync.Mutex                           // protects locks itself
	locks   map[models.AccountKey]chan struct{} // one single-slot semaphore per key
}

// NewMemoryAccountStore creates and returns an empty MemoryAccountStore
func NewMemoryAccountStore() *MemoryAccountStore {
	return &MemoryAccountStore{
		records: make(map[models.AccountKey]models.AccountBalance),
		locks:   make(map[models.AccountKey]chan struct{}),
	}
}

func (m *MemoryAccountStore) keyLock(key models.AccountKey) chan struct{} {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()

	l, ok := m.locks[key]
	if !ok {
		l = make(chan struct{}, 1)
		m.locks[key] = l
	}
	return l
}

// acquire blocks until the key is free or ctx is done.
func (m *MemoryAccountStore) acquire(ctx context.Context, key models.AccountKey) (release func(), err error) {
	l := m.keyLock(key)
	select {
	case l <- struct{}{}:
		return func() { <-l }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: waiting for %s: %v", storage.ErrUnavailable, key, ctx.Err())
	}
}

func (m *MemoryAccountStore) load(key models.AccountKey) (models.AccountBalance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[key]
	return rec, ok
}

func (m *MemoryAccountStore) store(records ...models.AccountBalance) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rec := range records {
		m.records[rec.Key()] = rec
	}
}

func (m *MemoryAccountStore) Get(ctx context.Context, key models.AccountKey) (models.AccountBalance, error) {
	if err := ctx.Err(); err != nil {
		return models.AccountBalance{}, fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	rec, ok := m.load(key)
	if !ok {
		return models.AccountBalance{}, storage.ErrNotFound
	}
	return rec, nil
}

func (m *MemoryAccountStore) UpsertAdd(ctx context.Context, key models.AccountKey, delta, defaultBalance int64) (int64, error) {
	release, err := m.acquire(ctx, key)
	if err != nil {
		return 0, err
	}
	defer release()

	rec, ok := m.load(key)
	if !ok {
		rec = models.AccountBalance{AccountID: key.AccountID, CommunityID: key.CommunityID, Balance: defaultBalance}
	}
	if delta > 0 && rec.Balance > math.MaxInt64-delta {
		return rec.Balance, storage.ErrOutOfRange
	}
	if rec.Balance+delta < 0 {
		return rec.Balance, storage.ErrNegativeBalance
	}
	rec.Balance += delta
	m.store(rec)
	return rec.Balance, nil
}

func (m *MemoryAccountStore) SetBalance(ctx context.Context, key models.AccountKey, balance int64) error {
	release, err := m.acquire(ctx, key)
	if err != nil {
		return err
	}
	defer release()

	rec, ok := m.load(key)
	if !ok {
		rec = models.AccountBalance{AccountID: key.AccountID, CommunityID: key.CommunityID}
	}
	rec.Balance = balance
	m.store(rec)
	return nil
}

// ScanTop copies the community's rows under the read lock; it never waits on key locks.
func (m *MemoryAccountStore) ScanTop(ctx context.Context, communityID int64, limit int) ([]models.RankEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}

	m.mu.RLock()
	entries := make([]models.RankEntry, 0)
	for key, rec := range m.records {
		if key.CommunityID == communityID {
			entries = append(entries, models.RankEntry{AccountID: key.AccountID, Balance: rec.Balance})
		}
	}
	m.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Balance != entries[j].Balance {
			return entries[i].Balance > entries[j].Balance
		}
		return entries[i].AccountID < entries[j].AccountID
	})
	if limit >= 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// WithinTx stages every write in the unit of work and publishes them together
// only if fn returns nil. Key locks are held until fn returns, so callers
// touching several keys must lock them in a consistent order.
func (m *MemoryAccountStore) WithinTx(ctx context.Context, fn func(tx interfaces.AccountTx) error) error {
	tx := &memoryTx{
		store:  m,
		held:   make(map[models.AccountKey]func()),
		staged: make(map[models.AccountKey]models.AccountBalance),
	}
	defer tx.releaseAll()

	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: commit: %v", storage.ErrUnavailable, err)
	}

	staged := make([]models.AccountBalance, 0, len(tx.staged))
	for _, rec := range tx.staged {
		staged = append(staged, rec)
	}
	m.store(staged...)
	return nil
}

type memoryTx struct {
	store  *MemoryAccountStore
	held   map[models.AccountKey]func() // release funcs of locked keys
	staged map[models.AccountKey]models.AccountBalance
}

func (t *memoryTx) lock(ctx context.Context, key models.AccountKey) error {
	if _, ok := t.held[key]; ok {
		return nil
	}
	release, err := t.store.acquire(ctx, key)
	if err != nil {
		return err
	}
	t.held[key] = release
	return nil
}

func (t *memoryTx) read(key models.AccountKey) (models.AccountBalance, bool) {
	if rec, ok := t.staged[key]; ok {
		return rec, true
	}
	return t.store.load(key)
}

func (t *memoryTx) Lock(ctx context.Context, key models.AccountKey) (models.AccountBalance, error) {
	if err := t.lock(ctx, key); err != nil {
		return models.AccountBalance{}, err
	}
	rec, ok := t.read(key)
	if !ok {
		return models.AccountBalance{}, storage.ErrNotFound
	}
	return rec, nil
}

func (t *memoryTx) LockOrCreate(ctx context.Context, key models.AccountKey, defaultBalance int64) (models.AccountBalance, error) {
	if err := t.lock(ctx, key); err != nil {
		return models.AccountBalance{}, err
	}
	rec, ok := t.read(key)
	if !ok {
		rec = models.AccountBalance{AccountID: key.AccountID, CommunityID: key.CommunityID, Balance: defaultBalance}
		t.staged[key] = rec
	}
	return rec, nil
}

func (t *memoryTx) Put(ctx context.Context, record models.AccountBalance) error {
	key := record.Key()
	if _, ok := t.held[key]; !ok {
		return fmt.Errorf("put %s: row not locked in this transaction", key)
	}
	if record.Balance < 0 {
		return storage.ErrNegativeBalance
	}
	t.staged[key] = record
	return nil
}

func (t *memoryTx) releaseAll() {
	for _, release := range t.held {
		release()
	}
}

// Compile-time check: ensure MemoryAccountStore implements AccountStore interface
var _ interfaces.AccountStore = (*MemoryAccountStore)(nil)
