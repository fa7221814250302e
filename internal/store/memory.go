package store

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	accounts  map[string]*model.Account
	positions map[posKey]*model.Position
	trades    []model.Trade
	watch     map[posKey]model.WatchlistEntry
}

type posKey struct {
	userID string
	ticker string
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:  make(map[string]*model.Account),
		positions: make(map[posKey]*model.Position),
		watch:     make(map[posKey]model.WatchlistEntry),
	}
}

func (s *MemoryStore) CreateAccount(_ context.Context, a *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[a.UserID]; ok {
		return ErrAccountExists
	}
	// Store a copy to avoid external mutation.
	copy := *a
	s.accounts[a.UserID] = &copy
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, userID string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[userID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	copy := *a
	return &copy, nil
}

func (s *MemoryStore) PasswordHash(_ context.Context, userID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[userID]
	if !ok {
		return "", ErrAccountNotFound
	}
	return a.PasswordHash, nil
}

func (s *MemoryStore) GetPosition(_ context.Context, userID, ticker string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[posKey{userID, ticker}]
	if !ok {
		return nil, ErrPositionNotFound
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, userID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.listPositionsLocked(userID, nil), nil
}

func (s *MemoryStore) UpsertPosition(_ context.Context, p *model.Position) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *p
	s.positions[posKey{p.UserID, p.Ticker}] = &copy
	return nil
}

func (s *MemoryStore) DeletePosition(_ context.Context, userID, ticker string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.positions, posKey{userID, ticker})
	return nil
}

func (s *MemoryStore) GetTrade(_ context.Context, userID, tradeID string) (*model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, t := range s.trades {
		if t.ID == tradeID && t.UserID == userID {
			copy := t
			return &copy, nil
		}
	}
	return nil, ErrTradeNotFound
}

func (s *MemoryStore) ListTrades(_ context.Context, userID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for _, t := range s.trades {
		if t.UserID == userID {
			result = append(result, t)
		}
	}
	SortTradesNewestFirst(result)
	return result, nil
}

func (s *MemoryStore) AddWatch(_ context.Context, e *model.WatchlistEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := posKey{e.UserID, e.Ticker}
	if _, ok := s.watch[k]; ok {
		return ErrAlreadyWatched
	}
	s.watch[k] = *e
	return nil
}

func (s *MemoryStore) RemoveWatch(_ context.Context, userID, ticker string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := posKey{userID, ticker}
	if _, ok := s.watch[k]; !ok {
		return ErrNotWatched
	}
	delete(s.watch, k)
	return nil
}

func (s *MemoryStore) ListWatch(_ context.Context, userID string) ([]model.WatchlistEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WatchlistEntry
	for k, e := range s.watch {
		if k.userID == userID {
			result = append(result, e)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].AddedAt.Equal(result[j].AddedAt) {
			return result[i].AddedAt.Before(result[j].AddedAt)
		}
		return result[i].Ticker < result[j].Ticker
	})
	return result, nil
}

// InTx holds the store's write lock for the whole unit of work and applies
// staged writes only when fn succeeds.
func (s *MemoryStore) InTx(_ context.Context, _ string, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{
		s:         s,
		balances:  make(map[string]decimal.Decimal),
		positions: make(map[posKey]*model.Position),
	}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// listPositionsLocked merges the base positions with staged overrides.
// A nil entry in staged marks a deletion. Caller holds s.mu.
func (s *MemoryStore) listPositionsLocked(userID string, staged map[posKey]*model.Position) []model.Position {
	var result []model.Position
	for k, p := range s.positions {
		if k.userID != userID {
			continue
		}
		if _, overridden := staged[k]; overridden {
			continue
		}
		result = append(result, *p)
	}
	for k, p := range staged {
		if k.userID == userID && p != nil {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Ticker < result[j].Ticker })
	return result
}

// memoryTx stages writes on top of the locked MemoryStore.
type memoryTx struct {
	s         *MemoryStore
	balances  map[string]decimal.Decimal
	positions map[posKey]*model.Position // nil value = deleted
	trades    []model.Trade
}

func (tx *memoryTx) LockAccount(_ context.Context, userID string) (*model.Account, error) {
	a, ok := tx.s.accounts[userID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	copy := *a
	if bal, ok := tx.balances[userID]; ok {
		copy.CashBalance = bal
	}
	return &copy, nil
}

func (tx *memoryTx) SetCashBalance(_ context.Context, userID string, balance decimal.Decimal) error {
	if _, ok := tx.s.accounts[userID]; !ok {
		return ErrAccountNotFound
	}
	if balance.IsNegative() {
		return model.ErrNegativeBalance
	}
	tx.balances[userID] = balance
	return nil
}

func (tx *memoryTx) GetPosition(_ context.Context, userID, ticker string) (*model.Position, error) {
	k := posKey{userID, ticker}
	if p, ok := tx.positions[k]; ok {
		if p == nil {
			return nil, ErrPositionNotFound
		}
		copy := *p
		return &copy, nil
	}
	p, ok := tx.s.positions[k]
	if !ok {
		return nil, ErrPositionNotFound
	}
	copy := *p
	return &copy, nil
}

func (tx *memoryTx) ListPositions(_ context.Context, userID string) ([]model.Position, error) {
	return tx.s.listPositionsLocked(userID, tx.positions), nil
}

func (tx *memoryTx) UpsertPosition(_ context.Context, p *model.Position) error {
	if err := p.Validate(); err != nil {
		return err
	}
	copy := *p
	tx.positions[posKey{p.UserID, p.Ticker}] = &copy
	return nil
}

func (tx *memoryTx) DeletePosition(_ context.Context, userID, ticker string) error {
	tx.positions[posKey{userID, ticker}] = nil
	return nil
}

func (tx *memoryTx) InsertTrade(_ context.Context, t *model.Trade) error {
	tx.trades = append(tx.trades, *t)
	return nil
}

func (tx *memoryTx) commit() {
	s := tx.s
	for uid, bal := range tx.balances {
		s.accounts[uid].CashBalance = bal
	}
	for k, p := range tx.positions {
		if p == nil {
			delete(s.positions, k)
			continue
		}
		s.positions[k] = p
	}
	s.trades = append(s.trades, tx.trades...)
}

// SortTradesNewestFirst orders trades by execution date descending,
// breaking ties by ID so repeated reads are stable.
func SortTradesNewestFirst(trades []model.Trade) {
	sort.SliceStable(trades, func(i, j int) bool {
		if !trades[i].ExecutionDate.Equal(trades[j].ExecutionDate) {
			return trades[i].ExecutionDate.After(trades[j].ExecutionDate)
		}
		return trades[i].ID > trades[j].ID
	})
}
