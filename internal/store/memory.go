package store

import (
	"context"
	"sort"
	"sync"

	"cryptocrash/internal/game"
	"cryptocrash/internal/ledger"
)

// Memory keeps wallets, transactions and rounds in process memory. It backs
// STORE_DRIVER=memory and the tests.
type Memory struct {
	mu           sync.RWMutex
	wallets      map[string]ledger.Wallet
	transactions []ledger.Transaction
	rounds       map[int]game.RoundSnapshot
}

func NewMemory() *Memory {
	return &Memory{
		wallets: make(map[string]ledger.Wallet),
		rounds:  make(map[int]game.RoundSnapshot),
	}
}

// PutWallet provisions a wallet directly, bypassing the ledger.
func (m *Memory) PutWallet(playerID string, w ledger.Wallet) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wallets[playerID] = w.Clone()
}

func (m *Memory) LoadWallet(_ context.Context, playerID string) (ledger.Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.wallets[playerID]
	if !ok {
		return ledger.Wallet{}, ledger.ErrPlayerNotFound
	}
	return w.Clone(), nil
}

func (m *Memory) SaveWallet(_ context.Context, playerID string, w ledger.Wallet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wallets[playerID] = w.Clone()
	return nil
}

func (m *Memory) AppendTransaction(_ context.Context, tx ledger.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transactions = append(m.transactions, tx)
	return nil
}

// Transactions returns the player's ledger rows in insertion order.
func (m *Memory) Transactions(playerID string) []ledger.Transaction {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ledger.Transaction
	for _, tx := range m.transactions {
		if tx.PlayerID == playerID {
			out = append(out, tx)
		}
	}
	return out
}

func (m *Memory) LoadRound(_ context.Context, number int) (game.RoundSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.rounds[number]
	if !ok {
		return game.RoundSnapshot{}, game.ErrRoundNotFound
	}
	return copyRound(snap), nil
}

func (m *Memory) SaveRound(_ context.Context, snap game.RoundSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.rounds[snap.Number]; ok && prev.Version >= snap.Version {
		return nil
	}
	m.rounds[snap.Number] = copyRound(snap)
	return nil
}

func (m *Memory) LatestRoundNumber(context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	latest := 0
	for n := range m.rounds {
		if n > latest {
			latest = n
		}
	}
	return latest, nil
}

func (m *Memory) OpenRounds(context.Context) ([]game.RoundSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []game.RoundSnapshot
	for _, snap := range m.rounds {
		if snap.Status != game.StatusCrashed {
			out = append(out, copyRound(snap))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func copyRound(snap game.RoundSnapshot) game.RoundSnapshot {
	snap.Bets = append([]game.Bet(nil), snap.Bets...)
	return snap
}
