package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu        sync.Mutex
	wallets   map[string]Wallet
	txs       []Transaction
	saveErr   error
	appendErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{wallets: make(map[string]Wallet)}
}

func (s *fakeStore) LoadWallet(_ context.Context, playerID string) (Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[playerID]
	if !ok {
		return Wallet{}, ErrPlayerNotFound
	}
	return w.Clone(), nil
}

func (s *fakeStore) SaveWallet(_ context.Context, playerID string, w Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.wallets[playerID] = w.Clone()
	return nil
}

func (s *fakeStore) AppendTransaction(_ context.Context, tx Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return s.appendErr
	}
	s.txs = append(s.txs, tx)
	return nil
}

func (s *fakeStore) transactions() []Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Transaction(nil), s.txs...)
}

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func seeded(t *testing.T, usd, btc string) (*Ledger, *fakeStore) {
	t.Helper()
	store := newFakeStore()
	store.wallets["p1"] = NewWallet(dec(usd), map[Currency]decimal.Decimal{BTC: dec(btc)})
	return New(store, clockwork.NewFakeClock()), store
}

func TestDebit(t *testing.T) {
	l, store := seeded(t, "100", "0.001")

	r, err := l.Debit(context.Background(), "p1", dec("40"), BTC, dec("40000"), 1)
	require.NoError(t, err)

	assert.True(t, r.Transaction.CryptoAmount.Equal(dec("-0.001")))
	assert.True(t, r.Transaction.USDAmount.Equal(dec("-40")))
	assert.Equal(t, KindBet, r.Transaction.Kind)
	assert.Equal(t, 1, r.Transaction.RoundNumber)
	assert.True(t, r.Wallet.USD.Equal(dec("60")))
	assert.True(t, r.Wallet.Balance(BTC).IsZero())

	saved := store.wallets["p1"]
	assert.True(t, saved.USD.Equal(dec("60")))
	assert.Len(t, store.transactions(), 1)
}

func TestDebit_Rejections(t *testing.T) {
	tests := []struct {
		name  string
		usd   string
		price string
		want  error
	}{
		{"usd exceeds balance", "70", "40000", ErrInsufficientFunds},
		{"crypto exceeds balance", "50", "10000", ErrInsufficientFunds},
		{"zero amount", "0", "40000", ErrInvalidAmount},
		{"negative amount", "-5", "40000", ErrInvalidAmount},
		{"zero price", "10", "0", ErrInvalidAmount},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, store := seeded(t, "60", "0.0015")
			_, err := l.Debit(context.Background(), "p1", dec(tt.usd), BTC, dec(tt.price), 1)
			assert.ErrorIs(t, err, tt.want)

			w, err := l.Wallet(context.Background(), "p1")
			require.NoError(t, err)
			assert.True(t, w.USD.Equal(dec("60")), "balance unchanged")
			assert.True(t, w.Balance(BTC).Equal(dec("0.0015")))
			assert.Empty(t, store.transactions())
		})
	}
}

func TestUnknownPlayer(t *testing.T) {
	l := New(newFakeStore(), nil)
	_, err := l.Debit(context.Background(), "ghost", dec("1"), BTC, dec("1"), 1)
	assert.ErrorIs(t, err, ErrPlayerNotFound)

	_, err = l.Wallet(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrPlayerNotFound)
}

func TestCredit(t *testing.T) {
	l, store := seeded(t, "60", "0")

	r, err := l.Credit(context.Background(), "p1", dec("80"), dec("0.002"), BTC, dec("40000"), KindCashout, 1)
	require.NoError(t, err)
	assert.True(t, r.Wallet.USD.Equal(dec("140")))
	assert.True(t, r.Wallet.Balance(BTC).Equal(dec("0.002")))
	assert.Equal(t, KindCashout, r.Transaction.Kind)

	_, err = l.Credit(context.Background(), "p1", dec("-1"), dec("0"), BTC, dec("40000"), KindCashout, 1)
	assert.ErrorIs(t, err, ErrInvalidAmount)
	assert.Len(t, store.transactions(), 1)
}

func TestPersistenceFailureKeepsMutation(t *testing.T) {
	l, store := seeded(t, "100", "1")
	store.appendErr = errors.New("disk full")

	r, err := l.Debit(context.Background(), "p1", dec("10"), BTC, dec("100"), 3)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPersistenceFailure)
	assert.True(t, r.Wallet.USD.Equal(dec("90")), "receipt is valid despite the failure")

	w, err := l.Wallet(context.Background(), "p1")
	require.NoError(t, err)
	assert.True(t, w.USD.Equal(dec("90")))
	assert.True(t, w.Balance(BTC).Equal(dec("0.9")))

	err = l.RecordTransaction(context.Background(), Transaction{PlayerID: "p1", Kind: KindLoss})
	assert.ErrorIs(t, err, ErrPersistenceFailure)
}

func TestRecordTransactionFillsIdentity(t *testing.T) {
	l, store := seeded(t, "1", "0")
	require.NoError(t, l.RecordTransaction(context.Background(), Transaction{PlayerID: "p1", Kind: KindWin, RoundNumber: 4}))

	txs := store.transactions()
	require.Len(t, txs, 1)
	assert.NotEqual(t, "00000000-0000-0000-0000-000000000000", txs[0].ID.String())
	assert.False(t, txs[0].Timestamp.IsZero())
}

func TestConcurrentMutationsNoLostUpdates(t *testing.T) {
	l, store := seeded(t, "1000", "10")
	price := dec("100")

	const workers = 50
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := l.Debit(context.Background(), "p1", dec("3"), BTC, price, 1)
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := l.Credit(context.Background(), "p1", dec("2"), dec("0.01"), BTC, price, KindCashout, 1)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	w, err := l.Wallet(context.Background(), "p1")
	require.NoError(t, err)
	assert.True(t, w.USD.Equal(dec("950")), "got %s", w.USD)
	assert.True(t, w.Balance(BTC).Equal(dec("10")), "got %s", w.Balance(BTC))

	usd, crypto := decimal.Zero, decimal.Zero
	for _, tx := range store.transactions() {
		usd = usd.Add(tx.USDAmount)
		crypto = crypto.Add(tx.CryptoAmount)
	}
	assert.True(t, usd.Equal(dec("-50")), "ledger deltas sum to the balance change")
	assert.True(t, crypto.IsZero())
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	l, _ := seeded(t, "100", "100")

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Debit(context.Background(), "p1", dec("10"), BTC, dec("1"), 1); err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, ErrInsufficientFunds)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, accepted)
	w, _ := l.Wallet(context.Background(), "p1")
	assert.True(t, w.USD.IsZero())
}

func TestWalletSnapshotIsIsolated(t *testing.T) {
	l, _ := seeded(t, "5", "1")
	w, err := l.Wallet(context.Background(), "p1")
	require.NoError(t, err)
	w.Balances[BTC] = dec("999")

	again, _ := l.Wallet(context.Background(), "p1")
	assert.True(t, again.Balance(BTC).Equal(dec("1")))
}
