package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// cryptoPlaces bounds the precision of converted crypto amounts.
const cryptoPlaces = 12

// Store is the durable side of the ledger.
type Store interface {
	LoadWallet(ctx context.Context, playerID string) (Wallet, error)
	SaveWallet(ctx context.Context, playerID string, w Wallet) error
	AppendTransaction(ctx context.Context, tx Transaction) error
}

// Receipt describes one committed wallet mutation.
type Receipt struct {
	Transaction Transaction
	Wallet      Wallet
}

// Ledger is the only writer of wallets. Operations on the same player are
// serialized by that player's account lock; different players never contend
// beyond the short directory lookup. No call ever holds two account locks.
type Ledger struct {
	store Store
	clock clockwork.Clock

	mu       sync.Mutex
	accounts map[string]*account
}

type account struct {
	mu     sync.Mutex
	wallet Wallet
	loaded bool
}

func New(store Store, clock clockwork.Clock) *Ledger {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Ledger{
		store:    store,
		clock:    clock,
		accounts: make(map[string]*account),
	}
}

func (l *Ledger) account(playerID string) *account {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.accounts[playerID]
	if !ok {
		a = &account{}
		l.accounts[playerID] = a
	}
	return a
}

// withAccount runs fn inside the player's exclusive section, loading the
// wallet from the store on first use.
func (l *Ledger) withAccount(ctx context.Context, playerID string, fn func(a *account) error) error {
	a := l.account(playerID)
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.loaded {
		w, err := l.store.LoadWallet(ctx, playerID)
		if err != nil {
			return fmt.Errorf("load wallet %s: %w", playerID, err)
		}
		a.wallet = w.Clone()
		if a.wallet.USD.IsNegative() {
			return fmt.Errorf("load wallet %s: negative usd balance", playerID)
		}
		a.loaded = true
	}
	return fn(a)
}

// Debit converts usd into currency units at price and removes both from the
// wallet, failing with ErrInsufficientFunds if either side would go negative.
//
// When the returned error wraps ErrPersistenceFailure the debit is still
// committed and the receipt is valid.
func (l *Ledger) Debit(ctx context.Context, playerID string, usd decimal.Decimal, currency Currency, price decimal.Decimal, round int) (Receipt, error) {
	if !usd.IsPositive() || !price.IsPositive() {
		return Receipt{}, fmt.Errorf("debit %s: %w", usd, ErrInvalidAmount)
	}
	crypto := usd.DivRound(price, cryptoPlaces)

	var receipt Receipt
	var persistErr error
	err := l.withAccount(ctx, playerID, func(a *account) error {
		if a.wallet.Balance(currency).LessThan(crypto) || a.wallet.USD.LessThan(usd) {
			return ErrInsufficientFunds
		}
		a.wallet.USD = a.wallet.USD.Sub(usd)
		a.wallet.Balances[currency] = a.wallet.Balance(currency).Sub(crypto)

		tx := l.newTransaction(playerID, usd.Neg(), crypto.Neg(), currency, KindBet, price, round)
		receipt = Receipt{Transaction: tx, Wallet: a.wallet.Clone()}
		persistErr = l.persist(ctx, playerID, a.wallet, tx)
		return nil
	})
	if err != nil {
		return Receipt{}, err
	}
	return receipt, persistErr
}

// Credit adds usd and crypto to the wallet. It always succeeds for a known
// player; the same persistence contract as Debit applies.
func (l *Ledger) Credit(ctx context.Context, playerID string, usd, crypto decimal.Decimal, currency Currency, price decimal.Decimal, kind Kind, round int) (Receipt, error) {
	if usd.IsNegative() || crypto.IsNegative() {
		return Receipt{}, fmt.Errorf("credit %s/%s: %w", usd, crypto, ErrInvalidAmount)
	}

	var receipt Receipt
	var persistErr error
	err := l.withAccount(ctx, playerID, func(a *account) error {
		a.wallet.USD = a.wallet.USD.Add(usd)
		a.wallet.Balances[currency] = a.wallet.Balance(currency).Add(crypto)

		tx := l.newTransaction(playerID, usd, crypto, currency, kind, price, round)
		receipt = Receipt{Transaction: tx, Wallet: a.wallet.Clone()}
		persistErr = l.persist(ctx, playerID, a.wallet, tx)
		return nil
	})
	if err != nil {
		return Receipt{}, err
	}
	return receipt, persistErr
}

// RecordTransaction appends a row that does not move funds by itself, such as
// a settlement marker.
func (l *Ledger) RecordTransaction(ctx context.Context, tx Transaction) error {
	if tx.ID == uuid.Nil {
		tx.ID = uuid.New()
	}
	if tx.Timestamp.IsZero() {
		tx.Timestamp = l.clock.Now()
	}
	if err := l.store.AppendTransaction(context.WithoutCancel(ctx), tx); err != nil {
		log.Warn().Err(err).Str("player_id", tx.PlayerID).Str("kind", string(tx.Kind)).Msg("failed to append ledger row")
		return fmt.Errorf("%w: %v", ErrPersistenceFailure, err)
	}
	return nil
}

// Wallet returns a consistent snapshot of the player's balances.
func (l *Ledger) Wallet(ctx context.Context, playerID string) (Wallet, error) {
	var w Wallet
	err := l.withAccount(ctx, playerID, func(a *account) error {
		w = a.wallet.Clone()
		return nil
	})
	return w, err
}

func (l *Ledger) newTransaction(playerID string, usd, crypto decimal.Decimal, currency Currency, kind Kind, price decimal.Decimal, round int) Transaction {
	return Transaction{
		ID:           uuid.New(),
		PlayerID:     playerID,
		USDAmount:    usd,
		CryptoAmount: crypto,
		Currency:     currency,
		Kind:         kind,
		PriceAtTime:  price,
		RoundNumber:  round,
		Timestamp:    l.clock.Now(),
	}
}

// persist writes the wallet and its ledger row. The in-memory mutation is
// authoritative: a failure here is reported but never rolled back.
func (l *Ledger) persist(ctx context.Context, playerID string, w Wallet, tx Transaction) error {
	ctx = context.WithoutCancel(ctx)
	var errs []error
	if err := l.store.SaveWallet(ctx, playerID, w.Clone()); err != nil {
		errs = append(errs, fmt.Errorf("save wallet: %w", err))
	}
	if err := l.store.AppendTransaction(ctx, tx); err != nil {
		errs = append(errs, fmt.Errorf("append transaction: %w", err))
	}
	if len(errs) == 0 {
		return nil
	}
	err := errors.Join(errs...)
	log.Warn().
		Err(err).
		Str("player_id", playerID).
		Str("kind", string(tx.Kind)).
		Str("tx_id", tx.ID.String()).
		Msg("wallet mutation committed but not persisted")
	return fmt.Errorf("%w: %v", ErrPersistenceFailure, err)
}
