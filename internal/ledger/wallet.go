package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Currency string

const (
	BTC Currency = "BTC"
	ETH Currency = "ETH"
)

// Wallet holds a player's USD balance and per-currency crypto holdings.
// Neither side is ever allowed to go negative.
type Wallet struct {
	USD      decimal.Decimal              `json:"usd_balance"`
	Balances map[Currency]decimal.Decimal `json:"balances"`
}

func NewWallet(usd decimal.Decimal, balances map[Currency]decimal.Decimal) Wallet {
	w := Wallet{USD: usd, Balances: make(map[Currency]decimal.Decimal, len(balances))}
	for c, v := range balances {
		w.Balances[c] = v
	}
	return w
}

func (w Wallet) Balance(c Currency) decimal.Decimal {
	return w.Balances[c]
}

// Clone returns a deep copy so callers never share the balances map with the
// ledger's live account.
func (w Wallet) Clone() Wallet {
	return NewWallet(w.USD, w.Balances)
}

type Kind string

const (
	KindBet     Kind = "bet"
	KindCashout Kind = "cashout"
	KindWin     Kind = "win"
	KindLoss    Kind = "loss"
	KindRefund  Kind = "refund"
)

// Transaction is an append-only ledger row. Amounts are signed deltas applied
// to the wallet; settlement markers (win, loss) carry zero deltas.
type Transaction struct {
	ID           uuid.UUID       `json:"id"`
	PlayerID     string          `json:"player_id"`
	USDAmount    decimal.Decimal `json:"usd_amount"`
	CryptoAmount decimal.Decimal `json:"crypto_amount"`
	Currency     Currency        `json:"currency"`
	Kind         Kind            `json:"kind"`
	PriceAtTime  decimal.Decimal `json:"price_at_time"`
	RoundNumber  int             `json:"round_number"`
	Timestamp    time.Time       `json:"timestamp"`
}
