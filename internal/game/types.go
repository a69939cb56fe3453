package game

import (
	"github.com/shopspring/decimal"

	"cryptocrash/internal/ledger"
	"cryptocrash/internal/pricing"
)

type BetRequest struct {
	PlayerID  string          `json:"playerId"`
	USDAmount decimal.Decimal `json:"usdAmount"`
	Currency  string          `json:"currency"`
	ConnID    string          `json:"-"`
}

type CashoutRequest struct {
	PlayerID    string  `json:"playerId"`
	RoundNumber int     `json:"roundNumber"`
	Multiplier  float64 `json:"multiplier"`
	ConnID      string  `json:"-"`
}

type BetReceipt struct {
	RoundNumber int             `json:"roundNumber"`
	Commitment  string          `json:"commitment"`
	Bet         Bet             `json:"bet"`
	Price       decimal.Decimal `json:"price"`
	PriceSource pricing.Source  `json:"priceSource"`
	Wallet      ledger.Wallet   `json:"wallet"`
	Degraded    bool            `json:"degraded"`
	Persisted   bool            `json:"persisted"`
}

type CashoutReceipt struct {
	RoundNumber   int             `json:"roundNumber"`
	Multiplier    float64         `json:"multiplier"`
	USDEquivalent decimal.Decimal `json:"usdEquivalent"`
	CryptoAmount  decimal.Decimal `json:"cryptoAmount"`
	Currency      ledger.Currency `json:"currency"`
	Price         decimal.Decimal `json:"price"`
	Wallet        ledger.Wallet   `json:"wallet"`
	Degraded      bool            `json:"degraded"`
	Persisted     bool            `json:"persisted"`
}

type GameState struct {
	Round    *RoundView `json:"round"`
	LiveBets []BetView  `json:"liveBets"`
}

type Verification struct {
	RoundNumber int     `json:"roundNumber"`
	Seed        string  `json:"seed"`
	Commitment  string  `json:"commitment"`
	CrashPoint  float64 `json:"crashPoint"`
	Computed    float64 `json:"computedCrashPoint"`
	Valid       bool    `json:"valid"`
}

type Holding struct {
	Currency ledger.Currency `json:"currency"`
	Amount   decimal.Decimal `json:"amount"`
	Price    decimal.Decimal `json:"price"`
	USDValue decimal.Decimal `json:"usdValue"`
}

type WalletView struct {
	PlayerID    string          `json:"playerId"`
	USDBalance  decimal.Decimal `json:"usdBalance"`
	Holdings    []Holding       `json:"holdings"`
	PriceSource string          `json:"priceSource"`
}
