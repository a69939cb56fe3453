package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"cryptocrash/internal/game"
	"cryptocrash/internal/ledger"
	"cryptocrash/internal/pricing"
)

// Inbound events
const (
	EventRegisterPlayer = "register_player"
	EventPlaceBet       = "place_multiplier_bet"
	EventCashOut        = "cash_out_multiplier"
	EventGetGameState   = "get_game_state"
	EventPing           = "ping"
)

// Outbound events
const (
	EventRoomAssigned     = "room_assigned"
	EventGroupMembers     = "group_members"
	EventPlayerRegistered = "player_registered"
	EventBetConfirmation  = "bet_confirmation"
	EventBetError         = "bet_error"
	EventBetPlaced        = "bet_placed"
	EventCashoutResult    = "cashout_result"
	EventCashoutError     = "cashout_error"
	EventCashedOut        = "cashed_out"
	EventRoundOpened      = "round_opened"
	EventMultiplierUpdate = "multiplier_update"
	EventRoundCrashed     = "round_crashed"
	EventGameState        = "game_state"
	EventBroadcast        = "broadcast"
	EventPong             = "pong"
	EventError            = "error"
	EventConnectionError  = "connection_error"
)

// Error codes sent to clients
const (
	CodeValidation           = "validation_error"
	CodeInsufficientFunds    = "insufficient_funds"
	CodeRoundClosed          = "round_closed"
	CodeAlreadyCashedOut     = "already_cashed_out"
	CodeAlreadyCrashed       = "already_crashed"
	CodeNoActiveBet          = "no_active_bet"
	CodeRoundNotFound        = "round_not_found"
	CodeRoundInProgress      = "round_in_progress"
	CodeMultiplierNotReached = "multiplier_not_reached"
	CodePriceUnavailable     = "price_unavailable"
	CodePlayerNotFound       = "player_not_found"
	CodeUnknownEvent         = "unknown_event"
	CodeConnection           = "connection_error"
	CodeInternal             = "internal_error"
)

var errorCodes = []struct {
	err  error
	code string
}{
	{game.ErrValidation, CodeValidation},
	{ledger.ErrInvalidAmount, CodeValidation},
	{pricing.ErrUnsupportedCurrency, CodeValidation},
	{ledger.ErrInsufficientFunds, CodeInsufficientFunds},
	{game.ErrRoundClosed, CodeRoundClosed},
	{game.ErrAlreadyCashedOut, CodeAlreadyCashedOut},
	{game.ErrAlreadyCrashed, CodeAlreadyCrashed},
	{game.ErrNoActiveBet, CodeNoActiveBet},
	{game.ErrRoundNotFound, CodeRoundNotFound},
	{game.ErrRoundInProgress, CodeRoundInProgress},
	{game.ErrMultiplierNotReached, CodeMultiplierNotReached},
	{pricing.ErrPriceServiceUnavailable, CodePriceUnavailable},
	{ledger.ErrPlayerNotFound, CodePlayerNotFound},
}

// ErrorCode maps an engine error to its wire code.
func ErrorCode(err error) string {
	for _, e := range errorCodes {
		if errors.Is(err, e.err) {
			return e.code
		}
	}
	return CodeInternal
}

// NewErrorPayload builds the client-facing error. Internal errors are not
// described to the client.
func NewErrorPayload(err error) ErrorPayload {
	code := ErrorCode(err)
	msg := err.Error()
	if code == CodeInternal {
		msg = "internal error"
	}
	return ErrorPayload{Code: code, Message: msg}
}

type Envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

type inboundEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type RegisterPlayerPayload struct {
	PlayerID string `json:"playerId"`
}

type PlaceBetPayload struct {
	PlayerID  string          `json:"playerId"`
	USDAmount decimal.Decimal `json:"usdAmount"`
	Currency  string          `json:"currency"`
}

type CashOutPayload struct {
	PlayerID    string  `json:"playerId"`
	RoundNumber int     `json:"roundNumber"`
	Multiplier  float64 `json:"multiplier"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type RoomAssigned struct {
	RoomCode string `json:"roomCode"`
}

type GroupMembers struct {
	RoomCode string   `json:"roomCode"`
	Members  []string `json:"members"`
}

type PlayerRegistered struct {
	PlayerID string `json:"playerId"`
	RoomCode string `json:"roomCode"`
}

type BetSummary struct {
	USDAmount    decimal.Decimal `json:"usdAmount"`
	CryptoAmount decimal.Decimal `json:"cryptoAmount"`
	Currency     ledger.Currency `json:"currency"`
	RoundNumber  int             `json:"roundNumber"`
}

type BetConfirmation struct {
	Bet        BetSummary      `json:"bet"`
	Commitment string          `json:"commitment"`
	USDBalance decimal.Decimal `json:"usdBalance"`
	Wallet     ledger.Wallet   `json:"wallet"`
	Price      decimal.Decimal `json:"price"`
	Degraded   bool            `json:"degraded"`
	Persisted  bool            `json:"persisted"`
}

type BetPlaced struct {
	PlayerID    string          `json:"playerId"`
	RoundNumber int             `json:"roundNumber"`
	USDAmount   decimal.Decimal `json:"usdAmount"`
	Currency    ledger.Currency `json:"currency"`
}

type CashoutDetail struct {
	Multiplier    float64         `json:"multiplier"`
	USDEquivalent decimal.Decimal `json:"usdEquivalent"`
	CryptoAmount  decimal.Decimal `json:"cryptoAmount"`
	Currency      ledger.Currency `json:"currency"`
}

type CashoutResult struct {
	Status     string          `json:"status"`
	Message    string          `json:"message"`
	Result     CashoutDetail   `json:"result"`
	USDBalance decimal.Decimal `json:"usdBalance"`
	Wallet     ledger.Wallet   `json:"wallet"`
	Degraded   bool            `json:"degraded"`
	Persisted  bool            `json:"persisted"`
}

type CashedOut struct {
	PlayerID      string          `json:"playerId"`
	RoundNumber   int             `json:"roundNumber"`
	Multiplier    float64         `json:"multiplier"`
	USDEquivalent decimal.Decimal `json:"usdEquivalent"`
}

type RoundOpened struct {
	RoundNumber     int       `json:"roundNumber"`
	Commitment      string    `json:"commitment"`
	BettingClosesAt time.Time `json:"bettingClosesAt"`
}

type MultiplierUpdate struct {
	RoundNumber int     `json:"roundNumber"`
	Multiplier  float64 `json:"multiplier"`
}

type RoundCrashed struct {
	RoundNumber int     `json:"roundNumber"`
	CrashPoint  float64 `json:"crashPoint"`
	Seed        string  `json:"seed"`
	Commitment  string  `json:"commitment"`
}

type BroadcastMessage struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type Pong struct {
	Timestamp time.Time `json:"timestamp"`
}

func NewBetConfirmation(r game.BetReceipt) BetConfirmation {
	return BetConfirmation{
		Bet: BetSummary{
			USDAmount:    r.Bet.USDAmount,
			CryptoAmount: r.Bet.CryptoAmount,
			Currency:     r.Bet.Currency,
			RoundNumber:  r.RoundNumber,
		},
		Commitment: r.Commitment,
		USDBalance: r.Wallet.USD,
		Wallet:     r.Wallet,
		Price:      r.Price,
		Degraded:   r.Degraded,
		Persisted:  r.Persisted,
	}
}

func NewCashoutResult(r game.CashoutReceipt) CashoutResult {
	return CashoutResult{
		Status:  "WON",
		Message: fmt.Sprintf("Cashed out at %.2fx", r.Multiplier),
		Result: CashoutDetail{
			Multiplier:    r.Multiplier,
			USDEquivalent: r.USDEquivalent,
			CryptoAmount:  r.CryptoAmount,
			Currency:      r.Currency,
		},
		USDBalance: r.Wallet.USD,
		Wallet:     r.Wallet,
		Degraded:   r.Degraded,
		Persisted:  r.Persisted,
	}
}

func newBetPlaced(playerID string, r game.BetReceipt) BetPlaced {
	return BetPlaced{
		PlayerID:    playerID,
		RoundNumber: r.RoundNumber,
		USDAmount:   r.Bet.USDAmount,
		Currency:    r.Bet.Currency,
	}
}

func newCashedOut(playerID string, r game.CashoutReceipt) CashedOut {
	return CashedOut{
		PlayerID:      playerID,
		RoundNumber:   r.RoundNumber,
		Multiplier:    r.Multiplier,
		USDEquivalent: r.USDEquivalent,
	}
}
