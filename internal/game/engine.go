package game

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"cryptocrash/internal/ledger"
	"cryptocrash/internal/metrics"
	"cryptocrash/internal/pricing"
)

const (
	DEFAULT_CURRENCY = ledger.BTC

	// PLACE_ATTEMPTS bounds how many rounds a debited bet tries before it is
	// refunded.
	PLACE_ATTEMPTS = 3
)

// Limits bounds what a single bet may look like.
type Limits struct {
	MinBetUSD  decimal.Decimal
	MaxBetUSD  decimal.Decimal
	Currencies []ledger.Currency
}

// Engine joins the scheduler, the ledger and the price oracle into the bet
// and cash-out flows. Both the websocket and the HTTP surface go through it.
type Engine struct {
	scheduler  *Scheduler
	ledger     *ledger.Ledger
	oracle     pricing.Oracle
	metrics    *metrics.Metrics
	limits     Limits
	currencies map[ledger.Currency]bool
}

func NewEngine(scheduler *Scheduler, l *ledger.Ledger, oracle pricing.Oracle, m *metrics.Metrics, limits Limits) *Engine {
	if len(limits.Currencies) == 0 {
		limits.Currencies = []ledger.Currency{ledger.BTC, ledger.ETH}
	}
	e := &Engine{
		scheduler:  scheduler,
		ledger:     l,
		oracle:     oracle,
		metrics:    m,
		limits:     limits,
		currencies: make(map[ledger.Currency]bool, len(limits.Currencies)),
	}
	for _, c := range limits.Currencies {
		e.currencies[c] = true
	}
	scheduler.OnCrash(e.settle)
	return e
}

func (e *Engine) Scheduler() *Scheduler {
	return e.scheduler
}

func (e *Engine) validateBet(req *BetRequest) (ledger.Currency, error) {
	req.PlayerID = strings.TrimSpace(req.PlayerID)
	if req.PlayerID == "" {
		return "", fmt.Errorf("%w: playerId is required", ErrValidation)
	}
	if !req.USDAmount.IsPositive() {
		return "", fmt.Errorf("%w: usdAmount must be positive", ErrValidation)
	}
	if e.limits.MinBetUSD.IsPositive() && req.USDAmount.LessThan(e.limits.MinBetUSD) {
		return "", fmt.Errorf("%w: minimum bet is %s USD", ErrValidation, e.limits.MinBetUSD)
	}
	if e.limits.MaxBetUSD.IsPositive() && req.USDAmount.GreaterThan(e.limits.MaxBetUSD) {
		return "", fmt.Errorf("%w: maximum bet is %s USD", ErrValidation, e.limits.MaxBetUSD)
	}

	currency := DEFAULT_CURRENCY
	if req.Currency != "" {
		currency = ledger.Currency(strings.ToUpper(strings.TrimSpace(req.Currency)))
	}
	if !e.currencies[currency] {
		return "", fmt.Errorf("%w: unsupported currency %q", ErrValidation, req.Currency)
	}
	return currency, nil
}

// PlaceBet debits the player and records the bet in the round taking bets.
// The price is fetched before any lock is taken.
func (e *Engine) PlaceBet(ctx context.Context, req BetRequest) (BetReceipt, error) {
	currency, err := e.validateBet(&req)
	if err != nil {
		return BetReceipt{}, err
	}

	quote, err := e.oracle.Quote(ctx)
	if err != nil {
		return BetReceipt{}, err
	}
	price, err := quote.Price(string(currency))
	if err != nil {
		return BetReceipt{}, fmt.Errorf("%w: %v", pricing.ErrPriceServiceUnavailable, err)
	}
	if quote.Degraded() {
		e.metrics.DegradedQuote(string(quote.Source))
	}

	round := e.scheduler.OpenRound(ctx)

	persisted := true
	debit, err := e.ledger.Debit(ctx, req.PlayerID, req.USDAmount, currency, price, round.Number())
	if err != nil {
		if !errors.Is(err, ledger.ErrPersistenceFailure) {
			return BetReceipt{}, err
		}
		persisted = false
		e.metrics.PersistenceFailure("wallet")
	}
	crypto := debit.Transaction.CryptoAmount.Neg()

	pending := Bet{
		PlayerID:     req.PlayerID,
		ConnID:       req.ConnID,
		USDAmount:    req.USDAmount,
		CryptoAmount: crypto,
		Currency:     currency,
		PriceAtBet:   price,
	}
	bet, err := e.scheduler.PlaceBet(ctx, round, pending)
	// The window can close while the debit is being written. The bet then
	// joins the next round instead of being rejected.
	for attempt := 1; errors.Is(err, ErrRoundClosed) && attempt < PLACE_ATTEMPTS; attempt++ {
		debited := round.Number()
		round = e.scheduler.OpenRound(ctx)
		log.Debug().
			Str("player_id", req.PlayerID).
			Int("debited_round", debited).
			Int("round", round.Number()).
			Msg("betting window closed during debit, moving bet to next round")
		bet, err = e.scheduler.PlaceBet(ctx, round, pending)
	}
	if err != nil {
		e.refund(ctx, req.PlayerID, req.USDAmount, crypto, currency, price, round.Number())
		return BetReceipt{}, err
	}

	e.metrics.BetPlaced(string(currency))
	log.Debug().
		Str("player_id", req.PlayerID).
		Int("round", round.Number()).
		Str("usd", req.USDAmount.String()).
		Str("crypto", crypto.String()).
		Str("currency", string(currency)).
		Str("price_source", string(quote.Source)).
		Msg("bet placed")

	return BetReceipt{
		RoundNumber: round.Number(),
		Commitment:  round.Commitment(),
		Bet:         bet,
		Price:       price,
		PriceSource: quote.Source,
		Wallet:      debit.Wallet,
		Degraded:    quote.Degraded(),
		Persisted:   persisted,
	}, nil
}

// refund returns a debit whose bet never made it into a round.
func (e *Engine) refund(ctx context.Context, playerID string, usd, crypto decimal.Decimal, currency ledger.Currency, price decimal.Decimal, round int) {
	_, err := e.ledger.Credit(ctx, playerID, usd, crypto, currency, price, ledger.KindRefund, round)
	if err == nil {
		return
	}
	if errors.Is(err, ledger.ErrPersistenceFailure) {
		e.metrics.PersistenceFailure("wallet")
		return
	}
	log.Error().Err(err).Str("player_id", playerID).Int("round", round).Msg("failed to refund rejected bet")
}

// Cashout settles the player's open bet in the given round at the requested
// multiplier and credits the winnings.
func (e *Engine) Cashout(ctx context.Context, req CashoutRequest) (CashoutReceipt, error) {
	req.PlayerID = strings.TrimSpace(req.PlayerID)
	switch {
	case req.PlayerID == "":
		return CashoutReceipt{}, fmt.Errorf("%w: playerId is required", ErrValidation)
	case req.RoundNumber <= 0:
		return CashoutReceipt{}, fmt.Errorf("%w: roundNumber is required", ErrValidation)
	case math.IsNaN(req.Multiplier) || math.IsInf(req.Multiplier, 0) || req.Multiplier < MIN_MULTIPLIER:
		return CashoutReceipt{}, fmt.Errorf("%w: multiplier must be at least %.2f", ErrValidation, MIN_MULTIPLIER)
	}

	round, err := e.scheduler.Round(ctx, req.RoundNumber)
	if err != nil {
		return CashoutReceipt{}, err
	}

	// Load the wallet before the bet is marked, so that once it is marked
	// only an advisory persistence failure can stop the credit.
	if _, err := e.ledger.Wallet(ctx, req.PlayerID); err != nil {
		return CashoutReceipt{}, err
	}

	quote, quoteErr := e.oracle.Quote(ctx)

	outcome, err := e.scheduler.RecordCashout(ctx, round, req.PlayerID, req.Multiplier)
	if err != nil {
		return CashoutReceipt{}, err
	}
	bet := outcome.Bet

	// The bet is already marked; a missing quote must not block the credit.
	price, source, degraded := bet.PriceAtBet, "bet_price", true
	if quoteErr == nil {
		if p, err := quote.Price(string(bet.Currency)); err == nil {
			price, source, degraded = p, string(quote.Source), quote.Degraded()
		}
	}
	if degraded {
		e.metrics.DegradedQuote(source)
	}
	crypto := outcome.Win.DivRound(price, 12)

	persisted := true
	credit, err := e.ledger.Credit(ctx, req.PlayerID, outcome.Win, crypto, bet.Currency, price, ledger.KindCashout, req.RoundNumber)
	if err != nil {
		if !errors.Is(err, ledger.ErrPersistenceFailure) {
			log.Error().Err(err).Str("player_id", req.PlayerID).Int("round", req.RoundNumber).Msg("cash-out recorded but credit failed")
			return CashoutReceipt{}, err
		}
		persisted = false
		e.metrics.PersistenceFailure("wallet")
	}

	e.metrics.CashedOut(string(bet.Currency))
	log.Debug().
		Str("player_id", req.PlayerID).
		Int("round", req.RoundNumber).
		Float64("multiplier", req.Multiplier).
		Str("win", outcome.Win.String()).
		Msg("cashed out")

	return CashoutReceipt{
		RoundNumber:   req.RoundNumber,
		Multiplier:    req.Multiplier,
		USDEquivalent: outcome.Win,
		CryptoAmount:  crypto,
		Currency:      bet.Currency,
		Price:         price,
		Wallet:        credit.Wallet,
		Degraded:      degraded,
		Persisted:     persisted,
	}, nil
}

// settle writes the win and loss markers of a crashed round.
func (e *Engine) settle(snap RoundSnapshot) {
	e.metrics.RoundCrashed(snap.CrashPoint)

	ctx := context.Background()
	for _, b := range snap.Bets {
		kind := ledger.KindLoss
		if b.CashedOut {
			kind = ledger.KindWin
		}
		err := e.ledger.RecordTransaction(ctx, ledger.Transaction{
			PlayerID:     b.PlayerID,
			USDAmount:    decimal.Zero,
			CryptoAmount: decimal.Zero,
			Currency:     b.Currency,
			Kind:         kind,
			PriceAtTime:  b.PriceAtBet,
			RoundNumber:  snap.Number,
		})
		if err != nil {
			e.metrics.PersistenceFailure("transaction")
		}
	}
}

// State returns the current round and its bets that are still riding.
func (e *Engine) State(ctx context.Context) GameState {
	state := GameState{LiveBets: []BetView{}}
	r := e.scheduler.Current()
	if r == nil {
		return state
	}
	view := e.scheduler.View(ctx, r)
	state.Round = &view
	if view.Status != StatusCrashed {
		for _, b := range view.Bets {
			if !b.CashedOut {
				state.LiveBets = append(state.LiveBets, b)
			}
		}
	}
	return state
}

func (e *Engine) Round(ctx context.Context, number int) (RoundView, error) {
	r, err := e.scheduler.Round(ctx, number)
	if err != nil {
		return RoundView{}, err
	}
	return e.scheduler.View(ctx, r), nil
}

// Verify recomputes the crash point of a crashed round from its revealed
// seed.
func (e *Engine) Verify(ctx context.Context, number int) (Verification, error) {
	view, err := e.Round(ctx, number)
	if err != nil {
		return Verification{}, err
	}
	if view.Status != StatusCrashed {
		return Verification{}, ErrRoundInProgress
	}
	gen := e.scheduler.Generator()
	return Verification{
		RoundNumber: number,
		Seed:        view.Seed,
		Commitment:  view.Commitment,
		CrashPoint:  view.CrashPoint,
		Computed:    gen(view.Seed, number),
		Valid:       VerifyRound(gen, view.Seed, view.Commitment, number, view.CrashPoint),
	}, nil
}

// Wallet returns the player's balances valued at the current rates.
func (e *Engine) Wallet(ctx context.Context, playerID string) (WalletView, error) {
	w, err := e.ledger.Wallet(ctx, playerID)
	if err != nil {
		return WalletView{}, err
	}

	view := WalletView{
		PlayerID:    playerID,
		USDBalance:  w.USD,
		Holdings:    make([]Holding, 0, len(e.limits.Currencies)),
		PriceSource: "unavailable",
	}
	quote, err := e.oracle.Quote(ctx)
	if err == nil {
		view.PriceSource = priceSourceLabel(quote.Source)
	}
	for _, c := range e.limits.Currencies {
		h := Holding{Currency: c, Amount: w.Balance(c)}
		if err == nil {
			if p, perr := quote.Price(string(c)); perr == nil {
				h.Price = p
				h.USDValue = h.Amount.Mul(p).Round(2)
			}
		}
		view.Holdings = append(view.Holdings, h)
	}
	return view, nil
}

func priceSourceLabel(s pricing.Source) string {
	switch s {
	case pricing.SourceFallback:
		return "estimated"
	case pricing.SourceStale, pricing.SourceCached:
		return "cached"
	default:
		return "live"
	}
}

func (e *Engine) AttachPlayer(playerID, connID string) {
	e.scheduler.Attach(playerID, connID)
}

func (e *Engine) DetachConnection(connID string) {
	if n := e.scheduler.Detach(connID); n > 0 {
		log.Debug().Str("conn_id", connID).Int("bets", n).Msg("detached live bets from connection")
	}
}
