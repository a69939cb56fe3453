package game

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"cryptocrash/internal/ledger"
)

type Status string

const (
	StatusPending Status = "PENDING"
	StatusOpen    Status = "OPEN"
	StatusCrashed Status = "CRASHED"
)

// Bet is one wager inside a round. It changes once, when it is cashed out.
type Bet struct {
	Seq          int                 `json:"seq"`
	PlayerID     string              `json:"playerId"`
	ConnID       string              `json:"-"`
	USDAmount    decimal.Decimal     `json:"usdAmount"`
	CryptoAmount decimal.Decimal     `json:"cryptoAmount"`
	Currency     ledger.Currency     `json:"currency"`
	PriceAtBet   decimal.Decimal     `json:"priceAtBet"`
	CashedOut    bool                `json:"cashedOut"`
	Multiplier   decimal.NullDecimal `json:"multiplier"`
	PlacedAt     time.Time           `json:"placedAt"`
}

// RoundSnapshot is a consistent copy of a round, as persisted. Seed is empty
// until the round has crashed.
type RoundSnapshot struct {
	Number          int
	Epoch           string
	Seed            string
	Commitment      string
	CrashPoint      float64
	Status          Status
	OpenedAt        time.Time
	BettingClosesAt time.Time
	CrashAt         time.Time
	CrashedAt       time.Time
	Bets            []Bet
	Version         int64
}

// Round is one instance of the multiplier game. All mutable fields are
// guarded by mu; number, seed and the timeline never change.
type Round struct {
	mu sync.Mutex

	number     int
	epoch      string
	seed       string
	commitment string
	crashPoint float64
	openedAt   time.Time
	closesAt   time.Time
	crashAt    time.Time

	status    Status
	crashedAt time.Time
	bets      []*Bet
	version   int64
}

func newRound(number int, epoch, seed string, crashPoint float64, now time.Time, window time.Duration) *Round {
	closesAt := now.Add(window)
	return &Round{
		number:     number,
		epoch:      epoch,
		seed:       seed,
		commitment: HashCommitment(seed),
		crashPoint: crashPoint,
		openedAt:   now,
		closesAt:   closesAt,
		crashAt:    closesAt.Add(TimeToReach(crashPoint)),
		status:     StatusPending,
		version:    1,
	}
}

func roundFromSnapshot(snap RoundSnapshot, seed string) *Round {
	r := &Round{
		number:     snap.Number,
		epoch:      snap.Epoch,
		seed:       seed,
		commitment: snap.Commitment,
		crashPoint: snap.CrashPoint,
		openedAt:   snap.OpenedAt,
		closesAt:   snap.BettingClosesAt,
		crashAt:    snap.CrashAt,
		status:     snap.Status,
		crashedAt:  snap.CrashedAt,
		version:    snap.Version,
		bets:       make([]*Bet, 0, len(snap.Bets)),
	}
	for i := range snap.Bets {
		b := snap.Bets[i]
		r.bets = append(r.bets, &b)
	}
	return r
}

func (r *Round) Number() int {
	return r.number
}

func (r *Round) Commitment() string {
	return r.commitment
}

func (r *Round) Snapshot() RoundSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Round) snapshotLocked() RoundSnapshot {
	snap := RoundSnapshot{
		Number:          r.number,
		Epoch:           r.epoch,
		Commitment:      r.commitment,
		CrashPoint:      r.crashPoint,
		Status:          r.status,
		OpenedAt:        r.openedAt,
		BettingClosesAt: r.closesAt,
		CrashAt:         r.crashAt,
		CrashedAt:       r.crashedAt,
		Bets:            make([]Bet, len(r.bets)),
		Version:         r.version,
	}
	if r.status == StatusCrashed {
		snap.Seed = r.seed
	}
	for i, b := range r.bets {
		snap.Bets[i] = *b
	}
	return snap
}

// crashIfDue moves the round to CRASHED once its deadline has passed and
// reports whether this call made the transition. Callers hold r.mu.
func (r *Round) crashIfDue(now time.Time) bool {
	if r.status == StatusCrashed || now.Before(r.crashAt) {
		return false
	}
	r.status = StatusCrashed
	r.crashedAt = r.crashAt
	r.version++
	return true
}

func (r *Round) acceptingBets(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status == StatusOpen && now.Before(r.closesAt)
}

// multiplierLocked is the curve value the round shows at now.
func (r *Round) multiplierLocked(now time.Time) float64 {
	if r.status == StatusCrashed {
		return r.crashPoint
	}
	m := MultiplierAt(now.Sub(r.closesAt))
	if m > r.crashPoint {
		return r.crashPoint
	}
	return m
}

func (r *Round) phaseLocked(now time.Time) string {
	switch {
	case r.status == StatusCrashed:
		return "crashed"
	case now.Before(r.closesAt):
		return "betting"
	default:
		return "flying"
	}
}

type BetView struct {
	PlayerID     string              `json:"playerId"`
	USDAmount    decimal.Decimal     `json:"usdAmount"`
	CryptoAmount decimal.Decimal     `json:"cryptoAmount"`
	Currency     ledger.Currency     `json:"currency"`
	CashedOut    bool                `json:"cashedOut"`
	Multiplier   decimal.NullDecimal `json:"multiplier"`
	PlacedAt     time.Time           `json:"placedAt"`
	Connected    bool                `json:"connected"`
}

// RoundView is the public face of a round. Seed and crash point are only
// filled in after the crash.
type RoundView struct {
	Number          int        `json:"roundNumber"`
	Status          Status     `json:"status"`
	Phase           string     `json:"phase"`
	Commitment      string     `json:"commitment"`
	Multiplier      float64    `json:"multiplier"`
	OpenedAt        time.Time  `json:"openedAt"`
	BettingClosesAt time.Time  `json:"bettingClosesAt"`
	CrashPoint      float64    `json:"crashPoint,omitempty"`
	Seed            string     `json:"seed,omitempty"`
	CrashedAt       *time.Time `json:"crashedAt,omitempty"`
	Bets            []BetView  `json:"bets"`
}

func (r *Round) viewLocked(now time.Time) RoundView {
	v := RoundView{
		Number:          r.number,
		Status:          r.status,
		Phase:           r.phaseLocked(now),
		Commitment:      r.commitment,
		Multiplier:      r.multiplierLocked(now),
		OpenedAt:        r.openedAt,
		BettingClosesAt: r.closesAt,
		Bets:            make([]BetView, 0, len(r.bets)),
	}
	if r.status == StatusCrashed {
		crashedAt := r.crashedAt
		v.CrashPoint = r.crashPoint
		v.Seed = r.seed
		v.CrashedAt = &crashedAt
	}
	for _, b := range r.bets {
		v.Bets = append(v.Bets, BetView{
			PlayerID:     b.PlayerID,
			USDAmount:    b.USDAmount,
			CryptoAmount: b.CryptoAmount,
			Currency:     b.Currency,
			CashedOut:    b.CashedOut,
			Multiplier:   b.Multiplier,
			PlacedAt:     b.PlacedAt,
			Connected:    b.ConnID != "",
		})
	}
	return v
}
