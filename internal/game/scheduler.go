package game

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"cryptocrash/internal/metrics"
)

const (
	TICK_INTERVAL = 100 * time.Millisecond
	BETTING_TIME  = 5 * time.Second
)

// RoundStore persists rounds. SaveRound may receive snapshots out of order;
// implementations keep the one with the highest Version.
type RoundStore interface {
	LoadRound(ctx context.Context, number int) (RoundSnapshot, error)
	SaveRound(ctx context.Context, snap RoundSnapshot) error
	LatestRoundNumber(ctx context.Context) (int, error)
	OpenRounds(ctx context.Context) ([]RoundSnapshot, error)
}

type SchedulerConfig struct {
	Secret        string
	BettingWindow time.Duration
	TickInterval  time.Duration
	Generator     Generator
	Clock         clockwork.Clock
	Store         RoundStore
	Metrics       *metrics.Metrics

	// Epoch is mixed into every seed this scheduler derives. Empty means a
	// fresh random epoch per process.
	Epoch string
}

// Outcome is the result of a successful cash-out.
type Outcome struct {
	Bet Bet
	Win decimal.Decimal
}

// Scheduler owns the round lifecycle. Rounds are opened lazily by the first
// bet and crash when their deadline passes, checked on every access and on
// each Sweep.
//
// Lock order is s.mu before Round.mu. Hooks run with no locks held.
type Scheduler struct {
	cfg   SchedulerConfig
	clock clockwork.Clock
	store RoundStore

	mu      sync.Mutex
	next    int
	current *Round
	live    map[int]*Round

	onOpen  []func(RoundSnapshot)
	onCrash []func(RoundSnapshot)
	onTick  []func(number int, multiplier float64)
}

// NewScheduler builds a scheduler and, when a store is configured, resumes
// round numbering and adopts rounds a previous process left open.
func NewScheduler(ctx context.Context, cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Secret == "" {
		return nil, errors.New("scheduler: server secret is required")
	}
	if cfg.BettingWindow <= 0 {
		cfg.BettingWindow = BETTING_TIME
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = TICK_INTERVAL
	}
	if cfg.Generator == nil {
		cfg.Generator = NewGenerator(HOUSE_EDGE, MAX_MULTIPLIER)
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Epoch == "" {
		cfg.Epoch = uuid.NewString()
	}

	s := &Scheduler{
		cfg:   cfg,
		clock: cfg.Clock,
		store: cfg.Store,
		live:  make(map[int]*Round),
	}
	if s.store == nil {
		return s, nil
	}

	latest, err := s.store.LatestRoundNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load latest round: %w", err)
	}
	s.next = latest

	open, err := s.store.OpenRounds(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load open rounds: %w", err)
	}
	for _, snap := range open {
		s.adopt(snap)
	}
	if len(open) > 0 {
		log.Info().Int("rounds", len(open)).Int("latest", latest).Msg("adopted open rounds")
	}
	return s, nil
}

// OnOpen, OnCrash and OnTick register hooks. They must be called before the
// scheduler is shared between goroutines.
func (s *Scheduler) OnOpen(fn func(RoundSnapshot)) {
	s.onOpen = append(s.onOpen, fn)
}

func (s *Scheduler) OnCrash(fn func(RoundSnapshot)) {
	s.onCrash = append(s.onCrash, fn)
}

func (s *Scheduler) OnTick(fn func(number int, multiplier float64)) {
	s.onTick = append(s.onTick, fn)
}

func (s *Scheduler) Generator() Generator {
	return s.cfg.Generator
}

// Epoch is the seed epoch of rounds opened by this scheduler.
func (s *Scheduler) Epoch() string {
	return s.cfg.Epoch
}

// OpenRound returns the round currently taking bets, opening the next one
// when there is none. Concurrent callers get the same round.
func (s *Scheduler) OpenRound(ctx context.Context) *Round {
	now := s.clock.Now()

	s.mu.Lock()
	if r := s.current; r != nil && r.acceptingBets(now) {
		s.mu.Unlock()
		return r
	}
	s.next++
	number := s.next
	seed := DeriveSeed(s.cfg.Secret, s.cfg.Epoch, number)
	r := newRound(number, s.cfg.Epoch, seed, s.cfg.Generator(seed, number), now, s.cfg.BettingWindow)
	r.status = StatusOpen
	s.current = r
	s.live[number] = r
	s.mu.Unlock()

	snap := r.Snapshot()
	s.save(ctx, snap)
	s.cfg.Metrics.RoundOpened()
	log.Info().
		Int("round", number).
		Str("commitment", r.commitment[:16]).
		Time("betting_closes_at", snap.BettingClosesAt).
		Msg("round opened")
	for _, fn := range s.onOpen {
		fn(snap)
	}
	return r
}

// Current returns the most recently opened round, or nil before the first.
func (s *Scheduler) Current() *Round {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Round finds a round by number, in memory first and then in the store.
func (s *Scheduler) Round(ctx context.Context, number int) (*Round, error) {
	s.mu.Lock()
	r, ok := s.live[number]
	s.mu.Unlock()
	if ok {
		return r, nil
	}
	if s.store == nil {
		return nil, ErrRoundNotFound
	}

	snap, err := s.store.LoadRound(ctx, number)
	if err != nil {
		if errors.Is(err, ErrRoundNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to load round %d: %w", number, err)
	}
	return s.adopt(snap), nil
}

// adopt turns a stored snapshot back into a round. Rounds that were still
// open are registered so they expire and settle like any other.
func (s *Scheduler) adopt(snap RoundSnapshot) *Round {
	seed := snap.Seed
	if seed == "" {
		seed = DeriveSeed(s.cfg.Secret, snap.Epoch, snap.Number)
		if HashCommitment(seed) != snap.Commitment {
			log.Error().Int("round", snap.Number).Msg("derived seed does not match stored commitment")
		}
	}
	r := roundFromSnapshot(snap, seed)
	if snap.Status == StatusCrashed {
		return r
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.live[snap.Number]; ok {
		return existing
	}
	r.status = StatusOpen
	s.live[snap.Number] = r
	if snap.Number > s.next {
		s.next = snap.Number
	}
	return r
}

// withRound runs fn under the round lock, after expiring the round if its
// deadline has passed. Crash handling runs once the lock is released.
func (s *Scheduler) withRound(ctx context.Context, r *Round, fn func(now time.Time) error) error {
	now := s.clock.Now()

	r.mu.Lock()
	crashed := r.crashIfDue(now)
	err := fn(now)
	var snap RoundSnapshot
	if crashed {
		snap = r.snapshotLocked()
	}
	r.mu.Unlock()

	if crashed {
		s.afterCrash(ctx, snap)
	}
	return err
}

func (s *Scheduler) afterCrash(ctx context.Context, snap RoundSnapshot) {
	s.mu.Lock()
	delete(s.live, snap.Number)
	s.mu.Unlock()

	s.save(ctx, snap)
	log.Info().
		Int("round", snap.Number).
		Float64("crash_point", snap.CrashPoint).
		Int("bets", len(snap.Bets)).
		Msg("round crashed")
	for _, fn := range s.onCrash {
		fn(snap)
	}
}

// PlaceBet appends bet to the round. It fails with ErrRoundClosed once the
// betting window is over.
func (s *Scheduler) PlaceBet(ctx context.Context, r *Round, bet Bet) (Bet, error) {
	if bet.PlayerID == "" || !bet.USDAmount.IsPositive() || bet.CryptoAmount.IsNegative() {
		return Bet{}, ErrValidation
	}

	var placed Bet
	var snap RoundSnapshot
	err := s.withRound(ctx, r, func(now time.Time) error {
		if r.status != StatusOpen || !now.Before(r.closesAt) {
			return ErrRoundClosed
		}
		b := bet
		b.Seq = len(r.bets) + 1
		b.PlacedAt = now
		b.CashedOut = false
		b.Multiplier = decimal.NullDecimal{}
		r.bets = append(r.bets, &b)
		r.version++
		placed = b
		snap = r.snapshotLocked()
		return nil
	})
	if err != nil {
		return Bet{}, err
	}
	s.save(ctx, snap)
	return placed, nil
}

// RecordCashout settles the caller's first open bet in the round at
// multiplier. The check and the mark happen under one lock, so of several
// concurrent attempts on the same bet exactly one succeeds.
func (s *Scheduler) RecordCashout(ctx context.Context, r *Round, playerID string, multiplier float64) (Outcome, error) {
	if playerID == "" || math.IsNaN(multiplier) || math.IsInf(multiplier, 0) {
		return Outcome{}, ErrValidation
	}

	var out Outcome
	var snap RoundSnapshot
	err := s.withRound(ctx, r, func(now time.Time) error {
		if r.status == StatusCrashed {
			return ErrAlreadyCrashed
		}

		var hasBet bool
		var open *Bet
		for _, b := range r.bets {
			if b.PlayerID != playerID {
				continue
			}
			hasBet = true
			if !b.CashedOut {
				open = b
				break
			}
		}
		switch {
		case !hasBet:
			return ErrNoActiveBet
		case open == nil:
			return ErrAlreadyCashedOut
		case multiplier < MIN_MULTIPLIER:
			return fmt.Errorf("%w: multiplier must be at least %.2f", ErrValidation, MIN_MULTIPLIER)
		case multiplier >= r.crashPoint:
			return ErrAlreadyCrashed
		case multiplier > r.multiplierLocked(now):
			return ErrMultiplierNotReached
		}

		m := decimal.NewFromFloat(multiplier)
		open.CashedOut = true
		open.Multiplier = decimal.NullDecimal{Decimal: m, Valid: true}
		r.version++
		out = Outcome{Bet: *open, Win: open.USDAmount.Mul(m)}
		snap = r.snapshotLocked()
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}
	s.save(ctx, snap)
	return out, nil
}

// View returns the public state of r.
func (s *Scheduler) View(ctx context.Context, r *Round) RoundView {
	var v RoundView
	_ = s.withRound(ctx, r, func(now time.Time) error {
		v = r.viewLocked(now)
		return nil
	})
	return v
}

// Status returns the round status after applying any due crash.
func (s *Scheduler) Status(ctx context.Context, r *Round) Status {
	var st Status
	_ = s.withRound(ctx, r, func(time.Time) error {
		st = r.status
		return nil
	})
	return st
}

// Attach marks the player's open bets in live rounds as placed from connID,
// so the player shows as connected again after a reconnect.
func (s *Scheduler) Attach(playerID, connID string) int {
	n := 0
	for _, r := range s.liveRounds() {
		r.mu.Lock()
		for _, b := range r.bets {
			if b.PlayerID == playerID && !b.CashedOut {
				b.ConnID = connID
				n++
			}
		}
		r.mu.Unlock()
	}
	return n
}

// Detach drops connID from every live bet. The bets themselves stay live and
// can still be cashed out by the same player.
func (s *Scheduler) Detach(connID string) int {
	if connID == "" {
		return 0
	}
	n := 0
	for _, r := range s.liveRounds() {
		r.mu.Lock()
		for _, b := range r.bets {
			if b.ConnID == connID {
				b.ConnID = ""
				n++
			}
		}
		r.mu.Unlock()
	}
	return n
}

func (s *Scheduler) liveRounds() []*Round {
	s.mu.Lock()
	rounds := make([]*Round, 0, len(s.live))
	for _, r := range s.live {
		rounds = append(rounds, r)
	}
	s.mu.Unlock()
	sort.Slice(rounds, func(i, j int) bool { return rounds[i].number < rounds[j].number })
	return rounds
}

// Sweep crashes every live round whose deadline has passed and reports the
// multiplier of rounds in flight.
func (s *Scheduler) Sweep(ctx context.Context) {
	for _, r := range s.liveRounds() {
		var flying bool
		var m float64
		_ = s.withRound(ctx, r, func(now time.Time) error {
			if r.status == StatusOpen && !now.Before(r.closesAt) {
				flying = true
				m = r.multiplierLocked(now)
			}
			return nil
		})
		if flying {
			for _, fn := range s.onTick {
				fn(r.number, m)
			}
		}
	}
}

// Run sweeps every tick until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	log.Info().Dur("tick", s.cfg.TickInterval).Msg("round scheduler started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("round scheduler stopped")
			return nil
		case <-ticker.Chan():
			s.Sweep(ctx)
		}
	}
}

func (s *Scheduler) save(ctx context.Context, snap RoundSnapshot) {
	if s.store == nil {
		return
	}
	if err := s.store.SaveRound(context.WithoutCancel(ctx), snap); err != nil {
		s.cfg.Metrics.PersistenceFailure("round")
		log.Warn().Err(err).Int("round", snap.Number).Int64("version", snap.Version).Msg("failed to save round")
	}
}
