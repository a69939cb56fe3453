package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"cryptocrash/internal/game"
	"cryptocrash/internal/ledger"
)

var (
	_ ledger.Store    = (*Store)(nil)
	_ game.RoundStore = (*Store)(nil)
)

// Store persists wallets, ledger rows and rounds in Postgres. Money columns
// are NUMERIC and travel as text so no precision is lost on either side.
type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) LoadWallet(ctx context.Context, playerID string) (ledger.Wallet, error) {
	var usd string
	err := s.db.QueryRow(ctx, `
		SELECT usd_balance::text
		FROM wallets
		WHERE player_id = $1
	`, playerID).Scan(&usd)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Wallet{}, ledger.ErrPlayerNotFound
	}
	if err != nil {
		return ledger.Wallet{}, err
	}

	rows, err := s.db.Query(ctx, `
		SELECT currency, amount::text
		FROM wallet_balances
		WHERE player_id = $1
	`, playerID)
	if err != nil {
		return ledger.Wallet{}, err
	}
	defer rows.Close()

	balances := make(map[ledger.Currency]decimal.Decimal)
	for rows.Next() {
		var currency, amount string
		if err := rows.Scan(&currency, &amount); err != nil {
			return ledger.Wallet{}, err
		}
		v, err := decimal.NewFromString(amount)
		if err != nil {
			return ledger.Wallet{}, fmt.Errorf("balance %s: %w", currency, err)
		}
		balances[ledger.Currency(currency)] = v
	}
	if err := rows.Err(); err != nil {
		return ledger.Wallet{}, err
	}

	usdBalance, err := decimal.NewFromString(usd)
	if err != nil {
		return ledger.Wallet{}, fmt.Errorf("usd balance: %w", err)
	}
	return ledger.NewWallet(usdBalance, balances), nil
}

func (s *Store) SaveWallet(ctx context.Context, playerID string, w ledger.Wallet) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO wallets (player_id, usd_balance, updated_at)
		VALUES ($1, $2::numeric, NOW())
		ON CONFLICT (player_id) DO UPDATE
		SET usd_balance = EXCLUDED.usd_balance, updated_at = NOW()
	`, playerID, w.USD.String())
	if err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for currency, amount := range w.Balances {
		batch.Queue(`
			INSERT INTO wallet_balances (player_id, currency, amount)
			VALUES ($1, $2, $3::numeric)
			ON CONFLICT (player_id, currency) DO UPDATE
			SET amount = EXCLUDED.amount
		`, playerID, string(currency), amount.String())
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) AppendTransaction(ctx context.Context, t ledger.Transaction) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO transactions (id, player_id, usd_amount, crypto_amount, currency, kind, price_at_time, round_number, created_at)
		VALUES ($1, $2, $3::numeric, $4::numeric, $5, $6, $7::numeric, $8, $9)
	`, t.ID, t.PlayerID, t.USDAmount.String(), t.CryptoAmount.String(), string(t.Currency), string(t.Kind),
		t.PriceAtTime.String(), t.RoundNumber, t.Timestamp)
	return err
}

// Transactions lists a player's ledger rows, oldest first.
func (s *Store) Transactions(ctx context.Context, playerID string) ([]ledger.Transaction, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, player_id, usd_amount::text, crypto_amount::text, currency, kind, price_at_time::text, round_number, created_at
		FROM transactions
		WHERE player_id = $1
		ORDER BY created_at, id
	`, playerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.Transaction
	for rows.Next() {
		var (
			t                  ledger.Transaction
			currency, kind     string
			usd, crypto, price string
		)
		if err := rows.Scan(&t.ID, &t.PlayerID, &usd, &crypto, &currency, &kind, &price, &t.RoundNumber, &t.Timestamp); err != nil {
			return nil, err
		}
		t.Currency = ledger.Currency(currency)
		t.Kind = ledger.Kind(kind)
		if t.USDAmount, err = decimal.NewFromString(usd); err != nil {
			return nil, err
		}
		if t.CryptoAmount, err = decimal.NewFromString(crypto); err != nil {
			return nil, err
		}
		if t.PriceAtTime, err = decimal.NewFromString(price); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) LoadRound(ctx context.Context, number int) (game.RoundSnapshot, error) {
	var (
		snap      game.RoundSnapshot
		seed      *string
		status    string
		crashedAt *time.Time
	)
	err := s.db.QueryRow(ctx, `
		SELECT number, version, epoch, commitment, seed, crash_point, status, opened_at, betting_closes_at, crash_at, crashed_at
		FROM rounds
		WHERE number = $1
	`, number).Scan(&snap.Number, &snap.Version, &snap.Epoch, &snap.Commitment, &seed, &snap.CrashPoint, &status,
		&snap.OpenedAt, &snap.BettingClosesAt, &snap.CrashAt, &crashedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return game.RoundSnapshot{}, game.ErrRoundNotFound
	}
	if err != nil {
		return game.RoundSnapshot{}, err
	}
	snap.Status = game.Status(status)
	if seed != nil {
		snap.Seed = *seed
	}
	if crashedAt != nil {
		snap.CrashedAt = *crashedAt
	}

	snap.Bets, err = s.loadBets(ctx, number)
	if err != nil {
		return game.RoundSnapshot{}, err
	}
	return snap, nil
}

func (s *Store) loadBets(ctx context.Context, number int) ([]game.Bet, error) {
	rows, err := s.db.Query(ctx, `
		SELECT seq, player_id, usd_amount::text, crypto_amount::text, currency, price_at_bet::text, cashed_out, multiplier::text, placed_at
		FROM round_bets
		WHERE round_number = $1
		ORDER BY seq
	`, number)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	bets := []game.Bet{}
	for rows.Next() {
		var (
			b                  game.Bet
			currency           string
			usd, crypto, price string
			multiplier         *string
		)
		if err := rows.Scan(&b.Seq, &b.PlayerID, &usd, &crypto, &currency, &price, &b.CashedOut, &multiplier, &b.PlacedAt); err != nil {
			return nil, err
		}
		b.Currency = ledger.Currency(currency)
		if b.USDAmount, err = decimal.NewFromString(usd); err != nil {
			return nil, err
		}
		if b.CryptoAmount, err = decimal.NewFromString(crypto); err != nil {
			return nil, err
		}
		if b.PriceAtBet, err = decimal.NewFromString(price); err != nil {
			return nil, err
		}
		if multiplier != nil {
			m, err := decimal.NewFromString(*multiplier)
			if err != nil {
				return nil, err
			}
			b.Multiplier = decimal.NewNullDecimal(m)
		}
		bets = append(bets, b)
	}
	return bets, rows.Err()
}

// SaveRound writes the snapshot unless a newer version is already stored.
// The bet list is replaced wholesale in the same transaction.
func (s *Store) SaveRound(ctx context.Context, snap game.RoundSnapshot) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var crashedAt *time.Time
	if !snap.CrashedAt.IsZero() {
		crashedAt = &snap.CrashedAt
	}
	tag, err := tx.Exec(ctx, `
		INSERT INTO rounds (number, version, commitment, seed, crash_point, status, opened_at, betting_closes_at, crash_at, crashed_at, epoch)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (number) DO UPDATE
		SET version = EXCLUDED.version,
			seed = EXCLUDED.seed,
			status = EXCLUDED.status,
			crashed_at = EXCLUDED.crashed_at
		WHERE rounds.version < EXCLUDED.version
	`, snap.Number, snap.Version, snap.Commitment, snap.Seed, snap.CrashPoint, string(snap.Status),
		snap.OpenedAt, snap.BettingClosesAt, snap.CrashAt, crashedAt, snap.Epoch)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	batch.Queue(`DELETE FROM round_bets WHERE round_number = $1`, snap.Number)
	for _, b := range snap.Bets {
		var multiplier *string
		if b.Multiplier.Valid {
			m := b.Multiplier.Decimal.String()
			multiplier = &m
		}
		batch.Queue(`
			INSERT INTO round_bets (round_number, seq, player_id, usd_amount, crypto_amount, currency, price_at_bet, cashed_out, multiplier, placed_at)
			VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6, $7::numeric, $8, $9::numeric, $10)
		`, snap.Number, b.Seq, b.PlayerID, b.USDAmount.String(), b.CryptoAmount.String(), string(b.Currency),
			b.PriceAtBet.String(), b.CashedOut, multiplier, b.PlacedAt)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) LatestRoundNumber(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `SELECT COALESCE(MAX(number), 0) FROM rounds`).Scan(&n)
	return n, err
}

func (s *Store) OpenRounds(ctx context.Context) ([]game.RoundSnapshot, error) {
	rows, err := s.db.Query(ctx, `
		SELECT number
		FROM rounds
		WHERE status <> 'CRASHED'
		ORDER BY number
	`)
	if err != nil {
		return nil, err
	}
	numbers, err := pgx.CollectRows(rows, pgx.RowTo[int])
	if err != nil {
		return nil, err
	}

	out := make([]game.RoundSnapshot, 0, len(numbers))
	for _, n := range numbers {
		snap, err := s.LoadRound(ctx, n)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}
