package database

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"cryptocrash/internal/game"
	"cryptocrash/internal/ledger"
)

func mustStartPostgresContainer() (func(context.Context) error, error) {
	var (
		dbName = "database"
		dbPwd  = "password"
		dbUser = "user"
	)

	// Create context with timeout to prevent hanging
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	dbContainer, err := postgres.Run(
		ctx,
		"postgres:latest",
		postgres.WithDatabase(dbName),
		postgres.WithUsername(dbUser),
		postgres.WithPassword(dbPwd),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		return nil, err
	}

	database = dbName
	password = dbPwd
	username = dbUser

	dbHost, err := dbContainer.Host(context.Background())
	if err != nil {
		return dbContainer.Terminate, err
	}

	dbPort, err := dbContainer.MappedPort(context.Background(), "5432/tcp")
	if err != nil {
		return dbContainer.Terminate, err
	}

	host = dbHost
	port = dbPort.Port()

	return dbContainer.Terminate, err
}

func TestMain(m *testing.M) {
	// Skip integration tests if SKIP_INTEGRATION env var is set
	if os.Getenv("SKIP_INTEGRATION") != "" {
		os.Exit(0)
	}

	// Skip if Docker is not available
	if os.Getenv("CI") == "" && !isDockerAvailable() {
		os.Exit(0)
	}

	teardown, err := mustStartPostgresContainer()
	if err != nil {
		// Don't fail, just skip tests if container can't start
		os.Exit(0)
	}

	if err := migrateTestDB(); err != nil {
		teardown(context.Background())
		os.Exit(1)
	}

	code := m.Run()

	if teardown != nil {
		teardown(context.Background())
	}

	os.Exit(code)
}

func migrateTestDB() error {
	db, err := sql.Open("pgx", DSN())
	if err != nil {
		return err
	}
	defer db.Close()
	return RunMigrations(db, "")
}

func isDockerAvailable() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	provider, err := testcontainers.NewDockerProvider()
	if err != nil {
		return false
	}
	defer provider.Close()

	_, err = provider.DaemonHost(ctx)
	return err == nil
}

func TestNew(t *testing.T) {
	srv := New()
	if srv == nil {
		t.Fatal("New() returned nil")
	}
}

func TestHealth(t *testing.T) {
	srv := New()

	stats := srv.Health()

	if stats["status"] != "up" {
		t.Fatalf("expected status to be up, got %s", stats["status"])
	}

	if _, ok := stats["error"]; ok {
		t.Fatalf("expected error not to be present")
	}

	if stats["message"] != "It's healthy" {
		t.Fatalf("expected message to be 'It's healthy', got %s", stats["message"])
	}
}

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func TestMigrationVersion(t *testing.T) {
	db, err := sql.Open("pgx", DSN())
	require.NoError(t, err)
	defer db.Close()

	version, dirty, err := GetMigrationVersion(db, "")
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.False(t, dirty)
}

func TestStore_WalletRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewStore(New().Pool())

	_, err := store.LoadWallet(ctx, "missing")
	assert.ErrorIs(t, err, ledger.ErrPlayerNotFound)

	w := ledger.NewWallet(dec("100.25"), map[ledger.Currency]decimal.Decimal{
		ledger.BTC: dec("0.001000000001"),
		ledger.ETH: dec("1.5"),
	})
	require.NoError(t, store.SaveWallet(ctx, "alice", w))

	got, err := store.LoadWallet(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, got.USD.Equal(dec("100.25")))
	assert.True(t, got.Balance(ledger.BTC).Equal(dec("0.001000000001")))
	assert.True(t, got.Balance(ledger.ETH).Equal(dec("1.5")))

	w.USD = dec("60")
	w.Balances[ledger.BTC] = decimal.Zero
	require.NoError(t, store.SaveWallet(ctx, "alice", w))
	got, err = store.LoadWallet(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, got.USD.Equal(dec("60")))
	assert.True(t, got.Balance(ledger.BTC).IsZero())
}

func TestStore_AppendTransaction(t *testing.T) {
	ctx := context.Background()
	store := NewStore(New().Pool())

	tx := ledger.Transaction{
		ID:           uuid.New(),
		PlayerID:     "bob",
		USDAmount:    dec("-40"),
		CryptoAmount: dec("-0.001"),
		Currency:     ledger.BTC,
		Kind:         ledger.KindBet,
		PriceAtTime:  dec("40000"),
		RoundNumber:  7,
		Timestamp:    time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.AppendTransaction(ctx, tx))
	assert.Error(t, store.AppendTransaction(ctx, tx), "ids are unique")

	rows, err := store.Transactions(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, tx.ID, rows[0].ID)
	assert.Equal(t, ledger.KindBet, rows[0].Kind)
	assert.True(t, rows[0].USDAmount.Equal(dec("-40")))
	assert.True(t, rows[0].CryptoAmount.Equal(dec("-0.001")))
	assert.True(t, rows[0].Timestamp.Equal(tx.Timestamp))
}

func TestStore_RoundLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewStore(New().Pool())
	opened := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	_, err := store.LoadRound(ctx, 1000)
	assert.ErrorIs(t, err, game.ErrRoundNotFound)

	open := game.RoundSnapshot{
		Number:          1000,
		Epoch:           "epoch-a",
		Commitment:      game.HashCommitment("seed-1000"),
		CrashPoint:      2.5,
		Status:          game.StatusOpen,
		OpenedAt:        opened,
		BettingClosesAt: opened.Add(5 * time.Second),
		CrashAt:         opened.Add(5*time.Second + game.TimeToReach(2.5)),
		Bets: []game.Bet{
			{Seq: 1, PlayerID: "alice", USDAmount: dec("40"), CryptoAmount: dec("0.001"), Currency: ledger.BTC, PriceAtBet: dec("40000"), PlacedAt: opened.Add(time.Second)},
		},
		Version: 2,
	}
	require.NoError(t, store.SaveRound(ctx, open))

	got, err := store.LoadRound(ctx, 1000)
	require.NoError(t, err)
	assert.Equal(t, game.StatusOpen, got.Status)
	assert.Equal(t, "epoch-a", got.Epoch)
	assert.Empty(t, got.Seed)
	assert.True(t, got.CrashedAt.IsZero())
	require.Len(t, got.Bets, 1)
	assert.False(t, got.Bets[0].Multiplier.Valid)

	openRounds, err := store.OpenRounds(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, openRounds)
	assert.Equal(t, 1000, openRounds[len(openRounds)-1].Number)

	crashed := open
	crashed.Status = game.StatusCrashed
	crashed.Seed = "seed-1000"
	crashed.CrashedAt = open.CrashAt
	crashed.Bets = append([]game.Bet(nil), open.Bets...)
	crashed.Bets[0].CashedOut = true
	crashed.Bets[0].Multiplier = decimal.NewNullDecimal(dec("2"))
	crashed.Bets = append(crashed.Bets, game.Bet{Seq: 2, PlayerID: "bob", USDAmount: dec("10"), CryptoAmount: dec("0.005"), Currency: ledger.ETH, PriceAtBet: dec("2000"), PlacedAt: opened.Add(2 * time.Second)})
	crashed.Version = 4
	require.NoError(t, store.SaveRound(ctx, crashed))

	// An older snapshot arriving late is ignored.
	require.NoError(t, store.SaveRound(ctx, open))

	got, err = store.LoadRound(ctx, 1000)
	require.NoError(t, err)
	assert.Equal(t, game.StatusCrashed, got.Status)
	assert.Equal(t, int64(4), got.Version)
	assert.Equal(t, "seed-1000", got.Seed)
	assert.True(t, got.CrashedAt.Equal(open.CrashAt))
	require.Len(t, got.Bets, 2)
	assert.True(t, got.Bets[0].CashedOut)
	assert.True(t, got.Bets[0].Multiplier.Decimal.Equal(dec("2")))
	assert.Equal(t, ledger.ETH, got.Bets[1].Currency)
	assert.True(t, game.VerifyRound(func(string, int) float64 { return 2.5 }, got.Seed, got.Commitment, got.Number, got.CrashPoint))

	latest, err := store.LatestRoundNumber(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, latest, 1000)

	openRounds, err = store.OpenRounds(ctx)
	require.NoError(t, err)
	for _, r := range openRounds {
		assert.NotEqual(t, 1000, r.Number)
	}
}

func TestClose(t *testing.T) {
	srv := New()

	if srv.Close() != nil {
		t.Fatalf("expected Close() to return nil")
	}
}
