package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptocrash/internal/game"
	"cryptocrash/internal/ledger"
	"cryptocrash/internal/pricing"
	"cryptocrash/internal/room"
	"cryptocrash/internal/store"
)

// blockingOracle holds every quote until release is closed.
type blockingOracle struct {
	release chan struct{}
}

func (o blockingOracle) Quote(ctx context.Context) (pricing.Quote, error) {
	select {
	case <-o.release:
	case <-ctx.Done():
		return pricing.Quote{}, ctx.Err()
	}
	return pricing.StaticOracle{"BTC": decimal.NewFromInt(40000)}.Quote(ctx)
}

type testGateway struct {
	gw     *Gateway
	engine *game.Engine
	rooms  *room.Manager
	mem    *store.Memory
	clock  *clockwork.FakeClock
}

func newTestGateway(t *testing.T, oracle pricing.Oracle, inbound int) *testGateway {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	clock := clockwork.NewFakeClockAt(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	mem := store.NewMemory()
	if oracle == nil {
		oracle = pricing.StaticOracle{"BTC": decimal.NewFromInt(40000), "ETH": decimal.NewFromInt(2000)}
	}
	sched, err := game.NewScheduler(ctx, game.SchedulerConfig{
		Secret:        "gateway-secret",
		BettingWindow: 5 * time.Second,
		Generator:     func(string, int) float64 { return 2.5 },
		Clock:         clock,
		Store:         mem,
	})
	require.NoError(t, err)
	engine := game.NewEngine(sched, ledger.New(mem, clock), oracle, nil, game.Limits{
		MinBetUSD: decimal.RequireFromString("0.01"),
		MaxBetUSD: decimal.NewFromInt(10000),
	})

	rooms := room.NewManager(2)
	hub := NewHub(rooms, 64, time.Second, nil)
	go hub.Run(ctx)

	gw := New(engine, rooms, hub, inbound, nil)
	gw.Attach(sched)
	return &testGateway{gw: gw, engine: engine, rooms: rooms, mem: mem, clock: clock}
}

// fund seeds a wallet. Bets need cover in both USD and the wagered currency.
func (tg *testGateway) fund(player, usd string) {
	tg.mem.PutWallet(player, ledger.NewWallet(decimal.RequireFromString(usd), map[ledger.Currency]decimal.Decimal{
		ledger.BTC: decimal.NewFromInt(1),
		ledger.ETH: decimal.NewFromInt(10),
	}))
}

// connect serves a fake connection and returns it once its room is known.
func (tg *testGateway) connect(t *testing.T) (*fakeConn, chan struct{}) {
	t.Helper()
	conn := newFakeConn()
	done := make(chan struct{})
	go func() {
		tg.gw.Serve(context.Background(), conn)
		close(done)
	}()
	t.Cleanup(func() {
		conn.Close()
		<-done
	})
	waitFor(t, conn, EventRoomAssigned)
	return conn, done
}

func waitFor(t *testing.T, conn *fakeConn, event string) json.RawMessage {
	t.Helper()
	var data json.RawMessage
	require.Eventually(t, func() bool {
		var ok bool
		data, ok = conn.find(event)
		return ok
	}, 2*time.Second, 5*time.Millisecond, "waiting for %s", event)
	return data
}

func waitForCount(t *testing.T, conn *fakeConn, event string, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return conn.count(event) >= n }, 2*time.Second, 5*time.Millisecond, "waiting for %d %s", n, event)
}

func decodeAs[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func TestServe_AssignsRoomAndAnnouncesMembers(t *testing.T) {
	tg := newTestGateway(t, nil, 0)

	a, _ := tg.connect(t)
	assigned := decodeAs[RoomAssigned](t, waitFor(t, a, EventRoomAssigned))
	require.NotEmpty(t, assigned.RoomCode)

	b, _ := tg.connect(t)
	assert.Equal(t, assigned.RoomCode, decodeAs[RoomAssigned](t, waitFor(t, b, EventRoomAssigned)).RoomCode)

	waitForCount(t, a, EventGroupMembers, 2)
	members := decodeAs[GroupMembers](t, waitFor(t, a, EventGroupMembers))
	assert.Len(t, members.Members, 2)

	// Capacity is two, so the third connection opens a new room.
	c, _ := tg.connect(t)
	third := decodeAs[RoomAssigned](t, waitFor(t, c, EventRoomAssigned))
	assert.NotEqual(t, assigned.RoomCode, third.RoomCode)
	assert.Equal(t, 2, tg.gw.Stats().Rooms)
}

func TestServe_RegisterBetAndCashOut(t *testing.T) {
	tg := newTestGateway(t, nil, 0)
	tg.fund("alice", "100")

	conn, _ := tg.connect(t)
	conn.send(EventRegisterPlayer, RegisterPlayerPayload{PlayerID: "alice"})
	registered := decodeAs[PlayerRegistered](t, waitFor(t, conn, EventPlayerRegistered))
	assert.Equal(t, "alice", registered.PlayerID)

	conn.send(EventPlaceBet, map[string]any{"usdAmount": "40", "currency": "btc"})
	confirm := decodeAs[BetConfirmation](t, waitFor(t, conn, EventBetConfirmation))
	assert.Equal(t, 1, confirm.Bet.RoundNumber)
	assert.Equal(t, ledger.BTC, confirm.Bet.Currency)
	assert.True(t, confirm.Bet.CryptoAmount.Equal(decimal.RequireFromString("0.001")))
	assert.True(t, confirm.USDBalance.Equal(decimal.NewFromInt(60)))
	assert.NotEmpty(t, confirm.Commitment)
	waitFor(t, conn, EventBetPlaced)
	waitFor(t, conn, EventRoundOpened)

	tg.clock.Advance(7 * time.Second)
	conn.send(EventCashOut, CashOutPayload{RoundNumber: 1, Multiplier: 2})
	result := decodeAs[CashoutResult](t, waitFor(t, conn, EventCashoutResult))
	assert.Equal(t, "WON", result.Status)
	assert.True(t, result.Result.USDEquivalent.Equal(decimal.NewFromInt(80)))
	assert.True(t, result.USDBalance.Equal(decimal.NewFromInt(140)))
	waitFor(t, conn, EventCashedOut)

	conn.send(EventCashOut, CashOutPayload{RoundNumber: 1, Multiplier: 2})
	waitFor(t, conn, EventCashoutError)
	assert.Equal(t, CodeAlreadyCashedOut, decodeAs[ErrorPayload](t, waitFor(t, conn, EventCashoutError)).Code)
}

func TestServe_BetErrors(t *testing.T) {
	tests := []struct {
		name    string
		payload any
		code    string
	}{
		{"missing player", map[string]any{"usdAmount": "10"}, CodeValidation},
		{"negative amount", map[string]any{"playerId": "bob", "usdAmount": "-1"}, CodeValidation},
		{"unsupported currency", map[string]any{"playerId": "bob", "usdAmount": "10", "currency": "DOGE"}, CodeValidation},
		{"insufficient funds", map[string]any{"playerId": "bob", "usdAmount": "500"}, CodeInsufficientFunds},
		{"unknown player", map[string]any{"playerId": "nobody", "usdAmount": "10"}, CodePlayerNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tg := newTestGateway(t, nil, 0)
			tg.fund("bob", "100")
			conn, _ := tg.connect(t)

			conn.send(EventPlaceBet, tt.payload)
			got := decodeAs[ErrorPayload](t, waitFor(t, conn, EventBetError))
			assert.Equal(t, tt.code, got.Code)
			assert.Equal(t, 0, conn.count(EventBetConfirmation))
		})
	}
}

func TestServe_CashoutErrors(t *testing.T) {
	tg := newTestGateway(t, nil, 0)
	tg.fund("carol", "100")
	conn, _ := tg.connect(t)

	conn.send(EventCashOut, CashOutPayload{PlayerID: "carol", RoundNumber: 9, Multiplier: 1.5})
	assert.Equal(t, CodeRoundNotFound, decodeAs[ErrorPayload](t, waitFor(t, conn, EventCashoutError)).Code)

	conn.send(EventPlaceBet, map[string]any{"playerId": "carol", "usdAmount": "10"})
	waitFor(t, conn, EventBetConfirmation)

	tg.clock.Advance(6 * time.Second)
	conn.send(EventCashOut, CashOutPayload{PlayerID: "carol", RoundNumber: 1, Multiplier: 2.4})
	waitForCount(t, conn, EventCashoutError, 2)
	assert.Equal(t, CodeMultiplierNotReached, decodeAs[ErrorPayload](t, waitFor(t, conn, EventCashoutError)).Code)

	tg.clock.Advance(time.Minute)
	conn.send(EventCashOut, CashOutPayload{PlayerID: "carol", RoundNumber: 1, Multiplier: 2})
	waitForCount(t, conn, EventCashoutError, 3)
	assert.Equal(t, CodeAlreadyCrashed, decodeAs[ErrorPayload](t, waitFor(t, conn, EventCashoutError)).Code)
}

func TestServe_RegisteredConnectionCannotActForOthers(t *testing.T) {
	tg := newTestGateway(t, nil, 0)
	tg.fund("dave", "100")
	tg.fund("erin", "100")
	conn, _ := tg.connect(t)

	conn.send(EventRegisterPlayer, RegisterPlayerPayload{PlayerID: "dave"})
	waitFor(t, conn, EventPlayerRegistered)

	conn.send(EventPlaceBet, map[string]any{"playerId": "erin", "usdAmount": "10"})
	assert.Equal(t, CodeValidation, decodeAs[ErrorPayload](t, waitFor(t, conn, EventBetError)).Code)

	w, err := tg.engine.Wallet(context.Background(), "erin")
	require.NoError(t, err)
	assert.True(t, w.USDBalance.Equal(decimal.NewFromInt(100)))
}

func TestServe_StatePingAndBadMessages(t *testing.T) {
	tg := newTestGateway(t, nil, 0)
	conn, _ := tg.connect(t)

	conn.send(EventGetGameState, nil)
	state := decodeAs[game.GameState](t, waitFor(t, conn, EventGameState))
	assert.Nil(t, state.Round)
	assert.Empty(t, state.LiveBets)

	conn.send(EventPing, nil)
	waitFor(t, conn, EventPong)

	conn.in <- []byte("{not json")
	assert.Equal(t, CodeValidation, decodeAs[ErrorPayload](t, waitFor(t, conn, EventError)).Code)

	conn.send("launch_rocket", nil)
	waitForCount(t, conn, EventError, 2)
	assert.Equal(t, CodeUnknownEvent, decodeAs[ErrorPayload](t, waitFor(t, conn, EventError)).Code)

	conn.send(EventRegisterPlayer, RegisterPlayerPayload{})
	waitForCount(t, conn, EventError, 3)
	assert.Equal(t, CodeValidation, decodeAs[ErrorPayload](t, waitFor(t, conn, EventError)).Code)
	assert.False(t, conn.isClosed())
}

func TestServe_InboundFloodClosesConnection(t *testing.T) {
	release := make(chan struct{})
	tg := newTestGateway(t, blockingOracle{release: release}, 1)
	tg.fund("frank", "100")
	conn, _ := tg.connect(t)
	t.Cleanup(func() { close(release) })
	waitFor(t, conn, EventGroupMembers)

	// The first bet parks the dispatcher on the oracle; the rest overflow
	// the single-slot queue.
	for i := 0; i < 5; i++ {
		conn.send(EventPlaceBet, map[string]any{"playerId": "frank", "usdAmount": fmt.Sprint(i + 1)})
	}

	require.Eventually(t, conn.isClosed, 2*time.Second, 5*time.Millisecond)
	got := decodeAs[ErrorPayload](t, waitFor(t, conn, EventConnectionError))
	assert.Equal(t, CodeConnection, got.Code)
}

func TestServe_DisconnectReleasesRoomAndDetachesBets(t *testing.T) {
	tg := newTestGateway(t, nil, 0)
	tg.fund("gina", "100")

	a, doneA := tg.connect(t)
	b, _ := tg.connect(t)
	waitForCount(t, a, EventGroupMembers, 2)

	a.send(EventRegisterPlayer, RegisterPlayerPayload{PlayerID: "gina"})
	waitFor(t, a, EventPlayerRegistered)
	a.send(EventPlaceBet, map[string]any{"usdAmount": "10"})
	waitFor(t, a, EventBetConfirmation)

	state := tg.engine.State(context.Background())
	require.Len(t, state.LiveBets, 1)
	assert.True(t, state.LiveBets[0].Connected)

	a.Close()
	<-doneA

	waitForCount(t, b, EventGroupMembers, 2)
	members := decodeAs[GroupMembers](t, waitFor(t, b, EventGroupMembers))
	assert.Len(t, members.Members, 1)

	_, bound := tg.rooms.Lookup("gina")
	assert.False(t, bound)
	assert.Equal(t, 1, tg.gw.Stats().Connections)
	assert.Equal(t, 1, tg.gw.Hub().GetClientCount())

	// The bet keeps riding without a connection.
	state = tg.engine.State(context.Background())
	require.Len(t, state.LiveBets, 1)
	assert.False(t, state.LiveBets[0].Connected)
}

func TestGateway_BroadcastReachesEveryRoom(t *testing.T) {
	tg := newTestGateway(t, nil, 0)
	conns := make([]*fakeConn, 3)
	for i := range conns {
		conns[i], _ = tg.connect(t)
	}

	tg.gw.Broadcast("maintenance at noon")
	for _, c := range conns {
		msg := decodeAs[BroadcastMessage](t, waitFor(t, c, EventBroadcast))
		assert.Equal(t, "maintenance at noon", msg.Message)
	}
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		code string
	}{
		{fmt.Errorf("%w: bad", game.ErrValidation), CodeValidation},
		{ledger.ErrInvalidAmount, CodeValidation},
		{fmt.Errorf("debit: %w", ledger.ErrInsufficientFunds), CodeInsufficientFunds},
		{game.ErrRoundClosed, CodeRoundClosed},
		{game.ErrAlreadyCashedOut, CodeAlreadyCashedOut},
		{game.ErrAlreadyCrashed, CodeAlreadyCrashed},
		{game.ErrNoActiveBet, CodeNoActiveBet},
		{game.ErrRoundNotFound, CodeRoundNotFound},
		{game.ErrRoundInProgress, CodeRoundInProgress},
		{game.ErrMultiplierNotReached, CodeMultiplierNotReached},
		{pricing.ErrPriceServiceUnavailable, CodePriceUnavailable},
		{fmt.Errorf("load wallet x: %w", ledger.ErrPlayerNotFound), CodePlayerNotFound},
		{errors.New("boom"), CodeInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, ErrorCode(tt.err), "%v", tt.err)
	}

	payload := NewErrorPayload(errors.New("pq: relation does not exist"))
	assert.Equal(t, "internal error", payload.Message)
}
