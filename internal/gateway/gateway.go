package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"cryptocrash/internal/game"
	"cryptocrash/internal/metrics"
	"cryptocrash/internal/room"
)

const INBOUND_QUEUE = 64

// Gateway accepts websocket connections, assigns them to rooms and feeds
// their events to the engine.
type Gateway struct {
	engine       *game.Engine
	rooms        *room.Manager
	hub          *Hub
	metrics      *metrics.Metrics
	inboundQueue int
}

func New(engine *game.Engine, rooms *room.Manager, hub *Hub, inboundQueue int, m *metrics.Metrics) *Gateway {
	if inboundQueue < 1 {
		inboundQueue = INBOUND_QUEUE
	}
	return &Gateway{
		engine:       engine,
		rooms:        rooms,
		hub:          hub,
		metrics:      m,
		inboundQueue: inboundQueue,
	}
}

// Attach subscribes the gateway to round lifecycle events.
func (g *Gateway) Attach(s *game.Scheduler) {
	s.OnOpen(g.roundOpened)
	s.OnCrash(g.roundCrashed)
	s.OnTick(g.multiplierUpdate)
}

// Serve handles one connection until it is closed. Reads go through a
// bounded queue; a client that floods it is disconnected.
func (g *Gateway) Serve(ctx context.Context, conn Conn) {
	connID := uuid.NewString()
	code, members := g.rooms.Assign(connID)
	client := g.hub.Register(connID, conn)
	g.metrics.ConnectionOpened()
	g.metrics.SetRooms(g.rooms.Stats().Rooms)
	defer g.disconnect(client)

	log.Info().Str("conn_id", connID).Str("room", code).Msg("connection assigned to room")
	g.hub.ToConn(connID, EventRoomAssigned, RoomAssigned{RoomCode: code})
	g.hub.ToRoom(code, EventGroupMembers, GroupMembers{RoomCode: code, Members: members})

	inbound := make(chan []byte, g.inboundQueue)
	go func() {
		defer close(inbound)
		for {
			messageType, data, err := conn.ReadMessage()
			if err != nil {
				log.Debug().Err(err).Str("conn_id", connID).Msg("read ended")
				return
			}
			if messageType != websocket.TextMessage {
				continue
			}
			select {
			case inbound <- data:
			default:
				log.Warn().Str("conn_id", connID).Int("queue", g.inboundQueue).Msg("inbound queue full, closing connection")
				g.hub.Fail(client, "inbound queue full")
				return
			}
		}
	}()

	for data := range inbound {
		g.dispatch(ctx, client, data)
	}
}

func (g *Gateway) disconnect(c *Client) {
	connID := c.ID()
	code, members, destroyed, err := g.rooms.Release(connID)
	if err == nil && !destroyed {
		g.hub.ToRoom(code, EventGroupMembers, GroupMembers{RoomCode: code, Members: members})
	}
	players := g.rooms.UnbindConn(connID)
	g.engine.DetachConnection(connID)
	g.hub.Unregister(connID)

	g.metrics.ConnectionClosed()
	g.metrics.SetRooms(g.rooms.Stats().Rooms)
	log.Info().Str("conn_id", connID).Str("room", code).Strs("players", players).Msg("connection closed")
}

func (g *Gateway) dispatch(ctx context.Context, c *Client, data []byte) {
	var env inboundEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
		g.hub.ToConn(c.ID(), EventError, ErrorPayload{Code: CodeValidation, Message: "malformed message"})
		return
	}

	switch env.Event {
	case EventRegisterPlayer:
		g.registerPlayer(c, env.Data)
	case EventPlaceBet:
		g.placeBet(ctx, c, env.Data)
	case EventCashOut:
		g.cashOut(ctx, c, env.Data)
	case EventGetGameState:
		g.hub.ToConn(c.ID(), EventGameState, g.engine.State(ctx))
	case EventPing:
		g.hub.ToConn(c.ID(), EventPong, Pong{Timestamp: time.Now()})
	default:
		g.hub.ToConn(c.ID(), EventError, ErrorPayload{Code: CodeUnknownEvent, Message: fmt.Sprintf("unknown event %q", env.Event)})
	}
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing data", game.ErrValidation)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", game.ErrValidation, err)
	}
	return nil
}

// resolvePlayer picks the player an event acts for. Once a connection has
// registered it may only act for that player.
func resolvePlayer(c *Client, claimed string) (string, error) {
	claimed = strings.TrimSpace(claimed)
	registered := c.PlayerID()
	switch {
	case registered == "":
		return claimed, nil
	case claimed == "" || claimed == registered:
		return registered, nil
	default:
		return "", fmt.Errorf("%w: playerId does not match the registered player", game.ErrValidation)
	}
}

func (g *Gateway) registerPlayer(c *Client, raw json.RawMessage) {
	var p RegisterPlayerPayload
	err := decode(raw, &p)
	if err == nil && strings.TrimSpace(p.PlayerID) == "" {
		err = fmt.Errorf("%w: playerId is required", game.ErrValidation)
	}
	if err != nil {
		g.hub.ToConn(c.ID(), EventError, NewErrorPayload(err))
		return
	}

	playerID := strings.TrimSpace(p.PlayerID)
	code, err := g.rooms.BindPlayer(playerID, c.ID())
	if err != nil {
		g.hub.ToConn(c.ID(), EventError, NewErrorPayload(err))
		return
	}
	c.setPlayerID(playerID)
	g.engine.AttachPlayer(playerID, c.ID())

	log.Debug().Str("conn_id", c.ID()).Str("player_id", playerID).Str("room", code).Msg("player registered")
	g.hub.ToConn(c.ID(), EventPlayerRegistered, PlayerRegistered{PlayerID: playerID, RoomCode: code})
}

func (g *Gateway) placeBet(ctx context.Context, c *Client, raw json.RawMessage) {
	var p PlaceBetPayload
	err := decode(raw, &p)
	var playerID string
	if err == nil {
		playerID, err = resolvePlayer(c, p.PlayerID)
	}
	var receipt game.BetReceipt
	if err == nil {
		receipt, err = g.engine.PlaceBet(ctx, game.BetRequest{
			PlayerID:  playerID,
			USDAmount: p.USDAmount,
			Currency:  p.Currency,
			ConnID:    c.ID(),
		})
	}
	if err != nil {
		payload := NewErrorPayload(err)
		g.metrics.BetRejected(payload.Code)
		log.Debug().Err(err).Str("conn_id", c.ID()).Str("player_id", playerID).Str("code", payload.Code).Msg("bet rejected")
		g.hub.ToConn(c.ID(), EventBetError, payload)
		return
	}

	g.hub.ToConn(c.ID(), EventBetConfirmation, NewBetConfirmation(receipt))
	if code, ok := g.rooms.RoomOf(c.ID()); ok {
		g.hub.ToRoom(code, EventBetPlaced, newBetPlaced(playerID, receipt))
	}
}

func (g *Gateway) cashOut(ctx context.Context, c *Client, raw json.RawMessage) {
	var p CashOutPayload
	err := decode(raw, &p)
	var playerID string
	if err == nil {
		playerID, err = resolvePlayer(c, p.PlayerID)
	}
	var receipt game.CashoutReceipt
	if err == nil {
		receipt, err = g.engine.Cashout(ctx, game.CashoutRequest{
			PlayerID:    playerID,
			RoundNumber: p.RoundNumber,
			Multiplier:  p.Multiplier,
			ConnID:      c.ID(),
		})
	}
	if err != nil {
		payload := NewErrorPayload(err)
		g.metrics.CashoutRejected(payload.Code)
		log.Debug().Err(err).Str("conn_id", c.ID()).Str("player_id", playerID).Str("code", payload.Code).Msg("cash-out rejected")
		g.hub.ToConn(c.ID(), EventCashoutError, payload)
		return
	}

	g.hub.ToConn(c.ID(), EventCashoutResult, NewCashoutResult(receipt))
	if code, ok := g.rooms.RoomOf(c.ID()); ok {
		g.hub.ToRoom(code, EventCashedOut, newCashedOut(playerID, receipt))
	}
}

// NotifyBet announces a bet placed outside the websocket to the room the
// player is bound to, if any.
func (g *Gateway) NotifyBet(playerID string, receipt game.BetReceipt) {
	if b, ok := g.rooms.Lookup(playerID); ok {
		g.hub.ToRoom(b.RoomCode, EventBetPlaced, newBetPlaced(playerID, receipt))
	}
}

func (g *Gateway) NotifyCashout(playerID string, receipt game.CashoutReceipt) {
	if b, ok := g.rooms.Lookup(playerID); ok {
		g.hub.ToRoom(b.RoomCode, EventCashedOut, newCashedOut(playerID, receipt))
	}
}

func (g *Gateway) roundOpened(snap game.RoundSnapshot) {
	g.hub.ToAll(EventRoundOpened, RoundOpened{
		RoundNumber:     snap.Number,
		Commitment:      snap.Commitment,
		BettingClosesAt: snap.BettingClosesAt,
	})
}

func (g *Gateway) roundCrashed(snap game.RoundSnapshot) {
	g.hub.ToAll(EventRoundCrashed, RoundCrashed{
		RoundNumber: snap.Number,
		CrashPoint:  snap.CrashPoint,
		Seed:        snap.Seed,
		Commitment:  snap.Commitment,
	})
}

func (g *Gateway) multiplierUpdate(number int, multiplier float64) {
	g.hub.ToAll(EventMultiplierUpdate, MultiplierUpdate{RoundNumber: number, Multiplier: multiplier})
}

// Broadcast sends an operator message to every room.
func (g *Gateway) Broadcast(message string) {
	g.hub.ToAll(EventBroadcast, BroadcastMessage{Message: message, Timestamp: time.Now()})
}

func (g *Gateway) Stats() room.Stats {
	return g.rooms.Stats()
}

func (g *Gateway) Hub() *Hub {
	return g.hub
}
