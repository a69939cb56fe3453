package server

import (
	"strconv"
	"strings"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"

	"cryptocrash/internal/game"
	"cryptocrash/internal/gateway"
)

var statusByCode = map[string]int{
	gateway.CodeValidation:           fiber.StatusBadRequest,
	gateway.CodeInsufficientFunds:    fiber.StatusPaymentRequired,
	gateway.CodeRoundClosed:          fiber.StatusConflict,
	gateway.CodeAlreadyCashedOut:     fiber.StatusConflict,
	gateway.CodeAlreadyCrashed:       fiber.StatusConflict,
	gateway.CodeNoActiveBet:          fiber.StatusConflict,
	gateway.CodeMultiplierNotReached: fiber.StatusConflict,
	gateway.CodeRoundInProgress:      fiber.StatusConflict,
	gateway.CodeRoundNotFound:        fiber.StatusNotFound,
	gateway.CodePlayerNotFound:       fiber.StatusNotFound,
	gateway.CodePriceUnavailable:     fiber.StatusServiceUnavailable,
}

// errorResponse writes err with the same code the websocket surface uses.
func errorResponse(c *fiber.Ctx, err error) error {
	payload := gateway.NewErrorPayload(err)
	status, ok := statusByCode[payload.Code]
	if !ok {
		status = fiber.StatusInternalServerError
		log.Error().Err(err).Str("path", c.Path()).Msg("request failed")
	}
	return c.Status(status).JSON(fiber.Map{
		"error": payload,
	})
}

func badRequest(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"error": gateway.ErrorPayload{Code: gateway.CodeValidation, Message: message},
	})
}

func (s *FiberServer) healthHandler(c *fiber.Ctx) error {
	stats := s.gateway.Stats()
	health := fiber.Map{
		"game": fiber.Map{
			"status":            "running",
			"connected_clients": s.gateway.Hub().GetClientCount(),
			"rooms":             stats.Rooms,
			"players":           stats.Players,
		},
	}
	if s.db != nil {
		health["database"] = s.db.Health()
	}
	if s.cache != nil {
		health["cache"] = s.cache.Health()
	}
	return c.JSON(health)
}

func (s *FiberServer) getGameStateHandler(c *fiber.Ctx) error {
	return c.JSON(s.engine.State(c.UserContext()))
}

func roundNumber(c *fiber.Ctx) (int, bool) {
	n, err := strconv.Atoi(c.Params("number"))
	return n, err == nil && n > 0
}

func (s *FiberServer) getRoundHandler(c *fiber.Ctx) error {
	n, ok := roundNumber(c)
	if !ok {
		return badRequest(c, "round number must be a positive integer")
	}
	view, err := s.engine.Round(c.UserContext(), n)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(view)
}

func (s *FiberServer) verifyRoundHandler(c *fiber.Ctx) error {
	n, ok := roundNumber(c)
	if !ok {
		return badRequest(c, "round number must be a positive integer")
	}
	v, err := s.engine.Verify(c.UserContext(), n)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(v)
}

func (s *FiberServer) placeBetHandler(c *fiber.Ctx) error {
	var req gateway.PlaceBetPayload
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}

	receipt, err := s.engine.PlaceBet(c.UserContext(), game.BetRequest{
		PlayerID:  req.PlayerID,
		USDAmount: req.USDAmount,
		Currency:  req.Currency,
	})
	if err != nil {
		s.metrics.BetRejected(gateway.ErrorCode(err))
		return errorResponse(c, err)
	}

	s.gateway.NotifyBet(strings.TrimSpace(req.PlayerID), receipt)
	return c.Status(fiber.StatusCreated).JSON(gateway.NewBetConfirmation(receipt))
}

func (s *FiberServer) cashoutHandler(c *fiber.Ctx) error {
	var req gateway.CashOutPayload
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}

	receipt, err := s.engine.Cashout(c.UserContext(), game.CashoutRequest{
		PlayerID:    req.PlayerID,
		RoundNumber: req.RoundNumber,
		Multiplier:  req.Multiplier,
	})
	if err != nil {
		s.metrics.CashoutRejected(gateway.ErrorCode(err))
		return errorResponse(c, err)
	}

	s.gateway.NotifyCashout(strings.TrimSpace(req.PlayerID), receipt)
	return c.JSON(gateway.NewCashoutResult(receipt))
}

func (s *FiberServer) getWalletHandler(c *fiber.Ctx) error {
	playerID := strings.TrimSpace(c.Params("playerId"))
	if playerID == "" {
		return badRequest(c, "playerId is required")
	}
	view, err := s.engine.Wallet(c.UserContext(), playerID)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(view)
}

func (s *FiberServer) broadcastHandler(c *fiber.Ctx) error {
	var body struct {
		Message string `json:"message"`
	}
	if err := c.BodyParser(&body); err != nil {
		return badRequest(c, "Invalid request body")
	}
	if strings.TrimSpace(body.Message) == "" {
		return badRequest(c, "message is required")
	}

	s.gateway.Broadcast(body.Message)
	return c.JSON(fiber.Map{
		"message": "Broadcast queued",
		"rooms":   s.gateway.Stats().Rooms,
	})
}

// gameWebSocketHandler hands the connection to the gateway for its lifetime.
func (s *FiberServer) gameWebSocketHandler(conn *websocket.Conn) {
	log.Debug().Str("remote", conn.RemoteAddr().String()).Msg("websocket connection opened")
	s.gateway.Serve(s.ctx, conn)
}
