package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"cryptocrash/internal/game"
)

const (
	SubjectRoundOpened  = "crash.rounds.opened"
	SubjectRoundCrashed = "crash.rounds.crashed"

	natsMaxReconnects = -1
	natsReconnectWait = 2 * time.Second
)

// Publisher ships round lifecycle events to other services.
type Publisher interface {
	Publish(ctx context.Context, subject string, event RoundEvent) error
	Close() error
}

// RoundEvent is the payload of both lifecycle subjects. Seed and crash point
// are only set once the round has crashed.
type RoundEvent struct {
	EventID         uuid.UUID  `json:"eventId"`
	RoundNumber     int        `json:"roundNumber"`
	Status          string     `json:"status"`
	Commitment      string     `json:"commitment"`
	BettingClosesAt time.Time  `json:"bettingClosesAt"`
	CrashPoint      float64    `json:"crashPoint,omitempty"`
	Seed            string     `json:"seed,omitempty"`
	CrashedAt       *time.Time `json:"crashedAt,omitempty"`
	Bets            int        `json:"bets"`
	CashedOut       int        `json:"cashedOut"`
	Timestamp       time.Time  `json:"timestamp"`
}

func NewRoundEvent(snap game.RoundSnapshot) RoundEvent {
	ev := RoundEvent{
		EventID:         uuid.New(),
		RoundNumber:     snap.Number,
		Status:          string(snap.Status),
		Commitment:      snap.Commitment,
		BettingClosesAt: snap.BettingClosesAt,
		Bets:            len(snap.Bets),
		Timestamp:       time.Now().UTC(),
	}
	if snap.Status == game.StatusCrashed {
		crashedAt := snap.CrashedAt
		ev.CrashPoint = snap.CrashPoint
		ev.Seed = snap.Seed
		ev.CrashedAt = &crashedAt
	}
	for _, b := range snap.Bets {
		if b.CashedOut {
			ev.CashedOut++
		}
	}
	return ev
}

// Attach publishes every round the scheduler opens or crashes. Publishing is
// fire-and-forget; failures are logged.
func Attach(s *game.Scheduler, p Publisher) {
	s.OnOpen(func(snap game.RoundSnapshot) {
		publish(p, SubjectRoundOpened, snap)
	})
	s.OnCrash(func(snap game.RoundSnapshot) {
		publish(p, SubjectRoundCrashed, snap)
	})
}

func publish(p Publisher, subject string, snap game.RoundSnapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Publish(ctx, subject, NewRoundEvent(snap)); err != nil {
		log.Warn().Err(err).Str("subject", subject).Int("round", snap.Number).Msg("failed to publish round event")
	}
}

// NATSPublisher publishes on a core NATS connection.
type NATSPublisher struct {
	nc *nats.Conn
}

func NewNATSPublisher(natsURL string) (*NATSPublisher, error) {
	opts := []nats.Option{
		nats.Name("cryptocrash"),
		nats.MaxReconnects(natsMaxReconnects),
		nats.ReconnectWait(natsReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(natsURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	log.Info().Str("url", nc.ConnectedUrl()).Msg("connected to NATS")
	return &NATSPublisher{nc: nc}, nil
}

func (p *NATSPublisher) Publish(ctx context.Context, subject string, event RoundEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	err = p.nc.PublishMsg(&nats.Msg{
		Subject: subject,
		Data:    data,
		Header: nats.Header{
			"Event-ID":     []string{event.EventID.String()},
			"Round-Number": []string{strconv.Itoa(event.RoundNumber)},
		},
	})
	if err != nil {
		return fmt.Errorf("publish to NATS: %w", err)
	}
	log.Debug().Str("subject", subject).Int("round", event.RoundNumber).Msg("published round event")
	return nil
}

func (p *NATSPublisher) Close() error {
	if p.nc != nil {
		return p.nc.Drain()
	}
	return nil
}

// NopPublisher drops every event. It is used when NATS_URL is not set.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, string, RoundEvent) error { return nil }

func (NopPublisher) Close() error { return nil }
