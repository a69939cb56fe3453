package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"cryptocrash/internal/config"
	"cryptocrash/internal/pricing"
)

const ratesKey = "cryptocrash:rates"

var ErrCacheMiss = errors.New("cache miss")

type Service interface {
	GetClient() *redis.Client
	Health() map[string]string
	Close() error

	pricing.RateCache
}

type service struct {
	client *redis.Client
}

type cachedRates struct {
	Rates     pricing.Rates `json:"rates"`
	FetchedAt time.Time     `json:"fetched_at"`
}

// New connects to Redis. It returns nil when Redis is unreachable; the
// server then runs with its in-process price cache only.
func New(cfg config.Redis) Service {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     100,
		MinIdleConns: 10,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		log.Warn().Err(err).Str("addr", cfg.Addr).Msg("redis connection failed, running without shared price cache")
		client.Close()
		return nil
	}

	log.Info().Str("addr", cfg.Addr).Msg("redis connected")
	return &service{client: client}
}

func (s *service) GetClient() *redis.Client {
	return s.client
}

func (s *service) LoadRates(ctx context.Context) (pricing.Rates, time.Time, error) {
	data, err := s.client.Get(ctx, ratesKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, time.Time{}, ErrCacheMiss
	}
	if err != nil {
		return nil, time.Time{}, err
	}
	return decodeRates(data)
}

func (s *service) StoreRates(ctx context.Context, rates pricing.Rates, fetchedAt time.Time, ttl time.Duration) error {
	data, err := encodeRates(rates, fetchedAt)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, ratesKey, data, ttl).Err()
}

func encodeRates(rates pricing.Rates, fetchedAt time.Time) ([]byte, error) {
	return json.Marshal(cachedRates{Rates: rates, FetchedAt: fetchedAt})
}

func decodeRates(data []byte) (pricing.Rates, time.Time, error) {
	var c cachedRates
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, time.Time{}, fmt.Errorf("corrupt cached rates: %w", err)
	}
	if len(c.Rates) == 0 {
		return nil, time.Time{}, ErrCacheMiss
	}
	return c.Rates, c.FetchedAt, nil
}

func (s *service) Health() map[string]string {
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	stats := make(map[string]string)

	_, err := s.client.Ping(ctx).Result()
	if err != nil {
		stats["status"] = "down"
		stats["error"] = fmt.Sprintf("redis down: %v", err)
		return stats
	}

	stats["status"] = "up"
	stats["message"] = "Redis is healthy"

	poolStats := s.client.PoolStats()
	stats["hits"] = strconv.FormatUint(uint64(poolStats.Hits), 10)
	stats["misses"] = strconv.FormatUint(uint64(poolStats.Misses), 10)
	stats["timeouts"] = strconv.FormatUint(uint64(poolStats.Timeouts), 10)
	stats["total_conns"] = strconv.FormatUint(uint64(poolStats.TotalConns), 10)
	stats["idle_conns"] = strconv.FormatUint(uint64(poolStats.IdleConns), 10)
	stats["stale_conns"] = strconv.FormatUint(uint64(poolStats.StaleConns), 10)

	return stats
}

func (s *service) Close() error {
	log.Info().Msg("disconnecting from redis")
	return s.client.Close()
}
