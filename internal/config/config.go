package config

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"gopkg.in/yaml.v3"
)

// Config is the full process configuration. Env vars are read first; the
// optional YAML file named by GAME_CONFIG_FILE overrides the Game section.
type Config struct {
	Port        int
	StoreDriver string
	LogLevel    string
	LogFormat   string
	NATSURL     string
	RateLimit   int

	Game    Game
	Price   Price
	Redis   Redis
	Gateway Gateway
}

type Game struct {
	ServerSecret   string             `yaml:"server_secret"`
	RoomCapacity   int                `yaml:"room_capacity"`
	BettingWindow  time.Duration      `yaml:"betting_window"`
	TickInterval   time.Duration      `yaml:"tick_interval"`
	HouseEdge      float64            `yaml:"house_edge"`
	MaxMultiplier  float64            `yaml:"max_multiplier"`
	MinBetUSD      float64            `yaml:"min_bet_usd"`
	MaxBetUSD      float64            `yaml:"max_bet_usd"`
	FallbackPrices map[string]float64 `yaml:"fallback_prices"`
}

type Price struct {
	APIURL   string
	APIKey   string
	CacheTTL time.Duration
	Timeout  time.Duration
}

type Redis struct {
	Addr     string
	Password string
	DB       int
}

type Gateway struct {
	InboundQueue  int
	OutboundQueue int
	WriteTimeout  time.Duration
}

// Currencies returns the supported wagering currencies, taken from the
// fallback price table, upper-cased and sorted.
func (g Game) Currencies() []string {
	out := make([]string, 0, len(g.FallbackPrices))
	for c := range g.FallbackPrices {
		out = append(out, strings.ToUpper(c))
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnvAsInt("PORT", 8080),
		StoreDriver: getEnv("STORE_DRIVER", "postgres"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFormat:   getEnv("LOG_FORMAT", "json"),
		NATSURL:     getEnv("NATS_URL", ""),
		RateLimit:   getEnvAsInt("RATE_LIMIT", 120),
		Game: Game{
			ServerSecret:  getEnv("SERVER_SECRET", ""),
			RoomCapacity:  getEnvAsInt("ROOM_CAPACITY", 5),
			BettingWindow: getEnvAsDuration("BETTING_WINDOW", 5*time.Second),
			TickInterval:  getEnvAsDuration("TICK_INTERVAL", 100*time.Millisecond),
			HouseEdge:     getEnvAsFloat("HOUSE_EDGE", 0.01),
			MaxMultiplier: getEnvAsFloat("MAX_MULTIPLIER", 1000000),
			MinBetUSD:     getEnvAsFloat("MIN_BET_USD", 0.01),
			MaxBetUSD:     getEnvAsFloat("MAX_BET_USD", 10000),
			FallbackPrices: map[string]float64{
				"BTC": 43000,
				"ETH": 2600,
			},
		},
		Price: Price{
			APIURL:   getEnv("PRICE_API_URL", "https://api.coingecko.com/api/v3/simple/price"),
			APIKey:   getEnv("PRICE_API_KEY", ""),
			CacheTTL: getEnvAsDuration("PRICE_CACHE_TTL", 5*time.Minute),
			Timeout:  getEnvAsDuration("PRICE_API_TIMEOUT", 10*time.Second),
		},
		Redis: Redis{
			Addr:     getEnv("REDIS_URL", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Gateway: Gateway{
			InboundQueue:  getEnvAsInt("INBOUND_QUEUE", 64),
			OutboundQueue: getEnvAsInt("OUTBOUND_QUEUE", 256),
			WriteTimeout:  getEnvAsDuration("WS_WRITE_TIMEOUT", 10*time.Second),
		},
	}

	if path := getEnv("GAME_CONFIG_FILE", ""); path != "" {
		if err := cfg.loadGameFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadGameFile overlays the YAML file on top of the env-derived game section.
// Fields absent from the file keep their env values.
func (c *Config) loadGameFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read game config file: %w", err)
	}

	var file struct {
		Game Game `yaml:"game"`
	}
	file.Game = c.Game
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse game config: %w", err)
	}
	c.Game = file.Game
	return nil
}

func (c *Config) Validate() error {
	var problems []string
	if c.Game.ServerSecret == "" {
		problems = append(problems, "SERVER_SECRET is required")
	}
	if c.Game.RoomCapacity < 1 {
		problems = append(problems, "room capacity must be at least 1")
	}
	if c.Game.HouseEdge < 0 || c.Game.HouseEdge >= 1 {
		problems = append(problems, "house edge must be in [0, 1)")
	}
	if c.Game.MaxMultiplier < 1 {
		problems = append(problems, "max multiplier must be at least 1")
	}
	if c.Game.MinBetUSD <= 0 || c.Game.MaxBetUSD < c.Game.MinBetUSD {
		problems = append(problems, "bet limits are invalid")
	}
	if len(c.Game.FallbackPrices) == 0 {
		problems = append(problems, "at least one currency is required")
	}
	if c.StoreDriver != "postgres" && c.StoreDriver != "memory" {
		problems = append(problems, "STORE_DRIVER must be postgres or memory")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
