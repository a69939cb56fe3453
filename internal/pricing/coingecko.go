package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
)

// coinIDs maps wagering currencies to CoinGecko asset ids.
var coinIDs = map[string]string{
	"BTC": "bitcoin",
	"ETH": "ethereum",
}

type CoinGecko struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

func NewCoinGecko(apiURL, apiKey string, timeout time.Duration) *CoinGecko {
	return &CoinGecko{URL: apiURL, APIKey: apiKey, Timeout: timeout}
}

func (c *CoinGecko) Fetch(ctx context.Context) (Rates, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(coinIDs))
	for _, id := range coinIDs {
		ids = append(ids, id)
	}
	query := url.Values{}
	query.Set("ids", strings.Join(ids, ","))
	query.Set("vs_currencies", "usd")

	agent := fiber.Get(c.URL)
	agent.QueryString(query.Encode())
	agent.Set("Accept", "application/json")
	agent.UserAgent("cryptocrash/1.0")
	if c.APIKey != "" {
		agent.Set("x-cg-demo-api-key", c.APIKey)
	}
	if c.Timeout > 0 {
		agent.Timeout(c.Timeout)
	}

	var body map[string]map[string]json.Number
	code, _, errs := agent.Struct(&body)
	if len(errs) > 0 {
		return nil, fmt.Errorf("coingecko request: %w", errors.Join(errs...))
	}
	if code != fiber.StatusOK {
		return nil, fmt.Errorf("coingecko returned status %d", code)
	}
	return parseSimplePrice(body)
}

func parseSimplePrice(body map[string]map[string]json.Number) (Rates, error) {
	rates := make(Rates, len(coinIDs))
	for currency, id := range coinIDs {
		quote, ok := body[id]["usd"]
		if !ok {
			continue
		}
		price, err := decimal.NewFromString(quote.String())
		if err != nil {
			return nil, fmt.Errorf("parse %s price %q: %w", currency, quote, err)
		}
		if price.IsPositive() {
			rates[currency] = price
		}
	}
	if len(rates) == 0 {
		return nil, errors.New("coingecko response had no usable prices")
	}
	return rates, nil
}
