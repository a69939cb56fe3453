package pricing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

var (
	ErrPriceServiceUnavailable = errors.New("price service unavailable")
	ErrUnsupportedCurrency     = errors.New("unsupported currency")
)

type Source string

const (
	SourceLive     Source = "live"
	SourceCached   Source = "cached"
	SourceStale    Source = "stale"
	SourceFallback Source = "fallback"
)

// retryInterval is how long a degraded quote is reused before the upstream is
// tried again.
const retryInterval = 30 * time.Second

// refreshTimeout bounds one shared refresh. The refresh runs detached from any
// single caller so that one caller giving up does not fail the others.
const refreshTimeout = 15 * time.Second

// Rates maps a currency code to its USD price.
type Rates map[string]decimal.Decimal

// Quote is one answer from the oracle.
type Quote struct {
	Rates     Rates     `json:"rates"`
	Source    Source    `json:"source"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Degraded reports whether the quote was served without a fresh upstream
// answer.
func (q Quote) Degraded() bool {
	return q.Source == SourceStale || q.Source == SourceFallback
}

func (q Quote) Price(currency string) (decimal.Decimal, error) {
	p, ok := q.Rates[currency]
	if !ok || !p.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnsupportedCurrency, currency)
	}
	return p, nil
}

// Oracle is the rates() collaborator. Implementations must be safe for
// concurrent use and must not be called while holding game or wallet locks.
type Oracle interface {
	Quote(ctx context.Context) (Quote, error)
}

// Fetcher retrieves fresh rates from an upstream provider.
type Fetcher interface {
	Fetch(ctx context.Context) (Rates, error)
}

// RateCache is a cache shared between server instances.
type RateCache interface {
	LoadRates(ctx context.Context) (Rates, time.Time, error)
	StoreRates(ctx context.Context, rates Rates, fetchedAt time.Time, ttl time.Duration) error
}

// CachedOracle serves rates from memory, then the shared cache, then the
// upstream fetcher; on upstream failure it serves the last known rates and
// finally the fallback table.
type CachedOracle struct {
	fetcher  Fetcher
	cache    RateCache
	fallback Rates
	ttl      time.Duration
	clock    clockwork.Clock
	group    singleflight.Group

	mu          sync.RWMutex
	last        *Quote
	lastFailure time.Time
}

func NewCachedOracle(fetcher Fetcher, cache RateCache, fallback Rates, ttl time.Duration, clock clockwork.Clock) *CachedOracle {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	fb := make(Rates, len(fallback))
	for k, v := range fallback {
		fb[k] = v
	}
	return &CachedOracle{
		fetcher:  fetcher,
		cache:    cache,
		fallback: fb,
		ttl:      ttl,
		clock:    clock,
	}
}

func (o *CachedOracle) Quote(ctx context.Context) (Quote, error) {
	if q, ok := o.fresh(); ok {
		return q, nil
	}

	ch := o.group.DoChan("rates", func() (interface{}, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return o.refresh(rctx), nil
	})

	var q Quote
	select {
	case <-ctx.Done():
		return Quote{}, ctx.Err()
	case res := <-ch:
		q = res.Val.(Quote)
	}
	if len(q.Rates) == 0 {
		return Quote{}, ErrPriceServiceUnavailable
	}
	return q, nil
}

// Invalidate drops the in-process copy so the next Quote goes upstream.
func (o *CachedOracle) Invalidate() {
	o.mu.Lock()
	o.last = nil
	o.mu.Unlock()
}

func (o *CachedOracle) fresh() (Quote, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.last == nil {
		return Quote{}, false
	}
	if o.last.Degraded() {
		if o.clock.Since(o.lastFailure) < retryInterval {
			return *o.last, true
		}
		return Quote{}, false
	}
	if o.clock.Since(o.last.FetchedAt) >= o.ttl {
		return Quote{}, false
	}
	q := *o.last
	q.Source = SourceCached
	return q, true
}

func (o *CachedOracle) refresh(ctx context.Context) Quote {
	now := o.clock.Now()

	if o.cache != nil {
		rates, fetchedAt, err := o.cache.LoadRates(ctx)
		if err == nil && len(rates) > 0 && now.Sub(fetchedAt) < o.ttl {
			q := Quote{Rates: rates, Source: SourceCached, FetchedAt: fetchedAt}
			o.remember(q)
			return q
		}
	}

	rates, err := o.fetcher.Fetch(ctx)
	if err == nil && len(rates) > 0 {
		rates = o.fillMissing(rates)
		q := Quote{Rates: rates, Source: SourceLive, FetchedAt: now}
		o.remember(q)
		if o.cache != nil {
			if err := o.cache.StoreRates(ctx, rates, now, o.ttl); err != nil {
				log.Warn().Err(err).Msg("failed to store rates in shared cache")
			}
		}
		log.Debug().Int("currencies", len(rates)).Msg("fetched live rates")
		return q
	}
	if err == nil {
		err = errors.New("empty rates")
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.lastFailure = now
	if o.last != nil && o.last.Source != SourceFallback {
		log.Warn().Err(err).Time("fetched_at", o.last.FetchedAt).Msg("price fetch failed, serving stale rates")
		q := *o.last
		q.Source = SourceStale
		o.last = &q
		return q
	}

	log.Warn().Err(err).Msg("price fetch failed, serving fallback rates")
	q := Quote{Rates: o.fallback, Source: SourceFallback, FetchedAt: now}
	o.last = &q
	return q
}

// fillMissing keeps every configured currency quotable even when the upstream
// omits one.
func (o *CachedOracle) fillMissing(rates Rates) Rates {
	out := make(Rates, len(o.fallback))
	for k, v := range o.fallback {
		out[k] = v
	}
	for k, v := range rates {
		if v.IsPositive() {
			out[k] = v
		}
	}
	return out
}

func (o *CachedOracle) remember(q Quote) {
	o.mu.Lock()
	o.last = &q
	o.mu.Unlock()
}

// StaticOracle always answers with the same live rates.
type StaticOracle Rates

func (s StaticOracle) Quote(context.Context) (Quote, error) {
	if len(s) == 0 {
		return Quote{}, ErrPriceServiceUnavailable
	}
	return Quote{Rates: Rates(s), Source: SourceLive, FetchedAt: time.Now()}, nil
}
