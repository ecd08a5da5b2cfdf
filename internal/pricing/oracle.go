// Package pricing provides mark-price lookups for the tranche engine.
package pricing

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/ratelimit"
	"resty.dev/v3"

	"github.com/birdbathd/tranche-engine/internal/config"
	"github.com/birdbathd/tranche-engine/internal/errors"
	"github.com/birdbathd/tranche-engine/pkg/utils"
)

const _markPriceURL = "/fapi/v1/premiumIndex"

// PriceOracle returns the current mark price for a symbol.
type PriceOracle interface {
	GetCurrentPrice(ctx context.Context, symbol string) (float64, error)
}

// PriceFeed is an optional low-latency in-process price source, typically a
// websocket-backed cache. The oracle prefers it over the REST lookup.
type PriceFeed interface {
	LastPrice(symbol string) (float64, bool)
}

// Oracle resolves mark prices from an injected feed with a rate-limited REST
// fallback.
type Oracle struct {
	feed    PriceFeed
	client  *resty.Client
	limiter ratelimit.Limiter
	retry   utils.RetryConfig
	breaker *breaker
	logger  zerolog.Logger
}

// NewOracle creates a price oracle. feed may be nil; every lookup then goes
// through the REST mark-price endpoint.
func NewOracle(cfg config.OracleConfig, feed PriceFeed, logger zerolog.Logger) *Oracle {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout)

	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 1200
	}

	return &Oracle{
		feed:    feed,
		client:  client,
		limiter: ratelimit.New(rpm, ratelimit.Per(time.Minute)),
		retry:   utils.DefaultRetryConfig(),
		breaker: newBreaker(5, 2, 30*time.Second),
		logger:  logger,
	}
}

type markPriceResponse struct {
	Symbol    string `json:"symbol"`
	MarkPrice string `json:"markPrice"`
	Time      int64  `json:"time"`
}

type apiErrorResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// GetCurrentPrice returns the current mark price for a symbol, preferring the
// injected feed and falling back to the REST mark-price endpoint.
func (o *Oracle) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	if o.feed != nil {
		if price, ok := o.feed.LastPrice(symbol); ok && price > 0 {
			return price, nil
		}
	}

	if err := o.breaker.Allow(); err != nil {
		o.logger.Warn().Str("symbol", symbol).Str("breaker", o.breaker.State()).
			Msg("mark price lookup rejected, breaker open")
		return 0, errors.Wrapf(errors.ErrPriceUnavailable, "%s: breaker open", symbol)
	}

	price, err := utils.RetryWithResult(ctx, o.retry, func() (float64, error) {
		return o.fetchMarkPrice(ctx, symbol)
	})
	o.breaker.Record(err)
	if err != nil {
		return 0, errors.Wrapf(errors.ErrPriceUnavailable, "%s: %v", symbol, err)
	}
	return price, nil
}

func (o *Oracle) fetchMarkPrice(ctx context.Context, symbol string) (float64, error) {
	o.limiter.Take()

	resp, err := o.client.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&markPriceResponse{}).
		SetError(&apiErrorResponse{}).
		Get(_markPriceURL)
	if err != nil {
		return 0, fmt.Errorf("mark price request failed: %w", err)
	}
	defer resp.Body.Close()

	o.logger.Debug().
		Str("symbol", symbol).
		Str("status", resp.Status()).
		Dur("duration", resp.Duration()).
		Msg("mark price fetched")

	if resp.IsError() {
		if apiErr, ok := resp.Error().(*apiErrorResponse); ok && apiErr.Msg != "" {
			return 0, fmt.Errorf("mark price api error %d: %s", apiErr.Code, apiErr.Msg)
		}
		return 0, fmt.Errorf("mark price request error: %s", resp.Status())
	}

	result, ok := resp.Result().(*markPriceResponse)
	if !ok || result.MarkPrice == "" {
		return 0, fmt.Errorf("mark price response missing for %s", symbol)
	}

	price, err := strconv.ParseFloat(result.MarkPrice, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid mark price %q: %w", result.MarkPrice, err)
	}
	if price <= 0 {
		return 0, fmt.Errorf("non-positive mark price for %s", symbol)
	}
	return price, nil
}

// StaticFeed is a fixed in-memory price feed, useful for tests and replay.
type StaticFeed map[string]float64

// LastPrice implements PriceFeed.
func (f StaticFeed) LastPrice(symbol string) (float64, bool) {
	price, ok := f[symbol]
	return price, ok
}
