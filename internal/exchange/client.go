// Package exchange wraps the Binance spot REST surface consumed by the
// bot. Every call acquires tokens from the rate governor before it goes
// out; rate-limit waits never escape this package.
package exchange

import (
	"context"
	"fmt"
	"strconv"

	binance "github.com/adshao/go-binance/v2"
	"github.com/google/uuid"

	"scalpflow/config"
	"scalpflow/internal/governor"
	"scalpflow/logger"
)

// MarketInfo is one listed market with its eligibility metadata.
type MarketInfo struct {
	Symbol     string
	Status     string
	QuoteAsset string
	SpotOK     bool
}

// TickerStats is the 24h rolling statistics for one symbol.
type TickerStats struct {
	Symbol      string
	LastPrice   float64
	QuoteVolume float64
}

// OrderResult is the normalized fill outcome of a market order.
type OrderResult struct {
	OrderID       int64
	ClientOrderID string
	ExecutedQty   float64
	AvgPrice      float64
}

// Client is the governed REST client.
type Client struct {
	api *binance.Client
	gov *governor.Governor
	log *logger.Log
}

func NewClient(cfg config.ExchangeConfig, gov *governor.Governor) *Client {
	api := binance.NewClient(cfg.APIKey, cfg.SecretKey)
	if cfg.RESTURL != "" {
		api.BaseURL = cfg.RESTURL
	}

	log := logger.GetLogger()
	log.WithComponent("exchange").WithFields(logger.Fields{
		"rest_url": api.BaseURL,
	}).Info("exchange client initialized")

	return &Client{api: api, gov: gov, log: log}
}

// ListMarkets fetches the full market listing with status metadata.
func (c *Client) ListMarkets(ctx context.Context) ([]MarketInfo, error) {
	if err := c.gov.Acquire(ctx, governor.ClassMarket); err != nil {
		return nil, err
	}

	info, err := c.api.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("exchange info fetch failed: %w", err)
	}

	out := make([]MarketInfo, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		out = append(out, MarketInfo{
			Symbol:     s.Symbol,
			Status:     s.Status,
			QuoteAsset: s.QuoteAsset,
			SpotOK:     s.IsSpotTradingAllowed,
		})
	}
	return out, nil
}

// TickerStats fetches the 24h batch ticker for all symbols.
func (c *Client) TickerStats(ctx context.Context) ([]TickerStats, error) {
	if err := c.gov.Acquire(ctx, governor.ClassMarket); err != nil {
		return nil, err
	}

	stats, err := c.api.NewListPriceChangeStatsService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("ticker stats fetch failed: %w", err)
	}

	out := make([]TickerStats, 0, len(stats))
	for _, s := range stats {
		last, err := strconv.ParseFloat(s.LastPrice, 64)
		if err != nil {
			continue
		}
		quoteVol, err := strconv.ParseFloat(s.QuoteVolume, 64)
		if err != nil {
			continue
		}
		out = append(out, TickerStats{Symbol: s.Symbol, LastPrice: last, QuoteVolume: quoteVol})
	}
	return out, nil
}

// MarketBuy places a market buy for the given quote notional and returns
// the normalized fill.
func (c *Client) MarketBuy(ctx context.Context, symbol string, quoteNotional float64) (OrderResult, error) {
	if err := c.gov.Acquire(ctx, governor.ClassOrder); err != nil {
		return OrderResult{}, err
	}

	clientID := "sf-" + uuid.New().String()
	res, err := c.api.NewCreateOrderService().
		Symbol(symbol).
		Side(binance.SideTypeBuy).
		Type(binance.OrderTypeMarket).
		QuoteOrderQty(strconv.FormatFloat(quoteNotional, 'f', -1, 64)).
		NewClientOrderID(clientID).
		Do(ctx)
	if err != nil {
		return OrderResult{}, fmt.Errorf("market buy %s failed: %w", symbol, err)
	}
	return normalizeOrder(res)
}

// MarketSell places a market sell for the given base quantity and
// returns the normalized fill.
func (c *Client) MarketSell(ctx context.Context, symbol string, quantity float64) (OrderResult, error) {
	if err := c.gov.Acquire(ctx, governor.ClassOrder); err != nil {
		return OrderResult{}, err
	}

	clientID := "sf-" + uuid.New().String()
	res, err := c.api.NewCreateOrderService().
		Symbol(symbol).
		Side(binance.SideTypeSell).
		Type(binance.OrderTypeMarket).
		Quantity(strconv.FormatFloat(quantity, 'f', -1, 64)).
		NewClientOrderID(clientID).
		Do(ctx)
	if err != nil {
		return OrderResult{}, fmt.Errorf("market sell %s failed: %w", symbol, err)
	}
	return normalizeOrder(res)
}

// CancelOrder cancels an open order by exchange order ID.
func (c *Client) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	if err := c.gov.Acquire(ctx, governor.ClassCancel); err != nil {
		return err
	}

	if _, err := c.api.NewCancelOrderService().Symbol(symbol).OrderID(orderID).Do(ctx); err != nil {
		return fmt.Errorf("cancel order %d on %s failed: %w", orderID, symbol, err)
	}
	return nil
}

func normalizeOrder(res *binance.CreateOrderResponse) (OrderResult, error) {
	executed, err := strconv.ParseFloat(res.ExecutedQuantity, 64)
	if err != nil {
		return OrderResult{}, fmt.Errorf("malformed executed quantity %q: %w", res.ExecutedQuantity, err)
	}
	quote, err := strconv.ParseFloat(res.CummulativeQuoteQuantity, 64)
	if err != nil {
		return OrderResult{}, fmt.Errorf("malformed quote quantity %q: %w", res.CummulativeQuoteQuantity, err)
	}

	out := OrderResult{
		OrderID:       res.OrderID,
		ClientOrderID: res.ClientOrderID,
		ExecutedQty:   executed,
	}
	if executed > 0 {
		out.AvgPrice = quote / executed
	}
	return out, nil
}
