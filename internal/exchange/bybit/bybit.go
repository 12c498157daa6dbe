// Package bybit adapts the Bybit v5 spot API to the exchange.Client
// interface. Orders are tracked by order link id, the bybit name for a
// client-chosen order id.
package bybit

import (
	"context"
	"time"

	"github.com/hirokisan/bybit/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/arbi/internal/domain"
	"github.com/vadiminshakov/arbi/internal/exchange"
)

const exchangeName = "bybit"

// Config holds the adapter settings. Fees are fractions, not percent.
type Config struct {
	APIKey    string
	APISecret string
	MakerFee  decimal.Decimal
	TakerFee  decimal.Decimal
}

// Client implements exchange.Client on top of the Bybit v5 spot API.
type Client struct {
	api      *bybit.Client
	makerFee decimal.Decimal
	takerFee decimal.Decimal
	auth     bool
}

func New(cfg Config) *Client {
	api := bybit.NewClient()
	auth := cfg.APIKey != "" && cfg.APISecret != ""
	if auth {
		api = api.WithAuth(cfg.APIKey, cfg.APISecret)
	}
	return &Client{
		api:      api,
		makerFee: cfg.MakerFee,
		takerFee: cfg.TakerFee,
		auth:     auth,
	}
}

func (c *Client) Name() string { return exchangeName }

func (c *Client) FetchOrderBook(ctx context.Context, symbol string, depth int) (*domain.OrderBook, error) {
	res, err := c.api.V5().Market().GetOrderbook(bybit.V5GetOrderbookParam{
		Category: bybit.CategoryV5Spot,
		Symbol:   bybit.SymbolV5(symbol),
		Limit:    &depth,
	})
	if err != nil {
		return nil, &exchange.TransientError{Exchange: exchangeName, Err: err}
	}

	book := &domain.OrderBook{
		Symbol:    symbol,
		Bids:      make([]domain.BookLevel, 0, len(res.Result.Bids)),
		Asks:      make([]domain.BookLevel, 0, len(res.Result.Asks)),
		Timestamp: time.Now(),
	}
	for _, b := range res.Result.Bids {
		level, err := parseLevel(b.Price, b.Quantity)
		if err != nil {
			return nil, errors.Wrap(err, "parse bid level")
		}
		book.Bids = append(book.Bids, level)
	}
	for _, a := range res.Result.Asks {
		level, err := parseLevel(a.Price, a.Quantity)
		if err != nil {
			return nil, errors.Wrap(err, "parse ask level")
		}
		book.Asks = append(book.Asks, level)
	}

	return book, nil
}

func (c *Client) PlaceOrder(_ context.Context, req exchange.PlaceOrderRequest) (*domain.Order, error) {
	param := bybit.V5CreateOrderParam{
		Category:    bybit.CategoryV5Spot,
		Symbol:      bybit.SymbolV5(req.Symbol),
		Side:        sideType(req.Side),
		OrderType:   bybit.OrderTypeMarket,
		Qty:         req.Quantity.String(),
		OrderLinkID: &req.ClientOrderID,
	}

	if req.Type == domain.OrderTypeLimit && req.Price.IsPositive() {
		price := req.Price.String()
		param.OrderType = bybit.OrderTypeLimit
		param.Price = &price
		tif := bybit.TimeInForce("GTC")
		if req.PostOnly {
			tif = bybit.TimeInForce("PostOnly")
		}
		param.TimeInForce = &tif
	}

	if _, err := c.api.V5().Order().CreateOrder(param); err != nil {
		return nil, mapOrderError(err)
	}

	return &domain.Order{
		ID:        req.ClientOrderID,
		Exchange:  exchangeName,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Type:      req.Type,
		Quantity:  req.Quantity,
		Price:     req.Price,
		Status:    domain.OrderStatusPending,
		CreatedAt: time.Now(),
	}, nil
}

func (c *Client) CancelOrder(_ context.Context, id, symbol string) (bool, error) {
	_, err := c.api.V5().Order().CancelOrder(bybit.V5CancelOrderParam{
		Category:    bybit.CategoryV5Spot,
		Symbol:      bybit.SymbolV5(symbol),
		OrderLinkID: &id,
	})
	if err != nil {
		return false, &exchange.TransientError{Exchange: exchangeName, Err: err}
	}
	return true, nil
}

// GetOrder looks among open orders first, then in the recent history for
// orders that already reached a terminal state.
func (c *Client) GetOrder(_ context.Context, id, symbol string) (*domain.Order, error) {
	sym := bybit.SymbolV5(symbol)

	open, err := c.api.V5().Order().GetOpenOrders(bybit.V5GetOpenOrdersParam{
		Category:    bybit.CategoryV5Spot,
		Symbol:      &sym,
		OrderLinkID: &id,
	})
	if err != nil {
		return nil, &exchange.TransientError{Exchange: exchangeName, Err: err}
	}
	for _, item := range open.Result.List {
		if item.OrderLinkID == id {
			return c.toOrder(id, symbol, string(item.Side), item.Qty, item.Price, item.CumExecQty, string(item.OrderStatus)), nil
		}
	}

	hist, err := c.api.V5().Order().GetHistoryOrders(bybit.V5GetHistoryOrdersParam{
		Category:    bybit.CategoryV5Spot,
		Symbol:      &sym,
		OrderLinkID: &id,
	})
	if err != nil {
		return nil, &exchange.TransientError{Exchange: exchangeName, Err: err}
	}
	for _, item := range hist.Result.List {
		if item.OrderLinkID == id {
			return c.toOrder(id, symbol, string(item.Side), item.Qty, item.Price, item.CumExecQty, string(item.OrderStatus)), nil
		}
	}

	return nil, errors.Errorf("order %s not found on %s", id, exchangeName)
}

func (c *Client) GetBalance(_ context.Context, currency string) (map[string]domain.Balance, error) {
	res, err := c.api.V5().Account().GetWalletBalance(bybit.AccountTypeV5("UNIFIED"), nil)
	if err != nil {
		return nil, &exchange.TransientError{Exchange: exchangeName, Err: err}
	}

	out := make(map[string]domain.Balance)
	for _, acct := range res.Result.List {
		for _, coin := range acct.Coin {
			code := string(coin.Coin)
			if currency != "" && code != currency {
				continue
			}
			total, terr := decimal.NewFromString(coin.WalletBalance)
			if terr != nil {
				continue
			}
			locked, lerr := decimal.NewFromString(coin.Locked)
			if lerr != nil {
				locked = decimal.Zero
			}
			out[code] = domain.Balance{Currency: code, Available: total.Sub(locked), Locked: locked}
		}
	}

	return out, nil
}

func (c *Client) MakerFee() decimal.Decimal { return c.makerFee }
func (c *Client) TakerFee() decimal.Decimal { return c.takerFee }
func (c *Client) IsAuthenticated() bool     { return c.auth }

func (c *Client) toOrder(id, symbol, side, qty, price, cumExecQty, status string) *domain.Order {
	quantity, err := decimal.NewFromString(qty)
	if err != nil {
		quantity = decimal.Zero
	}
	p, err := decimal.NewFromString(price)
	if err != nil {
		p = decimal.Zero
	}
	filled, err := decimal.NewFromString(cumExecQty)
	if err != nil {
		filled = decimal.Zero
	}

	orderType := domain.OrderTypeLimit
	if p.IsZero() {
		orderType = domain.OrderTypeMarket
	}

	return &domain.Order{
		ID:             id,
		Exchange:       exchangeName,
		Symbol:         symbol,
		Side:           mapSide(side),
		Type:           orderType,
		Quantity:       quantity,
		Price:          p,
		FilledQuantity: filled,
		Status:         mapStatus(status, filled),
		CreatedAt:      time.Now(),
	}
}

func sideType(side domain.Side) bybit.Side {
	if side == domain.SideSell {
		return bybit.SideSell
	}
	return bybit.SideBuy
}

func mapSide(side string) domain.Side {
	if side == "Sell" {
		return domain.SideSell
	}
	return domain.SideBuy
}

// v5 order statuses, see bybit API docs
func mapStatus(status string, filled decimal.Decimal) domain.OrderStatus {
	switch status {
	case "Filled":
		return domain.OrderStatusFilled
	case "PartiallyFilled":
		return domain.OrderStatusPartiallyFilled
	case "Cancelled", "Rejected", "Deactivated", "PartiallyFilledCanceled":
		return domain.OrderStatusCancelled
	default:
		if filled.IsPositive() {
			return domain.OrderStatusPartiallyFilled
		}
		return domain.OrderStatusPending
	}
}

func parseLevel(price, quantity string) (domain.BookLevel, error) {
	p, err := decimal.NewFromString(price)
	if err != nil {
		return domain.BookLevel{}, err
	}
	q, err := decimal.NewFromString(quantity)
	if err != nil {
		return domain.BookLevel{}, err
	}
	return domain.BookLevel{Price: p, Quantity: q}, nil
}
